package model_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/courier/internal/model"
)

var _ = Describe("CustomerIngest.Normalize", func() {
	It("parses dates and lower-cases the email", func() {
		lastOrder := "2024-03-01T10:00:00Z"
		in := model.CustomerIngest{
			ExternalID:  "cust_001",
			Email:       " Ada@Example.com ",
			TotalSpend:  100,
			Visits:      2,
			LastOrderAt: &lastOrder,
			Tags:        []string{"vip"},
		}

		c, err := in.Normalize()
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Email).To(Equal("ada@example.com"))
		Expect(*c.LastOrderAt).To(Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))
		Expect(c.CreatedAt).To(BeNil())
	})

	It("defaults tags to an empty list", func() {
		c, err := model.CustomerIngest{ExternalID: "c", Email: "e@x.io"}.Normalize()
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Tags).To(BeEmpty())
		Expect(c.Tags).NotTo(BeNil())
	})

	DescribeTable("rejects malformed input",
		func(in model.CustomerIngest) {
			_, err := in.Normalize()
			Expect(err).To(MatchError(model.ErrMalformed))
		},
		Entry("missing externalId", model.CustomerIngest{Email: "e@x.io"}),
		Entry("missing email", model.CustomerIngest{ExternalID: "c"}),
		Entry("bad createdAt", model.CustomerIngest{ExternalID: "c", Email: "e@x.io", CreatedAt: model.Ptr("yesterday")}),
	)
})

var _ = Describe("OrderIngest.Normalize", func() {
	valid := func() model.OrderIngest {
		return model.OrderIngest{
			ExternalID:         "ord_1",
			CustomerExternalID: "cust_001",
			Amount:             42.5,
			Currency:           "usd",
			Status:             model.OrderStatusCompleted,
			OrderDate:          "2024-03-01",
		}
	}

	It("upper-cases the currency and parses a date-only orderDate", func() {
		o, err := valid().Normalize()
		Expect(err).NotTo(HaveOccurred())
		Expect(o.Currency).To(Equal("USD"))
		Expect(o.OrderDate).To(Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	})

	DescribeTable("rejects malformed input",
		func(mutate func(*model.OrderIngest)) {
			in := valid()
			mutate(&in)
			_, err := in.Normalize()
			Expect(err).To(MatchError(model.ErrMalformed))
		},
		Entry("unknown status", func(o *model.OrderIngest) { o.Status = "shipped" }),
		Entry("long currency", func(o *model.OrderIngest) { o.Currency = "EURO" }),
		Entry("missing orderDate", func(o *model.OrderIngest) { o.OrderDate = "" }),
		Entry("missing customer", func(o *model.OrderIngest) { o.CustomerExternalID = "" }),
	)
})

var _ = Describe("DeliveryReceipt.Validate", func() {
	It("accepts every known status", func() {
		for _, s := range []model.DeliveryStatus{"SENT", "DELIVERED", "FAILED", "BOUNCED"} {
			Expect(model.DeliveryReceipt{CommunicationLogID: "l1", Status: s}.Validate()).To(Succeed())
		}
	})

	It("rejects lower-case statuses", func() {
		err := model.DeliveryReceipt{CommunicationLogID: "l1", Status: "sent"}.Validate()
		Expect(err).To(MatchError(model.ErrMalformed))
	})
})

var _ = Describe("StatsDelta", func() {
	It("counts each status into its own bucket", func() {
		var d model.StatsDelta
		d.Count(model.DeliveryStatusSent)
		d.Count(model.DeliveryStatusDelivered)
		d.Count(model.DeliveryStatusFailed)

		Expect(d).To(Equal(model.StatsDelta{Sent: 1, Delivered: 1, Failed: 1}))
		Expect(d.IsZero()).To(BeFalse())
		Expect(model.StatsDelta{}.IsZero()).To(BeTrue())
	})
})
