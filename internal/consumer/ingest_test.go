package consumer_test

import (
	"context"
	"errors"
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"

	"basegraph.app/courier/common/logger"
	"basegraph.app/courier/core/config"
	"basegraph.app/courier/internal/broker"
	"basegraph.app/courier/internal/consumer"
	"basegraph.app/courier/internal/model"
)

// Deliveries are acked only after the batch holding them is written.
var _ = Describe("Customer ingest consumer", func() {
	var (
		ctx       context.Context
		src       *fakeSource
		acker     *acks
		customers *memCustomers
	)

	BeforeEach(func() {
		ctx = context.Background()
		src = newFakeSource()
		acker = &acks{}
		customers = newMemCustomers()
	})

	start := func(size int, timeout time.Duration) *consumer.BatchConsumer[model.Customer] {
		c := consumer.NewCustomerConsumer(src, customers, config.BatchConfig{Size: size, Timeout: timeout}, nil)
		Expect(c.Start(ctx)).To(Succeed())
		DeferCleanup(func() { _ = c.Stop(ctx) })
		return c
	}

	customer := func(ext string, spend float64, visits int, tags ...string) map[string]any {
		return map[string]any{
			"externalId": ext,
			"email":      ext + "@Example.com",
			"firstName":  "Ada",
			"lastName":   "Lovelace",
			"totalSpend": spend,
			"visits":     visits,
			"tags":       tags,
		}
	}

	It("consumes its queue with prefetch equal to the batch size", func() {
		start(500, time.Hour)
		Expect(src.queue).To(Equal(broker.QueueCustomersIngest))
		Expect(src.prefetch).To(Equal(500))
	})

	It("keeps the latest payload for cust_001 across two batches", func() {
		start(1, time.Hour)

		src.send(acker.delivery(broker.QueueCustomersIngest, customer("cust_001", 100, 2, "vip")))
		src.send(acker.delivery(broker.QueueCustomersIngest, customer("cust_001", 150, 3, "vip", "loyal")))

		Eventually(acker.Acked).Should(HaveLen(2))
		Expect(customers.Batches()).To(HaveLen(2))

		docs := customers.Docs()
		Expect(docs).To(HaveLen(1))
		Expect(docs["cust_001"].TotalSpend).To(Equal(150.0))
		Expect(docs["cust_001"].Visits).To(Equal(3))
		Expect(docs["cust_001"].Tags).To(Equal([]string{"vip", "loyal"}))
		Expect(docs["cust_001"].Email).To(Equal("cust_001@example.com"))
	})

	It("leaves one document when the same customer is ingested twice", func() {
		start(2, time.Hour)

		src.send(acker.delivery(broker.QueueCustomersIngest, customer("cust_002", 10, 1)))
		src.send(acker.delivery(broker.QueueCustomersIngest, customer("cust_002", 20, 2)))

		Eventually(acker.Acked).Should(HaveLen(2))
		Expect(customers.Docs()).To(HaveLen(1))
		Expect(customers.Docs()["cust_002"].TotalSpend).To(Equal(20.0))
	})

	It("flushes a partial batch after the timeout and acks it", func() {
		start(100, 20*time.Millisecond)

		src.send(acker.delivery(broker.QueueCustomersIngest, customer("cust_003", 1, 1)))

		Eventually(acker.Acked).Should(HaveLen(1))
		Expect(customers.Batches()).To(HaveLen(1))
	})

	It("acks only after the batch is written, never on receipt", func() {
		start(10, time.Hour)

		src.send(acker.delivery(broker.QueueCustomersIngest, customer("cust_004", 1, 1)))
		Consistently(acker.Acked, 50*time.Millisecond).Should(BeEmpty())
	})

	It("writes buffered items when stopped", func() {
		c := start(500, time.Hour)
		for _, ext := range []string{"a", "b", "c"} {
			src.send(acker.delivery(broker.QueueCustomersIngest, customer(ext, 1, 1)))
		}

		Expect(c.Stop(ctx)).To(Succeed())

		Expect(customers.Docs()).To(HaveLen(3))
		Expect(acker.Acked()).To(HaveLen(3))
		Expect(c.State()).To(Equal(consumer.StateStopped))
	})

	It("logs each message and its batch under the customer's external id", func() {
		out := gbytes.NewBuffer()
		prev := slog.Default()
		slog.SetDefault(slog.New(logger.NewTraceHandler(
			slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))))
		DeferCleanup(func() { slog.SetDefault(prev) })

		start(1, time.Hour)
		src.send(acker.delivery(broker.QueueCustomersIngest, customer("cust_042", 10, 1)))

		Eventually(out).Should(gbytes.Say(`"msg":"message buffered".*"external_id":"cust_042"`))
		Eventually(acker.Acked).Should(HaveLen(1))
		Eventually(out).Should(gbytes.Say(`"batch_id":"customers-1"`))
	})

	It("dead-letters malformed messages without writing them", func() {
		c := start(500, time.Hour)

		src.send(acker.delivery(broker.QueueCustomersIngest, `{"externalId": "x"}`))
		src.send(acker.delivery(broker.QueueCustomersIngest, `not json`))
		Expect(c.Stop(ctx)).To(Succeed())

		nacked := acker.Nacked()
		Expect(nacked).To(HaveLen(2))
		for _, n := range nacked {
			Expect(n.Requeue).To(BeFalse())
		}
		Expect(nacked[0].Reason).To(ContainSubstring("email"))
		Expect(customers.Batches()).To(BeEmpty())
	})

	It("requeues the whole batch when the write fails", func() {
		customers.err = errors.New("store unavailable")
		start(2, time.Hour)

		src.send(acker.delivery(broker.QueueCustomersIngest, customer("a", 1, 1)))
		src.send(acker.delivery(broker.QueueCustomersIngest, customer("b", 1, 1)))

		Eventually(acker.Nacked).Should(HaveLen(2))
		for _, n := range acker.Nacked() {
			Expect(n.Requeue).To(BeTrue())
			Expect(n.Reason).To(ContainSubstring("store unavailable"))
		}
		Expect(acker.Acked()).To(BeEmpty())
	})

	Describe("lifecycle", func() {
		It("moves from stopped to running and back", func() {
			c := consumer.NewCustomerConsumer(src, customers, config.BatchConfig{Size: 5, Timeout: time.Second}, nil)
			Expect(c.State()).To(Equal(consumer.StateStopped))

			Expect(c.Start(ctx)).To(Succeed())
			Expect(c.State()).To(Equal(consumer.StateRunning))
			Expect(c.Start(ctx)).To(MatchError(ContainSubstring("already running")))

			Expect(c.Stop(ctx)).To(Succeed())
			Expect(c.State()).To(Equal(consumer.StateStopped))
			Expect(c.Stop(ctx)).To(Succeed())
		})

		It("stays stopped when the queue cannot be consumed", func() {
			src.err = broker.ErrChannelClosed
			c := consumer.NewCustomerConsumer(src, customers, config.BatchConfig{Size: 5, Timeout: time.Second}, nil)

			Expect(c.Start(ctx)).To(MatchError(broker.ErrChannelClosed))
			Expect(c.State()).To(Equal(consumer.StateStopped))
		})
	})
})

var _ = Describe("Order ingest consumer", func() {
	var (
		ctx    context.Context
		src    *fakeSource
		acker  *acks
		orders *memOrders
		c      *consumer.BatchConsumer[model.Order]
	)

	BeforeEach(func() {
		ctx = context.Background()
		src = newFakeSource()
		acker = &acks{}
		orders = &memOrders{}
		c = consumer.NewOrderConsumer(src, orders, config.BatchConfig{Size: 500, Timeout: time.Hour}, nil)
		Expect(c.Start(ctx)).To(Succeed())
		Expect(src.queue).To(Equal(broker.QueueOrdersIngest))
	})

	It("stores orders whose customer is unknown", func() {
		src.send(acker.delivery(broker.QueueOrdersIngest, map[string]any{
			"externalId":         "ord_1",
			"customerExternalId": "cust_never_seen",
			"amount":             42.5,
			"currency":           "usd",
			"status":             "completed",
			"orderDate":          "2025-02-01",
			"items":              []map[string]any{{"productId": "p1", "name": "Mug", "quantity": 2, "price": 21.25}},
		}))
		Expect(c.Stop(ctx)).To(Succeed())

		docs := orders.Docs()
		Expect(docs).To(HaveKey("ord_1"))
		Expect(docs["ord_1"].Currency).To(Equal("USD"))
		Expect(docs["ord_1"].OrderDate).To(BeTemporally("==", time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)))
		Expect(acker.Acked()).To(HaveLen(1))
	})

	It("dead-letters orders with an unknown status", func() {
		src.send(acker.delivery(broker.QueueOrdersIngest, map[string]any{
			"externalId":         "ord_2",
			"customerExternalId": "c",
			"currency":           "EUR",
			"status":             "lost",
			"orderDate":          "2025-02-01T10:00:00Z",
		}))
		Expect(c.Stop(ctx)).To(Succeed())

		Expect(orders.Docs()).To(BeEmpty())
		Expect(acker.Nacked()).To(ConsistOf(HaveField("Requeue", false)))
	})
})
