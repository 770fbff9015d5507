package store_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/courier/common/arangodb"
	"basegraph.app/courier/internal/model"
	"basegraph.app/courier/internal/store"
)

var _ = Describe("Stores", func() {
	var (
		ctx    context.Context
		db     *fakeDB
		stores *store.Stores
		now    time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		db = &fakeDB{}
		now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		stores = store.NewStores(db).WithClock(func() time.Time { return now })
	})

	Describe("Customers.UpsertBatch", func() {
		It("sends one query keyed by a hash of externalId", func() {
			err := stores.Customers().UpsertBatch(ctx, []model.Customer{
				{ExternalID: "cust_001", Email: "a@example.com", Tags: []string{}},
				{ExternalID: "cust_002", Email: "b@example.com", Tags: []string{}},
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(db.calls).To(HaveLen(1))
			call := db.lastCall()
			Expect(call.query).To(ContainSubstring("UPSERT { _key: d._key }"))
			Expect(call.bindVars["@col"]).To(Equal(arangodb.CollectionCustomers))
			Expect(call.bindVars["now"]).To(Equal(now))

			docs := asJSON[[]map[string]any](call.bindVars["docs"])
			Expect(docs).To(HaveLen(2))
			Expect(docs[0]["_key"]).To(Equal(arangodb.Key("cust_001")))
			Expect(docs[0]["externalId"]).To(Equal("cust_001"))
			Expect(docs[0]).NotTo(HaveKey("createdAt"))
		})

		It("keeps only the last entry when a batch repeats an externalId", func() {
			err := stores.Customers().UpsertBatch(ctx, []model.Customer{
				{ExternalID: "cust_001", Email: "old@example.com"},
				{ExternalID: "cust_002", Email: "b@example.com"},
				{ExternalID: "cust_001", Email: "new@example.com"},
			})
			Expect(err).NotTo(HaveOccurred())

			docs := asJSON[[]map[string]any](db.lastCall().bindVars["docs"])
			Expect(docs).To(HaveLen(2))
			Expect(docs[0]["externalId"]).To(Equal("cust_002"))
			Expect(docs[1]["email"]).To(Equal("new@example.com"))
		})

		It("passes a producer supplied createdAt through", func() {
			created := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
			Expect(stores.Customers().UpsertBatch(ctx, []model.Customer{
				{ExternalID: "cust_001", Email: "a@example.com", CreatedAt: &created},
			})).To(Succeed())

			docs := asJSON[[]map[string]any](db.lastCall().bindVars["docs"])
			Expect(docs[0]["createdAt"]).To(Equal("2024-01-15T00:00:00Z"))
		})

		It("skips the round trip for an empty batch", func() {
			Expect(stores.Customers().UpsertBatch(ctx, nil)).To(Succeed())
			Expect(db.calls).To(BeEmpty())
		})

		It("wraps store errors", func() {
			db.err = errors.New("connection refused")
			err := stores.Customers().UpsertBatch(ctx, []model.Customer{{ExternalID: "x", Email: "x@y.z"}})
			Expect(err).To(MatchError(ContainSubstring("connection refused")))
			Expect(err).To(MatchError(ContainSubstring("customers")))
		})
	})

	Describe("Orders.UpsertBatch", func() {
		It("writes orders without checking the customer exists", func() {
			Expect(stores.Orders().UpsertBatch(ctx, []model.Order{
				{ExternalID: "ord_1", CustomerExternalID: "cust_missing", Currency: "USD", Status: model.OrderStatusPending},
			})).To(Succeed())

			Expect(db.calls).To(HaveLen(1))
			call := db.lastCall()
			Expect(call.bindVars["@col"]).To(Equal(arangodb.CollectionOrders))
			docs := asJSON[[]map[string]any](call.bindVars["docs"])
			Expect(docs[0]["customerExternalId"]).To(Equal("cust_missing"))
		})
	})

	Describe("CommunicationLogs", func() {
		It("folds receipts for one log into a single patch", func() {
			vendorID := "v-1"
			db.rows = [][]any{{"log_1"}}

			matched, err := stores.CommunicationLogs().ApplyReceipts(ctx, []model.DeliveryReceipt{
				{CommunicationLogID: "log_1", Status: model.DeliveryStatusSent, VendorID: &vendorID},
				{CommunicationLogID: "log_1", Status: model.DeliveryStatusDelivered},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(matched).To(Equal([]string{"log_1"}))

			call := db.lastCall()
			Expect(call.query).To(ContainSubstring("ignoreErrors: true"))
			patches := asJSON[[]struct {
				Key    string         `json:"_key"`
				Fields map[string]any `json:"fields"`
			}](call.bindVars["patches"])
			Expect(patches).To(HaveLen(1))
			Expect(patches[0].Key).To(Equal("log_1"))
			Expect(patches[0].Fields).To(HaveKeyWithValue("status", "DELIVERED"))
			Expect(patches[0].Fields).To(HaveKeyWithValue("vendorId", "v-1"))
			Expect(patches[0].Fields).To(HaveKey("sentAt"))
			Expect(patches[0].Fields).To(HaveKey("deliveredAt"))
			Expect(patches[0].Fields).To(HaveKey("updatedAt"))
		})

		It("sets only the timestamp matching the status", func() {
			reason := "mailbox full"
			_, err := stores.CommunicationLogs().ApplyReceipts(ctx, []model.DeliveryReceipt{
				{CommunicationLogID: "log_2", Status: model.DeliveryStatusBounced, Reason: &reason},
			})
			Expect(err).NotTo(HaveOccurred())

			patches := asJSON[[]struct {
				Fields map[string]any `json:"fields"`
			}](db.lastCall().bindVars["patches"])
			Expect(patches[0].Fields).To(HaveKeyWithValue("reason", "mailbox full"))
			Expect(patches[0].Fields).NotTo(HaveKey("sentAt"))
			Expect(patches[0].Fields).NotTo(HaveKey("deliveredAt"))
		})

		It("maps known logs to campaigns in one lookup", func() {
			db.rows = [][]any{{
				map[string]string{"id": "log_1", "campaignId": "camp_a"},
				map[string]string{"id": "log_2", "campaignId": "camp_b"},
			}}

			ids, err := stores.CommunicationLogs().CampaignIDs(ctx, []string{"log_1", "log_2", "log_1", "ghost"})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(Equal(map[string]string{"log_1": "camp_a", "log_2": "camp_b"}))

			Expect(db.calls).To(HaveLen(1))
			Expect(db.lastCall().bindVars["keys"]).To(Equal([]string{"log_1", "log_2", "ghost"}))
		})
	})

	Describe("Campaigns.IncrementStats", func() {
		It("issues one exclusive increment with the delta", func() {
			db.rows = [][]any{{"camp_a"}}

			found, err := stores.Campaigns().IncrementStats(ctx, "camp_a", model.StatsDelta{Sent: 2, Delivered: 1})
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())

			call := db.lastCall()
			Expect(call.query).To(ContainSubstring("exclusive: true"))
			Expect(call.bindVars["key"]).To(Equal("camp_a"))
			Expect(call.bindVars["delta"]).To(Equal(model.StatsDelta{Sent: 2, Delivered: 1}))
		})

		It("reports a missing campaign", func() {
			found, err := stores.Campaigns().IncrementStats(ctx, "camp_gone", model.StatsDelta{Failed: 1})
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
		})

		It("does nothing for an empty delta", func() {
			found, err := stores.Campaigns().IncrementStats(ctx, "camp_a", model.StatsDelta{})
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(db.calls).To(BeEmpty())
		})
	})
})
