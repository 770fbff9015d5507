package consumer_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/courier/core/config"
	"basegraph.app/courier/internal/broker"
	"basegraph.app/courier/internal/consumer"
	"basegraph.app/courier/internal/model"
)

var _ = Describe("ReceiptApplier", func() {
	var (
		ctx       context.Context
		logs      *memLogs
		campaigns *memCampaigns
		guard     *memGuard
		applier   *consumer.ReceiptApplier
	)

	BeforeEach(func() {
		ctx = context.Background()
		logs = newMemLogs(
			model.CommunicationLog{ID: "log_1", CampaignID: "camp_a"},
			model.CommunicationLog{ID: "log_2", CampaignID: "camp_a"},
			model.CommunicationLog{ID: "log_3", CampaignID: "camp_a"},
			model.CommunicationLog{ID: "log_b", CampaignID: "camp_b"},
		)
		campaigns = newMemCampaigns("camp_a", "camp_b")
		guard = newMemGuard()
		applier = consumer.NewReceiptApplier(logs, campaigns, guard, nil)
	})

	receipt := func(logID string, status model.DeliveryStatus) model.DeliveryReceipt {
		return model.DeliveryReceipt{CommunicationLogID: logID, Status: status}
	}

	It("adds exactly one to each matching counter for a campaign's three logs", func() {
		err := applier.Apply(ctx, []model.DeliveryReceipt{
			receipt("log_1", model.DeliveryStatusSent),
			receipt("log_2", model.DeliveryStatusDelivered),
			receipt("log_3", model.DeliveryStatusFailed),
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(campaigns.Stats("camp_a")).To(Equal(model.CampaignStats{Sent: 1, Delivered: 1, Failed: 1, Bounced: 0}))
		Expect(campaigns.Calls()).To(Equal([]string{"camp_a"}))
		Expect(logs.Status("log_2")).To(Equal(model.DeliveryStatusDelivered))
		Expect(logs.applyCalls).To(Equal(1))
		Expect(logs.lookupCalls).To(Equal(1))
	})

	It("issues one increment per campaign", func() {
		Expect(applier.Apply(ctx, []model.DeliveryReceipt{
			receipt("log_1", model.DeliveryStatusSent),
			receipt("log_b", model.DeliveryStatusBounced),
			receipt("log_2", model.DeliveryStatusSent),
		})).To(Succeed())

		Expect(campaigns.Calls()).To(ConsistOf("camp_a", "camp_b"))
		Expect(campaigns.Stats("camp_a").Sent).To(Equal(int64(2)))
		Expect(campaigns.Stats("camp_b").Bounced).To(Equal(int64(1)))
	})

	It("skips receipts for unknown logs and still applies the rest", func() {
		err := applier.Apply(ctx, []model.DeliveryReceipt{
			receipt("ghost", model.DeliveryStatusDelivered),
			receipt("log_1", model.DeliveryStatusSent),
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(campaigns.Stats("camp_a")).To(Equal(model.CampaignStats{Sent: 1}))
		Expect(campaigns.Stats("camp_b")).To(Equal(model.CampaignStats{}))
		Expect(logs.Status("log_1")).To(Equal(model.DeliveryStatusSent))
	})

	It("does not count a redelivered receipt twice", func() {
		batch := []model.DeliveryReceipt{receipt("log_1", model.DeliveryStatusSent)}
		Expect(applier.Apply(ctx, batch)).To(Succeed())
		Expect(applier.Apply(ctx, batch)).To(Succeed())

		Expect(campaigns.Stats("camp_a").Sent).To(Equal(int64(1)))
	})

	It("counts distinct statuses for the same log", func() {
		Expect(applier.Apply(ctx, []model.DeliveryReceipt{
			receipt("log_1", model.DeliveryStatusSent),
			receipt("log_1", model.DeliveryStatusDelivered),
		})).To(Succeed())

		Expect(campaigns.Stats("camp_a")).To(Equal(model.CampaignStats{Sent: 1, Delivered: 1}))
		Expect(logs.Status("log_1")).To(Equal(model.DeliveryStatusDelivered))
	})

	It("releases marks when an increment fails so a retry counts", func() {
		failing := true
		campaigns.IncrementStatsFn = func(_ context.Context, id string, d model.StatsDelta) (bool, error) {
			if failing {
				return false, errors.New("write conflict")
			}
			campaigns.mu.Lock()
			defer campaigns.mu.Unlock()
			s := campaigns.stats[id]
			s.Sent += d.Sent
			campaigns.stats[id] = s
			return true, nil
		}

		batch := []model.DeliveryReceipt{receipt("log_1", model.DeliveryStatusSent)}
		Expect(applier.Apply(ctx, batch)).To(MatchError(ContainSubstring("write conflict")))

		failing = false
		Expect(applier.Apply(ctx, batch)).To(Succeed())
		Expect(campaigns.Stats("camp_a").Sent).To(Equal(int64(1)))
	})

	It("releases marks when an increment panics so a retry counts", func() {
		panicking := true
		campaigns.IncrementStatsFn = func(_ context.Context, id string, d model.StatsDelta) (bool, error) {
			if panicking {
				panic("arangodb connection reset")
			}
			campaigns.mu.Lock()
			defer campaigns.mu.Unlock()
			s := campaigns.stats[id]
			s.Sent += d.Sent
			s.Bounced += d.Bounced
			campaigns.stats[id] = s
			return true, nil
		}

		batch := []model.DeliveryReceipt{
			receipt("log_1", model.DeliveryStatusSent),
			receipt("log_b", model.DeliveryStatusBounced),
		}
		Expect(func() { _ = applier.Apply(ctx, batch) }).To(PanicWith("arangodb connection reset"))

		panicking = false
		Expect(applier.Apply(ctx, batch)).To(Succeed())
		Expect(campaigns.Stats("camp_a").Sent).To(Equal(int64(1)))
		Expect(campaigns.Stats("camp_b").Bounced).To(Equal(int64(1)))
	})

	It("stops before aggregation when the log update fails", func() {
		logs.applyErr = errors.New("timeout")

		err := applier.Apply(ctx, []model.DeliveryReceipt{receipt("log_1", model.DeliveryStatusSent)})
		Expect(err).To(MatchError(ContainSubstring("timeout")))
		Expect(campaigns.Calls()).To(BeEmpty())
	})

	It("tolerates a campaign that no longer exists", func() {
		logs = newMemLogs(model.CommunicationLog{ID: "log_x", CampaignID: "camp_deleted"})
		applier = consumer.NewReceiptApplier(logs, campaigns, nil, nil)

		Expect(applier.Apply(ctx, []model.DeliveryReceipt{receipt("log_x", model.DeliveryStatusSent)})).To(Succeed())
		Expect(campaigns.Calls()).To(Equal([]string{"camp_deleted"}))
	})
})

var _ = Describe("Receipt consumer", func() {
	It("batches receipts and acks them after aggregation", func() {
		ctx := context.Background()
		src := newFakeSource()
		acker := &acks{}
		logs := newMemLogs(
			model.CommunicationLog{ID: "log_1", CampaignID: "camp_a"},
			model.CommunicationLog{ID: "log_2", CampaignID: "camp_a"},
		)
		campaigns := newMemCampaigns("camp_a")
		applier := consumer.NewReceiptApplier(logs, campaigns, newMemGuard(), nil)

		c := consumer.NewReceiptConsumer(src, applier, config.BatchConfig{Size: 100, Timeout: 5 * time.Second}, nil)
		Expect(c.Start(ctx)).To(Succeed())
		Expect(src.queue).To(Equal(broker.QueueDeliveryReceipt))
		Expect(src.prefetch).To(Equal(100))

		src.send(acker.delivery(broker.QueueDeliveryReceipt, model.DeliveryReceipt{CommunicationLogID: "log_1", Status: model.DeliveryStatusSent}))
		src.send(acker.delivery(broker.QueueDeliveryReceipt, model.DeliveryReceipt{CommunicationLogID: "log_2", Status: model.DeliveryStatusBounced}))
		src.send(acker.delivery(broker.QueueDeliveryReceipt, `{"communicationLogId":"log_1","status":"LOST"}`))

		Expect(c.Stop(ctx)).To(Succeed())

		Expect(acker.Acked()).To(HaveLen(2))
		Expect(acker.Nacked()).To(ConsistOf(HaveField("Requeue", false)))
		Expect(campaigns.Stats("camp_a")).To(Equal(model.CampaignStats{Sent: 1, Bounced: 1}))
	})

	It("counts a requeued receipt after a panicking increment", func() {
		ctx := context.Background()
		src := newFakeSource()
		acker := &acks{}
		logs := newMemLogs(model.CommunicationLog{ID: "log_1", CampaignID: "camp_a"})
		campaigns := newMemCampaigns("camp_a")

		var mu sync.Mutex
		calls := 0
		campaigns.IncrementStatsFn = func(_ context.Context, id string, d model.StatsDelta) (bool, error) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				panic("arangodb connection reset")
			}
			campaigns.mu.Lock()
			defer campaigns.mu.Unlock()
			s := campaigns.stats[id]
			s.Sent += d.Sent
			campaigns.stats[id] = s
			return true, nil
		}
		applier := consumer.NewReceiptApplier(logs, campaigns, newMemGuard(), nil)

		c := consumer.NewReceiptConsumer(src, applier, config.BatchConfig{Size: 1, Timeout: 5 * time.Second}, nil)
		Expect(c.Start(ctx)).To(Succeed())

		body := model.DeliveryReceipt{CommunicationLogID: "log_1", Status: model.DeliveryStatusSent}
		src.send(acker.delivery(broker.QueueDeliveryReceipt, body))
		Eventually(acker.Nacked).Should(ConsistOf(HaveField("Requeue", true)))

		src.send(acker.delivery(broker.QueueDeliveryReceipt, body))
		Eventually(acker.Acked).Should(HaveLen(1))

		Expect(c.Stop(ctx)).To(Succeed())
		Expect(campaigns.Stats("camp_a")).To(Equal(model.CampaignStats{Sent: 1}))
	})
})
