package vendorapi

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"basegraph.app/courier/common/id"
	"basegraph.app/courier/common/logger"
	"basegraph.app/courier/internal/model"
)

// Publisher puts receipts back on the broker.
type Publisher interface {
	Publish(ctx context.Context, queue string, v any) (string, error)
}

type SimulatorConfig struct {
	Queue       string
	FailureRate float64
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

var failureReasons = []struct {
	status model.DeliveryStatus
	reason string
}{
	{model.DeliveryStatusFailed, "recipient unreachable"},
	{model.DeliveryStatusFailed, "carrier rejected message"},
	{model.DeliveryStatusBounced, "mailbox does not exist"},
	{model.DeliveryStatusBounced, "mailbox full"},
}

// Simulator accepts every well-formed send and, after a random delay,
// publishes receipts for it: SENT then DELIVERED, or a single FAILED or
// BOUNCED with probability FailureRate.
type Simulator struct {
	publisher Publisher
	cfg       SimulatorConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

func NewSimulator(publisher Publisher, cfg SimulatorConfig) *Simulator {
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Simulator{
		publisher: publisher,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Send is the gin handler for POST /send.
func (s *Simulator) Send(c *gin.Context) {
	ctx := c.Request.Context()

	var job model.CampaignSendJob
	if err := c.ShouldBindJSON(&job); err != nil {
		slog.WarnContext(ctx, "invalid send request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := job.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	vendorID := id.NewString("vnd_")
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		CommunicationLogID: logger.Ptr(job.CommunicationLogID),
	})

	if !s.schedule(context.WithoutCancel(ctx), job.CommunicationLogID, vendorID) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vendor shutting down"})
		return
	}

	slog.InfoContext(ctx, "send accepted", "vendor_id", vendorID)
	c.JSON(http.StatusAccepted, SendResponse{Status: "accepted", VendorID: vendorID})
}

// Close stops accepting sends and waits for scheduled receipts. When ctx
// ends first, receipts still waiting out their delay are dropped.
func (s *Simulator) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return errors.Join(errors.New("receipts dropped on shutdown"), ctx.Err())
	}
}

func (s *Simulator) schedule(ctx context.Context, logID, vendorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pending.Add(1)
	go s.report(ctx, logID, vendorID)
	return true
}

func (s *Simulator) report(ctx context.Context, logID, vendorID string) {
	defer s.pending.Done()

	select {
	case <-time.After(s.delay()):
	case <-s.ctx.Done():
		slog.WarnContext(ctx, "receipt dropped", "vendor_id", vendorID)
		return
	}

	receipts := outcome(rand.Float64() >= s.cfg.FailureRate, logID, vendorID)
	for _, r := range receipts {
		if _, err := s.publisher.Publish(ctx, s.cfg.Queue, r); err != nil {
			slog.ErrorContext(ctx, "failed to publish receipt",
				"error", err,
				"status", r.Status)
			return
		}
	}
	slog.DebugContext(ctx, "receipts published", "vendor_id", vendorID, "count", len(receipts))
}

func (s *Simulator) delay() time.Duration {
	spread := s.cfg.MaxDelay - s.cfg.MinDelay
	if spread <= 0 {
		return s.cfg.MinDelay
	}
	return s.cfg.MinDelay + rand.N(spread)
}

func outcome(ok bool, logID, vendorID string) []model.DeliveryReceipt {
	vid := logger.Ptr(vendorID)
	if ok {
		return []model.DeliveryReceipt{
			{CommunicationLogID: logID, Status: model.DeliveryStatusSent, VendorID: vid},
			{CommunicationLogID: logID, Status: model.DeliveryStatusDelivered, VendorID: vid},
		}
	}
	f := failureReasons[rand.IntN(len(failureReasons))]
	return []model.DeliveryReceipt{
		{CommunicationLogID: logID, Status: f.status, VendorID: vid, Reason: logger.Ptr(f.reason)},
	}
}
