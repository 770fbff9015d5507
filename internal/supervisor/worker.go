package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"basegraph.app/courier/common/arangodb"
	"basegraph.app/courier/core/config"
	"basegraph.app/courier/internal/broker"
	"basegraph.app/courier/internal/consumer"
	"basegraph.app/courier/internal/dedup"
	"basegraph.app/courier/internal/http/handler"
	"basegraph.app/courier/internal/http/router"
	"basegraph.app/courier/internal/metrics"
	"basegraph.app/courier/internal/store"
	"basegraph.app/courier/internal/vendorapi"
)

const receiptDedupScope = "receipt"

// StoreOpener connects to the document store.
type StoreOpener func(ctx context.Context, cfg arangodb.Config) (arangodb.Client, error)

// Dialer connects to the broker.
type Dialer func(ctx context.Context, cfg broker.Config) (*broker.Conn, error)

type WorkerOption func(*Worker)

func WithStoreOpener(open StoreOpener) WorkerOption {
	return func(w *Worker) {
		if open != nil {
			w.openStore = open
		}
	}
}

func WithDialer(dial Dialer) WorkerOption {
	return func(w *Worker) {
		if dial != nil {
			w.dial = dial
		}
	}
}

// Worker is the pipeline process: the document store, the broker connection
// and channel, the four consumers and the health server, started in that
// order.
type Worker struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	openStore StoreOpener
	dial      Dialer

	db        arangodb.Client
	conn      *broker.Conn
	channel   *broker.Channel
	consumers []consumer.Consumer
	server    *http.Server
	fatal     chan error

	mu   sync.RWMutex
	addr string
}

func NewWorker(cfg config.Config, reg *prometheus.Registry, opts ...WorkerOption) *Worker {
	w := &Worker{
		cfg:       cfg,
		openStore: arangodb.New,
		dial:      broker.Dial,
		fatal:     make(chan error, 1),
	}
	if reg != nil {
		w.metrics = metrics.New(reg)
		w.gatherer = reg
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Stages lists the worker's components in startup order.
func (w *Worker) Stages() []Stage {
	return []Stage{
		{Name: "store", Start: w.startStore, Stop: w.stopStore},
		{Name: "broker", Start: w.startBroker, Stop: w.stopBroker},
		{Name: "channel", Start: w.startChannel, Stop: w.stopChannel},
		{Name: "consumers", Start: w.startConsumers, Stop: w.stopConsumers},
		{Name: "http", Start: w.startHTTP, Stop: w.stopHTTP},
	}
}

// Fatal reports errors that should take the whole process down.
func (w *Worker) Fatal() <-chan error {
	return w.fatal
}

// Addr is the health server's listen address once it is up.
func (w *Worker) Addr() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.addr
}

// Ready reports whether every consumer is running.
func (w *Worker) Ready() bool {
	if len(w.consumers) == 0 {
		return false
	}
	for _, c := range w.consumers {
		if c.State() != consumer.StateRunning {
			return false
		}
	}
	return true
}

func (w *Worker) Components() map[string]string {
	out := make(map[string]string, len(w.consumers))
	for _, c := range w.consumers {
		out[c.Name()] = c.State().String()
	}
	return out
}

func (w *Worker) startStore(ctx context.Context) error {
	db, err := w.openStore(ctx, arangodb.Config{
		URL:      w.cfg.ArangoDB.URL,
		Username: w.cfg.ArangoDB.Username,
		Password: w.cfg.ArangoDB.Password,
		Database: w.cfg.ArangoDB.Database,
	})
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := db.EnsureCollections(ctx); err != nil {
		_ = db.Close()
		return err
	}
	w.db = db
	slog.InfoContext(ctx, "document store connected", "database", w.cfg.ArangoDB.Database)
	return nil
}

func (w *Worker) stopStore(context.Context) error {
	return w.db.Close()
}

func (w *Worker) startBroker(ctx context.Context) error {
	conn, err := w.dial(ctx, broker.Config{
		URL:           w.cfg.Redis.URL,
		Group:         w.cfg.Redis.Group,
		Consumer:      w.cfg.Redis.Consumer,
		ReclaimIdle:   w.cfg.Redis.ReclaimIdle,
		ReclaimEvery:  w.cfg.Redis.ReclaimEvery,
		MaxDeliveries: w.cfg.Redis.MaxDeliveries,
		Metrics:       w.metrics,
	})
	if err != nil {
		return err
	}
	w.conn = conn
	return nil
}

func (w *Worker) stopBroker(context.Context) error {
	return w.conn.Close()
}

func (w *Worker) startChannel(context.Context) error {
	ch, err := w.conn.Channel()
	if err != nil {
		return err
	}
	w.channel = ch
	return nil
}

func (w *Worker) stopChannel(context.Context) error {
	return w.channel.Close()
}

func (w *Worker) buildConsumers() ([]consumer.Consumer, error) {
	stores := store.NewStores(w.db)

	guard, err := dedup.NewGuard(w.conn.Client(), w.cfg.Receipts.DedupTTL, receiptDedupScope)
	if err != nil {
		return nil, fmt.Errorf("receipt guard: %w", err)
	}

	sender, err := vendorapi.NewClient(w.cfg.Vendor.URL, w.cfg.Vendor.Timeout)
	if err != nil {
		return nil, fmt.Errorf("vendor client: %w", err)
	}

	applier := consumer.NewReceiptApplier(stores.CommunicationLogs(), stores.Campaigns(), guard, w.metrics)

	return []consumer.Consumer{
		consumer.NewCustomerConsumer(w.channel, stores.Customers(), w.cfg.Ingest.Customers, w.metrics),
		consumer.NewOrderConsumer(w.channel, stores.Orders(), w.cfg.Ingest.Orders, w.metrics),
		consumer.NewReceiptConsumer(w.channel, applier, w.cfg.Receipts.Batch, w.metrics),
		consumer.NewDeliveryConsumer(w.channel, sender, w.cfg.Delivery.Prefetch, w.metrics),
	}, nil
}

func (w *Worker) startConsumers(ctx context.Context) error {
	consumers, err := w.buildConsumers()
	if err != nil {
		return err
	}

	for i, c := range consumers {
		if err := c.Start(ctx); err != nil {
			stopErr := stopAll(context.WithoutCancel(ctx), consumers[:i])
			return errors.Join(err, stopErr)
		}
	}
	w.consumers = consumers

	slog.InfoContext(ctx, "pipeline ready", "consumers", len(consumers))
	return nil
}

func (w *Worker) stopConsumers(ctx context.Context) error {
	return stopAll(ctx, w.consumers)
}

// stopAll drains consumers concurrently; they share nothing but the channel.
func stopAll(ctx context.Context, consumers []consumer.Consumer) error {
	var g errgroup.Group
	errs := make([]error, len(consumers))
	for i, c := range consumers {
		g.Go(func() error {
			if err := c.Stop(ctx); err != nil {
				errs[i] = fmt.Errorf("consumer %s: %w", c.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (w *Worker) startHTTP(ctx context.Context) error {
	engine := router.NewEngine(w.cfg)
	router.SetupRoutes(engine, handler.NewHealthHandler(w), router.RouterConfig{Gatherer: w.gatherer})

	server, err := listenAndServe(ctx, w.cfg.Port, engine, w.fatal)
	if err != nil {
		return err
	}
	w.server = server

	w.mu.Lock()
	w.addr = server.Addr
	w.mu.Unlock()
	return nil
}

func (w *Worker) stopHTTP(ctx context.Context) error {
	return w.server.Shutdown(ctx)
}

// listenAndServe binds port before returning so a taken port fails startup.
// Errors after that are sent on fatal.
func listenAndServe(ctx context.Context, port string, h http.Handler, fatal chan<- error) (*http.Server, error) {
	server := router.NewServer(port, h)

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return nil, fmt.Errorf("http listen %s: %w", server.Addr, err)
	}
	server.Addr = ln.Addr().String()

	go func() {
		slog.InfoContext(ctx, "http server starting", "addr", server.Addr)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case fatal <- fmt.Errorf("http server: %w", err):
			default:
			}
		}
	}()
	return server, nil
}
