package supervisor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"basegraph.app/courier/core/config"
	"basegraph.app/courier/internal/broker"
	"basegraph.app/courier/internal/http/handler"
	"basegraph.app/courier/internal/http/router"
	"basegraph.app/courier/internal/vendorapi"
)

const (
	minReceiptDelay = 100 * time.Millisecond
	maxReceiptDelay = 2 * time.Second
)

type VendorOption func(*Vendor)

func WithVendorDialer(dial Dialer) VendorOption {
	return func(v *Vendor) {
		if dial != nil {
			v.dial = dial
		}
	}
}

// Vendor is the stand-in delivery vendor process: it accepts sends over HTTP
// and publishes their receipts to the broker.
type Vendor struct {
	cfg  config.Config
	dial Dialer

	conn      *broker.Conn
	simulator *vendorapi.Simulator
	server    *http.Server
	fatal     chan error

	mu   sync.RWMutex
	addr string
}

func NewVendor(cfg config.Config, opts ...VendorOption) *Vendor {
	v := &Vendor{
		cfg:   cfg,
		dial:  broker.Dial,
		fatal: make(chan error, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

func (v *Vendor) Stages() []Stage {
	return []Stage{
		{Name: "broker", Start: v.startBroker, Stop: v.stopBroker},
		{Name: "simulator", Start: v.startSimulator, Stop: v.stopSimulator},
		{Name: "http", Start: v.startHTTP, Stop: v.stopHTTP},
	}
}

func (v *Vendor) Fatal() <-chan error {
	return v.fatal
}

func (v *Vendor) Addr() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.addr
}

func (v *Vendor) startBroker(ctx context.Context) error {
	conn, err := v.dial(ctx, broker.Config{URL: v.cfg.Redis.URL})
	if err != nil {
		return err
	}
	v.conn = conn
	return nil
}

func (v *Vendor) stopBroker(context.Context) error {
	return v.conn.Close()
}

func (v *Vendor) startSimulator(context.Context) error {
	v.simulator = vendorapi.NewSimulator(broker.NewProducer(v.conn.Client()), vendorapi.SimulatorConfig{
		Queue:       broker.QueueDeliveryReceipt,
		FailureRate: v.cfg.Vendor.FailureRate,
		MinDelay:    minReceiptDelay,
		MaxDelay:    maxReceiptDelay,
	})
	return nil
}

func (v *Vendor) stopSimulator(ctx context.Context) error {
	return v.simulator.Close(ctx)
}

func (v *Vendor) startHTTP(ctx context.Context) error {
	engine := router.NewEngine(v.cfg)
	router.SetupRoutes(engine, handler.NewHealthHandler(nil), router.RouterConfig{})
	router.VendorRouter(engine.Group(""), v.simulator)

	server, err := listenAndServe(ctx, v.cfg.Port, engine, v.fatal)
	if err != nil {
		return err
	}
	v.server = server

	v.mu.Lock()
	v.addr = server.Addr
	v.mu.Unlock()
	return nil
}

func (v *Vendor) stopHTTP(ctx context.Context) error {
	return v.server.Shutdown(ctx)
}
