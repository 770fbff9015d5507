// Package broker runs named work queues on Redis Streams consumer groups.
//
// Each queue is one stream read through a shared consumer group. Consumers
// receive Deliveries over a channel and settle each one with Ack or Nack; the
// receive loop never holds more than Prefetch unsettled deliveries per
// consumer. Entries left pending (crash, requeue) are reclaimed after they go
// idle, and entries that keep failing end up in the queue's dead-letter stream.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.app/courier/internal/metrics"
)

// Queue names. Streams are created on first declare.
const (
	QueueCustomersIngest  = "queue.customers.ingest"
	QueueOrdersIngest     = "queue.orders.ingest"
	QueueCampaignDelivery = "queue.campaign.delivery"
	QueueDeliveryReceipt  = "queue.delivery.receipt"
)

// Stream entry fields.
const (
	fieldBody     = "body"
	fieldError    = "error"
	fieldSourceID = "source_id"
	fieldQueue    = "queue"
	fieldAttempts = "attempts"
)

var ErrChannelClosed = errors.New("broker channel closed")

// DLQName is the dead-letter stream for queue.
func DLQName(queue string) string {
	return queue + ".dlq"
}

type Config struct {
	URL           string
	Group         string        // consumer group shared by every worker process
	Consumer      string        // this process's name inside the group
	Block         time.Duration // how long one XREADGROUP waits for new entries
	ReclaimIdle   time.Duration // pending entries idle this long are reclaimed
	ReclaimEvery  time.Duration // zero disables the reclaimer
	MaxDeliveries int64         // reclaimed entries delivered this often go to the DLQ
	Metrics       *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = "courier"
	}
	if c.Consumer == "" {
		c.Consumer = "courier-worker"
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.ReclaimIdle <= 0 {
		c.ReclaimIdle = 2 * time.Minute
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	return c
}

// Conn is a connection to the broker. It hands out a single Channel.
type Conn struct {
	client *redis.Client
	cfg    Config

	mu      sync.Mutex
	channel *Channel
	closed  bool
}

// Dial connects and pings the broker.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	slog.InfoContext(ctx, "connected to broker", "addr", opts.Addr, "db", opts.DB)
	return NewConn(client, cfg), nil
}

// NewConn wraps an existing client. Closing the Conn closes the client.
func NewConn(client *redis.Client, cfg Config) *Conn {
	return &Conn{client: client, cfg: cfg.withDefaults()}
}

// Client exposes the underlying Redis client for components that share the
// connection, such as the receipt dedup guard.
func (c *Conn) Client() *redis.Client {
	return c.client
}

// Channel returns the connection's channel, opening it on first use.
func (c *Conn) Channel() (*Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrChannelClosed
	}
	if c.channel == nil || c.channel.isClosed() {
		c.channel = newChannel(c.client, c.cfg)
	}
	return c.channel, nil
}

// Close closes the channel, if open, then the Redis client.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ch := c.channel
	c.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	return c.client.Close()
}

// Channel declares queues and runs consumers.
type Channel struct {
	client *redis.Client
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func newChannel(client *redis.Client, cfg Config) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{client: client, cfg: cfg, ctx: ctx, cancel: cancel}
}

// DeclareQueue creates the queue's stream and consumer group if missing.
func (ch *Channel) DeclareQueue(ctx context.Context, queue string) error {
	if ch.isClosed() {
		return ErrChannelClosed
	}

	// Starting the group at "0" instead of "$" means entries published before
	// the group existed are still delivered.
	err := ch.client.XGroupCreateMkStream(ctx, queue, ch.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group for %s: %w", queue, err)
	}
	return nil
}

// Close stops every receive loop started on this channel and waits for them
// to exit. Deliveries already handed out can still be settled.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.mu.Unlock()

	ch.cancel()
	ch.wg.Wait()
	return nil
}

func (ch *Channel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}
