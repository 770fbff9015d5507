package broker

import (
	"context"
	"errors"
	"sync/atomic"
)

var ErrAlreadySettled = errors.New("delivery already settled")

// Acknowledger settles deliveries on behalf of the queue that produced them.
type Acknowledger interface {
	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery, requeue bool, reason string) error
}

// Delivery is one queue entry handed to a consumer. Exactly one of Ack or Nack
// takes effect; later calls return ErrAlreadySettled.
type Delivery struct {
	ID          string
	Queue       string
	Body        []byte
	Redelivered bool
	Attempt     int64

	acker   Acknowledger
	settled atomic.Bool
}

// NewDelivery builds a delivery settled through acker.
func NewDelivery(acker Acknowledger, queue, id string, body []byte) *Delivery {
	return &Delivery{ID: id, Queue: queue, Body: body, Attempt: 1, acker: acker}
}

// Ack marks the entry processed.
func (d *Delivery) Ack(ctx context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return d.acker.Ack(ctx, d)
}

// Nack gives the entry back. With requeue it stays pending and is redelivered
// once it has been idle long enough; without, it moves to the dead-letter
// stream with reason attached.
func (d *Delivery) Nack(ctx context.Context, requeue bool, reason string) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return d.acker.Nack(ctx, d, requeue, reason)
}
