// Package poller consumes completed checkouts and empties the buyer's cart.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fjod/go_cart/cart-session/internal/logger"
	"github.com/segmentio/kafka-go"
)

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type CartClearer interface {
	ClearAfterCheckout(ctx context.Context, userID string) error
}

type checkoutCompleted struct {
	CheckoutID string `json:"checkout_id"`
	UserID     string `json:"user_id"`
}

type Poller struct {
	carts     CartClearer
	reader    MessageReader
	log       *logger.Logger
	errorWait time.Duration
}

func NewKafkaReader(topic, groupID string, brokers ...string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
}

func NewPoller(carts CartClearer, reader MessageReader, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.NewNop()
	}
	return &Poller{
		carts:     carts,
		reader:    reader,
		log:       log.With("component", "checkout-poller"),
		errorWait: time.Second,
	}
}

func (p *Poller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.getMessageAndEmptyCart(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("error reading message", "error", err)
			select {
			case <-time.After(p.errorWait):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Poller) Close() {
	if err := p.reader.Close(); err != nil {
		p.log.Warn("error closing reader", "error", err)
	}
}

// getMessageAndEmptyCart returns only read errors; a message that cannot
// be applied is logged and skipped.
func (p *Poller) getMessageAndEmptyCart(ctx context.Context) error {
	m, err := p.reader.ReadMessage(ctx)
	if err != nil {
		return err
	}

	var payload checkoutCompleted
	if err := json.Unmarshal(m.Value, &payload); err != nil {
		p.log.Warn("error parsing message", "offset", m.Offset, "error", err)
		return nil
	}
	if payload.UserID == "" {
		p.log.Warn("missing or invalid user_id", "offset", m.Offset, "checkout_id", payload.CheckoutID)
		return nil
	}

	if err := p.carts.ClearAfterCheckout(ctx, payload.UserID); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Error("failed to clear cart after checkout",
			"user_id", payload.UserID, "checkout_id", payload.CheckoutID, "error", err)
		return nil
	}
	p.log.Info("cart cleared after checkout", "user_id", payload.UserID, "checkout_id", payload.CheckoutID)
	return nil
}
