package natsjs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/store"
)

// Outbox is the store side of the dispatcher.
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
	PrunePublished(ctx context.Context, before time.Time) (int64, error)
}

// EventPublisher publishes one event with a de-duplication id.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// DispatcherConfig controls outbox draining.
type DispatcherConfig struct {
	BatchSize    int
	IdleWait     time.Duration
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	// Retention is how long published rows are kept.
	Retention time.Duration
}

func (c *DispatcherConfig) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 500 * time.Millisecond
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 10 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
}

// Dispatcher drains the outbox into JetStream. Delivery is at least once;
// the msg id lets the stream drop duplicates.
type Dispatcher struct {
	outbox Outbox
	pub    EventPublisher
	cfg    DispatcherConfig
	log    zerolog.Logger
	now    func() time.Time
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(outbox Outbox, pub EventPublisher, cfg DispatcherConfig, log zerolog.Logger) *Dispatcher {
	cfg.withDefaults()
	return &Dispatcher{
		outbox: outbox,
		pub:    pub,
		cfg:    cfg,
		log:    log.With().Str("component", "outbox-dispatcher").Logger(),
		now:    time.Now,
	}
}

// Run dispatches until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	pruned := d.now()
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			d.log.Error().Err(err).Msg("error dequeuing outbox")
		}
		if d.now().Sub(pruned) >= time.Hour {
			d.prune(ctx)
			pruned = d.now()
		}

		wait := time.Duration(0)
		switch {
		case err != nil:
			wait = time.Second
		case n == 0:
			wait = d.cfg.IdleWait
		}
		if wait == 0 {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one batch and reports how many rows it handled.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.outbox.DequeueOutbox(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, msg := range messages {
		if err := d.pub.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			backoff := d.backoff(msg.Retries)
			d.log.Warn().
				Err(err).
				Int64("outbox_id", msg.ID).
				Str("subject", msg.Subject).
				Dur("backoff", backoff).
				Msg("error publishing message")
			if err := d.outbox.MarkOutboxRetry(ctx, msg.ID, backoff); err != nil {
				d.log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("error scheduling retry")
			}
			continue
		}
		if err := d.outbox.MarkPublished(ctx, msg.ID); err != nil {
			d.log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("error marking message as published")
		}
	}
	return len(messages), nil
}

func (d *Dispatcher) backoff(retries int) time.Duration {
	b := d.cfg.RetryBackoff
	for i := 0; i < retries && b < d.cfg.MaxBackoff; i++ {
		b *= 2
	}
	return min(b, d.cfg.MaxBackoff)
}

func (d *Dispatcher) prune(ctx context.Context) {
	n, err := d.outbox.PrunePublished(ctx, d.now().Add(-d.cfg.Retention))
	if err != nil {
		d.log.Error().Err(err).Msg("error pruning outbox")
		return
	}
	if n > 0 {
		d.log.Debug().Int64("rows", n).Msg("pruned published outbox rows")
	}
}
