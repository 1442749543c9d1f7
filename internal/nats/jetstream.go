package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultStream is the stream change events are kept on.
const DefaultStream = "MAIL_EVENTS"

// Publisher wraps NATS JetStream for publishing events
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
}

// NewPublisher creates a new NATS JetStream publisher
func NewPublisher(url, stream string) (*Publisher, error) {
	if stream == "" {
		stream = DefaultStream
	}
	nc, err := nats.Connect(url,
		nats.Name("mailsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js, stream: stream}, nil
}

// EnsureStream creates the event stream over subjects "<prefix>.>" unless
// it already exists.
func (p *Publisher) EnsureStream(ctx context.Context, prefix string) error {
	info, err := p.js.StreamInfo(p.stream, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       p.stream,
		Subjects:   []string{prefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour, // Keep events for 30 days
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish publishes a message to NATS JetStream with deduplication
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close drains and closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}
