// Package publish forwards committed classified events to NATS for the
// downstream summarizer.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/stellarlinkco/companion/internal/logging"
	"github.com/stellarlinkco/companion/internal/store"
)

// ClassifiedSignal is the wire form of a classified event.
type ClassifiedSignal struct {
	EventID          string    `json:"event_id"`
	IdempotencyKey   string    `json:"idempotency_key"`
	UserID           string    `json:"user_id"`
	SourceInstanceID string    `json:"source_instance_id"`
	Bucket           string    `json:"bucket"`
	Text             string    `json:"text"`
	CreatedAt        time.Time `json:"created_at"`
}

func SignalFor(ev store.ClassifiedEvent) ClassifiedSignal {
	return ClassifiedSignal{
		EventID:          ev.ID,
		IdempotencyKey:   ev.IdempotencyKey,
		UserID:           ev.UserID,
		SourceInstanceID: ev.SourceInstanceID,
		Bucket:           string(ev.Bucket),
		Text:             ev.Text,
		CreatedAt:        ev.CreatedAt,
	}
}

type Publisher interface {
	PublishClassified(ctx context.Context, ev store.ClassifiedEvent) error
	Close()
}

type Client struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// Connect dials NATS. The connection keeps retrying in the background when
// the server is not up yet.
func Connect(url, token, subject string, logger *zap.Logger) (*Client, error) {
	logger = logging.OrNop(logger).Named("publish")
	opts := []nats.Option{
		nats.Name("companion"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Client{conn: nc, subject: subject, logger: logger}, nil
}

// PublishClassified sends ev. The idempotency key doubles as the JetStream
// message id so a stream with deduplication drops repeats.
func (c *Client) PublishClassified(_ context.Context, ev store.ClassifiedEvent) error {
	payload, err := json.Marshal(SignalFor(ev))
	if err != nil {
		return fmt.Errorf("marshal classified signal: %w", err)
	}
	msg := nats.NewMsg(c.subject + "." + string(ev.Bucket))
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, ev.IdempotencyKey)
	if err := c.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

// Nop discards everything; used when no NATS url is configured.
type Nop struct{}

func (Nop) PublishClassified(context.Context, store.ClassifiedEvent) error { return nil }
func (Nop) Close()                                                         {}
