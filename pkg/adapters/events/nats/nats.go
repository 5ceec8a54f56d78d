package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/aescanero/constellation/pkg/ports"
)

// Publisher is the subset of *nats.Conn the forwarder uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Forwarder mirrors bus events onto NATS subjects of the form
// <prefix>.<constellation id>.<event type>.
type Forwarder struct {
	pub    Publisher
	prefix string
	logger *zap.Logger
}

// NewForwarder creates a forwarder. An empty prefix defaults to
// "constellation".
func NewForwarder(pub Publisher, prefix string, logger *zap.Logger) *Forwarder {
	if prefix == "" {
		prefix = "constellation"
	}
	return &Forwarder{pub: pub, prefix: prefix, logger: logger}
}

// Connect dials a NATS server with reconnect handling logged through logger.
func Connect(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return conn, nil
}

// Subject returns the subject an event is published on.
func (f *Forwarder) Subject(event ports.Event) string {
	return fmt.Sprintf("%s.%s.%s", f.prefix, event.ConstellationID, event.Type)
}

// OnEvent publishes the JSON-encoded event.
func (f *Forwarder) OnEvent(_ context.Context, event ports.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := f.Subject(event)
	if err := f.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	f.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("subject", subject))
	return nil
}
