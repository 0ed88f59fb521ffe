// Package events publishes quotation thread activity to NATS so other
// services (CRM sync, analytics) can follow it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "quotations.thread."

// ThreadEvent is the JSON body published for every transition and message.
type ThreadEvent struct {
	Event        string    `json:"event"`
	QuotationID  string    `json:"quotationId"`
	ThreadStatus string    `json:"threadStatus"`
	MessageID    string    `json:"messageId,omitempty"`
	ActorID      string    `json:"actorId"`
	ActorRole    string    `json:"actorRole"`
	OccurredAt   time.Time `json:"occurredAt"`
}

func Subject(event string) string {
	return subjectPrefix + event
}

type Publisher interface {
	Publish(ctx context.Context, event ThreadEvent) error
}

type conn interface {
	Publish(subject string, data []byte) error
}

type NATSPublisher struct {
	conn conn
	nc   *nats.Conn
}

func Connect(natsURL, appName string, log *slog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(appName),
		nats.Timeout(5*time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSPublisher{conn: nc, nc: nc}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, event ThreadEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal thread event: %w", err)
	}
	if err := p.conn.Publish(Subject(event.Event), data); err != nil {
		return fmt.Errorf("publish %s: %w", Subject(event.Event), err)
	}
	return nil
}

// Close drains pending publishes before closing.
func (p *NATSPublisher) Close() {
	if p.nc != nil && !p.nc.IsClosed() {
		_ = p.nc.Drain()
	}
}

// Noop drops every event; used when NATS_URL is unset.
type Noop struct{}

func (Noop) Publish(context.Context, ThreadEvent) error { return nil }
