// Package events publishes catalog change notifications over NATS with
// OpenTelemetry trace propagation. Consumers subscribe to "catalog.product.>"
// and decode catalog.Event JSON.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/dennj/agnomerchant/engine/catalog"
)

// SubjectPrefix is prepended to the event type, e.g. "catalog.product.upserted".
const SubjectPrefix = "catalog.product."

// headerCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Publisher implements catalog.Notifier.
type Publisher struct {
	nc *nats.Conn
}

// NewPublisher wraps an open connection. The caller owns nc.
func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{nc: nc}
}

// Subject returns the subject an event of type t is published on.
func Subject(t string) string { return SubjectPrefix + t }

// Notify publishes ev as JSON on Subject(ev.Type).
func (p *Publisher) Notify(ctx context.Context, ev catalog.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", ev.Type, err)
	}
	msg := &nats.Msg{Subject: Subject(ev.Type), Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	return p.nc.PublishMsg(msg)
}
