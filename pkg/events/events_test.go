package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/dennj/agnomerchant/engine/catalog"
)

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

// subscribe decodes events the way a downstream consumer would, restoring the
// publisher's trace context. Malformed messages are dropped.
func subscribe(nc *nats.Conn, subject string, handler func(context.Context, catalog.Event)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev catalog.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*headerCarrier)(msg))
		handler(ctx, ev)
	})
}

func TestNotifyPublishesOnTypedSubject(t *testing.T) {
	nc := startTestNATS(t)

	got := make(chan catalog.Event, 2)
	sub, err := subscribe(nc, SubjectPrefix+">", func(_ context.Context, ev catalog.Event) {
		got <- ev
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	raw := make(chan *nats.Msg, 1)
	rawSub, err := nc.ChanSubscribe(Subject(catalog.EventDeleted), raw)
	if err != nil {
		t.Fatal(err)
	}
	defer rawSub.Unsubscribe()
	nc.Flush()

	p := NewPublisher(nc)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := p.Notify(context.Background(), catalog.Event{Type: catalog.EventUpserted, OwnerID: "m1", ProductID: "1", At: at}); err != nil {
		t.Fatal(err)
	}
	if err := p.Notify(context.Background(), catalog.Event{Type: catalog.EventDeleted, OwnerID: "m1", ProductID: "1", At: at}); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{catalog.EventUpserted, catalog.EventDeleted} {
		select {
		case ev := <-got:
			if ev.Type != want || ev.OwnerID != "m1" || !ev.At.Equal(at) {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}

	select {
	case msg := <-raw:
		if msg.Subject != "catalog.product.deleted" {
			t.Fatalf("unexpected subject %q", msg.Subject)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for raw message")
	}
}

func TestMalformedEventsAreDropped(t *testing.T) {
	nc := startTestNATS(t)

	called := make(chan struct{}, 1)
	sub, err := subscribe(nc, Subject(catalog.EventUpserted), func(context.Context, catalog.Event) {
		called <- struct{}{}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	nc.Publish(Subject(catalog.EventUpserted), []byte("{bad"))
	nc.Flush()

	select {
	case <-called:
		t.Fatal("handler must not run for malformed data")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{Subject: "x"}
	c := (*headerCarrier)(msg)
	if c.Get("traceparent") != "" || len(c.Keys()) != 0 {
		t.Fatal("empty carrier should have no values")
	}
	c.Set("traceparent", "00-abc-def-01")
	if c.Get("traceparent") != "00-abc-def-01" {
		t.Fatalf("unexpected value %q", c.Get("traceparent"))
	}
	if keys := c.Keys(); len(keys) != 1 {
		t.Fatalf("unexpected keys %v", keys)
	}
}
