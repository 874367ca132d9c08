package snapshot

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rzbill/intelbridge/internal/bus"
	"github.com/rzbill/intelbridge/internal/message"
	"github.com/rzbill/intelbridge/internal/metrics"
	"github.com/rzbill/intelbridge/internal/registry"
	"github.com/rzbill/intelbridge/internal/router"
	"github.com/rzbill/intelbridge/pkg/id"
)

type sent struct {
	msg  message.Message
	rcpt router.Recipients
}

type recPublisher struct {
	mu   sync.Mutex
	sent []sent
}

func (p *recPublisher) Publish(_ context.Context, msg message.Message, rcpt router.Recipients) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sent{msg: msg, rcpt: rcpt})
	return nil
}

func (p *recPublisher) all() []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sent(nil), p.sent...)
}

func tok(i int) string { return fmt.Sprintf("%032x", i) }

func newCoordinator(t *testing.T, collect time.Duration) (*Coordinator, *recPublisher, *registry.Registry, *bus.Bus, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	reg := registry.New(registry.Options{})
	b := bus.New(bus.Options{})
	pub := &recPublisher{}
	c := New(pub, reg, b, Options{Collect: collect, Metrics: m})
	t.Cleanup(func() {
		_ = c.Close()
		_ = b.Close()
	})
	return c, pub, reg, b, m
}

func sighting(ref string) message.Sighting {
	return message.Sighting{TS: time.Unix(1700000000, 0).UTC(), Intel: ref}
}

func TestBeginSnapshotSendsExactlyOneRequest(t *testing.T) {
	c, pub, reg, b, m := newCoordinator(t, time.Minute)
	_ = reg.Insert(registry.Session{Token: tok(1), Topic: message.ClassSighting})
	onBus := b.Subscribe("test", message.KindSnapshotRequest.BusTopic())

	window := 7 * 24 * time.Hour
	sid, err := c.BeginSnapshot(context.Background(), tok(1), message.ClassSighting, window)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	got := pub.all()
	if len(got) != 1 {
		t.Fatalf("expected one request to apps, got %d", len(got))
	}
	req, ok := got[0].msg.(message.SnapshotRequest)
	if !ok || !got[0].rcpt.IsBroadcast() {
		t.Fatalf("unexpected publish %+v", got[0])
	}
	if req.Window != window || req.Token != tok(1) || req.SnapshotID != sid || req.Type != message.ClassSighting {
		t.Fatalf("request = %+v", req)
	}

	select {
	case env := <-onBus.C():
		if env.Origin != router.DefaultOrigin || env.Msg.(message.SnapshotRequest).SnapshotID != sid {
			t.Fatalf("bus envelope = %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("request not on bus")
	}
	if st, _, ok := c.Status(sid); !ok || st != StateAwaiting {
		t.Fatalf("state = %v %v", st, ok)
	}
	if got := testutil.ToFloat64(m.SnapshotRequests); got != 1 {
		t.Fatalf("snapshot requests = %v", got)
	}
}

func TestBeginSnapshotRejectsZeroWindow(t *testing.T) {
	c, pub, _, _, _ := newCoordinator(t, time.Minute)
	if _, err := c.BeginSnapshot(context.Background(), tok(1), message.ClassIntel, 0); err == nil {
		t.Fatalf("expected error for zero window")
	}
	if n := len(pub.all()); n != 0 {
		t.Fatalf("published %d messages", n)
	}
}

func TestEnvelopeDeliveredToRequesterOnly(t *testing.T) {
	c, pub, reg, b, m := newCoordinator(t, time.Minute)
	_ = reg.Insert(registry.Session{Token: tok(1), Topic: message.ClassSighting})
	onBus := b.Subscribe("test", message.KindSnapshotEnvelope.BusTopic())
	sid, _ := c.BeginSnapshot(context.Background(), tok(1), message.ClassSighting, time.Hour)

	req := message.SnapshotRequest{Type: message.ClassSighting, SnapshotID: sid, Window: time.Hour, Token: tok(1)}
	env, err := message.Wrap(req, sighting("ioc-1"))
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	c.OnSnapshotEnvelope(context.Background(), env, tok(2))

	got := pub.all()
	if len(got) != 2 {
		t.Fatalf("publishes = %d", len(got))
	}
	body, ok := got[1].msg.(message.Sighting)
	if !ok || body.Intel != "ioc-1" {
		t.Fatalf("delivered %+v", got[1].msg)
	}
	if toks := got[1].rcpt.Tokens(); got[1].rcpt.IsBroadcast() || len(toks) != 1 || toks[0] != tok(1) {
		t.Fatalf("recipients = %+v", got[1].rcpt)
	}
	select {
	case out := <-onBus.C():
		if out.Session != tok(1) || out.Origin != router.DefaultOrigin {
			t.Fatalf("forwarded envelope tags = %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("app envelope not forwarded to bus")
	}
	if _, replies, _ := c.Status(sid); replies != 1 {
		t.Fatalf("replies = %d", replies)
	}
	if got := testutil.ToFloat64(m.SnapshotEnvelopes.WithLabelValues(OutcomeDelivered)); got != 1 {
		t.Fatalf("delivered = %v", got)
	}
}

func TestEnvelopeCorrelatesByTokenWithoutID(t *testing.T) {
	c, pub, reg, _, _ := newCoordinator(t, time.Minute)
	_ = reg.Insert(registry.Session{Token: tok(1), Topic: message.ClassSighting})
	sid, _ := c.BeginSnapshot(context.Background(), tok(1), message.ClassSighting, time.Hour)

	raw, _ := message.Encode(sighting("ioc-2"))
	env := message.SnapshotEnvelope{Type: message.ClassSighting, Token: tok(1), Body: raw}
	c.OnSnapshotEnvelope(context.Background(), env, "")

	if n := len(pub.all()); n != 2 {
		t.Fatalf("publishes = %d", n)
	}
	if _, replies, _ := c.Status(sid); replies != 1 {
		t.Fatalf("replies = %d", replies)
	}
}

func TestEnvelopeDiscarded(t *testing.T) {
	gen := id.NewGenerator()
	tests := []struct {
		name    string
		setup   func(c *Coordinator, reg *registry.Registry) message.SnapshotEnvelope
		outcome string
	}{
		{
			name: "unknown id",
			setup: func(c *Coordinator, reg *registry.Registry) message.SnapshotEnvelope {
				req := message.SnapshotRequest{Type: message.ClassSighting, SnapshotID: gen.Next(), Token: tok(1)}
				env, _ := message.Wrap(req, sighting("x"))
				return env
			},
			outcome: OutcomeUnknown,
		},
		{
			name: "session gone",
			setup: func(c *Coordinator, reg *registry.Registry) message.SnapshotEnvelope {
				_ = reg.Insert(registry.Session{Token: tok(1), Topic: message.ClassSighting})
				sid, _ := c.BeginSnapshot(context.Background(), tok(1), message.ClassSighting, time.Hour)
				_, _ = reg.Remove(tok(1))
				req := message.SnapshotRequest{Type: message.ClassSighting, SnapshotID: sid, Token: tok(1)}
				env, _ := message.Wrap(req, sighting("x"))
				return env
			},
			outcome: OutcomeSessionGone,
		},
		{
			name: "forgotten",
			setup: func(c *Coordinator, reg *registry.Registry) message.SnapshotEnvelope {
				_ = reg.Insert(registry.Session{Token: tok(1), Topic: message.ClassSighting})
				sid, _ := c.BeginSnapshot(context.Background(), tok(1), message.ClassSighting, time.Hour)
				c.Forget(tok(1))
				req := message.SnapshotRequest{Type: message.ClassSighting, SnapshotID: sid, Token: tok(1)}
				env, _ := message.Wrap(req, sighting("x"))
				return env
			},
			outcome: OutcomeUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, pub, reg, _, m := newCoordinator(t, time.Minute)
			env := tt.setup(c, reg)
			before := len(pub.all())
			c.OnSnapshotEnvelope(context.Background(), env, "")
			if n := len(pub.all()); n != before {
				t.Fatalf("envelope was delivered")
			}
			if got := testutil.ToFloat64(m.SnapshotEnvelopes.WithLabelValues(tt.outcome)); got != 1 {
				t.Fatalf("%s = %v", tt.outcome, got)
			}
		})
	}
}

func TestCollectionWindowCloses(t *testing.T) {
	c, _, reg, _, m := newCoordinator(t, 20*time.Millisecond)
	_ = reg.Insert(registry.Session{Token: tok(1), Topic: message.ClassIntel})
	_ = reg.Insert(registry.Session{Token: tok(2), Topic: message.ClassSighting})

	quiet, _ := c.BeginSnapshot(context.Background(), tok(1), message.ClassIntel, time.Hour)
	busy, _ := c.BeginSnapshot(context.Background(), tok(2), message.ClassSighting, time.Hour)
	req := message.SnapshotRequest{Type: message.ClassSighting, SnapshotID: busy, Token: tok(2)}
	env, _ := message.Wrap(req, sighting("x"))
	c.OnSnapshotEnvelope(context.Background(), env, "")

	deadline := time.Now().Add(2 * time.Second)
	for c.Outstanding() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("requests still open: %d", c.Outstanding())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, _, ok := c.Status(quiet); ok {
		t.Fatalf("quiet request still open")
	}
	if got := testutil.ToFloat64(m.SnapshotClosed.WithLabelValues(StateTimedOut.String())); got != 1 {
		t.Fatalf("timed out = %v", got)
	}
	if got := testutil.ToFloat64(m.SnapshotClosed.WithLabelValues(StateFulfilled.String())); got != 1 {
		t.Fatalf("fulfilled = %v", got)
	}
}
