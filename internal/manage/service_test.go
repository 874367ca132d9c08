package manage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/rzbill/intelbridge/internal/message"
	"github.com/rzbill/intelbridge/internal/metrics"
	"github.com/rzbill/intelbridge/internal/registry"
	"github.com/rzbill/intelbridge/internal/token"
	"github.com/rzbill/intelbridge/pkg/id"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

type begun struct {
	token  string
	class  message.TopicClass
	window time.Duration
}

type recSnapshots struct {
	mu     sync.Mutex
	begun  []begun
	forgot []string
	idGen  *id.Generator

	// When gate is set BeginSnapshot signals entered and waits for gate.
	gate    chan struct{}
	entered chan struct{}
}

func (r *recSnapshots) BeginSnapshot(_ context.Context, tok string, class message.TopicClass, window time.Duration) (id.ID, error) {
	if r.gate != nil {
		r.entered <- struct{}{}
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.begun = append(r.begun, begun{token: tok, class: class, window: window})
	return r.idGen.Next(), nil
}

func (r *recSnapshots) Forget(tok string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgot = append(r.forgot, tok)
}

func (r *recSnapshots) started() []begun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]begun(nil), r.begun...)
}

type fixture struct {
	svc   *Service
	reg   *registry.Registry
	snaps *recSnapshots
	m     *metrics.Metrics
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	m := metrics.New()
	reg := registry.New(registry.Options{Observer: m})
	snaps := &recSnapshots{idGen: id.NewGenerator()}
	opts.Metrics = m
	if opts.Endpoints == (Endpoints{}) {
		opts.Endpoints = Endpoints{Pub: "127.0.0.1:13371", Sub: "127.0.0.1:13372"}
	}
	svc := New(token.New(reg, token.Options{}), reg, snaps, opts)
	t.Cleanup(func() { _ = svc.Close() })
	return &fixture{svc: svc, reg: reg, snaps: snaps, m: m}
}

func call(t *testing.T, svc *Service, raw string) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(svc.Handle(context.Background(), []byte(raw)), &resp); err != nil {
		t.Fatalf("reply is not json: %v", err)
	}
	return resp
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	f := newFixture(t, Options{})
	resp := call(t, f.svc, `{"action":"subscribe","topic":"intel","snapshot":0}`)
	if resp.Status != StatusSuccess || len(resp.Topic) != message.TokenLen {
		t.Fatalf("subscribe reply = %+v", resp)
	}
	if resp.PubEndpoint != "127.0.0.1:13371" || resp.SubEndpoint != "127.0.0.1:13372" {
		t.Fatalf("endpoints = %+v", resp)
	}
	s, err := f.reg.Lookup(resp.Topic)
	if err != nil || s.State != registry.StateActive || s.Topic != message.ClassIntel {
		t.Fatalf("session = %+v %v", s, err)
	}

	out := call(t, f.svc, `{"action":"unsubscribe","topic":"`+resp.Topic+`"}`)
	if out.Status != StatusSuccess {
		t.Fatalf("unsubscribe reply = %+v", out)
	}
	if _, err := f.reg.Lookup(resp.Topic); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("session still registered: %v", err)
	}
	if got := testutil.ToFloat64(f.m.Sessions); got != 0 {
		t.Fatalf("sessions gauge = %v", got)
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	f := newFixture(t, Options{})
	resp := call(t, f.svc, `{"action":"subscribe","topic":"sighting","snapshot":0}`)
	req := `{"action":"unsubscribe","topic":"` + resp.Topic + `"}`
	if got := call(t, f.svc, req); got.Status != StatusSuccess {
		t.Fatalf("first unsubscribe = %+v", got)
	}
	if got := call(t, f.svc, req); got.Status != StatusError {
		t.Fatalf("second unsubscribe = %+v", got)
	}
}

func TestConcurrentSubscribesYieldDistinctTokens(t *testing.T) {
	f := newFixture(t, Options{})
	const n = 200
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var resp Response
			_ = json.Unmarshal(f.svc.Handle(context.Background(), []byte(`{"action":"subscribe","topic":"intel"}`)), &resp)
			tokens[i] = resp.Topic
		}(i)
	}
	wg.Wait()
	seen := make(map[string]bool, n)
	for _, tok := range tokens {
		if !token.Valid(tok) {
			t.Fatalf("invalid token %q", tok)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %s", tok)
		}
		seen[tok] = true
	}
	if f.reg.Len() != n {
		t.Fatalf("registry holds %d sessions", f.reg.Len())
	}
}

func TestSnapshotOnlyWhenRequested(t *testing.T) {
	f := newFixture(t, Options{})
	call(t, f.svc, `{"action":"subscribe","topic":"sighting","snapshot":0}`)
	if n := len(f.snaps.started()); n != 0 {
		t.Fatalf("snapshot started for window 0: %d", n)
	}
	resp := call(t, f.svc, `{"action":"subscribe","topic":"sighting","snapshot":7}`)
	got := f.snaps.started()
	if len(got) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(got))
	}
	if got[0].window != 7*Day || got[0].token != resp.Topic || got[0].class != message.ClassSighting {
		t.Fatalf("snapshot = %+v", got[0])
	}
}

func TestMalformedRequests(t *testing.T) {
	f := newFixture(t, Options{})
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `subscribe please`},
		{"empty object", `{}`},
		{"unknown action", `{"action":"resubscribe","topic":"intel"}`},
		{"missing topic", `{"action":"subscribe","snapshot":1}`},
		{"unknown topic", `{"action":"subscribe","topic":"malware"}`},
		{"negative snapshot", `{"action":"subscribe","topic":"intel","snapshot":-1}`},
		{"snapshot as string", `{"action":"subscribe","topic":"intel","snapshot":"7"}`},
		{"fractional snapshot", `{"action":"subscribe","topic":"intel","snapshot":1.5}`},
		{"topic as number", `{"action":"unsubscribe","topic":42}`},
		{"bad filter", `{"action":"subscribe","topic":"intel","filter":"size >"}`},
		{"unknown token", `{"action":"unsubscribe","topic":"00000000000000000000000000000000"}`},
		{"trailing data", `{"action":"subscribe","topic":"intel"} garbage`},
		{"two objects", `{"action":"subscribe","topic":"intel"}{"action":"subscribe","topic":"intel"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := call(t, f.svc, tt.raw); got.Status != StatusError || got.Topic != "" {
				t.Fatalf("reply = %+v", got)
			}
		})
	}
	if f.reg.Len() != 0 {
		t.Fatalf("malformed input changed state: %d sessions", f.reg.Len())
	}
	// Still serving.
	if got := call(t, f.svc, `{"action":"subscribe","topic":"intel"}`); got.Status != StatusSuccess {
		t.Fatalf("service stopped answering: %+v", got)
	}
}

func TestParseRequestAcceptsBusTopicNames(t *testing.T) {
	req, err := ParseRequest([]byte(`{"action":"subscribe","topic":"threatbus/sighting","snapshot":2}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sub, ok := req.(Subscribe)
	if !ok || sub.Topic != message.ClassSighting || sub.Window != 2*Day {
		t.Fatalf("request = %+v", req)
	}
	if _, err := ParseRequest([]byte(`{"action":"subscribe"}`)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if _, err := ParseRequest([]byte("{\"action\":\"subscribe\",\"topic\":\"intel\"}\n")); err != nil {
		t.Fatalf("trailing newline rejected: %v", err)
	}
}

func TestIdleSessionsExpire(t *testing.T) {
	f := newFixture(t, Options{SessionTTL: 30 * time.Millisecond, ReapEvery: 10 * time.Millisecond})
	resp := call(t, f.svc, `{"action":"subscribe","topic":"intel"}`)

	deadline := time.Now().Add(2 * time.Second)
	for f.reg.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session never expired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.snaps.mu.Lock()
	forgot := append([]string(nil), f.snaps.forgot...)
	f.snaps.mu.Unlock()
	if len(forgot) != 1 || forgot[0] != resp.Topic {
		t.Fatalf("forgot = %v", forgot)
	}
	if got := call(t, f.svc, `{"action":"unsubscribe","topic":"`+resp.Topic+`"}`); got.Status != StatusError {
		t.Fatalf("expired session unsubscribed: %+v", got)
	}
}

func TestClosedServiceAnswersError(t *testing.T) {
	f := newFixture(t, Options{})
	_ = f.svc.Close()
	if got := call(t, f.svc, `{"action":"subscribe","topic":"intel"}`); got.Status != StatusError {
		t.Fatalf("reply = %+v", got)
	}
	if _, err := f.svc.Do(context.Background(), Subscribe{Topic: message.ClassIntel}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestAbandonedRequestIsNotApplied(t *testing.T) {
	f := newFixture(t, Options{})
	f.snaps.gate = make(chan struct{})
	f.snaps.entered = make(chan struct{}, 1)

	first := make(chan Response, 1)
	go func() {
		resp, _ := f.svc.Do(context.Background(), Subscribe{Topic: message.ClassIntel, Window: Day})
		first <- resp
	}()
	<-f.snaps.entered

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err := f.svc.Do(ctx, Subscribe{Topic: message.ClassSighting})
		abandoned <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(f.svc.queue) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("request never queued")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-abandoned; !errors.Is(err, context.Canceled) {
		t.Fatalf("abandoned Do = %v", err)
	}

	close(f.snaps.gate)
	if resp := <-first; resp.Status != StatusSuccess {
		t.Fatalf("first subscribe = %+v", resp)
	}
	if got := call(t, f.svc, `{"action":"subscribe","topic":"intel"}`); got.Status != StatusSuccess {
		t.Fatalf("later subscribe = %+v", got)
	}
	if n := f.reg.Len(); n != 2 {
		t.Fatalf("registry holds %d sessions, abandoned request was applied", n)
	}
}
