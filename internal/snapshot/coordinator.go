package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/intelbridge/internal/bus"
	"github.com/rzbill/intelbridge/internal/message"
	"github.com/rzbill/intelbridge/internal/metrics"
	"github.com/rzbill/intelbridge/internal/registry"
	"github.com/rzbill/intelbridge/internal/router"
	"github.com/rzbill/intelbridge/pkg/id"
	"github.com/rzbill/intelbridge/pkg/log"
)

// State is the lifecycle position of one snapshot request.
type State int

const (
	StateRequested State = iota
	StateAwaiting
	StateFulfilled
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateAwaiting:
		return "awaiting"
	case StateFulfilled:
		return "fulfilled"
	case StateTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Envelope outcomes reported to metrics.
const (
	OutcomeDelivered   = "delivered"
	OutcomeUnknown     = "unknown"
	OutcomeSessionGone = "session_gone"
	OutcomeBadBody     = "bad_body"
)

// Publisher writes messages to app sessions.
type Publisher interface {
	Publish(ctx context.Context, msg message.Message, rcpt router.Recipients) error
}

// Registry resolves the requesting session.
type Registry interface {
	Lookup(token string) (registry.Session, error)
}

// Options configures a Coordinator.
type Options struct {
	// Collect is how long replies are accepted after a request. Default 10 minutes.
	Collect time.Duration
	// Origin tags requests and forwarded envelopes on the bus. Default router.DefaultOrigin.
	Origin  string
	IDs     *id.Generator
	Metrics *metrics.Metrics
	Logger  log.Logger
}

type request struct {
	req     message.SnapshotRequest
	state   State
	replies int
	timer   *time.Timer
}

// Coordinator tracks outstanding snapshot requests and routes replies back
// to the requesting session. Any number of producers may answer a request,
// including none.
type Coordinator struct {
	pub    Publisher
	reg    Registry
	bus    *bus.Bus
	opts   Options
	logger log.Logger

	mu      sync.Mutex
	open    map[id.ID]*request
	byToken map[string]map[id.ID]struct{}
	closed  bool
}

// New returns a Coordinator. b may be nil, in which case requests only reach apps.
func New(pub Publisher, reg Registry, b *bus.Bus, opts Options) *Coordinator {
	if opts.Collect <= 0 {
		opts.Collect = 10 * time.Minute
	}
	if opts.Origin == "" {
		opts.Origin = router.DefaultOrigin
	}
	if opts.IDs == nil {
		opts.IDs = id.NewGenerator()
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Coordinator{
		pub:     pub,
		reg:     reg,
		bus:     b,
		opts:    opts,
		logger:  opts.Logger.WithComponent("snapshot"),
		open:    make(map[id.ID]*request),
		byToken: make(map[string]map[id.ID]struct{}),
	}
}

// BeginSnapshot records a request for class history reaching back window and
// broadcasts it to apps and bus-side producers. It does not wait for replies.
func (c *Coordinator) BeginSnapshot(ctx context.Context, token string, class message.TopicClass, window time.Duration) (id.ID, error) {
	if window <= 0 {
		return id.Zero, fmt.Errorf("snapshot: window must be positive, got %s", window)
	}
	req := message.SnapshotRequest{
		Type:       class,
		SnapshotID: c.opts.IDs.Next(),
		Window:     window,
		Token:      token,
	}
	r := &request{req: req, state: StateRequested}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return id.Zero, fmt.Errorf("snapshot: coordinator closed")
	}
	c.open[req.SnapshotID] = r
	ids := c.byToken[token]
	if ids == nil {
		ids = make(map[id.ID]struct{})
		c.byToken[token] = ids
	}
	ids[req.SnapshotID] = struct{}{}
	sid := req.SnapshotID
	r.timer = time.AfterFunc(c.opts.Collect, func() { c.expire(sid) })
	c.mu.Unlock()

	c.opts.Metrics.SnapshotStarted()
	if err := c.pub.Publish(ctx, req, router.Broadcast()); err != nil {
		c.logger.Warn("snapshot request not sent to apps", log.Token(token), log.Err(err))
	}
	if c.bus != nil {
		if err := c.bus.Publish(ctx, bus.For(req, c.opts.Origin)); err != nil {
			c.logger.Warn("snapshot request not sent to bus", log.Token(token), log.Err(err))
		}
	}

	c.mu.Lock()
	if r.state == StateRequested {
		r.state = StateAwaiting
	}
	c.mu.Unlock()
	c.logger.Debug("snapshot requested",
		log.Token(token),
		log.Str("snapshot_id", sid.String()),
		log.Dur("window", window))
	return sid, nil
}

// OnSnapshotEnvelope handles one reply. fromToken is the app session that
// sent it, or empty for bus-side producers. The body reaches the requesting
// session only; replies from apps are also forwarded to the bus.
func (c *Coordinator) OnSnapshotEnvelope(ctx context.Context, env message.SnapshotEnvelope, fromToken string) {
	c.mu.Lock()
	r := c.correlate(env)
	if r == nil {
		c.mu.Unlock()
		c.opts.Metrics.Envelope(OutcomeUnknown)
		c.logger.Debug("uncorrelated snapshot envelope", log.Str("snapshot_id", env.SnapshotID.String()), log.Token(env.Token))
		return
	}
	req := r.req
	c.mu.Unlock()

	if _, err := c.reg.Lookup(req.Token); err != nil {
		c.opts.Metrics.Envelope(OutcomeSessionGone)
		return
	}
	body, err := env.Unwrap()
	if err != nil || body.Kind() != req.Type.Kind() {
		c.opts.Metrics.Envelope(OutcomeBadBody)
		c.logger.Debug("snapshot envelope body rejected", log.Token(req.Token), log.Err(err))
		return
	}

	c.mu.Lock()
	r.replies++
	c.mu.Unlock()

	if err := c.pub.Publish(ctx, body, router.To(req.Token)); err != nil {
		c.logger.Warn("snapshot delivery failed", log.Token(req.Token), log.Err(err))
		return
	}
	c.opts.Metrics.Envelope(OutcomeDelivered)

	if fromToken != "" && c.bus != nil {
		env.SnapshotID, env.Token = req.SnapshotID, req.Token
		out := bus.For(env, c.opts.Origin)
		out.Session = req.Token
		if err := c.bus.Publish(ctx, out); err != nil {
			c.logger.Warn("snapshot envelope not forwarded to bus", log.Token(fromToken), log.Err(err))
		}
	}
}

// correlate finds the open request env answers. Requires c.mu.
func (c *Coordinator) correlate(env message.SnapshotEnvelope) *request {
	if !env.SnapshotID.IsZero() {
		return c.open[env.SnapshotID]
	}
	// Producers that drop the id still echo the token; pick the newest open
	// request of that session for the envelope's class.
	var best *request
	for sid := range c.byToken[env.Token] {
		r := c.open[sid]
		if r == nil || r.req.Type != env.Type {
			continue
		}
		if best == nil || sid.Compare(best.req.SnapshotID) > 0 {
			best = r
		}
	}
	return best
}

func (c *Coordinator) expire(sid id.ID) {
	c.mu.Lock()
	r, ok := c.open[sid]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.finish(r)
	c.mu.Unlock()
	c.logger.Debug("snapshot closed",
		log.Token(r.req.Token),
		log.Str("snapshot_id", sid.String()),
		log.Str("state", r.state.String()),
		log.Int("replies", r.replies))
}

// finish closes r. Requires c.mu.
func (c *Coordinator) finish(r *request) {
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.replies > 0 {
		r.state = StateFulfilled
	} else {
		r.state = StateTimedOut
	}
	sid := r.req.SnapshotID
	delete(c.open, sid)
	if ids := c.byToken[r.req.Token]; ids != nil {
		delete(ids, sid)
		if len(ids) == 0 {
			delete(c.byToken, r.req.Token)
		}
	}
	c.opts.Metrics.SnapshotDone(r.state.String())
}

// Forget closes every open request of token. Later replies are discarded.
func (c *Coordinator) Forget(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sid := range c.byToken[token] {
		if r := c.open[sid]; r != nil {
			c.finish(r)
		}
	}
	delete(c.byToken, token)
}

// Status reports the state and reply count of an open request.
func (c *Coordinator) Status(sid id.ID) (State, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.open[sid]
	if !ok {
		return 0, 0, false
	}
	return r.state, r.replies, true
}

// Outstanding is the number of open requests.
func (c *Coordinator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

// Close stops all collection timers. Open requests are dropped.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, r := range c.open {
		r.timer.Stop()
	}
	c.open = map[id.ID]*request{}
	c.byToken = map[string]map[id.ID]struct{}{}
	return nil
}
