package manage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/intelbridge/internal/filter"
	"github.com/rzbill/intelbridge/internal/message"
	"github.com/rzbill/intelbridge/internal/metrics"
	"github.com/rzbill/intelbridge/internal/registry"
	"github.com/rzbill/intelbridge/pkg/id"
	"github.com/rzbill/intelbridge/pkg/log"
)

// ErrClosed is returned once the service has stopped.
var ErrClosed = errors.New("manage: closed")

// Allocator hands out fresh session tokens.
type Allocator interface {
	Allocate() (string, error)
}

// Sessions is the part of the registry the control plane mutates.
type Sessions interface {
	Insert(registry.Session) error
	Activate(token string) error
	Remove(token string) (registry.Session, error)
	Stale(cutoff time.Time) []string
	PruneTombstones() int
}

// Snapshots starts and cancels backfill requests.
type Snapshots interface {
	BeginSnapshot(ctx context.Context, token string, class message.TopicClass, window time.Duration) (id.ID, error)
	Forget(token string)
}

// Endpoints are advertised to apps in subscribe replies.
type Endpoints struct {
	Pub string // where the bridge publishes, apps subscribe here
	Sub string // where apps publish to the bridge
}

// Options configures a Service.
type Options struct {
	Endpoints Endpoints
	// QueueSize bounds requests waiting for the worker. Default 64.
	QueueSize int
	// SessionTTL expires sessions idle for longer than this. Zero disables expiry.
	SessionTTL time.Duration
	// ReapEvery is the expiry and tombstone sweep period. Default 30s.
	ReapEvery time.Duration
	Now       func() time.Time
	Metrics   *metrics.Metrics
	Logger    log.Logger
}

type job struct {
	ctx   context.Context
	req   Request
	reply chan Response
}

// Service serializes every control operation onto one worker.
type Service struct {
	alloc     Allocator
	sessions  Sessions
	snapshots Snapshots
	opts      Options
	logger    log.Logger

	queue   chan job
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New starts the worker. Call Close to stop it.
func New(alloc Allocator, sessions Sessions, snapshots Snapshots, opts Options) *Service {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.ReapEvery <= 0 {
		opts.ReapEvery = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	s := &Service{
		alloc:     alloc,
		sessions:  sessions,
		snapshots: snapshots,
		opts:      opts,
		logger:    opts.Logger.WithComponent("manage"),
		queue:     make(chan job, opts.QueueSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Close stops the worker. Requests still queued are answered with an error.
func (s *Service) Close() error {
	s.once.Do(func() {
		close(s.done)
		<-s.stopped
	})
	return nil
}

// Handle answers one raw control frame. It never fails: every problem is
// reported as {"status":"error"}.
func (s *Service) Handle(ctx context.Context, raw []byte) []byte {
	req, err := ParseRequest(raw)
	if err != nil {
		s.opts.Metrics.Manage("invalid", StatusError)
		s.logger.Debug("rejected control request", log.Err(err))
		return errorReply
	}
	resp, err := s.Do(ctx, req)
	if err != nil {
		return errorReply
	}
	return resp.encode()
}

// Do submits req to the worker and waits for its response.
func (s *Service) Do(ctx context.Context, req Request) (Response, error) {
	j := job{ctx: ctx, req: req, reply: make(chan Response, 1)}
	select {
	case <-s.done:
		return Response{}, ErrClosed
	default:
	}
	select {
	case s.queue <- j:
	case <-s.done:
		return Response{}, ErrClosed
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
	select {
	case resp := <-j.reply:
		return resp, nil
	case <-ctx.Done():
		// The worker still applies the request; only the reply is lost.
		return Response{}, ctx.Err()
	case <-s.stopped:
		select {
		case resp := <-j.reply:
			return resp, nil
		default:
			return Response{}, ErrClosed
		}
	}
}

func (s *Service) run() {
	defer close(s.stopped)
	tick := time.NewTicker(s.opts.ReapEvery)
	defer tick.Stop()
	for {
		select {
		case <-s.done:
			for {
				select {
				case j := <-s.queue:
					j.reply <- Response{Status: StatusError}
				default:
					return
				}
			}
		case j := <-s.queue:
			if err := j.ctx.Err(); err != nil {
				// Nobody is waiting for the reply; a new session would be orphaned.
				s.opts.Metrics.Manage(j.req.Action(), StatusError)
				j.reply <- Response{Status: StatusError}
				continue
			}
			j.reply <- s.apply(j.ctx, j.req)
		case <-tick.C:
			s.reap()
		}
	}
}

func (s *Service) apply(ctx context.Context, req Request) Response {
	var (
		resp Response
		err  error
	)
	switch r := req.(type) {
	case Subscribe:
		resp, err = s.subscribe(ctx, r)
	case Unsubscribe:
		resp, err = s.unsubscribe(r)
	default:
		err = fmt.Errorf("%w: unsupported request %T", ErrProtocol, req)
	}
	if err != nil {
		s.opts.Metrics.Manage(req.Action(), StatusError)
		s.logger.Info("control request failed", log.Str("action", req.Action()), log.Err(err))
		return Response{Status: StatusError}
	}
	s.opts.Metrics.Manage(req.Action(), StatusSuccess)
	return resp
}

func (s *Service) subscribe(ctx context.Context, req Subscribe) (Response, error) {
	if _, err := message.ParseTopicClass(string(req.Topic)); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if req.Window < 0 {
		return Response{}, fmt.Errorf("%w: negative snapshot window", ErrProtocol)
	}
	flt, err := filter.Compile(req.Filter)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	token, err := s.alloc.Allocate()
	if err != nil {
		return Response{}, fmt.Errorf("allocate token: %w", err)
	}
	sess := registry.Session{
		Token:          token,
		Topic:          req.Topic,
		SnapshotWindow: req.Window,
		State:          registry.StatePending,
		CreatedAt:      s.opts.Now(),
		Filter:         flt,
	}
	if err := s.sessions.Insert(sess); err != nil {
		return Response{}, fmt.Errorf("register session: %w", err)
	}
	if req.Window > 0 && s.snapshots != nil {
		if _, err := s.snapshots.BeginSnapshot(ctx, token, req.Topic, req.Window); err != nil {
			s.logger.Warn("snapshot not started", log.Token(token), log.Err(err))
		}
	}
	if err := s.sessions.Activate(token); err != nil {
		_, _ = s.sessions.Remove(token)
		return Response{}, fmt.Errorf("activate session: %w", err)
	}
	s.logger.Info("subscribed",
		log.Token(token),
		log.Str("topic", string(req.Topic)),
		log.Dur("snapshot", req.Window),
		log.Str("filter", flt.String()))
	return Response{
		Status:      StatusSuccess,
		Topic:       token,
		PubEndpoint: s.opts.Endpoints.Pub,
		SubEndpoint: s.opts.Endpoints.Sub,
	}, nil
}

func (s *Service) unsubscribe(req Unsubscribe) (Response, error) {
	if _, err := s.sessions.Remove(req.Token); err != nil {
		return Response{}, err
	}
	if s.snapshots != nil {
		s.snapshots.Forget(req.Token)
	}
	s.logger.Info("unsubscribed", log.Token(req.Token))
	return Response{Status: StatusSuccess}, nil
}

func (s *Service) reap() {
	if n := s.sessions.PruneTombstones(); n > 0 {
		s.logger.Debug("released tokens", log.Int("count", n))
	}
	if s.opts.SessionTTL <= 0 {
		return
	}
	for _, token := range s.sessions.Stale(s.opts.Now().Add(-s.opts.SessionTTL)) {
		if _, err := s.sessions.Remove(token); err != nil {
			continue
		}
		if s.snapshots != nil {
			s.snapshots.Forget(token)
		}
		s.opts.Metrics.Manage("expire", StatusSuccess)
		s.logger.Info("session expired", log.Token(token), log.Dur("ttl", s.opts.SessionTTL))
	}
}
