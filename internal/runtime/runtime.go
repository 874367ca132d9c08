package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/intelbridge/internal/bus"
	cfgpkg "github.com/rzbill/intelbridge/internal/config"
	"github.com/rzbill/intelbridge/internal/journal"
	"github.com/rzbill/intelbridge/internal/manage"
	"github.com/rzbill/intelbridge/internal/metrics"
	"github.com/rzbill/intelbridge/internal/registry"
	"github.com/rzbill/intelbridge/internal/router"
	"github.com/rzbill/intelbridge/internal/snapshot"
	pebblestore "github.com/rzbill/intelbridge/internal/storage/pebble"
	"github.com/rzbill/intelbridge/internal/token"
	"github.com/rzbill/intelbridge/internal/transport/ws"
	"github.com/rzbill/intelbridge/pkg/log"
)

// ErrClosed is returned by CheckHealth after Close.
var ErrClosed = errors.New("runtime: closed")

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger log.Logger
	// Metrics defaults to a fresh collector set.
	Metrics *metrics.Metrics
}

// Runtime owns every bridge component of a single node.
type Runtime struct {
	config  cfgpkg.Config
	logger  log.Logger
	metrics *metrics.Metrics
	started time.Time

	db        *pebblestore.DB
	journal   *journal.Journal
	bus       *bus.Bus
	registry  *registry.Registry
	pub       *ws.PubServer
	router    *router.Router
	snapshots *snapshot.Coordinator
	manage    *manage.Service

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// Open builds and wires the components. Background loops start with Start.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	m := opts.Metrics
	rt := &Runtime{config: cfg, logger: opts.Logger, metrics: m, started: time.Now()}

	if cfg.JournalEnabled {
		fsync, err := pebblestore.ParseFsyncMode(cfg.Fsync)
		if err != nil {
			return nil, err
		}
		db, err := pebblestore.Open(pebblestore.Options{
			DataDir:       cfg.DataDir,
			Fsync:         fsync,
			FsyncInterval: cfg.FsyncInterval,
			Metrics:       metrics.StorageHook{M: m},
			Logger:        opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("runtime: open storage: %w", err)
		}
		j, err := journal.Open(db, journal.Options{Retention: cfg.JournalRetention, Metrics: m, Logger: opts.Logger})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("runtime: open journal: %w", err)
		}
		rt.db, rt.journal = db, j
	}

	rt.bus = bus.New(bus.Options{Metrics: m, Logger: opts.Logger})
	rt.registry = registry.New(registry.Options{Grace: cfg.TokenGrace, Observer: m})
	rt.pub = ws.NewPubServer(ws.PubOptions{SendBuffer: cfg.SendBuffer, Metrics: m, Logger: opts.Logger})
	rt.router = router.New(rt.registry, rt.pub, rt.bus, router.Options{
		OutboxSize: cfg.OutboxSize,
		Metrics:    m,
		Logger:     opts.Logger,
	})
	rt.snapshots = snapshot.New(rt.router, rt.registry, rt.bus, snapshot.Options{
		Collect: cfg.SnapshotCollect,
		Metrics: m,
		Logger:  opts.Logger,
	})
	rt.router.SetSnapshotSink(rt.snapshots)

	alloc := token.New(rt.registry, token.Options{OnCollision: m.Collision})
	rt.manage = manage.New(alloc, rt.registry, rt.snapshots, manage.Options{
		Endpoints:  manage.Endpoints{Pub: cfg.PubAddr(), Sub: cfg.SubAddr()},
		SessionTTL: cfg.SessionTTL,
		Metrics:    m,
		Logger:     opts.Logger,
	})
	return rt, nil
}

// Start runs the bus bridge and the journal until Close.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.router.Run(ctx); err != nil {
			r.logger.Error("bus bridge stopped", log.Err(err))
		}
	}()
	if r.journal != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.journal.Run(ctx, r.bus); err != nil {
				r.logger.Error("journal stopped", log.Err(err))
			}
		}()
	}
}

// Close stops background loops and releases resources in reverse order.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	// The bus goes first so nothing stays parked on a bridge subscription.
	_ = r.bus.Close()
	_ = r.manage.Close()
	_ = r.snapshots.Close()
	_ = r.router.Close()
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.db == nil {
		return nil
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// Manage is the control-plane service behind the request/reply endpoint.
func (r *Runtime) Manage() *manage.Service { return r.manage }

// Pub is the outbound data endpoint.
func (r *Runtime) Pub() *ws.PubServer { return r.pub }

// Inbound receives frames apps publish to the bridge.
func (r *Runtime) Inbound() ws.InboundFunc { return r.router.OnReceive }

// Bus is the backbone the bridge is plugged into.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Registry is the session table.
func (r *Runtime) Registry() *registry.Registry { return r.registry }

// Snapshots is the snapshot coordinator.
func (r *Runtime) Snapshots() *snapshot.Coordinator { return r.snapshots }

// Journal is nil when journaling is disabled.
func (r *Runtime) Journal() *journal.Journal { return r.journal }

// Metrics returns the collector set.
func (r *Runtime) Metrics() *metrics.Metrics { return r.metrics }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// Uptime is the time since Open.
func (r *Runtime) Uptime() time.Duration { return time.Since(r.started) }
