package serverrun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	cfgpkg "github.com/rzbill/intelbridge/internal/config"
	"github.com/rzbill/intelbridge/internal/runtime"
	grpcserver "github.com/rzbill/intelbridge/internal/server/grpc"
	httpserver "github.com/rzbill/intelbridge/internal/server/http"
	"github.com/rzbill/intelbridge/internal/transport/ws"
	logpkg "github.com/rzbill/intelbridge/pkg/log"
)

type Options struct {
	Config cfgpkg.Config
	// Logger overrides the logger built from Config.
	Logger logpkg.Logger
}

// listeners holds every socket the node serves. Optional ones may be nil.
type listeners struct {
	manage, pub, sub net.Listener
	admin, grpc      net.Listener
}

func (l *listeners) close() {
	for _, ln := range []net.Listener{l.manage, l.pub, l.sub, l.admin, l.grpc} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// bind opens all listeners up front so a busy port fails startup instead of
// leaving a half-running node.
func bind(cfg cfgpkg.Config) (*listeners, error) {
	l := &listeners{}
	open := func(dst *net.Listener, name, addr string) error {
		ln, err := ws.Listen(addr)
		if err != nil {
			return fmt.Errorf("bind %s %s: %w", name, addr, err)
		}
		*dst = ln
		return nil
	}
	steps := []struct {
		dst  *net.Listener
		name string
		addr string
	}{
		{&l.manage, "manage", cfg.ManageAddr()},
		{&l.pub, "pub", cfg.PubAddr()},
		{&l.sub, "sub", cfg.SubAddr()},
		{&l.admin, "admin", cfg.AdminAddr},
		{&l.grpc, "grpc", cfg.GRPCAddr},
	}
	for _, s := range steps {
		if s.addr == "" {
			continue
		}
		if err := open(s.dst, s.name, s.addr); err != nil {
			l.close()
			return nil, err
		}
	}
	return l, nil
}

// Run starts the bridge and blocks until ctx is cancelled or a signal arrives.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		l, err := logpkg.ApplyConfig(cfg.Log())
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		logger = l
	}
	// Redirect stdlib logs (e.g., Pebble) to our logger
	logpkg.RedirectStdLog(logger)

	lns, err := bind(cfg)
	if err != nil {
		return err
	}
	defer lns.close()

	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.Start(sctx)

	logger.Info("Starting intelbridge",
		logpkg.Str("manage", cfg.ManageAddr()),
		logpkg.Str("pub", cfg.PubAddr()),
		logpkg.Str("sub", cfg.SubAddr()),
		logpkg.Str("admin", cfg.AdminAddr),
		logpkg.Str("grpc", cfg.GRPCAddr),
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("level", cfg.LogLevel),
	)

	type service struct {
		name  string
		serve func(context.Context) error
	}
	services := []service{
		{"manage", func(c context.Context) error {
			return ws.NewReplyServer(rt.Manage(), logger).Serve(c, lns.manage)
		}},
		{"pub", func(c context.Context) error { return rt.Pub().Serve(c, lns.pub) }},
		{"sub", func(c context.Context) error {
			return ws.NewSubServer(rt.Inbound(), rt.Metrics(), logger).Serve(c, lns.sub)
		}},
	}
	if lns.admin != nil {
		hsrv := httpserver.New(rt, logger)
		services = append(services, service{"admin", func(c context.Context) error { return hsrv.Serve(c, lns.admin) }})
	}
	if lns.grpc != nil {
		gsrv := grpcserver.New(rt, logger)
		services = append(services, service{"grpc", func(c context.Context) error { return gsrv.Serve(c, lns.grpc) }})
	}

	// A failing listener stops the whole node.
	runCtx, cancel := context.WithCancelCause(sctx)
	defer cancel(nil)
	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		go func(svc service) {
			defer wg.Done()
			if err := svc.serve(runCtx); err != nil && runCtx.Err() == nil {
				logger.Error("listener failed", logpkg.Str("listener", svc.name), logpkg.Err(err))
				cancel(fmt.Errorf("%s: %w", svc.name, err))
			}
		}(svc)
	}

	<-runCtx.Done()
	logger.Info("Shutting down intelbridge")
	wg.Wait()
	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	return nil
}
