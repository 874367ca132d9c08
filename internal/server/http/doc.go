// Package httpserver provides the admin REST surface of a bridge node:
// health, node status, session listing and revocation, journal reads and
// Prometheus metrics.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default()})
//	s := httpserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, "127.0.0.1:8480")
package httpserver
