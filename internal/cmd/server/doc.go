// Package serverrun exposes the Run entrypoint used by the CLI to start a
// bridge node: the runtime plus its management, publish, subscribe, admin
// HTTP and gRPC health listeners, handling lifecycle and shutdown.
//
// Example:
//
//	cfg, _ := config.Load("intelbridge.yaml")
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{Config: cfg})
package serverrun
