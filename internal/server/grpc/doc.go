// Package grpcserver hosts the standard grpc.health.v1 service for a
// bridge node so orchestrators can probe it with stock tooling.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default()})
//	s := grpcserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, "127.0.0.1:8481")
package grpcserver
