// Package runtime wires the bridge of a single node: storage and journal,
// the bus backbone, the session registry, the router, the snapshot
// coordinator and the management service. It exposes Open/Start/Close,
// a basic health check, and the handlers the transport servers mount.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default()})
//	defer rt.Close()
//	rt.Start(ctx)
//	_ = rt.CheckHealth(ctx)
//	reply := rt.Manage().Handle(ctx, []byte(`{"action":"subscribe","topic":"intel"}`))
package runtime
