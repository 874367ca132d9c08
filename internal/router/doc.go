// Package router is the bridge's data plane.
//
// Outbound, a single writer goroutine owns the shared Sender. Publish
// encodes a message and queues it; the writer resolves recipients against
// the registry at write time and emits one frame per recipient on topic
// "<token><suffix>", in submission order. A message addressed to a session
// that has been removed by then is dropped.
//
// Inbound, OnReceive splits the topic by suffix, checks the session, decodes
// the payload and routes it: intel and sightings to the bus, snapshot
// envelopes to the snapshot coordinator. Everything else is dropped and
// counted.
package router
