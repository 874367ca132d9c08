// Package registry holds the authoritative table of app sessions.
//
// A Registry is safe for concurrent use by the control plane and the data
// plane. It is the only owner of Session records: every read returns a copy,
// and mutation happens through Insert, Activate, Touch and Remove. Removed
// tokens can stay reserved for a grace period so a token is never handed to a
// new session while late traffic for the old one may still be in flight.
package registry
