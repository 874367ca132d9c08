// Package journal keeps a pebble-backed history of the intel and sightings
// seen on the bus and answers snapshot requests from it.
//
// Each topic class has its own append-only log. Entries carry the time they
// were recorded; a snapshot request with window W is answered with one
// snapshot envelope per entry recorded within the last W. Entries older than
// the retention period are trimmed periodically.
package journal
