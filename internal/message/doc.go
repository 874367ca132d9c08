// Package message defines the typed data-plane messages exchanged between
// the bus and apps, and the mapping from message kind to topic suffix.
//
// Every data-plane topic is a 32-character session token followed by one of
// the suffixes intel, sighting, snapshotrequest or snapshotenvelope. Payloads
// are JSON; Decode validates them and rejects unknown fields.
package message
