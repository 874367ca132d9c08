package controllers

import "time"

// Response types for HTTP controllers

// statusResp summarizes the node.
type statusResp struct {
	Uptime    string `json:"uptime"`
	Sessions  int    `json:"sessions"`
	Snapshots int    `json:"open_snapshots"`
	Journal   bool   `json:"journal"`
	Manage    string `json:"manage_endpoint"`
	Pub       string `json:"pub_endpoint"`
	Sub       string `json:"sub_endpoint"`
}

// sessionItem represents a session in list and lookup responses.
type sessionItem struct {
	Token     string     `json:"token"`
	Topic     string     `json:"topic"`
	State     string     `json:"state"`
	Snapshot  string     `json:"snapshot"`
	Filter    string     `json:"filter,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

// journalItem represents one journaled message. Payload is the encoded
// message as it appeared on the bus.
type journalItem struct {
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
	Payload []byte    `json:"payload"`
}
