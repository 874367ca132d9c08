package transports

import "context"

// SubscribeRequest asks the bridge for a new session.
type SubscribeRequest struct {
	// Topic is intel or sighting.
	Topic string
	// SnapshotDays requests a backfill of that many days. Zero skips it.
	SnapshotDays int
	// Filter is an optional CEL predicate applied before delivery.
	Filter string
}

// SubscribeReply is a successful subscribe answer.
type SubscribeReply struct {
	Token       string `json:"topic"`
	PubEndpoint string `json:"pub_endpoint"`
	SubEndpoint string `json:"sub_endpoint"`
}

// ListenRequest describes a read from the bridge publish endpoint.
type ListenRequest struct {
	Endpoint string
	Prefixes []string
	// Limit stops after that many messages. Zero means until ctx ends.
	Limit int
}

// BridgeTransport abstracts how the CLI reaches a bridge node.
type BridgeTransport interface {
	Subscribe(ctx context.Context, req SubscribeRequest) (SubscribeReply, error)
	Unsubscribe(ctx context.Context, token string) error
	Listen(ctx context.Context, req ListenRequest, onMessage func(topic string, payload []byte) error) error
	Publish(ctx context.Context, endpoint, topic string, payload []byte) error
}
