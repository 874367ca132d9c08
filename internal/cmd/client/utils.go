package client

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/rzbill/intelbridge/internal/cmd/client/transports"
	"github.com/rzbill/intelbridge/internal/message"
)

// Default endpoints match the server defaults.
const (
	defaultManage = "127.0.0.1:13370"
	defaultPub    = "127.0.0.1:13371"
	defaultSub    = "127.0.0.1:13372"
)

// envDefault returns the value of key or def when unset.
func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getTransport is swapped in tests.
var getTransport = func(manageAddr string) transports.BridgeTransport {
	return transports.NewWsTransport(manageAddr)
}

// parseKind maps a suffix name such as "sighting" to its Kind.
func parseKind(s string) (message.Kind, error) {
	if k, ok := message.KindForBusTopic(message.BusPrefix + s); ok {
		return k, nil
	}
	return 0, fmt.Errorf("unknown kind %q; use intel|sighting|snapshotrequest|snapshotenvelope", s)
}

// decodedMessage returns a map with topic, kind and one of payload_json,
// payload_text, or payload_b64.
func decodedMessage(topic string, payload []byte) map[string]any {
	out := map[string]any{"topic": topic}
	if _, kind, err := message.SplitTopic(topic); err == nil {
		out["kind"] = kind.String()
	}
	// Try JSON first if it looks like JSON
	if len(payload) > 0 && (payload[0] == '{' || payload[0] == '[') {
		var v any
		if json.Unmarshal(payload, &v) == nil {
			out["payload_json"] = v
			return out
		}
	}
	if utf8.Valid(payload) {
		out["payload_text"] = string(payload)
		return out
	}
	out["payload_b64"] = base64.StdEncoding.EncodeToString(payload)
	return out
}
