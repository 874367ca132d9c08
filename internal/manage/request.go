package manage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rzbill/intelbridge/internal/message"
)

// ErrProtocol marks a control request that could not be understood.
var ErrProtocol = errors.New("manage: protocol error")

// Day is the unit of the wire "snapshot" field.
const Day = 24 * time.Hour

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Request is either Subscribe or Unsubscribe.
type Request interface {
	Action() string
}

// Subscribe asks for a new session on Topic, optionally backfilled.
type Subscribe struct {
	Topic  message.TopicClass
	Window time.Duration
	Filter string
}

func (Subscribe) Action() string { return ActionSubscribe }

// Unsubscribe ends the session holding Token.
type Unsubscribe struct {
	Token string
}

func (Unsubscribe) Action() string { return ActionUnsubscribe }

type wireRequest struct {
	Action   string  `json:"action"`
	Topic    *string `json:"topic"`
	Snapshot *int64  `json:"snapshot"`
	Filter   string  `json:"filter"`
}

// ParseRequest decodes one control frame. Every failure wraps ErrProtocol.
func ParseRequest(raw []byte) (Request, error) {
	var w wireRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after request", ErrProtocol)
	}
	if w.Topic == nil || *w.Topic == "" {
		return nil, fmt.Errorf("%w: missing topic", ErrProtocol)
	}
	switch w.Action {
	case ActionSubscribe:
		class, err := message.ParseTopicClass(strings.TrimPrefix(*w.Topic, message.BusPrefix))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		var days int64
		if w.Snapshot != nil {
			days = *w.Snapshot
		}
		if days < 0 {
			return nil, fmt.Errorf("%w: negative snapshot %d", ErrProtocol, days)
		}
		if days > int64(1<<63-1)/int64(Day) {
			return nil, fmt.Errorf("%w: snapshot %d out of range", ErrProtocol, days)
		}
		return Subscribe{Topic: class, Window: time.Duration(days) * Day, Filter: w.Filter}, nil
	case ActionUnsubscribe:
		return Unsubscribe{Token: *w.Topic}, nil
	case "":
		return nil, fmt.Errorf("%w: missing action", ErrProtocol)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrProtocol, w.Action)
	}
}

// Response is the single reply to a control request.
type Response struct {
	Status      string `json:"status"`
	Topic       string `json:"topic,omitempty"`
	PubEndpoint string `json:"pub_endpoint,omitempty"`
	SubEndpoint string `json:"sub_endpoint,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var errorReply = []byte(`{"status":"error"}`)

func (r Response) encode() []byte {
	b, err := json.Marshal(r)
	if err != nil {
		return errorReply
	}
	return b
}
