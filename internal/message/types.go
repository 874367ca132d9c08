package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rzbill/intelbridge/pkg/id"
)

// Message is any of the four data-plane payloads.
type Message interface {
	Kind() Kind
	validate() error
}

// Operation tells a consumer whether to add or retract an intel item.
type Operation string

const (
	OpAdd    Operation = "ADD"
	OpRemove Operation = "REMOVE"
)

// IntelData is the indicator carried by an Intel item.
type IntelData struct {
	Indicator []string `json:"indicator"`
	IntelType string   `json:"intel_type"`
}

// Intel is a single indicator of compromise.
type Intel struct {
	TS        time.Time `json:"ts"`
	ID        string    `json:"id"`
	Data      IntelData `json:"data"`
	Operation Operation `json:"operation"`
}

func (Intel) Kind() Kind { return KindIntel }

func (m Intel) validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: intel without id", ErrMalformed)
	}
	if m.Operation != OpAdd && m.Operation != OpRemove {
		return fmt.Errorf("%w: operation %q", ErrMalformed, m.Operation)
	}
	return nil
}

// Sighting reports that an intel item was observed.
type Sighting struct {
	TS      time.Time              `json:"ts"`
	Intel   string                 `json:"intel"`
	Context map[string]interface{} `json:"context,omitempty"`
	IOC     []string               `json:"ioc,omitempty"`
}

func (Sighting) Kind() Kind { return KindSighting }

func (m Sighting) validate() error {
	if m.Intel == "" {
		return fmt.Errorf("%w: sighting without intel reference", ErrMalformed)
	}
	return nil
}

// SnapshotRequest asks producers for history of one class reaching back Window.
type SnapshotRequest struct {
	Type       TopicClass
	SnapshotID id.ID
	Window     time.Duration
	Token      string
}

type snapshotRequestWire struct {
	Type       TopicClass `json:"snapshot_type"`
	SnapshotID id.ID      `json:"snapshot_id"`
	Seconds    int64      `json:"snapshot"`
	Token      string     `json:"token"`
}

func (SnapshotRequest) Kind() Kind { return KindSnapshotRequest }

func (m SnapshotRequest) validate() error {
	if _, err := ParseTopicClass(string(m.Type)); err != nil {
		return err
	}
	if m.SnapshotID.IsZero() {
		return fmt.Errorf("%w: snapshot request without id", ErrMalformed)
	}
	if m.Window < 0 {
		return fmt.Errorf("%w: negative window", ErrMalformed)
	}
	return nil
}

func (m SnapshotRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotRequestWire{
		Type:       m.Type,
		SnapshotID: m.SnapshotID,
		Seconds:    int64(m.Window / time.Second),
		Token:      m.Token,
	})
}

func (m *SnapshotRequest) UnmarshalJSON(b []byte) error {
	var w snapshotRequestWire
	if err := strictUnmarshal(b, &w); err != nil {
		return err
	}
	*m = SnapshotRequest{
		Type:       w.Type,
		SnapshotID: w.SnapshotID,
		Window:     time.Duration(w.Seconds) * time.Second,
		Token:      w.Token,
	}
	return nil
}

// SnapshotEnvelope wraps one historical Intel or Sighting answering a
// SnapshotRequest.
type SnapshotEnvelope struct {
	Type       TopicClass      `json:"snapshot_type"`
	SnapshotID id.ID           `json:"snapshot_id"`
	Token      string          `json:"token,omitempty"`
	Body       json.RawMessage `json:"body"`
}

func (SnapshotEnvelope) Kind() Kind { return KindSnapshotEnvelope }

func (m SnapshotEnvelope) validate() error {
	if _, err := ParseTopicClass(string(m.Type)); err != nil {
		return err
	}
	if m.SnapshotID.IsZero() && m.Token == "" {
		return fmt.Errorf("%w: envelope without correlation", ErrMalformed)
	}
	_, err := m.Unwrap()
	return err
}

// Unwrap decodes the body as the message its snapshot type names.
func (m SnapshotEnvelope) Unwrap() (Message, error) {
	return Decode(m.Type.Kind(), m.Body)
}

// Wrap builds an envelope around body for the given request.
func Wrap(req SnapshotRequest, body Message) (SnapshotEnvelope, error) {
	if body.Kind() != req.Type.Kind() {
		return SnapshotEnvelope{}, fmt.Errorf("%w: %s body for %s snapshot", ErrMalformed, body.Kind(), req.Type)
	}
	raw, err := Encode(body)
	if err != nil {
		return SnapshotEnvelope{}, err
	}
	return SnapshotEnvelope{Type: req.Type, SnapshotID: req.SnapshotID, Token: req.Token, Body: raw}, nil
}

// Encode validates m and renders it as JSON.
func Encode(m Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses b as a message of kind k. Unknown fields are rejected.
func Decode(k Kind, b []byte) (Message, error) {
	var (
		m   Message
		err error
	)
	switch k {
	case KindIntel:
		var v Intel
		err = strictUnmarshal(b, &v)
		m = v
	case KindSighting:
		var v Sighting
		err = strictUnmarshal(b, &v)
		m = v
	case KindSnapshotRequest:
		var v SnapshotRequest
		err = strictUnmarshal(b, &v)
		m = v
	case KindSnapshotEnvelope:
		var v SnapshotEnvelope
		err = strictUnmarshal(b, &v)
		m = v
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSuffix, k)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func strictUnmarshal(b []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
