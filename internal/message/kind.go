package message

import (
	"errors"
	"fmt"
	"strings"
)

// TokenLen is the width of a session token on the wire.
const TokenLen = 32

var (
	// ErrUnknownSuffix is returned when a data-plane topic ends in none of the
	// known suffixes.
	ErrUnknownSuffix = errors.New("message: unknown topic suffix")
	// ErrMalformed is returned when a payload fails to parse or validate.
	ErrMalformed = errors.New("message: malformed payload")
)

// Kind is the closed set of data-plane message types.
type Kind uint8

const (
	KindIntel Kind = iota + 1
	KindSighting
	KindSnapshotRequest
	KindSnapshotEnvelope
)

// Kinds lists every Kind in a fixed order.
var Kinds = [...]Kind{KindIntel, KindSighting, KindSnapshotRequest, KindSnapshotEnvelope}

var suffixes = map[Kind]string{
	KindIntel:            "intel",
	KindSighting:         "sighting",
	KindSnapshotRequest:  "snapshotrequest",
	KindSnapshotEnvelope: "snapshotenvelope",
}

// BusPrefix roots every topic on the bus.
const BusPrefix = "threatbus/"

// Suffix is the string appended to a token to tag this kind on the wire.
func (k Kind) Suffix() string { return suffixes[k] }

// BusTopic is the bus topic messages of this kind travel on.
func (k Kind) BusTopic() string { return BusPrefix + suffixes[k] }

// Valid reports whether k is one of the four kinds.
func (k Kind) Valid() bool { _, ok := suffixes[k]; return ok }

func (k Kind) String() string {
	if s, ok := suffixes[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// KindForBusTopic maps a bus topic back to its kind.
func KindForBusTopic(topic string) (Kind, bool) {
	if !strings.HasPrefix(topic, BusPrefix) {
		return 0, false
	}
	rest := topic[len(BusPrefix):]
	for _, k := range Kinds {
		if suffixes[k] == rest {
			return k, true
		}
	}
	return 0, false
}

// Topic builds the data-plane topic for token and kind.
func Topic(token string, k Kind) string { return token + k.Suffix() }

// SplitTopic demultiplexes a data-plane topic into its token and kind by
// suffix. No suffix is a suffix of another, so at most one matches.
func SplitTopic(topic string) (string, Kind, error) {
	for _, k := range Kinds {
		sfx := suffixes[k]
		if strings.HasSuffix(topic, sfx) {
			token := topic[:len(topic)-len(sfx)]
			if len(token) != TokenLen {
				return "", 0, fmt.Errorf("%w: token width %d", ErrMalformed, len(token))
			}
			return token, k, nil
		}
	}
	return "", 0, ErrUnknownSuffix
}

// TopicClass is the bus stream a session subscribes to.
type TopicClass string

const (
	ClassIntel    TopicClass = "intel"
	ClassSighting TopicClass = "sighting"
)

// ParseTopicClass accepts exactly "intel" or "sighting".
func ParseTopicClass(s string) (TopicClass, error) {
	switch TopicClass(s) {
	case ClassIntel, ClassSighting:
		return TopicClass(s), nil
	}
	return "", fmt.Errorf("%w: topic class %q", ErrMalformed, s)
}

// Kind returns the message kind carried by this class.
func (c TopicClass) Kind() Kind {
	if c == ClassSighting {
		return KindSighting
	}
	return KindIntel
}

// Matches reports whether a message of kind k belongs to this class's stream.
// Snapshot traffic is not class-bound.
func (c TopicClass) Matches(k Kind) bool {
	switch k {
	case KindIntel, KindSighting:
		return c.Kind() == k
	default:
		return true
	}
}
