package id

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// ID is a 128-bit sortable identifier: [8 bytes unix ms][8 bytes sequence],
// big-endian. Snapshot requests are keyed by it.
type ID [16]byte

// Zero is the unset ID.
var Zero ID

// ErrInvalid is returned by Parse for anything that is not 32 hex chars.
var ErrInvalid = errors.New("id: invalid")

// String returns the 32-char lowercase hex form.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// IsZero reports whether i is unset.
func (i ID) IsZero() bool { return i == Zero }

// Time returns the millisecond timestamp embedded in i.
func (i ID) Time() time.Time {
	return time.UnixMilli(int64(binary.BigEndian.Uint64(i[0:8])))
}

// Compare returns -1, 0 or 1.
func (i ID) Compare(other ID) int {
	for idx := range i {
		switch {
		case i[idx] < other[idx]:
			return -1
		case i[idx] > other[idx]:
			return 1
		}
	}
	return 0
}

// MarshalText implements encoding.TextMarshaler so IDs travel as hex in JSON.
func (i ID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Parse decodes the hex form produced by String.
func Parse(s string) (ID, error) {
	var out ID
	if len(s) != 32 {
		return out, ErrInvalid
	}
	if _, err := hex.Decode(out[:], []byte(s)); err != nil {
		return out, ErrInvalid
	}
	return out, nil
}

// Generator hands out strictly increasing IDs.
type Generator struct {
	mu     sync.Mutex
	now    func() int64
	lastMs int64
	seq    uint64
}

// NewGenerator returns a Generator driven by the wall clock.
func NewGenerator() *Generator {
	return &Generator{now: func() int64 { return time.Now().UnixMilli() }}
}

// NewGeneratorWithClock returns a Generator driven by now (unix ms).
func NewGeneratorWithClock(now func() int64) *Generator {
	return &Generator{now: now}
}

// Next returns the next ID. A regressing clock is pinned to the last seen
// millisecond; sequence overflow within one millisecond rolls into the next.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now()
	if ms < g.lastMs {
		ms = g.lastMs
	}
	if ms == g.lastMs {
		g.seq++
		if g.seq == 0 {
			ms++
		}
	} else {
		g.seq = 0
	}
	g.lastMs = ms

	var id ID
	binary.BigEndian.PutUint64(id[0:8], uint64(ms))
	binary.BigEndian.PutUint64(id[8:16], g.seq)
	return id
}
