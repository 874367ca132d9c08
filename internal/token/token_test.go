package token

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
)

type setReserver struct {
	mu  sync.Mutex
	set map[string]bool
}

func (s *setReserver) Exists(tok string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set[tok]
}

func TestAllocateShape(t *testing.T) {
	a := New(nil, Options{})
	tok, err := a.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(tok) != 32 || !Valid(tok) {
		t.Fatalf("bad token %q", tok)
	}
}

// A repeating entropy source yields the same token every time.
type repeatReader struct{ b byte }

func (r repeatReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.b
	}
	return len(p), nil
}

func TestCollisionRetries(t *testing.T) {
	first, err := New(nil, Options{Entropy: repeatReader{b: 1}}).Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	// Two draws from the degenerate source, then fresh bytes.
	src := io.MultiReader(
		bytes.NewReader(bytes.Repeat([]byte{1}, 32)),
		repeatReader{b: 2},
	)
	var hits int
	res := &setReserver{set: map[string]bool{first: true}}
	a := New(res, Options{Entropy: src, OnCollision: func() { hits++ }})
	tok, err := a.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if tok == first {
		t.Fatalf("collision was not retried")
	}
	if hits != 2 || a.Collisions() != 2 {
		t.Fatalf("collisions = %d/%d, want 2", hits, a.Collisions())
	}
}

func TestExhausted(t *testing.T) {
	first, _ := New(nil, Options{Entropy: repeatReader{b: 7}}).Allocate()
	res := &setReserver{set: map[string]bool{first: true}}
	a := New(res, Options{Entropy: repeatReader{b: 7}, Attempts: 3})
	if _, err := a.Allocate(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestEntropyFailureNotRetried(t *testing.T) {
	a := New(nil, Options{Entropy: failingReader{}})
	_, err := a.Allocate()
	if err == nil || errors.Is(err, ErrExhausted) {
		t.Fatalf("expected entropy error, got %v", err)
	}
}

func TestValid(t *testing.T) {
	cases := map[string]bool{
		"0123456789abcdef0123456789abcdef": true,
		"0123456789ABCDEF0123456789abcdef": false,
		"0123456789abcdef":                 false,
		"0123456789abcdef0123456789abcdeg": false,
	}
	for in, want := range cases {
		if got := Valid(in); got != want {
			t.Fatalf("Valid(%q) = %v", in, got)
		}
	}
}
