// Package token allocates session tokens: 32 lowercase hex characters of
// uuid-sourced randomness, checked against the registry for collisions.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rzbill/intelbridge/internal/message"
)

// DefaultAttempts bounds regeneration on collision.
const DefaultAttempts = 64

// ErrExhausted is returned when every attempt collided with a reserved token.
var ErrExhausted = errors.New("token: allocation attempts exhausted")

// Reserver reports whether a token is currently held (pending, active or in
// its grace period).
type Reserver interface {
	Exists(token string) bool
}

// Options configures an Allocator.
type Options struct {
	// Entropy defaults to crypto/rand.Reader.
	Entropy io.Reader
	// Attempts defaults to DefaultAttempts.
	Attempts int
	// OnCollision is invoked once per regenerated token. Optional.
	OnCollision func()
}

// Allocator hands out tokens not held by any session.
type Allocator struct {
	reserver    Reserver
	entropy     io.Reader
	attempts    int
	onCollision func()
	collisions  atomic.Uint64
}

// New returns an Allocator consulting r.
func New(r Reserver, opts Options) *Allocator {
	if opts.Entropy == nil {
		opts.Entropy = rand.Reader
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	return &Allocator{reserver: r, entropy: opts.Entropy, attempts: opts.Attempts, onCollision: opts.OnCollision}
}

// Allocate returns a fresh token. An entropy-source failure is returned as is
// and never retried.
func (a *Allocator) Allocate() (string, error) {
	for i := 0; i < a.attempts; i++ {
		u, err := uuid.NewRandomFromReader(a.entropy)
		if err != nil {
			return "", fmt.Errorf("token: entropy source: %w", err)
		}
		tok := hex.EncodeToString(u[:])
		if a.reserver == nil || !a.reserver.Exists(tok) {
			return tok, nil
		}
		a.collisions.Add(1)
		if a.onCollision != nil {
			a.onCollision()
		}
	}
	return "", ErrExhausted
}

// Collisions is the number of regenerated tokens so far.
func (a *Allocator) Collisions() uint64 { return a.collisions.Load() }

// Valid reports whether s has the shape of an allocated token.
func Valid(s string) bool {
	if len(s) != message.TokenLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
