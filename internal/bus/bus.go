// Package bus is the in-process backbone the bridge plugs into. Publishers
// hand envelopes to a single provisioning goroutine which fans them out, in
// order, to every subscription whose topic prefix matches.
package bus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rzbill/intelbridge/internal/message"
	"github.com/rzbill/intelbridge/internal/metrics"
	"github.com/rzbill/intelbridge/pkg/log"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus: closed")

// Envelope is one message on the bus.
type Envelope struct {
	Topic string
	Msg   message.Message
	// Origin names the producing component; the bridge skips its own traffic.
	Origin string
	// Session is the app session Msg belongs to, if any.
	Session string
}

// For wraps m in an envelope on its kind's bus topic.
func For(m message.Message, origin string) Envelope {
	return Envelope{Topic: m.Kind().BusTopic(), Msg: m, Origin: origin}
}

// Options configures a Bus.
type Options struct {
	// QueueSize bounds the provisioning queue. Default 1024.
	QueueSize int
	// SubscriberBuffer bounds each subscription. Default 256.
	SubscriberBuffer int
	Metrics          *metrics.Metrics
	Logger           log.Logger
}

// Bus fans envelopes out to prefix subscriptions.
type Bus struct {
	in      chan Envelope
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	bufSize int
	metrics *metrics.Metrics
	logger  log.Logger
}

// New starts a Bus. Call Close to stop it.
func New(opts Options) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	b := &Bus{
		in:      make(chan Envelope, opts.QueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		subs:    make(map[*Subscription]struct{}),
		bufSize: opts.SubscriberBuffer,
		metrics: opts.Metrics,
		logger:  opts.Logger.WithComponent("bus"),
	}
	go b.provision()
	return b
}

// Publish queues env for delivery. It blocks only while the queue is full.
func (b *Bus) Publish(ctx context.Context, env Envelope) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.in <- env:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers interest in every topic starting with one of prefixes.
// Envelopes that do not fit the subscription's buffer are dropped.
func (b *Bus) Subscribe(name string, prefixes ...string) *Subscription {
	return b.subscribe(name, false, prefixes)
}

// SubscribeBlocking is like Subscribe, but a full buffer stalls provisioning
// until the subscriber drains it. Closing the subscription or the bus
// releases the stall. The receiving goroutine must not call Subscribe.
func (b *Bus) SubscribeBlocking(name string, prefixes ...string) *Subscription {
	return b.subscribe(name, true, prefixes)
}

func (b *Bus) subscribe(name string, block bool, prefixes []string) *Subscription {
	s := &Subscription{
		name:     name,
		prefixes: append([]string(nil), prefixes...),
		ch:       make(chan Envelope, b.bufSize),
		quit:     make(chan struct{}),
		block:    block,
		bus:      b,
	}
	b.mu.Lock()
	select {
	case <-b.stopped:
		close(s.ch)
		s.closed = true
	default:
		b.subs[s] = struct{}{}
	}
	b.mu.Unlock()
	return s
}

// Close stops provisioning and closes every subscription channel.
func (b *Bus) Close() error {
	b.once.Do(func() {
		close(b.done)
		<-b.stopped
		b.mu.Lock()
		for s := range b.subs {
			s.closed = true
			close(s.ch)
		}
		b.subs = map[*Subscription]struct{}{}
		b.mu.Unlock()
	})
	return nil
}

func (b *Bus) provision() {
	defer close(b.stopped)
	for {
		select {
		case <-b.done:
			return
		case env := <-b.in:
			b.deliver(env)
		}
	}
}

func (b *Bus) deliver(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.matches(env.Topic) {
			continue
		}
		if s.block {
			select {
			case s.ch <- env:
			case <-s.quit:
			case <-b.done:
			}
			continue
		}
		select {
		case s.ch <- env:
		default:
			b.metrics.Drop(metrics.ReasonBusFull)
			b.logger.Warn("subscriber queue full, dropping", log.Str("subscriber", s.name), log.Topic(env.Topic))
		}
	}
}

// Subscription receives matching envelopes on C until closed.
type Subscription struct {
	name     string
	prefixes []string
	ch       chan Envelope
	quit     chan struct{}
	quitOnce sync.Once
	block    bool
	bus      *Bus
	closed   bool // guarded by bus.mu
}

// C is closed when the subscription or the bus is closed.
func (s *Subscription) C() <-chan Envelope { return s.ch }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	// Release a provisioning goroutine parked on this subscription first;
	// it holds bus.mu while it waits.
	s.quitOnce.Do(func() { close(s.quit) })
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs, s)
	close(s.ch)
}

func (s *Subscription) matches(topic string) bool {
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}
