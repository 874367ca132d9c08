package router

import (
	"context"
	"errors"
	"sync"

	"github.com/rzbill/intelbridge/internal/bus"
	"github.com/rzbill/intelbridge/internal/message"
	"github.com/rzbill/intelbridge/internal/metrics"
	"github.com/rzbill/intelbridge/internal/registry"
	"github.com/rzbill/intelbridge/pkg/log"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("router: closed")

// DefaultOrigin is the bus origin of everything the bridge publishes itself.
const DefaultOrigin = "intelbridge"

// Sender is the shared outbound channel. The router is its only writer.
type Sender interface {
	Send(topic string, payload []byte) error
}

// Registry is the view of the session table the router needs.
type Registry interface {
	Lookup(token string) (registry.Session, error)
	Recipients(kind message.Kind) []registry.Session
	Touch(token string)
}

// SnapshotSink receives snapshot envelopes. fromToken is the app session the
// envelope arrived from, or empty when it came off the bus.
type SnapshotSink interface {
	OnSnapshotEnvelope(ctx context.Context, env message.SnapshotEnvelope, fromToken string)
}

// Recipients selects who an outbound message is written for.
type Recipients struct {
	broadcast bool
	except    string
	tokens    []string
}

// Broadcast targets every active session whose stream carries the message.
func Broadcast() Recipients { return Recipients{broadcast: true} }

// BroadcastExcept is Broadcast minus one session, used to avoid echoing an
// app's own traffic back to it.
func BroadcastExcept(token string) Recipients { return Recipients{broadcast: true, except: token} }

// To targets exactly the given sessions.
func To(tokens ...string) Recipients { return Recipients{tokens: tokens} }

// IsBroadcast reports whether r targets every eligible session.
func (r Recipients) IsBroadcast() bool { return r.broadcast }

// Tokens returns the explicit targets of r.
func (r Recipients) Tokens() []string { return r.tokens }

// Options configures a Router.
type Options struct {
	// OutboxSize bounds queued outbound messages. Default 4096.
	OutboxSize int
	// Origin tags bus traffic produced by this bridge. Default DefaultOrigin.
	Origin  string
	Metrics *metrics.Metrics
	Logger  log.Logger
}

type outbound struct {
	kind    message.Kind
	payload []byte
	rcpt    Recipients
}

// Router multiplexes bus traffic onto token-tagged topics and demultiplexes
// app traffic back to the bus.
type Router struct {
	reg    Registry
	sender Sender
	bus    *bus.Bus
	sub    *bus.Subscription
	sink   SnapshotSink
	opts   Options
	logger log.Logger

	outbox  chan outbound
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	once    sync.Once
}

// New subscribes to the bus and starts the outbox writer. Bus traffic is
// relayed once Run is called. Call Close to stop it.
func New(reg Registry, sender Sender, b *bus.Bus, opts Options) *Router {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 4096
	}
	if opts.Origin == "" {
		opts.Origin = DefaultOrigin
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		reg:     reg,
		sender:  sender,
		bus:     b,
		sub:     b.SubscribeBlocking("router", message.BusPrefix),
		opts:    opts,
		logger:  opts.Logger.WithComponent("router"),
		outbox:  make(chan outbound, opts.OutboxSize),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	go r.writeLoop()
	return r
}

// SetSnapshotSink wires the snapshot coordinator. Call before traffic flows.
func (r *Router) SetSnapshotSink(s SnapshotSink) { r.sink = s }

// Origin is the bus origin this router skips when bridging.
func (r *Router) Origin() string { return r.opts.Origin }

// Close stops the writer. Queued messages are dropped.
func (r *Router) Close() error {
	r.once.Do(func() {
		r.cancel()
		<-r.stopped
		r.sub.Close()
	})
	return nil
}

// Publish queues msg for rcpt. Recipients are resolved against the registry
// when the message is written, so sessions removed in between receive
// nothing. It blocks only while the outbox is full.
func (r *Router) Publish(ctx context.Context, msg message.Message, rcpt Recipients) error {
	payload, err := message.Encode(msg)
	if err != nil {
		return err
	}
	item := outbound{kind: msg.Kind(), payload: payload, rcpt: rcpt}
	select {
	case <-r.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case r.outbox <- item:
		return nil
	case <-r.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) writeLoop() {
	defer close(r.stopped)
	for {
		select {
		case <-r.ctx.Done():
			for {
				select {
				case <-r.outbox:
					r.opts.Metrics.Drop(metrics.ReasonOutboxClosed)
				default:
					return
				}
			}
		case item := <-r.outbox:
			r.write(item)
		}
	}
}

func (r *Router) write(item outbound) {
	for _, s := range r.resolve(item) {
		if (item.kind == message.KindIntel || item.kind == message.KindSighting) && !s.Filter.Match(item.kind.String(), item.payload) {
			r.opts.Metrics.Drop(metrics.ReasonFiltered)
			continue
		}
		topic := message.Topic(s.Token, item.kind)
		if err := r.sender.Send(topic, item.payload); err != nil {
			r.opts.Metrics.Drop(metrics.ReasonTransport)
			r.logger.Warn("outbound send failed", log.Err(err), log.Topic(topic))
			continue
		}
		r.opts.Metrics.Out(item.kind.String())
	}
}

func (r *Router) resolve(item outbound) []registry.Session {
	if item.rcpt.broadcast {
		all := r.reg.Recipients(item.kind)
		if item.rcpt.except == "" {
			return all
		}
		out := all[:0]
		for _, s := range all {
			if s.Token != item.rcpt.except {
				out = append(out, s)
			}
		}
		return out
	}
	out := make([]registry.Session, 0, len(item.rcpt.tokens))
	for _, tok := range item.rcpt.tokens {
		s, err := r.reg.Lookup(tok)
		if err != nil {
			r.opts.Metrics.Drop(metrics.ReasonNoRecipient)
			r.logger.Debug("recipient gone, dropping", log.Token(tok), log.Str(log.KindKey, item.kind.String()))
			continue
		}
		out = append(out, s)
	}
	return out
}
