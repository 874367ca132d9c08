package router

import (
	"context"
	"errors"

	"github.com/rzbill/intelbridge/internal/bus"
	"github.com/rzbill/intelbridge/internal/message"
	"github.com/rzbill/intelbridge/internal/metrics"
	"github.com/rzbill/intelbridge/pkg/log"
)

// OnReceive handles one frame from an app. Frames for unknown sessions,
// unknown suffixes, snapshot requests and undecodable payloads are dropped.
func (r *Router) OnReceive(topic string, payload []byte) {
	token, kind, err := message.SplitTopic(topic)
	if err != nil {
		reason := metrics.ReasonMalformed
		if errors.Is(err, message.ErrUnknownSuffix) {
			reason = metrics.ReasonUnknownSuffix
		}
		r.drop(reason, "unroutable inbound topic", log.Topic(topic), log.Err(err))
		return
	}
	if _, err := r.reg.Lookup(token); err != nil {
		r.drop(metrics.ReasonNoRecipient, "inbound from unknown session", log.Token(token))
		return
	}
	r.reg.Touch(token)

	msg, err := message.Decode(kind, payload)
	if err != nil {
		r.drop(metrics.ReasonMalformed, "malformed inbound payload", log.Token(token), log.Str(log.KindKey, kind.String()), log.Err(err))
		return
	}
	r.opts.Metrics.In(kind.String())

	switch m := msg.(type) {
	case message.Intel, message.Sighting:
		env := bus.For(m, r.opts.Origin)
		env.Session = token
		if err := r.bus.Publish(r.ctx, env); err != nil {
			r.drop(metrics.ReasonBusFull, "bus publish failed", log.Token(token), log.Err(err))
		}
	case message.SnapshotEnvelope:
		if r.sink == nil {
			r.drop(metrics.ReasonUnexpectedKind, "no snapshot sink", log.Token(token))
			return
		}
		r.sink.OnSnapshotEnvelope(r.ctx, m, token)
	default:
		r.drop(metrics.ReasonUnexpectedKind, "apps may not send this kind", log.Token(token), log.Str(log.KindKey, kind.String()))
	}
}

// Run relays bus traffic to apps until ctx is done. Traffic this bridge put
// on the bus itself is not relayed again, and app-produced messages are not
// echoed to the producing session.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.ctx.Done():
			return nil
		case env, ok := <-r.sub.C():
			if !ok {
				return nil
			}
			r.relay(ctx, env)
		}
	}
}

func (r *Router) relay(ctx context.Context, env bus.Envelope) {
	switch m := env.Msg.(type) {
	case message.Intel, message.Sighting:
		if err := r.Publish(ctx, m, BroadcastExcept(env.Session)); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("relay failed", log.Err(err), log.Topic(env.Topic))
		}
	case message.SnapshotRequest:
		if env.Origin == r.opts.Origin {
			return
		}
		if err := r.Publish(ctx, m, Broadcast()); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("relay failed", log.Err(err), log.Topic(env.Topic))
		}
	case message.SnapshotEnvelope:
		if env.Origin == r.opts.Origin || r.sink == nil {
			return
		}
		r.sink.OnSnapshotEnvelope(ctx, m, "")
	}
}

func (r *Router) drop(reason, msg string, fields ...log.Field) {
	r.opts.Metrics.Drop(reason)
	r.logger.Debug(msg, fields...)
}
