// Package transports provides pluggable transport implementations for the CLI.
package transports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rzbill/intelbridge/internal/manage"
	"github.com/rzbill/intelbridge/internal/transport/ws"
)

// ErrRejected is returned when the bridge answers {"status":"error"}.
var ErrRejected = errors.New("request rejected by bridge")

// WsTransport implements BridgeTransport over the bridge websocket endpoints.
type WsTransport struct {
	manageAddr string
}

// NewWsTransport constructs a transport that sends control requests to manageAddr.
func NewWsTransport(manageAddr string) *WsTransport {
	return &WsTransport{manageAddr: manageAddr}
}

type wireRequest struct {
	Action   string `json:"action"`
	Topic    string `json:"topic"`
	Snapshot *int   `json:"snapshot,omitempty"`
	Filter   string `json:"filter,omitempty"`
}

func (t *WsTransport) request(ctx context.Context, req wireRequest) (manage.Response, error) {
	var resp manage.Response
	r, err := ws.DialRequester(ctx, t.manageAddr)
	if err != nil {
		return resp, err
	}
	defer func() { _ = r.Close() }()
	b, err := json.Marshal(req)
	if err != nil {
		return resp, err
	}
	raw, err := r.Request(ctx, b)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return resp, fmt.Errorf("decode reply: %w", err)
	}
	if resp.Status != manage.StatusSuccess {
		return resp, ErrRejected
	}
	return resp, nil
}

// Subscribe registers a session and returns its token and endpoints.
func (t *WsTransport) Subscribe(ctx context.Context, req SubscribeRequest) (SubscribeReply, error) {
	days := req.SnapshotDays
	resp, err := t.request(ctx, wireRequest{Action: manage.ActionSubscribe, Topic: req.Topic, Snapshot: &days, Filter: req.Filter})
	if err != nil {
		return SubscribeReply{}, err
	}
	return SubscribeReply{Token: resp.Topic, PubEndpoint: resp.PubEndpoint, SubEndpoint: resp.SubEndpoint}, nil
}

// Unsubscribe ends the session identified by token.
func (t *WsTransport) Unsubscribe(ctx context.Context, token string) error {
	_, err := t.request(ctx, wireRequest{Action: manage.ActionUnsubscribe, Topic: token})
	return err
}

// Listen streams frames matching req.Prefixes to onMessage.
func (t *WsTransport) Listen(ctx context.Context, req ListenRequest, onMessage func(topic string, payload []byte) error) error {
	s, err := ws.DialSubscriber(ctx, req.Endpoint, req.Prefixes...)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	for n := 0; req.Limit <= 0 || n < req.Limit; n++ {
		topic, payload, err := s.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := onMessage(topic, payload); err != nil {
			return err
		}
	}
	return nil
}

// Publish sends one frame to the bridge inbound endpoint.
func (t *WsTransport) Publish(ctx context.Context, endpoint, topic string, payload []byte) error {
	p, err := ws.DialProducer(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := p.Send(topic, payload); err != nil {
		_ = p.Close()
		return err
	}
	return p.Close()
}
