package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by client calls after Close.
var ErrClosed = errors.New("ws: connection closed")

func dial(ctx context.Context, addr string, prefixes []string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpointURL(addr, prefixes), nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", addr, err)
	}
	conn.SetReadLimit(maxFrame)
	return conn, nil
}

// Requester talks to a ReplyServer. Calls are serialized.
type Requester struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// DialRequester connects to the management endpoint at addr (host:port).
func DialRequester(ctx context.Context, addr string) (*Requester, error) {
	conn, err := dial(ctx, addr, nil)
	if err != nil {
		return nil, err
	}
	return &Requester{conn: conn}, nil
}

// Request sends req and waits for the reply. A cancelled ctx leaves the
// connection unusable.
func (r *Requester) Request(ctx context.Context, req []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil, ErrClosed
	}
	done := contextDeadline(ctx, r.conn)
	defer done()
	if err := r.conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return nil, ctxErr(ctx, err)
	}
	_, reply, err := r.conn.ReadMessage()
	if err != nil {
		return nil, ctxErr(ctx, err)
	}
	return reply, nil
}

// Close closes the connection.
func (r *Requester) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

// Subscriber reads frames from a PubServer.
type Subscriber struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// DialSubscriber connects to the data endpoint with the given prefixes
// already in effect when it returns.
func DialSubscriber(ctx context.Context, addr string, prefixes ...string) (*Subscriber, error) {
	conn, err := dial(ctx, addr, prefixes)
	if err != nil {
		return nil, err
	}
	return &Subscriber{conn: conn}, nil
}

// Subscribe adds a prefix. It takes effect asynchronously.
func (s *Subscriber) Subscribe(prefix string) error {
	return s.control(Control{Op: "subscribe", Prefix: prefix})
}

// Unsubscribe removes a prefix. It takes effect asynchronously.
func (s *Subscriber) Unsubscribe(prefix string) error {
	return s.control(Control{Op: "unsubscribe", Prefix: prefix})
}

func (s *Subscriber) control(c Control) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(c)
}

// Receive blocks for the next frame. Receive must not be called concurrently.
func (s *Subscriber) Receive(ctx context.Context) (string, []byte, error) {
	done := contextDeadline(ctx, s.conn)
	defer done()
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return "", nil, ctxErr(ctx, err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		return DecodeFrame(data)
	}
}

// Close closes the connection.
func (s *Subscriber) Close() error { return s.conn.Close() }

// Producer pushes frames to a SubServer.
type Producer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// DialProducer connects to the inbound data endpoint at addr.
func DialProducer(ctx context.Context, addr string) (*Producer, error) {
	conn, err := dial(ctx, addr, nil)
	if err != nil {
		return nil, err
	}
	return &Producer{conn: conn}, nil
}

// Send writes one frame.
func (p *Producer) Send(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, EncodeFrame(topic, payload))
}

// Close sends a close frame and closes the connection.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return p.conn.Close()
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
