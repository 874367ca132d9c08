package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rzbill/intelbridge/internal/metrics"
	"github.com/rzbill/intelbridge/pkg/log"
)

// Control is a subscriber-to-publisher frame adjusting prefix filters.
type Control struct {
	Op     string `json:"op"` // subscribe | unsubscribe
	Prefix string `json:"prefix"`
}

// PubOptions configures a PubServer.
type PubOptions struct {
	// SendBuffer bounds frames queued per connection. Default 1024.
	SendBuffer int
	Metrics    *metrics.Metrics
	Logger     log.Logger
}

// PubServer is the outbound data endpoint. Every connection carries a set
// of topic prefixes; Send writes a frame to each connection with a matching
// prefix. A connection whose queue is full misses the frame; it is counted
// and the connection stays open.
type PubServer struct {
	opts    PubOptions
	logger  log.Logger
	dropped atomic.Uint64

	mu    sync.RWMutex
	conns map[*pubConn]struct{}
}

type pubConn struct {
	conn *websocket.Conn
	send chan []byte

	mu       sync.RWMutex // guards prefixes and the conn handoff
	prefixes map[string]struct{}
}

func (c *pubConn) matches(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for p := range c.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

func (c *pubConn) apply(ctl Control) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ctl.Op {
	case "subscribe":
		c.prefixes[ctl.Prefix] = struct{}{}
	case "unsubscribe":
		delete(c.prefixes, ctl.Prefix)
	}
}

// NewPubServer returns an empty PubServer.
func NewPubServer(opts PubOptions) *PubServer {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 1024
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &PubServer{opts: opts, logger: opts.Logger.WithComponent("ws.pub"), conns: make(map[*pubConn]struct{})}
}

// Serve accepts subscribers on ln until ctx is done.
func (s *PubServer) Serve(ctx context.Context, ln net.Listener) error {
	return serve(ctx, ln, s, s.closeAll)
}

// ServeHTTP upgrades a subscriber. Initial prefixes come from repeated
// "prefix" query parameters so they are in place before the first Send.
func (s *PubServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pc := &pubConn{prefixes: make(map[string]struct{}), send: make(chan []byte, s.opts.SendBuffer)}
	for _, p := range r.URL.Query()["prefix"] {
		pc.prefixes[p] = struct{}{}
	}
	// Register before the handshake completes so frames sent right after
	// the client's dial returns are queued rather than missed.
	s.mu.Lock()
	s.conns[pc] = struct{}{}
	s.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", log.Err(err))
		s.remove(pc)
		return
	}
	conn.SetReadLimit(maxFrame)
	pc.mu.Lock()
	pc.conn = conn
	pc.mu.Unlock()

	go s.writePump(pc)
	s.readControl(pc)
	s.remove(pc)
}

// Send queues the frame "<topic> <payload>" on every matching connection.
func (s *PubServer) Send(topic string, payload []byte) error {
	frame := EncodeFrame(topic, payload)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for pc := range s.conns {
		if !pc.matches(topic) {
			continue
		}
		select {
		case pc.send <- frame:
		default:
			s.dropped.Add(1)
			s.opts.Metrics.Drop(metrics.ReasonSlowConsumer)
			s.logger.Debug("slow subscriber, frame dropped", log.Topic(topic))
		}
	}
	return nil
}

// Dropped is the number of frames lost to full connection queues.
func (s *PubServer) Dropped() uint64 { return s.dropped.Load() }

// Conns is the number of connected subscribers.
func (s *PubServer) Conns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *PubServer) readControl(pc *pubConn) {
	pc.conn.SetPongHandler(func(string) error {
		return pc.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = pc.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	for {
		_, data, err := pc.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = pc.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		var ctl Control
		if err := json.Unmarshal(data, &ctl); err != nil {
			s.logger.Debug("ignoring bad control frame", log.Err(err))
			continue
		}
		pc.apply(ctl)
	}
}

func (s *PubServer) writePump(pc *pubConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer pc.conn.Close()
	for {
		select {
		case frame, ok := <-pc.send:
			if !ok {
				_ = pc.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				return
			}
			_ = pc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := pc.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.opts.Metrics.Drop(metrics.ReasonTransport)
				return
			}
		case <-ticker.C:
			if err := pc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *PubServer) remove(pc *pubConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[pc]; ok {
		delete(s.conns, pc)
		close(pc.send)
	}
}

func (s *PubServer) closeAll() {
	s.mu.Lock()
	conns := make([]*pubConn, 0, len(s.conns))
	for pc := range s.conns {
		conns = append(conns, pc)
	}
	s.mu.Unlock()
	for _, pc := range conns {
		pc.mu.RLock()
		conn := pc.conn
		pc.mu.RUnlock()
		if conn != nil {
			_ = conn.Close()
		}
		s.remove(pc)
	}
}
