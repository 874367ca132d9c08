package ws

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/rzbill/intelbridge/internal/metrics"
	"github.com/rzbill/intelbridge/pkg/log"
)

// InboundFunc receives one decoded data frame from an app.
type InboundFunc func(topic string, payload []byte)

// SubServer is the inbound data endpoint: apps push "<topic> <payload>"
// frames which are handed to the InboundFunc in arrival order per connection.
type SubServer struct {
	fn      InboundFunc
	metrics *metrics.Metrics
	logger  log.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewSubServer returns a SubServer delivering to fn.
func NewSubServer(fn InboundFunc, m *metrics.Metrics, logger log.Logger) *SubServer {
	if logger == nil {
		logger = log.Nop()
	}
	return &SubServer{fn: fn, metrics: m, logger: logger.WithComponent("ws.sub"), conns: make(map[*websocket.Conn]struct{})}
}

// Serve accepts producers on ln until ctx is done.
func (s *SubServer) Serve(ctx context.Context, ln net.Listener) error {
	return serve(ctx, ln, s, s.closeAll)
}

func (s *SubServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", log.Err(err))
		return
	}
	conn.SetReadLimit(maxFrame)
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		topic, payload, err := DecodeFrame(data)
		if err != nil {
			s.metrics.Drop(metrics.ReasonMalformed)
			s.logger.Debug("dropping malformed frame", log.Int("bytes", len(data)))
			continue
		}
		s.fn(topic, payload)
	}
}

func (s *SubServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}
