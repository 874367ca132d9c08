package ws

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rzbill/intelbridge/pkg/log"
)

// Replier answers one request frame with one reply frame.
type Replier interface {
	Handle(ctx context.Context, req []byte) []byte
}

// ReplyServer is the request/reply endpoint. On each connection exactly one
// reply is written before the next request is read.
type ReplyServer struct {
	h      Replier
	logger log.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewReplyServer returns a ReplyServer dispatching to h.
func NewReplyServer(h Replier, logger log.Logger) *ReplyServer {
	if logger == nil {
		logger = log.Nop()
	}
	return &ReplyServer{h: h, logger: logger.WithComponent("ws.reply"), conns: make(map[*websocket.Conn]struct{})}
}

// Serve accepts connections on ln until ctx is done.
func (s *ReplyServer) Serve(ctx context.Context, ln net.Listener) error {
	return serve(ctx, ln, s, s.closeAll)
}

func (s *ReplyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", log.Err(err))
		return
	}
	conn.SetReadLimit(maxFrame)
	s.track(conn, true)
	defer func() {
		s.track(conn, false)
		_ = conn.Close()
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		reply := s.h.Handle(r.Context(), data)
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			s.logger.Debug("reply write failed", log.Err(err))
			return
		}
	}
}

func (s *ReplyServer) track(c *websocket.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *ReplyServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}
