package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	// maxFrame bounds a single inbound frame.
	maxFrame = 1 << 20
)

// All endpoints accept any origin: apps are local processes, not browsers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// serve runs h on ln until ctx is done, then shuts down gracefully.
func serve(ctx context.Context, ln net.Listener, h http.Handler, onStop func()) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(cctx)
		// Hijacked websocket connections are not closed by Shutdown.
		onStop()
		<-errCh
		return nil
	case err := <-errCh:
		onStop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// contextDeadline makes blocking reads and writes on conn honor ctx. The
// returned func must be called once the operation finishes.
func contextDeadline(ctx context.Context, conn *websocket.Conn) func() {
	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(d)
		_ = conn.SetWriteDeadline(d)
	}
	if ctx.Done() == nil {
		return func() {}
	}
	stop := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			past := time.Unix(1, 0)
			_ = conn.SetReadDeadline(past)
			_ = conn.SetWriteDeadline(past)
		case <-stop:
		}
	}()
	return func() {
		close(stop)
		<-exited
		_ = conn.SetReadDeadline(time.Time{})
		_ = conn.SetWriteDeadline(time.Time{})
	}
}
