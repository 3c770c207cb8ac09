package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"
)

// WebSocketListenerConfig configures the secondary MQTT-over-WebSocket
// transport. It serves the same binary MQTT stream as the TCP listener,
// just framed as WebSocket binary messages on an HTTP upgrade path.
type WebSocketListenerConfig struct {
	Address   string
	Path      string
	TLSConfig *tls.Config
}

// WebSocketListener wraps golang.org/x/net/websocket so the broker's
// connection handling stays transport-agnostic: websocket.Conn satisfies
// net.Conn, so it is wrapped by the same NewConnection constructor and
// dispatched through the same ConnectionHandler the TCP Listener uses.
type WebSocketListener struct {
	config  *WebSocketListenerConfig
	pool    *Pool
	handler ConnectionHandler

	httpServer *http.Server
	connSeq    atomic.Uint64
	closed     atomic.Bool
}

func NewWebSocketListener(config *WebSocketListenerConfig, pool *Pool, handler ConnectionHandler) *WebSocketListener {
	return &WebSocketListener{
		config:  config,
		pool:    pool,
		handler: handler,
	}
}

func (w *WebSocketListener) Start() error {
	path := w.config.Path
	if path == "" {
		path = "/mqtt"
	}

	mux := http.NewServeMux()
	mux.Handle(path, websocket.Server{Handler: w.handleConn})

	w.httpServer = &http.Server{
		Addr:      w.config.Address,
		Handler:   mux,
		TLSConfig: w.config.TLSConfig,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if w.config.TLSConfig != nil {
			err = w.httpServer.ListenAndServeTLS("", "")
		} else {
			err = w.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

// handleConn runs for the lifetime of one upgraded WebSocket connection:
// golang.org/x/net/websocket closes ws as soon as this function returns, so
// it blocks on the wrapped Connection's close channel rather than returning
// immediately after dispatch.
func (w *WebSocketListener) handleConn(ws *websocket.Conn) {
	ws.PayloadType = websocket.BinaryFrame

	id := fmt.Sprintf("ws-%d-%d", time.Now().UnixNano(), w.connSeq.Add(1))
	conn := NewConnection(ws, id, &ConnectionConfig{})

	if err := w.pool.Add(conn); err != nil {
		_ = conn.Close()
		return
	}

	if w.handler != nil {
		if err := w.handler(conn); err != nil {
			_ = w.pool.Remove(conn.ID())
			return
		}
	}

	<-conn.CloseChan()
}

func (w *WebSocketListener) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	if w.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.httpServer.Shutdown(ctx)
}
