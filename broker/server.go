package broker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/flowmq/flowmq/encoding"
	"github.com/flowmq/flowmq/metrics"
	"github.com/flowmq/flowmq/network"
	"github.com/flowmq/flowmq/pkg/logger"
	"github.com/flowmq/flowmq/session"
	"github.com/flowmq/flowmq/topic"
	"github.com/flowmq/flowmq/types/message"
)

const (
	retryTick      = 1 * time.Second
	retryBaseDelay = 5 * time.Second
	retryMaxDelay  = 60 * time.Second
	retryMaxCount  = 5

	metricsTick = 5 * time.Second
)

// binding pairs a live connection with the session it currently serves.
// The broker keeps exactly one binding per client id; a second CONNECT for
// the same id takes the prior one over (SessionTakenOver).
type binding struct {
	sess   *session.Session
	conn   *network.Connection
	writer *connWriter
}

// Server is the broker core (C5): one accept loop, a bounded pool of
// per-connection handlers, and the session/topic tables (C4) they consult.
type Server struct {
	config *Config
	log    logger.Logger

	listener   *network.Listener
	wsListener *network.WebSocketListener
	pool       *network.Pool
	workers    *ants.Pool
	admit      *admission
	disconnect *network.DisconnectManager

	sessions *session.Manager
	router   *topic.Router
	retained *topic.RetainedManager
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	bindings map[string]*binding

	retryStop chan struct{}
	retryWG   sync.WaitGroup
}

// New builds a Server around cfg. The session manager, topic router and
// retained-message store are created fresh; the session store comes from
// NewSessionStore (cfg.SessionStore if set, else built from SessionBackend).
func New(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, cerrors.New("broker: nil config")
	}
	if cfg.MaximumThreads < 1 {
		cfg.MaximumThreads = 1
	}

	workers, err := ants.NewPool(cfg.MaximumThreads, ants.WithNonblocking(true))
	if err != nil {
		return nil, cerrors.Wrap(err, "broker: create worker pool")
	}

	pool, err := network.NewPool(network.DefaultPoolConfig())
	if err != nil {
		return nil, cerrors.Wrap(err, "broker: create connection pool")
	}

	sessionStore, err := NewSessionStore(cfg)
	if err != nil {
		return nil, cerrors.Wrap(err, "broker: build session store")
	}

	s := &Server{
		config:     cfg,
		log:        cfg.Logger,
		pool:       pool,
		workers:    workers,
		admit:      newAdmission(cfg.MaximumThreads),
		disconnect: network.NewDisconnectManager(5 * time.Second),
		router:     topic.NewRouter(),
		metrics:    metrics.New(),
		bindings:   make(map[string]*binding),
		retryStop:  make(chan struct{}),
	}
	s.retained = topic.NewRetainedManager(&topic.RetainedConfig{
		CleanupInterval: 5 * time.Minute,
		OnCleanup: func(count int) {
			s.logInfo("retained store cleanup removed expired messages", "count", count)
		},
	})

	s.sessions = session.NewManager(session.ManagerConfig{
		Store:         sessionStore,
		WillPublisher: (*willPublisher)(s),
	})

	s.disconnect.OnDisconnect(func(conn *network.Connection, pkt *network.DisconnectPacket) error {
		return s.sendDisconnect(conn, pkt)
	})

	return s, nil
}

// Run starts the TCP listener (and, if configured, the WebSocket listener)
// and blocks until ctx is cancelled, at which point it drains connections
// and returns.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.IP, s.config.Port)
	listenerCfg := network.DefaultListenerConfig(addr)
	if s.config.AcceptTimeout > 0 {
		listenerCfg.AcceptTimeout = s.config.AcceptTimeout
	}
	if s.config.MaxConnections > 0 {
		listenerCfg.MaxConnections = s.config.MaxConnections
	}

	listener, err := network.NewListener(listenerCfg, s.pool)
	if err != nil {
		return cerrors.Wrap(err, "broker: create listener")
	}
	s.listener = listener
	s.listener.OnConnection(s.acceptConnection)

	if err := s.listener.Start(); err != nil {
		return cerrors.Wrapf(err, "broker: listen on %s", addr)
	}
	s.logInfo("broker listening", "address", addr)

	group, gctx := errgroup.WithContext(ctx)

	if s.config.WebSocketAddr != "" {
		ws := network.NewWebSocketListener(&network.WebSocketListenerConfig{
			Address: s.config.WebSocketAddr,
			Path:    s.config.WebSocketPath,
		}, s.pool, s.acceptConnection)
		s.wsListener = ws
		if err := ws.Start(); err != nil {
			return cerrors.Wrapf(err, "broker: listen (websocket) on %s", s.config.WebSocketAddr)
		}
		s.logInfo("broker listening (websocket)", "address", s.config.WebSocketAddr, "path", s.config.WebSocketPath)
	}

	s.retryWG.Add(1)
	go s.retryLoop()

	s.retryWG.Add(1)
	go s.metricsLoop()

	group.Go(func() error {
		<-gctx.Done()
		return s.Shutdown(context.Background())
	})

	return group.Wait()
}

// Addr returns the TCP listener's bound address. Safe to call once Run has
// started the listener; used by tests and callers that bind to port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting new connections and closes every bound one.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.retryStop)
	s.retryWG.Wait()

	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.wsListener != nil {
		_ = s.wsListener.Close()
	}

	shutdown := network.NewGracefulShutdown(s.pool, s.disconnect, 10*time.Second)
	err := shutdown.Shutdown(ctx)

	s.workers.Release()
	s.admit.close()
	_ = s.retained.Close()
	_ = s.sessions.Close()

	return err
}

// acceptConnection is the listener's ConnectionHandler: it admits the
// connection into the bounded worker pool or rejects it with ServerBusy.
func (s *Server) acceptConnection(conn *network.Connection) error {
	host := conn.RemoteAddr().String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if !s.admit.allowConnectFrom(host) {
		s.metrics.ConnectionsRejected.Inc()
		s.rejectBusy(conn)
		return nil
	}

	if !s.admit.tryAcquire() {
		s.metrics.ServerBusyRejects.Inc()
		s.rejectBusy(conn)
		return nil
	}

	s.metrics.ConnectionsAccepted.Inc()

	err := s.workers.Submit(func() {
		defer s.admit.release()
		s.serveConnection(conn)
	})
	if err != nil {
		s.admit.release()
		s.rejectBusy(conn)
	}

	return nil
}

// rejectBusy writes CONNACK(ServerBusy) best-effort and closes. The client
// may not even have sent CONNECT yet; a malformed/partial handshake here
// is not reported further since the connection is being shed regardless.
func (s *Server) rejectBusy(conn *network.Connection) {
	ack := &encoding.ConnackPacket{ReasonCode: encoding.ReasonServerBusy}
	_ = ack.Encode(conn)
	_ = conn.Close()
}

func (s *Server) logInfo(msg string, args ...interface{}) {
	if s.log != nil {
		s.log.Info(msg, args...)
	}
}

func (s *Server) logError(msg string, args ...interface{}) {
	if s.log != nil {
		s.log.Error(msg, args...)
	}
}

// route implements C4's route(): fan out one published message to every
// matching subscriber currently bound, applying no_local, retain_as_published
// and min-qos per subscription. Returns the number of sessions delivered to.
func (s *Server) route(ctx context.Context, publisherClientID string, msg *message.Message) int {
	subs := s.router.MatchWithPublisher(msg.Topic, publisherClientID)
	delivered := 0

	for _, sub := range subs {
		deliveredQoS := msg.QoS
		if byte(deliveredQoS) > sub.QoS {
			deliveredQoS = encoding.QoS(sub.QoS)
		}

		out := msg.Clone()
		out.QoS = deliveredQoS
		if !sub.RetainAsPublished {
			out.Retain = false
		}

		if s.deliver(ctx, sub.ClientID, out) {
			delivered++
		}
	}

	s.metrics.PublishesRouted.Inc()
	return delivered
}

// deliver hands msg to clientID's session: straight to the wire if a
// connection is bound, or onto the session's FIFO queue for replay on
// rebind otherwise.
func (s *Server) deliver(ctx context.Context, clientID string, msg *message.Message) bool {
	sess, err := s.sessions.GetSession(ctx, clientID)
	if err != nil || sess == nil {
		return false
	}

	pending := &session.PendingMessage{
		Topic:      msg.Topic,
		Payload:    msg.Payload,
		QoS:        byte(msg.QoS),
		Retain:     msg.Retain,
		Properties: msg.Properties,
		Timestamp:  time.Now(),
	}

	if pending.QoS > 0 {
		pending.PacketID = sess.NextPacketID()
	}

	live, err := sess.Deliver(pending)
	if err != nil {
		return false
	}
	if live && pending.QoS > 0 {
		sess.AddPendingPublish(pending)
	}
	return true
}

// writerFor builds the function bound to a session while conn serves it:
// it writes the PUBLISH for QoS 0 immediately and relies on the caller
// (deliver) to track QoS 1 packets in PendingPublish for the retry loop.
func (s *Server) writerFor(b *binding) func(*session.PendingMessage) error {
	return func(pending *session.PendingMessage) error {
		pkt := pendingToPublish(pending, pending.PacketID)
		err := b.writer.send(func(conn *network.Connection) error {
			return pkt.Encode(conn)
		})
		if err == nil {
			s.metrics.PacketsSent.Inc()
		}
		return err
	}
}

// retryLoop resends unacknowledged QoS 1 PUBLISHes (dup=1) past their
// deadline and drops connections that exceed retryMaxCount attempts.
func (s *Server) retryLoop() {
	defer s.retryWG.Done()

	ticker := time.NewTicker(retryTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.retryStop:
			return
		case <-ticker.C:
			s.retrySweep()
		}
	}
}

// metricsLoop periodically samples session-manager state into the
// Prometheus gauges that have no natural update point on the hot path.
func (s *Server) metricsLoop() {
	defer s.retryWG.Done()

	ticker := time.NewTicker(metricsTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.retryStop:
			return
		case <-ticker.C:
			s.metrics.SessionsActive.Set(float64(s.sessions.GetActiveSessionCount()))
		}
	}
}

func (s *Server) retrySweep() {
	now := time.Now()

	for _, clientID := range s.sessions.GetAllActiveSessions() {
		s.mu.RLock()
		b, bound := s.bindings[clientID]
		s.mu.RUnlock()
		if !bound {
			continue
		}

		for packetID, pending := range b.sess.GetAllPendingPublish() {
			if pending.NextRetryAt.IsZero() {
				pending.NextRetryAt = now.Add(retryBaseDelay)
				continue
			}
			if now.Before(pending.NextRetryAt) {
				continue
			}

			if pending.AttemptCount >= retryMaxCount {
				b.sess.RemovePendingPublish(packetID)
				s.closeBinding(clientID, network.DisconnectUnspecifiedError)
				continue
			}

			pending.AttemptCount++
			pending.DUP = true
			delay := retryBaseDelay * time.Duration(1<<uint(pending.AttemptCount))
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
			pending.NextRetryAt = now.Add(delay)

			pkt := pendingToPublish(pending, packetID)
			_ = b.writer.send(func(conn *network.Connection) error {
				return pkt.Encode(conn)
			})
		}
	}
}

// closeBinding forces the connection currently bound to clientID closed,
// sending a DISCONNECT with reason first. It deliberately leaves the
// bindings map entry alone: deleting it here raced the owning connection's
// own serveConnection cleanup, which (per I1) must distinguish "this
// connection's binding was superseded by a takeover" from "this connection
// is really going away" by checking whether its binding is still the one
// in the map. Closing conn unblocks that connection's reader, and its own
// deferred cleanup removes the entry (unless a takeover has since replaced
// it, in which case it rightly leaves the new binding alone).
func (s *Server) closeBinding(clientID string, reason network.DisconnectReason) {
	s.mu.RLock()
	b, ok := s.bindings[clientID]
	s.mu.RUnlock()

	if !ok {
		return
	}

	b.sess.UnbindWriter()
	pkt := &network.DisconnectPacket{ReasonCode: reason}
	_ = s.disconnect.SendDisconnect(b.conn, pkt)
	_ = b.conn.Close()
}
