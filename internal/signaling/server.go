package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/peercall/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the relay: it assigns every WebSocket connection a participant
// id, broadcasts the roster on every join and leave, and routes call frames
// between participants by id. It never looks inside negotiation payloads.
type Server struct {
	mu    sync.Mutex
	peers map[ParticipantID]*peerConn

	// bcastMu keeps roster snapshots from being delivered out of order.
	bcastMu sync.Mutex

	newID func() ParticipantID
	now   func() time.Time
}

// peerConn is one connected participant as seen by the relay.
type peerConn struct {
	id       ParticipantID
	joinedAt time.Time
	conn     *websocket.Conn
	snd      *sender
}

// NewServer creates an empty relay.
func NewServer() *Server {
	return &Server{
		peers: make(map[ParticipantID]*peerConn),
		newID: func() ParticipantID { return ParticipantID(uuid.NewString()) },
		now:   time.Now,
	}
}

// Handler returns the relay's HTTP routes: /ws for clients, /healthz and
// /metrics for operators.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)

	r.Get("/ws", s.ServeWS)
	r.Get("/healthz", s.serveHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Serve runs the relay on ln until ctx is cancelled, then shuts down the
// HTTP server and disconnects every participant.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Hijacked WebSockets are not tracked by Shutdown; close them first.
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close disconnects every participant.
func (s *Server) Close() {
	s.mu.Lock()
	peers := make([]*peerConn, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.snd.sendClose(websocket.CloseGoingAway, "relay shutting down")
		p.conn.Close()
	}
}

// Participants returns the number of connected participants.
func (s *Server) Participants() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// ServeWS upgrades the request and serves one participant until it leaves.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogWarning("WebSocket upgrade failed: %v", err)
		return
	}

	p := &peerConn{
		id:       s.newID(),
		joinedAt: s.now(),
		conn:     conn,
		snd:      newSender(conn),
	}

	// Identity goes out before the participant becomes routable, so it is
	// always the first frame the client sees.
	if err := p.snd.send(message{Type: msgTypeIdentity, ID: p.id}); err != nil {
		util.LogWarning("[%s] failed to send identity: %v", p.id, err)
		conn.Close()
		return
	}

	s.join(p)
	defer s.leave(p)

	rcv := newReceiver(conn, func(msg message) { s.route(p, msg) })
	if err := rcv.watch(); err != nil && !isNormalClose(err) {
		util.LogDebug("[%s] connection ended: %v", p.id, err)
	}
}

func (s *Server) join(p *peerConn) {
	s.mu.Lock()
	s.peers[p.id] = p
	n := len(s.peers)
	s.mu.Unlock()

	relayConnectionsTotal.Inc()
	relayParticipants.Set(float64(n))
	util.LogInfo("[%s] participant joined (%d online)", p.id, n)
	s.broadcastRoster()
}

func (s *Server) leave(p *peerConn) {
	p.conn.Close()

	s.mu.Lock()
	delete(s.peers, p.id)
	n := len(s.peers)
	s.mu.Unlock()

	relayParticipants.Set(float64(n))
	util.LogInfo("[%s] participant left (%d online)", p.id, n)
	s.broadcastRoster()
}

// broadcastRoster sends the full roster to every participant.
func (s *Server) broadcastRoster() {
	s.bcastMu.Lock()
	defer s.bcastMu.Unlock()

	s.mu.Lock()
	roster := make(Roster, len(s.peers))
	peers := make([]*peerConn, 0, len(s.peers))
	for id, p := range s.peers {
		roster[id] = Participant{JoinedAt: p.joinedAt}
		peers = append(peers, p)
	}
	s.mu.Unlock()

	msg := message{Type: msgTypeRoster, Users: roster}
	for _, p := range peers {
		if err := p.snd.send(msg); err != nil {
			util.LogDebug("[%s] roster delivery failed: %v", p.id, err)
		}
	}
}

// route forwards one client frame. The sender's id always comes from the
// connection, never from the frame.
func (s *Server) route(from *peerConn, msg message) {
	var (
		to  ParticipantID
		out message
	)

	switch msg.Type {
	case msgTypeCallUser:
		if msg.From != "" && msg.From != from.id {
			util.LogDebug("[%s] invite claims from=%s, using connection id", from.id, msg.From)
		}
		to = msg.UserToCall
		out = message{Type: msgTypeIncoming, From: from.id, Signal: msg.SignalData, CallID: msg.CallID}

	case msgTypeAcceptCall:
		to = msg.To
		out = message{Type: msgTypeAccepted, From: from.id, Signal: msg.Signal, CallID: msg.CallID}

	case msgTypeDeclineCall:
		to = msg.To
		out = message{Type: msgTypeDeclined, From: from.id, CallID: msg.CallID, Reason: msg.Reason}

	case msgTypeHangup:
		to = msg.To
		out = message{Type: msgTypeHangup, From: from.id, CallID: msg.CallID}

	default:
		relayFramesTotal.WithLabelValues(frameTypeUnknown).Inc()
		relayFramesDroppedTotal.WithLabelValues(dropUnknownType).Inc()
		util.LogDebug("[%s] ignoring frame type %q", from.id, msg.Type)
		return
	}
	relayFramesTotal.WithLabelValues(string(msg.Type)).Inc()

	s.mu.Lock()
	target, ok := s.peers[to]
	s.mu.Unlock()

	if !ok {
		relayFramesDroppedTotal.WithLabelValues(dropUnknownTarget).Inc()
		util.LogDebug("[%s] %s for unknown participant %q dropped", from.id, msg.Type, to)
		return
	}

	if err := target.snd.send(out); err != nil {
		relayFramesDroppedTotal.WithLabelValues(dropWriteFailed).Inc()
		util.LogDebug("[%s] %s delivery to %s failed: %v", from.id, out.Type, to, err)
		return
	}
	util.LogDebug("[%s] %s → %s (call %s)", from.id, out.Type, to, out.CallID)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       "ok",
		"participants": s.Participants(),
	})
}

// accessLog logs each request at debug level.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		util.LogDebug("%s %s from %s (%s)", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
	})
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, net.ErrClosed)
}
