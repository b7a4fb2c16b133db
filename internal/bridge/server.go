// ABOUTME: HTTP and WebSocket surface of the adapter: business clients connect
// ABOUTME: here to receive events and submit replies or proactive sends.

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/qq-adapter/internal/auth"
	"github.com/2389/qq-adapter/internal/broker"
	"github.com/2389/qq-adapter/internal/config"
	"github.com/2389/qq-adapter/internal/metrics"
	"github.com/2389/qq-adapter/internal/qq"
)

// Gateway is the upstream side the bridge sends outbound messages through.
type Gateway interface {
	SendReply(ctx context.Context, source qq.Source, sourceID, content, eventID string) error
	Running() bool
}

// EventPayload is the JSON envelope pushed to WebSocket clients and the
// webhook for each inbound platform event.
type EventPayload struct {
	Source    string `json:"source"`
	Content   string `json:"content"`
	MsgID     string `json:"msg_id"`
	EventType string `json:"event_type"`
	SourceID  string `json:"source_id"`
	SenderID  string `json:"sender_id"`
}

// ReplySubmission is the JSON frame a WebSocket client sends to answer an
// event it received.
type ReplySubmission struct {
	MsgID   string  `json:"msg_id"`
	Content *string `json:"content"`
}

// SendRequest is the JSON request body for POST /api/send.
type SendRequest struct {
	Source   string `json:"source"`
	SourceID string `json:"source_id"`
	Content  string `json:"content"`
	MsgID    string `json:"msg_id,omitempty"`
}

// HealthResponse is the JSON response for GET /api/health.
type HealthResponse struct {
	OK        bool `json:"ok"`
	Running   bool `json:"running"`
	WSClients int  `json:"ws_clients"`
}

// Server hosts the business-facing API and fans inbound events out to the
// connected responders.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	gateway Gateway
	broker  *broker.Broker

	verifier *auth.JWTVerifier
	webhook  *WebhookResponder

	upgrader websocket.Upgrader

	listenersMu sync.RWMutex
	listeners   map[string]*wsListener

	httpServer *http.Server
}

// NewServer creates the bridge server. The gateway may be set later via
// SetGateway when construction order requires it.
func NewServer(cfg *config.Config, bk *broker.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger.With("component", "bridge"),
		broker: bk,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		listeners: make(map[string]*wsListener),
	}

	if cfg.Auth.JWTSecret != "" {
		s.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}
	if cfg.Bridge.WebhookURL != "" {
		s.webhook = NewWebhookResponder(cfg.Bridge.WebhookURL, nil, bk.Resolve, logger)
	}

	mux := chi.NewRouter()

	protected := func(h http.HandlerFunc) http.Handler {
		if s.verifier == nil {
			return h
		}
		return auth.HTTPAuthMiddleware(s.verifier)(h)
	}

	mux.Method(http.MethodGet, "/ws", protected(s.handleWS))
	mux.Method(http.MethodPost, "/api/send", protected(s.handleSend))
	mux.Get("/api/health", s.handleHealth)
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// SetGateway wires the upstream session used for outbound sends.
func (s *Server) SetGateway(g Gateway) {
	s.gateway = g
}

// Handler exposes the HTTP mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves HTTP until ctx is cancelled, then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("bridge listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("bridge shutdown: %w", err)
		}
		s.closeListeners()
		return nil
	case err := <-errCh:
		return err
	}
}

// HandleEvent is the gateway session's dispatch handler. It broadcasts the
// event to every connected responder and waits for the first reply.
func (s *Server) HandleEvent(ctx context.Context, ev *qq.Event) (*qq.Reply, error) {
	payload, err := json.Marshal(EventPayload{
		Source:    string(ev.Source),
		Content:   ev.Content,
		MsgID:     ev.EventID,
		EventType: ev.EventType,
		SourceID:  ev.SourceID,
		SenderID:  ev.SenderID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}

	candidates := s.candidates()
	s.logger.Info("dispatching event",
		"msg_id", ev.EventID,
		"source", string(ev.Source),
		"candidates", len(candidates),
	)

	reply, err := s.broker.AwaitReply(ctx, ev.EventID, candidates, payload, s.cfg.Bridge.ReplyTimeout)
	if err != nil {
		return nil, err
	}
	if reply.Content == nil {
		s.logger.Info("no reply content for event", "msg_id", ev.EventID)
		return nil, nil
	}
	return &reply, nil
}

// candidates snapshots the current responder set: every live listener plus
// the webhook when configured.
func (s *Server) candidates() []broker.Responder {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	out := make([]broker.Responder, 0, len(s.listeners)+1)
	for _, l := range s.listeners {
		out = append(out, l)
	}
	if s.webhook != nil {
		out = append(out, s.webhook)
	}
	return out
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	l := &wsListener{id: uuid.New().String()[:8], conn: conn}

	s.listenersMu.Lock()
	s.listeners[l.id] = l
	count := len(s.listeners)
	s.listenersMu.Unlock()

	metrics.WSListeners.Set(float64(count))
	s.logger.Info("websocket client connected", "listener", l.id, "total", count)

	s.readLoop(l)
}

// readLoop consumes reply submissions from a listener until it disconnects.
func (s *Server) readLoop(l *wsListener) {
	defer s.removeListener(l.id)

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return
		}

		var sub ReplySubmission
		if err := json.Unmarshal(data, &sub); err != nil || sub.MsgID == "" {
			s.logger.Warn("discarding malformed reply frame", "listener", l.id)
			continue
		}

		if s.broker.Resolve(sub.MsgID, qq.Reply{Content: sub.Content}) {
			s.logger.Info("listener resolved reply", "listener", l.id, "msg_id", sub.MsgID)
		}
	}
}

func (s *Server) removeListener(id string) {
	s.listenersMu.Lock()
	l, ok := s.listeners[id]
	if ok {
		delete(s.listeners, id)
	}
	count := len(s.listeners)
	s.listenersMu.Unlock()

	if ok {
		_ = l.conn.Close()
		metrics.WSListeners.Set(float64(count))
		s.logger.Info("websocket client disconnected", "listener", id, "total", count)
	}
}

func (s *Server) closeListeners() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	for id, l := range s.listeners {
		_ = l.conn.Close()
		delete(s.listeners, id)
	}
	metrics.WSListeners.Set(0)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	source := qq.Source(req.Source)
	if !source.Valid() {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown source %q", req.Source))
		return
	}
	if req.SourceID == "" || req.Content == "" {
		writeJSONError(w, http.StatusBadRequest, "source_id and content are required")
		return
	}
	if s.gateway == nil || !s.gateway.Running() {
		writeJSONError(w, http.StatusServiceUnavailable, "gateway session not running")
		return
	}

	if err := s.gateway.SendReply(r.Context(), source, req.SourceID, req.Content, req.MsgID); err != nil {
		s.logger.Error("outbound send failed", "source", req.Source, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "platform send failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.listenersMu.RLock()
	count := len(s.listeners)
	s.listenersMu.RUnlock()

	running := s.gateway != nil && s.gateway.Running()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthResponse{
		OK:        true,
		Running:   running,
		WSClients: count,
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
