// ABOUTME: WebSocket gateway session state machine: connect, authenticate, heartbeat,
// ABOUTME: dispatch, resume, reconnect. Retries forever with fixed backoff until stopped.

package qq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/qq-adapter/internal/auth"
	"github.com/2389/qq-adapter/internal/dedupe"
	"github.com/2389/qq-adapter/internal/metrics"
	"github.com/2389/qq-adapter/internal/tasks"
)

// ErrProtocol indicates the gateway sent an unexpected frame where a
// specific one was required. It aborts the current attempt only.
var ErrProtocol = errors.New("gateway protocol violation")

// State names the session lifecycle phases. Transitions are logged so
// operators can detect persistent failure; there is no retry limit.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateAuthing      State = "authenticating"
	StateResuming     State = "resuming"
	StateReady        State = "ready"
	StateStopped      State = "stopped"
)

// Attempt exit reasons.
const (
	reasonReconnect      = "reconnect"       // server requested, session resumable
	reasonInvalidSession = "invalid_session" // must re-Identify
	reasonClosed         = "closed"          // transport dropped
	reasonError          = "error"           // auth/lookup/protocol failure
	reasonStopped        = "stopped"         // explicit stop request
)

// Handler processes one inbound event and returns the reply to send.
// A nil reply or nil reply content suppresses the response. The handler is
// a capability fixed at session construction; the session never mutates it.
type Handler func(ctx context.Context, ev *Event) (*Reply, error)

// SessionConfig bundles the session's collaborators.
type SessionConfig struct {
	Client  *Client
	Tokens  *auth.TokenCache
	Dedupe  *dedupe.Cache
	Tasks   *tasks.Supervisor
	Handler Handler
	Logger  *slog.Logger

	// Intents is the subscription bitmask for Identify. Zero means DefaultIntents.
	Intents uint32

	// Backoff is the fixed wait between connection attempts.
	Backoff time.Duration
}

// Session drives one logical gateway connection. All session state
// (sessionID, seq) is mutated only by the goroutine running Run.
type Session struct {
	client  *Client
	tokens  *auth.TokenCache
	dedupe  *dedupe.Cache
	tasks   *tasks.Supervisor
	handler Handler
	intents uint32
	backoff time.Duration
	logger  *slog.Logger
	dialer  *websocket.Dialer

	sessionID   string
	connectedAt time.Time

	// seq is written by the dispatch loop and read by the heartbeat
	// goroutine, hence the atomic pointer. It only moves forward within
	// a session and is cleared together with sessionID.
	seq atomic.Pointer[int64]

	state   atomic.Value // State
	running atomic.Bool
}

// NewSession creates a gateway session from its collaborators.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	intents := cfg.Intents
	if intents == 0 {
		intents = DefaultIntents
	}
	backoff := cfg.Backoff
	if backoff == 0 {
		backoff = 5 * time.Second
	}
	s := &Session{
		client:  cfg.Client,
		tokens:  cfg.Tokens,
		dedupe:  cfg.Dedupe,
		tasks:   cfg.Tasks,
		handler: cfg.Handler,
		intents: intents,
		backoff: backoff,
		logger:  logger.With("component", "gateway-session"),
		dialer:  websocket.DefaultDialer,
	}
	s.state.Store(StateDisconnected)
	return s
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return s.state.Load().(State)
}

// Running reports whether the session loop is active.
func (s *Session) Running() bool {
	return s.running.Load()
}

// SendReply sends an outbound message through the REST client. Exposed so
// callers holding the session do not need the client separately.
func (s *Session) SendReply(ctx context.Context, source Source, sourceID, content, eventID string) error {
	return s.client.SendReply(ctx, source, sourceID, content, eventID)
}

func (s *Session) setState(next State) {
	prev := s.state.Swap(next)
	if prev != next {
		s.logger.Info("session state changed", "from", prev, "to", next)
	}
}

// Run connects to the gateway and keeps the session alive until ctx is
// cancelled. Every attempt failure (auth, protocol, transport) is recovered
// locally: the session waits the fixed backoff and retries indefinitely.
func (s *Session) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)
	defer s.setState(StateStopped)

	for {
		reason := s.attempt(ctx)
		metrics.ReconnectsTotal.WithLabelValues(reason).Inc()

		if ctx.Err() != nil || reason == reasonStopped {
			s.logger.Info("session stopped")
			return ctx.Err()
		}
		if reason == reasonInvalidSession {
			s.clearSession()
		}

		s.setState(StateDisconnected)
		s.logger.Info("reconnecting after backoff", "reason", reason, "backoff", s.backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff):
		}
	}
}

// attempt performs one full connection attempt and returns the exit reason.
func (s *Session) attempt(ctx context.Context) string {
	s.setState(StateConnecting)

	// The endpoint may rotate; look it up fresh every attempt.
	gatewayURL, err := s.client.GatewayURL(ctx)
	if err != nil {
		s.logger.Error("gateway endpoint lookup failed", "error", err)
		return reasonError
	}

	token, err := s.tokens.Token(ctx)
	if err != nil {
		s.logger.Error("token fetch failed", "error", err)
		return reasonError
	}

	conn, _, err := s.dialer.DialContext(ctx, gatewayURL, nil)
	if err != nil {
		s.logger.Error("gateway dial failed", "url", gatewayURL, "error", err)
		return reasonError
	}
	defer func() { _ = conn.Close() }()

	// Closing the connection on ctx cancellation unblocks the read loop.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	interval, err := s.awaitHello(conn)
	if err != nil {
		s.logger.Error("hello handshake failed", "error", err)
		return reasonError
	}

	resuming := s.sessionID != "" && s.seq.Load() != nil
	if resuming {
		s.setState(StateResuming)
		if err := s.sendResume(conn, token); err != nil {
			s.logger.Error("resume failed", "error", err)
			return reasonError
		}
		// The vendor resumes dispatching directly; no Ready frame follows.
	} else {
		s.setState(StateAuthing)
		if err := s.identify(conn, token); err != nil {
			s.logger.Error("identify failed", "error", err)
			return reasonError
		}
	}

	s.connectedAt = time.Now()
	s.setState(StateReady)

	// The heartbeat goroutine is the sole writer for the rest of this
	// connection's lifetime; it stops with connCtx.
	go s.heartbeat(connCtx, conn, interval)

	return s.dispatchLoop(ctx, conn)
}

// awaitHello reads the first frame, which must be Hello carrying the
// heartbeat interval in milliseconds.
func (s *Session) awaitHello(conn *websocket.Conn) (time.Duration, error) {
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		return 0, fmt.Errorf("reading hello: %w", err)
	}
	if f.Op != OpHello {
		return 0, fmt.Errorf("%w: expected Hello(op=%d), got op=%d", ErrProtocol, OpHello, f.Op)
	}

	var hello struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(f.Data, &hello); err != nil || hello.HeartbeatInterval <= 0 {
		return 0, fmt.Errorf("%w: hello frame missing heartbeat_interval", ErrProtocol)
	}

	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	s.logger.Info("hello received", "heartbeat_interval", interval)
	return interval, nil
}

// identify sends a fresh Identify and waits for the Ready frame that
// carries the new session ID.
func (s *Session) identify(conn *websocket.Conn, token string) error {
	err := conn.WriteJSON(map[string]any{
		"op": OpIdentify,
		"d": map[string]any{
			"token":   "QQBot " + token,
			"intents": s.intents,
			"shard":   []int{0, 1},
			"properties": map[string]string{
				"$os":       runtime.GOOS,
				"$language": "go " + runtime.Version(),
				"$sdk":      "qq-adapter",
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sending identify: %w", err)
	}

	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		return fmt.Errorf("reading ready: %w", err)
	}
	if f.Op == OpInvalidSession {
		return fmt.Errorf("%w: identify rejected (invalid session)", ErrProtocol)
	}
	if f.Op != OpDispatch || f.Type != "READY" {
		return fmt.Errorf("%w: expected Ready, got op=%d t=%q", ErrProtocol, f.Op, f.Type)
	}

	var ready struct {
		SessionID string `json:"session_id"`
		User      struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	if err := json.Unmarshal(f.Data, &ready); err != nil {
		return fmt.Errorf("%w: malformed ready frame", ErrProtocol)
	}

	s.sessionID = ready.SessionID
	s.seq.Store(f.Seq)
	s.logger.Info("session established", "bot", ready.User.Username, "session_id", s.sessionID)
	return nil
}

// sendResume re-establishes the previous session using the stored
// session ID and last seen sequence.
func (s *Session) sendResume(conn *websocket.Conn, token string) error {
	seq := *s.seq.Load()
	err := conn.WriteJSON(map[string]any{
		"op": OpResume,
		"d": map[string]any{
			"token":      "QQBot " + token,
			"session_id": s.sessionID,
			"seq":        seq,
		},
	})
	if err != nil {
		return fmt.Errorf("sending resume: %w", err)
	}
	s.logger.Info("resume sent", "session_id", s.sessionID, "seq", seq)
	return nil
}

// heartbeat sends a heartbeat frame tagging the last known sequence at the
// server-specified interval, for the lifetime of one connection.
func (s *Session) heartbeat(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var seq any
			if p := s.seq.Load(); p != nil {
				seq = *p
			}
			if err := conn.WriteJSON(map[string]any{"op": OpHeartbeat, "d": seq}); err != nil {
				s.logger.Debug("heartbeat write failed", "error", err)
				return
			}
			s.logger.Debug("heartbeat sent", "seq", seq)
		}
	}
}

// dispatchLoop processes inbound frames in arrival order until the attempt
// ends. It never blocks waiting on a handler.
func (s *Session) dispatchLoop(ctx context.Context, conn *websocket.Conn) string {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return reasonStopped
			}
			s.logger.Warn("gateway connection closed", "error", err)
			return reasonClosed
		}

		// Sequence only moves forward within a session; out-of-order
		// frames are observed but never rewind it.
		if cur := s.seq.Load(); f.Seq != nil && (cur == nil || *f.Seq > *cur) {
			v := *f.Seq
			s.seq.Store(&v)
		}

		switch f.Op {
		case OpDispatch:
			s.dispatch(f.Type, f.Data)
		case OpHeartbeatAck:
			s.logger.Debug("heartbeat acknowledged")
		case OpReconnect:
			s.logger.Warn("server requested reconnect")
			return reasonReconnect
		case OpInvalidSession:
			s.logger.Error("session invalidated, re-identify required")
			return reasonInvalidSession
		default:
			s.logger.Warn("unknown gateway op", "op", f.Op)
		}
	}
}

// dispatch decodes one Dispatch frame, dedupes it, and hands first-seen
// message events to the supervisor for concurrent handling.
func (s *Session) dispatch(eventType string, raw json.RawMessage) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		s.logger.Warn("malformed dispatch payload", "event_type", eventType, "error", err)
		return
	}

	ev := buildEvent(eventType, data)
	if ev == nil {
		s.logger.Debug("non-message event skipped", "event_type", eventType)
		return
	}

	if !s.dedupe.MarkSeen(ev.EventID) {
		metrics.EventsDedupedTotal.Inc()
		s.logger.Debug("duplicate event skipped", "event_id", ev.EventID)
		return
	}

	metrics.EventsDispatchedTotal.WithLabelValues(string(ev.Source)).Inc()
	s.logger.Info("event received",
		"source", ev.Source,
		"sender", ev.SenderID,
		"event_id", ev.EventID,
	)

	if err := s.tasks.Spawn("handle:"+ev.EventID, func(ctx context.Context) error {
		return s.handleAndReply(ctx, ev)
	}); err != nil {
		s.logger.Warn("handler not spawned", "event_id", ev.EventID, "error", err)
	}
}

// handleAndReply invokes the handler and sends its reply. Handler failures
// are logged and yield no reply; they never reach the dispatch loop.
func (s *Session) handleAndReply(ctx context.Context, ev *Event) error {
	reply, err := s.handler(ctx, ev)
	if err != nil {
		s.logger.Error("handler failed", "event_id", ev.EventID, "error", err)
		return nil
	}
	if reply == nil || reply.Content == nil {
		return nil
	}

	if err := s.client.SendReply(ctx, ev.Source, ev.SourceID, *reply.Content, ev.EventID); err != nil {
		s.logger.Error("sending reply failed", "event_id", ev.EventID, "error", err)
	}
	return nil
}

// clearSession discards resumption state so the next attempt identifies fresh.
func (s *Session) clearSession() {
	s.sessionID = ""
	s.seq.Store(nil)
}
