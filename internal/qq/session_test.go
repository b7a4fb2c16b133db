// ABOUTME: Tests for the gateway session against a scripted fake WebSocket
// ABOUTME: gateway: handshake, dispatch, dedup, resume, and invalid session.

package qq

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/qq-adapter/internal/auth"
	"github.com/2389/qq-adapter/internal/dedupe"
	"github.com/2389/qq-adapter/internal/tasks"
)

// gatewayScript drives one fake gateway connection after Hello has been
// sent and the client's first frame (Identify or Resume) has been read.
type gatewayScript func(conn *websocket.Conn, first frame)

// sessionHarness wires a Session against a fake vendor API and a scripted
// fake gateway. Each accepted connection consumes one script.
type sessionHarness struct {
	session *Session
	vendor  *fakeVendor
	scripts chan gatewayScript

	handled      atomic.Int64
	handlerReply *string
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()

	h := &sessionHarness{scripts: make(chan gatewayScript, 4)}

	upgrader := websocket.Upgrader{}
	gwServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		err = conn.WriteJSON(map[string]any{
			"op": OpHello,
			"d":  map[string]any{"heartbeat_interval": 60000},
		})
		if err != nil {
			return
		}

		var first frame
		if err := conn.ReadJSON(&first); err != nil {
			return
		}

		select {
		case script := <-h.scripts:
			script(conn, first)
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(gwServer.Close)

	gatewayURL := "ws" + strings.TrimPrefix(gwServer.URL, "http")

	h.vendor = newFakeVendor(t)
	h.vendor.gatewayURL = gatewayURL

	tokens := auth.NewTokenCache("app-1", "secret", h.vendor.authServer.URL, nil, nil)
	client := NewClient(h.vendor.apiServer.URL, "app-1", tokens, nil, nil)

	supervisor := tasks.NewSupervisor(nil)
	t.Cleanup(func() { supervisor.Shutdown(time.Second) })

	h.session = NewSession(SessionConfig{
		Client: client,
		Tokens: tokens,
		Dedupe: dedupe.New(0),
		Tasks:  supervisor,
		Handler: func(ctx context.Context, ev *Event) (*Reply, error) {
			h.handled.Add(1)
			if h.handlerReply == nil {
				return nil, nil
			}
			return &Reply{Content: h.handlerReply}, nil
		},
		Backoff: 50 * time.Millisecond,
	})
	return h
}

// run starts the session loop and returns a cancel that waits for exit.
func (h *sessionHarness) run(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.session.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("session did not stop")
		}
	}
}

func sendReady(conn *websocket.Conn, sessionID string, seq int64) error {
	return conn.WriteJSON(map[string]any{
		"op": OpDispatch,
		"s":  seq,
		"t":  "READY",
		"d":  map[string]any{"session_id": sessionID, "user": map[string]any{"username": "testbot"}},
	})
}

func sendDispatch(conn *websocket.Conn, seq int64, eventType string, data map[string]any) error {
	return conn.WriteJSON(map[string]any{"op": OpDispatch, "s": seq, "t": eventType, "d": data})
}

func TestSessionHandshakeAndDispatch(t *testing.T) {
	h := newSessionHarness(t)
	reply := "pong"
	h.handlerReply = &reply

	identified := make(chan frame, 1)
	h.scripts <- func(conn *websocket.Conn, first frame) {
		identified <- first
		_ = sendReady(conn, "sess-1", 1)
		_ = sendDispatch(conn, 2, "C2C_MESSAGE_CREATE", map[string]any{
			"id":      "evt-1",
			"content": "ping",
			"author":  map[string]any{"user_openid": "user-1"},
		})
		time.Sleep(500 * time.Millisecond)
	}

	stop := h.run(t)
	defer stop()

	select {
	case first := <-identified:
		require.Equal(t, OpIdentify, first.Op)
		var d struct {
			Token   string `json:"token"`
			Intents uint32 `json:"intents"`
		}
		require.NoError(t, json.Unmarshal(first.Data, &d))
		assert.Equal(t, "QQBot tok-1", d.Token)
		assert.Equal(t, DefaultIntents, d.Intents)
	case <-time.After(2 * time.Second):
		t.Fatal("no identify received")
	}

	require.Eventually(t, func() bool {
		return h.handled.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The handler's reply goes out over REST to the direct-message endpoint.
	require.Eventually(t, func() bool {
		for _, req := range h.vendor.recorded() {
			if req.path == "/v2/users/user-1/messages" {
				return req.body["content"] == "pong" && req.body["msg_id"] == "evt-1"
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateReady, h.session.State())
	assert.True(t, h.session.Running())
}

func TestSessionDedupesDuplicateEvents(t *testing.T) {
	h := newSessionHarness(t)

	payload := map[string]any{
		"id":      "evt-dup",
		"content": "hello",
		"author":  map[string]any{"user_openid": "user-1"},
	}
	h.scripts <- func(conn *websocket.Conn, first frame) {
		_ = sendReady(conn, "sess-1", 1)
		_ = sendDispatch(conn, 2, "C2C_MESSAGE_CREATE", payload)
		_ = sendDispatch(conn, 3, "C2C_MESSAGE_CREATE", payload)
		time.Sleep(300 * time.Millisecond)
	}

	stop := h.run(t)
	defer stop()

	require.Eventually(t, func() bool {
		return h.handled.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(1), h.handled.Load())
}

func TestSessionResumesAfterReconnect(t *testing.T) {
	h := newSessionHarness(t)

	h.scripts <- func(conn *websocket.Conn, first frame) {
		_ = sendReady(conn, "sess-1", 1)
		// Advance the sequence past Ready, then order a reconnect.
		_ = sendDispatch(conn, 7, "GUILD_CREATE", map[string]any{})
		_ = conn.WriteJSON(map[string]any{"op": OpReconnect})
		time.Sleep(100 * time.Millisecond)
	}

	resumed := make(chan frame, 1)
	h.scripts <- func(conn *websocket.Conn, first frame) {
		resumed <- first
		time.Sleep(100 * time.Millisecond)
	}

	stop := h.run(t)
	defer stop()

	select {
	case first := <-resumed:
		require.Equal(t, OpResume, first.Op)
		var d struct {
			SessionID string `json:"session_id"`
			Seq       int64  `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(first.Data, &d))
		assert.Equal(t, "sess-1", d.SessionID)
		assert.Equal(t, int64(7), d.Seq)
	case <-time.After(3 * time.Second):
		t.Fatal("no resume attempt observed")
	}
}

func TestSessionSequenceNeverRewinds(t *testing.T) {
	h := newSessionHarness(t)

	h.scripts <- func(conn *websocket.Conn, first frame) {
		_ = sendReady(conn, "sess-1", 1)
		_ = sendDispatch(conn, 9, "GUILD_CREATE", map[string]any{})
		// An out-of-order lower sequence must not rewind the cursor.
		_ = sendDispatch(conn, 4, "GUILD_CREATE", map[string]any{})
		_ = conn.WriteJSON(map[string]any{"op": OpReconnect})
		time.Sleep(100 * time.Millisecond)
	}

	resumed := make(chan frame, 1)
	h.scripts <- func(conn *websocket.Conn, first frame) {
		resumed <- first
	}

	stop := h.run(t)
	defer stop()

	select {
	case first := <-resumed:
		var d struct {
			Seq int64 `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(first.Data, &d))
		assert.Equal(t, int64(9), d.Seq)
	case <-time.After(3 * time.Second):
		t.Fatal("no resume attempt observed")
	}
}

func TestSessionIdentifiesFreshAfterInvalidSession(t *testing.T) {
	h := newSessionHarness(t)

	h.scripts <- func(conn *websocket.Conn, first frame) {
		_ = sendReady(conn, "sess-1", 1)
		_ = conn.WriteJSON(map[string]any{"op": OpInvalidSession})
		time.Sleep(100 * time.Millisecond)
	}

	second := make(chan frame, 1)
	h.scripts <- func(conn *websocket.Conn, first frame) {
		second <- first
	}

	stop := h.run(t)
	defer stop()

	select {
	case first := <-second:
		// Resumption state was discarded; the session starts over.
		assert.Equal(t, OpIdentify, first.Op)
	case <-time.After(3 * time.Second):
		t.Fatal("no second connection attempt observed")
	}
}

func TestSessionRetriesAfterConnectionLoss(t *testing.T) {
	h := newSessionHarness(t)

	// First connection drops immediately after Ready.
	h.scripts <- func(conn *websocket.Conn, first frame) {
		_ = sendReady(conn, "sess-1", 1)
	}

	reconnected := make(chan struct{})
	h.scripts <- func(conn *websocket.Conn, first frame) {
		close(reconnected)
		time.Sleep(100 * time.Millisecond)
	}

	stop := h.run(t)
	defer stop()

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not reconnect after connection loss")
	}
}

func TestSessionStateAfterStop(t *testing.T) {
	h := newSessionHarness(t)

	h.scripts <- func(conn *websocket.Conn, first frame) {
		_ = sendReady(conn, "sess-1", 1)
		time.Sleep(2 * time.Second)
	}

	stop := h.run(t)

	require.Eventually(t, func() bool {
		return h.session.State() == StateReady
	}, 2*time.Second, 10*time.Millisecond)

	stop()
	assert.Equal(t, StateStopped, h.session.State())
	assert.False(t, h.session.Running())
}
