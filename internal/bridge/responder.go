// ABOUTME: Broker responder implementations: persistent WebSocket listeners and
// ABOUTME: the one-shot webhook caller. Both race to resolve a correlation key.

package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/qq-adapter/internal/qq"
)

// wsListener is one connected WebSocket client. The write mutex serializes
// broadcast writes; reads happen on the connection's own read loop.
type wsListener struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

// Notify pushes the event payload to the listener. A write failure marks
// the listener dead; the server prunes it.
func (l *wsListener) Notify(payload []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	_ = l.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return l.conn.WriteMessage(websocket.TextMessage, payload)
}

// resolveFunc delivers a responder's answer for a correlation key.
type resolveFunc func(key string, reply qq.Reply) bool

// WebhookResponder delivers events to a configured business endpoint as a
// one-shot POST. A 200 response carrying a non-null content resolves the
// event's correlation key, racing against any connected listeners.
type WebhookResponder struct {
	url     string
	client  *http.Client
	resolve resolveFunc
	logger  *slog.Logger
}

// NewWebhookResponder creates a webhook responder. Pass nil httpClient for
// a default with a request timeout.
func NewWebhookResponder(url string, httpClient *http.Client, resolve resolveFunc, logger *slog.Logger) *WebhookResponder {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookResponder{
		url:     url,
		client:  httpClient,
		resolve: resolve,
		logger:  logger.With("component", "webhook"),
	}
}

// Notify launches the webhook call without blocking the broadcast; the
// broker's wait keeps running while the call is in flight.
func (w *WebhookResponder) Notify(payload []byte) error {
	go w.deliver(payload)
	return nil
}

func (w *WebhookResponder) deliver(payload []byte) {
	var envelope struct {
		MsgID string `json:"msg_id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.MsgID == "" {
		w.logger.Error("webhook payload missing msg_id")
		return
	}

	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(payload))
	if err != nil {
		w.logger.Warn("webhook delivery failed", "msg_id", envelope.MsgID, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		w.logger.Warn("webhook returned non-OK status",
			"msg_id", envelope.MsgID,
			"status", fmt.Sprintf("%d", resp.StatusCode),
		)
		return
	}

	var reply struct {
		Content *string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		w.logger.Warn("webhook response not decodable", "msg_id", envelope.MsgID, "error", err)
		return
	}

	// A null content means the webhook declined to answer; leave the key
	// open so a listener can still win the race.
	if reply.Content == nil {
		return
	}

	if w.resolve(envelope.MsgID, qq.Reply{Content: reply.Content}) {
		w.logger.Info("webhook resolved reply", "msg_id", envelope.MsgID)
	}
}
