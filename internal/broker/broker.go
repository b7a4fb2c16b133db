// ABOUTME: Reply correlation broker: pending-reply registry keyed by event ID.
// ABOUTME: First responder to resolve a key wins; later resolutions are no-ops.

package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/qq-adapter/internal/metrics"
	"github.com/2389/qq-adapter/internal/qq"
)

// ErrDuplicateKey indicates a pending reply is already registered under the
// key. Registering a second request before the first resolves is a
// programming error in the caller.
var ErrDuplicateKey = errors.New("pending reply already registered for key")

// Responder is a candidate that can receive an event notification and may
// later resolve the correlation key through Broker.Resolve.
type Responder interface {
	// Notify delivers the notification payload. It must not block on the
	// eventual answer; a failed delivery only removes this candidate from
	// the race.
	Notify(payload []byte) error
}

// pendingReply tracks one outstanding correlation. Destroyed on resolution,
// cancellation, or timeout, whichever occurs first.
type pendingReply struct {
	ch       chan qq.Reply
	resolved bool
}

// Broker correlates outbound notifications with asynchronous replies.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingReply
	logger  *slog.Logger
}

// New creates a broker. Pass nil logger for the default.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		pending: make(map[string]*pendingReply),
		logger:  logger.With("component", "broker"),
	}
}

// AwaitReply registers a pending reply under key, notifies every candidate,
// and returns the first reply that resolves the key. If no candidate
// resolves it before timeout, an absent-content reply is returned at the
// deadline; timeout is an expected outcome, not an error. Cancelling ctx
// (global shutdown) cancels the wait instead.
func (b *Broker) AwaitReply(ctx context.Context, key string, candidates []Responder, payload []byte, timeout time.Duration) (qq.Reply, error) {
	b.mu.Lock()
	if _, exists := b.pending[key]; exists {
		b.mu.Unlock()
		return qq.Reply{}, ErrDuplicateKey
	}
	p := &pendingReply{ch: make(chan qq.Reply, 1)}
	b.pending[key] = p
	b.mu.Unlock()
	defer b.discard(key)

	delivered := 0
	for _, c := range candidates {
		if err := c.Notify(payload); err != nil {
			b.logger.Warn("responder notification failed", "key", key, "error", err)
			continue
		}
		delivered++
	}
	b.logger.Debug("event broadcast", "key", key, "candidates", len(candidates), "delivered", delivered)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-p.ch:
		metrics.RepliesResolvedTotal.Inc()
		return reply, nil
	case <-timer.C:
		metrics.RepliesTimedOutTotal.Inc()
		b.logger.Warn("reply wait timed out", "key", key, "timeout", timeout)
		return qq.Reply{}, nil
	case <-ctx.Done():
		return qq.Reply{}, ctx.Err()
	}
}

// Resolve delivers a reply for the given correlation key. The first call
// wins; any later resolution for the same key has no observable effect.
// Returns true if this call resolved the key.
func (b *Broker) Resolve(key string, reply qq.Reply) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[key]
	if !ok || p.resolved {
		return false
	}
	p.resolved = true
	p.ch <- reply // buffered, never blocks
	return true
}

// Pending returns the number of outstanding correlations.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// discard removes a pending entry after resolution, cancellation, or timeout.
func (b *Broker) discard(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, key)
}
