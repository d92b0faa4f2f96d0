// Package session serializes same-conversation requests and assigns each
// request its identity within the conversation's total order.
//
// Within one (session, conversation) pair requests execute strictly
// sequentially in arrival order; distinct conversations are unconstrained.
// The coordinator owns all session state — callers interact only through
// Acquire / Release.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/claude-router/internal/config"
	"github.com/nulpointcorp/claude-router/pkg/apierr"
)

const gcInterval = time.Minute

// Ticket is the identity a request holds for its lifetime in the pipeline.
type Ticket struct {
	SessionID      string
	ConversationID string
	Sequence       uint64
	RequestID      string

	conv *conversation
	w    *waiter
}

// waiter is one queued request. settled flips once, when the waiter is
// either granted the slot or cancelled — whichever happens first.
type waiter struct {
	ready   chan struct{}
	settled bool
}

type conversation struct {
	id   string
	seq  uint64
	busy bool

	// queue holds waiters in arrival order while the slot is held.
	queue []*waiter

	// highestDone is the highest sequence number that has completed; used
	// for out-of-order detection.
	highestDone uint64

	lastActive time.Time
}

type sessionState struct {
	conversations map[string]*conversation
	lastActive    time.Time
}

// Coordinator owns the process-wide session map.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[string]*sessionState

	strict bool
	idle   time.Duration
	log    *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewCoordinator creates the coordinator and starts the idle-cleanup loop.
// Strict mode (the default) serializes same-conversation requests; loose mode
// only records sequence numbers and warns on out-of-order completion.
func NewCoordinator(ctx context.Context, cfg config.SessionConfig, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	idle := cfg.IdleThreshold
	if idle <= 0 {
		idle = 2 * time.Hour
	}
	c := &Coordinator{
		sessions: make(map[string]*sessionState),
		strict:   cfg.Mode != config.SessionLoose,
		idle:     idle,
		log:      log,
		done:     make(chan struct{}),
	}
	go c.gc(ctx)
	return c
}

// Close stops the cleanup loop.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Acquire registers a request with its conversation, assigns the next
// sequence number, and — in strict mode — blocks until the conversation slot
// is free. The sequence number is assigned at enqueue time, so arrival order
// and sequence order always agree.
//
// The returned ticket must be released exactly once, after the final response
// event has been emitted downstream.
func (c *Coordinator) Acquire(ctx context.Context, sessionID, conversationID string) (*Ticket, error) {
	c.mu.Lock()

	now := time.Now()
	sess, ok := c.sessions[sessionID]
	if !ok {
		sess = &sessionState{conversations: make(map[string]*conversation)}
		c.sessions[sessionID] = sess
	}
	sess.lastActive = now

	conv, ok := sess.conversations[conversationID]
	if !ok {
		conv = &conversation{id: conversationID}
		sess.conversations[conversationID] = conv
	}
	conv.lastActive = now

	conv.seq++
	t := &Ticket{
		SessionID:      sessionID,
		ConversationID: conversationID,
		Sequence:       conv.seq,
		RequestID: fmt.Sprintf("%s:%s:seq%04d:%d",
			sessionID, conversationID, conv.seq, now.UnixMilli()),
		conv: conv,
	}

	if !c.strict {
		c.mu.Unlock()
		return t, nil
	}

	if !conv.busy {
		conv.busy = true
		c.mu.Unlock()
		return t, nil
	}

	w := &waiter{ready: make(chan struct{})}
	conv.queue = append(conv.queue, w)
	t.w = w
	c.mu.Unlock()

	select {
	case <-w.ready:
		return t, nil
	case <-ctx.Done():
		c.mu.Lock()
		if w.settled {
			// Already granted between ctx firing and lock acquisition:
			// hand the slot to the next waiter instead of keeping it.
			c.releaseLocked(conv)
		} else {
			w.settled = true
		}
		c.mu.Unlock()
		return nil, &apierr.CancelledError{RequestID: t.RequestID}
	}
}

// Release completes the ticket: records the finished sequence, verifies the
// ordering invariant, and hands the conversation slot to the next waiter.
// Safe to call for cancelled-predecessor scenarios; waiting requests never
// inherit a predecessor's cancellation.
func (c *Coordinator) Release(t *Ticket) {
	if t == nil || t.conv == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	conv := t.conv
	conv.lastActive = time.Now()

	if t.Sequence > conv.highestDone {
		if c.strict && t.Sequence != conv.highestDone+1 {
			// Under the strict contract completions are gapless; a hole means
			// a request finished out of order.
			c.log.Error("conversation_order_violation",
				slog.String("conversation_id", conv.id),
				slog.Uint64("completed_seq", t.Sequence),
				slog.Uint64("highest_done", conv.highestDone),
			)
		}
		conv.highestDone = t.Sequence
	} else {
		c.log.Warn("out_of_order_completion",
			slog.String("conversation_id", conv.id),
			slog.Uint64("completed_seq", t.Sequence),
			slog.Uint64("highest_done", conv.highestDone),
		)
	}

	if c.strict {
		c.releaseLocked(conv)
	}
}

// releaseLocked hands the slot to the first non-cancelled waiter, or frees it.
func (c *Coordinator) releaseLocked(conv *conversation) {
	for len(conv.queue) > 0 {
		w := conv.queue[0]
		conv.queue = conv.queue[1:]
		if w.settled {
			continue // cancelled while queued
		}
		// Mark granted before signalling so a racing cancel re-releases.
		w.settled = true
		close(w.ready)
		return
	}
	conv.busy = false
}

// Stats is a point-in-time view of coordinator load for /health.
type Stats struct {
	Sessions      int `json:"sessions"`
	Conversations int `json:"conversations"`
	Waiting       int `json:"waiting"`
	InFlight      int `json:"in_flight"`
}

// Snapshot returns current coordinator stats.
func (c *Coordinator) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Sessions: len(c.sessions)}
	for _, sess := range c.sessions {
		s.Conversations += len(sess.conversations)
		for _, conv := range sess.conversations {
			s.Waiting += len(conv.queue)
			if conv.busy {
				s.InFlight++
			}
		}
	}
	return s
}

// gc removes conversations that are idle past the threshold, then sessions
// with no conversations left.
func (c *Coordinator) gc(ctx context.Context) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep(time.Now())
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sid, sess := range c.sessions {
		for cid, conv := range sess.conversations {
			if !conv.busy && len(conv.queue) == 0 && now.Sub(conv.lastActive) > c.idle {
				delete(sess.conversations, cid)
			}
		}
		if len(sess.conversations) == 0 && now.Sub(sess.lastActive) > c.idle {
			delete(c.sessions, sid)
		}
	}
}
