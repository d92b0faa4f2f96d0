package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/claude-router/internal/config"
	"github.com/nulpointcorp/claude-router/pkg/apierr"
)

func strictCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c := NewCoordinator(context.Background(), config.SessionConfig{Mode: config.SessionStrict}, nil)
	t.Cleanup(c.Close)
	return c
}

func TestAcquire_SequenceAndRequestID(t *testing.T) {
	c := strictCoordinator(t)

	t1, err := c.Acquire(context.Background(), "s1", "c1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	c.Release(t1)

	t2, err := c.Acquire(context.Background(), "s1", "c1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer c.Release(t2)

	if t2.Sequence != t1.Sequence+1 {
		t.Fatalf("sequence not monotone: %d then %d", t1.Sequence, t2.Sequence)
	}
	if !strings.HasPrefix(t2.RequestID, "s1:c1:seq0002:") {
		t.Fatalf("request id format: %q", t2.RequestID)
	}
}

func TestAcquire_SerializesSameConversation(t *testing.T) {
	c := strictCoordinator(t)

	first, err := c.Acquire(context.Background(), "s", "conv")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var mu sync.Mutex
	var order []uint64

	done := make(chan struct{})
	go func() {
		defer close(done)
		second, err := c.Acquire(context.Background(), "s", "conv")
		if err != nil {
			t.Errorf("second Acquire: %v", err)
			return
		}
		mu.Lock()
		order = append(order, second.Sequence)
		mu.Unlock()
		c.Release(second)
	}()

	// The second request must stay queued while the first holds the slot.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if len(order) != 0 {
		mu.Unlock()
		t.Fatal("second request ran before the first completed")
	}
	order = append(order, first.Sequence)
	mu.Unlock()

	c.Release(first)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("completion order = %v", order)
	}
}

func TestAcquire_DistinctConversationsRunConcurrently(t *testing.T) {
	c := strictCoordinator(t)

	t1, err := c.Acquire(context.Background(), "s", "c1")
	if err != nil {
		t.Fatalf("Acquire c1: %v", err)
	}
	defer c.Release(t1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	t2, err := c.Acquire(ctx, "s", "c2")
	if err != nil {
		t.Fatalf("Acquire c2 blocked behind c1: %v", err)
	}
	c.Release(t2)
}

func TestAcquire_CancelWhileQueued(t *testing.T) {
	c := strictCoordinator(t)

	holder, _ := c.Acquire(context.Background(), "s", "conv")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Acquire(ctx, "s", "conv")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	var ce *apierr.CancelledError
	if err := <-errCh; !errors.As(err, &ce) {
		t.Fatalf("expected CancelledError, got %v", err)
	}

	// A waiter behind the cancelled one must still get the slot.
	third := make(chan struct{})
	go func() {
		tk, err := c.Acquire(context.Background(), "s", "conv")
		if err == nil {
			c.Release(tk)
		}
		close(third)
	}()

	time.Sleep(20 * time.Millisecond)
	c.Release(holder)

	select {
	case <-third:
	case <-time.After(time.Second):
		t.Fatal("slot leaked after a cancelled waiter")
	}
}

func TestLooseMode_NeverBlocks(t *testing.T) {
	c := NewCoordinator(context.Background(), config.SessionConfig{Mode: config.SessionLoose}, nil)
	defer c.Close()

	t1, _ := c.Acquire(context.Background(), "s", "conv")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	t2, err := c.Acquire(ctx, "s", "conv")
	if err != nil {
		t.Fatalf("loose mode blocked: %v", err)
	}
	if t2.Sequence != t1.Sequence+1 {
		t.Fatal("sequence numbers must still advance in loose mode")
	}
	c.Release(t2)
	c.Release(t1) // out of order — only warns
}

func TestSweep_RemovesIdleConversations(t *testing.T) {
	c := strictCoordinator(t)

	tk, _ := c.Acquire(context.Background(), "s", "conv")
	c.Release(tk)

	if s := c.Snapshot(); s.Conversations != 1 {
		t.Fatalf("conversations = %d", s.Conversations)
	}

	c.sweep(time.Now().Add(3 * time.Hour))

	if s := c.Snapshot(); s.Conversations != 0 || s.Sessions != 0 {
		t.Fatalf("idle state not collected: %+v", s)
	}
}

func TestSweep_KeepsBusyConversations(t *testing.T) {
	c := strictCoordinator(t)

	tk, _ := c.Acquire(context.Background(), "s", "conv")
	c.sweep(time.Now().Add(3 * time.Hour))

	if s := c.Snapshot(); s.Conversations != 1 {
		t.Fatal("busy conversation was collected")
	}
	c.Release(tk)
}
