package routing

import (
	"errors"
	"testing"
	"time"

	"github.com/nulpointcorp/claude-router/internal/config"
	"github.com/nulpointcorp/claude-router/pkg/apierr"
)

func roundRobinPool(keys ...string) *CredentialPool {
	return NewCredentialPool("test", keys, config.RotationConfig{
		Enabled:          true,
		Strategy:         config.StrategyRoundRobin,
		Cooldown:         50 * time.Millisecond,
		MaxRetriesPerKey: 2,
	})
}

func TestPool_RoundRobinAdvances(t *testing.T) {
	p := roundRobinPool("K1", "K2", "K3")

	var got []string
	for i := 0; i < 4; i++ {
		l, err := p.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		got = append(got, l.Key)
	}
	want := []string{"K1", "K2", "K3", "K1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("acquire sequence = %v, want %v", got, want)
		}
	}
}

func TestPool_RateLimitedCooldownAndRecovery(t *testing.T) {
	p := roundRobinPool("K1", "K2", "K3")

	l1, _ := p.Acquire() // K1
	p.MarkRateLimited(l1)

	// Within the cooldown window K1 is never selected.
	for i := 0; i < 4; i++ {
		l, err := p.Acquire()
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if l.Key == "K1" {
			t.Fatal("cooling credential was selected")
		}
	}

	snap := p.Snapshot()
	if snap[0].State != "cooling_down" {
		t.Fatalf("K1 state = %s, want cooling_down", snap[0].State)
	}
	if snap[0].CooldownUntil.Before(time.Now()) {
		t.Fatal("cooldown expiry already in the past")
	}

	// After the cooldown elapses the credential is healthy again.
	time.Sleep(60 * time.Millisecond)
	if p.Snapshot()[0].State != "healthy" {
		t.Fatal("credential did not recover after cooldown")
	}
}

func TestPool_ExhaustedIsPermanent(t *testing.T) {
	p := roundRobinPool("K1", "K2")

	l1, _ := p.Acquire()
	p.MarkExhausted(l1)

	for i := 0; i < 3; i++ {
		l, err := p.Acquire()
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if l.Key == "K1" {
			t.Fatal("exhausted credential was selected")
		}
	}

	l2, _ := p.Acquire()
	p.MarkExhausted(l2)

	if p.HasAvailable() {
		t.Fatal("pool reports availability with every key exhausted")
	}
	_, err := p.Acquire()
	var nce *apierr.NoAvailableCredentialError
	if !errors.As(err, &nce) {
		t.Fatalf("expected NoAvailableCredentialError, got %v", err)
	}
}

func TestPool_RateLimitAwarePrefersOldest(t *testing.T) {
	p := NewCredentialPool("test", []string{"K1", "K2"}, config.RotationConfig{
		Enabled:  true,
		Strategy: config.StrategyRateLimitAware,
		Cooldown: time.Minute,
	})

	l1, _ := p.Acquire()
	if l1.Key != "K1" {
		t.Fatalf("first acquire = %s", l1.Key)
	}
	// K1 now has the newer last-use timestamp, so K2 is preferred.
	l2, _ := p.Acquire()
	if l2.Key != "K2" {
		t.Fatalf("second acquire = %s, want K2", l2.Key)
	}
	l3, _ := p.Acquire()
	if l3.Key != "K1" {
		t.Fatalf("third acquire = %s, want K1", l3.Key)
	}
}

func TestPool_CooldownIsMonotone(t *testing.T) {
	p := roundRobinPool("K1")

	l, _ := p.Acquire()
	p.MarkRateLimited(l)
	first := p.Snapshot()[0].CooldownUntil

	p.MarkRateLimited(l)
	second := p.Snapshot()[0].CooldownUntil

	if second.Before(first) {
		t.Fatal("cooldown expiry moved backwards")
	}
}
