package routing

import (
	"sync"
	"time"

	"github.com/nulpointcorp/claude-router/internal/config"
	"github.com/nulpointcorp/claude-router/pkg/apierr"
)

// CredentialState is the health of one credential within a pool.
//
//	StateHealthy     — eligible for selection.
//	StateCoolingDown — rate-limited; ineligible until the cooldown passes.
//	StateExhausted   — auth failure; never selected again this process.
type CredentialState int

const (
	StateHealthy CredentialState = iota
	StateCoolingDown
	StateExhausted
)

func (s CredentialState) String() string {
	switch s {
	case StateCoolingDown:
		return "cooling_down"
	case StateExhausted:
		return "exhausted"
	default:
		return "healthy"
	}
}

const defaultCooldown = 60 * time.Second

// credential holds per-key mutable health state. Guarded by the pool mutex.
type credential struct {
	key           string
	state         CredentialState
	cooldownUntil time.Time
	lastUsed      time.Time
}

// effectiveState resolves an expired cooldown back to healthy.
func (c *credential) effectiveState(now time.Time) CredentialState {
	if c.state == StateCoolingDown && now.After(c.cooldownUntil) {
		return StateHealthy
	}
	return c.state
}

// CredentialPool is the ordered credential set of one provider instance.
// All mutation happens under a single short critical section; the pool is
// safe for concurrent use from every in-flight request.
type CredentialPool struct {
	mu sync.Mutex

	provider string
	strategy string
	cooldown time.Duration

	maxRetriesPerKey int

	creds  []*credential
	cursor int
}

// Lease identifies one selected credential until its outcome is recorded.
type Lease struct {
	Key   string
	index int
}

// NewCredentialPool builds a pool from the provider's configured keys.
// Rotation settings fall back to round_robin with a 60s cooldown when the
// keyRotation group is absent.
func NewCredentialPool(provider string, keys []string, rot config.RotationConfig) *CredentialPool {
	strategy := rot.Strategy
	if !rot.Enabled || strategy == "" {
		strategy = config.StrategyRoundRobin
	}
	cooldown := rot.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	maxPerKey := rot.MaxRetriesPerKey
	if maxPerKey <= 0 {
		maxPerKey = 1
	}

	p := &CredentialPool{
		provider:         provider,
		strategy:         strategy,
		cooldown:         cooldown,
		maxRetriesPerKey: maxPerKey,
	}
	for _, k := range keys {
		p.creds = append(p.creds, &credential{key: k, state: StateHealthy})
	}
	return p
}

// Provider returns the owning provider instance name.
func (p *CredentialPool) Provider() string { return p.provider }

// MaxRetriesPerKey returns the per-credential attempt cap.
func (p *CredentialPool) MaxRetriesPerKey() int { return p.maxRetriesPerKey }

// Size returns the number of credentials in the pool.
func (p *CredentialPool) Size() int { return len(p.creds) }

// HasAvailable reports whether at least one credential is currently selectable.
func (p *CredentialPool) HasAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for _, c := range p.creds {
		if c.effectiveState(now) == StateHealthy {
			return true
		}
	}
	return false
}

// Acquire selects a credential according to the pool strategy.
//
//	round_robin      — advance the cursor, skipping cooling/exhausted keys.
//	rate_limit_aware — prefer the healthy key with the oldest last-use time.
//
// Returns NoAvailableCredentialError when nothing is selectable.
func (p *CredentialPool) Acquire() (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()

	switch p.strategy {
	case config.StrategyRateLimitAware:
		best := -1
		for i, c := range p.creds {
			if c.effectiveState(now) != StateHealthy {
				continue
			}
			if best == -1 || c.lastUsed.Before(p.creds[best].lastUsed) {
				best = i
			}
		}
		if best == -1 {
			return Lease{}, &apierr.NoAvailableCredentialError{Provider: p.provider}
		}
		p.creds[best].lastUsed = now
		return Lease{Key: p.creds[best].key, index: best}, nil

	default: // round_robin
		n := len(p.creds)
		for off := 0; off < n; off++ {
			i := (p.cursor + off) % n
			if p.creds[i].effectiveState(now) != StateHealthy {
				continue
			}
			p.cursor = (i + 1) % n
			p.creds[i].lastUsed = now
			return Lease{Key: p.creds[i].key, index: i}, nil
		}
		return Lease{}, &apierr.NoAvailableCredentialError{Provider: p.provider}
	}
}

// MarkSuccess records a successful upstream call on the leased credential.
func (p *CredentialPool) MarkSuccess(l Lease) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c := p.at(l.index); c != nil {
		c.lastUsed = time.Now()
		if c.effectiveState(time.Now()) == StateHealthy {
			c.state = StateHealthy
			c.cooldownUntil = time.Time{}
		}
	}
}

// MarkRateLimited places the leased credential into cooldown. The transition
// is monotone: an already-cooling credential keeps the later expiry.
func (p *CredentialPool) MarkRateLimited(l Lease) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c := p.at(l.index); c != nil && c.state != StateExhausted {
		until := time.Now().Add(p.cooldown)
		if c.state != StateCoolingDown || until.After(c.cooldownUntil) {
			c.state = StateCoolingDown
			c.cooldownUntil = until
		}
	}
}

// MarkExhausted permanently retires the leased credential (auth failure).
func (p *CredentialPool) MarkExhausted(l Lease) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c := p.at(l.index); c != nil {
		c.state = StateExhausted
	}
}

func (p *CredentialPool) at(i int) *credential {
	if i < 0 || i >= len(p.creds) {
		return nil
	}
	return p.creds[i]
}

// CredentialStatus is a point-in-time view of one credential for /health.
type CredentialStatus struct {
	State         string    `json:"state"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	LastUsed      time.Time `json:"last_used,omitempty"`
}

// Snapshot returns the current state of every credential. Key material is
// never included.
func (p *CredentialPool) Snapshot() []CredentialStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	out := make([]CredentialStatus, len(p.creds))
	for i, c := range p.creds {
		st := CredentialStatus{
			State:    c.effectiveState(now).String(),
			LastUsed: c.lastUsed,
		}
		if c.effectiveState(now) == StateCoolingDown {
			st.CooldownUntil = c.cooldownUntil
		}
		out[i] = st
	}
	return out
}
