package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nulpointcorp/claude-router/internal/config"
	"github.com/nulpointcorp/claude-router/internal/routing"
	"github.com/nulpointcorp/claude-router/internal/transform"
	"github.com/nulpointcorp/claude-router/pkg/apierr"
)

// scriptedClient returns one scripted outcome per attempt, keyed by the
// credential it was called with.
type scriptedClient struct {
	dialect routing.Dialect
	script  func(attempt int, apiKey string) (*Result, error)

	calls []string // credentials in call order
}

func (c *scriptedClient) Dialect() routing.Dialect { return c.dialect }

func (c *scriptedClient) Do(_ context.Context, _ *transform.Payload, apiKey string, _ bool, _ *routing.Binding) (*Result, error) {
	attempt := len(c.calls)
	c.calls = append(c.calls, apiKey)
	return c.script(attempt, apiKey)
}

func testBinding(t *testing.T, keys []string, maxRetries int) *routing.Binding {
	t.Helper()
	pool := routing.NewCredentialPool("prov", keys, config.RotationConfig{
		Enabled:          true,
		Strategy:         config.StrategyRoundRobin,
		Cooldown:         5 * time.Second,
		MaxRetriesPerKey: 2,
	})
	return &routing.Binding{
		Route:      "default",
		Provider:   "prov",
		Dialect:    routing.DialectOpenAI,
		Model:      "gpt-4o-mini",
		Pool:       pool,
		Timeout:    time.Minute,
		MaxRetries: maxRetries,
		Stages:     routing.StageConfig{Transformer: routing.DialectOpenAI},
	}
}

func okResult() *Result {
	return &Result{Upstream: &transform.Upstream{}}
}

func payload() *transform.Payload {
	return &transform.Payload{Dialect: routing.DialectOpenAI}
}

// Scenario S4: K1 gets a 429, goes into cooldown, K2 serves the request; K1
// is not selected again inside the cooldown window.
func TestDispatch_RateLimitRotation(t *testing.T) {
	client := &scriptedClient{
		dialect: routing.DialectOpenAI,
		script: func(_ int, apiKey string) (*Result, error) {
			if apiKey == "K1" {
				return nil, &upstreamError{Provider: "prov", Status: 429, Message: "slow down"}
			}
			return okResult(), nil
		},
	}
	d := New([]Client{client}, nil)
	b := testBinding(t, []string{"K1", "K2", "K3"}, 3)

	res, err := d.Dispatch(context.Background(), b, payload(), false, "req-1")
	if err != nil || res == nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(client.calls) != 2 || client.calls[0] != "K1" || client.calls[1] != "K2" {
		t.Fatalf("call order = %v", client.calls)
	}

	// K1 must be cooling down with an expiry near now+5s.
	snap := b.Pool.Snapshot()
	if snap[0].State != "cooling_down" {
		t.Fatalf("K1 state = %s", snap[0].State)
	}
	until := time.Until(snap[0].CooldownUntil)
	if until < 4*time.Second || until > 6*time.Second {
		t.Fatalf("cooldown expiry off: %v", until)
	}

	// Another request inside the window never touches K1.
	client.calls = nil
	if _, err := d.Dispatch(context.Background(), b, payload(), false, "req-2"); err != nil {
		t.Fatal(err)
	}
	for _, key := range client.calls {
		if key == "K1" {
			t.Fatal("cooling credential was used")
		}
	}
}

func TestDispatch_AuthExhaustsCredential(t *testing.T) {
	client := &scriptedClient{
		dialect: routing.DialectOpenAI,
		script: func(_ int, apiKey string) (*Result, error) {
			if apiKey == "K1" {
				return nil, &upstreamError{Provider: "prov", Status: 401, Message: "bad key"}
			}
			return okResult(), nil
		},
	}
	d := New([]Client{client}, nil)
	b := testBinding(t, []string{"K1", "K2"}, 3)

	if _, err := d.Dispatch(context.Background(), b, payload(), false, "req-1"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if b.Pool.Snapshot()[0].State != "exhausted" {
		t.Fatal("401 must permanently exhaust the credential")
	}
}

func TestDispatch_ClientErrorNoRetry(t *testing.T) {
	client := &scriptedClient{
		dialect: routing.DialectOpenAI,
		script: func(int, string) (*Result, error) {
			return nil, &upstreamError{Provider: "prov", Status: 404, Message: "no such model"}
		},
	}
	d := New([]Client{client}, nil)
	b := testBinding(t, []string{"K1", "K2"}, 3)

	_, err := d.Dispatch(context.Background(), b, payload(), false, "req-1")
	var uce *apierr.UpstreamClientError
	if !errors.As(err, &uce) || uce.Status != 404 {
		t.Fatalf("expected UpstreamClientError(404), got %v", err)
	}
	if len(client.calls) != 1 {
		t.Fatalf("4xx must not retry; attempts = %d", len(client.calls))
	}
}

// Invariant 7: total attempts never exceed maxRetries + 1.
func TestDispatch_RetryBudget(t *testing.T) {
	client := &scriptedClient{
		dialect: routing.DialectOpenAI,
		script: func(int, string) (*Result, error) {
			return nil, &upstreamError{Provider: "prov", Status: 503, Message: "down"}
		},
	}
	d := New([]Client{client}, nil)
	b := testBinding(t, []string{"K1", "K2", "K3"}, 2)

	_, err := d.Dispatch(context.Background(), b, payload(), false, "req-1")
	var use *apierr.UpstreamServerError
	if !errors.As(err, &use) {
		t.Fatalf("expected UpstreamServerError, got %v", err)
	}
	if len(client.calls) != 3 {
		t.Fatalf("attempts = %d, want maxRetries+1 = 3", len(client.calls))
	}

	// 5xx leaves credential state untouched.
	for i, st := range b.Pool.Snapshot() {
		if st.State != "healthy" {
			t.Fatalf("credential %d state = %s after 5xx", i, st.State)
		}
	}
}

func TestDispatch_PerKeyBudget(t *testing.T) {
	client := &scriptedClient{
		dialect: routing.DialectOpenAI,
		script: func(int, string) (*Result, error) {
			return nil, &upstreamError{Provider: "prov", Status: 500, Message: "boom"}
		},
	}
	d := New([]Client{client}, nil)
	b := testBinding(t, []string{"K1"}, 5) // one key, maxRetriesPerKey=2

	_, err := d.Dispatch(context.Background(), b, payload(), false, "req-1")
	if err == nil {
		t.Fatal("expected failure")
	}
	if len(client.calls) != 2 {
		t.Fatalf("single key allows maxRetriesPerKey attempts; got %d", len(client.calls))
	}
}

func TestDispatch_NoCredential(t *testing.T) {
	client := &scriptedClient{dialect: routing.DialectOpenAI, script: func(int, string) (*Result, error) {
		return okResult(), nil
	}}
	d := New([]Client{client}, nil)
	b := testBinding(t, []string{"K1"}, 2)

	l, _ := b.Pool.Acquire()
	b.Pool.MarkExhausted(l)

	_, err := d.Dispatch(context.Background(), b, payload(), false, "req-1")
	var nce *apierr.NoAvailableCredentialError
	if !errors.As(err, &nce) {
		t.Fatalf("expected NoAvailableCredentialError, got %v", err)
	}
}

func TestDispatch_CancelAbortsBackoff(t *testing.T) {
	client := &scriptedClient{
		dialect: routing.DialectOpenAI,
		script: func(int, string) (*Result, error) {
			return nil, &upstreamError{Provider: "prov", Status: 503, Message: "down"}
		},
	}
	d := New([]Client{client}, nil)
	b := testBinding(t, []string{"K1", "K2"}, 5)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := d.Dispatch(ctx, b, payload(), false, "req-1")
	if time.Since(start) > 2*time.Second {
		t.Fatal("cancellation did not abort the backoff sleep")
	}
	var ce *apierr.CancelledError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CancelledError, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{nil, ClassSuccess},
		{&upstreamError{Status: 401}, ClassAuth},
		{&upstreamError{Status: 403}, ClassAuth},
		{&upstreamError{Status: 429}, ClassRateLimited},
		{&upstreamError{Status: 500}, ClassServer},
		{&upstreamError{Status: 404}, ClassClient},
		{context.DeadlineExceeded, ClassTransport},
		{&partialStreamError{Provider: "p", Err: errors.New("x")}, ClassPartial},
		{errors.New("connection refused"), ClassTransport},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
