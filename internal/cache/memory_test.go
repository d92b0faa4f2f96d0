package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nulpointcorp/claude-router/internal/anthropic"
)

func completedResponse() *anthropic.Response {
	resp := anthropic.NewResponse("req-1", "gpt-4o-mini")
	resp.Content = []anthropic.ContentBlock{anthropic.TextBlock("hello")}
	resp.StopReason = anthropic.StopEndTurn
	return resp
}

func testKey(route string) Key {
	return NewKey(route, "shuaihong-openai", "gpt-4o-mini", []byte(`{"model":"default"}`))
}

func TestMemoryStore_SaveAndFetch(t *testing.T) {
	s := NewMemoryStore(0)
	key := testKey("default")
	body := []byte(`{"id":"req-1"}`)

	if err := s.Save(context.Background(), key, completedResponse(), body, time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok := s.Fetch(context.Background(), key)
	if !ok || string(got) != string(body) {
		t.Fatalf("Fetch = %q, %v", got, ok)
	}
}

func TestMemoryStore_MissOnUnknownKey(t *testing.T) {
	s := NewMemoryStore(0)
	if _, ok := s.Fetch(context.Background(), testKey("default")); ok {
		t.Fatal("expected miss")
	}
}

func TestNewKey_BindingSeparation(t *testing.T) {
	raw := []byte(`{"model":"default"}`)
	a := NewKey("default", "prov-a", "gpt-4o-mini", raw)
	b := NewKey("default", "prov-b", "gpt-4o-mini", raw)
	c := NewKey("background", "prov-a", "gpt-4o-mini", raw)

	if a.String() == b.String() || a.String() == c.String() {
		t.Fatal("identical bodies under different bindings must not collide")
	}
}

func TestMemoryStore_ExpiredEntryIsMiss(t *testing.T) {
	s := NewMemoryStore(0)
	key := testKey("default")

	if err := s.Save(context.Background(), key, completedResponse(), []byte(`x`), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	if _, ok := s.Fetch(context.Background(), key); ok {
		t.Fatal("expired entry served")
	}
	if s.Len() != 0 {
		t.Fatal("expired entry not dropped on read")
	}
}

func TestMemoryStore_RejectsUncacheable(t *testing.T) {
	s := NewMemoryStore(0)
	key := testKey("default")

	partial := completedResponse()
	partial.Partial = true
	if err := s.Save(context.Background(), key, partial, []byte(`x`), time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Fetch(context.Background(), key); ok {
		t.Fatal("partial response entered the cache")
	}

	unfinished := completedResponse()
	unfinished.StopReason = ""
	_ = s.Save(context.Background(), key, unfinished, []byte(`x`), time.Hour)
	if _, ok := s.Fetch(context.Background(), key); ok {
		t.Fatal("response without a terminal stop reason entered the cache")
	}

	_ = s.Save(context.Background(), key, nil, []byte(`x`), time.Hour)
	if s.Len() != 0 {
		t.Fatal("nil response entered the cache")
	}
}

func TestMemoryStore_BoundedWithEviction(t *testing.T) {
	s := NewMemoryStore(3)

	for i := 0; i < 5; i++ {
		key := NewKey("default", "prov", "m", []byte(fmt.Sprintf(`{"n":%d}`, i)))
		// Later entries expire later, so the earliest-expiring one goes first.
		ttl := time.Duration(i+1) * time.Minute
		if err := s.Save(context.Background(), key, completedResponse(), []byte("body"), ttl); err != nil {
			t.Fatal(err)
		}
	}

	if s.Len() != 3 {
		t.Fatalf("entries = %d, want bound of 3", s.Len())
	}
	// The two shortest-lived entries were evicted.
	for i := 0; i < 2; i++ {
		key := NewKey("default", "prov", "m", []byte(fmt.Sprintf(`{"n":%d}`, i)))
		if _, ok := s.Fetch(context.Background(), key); ok {
			t.Fatalf("entry %d should have been evicted", i)
		}
	}
	last := NewKey("default", "prov", "m", []byte(`{"n":4}`))
	if _, ok := s.Fetch(context.Background(), last); !ok {
		t.Fatal("longest-lived entry evicted prematurely")
	}
}

func TestCacheable(t *testing.T) {
	ok := completedResponse()
	if !Cacheable(ok) {
		t.Fatal("completed response must be cacheable")
	}

	cases := map[string]*anthropic.Response{
		"nil": nil,
		"partial": func() *anthropic.Response {
			r := completedResponse()
			r.Partial = true
			return r
		}(),
		"no stop reason": func() *anthropic.Response {
			r := completedResponse()
			r.StopReason = ""
			return r
		}(),
		"wrong type": func() *anthropic.Response {
			r := completedResponse()
			r.Type = "error"
			return r
		}(),
	}
	for name, resp := range cases {
		if Cacheable(resp) {
			t.Errorf("%s response must not be cacheable", name)
		}
	}
}
