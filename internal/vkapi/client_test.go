package vkapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"postwatch/internal/ref"
	logx "postwatch/pkg/logx"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(Config{
		Token:       "test-token",
		BaseURL:     srv.URL,
		RatePerSec:  1000,
		RetryMax:    3,
		BackoffBase: time.Second,
	}, logx.Nop())

	// Record backoffs instead of sleeping.
	slept := &[]time.Duration{}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return c, slept
}

func writeResponse(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"response": v})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"error_code": code, "error_msg": msg},
	})
}

func TestCallRetriesRateLimitThenSucceeds(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c, slept := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeError(w, 6, "Too many requests per second")
			return
		}
		writeResponse(w, map[string]any{"ok": true})
	}))

	data, err := c.Call(context.Background(), "wall.getById", map[string]string{"posts": "1_1"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(data) == "" {
		t.Fatal("empty response")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("server saw %d calls, want 3", got)
	}
	// 2^attempt seconds: 2s then 4s.
	if len(*slept) != 2 || (*slept)[0] != 2*time.Second || (*slept)[1] != 4*time.Second {
		t.Fatalf("backoffs = %v, want [2s 4s]", *slept)
	}
}

func TestCallDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c, slept := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, 15, "Access denied")
	}))

	_, err := c.Call(context.Background(), "wall.getById", map[string]string{"posts": "1_1"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 15 {
		t.Fatalf("err = %v, want APIError code 15", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("server saw %d calls, want 1 (no retry)", calls.Load())
	}
	if len(*slept) != 0 {
		t.Fatalf("unexpected backoff waits: %v", *slept)
	}
}

func TestCallRetriesTransportErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.Call(context.Background(), "users.get", nil)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("server saw %d calls, want 3 (retries exhausted)", calls.Load())
	}
}

func TestCallCachesResponses(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeResponse(w, map[string]any{"n": calls.Load()})
	}))
	ctx := context.Background()

	a, err := c.Call(ctx, "wall.getById", map[string]string{"posts": "1_1", "extended": "1"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	// Same params, different map ordering cannot be expressed directly,
	// but the canonical key must make this a hit.
	b, err := c.Call(ctx, "wall.getById", map[string]string{"extended": "1", "posts": "1_1"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("server saw %d calls, want 1 (cache hit)", calls.Load())
	}
	if string(a) != string(b) {
		t.Fatalf("cache hit differs from live call: %s vs %s", a, b)
	}

	// Uncached path bypasses the cache in both directions.
	if _, err := c.CallUncached(ctx, "wall.getById", map[string]string{"posts": "1_1", "extended": "1"}); err != nil {
		t.Fatalf("CallUncached: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("server saw %d calls, want 2 after CallUncached", calls.Load())
	}
}

func TestSetTokenDuringInFlightCalls(t *testing.T) {
	t.Parallel()
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") == "" {
			writeError(w, 5, "User authorization failed")
			return
		}
		writeResponse(w, map[string]any{"ok": true})
	}))
	ctx := context.Background()

	// Hammer the token swap while calls are in flight; the race detector
	// verifies the synchronization, the assertions verify every call still
	// saw a complete token.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			c.SetToken(fmt.Sprintf("token-%d", i))
		}
	}()
	for i := 0; i < 50; i++ {
		if _, err := c.CallUncached(ctx, "users.get", nil); err != nil {
			t.Fatalf("CallUncached during token swap: %v", err)
		}
	}
	<-done

	if got := c.currentToken(); got != "token-199" {
		t.Fatalf("token = %q, want last swapped value", got)
	}
}

func TestCacheExpiry(t *testing.T) {
	t.Parallel()
	cache := newResponseCache()
	now := time.Now()
	cache.set("k", json.RawMessage(`1`), now.Add(time.Minute))

	if _, ok := cache.get("k", now); !ok {
		t.Fatal("expected fresh hit")
	}
	if _, ok := cache.get("k", now.Add(2*time.Minute)); ok {
		t.Fatal("expected expired miss")
	}
}

func TestLikesPagination(t *testing.T) {
	t.Parallel()
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		items := []map[string]any{}
		start := 0
		if offset == "1000" {
			start = 1000
		}
		n := 1000
		if start == 1000 {
			n = 500
		}
		for i := 0; i < n; i++ {
			items = append(items, map[string]any{"id": start + i + 1, "first_name": "U", "last_name": fmt.Sprint(start + i + 1)})
		}
		writeResponse(w, map[string]any{"count": 1500, "items": items})
	}))

	r, err := ref.Parse("https://vk.com/wall-1_2")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	users, err := c.Likes(context.Background(), r)
	if err != nil {
		t.Fatalf("Likes: %v", err)
	}
	if len(users) != 1500 {
		t.Fatalf("Likes = %d users, want 1500", len(users))
	}
	if users[0].ID != 1 || users[0].Name != "U 1" {
		t.Fatalf("first user = %+v", users[0])
	}
}

func TestRepostsFallsBackToSearch(t *testing.T) {
	t.Parallel()
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "wall.getReposts"):
			writeError(w, 15, "Access denied")
		case strings.Contains(r.URL.Path, "newsfeed.search"):
			if r.URL.Query().Get("offset") != "0" {
				writeResponse(w, map[string]any{"items": []any{}})
				return
			}
			writeResponse(w, map[string]any{"items": []map[string]any{
				{"from_id": 42, "copy_history": []map[string]any{{"owner_id": -1, "id": 2}}},
				{"from_id": 43, "copy_history": []map[string]any{{"owner_id": -9, "id": 9}}}, // other post
			}})
		case strings.Contains(r.URL.Path, "users.get"):
			writeResponse(w, []map[string]any{{"id": 42, "first_name": "Re", "last_name": "Poster"}})
		default:
			writeError(w, 3, "Unknown method")
		}
	}))

	r, err := ref.Parse("https://vk.com/wall-1_2")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	users, err := c.Reposts(context.Background(), r)
	if err != nil {
		t.Fatalf("Reposts: %v", err)
	}
	if len(users) != 1 || users[0].ID != 42 || users[0].Name != "Re Poster" {
		t.Fatalf("Reposts = %+v, want one named user 42", users)
	}
}
