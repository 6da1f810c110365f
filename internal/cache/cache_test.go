package cache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/veris-memory/veris-mcp-go/internal/client"
	"github.com/veris-memory/veris-mcp-go/internal/config"
	"github.com/veris-memory/veris-mcp-go/internal/logging"
)

func TestKeyDerivation(t *testing.T) {
	a := Key("retrieve_context", map[string]any{"query": "x", "limit": 5})
	b := Key("retrieve_context", map[string]any{"limit": 5, "query": "x"})
	if a != b {
		t.Errorf("key is not canonical over argument order: %q vs %q", a, b)
	}

	c := Key("retrieve_context", map[string]any{"query": "y", "limit": 5})
	if a == c {
		t.Error("different arguments produced the same key")
	}

	d := Key("search_context", map[string]any{"query": "x", "limit": 5})
	if a == d {
		t.Error("different operations produced the same key")
	}

	parts := strings.SplitN(a, ":", 2)
	if len(parts) != 2 || parts[0] != "retrieve_context" || len(parts[1]) != 16 {
		t.Errorf("key shape = %q, want op:16-hex", a)
	}
}

func TestGetSetExpiry(t *testing.T) {
	c := New(10)
	key := Key("retrieve_context", map[string]any{"q": "a"})

	if _, ok := c.Get(key); ok {
		t.Error("empty cache returned a hit")
	}

	c.Set(key, "value", 30*time.Millisecond)
	if v, ok := c.Get(key); !ok || v != "value" {
		t.Errorf("Get = %v, %v", v, ok)
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := c.Get(key); ok {
		t.Error("expired entry returned a hit")
	}
	// Expired access removes the entry.
	if stats := c.Stats(); stats.ActiveItems != 0 || stats.Expirations != 1 {
		t.Errorf("stats after expiry = %+v", stats)
	}
}

func TestLRUEviction(t *testing.T) {
	c := New(3)
	for _, q := range []string{"a", "b", "c"} {
		c.Set(Key("op", map[string]any{"q": q}), q, time.Minute)
	}

	// Touch "a" so "b" becomes the eviction candidate.
	if _, ok := c.Get(Key("op", map[string]any{"q": "a"})); !ok {
		t.Fatal("a missing")
	}

	c.Set(Key("op", map[string]any{"q": "d"}), "d", time.Minute)

	if _, ok := c.Get(Key("op", map[string]any{"q": "b"})); ok {
		t.Error("least recently used entry was not evicted")
	}
	if _, ok := c.Get(Key("op", map[string]any{"q": "a"})); !ok {
		t.Error("recently used entry was evicted")
	}
	if stats := c.Stats(); stats.Evictions != 1 {
		t.Errorf("evictions = %d, want 1", stats.Evictions)
	}
}

func TestInvalidateByOperation(t *testing.T) {
	c := New(10)
	c.Set(Key("retrieve_context", map[string]any{"q": "a"}), 1, time.Minute)
	c.Set(Key("search_context", map[string]any{"q": "a"}), 2, time.Minute)
	c.Set(Key("list_context_types", map[string]any{}), 3, time.Minute)

	removed := c.Invalidate("retrieve_context", "search_context")
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, ok := c.Get(Key("list_context_types", map[string]any{})); !ok {
		t.Error("list_context_types entry should survive read invalidation")
	}
}

func TestCleanupExpired(t *testing.T) {
	c := New(10)
	c.Set("op:aaaa", 1, time.Nanosecond)
	c.Set("op:bbbb", 2, time.Minute)
	time.Sleep(time.Millisecond)

	if removed := c.CleanupExpired(); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if stats := c.Stats(); stats.ActiveItems != 1 {
		t.Errorf("active = %d, want 1", stats.ActiveItems)
	}
}

func newCachedClient(t *testing.T, handler http.Handler) *CachedClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	base := client.New(config.VerisMemoryConfig{
		APIURL: srv.URL, UserID: "u1", TimeoutMs: 5000, MaxRetries: 0,
	}, logging.Noop())
	return NewCachedClient(base, New(100))
}

func TestCachedRetrieveContext(t *testing.T) {
	var calls atomic.Int32
	cc := newCachedClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"results": []any{map[string]any{"id": "c1"}}})
	}))

	for i := 0; i < 3; i++ {
		results, err := cc.RetrieveContext(context.Background(), "q", 10, "", nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != 1 {
			t.Fatalf("results = %v", results)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("backend called %d times, want 1", got)
	}

	// A different limit is a different key.
	if _, err := cc.RetrieveContext(context.Background(), "q", 20, "", nil); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("backend called %d times, want 2", got)
	}
}

func TestMutationInvalidatesReads(t *testing.T) {
	var retrieves atomic.Int32
	cc := newCachedClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tools/retrieve_context":
			retrieves.Add(1)
			json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
		default:
			json.NewEncoder(w).Encode(map[string]any{"id": "ctx-1"})
		}
	}))

	ctx := context.Background()
	if _, err := cc.RetrieveContext(ctx, "q", 10, "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := cc.RetrieveContext(ctx, "q", 10, "", nil); err != nil {
		t.Fatal(err)
	}
	if got := retrieves.Load(); got != 1 {
		t.Fatalf("retrieve calls = %d, want 1 before mutation", got)
	}

	if _, err := cc.StoreContext(ctx, map[string]any{"text": "x"}, "log", nil); err != nil {
		t.Fatal(err)
	}

	if _, err := cc.RetrieveContext(ctx, "q", 10, "", nil); err != nil {
		t.Fatal(err)
	}
	if got := retrieves.Load(); got != 2 {
		t.Errorf("retrieve calls = %d, want 2 after mutation invalidated cache", got)
	}
}

func TestCachedListContextTypes(t *testing.T) {
	var calls atomic.Int32
	cc := newCachedClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"context_types": []any{"design", "log"}})
	}))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		types, err := cc.ListContextTypes(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(types) != 2 {
			t.Fatalf("types = %v", types)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("backend called %d times, want 1", got)
	}

	// Mutations leave the type list cached.
	if _, err := cc.StoreContext(ctx, map[string]any{"text": "x"}, "log", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := cc.ListContextTypes(ctx); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("backend called %d times, want 2 (store + cached list)", got)
	}
}
