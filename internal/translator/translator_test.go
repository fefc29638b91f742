package translator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// countingStep records calls and answers from a fixed result.
type countingStep struct {
	calls      atomic.Int32
	translated string
	ok         bool
}

func (s *countingStep) TryTranslate(ctx context.Context, text, source, target string) (string, bool) {
	s.calls.Add(1)
	return s.translated, s.ok
}

func TestDictionary(t *testing.T) {
	d := Common()
	ctx := context.Background()

	tests := []struct {
		text, source, target, want string
	}{
		{"Hello!", "en", "es", "hola"},
		{"  thank you. ", "en-US", "fr", "merci"},
		{"¿Me escuchas?", "es", "en", "can you hear me"},
		{"unlisted phrase", "en", "es", "unlisted phrase"},
		{"hello", "en", "de", "hello"},
	}
	for _, tt := range tests {
		if got := d.Translate(ctx, tt.text, tt.source, tt.target); got != tt.want {
			t.Errorf("Translate(%q, %s→%s) = %q, want %q", tt.text, tt.source, tt.target, got, tt.want)
		}
	}
}

func TestChainOrderAndFallback(t *testing.T) {
	miss := &countingStep{}
	hit := &countingStep{translated: "hola", ok: true}
	never := &countingStep{translated: "unused", ok: true}

	chain := NewChain(testLogger(), miss, hit, never)
	if got := chain.Translate(context.Background(), "hello", "en", "es"); got != "hola" {
		t.Errorf("Translate = %q", got)
	}
	if miss.calls.Load() != 1 || hit.calls.Load() != 1 || never.calls.Load() != 0 {
		t.Errorf("calls = %d, %d, %d", miss.calls.Load(), hit.calls.Load(), never.calls.Load())
	}
}

func TestChainTotalFailurePassesThrough(t *testing.T) {
	chain := NewChain(testLogger(), &countingStep{}, &countingStep{})
	if got := chain.Translate(context.Background(), "hello", "en", "es"); got != "hello" {
		t.Errorf("Translate = %q, want original text", got)
	}
}

func TestChainSkipsSameLanguage(t *testing.T) {
	step := &countingStep{translated: "x", ok: true}
	chain := NewChain(testLogger(), step)

	if got := chain.Translate(context.Background(), "hello", "en-GB", "en"); got != "hello" {
		t.Errorf("Translate = %q", got)
	}
	if got := chain.Translate(context.Background(), "   ", "en", "es"); got != "   " {
		t.Errorf("Translate(blank) = %q", got)
	}
	if step.calls.Load() != 0 {
		t.Errorf("step called %d times", step.calls.Load())
	}
}

func TestCacheRemembersHitsOnly(t *testing.T) {
	hit := &countingStep{translated: "hola", ok: true}
	cache := NewCache(hit, 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if got, ok := cache.TryTranslate(ctx, "hello", "en", "es"); !ok || got != "hola" {
			t.Fatalf("TryTranslate = %q, %v", got, ok)
		}
	}
	if hit.calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1", hit.calls.Load())
	}

	miss := &countingStep{}
	missCache := NewCache(miss, 2)
	missCache.TryTranslate(ctx, "hello", "en", "es")
	missCache.TryTranslate(ctx, "hello", "en", "es")
	if miss.calls.Load() != 2 || missCache.Len() != 0 {
		t.Errorf("miss calls = %d, len = %d", miss.calls.Load(), missCache.Len())
	}
}

func TestCacheBounded(t *testing.T) {
	cache := NewCache(&countingStep{translated: "x", ok: true}, 2)
	for _, text := range []string{"a", "b", "c"} {
		cache.TryTranslate(context.Background(), text, "en", "es")
	}
	if cache.Len() != 2 {
		t.Errorf("Len = %d, want 2", cache.Len())
	}
}

func TestHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req httpRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"bad body"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if req.Target != "es" || req.Source != "en" || req.Format != "text" || req.APIKey != "k" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(httpResponse{Error: "unsupported pair"})
			return
		}
		json.NewEncoder(w).Encode(httpResponse{TranslatedText: "hola mundo"})
	}))
	defer server.Close()

	client := NewHTTP(server.URL, "k", nil, testLogger())
	ctx := context.Background()

	if got := client.Translate(ctx, "hello world", "en-US", "es"); got != "hola mundo" {
		t.Errorf("Translate = %q", got)
	}
	if _, ok := client.TryTranslate(ctx, "hello world", "en", "ja"); ok {
		t.Error("rejected pair reported success")
	}
	if got := client.Translate(ctx, "hello world", "en", "ja"); got != "hello world" {
		t.Errorf("Translate on rejection = %q, want original", got)
	}
}

func TestHTTPUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewHTTP(url, "", nil, testLogger())
	chain := NewChain(testLogger(), client, Common())
	if got := chain.Translate(context.Background(), "hello", "en", "es"); got != "hola" {
		t.Errorf("Translate = %q, want dictionary fallback", got)
	}
}

func TestPassthrough(t *testing.T) {
	if got := (Passthrough{}).Translate(context.Background(), "hello", "en", "es"); got != "hello" {
		t.Errorf("Translate = %q", got)
	}
}
