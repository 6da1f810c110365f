package tools

import (
	"context"
	"strings"
	"testing"
)

func TestStoreContextSuccess(t *testing.T) {
	var gotType string
	var gotContent map[string]any
	backend := &fakeBackend{
		storeFn: func(_ context.Context, content map[string]any, contextType string, _ map[string]any) (map[string]any, error) {
			gotType = contextType
			gotContent = content
			return map[string]any{"id": "ctx-123", "created_at": "2026-08-25T10:00:00Z"}, nil
		},
	}
	emitter := &recordingEmitter{}
	tool := NewStoreContextTool(backend, testToolConfig(), emitter)

	r := Run(context.Background(), tool, map[string]any{
		"content":      map[string]any{"text": "sprint went well"},
		"context_type": "sprint_summary",
		"title":        "Sprint 12",
	})
	if r.IsError {
		t.Fatalf("unexpected error: %s", r.Text())
	}
	if !strings.HasPrefix(r.Text(), "Successfully stored sprint_summary context with ID: ctx-123") {
		t.Errorf("text = %q", r.Text())
	}
	if gotType != "sprint_summary" {
		t.Errorf("context type passed to backend = %q", gotType)
	}
	if gotContent["title"] != "Sprint 12" {
		t.Errorf("title not merged into content: %v", gotContent)
	}
	if gotContent["text"] != "sprint went well" {
		t.Errorf("existing text overwritten: %v", gotContent)
	}

	events := emitter.byType("context.stored")
	if len(events) != 1 {
		t.Fatalf("stored events = %d, want 1", len(events))
	}
	if events[0].Data["context_id"] != "ctx-123" {
		t.Errorf("event data = %v", events[0].Data)
	}
}

func TestStoreContextSynthesizesText(t *testing.T) {
	var gotContent map[string]any
	backend := &fakeBackend{
		storeFn: func(_ context.Context, content map[string]any, _ string, _ map[string]any) (map[string]any, error) {
			gotContent = content
			return map[string]any{"id": "c1"}, nil
		},
	}
	tool := NewStoreContextTool(backend, testToolConfig(), NoopEmitter{})

	r := Run(context.Background(), tool, map[string]any{
		"content": map[string]any{
			"title":  "Design doc",
			"author": "alice",
			"status": "draft",
		},
		"context_type": "design",
	})
	if r.IsError {
		t.Fatalf("unexpected error: %s", r.Text())
	}
	text, _ := gotContent["text"].(string)
	if !strings.HasPrefix(text, "Design doc | ") {
		t.Errorf("synthesized text should lead with the title: %q", text)
	}
	if !strings.Contains(text, "author: alice") || !strings.Contains(text, "status: draft") {
		t.Errorf("synthesized text missing key/value parts: %q", text)
	}
}

func TestStoreContextValidation(t *testing.T) {
	tool := NewStoreContextTool(&fakeBackend{}, testToolConfig(), NoopEmitter{})

	tests := []struct {
		name     string
		args     map[string]any
		wantText string
	}{
		{
			"empty content",
			map[string]any{"content": map[string]any{}, "context_type": "log"},
			"Error: Content cannot be empty",
		},
		{
			"missing content",
			map[string]any{"context_type": "log"},
			"Error: Missing required parameter: content",
		},
		{
			"content wrong type",
			map[string]any{"content": "just a string", "context_type": "log"},
			"Error: Parameter 'content' must be a object",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Run(context.Background(), tool, tt.args)
			if !r.IsError {
				t.Fatal("expected error result")
			}
			if !strings.HasPrefix(r.Text(), tt.wantText) {
				t.Errorf("text = %q, want prefix %q", r.Text(), tt.wantText)
			}
		})
	}
}

func TestStoreContextTooLarge(t *testing.T) {
	cfg := testToolConfig()
	cfg.MaxContentSize = 64
	tool := NewStoreContextTool(&fakeBackend{}, cfg, NoopEmitter{})

	r := Run(context.Background(), tool, map[string]any{
		"content":      map[string]any{"text": strings.Repeat("x", 200)},
		"context_type": "log",
	})
	if !r.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(r.Text(), "content_too_large") || !strings.Contains(r.Text(), "maximum size of 64 bytes") {
		t.Errorf("text = %q", r.Text())
	}
}

func TestStoreContextTypeRestriction(t *testing.T) {
	cfg := testToolConfig()
	cfg.AllowedContextTypes = []string{"design", "log"}
	tool := NewStoreContextTool(&fakeBackend{}, cfg, NoopEmitter{})

	r := Run(context.Background(), tool, map[string]any{
		"content":      map[string]any{"text": "x"},
		"context_type": "sprint",
	})
	if !r.IsError || !strings.Contains(r.Text(), "invalid_context_type") {
		t.Errorf("text = %q", r.Text())
	}

	ok := Run(context.Background(), tool, map[string]any{
		"content":      map[string]any{"text": "x"},
		"context_type": "design",
	})
	if ok.IsError {
		t.Errorf("allowed type rejected: %s", ok.Text())
	}
}

func resultItem(id, ctype, text string, score float64) map[string]any {
	return map[string]any{
		"id":              id,
		"type":            ctype,
		"relevance_score": score,
		"content":         map[string]any{"text": text},
	}
}

func TestRetrieveContextFormatsResults(t *testing.T) {
	backend := &fakeBackend{
		retrieveFn: func(_ context.Context, query string, limit int, _ string, _ map[string]any) ([]any, error) {
			return []any{
				resultItem("aaaa1111-0000", "design", "Low relevance entry.", 0.2),
				resultItem("bbbb2222-0000", "log", "Top entry about caching.", 0.9),
				resultItem("cccc3333-0000", "trace", "Mid entry.", 0.5),
				resultItem("dddd4444-0000", "log", "Another entry.", 0.4),
			}, nil
		},
	}
	emitter := &recordingEmitter{}
	tool := NewRetrieveContextTool(backend, testToolConfig(), emitter)

	r := Run(context.Background(), tool, map[string]any{"query": "caching"})
	if r.IsError {
		t.Fatalf("unexpected error: %s", r.Text())
	}
	text := r.Text()
	if !strings.HasPrefix(text, "Found 4 contexts matching 'caching':") {
		t.Errorf("header = %q", text)
	}
	// Sorted by relevance, top 3 listed, remainder summarized.
	if !strings.Contains(text, "\n1. [log]") {
		t.Errorf("top entry should be the 0.9 log item: %q", text)
	}
	if !strings.Contains(text, "... and 1 more results") {
		t.Errorf("overflow line missing: %q", text)
	}

	if got := emitter.byType("context.searched"); len(got) != 1 {
		t.Errorf("searched events = %d, want 1", len(got))
	}
}

func TestRetrieveContextNoResults(t *testing.T) {
	tool := NewRetrieveContextTool(&fakeBackend{}, testToolConfig(), NoopEmitter{})
	r := Run(context.Background(), tool, map[string]any{"query": "nothing here"})
	if r.IsError {
		t.Fatalf("unexpected error: %s", r.Text())
	}
	if !strings.HasPrefix(r.Text(), "No contexts found matching query: 'nothing here'") {
		t.Errorf("text = %q", r.Text())
	}
	if !strings.Contains(r.Text(), "\"count\": 0") {
		t.Errorf("structured data should report count 0: %q", r.Text())
	}
}

func TestRetrieveContextValidation(t *testing.T) {
	tool := NewRetrieveContextTool(&fakeBackend{}, testToolConfig(), NoopEmitter{})

	r := Run(context.Background(), tool, map[string]any{"query": "   "})
	if !r.IsError || r.Text() != "Error: Query cannot be empty" {
		t.Errorf("blank query: %q", r.Text())
	}

	r = Run(context.Background(), tool, map[string]any{"query": "x", "limit": float64(500)})
	if !r.IsError || !strings.Contains(r.Text(), "Limit must be between 1 and 100") {
		t.Errorf("oversized limit: %q", r.Text())
	}
}

func TestExtractTitle(t *testing.T) {
	tests := []struct {
		name    string
		content map[string]any
		ctype   string
		id      string
		want    string
	}{
		{"explicit title", map[string]any{"title": "My Doc"}, "design", "abcdef1234567890", "My Doc"},
		{"name fallback", map[string]any{"name": "svc"}, "design", "abcdef1234567890", "svc"},
		{"typed fallback", map[string]any{}, "design", "abcdef1234567890", "Design (abcdef12)"},
		{"untyped fallback", map[string]any{}, "", "abcdef1234567890", "Context (abcdef12)"},
		{"truncated", map[string]any{"title": strings.Repeat("t", 150)}, "", "id", strings.Repeat("t", 100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractTitle(tt.content, tt.ctype, tt.id); got != tt.want {
				t.Errorf("extractTitle = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractSummary(t *testing.T) {
	tests := []struct {
		name    string
		content map[string]any
		want    string
	}{
		{"first sentence", map[string]any{"text": "Short sentence. And more after."}, "Short sentence."},
		{"no punctuation short", map[string]any{"text": "no punctuation here"}, "no punctuation here"},
		{"long truncated", map[string]any{"text": strings.Repeat("a", 300)}, strings.Repeat("a", 200) + "..."},
		{"fallback", map[string]any{"other": 1}, "No summary available"},
		{"summary preferred", map[string]any{"summary": "s.", "text": "t."}, "s."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractSummary(tt.content); got != tt.want {
				t.Errorf("extractSummary = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSearchContext(t *testing.T) {
	backend := &fakeBackend{
		searchFn: func(_ context.Context, query string, limit int, filters map[string]any) (map[string]any, error) {
			return map[string]any{
				"results": []any{map[string]any{"id": "a"}, map[string]any{"id": "b"}},
				"took_ms": 12.0,
			}, nil
		},
	}
	tool := NewSearchContextTool(backend, testToolConfig(), NoopEmitter{})

	r := Run(context.Background(), tool, map[string]any{"query": "deep search"})
	if r.IsError {
		t.Fatalf("unexpected error: %s", r.Text())
	}
	if !strings.HasPrefix(r.Text(), "Search completed for 'deep search' with 2 results") {
		t.Errorf("text = %q", r.Text())
	}
	// The full upstream object rides along.
	if !strings.Contains(r.Text(), "\"took_ms\"") {
		t.Errorf("upstream fields missing from data: %q", r.Text())
	}
}

func TestDeleteContextRequiresConfirm(t *testing.T) {
	deleted := false
	backend := &fakeBackend{
		deleteFn: func(_ context.Context, contextID string) (map[string]any, error) {
			deleted = true
			return map[string]any{"deleted": true}, nil
		},
	}
	tool := NewDeleteContextTool(backend, testToolConfig(), NoopEmitter{})

	r := Run(context.Background(), tool, map[string]any{"context_id": "ctx-1", "confirm": false})
	if !r.IsError || !strings.Contains(r.Text(), "confirmation_required") {
		t.Errorf("text = %q", r.Text())
	}
	if deleted {
		t.Fatal("delete reached the backend without confirmation")
	}

	r = Run(context.Background(), tool, map[string]any{"context_id": "ctx-1", "confirm": true})
	if r.IsError {
		t.Fatalf("unexpected error: %s", r.Text())
	}
	if !strings.HasPrefix(r.Text(), "Successfully deleted context ctx-1") {
		t.Errorf("text = %q", r.Text())
	}
	if !deleted {
		t.Error("backend delete not invoked")
	}
}

func TestDeleteContextEmptyID(t *testing.T) {
	tool := NewDeleteContextTool(&fakeBackend{}, testToolConfig(), NoopEmitter{})
	r := Run(context.Background(), tool, map[string]any{"context_id": "  ", "confirm": true})
	if !r.IsError || r.Text() != "Error: Context ID cannot be empty" {
		t.Errorf("text = %q", r.Text())
	}
}

func TestListContextTypes(t *testing.T) {
	tool := NewListContextTypesTool(&fakeBackend{}, testToolConfig())

	r := Run(context.Background(), tool, nil)
	if r.IsError {
		t.Fatalf("unexpected error: %s", r.Text())
	}
	text := r.Text()
	if !strings.HasPrefix(text, "Found 5 available context types:") {
		t.Errorf("header = %q", text)
	}
	if !strings.Contains(text, "• sprint: Sprint summaries") {
		t.Errorf("curated description missing: %q", text)
	}

	simple := Run(context.Background(), tool, map[string]any{"include_descriptions": false})
	if !strings.HasPrefix(simple.Text(), "Available context types: design, decision, trace, sprint, log") {
		t.Errorf("simple form = %q", simple.Text())
	}
}

func TestListContextTypesCustomDescription(t *testing.T) {
	backend := &fakeBackend{
		listTypesFn: func(context.Context) ([]string, error) {
			return []string{"design", "custom_kind"}, nil
		},
	}
	tool := NewListContextTypesTool(backend, testToolConfig())
	r := Run(context.Background(), tool, nil)
	if !strings.Contains(r.Text(), "• custom_kind: Custom context type") {
		t.Errorf("text = %q", r.Text())
	}
}
