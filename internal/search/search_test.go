package search

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
)

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestHitToResult(t *testing.T) {
	hit := meili.Hit{
		"id":      rawJSON(t, "note_1"),
		"title":   rawJSON(t, "Meeting notes"),
		"content": rawJSON(t, "plain body"),
		"_formatted": rawJSON(t, map[string]string{
			"title":   "Meeting <mark>notes</mark>",
			"content": "<mark>plain</mark> body",
		}),
	}
	got := hitToResult(hit)
	if got.Type != "note" || got.ID != "note_1" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if got.Title != "Meeting <mark>notes</mark>" {
		t.Fatalf("title should prefer formatted value, got %q", got.Title)
	}
	if got.Snippet != "<mark>plain</mark> body" {
		t.Fatalf("snippet should prefer formatted content, got %q", got.Snippet)
	}
}

func TestHitToResultFallsBackToRawContent(t *testing.T) {
	hit := meili.Hit{
		"id":      rawJSON(t, "note_2"),
		"title":   rawJSON(t, "Untitled"),
		"content": rawJSON(t, "raw content only"),
	}
	got := hitToResult(hit)
	if got.Title != "Untitled" || got.Snippet != "raw content only" {
		t.Fatalf("expected raw fallbacks, got %+v", got)
	}
}

func TestNormalizeClampsPaging(t *testing.T) {
	q := normalize(Query{Limit: -5, Offset: -1})
	if q.Limit != 20 || q.Offset != 0 {
		t.Fatalf("bad defaults: %+v", q)
	}
	q = normalize(Query{Limit: 500, Offset: 40})
	if q.Limit != 20 || q.Offset != 40 {
		t.Fatalf("limit should clamp: %+v", q)
	}
}

func TestParseTextArray(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"{}", nil},
		{"{usr_a}", []string{"usr_a"}},
		{"{usr_a,usr_b,usr_c}", []string{"usr_a", "usr_b", "usr_c"}},
		{"{NULL}", nil},
	}
	for _, tc := range cases {
		if got := parseTextArray([]byte(tc.in)); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("parseTextArray(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 240); got != "short" {
		t.Fatalf("short strings pass through, got %q", got)
	}
	got := truncate(strings.Repeat("a", 300), 240)
	if len([]rune(got)) != 241 {
		t.Fatalf("expected 240 runes plus ellipsis, got %d", len([]rune(got)))
	}
}
