package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/threatdesk/threatdesk/internal/utils"
)

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		err  string
		want bool
	}{
		{"googleapi: Error 404: model not found", true},
		{"503 Service Unavailable", true},
		{"model is under high demand, try later", true},
		{"429 Too Many Requests", true},
		{"quota exceeded for project", true},
		{"invalid api key", false},
		{"400 request contains an invalid argument", false},
	}
	for _, tc := range cases {
		if got := retryable(errors.New(tc.err)); got != tc.want {
			t.Fatalf("retryable(%q) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestFirstJSONObject(t *testing.T) {
	text := "Sure, here is the result:\n```json\n{\"aiSummary\": \"x\", \"nested\": {\"a\": 1}}\n```\ntrailing"
	obj, err := firstJSONObject(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(obj, "{") || !strings.HasSuffix(obj, "}") {
		t.Fatalf("expected balanced object, got %q", obj)
	}
	if !strings.Contains(obj, "nested") {
		t.Fatalf("nested braces mishandled: %q", obj)
	}
}

func TestFirstJSONObjectErrors(t *testing.T) {
	if _, err := firstJSONObject("no json here"); err == nil {
		t.Fatalf("expected error without an object")
	}
	if _, err := firstJSONObject(`{"unclosed": true`); err == nil {
		t.Fatalf("expected error for unclosed object")
	}
}

type strictStub struct {
	text string
	err  error
}

func (s *strictStub) Generate(ctx context.Context, system, user string) (string, error) {
	return s.text, s.err
}

func (s *strictStub) GenerateStrict(ctx context.Context, system, user string) (string, error) {
	return s.text, s.err
}

func TestEnrichArticleParsesWrappedJSON(t *testing.T) {
	gen := &strictStub{text: `Here you go: {"aiSummary":"bad day","extractedBehaviors":["persistence"],"observedTools":["mimikatz"]} hope it helps`}
	log := utils.NewLoggerTo(io.Discard, "error", false)

	enrichment, err := EnrichArticle(context.Background(), gen, log, "title", "https://x", "body")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enrichment.Summary != "bad day" {
		t.Fatalf("unexpected summary %q", enrichment.Summary)
	}
	if len(enrichment.Behaviors) != 1 || enrichment.Behaviors[0] != "persistence" {
		t.Fatalf("unexpected behaviors %v", enrichment.Behaviors)
	}
	if len(enrichment.Tools) != 1 || enrichment.Tools[0] != "mimikatz" {
		t.Fatalf("unexpected tools %v", enrichment.Tools)
	}
}

func TestEnrichArticleMalformedResponseDegrades(t *testing.T) {
	gen := &strictStub{text: "the model rambled and returned no json"}
	log := utils.NewLoggerTo(io.Discard, "error", false)

	enrichment, err := EnrichArticle(context.Background(), gen, log, "title", "https://x", "body")
	if err != nil {
		t.Fatalf("parse failure must degrade, not error: %v", err)
	}
	if enrichment.Summary != "" || len(enrichment.Behaviors) != 0 {
		t.Fatalf("expected empty enrichment, got %+v", enrichment)
	}
}

func TestEnrichArticleTransportErrorPropagates(t *testing.T) {
	gen := &strictStub{err: errors.New("all gemini models exhausted")}
	log := utils.NewLoggerTo(io.Discard, "error", false)

	if _, err := EnrichArticle(context.Background(), gen, log, "title", "https://x", "body"); err == nil {
		t.Fatalf("expected transport error to propagate")
	}
}

func TestPromptsClipContent(t *testing.T) {
	long := strings.Repeat("a", contentClip+500)
	_, user := SummaryPrompt("t", long)
	if len(user) > contentClip+200 {
		t.Fatalf("content not clipped, prompt is %d bytes", len(user))
	}
}
