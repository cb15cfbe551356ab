package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/threatdesk/threatdesk/internal/models"
)

// EnrichArticle asks the model for a structured security read of one
// article: a short summary, attacker behaviors, and observed tooling.
// The model call is strict (transport failures propagate) but a
// malformed response degrades to an empty enrichment rather than an
// error, since the upstream occasionally wraps its JSON in prose.
func EnrichArticle(ctx context.Context, gen Generator, log *slog.Logger, title, url, content string) (models.ArticleEnrichment, error) {
	user := fmt.Sprintf(`Return ONLY valid JSON. No markdown. No extra text.

Schema:
{
  "aiSummary": "string",
  "extractedBehaviors": ["string", "..."],
  "observedTools": ["string", "..."]
}

Task:
- Summarize the article for SOC action (2-4 sentences) in English.
- Extract attacker behaviors (TTP-like), max 8 items.
- Extract tools/frameworks/keywords, max 8 items.

Article:
- Title: %s
- URL: %s
- Content:
%s`, title, url, clip(content))

	text, err := gen.GenerateStrict(ctx, "", user)
	if err != nil {
		return models.ArticleEnrichment{}, err
	}

	var payload struct {
		AISummary          string   `json:"aiSummary"`
		ExtractedBehaviors []string `json:"extractedBehaviors"`
		ObservedTools      []string `json:"observedTools"`
	}
	obj, err := firstJSONObject(text)
	if err == nil {
		err = json.Unmarshal([]byte(obj), &payload)
	}
	if err != nil {
		log.Warn("enrichment response was not valid json, returning empty", "error", err)
		return models.ArticleEnrichment{}, nil
	}

	return models.ArticleEnrichment{
		Summary:   payload.AISummary,
		Behaviors: payload.ExtractedBehaviors,
		Tools:     payload.ObservedTools,
	}, nil
}

// firstJSONObject extracts the first balanced {...} block from text.
func firstJSONObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", fmt.Errorf("no json object in response")
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unclosed json object in response")
}
