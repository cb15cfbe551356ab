// Package llm wraps the Gemini API behind a model-fallback caller used
// for article summaries, rule reasoning, and query explanations.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/threatdesk/threatdesk/internal/utils"
)

// Generator is the text-completion surface the analysis orchestrator
// depends on.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
	GenerateStrict(ctx context.Context, system, user string) (string, error)
}

// GeminiClient calls Gemini with an ordered model fallback list. The
// last model that answered is remembered and tried first on the next
// call, so one slow scan through the list pays for many requests.
type GeminiClient struct {
	client *genai.Client
	models []string
	log    *slog.Logger

	mu          sync.Mutex
	lastWorking string
}

// NewGeminiClient constructs the caller. models must be non-empty and
// is tried in order until one answers.
func NewGeminiClient(ctx context.Context, apiKey string, models []string, log *slog.Logger) (*GeminiClient, error) {
	apiKey = strings.Trim(strings.TrimSpace(apiKey), `"'`)
	if apiKey == "" {
		return nil, &utils.AppError{Op: "llm.NewGeminiClient", Msg: "api key is required"}
	}
	if len(models) == 0 {
		return nil, &utils.AppError{Op: "llm.NewGeminiClient", Msg: "at least one model is required"}
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{client: client, models: models, log: log}, nil
}

// modelOrder returns the fallback list with the remembered working
// model moved to the front.
func (c *GeminiClient) modelOrder() []string {
	c.mu.Lock()
	last := c.lastWorking
	c.mu.Unlock()

	if last == "" {
		return c.models
	}
	order := make([]string, 0, len(c.models)+1)
	order = append(order, last)
	for _, m := range c.models {
		if m != last {
			order = append(order, m)
		}
	}
	return order
}

func (c *GeminiClient) rememberWorking(model string) {
	c.mu.Lock()
	c.lastWorking = model
	c.mu.Unlock()
}

func (c *GeminiClient) callModel(ctx context.Context, model, system, user string) (string, error) {
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(user), cfg)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text()), nil
}

// Generate tries every model in fallback order and degrades to an empty
// string when all of them fail. Callers treat "" as "no answer", never
// as an error, so a flaky upstream cannot fail a whole analysis
// request. Context cancellation still propagates.
func (c *GeminiClient) Generate(ctx context.Context, system, user string) (string, error) {
	var lastErr error
	for _, model := range c.modelOrder() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := c.callModel(ctx, model, system, user)
		if err != nil {
			lastErr = err
			if utils.IsCancelled(err) {
				return "", err
			}
			c.log.Warn("gemini model failed", "model", model, "error", truncate(err.Error(), 120))
			continue
		}
		if text != "" {
			c.rememberWorking(model)
			return text, nil
		}
	}
	c.log.Error("all gemini models failed", "models", len(c.models), "error", lastErr)
	return "", nil
}

// GenerateStrict tries the fallback order but only walks past errors
// that look transient (missing model, overload, quota). Anything else
// is surfaced immediately, and exhausting the list returns the last
// error rather than an empty answer.
func (c *GeminiClient) GenerateStrict(ctx context.Context, system, user string) (string, error) {
	var lastErr error
	for _, model := range c.modelOrder() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := c.callModel(ctx, model, system, user)
		if err == nil {
			c.rememberWorking(model)
			return text, nil
		}
		if utils.IsCancelled(err) || !retryable(err) {
			return "", err
		}
		lastErr = err
		c.log.Warn("gemini model failed, trying next", "model", model, "error", truncate(err.Error(), 120))
	}
	return "", fmt.Errorf("all gemini models exhausted: %w", lastErr)
}

// Close releases the underlying client. The genai SDK client holds no
// resources that need explicit release, so this is a no-op.
func (c *GeminiClient) Close() error {
	return nil
}

// retryable classifies errors by message because the upstream SDK does
// not expose stable typed codes for every transport path. Missing
// models, overload, and quota exhaustion are worth trying the next
// model for; everything else is treated as fatal.
func retryable(err error) bool {
	msg := err.Error()
	for _, marker := range []string{
		"404", "not found",
		"503", "Service Unavailable", "high demand",
		"429", "Too Many Requests", "quota",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
