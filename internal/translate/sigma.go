// Package translate converts detection rules into backend search
// queries by shelling out to the sigma converter toolchain.
package translate

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/threatdesk/threatdesk/internal/utils"
)

// Converter turns rule YAML into a backend query string.
type Converter interface {
	Translate(ctx context.Context, ruleYAML string) (string, error)
}

// SigmaTranslator runs the python sigma converter as a subprocess:
// rule YAML on stdin, query on stdout. Cancelling the context kills
// the child, and that cancellation is reported as the context error so
// callers can tell an abandoned request from a broken rule.
type SigmaTranslator struct {
	command string
	script  string
	timeout time.Duration
	log     *slog.Logger
}

// NewSigmaTranslator wires the subprocess runner.
func NewSigmaTranslator(command, script string, timeout time.Duration, log *slog.Logger) *SigmaTranslator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SigmaTranslator{command: command, script: script, timeout: timeout, log: log}
}

// Translate converts one rule. An empty input is rejected before the
// subprocess spawns.
func (t *SigmaTranslator) Translate(ctx context.Context, ruleYAML string) (string, error) {
	if strings.TrimSpace(ruleYAML) == "" {
		return "", utils.Validation("translate.Translate", "rule yaml is empty")
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, t.command, t.script)
	cmd.Stdin = strings.NewReader(ruleYAML)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := runCtx.Err(); ctxErr != nil {
		// The child was killed because the caller went away or the
		// deadline hit, not because the rule is bad.
		return "", ctxErr
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("sigma converter failed: %s", detail)
	}

	query := strings.TrimSpace(stdout.String())
	if query == "" {
		return "", fmt.Errorf("sigma converter produced no query")
	}

	t.log.Debug("rule translated", "duration_ms", time.Since(start).Milliseconds())
	return query, nil
}
