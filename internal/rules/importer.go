// Package rules imports the detection-rule corpus and matches rules to
// news articles via the full-text index.
package rules

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/threatdesk/threatdesk/internal/models"
)

// Store is the persistence surface the importer needs.
type Store interface {
	UpsertRule(ctx context.Context, r models.Rule) (bool, error)
}

// ImportSummary reports what one corpus walk did.
type ImportSummary struct {
	Imported int `json:"imported"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Importer loads sigma-style YAML rule files from disk into the store.
type Importer struct {
	store Store
	log   *slog.Logger
}

// NewImporter constructs an importer.
func NewImporter(store Store, log *slog.Logger) *Importer {
	return &Importer{store: store, log: log}
}

// ruleFile mirrors the subset of the sigma YAML layout we keep. The
// detection block is free-form and handled separately.
type ruleFile struct {
	ID             string           `yaml:"id"`
	Title          string           `yaml:"title"`
	Level          string           `yaml:"level"`
	Status         string           `yaml:"status"`
	Tags           []string         `yaml:"tags"`
	Description    string           `yaml:"description"`
	FalsePositives []string         `yaml:"falsepositives"`
	References     []string         `yaml:"references"`
	LogSource      models.LogSource `yaml:"logsource"`
	Detection      map[string]any   `yaml:"detection"`
}

// ImportDir walks dir for .yml/.yaml files and upserts every parseable
// rule. Files without an id or title are skipped; parse failures are
// counted and logged, never fatal for the walk.
func (i *Importer) ImportDir(ctx context.Context, dir string) (ImportSummary, error) {
	var summary ImportSummary

	root, err := filepath.Abs(dir)
	if err != nil {
		return summary, err
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yml" && ext != ".yaml" {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = filepath.Base(path)
		}
		rel = filepath.ToSlash(rel)

		rule, parseErr := i.parseFile(path, "rules/"+rel)
		if parseErr != nil {
			summary.Failed++
			i.log.Warn("rule file rejected", "path", rel, "error", parseErr)
			return nil
		}
		if rule == nil {
			summary.Skipped++
			return nil
		}

		inserted, upsertErr := i.store.UpsertRule(ctx, *rule)
		if upsertErr != nil {
			return fmt.Errorf("import %s: %w", rel, upsertErr)
		}
		if inserted {
			summary.Imported++
		} else {
			summary.Updated++
		}
		return nil
	})
	if err != nil {
		return summary, err
	}

	i.log.Info("rule import finished",
		"dir", dir,
		"imported", summary.Imported,
		"updated", summary.Updated,
		"skipped", summary.Skipped,
		"failed", summary.Failed)
	return summary, nil
}

// parseFile returns (nil, nil) for files that are valid YAML but not
// importable rules (missing id or title).
func (i *Importer) parseFile(path, sourcePath string) (*models.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if strings.TrimSpace(rf.ID) == "" || strings.TrimSpace(rf.Title) == "" {
		return nil, nil
	}

	detection := models.DetectionFromAny(mapAny(rf.Detection))
	if err := detection.Validate(); err != nil {
		return nil, err
	}

	rule := models.Rule{
		RuleID:         rf.ID,
		Title:          rf.Title,
		Level:          rf.Level,
		Status:         rf.Status,
		Tags:           rf.Tags,
		Description:    rf.Description,
		FalsePositives: rf.FalsePositives,
		References:     rf.References,
		LogSource:      rf.LogSource,
		Detection:      detection,
		SourcePath:     sourcePath,
		Slug:           Slugify(rf.Title),
		YAMLLink:       YAMLLink(sourcePath),
		SourceYAML:     string(data),
	}
	rule.SearchText = rule.BuildSearchText()
	return &rule, nil
}

func mapAny(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var nonSlugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases a title into a hyphenated URL-safe identifier.
func Slugify(title string) string {
	slug := nonSlugPattern.ReplaceAllString(strings.ToLower(title), "-")
	return strings.Trim(slug, "-")
}

const sigmaRepoBase = "https://github.com/SigmaHQ/sigma/blob/master/"

// YAMLLink maps a corpus-relative source path to its upstream web URL.
// Custom rules have no upstream, so their link is empty.
func YAMLLink(sourcePath string) string {
	if sourcePath == "" || !strings.HasPrefix(sourcePath, "rules/") {
		return ""
	}
	return sigmaRepoBase + sourcePath
}
