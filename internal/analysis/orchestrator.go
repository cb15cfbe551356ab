package analysis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/threatdesk/threatdesk/internal/llm"
	"github.com/threatdesk/threatdesk/internal/models"
	"github.com/threatdesk/threatdesk/internal/translate"
	"github.com/threatdesk/threatdesk/internal/utils"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetArticle(ctx context.Context, externalID string, includeDeleted bool) (models.Article, error)
	GetRule(ctx context.Context, ruleID string) (models.Rule, error)
	GetAnalysisEntry(ctx context.Context, cacheKey string) (models.AnalysisEntry, error)
	MergeAnalysisEntry(ctx context.Context, e models.AnalysisEntry) error
	FindSummaryForArticle(ctx context.Context, articleID string) (string, error)
	CachedRuleIDs(ctx context.Context, articleID, promptVersion string) ([]string, error)
}

// CandidateFinder ranks detection rules against an article title.
type CandidateFinder interface {
	FindCandidates(ctx context.Context, title string) ([]models.CandidateRule, error)
}

// Recorder receives generation observations. May be nil.
type Recorder interface {
	ObserveGeneration(task string, outcome string)
}

// Orchestrator resolves the full analysis bundle for one article: the
// ranked candidates, the translated query, and whichever LLM slot the
// caller asked to generate. Generated values are persisted merge-only,
// so concurrent requests for the same fingerprint can only add
// information, never clobber it.
type Orchestrator struct {
	store         Store
	finder        CandidateFinder
	generator     llm.Generator
	converter     translate.Converter
	recorder      Recorder
	tracker       *utils.LatencyTracker
	log           *slog.Logger
	promptVersion string
}

// NewOrchestrator wires an orchestrator. generator may be nil when the
// LLM is disabled; generation tasks then leave their slots empty.
func NewOrchestrator(store Store, finder CandidateFinder, generator llm.Generator,
	converter translate.Converter, recorder Recorder, log *slog.Logger, promptVersion string) *Orchestrator {
	return &Orchestrator{
		store:         store,
		finder:        finder,
		generator:     generator,
		converter:     converter,
		recorder:      recorder,
		tracker:       utils.NewLatencyTracker(512),
		log:           log,
		promptVersion: promptVersion,
	}
}

// Latency exposes the rolling generation latency percentile.
func (o *Orchestrator) Latency(percentile float64) time.Duration {
	return o.tracker.Percentile(percentile)
}

// Resolve loads or extends the analysis bundle for the article. ruleID
// pins the primary rule when it is one of the candidates; otherwise the
// top-ranked candidate wins. task selects the one LLM slot to generate
// this call ("" means cache-read only). Cancellation mid-generation
// propagates without writing anything.
func (o *Orchestrator) Resolve(ctx context.Context, articleID, ruleID string, task models.Task) (models.AnalysisResult, error) {
	start := time.Now()
	defer func() { o.tracker.Observe(time.Since(start)) }()

	article, err := o.store.GetArticle(ctx, articleID, false)
	if err != nil {
		return models.AnalysisResult{}, err
	}

	candidates, err := o.finder.FindCandidates(ctx, article.Title)
	if err != nil {
		return models.AnalysisResult{}, err
	}

	target, resolvedRuleID := resolveTarget(candidates, ruleID)
	cacheKey := CacheKey(articleID, resolvedRuleID, o.promptVersion)
	rulesetHash := RulesetFingerprint(candidateIDs(candidates))

	entry, err := o.store.GetAnalysisEntry(ctx, cacheKey)
	if err != nil && !errors.Is(err, utils.ErrNotFound) {
		return models.AnalysisResult{}, err
	}

	translatedQuery, err := o.resolveQuery(ctx, entry.Slots.TranslatedQuery, target)
	if err != nil {
		return models.AnalysisResult{}, err
	}

	if task.Valid() && o.generator != nil {
		entry, err = o.generateSlot(ctx, generateInput{
			article:         article,
			target:          target,
			task:            task,
			cacheKey:        cacheKey,
			rulesetHash:     rulesetHash,
			translatedQuery: translatedQuery,
			resolvedRuleID:  resolvedRuleID,
		}, entry)
		if err != nil {
			return models.AnalysisResult{}, err
		}
	}

	cachedRuleIDs, err := o.store.CachedRuleIDs(ctx, articleID, o.promptVersion)
	if err != nil {
		return models.AnalysisResult{}, err
	}

	slots := entry.Slots
	slots.TranslatedQuery = translatedQuery
	slots.PrimaryRuleID = resolvedRuleID

	return models.AnalysisResult{
		ArticleID:     articleID,
		Status:        "READY",
		Candidates:    candidates,
		CachedRuleIDs: cachedRuleIDs,
		Analysis:      slots,
	}, nil
}

// resolveTarget pins the requested rule when it is among the
// candidates, otherwise falls back to the best match.
func resolveTarget(candidates []models.CandidateRule, ruleID string) (*models.CandidateRule, string) {
	if len(candidates) == 0 {
		return nil, "none"
	}
	target := &candidates[0]
	if ruleID != "" {
		for i := range candidates {
			if candidates[i].RuleID == ruleID {
				target = &candidates[i]
				break
			}
		}
	}
	return target, target.RuleID
}

func candidateIDs(candidates []models.CandidateRule) []string {
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.RuleID)
	}
	return ids
}

// resolveQuery returns the cached translation or converts the target
// rule's YAML. Conversion failure is survivable (the query panel stays
// empty) but cancellation is not.
func (o *Orchestrator) resolveQuery(ctx context.Context, cached string, target *models.CandidateRule) (string, error) {
	if cached != "" || target == nil || o.converter == nil {
		return cached, nil
	}

	rule, err := o.store.GetRule(ctx, target.RuleID)
	if err != nil {
		o.log.Warn("target rule missing for translation", "rule_id", target.RuleID, "error", err)
		return "", nil
	}
	query, err := o.converter.Translate(ctx, rule.SourceYAML)
	if err != nil {
		if utils.IsCancelled(err) {
			return "", err
		}
		o.log.Error("query translation failed", "rule_id", target.RuleID, "error", err)
		return "", nil
	}
	return query, nil
}

type generateInput struct {
	article         models.Article
	target          *models.CandidateRule
	task            models.Task
	cacheKey        string
	rulesetHash     string
	translatedQuery string
	resolvedRuleID  string
}

// generateSlot produces one LLM slot and merges it into the cache. An
// empty generation writes nothing; the merge also pins the translated
// query and primary rule so later cache reads get them for free.
func (o *Orchestrator) generateSlot(ctx context.Context, in generateInput, entry models.AnalysisEntry) (models.AnalysisEntry, error) {
	var slots models.AnalysisSlots

	switch in.task {
	case models.TaskSummary:
		// Summaries are rule-independent, so any cached one for this
		// article short-circuits the model call.
		existing, err := o.store.FindSummaryForArticle(ctx, in.article.ExternalID)
		if err != nil {
			return entry, err
		}
		if existing != "" {
			slots.NewsSummary = existing
			break
		}
		system, user := llm.SummaryPrompt(in.article.Title, in.article.ContentText)
		text, err := o.generator.Generate(ctx, system, user)
		if err != nil {
			o.observe(in.task, "error")
			return entry, err
		}
		slots.NewsSummary = text

	case models.TaskReasoning:
		if in.target == nil {
			return entry, nil
		}
		system, user := llm.ReasoningPrompt(in.target.Title, in.target.Description, in.article.Title)
		text, err := o.generator.Generate(ctx, system, user)
		if err != nil {
			o.observe(in.task, "error")
			return entry, err
		}
		slots.RuleReasoning = text

	case models.TaskExplanation:
		if in.target == nil || in.translatedQuery == "" {
			return entry, nil
		}
		system, user := llm.ExplanationPrompt(in.translatedQuery, in.target.Title)
		text, err := o.generator.Generate(ctx, system, user)
		if err != nil {
			o.observe(in.task, "error")
			return entry, err
		}
		slots.QueryReasoning = text
	}

	if slots == (models.AnalysisSlots{}) {
		o.observe(in.task, "empty")
		return entry, nil
	}
	o.observe(in.task, "ok")

	slots.TranslatedQuery = in.translatedQuery
	slots.PrimaryRuleID = in.resolvedRuleID

	merged := models.AnalysisEntry{
		CacheKey:      in.cacheKey,
		ArticleID:     in.article.ExternalID,
		PromptVersion: o.promptVersion,
		RulesetHash:   in.rulesetHash,
		Slots:         slots,
	}
	if err := o.store.MergeAnalysisEntry(ctx, merged); err != nil {
		return entry, err
	}
	refreshed, err := o.store.GetAnalysisEntry(ctx, in.cacheKey)
	if err != nil {
		return entry, err
	}
	return refreshed, nil
}

func (o *Orchestrator) observe(task models.Task, outcome string) {
	if o.recorder != nil {
		o.recorder.ObserveGeneration(string(task), outcome)
	}
}
