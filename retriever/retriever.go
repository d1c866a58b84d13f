// Package retriever implements the pure (task, context) → (intent, ranked
// matches, plan) function: tokenization, per-capability scoring, ranking,
// filtering, intent inference, and one-step plan synthesis.
package retriever

import (
	"github.com/alabobai/capability-runtime/catalog"
	"github.com/alabobai/capability-runtime/core"
)

// Retriever scores and plans against a fixed capability catalog. It holds
// no mutable state beyond its logger and is safe for concurrent use.
type Retriever struct {
	catalog *catalog.Catalog
	logger  core.Logger
}

// New builds a Retriever over cat. cat must not be nil.
func New(cat *catalog.Catalog) *Retriever {
	return &Retriever{catalog: cat, logger: &core.NoOpLogger{}}
}

// SetLogger installs a logger, tagging it "runtime/retriever" when it
// supports component tagging.
func (r *Retriever) SetLogger(logger core.Logger) {
	if logger == nil {
		r.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		r.logger = cal.WithComponent("runtime/retriever")
		return
	}
	r.logger = logger
}

// Result bundles everything Retrieve produces for one task.
type Result struct {
	Intent  TaskIntent
	Matches []CapabilityMatch
	Plan    []PlanStep
}

// Retrieve is the component's sole entry point: tokenize task, score every
// registered capability, rank and filter, infer intent, and build a
// one-step plan from the best match. limit bounds the returned match count
// (0 uses the default of 5).
func (r *Retriever) Retrieve(task string, context map[string]interface{}, limit int) Result {
	normalizedTask := normalizeTask(task)
	taskTokens := tokenSetFromSlice(tokenize(stripExecuteTaskPrefix(task)))

	label, confidence := inferIntent(task)
	intent := TaskIntent{
		Label:          label,
		Confidence:     confidence,
		NormalizedTask: normalizedTask,
	}

	if normalizedTask == "" {
		r.logger.Debug("empty task, returning empty matches and plan", map[string]interface{}{})
		return Result{Intent: intent, Matches: nil, Plan: nil}
	}

	matches := rankMatches(r.catalog.All(), normalizedTask, taskTokens, limit)
	plan := buildPlan(matches[0], task, context)

	r.logger.Debug("retrieval complete", map[string]interface{}{
		"intent":      intent.Label,
		"best_match":  matches[0].Capability.ID,
		"best_score":  matches[0].Score,
		"match_count": len(matches),
	})

	return Result{Intent: intent, Matches: matches, Plan: plan}
}
