// Package verifier implements the domain-specific post-hoc validators that
// classify a completed run's outputs and the six-grade status classifier.
package verifier

import (
	"fmt"
	"math"
	"strings"

	"github.com/alabobai/capability-runtime/core"
	"github.com/alabobai/capability-runtime/runner"
)

const (
	noValidatorBaselineAllOK   = 0.78
	noValidatorBaselineDegraded = 0.45

	aggregateIntentWeight    = 0.35
	aggregatePassRatioWeight = 0.45
	aggregateFailureBonus    = 0.05
	aggregateCleanRunBonus   = 0.10
	aggregateDegradedBonus   = 0.05

	minNarrativeLength = 12

	// verificationBlockedNote mirrors runner.verificationBlockedNote; kept
	// as a separate literal here because runner's constant is unexported.
	verificationBlockedNote = "verification-blocked: output failed quality gate(s)"
)

// Verifier applies per-capability validators and classifies the aggregate
// outcome, implementing runner.Verifier.
type Verifier struct {
	logger core.Logger
}

// New builds a Verifier with a no-op logger; call SetLogger to attach one.
func New() *Verifier {
	return &Verifier{logger: &core.NoOpLogger{}}
}

// SetLogger installs a logger, tagging it with the verifier component when supported.
func (v *Verifier) SetLogger(logger core.Logger) {
	if logger == nil {
		v.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		v.logger = cal.WithComponent("runtime/verifier")
		return
	}
	v.logger = logger
}

// Verify inspects run's step outputs and produces the aggregate verification
// summary (spec §4.5).
func (v *Verifier) Verify(run *runner.TaskRun) runner.VerificationSummary {
	checks := make([]runner.VerificationCheck, 0, len(run.Execution.Steps))
	anyValidatorApplied := false
	for _, step := range run.Execution.Steps {
		check, validatorApplied := v.checkStep(run, step)
		checks = append(checks, check)
		if validatorApplied {
			anyValidatorApplied = true
		}
	}

	passed, failed := 0, 0
	for _, c := range checks {
		if c.OK {
			passed++
		} else {
			failed++
		}
	}
	total := passed + failed

	// No recognized validator fired for any step: fall back to the baseline
	// formula rather than the normal aggregate (spec §4.5).
	if !anyValidatorApplied {
		allOK := failed == 0 && total > 0
		baseline := noValidatorBaselineDegraded
		if allOK {
			baseline = noValidatorBaselineAllOK
		}
		confidence := clamp01((run.Intent.Confidence + baseline) / 2)
		return runner.VerificationSummary{
			Verified:   !run.Diagnostics.Degraded,
			Blocked:    false,
			Confidence: confidence,
			Summary:    "no domain validator matched any step; accepted on successful dispatch",
			Checks:     checks,
			Passed:     passed,
			Failed:     failed,
			Status:     classify(run, false, passed, failed),
		}
	}

	blocked := failed > 0
	hasRuntimeFailures := hasFailedRuntimeStep(run)

	confidence := 0.0
	if total > 0 {
		confidence = run.Intent.Confidence*aggregateIntentWeight + (float64(passed)/float64(total))*aggregatePassRatioWeight
		if hasRuntimeFailures {
			confidence += aggregateFailureBonus
		} else {
			confidence += aggregateCleanRunBonus + aggregateFailureBonus
		}
		if !run.Diagnostics.Degraded {
			confidence += aggregateDegradedBonus
		}
	}
	confidence = clamp01(confidence)

	summary := "verification passed"
	if blocked {
		summary = fmt.Sprintf("%d of %d capability outputs failed quality gate(s)", failed, total)
	} else if run.Diagnostics.Degraded {
		summary = "run completed with recoverable warnings"
	}

	return runner.VerificationSummary{
		Verified:   !run.Diagnostics.Degraded && !blocked,
		Blocked:    blocked,
		Confidence: confidence,
		Summary:    summary,
		Checks:     checks,
		Passed:     passed,
		Failed:     failed,
		Status:     classify(run, blocked, passed, failed),
	}
}

// Classify assigns the six-grade run status from a run's already-computed
// verification summary (spec §4.5). Exported for callers inspecting a
// persisted run outside of Verify, e.g. after a restart.
func Classify(run *runner.TaskRun) string {
	return classify(run, run.Verification.Blocked, run.Verification.Passed, run.Verification.Failed)
}

func classify(run *runner.TaskRun, blocked bool, passed, failed int) string {
	total := passed + failed
	if blocked {
		return "blocked"
	}
	if total == 0 {
		if len(run.Plan) == 0 {
			return "no-match"
		}
		// Plan matched capabilities but no step ever dispatched (e.g. the run
		// failed before attempting its first step).
		return "error"
	}

	switch {
	case failed == total:
		return "degraded"
	case failed > 0:
		return "partial"
	case run.Diagnostics.Degraded:
		return "degraded"
	default:
		return "ok"
	}
}

func hasFailedRuntimeStep(run *runner.TaskRun) bool {
	for _, s := range run.Execution.Steps {
		if !s.OK {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// checkStep dispatches to the per-capability validator, reporting whether a
// recognized validator applied at all. When no validator applies the caller
// folds the result into the spec's baseline-confidence fallback rather than
// the normal aggregate.
func (v *Verifier) checkStep(run *runner.TaskRun, step runner.ExecutionStepResult) (runner.VerificationCheck, bool) {
	check := runner.VerificationCheck{CapabilityID: step.CapabilityID, Domain: capabilityDomain(step.CapabilityID)}

	if !step.OK {
		check.OK = false
		check.Message = "step execution failed: " + step.Error
		check.Remediation = "retry the run once the upstream capability is healthy"
		return check, true
	}

	data, _ := step.Data.(map[string]interface{})

	switch step.CapabilityID {
	case "chat.general":
		return validateChatGeneral(check, data), true
	case "company.plan", "company.create":
		return validateCompanyPlan(check, data), true
	case "media.image.generate", "media.video.generate":
		return validateMedia(check, data), true
	case "research.search", "proxy.search":
		return validateSearch(check, data), true
	default:
		check.OK = true
		check.Message = "no domain validator registered; accepted on successful dispatch"
		return check, false
	}
}

func capabilityDomain(id string) string {
	if idx := strings.Index(id, "."); idx > 0 {
		return id[:idx]
	}
	return id
}

func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func nonEmptyAtLeast(s string, minLen int) bool {
	return len(strings.TrimSpace(s)) >= minLen
}

func validateChatGeneral(check runner.VerificationCheck, data map[string]interface{}) runner.VerificationCheck {
	content := stringField(data, "content")
	if nonEmptyAtLeast(content, minNarrativeLength) {
		check.OK = true
		check.Message = "chat response contains substantive content"
		return check
	}
	check.OK = false
	check.Message = "chat response content missing or shorter than 12 characters"
	check.Remediation = "resubmit the chat capability; check upstream is returning content"
	return check
}

var narrativeFields = []string{"executive_summary", "mission", "vision", "target_market", "value_proposition"}

func validateCompanyPlan(check runner.VerificationCheck, data map[string]interface{}) runner.VerificationCheck {
	plan, _ := data["plan"].(map[string]interface{})
	if plan == nil {
		plan, _ = data["company.plan"].(map[string]interface{})
	}
	if plan == nil {
		plan = data
	}

	for _, field := range narrativeFields {
		if nonEmptyAtLeast(stringField(plan, field), minNarrativeLength) {
			check.OK = true
			check.Message = "company plan has narrative content: " + field
			return check
		}
	}

	if departments, ok := plan["departments"].([]interface{}); ok && len(departments) > 0 {
		check.OK = true
		check.Message = "company plan has structural content: departments"
		return check
	}
	if nonEmptyAtLeast(stringField(plan, "revenue_model"), 1) {
		check.OK = true
		check.Message = "company plan has structural content: revenue_model"
		return check
	}
	if milestones, ok := plan["milestones"].([]interface{}); ok && len(milestones) > 0 {
		check.OK = true
		check.Message = "company plan has structural content: milestones"
		return check
	}
	if costs, ok := plan["estimated_costs"].(map[string]interface{}); ok && len(costs) > 0 {
		check.OK = true
		check.Message = "company plan has structural content: estimated_costs"
		return check
	}

	check.OK = false
	check.Message = "company plan lacks narrative or structural content"
	check.Remediation = verificationBlockedNote
	return check
}

func validateMedia(check runner.VerificationCheck, data map[string]interface{}) runner.VerificationCheck {
	url := stringField(data, "url")
	if url == "" {
		url = stringField(data, "videoUrl")
	}
	if url == "" {
		url = stringField(data, "imageUrl")
	}

	if strings.HasPrefix(url, "data:image/") || strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		check.OK = true
		check.Message = "media output contains a resolvable URL"
		return check
	}

	check.OK = false
	check.Message = "media output missing a valid url/videoUrl/imageUrl"
	check.Remediation = verificationBlockedNote
	return check
}

func validateSearch(check runner.VerificationCheck, data map[string]interface{}) runner.VerificationCheck {
	if data == nil {
		check.OK = false
		check.Message = "search response missing body"
		check.Remediation = verificationBlockedNote
		return check
	}

	if arr, ok := data["results"].([]interface{}); ok && len(arr) > 0 {
		check.OK = true
		check.Message = "search response has non-empty results"
		return check
	}
	if arr, ok := data["items"].([]interface{}); ok && len(arr) > 0 {
		check.OK = true
		check.Message = "search response has non-empty items"
		return check
	}
	if arr, ok := data["links"].([]interface{}); ok && len(arr) > 0 {
		check.OK = true
		check.Message = "search response has non-empty links"
		return check
	}
	if count, ok := data["count"].(float64); ok && count > 0 {
		check.OK = true
		check.Message = "search response has a positive count"
		return check
	}
	for _, field := range []string{"summary", "content", "snippet", "query"} {
		if nonEmptyAtLeast(stringField(data, field), minNarrativeLength) {
			check.OK = true
			check.Message = "search response has narrative field: " + field
			return check
		}
	}

	check.OK = false
	check.Message = "search response has no results, items, links, count, or narrative field"
	check.Remediation = verificationBlockedNote
	return check
}
