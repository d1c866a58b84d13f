package verifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alabobai/capability-runtime/retriever"
	"github.com/alabobai/capability-runtime/runner"
)

func planStep(id string) retriever.PlanStep {
	return retriever.PlanStep{Step: 1, CapabilityID: id, Route: "/x", Method: "POST"}
}

func TestVerify_ChatGeneralPasses(t *testing.T) {
	run := &runner.TaskRun{
		Intent: retriever.TaskIntent{Confidence: 0.9},
		Plan:   []retriever.PlanStep{planStep("chat.general")},
		Execution: runner.Execution{Steps: []runner.ExecutionStepResult{
			{Step: 1, CapabilityID: "chat.general", OK: true, Data: map[string]interface{}{"content": "a fully formed chat reply"}},
		}},
	}

	summary := New().Verify(run)
	require.True(t, summary.Verified)
	assert.False(t, summary.Blocked)
	assert.Equal(t, 1, summary.Passed)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, "ok", summary.Status)
}

func TestVerify_ChatGeneralFailsOnShortContent(t *testing.T) {
	run := &runner.TaskRun{
		Intent: retriever.TaskIntent{Confidence: 0.9},
		Plan:   []retriever.PlanStep{planStep("chat.general")},
		Execution: runner.Execution{Steps: []runner.ExecutionStepResult{
			{Step: 1, CapabilityID: "chat.general", OK: true, Data: map[string]interface{}{"content": "short"}},
		}},
	}

	summary := New().Verify(run)
	assert.False(t, summary.Verified)
	assert.True(t, summary.Blocked)
	assert.Equal(t, "blocked", summary.Status)
}

func TestVerify_NoValidatorAppliesUsesBaselineFormula(t *testing.T) {
	run := &runner.TaskRun{
		Intent: retriever.TaskIntent{Confidence: 0.8},
		Plan:   []retriever.PlanStep{planStep("webhook.dispatch")},
		Execution: runner.Execution{Steps: []runner.ExecutionStepResult{
			{Step: 1, CapabilityID: "webhook.dispatch", OK: true, Data: map[string]interface{}{"ok": true}},
		}},
	}

	summary := New().Verify(run)
	assert.True(t, summary.Verified)
	assert.False(t, summary.Blocked)
	assert.InDelta(t, (0.8+0.78)/2, summary.Confidence, 0.0001)
	assert.Equal(t, "ok", summary.Status)
}

func TestVerify_BlockedWhenSomeStepsFail(t *testing.T) {
	run := &runner.TaskRun{
		Intent: retriever.TaskIntent{Confidence: 0.7},
		Plan:   []retriever.PlanStep{planStep("chat.general"), planStep("media.image.generate")},
		Execution: runner.Execution{Steps: []runner.ExecutionStepResult{
			{Step: 1, CapabilityID: "chat.general", OK: true, Data: map[string]interface{}{"content": "a fully formed chat reply"}},
			{Step: 2, CapabilityID: "media.image.generate", OK: false, Error: "upstream 503"},
		}},
	}

	summary := New().Verify(run)
	assert.True(t, summary.Blocked)
	assert.Equal(t, 1, summary.Passed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, "blocked", summary.Status)
}

func TestClassify_NoMatchWhenPlanEmpty(t *testing.T) {
	run := &runner.TaskRun{Plan: nil, Execution: runner.Execution{}}
	assert.Equal(t, "no-match", Classify(run))
}

func TestClassify_DegradedWhenDiagnosticsDegradedDespiteAllOK(t *testing.T) {
	run := &runner.TaskRun{
		Plan: []retriever.PlanStep{planStep("chat.general")},
		Execution: runner.Execution{Steps: []runner.ExecutionStepResult{
			{Step: 1, CapabilityID: "chat.general", OK: true},
		}},
		Diagnostics:  runner.Diagnostics{Degraded: true},
		Verification: runner.VerificationSummary{Blocked: false, Passed: 1, Failed: 0},
	}
	assert.Equal(t, "degraded", Classify(run))
}
