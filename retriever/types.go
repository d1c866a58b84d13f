package retriever

import "github.com/alabobai/capability-runtime/catalog"

// TaskIntent is the retriever's best guess at the capability family a task
// belongs to, independent of the ranked match list.
type TaskIntent struct {
	Label          string  `json:"label"`
	Confidence     float64 `json:"confidence"`
	NormalizedTask string  `json:"normalizedTask"`
}

// CapabilityMatch pairs a scored capability with the ordered reasons that
// contributed to its score.
type CapabilityMatch struct {
	Capability catalog.Capability `json:"capability"`
	Score      float64            `json:"score"`
	Reasons    []string           `json:"reasons"`
}

// PlanStep is a single HTTP call in an execution plan.
type PlanStep struct {
	Step         int                    `json:"step"`
	CapabilityID string                 `json:"capabilityId"`
	Route        string                 `json:"route"`
	Method       string                 `json:"method"`
	Goal         string                 `json:"goal"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}
