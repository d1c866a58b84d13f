package retriever

import (
	"math"
	"sort"

	"github.com/alabobai/capability-runtime/catalog"
)

const (
	filterFloorBaseline  = 2.4
	filterFloorFraction  = 0.45
	chatGeneralDropBest  = 4.5
	chatGeneralDropRatio = 0.85

	defaultLimit = 5
	minLimit     = 1
	maxLimit     = 10
)

func countReason(reasons []string, reason string) int {
	n := 0
	for _, r := range reasons {
		if r == reason {
			n++
		}
	}
	return n
}

// rankMatches scores every capability, sorts by score descending with the
// §4.2.3 tie-breaks, then applies the §4.2.4 filter.
func rankMatches(capabilities []catalog.Capability, normalizedTask string, taskTokens map[string]bool, limit int) []CapabilityMatch {
	matches := make([]CapabilityMatch, 0, len(capabilities))
	for _, cap := range capabilities {
		score, reasons := scoreCapability(cap, normalizedTask, taskTokens)
		matches = append(matches, CapabilityMatch{Capability: cap, Score: score, Reasons: reasons})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		aTrig, bTrig := countReason(a.Reasons, "trigger-exact"), countReason(b.Reasons, "trigger-exact")
		if aTrig != bTrig {
			return aTrig > bTrig
		}
		aTag, bTag := countReason(a.Reasons, "tag-exact"), countReason(b.Reasons, "tag-exact")
		if aTag != bTag {
			return aTag > bTag
		}
		return a.Capability.ID < b.Capability.ID
	})

	if limit <= 0 {
		limit = defaultLimit
	}
	if limit < minLimit {
		limit = minLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	filtered := filterMatches(matches, capabilities)
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered
}

// filterMatches applies the score floor, the chat.general broad-fallback
// drop rule, and the empty-result fallback.
func filterMatches(sorted []CapabilityMatch, catalogCapabilities []catalog.Capability) []CapabilityMatch {
	if len(sorted) == 0 {
		return []CapabilityMatch{fallbackChatGeneral(catalogCapabilities)}
	}

	best := sorted[0].Score
	floor := math.Max(filterFloorBaseline, filterFloorFraction*best)

	out := make([]CapabilityMatch, 0, len(sorted))
	for _, m := range sorted {
		if m.Score < floor {
			continue
		}
		if m.Capability.ID == "chat.general" && best >= chatGeneralDropBest && m.Score < chatGeneralDropRatio*best {
			continue
		}
		out = append(out, m)
	}

	if len(out) == 0 {
		return []CapabilityMatch{fallbackChatGeneral(catalogCapabilities)}
	}
	return out
}

func fallbackChatGeneral(catalogCapabilities []catalog.Capability) CapabilityMatch {
	for _, cap := range catalogCapabilities {
		if cap.ID == "chat.general" {
			return CapabilityMatch{Capability: cap, Score: 1, Reasons: []string{"fallback"}}
		}
	}
	return CapabilityMatch{
		Capability: catalog.Capability{
			ID:     "chat.general",
			Name:   "General Chat",
			Domain: catalog.DomainChat,
			Route:  "/chat",
			Method: "POST",
		},
		Score:   1,
		Reasons: []string{"fallback"},
	}
}
