package retriever

import (
	"strings"
)

// stopwords carries the fixed ~25-entry set of articles, auxiliaries,
// first-person pronouns, and filler words dropped during tokenization.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true,
	"is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "being": true, "am": true,
	"do": true, "does": true, "did": true,
	"i": true, "me": true, "my": true, "mine": true,
	"we": true, "us": true, "our": true, "ours": true,
	"please": true, "want": true, "would": true, "like": true,
	"can": true, "could": true, "you": true,
}

var executeTaskPrefixes = []string{"execute task:", "execute task -"}

// stripExecuteTaskPrefix removes a leading "execute task:" / "execute task -"
// marker (case-insensitive) before matching proceeds.
func stripExecuteTaskPrefix(task string) string {
	trimmed := strings.TrimSpace(task)
	lower := strings.ToLower(trimmed)
	for _, prefix := range executeTaskPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return strings.TrimSpace(trimmed[len(prefix):])
		}
	}
	return task
}

// normalize lowercases, replaces non-alphanumeric runs with a space, and
// collapses whitespace.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastSpace = false
		} else if !lastSpace {
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// tokenize normalizes s, drops stopwords, and drops tokens of length <= 1.
func tokenize(s string) []string {
	normalized := normalize(s)
	if normalized == "" {
		return nil
	}
	parts := strings.Fields(normalized)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if len(p) <= 1 {
			continue
		}
		if stopwords[p] {
			continue
		}
		out = append(out, p)
	}
	return out
}

// tokenSet builds a membership set from tokenize's output.
func tokenSet(s string) map[string]bool {
	tokens := tokenize(s)
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

// normalizeTask applies the task-specific prefix strip before normalization,
// used as the matching surface for the retriever's scoring pass.
func normalizeTask(task string) string {
	return normalize(stripExecuteTaskPrefix(task))
}
