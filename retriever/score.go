package retriever

import (
	"math"
	"regexp"
	"strings"

	"github.com/alabobai/capability-runtime/catalog"
)

const (
	scoreTagExactMulti   = 3.3
	scoreTagExactSingle  = 2.6
	scoreTagPartialEach  = 1.1
	scoreTriggerExact    = 5.0
	scoreTriggerPartCap  = 3.0
	scoreTriggerPartMul  = 1.25
	scoreNameToken       = 1.4
	scoreIDToken         = 1.2
	scoreDescToken       = 0.7
	scoreDomainBonus     = 1.4
	scoreActionAlignHit  = 1.2

	penaltyURLMissing     = -2.2
	penaltyWebhookMissing = -2.8
	penaltyLocalAINarrow  = -2.0
	penaltyLocalAIWide    = -2.4

	chatGeneralMultiplier = 0.6
)

var actionSynonyms = map[string][]string{
	"create":   {"create", "new", "build", "start", "setup"},
	"plan":     {"plan", "strategy", "roadmap"},
	"search":   {"search", "research", "find", "lookup", "discover"},
	"fetch":    {"fetch", "open", "load", "read", "visit", "crawl"},
	"extract":  {"extract", "parse", "scrape", "summarize"},
	"generate": {"generate", "make", "design", "draw", "produce"},
	"chat":     {"chat", "talk", "ask", "explain", "help"},
	"models":   {"model", "models"},
	"ingest":   {"ingest", "index", "embed", "store"},
}

var urlHintTokens = map[string]bool{"url": true, "website": true, "webpage": true, "page": true, "link": true}
var urlPattern = regexp.MustCompile(`https?://`)

var webhookHintTokens = map[string]bool{"webhook": true, "integration": true, "event": true, "events": true, "dispatch": true}
var localAINarrowTokens = map[string]bool{"model": true, "models": true, "stats": true, "statistics": true, "knowledge": true}
var localAIWideTokens = map[string]bool{"local": true, "ai": true, "llm": true, "localai": true, "offline": true, "onprem": true}

var urlRequiringCapabilities = map[string]bool{
	"research.fetch-page": true,
	"proxy.fetch":          true,
	"proxy.extract":        true,
}

// scoreCapability computes a match score and ordered reasons for a single
// capability against the already-normalized task and its token set.
func scoreCapability(cap catalog.Capability, normalizedTask string, taskTokens map[string]bool) (float64, []string) {
	var score float64
	var reasons []string

	// 1. Tags.
	for _, tag := range cap.Tags {
		tagTokens := tokenize(tag)
		if len(tagTokens) == 0 {
			continue
		}
		overlap := 0
		for _, t := range tagTokens {
			if taskTokens[t] {
				overlap++
			}
		}
		if overlap == len(tagTokens) {
			if len(tagTokens) > 1 {
				score += scoreTagExactMulti
			} else {
				score += scoreTagExactSingle
			}
			reasons = append(reasons, "tag-exact")
		} else if overlap > 0 {
			score += scoreTagPartialEach * float64(overlap)
			reasons = append(reasons, "tag-partial")
		}
	}

	// 2. Triggers.
	for _, trigger := range cap.Triggers {
		normTrigger := normalize(trigger)
		if normTrigger == "" {
			continue
		}
		if wordBoundaryContains(normalizedTask, normTrigger) {
			score += scoreTriggerExact
			reasons = append(reasons, "trigger-exact")
			continue
		}
		triggerTokens := tokenize(trigger)
		if len(triggerTokens) == 0 {
			continue
		}
		overlap := 0
		for _, t := range triggerTokens {
			if taskTokens[t] {
				overlap++
			}
		}
		threshold := int(math.Ceil(0.6 * float64(len(triggerTokens))))
		if threshold > 0 && overlap >= threshold {
			score += math.Min(scoreTriggerPartCap, scoreTriggerPartMul*float64(overlap))
			reasons = append(reasons, "trigger-partial")
		}
	}

	// 3. Name / id / description, per task token.
	nameTokens := tokenSetFromSlice(tokenize(cap.Name))
	idTokens := tokenSetFromSlice(tokenize(strings.ReplaceAll(cap.ID, ".", " ")))
	descTokens := tokenSetFromSlice(tokenize(cap.Description))
	for token := range taskTokens {
		switch {
		case nameTokens[token]:
			score += scoreNameToken
			reasons = append(reasons, "name-match")
		case idTokens[token]:
			score += scoreIDToken
			reasons = append(reasons, "id-match")
		case descTokens[token]:
			score += scoreDescToken
			reasons = append(reasons, "description-match")
		}
	}

	// 4. Domain bonus.
	if cap.Domain != "" {
		domainTokens := tokenize(strings.ReplaceAll(string(cap.Domain), "-", " "))
		if len(domainTokens) > 0 {
			allPresent := true
			for _, dt := range domainTokens {
				if !taskTokens[dt] {
					allPresent = false
					break
				}
			}
			if allPresent {
				score += scoreDomainBonus
				reasons = append(reasons, "domain-bonus")
			}
		}
	}

	// 5. Action alignment.
	segments := strings.Split(cap.ID, ".")
	action := segments[len(segments)-1]
	if synonyms, ok := actionSynonyms[action]; ok {
		hits := 0
		for _, syn := range synonyms {
			if taskTokens[syn] {
				hits++
			}
		}
		if hits > 0 {
			score += scoreActionAlignHit * float64(hits)
			reasons = append(reasons, "action-align")
		}
	}

	// 6. Guardrails.
	if urlRequiringCapabilities[cap.ID] {
		if !urlPattern.MatchString(normalizedTask) && !anyTokenIn(taskTokens, urlHintTokens) {
			score += penaltyURLMissing
			reasons = append(reasons, "guardrail:url-missing")
		}
	}
	if strings.HasPrefix(cap.ID, "webhook.") {
		if !anyTokenIn(taskTokens, webhookHintTokens) {
			score += penaltyWebhookMissing
			reasons = append(reasons, "guardrail:webhook-context-missing")
		}
	}
	if cap.ID == "localai.models" || cap.ID == "localai.stats" {
		if !anyTokenIn(taskTokens, localAINarrowTokens) {
			score += penaltyLocalAINarrow
			reasons = append(reasons, "guardrail:localai-narrow-missing")
		}
	}
	if strings.HasPrefix(cap.ID, "localai.") {
		if !anyTokenIn(taskTokens, localAIWideTokens) {
			score += penaltyLocalAIWide
			reasons = append(reasons, "guardrail:localai-context-missing")
		}
	}
	if cap.ID == "chat.general" {
		score *= chatGeneralMultiplier
	}

	return score, reasons
}

func tokenSetFromSlice(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func anyTokenIn(taskTokens map[string]bool, hints map[string]bool) bool {
	for token := range taskTokens {
		if hints[token] {
			return true
		}
	}
	return false
}

// wordBoundaryContains reports whether needle occurs in haystack on a
// token boundary (both already normalized, single-spaced strings).
func wordBoundaryContains(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	padded := " " + haystack + " "
	return strings.Contains(padded, " "+needle+" ")
}
