package retriever

import (
	"testing"

	"github.com/alabobai/capability-runtime/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	caps := []catalog.Capability{
		{
			ID: "chat.general", Name: "General Chat", Description: "General purpose conversational assistant",
			Domain: catalog.DomainChat, Route: "/chat", Method: "POST",
			Tags: []string{"chat", "assistant"}, Triggers: []string{"talk to me"},
		},
		{
			ID: "company.plan", Name: "Company Planner", Description: "Drafts a company business plan",
			Domain: catalog.DomainCompany, Route: "/company/plan", Method: "POST",
			Tags: []string{"company", "plan"}, Triggers: []string{"business plan"},
			DefaultPayload: map[string]interface{}{"companyType": "startup"},
		},
		{
			ID: "media.image.generate", Name: "Image Generator", Description: "Generates images from a prompt",
			Domain: catalog.DomainMedia, Route: "/media/image", Method: "POST",
			Tags: []string{"image", "generate"}, Triggers: []string{"generate a logo", "generate an image"},
		},
		{
			ID: "research.search", Name: "Web Research", Description: "Searches the web for information",
			Domain: catalog.DomainResearch, Route: "/research/search", Method: "POST",
			Tags: []string{"research", "search"}, Triggers: []string{"search the web"},
		},
		{
			ID: "research.fetch-page", Name: "Page Fetcher", Description: "Fetches a single web page",
			Domain: catalog.DomainResearch, Route: "/research/fetch", Method: "POST",
			Tags: []string{"fetch", "page"},
		},
	}
	cat, err := catalog.New(caps)
	require.NoError(t, err)
	return cat
}

func TestRetrieve_ImageGenerationHappyPath(t *testing.T) {
	r := New(buildTestCatalog(t))
	result := r.Retrieve("generate a logo for a robotics startup", nil, 0)

	require.NotEmpty(t, result.Matches)
	assert.Equal(t, "media.image.generate", result.Matches[0].Capability.ID)

	require.Len(t, result.Plan, 1)
	step := result.Plan[0]
	assert.Equal(t, 1, step.Step)
	assert.Equal(t, "media.image.generate", step.CapabilityID)
	assert.Equal(t, "POST", step.Method)
	assert.Equal(t, "generate a logo for a robotics startup", step.Payload["prompt"])
}

func TestRetrieve_EmptyTaskReturnsNoMatchesOrPlan(t *testing.T) {
	r := New(buildTestCatalog(t))
	result := r.Retrieve("   ", nil, 0)
	assert.Empty(t, result.Matches)
	assert.Empty(t, result.Plan)
}

func TestRetrieve_FallsBackToChatGeneralWhenNothingClears(t *testing.T) {
	r := New(buildTestCatalog(t))
	result := r.Retrieve("zzz qqq unrelated gibberish", nil, 0)
	require.NotEmpty(t, result.Matches)
	assert.Equal(t, "chat.general", result.Matches[0].Capability.ID)
}

func TestRetrieve_CompanyPlanTemplating(t *testing.T) {
	r := New(buildTestCatalog(t))
	result := r.Retrieve("draft a business plan for a bakery", map[string]interface{}{
		"name": "Flour & Co", "companyType": "bakery",
	}, 0)

	require.Len(t, result.Plan, 1)
	payload := result.Plan[0].Payload
	assert.Equal(t, "Flour & Co", payload["name"])
	assert.Equal(t, "bakery", payload["companyType"])
	assert.Equal(t, "draft a business plan for a bakery", payload["description"])
}

func TestRetrieve_CompanyPlanTemplatingKeepsDefaultPayloadWhenContextOmitsField(t *testing.T) {
	r := New(buildTestCatalog(t))
	result := r.Retrieve("draft a business plan for a bakery", map[string]interface{}{
		"name": "Flour & Co",
	}, 0)

	require.Len(t, result.Plan, 1)
	payload := result.Plan[0].Payload
	assert.Equal(t, "Flour & Co", payload["name"])
	assert.Equal(t, "startup", payload["companyType"], "defaultPayload value must survive when context omits the field")
}

func TestRetrieve_FetchPageGuardrailPenalizesMissingURL(t *testing.T) {
	r := New(buildTestCatalog(t))
	result := r.Retrieve("fetch this page for me please", nil, 10)

	var fetchMatch *CapabilityMatch
	for i := range result.Matches {
		if result.Matches[i].Capability.ID == "research.fetch-page" {
			fetchMatch = &result.Matches[i]
		}
	}
	if fetchMatch != nil {
		assert.Contains(t, fetchMatch.Reasons, "guardrail:url-missing")
	}
}

func TestInferIntent_DefaultsToChatGeneral(t *testing.T) {
	label, confidence := inferIntent("completely unrelated text")
	assert.Equal(t, defaultIntentLabel, label)
	assert.Equal(t, defaultIntentConfidence, confidence)
}

func TestInferIntent_MatchesPhraseTable(t *testing.T) {
	label, confidence := inferIntent("I need a business plan for my startup")
	assert.Equal(t, "company.plan", label)
	assert.Greater(t, confidence, defaultIntentConfidence)
}

func TestTokenize_DropsStopwordsAndShortTokens(t *testing.T) {
	tokens := tokenize("I would like a plan")
	assert.Equal(t, []string{"plan"}, tokens)
}

func TestRankMatches_LimitIsBounded(t *testing.T) {
	cat := buildTestCatalog(t)
	matches := rankMatches(cat.All(), normalizeTask("search the web for news"), tokenSetFromSlice(tokenize("search the web for news")), 100)
	assert.LessOrEqual(t, len(matches), maxLimit)
}
