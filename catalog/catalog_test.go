package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `
capabilities:
  - id: chat.general
    name: General Chat
    description: General purpose conversational assistant
    domain: chat
    route: /chat
    method: POST
    tags: [chat, assistant]
    triggers: ["talk to me"]
    defaultPayload: {}
  - id: company.plan
    name: Company Planner
    description: Drafts a company plan
    domain: company
    route: /company/plan
    method: POST
    tags: [company, plan]
    triggers: ["business plan"]
`

func TestParseCapabilityManifest(t *testing.T) {
	caps, err := ParseCapabilityManifest([]byte(sampleManifest))
	require.NoError(t, err)
	require.Len(t, caps, 2)
	assert.Equal(t, "chat.general", caps[0].ID)
	assert.Equal(t, "POST", caps[0].Method)
}

func TestParseCapabilityManifest_RejectsDuplicateID(t *testing.T) {
	_, err := ParseCapabilityManifest([]byte(`
capabilities:
  - id: chat.general
    route: /chat
    method: POST
  - id: chat.general
    route: /chat2
    method: POST
`))
	assert.Error(t, err)
}

func TestParseCapabilityManifest_RejectsNonDottedID(t *testing.T) {
	_, err := ParseCapabilityManifest([]byte(`
capabilities:
  - id: chatgeneral
    route: /chat
    method: POST
`))
	assert.Error(t, err)
}

func TestParseCapabilityManifest_RejectsBadRoute(t *testing.T) {
	_, err := ParseCapabilityManifest([]byte(`
capabilities:
  - id: chat.general
    route: chat
    method: POST
`))
	assert.Error(t, err)
}

func TestParseCapabilityManifest_RejectsBadMethod(t *testing.T) {
	_, err := ParseCapabilityManifest([]byte(`
capabilities:
  - id: chat.general
    route: /chat
    method: PUT
`))
	assert.Error(t, err)
}

func TestParseCapabilityManifest_UppercasesMethod(t *testing.T) {
	caps, err := ParseCapabilityManifest([]byte(`
capabilities:
  - id: chat.general
    route: /chat
    method: post
`))
	require.NoError(t, err)
	assert.Equal(t, "POST", caps[0].Method)
}

func TestCatalog_GetAndAll(t *testing.T) {
	caps, err := ParseCapabilityManifest([]byte(sampleManifest))
	require.NoError(t, err)

	cat, err := New(caps)
	require.NoError(t, err)
	assert.Equal(t, 2, cat.Len())

	got, ok := cat.Get("company.plan")
	require.True(t, ok)
	assert.Equal(t, "Company Planner", got.Name)

	_, ok = cat.Get("missing.capability")
	assert.False(t, ok)

	all := cat.All()
	require.Len(t, all, 2)
	assert.Equal(t, "chat.general", all[0].ID)
	assert.Equal(t, "company.plan", all[1].ID)
}

func TestCatalog_RejectsDuplicateOnConstruction(t *testing.T) {
	_, err := New([]Capability{
		{ID: "chat.general", Route: "/chat", Method: "POST"},
		{ID: "chat.general", Route: "/chat2", Method: "POST"},
	})
	assert.Error(t, err)
}
