package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triplestream/eventlog/internal/events"
)

func TestEncodeEnvelopeEventScoped(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	event := &SendableEvent{
		Category: events.CategoryAwaitingGeneration,
		ID:       "abc123",
		Project:  events.Project{ID: 7, Slug: "group/project"},
		Body:     json.RawMessage(`{"sha":"abc123","ref":"main"}`),
	}

	data, err := event.EncodeEnvelope()
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"categoryName":"AWAITING_GENERATION","id":"abc123",
		  "project":{"id":7,"slug":"group/project"},
		  "body":{"sha":"abc123","ref":"main"}}`,
		string(data))
}

func TestEncodeEnvelopeProjectScoped(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	event := &SendableEvent{
		Category: events.CategoryCleanUp,
		Project:  events.Project{ID: 7, Slug: "group/project"},
	}

	data, err := event.EncodeEnvelope()
	require.NoError(t, err)

	// No id and no body keys: project scoped categories address the whole
	// project.
	var decoded map[string]any

	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.NotContains(t, decoded, "id")
	assert.NotContains(t, decoded, "body")
	assert.Equal(t, "CLEAN_UP", decoded["categoryName"])
}

func TestRef(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	scoped := &SendableEvent{ID: "abc", Project: events.Project{ID: 7, Slug: "g/p"}}
	assert.Equal(t, "abc/7", scoped.Ref())

	projectWide := &SendableEvent{Project: events.Project{ID: 7, Slug: "g/p"}}
	assert.Equal(t, "g/p", projectWide.Ref())
}
