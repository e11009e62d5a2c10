package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedListIsStable(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	want := []string{
		"eventLogTableCreator",
		"eventTableRenamer",
		"projectTableCreator",
		"eventPayloadTableCreator",
		"statusProcessingTimeTableCreator",
		"subscriberTableCreator",
		"subscriberCapacityAdder",
		"eventDeliveryTableCreator",
		"categorySyncTimeTableCreator",
		"payloadTypeChanger",
		"eventDeliveryEventTypeAdder",
		"cleanUpEventsQueueTableCreator",
		"cleanUpEventsQueueProjectIdAdder",
		"projectSlugRenamer",
		"statusChangeEventsQueueTableCreator",
	}

	got := make([]string, 0, len(Ordered()))
	for _, m := range Ordered() {
		got = append(got, m.Name())
	}

	// Appending is fine; reordering or renaming breaks deployed databases.
	require.Equal(t, want, got)
}

func TestOrderedNamesAreUnique(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	seen := make(map[string]bool)
	for _, m := range Ordered() {
		assert.False(t, seen[m.Name()], "duplicate migration name %s", m.Name())
		seen[m.Name()] = true
	}
}

func TestOutcomeConstructors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, Outcome{Result: Applied, Detail: "x"}, applied("x"))
	assert.Equal(t, Outcome{Result: AlreadyPresent}, alreadyPresent())
	assert.Equal(t, Outcome{Result: Skipped, Detail: "y"}, skipped("y"))
}
