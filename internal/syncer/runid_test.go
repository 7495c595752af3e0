// File: internal/syncer/runid_test.go
package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/standup-cli/internal/config"
)

func TestComputeRunIDIsDeterministic(t *testing.T) {
	project := config.ProjectConfig{
		Name:         "roadmap",
		SlackChannel: "C123",
		Query:        "",
		Since:        24 * time.Hour,
	}
	day := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)

	first := ComputeRunID(project, day)
	second := ComputeRunID(project, day)
	assert.Equal(t, first, second)

	// Time of day is irrelevant; only the calendar day participates.
	later := time.Date(2026, 8, 24, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, first, ComputeRunID(project, later))
}

func TestComputeRunIDSensitivity(t *testing.T) {
	base := config.ProjectConfig{Name: "roadmap", SlackChannel: "C123", Since: 24 * time.Hour}
	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	baseID := ComputeRunID(base, day)

	otherDay := ComputeRunID(base, day.AddDate(0, 0, 1))
	assert.NotEqual(t, baseID, otherDay)

	renamed := base
	renamed.Name = "platform"
	assert.NotEqual(t, baseID, ComputeRunID(renamed, day))

	queried := base
	queried.Query = "in:#standup"
	assert.NotEqual(t, baseID, ComputeRunID(queried, day))

	widened := base
	widened.Since = 48 * time.Hour
	assert.NotEqual(t, baseID, ComputeRunID(widened, day))
}

func TestRunMarker(t *testing.T) {
	assert.Equal(t, "run:abcdef123456", RunMarker("abcdef1234567890"))
	assert.Equal(t, "run:short", RunMarker("short"))
}
