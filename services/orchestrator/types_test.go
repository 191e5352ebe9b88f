package orchestrator

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerhost/pkg/bus"
)

func TestRunEventsCarryDistinctMessageIDs(t *testing.T) {
	run := &Run{ID: uuid.MustParse("6f1c2b1e-3a4d-4c55-9e0f-0a1b2c3d4e5f"), Host: "rig-1"}

	var started, finished bus.Identified = newRunStartedEvent(run), newRunFinishedEvent(run)
	assert.Equal(t, "6f1c2b1e-3a4d-4c55-9e0f-0a1b2c3d4e5f.started", started.MessageID())
	assert.Equal(t, "6f1c2b1e-3a4d-4c55-9e0f-0a1b2c3d4e5f.finished", finished.MessageID())
	require.NotEqual(t, started.MessageID(), finished.MessageID())
}
