package clock

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlindLevelString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level BlindLevel
		want  string
	}{
		{BlindLevel{SmallBlind: 25, BigBlind: 50}, "25/50"},
		{BlindLevel{SmallBlind: 100, BigBlind: 200, Ante: 25}, "100/200 ante 25"},
		{BlindLevel{IsBreak: true}, "Break"},
		{BlindLevel{IsBreak: true, BreakName: "Dinner"}, "Break: Dinner"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.level.String())
	}
}

func TestScheduleHelpers(t *testing.T) {
	t.Parallel()

	schedule := Reindex([]BlindLevel{
		{SmallBlind: 25, BigBlind: 50, DurationSeconds: 900},
		{IsBreak: true, BreakName: "Chip race", DurationSeconds: 600},
		{SmallBlind: 50, BigBlind: 100, DurationSeconds: 900},
		{IsBreak: true, DurationSeconds: 300},
	})
	require.NoError(t, schedule.Validate())

	assert.Equal(t, 4, schedule.Len())
	assert.Equal(t, 45*time.Minute, schedule.TotalDuration())
	assert.True(t, schedule.InRange(3))
	assert.False(t, schedule.InRange(4))
	assert.False(t, schedule.InRange(-1))

	brk, ok := schedule.NextBreak(0)
	require.True(t, ok)
	assert.Equal(t, 1, brk.Index)

	brk, ok = schedule.NextBreak(1)
	require.True(t, ok)
	assert.Equal(t, 3, brk.Index)

	_, ok = schedule.NextBreak(3)
	assert.False(t, ok)
}

func TestScheduleCloneIsIndependent(t *testing.T) {
	t.Parallel()

	levels := []BlindLevel{{SmallBlind: 10, BigBlind: 20, DurationSeconds: 60}}
	e, _ := newTestEngine(t, Reindex(levels))

	got := e.Schedule()
	got[0].BigBlind = 999
	assert.Equal(t, 20, e.Schedule()[0].BigBlind)
}

func TestStatusJSON(t *testing.T) {
	t.Parallel()

	var s Status
	require.NoError(t, json.Unmarshal([]byte(`"PAUSED"`), &s))
	assert.Equal(t, StatusPaused, s)

	require.Error(t, json.Unmarshal([]byte(`"SLEEPING"`), &s))
	assert.Equal(t, StatusPaused, s, "rejected value leaves status untouched")
}

func TestStateDisplayedRemaining(t *testing.T) {
	t.Parallel()

	server := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	running := State{Status: StatusRunning, RemainingSeconds: 90, ServerTime: server}

	assert.Equal(t, 90*time.Second, running.DisplayedRemaining(server))
	assert.Equal(t, 89500*time.Millisecond, running.DisplayedRemaining(server.Add(500*time.Millisecond)))
	assert.Equal(t, 90*time.Second, running.DisplayedRemaining(server.Add(-time.Second)))
	assert.Zero(t, running.DisplayedRemaining(server.Add(5*time.Minute)))

	paused := running
	paused.Status = StatusPaused
	assert.Equal(t, 90*time.Second, paused.DisplayedRemaining(server.Add(time.Minute)))
}

func TestStateProgress(t *testing.T) {
	t.Parallel()

	s := State{CurrentLevel: BlindLevel{DurationSeconds: 200}, ElapsedSeconds: 50}
	assert.InDelta(t, 0.25, s.Progress(), 1e-9)

	s.ElapsedSeconds = 500
	assert.InDelta(t, 1.0, s.Progress(), 1e-9)

	assert.Zero(t, State{}.Progress())
}

func TestStateJSONRoundTripKeepsWireNames(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, blindSchedule(60, 60))
	st, err := e.Start(0)
	require.NoError(t, err)

	data, err := json.Marshal(st)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"tournamentId", "status", "currentLevelIndex", "elapsedSeconds", "remainingSeconds", "totalElapsedSeconds", "serverTime", "nextLevel"} {
		assert.Contains(t, raw, key)
	}
	assert.Equal(t, "RUNNING", raw["status"])
}
