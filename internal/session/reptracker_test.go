package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nick-groenke/repbridge/internal/protocol"
)

func legacyRep(top, complete uint16) protocol.RepNotification {
	return protocol.RepNotification{
		TopCounter:      top,
		CompleteCounter: complete,
		RangeTopMm:      600,
		RangeBottomMm:   100,
		IsLegacy:        true,
	}
}

func modernRep(top, complete uint16, rom, set uint8) protocol.RepNotification {
	return protocol.RepNotification{
		TopCounter:      top,
		CompleteCounter: complete,
		RomCount:        rom,
		SetCount:        set,
		RangeTopMm:      600,
		RangeBottomMm:   100,
	}
}

func TestRepTrackerLegacyCounting(t *testing.T) {
	tracker := NewRepTracker(3, 10, false)

	// Warmup reps count against the warmup target first.
	counts, complete := tracker.Update(legacyRep(2, 2))
	assert.False(t, complete)
	assert.Equal(t, 2, counts.WarmupReps)
	assert.Equal(t, 0, counts.WorkingReps)
	assert.False(t, counts.IsWarmupComplete)

	counts, complete = tracker.Update(legacyRep(3, 3))
	assert.False(t, complete)
	assert.True(t, counts.IsWarmupComplete)
	assert.Equal(t, 0, counts.WorkingReps)

	counts, complete = tracker.Update(legacyRep(7, 7))
	assert.False(t, complete)
	assert.Equal(t, 3, counts.WarmupReps)
	assert.Equal(t, 4, counts.WorkingReps)
	assert.Equal(t, 7, counts.TotalReps)
}

func TestRepTrackerModernCounting(t *testing.T) {
	tracker := NewRepTracker(3, 10, false)

	counts, complete := tracker.Update(modernRep(5, 5, 3, 2))
	assert.False(t, complete)
	assert.Equal(t, 3, counts.WarmupReps)
	assert.Equal(t, 2, counts.WorkingReps)
	assert.True(t, counts.IsWarmupComplete)
}

func TestRepTrackerCompletesAtTarget(t *testing.T) {
	tracker := NewRepTracker(0, 3, false)

	_, complete := tracker.Update(legacyRep(2, 2))
	require.False(t, complete)

	counts, complete := tracker.Update(legacyRep(3, 3))
	assert.True(t, complete)
	assert.Equal(t, 3, counts.WorkingReps)

	// Fires exactly once even if counters keep arriving.
	_, complete = tracker.Update(legacyRep(4, 4))
	assert.False(t, complete)
}

func TestRepTrackerMonotonic(t *testing.T) {
	tracker := NewRepTracker(0, 10, false)

	tracker.Update(legacyRep(5, 5))
	counts, _ := tracker.Update(legacyRep(3, 3)) // stale frame
	assert.Equal(t, 5, counts.WorkingReps)
}

func TestRepTrackerPendingRepProgress(t *testing.T) {
	tracker := NewRepTracker(0, 5, false)

	// Top counted, completion not yet.
	counts, _ := tracker.Update(legacyRep(3, 2))
	require.True(t, counts.HasPendingRep)

	tracker.ObserveTelemetry(protocol.TelemetrySample{PositionAMm: 350})
	assert.InDelta(t, 0.5, tracker.Counts().PendingRepProgress, 0.01)

	tracker.ObserveTelemetry(protocol.TelemetrySample{PositionAMm: 700})
	assert.Equal(t, 1.0, tracker.Counts().PendingRepProgress)

	// Completion clears the pending rep.
	counts, _ = tracker.Update(legacyRep(3, 3))
	assert.False(t, counts.HasPendingRep)
	assert.Zero(t, counts.PendingRepProgress)
}

func TestRepTrackerDroppedFinalRepFallback(t *testing.T) {
	tracker := NewRepTracker(3, 10, false)

	// Tops stall at 12 (9 working) but the completion counter proves the
	// tenth rep happened.
	var complete bool
	for top := uint16(1); top <= 12; top++ {
		_, complete = tracker.Update(legacyRep(top, top-1))
		require.False(t, complete)
		_, complete = tracker.Update(legacyRep(top, top))
		require.False(t, complete)
	}
	assert.Equal(t, 9, tracker.Counts().WorkingReps)

	counts, complete := tracker.Update(legacyRep(12, 13))
	assert.True(t, complete)
	assert.Equal(t, 10, counts.WorkingReps)
	assert.False(t, counts.HasPendingRep)
}

func TestRepTrackerNoFallbackForOpenEnded(t *testing.T) {
	tracker := NewRepTracker(3, 0, true)

	for top := uint16(1); top <= 12; top++ {
		_, complete := tracker.Update(legacyRep(top, top))
		require.False(t, complete)
	}
	counts, complete := tracker.Update(legacyRep(12, 13))
	assert.False(t, complete)
	assert.Equal(t, 9, counts.WorkingReps)
}

func TestRepTrackerNoFallbackForLargerDeficit(t *testing.T) {
	tracker := NewRepTracker(0, 10, false)

	// Two reps short: the completion counter alone is not trusted.
	counts, complete := tracker.Update(legacyRep(8, 10))
	assert.False(t, complete)
	assert.Equal(t, 8, counts.WorkingReps)
}
