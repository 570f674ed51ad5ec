package session

import (
	"github.com/nick-groenke/repbridge/internal/protocol"
)

// RepTracker turns the machine's rep counter frames into a monotonic
// RepCount for one set. It absorbs both firmware generations and works
// around the known dropped-final-rep defect: some firmware revisions never
// increment the top counter for the last rep of a counted set even though
// the completion counter shows the rep happened. When the working count
// sits exactly one short of the target and the completion counter proves
// the missing rep, the tracker synthesizes it. A deficit of two or more is
// never papered over, and open-ended sets have no target to reconcile
// against.
type RepTracker struct {
	warmupTarget int
	target       int
	openEnded    bool

	warmupReps  int
	workingReps int
	pendingTop  bool

	rangeTopMm      float64
	rangeBottomMm   float64
	pendingProgress float64

	completeFired bool
}

func NewRepTracker(warmupTarget, targetReps int, openEnded bool) *RepTracker {
	return &RepTracker{
		warmupTarget: warmupTarget,
		target:       targetReps,
		openEnded:    openEnded,
	}
}

// Update ingests one rep counter frame. The returned bool is true exactly
// once, when the set's target is reached.
func (t *RepTracker) Update(n protocol.RepNotification) (RepCount, bool) {
	var warmup, working int
	if n.IsLegacy {
		tops := int(n.TopCounter)
		warmup = tops
		if warmup > t.warmupTarget {
			warmup = t.warmupTarget
		}
		working = tops - t.warmupTarget
		if working < 0 {
			working = 0
		}
	} else {
		warmup = int(n.RomCount)
		working = int(n.SetCount)
	}

	// Counters only ever move forward; a stale or reordered frame must
	// not walk the counts back.
	if warmup > t.warmupReps {
		t.warmupReps = warmup
	}
	if working > t.workingReps {
		t.workingReps = working
	}

	t.pendingTop = n.TopCounter > n.CompleteCounter
	if n.RangeTopMm > n.RangeBottomMm {
		t.rangeTopMm = n.RangeTopMm
		t.rangeBottomMm = n.RangeBottomMm
	}
	if !t.pendingTop {
		t.pendingProgress = 0
	}

	// Dropped final rep: the completion counter carries the rep the top
	// counter missed. Only a deficit of exactly one is reconciled.
	if !t.openEnded && t.target > 0 && t.workingReps == t.target-1 {
		completedWorking := int(n.CompleteCounter) - t.warmupTarget
		if completedWorking >= t.target {
			t.workingReps = t.target
			t.pendingTop = false
			t.pendingProgress = 0
		}
	}

	setComplete := false
	if !t.openEnded && t.target > 0 && t.workingReps >= t.target && !t.completeFired {
		t.completeFired = true
		setComplete = true
	}

	return t.Counts(), setComplete
}

// ObserveTelemetry updates the pending rep progress from the cable
// position. Only meaningful while a top has been counted but its
// completion has not arrived.
func (t *RepTracker) ObserveTelemetry(sample protocol.TelemetrySample) {
	if !t.pendingTop || t.rangeTopMm <= t.rangeBottomMm {
		return
	}
	progress := (sample.PositionAMm - t.rangeBottomMm) / (t.rangeTopMm - t.rangeBottomMm)
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	t.pendingProgress = progress
}

// Counts returns the current rep view.
func (t *RepTracker) Counts() RepCount {
	return RepCount{
		WarmupReps:         t.warmupReps,
		WorkingReps:        t.workingReps,
		TotalReps:          t.warmupReps + t.workingReps,
		IsWarmupComplete:   t.warmupReps >= t.warmupTarget,
		HasPendingRep:      t.pendingTop,
		PendingRepProgress: t.pendingProgress,
	}
}
