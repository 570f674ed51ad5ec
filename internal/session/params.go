package session

import (
	"fmt"
	"time"

	"github.com/nick-groenke/repbridge/internal/protocol"
)

// WorkoutType selects which command frame family configures the machine.
type WorkoutType int

const (
	WorkoutProgram WorkoutType = iota // fixed weight program modes
	WorkoutEcho                       // adaptive echo modes
)

func (t WorkoutType) String() string {
	switch t {
	case WorkoutProgram:
		return "Program"
	case WorkoutEcho:
		return "Echo"
	default:
		return "Unknown"
	}
}

// WorkoutParameters describes a full workout: per-set machine configuration
// plus the set structure around it.
type WorkoutParameters struct {
	Type WorkoutType

	// Program fields
	Mode             protocol.ProgramMode
	WeightPerCableKg float64
	ProgressionKg    float64 // added per rep by the machine within a set
	StopAtTop        bool

	// Echo fields
	EchoLevel            protocol.EchoLevel
	EccentricLoadPercent float64

	// Set structure
	WarmupReps      int
	TargetReps      int // ignored when AMRAP or JustLift
	Sets            int
	SetWeightStepKg float64 // added to the per-cable weight each set
	RestBetweenSets time.Duration

	AMRAP          bool // no fixed rep target, lift to failure
	JustLift       bool // open-ended echo session, no targets at all
	StallDetection bool // auto stop and deload when the cables stop moving
}

// Validate checks the parameter combination before any frame is built.
// Frame-level range checks (weight ceiling, eccentric ceiling) happen again
// in the protocol package; this catches the combinations that are
// structurally wrong rather than out of range.
func (p WorkoutParameters) Validate() error {
	if p.Sets < 1 {
		return fmt.Errorf("sets must be >= 1, got %d", p.Sets)
	}
	if p.WarmupReps < 0 {
		return fmt.Errorf("warmup reps must be >= 0, got %d", p.WarmupReps)
	}
	if p.RestBetweenSets < 0 {
		return fmt.Errorf("rest between sets must be >= 0, got %v", p.RestBetweenSets)
	}

	openEnded := p.AMRAP || p.JustLift
	if !openEnded && p.TargetReps <= 0 {
		return fmt.Errorf("target reps must be >= 1 for a counted set, got %d", p.TargetReps)
	}
	if openEnded && p.TargetReps != 0 {
		return fmt.Errorf("target reps must be 0 for an open-ended set, got %d", p.TargetReps)
	}

	switch p.Type {
	case WorkoutProgram:
		if !p.Mode.IsValid() {
			return fmt.Errorf("invalid program mode 0x%02X", uint8(p.Mode))
		}
		if p.JustLift {
			return fmt.Errorf("just lift requires an echo workout")
		}
		if p.WeightPerCableKg < 0 {
			return fmt.Errorf("weight must be >= 0, got %.1f", p.WeightPerCableKg)
		}
	case WorkoutEcho:
		if !p.EchoLevel.IsValid() {
			return fmt.Errorf("invalid echo level %d", p.EchoLevel)
		}
		if _, err := protocol.ComputeEchoParams(p.EchoLevel, p.EccentricLoadPercent); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown workout type %d", p.Type)
	}

	return nil
}

// OpenEnded reports whether the workout has no fixed rep target.
func (p WorkoutParameters) OpenEnded() bool {
	return p.AMRAP || p.JustLift
}

// RepCount is the live rep view of the current set.
type RepCount struct {
	WarmupReps       int
	WorkingReps      int
	TotalReps        int
	IsWarmupComplete bool

	// A rep whose top was counted but whose completion has not arrived
	// yet. PendingRepProgress tracks the cable position within the
	// calibrated range, 0 at the bottom and 1 at the top.
	HasPendingRep      bool
	PendingRepProgress float64
}
