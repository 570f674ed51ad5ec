package session

import "time"

// WorkoutStatus is the lifecycle of a workout session. Multi-set workouts
// cycle through Countdown, Active, SetSummary and Resting and end in a
// single Completed; the per-set history lives in WorkoutState.Summaries
// rather than in dedicated per-exercise or per-routine completion states.
type WorkoutStatus int

const (
	StatusIdle         WorkoutStatus = iota
	StatusInitializing               // configuring the machine
	StatusCountdown                  // configured, counting down to active
	StatusActive                     // set in progress
	StatusSetSummary                 // set finished, summary available
	StatusResting                    // between sets
	StatusPaused                     // deloaded mid-set by the user
	StatusCompleted                  // all sets done
	StatusError                      // machine link failed mid-workout
)

func (s WorkoutStatus) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusInitializing:
		return "Initializing"
	case StatusCountdown:
		return "Countdown"
	case StatusActive:
		return "Active"
	case StatusSetSummary:
		return "SetSummary"
	case StatusResting:
		return "Resting"
	case StatusPaused:
		return "Paused"
	case StatusCompleted:
		return "Completed"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// SetSummary captures one finished set.
type SetSummary struct {
	Set            int
	WorkingReps    int
	PeakLoadKg     float64
	AvgVelocityMmS float64
	Duration       time.Duration
}

// WorkoutState is a snapshot of the session, emitted on every transition
// and on every rep.
type WorkoutState struct {
	Status     WorkoutStatus
	Params     WorkoutParameters
	CurrentSet int
	Reps       RepCount

	// Time remaining in the current countdown or rest period.
	CountdownRemaining time.Duration
	RestRemaining      time.Duration

	// Summaries of finished sets, oldest first.
	Summaries []SetSummary

	Err error
}

// LastSummary returns the most recent finished set, or nil.
func (s WorkoutState) LastSummary() *SetSummary {
	if len(s.Summaries) == 0 {
		return nil
	}
	return &s.Summaries[len(s.Summaries)-1]
}
