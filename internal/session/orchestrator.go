package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nick-groenke/repbridge/internal/events"
	"github.com/nick-groenke/repbridge/internal/goutil"
	"github.com/nick-groenke/repbridge/internal/machine"
	"github.com/nick-groenke/repbridge/internal/protocol"
)

// MachineLink is the slice of machine.Link the orchestrator drives. A fake
// implementation stands in for it in tests.
type MachineLink interface {
	Ready() bool
	Model() machine.HardwareModel
	WriteCommand(frame []byte) error
	StartTelemetry() error
	StopTelemetry()
	ListenToState(ch chan<- machine.ConnectionState) func()
	ListenToTelemetry(ch chan<- protocol.TelemetrySample) func()
	ListenToRepNotifications(ch chan<- protocol.RepNotification) func()
}

var _ MachineLink = (*machine.Link)(nil)

type sessionCommand int

const (
	cmdPause sessionCommand = iota
	cmdResume
	cmdStop
)

const (
	defaultTickInterval = 1 * time.Second
	defaultCountdown    = 3 * time.Second
	defaultStallTimeout = 5 * time.Second

	// Cable velocity below this counts as no motion for stall detection.
	stallVelocityThresholdMmS = 5.0
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTickInterval overrides the internal timer resolution.
func WithTickInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.tickInterval = d }
}

// WithCountdown overrides the countdown before each set goes active.
func WithCountdown(d time.Duration) Option {
	return func(o *Orchestrator) { o.countdown = d }
}

// WithStallTimeout overrides how long the cables may sit still during an
// open-ended set before the machine is stopped and deloaded.
func WithStallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.stallTimeout = d }
}

// Orchestrator runs workouts against a ready machine link: per-set
// configuration, countdowns, rep counting, set summaries, rest periods and
// the final deload. All state lives on a single goroutine fed by the link's
// event channels and an internal ticker.
type Orchestrator struct {
	link   MachineLink
	logger *log.Logger

	tickInterval time.Duration
	countdown    time.Duration
	stallTimeout time.Duration

	mu                 sync.RWMutex
	status             WorkoutStatus
	params             WorkoutParameters
	currentSet         int
	tracker            *RepTracker
	countdownRemaining time.Duration
	restRemaining      time.Duration
	summaries          []SetSummary
	err                error

	// per-set telemetry stats
	setStart      time.Time
	peakLoadKg    float64
	velocitySum   float64
	velocityCount int
	lastMotion    time.Time

	telemetryCh chan protocol.TelemetrySample
	repCh       chan protocol.RepNotification
	linkStateCh chan machine.ConnectionState
	unlistenFns []func()

	cmdChan      chan sessionCommand
	doneChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once

	stateEvent   *events.ChannelEvent[WorkoutState]
	repEvent     *events.ChannelEvent[RepCount]
	summaryEvent *events.CallbackEvent[SetSummary]
}

func NewOrchestrator(link MachineLink, logger *log.Logger, opts ...Option) *Orchestrator {
	if link == nil {
		panic("Orchestrator: link cannot be nil")
	}
	if logger == nil {
		panic("Orchestrator: logger cannot be nil")
	}

	o := &Orchestrator{
		link:         link,
		logger:       logger,
		tickInterval: defaultTickInterval,
		countdown:    defaultCountdown,
		stallTimeout: defaultStallTimeout,
		status:       StatusIdle,
		telemetryCh:  make(chan protocol.TelemetrySample, 64),
		repCh:        make(chan protocol.RepNotification, 64),
		linkStateCh:  make(chan machine.ConnectionState, 16),
		cmdChan:      make(chan sessionCommand, 1),
		doneChan:     make(chan struct{}),
		stateEvent:   events.NewChannelEvent[WorkoutState](true),
		repEvent:     events.NewChannelEvent[RepCount](false),
		summaryEvent: events.NewCallbackEvent[SetSummary](false),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.unlistenFns = append(o.unlistenFns,
		link.ListenToTelemetry(o.telemetryCh),
		link.ListenToRepNotifications(o.repCh),
		link.ListenToState(o.linkStateCh),
	)

	o.wg.Add(1)
	goutil.SafeGo(logger, func() { o.runLoop() })

	return o
}

// State returns the current workout state snapshot.
func (o *Orchestrator) State() WorkoutState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.buildState()
}

// buildState must be called with mu held.
func (o *Orchestrator) buildState() WorkoutState {
	state := WorkoutState{
		Status:             o.status,
		Params:             o.params,
		CurrentSet:         o.currentSet,
		CountdownRemaining: o.countdownRemaining,
		RestRemaining:      o.restRemaining,
		Summaries:          append([]SetSummary(nil), o.summaries...),
		Err:                o.err,
	}
	if o.tracker != nil {
		state.Reps = o.tracker.Counts()
	}
	return state
}

func (o *Orchestrator) emitState() {
	o.mu.RLock()
	state := o.buildState()
	o.mu.RUnlock()
	o.stateEvent.Notify(state)
}

// Start validates the parameters, configures the machine for the first set
// and arms it. Errors surface synchronously; progress after that arrives
// through ListenToWorkoutState.
func (o *Orchestrator) Start(params WorkoutParameters) error {
	if err := params.Validate(); err != nil {
		return fmt.Errorf("invalid workout parameters: %w", err)
	}
	if !o.link.Ready() {
		return machine.ErrNotReady
	}

	if params.Type == WorkoutProgram {
		if max := o.link.Model().MaxResistanceKg(); max > 0 {
			heaviest := params.WeightPerCableKg + params.SetWeightStepKg*float64(params.Sets-1)
			if heaviest > max {
				return fmt.Errorf("%w: %.1f kg per cable exceeds the %s model's %.0f kg ceiling",
					protocol.ErrOutOfHardwareRange, heaviest, o.link.Model(), max)
			}
		}
	}

	o.mu.Lock()
	switch o.status {
	case StatusIdle, StatusCompleted, StatusError:
	default:
		status := o.status
		o.mu.Unlock()
		return fmt.Errorf("workout already in progress (status %s)", status)
	}
	o.params = params
	o.currentSet = 1
	o.summaries = nil
	o.err = nil
	o.status = StatusInitializing
	o.mu.Unlock()
	o.emitState()

	if err := o.configureAndArm(1); err != nil {
		o.mu.Lock()
		o.status = StatusIdle
		o.mu.Unlock()
		o.emitState()
		return err
	}
	if err := o.link.StartTelemetry(); err != nil {
		o.mu.Lock()
		o.status = StatusIdle
		o.mu.Unlock()
		o.emitState()
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	o.mu.Lock()
	o.beginCountdownLocked(1)
	o.mu.Unlock()
	o.emitState()

	o.logger.Printf("Orchestrator: workout started (%s, %d set(s))", params.Type, params.Sets)
	return nil
}

// configureAndArm writes the configuration frame for a set followed by the
// start frame. The machine ignores start commands without a prior
// configuration, so the order is load-bearing.
func (o *Orchestrator) configureAndArm(setNum int) error {
	frame, err := o.buildConfigFrame(setNum)
	if err != nil {
		return err
	}
	if err := o.link.WriteCommand(frame); err != nil {
		return fmt.Errorf("failed to configure set %d: %w", setNum, err)
	}
	if err := o.link.WriteCommand(protocol.BuildStartFrame()); err != nil {
		return fmt.Errorf("failed to arm set %d: %w", setNum, err)
	}
	return nil
}

func (o *Orchestrator) buildConfigFrame(setNum int) ([]byte, error) {
	o.mu.RLock()
	params := o.params
	o.mu.RUnlock()

	switch params.Type {
	case WorkoutProgram:
		weight := params.WeightPerCableKg + params.SetWeightStepKg*float64(setNum-1)
		return protocol.BuildProgramFrame(
			params.Mode, weight, params.ProgressionKg,
			params.WarmupReps, params.TargetReps, params.StopAtTop,
		)
	case WorkoutEcho:
		return protocol.BuildEchoFrame(
			params.EchoLevel, params.EccentricLoadPercent,
			params.WarmupReps, params.TargetReps, params.JustLift,
		)
	default:
		return nil, fmt.Errorf("unknown workout type %d", params.Type)
	}
}

// beginCountdownLocked resets the per-set state. Must be called with mu
// held.
func (o *Orchestrator) beginCountdownLocked(setNum int) {
	o.currentSet = setNum
	o.tracker = NewRepTracker(o.params.WarmupReps, o.params.TargetReps, o.params.OpenEnded())
	o.countdownRemaining = o.countdown
	o.restRemaining = 0
	o.peakLoadKg = 0
	o.velocitySum = 0
	o.velocityCount = 0
	o.status = StatusCountdown
}

// Pause deloads the machine mid-set. Resume re-configures and re-arms.
func (o *Orchestrator) Pause() {
	select {
	case o.cmdChan <- cmdPause:
	case <-o.doneChan:
	}
}

// Resume continues a paused workout with a fresh countdown. The set's rep
// counts carry over on the machine side.
func (o *Orchestrator) Resume() {
	select {
	case o.cmdChan <- cmdResume:
	case <-o.doneChan:
	}
}

// Stop aborts the workout, deloads the machine and returns to Idle.
func (o *Orchestrator) Stop() {
	select {
	case o.cmdChan <- cmdStop:
	case <-o.doneChan:
	}
}

// Shutdown stops the orchestrator goroutine. Safe to call multiple times.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		o.logger.Printf("Orchestrator: shutting down")
		for _, unlisten := range o.unlistenFns {
			unlisten()
		}
		close(o.doneChan)
		o.wg.Wait()
		o.logger.Printf("Orchestrator: shutdown complete")
	})
}

// ListenToWorkoutState registers a channel for workout state snapshots.
// The last state is replayed to new listeners. Returns a deregistration
// func.
func (o *Orchestrator) ListenToWorkoutState(ch chan<- WorkoutState) func() {
	return o.stateEvent.Listen(ch)
}

// ListenToRepCounts registers a channel for live rep counts, including
// pending rep progress updates. Returns a deregistration func.
func (o *Orchestrator) ListenToRepCounts(ch chan<- RepCount) func() {
	return o.repEvent.Listen(ch)
}

// OnSetSummary registers a callback invoked inline whenever a set finishes.
// Returns a deregistration func.
func (o *Orchestrator) OnSetSummary(callback func(SetSummary)) func() {
	return o.summaryEvent.Listen(callback)
}

func (o *Orchestrator) runLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.doneChan:
			o.logger.Printf("Orchestrator: loop exiting")
			return

		case cmd := <-o.cmdChan:
			o.handleCommand(cmd)

		case sample := <-o.telemetryCh:
			o.handleTelemetry(sample)

		case notification := <-o.repCh:
			o.handleRepNotification(notification)

		case linkState := <-o.linkStateCh:
			o.handleLinkState(linkState)

		case <-ticker.C:
			o.handleTick()
		}
	}
}

func (o *Orchestrator) handleCommand(cmd sessionCommand) {
	switch cmd {
	case cmdPause:
		o.mu.Lock()
		if o.status != StatusActive && o.status != StatusCountdown {
			o.mu.Unlock()
			return
		}
		o.status = StatusPaused
		o.mu.Unlock()

		o.writeStop()
		o.logger.Printf("Orchestrator: paused, machine deloaded")
		o.emitState()

	case cmdResume:
		o.mu.Lock()
		if o.status != StatusPaused {
			o.mu.Unlock()
			return
		}
		setNum := o.currentSet
		o.mu.Unlock()

		if err := o.configureAndArm(setNum); err != nil {
			o.enterError(err)
			return
		}
		o.mu.Lock()
		o.countdownRemaining = o.countdown
		o.status = StatusCountdown
		o.mu.Unlock()
		o.logger.Printf("Orchestrator: resumed set %d", setNum)
		o.emitState()

	case cmdStop:
		o.mu.Lock()
		if o.status == StatusIdle {
			o.mu.Unlock()
			return
		}
		o.status = StatusIdle
		o.tracker = nil
		o.countdownRemaining = 0
		o.restRemaining = 0
		o.mu.Unlock()

		o.writeStop()
		o.link.StopTelemetry()
		o.logger.Printf("Orchestrator: stopped, machine deloaded")
		o.emitState()
	}
}

func (o *Orchestrator) handleTelemetry(sample protocol.TelemetrySample) {
	o.mu.Lock()
	if o.status != StatusActive {
		o.mu.Unlock()
		return
	}

	if load := sample.TotalLoadKg(); load > o.peakLoadKg {
		o.peakLoadKg = load
	}
	velocity := sample.VelocityAMmS
	if velocity < 0 {
		velocity = -velocity
	}
	o.velocitySum += velocity
	o.velocityCount++

	if velocity > stallVelocityThresholdMmS || abs(sample.VelocityBMmS) > stallVelocityThresholdMmS {
		o.lastMotion = time.Now()
	}

	o.tracker.ObserveTelemetry(sample)
	pending := o.tracker.Counts()
	o.mu.Unlock()

	if pending.HasPendingRep {
		o.repEvent.Notify(pending)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (o *Orchestrator) handleRepNotification(notification protocol.RepNotification) {
	o.mu.Lock()
	if o.status != StatusActive || o.tracker == nil {
		o.mu.Unlock()
		return
	}
	counts, setComplete := o.tracker.Update(notification)
	o.mu.Unlock()

	o.repEvent.Notify(counts)
	o.emitState()

	if setComplete {
		o.finishSet()
	}
}

func (o *Orchestrator) handleLinkState(linkState machine.ConnectionState) {
	if linkState.Status != machine.StatusError {
		return
	}
	o.mu.Lock()
	active := o.status != StatusIdle && o.status != StatusCompleted && o.status != StatusError
	o.mu.Unlock()
	if !active {
		return
	}
	err := linkState.Err
	if err == nil {
		err = machine.ErrLinkLost
	}
	o.enterError(err)
}

func (o *Orchestrator) handleTick() {
	o.mu.Lock()
	status := o.status
	o.mu.Unlock()

	switch status {
	case StatusCountdown:
		o.mu.Lock()
		o.countdownRemaining -= o.tickInterval
		if o.countdownRemaining > 0 {
			o.mu.Unlock()
			o.emitState()
			return
		}
		o.countdownRemaining = 0
		o.status = StatusActive
		o.setStart = time.Now()
		o.lastMotion = time.Now()
		set := o.currentSet
		o.mu.Unlock()
		o.logger.Printf("Orchestrator: set %d active", set)
		o.emitState()

	case StatusActive:
		o.mu.Lock()
		stalled := o.params.StallDetection && o.params.OpenEnded() &&
			time.Since(o.lastMotion) >= o.stallTimeout
		o.mu.Unlock()
		if stalled {
			o.logger.Printf("Orchestrator: no cable motion for %v, ending set", o.stallTimeout)
			o.finishSet()
		}

	case StatusSetSummary:
		o.advanceAfterSummary()

	case StatusResting:
		o.mu.Lock()
		o.restRemaining -= o.tickInterval
		if o.restRemaining > 0 {
			o.mu.Unlock()
			o.emitState()
			return
		}
		o.restRemaining = 0
		nextSet := o.currentSet + 1
		o.mu.Unlock()
		o.startNextSet(nextSet)
	}
}

// finishSet deloads the machine, records the summary and moves to
// SetSummary. The transition onward happens on the next tick so consumers
// get at least one full summary snapshot.
func (o *Orchestrator) finishSet() {
	o.writeStop()

	o.mu.Lock()
	if o.status != StatusActive {
		o.mu.Unlock()
		return
	}
	summary := SetSummary{
		Set:         o.currentSet,
		WorkingReps: o.tracker.Counts().WorkingReps,
		PeakLoadKg:  o.peakLoadKg,
		Duration:    time.Since(o.setStart),
	}
	if o.velocityCount > 0 {
		summary.AvgVelocityMmS = o.velocitySum / float64(o.velocityCount)
	}
	o.summaries = append(o.summaries, summary)
	o.status = StatusSetSummary
	o.mu.Unlock()

	o.logger.Printf("Orchestrator: set %d done: %d reps, peak %.1f kg",
		summary.Set, summary.WorkingReps, summary.PeakLoadKg)
	o.emitState()
	o.summaryEvent.Notify(summary)
}

func (o *Orchestrator) advanceAfterSummary() {
	o.mu.Lock()
	if o.status != StatusSetSummary {
		o.mu.Unlock()
		return
	}
	if o.currentSet >= o.params.Sets {
		o.status = StatusCompleted
		o.mu.Unlock()

		o.link.StopTelemetry()
		o.logger.Printf("Orchestrator: workout complete")
		o.emitState()
		return
	}

	rest := o.params.RestBetweenSets
	if rest > 0 {
		o.restRemaining = rest
		o.status = StatusResting
		o.mu.Unlock()
		o.emitState()
		return
	}

	nextSet := o.currentSet + 1
	o.mu.Unlock()
	o.startNextSet(nextSet)
}

func (o *Orchestrator) startNextSet(setNum int) {
	if err := o.configureAndArm(setNum); err != nil {
		o.enterError(err)
		return
	}
	o.mu.Lock()
	o.beginCountdownLocked(setNum)
	o.mu.Unlock()
	o.logger.Printf("Orchestrator: set %d configured", setNum)
	o.emitState()
}

func (o *Orchestrator) writeStop() {
	if err := o.link.WriteCommand(protocol.BuildStopFrame()); err != nil {
		o.logger.Printf("Orchestrator: deload write failed: %v", err)
	}
}

func (o *Orchestrator) enterError(err error) {
	o.mu.Lock()
	o.status = StatusError
	o.err = err
	o.mu.Unlock()

	o.link.StopTelemetry()
	o.logger.Printf("Orchestrator: workout failed: %v", err)
	o.emitState()
}
