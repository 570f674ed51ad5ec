package session

import (
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nick-groenke/repbridge/internal/events"
	"github.com/nick-groenke/repbridge/internal/machine"
	"github.com/nick-groenke/repbridge/internal/protocol"
)

// fakeLink is a scriptable MachineLink for orchestrator tests.
type fakeLink struct {
	mu              sync.Mutex
	ready           bool
	model           machine.HardwareModel
	writes          [][]byte
	writeErr        error
	telemetryActive bool

	stateEvent     *events.ChannelEvent[machine.ConnectionState]
	telemetryEvent *events.ChannelEvent[protocol.TelemetrySample]
	repEvent       *events.ChannelEvent[protocol.RepNotification]
}

func newFakeLink(model machine.HardwareModel) *fakeLink {
	return &fakeLink{
		ready:          true,
		model:          model,
		stateEvent:     events.NewChannelEvent[machine.ConnectionState](true),
		telemetryEvent: events.NewChannelEvent[protocol.TelemetrySample](false),
		repEvent:       events.NewChannelEvent[protocol.RepNotification](false),
	}
}

func (f *fakeLink) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeLink) Model() machine.HardwareModel { return f.model }

func (f *fakeLink) WriteCommand(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, append([]byte(nil), frame...))
	return nil
}

func (f *fakeLink) StartTelemetry() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.telemetryActive = true
	return nil
}

func (f *fakeLink) StopTelemetry() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.telemetryActive = false
}

func (f *fakeLink) ListenToState(ch chan<- machine.ConnectionState) func() {
	return f.stateEvent.Listen(ch)
}

func (f *fakeLink) ListenToTelemetry(ch chan<- protocol.TelemetrySample) func() {
	return f.telemetryEvent.Listen(ch)
}

func (f *fakeLink) ListenToRepNotifications(ch chan<- protocol.RepNotification) func() {
	return f.repEvent.Listen(ch)
}

func (f *fakeLink) pushRep(n protocol.RepNotification) {
	f.repEvent.Notify(n)
}

func (f *fakeLink) pushTelemetry(s protocol.TelemetrySample) {
	f.telemetryEvent.Notify(s)
}

func (f *fakeLink) failLink() {
	f.stateEvent.Notify(machine.ConnectionState{
		Status: machine.StatusError,
		Err:    machine.ErrLinkLost,
	})
}

func (f *fakeLink) commandWrites() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

func (f *fakeLink) stopFrameCount() int {
	count := 0
	for _, frame := range f.commandWrites() {
		if len(frame) > 0 && frame[0] == protocol.OpStop {
			count++
		}
	}
	return count
}

func newTestOrchestrator(t *testing.T, link MachineLink) *Orchestrator {
	t.Helper()
	o := NewOrchestrator(link, log.New(io.Discard, "", 0),
		WithTickInterval(5*time.Millisecond),
		WithCountdown(10*time.Millisecond),
		WithStallTimeout(50*time.Millisecond),
	)
	t.Cleanup(o.Shutdown)
	return o
}

func waitWorkoutStatus(t *testing.T, ch <-chan WorkoutState, want WorkoutStatus) WorkoutState {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case state := <-ch:
			if state.Status == want {
				return state
			}
		case <-deadline:
			t.Fatalf("timed out waiting for workout status %s", want)
		}
	}
}

// feedLegacySet pushes a full set's counter stream: warmup plus working
// reps, each top followed by its completion. With dropFinal the last top is
// never counted, only its completion.
func feedLegacySet(link *fakeLink, warmup, working int, dropFinal bool) {
	total := warmup + working
	var top, complete uint16
	for i := 1; i <= total; i++ {
		if !(dropFinal && i == total) {
			top++
			link.pushRep(legacyRep(top, complete))
		}
		complete++
		link.pushRep(legacyRep(top, complete))
	}
}

func oldSchoolParams() WorkoutParameters {
	return WorkoutParameters{
		Type:             WorkoutProgram,
		Mode:             protocol.ModeOldSchool,
		WeightPerCableKg: 25,
		WarmupReps:       3,
		TargetReps:       10,
		Sets:             1,
	}
}

func TestOrchestratorRejectsInvalidParams(t *testing.T) {
	link := newFakeLink(machine.ModelPro)
	o := newTestOrchestrator(t, link)

	params := oldSchoolParams()
	params.TargetReps = 0 // counted set without a target
	assert.Error(t, o.Start(params))

	params = oldSchoolParams()
	params.Sets = 0
	assert.Error(t, o.Start(params))
}

func TestOrchestratorRejectsWhenLinkNotReady(t *testing.T) {
	link := newFakeLink(machine.ModelPro)
	link.mu.Lock()
	link.ready = false
	link.mu.Unlock()
	o := newTestOrchestrator(t, link)

	assert.ErrorIs(t, o.Start(oldSchoolParams()), machine.ErrNotReady)
}

func TestOrchestratorRejectsWeightAboveModelCeiling(t *testing.T) {
	link := newFakeLink(machine.ModelCompact) // 100 kg ceiling
	o := newTestOrchestrator(t, link)

	params := oldSchoolParams()
	params.WeightPerCableKg = 120
	assert.ErrorIs(t, o.Start(params), protocol.ErrOutOfHardwareRange)
}

func TestOrchestratorOldSchoolFullSet(t *testing.T) {
	link := newFakeLink(machine.ModelPro)
	o := newTestOrchestrator(t, link)

	stateCh := make(chan WorkoutState, 256)
	defer o.ListenToWorkoutState(stateCh)()

	require.NoError(t, o.Start(oldSchoolParams()))

	// Configuration precedes the start command.
	writes := link.commandWrites()
	require.Len(t, writes, 2)
	cfg, err := protocol.ParseProgramFrame(writes[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.ModeOldSchool, cfg.Mode)
	assert.Equal(t, 25.0, cfg.WeightPerCableKg)
	assert.Equal(t, 3, cfg.WarmupReps)
	assert.Equal(t, 10, cfg.TargetReps)
	assert.Equal(t, protocol.BuildStartFrame(), writes[1])

	waitWorkoutStatus(t, stateCh, StatusCountdown)
	waitWorkoutStatus(t, stateCh, StatusActive)

	feedLegacySet(link, 3, 10, false)

	summary := waitWorkoutStatus(t, stateCh, StatusSetSummary)
	require.NotNil(t, summary.LastSummary())
	assert.Equal(t, 10, summary.LastSummary().WorkingReps)

	waitWorkoutStatus(t, stateCh, StatusCompleted)
	assert.Equal(t, 1, link.stopFrameCount())

	link.mu.Lock()
	telemetryActive := link.telemetryActive
	link.mu.Unlock()
	assert.False(t, telemetryActive)
}

func TestOrchestratorDroppedFinalRepStillCompletes(t *testing.T) {
	link := newFakeLink(machine.ModelPro)
	o := newTestOrchestrator(t, link)

	stateCh := make(chan WorkoutState, 256)
	defer o.ListenToWorkoutState(stateCh)()

	require.NoError(t, o.Start(oldSchoolParams()))
	waitWorkoutStatus(t, stateCh, StatusActive)

	feedLegacySet(link, 3, 10, true)

	summary := waitWorkoutStatus(t, stateCh, StatusSetSummary)
	require.NotNil(t, summary.LastSummary())
	assert.Equal(t, 10, summary.LastSummary().WorkingReps)
	waitWorkoutStatus(t, stateCh, StatusCompleted)
}

func TestOrchestratorAMRAPNeverSynthesizesReps(t *testing.T) {
	link := newFakeLink(machine.ModelPro)
	o := newTestOrchestrator(t, link)

	stateCh := make(chan WorkoutState, 256)
	defer o.ListenToWorkoutState(stateCh)()

	params := oldSchoolParams()
	params.TargetReps = 0
	params.AMRAP = true
	require.NoError(t, o.Start(params))
	waitWorkoutStatus(t, stateCh, StatusActive)

	// Identical counter stream to the dropped-final-rep case.
	feedLegacySet(link, 3, 10, true)

	time.Sleep(50 * time.Millisecond)
	state := o.State()
	assert.Equal(t, StatusActive, state.Status)
	assert.Equal(t, 9, state.Reps.WorkingReps)

	o.Stop()
	waitWorkoutStatus(t, stateCh, StatusIdle)
}

func TestOrchestratorMultiSetWithRestAndWeightStep(t *testing.T) {
	link := newFakeLink(machine.ModelPro)
	o := newTestOrchestrator(t, link)

	stateCh := make(chan WorkoutState, 256)
	defer o.ListenToWorkoutState(stateCh)()

	params := WorkoutParameters{
		Type:             WorkoutProgram,
		Mode:             protocol.ModePump,
		WeightPerCableKg: 25,
		TargetReps:       2,
		Sets:             2,
		SetWeightStepKg:  2.5,
		RestBetweenSets:  30 * time.Millisecond,
	}
	require.NoError(t, o.Start(params))
	waitWorkoutStatus(t, stateCh, StatusActive)
	feedLegacySet(link, 0, 2, false)

	waitWorkoutStatus(t, stateCh, StatusSetSummary)
	waitWorkoutStatus(t, stateCh, StatusResting)
	state := waitWorkoutStatus(t, stateCh, StatusActive)
	assert.Equal(t, 2, state.CurrentSet)

	feedLegacySet(link, 0, 2, false)
	final := waitWorkoutStatus(t, stateCh, StatusCompleted)
	require.Len(t, final.Summaries, 2)
	assert.Equal(t, 2, final.Summaries[0].WorkingReps)
	assert.Equal(t, 2, final.Summaries[1].WorkingReps)

	// Second set's configuration carries the stepped weight.
	var configs []protocol.ProgramConfig
	for _, frame := range link.commandWrites() {
		if len(frame) > 0 && frame[0] == protocol.OpProgramConfig {
			cfg, err := protocol.ParseProgramFrame(frame)
			require.NoError(t, err)
			configs = append(configs, cfg)
		}
	}
	require.Len(t, configs, 2)
	assert.Equal(t, 25.0, configs[0].WeightPerCableKg)
	assert.Equal(t, 27.5, configs[1].WeightPerCableKg)
}

func TestOrchestratorZeroRestSkipsResting(t *testing.T) {
	link := newFakeLink(machine.ModelPro)
	o := newTestOrchestrator(t, link)

	stateCh := make(chan WorkoutState, 256)
	defer o.ListenToWorkoutState(stateCh)()

	params := WorkoutParameters{
		Type:             WorkoutProgram,
		Mode:             protocol.ModeOldSchool,
		WeightPerCableKg: 20,
		TargetReps:       1,
		Sets:             2,
	}
	require.NoError(t, o.Start(params))
	waitWorkoutStatus(t, stateCh, StatusActive)
	feedLegacySet(link, 0, 1, false)

	waitWorkoutStatus(t, stateCh, StatusSetSummary)
	// Straight to the next countdown, never Resting.
	state := waitWorkoutStatus(t, stateCh, StatusCountdown)
	assert.Equal(t, 2, state.CurrentSet)

	waitWorkoutStatus(t, stateCh, StatusActive)
	feedLegacySet(link, 0, 1, false)
	waitWorkoutStatus(t, stateCh, StatusCompleted)
}

func TestOrchestratorStallDetectionEndsOpenEndedSet(t *testing.T) {
	link := newFakeLink(machine.ModelPro)
	o := newTestOrchestrator(t, link)

	stateCh := make(chan WorkoutState, 256)
	defer o.ListenToWorkoutState(stateCh)()

	params := WorkoutParameters{
		Type:           WorkoutEcho,
		EchoLevel:      protocol.EchoLevelMedium,
		JustLift:       true,
		Sets:           1,
		StallDetection: true,
	}
	require.NoError(t, o.Start(params))
	waitWorkoutStatus(t, stateCh, StatusActive)

	// No motion at all: the stall timeout ends the set and deloads.
	waitWorkoutStatus(t, stateCh, StatusSetSummary)
	waitWorkoutStatus(t, stateCh, StatusCompleted)
	assert.GreaterOrEqual(t, link.stopFrameCount(), 1)
}

func TestOrchestratorMotionDefersStall(t *testing.T) {
	link := newFakeLink(machine.ModelPro)
	o := newTestOrchestrator(t, link)

	stateCh := make(chan WorkoutState, 256)
	defer o.ListenToWorkoutState(stateCh)()

	params := WorkoutParameters{
		Type:           WorkoutEcho,
		EchoLevel:      protocol.EchoLevelMedium,
		JustLift:       true,
		Sets:           1,
		StallDetection: true,
	}
	require.NoError(t, o.Start(params))
	waitWorkoutStatus(t, stateCh, StatusActive)

	// Keep the cables moving for a while; the set must stay active.
	for i := 0; i < 8; i++ {
		link.pushTelemetry(protocol.TelemetrySample{VelocityAMmS: 120})
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, StatusActive, o.State().Status)

	// Then stop moving and let the stall end it.
	waitWorkoutStatus(t, stateCh, StatusCompleted)
}

func TestOrchestratorPauseResume(t *testing.T) {
	link := newFakeLink(machine.ModelPro)
	o := newTestOrchestrator(t, link)

	stateCh := make(chan WorkoutState, 256)
	defer o.ListenToWorkoutState(stateCh)()

	require.NoError(t, o.Start(oldSchoolParams()))
	waitWorkoutStatus(t, stateCh, StatusActive)

	o.Pause()
	waitWorkoutStatus(t, stateCh, StatusPaused)
	assert.GreaterOrEqual(t, link.stopFrameCount(), 1)

	o.Resume()
	waitWorkoutStatus(t, stateCh, StatusCountdown)
	waitWorkoutStatus(t, stateCh, StatusActive)
}

func TestOrchestratorLinkFailureEntersError(t *testing.T) {
	link := newFakeLink(machine.ModelPro)
	o := newTestOrchestrator(t, link)

	stateCh := make(chan WorkoutState, 256)
	defer o.ListenToWorkoutState(stateCh)()

	require.NoError(t, o.Start(oldSchoolParams()))
	waitWorkoutStatus(t, stateCh, StatusActive)

	link.failLink()
	state := waitWorkoutStatus(t, stateCh, StatusError)
	assert.ErrorIs(t, state.Err, machine.ErrLinkLost)

	// A failed workout can be restarted once the link recovers.
	require.NoError(t, o.Start(oldSchoolParams()))
	waitWorkoutStatus(t, stateCh, StatusCountdown)
}

func TestOrchestratorRejectsSecondStart(t *testing.T) {
	link := newFakeLink(machine.ModelPro)
	o := newTestOrchestrator(t, link)

	stateCh := make(chan WorkoutState, 256)
	defer o.ListenToWorkoutState(stateCh)()

	require.NoError(t, o.Start(oldSchoolParams()))
	waitWorkoutStatus(t, stateCh, StatusActive)
	assert.Error(t, o.Start(oldSchoolParams()))

	o.Stop()
	waitWorkoutStatus(t, stateCh, StatusIdle)
	require.NoError(t, o.Start(oldSchoolParams()))
}

func TestOrchestratorSetSummaryCallback(t *testing.T) {
	link := newFakeLink(machine.ModelPro)
	o := newTestOrchestrator(t, link)

	stateCh := make(chan WorkoutState, 256)
	defer o.ListenToWorkoutState(stateCh)()

	summaryCh := make(chan SetSummary, 4)
	defer o.OnSetSummary(func(s SetSummary) { summaryCh <- s })()

	require.NoError(t, o.Start(oldSchoolParams()))
	waitWorkoutStatus(t, stateCh, StatusActive)
	feedLegacySet(link, 3, 10, false)

	select {
	case s := <-summaryCh:
		assert.Equal(t, 1, s.Set)
		assert.Equal(t, 10, s.WorkingReps)
	case <-time.After(3 * time.Second):
		t.Fatal("set summary callback never fired")
	}
}

func TestOrchestratorSummaryStats(t *testing.T) {
	link := newFakeLink(machine.ModelPro)
	o := newTestOrchestrator(t, link)

	stateCh := make(chan WorkoutState, 256)
	defer o.ListenToWorkoutState(stateCh)()

	params := oldSchoolParams()
	params.TargetReps = 2
	require.NoError(t, o.Start(params))
	waitWorkoutStatus(t, stateCh, StatusActive)

	link.pushTelemetry(protocol.TelemetrySample{LoadAKg: 25, LoadBKg: 25, VelocityAMmS: 100})
	link.pushTelemetry(protocol.TelemetrySample{LoadAKg: 26, LoadBKg: 26, VelocityAMmS: -200})
	time.Sleep(30 * time.Millisecond)

	feedLegacySet(link, 3, 2, false)

	summary := waitWorkoutStatus(t, stateCh, StatusSetSummary)
	require.NotNil(t, summary.LastSummary())
	assert.InDelta(t, 52.0, summary.LastSummary().PeakLoadKg, 0.01)
	assert.InDelta(t, 150.0, summary.LastSummary().AvgVelocityMmS, 0.01)
	assert.Positive(t, summary.LastSummary().Duration)
}
