package machine

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nick-groenke/repbridge/internal/protocol"
)

func newTestLink(t *testing.T) (*Link, *MockMachine, *MockManager) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	mock := NewMockMachine(logger, "FORMA-P 0142", "AA:BB:CC:DD:EE:01")
	manager := NewMockManager(logger, mock)
	return NewLink(manager, logger), mock, manager
}

func connectTestLink(t *testing.T, link *Link) {
	t.Helper()
	require.NoError(t, link.Connect(2*time.Second))
	require.True(t, link.Ready())
}

func waitForStatus(t *testing.T, ch <-chan ConnectionState, want ConnectionStatus) ConnectionState {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case state := <-ch:
			if state.Status == want {
				return state
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

func TestLinkConnectReachesReady(t *testing.T) {
	link, mock, _ := newTestLink(t)

	stateCh := make(chan ConnectionState, 16)
	defer link.ListenToState(stateCh)()

	connectTestLink(t, link)
	defer link.Disconnect()

	assert.Equal(t, ModelPro, link.Model())
	assert.True(t, mock.IsConnected())

	state := waitForStatus(t, stateCh, StatusReady)
	assert.Equal(t, "FORMA-P 0142", state.DeviceName)
	assert.Equal(t, mock.AddressString(), state.Address)
}

func TestLinkConnectTimesOutWithNoMachine(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	manager := NewMockManager(logger)
	link := NewLink(manager, logger)

	err := link.Connect(400 * time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, link.Ready())
	assert.Equal(t, StatusError, link.State().Status)
}

func TestLinkWriteBeforeReady(t *testing.T) {
	link, _, _ := newTestLink(t)
	err := link.WriteCommand(protocol.BuildStartFrame())
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestLinkWriteCommandParsedByMachine(t *testing.T) {
	link, mock, _ := newTestLink(t)
	connectTestLink(t, link)
	defer link.Disconnect()

	frame, err := protocol.BuildProgramFrame(protocol.ModeOldSchool, 25, 0, 3, 10, false)
	require.NoError(t, err)
	require.NoError(t, link.WriteCommand(frame))
	require.NoError(t, link.WriteCommand(protocol.BuildStartFrame()))

	require.NotNil(t, mock.LastProgram)
	assert.Equal(t, protocol.ModeOldSchool, mock.LastProgram.Mode)
	assert.Equal(t, 25.0, mock.LastProgram.WeightPerCableKg)
	assert.Equal(t, 10, mock.LastProgram.TargetReps)
	assert.Equal(t, 1, mock.StartCount)
}

func TestLinkWriteCommandRetriesOnce(t *testing.T) {
	link, mock, _ := newTestLink(t)
	connectTestLink(t, link)
	defer link.Disconnect()

	mock.FailNextWrites(1)
	assert.NoError(t, link.WriteCommand(protocol.BuildStopFrame()))
	assert.Equal(t, 1, mock.StopCount)

	mock.FailNextWrites(2)
	assert.Error(t, link.WriteCommand(protocol.BuildStopFrame()))
}

func TestLinkTelemetryPollIsSequential(t *testing.T) {
	link, mock, _ := newTestLink(t)
	connectTestLink(t, link)
	defer link.Disconnect()

	mock.SetMonitorDelay(150 * time.Millisecond)
	require.NoError(t, link.StartTelemetry())

	// Only one read may be outstanding while the first is still blocked.
	time.Sleep(75 * time.Millisecond)
	mock.mu.Lock()
	reads := mock.MonitorReads
	mock.mu.Unlock()
	assert.Equal(t, 1, reads)

	link.StopTelemetry()
}

func TestLinkTelemetryDelivered(t *testing.T) {
	link, mock, _ := newTestLink(t)
	connectTestLink(t, link)
	defer link.Disconnect()

	mock.SetTelemetry(protocol.TelemetrySample{
		LoadAKg:     25,
		LoadBKg:     25,
		StatusFlags: protocol.StatusActive,
	})
	mock.SetMonitorDelay(10 * time.Millisecond)

	telemetryCh := make(chan protocol.TelemetrySample, 16)
	defer link.ListenToTelemetry(telemetryCh)()

	require.NoError(t, link.StartTelemetry())
	defer link.StopTelemetry()

	select {
	case sample := <-telemetryCh:
		assert.InDelta(t, 50.0, sample.TotalLoadKg(), 0.2)
		assert.True(t, sample.IsActive())
	case <-time.After(2 * time.Second):
		t.Fatal("no telemetry sample received")
	}
}

func TestLinkTelemetrySurvivesGarbledFrames(t *testing.T) {
	link, mock, _ := newTestLink(t)
	connectTestLink(t, link)
	defer link.Disconnect()

	// Every monitor read returns radio noise.
	mock.SetRawMonitorFrame([]byte{0xDE, 0xAD})
	mock.SetMonitorDelay(time.Millisecond)

	telemetryCh := make(chan protocol.TelemetrySample, 16)
	defer link.ListenToTelemetry(telemetryCh)()

	require.NoError(t, link.StartTelemetry())
	defer link.StopTelemetry()

	// Far more garbled reads than any failure threshold; the link must
	// keep polling and stay Ready.
	time.Sleep(150 * time.Millisecond)
	assert.True(t, link.Ready())
	mock.mu.Lock()
	reads := mock.MonitorReads
	mock.mu.Unlock()
	assert.Greater(t, reads, maxMonitorReadFailures)

	// Samples flow again as soon as the stream clears up.
	mock.SetTelemetry(protocol.TelemetrySample{LoadAKg: 10, LoadBKg: 10})
	deadline := time.After(2 * time.Second)
	for {
		select {
		case sample := <-telemetryCh:
			if sample.TotalLoadKg() > 0 {
				assert.InDelta(t, 20.0, sample.TotalLoadKg(), 0.2)
				return
			}
		case <-deadline:
			t.Fatal("no telemetry after the stream recovered")
		}
	}
}

func TestLinkRepNotificationsDecoded(t *testing.T) {
	link, mock, _ := newTestLink(t)
	connectTestLink(t, link)
	defer link.Disconnect()

	repCh := make(chan protocol.RepNotification, 16)
	defer link.ListenToRepNotifications(repCh)()

	mock.PushRepNotification(protocol.RepNotification{
		TopCounter:      4,
		CompleteCounter: 3,
		RangeTopMm:      600,
		RangeBottomMm:   100,
		IsLegacy:        true,
	})

	select {
	case n := <-repCh:
		assert.True(t, n.IsLegacy)
		assert.Equal(t, uint16(4), n.TopCounter)
		assert.Equal(t, uint16(3), n.CompleteCounter)
	case <-time.After(time.Second):
		t.Fatal("no rep notification received")
	}
}

func TestLinkRepDecodeFailuresEscalate(t *testing.T) {
	link, mock, _ := newTestLink(t)
	connectTestLink(t, link)
	defer link.Disconnect()

	stateCh := make(chan ConnectionState, 16)
	defer link.ListenToState(stateCh)()

	// A lone malformed frame is tolerated.
	mock.PushRawRepNotification([]byte{0xFF})
	assert.True(t, link.Ready())

	for i := 0; i < maxRepDecodeFailures; i++ {
		mock.PushRawRepNotification([]byte{0xFF, 0x00})
	}

	state := waitForStatus(t, stateCh, StatusError)
	assert.Error(t, state.Err)
	assert.False(t, link.Ready())
}

func TestLinkRepDecodeFailureCounterResets(t *testing.T) {
	link, mock, _ := newTestLink(t)
	connectTestLink(t, link)
	defer link.Disconnect()

	good := protocol.RepNotification{TopCounter: 1, IsLegacy: true}
	for i := 0; i < 3; i++ {
		for j := 0; j < maxRepDecodeFailures-1; j++ {
			mock.PushRawRepNotification([]byte{0xFF})
		}
		mock.PushRepNotification(good)
	}
	assert.True(t, link.Ready())
}

func TestLinkDisconnectTearsDownCompletely(t *testing.T) {
	link, mock, _ := newTestLink(t)
	connectTestLink(t, link)

	mock.SetMonitorDelay(10 * time.Millisecond)
	require.NoError(t, link.StartTelemetry())
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, link.Disconnect())
	assert.False(t, link.Ready())
	assert.Equal(t, StatusDisconnected, link.State().Status)
	assert.False(t, mock.IsConnected())

	// No further reads once torn down.
	mock.mu.Lock()
	reads := mock.MonitorReads
	mock.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mock.mu.Lock()
	readsAfter := mock.MonitorReads
	mock.mu.Unlock()
	assert.Equal(t, reads, readsAfter)

	assert.ErrorIs(t, link.WriteCommand(protocol.BuildStopFrame()), ErrNotReady)
}

func TestLinkUnexpectedDisconnect(t *testing.T) {
	link, mock, manager := newTestLink(t)
	connectTestLink(t, link)

	stateCh := make(chan ConnectionState, 16)
	defer link.ListenToState(stateCh)()

	manager.DropConnection(mock.AddressString())

	state := waitForStatus(t, stateCh, StatusError)
	assert.ErrorIs(t, state.Err, ErrLinkLost)
	assert.False(t, link.Ready())
}

func TestLinkReconnectAfterError(t *testing.T) {
	link, mock, manager := newTestLink(t)
	connectTestLink(t, link)

	stateCh := make(chan ConnectionState, 16)
	unlisten := link.ListenToState(stateCh)
	manager.DropConnection(mock.AddressString())
	waitForStatus(t, stateCh, StatusError)
	unlisten()

	// A fresh Connect rebuilds the link from scratch.
	connectTestLink(t, link)
	defer link.Disconnect()
	assert.Equal(t, ModelPro, link.Model())
}
