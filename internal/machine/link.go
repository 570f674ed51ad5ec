package machine

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nick-groenke/repbridge/internal/bt"
	"github.com/nick-groenke/repbridge/internal/events"
	"github.com/nick-groenke/repbridge/internal/goutil"
	"github.com/nick-groenke/repbridge/internal/protocol"
)

const (
	scanPollInterval   = 250 * time.Millisecond
	connectWaitTimeout = 10 * time.Second
	writeRetryDelay    = 100 * time.Millisecond

	// Consecutive rep notifications that fail to decode before the link
	// gives up on the stream.
	maxRepDecodeFailures = 5
	// Consecutive monitor transport failures before the poll loop gives up.
	// Decode failures on the monitor stream never count; garbled frames are
	// dropped and the loop reads again.
	maxMonitorReadFailures = 5
)

// Link owns the connection to one machine: scan, connect, subscription
// setup, the telemetry poll loop and teardown. Commands are rejected until
// the link reaches Ready; after a disconnect a fresh Connect builds
// everything up again from scratch.
type Link struct {
	manager bt.Manager
	logger  *log.Logger

	mu         sync.Mutex
	device     bt.Device
	model      HardwareModel
	status     ConnectionStatus
	deviceName string
	address    string
	closing    bool

	pollStop chan struct{}
	pollWg   sync.WaitGroup
	polling  bool

	repDecodeFailures int

	unlistenConnChanges func()
	connChangeCh        chan bt.ConnectionChange
	connWatchStop       chan struct{}

	stateEvent     *events.ChannelEvent[ConnectionState]
	telemetryEvent *events.ChannelEvent[protocol.TelemetrySample]
	repEvent       *events.ChannelEvent[protocol.RepNotification]
}

func NewLink(manager bt.Manager, logger *log.Logger) *Link {
	if manager == nil {
		panic("Link: manager cannot be nil")
	}
	if logger == nil {
		panic("Link: logger cannot be nil")
	}
	return &Link{
		manager:        manager,
		logger:         logger,
		status:         StatusDisconnected,
		stateEvent:     events.NewChannelEvent[ConnectionState](true),
		telemetryEvent: events.NewChannelEvent[protocol.TelemetrySample](false),
		repEvent:       events.NewChannelEvent[protocol.RepNotification](false),
	}
}

// State returns the current connection state snapshot.
func (l *Link) State() ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked(nil)
}

func (l *Link) snapshotLocked(err error) ConnectionState {
	return ConnectionState{
		Status:     l.status,
		DeviceName: l.deviceName,
		Address:    l.address,
		Model:      l.model,
		Err:        err,
	}
}

func (l *Link) setStatus(status ConnectionStatus, err error) {
	l.mu.Lock()
	l.status = status
	snapshot := l.snapshotLocked(err)
	l.mu.Unlock()

	l.logger.Printf("Link: status -> %s (device=%s err=%v)", status, snapshot.Address, err)
	l.stateEvent.Notify(snapshot)
}

// Ready reports whether the link accepts commands.
func (l *Link) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status == StatusReady
}

// Model returns the hardware model of the connected machine.
func (l *Link) Model() HardwareModel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.model
}

// Connect scans for a machine, connects to the first one seen and brings
// the link to Ready. Write attempts before Connect returns fail with
// ErrNotReady. scanTimeout bounds only the scan phase.
func (l *Link) Connect(scanTimeout time.Duration) error {
	l.mu.Lock()
	if l.status != StatusDisconnected && l.status != StatusError {
		l.mu.Unlock()
		return fmt.Errorf("link already active (status %s)", l.status)
	}
	l.closing = false
	l.mu.Unlock()

	l.setStatus(StatusScanning, nil)

	device, err := l.scanForMachine(scanTimeout)
	if err != nil {
		l.setStatus(StatusError, err)
		return err
	}

	name := device.LocalName()
	model, _ := ModelForName(name)
	l.mu.Lock()
	l.device = device
	l.deviceName = name
	l.address = device.AddressString()
	l.model = model
	l.mu.Unlock()

	l.logger.Printf("Link: selected %s (%s), model %s, max %.0f kg per cable",
		name, device.AddressString(), model, model.MaxResistanceKg())

	l.setStatus(StatusConnecting, nil)
	if err := l.manager.Connect(device); err != nil {
		l.setStatus(StatusError, err)
		return fmt.Errorf("failed to initiate connection: %w", err)
	}
	if err := device.WaitForConnection(connectWaitTimeout); err != nil {
		l.setStatus(StatusError, err)
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	l.watchConnectionChanges()

	l.setStatus(StatusSubscribing, nil)
	if err := l.subscribe(device); err != nil {
		l.teardown()
		l.setStatus(StatusError, err)
		return err
	}

	l.mu.Lock()
	l.repDecodeFailures = 0
	l.mu.Unlock()
	l.setStatus(StatusReady, nil)
	return nil
}

func (l *Link) scanForMachine(scanTimeout time.Duration) (bt.Device, error) {
	l.manager.StartScan(AllDeviceNamePrefixes)
	defer func() {
		if err := l.manager.StopScan(); err != nil {
			l.logger.Printf("Link: error stopping scan: %v", err)
		}
	}()

	deadline := time.After(scanTimeout)
	ticker := time.NewTicker(scanPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, device := range l.manager.ScanDevices() {
				if _, ok := ModelForName(device.LocalName()); ok {
					return device, nil
				}
			}
		case <-deadline:
			return nil, fmt.Errorf("%w: no machine found within %v", ErrTimeout, scanTimeout)
		}
	}
}

// subscribe completes the link setup: rep notifications on, status read,
// MTU checked. Ready is only reported after every step succeeded, so a
// caller seeing Ready can write immediately.
func (l *Link) subscribe(device bt.Device) error {
	if err := device.EnableNotifications(
		DataStreamRepNotify.ServiceUUID,
		DataStreamRepNotify.CharacteristicUUID,
		l.handleRepNotification,
	); err != nil {
		return fmt.Errorf("failed to subscribe to rep counter: %w", err)
	}

	if buf, err := device.ReadCharacteristic(
		DataStreamMachineStatus.ServiceUUID,
		DataStreamMachineStatus.CharacteristicUUID,
	); err != nil {
		l.logger.Printf("Link: machine status read failed: %v", err)
	} else {
		l.logger.Printf("Link: machine status: %x", buf)
	}

	if mtu, err := device.NegotiatedMTU(
		DataStreamCommand.ServiceUUID,
		DataStreamCommand.CharacteristicUUID,
	); err != nil {
		l.logger.Printf("Link: MTU query failed: %v", err)
	} else {
		l.logger.Printf("Link: negotiated MTU %d", mtu)
	}

	return nil
}

func (l *Link) watchConnectionChanges() {
	ch := make(chan bt.ConnectionChange, 8)
	unlisten := l.manager.ListenToConnectionChanges(ch)
	stop := make(chan struct{})

	l.mu.Lock()
	l.unlistenConnChanges = unlisten
	l.connChangeCh = ch
	l.connWatchStop = stop
	address := l.address
	l.mu.Unlock()

	goutil.SafeGo(l.logger, func() {
		for {
			select {
			case <-stop:
				return
			case change := <-ch:
				if change.Address != address || change.Connected {
					continue
				}
				l.mu.Lock()
				closing := l.closing
				l.mu.Unlock()
				if closing {
					return
				}
				l.logger.Printf("Link: unexpected disconnect from %s", address)
				l.teardown()
				l.setStatus(StatusError, ErrLinkLost)
				return
			}
		}
	})
}

// WriteCommand writes a command frame to the machine. A transient write
// failure gets one retry; a second failure is returned to the caller.
func (l *Link) WriteCommand(frame []byte) error {
	l.mu.Lock()
	device := l.device
	ready := l.status == StatusReady
	l.mu.Unlock()

	if !ready || device == nil {
		return ErrNotReady
	}

	err := device.WriteCharacteristic(
		DataStreamCommand.ServiceUUID,
		DataStreamCommand.CharacteristicUUID,
		frame,
	)
	if err == nil {
		return nil
	}

	l.logger.Printf("Link: command write failed, retrying once: %v", err)
	time.Sleep(writeRetryDelay)

	if !device.IsConnected() {
		return ErrLinkLost
	}
	err = device.WriteCharacteristic(
		DataStreamCommand.ServiceUUID,
		DataStreamCommand.CharacteristicUUID,
		frame,
	)
	if err != nil {
		return fmt.Errorf("command write failed after retry: %w", err)
	}
	return nil
}

// StartTelemetry starts the monitor poll loop. The loop is strictly
// sequential: the next read is issued only after the previous one returned
// and its sample was handed off, so a slow peripheral naturally slows the
// loop down instead of stacking requests.
func (l *Link) StartTelemetry() error {
	l.mu.Lock()
	if l.status != StatusReady {
		l.mu.Unlock()
		return ErrNotReady
	}
	if l.polling {
		l.mu.Unlock()
		return nil
	}
	l.polling = true
	stop := make(chan struct{})
	l.pollStop = stop
	device := l.device
	l.mu.Unlock()

	l.pollWg.Add(1)
	goutil.SafeGo(l.logger, func() {
		defer l.pollWg.Done()
		defer l.logger.Printf("Link: exiting telemetry poll loop")
		// Marking the loop stopped before exiting keeps a later
		// StopTelemetry from waiting on a goroutine that tore itself down.
		defer l.markPollStopped()
		l.pollLoop(device, stop)
	})
	return nil
}

func (l *Link) markPollStopped() {
	l.mu.Lock()
	if l.polling {
		l.polling = false
		close(l.pollStop)
	}
	l.mu.Unlock()
}

func (l *Link) pollLoop(device bt.Device, stop chan struct{}) {
	consecutiveReadFailures := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		buf, err := device.ReadCharacteristic(
			DataStreamMonitor.ServiceUUID,
			DataStreamMonitor.CharacteristicUUID,
		)
		if err != nil {
			if !device.IsConnected() {
				// The disconnect watcher handles state; just stop reading.
				return
			}
			consecutiveReadFailures++
			l.logger.Printf("Link: monitor read error (%d consecutive): %v", consecutiveReadFailures, err)
			if consecutiveReadFailures >= maxMonitorReadFailures {
				l.markPollStopped()
				l.teardown()
				l.setStatus(StatusError, fmt.Errorf("telemetry poll failing: %w", err))
				return
			}
			continue
		}
		consecutiveReadFailures = 0

		sample, err := protocol.ParseTelemetryFrame(buf)
		if err != nil {
			// Radio noise garbles frames routinely. Drop the sample and read
			// again; only the transport failures above end the session.
			l.logger.Printf("Link: telemetry decode error, sample dropped: %v", err)
			continue
		}

		l.telemetryEvent.Notify(sample)
	}
}

// StopTelemetry stops the poll loop and waits for the in-flight read to
// finish.
func (l *Link) StopTelemetry() {
	l.mu.Lock()
	if !l.polling {
		l.mu.Unlock()
		return
	}
	l.polling = false
	close(l.pollStop)
	l.mu.Unlock()

	l.pollWg.Wait()
}

func (l *Link) handleRepNotification(buf []byte) {
	notification, err := protocol.ParseRepNotification(buf)
	if err != nil {
		l.mu.Lock()
		l.repDecodeFailures++
		failures := l.repDecodeFailures
		l.mu.Unlock()

		l.logger.Printf("Link: rep decode error (%d consecutive): %v", failures, err)
		if failures >= maxRepDecodeFailures {
			l.teardown()
			l.setStatus(StatusError, fmt.Errorf("rep counter stream corrupt: %w", err))
		}
		return
	}

	l.mu.Lock()
	l.repDecodeFailures = 0
	l.mu.Unlock()
	l.repEvent.Notify(notification)
}

// Disconnect tears the link down completely. Safe to call in any state.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	l.closing = true
	device := l.device
	l.mu.Unlock()

	l.teardown()

	var err error
	if device != nil && device.IsConnected() {
		for _, stream := range AllDataStreams {
			if stream.Mode != ModeNotify {
				continue
			}
			if derr := device.DisableNotifications(
				stream.ServiceUUID,
				stream.CharacteristicUUID,
			); derr != nil {
				l.logger.Printf("Link: error disabling %s notifications: %v", stream.DisplayName, derr)
			}
		}
		err = l.manager.Disconnect(device)
		if err != nil && !errors.Is(err, ErrLinkLost) {
			l.logger.Printf("Link: disconnect error: %v", err)
		}
	}

	l.mu.Lock()
	l.device = nil
	l.deviceName = ""
	l.address = ""
	l.model = ModelUnknown
	l.mu.Unlock()

	l.setStatus(StatusDisconnected, nil)
	return err
}

// teardown stops the poll loop and the disconnect watcher but leaves the
// status transition to the caller, which knows whether this is an error or
// an orderly shutdown.
func (l *Link) teardown() {
	l.StopTelemetry()

	l.mu.Lock()
	unlisten := l.unlistenConnChanges
	stop := l.connWatchStop
	l.unlistenConnChanges = nil
	l.connWatchStop = nil
	l.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if unlisten != nil {
		unlisten()
	}
}

// ListenToState registers a channel for connection state transitions. The
// last state is replayed to new listeners. Returns a deregistration func.
func (l *Link) ListenToState(ch chan<- ConnectionState) func() {
	return l.stateEvent.Listen(ch)
}

// ListenToTelemetry registers a channel for telemetry samples. Returns a
// deregistration func.
func (l *Link) ListenToTelemetry(ch chan<- protocol.TelemetrySample) func() {
	return l.telemetryEvent.Listen(ch)
}

// ListenToRepNotifications registers a channel for decoded rep counter
// frames. Returns a deregistration func.
func (l *Link) ListenToRepNotifications(ch chan<- protocol.RepNotification) func() {
	return l.repEvent.Listen(ch)
}
