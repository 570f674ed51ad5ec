package machine

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nick-groenke/repbridge/internal/bt"
	"github.com/nick-groenke/repbridge/internal/events"
	"github.com/nick-groenke/repbridge/internal/protocol"
)

// MockMachine is an in-process machine that implements bt.Device. It parses
// the command frames the link writes and plays back telemetry and rep
// notifications on request, which lets the whole stack above the radio run
// without hardware.
type MockMachine struct {
	mu        sync.Mutex
	name      string
	address   string
	connected bool
	lastSeen  time.Time
	logger    *log.Logger

	repCallback  func(buf []byte)
	currentFrame []byte        // served on every monitor read
	monitorDelay time.Duration // simulates a slow peripheral

	LastProgram  *protocol.ProgramConfig
	LastEcho     *protocol.EchoConfig
	StartCount   int
	StopCount    int
	Writes       [][]byte
	MonitorReads int

	failNextWrites int
}

var _ bt.Device = (*MockMachine)(nil)

func NewMockMachine(logger *log.Logger, name, address string) *MockMachine {
	if logger == nil {
		panic("MockMachine: logger cannot be nil")
	}
	m := &MockMachine{
		name:     name,
		address:  address,
		lastSeen: time.Now(),
		logger:   logger,
	}
	m.currentFrame = protocol.EncodeTelemetryFrame(protocol.TelemetrySample{})
	return m
}

func (m *MockMachine) AddressString() string { return m.address }
func (m *MockMachine) LocalName() string     { return m.name }

func (m *MockMachine) RSSI() (int16, error) { return -60, nil }

func (m *MockMachine) LastSeen() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen
}

func (m *MockMachine) State() bt.DeviceState {
	if m.IsConnected() {
		return bt.Connected
	}
	return bt.Disconnected
}

func (m *MockMachine) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMachine) IsRecentlyScanned() bool { return true }

func (m *MockMachine) WaitForConnection(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.IsConnected() {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for mock connection")
}

func (m *MockMachine) setConnected(connected bool) {
	m.mu.Lock()
	m.connected = connected
	if !connected {
		m.repCallback = nil
	}
	m.mu.Unlock()
}

func (m *MockMachine) EnableNotifications(serviceUUID, charUUID string, callback func(buf []byte)) error {
	if !m.IsConnected() {
		return errors.New("mock: not connected")
	}
	if charUUID != CharUUIDRepNotify {
		return fmt.Errorf("mock: characteristic %s does not notify", charUUID)
	}
	m.mu.Lock()
	m.repCallback = callback
	m.mu.Unlock()
	return nil
}

func (m *MockMachine) DisableNotifications(serviceUUID, charUUID string) error {
	m.mu.Lock()
	m.repCallback = nil
	m.mu.Unlock()
	return nil
}

func (m *MockMachine) ReadCharacteristic(serviceUUID, charUUID string) ([]byte, error) {
	if !m.IsConnected() {
		return nil, errors.New("mock: not connected")
	}
	switch charUUID {
	case CharUUIDMonitor:
		m.mu.Lock()
		delay := m.monitorDelay
		m.MonitorReads++
		frame := append([]byte(nil), m.currentFrame...)
		m.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		return frame, nil
	case CharUUIDMachineStatus:
		// firmware revision bytes
		return []byte{0x02, 0x04, 0x01}, nil
	default:
		return nil, fmt.Errorf("mock: characteristic %s is not readable", charUUID)
	}
}

func (m *MockMachine) WriteCharacteristic(serviceUUID, charUUID string, data []byte) error {
	if !m.IsConnected() {
		return errors.New("mock: not connected")
	}
	if charUUID != CharUUIDCommand {
		return fmt.Errorf("mock: characteristic %s is not writable", charUUID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNextWrites > 0 {
		m.failNextWrites--
		return errors.New("mock: injected write failure")
	}

	m.Writes = append(m.Writes, append([]byte(nil), data...))
	if len(data) == 0 {
		return errors.New("mock: empty command")
	}

	switch data[0] {
	case protocol.OpProgramConfig:
		cfg, err := protocol.ParseProgramFrame(data)
		if err != nil {
			return err
		}
		m.LastProgram = &cfg
	case protocol.OpEchoConfig:
		cfg, err := protocol.ParseEchoFrame(data)
		if err != nil {
			return err
		}
		m.LastEcho = &cfg
	case protocol.OpStart:
		m.StartCount++
	case protocol.OpStop:
		m.StopCount++
	default:
		return fmt.Errorf("mock: unknown opcode 0x%02X", data[0])
	}
	return nil
}

func (m *MockMachine) WriteCharacteristicWithoutResponse(serviceUUID, charUUID string, data []byte) error {
	return m.WriteCharacteristic(serviceUUID, charUUID, data)
}

func (m *MockMachine) NegotiatedMTU(serviceUUID, charUUID string) (uint16, error) {
	return 23, nil
}

// SetTelemetry sets the sample served by subsequent monitor reads.
func (m *MockMachine) SetTelemetry(sample protocol.TelemetrySample) {
	m.mu.Lock()
	m.currentFrame = protocol.EncodeTelemetryFrame(sample)
	m.mu.Unlock()
}

// SetRawMonitorFrame serves raw bytes on subsequent monitor reads,
// including garbled frames for decode resilience tests.
func (m *MockMachine) SetRawMonitorFrame(buf []byte) {
	m.mu.Lock()
	m.currentFrame = append([]byte(nil), buf...)
	m.mu.Unlock()
}

// SetMonitorDelay makes every monitor read take at least d, for exercising
// the backpressure behavior of the poll loop.
func (m *MockMachine) SetMonitorDelay(d time.Duration) {
	m.mu.Lock()
	m.monitorDelay = d
	m.mu.Unlock()
}

// FailNextWrites makes the next n command writes fail.
func (m *MockMachine) FailNextWrites(n int) {
	m.mu.Lock()
	m.failNextWrites = n
	m.mu.Unlock()
}

// PushRepNotification delivers a rep counter frame to the subscriber.
func (m *MockMachine) PushRepNotification(n protocol.RepNotification) {
	m.PushRawRepNotification(protocol.EncodeRepNotification(n))
}

// PushRawRepNotification delivers raw bytes to the subscriber, including
// malformed frames for decode failure tests.
func (m *MockMachine) PushRawRepNotification(buf []byte) {
	m.mu.Lock()
	callback := m.repCallback
	m.mu.Unlock()
	if callback != nil {
		callback(buf)
	}
}

// SimulateSet plays back a full set: warmup reps then working reps, each as
// a top followed by a completion. With dropFinalComplete the top counter
// never increments for the last rep even though the completion counter
// does, reproducing the firmware's dropped final rep.
func (m *MockMachine) SimulateSet(warmupReps, workingReps int, legacy, dropFinalComplete bool) {
	total := warmupReps + workingReps
	var top, complete uint16
	for i := 1; i <= total; i++ {
		isLast := i == total
		if !(isLast && dropFinalComplete) {
			top++
		}
		m.pushCounts(top, complete, warmupReps, i, legacy)
		complete++
		m.pushCounts(top, complete, warmupReps, i, legacy)
	}
}

func (m *MockMachine) pushCounts(top, complete uint16, warmupTarget, repsDone int, legacy bool) {
	n := protocol.RepNotification{
		TopCounter:      top,
		CompleteCounter: complete,
		RangeTopMm:      600,
		RangeBottomMm:   100,
		IsLegacy:        legacy,
	}
	if !legacy {
		warmupDone := repsDone
		if warmupDone > warmupTarget {
			warmupDone = warmupTarget
		}
		n.RomCount = uint8(warmupDone)
		working := repsDone - warmupTarget
		if working < 0 {
			working = 0
		}
		n.SetCount = uint8(working)
	}
	m.PushRepNotification(n)
}

// MockManager implements bt.Manager over a set of MockMachines.
type MockManager struct {
	mu       sync.Mutex
	devices  map[string]*MockMachine
	scanning bool
	logger   *log.Logger

	scanDeviceListEvent   *events.ChannelEvent[[]bt.Device]
	connectionChangeEvent *events.ChannelEvent[bt.ConnectionChange]
}

var _ bt.Manager = (*MockManager)(nil)

func NewMockManager(logger *log.Logger, machines ...*MockMachine) *MockManager {
	if logger == nil {
		panic("MockManager: logger cannot be nil")
	}
	m := &MockManager{
		devices:               make(map[string]*MockMachine),
		logger:                logger,
		scanDeviceListEvent:   events.NewChannelEvent[[]bt.Device](true),
		connectionChangeEvent: events.NewChannelEvent[bt.ConnectionChange](false),
	}
	for _, machine := range machines {
		m.devices[machine.AddressString()] = machine
	}
	return m
}

func (m *MockManager) Enable() error { return nil }

func (m *MockManager) DeviceByAddress(addressString string) bt.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	device, ok := m.devices[addressString]
	if !ok {
		return nil
	}
	return device
}

func (m *MockManager) StartScan(namePrefixes []string) {
	m.mu.Lock()
	m.scanning = true
	m.mu.Unlock()
	m.scanDeviceListEvent.Notify(m.ScanDevices())
}

func (m *MockManager) StopScan() error {
	m.mu.Lock()
	m.scanning = false
	m.mu.Unlock()
	return nil
}

func (m *MockManager) IsScanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanning
}

func (m *MockManager) Connect(device bt.Device) error {
	m.mu.Lock()
	machine, ok := m.devices[device.AddressString()]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mock: no device %s", device.AddressString())
	}
	machine.setConnected(true)
	m.connectionChangeEvent.Notify(bt.ConnectionChange{Address: machine.AddressString(), Connected: true})
	return nil
}

func (m *MockManager) Disconnect(device bt.Device) error {
	m.mu.Lock()
	machine, ok := m.devices[device.AddressString()]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mock: no device %s", device.AddressString())
	}
	machine.setConnected(false)
	m.connectionChangeEvent.Notify(bt.ConnectionChange{Address: machine.AddressString(), Connected: false})
	return nil
}

// DropConnection simulates the peripheral vanishing without a clean
// disconnect handshake.
func (m *MockManager) DropConnection(address string) {
	m.mu.Lock()
	machine, ok := m.devices[address]
	m.mu.Unlock()
	if !ok {
		return
	}
	machine.setConnected(false)
	m.connectionChangeEvent.Notify(bt.ConnectionChange{Address: address, Connected: false})
}

func (m *MockManager) ScanDevices() []bt.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]bt.Device, 0, len(m.devices))
	for _, device := range m.devices {
		result = append(result, device)
	}
	return result
}

func (m *MockManager) ListenToScanDevices(ch chan<- []bt.Device) func() {
	return m.scanDeviceListEvent.Listen(ch)
}

func (m *MockManager) ListenToConnectionChanges(ch chan<- bt.ConnectionChange) func() {
	return m.connectionChangeEvent.Listen(ch)
}

func (m *MockManager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, machine := range m.devices {
		machine.setConnected(false)
	}
	m.scanning = false
}
