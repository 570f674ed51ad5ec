package bt

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nick-groenke/repbridge/internal/events"
	"github.com/nick-groenke/repbridge/internal/goutil"
	"tinygo.org/x/bluetooth"
)

// ConnectionChange reports one device transitioning between connected and
// disconnected, as seen by the adapter's connect handler.
type ConnectionChange struct {
	Address   string
	Connected bool
}

// Manager owns the adapter, the scan loop and the device cache. The machines
// advertise no stable service UUIDs in their scan response, so scan filtering
// is by advertised local name prefix instead.
type Manager interface {
	Enable() error
	DeviceByAddress(addressString string) Device
	StartScan(namePrefixes []string)
	StopScan() error
	IsScanning() bool
	Connect(device Device) error
	Disconnect(device Device) error
	ScanDevices() []Device
	ListenToScanDevices(ch chan<- []Device) func()
	ListenToConnectionChanges(ch chan<- ConnectionChange) func()
	Shutdown()
}

var _ Manager = (*AdapterManager)(nil)

type AdapterManager struct {
	adapter          *bluetooth.Adapter
	devicesByAddress map[string]*deviceImpl
	mu               sync.RWMutex
	scanning         bool
	scanStaleAfter   time.Duration

	scanDeviceListEvent   *events.ChannelEvent[[]Device]
	connectionChangeEvent *events.ChannelEvent[ConnectionChange]

	scanContext       context.Context
	scanContextCancel context.CancelFunc
	ctx               context.Context
	cancel            context.CancelFunc
	wg                sync.WaitGroup
	logger            *log.Logger
}

func NewAdapterManager(adapter *bluetooth.Adapter, logger *log.Logger, scanStaleAfter ...time.Duration) *AdapterManager {
	if logger == nil {
		panic("AdapterManager: logger cannot be nil")
	}
	staleAfter := 10 * time.Second
	if len(scanStaleAfter) > 0 && scanStaleAfter[0] > 0 {
		staleAfter = scanStaleAfter[0]
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AdapterManager{
		adapter:               adapter,
		devicesByAddress:      make(map[string]*deviceImpl),
		scanStaleAfter:        staleAfter,
		scanDeviceListEvent:   events.NewChannelEvent[[]Device](true),
		connectionChangeEvent: events.NewChannelEvent[ConnectionChange](false),
		ctx:                   ctx,
		cancel:                cancel,
		logger:                logger,
	}
}

// DeviceByAddress returns the cached device for an address string, or nil.
func (m *AdapterManager) DeviceByAddress(addressString string) Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	device, ok := m.devicesByAddress[addressString]
	if !ok {
		return nil
	}
	return device
}

func (m *AdapterManager) getOrCreateDevice(address bluetooth.Address) (*deviceImpl, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	addressStr := address.String()
	device, ok := m.devicesByAddress[addressStr]
	if ok {
		return device, false
	}
	device = newDeviceImpl(m.logger, address, m.scanStaleAfter)
	m.devicesByAddress[addressStr] = device
	return device, true
}

func (m *AdapterManager) Enable() error {
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()
		d, _ := m.getOrCreateDevice(device.Address)

		if connected {
			m.logger.Printf("BTManager: device connected: %s", addressStr)
			d.setConnectedDevice(&device)
			d.setState(Connected)
		} else {
			m.logger.Printf("BTManager: device disconnected: %s", addressStr)
			d.setConnectedDevice(nil)
			d.setState(Disconnected)
		}

		m.connectionChangeEvent.Notify(ConnectionChange{Address: addressStr, Connected: connected})
	})

	return m.adapter.Enable()
}

// StartScan scans for peripherals whose advertised name starts with any of
// namePrefixes. An empty or nil slice matches everything.
func (m *AdapterManager) StartScan(namePrefixes []string) {
	m.logger.Printf("BTManager: starting scan, name prefixes: %v", namePrefixes)
	m.mu.Lock()

	if m.scanning && m.scanContextCancel != nil {
		m.logger.Printf("BTManager: a scan is already running, replacing it")
		m.scanContextCancel()
	}
	m.scanning = true
	m.scanContext, m.scanContextCancel = context.WithCancel(m.ctx)
	scanCtx := m.scanContext
	m.mu.Unlock()

	m.wg.Add(1)
	goutil.SafeGo(m.logger, func() {
		m.cleanupStaleDevices(scanCtx)
	})

	m.wg.Add(1)
	goutil.SafeGo(m.logger, func() {
		defer m.wg.Done()
		defer m.logger.Printf("BTManager: exiting scan handling loop")

		err := m.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			select {
			case <-scanCtx.Done():
				// Ignore the result; StopScan on the adapter still pending.
				return
			default:
			}

			name := result.LocalName()
			if len(namePrefixes) > 0 && !matchesAnyPrefix(name, namePrefixes) {
				return
			}

			d, isNew := m.getOrCreateDevice(result.Address)
			d.setScanResult(&result)
			d.setLastSeen(time.Now())
			if isNew {
				if name == "" {
					name = "Unknown"
				}
				m.logger.Printf("BTManager: found device: %s (%s) [RSSI: %d]", name, result.Address.String(), result.RSSI)
			}
		})
		if err != nil {
			m.logger.Printf("BTManager: scan error: %v", err)
		}
	})

	// Emit the current scan results once a second while scanning.
	m.wg.Add(1)
	goutil.SafeGo(m.logger, func() {
		defer m.wg.Done()
		defer m.logger.Printf("BTManager: exiting scan emit loop")

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-scanCtx.Done():
				return
			case <-ticker.C:
				m.scanDeviceListEvent.Notify(m.ScanDevices())
			}
		}
	})
}

func matchesAnyPrefix(name string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (m *AdapterManager) cleanupStaleDevices(ctx context.Context) {
	defer m.wg.Done()
	defer m.logger.Printf("BTManager: exiting stale device cleanup loop")

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			var removed []string
			for addr, device := range m.devicesByAddress {
				// Never drop a device we are connected to or connecting to.
				if device.IsConnected() || device.State() == Connecting {
					continue
				}
				if now.Sub(device.LastSeen()) > m.scanStaleAfter {
					delete(m.devicesByAddress, addr)
					removed = append(removed, addr)
				}
			}
			m.mu.Unlock()

			for _, addr := range removed {
				m.logger.Printf("BTManager: device timeout: %s (not seen for %v)", addr, m.scanStaleAfter)
			}
		}
	}
}

func (m *AdapterManager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanning = false
	if m.scanContextCancel != nil {
		m.scanContextCancel()
		m.scanContextCancel = nil
	}
	return m.adapter.StopScan()
}

func (m *AdapterManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

// Connect initiates a connection. Success or failure is reported
// asynchronously through the adapter's connect handler; callers wait with
// WaitForConnection.
func (m *AdapterManager) Connect(device Device) error {
	addressStr := device.AddressString()
	m.logger.Printf("BTManager: attempting to connect to %s", addressStr)

	m.mu.RLock()
	impl, ok := m.devicesByAddress[addressStr]
	m.mu.RUnlock()
	if !ok || impl == nil {
		return fmt.Errorf("no scanned device for %s", addressStr)
	}

	_, err := m.adapter.Connect(impl.btAddress(), bluetooth.ConnectionParams{})
	if err != nil {
		m.logger.Printf("BTManager: connection error: %v", err)
		return err
	}

	impl.setState(Connecting)
	m.logger.Printf("BTManager: connection initiated to %s", addressStr)
	return nil
}

func (m *AdapterManager) Disconnect(device Device) error {
	addressStr := device.AddressString()
	m.logger.Printf("BTManager: attempting to disconnect from %s", addressStr)

	m.mu.RLock()
	impl, ok := m.devicesByAddress[addressStr]
	m.mu.RUnlock()
	if !ok || impl == nil {
		return fmt.Errorf("no known device for %s", addressStr)
	}
	if impl.State() == Disconnected {
		return nil
	}
	inner := impl.getConnectedDevice()
	if inner == nil {
		m.logger.Printf("BTManager: tried to disconnect %s but device was nil", addressStr)
		return nil
	}
	return inner.Disconnect()
}

// ScanDevices returns the devices seen within the staleness window.
func (m *AdapterManager) ScanDevices() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Device, 0)
	for _, device := range m.devicesByAddress {
		if device.IsRecentlyScanned() {
			result = append(result, device)
		}
	}
	return result
}

// ListenToScanDevices registers a channel for scan list snapshots, emitted
// at most once per second. Returns a deregistration func.
func (m *AdapterManager) ListenToScanDevices(ch chan<- []Device) func() {
	return m.scanDeviceListEvent.Listen(ch)
}

// ListenToConnectionChanges registers a channel for connect and disconnect
// transitions. Returns a deregistration func.
func (m *AdapterManager) ListenToConnectionChanges(ch chan<- ConnectionChange) func() {
	return m.connectionChangeEvent.Listen(ch)
}

// Shutdown disconnects everything, stops the scan and waits for the
// manager's goroutines to exit.
func (m *AdapterManager) Shutdown() {
	m.logger.Println("BTManager: shutting down")

	m.mu.RLock()
	connected := make([]*deviceImpl, 0)
	for _, device := range m.devicesByAddress {
		if device.IsConnected() {
			connected = append(connected, device)
		}
	}
	m.mu.RUnlock()

	for _, device := range connected {
		if err := m.Disconnect(device); err != nil {
			m.logger.Printf("BTManager: error disconnecting from %s: %v", device.AddressString(), err)
		}
	}
	if err := m.StopScan(); err != nil {
		m.logger.Printf("BTManager: error stopping scan: %v", err)
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Println("BTManager: shutdown complete")
}
