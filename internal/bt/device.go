package bt

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nick-groenke/repbridge/internal/safemap"
	"tinygo.org/x/bluetooth"
)

type DeviceState int

const (
	Disconnected DeviceState = iota
	Connecting
	Connected
)

func (s DeviceState) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Connecting:
		return "Connecting"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Device is the GATT-level view of one peripheral. The machine link layer
// talks only to this interface, which keeps it testable against the mock.
type Device interface {
	AddressString() string
	LocalName() string
	RSSI() (int16, error)
	LastSeen() time.Time
	State() DeviceState
	IsConnected() bool
	IsRecentlyScanned() bool
	WaitForConnection(timeout time.Duration) error
	EnableNotifications(serviceUUID, charUUID string, callback func(buf []byte)) error
	DisableNotifications(serviceUUID, charUUID string) error
	ReadCharacteristic(serviceUUID, charUUID string) ([]byte, error)
	WriteCharacteristic(serviceUUID, charUUID string, data []byte) error
	WriteCharacteristicWithoutResponse(serviceUUID, charUUID string, data []byte) error
	NegotiatedMTU(serviceUUID, charUUID string) (uint16, error)
}

type deviceImpl struct {
	address         bluetooth.Address
	localName       string
	lastSeen        time.Time
	scanResult      *bluetooth.ScanResult
	connectedDevice *bluetooth.Device // nil while not connected
	mu              sync.RWMutex
	bleMu           sync.Mutex // serializes GATT operations, the stack is not reentrant
	staleAfter      time.Duration
	logger          *log.Logger
	state           DeviceState

	serviceByUUID          *safemap.SafeMap[string, *bluetooth.DeviceService]
	characteristicByUUID   *safemap.SafeMap[string, *bluetooth.DeviceCharacteristic]
	serviceCharsDiscovered *safemap.SafeMap[string, bool]
	allServicesDiscovered  bool
}

func newDeviceImpl(logger *log.Logger, address bluetooth.Address, staleAfter time.Duration) *deviceImpl {
	if logger == nil {
		panic("bt device: logger cannot be nil")
	}
	if staleAfter <= 0 {
		panic("bt device: staleAfter must be > 0")
	}
	return &deviceImpl{
		logger:                 logger,
		address:                address,
		localName:              "Unknown",
		staleAfter:             staleAfter,
		lastSeen:               time.Unix(0, 0),
		state:                  Disconnected,
		serviceByUUID:          safemap.New[string, *bluetooth.DeviceService](),
		characteristicByUUID:   safemap.New[string, *bluetooth.DeviceCharacteristic](),
		serviceCharsDiscovered: safemap.New[string, bool](),
	}
}

func (d *deviceImpl) btAddress() bluetooth.Address {
	return d.address
}

func (d *deviceImpl) AddressString() string {
	return d.address.String()
}

func (d *deviceImpl) LocalName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.scanResult != nil {
		if name := d.scanResult.LocalName(); name != "" {
			return name
		}
	}
	return d.localName
}

func (d *deviceImpl) RSSI() (int16, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.scanResult == nil {
		return 0, errors.New("no rssi available")
	}
	return d.scanResult.RSSI, nil
}

func (d *deviceImpl) LastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

func (d *deviceImpl) setLastSeen(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSeen = t
}

func (d *deviceImpl) State() DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *deviceImpl) setState(state DeviceState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
}

func (d *deviceImpl) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectedDevice != nil
}

func (d *deviceImpl) IsRecentlyScanned() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.scanResult == nil {
		return false
	}
	return time.Since(d.lastSeen) <= d.staleAfter
}

func (d *deviceImpl) setScanResult(scanResult *bluetooth.ScanResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanResult = scanResult
}

func (d *deviceImpl) setConnectedDevice(device *bluetooth.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectedDevice = device
	if device == nil {
		// Handles from the old connection are invalid after a disconnect.
		d.serviceByUUID.Clear()
		d.characteristicByUUID.Clear()
		d.serviceCharsDiscovered.Clear()
		d.allServicesDiscovered = false
	}
}

func (d *deviceImpl) getConnectedDevice() *bluetooth.Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectedDevice
}

// WaitForConnection polls until the connect handler has recorded the
// connection or the timeout elapses.
func (d *deviceImpl) WaitForConnection(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	deadline := time.After(timeout)
	for {
		select {
		case <-ticker.C:
			if d.IsConnected() {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("timeout after %v waiting for connection to %s", timeout, d.AddressString())
		}
	}
}

func (d *deviceImpl) EnableNotifications(serviceUUIDStr, charUUIDStr string, callback func(buf []byte)) error {
	d.bleMu.Lock()
	defer d.bleMu.Unlock()

	d.logger.Printf("BTDevice: enabling notifications service=%s char=%s", serviceUUIDStr, charUUIDStr)

	characteristic, err := d.lookupCharacteristic(serviceUUIDStr, charUUIDStr)
	if err != nil {
		return err
	}
	if err := characteristic.EnableNotifications(callback); err != nil {
		return fmt.Errorf("failed to enable notifications on %s: %w", charUUIDStr, err)
	}
	return nil
}

func (d *deviceImpl) DisableNotifications(serviceUUIDStr, charUUIDStr string) error {
	d.bleMu.Lock()
	defer d.bleMu.Unlock()

	d.logger.Printf("BTDevice: disabling notifications service=%s char=%s", serviceUUIDStr, charUUIDStr)

	characteristic, err := d.lookupCharacteristic(serviceUUIDStr, charUUIDStr)
	if err != nil {
		return err
	}
	// A nil callback disables notifications in the bluetooth stack.
	if err := characteristic.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to disable notifications on %s: %w", charUUIDStr, err)
	}
	return nil
}

func (d *deviceImpl) ReadCharacteristic(serviceUUIDStr, charUUIDStr string) ([]byte, error) {
	d.bleMu.Lock()
	defer d.bleMu.Unlock()

	characteristic, err := d.lookupCharacteristic(serviceUUIDStr, charUUIDStr)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 512)
	n, err := characteristic.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %s: %w", charUUIDStr, err)
	}
	return buf[:n], nil
}

func (d *deviceImpl) WriteCharacteristic(serviceUUIDStr, charUUIDStr string, data []byte) error {
	d.bleMu.Lock()
	defer d.bleMu.Unlock()
	return d.writeCharacteristic(serviceUUIDStr, charUUIDStr, data, true)
}

func (d *deviceImpl) WriteCharacteristicWithoutResponse(serviceUUIDStr, charUUIDStr string, data []byte) error {
	d.bleMu.Lock()
	defer d.bleMu.Unlock()
	return d.writeCharacteristic(serviceUUIDStr, charUUIDStr, data, false)
}

func (d *deviceImpl) writeCharacteristic(serviceUUIDStr, charUUIDStr string, data []byte, waitForResponse bool) error {
	characteristic, err := d.lookupCharacteristic(serviceUUIDStr, charUUIDStr)
	if err != nil {
		return err
	}

	if waitForResponse {
		_, err = characteristic.Write(data)
	} else {
		_, err = characteristic.WriteWithoutResponse(data)
	}
	if err != nil {
		return fmt.Errorf("failed to write characteristic %s: %w", charUUIDStr, err)
	}
	return nil
}

// NegotiatedMTU reports the ATT MTU for a characteristic. The machine packs
// its frames well under the default 23 bytes, so this is diagnostic only.
func (d *deviceImpl) NegotiatedMTU(serviceUUIDStr, charUUIDStr string) (uint16, error) {
	d.bleMu.Lock()
	defer d.bleMu.Unlock()

	characteristic, err := d.lookupCharacteristic(serviceUUIDStr, charUUIDStr)
	if err != nil {
		return 0, err
	}
	mtu, err := characteristic.GetMTU()
	if err != nil {
		return 0, fmt.Errorf("failed to get MTU for %s: %w", charUUIDStr, err)
	}
	return mtu, nil
}

func (d *deviceImpl) lookupCharacteristic(serviceUUIDStr, charUUIDStr string) (*bluetooth.DeviceCharacteristic, error) {
	serviceUUID, err := bluetooth.ParseUUID(serviceUUIDStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUUIDStr, err)
	}
	charUUID, err := bluetooth.ParseUUID(charUUIDStr)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", charUUIDStr, err)
	}
	return d.getDeviceCharacteristic(serviceUUID, charUUID)
}

func (d *deviceImpl) getDeviceService(serviceUUID bluetooth.UUID) (*bluetooth.DeviceService, error) {
	serviceUUIDStr := serviceUUID.String()

	service, ok := d.serviceByUUID.Load(serviceUUIDStr)
	if ok {
		return service, nil
	}

	// Discover everything in one pass. Discovering services one at a time
	// interrupts notification streams on services discovered earlier.
	if !d.allServicesDiscovered {
		connectedDevice := d.getConnectedDevice()
		if connectedDevice == nil {
			return nil, errors.New("no connected device")
		}

		d.logger.Printf("BTDevice: discovering all services for %s", d.AddressString())
		deviceServices, err := connectedDevice.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("error discovering services: %w", err)
		}

		for i := range deviceServices {
			svc := &deviceServices[i]
			d.serviceByUUID.Store(svc.UUID().String(), svc)
		}
		d.allServicesDiscovered = true
	}

	service, ok = d.serviceByUUID.Load(serviceUUIDStr)
	if !ok {
		return nil, fmt.Errorf("service %v not found on device", serviceUUIDStr)
	}
	return service, nil
}

func (d *deviceImpl) getDeviceCharacteristic(serviceUUID, charUUID bluetooth.UUID) (*bluetooth.DeviceCharacteristic, error) {
	serviceUUIDStr := serviceUUID.String()
	charUUIDStr := charUUID.String()
	comboKey := fmt.Sprintf("%s_%s", serviceUUIDStr, charUUIDStr)

	characteristic, ok := d.characteristicByUUID.Load(comboKey)
	if ok {
		return characteristic, nil
	}

	if discovered, _ := d.serviceCharsDiscovered.Load(serviceUUIDStr); !discovered {
		service, err := d.getDeviceService(serviceUUID)
		if err != nil {
			return nil, err
		}

		d.logger.Printf("BTDevice: discovering all characteristics for service %s", serviceUUIDStr)
		discoveredCharacteristics, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", serviceUUIDStr, err)
		}

		for i := range discoveredCharacteristics {
			char := &discoveredCharacteristics[i]
			charKey := fmt.Sprintf("%s_%s", serviceUUIDStr, char.UUID().String())
			d.characteristicByUUID.Store(charKey, char)
		}
		d.serviceCharsDiscovered.Store(serviceUUIDStr, true)
	}

	characteristic, ok = d.characteristicByUUID.Load(comboKey)
	if !ok {
		return nil, fmt.Errorf("characteristic %v not found in service %v", charUUIDStr, serviceUUIDStr)
	}
	return characteristic, nil
}
