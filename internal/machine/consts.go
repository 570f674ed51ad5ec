package machine

import "strings"

// Vendor GATT UUIDs, captured from the machine's advertised GATT table.
// The scan response carries no service UUIDs, so discovery matches on the
// advertised name prefix and the service is only visible after connecting.
const (
	ServiceUUIDTraining = "a5f30001-2c8d-44e1-9b7a-6f3d1c20e9d4"

	CharUUIDCommand       = "a5f30002-2c8d-44e1-9b7a-6f3d1c20e9d4"
	CharUUIDMonitor       = "a5f30003-2c8d-44e1-9b7a-6f3d1c20e9d4"
	CharUUIDRepNotify     = "a5f30004-2c8d-44e1-9b7a-6f3d1c20e9d4"
	CharUUIDMachineStatus = "a5f30005-2c8d-44e1-9b7a-6f3d1c20e9d4"
)

// CharacteristicMode defines how a stream's characteristic is driven.
type CharacteristicMode int

const (
	ModeNotify CharacteristicMode = iota // subscribe to notifications
	ModeRead                             // polled or one-time read
	ModeWrite                            // write commands
)

// DataStreamID uniquely identifies a machine data stream.
type DataStreamID string

const (
	StreamCommand       DataStreamID = "command"
	StreamMonitor       DataStreamID = "monitor"
	StreamRepNotify     DataStreamID = "rep_notify"
	StreamMachineStatus DataStreamID = "machine_status"
)

// DataStream defines a service/characteristic combo for one data need.
type DataStream struct {
	ID                 DataStreamID
	DisplayName        string
	Description        string
	ServiceUUID        string
	CharacteristicUUID string
	Mode               CharacteristicMode
}

var (
	DataStreamCommand = DataStream{
		ID:                 StreamCommand,
		DisplayName:        "Command",
		Description:        "Set configuration, start and stop commands",
		ServiceUUID:        ServiceUUIDTraining,
		CharacteristicUUID: CharUUIDCommand,
		Mode:               ModeWrite,
	}
	DataStreamMonitor = DataStream{
		ID:                 StreamMonitor,
		DisplayName:        "Monitor",
		Description:        "Load, position, velocity and power for both cables",
		ServiceUUID:        ServiceUUIDTraining,
		CharacteristicUUID: CharUUIDMonitor,
		Mode:               ModeRead,
	}
	DataStreamRepNotify = DataStream{
		ID:                 StreamRepNotify,
		DisplayName:        "Rep Counter",
		Description:        "Rep top and completion counters with calibrated range",
		ServiceUUID:        ServiceUUIDTraining,
		CharacteristicUUID: CharUUIDRepNotify,
		Mode:               ModeNotify,
	}
	DataStreamMachineStatus = DataStream{
		ID:                 StreamMachineStatus,
		DisplayName:        "Machine Status",
		Description:        "Firmware revision and hardware identification",
		ServiceUUID:        ServiceUUIDTraining,
		CharacteristicUUID: CharUUIDMachineStatus,
		Mode:               ModeRead,
	}
)

// AllDataStreams is the registry of machine data streams.
var AllDataStreams = []DataStream{
	DataStreamCommand,
	DataStreamMonitor,
	DataStreamRepNotify,
	DataStreamMachineStatus,
}

// HardwareModel identifies the machine variant. The variant determines the
// per-cable resistance ceiling.
type HardwareModel int

const (
	ModelUnknown HardwareModel = iota
	ModelCompact
	ModelPro
)

const (
	DeviceNamePrefixCompact = "FORMA-C"
	DeviceNamePrefixPro     = "FORMA-P"
)

// AllDeviceNamePrefixes lists every advertised name prefix used for scan
// filtering.
var AllDeviceNamePrefixes = []string{DeviceNamePrefixCompact, DeviceNamePrefixPro}

func (m HardwareModel) String() string {
	switch m {
	case ModelCompact:
		return "Compact"
	case ModelPro:
		return "Pro"
	default:
		return "Unknown"
	}
}

// MaxResistanceKg returns the per-cable resistance ceiling for the model.
func (m HardwareModel) MaxResistanceKg() float64 {
	switch m {
	case ModelCompact:
		return 100
	case ModelPro:
		return 220
	default:
		return 0
	}
}

// ModelForName maps an advertised local name to the hardware model.
func ModelForName(name string) (HardwareModel, bool) {
	switch {
	case strings.HasPrefix(name, DeviceNamePrefixCompact):
		return ModelCompact, true
	case strings.HasPrefix(name, DeviceNamePrefixPro):
		return ModelPro, true
	default:
		return ModelUnknown, false
	}
}

// ConnectionStatus is the lifecycle of the machine link.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusScanning
	StatusConnecting
	StatusSubscribing
	StatusReady
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusScanning:
		return "Scanning"
	case StatusConnecting:
		return "Connecting"
	case StatusSubscribing:
		return "Subscribing"
	case StatusReady:
		return "Ready"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ConnectionState is a snapshot of the link, emitted on every transition.
type ConnectionState struct {
	Status     ConnectionStatus
	DeviceName string
	Address    string
	Model      HardwareModel
	Err        error
}
