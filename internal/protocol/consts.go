// Package protocol implements the vendor wire format for the Forma cable
// machine: command frame construction, telemetry and rep-notification
// parsing, and the echo-mode parameter calculator. Everything here is pure;
// the radio lives in internal/bt and internal/machine.
package protocol

// Command opcodes. The machine's protocol is proprietary and undocumented;
// these values come from captured traffic between the vendor app and the
// machine. Do not invent new ones.
const (
	OpProgramConfig byte = 0x23
	OpEchoConfig    byte = 0x2B
	OpStart         byte = 0x2F
	OpStop          byte = 0x31
)

// Frame sizes in bytes.
const (
	ProgramFrameSize    = 12
	EchoFrameSize       = 16
	TelemetryFrameSize  = 15
	RepFrameLegacySize  = 8
	RepFrameModernSize  = 12
)

// repFormatModern is the format discriminator byte of a modern rep frame.
const repFormatModern byte = 0x01

// Wire scaling. Loads and weights travel as u16 kg*10; positions and
// velocities as raw units that are 0.1 mm and 0.1 mm/s respectively.
const (
	wireKgScale     = 10.0
	posVelWireScale = 0.1
	gainWireScale   = 100.0
)

// Hardware limits enforced at frame-build time.
const (
	MaxWeightKg         = 220.0
	WeightResolutionKg  = 0.5
	MaxEccentricPercent = 150.0
)

// Telemetry status bitfield.
const (
	StatusActive   uint8 = 1 << 0
	StatusAtTop    uint8 = 1 << 1
	StatusAtBottom uint8 = 1 << 2
)

// ProgramMode selects the machine's fixed resistance programs.
type ProgramMode uint8

const (
	ModeOldSchool        ProgramMode = 0x01 // constant load both phases
	ModePump             ProgramMode = 0x02 // reduced eccentric load
	ModeTimeUnderTension ProgramMode = 0x03 // slowed concentric
	ModeEccentricOnly    ProgramMode = 0x04 // motor lifts, user lowers
)

func (m ProgramMode) String() string {
	switch m {
	case ModeOldSchool:
		return "OldSchool"
	case ModePump:
		return "Pump"
	case ModeTimeUnderTension:
		return "TimeUnderTension"
	case ModeEccentricOnly:
		return "EccentricOnly"
	default:
		return "Unknown"
	}
}

// IsValid reports whether m is a mode the firmware accepts.
func (m ProgramMode) IsValid() bool {
	return m >= ModeOldSchool && m <= ModeEccentricOnly
}

// EchoLevel is one of the four discrete echo-mode difficulty tiers.
type EchoLevel uint16

const (
	EchoLevelEasy   EchoLevel = 1
	EchoLevelMedium EchoLevel = 2
	EchoLevelHard   EchoLevel = 3
	EchoLevelMax    EchoLevel = 4
)

func (l EchoLevel) String() string {
	switch l {
	case EchoLevelEasy:
		return "Easy"
	case EchoLevelMedium:
		return "Medium"
	case EchoLevelHard:
		return "Hard"
	case EchoLevelMax:
		return "Max"
	default:
		return "Unknown"
	}
}

// IsValid reports whether l is a defined tier.
func (l EchoLevel) IsValid() bool {
	return l >= EchoLevelEasy && l <= EchoLevelMax
}

// Command frame flag bits.
const (
	programFlagStopAtTop byte = 1 << 0
	echoFlagJustLift     byte = 1 << 0
)
