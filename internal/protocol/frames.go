package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ProgramConfig is the decoded form of a program command frame. The machine
// only ever receives these; the parser exists for the mock machine and for
// round-trip tests.
type ProgramConfig struct {
	Mode             ProgramMode
	WeightPerCableKg float64
	ProgressionKg    float64
	WarmupReps       int
	TargetReps       int
	StopAtTop        bool
}

// EchoConfig is the decoded form of an echo command frame.
type EchoConfig struct {
	Level                EchoLevel
	ConcentricPercent    float64
	Gain                 float64
	EccentricLoadPercent float64
	WeightCapKg          float64
	WarmupReps           int
	TargetReps           int
	JustLift             bool
}

// roundToHalfKg snaps a weight to the machine's 0.5 kg resolution.
func roundToHalfKg(kg float64) float64 {
	return math.Round(kg*2) / 2
}

// encodeKg converts kilograms to the u16 kg*10 wire representation.
func encodeKg(kg float64) uint16 {
	return uint16(math.Round(kg * wireKgScale))
}

func decodeKg(raw uint16) float64 {
	return float64(raw) / wireKgScale
}

func checkReps(name string, reps int) error {
	if reps < 0 || reps > math.MaxUint8 {
		return fmt.Errorf("%w: %s %d outside 0-255", ErrInvalidParameter, name, reps)
	}
	return nil
}

// BuildProgramFrame encodes a fixed-program configuration. Weight is
// validated against the 220 kg per-cable ceiling and defensively rounded to
// the 0.5 kg wire resolution. targetReps 0 means no fixed target (AMRAP);
// rejecting 0 for counted sets is the session layer's job.
func BuildProgramFrame(mode ProgramMode, weightPerCableKg, progressionKg float64, warmupReps, targetReps int, stopAtTop bool) ([]byte, error) {
	if !mode.IsValid() {
		return nil, fmt.Errorf("%w: program mode 0x%02X", ErrInvalidParameter, uint8(mode))
	}
	if weightPerCableKg < 0 || weightPerCableKg > MaxWeightKg {
		return nil, fmt.Errorf("%w: weight %.1f kg outside 0-%.0f kg", ErrInvalidParameter, weightPerCableKg, MaxWeightKg)
	}
	if progressionKg < 0 || progressionKg > MaxWeightKg {
		return nil, fmt.Errorf("%w: progression %.1f kg outside 0-%.0f kg", ErrInvalidParameter, progressionKg, MaxWeightKg)
	}
	if err := checkReps("warmup reps", warmupReps); err != nil {
		return nil, err
	}
	if err := checkReps("target reps", targetReps); err != nil {
		return nil, err
	}

	frame := make([]byte, ProgramFrameSize)
	frame[0] = OpProgramConfig
	frame[1] = byte(mode)
	binary.LittleEndian.PutUint16(frame[2:4], encodeKg(roundToHalfKg(weightPerCableKg)))
	binary.LittleEndian.PutUint16(frame[4:6], encodeKg(roundToHalfKg(progressionKg)))
	frame[6] = byte(warmupReps)
	frame[7] = byte(targetReps)
	if stopAtTop {
		frame[8] |= programFlagStopAtTop
	}
	// frame[9:12] reserved, zero
	return frame, nil
}

// ParseProgramFrame decodes a program command frame.
func ParseProgramFrame(buf []byte) (ProgramConfig, error) {
	if len(buf) < ProgramFrameSize {
		return ProgramConfig{}, fmt.Errorf("%w: program frame %d bytes, want %d", ErrDecode, len(buf), ProgramFrameSize)
	}
	if buf[0] != OpProgramConfig {
		return ProgramConfig{}, fmt.Errorf("%w: opcode 0x%02X is not a program frame", ErrDecode, buf[0])
	}
	return ProgramConfig{
		Mode:             ProgramMode(buf[1]),
		WeightPerCableKg: decodeKg(binary.LittleEndian.Uint16(buf[2:4])),
		ProgressionKg:    decodeKg(binary.LittleEndian.Uint16(buf[4:6])),
		WarmupReps:       int(buf[6]),
		TargetReps:       int(buf[7]),
		StopAtTop:        buf[8]&programFlagStopAtTop != 0,
	}, nil
}

// BuildEchoFrame encodes an adaptive echo configuration, deriving the
// concentric percentage, gain and cap from the tier tables. Eccentric load
// above the 150% hardware ceiling fails with ErrOutOfHardwareRange.
func BuildEchoFrame(level EchoLevel, eccentricLoadPercent float64, warmupReps, targetReps int, isJustLift bool) ([]byte, error) {
	params, err := ComputeEchoParams(level, eccentricLoadPercent)
	if err != nil {
		return nil, err
	}
	if err := checkReps("warmup reps", warmupReps); err != nil {
		return nil, err
	}
	if err := checkReps("target reps", targetReps); err != nil {
		return nil, err
	}

	frame := make([]byte, EchoFrameSize)
	frame[0] = OpEchoConfig
	if isJustLift {
		frame[1] |= echoFlagJustLift
	}
	binary.LittleEndian.PutUint16(frame[2:4], uint16(level))
	binary.LittleEndian.PutUint16(frame[4:6], uint16(math.Round(params.ConcentricPercent)))
	binary.LittleEndian.PutUint16(frame[6:8], uint16(math.Round(params.Gain*gainWireScale)))
	binary.LittleEndian.PutUint16(frame[8:10], uint16(math.Round(eccentricLoadPercent)))
	binary.LittleEndian.PutUint16(frame[10:12], encodeKg(params.WeightCapKg))
	frame[12] = byte(warmupReps)
	frame[13] = byte(targetReps)
	// frame[14:16] reserved, zero
	return frame, nil
}

// ParseEchoFrame decodes an echo command frame.
func ParseEchoFrame(buf []byte) (EchoConfig, error) {
	if len(buf) < EchoFrameSize {
		return EchoConfig{}, fmt.Errorf("%w: echo frame %d bytes, want %d", ErrDecode, len(buf), EchoFrameSize)
	}
	if buf[0] != OpEchoConfig {
		return EchoConfig{}, fmt.Errorf("%w: opcode 0x%02X is not an echo frame", ErrDecode, buf[0])
	}
	return EchoConfig{
		Level:                EchoLevel(binary.LittleEndian.Uint16(buf[2:4])),
		ConcentricPercent:    float64(binary.LittleEndian.Uint16(buf[4:6])),
		Gain:                 float64(binary.LittleEndian.Uint16(buf[6:8])) / gainWireScale,
		EccentricLoadPercent: float64(binary.LittleEndian.Uint16(buf[8:10])),
		WeightCapKg:          decodeKg(binary.LittleEndian.Uint16(buf[10:12])),
		WarmupReps:           int(buf[12]),
		TargetReps:           int(buf[13]),
		JustLift:             buf[1]&echoFlagJustLift != 0,
	}, nil
}

// BuildStartFrame encodes the start command that arms the configured set.
func BuildStartFrame() []byte {
	return []byte{OpStart}
}

// BuildStopFrame encodes the stop/deload command: end the set and release
// cable tension.
func BuildStopFrame() []byte {
	return []byte{OpStop}
}
