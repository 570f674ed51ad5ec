package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// TelemetrySample is one decoded telemetry frame, arriving at roughly 10 Hz
// while a set is active. Cable A is the left cable, cable B the right.
// Values are already scaled to kg, mm and mm/s; consumers never see raw
// wire units.
type TelemetrySample struct {
	Timestamp    time.Time
	LoadAKg      float64
	LoadBKg      float64
	PositionAMm  float64
	PositionBMm  float64
	VelocityAMmS float64
	VelocityBMmS float64
	PowerW       float64
	StatusFlags  uint8
}

// IsActive reports whether the machine considers a set in progress.
func (s TelemetrySample) IsActive() bool { return s.StatusFlags&StatusActive != 0 }

// AtTop reports the top-of-range flag.
func (s TelemetrySample) AtTop() bool { return s.StatusFlags&StatusAtTop != 0 }

// AtBottom reports the bottom-of-range flag.
func (s TelemetrySample) AtBottom() bool { return s.StatusFlags&StatusAtBottom != 0 }

// TotalLoadKg returns the combined load on both cables.
func (s TelemetrySample) TotalLoadKg() float64 { return s.LoadAKg + s.LoadBKg }

// ParseTelemetryFrame decodes a monitor frame. Layout (little-endian):
//
//	[0:2]   load right   u16, kg*10
//	[2:4]   load left    u16, kg*10
//	[4:6]   pos right    u16, 0.1 mm
//	[6:8]   pos left     u16, 0.1 mm
//	[8:10]  vel right    i16, 0.1 mm/s
//	[10:12] vel left     i16, 0.1 mm/s
//	[12:14] power        u16, W
//	[14]    status       u8 bitfield
//
// Short input yields ErrDecode; offsets are only read after the length
// check, radio noise must never panic the session.
func ParseTelemetryFrame(buf []byte) (TelemetrySample, error) {
	if len(buf) < TelemetryFrameSize {
		return TelemetrySample{}, fmt.Errorf("%w: telemetry frame %d bytes, want %d", ErrDecode, len(buf), TelemetryFrameSize)
	}

	return TelemetrySample{
		Timestamp:    time.Now(),
		LoadBKg:      decodeKg(binary.LittleEndian.Uint16(buf[0:2])),
		LoadAKg:      decodeKg(binary.LittleEndian.Uint16(buf[2:4])),
		PositionBMm:  float64(binary.LittleEndian.Uint16(buf[4:6])) * posVelWireScale,
		PositionAMm:  float64(binary.LittleEndian.Uint16(buf[6:8])) * posVelWireScale,
		VelocityBMmS: float64(int16(binary.LittleEndian.Uint16(buf[8:10]))) * posVelWireScale,
		VelocityAMmS: float64(int16(binary.LittleEndian.Uint16(buf[10:12]))) * posVelWireScale,
		PowerW:       float64(binary.LittleEndian.Uint16(buf[12:14])),
		StatusFlags:  buf[14],
	}, nil
}

// EncodeTelemetryFrame is the inverse of ParseTelemetryFrame, used by the
// mock machine and round-trip tests.
func EncodeTelemetryFrame(s TelemetrySample) []byte {
	buf := make([]byte, TelemetryFrameSize)
	binary.LittleEndian.PutUint16(buf[0:2], encodeKg(s.LoadBKg))
	binary.LittleEndian.PutUint16(buf[2:4], encodeKg(s.LoadAKg))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(s.PositionBMm/posVelWireScale))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(s.PositionAMm/posVelWireScale))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(int16(s.VelocityBMmS/posVelWireScale)))
	binary.LittleEndian.PutUint16(buf[10:12], uint16(int16(s.VelocityAMmS/posVelWireScale)))
	binary.LittleEndian.PutUint16(buf[12:14], uint16(s.PowerW))
	buf[14] = s.StatusFlags
	return buf
}
