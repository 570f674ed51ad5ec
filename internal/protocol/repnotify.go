package protocol

import (
	"encoding/binary"
	"fmt"
)

// RepNotification is one decoded rep-counter frame. Two firmware
// generations emit two layouts; both decode into this struct, tagged with
// IsLegacy so consumers branch exactly once.
//
// Modern firmware reports the warmup (ROM) and working (set) counts
// explicitly. Legacy firmware only reports the monotonically incrementing
// top counter; RomCount and SetCount are zero there and the session layer
// derives working reps by diffing TopCounter against the warmup baseline.
type RepNotification struct {
	TopCounter      uint16  // increments at each confirmed concentric peak
	CompleteCounter uint16  // increments at each confirmed eccentric bottom
	RomCount        uint8   // warmup reps (modern only)
	SetCount        uint8   // working reps (modern only)
	RangeTopMm      float64 // calibrated top of range
	RangeBottomMm   float64 // calibrated bottom of range
	Raw             []byte  // original frame, for diagnostics
	IsLegacy        bool
}

// ParseRepNotification decodes a rep frame, disambiguating the two wire
// layouts by length and format flag:
//
//	legacy (8 bytes):  top u16, complete u16, rangeTop u16, rangeBottom u16
//	modern (12 bytes): 0x01, reserved, top u16, complete u16, rom u8,
//	                   set u8, rangeTop u16, rangeBottom u16
//
// Anything else is ErrDecode: dropped and counted upstream, never fatal on
// its own.
func ParseRepNotification(buf []byte) (RepNotification, error) {
	switch {
	case len(buf) == RepFrameLegacySize:
		return RepNotification{
			TopCounter:      binary.LittleEndian.Uint16(buf[0:2]),
			CompleteCounter: binary.LittleEndian.Uint16(buf[2:4]),
			RangeTopMm:      float64(binary.LittleEndian.Uint16(buf[4:6])) * posVelWireScale,
			RangeBottomMm:   float64(binary.LittleEndian.Uint16(buf[6:8])) * posVelWireScale,
			Raw:             append([]byte(nil), buf...),
			IsLegacy:        true,
		}, nil

	case len(buf) >= RepFrameModernSize && buf[0] == repFormatModern:
		return RepNotification{
			TopCounter:      binary.LittleEndian.Uint16(buf[2:4]),
			CompleteCounter: binary.LittleEndian.Uint16(buf[4:6]),
			RomCount:        buf[6],
			SetCount:        buf[7],
			RangeTopMm:      float64(binary.LittleEndian.Uint16(buf[8:10])) * posVelWireScale,
			RangeBottomMm:   float64(binary.LittleEndian.Uint16(buf[10:12])) * posVelWireScale,
			Raw:             append([]byte(nil), buf...),
			IsLegacy:        false,
		}, nil

	default:
		return RepNotification{}, fmt.Errorf("%w: rep frame %d bytes, format 0x%02X", ErrDecode, len(buf), firstByte(buf))
	}
}

func firstByte(buf []byte) byte {
	if len(buf) == 0 {
		return 0
	}
	return buf[0]
}

// EncodeRepNotification produces the wire form of n, honoring IsLegacy.
// Used by the mock machine and tests.
func EncodeRepNotification(n RepNotification) []byte {
	if n.IsLegacy {
		buf := make([]byte, RepFrameLegacySize)
		binary.LittleEndian.PutUint16(buf[0:2], n.TopCounter)
		binary.LittleEndian.PutUint16(buf[2:4], n.CompleteCounter)
		binary.LittleEndian.PutUint16(buf[4:6], uint16(n.RangeTopMm/posVelWireScale))
		binary.LittleEndian.PutUint16(buf[6:8], uint16(n.RangeBottomMm/posVelWireScale))
		return buf
	}

	buf := make([]byte, RepFrameModernSize)
	buf[0] = repFormatModern
	binary.LittleEndian.PutUint16(buf[2:4], n.TopCounter)
	binary.LittleEndian.PutUint16(buf[4:6], n.CompleteCounter)
	buf[6] = n.RomCount
	buf[7] = n.SetCount
	binary.LittleEndian.PutUint16(buf[8:10], uint16(n.RangeTopMm/posVelWireScale))
	binary.LittleEndian.PutUint16(buf[10:12], uint16(n.RangeBottomMm/posVelWireScale))
	return buf
}
