package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTelemetryFrame_RoundTrip(t *testing.T) {
	in := TelemetrySample{
		LoadAKg:      24.9,
		LoadBKg:      25.1,
		PositionAMm:  412.5,
		PositionBMm:  408.0,
		VelocityAMmS: -130.5,
		VelocityBMmS: 95.0,
		PowerW:       187,
		StatusFlags:  StatusActive | StatusAtTop,
	}

	out, err := ParseTelemetryFrame(EncodeTelemetryFrame(in))
	require.NoError(t, err)

	assert.InDelta(t, in.LoadAKg, out.LoadAKg, 0.1)
	assert.InDelta(t, in.LoadBKg, out.LoadBKg, 0.1)
	assert.InDelta(t, in.PositionAMm, out.PositionAMm, 0.1)
	assert.InDelta(t, in.PositionBMm, out.PositionBMm, 0.1)
	assert.InDelta(t, in.VelocityAMmS, out.VelocityAMmS, 0.1)
	assert.InDelta(t, in.VelocityBMmS, out.VelocityBMmS, 0.1)
	assert.Equal(t, in.PowerW, out.PowerW)
	assert.True(t, out.IsActive())
	assert.True(t, out.AtTop())
	assert.False(t, out.AtBottom())
	assert.InDelta(t, 50.0, out.TotalLoadKg(), 0.2)
	assert.False(t, out.Timestamp.IsZero())
}

func TestParseTelemetryFrame_Short(t *testing.T) {
	_, err := ParseTelemetryFrame(make([]byte, TelemetryFrameSize-1))
	assert.ErrorIs(t, err, ErrDecode)

	_, err = ParseTelemetryFrame(nil)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestParseRepNotification_Legacy(t *testing.T) {
	in := RepNotification{
		TopCounter:      7,
		CompleteCounter: 6,
		RangeTopMm:      610.0,
		RangeBottomMm:   95.5,
		IsLegacy:        true,
	}

	buf := EncodeRepNotification(in)
	require.Len(t, buf, RepFrameLegacySize)

	out, err := ParseRepNotification(buf)
	require.NoError(t, err)
	assert.True(t, out.IsLegacy)
	assert.Equal(t, in.TopCounter, out.TopCounter)
	assert.Equal(t, in.CompleteCounter, out.CompleteCounter)
	assert.InDelta(t, in.RangeTopMm, out.RangeTopMm, 0.1)
	assert.InDelta(t, in.RangeBottomMm, out.RangeBottomMm, 0.1)
	assert.Zero(t, out.RomCount)
	assert.Zero(t, out.SetCount)
	assert.Equal(t, buf, out.Raw)
}

func TestParseRepNotification_Modern(t *testing.T) {
	in := RepNotification{
		TopCounter:      13,
		CompleteCounter: 13,
		RomCount:        3,
		SetCount:        10,
		RangeTopMm:      598.5,
		RangeBottomMm:   102.0,
	}

	buf := EncodeRepNotification(in)
	require.Len(t, buf, RepFrameModernSize)
	require.Equal(t, byte(repFormatModern), buf[0])

	out, err := ParseRepNotification(buf)
	require.NoError(t, err)
	assert.False(t, out.IsLegacy)
	assert.Equal(t, in.TopCounter, out.TopCounter)
	assert.Equal(t, in.CompleteCounter, out.CompleteCounter)
	assert.Equal(t, in.RomCount, out.RomCount)
	assert.Equal(t, in.SetCount, out.SetCount)
	assert.InDelta(t, in.RangeTopMm, out.RangeTopMm, 0.1)
	assert.InDelta(t, in.RangeBottomMm, out.RangeBottomMm, 0.1)
}

func TestParseRepNotification_Malformed(t *testing.T) {
	// 12 bytes without the format flag is neither layout.
	_, err := ParseRepNotification(make([]byte, RepFrameModernSize))
	assert.ErrorIs(t, err, ErrDecode)

	_, err = ParseRepNotification([]byte{0x01, 0x00, 0x03})
	assert.ErrorIs(t, err, ErrDecode)

	_, err = ParseRepNotification(nil)
	assert.ErrorIs(t, err, ErrDecode)
}
