package protocol

import "fmt"

// EchoParams are the derived parameters that populate an echo frame
// alongside the user-chosen level and eccentric load.
type EchoParams struct {
	ConcentricPercent float64 // % of measured effort applied concentrically
	Gain              float64 // adaptive gain multiplier
	WeightCapKg       float64 // ceiling the adaptive loop may not exceed
}

// Per-tier tuning. The concentric curve is deliberately NOT the complement
// of the eccentric load; values were matched against the machine's observed
// behavior and are frozen by the golden values in echo_test.go.
var echoTiers = map[EchoLevel]struct {
	baseConcentric float64
	gain           float64
	capKg          float64
}{
	EchoLevelEasy:   {baseConcentric: 55, gain: 0.40, capKg: 40},
	EchoLevelMedium: {baseConcentric: 65, gain: 0.60, capKg: 60},
	EchoLevelHard:   {baseConcentric: 75, gain: 0.80, capKg: 80},
	EchoLevelMax:    {baseConcentric: 85, gain: 1.00, capKg: 100},
}

// Eccentric overload above 100% trades concentric load away at this rate,
// down to a floor that keeps the concentric phase from going slack.
const (
	echoOverloadSlope   = 0.3
	echoConcentricFloor = 25.0
)

// ComputeEchoParams derives the concentric percentage, gain and weight cap
// for an echo set. Pure function: same inputs, same outputs, no radio.
// eccentricPercent must be within 0..150; above 150 the hardware cannot
// follow and the request is rejected rather than clamped.
func ComputeEchoParams(level EchoLevel, eccentricPercent float64) (EchoParams, error) {
	if !level.IsValid() {
		return EchoParams{}, fmt.Errorf("%w: echo level %d", ErrInvalidParameter, level)
	}
	if eccentricPercent < 0 {
		return EchoParams{}, fmt.Errorf("%w: eccentric load %.1f%%", ErrInvalidParameter, eccentricPercent)
	}
	if eccentricPercent > MaxEccentricPercent {
		return EchoParams{}, fmt.Errorf("%w: eccentric load %.1f%% > %.0f%%",
			ErrOutOfHardwareRange, eccentricPercent, MaxEccentricPercent)
	}

	tier := echoTiers[level]

	concentric := tier.baseConcentric
	if eccentricPercent > 100 {
		concentric -= (eccentricPercent - 100) * echoOverloadSlope
		if concentric < echoConcentricFloor {
			concentric = echoConcentricFloor
		}
	}

	return EchoParams{
		ConcentricPercent: concentric,
		Gain:              tier.gain,
		WeightCapKg:       tier.capKg,
	}, nil
}
