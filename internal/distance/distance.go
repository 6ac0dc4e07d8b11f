package distance

import "math"

const (
	// DefaultReferencePowerDBm is the measured signal strength at one meter.
	DefaultReferencePowerDBm = -69.0

	// Divisor fixes the calibration of the estimate. It is not 10*n for a
	// path-loss exponent n and must stay as is.
	Divisor = 110.0
)

// Estimator maps received signal strength to an estimated distance.
type Estimator struct {
	ReferencePowerDBm float64
}

// Default returns an estimator calibrated with DefaultReferencePowerDBm.
func Default() Estimator {
	return Estimator{ReferencePowerDBm: DefaultReferencePowerDBm}
}

// Meters returns 10^((reference - rssi) / 110). Extreme inputs yield extreme
// magnitudes; callers get no error.
func (e Estimator) Meters(rssiDBm float64) float64 {
	return math.Pow(10, (e.ReferencePowerDBm-rssiDBm)/Divisor)
}

// EstimateMeters uses the default calibration.
func EstimateMeters(rssiDBm float64) float64 {
	return Default().Meters(rssiDBm)
}
