package ui

import (
	"strconv"

	"github.com/dgnsrekt/narrator/internal/ttypes"
)

// speedSteps are the speeds offered by the faster and slower keys.
var speedSteps = []float64{
	ttypes.MinSpeed,
	0.75,
	ttypes.DefaultSpeed,
	1.25,
	1.5,
	1.75,
	ttypes.MaxSpeed,
}

// fasterSpeed returns the next step above current, or current when already
// at the maximum.
func fasterSpeed(current float64) float64 {
	for _, speed := range speedSteps {
		if speed > current {
			return speed
		}
	}
	return current
}

// slowerSpeed returns the next step below current, or current when already
// at the minimum.
func slowerSpeed(current float64) float64 {
	for i := len(speedSteps) - 1; i >= 0; i-- {
		if speedSteps[i] < current {
			return speedSteps[i]
		}
	}
	return current
}

func formatSpeed(speed float64) string {
	return strconv.FormatFloat(speed, 'f', -1, 64) + "x"
}
