// Package premium computes the signed fractional spread of a market price
// over a reference rate.
package premium

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidSample is wrapped by every input validation error below.
	ErrInvalidSample = errors.New("invalid sample")

	ErrInvalidReference = fmt.Errorf("%w: reference rate must be positive and finite", ErrInvalidSample)
	ErrInvalidPrice     = fmt.Errorf("%w: market price must be positive and finite", ErrInvalidSample)
)

// Compute returns (marketPrice - referenceRate) / referenceRate.
// The result is not rounded.
func Compute(marketPrice, referenceRate float64) (float64, error) {
	if !positiveFinite(referenceRate) {
		return 0, fmt.Errorf("%w (got %v)", ErrInvalidReference, referenceRate)
	}
	if !positiveFinite(marketPrice) {
		return 0, fmt.Errorf("%w (got %v)", ErrInvalidPrice, marketPrice)
	}
	return (marketPrice - referenceRate) / referenceRate, nil
}

// Percent renders a premium fraction as a percentage string with two decimals.
func Percent(p float64) string {
	return fmt.Sprintf("%.2f%%", p*100)
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
