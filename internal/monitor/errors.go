package monitor

import (
	"errors"
	"fmt"

	"github.com/rewired-gh/premiumwatch/internal/models"
)

// ErrNoSources is returned by New when no price source is registered.
var ErrNoSources = errors.New("no price sources configured")

// ReferenceFetchError means the reference rate could not be fetched and the
// whole round was skipped.
type ReferenceFetchError struct {
	Err error
}

func (e *ReferenceFetchError) Error() string {
	return fmt.Sprintf("failed to fetch reference rate: %v", e.Err)
}

func (e *ReferenceFetchError) Unwrap() error { return e.Err }

// PriceFetchError means one source was skipped because its price fetch failed.
type PriceFetchError struct {
	Source string
	Err    error
}

func (e *PriceFetchError) Error() string {
	return fmt.Sprintf("failed to fetch price from %s: %v", e.Source, e.Err)
}

func (e *PriceFetchError) Unwrap() error { return e.Err }

// InvalidSampleError means one source was skipped because its price or the
// reference rate could not produce a valid premium.
type InvalidSampleError struct {
	Source string
	Err    error
}

func (e *InvalidSampleError) Error() string {
	return fmt.Sprintf("invalid sample from %s: %v", e.Source, e.Err)
}

func (e *InvalidSampleError) Unwrap() error { return e.Err }

// DeliveryError means the alert state was committed but the notification
// could not be delivered. It is reported, never retried.
type DeliveryError struct {
	Source string
	Kind   models.AlertKind
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver %s alert for %s: %v", e.Kind, e.Source, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
