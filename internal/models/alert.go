// Package models defines the core domain entities: alerts and their kinds.
package models

import (
	"errors"
	"math"
	"time"
)

// AlertKind distinguishes a fired alert from a cleared one.
type AlertKind string

const (
	AlertFired   AlertKind = "fired"
	AlertCleared AlertKind = "cleared"
)

// Alert is a single fire or clear event for one price source.
type Alert struct {
	ID            string    `json:"id"`
	Source        string    `json:"source"`
	Kind          AlertKind `json:"kind"`
	MarketPrice   float64   `json:"market_price"`
	ReferenceRate float64   `json:"reference_rate"`
	Premium       float64   `json:"premium"`
	Threshold     float64   `json:"threshold"`
	DetectedAt    time.Time `json:"detected_at"`

	// Delivery outcome, filled in after the sink has been called.
	Delivered     bool   `json:"delivered"`
	DeliveryError string `json:"delivery_error,omitempty"`
}

// Validate checks alert field constraints.
func (a *Alert) Validate() error {
	if a.ID == "" {
		return errors.New("alert ID must not be empty")
	}
	if a.Source == "" {
		return errors.New("alert source must not be empty")
	}
	if a.Kind != AlertFired && a.Kind != AlertCleared {
		return errors.New("alert kind must be fired or cleared")
	}
	if !(a.MarketPrice > 0) || math.IsInf(a.MarketPrice, 0) {
		return errors.New("market price must be positive and finite")
	}
	if !(a.ReferenceRate > 0) || math.IsInf(a.ReferenceRate, 0) {
		return errors.New("reference rate must be positive and finite")
	}
	if math.IsNaN(a.Premium) || math.IsInf(a.Premium, 0) {
		return errors.New("premium must be finite")
	}
	if a.DetectedAt.IsZero() {
		return errors.New("detected at must be set")
	}
	if a.DetectedAt.After(time.Now().Add(time.Minute)) {
		return errors.New("detected at must not be in the future")
	}
	return nil
}
