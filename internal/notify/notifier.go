// Package notify delivers fired and cleared alerts to one or more channels.
// Every registered sender receives each alert; a failing sender does not
// prevent delivery to the others.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rewired-gh/premiumwatch/internal/logger"
	"github.com/rewired-gh/premiumwatch/internal/models"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	Deliver(ctx context.Context, a models.Alert) error
	// Name returns a human-readable identifier for the sender (e.g. "email").
	Name() string
}

// Dispatcher fans alerts out to every registered Sender.
type Dispatcher struct {
	senders []Sender
}

// NewDispatcher creates a Dispatcher for the given senders.
func NewDispatcher(senders ...Sender) *Dispatcher {
	return &Dispatcher{senders: senders}
}

// Names returns the names of the registered senders.
func (d *Dispatcher) Names() []string {
	names := make([]string, len(d.senders))
	for i, s := range d.senders {
		names[i] = s.Name()
	}
	return names
}

// Deliver sends a to all senders. Errors from individual senders are collected
// and returned as a combined error.
func (d *Dispatcher) Deliver(ctx context.Context, a models.Alert) error {
	if len(d.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range d.senders {
		if err := s.Deliver(ctx, a); err != nil {
			logger.Error("Sender %s failed for %s alert on %s: %v", s.Name(), a.Kind, a.Source, err)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		logger.Debug("Sender %s delivered %s alert on %s", s.Name(), a.Kind, a.Source)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d of %d sender(s) failed: %s", len(errs), len(d.senders), strings.Join(errs, "; "))
	}
	return nil
}
