package notify

import (
	"fmt"
	"strings"

	"github.com/rewired-gh/premiumwatch/internal/models"
	"github.com/rewired-gh/premiumwatch/internal/premium"
)

// Subject returns a one-line summary of a.
func Subject(a models.Alert) string {
	if a.Kind == models.AlertCleared {
		return fmt.Sprintf("Premium recovered [%s]: %s", a.Source, premium.Percent(a.Premium))
	}
	return fmt.Sprintf("Negative premium [%s]: %s", a.Source, premium.Percent(a.Premium))
}

// Body returns a plain-text description of a.
func Body(a models.Alert) string {
	var b strings.Builder
	if a.Kind == models.AlertCleared {
		b.WriteString("The premium has recovered above the reset level; the alert is cleared.\n\n")
	} else {
		b.WriteString("A low or negative premium was detected, worth a look.\n\n")
	}
	b.WriteString("--------------------------------\n")
	fmt.Fprintf(&b, "Venue:          %s\n", a.Source)
	fmt.Fprintf(&b, "USDT price:     %.4f\n", a.MarketPrice)
	fmt.Fprintf(&b, "Reference rate: %.4f\n", a.ReferenceRate)
	fmt.Fprintf(&b, "Premium:        %.4f%%\n", a.Premium*100)
	fmt.Fprintf(&b, "Threshold:      %s\n", premium.Percent(a.Threshold))
	b.WriteString("--------------------------------\n")
	fmt.Fprintf(&b, "Time: %s\n", a.DetectedAt.Local().Format("2006-01-02 15:04:05"))
	return b.String()
}
