package notify

import (
	"context"

	"github.com/rewired-gh/premiumwatch/internal/logger"
	"github.com/rewired-gh/premiumwatch/internal/models"
)

// LogSender writes alerts to the process log. It is used when no external
// channel is configured.
type LogSender struct{}

func (LogSender) Name() string { return "log" }

func (LogSender) Deliver(_ context.Context, a models.Alert) error {
	logger.Warn("ALERT %s | %s", Subject(a), a.ID)
	return nil
}
