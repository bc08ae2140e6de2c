// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/premiumwatch/internal/alert"
	"github.com/rewired-gh/premiumwatch/internal/logger"
	"github.com/rewired-gh/premiumwatch/internal/models"
	"github.com/rewired-gh/premiumwatch/internal/premium"
)

// StatusProvider exposes the current per-source alert states.
type StatusProvider interface {
	Snapshot() map[string]alert.State
	Thresholds() alert.Thresholds
}

// AlertHistory reads the alert journal.
type AlertHistory interface {
	RecentAlerts(k int) ([]models.Alert, error)
	SourceAlerts(source string, k int) ([]models.Alert, error)
	CountAlerts() (int, error)
}

// alertsPageSize is how many journal entries /alerts shows.
const alertsPageSize = 10

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

func (c *Client) Name() string { return "telegram" }

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled. history may be nil
// when the alert journal is disabled.
func (c *Client) ListenForCommands(ctx context.Context, status StatusProvider, history AlertHistory) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message, status, history)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message, status StatusProvider, history AlertHistory) {
	text, ok := commandReply(msg.Command(), msg.CommandArguments(), status, history)
	if !ok {
		return
	}
	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	reply.ParseMode = "MarkdownV2"
	if _, err := c.bot.Send(reply); err != nil {
		logger.Warn("Failed to answer /%s command: %v", msg.Command(), err)
	}
}

// commandReply builds the MarkdownV2 answer to a bot command. ok is false for
// unknown commands, which are ignored.
func commandReply(command, args string, status StatusProvider, history AlertHistory) (text string, ok bool) {
	switch command {
	case "ping":
		return "Pong", true
	case "status":
		return formatStatus(status.Snapshot(), status.Thresholds()), true
	case "alerts":
		return alertsReply(strings.TrimSpace(args), history), true
	default:
		return "", false
	}
}

func alertsReply(source string, history AlertHistory) string {
	if history == nil {
		return "Alert journal is disabled"
	}

	var alerts []models.Alert
	var err error
	if source == "" {
		alerts, err = history.RecentAlerts(alertsPageSize)
	} else {
		alerts, err = history.SourceAlerts(source, alertsPageSize)
	}
	if err != nil {
		logger.Warn("Failed to read alert journal: %v", err)
		return escapeMarkdownV2("Failed to read alert journal: " + err.Error())
	}

	total, err := history.CountAlerts()
	if err != nil {
		logger.Warn("Failed to count journaled alerts: %v", err)
		total = -1
	}
	return formatAlerts(alerts, source, total)
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up after %d attempt(s): %w", i+1, ctx.Err())
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a monitoring error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(ctx context.Context, roundErr error) error {
	text := fmt.Sprintf("⚠️ *Monitoring error*\n`%s`", escapeMarkdownV2(roundErr.Error()))
	return c.sendMarkdownV2(ctx, text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(ctx context.Context, failureCount int) error {
	text := fmt.Sprintf("✅ *Monitoring recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(ctx, text)
}

// Deliver sends a fired or cleared alert.
func (c *Client) Deliver(ctx context.Context, a models.Alert) error {
	return c.sendMarkdownV2(ctx, formatAlert(a))
}

// formatAlert formats an alert into a Telegram MarkdownV2 message.
func formatAlert(a models.Alert) string {
	var b strings.Builder
	if a.Kind == models.AlertCleared {
		fmt.Fprintf(&b, "✅ *Premium recovered* \\[%s\\]\n\n", escapeMarkdownV2(a.Source))
	} else {
		fmt.Fprintf(&b, "🚨 *Negative premium* \\[%s\\]\n\n", escapeMarkdownV2(a.Source))
	}

	fmt.Fprintf(&b, "💵 USDT: %s\n", escapeMarkdownV2(fmt.Sprintf("%.4f", a.MarketPrice)))
	fmt.Fprintf(&b, "🏦 Reference: %s\n", escapeMarkdownV2(fmt.Sprintf("%.4f", a.ReferenceRate)))
	fmt.Fprintf(&b, "📉 Premium: *%s* \\(threshold %s\\)\n",
		escapeMarkdownV2(premium.Percent(a.Premium)),
		escapeMarkdownV2(premium.Percent(a.Threshold)))
	fmt.Fprintf(&b, "📅 %s", escapeMarkdownV2(a.DetectedAt.Format("2006-01-02 15:04:05")))
	return b.String()
}

// formatStatus renders the alert state of every known source, sorted by name.
func formatStatus(states map[string]alert.State, th alert.Thresholds) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 *Status* \\(threshold %s, clear above %s, hits %d\\)\n\n",
		escapeMarkdownV2(premium.Percent(th.PremiumThreshold)),
		escapeMarkdownV2(premium.Percent(th.ClearLevel())),
		th.MinConsecutiveHits)

	if len(states) == 0 {
		b.WriteString("No samples yet")
		return b.String()
	}

	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		st := states[name]
		icon := "🟢"
		if st.Alerting {
			icon = "🔴"
		}
		fmt.Fprintf(&b, "%s %s: below for %d round\\(s\\)\n", icon, escapeMarkdownV2(name), st.ConsecutiveBelow)
	}
	return b.String()
}

// formatAlerts renders journal entries newest first. A negative total is omitted.
func formatAlerts(alerts []models.Alert, source string, total int) string {
	var b strings.Builder
	b.WriteString("🗂 *Recent alerts*")
	if source != "" {
		fmt.Fprintf(&b, " \\[%s\\]", escapeMarkdownV2(source))
	}
	if total >= 0 {
		fmt.Fprintf(&b, " \\(%d journaled\\)", total)
	}
	b.WriteString("\n\n")

	if len(alerts) == 0 {
		b.WriteString("No alerts recorded")
		return b.String()
	}

	for _, a := range alerts {
		icon := "🚨"
		if a.Kind == models.AlertCleared {
			icon = "✅"
		}
		delivery := "delivered"
		if !a.Delivered {
			delivery = "not delivered"
		}
		fmt.Fprintf(&b, "%s %s %s %s, %s\n",
			icon,
			escapeMarkdownV2(a.DetectedAt.Format("01-02 15:04")),
			escapeMarkdownV2(a.Source),
			escapeMarkdownV2(premium.Percent(a.Premium)),
			delivery)
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
