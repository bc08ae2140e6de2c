package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/premiumwatch/internal/alert"
	"github.com/rewired-gh/premiumwatch/internal/config"
	"github.com/rewired-gh/premiumwatch/internal/logger"
	"github.com/rewired-gh/premiumwatch/internal/metrics"
	"github.com/rewired-gh/premiumwatch/internal/monitor"
	"github.com/rewired-gh/premiumwatch/internal/notify"
	"github.com/rewired-gh/premiumwatch/internal/storage"
	"github.com/rewired-gh/premiumwatch/internal/telegram"
	"github.com/rewired-gh/premiumwatch/internal/venue"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file (empty: defaults and environment only)")

func main() {
	flag.Parse()

	if err := run(*configPath); err != nil {
		logger.Error("%v", err)
		logger.Sync()
		log.Fatalf("premiumwatch: %v", err)
	}
}

// run wires every component and blocks until SIGINT/SIGTERM. Deferred cleanup
// always runs before an error is returned.
func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := cfg.GetLoggingConfig()
	logger.Init(logCfg.Level, logCfg.Format, logger.FileConfig{
		Path:       logCfg.File,
		MaxSizeMB:  logCfg.MaxSizeMB,
		MaxBackups: logCfg.MaxBackups,
		MaxAgeDays: logCfg.MaxAgeDays,
	})
	defer logger.Sync()
	logger.Info("Configuration loaded from %q", path)

	reference, sources, err := buildVenues(cfg.GetSourcesConfig())
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return errors.New("no price source could be initialized")
	}

	monitorCfg := cfg.GetMonitorConfig()
	telegramCfg := cfg.GetTelegramConfig()
	var telegramClient *telegram.Client
	if telegramCfg.Enabled {
		telegramClient, err = telegram.NewClient(telegramCfg.BotToken, telegramCfg.ChatID, telegramCfg.MaxRetries, telegramCfg.RetryDelayBase)
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	sink, err := buildSink(cfg.GetEmailConfig(), monitorCfg.DeliveryTimeout, telegramClient)
	if err != nil {
		return err
	}
	logger.Info("Alert channels: %v", sink.Names())

	machine, err := alert.New(alert.Thresholds{
		PremiumThreshold:   monitorCfg.PremiumThreshold,
		MinConsecutiveHits: monitorCfg.MinConsecutiveHits,
		ResetBuffer:        monitorCfg.ResetBuffer,
	})
	if err != nil {
		return fmt.Errorf("invalid alert thresholds: %w", err)
	}

	opts := []monitor.Option{}

	var history telegram.AlertHistory
	if storageCfg := cfg.GetStorageConfig(); storageCfg.Enabled {
		store, err := storage.New(storageCfg.MaxRecords, storageCfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("Failed to close storage: %v", err)
			}
		}()
		// Apply a lowered max_records to a journal written by an earlier run.
		if err := store.Rotate(); err != nil {
			logger.Warn("Failed to rotate alert journal: %v", err)
		}
		opts = append(opts, monitor.WithJournal(store))
		history = store
		logger.Info("Alert journal at %s (max %d records)", storageCfg.DBPath, storageCfg.MaxRecords)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			logger.Info("Shutdown signal received, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
	}()

	if metricsCfg := cfg.GetMetricsConfig(); metricsCfg.Enabled {
		m := metrics.New()
		opts = append(opts, monitor.WithRecorder(m))
		go func() {
			if err := m.Serve(ctx, metricsCfg.Addr); err != nil {
				logger.Error("Metrics endpoint stopped: %v", err)
			}
		}()
	}

	if telegramClient != nil {
		telegramClient.ListenForCommands(ctx, machine, history)
	}

	consecutiveFailures := 0

	handleRoundResult := func(report monitor.RoundReport, err error) {
		if errors.Is(err, context.Canceled) {
			return
		}
		roundErr := roundFailure(report, err)
		if roundErr != nil {
			consecutiveFailures++
			logger.Error("Monitoring round failed: %v", roundErr)
			if consecutiveFailures == 1 && telegramClient != nil {
				if sendErr := notifyTelegram(ctx, monitorCfg.DeliveryTimeout, func(ctx context.Context) error {
					return telegramClient.SendError(ctx, roundErr)
				}); sendErr != nil {
					logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
		} else {
			if consecutiveFailures > 0 && telegramClient != nil {
				failures := consecutiveFailures
				if sendErr := notifyTelegram(ctx, monitorCfg.DeliveryTimeout, func(ctx context.Context) error {
					return telegramClient.SendRecovery(ctx, failures)
				}); sendErr != nil {
					logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
				}
			}
			consecutiveFailures = 0
		}
	}
	opts = append(opts, monitor.WithRoundHook(handleRoundResult))

	mon, err := monitor.New(monitorConfig(monitorCfg), reference, sources, machine, sink, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize monitor: %w", err)
	}

	if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("monitor exited: %w", err)
	}
	logger.Info("Service stopped")
	return nil
}

func monitorConfig(cfg config.MonitorConfig) monitor.Config {
	return monitor.Config{
		CheckInterval:        cfg.CheckInterval,
		FetchTimeout:         cfg.FetchTimeout,
		DeliveryTimeout:      cfg.DeliveryTimeout,
		NotifyOnClear:        cfg.NotifyOnClear,
		MaxConcurrentFetches: cfg.MaxConcurrentFetches,
	}
}

// buildVenues creates the reference provider and every enabled price source.
// A venue whose client cannot be built is logged and skipped.
func buildVenues(cfg config.SourcesConfig) (monitor.ReferenceProvider, []monitor.PriceSource, error) {
	newClient := func() (*venue.Client, error) {
		return venue.NewClient(venue.ClientConfig{
			UserAgent:      cfg.UserAgent,
			Proxy:          cfg.Proxy,
			Timeout:        cfg.Timeout,
			MaxRetries:     cfg.MaxRetries,
			RetryDelayBase: cfg.RetryDelayBase,
		})
	}

	refClient, err := newClient()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize reference rate client: %w", err)
	}
	reference := venue.NewFrankfurter(refClient, cfg.Forex.BaseURL, cfg.Forex.From, cfg.Forex.To)

	var sources []monitor.PriceSource
	if cfg.OKX.Enabled {
		if client, err := newClient(); err != nil {
			logger.Error("Skipping OKX: %v", err)
		} else {
			sources = append(sources, venue.NewOKX(client, cfg.OKX.BaseURL, cfg.OKX.Cookie, cfg.FilterAmount))
			logger.Info("OKX source enabled")
		}
	}
	if cfg.Binance.Enabled {
		if client, err := newClient(); err != nil {
			logger.Error("Skipping Binance: %v", err)
		} else {
			sources = append(sources, venue.NewBinance(client, cfg.Binance.BaseURL, cfg.FilterAmount))
			logger.Info("Binance source enabled")
		}
	}
	return reference, sources, nil
}

// buildSink fans alerts out to every enabled channel, falling back to the log
// when none is configured.
func buildSink(emailCfg config.EmailConfig, timeout time.Duration, telegramClient *telegram.Client) (*notify.Dispatcher, error) {
	var senders []notify.Sender
	if emailCfg.Enabled {
		email, err := notify.NewEmailSender(notify.EmailConfig{
			Host:     emailCfg.Host,
			Port:     emailCfg.Port,
			Username: emailCfg.Username,
			Password: emailCfg.Password,
			From:     emailCfg.From,
			To:       emailCfg.To,
			Timeout:  timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize email sender: %w", err)
		}
		senders = append(senders, email)
	}
	if telegramClient != nil {
		senders = append(senders, telegramClient)
	}
	if len(senders) == 0 {
		logger.Warn("No alert channel enabled, alerts will only be logged")
		senders = append(senders, notify.LogSender{})
	}
	return notify.NewDispatcher(senders...), nil
}

// roundFailure reports a round as failed when the reference rate was
// unavailable or every source failed to produce a premium. Delivery errors
// are not source failures: the sample was evaluated and the alert is latched.
func roundFailure(report monitor.RoundReport, err error) error {
	if err != nil {
		return err
	}
	n := len(report.Results)
	if n == 0 {
		return nil
	}
	var first error
	failed := 0
	for _, res := range report.Results {
		var fetchErr *monitor.PriceFetchError
		var sampleErr *monitor.InvalidSampleError
		if errors.As(res.Err, &fetchErr) || errors.As(res.Err, &sampleErr) {
			failed++
			if first == nil {
				first = res.Err
			}
		}
	}
	if failed < n {
		return nil
	}
	return fmt.Errorf("all %d price sources failed: %w", n, first)
}

func notifyTelegram(ctx context.Context, timeout time.Duration, send func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return send(ctx)
}
