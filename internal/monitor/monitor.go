// Package monitor drives the fixed-interval sampling loop: it fetches the
// reference rate and every venue price, feeds premiums into the alert state
// machine and delivers fired alerts.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/premiumwatch/internal/alert"
	"github.com/rewired-gh/premiumwatch/internal/logger"
	"github.com/rewired-gh/premiumwatch/internal/models"
	"github.com/rewired-gh/premiumwatch/internal/premium"
)

// ReferenceProvider supplies the reference rate once per round.
type ReferenceProvider interface {
	Rate(ctx context.Context) (float64, error)
}

// PriceSource supplies one venue's market price. Name must be stable,
// non-empty and unique among registered sources.
type PriceSource interface {
	Name() string
	Price(ctx context.Context) (float64, error)
}

// Sink delivers alert notifications.
type Sink interface {
	Deliver(ctx context.Context, a models.Alert) error
}

// Journal records fired and cleared alerts. It is never read back to restore
// alert state.
type Journal interface {
	AddAlert(a *models.Alert) error
}

// Recorder observes round outcomes, typically for metrics.
type Recorder interface {
	RoundCompleted(d time.Duration)
	RoundSkipped()
	SourceFailed(source, reason string)
	PremiumObserved(source string, premium float64)
	DecisionMade(source string, d alert.Decision)
	DeliveryFinished(source string, kind models.AlertKind, err error)
}

// Config controls round timing and delivery behavior.
type Config struct {
	CheckInterval        time.Duration
	FetchTimeout         time.Duration
	DeliveryTimeout      time.Duration
	NotifyOnClear        bool
	MaxConcurrentFetches int // 0 = fetch every source at once
}

// DefaultConfig polls every minute with 15s fetches and 30s deliveries.
func DefaultConfig() Config {
	return Config{
		CheckInterval:   60 * time.Second,
		FetchTimeout:    15 * time.Second,
		DeliveryTimeout: 30 * time.Second,
	}
}

// SourceResult is the outcome of one source in one round.
type SourceResult struct {
	Source      string
	MarketPrice float64
	Premium     float64
	Decision    alert.Decision
	Alert       *models.Alert
	Err         error
}

// RoundReport summarizes one round.
type RoundReport struct {
	StartedAt     time.Time
	Duration      time.Duration
	ReferenceRate float64
	Results       []SourceResult
}

// Failures counts sources whose result carries an error.
func (r RoundReport) Failures() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithJournal records every fired and cleared alert in j.
func WithJournal(j Journal) Option {
	return func(m *Monitor) { m.journal = j }
}

// WithRecorder reports round outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(m *Monitor) { m.recorder = r }
}

// WithRoundHook calls fn after every round started by Run.
func WithRoundHook(fn func(RoundReport, error)) Option {
	return func(m *Monitor) { m.onRound = fn }
}

// Monitor runs sampling rounds over a fixed set of price sources.
type Monitor struct {
	config    Config
	reference ReferenceProvider
	sources   []PriceSource
	machine   *alert.StateMachine
	sink      Sink
	journal   Journal
	recorder  Recorder
	onRound   func(RoundReport, error)
}

// New wires a Monitor. Sources are evaluated in the order given.
func New(config Config, ref ReferenceProvider, sources []PriceSource, machine *alert.StateMachine, sink Sink, opts ...Option) (*Monitor, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	if ref == nil {
		return nil, errors.New("reference provider is required")
	}
	if machine == nil {
		return nil, errors.New("alert state machine is required")
	}
	if sink == nil {
		return nil, errors.New("alert sink is required")
	}
	if config.CheckInterval <= 0 {
		return nil, errors.New("check interval must be positive")
	}

	seen := make(map[string]bool, len(sources))
	for i, src := range sources {
		if src == nil {
			return nil, fmt.Errorf("price source %d is nil", i)
		}
		name := src.Name()
		if name == "" {
			return nil, fmt.Errorf("price source %d has an empty name", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate price source name: %s", name)
		}
		seen[name] = true
	}

	defaults := DefaultConfig()
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = defaults.FetchTimeout
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = defaults.DeliveryTimeout
	}

	m := &Monitor{
		config:    config,
		reference: ref,
		sources:   append([]PriceSource(nil), sources...),
		machine:   machine,
		sink:      sink,
		recorder:  nopRecorder{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.recorder == nil {
		m.recorder = nopRecorder{}
	}
	return m, nil
}

// SourceNames returns the registered source names in evaluation order.
func (m *Monitor) SourceNames() []string {
	names := make([]string, len(m.sources))
	for i, src := range m.sources {
		names[i] = src.Name()
	}
	return names
}

// Run executes one round immediately and then one per CheckInterval until ctx
// is cancelled. Rounds never overlap; ticks missed while a round is running
// are dropped.
func (m *Monitor) Run(ctx context.Context) error {
	th := m.machine.Thresholds()
	logger.Info("Starting premium monitor (interval: %v, sources: %s, threshold: %s, min_hits: %d, reset_buffer: %s)",
		m.config.CheckInterval,
		strings.Join(m.SourceNames(), ", "),
		premium.Percent(th.PremiumThreshold),
		th.MinConsecutiveHits,
		premium.Percent(th.ResetBuffer),
	)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	logger.Debug("Running initial round")
	m.runRound(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			logger.Debug("Starting scheduled round")
			m.runRound(ctx)
		}
	}
}

func (m *Monitor) runRound(ctx context.Context) {
	report, err := m.RunRound(ctx)
	if m.onRound != nil {
		m.onRound(report, err)
	}
}

// RunRound performs one sampling round. It returns a *ReferenceFetchError when
// the round was skipped, or ctx.Err() when the round was abandoned before any
// evaluation. Per-source failures are reported in RoundReport.Results.
func (m *Monitor) RunRound(ctx context.Context) (RoundReport, error) {
	report := RoundReport{StartedAt: time.Now()}

	rate, err := callWithTimeout(ctx, m.config.FetchTimeout, m.reference.Rate)
	if err != nil {
		m.recorder.RoundSkipped()
		report.Duration = time.Since(report.StartedAt)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}
		logger.Error("Failed to fetch reference rate, skipping round: %v", err)
		return report, &ReferenceFetchError{Err: err}
	}
	report.ReferenceRate = rate
	logger.Debug("Reference rate: %.4f", rate)

	prices := m.fetchPrices(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		// Abandon before any state is touched.
		m.recorder.RoundSkipped()
		report.Duration = time.Since(report.StartedAt)
		return report, ctxErr
	}

	report.Results = make([]SourceResult, 0, len(m.sources))
	for i, src := range m.sources {
		report.Results = append(report.Results, m.processSource(ctx, src.Name(), prices[i], rate))
	}

	report.Duration = time.Since(report.StartedAt)
	m.recorder.RoundCompleted(report.Duration)
	logger.Info("Round completed in %v (%d sources, %d failed)", report.Duration, len(report.Results), report.Failures())
	return report, nil
}

type fetchResult struct {
	price float64
	err   error
}

// fetchPrices queries every source concurrently. Each fetch is bounded by
// FetchTimeout; all fetches have finished or been abandoned on return.
func (m *Monitor) fetchPrices(ctx context.Context) []fetchResult {
	results := make([]fetchResult, len(m.sources))

	var g errgroup.Group
	if m.config.MaxConcurrentFetches > 0 {
		g.SetLimit(m.config.MaxConcurrentFetches)
	}
	for i, src := range m.sources {
		i, src := i, src
		g.Go(func() error {
			price, err := callWithTimeout(ctx, m.config.FetchTimeout, src.Price)
			results[i] = fetchResult{price: price, err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (m *Monitor) processSource(ctx context.Context, name string, fetched fetchResult, rate float64) SourceResult {
	res := SourceResult{Source: name, Decision: alert.NoAction}

	if fetched.err != nil {
		logger.Error("Failed to fetch price from %s: %v", name, fetched.err)
		m.recorder.SourceFailed(name, "fetch")
		res.Err = &PriceFetchError{Source: name, Err: fetched.err}
		return res
	}
	res.MarketPrice = fetched.price

	p, err := premium.Compute(fetched.price, rate)
	if err != nil {
		logger.Error("Invalid sample from %s (price=%v, reference=%v): %v", name, fetched.price, rate, err)
		m.recorder.SourceFailed(name, "invalid_sample")
		res.Err = &InvalidSampleError{Source: name, Err: err}
		return res
	}
	res.Premium = p
	m.recorder.PremiumObserved(name, p)
	logger.Info("%s: USDT=%.4f reference=%.4f premium=%s", name, fetched.price, rate, premium.Percent(p))

	decision := m.machine.Evaluate(name, p)
	res.Decision = decision
	m.recorder.DecisionMade(name, decision)

	switch decision {
	case alert.Fire:
		logger.Warn("Negative premium on %s: %s is below threshold %s",
			name, premium.Percent(p), premium.Percent(m.machine.Thresholds().PremiumThreshold))
		a := m.newAlert(name, models.AlertFired, fetched.price, rate, p)
		res.Alert = a
		res.Err = m.deliver(ctx, a)
	case alert.Clear:
		logger.Info("Premium on %s recovered to %s, alert cleared", name, premium.Percent(p))
		a := m.newAlert(name, models.AlertCleared, fetched.price, rate, p)
		res.Alert = a
		if m.config.NotifyOnClear {
			res.Err = m.deliver(ctx, a)
		} else {
			m.record(a)
		}
	case alert.AlreadyAlerting:
		logger.Debug("%s still below threshold, alert already sent", name)
	}

	return res
}

func (m *Monitor) newAlert(source string, kind models.AlertKind, price, rate, p float64) *models.Alert {
	return &models.Alert{
		ID:            uuid.New().String(),
		Source:        source,
		Kind:          kind,
		MarketPrice:   price,
		ReferenceRate: rate,
		Premium:       p,
		Threshold:     m.machine.Thresholds().PremiumThreshold,
		DetectedAt:    time.Now(),
	}
}

// deliver sends a through the sink with its own timeout. A failure does not
// touch the alert state.
func (m *Monitor) deliver(ctx context.Context, a *models.Alert) error {
	_, err := callWithTimeout(ctx, m.config.DeliveryTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.sink.Deliver(ctx, *a)
	})
	m.recorder.DeliveryFinished(a.Source, a.Kind, err)

	var derr error
	if err != nil {
		a.DeliveryError = err.Error()
		derr = &DeliveryError{Source: a.Source, Kind: a.Kind, Err: err}
		logger.Error("%v", derr)
	} else {
		a.Delivered = true
		logger.Info("Delivered %s alert for %s", a.Kind, a.Source)
	}
	m.record(a)
	return derr
}

func (m *Monitor) record(a *models.Alert) {
	if m.journal == nil {
		return
	}
	if err := m.journal.AddAlert(a); err != nil {
		logger.Warn("Failed to record %s alert for %s: %v", a.Kind, a.Source, err)
	}
}

// callWithTimeout runs fn under a deadline and stops waiting once it passes,
// even if fn ignores its context.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

type nopRecorder struct{}

func (nopRecorder) RoundCompleted(time.Duration) {}
func (nopRecorder) RoundSkipped() {}
func (nopRecorder) SourceFailed(string, string) {}
func (nopRecorder) PremiumObserved(string, float64) {}
func (nopRecorder) DecisionMade(string, alert.Decision) {}
func (nopRecorder) DeliveryFinished(string, models.AlertKind, error) {}
