package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/premiumwatch/internal/alert"
	"github.com/rewired-gh/premiumwatch/internal/models"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

type fakeReference struct {
	mu    sync.Mutex
	rates []float64
	errs  []error
	calls int
}

func (f *fakeReference) Rate(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return 0, f.errs[i]
	}
	if i >= len(f.rates) {
		return f.rates[len(f.rates)-1], nil
	}
	return f.rates[i], nil
}

type fakeSource struct {
	name   string
	mu     sync.Mutex
	prices []float64
	errs   []error
	calls  int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Price(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return 0, f.errs[i]
	}
	if i >= len(f.prices) {
		return f.prices[len(f.prices)-1], nil
	}
	return f.prices[i], nil
}

// funcSource lets a test control fetch behavior directly.
type funcSource struct {
	name string
	fn   func(ctx context.Context) (float64, error)
}

func (f funcSource) Name() string { return f.name }
func (f funcSource) Price(ctx context.Context) (float64, error) { return f.fn(ctx) }

type fakeSink struct {
	mu        sync.Mutex
	delivered []models.Alert
	err       error
	block     bool
}

func (f *fakeSink) Deliver(ctx context.Context, a models.Alert) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, a)
	return f.err
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

type fakeJournal struct {
	alerts []models.Alert
}

func (f *fakeJournal) AddAlert(a *models.Alert) error {
	f.alerts = append(f.alerts, *a)
	return nil
}

type fakeRecorder struct {
	nopRecorder
	mu        sync.Mutex
	skipped   int
	completed int
	failures  map[string]string
}

func (f *fakeRecorder) RoundSkipped() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipped++
}

func (f *fakeRecorder) RoundCompleted(time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed++
}

func (f *fakeRecorder) SourceFailed(source, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures == nil {
		f.failures = make(map[string]string)
	}
	f.failures[source] = reason
}

func testConfig() Config {
	return Config{
		CheckInterval:   10 * time.Millisecond,
		FetchTimeout:    time.Second,
		DeliveryTimeout: time.Second,
	}
}

func newMachine(t *testing.T, threshold float64, hits int) *alert.StateMachine {
	t.Helper()
	sm, err := alert.New(alert.Thresholds{PremiumThreshold: threshold, MinConsecutiveHits: hits, ResetBuffer: 0.005})
	require.NoError(t, err)
	return sm
}

func decisions(report RoundReport) []alert.Decision {
	out := make([]alert.Decision, len(report.Results))
	for i, r := range report.Results {
		out[i] = r.Decision
	}
	return out
}

// ─── Construction ────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	ref := &fakeReference{rates: []float64{7}}
	sink := &fakeSink{}
	sm := newMachine(t, -0.02, 1)
	src := func(name string) PriceSource { return &fakeSource{name: name, prices: []float64{7}} }

	tests := []struct {
		name    string
		build   func() (*Monitor, error)
		wantErr error
	}{
		{
			name:    "no sources",
			build:   func() (*Monitor, error) { return New(testConfig(), ref, nil, sm, sink) },
			wantErr: ErrNoSources,
		},
		{
			name:  "duplicate names",
			build: func() (*Monitor, error) { return New(testConfig(), ref, []PriceSource{src("OKX"), src("OKX")}, sm, sink) },
		},
		{
			name:  "empty name",
			build: func() (*Monitor, error) { return New(testConfig(), ref, []PriceSource{src("")}, sm, sink) },
		},
		{
			name:  "nil sink",
			build: func() (*Monitor, error) { return New(testConfig(), ref, []PriceSource{src("OKX")}, sm, nil) },
		},
		{
			name:  "nil reference",
			build: func() (*Monitor, error) { return New(testConfig(), nil, []PriceSource{src("OKX")}, sm, sink) },
		},
		{
			name: "zero interval",
			build: func() (*Monitor, error) {
				return New(Config{}, ref, []PriceSource{src("OKX")}, sm, sink)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := tt.build()
			require.Error(t, err)
			assert.Nil(t, m)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	m, err := New(Config{CheckInterval: time.Second}, ref, []PriceSource{src("OKX"), src("Binance")}, sm, sink)
	require.NoError(t, err)
	assert.Equal(t, []string{"OKX", "Binance"}, m.SourceNames())
	assert.Equal(t, DefaultConfig().FetchTimeout, m.config.FetchTimeout)
	assert.Equal(t, DefaultConfig().DeliveryTimeout, m.config.DeliveryTimeout)
}

// ─── Rounds ──────────────────────────────────────────────────────────────────

func TestRunRound_ConcreteScenario(t *testing.T) {
	ref := &fakeReference{rates: []float64{7.00}}
	src := &fakeSource{name: "X", prices: []float64{6.70, 6.85, 7.05}}
	sink := &fakeSink{}
	journal := &fakeJournal{}
	sm := newMachine(t, -0.02, 1)

	m, err := New(testConfig(), ref, []PriceSource{src}, sm, sink, WithJournal(journal))
	require.NoError(t, err)

	ctx := context.Background()

	r1, err := m.RunRound(ctx)
	require.NoError(t, err)
	require.Len(t, r1.Results, 1)
	assert.Equal(t, alert.Fire, r1.Results[0].Decision)
	assert.InDelta(t, -0.042857, r1.Results[0].Premium, 1e-6)
	require.Equal(t, 1, sink.count())

	got := sink.delivered[0]
	assert.Equal(t, "X", got.Source)
	assert.Equal(t, models.AlertFired, got.Kind)
	assert.Equal(t, 6.70, got.MarketPrice)
	assert.Equal(t, 7.00, got.ReferenceRate)
	assert.InDelta(t, -0.042857, got.Premium, 1e-6)
	assert.Equal(t, -0.02, got.Threshold)
	assert.NotEmpty(t, got.ID)

	r2, err := m.RunRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, alert.AlreadyAlerting, r2.Results[0].Decision)
	assert.Equal(t, 1, sink.count(), "delivery must not repeat while alerting")

	r3, err := m.RunRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, alert.Clear, r3.Results[0].Decision)
	assert.Equal(t, 1, sink.count(), "clear is not delivered unless configured")

	require.Len(t, journal.alerts, 2)
	assert.Equal(t, models.AlertFired, journal.alerts[0].Kind)
	assert.True(t, journal.alerts[0].Delivered)
	assert.Equal(t, models.AlertCleared, journal.alerts[1].Kind)
	assert.False(t, journal.alerts[1].Delivered)
}

func TestRunRound_IsolatesSourceFailures(t *testing.T) {
	ref := &fakeReference{rates: []float64{7.00}}
	a := &fakeSource{name: "A", errs: []error{errors.New("connection reset")}, prices: []float64{6.5}}
	b := &fakeSource{name: "B", prices: []float64{6.5}}
	sink := &fakeSink{}
	rec := &fakeRecorder{}

	m, err := New(testConfig(), ref, []PriceSource{a, b}, newMachine(t, -0.02, 1), sink, WithRecorder(rec))
	require.NoError(t, err)

	report, err := m.RunRound(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	var fetchErr *PriceFetchError
	require.ErrorAs(t, report.Results[0].Err, &fetchErr)
	assert.Equal(t, "A", fetchErr.Source)
	assert.Equal(t, alert.NoAction, report.Results[0].Decision)

	assert.NoError(t, report.Results[1].Err)
	assert.Equal(t, alert.Fire, report.Results[1].Decision)
	require.Equal(t, 1, sink.count())
	assert.Equal(t, "B", sink.delivered[0].Source)

	assert.Equal(t, 1, report.Failures())
	assert.Equal(t, "fetch", rec.failures["A"])
	assert.Equal(t, 1, rec.completed)
}

func TestRunRound_SkipsRoundWhenReferenceFails(t *testing.T) {
	ref := &fakeReference{rates: []float64{7.00}, errs: []error{errors.New("forex down")}}
	src := &fakeSource{name: "A", prices: []float64{6.5}}
	sink := &fakeSink{}
	sm := newMachine(t, -0.02, 1)
	rec := &fakeRecorder{}

	m, err := New(testConfig(), ref, []PriceSource{src}, sm, sink, WithRecorder(rec))
	require.NoError(t, err)

	report, err := m.RunRound(context.Background())
	var refErr *ReferenceFetchError
	require.ErrorAs(t, err, &refErr)
	assert.Empty(t, report.Results)
	assert.Empty(t, sm.Snapshot(), "no state may be touched in a skipped round")
	assert.Zero(t, src.calls, "no source is fetched without a reference rate")
	assert.Zero(t, sink.count())
	assert.Equal(t, 1, rec.skipped)

	// The next round proceeds normally.
	report, err = m.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []alert.Decision{alert.Fire}, decisions(report))
}

func TestRunRound_InvalidSampleDoesNotReachStateMachine(t *testing.T) {
	ref := &fakeReference{rates: []float64{7.00}}
	bad := &fakeSource{name: "Bad", prices: []float64{0}}
	good := &fakeSource{name: "Good", prices: []float64{7.10}}
	sm := newMachine(t, -0.02, 1)
	rec := &fakeRecorder{}

	m, err := New(testConfig(), ref, []PriceSource{bad, good}, sm, &fakeSink{}, WithRecorder(rec))
	require.NoError(t, err)

	report, err := m.RunRound(context.Background())
	require.NoError(t, err)

	var sampleErr *InvalidSampleError
	require.ErrorAs(t, report.Results[0].Err, &sampleErr)
	assert.Equal(t, "Bad", sampleErr.Source)

	_, known := sm.State("Bad")
	assert.False(t, known)
	_, known = sm.State("Good")
	assert.True(t, known)
	assert.Equal(t, "invalid_sample", rec.failures["Bad"])
}

func TestRunRound_InvalidReferenceSkipsEverySource(t *testing.T) {
	ref := &fakeReference{rates: []float64{0}}
	src := &fakeSource{name: "A", prices: []float64{6.5}}
	sm := newMachine(t, -0.02, 1)

	m, err := New(testConfig(), ref, []PriceSource{src}, sm, &fakeSink{})
	require.NoError(t, err)

	report, err := m.RunRound(context.Background())
	require.NoError(t, err)
	var sampleErr *InvalidSampleError
	require.ErrorAs(t, report.Results[0].Err, &sampleErr)
	assert.Empty(t, sm.Snapshot())
}

func TestRunRound_DeliveryFailureKeepsAlertLatched(t *testing.T) {
	ref := &fakeReference{rates: []float64{7.00}}
	src := &fakeSource{name: "A", prices: []float64{6.5}}
	sink := &fakeSink{err: errors.New("smtp: 535 auth failed")}
	journal := &fakeJournal{}
	sm := newMachine(t, -0.02, 1)

	m, err := New(testConfig(), ref, []PriceSource{src}, sm, sink, WithJournal(journal))
	require.NoError(t, err)

	report, err := m.RunRound(context.Background())
	require.NoError(t, err)

	var delivErr *DeliveryError
	require.ErrorAs(t, report.Results[0].Err, &delivErr)
	assert.Equal(t, models.AlertFired, delivErr.Kind)
	assert.Equal(t, alert.Fire, report.Results[0].Decision)

	state, _ := sm.State("A")
	assert.True(t, state.Alerting, "a failed delivery must not revert the alert state")

	require.Len(t, journal.alerts, 1)
	assert.False(t, journal.alerts[0].Delivered)
	assert.Contains(t, journal.alerts[0].DeliveryError, "535")

	report, err = m.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, alert.AlreadyAlerting, report.Results[0].Decision)
	assert.Equal(t, 1, sink.count(), "delivery is not retried mid-episode")
}

func TestRunRound_DeliveryTimeout(t *testing.T) {
	ref := &fakeReference{rates: []float64{7.00}}
	src := &fakeSource{name: "A", prices: []float64{6.5}}
	sink := &fakeSink{block: true}
	cfg := testConfig()
	cfg.DeliveryTimeout = 20 * time.Millisecond

	m, err := New(cfg, ref, []PriceSource{src}, newMachine(t, -0.02, 1), sink)
	require.NoError(t, err)

	report, err := m.RunRound(context.Background())
	require.NoError(t, err)

	var delivErr *DeliveryError
	require.ErrorAs(t, report.Results[0].Err, &delivErr)
	assert.ErrorIs(t, delivErr, context.DeadlineExceeded)
}

func TestRunRound_NotifyOnClear(t *testing.T) {
	ref := &fakeReference{rates: []float64{7.00}}
	src := &fakeSource{name: "A", prices: []float64{6.5, 7.1}}
	sink := &fakeSink{}
	cfg := testConfig()
	cfg.NotifyOnClear = true

	m, err := New(cfg, ref, []PriceSource{src}, newMachine(t, -0.02, 1), sink)
	require.NoError(t, err)

	_, err = m.RunRound(context.Background())
	require.NoError(t, err)
	report, err := m.RunRound(context.Background())
	require.NoError(t, err)

	assert.Equal(t, alert.Clear, report.Results[0].Decision)
	require.Equal(t, 2, sink.count())
	assert.Equal(t, models.AlertFired, sink.delivered[0].Kind)
	assert.Equal(t, models.AlertCleared, sink.delivered[1].Kind)
}

func TestRunRound_HungFetchIsAbandoned(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	hung := funcSource{name: "Hung", fn: func(ctx context.Context) (float64, error) {
		<-release // ignores ctx on purpose
		return 6.5, nil
	}}
	ok := &fakeSource{name: "OK", prices: []float64{6.5}}

	cfg := testConfig()
	cfg.FetchTimeout = 30 * time.Millisecond
	m, err := New(cfg, &fakeReference{rates: []float64{7.00}}, []PriceSource{hung, ok}, newMachine(t, -0.02, 1), &fakeSink{})
	require.NoError(t, err)

	report, err := m.RunRound(context.Background())
	require.NoError(t, err)

	var fetchErr *PriceFetchError
	require.ErrorAs(t, report.Results[0].Err, &fetchErr)
	assert.ErrorIs(t, fetchErr, context.DeadlineExceeded)
	assert.Equal(t, alert.Fire, report.Results[1].Decision)
}

func TestRunRound_FetchesConcurrently(t *testing.T) {
	// Each source waits until the other has started; sequential fetching
	// would time out.
	var started sync.WaitGroup
	started.Add(2)
	barrier := func(ctx context.Context) (float64, error) {
		started.Done()
		done := make(chan struct{})
		go func() {
			started.Wait()
			close(done)
		}()
		select {
		case <-done:
			return 6.5, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	cfg := testConfig()
	cfg.FetchTimeout = 2 * time.Second
	sources := []PriceSource{funcSource{name: "A", fn: barrier}, funcSource{name: "B", fn: barrier}}
	m, err := New(cfg, &fakeReference{rates: []float64{7.00}}, sources, newMachine(t, -0.02, 1), &fakeSink{})
	require.NoError(t, err)

	report, err := m.RunRound(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Failures())
	assert.Equal(t, []alert.Decision{alert.Fire, alert.Fire}, decisions(report))
}

func TestRunRound_LimitsConcurrentFetches(t *testing.T) {
	var inFlight, peak atomic.Int32
	limited := func(ctx context.Context) (float64, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return 7.0, nil
	}

	cfg := testConfig()
	cfg.MaxConcurrentFetches = 2
	sources := make([]PriceSource, 5)
	for i := range sources {
		sources[i] = funcSource{name: fmt.Sprintf("S%d", i), fn: limited}
	}
	m, err := New(cfg, &fakeReference{rates: []float64{7.00}}, sources, newMachine(t, -0.02, 1), &fakeSink{})
	require.NoError(t, err)

	report, err := m.RunRound(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Failures())
	assert.Len(t, report.Results, 5)
	assert.Equal(t, int32(2), peak.Load())
}

func TestRunRound_PreservesRegistrationOrder(t *testing.T) {
	names := []string{"Zeta", "Alpha", "Mid", "Beta"}
	sources := make([]PriceSource, len(names))
	for i, n := range names {
		sources[i] = &fakeSource{name: n, prices: []float64{7.0}}
	}

	m, err := New(testConfig(), &fakeReference{rates: []float64{7.00}}, sources, newMachine(t, -0.02, 1), &fakeSink{})
	require.NoError(t, err)

	report, err := m.RunRound(context.Background())
	require.NoError(t, err)
	for i, res := range report.Results {
		assert.Equal(t, names[i], res.Source)
	}
}

func TestRunRound_CancelledContextTouchesNoState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := funcSource{name: "A", fn: func(context.Context) (float64, error) {
		cancel()
		return 6.5, nil
	}}
	sm := newMachine(t, -0.02, 1)
	sink := &fakeSink{}

	m, err := New(testConfig(), &fakeReference{rates: []float64{7.00}}, []PriceSource{src}, sm, sink)
	require.NoError(t, err)

	_, err = m.RunRound(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sm.Snapshot())
	assert.Zero(t, sink.count())
}

// ─── Loop ────────────────────────────────────────────────────────────────────

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var rounds []RoundReport
	hook := func(r RoundReport, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			rounds = append(rounds, r)
		}
		if len(rounds) == 3 {
			cancel()
		}
	}

	src := &fakeSource{name: "A", prices: []float64{6.5, 6.5, 7.1}}
	sink := &fakeSink{}
	m, err := New(testConfig(), &fakeReference{rates: []float64{7.00}}, []PriceSource{src}, newMachine(t, -0.02, 1), sink, WithRoundHook(hook))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(rounds), 3)
	assert.Equal(t, alert.Fire, rounds[0].Results[0].Decision)
	assert.Equal(t, alert.AlreadyAlerting, rounds[1].Results[0].Decision)
	assert.Equal(t, alert.Clear, rounds[2].Results[0].Decision)
	assert.Equal(t, 1, sink.count())
}

func TestRun_ReferenceFailuresDoNotStopLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ref := &fakeReference{
		rates: []float64{7.00},
		errs:  []error{errors.New("down"), errors.New("down")},
	}

	var mu sync.Mutex
	var skipped, evaluated int
	hook := func(r RoundReport, err error) {
		mu.Lock()
		defer mu.Unlock()
		var refErr *ReferenceFetchError
		switch {
		case errors.As(err, &refErr):
			skipped++
		case err == nil:
			evaluated++
			cancel()
		}
	}

	m, err := New(testConfig(), ref, []PriceSource{&fakeSource{name: "A", prices: []float64{7.1}}}, newMachine(t, -0.02, 1), &fakeSink{}, WithRoundHook(hook))
	require.NoError(t, err)

	err = m.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, skipped)
	assert.Equal(t, 1, evaluated)
}
