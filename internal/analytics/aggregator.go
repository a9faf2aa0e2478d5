// Package analytics rolls ledger activity into fixed, wall-clock aligned
// windows.
package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/portalwatch/internal/ledger"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
)

// Sink receives every closed window exactly once.
type Sink interface {
	SaveWindow(ctx context.Context, w models.AnalyticsWindow) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, w models.AnalyticsWindow) error

func (f SinkFunc) SaveWindow(ctx context.Context, w models.AnalyticsWindow) error { return f(ctx, w) }

// SessionInfo supplies the session a window belongs to.
type SessionInfo func() models.Session

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithSession attaches session identity and uptime to closed windows.
func WithSession(info SessionInfo) Option {
	return func(a *Aggregator) { a.session = info }
}

// WithSink adds a destination for closed windows.
func WithSink(s Sink) Option {
	return func(a *Aggregator) { a.sinks = append(a.sinks, s) }
}

const maxClosed = 500

// Aggregator counts observations and outcomes into the open window. It is a
// ledger.Listener and is safe for concurrent use.
type Aggregator struct {
	width   time.Duration
	now     func() time.Time
	session SessionInfo
	sinks   []Sink
	logger  *slog.Logger

	mu         sync.Mutex
	open       *window
	closedEnds map[time.Time]bool
	closed     []models.AnalyticsWindow
}

type window struct {
	start, end time.Time
	refs       map[string]struct{}
	processed  int
	accepted   int
	rejected   int
	languages  map[string]int
	hours      map[int]int
}

func newWindow(start time.Time, width time.Duration) *window {
	return &window{
		start:     start,
		end:       start.Add(width),
		refs:      make(map[string]struct{}),
		languages: make(map[string]int),
		hours:     make(map[int]int),
	}
}

func (w *window) observe(obs models.JobObservation) {
	w.refs[obs.JobRef] = struct{}{}
	w.processed++
	if obs.Language != "" {
		w.languages[obs.Language]++
	}
	if hour, ok := obs.AppointmentHour(); ok {
		w.hours[hour]++
	}
}

// New returns an aggregator whose first window contains the current time.
func New(width time.Duration, opts ...Option) *Aggregator {
	a := &Aggregator{
		width:      width,
		now:        time.Now,
		closedEnds: make(map[time.Time]bool),
		logger:     slog.With("component", "analytics"),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.open = newWindow(a.align(a.now()), width)
	return a
}

// align returns the start of the window containing t.
func (a *Aggregator) align(t time.Time) time.Time {
	return t.UTC().Truncate(a.width)
}

// OnLedgerEvent implements ledger.Listener.
func (a *Aggregator) OnLedgerEvent(e ledger.Event) {
	now := a.now()

	a.mu.Lock()
	due := a.rollLocked(now)
	w := a.open
	ref := e.Observation.JobRef
	switch e.Kind {
	case ledger.EventRecorded:
		w.observe(e.Observation)
	case ledger.EventOutcome:
		// a job observed before the boundary is processed again in the
		// window its decision lands in, so accepted never exceeds processed
		if _, ok := w.refs[ref]; !ok {
			w.observe(e.Observation)
		}
		switch e.Outcome.Status {
		case models.OutcomeAccepted:
			w.accepted++
		case models.OutcomeRejected:
			w.rejected++
		}
	}
	a.mu.Unlock()

	a.emit(due)
}

// Tick closes the open window if now has crossed its end.
func (a *Aggregator) Tick(now time.Time) []models.AnalyticsWindow {
	a.mu.Lock()
	due := a.rollLocked(now)
	a.mu.Unlock()

	a.emit(due)
	return due
}

// Flush closes the open window early, at now, if anything was counted in
// it. Used on shutdown so the partial window is not lost.
func (a *Aggregator) Flush(now time.Time) (models.AnalyticsWindow, bool) {
	a.mu.Lock()
	due := a.rollLocked(now)
	w := a.open
	var flushed models.AnalyticsWindow
	ok := w.processed > 0 && !a.closedEnds[w.end]
	if ok {
		end := now.UTC()
		if end.After(w.end) {
			end = w.end
		}
		flushed = a.closeLocked(w, end)
		due = append(due, flushed)
		a.open = newWindow(w.end, a.width)
	}
	a.mu.Unlock()

	a.emit(due)
	return flushed, ok
}

// Close closes the window ending at end, if it is the open one. Closing a
// boundary that was already closed is a no-op and returns false.
func (a *Aggregator) Close(end time.Time) (models.AnalyticsWindow, bool) {
	end = end.UTC()
	a.mu.Lock()
	if a.closedEnds[end] || !a.open.end.Equal(end) {
		a.mu.Unlock()
		return models.AnalyticsWindow{}, false
	}
	w := a.open
	closed := a.closeLocked(w, w.end)
	a.open = newWindow(w.end, a.width)
	a.mu.Unlock()

	a.emit([]models.AnalyticsWindow{closed})
	return closed, true
}

// Closed returns closed windows, oldest first.
func (a *Aggregator) Closed() []models.AnalyticsWindow {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.AnalyticsWindow(nil), a.closed...)
}

// Current returns the open window as it would close right now.
func (a *Aggregator) Current() models.AnalyticsWindow {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summarise(a.open, a.open.end)
}

// rollLocked closes the open window when now is at or past its end. The
// open window is emitted even when nothing was counted in it. After a gap
// the next window is the one containing now, and the windows skipped over
// are never opened or emitted.
func (a *Aggregator) rollLocked(now time.Time) []models.AnalyticsWindow {
	now = now.UTC()
	if now.Before(a.open.end) {
		return nil
	}
	var due []models.AnalyticsWindow
	if !a.closedEnds[a.open.end] {
		due = append(due, a.closeLocked(a.open, a.open.end))
	}
	a.open = newWindow(a.align(now), a.width)
	return due
}

func (a *Aggregator) closeLocked(w *window, end time.Time) models.AnalyticsWindow {
	a.closedEnds[w.end] = true
	out := a.summarise(w, end)
	a.closed = append(a.closed, out)
	if len(a.closed) > maxClosed {
		a.closed = a.closed[len(a.closed)-maxClosed:]
	}
	return out
}

func (a *Aggregator) summarise(w *window, end time.Time) models.AnalyticsWindow {
	out := models.AnalyticsWindow{
		ID:                 uuid.New(),
		PeriodStart:        w.start,
		PeriodEnd:          end,
		TotalProcessed:     w.processed,
		Accepted:           w.accepted,
		Rejected:           w.rejected,
		MostCommonLanguage: mostCommon(w.languages),
		PeakHour:           peakHour(w.hours),
		CreatedAt:          a.now().UTC(),
	}
	if w.processed > 0 {
		out.AcceptanceRate = float64(w.accepted) / float64(w.processed)
	}
	if a.session != nil {
		s := a.session()
		out.SessionID = s.ID
		out.UptimeSeconds = int64(s.Uptime(end).Seconds())
	}
	return out
}

func (a *Aggregator) emit(windows []models.AnalyticsWindow) {
	for _, w := range windows {
		a.logger.Info("analytics window closed",
			"period_start", w.PeriodStart,
			"period_end", w.PeriodEnd,
			"processed", w.TotalProcessed,
			"accepted", w.Accepted,
			"rejected", w.Rejected,
		)
		for _, s := range a.sinks {
			if err := s.SaveWindow(context.Background(), w); err != nil {
				a.logger.Error("saving analytics window", "period_start", w.PeriodStart, "error", err)
			}
		}
	}
}

// mostCommon returns the language with the highest count, ties broken
// alphabetically.
func mostCommon(counts map[string]int) string {
	langs := make([]string, 0, len(counts))
	for l := range counts {
		langs = append(langs, l)
	}
	sort.Strings(langs)

	best, bestN := "", 0
	for _, l := range langs {
		if counts[l] > bestN {
			best, bestN = l, counts[l]
		}
	}
	return best
}

// peakHour returns the hour with the most observations, ties broken by the
// earliest hour. Nil when no hour was observed.
func peakHour(hours map[int]int) *int {
	best, bestN := -1, 0
	for h := 0; h < 24; h++ {
		if hours[h] > bestN {
			best, bestN = h, hours[h]
		}
	}
	if best < 0 {
		return nil
	}
	return &best
}
