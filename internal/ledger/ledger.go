// Package ledger keeps every job observed during a run together with its
// outcome, and is the deduplication point for the polling loops.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/portalwatch/pkg/models"
)

var (
	ErrUnknownJob        = errors.New("job not recorded")
	ErrInvalidTransition = errors.New("invalid outcome transition")
	ErrReasonRequired    = errors.New("rejection reason required")
)

// validTransitions defines allowed outcome changes.
var validTransitions = map[string][]string{
	models.OutcomeMatched: {models.OutcomeAccepted, models.OutcomeRejected, models.OutcomeFailed},
}

const (
	EventRecorded = "recorded"
	EventOutcome  = "outcome"
)

// Event is delivered to listeners after each ledger write.
type Event struct {
	Kind        string
	Observation models.JobObservation
	Outcome     models.JobOutcome
}

// Listener receives events synchronously, after the ledger lock has been
// released. Implementations must not block.
type Listener interface {
	OnLedgerEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnLedgerEvent(e Event) { f(e) }

type entry struct {
	obs     models.JobObservation
	outcome models.JobOutcome
	// evaluated is set once the scan loop has reached a final decision for
	// the job, including a filter Ignore. Budget and transport deferrals
	// leave it unset.
	evaluated bool
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	lastStamp time.Time
	now       func() time.Time

	listenersMu sync.RWMutex
	listeners   []Listener
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Subscribe registers a listener for all future events.
func (l *Ledger) Subscribe(lst Listener) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	l.listeners = append(l.listeners, lst)
}

// Record stores a first observation and reports whether the job was new.
// A repeat observation only moves scraped_at forward.
func (l *Ledger) Record(obs models.JobObservation) bool {
	l.mu.Lock()
	if e, ok := l.entries[obs.JobRef]; ok {
		if obs.ScrapedAt.After(e.obs.ScrapedAt) {
			e.obs.ScrapedAt = obs.ScrapedAt
		}
		l.mu.Unlock()
		return false
	}

	stamp := l.stamp()
	if obs.ScrapedAt.IsZero() {
		obs.ScrapedAt = stamp
	}
	e := &entry{
		obs: obs,
		outcome: models.JobOutcome{
			JobRef:    obs.JobRef,
			Status:    models.OutcomeMatched,
			ChangedAt: stamp,
		},
	}
	l.entries[obs.JobRef] = e
	ev := Event{Kind: EventRecorded, Observation: e.obs, Outcome: e.outcome}
	l.mu.Unlock()

	l.publish(ev)
	return true
}

// SetOutcome moves a matched job to accepted, rejected or failed.
func (l *Ledger) SetOutcome(ref, status, reason string) error {
	l.mu.Lock()
	e, ok := l.entries[ref]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, ref)
	}
	if !isValidTransition(e.outcome.Status, status) {
		from := e.outcome.Status
		l.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, from, status, ref)
	}
	if status == models.OutcomeRejected && reason == "" {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrReasonRequired, ref)
	}
	if status != models.OutcomeRejected {
		reason = ""
	}

	stamp := l.stamp()
	decided := stamp
	e.outcome.Status = status
	e.outcome.RejectionReason = reason
	e.outcome.DecidedAt = &decided
	e.outcome.ChangedAt = stamp
	e.evaluated = true
	ev := Event{Kind: EventOutcome, Observation: e.obs, Outcome: e.outcome}
	l.mu.Unlock()

	l.publish(ev)
	return nil
}

// NeedsEvaluation reports whether the scan loop should still run the
// acceptance policy for ref.
func (l *Ledger) NeedsEvaluation(ref string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[ref]
	return ok && !e.evaluated && e.outcome.Status == models.OutcomeMatched
}

// MarkIgnored records that the policy filtered ref out; it will not be
// evaluated again this run.
func (l *Ledger) MarkIgnored(ref string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[ref]; ok {
		e.evaluated = true
	}
}

// SnapshotSince returns every record changed after since, ordered by
// scraped_at then job_ref. Pass the latest ChangedAt of a snapshot as the
// next cursor.
func (l *Ledger) SnapshotSince(since time.Time) []models.JobRecord {
	l.mu.RLock()
	out := make([]models.JobRecord, 0)
	for _, e := range l.entries {
		if e.outcome.ChangedAt.After(since) {
			out = append(out, models.JobRecord{Observation: e.obs, Outcome: e.outcome})
		}
	}
	l.mu.RUnlock()

	sortRecords(out)
	return out
}

// Latest returns the greatest ChangedAt in records, or since if empty.
func Latest(records []models.JobRecord, since time.Time) time.Time {
	latest := since
	for _, r := range records {
		if r.Outcome.ChangedAt.After(latest) {
			latest = r.Outcome.ChangedAt
		}
	}
	return latest
}

// Get returns the record for ref.
func (l *Ledger) Get(ref string) (models.JobRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[ref]
	if !ok {
		return models.JobRecord{}, false
	}
	return models.JobRecord{Observation: e.obs, Outcome: e.outcome}, true
}

// Records returns all records, optionally filtered by outcome status.
func (l *Ledger) Records(status string) []models.JobRecord {
	l.mu.RLock()
	out := make([]models.JobRecord, 0, len(l.entries))
	for _, e := range l.entries {
		if status == "" || e.outcome.Status == status {
			out = append(out, models.JobRecord{Observation: e.obs, Outcome: e.outcome})
		}
	}
	l.mu.RUnlock()

	sortRecords(out)
	return out
}

// Totals counts records per outcome status.
func (l *Ledger) Totals() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	totals := map[string]int{
		models.OutcomeMatched:  0,
		models.OutcomeAccepted: 0,
		models.OutcomeRejected: 0,
		models.OutcomeFailed:   0,
	}
	for _, e := range l.entries {
		totals[e.outcome.Status]++
	}
	return totals
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Prune drops accepted entries decided before cutoff. Rejected and failed
// entries are kept for the rejection history, matched ones are still live.
// Returns the number of entries removed.
func (l *Ledger) Prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ref, e := range l.entries {
		if e.outcome.Status != models.OutcomeAccepted {
			continue
		}
		if e.outcome.ChangedAt.Before(cutoff) {
			delete(l.entries, ref)
			removed++
		}
	}
	return removed
}

// stamp returns a strictly increasing timestamp. Caller holds l.mu.
func (l *Ledger) stamp() time.Time {
	t := l.now().UTC()
	if !t.After(l.lastStamp) {
		t = l.lastStamp.Add(time.Nanosecond)
	}
	l.lastStamp = t
	return t
}

func (l *Ledger) publish(ev Event) {
	l.listenersMu.RLock()
	listeners := make([]Listener, len(l.listeners))
	copy(listeners, l.listeners)
	l.listenersMu.RUnlock()

	for _, lst := range listeners {
		lst.OnLedgerEvent(ev)
	}
}

func isValidTransition(from, to string) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func sortRecords(rs []models.JobRecord) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i].Observation.ScrapedAt, rs[j].Observation.ScrapedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return rs[i].Observation.JobRef < rs[j].Observation.JobRef
	})
}
