package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kiranshivaraju/portalwatch/pkg/models"
)

// Publisher delivers reports to whatever surfaces them.
type Publisher interface {
	Publish(ctx context.Context, report models.Report) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, report models.Report) error

func (f PublisherFunc) Publish(ctx context.Context, report models.Report) error { return f(ctx, report) }

// MultiPublisher fans a report out to every publisher. All publishers are
// tried; their errors are joined.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, report models.Report) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes a one-line summary of each report.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: slog.With("component", "reports")}
}

func (p *LogPublisher) Publish(_ context.Context, report models.Report) error {
	switch {
	case report.Results != nil:
		p.logger.Debug("report published",
			"kind", report.Kind,
			"accepted_since_last", len(report.Results.AcceptedSinceLast),
			"total_accepted", report.Results.TotalAccepted,
			"total_rejected", report.Results.TotalRejected,
		)
	case report.Rejections != nil:
		p.logger.Debug("report published", "kind", report.Kind, "rejected", report.Rejections.Total)
	case report.QuickCheck != nil:
		p.logger.Debug("report published", "kind", report.Kind, "found", report.QuickCheck.Found)
	}
	return nil
}

// Latest keeps the most recent report of each kind in memory.
type Latest struct {
	mu      sync.RWMutex
	reports map[string]models.Report
}

func NewLatest() *Latest {
	return &Latest{reports: make(map[string]models.Report)}
}

func (l *Latest) Publish(_ context.Context, report models.Report) error {
	l.mu.Lock()
	l.reports[report.Kind] = report
	l.mu.Unlock()
	return nil
}

// Get returns the latest report of kind.
func (l *Latest) Get(kind string) (models.Report, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.reports[kind]
	return r, ok
}
