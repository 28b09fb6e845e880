package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wolfeidau/ucan-ledger/store/tabledb"
)

// Period is a half-open time range [From, To). A zero To means no upper
// bound.
type Period struct {
	From time.Time
	To   time.Time
}

func (p Period) contains(t time.Time) bool {
	return !t.Before(p.From) && (p.To.IsZero() || t.Before(p.To))
}

// UsageReport is the usage of a space by one provider over a period.
type UsageReport struct {
	Provider string
	Space    string
	Period   Period
	// Initial is the size at Period.From.
	Initial int64
	// Final is the size at Period.To.
	Final  int64
	Events []Diff
}

// Diffs returns every diff recorded for (provider, space) in receipt order.
func (r *Registry) Diffs(ctx context.Context, provider, space string) ([]Diff, error) {
	rows, _, err := r.db.Query(ctx, DiffTable, tabledb.Prefix(provider, space), nil, 0)
	if err != nil {
		return nil, fmt.Errorf("listing diffs for %s/%s: %w", provider, space, err)
	}
	diffs := make([]Diff, 0, len(rows))
	for _, row := range rows {
		var d Diff
		if err := json.Unmarshal(row.Value, &d); err != nil {
			return nil, fmt.Errorf("decoding diff %s: %w", row.Key, err)
		}
		diffs = append(diffs, d)
	}
	return diffs, nil
}

// Usage folds the diff log of (provider, space) over period.
func (r *Registry) Usage(ctx context.Context, provider, space string, period Period) (*UsageReport, error) {
	diffs, err := r.Diffs(ctx, provider, space)
	if err != nil {
		return nil, err
	}
	report := FoldDiffs(diffs, period)
	report.Provider = provider
	report.Space = space
	return &report, nil
}

// FoldDiffs sums diffs into the size before the period and the size at its
// end. Diffs after the period are ignored.
func FoldDiffs(diffs []Diff, period Period) UsageReport {
	report := UsageReport{Period: period}
	for _, d := range diffs {
		switch {
		case d.ReceiptAt.Before(period.From):
			report.Initial += d.Delta
		case period.contains(d.ReceiptAt):
			report.Events = append(report.Events, d)
		}
	}
	report.Final = report.Initial
	for _, d := range report.Events {
		report.Final += d.Delta
	}
	return report
}
