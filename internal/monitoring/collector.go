// Package monitoring summarises recent resolution runs and raises alerts
// when too many runs fail or too many buildings stay unresolved.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/resolver"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/store"
)

// FeatureHealth aggregates the reports of one feature across runs.
type FeatureHealth struct {
	Feature        string  `json:"feature"`
	Resolutions    int     `json:"resolutions"`
	Buildings      int     `json:"buildings"`
	Unresolved     int     `json:"unresolved"`
	UnresolvedRate float64 `json:"unresolved_rate"`
	ProviderErrors int     `json:"provider_errors"`
	Dropped        int     `json:"dropped"`
}

// MetricsSnapshot holds a point-in-time view of recent runs.
type MetricsSnapshot struct {
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	FailRate     float64 `json:"fail_rate"`

	// Features is sorted by name.
	Features []FeatureHealth `json:"features"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunSource is the part of store.Store the collector reads.
type RunSource interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]store.Run, error)
	ListReports(ctx context.Context, runID string) ([]resolver.Report, error)
}

// Collector gathers run health from the store.
type Collector struct {
	store RunSource
}

// NewCollector creates a new run health collector.
func NewCollector(st RunSource) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}
	cutoff := snap.CollectedAt.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{CreatedAfter: cutoff, Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	byFeature := make(map[string]*FeatureHealth)
	for _, r := range runs {
		// stores may ignore CreatedAfter
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case store.RunStatusComplete:
			snap.RunsComplete++
		case store.RunStatusFailed:
			snap.RunsFailed++
		case store.RunStatusRunning:
			snap.RunsRunning++
		}

		reports, err := c.store.ListReports(ctx, r.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: list reports for run %s", r.ID)
		}
		for _, rep := range reports {
			fh, ok := byFeature[rep.Feature]
			if !ok {
				fh = &FeatureHealth{Feature: rep.Feature}
				byFeature[rep.Feature] = fh
			}
			fh.Resolutions++
			fh.Buildings += rep.Total
			fh.Unresolved += len(rep.Unresolved)
			fh.ProviderErrors += rep.ProviderErrors
			fh.Dropped += rep.Validation.Dropped
		}
	}

	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}

	snap.Features = make([]FeatureHealth, 0, len(byFeature))
	for _, fh := range byFeature {
		if fh.Buildings > 0 {
			fh.UnresolvedRate = float64(fh.Unresolved) / float64(fh.Buildings)
		}
		snap.Features = append(snap.Features, *fh)
	}
	sort.Slice(snap.Features, func(i, j int) bool { return snap.Features[i].Feature < snap.Features[j].Feature })

	return snap, nil
}
