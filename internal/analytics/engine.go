// Package analytics computes read-only aggregates over the scan corpus.
//
// Every operation checks the caller's capability once on entry and then
// reads everything it needs from a single store snapshot, so a scan that
// changes status concurrently is counted under exactly one status.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cocoguard/apiserver/internal/apperr"
	"github.com/cocoguard/apiserver/internal/store"
	"github.com/cocoguard/apiserver/types"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"

	maxTrendDays   = 366
	maxTrendMonths = 36
	maxTopFarms    = 50

	// UnclassifiedLabel groups scans without a pest type.
	UnclassifiedLabel = "Unclassified"
)

// Scope selects the scan set an aggregate runs over.
type Scope string

const (
	// ScopeOwn covers the actor's own scans.
	ScopeOwn Scope = "own"
	// ScopeSystem covers every scan and requires the admin role.
	ScopeSystem Scope = "system"
)

// ParseScope maps a query value to a Scope. Empty means ScopeOwn.
func ParseScope(raw string) (Scope, error) {
	switch Scope(raw) {
	case "", ScopeOwn:
		return ScopeOwn, nil
	case ScopeSystem:
		return ScopeSystem, nil
	default:
		return "", fmt.Errorf("%w: unknown scope %q", apperr.ErrValidation, raw)
	}
}

// Engine answers dashboard and trend queries. It never writes.
type Engine struct {
	source store.SnapshotReader
	loc    *time.Location
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// LoadLocation resolves the calendar zone by IANA name. "Local" and the
// empty name are refused: they depend on the host, so postgres and the
// in-memory store could bucket the same scan on different days.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "Local" {
		return nil, fmt.Errorf("%w: calendar zone must be an IANA name such as Asia/Manila", apperr.ErrValidation)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: calendar zone %q: %v", apperr.ErrValidation, name, err)
	}
	return loc, nil
}

// NewEngine constructs an Engine that buckets calendar days in loc.
func NewEngine(source store.SnapshotReader, loc *time.Location, opts ...Option) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	e := &Engine{source: source, loc: loc, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) filter(actor types.User, scope Scope) (types.ScanFilter, error) {
	switch scope {
	case "", ScopeOwn:
		id := actor.ID
		return types.ScanFilter{UserID: &id}, nil
	case ScopeSystem:
		if !actor.IsAdmin() {
			return types.ScanFilter{}, fmt.Errorf("%w: system scope requires admin", apperr.ErrForbidden)
		}
		return types.ScanFilter{}, nil
	default:
		return types.ScanFilter{}, fmt.Errorf("%w: unknown scope %q", apperr.ErrValidation, scope)
	}
}

func requireAdmin(actor types.User) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("%w: admin access required", apperr.ErrForbidden)
	}
	return nil
}

// today returns local midnight of the current day.
func (e *Engine) today() time.Time {
	now := e.now().In(e.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.loc)
}

// DashboardSummary reports the actor's own scan activity.
func (e *Engine) DashboardSummary(ctx context.Context, actor types.User) (types.DashboardSummary, error) {
	filter, err := e.filter(actor, ScopeOwn)
	if err != nil {
		return types.DashboardSummary{}, err
	}
	today := e.today()
	yesterday := today.AddDate(0, 0, -1)

	var summary types.DashboardSummary
	err = e.source.ReadSnapshot(ctx, func(snap store.Snapshot) error {
		byStatus, err := snap.ScanCountsByStatus(ctx, filter)
		if err != nil {
			return err
		}
		summary.ScansByStatus = fillStatuses(byStatus)
		summary.TotalScans = sumCounts(summary.ScansByStatus)

		recent := filter
		recent.Since = &yesterday
		byDay, err := snap.ScanCountsByDay(ctx, recent, e.loc)
		if err != nil {
			return err
		}
		summary.TodayScans = byDay[today.Format(dayLayout)]
		summary.YesterdayScans = byDay[yesterday.Format(dayLayout)]

		if summary.TotalFarms, err = snap.CountFarms(ctx, filter.UserID); err != nil {
			return err
		}
		summary.LatestScanAt, err = snap.LatestScanAt(ctx, filter)
		return err
	})
	if err != nil {
		return types.DashboardSummary{}, err
	}
	return summary, nil
}

// ScansByPestType counts visible scans per pest type, most frequent first.
// days > 0 limits the count to scans submitted in the last days days.
func (e *Engine) ScansByPestType(ctx context.Context, actor types.User, scope Scope, days int) ([]types.CountBucket, error) {
	filter, err := e.filter(actor, scope)
	if err != nil {
		return nil, err
	}
	if days < 0 {
		return nil, fmt.Errorf("%w: days must not be negative", apperr.ErrValidation)
	}
	if days > 0 {
		since := e.now().Add(-time.Duration(days) * 24 * time.Hour)
		filter.Since = &since
	}

	var buckets []types.CountBucket
	err = e.source.ReadSnapshot(ctx, func(snap store.Snapshot) error {
		counts, err := snap.ScanCountsByPestType(ctx, filter)
		if err != nil {
			return err
		}
		pests, err := snap.PestTypes(ctx)
		if err != nil {
			return err
		}
		names := make(map[int]string, len(pests))
		for _, pest := range pests {
			names[pest.ID] = pest.Name
		}

		byLabel := make(map[string]int, len(counts))
		for _, c := range counts {
			label := UnclassifiedLabel
			if c.PestTypeID != nil {
				if name, ok := names[*c.PestTypeID]; ok {
					label = name
				} else {
					label = fmt.Sprintf("Pest #%d", *c.PestTypeID)
				}
			}
			byLabel[label] += c.Count
		}
		buckets = make([]types.CountBucket, 0, len(byLabel))
		for label, count := range byLabel {
			buckets = append(buckets, types.CountBucket{Label: label, Count: count})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Count == buckets[j].Count {
			return buckets[i].Label < buckets[j].Label
		}
		return buckets[i].Count > buckets[j].Count
	})
	return buckets, nil
}

// ScansByStatus counts visible scans per status. Every status is present and
// the counts sum to the visible total.
func (e *Engine) ScansByStatus(ctx context.Context, actor types.User, scope Scope) (map[types.ScanStatus]int, error) {
	filter, err := e.filter(actor, scope)
	if err != nil {
		return nil, err
	}
	var counts map[types.ScanStatus]int
	err = e.source.ReadSnapshot(ctx, func(snap store.Snapshot) error {
		raw, err := snap.ScanCountsByStatus(ctx, filter)
		if err != nil {
			return err
		}
		counts = fillStatuses(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// DailyTrends returns exactly rangeDays buckets, oldest first, ending today.
// Days without scans are present with a zero count.
func (e *Engine) DailyTrends(ctx context.Context, actor types.User, scope Scope, rangeDays int) ([]types.DailyBucket, error) {
	filter, err := e.filter(actor, scope)
	if err != nil {
		return nil, err
	}
	if rangeDays < 1 || rangeDays > maxTrendDays {
		return nil, fmt.Errorf("%w: days must be between 1 and %d", apperr.ErrValidation, maxTrendDays)
	}
	start := e.today().AddDate(0, 0, -(rangeDays - 1))
	filter.Since = &start

	var byDay map[string]int
	err = e.source.ReadSnapshot(ctx, func(snap store.Snapshot) error {
		var err error
		byDay, err = snap.ScanCountsByDay(ctx, filter, e.loc)
		return err
	})
	if err != nil {
		return nil, err
	}

	buckets := make([]types.DailyBucket, 0, rangeDays)
	for i := range rangeDays {
		key := start.AddDate(0, 0, i).Format(dayLayout)
		buckets = append(buckets, types.DailyBucket{Date: key, Count: byDay[key]})
	}
	return buckets, nil
}

// MonthlyTrends returns exactly months buckets, oldest first, ending with
// the current month. Months without scans are present with a zero count.
func (e *Engine) MonthlyTrends(ctx context.Context, actor types.User, scope Scope, months int) ([]types.MonthlyBucket, error) {
	filter, err := e.filter(actor, scope)
	if err != nil {
		return nil, err
	}
	if months < 1 || months > maxTrendMonths {
		return nil, fmt.Errorf("%w: months must be between 1 and %d", apperr.ErrValidation, maxTrendMonths)
	}
	today := e.today()
	start := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, e.loc).AddDate(0, -(months - 1), 0)
	filter.Since = &start

	var byMonth map[string]int
	err = e.source.ReadSnapshot(ctx, func(snap store.Snapshot) error {
		var err error
		byMonth, err = snap.ScanCountsByMonth(ctx, filter, e.loc)
		return err
	})
	if err != nil {
		return nil, err
	}

	buckets := make([]types.MonthlyBucket, 0, months)
	for i := range months {
		month := start.AddDate(0, i, 0)
		buckets = append(buckets, types.MonthlyBucket{
			Year:  month.Year(),
			Month: month.Month().String()[:3],
			Count: byMonth[month.Format(monthLayout)],
		})
	}
	return buckets, nil
}

// FarmSummaries lists every farm the actor owns with its scan activity.
func (e *Engine) FarmSummaries(ctx context.Context, actor types.User) ([]types.FarmSummary, error) {
	var summaries []types.FarmSummary
	err := e.source.ReadSnapshot(ctx, func(snap store.Snapshot) error {
		var err error
		summaries, err = snap.FarmSummaries(ctx, actor.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// ScansByFarm returns the farms with the most scans across all users.
func (e *Engine) ScansByFarm(ctx context.Context, actor types.User, limit int) ([]types.CountBucket, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if limit < 1 || limit > maxTopFarms {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", apperr.ErrValidation, maxTopFarms)
	}

	var farms []types.FarmCount
	err := e.source.ReadSnapshot(ctx, func(snap store.Snapshot) error {
		var err error
		farms, err = snap.TopFarms(ctx, limit)
		return err
	})
	if err != nil {
		return nil, err
	}

	buckets := make([]types.CountBucket, 0, len(farms))
	for _, farm := range farms {
		buckets = append(buckets, types.CountBucket{Label: farm.Name, Count: farm.Count})
	}
	return buckets, nil
}

// SystemStats reports global totals for the admin dashboard.
func (e *Engine) SystemStats(ctx context.Context, actor types.User) (types.SystemStats, error) {
	if err := requireAdmin(actor); err != nil {
		return types.SystemStats{}, err
	}

	var stats types.SystemStats
	err := e.source.ReadSnapshot(ctx, func(snap store.Snapshot) error {
		var err error
		if stats.TotalUsers, err = snap.CountUsers(ctx); err != nil {
			return err
		}
		if stats.TotalFarms, err = snap.CountFarms(ctx, nil); err != nil {
			return err
		}

		byStatus, err := snap.ScanCountsByStatus(ctx, types.ScanFilter{})
		if err != nil {
			return err
		}
		stats.ScansByStatus = fillStatuses(byStatus)
		stats.TotalScans = sumCounts(stats.ScansByStatus)
		stats.PendingReview = stats.ScansByStatus[types.ScanSubmitted] + stats.ScansByStatus[types.ScanClassified]

		byPest, err := snap.ScanCountsByPestType(ctx, types.ScanFilter{})
		if err != nil {
			return err
		}
		pests, err := snap.PestTypes(ctx)
		if err != nil {
			return err
		}
		highRisk := make(map[int]bool, len(pests))
		for _, pest := range pests {
			highRisk[pest.ID] = pest.RiskLevel.IsHigh()
		}
		for _, c := range byPest {
			if c.PestTypeID != nil && highRisk[*c.PestTypeID] {
				stats.HighRiskScans += c.Count
			}
		}
		return nil
	})
	if err != nil {
		return types.SystemStats{}, err
	}
	return stats, nil
}

func fillStatuses(raw map[types.ScanStatus]int) map[types.ScanStatus]int {
	counts := make(map[types.ScanStatus]int, len(types.ScanStatuses))
	for _, status := range types.ScanStatuses {
		counts[status] = raw[status]
	}
	return counts
}

func sumCounts(counts map[types.ScanStatus]int) int {
	total := 0
	for _, count := range counts {
		total += count
	}
	return total
}
