package memstore

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/cocoguard/apiserver/internal/store"
	"github.com/cocoguard/apiserver/types"
)

// ReadSnapshot copies the current records under the read lock and runs fn
// against the copy without holding the lock.
func (d *DB) ReadSnapshot(ctx context.Context, fn func(store.Snapshot) error) error {
	d.mu.RLock()
	snap := &snapshot{
		userCount: len(d.users),
		farms:     slices.Clone(d.farms),
		pestTypes: slices.Clone(d.pestTypes),
		scans:     slices.Clone(d.scans),
	}
	d.mu.RUnlock()
	return fn(snap)
}

type snapshot struct {
	userCount int
	farms     []types.Farm
	pestTypes []types.PestType
	scans     []types.Scan
}

func (s *snapshot) matching(filter types.ScanFilter) []types.Scan {
	matched := make([]types.Scan, 0, len(s.scans))
	for _, scan := range s.scans {
		if filter.UserID != nil && scan.UserID != *filter.UserID {
			continue
		}
		if filter.Since != nil && scan.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !scan.CreatedAt.Before(*filter.Until) {
			continue
		}
		matched = append(matched, scan)
	}
	return matched
}

func (s *snapshot) ScanCountsByStatus(ctx context.Context, filter types.ScanFilter) (map[types.ScanStatus]int, error) {
	counts := make(map[types.ScanStatus]int)
	for _, scan := range s.matching(filter) {
		counts[scan.Status]++
	}
	return counts, nil
}

func (s *snapshot) ScanCountsByPestType(ctx context.Context, filter types.ScanFilter) ([]types.PestCount, error) {
	byID := make(map[int]int)
	unclassified := 0
	for _, scan := range s.matching(filter) {
		if scan.PestTypeID == nil {
			unclassified++
			continue
		}
		byID[*scan.PestTypeID]++
	}

	counts := make([]types.PestCount, 0, len(byID)+1)
	for id, count := range byID {
		counts = append(counts, types.PestCount{PestTypeID: &id, Count: count})
	}
	sort.Slice(counts, func(i, j int) bool { return *counts[i].PestTypeID < *counts[j].PestTypeID })
	if unclassified > 0 {
		counts = append(counts, types.PestCount{Count: unclassified})
	}
	return counts, nil
}

func (s *snapshot) ScanCountsByDay(ctx context.Context, filter types.ScanFilter, loc *time.Location) (map[string]int, error) {
	return s.countsByLayout(filter, loc, "2006-01-02"), nil
}

func (s *snapshot) ScanCountsByMonth(ctx context.Context, filter types.ScanFilter, loc *time.Location) (map[string]int, error) {
	return s.countsByLayout(filter, loc, "2006-01"), nil
}

func (s *snapshot) countsByLayout(filter types.ScanFilter, loc *time.Location, layout string) map[string]int {
	if loc == nil {
		loc = time.UTC
	}
	counts := make(map[string]int)
	for _, scan := range s.matching(filter) {
		counts[scan.CreatedAt.In(loc).Format(layout)]++
	}
	return counts
}

func (s *snapshot) LatestScanAt(ctx context.Context, filter types.ScanFilter) (*time.Time, error) {
	var latest *time.Time
	for _, scan := range s.matching(filter) {
		if latest == nil || scan.CreatedAt.After(*latest) {
			at := scan.CreatedAt
			latest = &at
		}
	}
	return latest, nil
}

func (s *snapshot) FarmSummaries(ctx context.Context, userID int) ([]types.FarmSummary, error) {
	summaries := make([]types.FarmSummary, 0)
	for _, farm := range s.farms {
		if farm.UserID != userID {
			continue
		}
		summary := types.FarmSummary{FarmID: farm.ID, Name: farm.Name, LocationText: farm.LocationText}
		for _, scan := range s.scans {
			if scan.FarmID == nil || *scan.FarmID != farm.ID {
				continue
			}
			summary.ScanCount++
			if summary.LatestScanAt == nil || scan.CreatedAt.After(*summary.LatestScanAt) {
				at := scan.CreatedAt
				summary.LatestScanAt = &at
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *snapshot) TopFarms(ctx context.Context, limit int) ([]types.FarmCount, error) {
	counts := make([]types.FarmCount, 0)
	for _, farm := range s.farms {
		count := 0
		for _, scan := range s.scans {
			if scan.FarmID != nil && *scan.FarmID == farm.ID {
				count++
			}
		}
		if count > 0 {
			counts = append(counts, types.FarmCount{FarmID: farm.ID, Name: farm.Name, Count: count})
		}
	}
	sort.SliceStable(counts, func(i, j int) bool {
		if counts[i].Count == counts[j].Count {
			return counts[i].FarmID < counts[j].FarmID
		}
		return counts[i].Count > counts[j].Count
	})
	if len(counts) > limit {
		counts = counts[:limit]
	}
	return counts, nil
}

func (s *snapshot) CountUsers(ctx context.Context) (int, error) {
	return s.userCount, nil
}

func (s *snapshot) CountFarms(ctx context.Context, userID *int) (int, error) {
	if userID == nil {
		return len(s.farms), nil
	}
	count := 0
	for _, farm := range s.farms {
		if farm.UserID == *userID {
			count++
		}
	}
	return count, nil
}

func (s *snapshot) PestTypes(ctx context.Context) ([]types.PestType, error) {
	return s.pestTypes, nil
}
