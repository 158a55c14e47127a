package store

import (
	"context"
	"time"

	"github.com/cocoguard/apiserver/types"
)

// Snapshot is a consistent read view over scans, farms, users and pest
// types. Every call made through one Snapshot observes the same state.
type Snapshot interface {
	ScanCountsByStatus(ctx context.Context, filter types.ScanFilter) (map[types.ScanStatus]int, error)
	ScanCountsByPestType(ctx context.Context, filter types.ScanFilter) ([]types.PestCount, error)
	// ScanCountsByDay keys counts by "2006-01-02" in loc.
	ScanCountsByDay(ctx context.Context, filter types.ScanFilter, loc *time.Location) (map[string]int, error)
	// ScanCountsByMonth keys counts by "2006-01" in loc.
	ScanCountsByMonth(ctx context.Context, filter types.ScanFilter, loc *time.Location) (map[string]int, error)
	LatestScanAt(ctx context.Context, filter types.ScanFilter) (*time.Time, error)
	// FarmSummaries lists every farm of userID, including farms without scans.
	FarmSummaries(ctx context.Context, userID int) ([]types.FarmSummary, error)
	TopFarms(ctx context.Context, limit int) ([]types.FarmCount, error)
	CountUsers(ctx context.Context) (int, error)
	// CountFarms counts the farms of userID, or all farms when userID is nil.
	CountFarms(ctx context.Context, userID *int) (int, error)
	PestTypes(ctx context.Context) ([]types.PestType, error)
}

// SnapshotReader runs fn against a single consistent snapshot.
type SnapshotReader interface {
	ReadSnapshot(ctx context.Context, fn func(Snapshot) error) error
}
