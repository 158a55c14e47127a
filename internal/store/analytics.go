package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cocoguard/apiserver/types"
)

// AnalyticsRepository serves aggregate queries from one REPEATABLE READ
// transaction per snapshot, so a scan that changes status mid-read is still
// counted exactly once.
type AnalyticsRepository struct {
	db *sql.DB
}

func NewAnalyticsRepository(db *sql.DB) *AnalyticsRepository {
	return &AnalyticsRepository{db: db}
}

// ReadSnapshot runs fn inside a read-only transaction and always rolls it back.
func (r *AnalyticsRepository) ReadSnapshot(ctx context.Context, fn func(Snapshot) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	return fn(&pgSnapshot{tx: tx})
}

type pgSnapshot struct {
	tx *sql.Tx
}

func (s *pgSnapshot) ScanCountsByStatus(ctx context.Context, filter types.ScanFilter) (map[types.ScanStatus]int, error) {
	const query = `
		SELECT s.status, COUNT(1)
		FROM scans s
		WHERE ` + scanFilterClause + `
		GROUP BY s.status`
	rows, err := s.tx.QueryContext(ctx, query, scanFilterArgs(filter)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[types.ScanStatus]int)
	for rows.Next() {
		var status types.ScanStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (s *pgSnapshot) ScanCountsByPestType(ctx context.Context, filter types.ScanFilter) ([]types.PestCount, error) {
	const query = `
		SELECT s.pest_type_id, COUNT(1)
		FROM scans s
		WHERE ` + scanFilterClause + `
		GROUP BY s.pest_type_id`
	rows, err := s.tx.QueryContext(ctx, query, scanFilterArgs(filter)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make([]types.PestCount, 0)
	for rows.Next() {
		var pestTypeID sql.NullInt64
		var count int
		if err := rows.Scan(&pestTypeID, &count); err != nil {
			return nil, err
		}
		counts = append(counts, types.PestCount{PestTypeID: intPtr(pestTypeID), Count: count})
	}
	return counts, rows.Err()
}

func (s *pgSnapshot) ScanCountsByDay(ctx context.Context, filter types.ScanFilter, loc *time.Location) (map[string]int, error) {
	return s.countsByPeriod(ctx, filter, loc, "YYYY-MM-DD")
}

func (s *pgSnapshot) ScanCountsByMonth(ctx context.Context, filter types.ScanFilter, loc *time.Location) (map[string]int, error) {
	return s.countsByPeriod(ctx, filter, loc, "YYYY-MM")
}

func (s *pgSnapshot) countsByPeriod(ctx context.Context, filter types.ScanFilter, loc *time.Location, layout string) (map[string]int, error) {
	const query = `
		SELECT to_char(s.created_at AT TIME ZONE $4, $5) AS period, COUNT(1)
		FROM scans s
		WHERE ` + scanFilterClause + `
		GROUP BY period`
	zone, err := zoneName(loc)
	if err != nil {
		return nil, err
	}
	args := append(scanFilterArgs(filter), zone, layout)
	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var period string
		var count int
		if err := rows.Scan(&period, &count); err != nil {
			return nil, err
		}
		counts[period] = count
	}
	return counts, rows.Err()
}

func (s *pgSnapshot) LatestScanAt(ctx context.Context, filter types.ScanFilter) (*time.Time, error) {
	const query = `
		SELECT MAX(s.created_at)
		FROM scans s
		WHERE ` + scanFilterClause
	var latest sql.NullTime
	if err := s.tx.QueryRowContext(ctx, query, scanFilterArgs(filter)...).Scan(&latest); err != nil {
		return nil, err
	}
	return timePtr(latest), nil
}

func (s *pgSnapshot) FarmSummaries(ctx context.Context, userID int) ([]types.FarmSummary, error) {
	const query = `
		SELECT f.id, f.name, f.location_text, COUNT(s.id), MAX(s.created_at)
		FROM farms f
		LEFT JOIN scans s ON s.farm_id = f.id
		WHERE f.user_id = $1
		GROUP BY f.id, f.name, f.location_text
		ORDER BY f.id`
	rows, err := s.tx.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]types.FarmSummary, 0)
	for rows.Next() {
		var summary types.FarmSummary
		var latest sql.NullTime
		if err := rows.Scan(&summary.FarmID, &summary.Name, &summary.LocationText, &summary.ScanCount, &latest); err != nil {
			return nil, err
		}
		summary.LatestScanAt = timePtr(latest)
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

func (s *pgSnapshot) TopFarms(ctx context.Context, limit int) ([]types.FarmCount, error) {
	const query = `
		SELECT f.id, f.name, COUNT(s.id) AS scan_count
		FROM farms f
		JOIN scans s ON s.farm_id = f.id
		GROUP BY f.id, f.name
		ORDER BY scan_count DESC, f.id
		LIMIT $1`
	rows, err := s.tx.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	farms := make([]types.FarmCount, 0, limit)
	for rows.Next() {
		var farm types.FarmCount
		if err := rows.Scan(&farm.FarmID, &farm.Name, &farm.Count); err != nil {
			return nil, err
		}
		farms = append(farms, farm)
	}
	return farms, rows.Err()
}

func (s *pgSnapshot) CountUsers(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(1) FROM users`
	var count int
	err := s.tx.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

func (s *pgSnapshot) CountFarms(ctx context.Context, userID *int) (int, error) {
	const query = `SELECT COUNT(1) FROM farms WHERE ($1::INTEGER IS NULL OR user_id = $1)`
	var count int
	err := s.tx.QueryRowContext(ctx, query, nullInt(userID)).Scan(&count)
	return count, err
}

func (s *pgSnapshot) PestTypes(ctx context.Context) ([]types.PestType, error) {
	return listPestTypes(ctx, s.tx)
}

// zoneName returns the IANA name postgres needs for AT TIME ZONE. The
// process-local zone has no portable name and is refused.
func zoneName(loc *time.Location) (string, error) {
	if loc == nil {
		return "UTC", nil
	}
	if loc == time.Local || loc.String() == "Local" {
		return "", errors.New("calendar zone must be an IANA name, not Local")
	}
	return loc.String(), nil
}
