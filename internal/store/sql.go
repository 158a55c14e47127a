package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cocoguard/apiserver/types"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func geoArgs(p *types.GeoPoint) (sql.NullFloat64, sql.NullFloat64) {
	if p == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.Latitude, Valid: true},
		sql.NullFloat64{Float64: p.Longitude, Valid: true}
}

func geoPoint(lat, lon sql.NullFloat64) *types.GeoPoint {
	if !lat.Valid || !lon.Valid {
		return nil
	}
	return &types.GeoPoint{Latitude: lat.Float64, Longitude: lon.Float64}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

// scanFilterArgs returns the three arguments expected by scanFilterClause.
func scanFilterArgs(f types.ScanFilter) []any {
	return []any{nullInt(f.UserID), nullTime(f.Since), nullTime(f.Until)}
}

const scanFilterClause = `($1::INTEGER IS NULL OR s.user_id = $1)
		AND ($2::TIMESTAMPTZ IS NULL OR s.created_at >= $2)
		AND ($3::TIMESTAMPTZ IS NULL OR s.created_at < $3)`
