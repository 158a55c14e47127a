package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cocoguard/apiserver/types"
	"github.com/lib/pq"
)

const scanColumns = `id, user_id, farm_id, pest_type_id, confidence, image_ref, latitude, longitude,
		location_text, tree_code, source, status, reviewed_by, reviewed_at, created_at, updated_at`

// ScanRepository handles persistence for scans.
type ScanRepository struct {
	db *sql.DB
}

func NewScanRepository(db *sql.DB) *ScanRepository {
	return &ScanRepository{db: db}
}

func (r *ScanRepository) Create(ctx context.Context, scan types.Scan) (types.Scan, error) {
	if scan.CreatedAt.IsZero() {
		scan.CreatedAt = time.Now()
	}
	scan.UpdatedAt = scan.CreatedAt
	lat, lon := geoArgs(scan.Location)

	const query = `
		INSERT INTO scans (user_id, farm_id, pest_type_id, confidence, image_ref, latitude, longitude,
			location_text, tree_code, source, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		scan.UserID,
		nullInt(scan.FarmID),
		nullInt(scan.PestTypeID),
		nullFloat(scan.Confidence),
		scan.ImageRef,
		lat,
		lon,
		scan.LocationText,
		scan.TreeCode,
		string(scan.Source),
		string(scan.Status),
		scan.CreatedAt,
		scan.UpdatedAt,
	).Scan(&scan.ID); err != nil {
		return types.Scan{}, mapWriteError(err)
	}
	return scan, nil
}

func (r *ScanRepository) GetByID(ctx context.Context, id int) (types.Scan, error) {
	const query = `
		SELECT ` + scanColumns + `
		FROM scans
		WHERE id = $1`
	scan, err := scanScan(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Scan{}, ErrNotFound
		}
		return types.Scan{}, err
	}
	return scan, nil
}

// List returns scans newest first. A nil userID lists every user's scans.
func (r *ScanRepository) List(ctx context.Context, userID *int, offset, limit int) ([]types.Scan, int, error) {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = 20
	}
	owner := nullInt(userID)

	const countQuery = `SELECT COUNT(1) FROM scans WHERE ($1::INTEGER IS NULL OR user_id = $1)`
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, owner).Scan(&total); err != nil {
		return nil, 0, err
	}

	const listQuery = `
		SELECT ` + scanColumns + `
		FROM scans
		WHERE ($1::INTEGER IS NULL OR user_id = $1)
		ORDER BY created_at DESC, id DESC
		OFFSET $2 LIMIT $3`
	rows, err := r.db.QueryContext(ctx, listQuery, owner, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	scans := make([]types.Scan, 0, limit)
	for rows.Next() {
		scan, err := scanScan(rows)
		if err != nil {
			return nil, 0, err
		}
		scans = append(scans, scan)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return scans, total, nil
}

// Transition applies t only while the scan is still in one of t.From.
// It returns ErrStaleState when the scan exists but left those states, and
// ErrNotFound when it does not exist.
func (r *ScanRepository) Transition(ctx context.Context, t types.ScanTransition) (types.Scan, error) {
	from := make([]string, 0, len(t.From))
	for _, status := range t.From {
		from = append(from, string(status))
	}

	const query = `
		UPDATE scans
		SET status = $1,
			pest_type_id = COALESCE($2, pest_type_id),
			confidence = COALESCE($3, confidence),
			reviewed_by = COALESCE($4, reviewed_by),
			reviewed_at = CASE WHEN $4::INTEGER IS NULL THEN reviewed_at ELSE $5 END,
			updated_at = $5
		WHERE id = $6 AND status = ANY($7)
		RETURNING ` + scanColumns
	scan, err := scanScan(r.db.QueryRowContext(
		ctx,
		query,
		string(t.To),
		nullInt(t.PestTypeID),
		nullFloat(t.Confidence),
		nullInt(t.ReviewedBy),
		t.At,
		t.ScanID,
		pq.Array(from),
	))
	if err == nil {
		return scan, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return types.Scan{}, err
	}

	const existsQuery = `SELECT EXISTS (SELECT 1 FROM scans WHERE id = $1)`
	var exists bool
	if err := r.db.QueryRowContext(ctx, existsQuery, t.ScanID).Scan(&exists); err != nil {
		return types.Scan{}, err
	}
	if !exists {
		return types.Scan{}, ErrNotFound
	}
	return types.Scan{}, ErrStaleState
}

func scanScan(row rowScanner) (types.Scan, error) {
	var scan types.Scan
	var farmID, pestTypeID, reviewedBy sql.NullInt64
	var confidence, lat, lon sql.NullFloat64
	var reviewedAt sql.NullTime
	if err := row.Scan(
		&scan.ID,
		&scan.UserID,
		&farmID,
		&pestTypeID,
		&confidence,
		&scan.ImageRef,
		&lat,
		&lon,
		&scan.LocationText,
		&scan.TreeCode,
		&scan.Source,
		&scan.Status,
		&reviewedBy,
		&reviewedAt,
		&scan.CreatedAt,
		&scan.UpdatedAt,
	); err != nil {
		return types.Scan{}, err
	}
	scan.FarmID = intPtr(farmID)
	scan.PestTypeID = intPtr(pestTypeID)
	scan.Confidence = floatPtr(confidence)
	scan.Location = geoPoint(lat, lon)
	scan.ReviewedBy = intPtr(reviewedBy)
	scan.ReviewedAt = timePtr(reviewedAt)
	return scan, nil
}
