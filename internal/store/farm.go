package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cocoguard/apiserver/types"
)

const farmColumns = `id, user_id, name, location_text, latitude, longitude, created_at`

// FarmRepository handles persistence for farms.
type FarmRepository struct {
	db *sql.DB
}

func NewFarmRepository(db *sql.DB) *FarmRepository {
	return &FarmRepository{db: db}
}

func (r *FarmRepository) GetByID(ctx context.Context, id int) (types.Farm, error) {
	const query = `
		SELECT ` + farmColumns + `
		FROM farms
		WHERE id = $1`
	farm, err := scanFarm(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Farm{}, ErrNotFound
		}
		return types.Farm{}, err
	}
	return farm, nil
}

func (r *FarmRepository) ListByUser(ctx context.Context, userID int) ([]types.Farm, error) {
	return listFarms(ctx, r.db, userID)
}

func (r *FarmRepository) Create(ctx context.Context, farm types.Farm) (types.Farm, error) {
	farm.CreatedAt = time.Now()
	lat, lon := geoArgs(farm.Location)

	const query = `
		INSERT INTO farms (user_id, name, location_text, latitude, longitude, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		farm.UserID,
		farm.Name,
		farm.LocationText,
		lat,
		lon,
		farm.CreatedAt,
	).Scan(&farm.ID); err != nil {
		return types.Farm{}, mapWriteError(err)
	}
	return farm, nil
}

func listFarms(ctx context.Context, q queryer, userID int) ([]types.Farm, error) {
	const query = `
		SELECT ` + farmColumns + `
		FROM farms
		WHERE user_id = $1
		ORDER BY id`
	rows, err := q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	farms := make([]types.Farm, 0)
	for rows.Next() {
		farm, err := scanFarm(rows)
		if err != nil {
			return nil, err
		}
		farms = append(farms, farm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return farms, nil
}

func scanFarm(row rowScanner) (types.Farm, error) {
	var farm types.Farm
	var lat, lon sql.NullFloat64
	if err := row.Scan(
		&farm.ID,
		&farm.UserID,
		&farm.Name,
		&farm.LocationText,
		&lat,
		&lon,
		&farm.CreatedAt,
	); err != nil {
		return types.Farm{}, err
	}
	farm.Location = geoPoint(lat, lon)
	return farm, nil
}
