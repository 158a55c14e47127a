package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/cocoguard/apiserver/types"
)

const pestTypeColumns = `id, name, scientific_name, description, risk_level, is_active`

// PestTypeRepository reads pest type reference data.
type PestTypeRepository struct {
	db *sql.DB
}

func NewPestTypeRepository(db *sql.DB) *PestTypeRepository {
	return &PestTypeRepository{db: db}
}

func (r *PestTypeRepository) GetByID(ctx context.Context, id int) (types.PestType, error) {
	const query = `
		SELECT ` + pestTypeColumns + `
		FROM pest_types
		WHERE id = $1`
	pest, err := scanPestType(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.PestType{}, ErrNotFound
		}
		return types.PestType{}, err
	}
	return pest, nil
}

func (r *PestTypeRepository) List(ctx context.Context) ([]types.PestType, error) {
	return listPestTypes(ctx, r.db)
}

func listPestTypes(ctx context.Context, q queryer) ([]types.PestType, error) {
	const query = `
		SELECT ` + pestTypeColumns + `
		FROM pest_types
		ORDER BY id`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pests := make([]types.PestType, 0)
	for rows.Next() {
		pest, err := scanPestType(rows)
		if err != nil {
			return nil, err
		}
		pests = append(pests, pest)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pests, nil
}

func scanPestType(row rowScanner) (types.PestType, error) {
	var pest types.PestType
	err := row.Scan(
		&pest.ID,
		&pest.Name,
		&pest.ScientificName,
		&pest.Description,
		&pest.RiskLevel,
		&pest.Active,
	)
	return pest, err
}
