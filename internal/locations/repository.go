package locations

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelier-erp/atelier/internal/ledger"
)

// Repository reads the location directory from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns one location.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Location, error) {
	if r == nil {
		return Location{}, errors.New("locations: repository not initialised")
	}
	var loc Location
	var kind string
	err := r.pool.QueryRow(ctx, `SELECT id, kind, name, active, created_at FROM locations WHERE id=$1`, id).
		Scan(&loc.ID, &kind, &loc.Name, &loc.Active, &loc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Location{}, ErrLocationNotFound
		}
		return Location{}, fmt.Errorf("locations: get: %w", err)
	}
	loc.Kind = Kind(kind)
	return loc, nil
}

// IsScopeActive reports whether consuming against the scope is allowed.
// Global and production scopes have no directory entry and are always active;
// shop and warehouse scopes must exist and not be disabled.
func (r *Repository) IsScopeActive(ctx context.Context, scope ledger.Scope) (bool, error) {
	switch scope.Kind {
	case ledger.ScopeGlobal, ledger.ScopeProduction:
		return true, nil
	case ledger.ScopeShop, ledger.ScopeWarehouse:
	default:
		return false, fmt.Errorf("locations: unknown scope kind %q", scope.Kind)
	}
	loc, err := r.Get(ctx, scope.LocationID)
	if err != nil {
		if errors.Is(err, ErrLocationNotFound) {
			return false, nil
		}
		return false, err
	}
	if string(loc.Kind) != string(scope.Kind) {
		return false, nil
	}
	return loc.Active, nil
}

// Create inserts a new directory entry.
func (r *Repository) Create(ctx context.Context, loc Location) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO locations (id, kind, name, active, created_at) VALUES ($1, $2, $3, $4, $5)`,
		loc.ID, string(loc.Kind), loc.Name, loc.Active, loc.CreatedAt)
	if err != nil {
		return fmt.Errorf("locations: create: %w", err)
	}
	return nil
}

// SetActive enables or disables a location. Stock scoped to a disabled
// location stays in place; only consumption against it is refused.
func (r *Repository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE locations SET active=$2 WHERE id=$1`, id, active)
	if err != nil {
		return fmt.Errorf("locations: set active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLocationNotFound
	}
	return nil
}

// List returns directory entries of one kind.
func (r *Repository) List(ctx context.Context, kind Kind) ([]Location, error) {
	if r == nil {
		return nil, errors.New("locations: repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id, kind, name, active, created_at FROM locations WHERE kind=$1 ORDER BY name ASC`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("locations: list: %w", err)
	}
	defer rows.Close()
	var result []Location
	for rows.Next() {
		var loc Location
		var k string
		if err := rows.Scan(&loc.ID, &k, &loc.Name, &loc.Active, &loc.CreatedAt); err != nil {
			return nil, fmt.Errorf("locations: scan: %w", err)
		}
		loc.Kind = Kind(k)
		result = append(result, loc)
	}
	return result, rows.Err()
}
