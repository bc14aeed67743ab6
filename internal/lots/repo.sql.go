package lots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const lotColumns = `id, lot_number, batch_number, product_id, agency_id, quantity, reserved_quantity, remaining_quantity,
manufacturing_date, expiry_date, status, created_by, created_at, updated_at`

// Repository persists lot batches in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListFilter narrows List results.
type ListFilter struct {
	ProductID int64
	AgencyID  int64
	Status    *Status
	Limit     int
	Offset    int
}

func (r *Repository) Insert(ctx context.Context, lot LotBatch) error {
	if r == nil {
		return errors.New("lots repository not initialised")
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO lot_batches
(id, lot_number, batch_number, product_id, agency_id, quantity, reserved_quantity, remaining_quantity, manufacturing_date, expiry_date, status, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW(),NOW())`,
		lot.ID, lot.LotNumber, lot.BatchNumber, lot.ProductID, lot.AgencyID,
		lot.Quantity, lot.ReservedQuantity, lot.RemainingQuantity,
		lot.ManufacturingDate, lot.ExpiryDate, string(lot.Status), lot.CreatedBy)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateLotNumber
		}
		return fmt.Errorf("lots: insert: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (LotBatch, error) {
	if r == nil {
		return LotBatch{}, errors.New("lots repository not initialised")
	}
	row := r.pool.QueryRow(ctx, `SELECT `+lotColumns+` FROM lot_batches WHERE id=$1`, id)
	return scanLot(row)
}

// GetByLotNumber resolves a lot by its business key within one agency and product.
func (r *Repository) GetByLotNumber(ctx context.Context, agencyID, productID int64, lotNumber string) (LotBatch, error) {
	if r == nil {
		return LotBatch{}, errors.New("lots repository not initialised")
	}
	row := r.pool.QueryRow(ctx, `SELECT `+lotColumns+` FROM lot_batches
WHERE agency_id=$1 AND product_id=$2 AND lot_number=$3`, agencyID, productID, lotNumber)
	return scanLot(row)
}

func (r *Repository) List(ctx context.Context, filter ListFilter) ([]LotBatch, error) {
	if r == nil {
		return nil, errors.New("lots repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + lotColumns + ` FROM lot_batches WHERE product_id=$1 AND agency_id=$2`
	args := []any{filter.ProductID, filter.AgencyID}
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status=$%d", len(args)+1)
		args = append(args, string(*filter.Status))
	}
	query += fmt.Sprintf(" ORDER BY manufacturing_date ASC, lot_number ASC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lots: list: %w", err)
	}
	defer rows.Close()
	result := []LotBatch{}
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lots: list: %w", err)
	}
	return result, nil
}

// UpdateStatus moves a lot between lifecycle states. The caller guards which
// transitions are legal; the WHERE clause re-checks the expected current
// status so a concurrent transition loses cleanly.
func (r *Repository) UpdateStatus(ctx context.Context, id string, from []Status, to Status) error {
	if r == nil {
		return errors.New("lots repository not initialised")
	}
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	tag, err := r.pool.Exec(ctx, `UPDATE lot_batches SET status=$1, updated_at=NOW() WHERE id=$2 AND status=ANY($3)`,
		string(to), id, states)
	if err != nil {
		return fmt.Errorf("lots: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: lot %s is not in a state allowing transition to %s", ErrInvalidOperation, id, to)
	}
	return nil
}

// MarkExpired sweeps ACTIVE lots whose expiry date has passed to EXPIRED and
// returns how many rows changed. Allocation eligibility never reads the
// stored EXPIRED status, so the sweep is reporting hygiene, not correctness.
func (r *Repository) MarkExpired(ctx context.Context, asOf time.Time) (int64, error) {
	if r == nil {
		return 0, errors.New("lots repository not initialised")
	}
	tag, err := r.pool.Exec(ctx, `UPDATE lot_batches SET status=$1, updated_at=NOW()
WHERE status=$2 AND expiry_date IS NOT NULL AND expiry_date < $3`,
		string(StatusExpired), string(StatusActive), asOf)
	if err != nil {
		return 0, fmt.Errorf("lots: mark expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanLot(row pgx.Row) (LotBatch, error) {
	var lot LotBatch
	var status string
	err := row.Scan(&lot.ID, &lot.LotNumber, &lot.BatchNumber, &lot.ProductID, &lot.AgencyID,
		&lot.Quantity, &lot.ReservedQuantity, &lot.RemainingQuantity,
		&lot.ManufacturingDate, &lot.ExpiryDate, &status, &lot.CreatedBy, &lot.CreatedAt, &lot.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LotBatch{}, ErrNotFound
		}
		return LotBatch{}, fmt.Errorf("lots: scan: %w", err)
	}
	lot.Status = Status(status)
	return lot, nil
}
