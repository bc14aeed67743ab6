package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-dms/meridian-dms/internal/lots"
	"github.com/meridian-dms/meridian-dms/internal/platform/db"
)

const allocationColumns = `id, order_id, order_item_id, lot_batch_id, allocated_quantity,
lot_number, batch_number, manufacturing_date, expiry_date, reserved_at, reserved_by`

const lotColumns = `id, lot_number, batch_number, product_id, agency_id, quantity, reserved_quantity, remaining_quantity,
manufacturing_date, expiry_date, status, created_by, created_at, updated_at`

// Repository persists allocations and lot quantity mutations in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations used by the ledger.
// Every lot read it returns is row-locked for the life of the transaction,
// so the quantities the ledger decides on cannot change under it.
type TxRepository interface {
	ListEligibleLotsForUpdate(ctx context.Context, productID, agencyID int64, asOf time.Time) ([]lots.LotBatch, error)
	GetLotForUpdate(ctx context.Context, lotID string) (lots.LotBatch, error)
	UpdateLotQuantities(ctx context.Context, lot lots.LotBatch) error
	InsertAllocation(ctx context.Context, a Allocation) error
	GetAllocation(ctx context.Context, id string) (Allocation, error)
	ListAllocationsForOrderItem(ctx context.Context, orderItemID string) ([]Allocation, error)
	DeleteAllocation(ctx context.Context, id string) error
	UpdateAllocationQuantity(ctx context.Context, id string, quantity int64) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
// Serialization and deadlock failures surface as ErrConcurrencyConflict so
// the service can apply its bounded retry.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("allocation repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if err != nil {
		return translateConflict(err)
	}
	return nil
}

// ListAllocationsForOrderItem reads committed allocations outside a transaction.
func (r *Repository) ListAllocationsForOrderItem(ctx context.Context, orderItemID string) ([]Allocation, error) {
	if r == nil {
		return nil, errors.New("allocation repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT `+allocationColumns+` FROM order_item_lot_allocations
WHERE order_item_id=$1 ORDER BY reserved_at ASC, id ASC`, orderItemID)
	if err != nil {
		return nil, &RepositoryError{Op: "list allocations", Err: err}
	}
	defer rows.Close()
	return collectAllocations(rows)
}

// FindEligibleLots reads currently allocatable lots without locking, for
// availability display. Allocation itself never uses this snapshot.
func (r *Repository) FindEligibleLots(ctx context.Context, productID, agencyID int64, asOf time.Time) ([]lots.LotBatch, error) {
	if r == nil {
		return nil, errors.New("allocation repository not initialised")
	}
	rows, err := r.pool.Query(ctx, eligibleLotsQuery, productID, agencyID, string(lots.StatusActive), asOf)
	if err != nil {
		return nil, &RepositoryError{Op: "find eligible lots", Err: err}
	}
	defer rows.Close()
	return collectLots(rows)
}

const eligibleLotsQuery = `SELECT ` + lotColumns + ` FROM lot_batches
WHERE product_id=$1 AND agency_id=$2 AND status=$3
  AND (expiry_date IS NULL OR expiry_date >= $4)
  AND remaining_quantity - reserved_quantity > 0
ORDER BY expiry_date ASC NULLS LAST, manufacturing_date ASC, lot_number ASC`

func (r *txRepository) ListEligibleLotsForUpdate(ctx context.Context, productID, agencyID int64, asOf time.Time) ([]lots.LotBatch, error) {
	rows, err := r.tx.Query(ctx, eligibleLotsQuery+`
FOR UPDATE`, productID, agencyID, string(lots.StatusActive), asOf)
	if err != nil {
		return nil, &RepositoryError{Op: "lock eligible lots", Err: err}
	}
	defer rows.Close()
	return collectLots(rows)
}

func (r *txRepository) GetLotForUpdate(ctx context.Context, lotID string) (lots.LotBatch, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM lot_batches WHERE id=$1 FOR UPDATE`, lotID)
	lot, err := scanLot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lots.LotBatch{}, lots.ErrNotFound
		}
		return lots.LotBatch{}, &RepositoryError{Op: "lock lot", Err: err}
	}
	return lot, nil
}

func (r *txRepository) UpdateLotQuantities(ctx context.Context, lot lots.LotBatch) error {
	tag, err := r.tx.Exec(ctx, `UPDATE lot_batches
SET reserved_quantity=$1, remaining_quantity=$2, status=$3, updated_at=NOW()
WHERE id=$4`, lot.ReservedQuantity, lot.RemainingQuantity, string(lot.Status), lot.ID)
	if err != nil {
		return &RepositoryError{Op: "update lot quantities", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return lots.ErrNotFound
	}
	return nil
}

func (r *txRepository) InsertAllocation(ctx context.Context, a Allocation) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO order_item_lot_allocations
(id, order_id, order_item_id, lot_batch_id, allocated_quantity, lot_number, batch_number, manufacturing_date, expiry_date, reserved_at, reserved_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.OrderID, a.OrderItemID, a.LotBatchID, a.AllocatedQuantity,
		a.LotNumber, a.BatchNumber, a.ManufacturingDate, a.ExpiryDate, a.ReservedAt, a.ReservedBy)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateAllocation
		}
		return &RepositoryError{Op: "insert allocation", Err: err}
	}
	return nil
}

func (r *txRepository) GetAllocation(ctx context.Context, id string) (Allocation, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+allocationColumns+` FROM order_item_lot_allocations WHERE id=$1`, id)
	a, err := scanAllocation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Allocation{}, ErrNotFound
		}
		return Allocation{}, &RepositoryError{Op: "get allocation", Err: err}
	}
	return a, nil
}

func (r *txRepository) ListAllocationsForOrderItem(ctx context.Context, orderItemID string) ([]Allocation, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+allocationColumns+` FROM order_item_lot_allocations
WHERE order_item_id=$1 ORDER BY reserved_at ASC, id ASC`, orderItemID)
	if err != nil {
		return nil, &RepositoryError{Op: "list allocations", Err: err}
	}
	defer rows.Close()
	return collectAllocations(rows)
}

func (r *txRepository) DeleteAllocation(ctx context.Context, id string) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM order_item_lot_allocations WHERE id=$1`, id)
	if err != nil {
		return &RepositoryError{Op: "delete allocation", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) UpdateAllocationQuantity(ctx context.Context, id string, quantity int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE order_item_lot_allocations SET allocated_quantity=$1 WHERE id=$2`, quantity, id)
	if err != nil {
		return &RepositoryError{Op: "update allocation quantity", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectLots(rows pgx.Rows) ([]lots.LotBatch, error) {
	result := []lots.LotBatch{}
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, &RepositoryError{Op: "scan lot", Err: err}
		}
		result = append(result, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, &RepositoryError{Op: "read lots", Err: err}
	}
	return result, nil
}

func scanLot(row pgx.Row) (lots.LotBatch, error) {
	var lot lots.LotBatch
	var status string
	err := row.Scan(&lot.ID, &lot.LotNumber, &lot.BatchNumber, &lot.ProductID, &lot.AgencyID,
		&lot.Quantity, &lot.ReservedQuantity, &lot.RemainingQuantity,
		&lot.ManufacturingDate, &lot.ExpiryDate, &status, &lot.CreatedBy, &lot.CreatedAt, &lot.UpdatedAt)
	if err != nil {
		return lots.LotBatch{}, err
	}
	lot.Status = lots.Status(status)
	return lot, nil
}

func collectAllocations(rows pgx.Rows) ([]Allocation, error) {
	result := []Allocation{}
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, &RepositoryError{Op: "scan allocation", Err: err}
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &RepositoryError{Op: "read allocations", Err: err}
	}
	return result, nil
}

func scanAllocation(row pgx.Row) (Allocation, error) {
	var a Allocation
	err := row.Scan(&a.ID, &a.OrderID, &a.OrderItemID, &a.LotBatchID, &a.AllocatedQuantity,
		&a.LotNumber, &a.BatchNumber, &a.ManufacturingDate, &a.ExpiryDate, &a.ReservedAt, &a.ReservedBy)
	if err != nil {
		return Allocation{}, err
	}
	return a, nil
}

// translateConflict maps Postgres serialization (40001) and deadlock (40P01)
// failures to ErrConcurrencyConflict; everything else passes through.
func translateConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", ErrConcurrencyConflict, pgErr.Code)
	}
	return err
}
