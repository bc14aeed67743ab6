package allocation

import (
	"errors"
	"fmt"
	"time"
)

// Policy decides what happens when eligible lots cannot cover the full
// requested quantity. It is always an explicit caller choice: a partial
// allocation means a backorder, a strict failure means a rejected line.
type Policy string

const (
	// PolicyStrict fails the whole request on any shortfall, changing nothing.
	PolicyStrict Policy = "STRICT"
	// PolicyPartial reserves what can be covered and reports the shortfall.
	PolicyPartial Policy = "PARTIAL"
)

// IsValid reports whether the policy is known.
func (p Policy) IsValid() bool {
	return p == PolicyStrict || p == PolicyPartial
}

// Allocation is a claim of a specific quantity from a specific lot against a
// specific order item. Lot attributes are snapshotted at reservation time so
// the record stays meaningful even after the lot row changes.
type Allocation struct {
	ID                string     `json:"id" db:"id"`
	OrderID           string     `json:"order_id" db:"order_id"`
	OrderItemID       string     `json:"order_item_id" db:"order_item_id"`
	LotBatchID        string     `json:"lot_batch_id" db:"lot_batch_id"`
	AllocatedQuantity int64      `json:"allocated_quantity" db:"allocated_quantity"`
	LotNumber         string     `json:"lot_number" db:"lot_number"`
	BatchNumber       *string    `json:"batch_number,omitempty" db:"batch_number"`
	ManufacturingDate time.Time  `json:"manufacturing_date" db:"manufacturing_date"`
	ExpiryDate        *time.Time `json:"expiry_date,omitempty" db:"expiry_date"`
	ReservedAt        time.Time  `json:"reserved_at" db:"reserved_at"`
	ReservedBy        int64      `json:"reserved_by" db:"reserved_by"`
}

// Result reports the outcome of one allocate call.
type Result struct {
	Allocations []Allocation `json:"allocations"`
	Shortfall   int64        `json:"shortfall"`
}

// ErrValidation indicates malformed input to an allocation operation.
var ErrValidation = errors.New("allocation: validation failed")

// ErrInvalidOperation indicates an operation breaking the reservation invariant.
var ErrInvalidOperation = errors.New("allocation: invalid operation")

// ErrNotFound indicates a missing allocation row.
var ErrNotFound = errors.New("allocation: allocation not found")

// ErrDuplicateAllocation guards against a second allocation row for the same
// (order item, lot) pair. The storage unique constraint is the final backstop.
var ErrDuplicateAllocation = errors.New("allocation: duplicate allocation for order item and lot")

// ErrConcurrencyConflict indicates the transaction lost a race against a
// concurrent allocation and may be retried.
var ErrConcurrencyConflict = errors.New("allocation: concurrency conflict")

// InsufficientStockError reports that eligible lots cannot cover the
// requested quantity under the strict policy.
type InsufficientStockError struct {
	Requested   int64
	Fulfillable int64
	Shortfall   int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("allocation: insufficient stock: requested %d, fulfillable %d, shortfall %d", e.Requested, e.Fulfillable, e.Shortfall)
}

// RepositoryError wraps persistence failures so callers can distinguish
// storage trouble from business outcomes.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("allocation: repository %s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}
