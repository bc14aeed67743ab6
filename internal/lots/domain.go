package lots

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates lot/batch lifecycle states.
type Status string

const (
	// StatusActive marks a lot eligible for allocation.
	StatusActive Status = "ACTIVE"
	// StatusQuarantine marks a lot held back pending quality checks.
	StatusQuarantine Status = "QUARANTINE"
	// StatusExpired marks a lot whose expiry date has passed.
	StatusExpired Status = "EXPIRED"
	// StatusConsumed marks a fully shipped lot.
	StatusConsumed Status = "CONSUMED"
	// StatusRecalled marks a lot withdrawn by the manufacturer.
	StatusRecalled Status = "RECALLED"
)

// IsValid reports whether the status is one of the known states.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusQuarantine, StatusExpired, StatusConsumed, StatusRecalled:
		return true
	default:
		return false
	}
}

// LotBatch is a specific manufactured quantity of one product owned by one
// agency, with its own expiry date and stock counters. All state transitions
// are value-receiver methods returning the next state; persistence of the
// returned value is the caller's job.
type LotBatch struct {
	ID                string     `json:"id" db:"id"`
	LotNumber         string     `json:"lot_number" db:"lot_number"`
	BatchNumber       *string    `json:"batch_number,omitempty" db:"batch_number"`
	ProductID         int64      `json:"product_id" db:"product_id"`
	AgencyID          int64      `json:"agency_id" db:"agency_id"`
	Quantity          int64      `json:"quantity" db:"quantity"`
	ReservedQuantity  int64      `json:"reserved_quantity" db:"reserved_quantity"`
	RemainingQuantity int64      `json:"remaining_quantity" db:"remaining_quantity"`
	ManufacturingDate time.Time  `json:"manufacturing_date" db:"manufacturing_date"`
	ExpiryDate        *time.Time `json:"expiry_date,omitempty" db:"expiry_date"`
	Status            Status     `json:"status" db:"status"`
	CreatedBy         int64      `json:"created_by" db:"created_by"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// ErrValidation indicates malformed input to lot construction.
var ErrValidation = errors.New("lots: validation failed")

// ErrInvalidOperation indicates a transition that would break the quantity invariant.
var ErrInvalidOperation = errors.New("lots: invalid operation")

// ErrNotFound indicates a missing lot row.
var ErrNotFound = errors.New("lots: lot not found")

// ErrDuplicateLotNumber indicates a lot number already used for the same agency and product.
var ErrDuplicateLotNumber = errors.New("lots: duplicate lot number")

// InsufficientStockError reports a reservation exceeding available quantity.
type InsufficientStockError struct {
	LotID     string
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("lots: insufficient stock in lot %s: requested %d, available %d", e.LotID, e.Requested, e.Available)
}

// NewLotBatchInput carries the fields required to create a lot at goods receipt.
type NewLotBatchInput struct {
	ID                string
	LotNumber         string
	BatchNumber       *string
	ProductID         int64
	AgencyID          int64
	Quantity          int64
	ManufacturingDate time.Time
	ExpiryDate        *time.Time
	CreatedBy         int64
}

// NewLotBatch validates input and returns an ACTIVE lot with the full
// quantity remaining and nothing reserved.
func NewLotBatch(input NewLotBatchInput) (LotBatch, error) {
	if strings.TrimSpace(input.LotNumber) == "" {
		return LotBatch{}, fmt.Errorf("%w: lot number is required", ErrValidation)
	}
	if input.ProductID == 0 || input.AgencyID == 0 {
		return LotBatch{}, fmt.Errorf("%w: product and agency are required", ErrValidation)
	}
	if input.Quantity <= 0 {
		return LotBatch{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if input.ManufacturingDate.IsZero() {
		return LotBatch{}, fmt.Errorf("%w: manufacturing date is required", ErrValidation)
	}
	if input.ExpiryDate != nil && !input.ExpiryDate.After(input.ManufacturingDate) {
		return LotBatch{}, fmt.Errorf("%w: expiry date must be after manufacturing date", ErrValidation)
	}
	return LotBatch{
		ID:                input.ID,
		LotNumber:         strings.TrimSpace(input.LotNumber),
		BatchNumber:       input.BatchNumber,
		ProductID:         input.ProductID,
		AgencyID:          input.AgencyID,
		Quantity:          input.Quantity,
		ReservedQuantity:  0,
		RemainingQuantity: input.Quantity,
		ManufacturingDate: input.ManufacturingDate,
		ExpiryDate:        input.ExpiryDate,
		Status:            StatusActive,
		CreatedBy:         input.CreatedBy,
	}, nil
}

// AvailableQuantity is the stock free to allocate: remaining minus reserved.
func (l LotBatch) AvailableQuantity() int64 {
	return l.RemainingQuantity - l.ReservedQuantity
}

// Reserve promises amount units to an order. The physical stock does not
// move; only the reserved counter grows.
func (l LotBatch) Reserve(amount int64) (LotBatch, error) {
	if amount <= 0 {
		return LotBatch{}, fmt.Errorf("%w: reserve amount must be positive", ErrInvalidOperation)
	}
	if amount > l.AvailableQuantity() {
		return LotBatch{}, &InsufficientStockError{LotID: l.ID, Requested: amount, Available: l.AvailableQuantity()}
	}
	l.ReservedQuantity += amount
	return l, nil
}

// Release returns amount previously reserved units to the available pool.
func (l LotBatch) Release(amount int64) (LotBatch, error) {
	if amount <= 0 {
		return LotBatch{}, fmt.Errorf("%w: release amount must be positive", ErrInvalidOperation)
	}
	if amount > l.ReservedQuantity {
		return LotBatch{}, fmt.Errorf("%w: release %d exceeds reserved %d on lot %s", ErrInvalidOperation, amount, l.ReservedQuantity, l.ID)
	}
	l.ReservedQuantity -= amount
	return l, nil
}

// Consume ships amount previously reserved units out of the lot, reducing
// reserved and remaining together. The lot transitions to CONSUMED when
// nothing remains.
func (l LotBatch) Consume(amount int64) (LotBatch, error) {
	if amount <= 0 {
		return LotBatch{}, fmt.Errorf("%w: consume amount must be positive", ErrInvalidOperation)
	}
	if amount > l.ReservedQuantity {
		return LotBatch{}, fmt.Errorf("%w: consume %d exceeds reserved %d on lot %s", ErrInvalidOperation, amount, l.ReservedQuantity, l.ID)
	}
	if amount > l.RemainingQuantity {
		return LotBatch{}, fmt.Errorf("%w: consume %d exceeds remaining %d on lot %s", ErrInvalidOperation, amount, l.RemainingQuantity, l.ID)
	}
	l.ReservedQuantity -= amount
	l.RemainingQuantity -= amount
	if l.RemainingQuantity == 0 {
		l.Status = StatusConsumed
	}
	return l, nil
}

// IsExpired reports whether the lot's expiry date has passed as of the given
// instant. Lots without an expiry date never expire.
func (l LotBatch) IsExpired(asOf time.Time) bool {
	return l.ExpiryDate != nil && asOf.After(*l.ExpiryDate)
}

// IsEligibleForAllocation reports whether new reservations may draw from the
// lot: ACTIVE, not past expiry, and with free stock. Expiry is evaluated
// here rather than trusted from the stored status, so a stale status row can
// never make expired stock allocatable.
func (l LotBatch) IsEligibleForAllocation(asOf time.Time) bool {
	return l.Status == StatusActive && !l.IsExpired(asOf) && l.AvailableQuantity() > 0
}

// CheckInvariant verifies the quantity chain 0 <= reserved <= remaining <= quantity.
// A violation is always a bug, never a caller error.
func (l LotBatch) CheckInvariant() error {
	if l.ReservedQuantity < 0 || l.ReservedQuantity > l.RemainingQuantity || l.RemainingQuantity > l.Quantity {
		return fmt.Errorf("%w: quantity invariant violated on lot %s (reserved=%d remaining=%d quantity=%d)",
			ErrInvalidOperation, l.ID, l.ReservedQuantity, l.RemainingQuantity, l.Quantity)
	}
	return nil
}
