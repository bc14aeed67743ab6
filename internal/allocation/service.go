package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-dms/meridian-dms/internal/lots"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListAllocationsForOrderItem(ctx context.Context, orderItemID string) ([]Allocation, error)
	FindEligibleLots(ctx context.Context, productID, agencyID int64, asOf time.Time) ([]lots.LotBatch, error)
}

// MetricsPort records allocation outcomes.
type MetricsPort interface {
	ObserveAllocation(policy, outcome string)
}

// Service is the allocation ledger: it applies allocation plans to lot rows
// and allocation records inside one transaction, and walks the reverse path
// for release, consumption and adjustment.
//
// Concurrency control is pessimistic: every transaction row-locks the lots
// it will mutate (FOR UPDATE) before deciding, so two allocations against
// the same lot serialize and can never overcommit. Serialization or
// deadlock aborts surface as ErrConcurrencyConflict and are retried here a
// bounded number of times before propagating.
type Service struct {
	repo       RepositoryPort
	logger     *slog.Logger
	metrics    MetricsPort
	maxRetries int
	now        func() time.Time
	newID      func() string
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// MaxConflictRetries bounds internal retries on concurrency conflicts.
	MaxConflictRetries int
}

// NewService builds Service.
func NewService(repo RepositoryPort, logger *slog.Logger, metrics MetricsPort, cfg ServiceConfig) *Service {
	retries := cfg.MaxConflictRetries
	if retries <= 0 {
		retries = 3
	}
	return &Service{
		repo:       repo,
		logger:     logger,
		metrics:    metrics,
		maxRetries: retries,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.NewString() },
	}
}

// AllocateInput describes one allocation request for an order item.
type AllocateInput struct {
	OrderID     string
	OrderItemID string
	ProductID   int64
	AgencyID    int64
	Quantity    int64
	Policy      Policy
	ActorID     int64
}

// Allocate reserves lots for an order item following FEFO ordering. Under
// PolicyStrict any shortfall fails the whole request and changes nothing;
// under PolicyPartial the coverable portion is reserved and the shortfall
// reported. All lot updates and allocation inserts commit atomically.
func (s *Service) Allocate(ctx context.Context, input AllocateInput) (Result, error) {
	if input.OrderID == "" || input.OrderItemID == "" {
		return Result{}, fmt.Errorf("%w: order and order item are required", ErrValidation)
	}
	if input.ProductID == 0 || input.AgencyID == 0 {
		return Result{}, fmt.Errorf("%w: product and agency are required", ErrValidation)
	}
	if input.Quantity <= 0 {
		return Result{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if !input.Policy.IsValid() {
		return Result{}, fmt.Errorf("%w: policy must be STRICT or PARTIAL", ErrValidation)
	}

	var result Result
	err := s.withConflictRetry(ctx, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			now := s.now()
			candidates, err := tx.ListEligibleLotsForUpdate(ctx, input.ProductID, input.AgencyID, now)
			if err != nil {
				return err
			}
			plan := PlanAllocation(candidates, input.Quantity, now)
			if input.Policy == PolicyStrict && plan.Shortfall > 0 {
				return &InsufficientStockError{
					Requested:   input.Quantity,
					Fulfillable: input.Quantity - plan.Shortfall,
					Shortfall:   plan.Shortfall,
				}
			}
			result = Result{Allocations: []Allocation{}, Shortfall: plan.Shortfall}
			for _, line := range plan.Lines {
				reserved, err := line.Lot.Reserve(line.Quantity)
				if err != nil {
					return err
				}
				if err := reserved.CheckInvariant(); err != nil {
					return err
				}
				if err := tx.UpdateLotQuantities(ctx, reserved); err != nil {
					return err
				}
				a := Allocation{
					ID:                s.newID(),
					OrderID:           input.OrderID,
					OrderItemID:       input.OrderItemID,
					LotBatchID:        reserved.ID,
					AllocatedQuantity: line.Quantity,
					LotNumber:         reserved.LotNumber,
					BatchNumber:       reserved.BatchNumber,
					ManufacturingDate: reserved.ManufacturingDate,
					ExpiryDate:        reserved.ExpiryDate,
					ReservedAt:        now,
					ReservedBy:        input.ActorID,
				}
				if err := tx.InsertAllocation(ctx, a); err != nil {
					return err
				}
				result.Allocations = append(result.Allocations, a)
			}
			return nil
		})
	})
	if err != nil {
		s.observe(input.Policy, err)
		return Result{}, err
	}
	s.observe(input.Policy, nil)
	if s.logger != nil {
		s.logger.Info("lots allocated",
			slog.String("order_item_id", input.OrderItemID),
			slog.Int64("requested", input.Quantity),
			slog.Int("lots", len(result.Allocations)),
			slog.Int64("shortfall", result.Shortfall))
	}
	return result, nil
}

// Release voids every allocation held by the order item and returns the
// reserved quantities to their lots. Releasing an item with no allocations
// is a no-op; the returned count reports how many allocations were voided.
func (s *Service) Release(ctx context.Context, orderItemID string) (int, error) {
	if orderItemID == "" {
		return 0, fmt.Errorf("%w: order item is required", ErrValidation)
	}
	released := 0
	err := s.withConflictRetry(ctx, func() error {
		released = 0
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			allocations, err := tx.ListAllocationsForOrderItem(ctx, orderItemID)
			if err != nil {
				return err
			}
			for _, a := range sortedByLot(allocations) {
				lot, err := tx.GetLotForUpdate(ctx, a.LotBatchID)
				if err != nil {
					return err
				}
				updated, err := lot.Release(a.AllocatedQuantity)
				if err != nil {
					return err
				}
				if err := tx.UpdateLotQuantities(ctx, updated); err != nil {
					return err
				}
				if err := tx.DeleteAllocation(ctx, a.ID); err != nil {
					return err
				}
				released++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if s.logger != nil && released > 0 {
		s.logger.Info("allocations released", slog.String("order_item_id", orderItemID), slog.Int("count", released))
	}
	return released, nil
}

// Consume ships every allocation held by the order item, reducing reserved
// and remaining together on each lot. Allocation rows stay on the books as
// the permanent record of what shipped from which lot.
func (s *Service) Consume(ctx context.Context, orderItemID string) (int, error) {
	if orderItemID == "" {
		return 0, fmt.Errorf("%w: order item is required", ErrValidation)
	}
	consumed := 0
	err := s.withConflictRetry(ctx, func() error {
		consumed = 0
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			allocations, err := tx.ListAllocationsForOrderItem(ctx, orderItemID)
			if err != nil {
				return err
			}
			if len(allocations) == 0 {
				return fmt.Errorf("%w: nothing allocated for order item %s", ErrInvalidOperation, orderItemID)
			}
			for _, a := range sortedByLot(allocations) {
				lot, err := tx.GetLotForUpdate(ctx, a.LotBatchID)
				if err != nil {
					return err
				}
				updated, err := lot.Consume(a.AllocatedQuantity)
				if err != nil {
					return err
				}
				if err := updated.CheckInvariant(); err != nil {
					return err
				}
				if err := tx.UpdateLotQuantities(ctx, updated); err != nil {
					return err
				}
				consumed++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if s.logger != nil {
		s.logger.Info("allocations consumed", slog.String("order_item_id", orderItemID), slog.Int("count", consumed))
	}
	return consumed, nil
}

// Adjust changes an allocation's quantity, re-validating against the lot's
// current availability plus the amount this allocation already holds.
func (s *Service) Adjust(ctx context.Context, allocationID string, newQuantity int64) (Allocation, error) {
	if allocationID == "" {
		return Allocation{}, fmt.Errorf("%w: allocation id is required", ErrValidation)
	}
	if newQuantity <= 0 {
		return Allocation{}, fmt.Errorf("%w: adjusted quantity must be positive, release the allocation instead", ErrInvalidOperation)
	}
	var adjusted Allocation
	err := s.withConflictRetry(ctx, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			a, err := tx.GetAllocation(ctx, allocationID)
			if err != nil {
				return err
			}
			delta := newQuantity - a.AllocatedQuantity
			if delta == 0 {
				adjusted = a
				return nil
			}
			lot, err := tx.GetLotForUpdate(ctx, a.LotBatchID)
			if err != nil {
				return err
			}
			var updated lots.LotBatch
			if delta > 0 {
				updated, err = lot.Reserve(delta)
				if err != nil {
					var insufficient *lots.InsufficientStockError
					if errors.As(err, &insufficient) {
						return fmt.Errorf("%w: lot %s has only %d available, cannot grow allocation by %d",
							ErrInvalidOperation, lot.ID, insufficient.Available, delta)
					}
					return err
				}
			} else {
				updated, err = lot.Release(-delta)
				if err != nil {
					return err
				}
			}
			if err := tx.UpdateLotQuantities(ctx, updated); err != nil {
				return err
			}
			if err := tx.UpdateAllocationQuantity(ctx, a.ID, newQuantity); err != nil {
				return err
			}
			a.AllocatedQuantity = newQuantity
			adjusted = a
			return nil
		})
	})
	if err != nil {
		return Allocation{}, err
	}
	return adjusted, nil
}

// ListForOrderItem returns the committed allocations of an order item.
func (s *Service) ListForOrderItem(ctx context.Context, orderItemID string) ([]Allocation, error) {
	if orderItemID == "" {
		return nil, fmt.Errorf("%w: order item is required", ErrValidation)
	}
	return s.repo.ListAllocationsForOrderItem(ctx, orderItemID)
}

// Availability reports the currently allocatable lots and their total free
// quantity for a product within an agency.
func (s *Service) Availability(ctx context.Context, productID, agencyID int64) ([]lots.LotBatch, int64, error) {
	if productID == 0 || agencyID == 0 {
		return nil, 0, fmt.Errorf("%w: product and agency are required", ErrValidation)
	}
	eligible, err := s.repo.FindEligibleLots(ctx, productID, agencyID, s.now())
	if err != nil {
		return nil, 0, err
	}
	var total int64
	for _, lot := range eligible {
		total += lot.AvailableQuantity()
	}
	return eligible, total, nil
}

func (s *Service) withConflictRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.logger != nil {
			s.logger.Warn("allocation conflict, retrying", slog.Int("attempt", attempt+1))
		}
	}
	return err
}

func (s *Service) observe(policy Policy, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	var insufficient *InsufficientStockError
	switch {
	case err == nil:
	case errors.As(err, &insufficient):
		outcome = "insufficient_stock"
	case errors.Is(err, ErrConcurrencyConflict):
		outcome = "conflict"
	default:
		outcome = "error"
	}
	s.metrics.ObserveAllocation(string(policy), outcome)
}

// sortedByLot orders allocations by lot id so every transaction acquires lot
// row locks in the same order.
func sortedByLot(allocations []Allocation) []Allocation {
	out := make([]Allocation, len(allocations))
	copy(out, allocations)
	sort.Slice(out, func(i, j int) bool { return out[i].LotBatchID < out[j].LotBatchID })
	return out
}
