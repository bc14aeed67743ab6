package allocation

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-dms/meridian-dms/internal/lots"
)

type memoryRepo struct {
	lots        map[string]lots.LotBatch
	allocations map[string]Allocation

	// conflictsLeft makes the next N transactions fail with a concurrency
	// conflict before any state is applied.
	conflictsLeft int
	txCount       int
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		lots:        make(map[string]lots.LotBatch),
		allocations: make(map[string]Allocation),
	}
}

func (r *memoryRepo) addLot(t *testing.T, id, lotNumber string, quantity int64, expiry *string) lots.LotBatch {
	t.Helper()
	lot := makeLot(t, id, lotNumber, quantity, expiry)
	r.lots[id] = lot
	return lot
}

// WithTx simulates the transactional boundary: state mutations apply to a
// copy and are only kept when the callback succeeds.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.txCount++
	if r.conflictsLeft > 0 {
		r.conflictsLeft--
		return ErrConcurrencyConflict
	}
	lotsBackup := make(map[string]lots.LotBatch, len(r.lots))
	for k, v := range r.lots {
		lotsBackup[k] = v
	}
	allocationsBackup := make(map[string]Allocation, len(r.allocations))
	for k, v := range r.allocations {
		allocationsBackup[k] = v
	}
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.lots = lotsBackup
		r.allocations = allocationsBackup
		return err
	}
	return nil
}

func (r *memoryRepo) ListAllocationsForOrderItem(ctx context.Context, orderItemID string) ([]Allocation, error) {
	return (&memoryTx{repo: r}).ListAllocationsForOrderItem(ctx, orderItemID)
}

func (r *memoryRepo) FindEligibleLots(ctx context.Context, productID, agencyID int64, asOf time.Time) ([]lots.LotBatch, error) {
	return (&memoryTx{repo: r}).ListEligibleLotsForUpdate(ctx, productID, agencyID, asOf)
}

func (tx *memoryTx) ListEligibleLotsForUpdate(ctx context.Context, productID, agencyID int64, asOf time.Time) ([]lots.LotBatch, error) {
	var result []lots.LotBatch
	for _, lot := range tx.repo.lots {
		if lot.ProductID == productID && lot.AgencyID == agencyID && lot.IsEligibleForAllocation(asOf) {
			result = append(result, lot)
		}
	}
	return result, nil
}

func (tx *memoryTx) GetLotForUpdate(ctx context.Context, lotID string) (lots.LotBatch, error) {
	lot, ok := tx.repo.lots[lotID]
	if !ok {
		return lots.LotBatch{}, lots.ErrNotFound
	}
	return lot, nil
}

func (tx *memoryTx) UpdateLotQuantities(ctx context.Context, lot lots.LotBatch) error {
	if _, ok := tx.repo.lots[lot.ID]; !ok {
		return lots.ErrNotFound
	}
	tx.repo.lots[lot.ID] = lot
	return nil
}

func (tx *memoryTx) InsertAllocation(ctx context.Context, a Allocation) error {
	for _, existing := range tx.repo.allocations {
		if existing.OrderItemID == a.OrderItemID && existing.LotBatchID == a.LotBatchID {
			return ErrDuplicateAllocation
		}
	}
	tx.repo.allocations[a.ID] = a
	return nil
}

func (tx *memoryTx) GetAllocation(ctx context.Context, id string) (Allocation, error) {
	a, ok := tx.repo.allocations[id]
	if !ok {
		return Allocation{}, ErrNotFound
	}
	return a, nil
}

func (tx *memoryTx) ListAllocationsForOrderItem(ctx context.Context, orderItemID string) ([]Allocation, error) {
	var result []Allocation
	for _, a := range tx.repo.allocations {
		if a.OrderItemID == orderItemID {
			result = append(result, a)
		}
	}
	return result, nil
}

func (tx *memoryTx) DeleteAllocation(ctx context.Context, id string) error {
	if _, ok := tx.repo.allocations[id]; !ok {
		return ErrNotFound
	}
	delete(tx.repo.allocations, id)
	return nil
}

func (tx *memoryTx) UpdateAllocationQuantity(ctx context.Context, id string, quantity int64) error {
	a, ok := tx.repo.allocations[id]
	if !ok {
		return ErrNotFound
	}
	a.AllocatedQuantity = quantity
	tx.repo.allocations[id] = a
	return nil
}

const (
	orderID     = "0e8dcd55-9767-4b43-9b1c-2a6ae3bd80f9"
	orderItemID = "4f0f0ec9-31a4-4f5d-bd13-226ce2a41c77"
)

func newTestService(repo *memoryRepo) *Service {
	return NewService(repo, slog.Default(), nil, ServiceConfig{MaxConflictRetries: 3})
}

func allocate(t *testing.T, svc *Service, quantity int64, policy Policy) (Result, error) {
	t.Helper()
	return svc.Allocate(context.Background(), AllocateInput{
		OrderID:     orderID,
		OrderItemID: orderItemID,
		ProductID:   1,
		AgencyID:    1,
		Quantity:    quantity,
		Policy:      policy,
		ActorID:     42,
	})
}

func reservedSum(repo *memoryRepo, lotID string) int64 {
	var sum int64
	for _, a := range repo.allocations {
		if a.LotBatchID == lotID {
			sum += a.AllocatedQuantity
		}
	}
	return sum
}

func TestAllocateFEFOAcrossLots(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLot(t, "march", "LOT-MAR", 10, strPtr("2025-03-01"))
	repo.addLot(t, "january", "LOT-JAN", 10, strPtr("2025-01-01"))
	repo.addLot(t, "february", "LOT-FEB", 10, strPtr("2025-02-01"))
	svc := newTestService(repo)
	svc.now = func() time.Time { return date("2024-12-01") }

	result, err := allocate(t, svc, 15, PolicyStrict)
	require.NoError(t, err)
	require.Zero(t, result.Shortfall)
	require.Len(t, result.Allocations, 2)
	require.Equal(t, "january", result.Allocations[0].LotBatchID)
	require.Equal(t, int64(10), result.Allocations[0].AllocatedQuantity)
	require.Equal(t, "february", result.Allocations[1].LotBatchID)
	require.Equal(t, int64(5), result.Allocations[1].AllocatedQuantity)

	require.Equal(t, int64(10), repo.lots["january"].ReservedQuantity)
	require.Equal(t, int64(5), repo.lots["february"].ReservedQuantity)
	require.Zero(t, repo.lots["march"].ReservedQuantity)
}

func TestAllocateStrictShortfallChangesNothing(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLot(t, "a", "LOT-A", 5, strPtr("2025-01-01"))
	repo.addLot(t, "b", "LOT-B", 3, strPtr("2025-02-01"))
	svc := newTestService(repo)
	svc.now = func() time.Time { return date("2024-12-01") }

	_, err := allocate(t, svc, 10, PolicyStrict)
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(10), insufficient.Requested)
	require.Equal(t, int64(8), insufficient.Fulfillable)
	require.Equal(t, int64(2), insufficient.Shortfall)

	require.Empty(t, repo.allocations)
	require.Zero(t, repo.lots["a"].ReservedQuantity)
	require.Zero(t, repo.lots["b"].ReservedQuantity)
}

func TestAllocatePartialReservesWhatItCan(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLot(t, "a", "LOT-A", 5, strPtr("2025-01-01"))
	repo.addLot(t, "b", "LOT-B", 3, strPtr("2025-02-01"))
	svc := newTestService(repo)
	svc.now = func() time.Time { return date("2024-12-01") }

	result, err := allocate(t, svc, 10, PolicyPartial)
	require.NoError(t, err)
	require.Equal(t, int64(2), result.Shortfall)

	var allocated int64
	for _, a := range result.Allocations {
		allocated += a.AllocatedQuantity
	}
	require.Equal(t, int64(8), allocated)
	require.Equal(t, int64(5), repo.lots["a"].ReservedQuantity)
	require.Equal(t, int64(3), repo.lots["b"].ReservedQuantity)
}

func TestAllocationSumMatchesReserved(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLot(t, "a", "LOT-A", 20, strPtr("2025-01-01"))
	svc := newTestService(repo)
	svc.now = func() time.Time { return date("2024-12-01") }

	_, err := allocate(t, svc, 12, PolicyStrict)
	require.NoError(t, err)
	require.Equal(t, repo.lots["a"].ReservedQuantity, reservedSum(repo, "a"))
}

func TestAllocationSnapshotsLotAttributes(t *testing.T) {
	repo := newMemoryRepo()
	lot := repo.addLot(t, "a", "LOT-A", 10, strPtr("2025-01-01"))
	svc := newTestService(repo)
	svc.now = func() time.Time { return date("2024-12-01") }

	result, err := allocate(t, svc, 4, PolicyStrict)
	require.NoError(t, err)
	a := result.Allocations[0]
	require.Equal(t, lot.LotNumber, a.LotNumber)
	require.Equal(t, lot.ManufacturingDate, a.ManufacturingDate)
	require.Equal(t, lot.ExpiryDate, a.ExpiryDate)
	require.Equal(t, int64(42), a.ReservedBy)
	require.Equal(t, date("2024-12-01"), a.ReservedAt)
}

func TestReleaseRoundTrip(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLot(t, "a", "LOT-A", 10, strPtr("2025-01-01"))
	repo.addLot(t, "b", "LOT-B", 10, strPtr("2025-02-01"))
	svc := newTestService(repo)
	svc.now = func() time.Time { return date("2024-12-01") }

	before := map[string]lots.LotBatch{}
	for id, lot := range repo.lots {
		before[id] = lot
	}

	_, err := allocate(t, svc, 15, PolicyStrict)
	require.NoError(t, err)

	released, err := svc.Release(context.Background(), orderItemID)
	require.NoError(t, err)
	require.Equal(t, 2, released)
	require.Empty(t, repo.allocations)
	for id, lot := range repo.lots {
		require.Equal(t, before[id].ReservedQuantity, lot.ReservedQuantity, "lot %s", id)
		require.Equal(t, before[id].RemainingQuantity, lot.RemainingQuantity, "lot %s", id)
	}
}

func TestReleaseNothingAllocatedIsNoOp(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLot(t, "a", "LOT-A", 10, strPtr("2025-01-01"))
	svc := newTestService(repo)

	released, err := svc.Release(context.Background(), orderItemID)
	require.NoError(t, err)
	require.Zero(t, released)
}

func TestConsumeKeepsAllocationRecords(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLot(t, "a", "LOT-A", 10, strPtr("2025-01-01"))
	svc := newTestService(repo)
	svc.now = func() time.Time { return date("2024-12-01") }

	_, err := allocate(t, svc, 4, PolicyStrict)
	require.NoError(t, err)

	consumed, err := svc.Consume(context.Background(), orderItemID)
	require.NoError(t, err)
	require.Equal(t, 1, consumed)

	lot := repo.lots["a"]
	require.Zero(t, lot.ReservedQuantity)
	require.Equal(t, int64(6), lot.RemainingQuantity)
	require.Equal(t, int64(10), lot.Quantity)
	require.Len(t, repo.allocations, 1, "shipped allocations stay on the books")
}

func TestConsumeWholeLotTransitionsToConsumed(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLot(t, "a", "LOT-A", 10, strPtr("2025-01-01"))
	svc := newTestService(repo)
	svc.now = func() time.Time { return date("2024-12-01") }

	_, err := allocate(t, svc, 10, PolicyStrict)
	require.NoError(t, err)

	_, err = svc.Consume(context.Background(), orderItemID)
	require.NoError(t, err)
	require.Equal(t, lots.StatusConsumed, repo.lots["a"].Status)
}

func TestConsumeNothingAllocatedFails(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)

	_, err := svc.Consume(context.Background(), orderItemID)
	require.ErrorIs(t, err, ErrInvalidOperation)
}

func TestDuplicateAllocationGuard(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLot(t, "a", "LOT-A", 10, strPtr("2025-01-01"))
	repo.allocations["existing"] = Allocation{
		ID:                "existing",
		OrderID:           orderID,
		OrderItemID:       orderItemID,
		LotBatchID:        "a",
		AllocatedQuantity: 1,
	}
	svc := newTestService(repo)
	svc.now = func() time.Time { return date("2024-12-01") }

	_, err := allocate(t, svc, 4, PolicyStrict)
	require.ErrorIs(t, err, ErrDuplicateAllocation)
	// rollback leaves only the pre-existing row and no reservation
	require.Len(t, repo.allocations, 1)
	require.Zero(t, repo.lots["a"].ReservedQuantity)
}

func TestAdjustGrowAndShrink(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLot(t, "a", "LOT-A", 10, strPtr("2025-01-01"))
	svc := newTestService(repo)
	svc.now = func() time.Time { return date("2024-12-01") }

	result, err := allocate(t, svc, 4, PolicyStrict)
	require.NoError(t, err)
	id := result.Allocations[0].ID

	adjusted, err := svc.Adjust(context.Background(), id, 7)
	require.NoError(t, err)
	require.Equal(t, int64(7), adjusted.AllocatedQuantity)
	require.Equal(t, int64(7), repo.lots["a"].ReservedQuantity)

	adjusted, err = svc.Adjust(context.Background(), id, 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), adjusted.AllocatedQuantity)
	require.Equal(t, int64(2), repo.lots["a"].ReservedQuantity)
}

func TestAdjustBeyondAvailableFails(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLot(t, "a", "LOT-A", 10, strPtr("2025-01-01"))
	svc := newTestService(repo)
	svc.now = func() time.Time { return date("2024-12-01") }

	result, err := allocate(t, svc, 4, PolicyStrict)
	require.NoError(t, err)
	id := result.Allocations[0].ID

	_, err = svc.Adjust(context.Background(), id, 11)
	require.ErrorIs(t, err, ErrInvalidOperation)
	require.Equal(t, int64(4), repo.lots["a"].ReservedQuantity)
}

func TestAdjustToZeroRejected(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)

	_, err := svc.Adjust(context.Background(), "whatever", 0)
	require.ErrorIs(t, err, ErrInvalidOperation)
}

func TestConflictRetrySucceedsAfterTransientConflicts(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLot(t, "a", "LOT-A", 10, strPtr("2025-01-01"))
	repo.conflictsLeft = 2
	svc := newTestService(repo)
	svc.now = func() time.Time { return date("2024-12-01") }

	result, err := allocate(t, svc, 4, PolicyStrict)
	require.NoError(t, err)
	require.Len(t, result.Allocations, 1)
	require.Equal(t, 3, repo.txCount)
}

func TestConflictRetryExhausted(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLot(t, "a", "LOT-A", 10, strPtr("2025-01-01"))
	repo.conflictsLeft = 5
	svc := newTestService(repo)
	svc.now = func() time.Time { return date("2024-12-01") }

	_, err := allocate(t, svc, 4, PolicyStrict)
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	require.Equal(t, 3, repo.txCount)
	require.Empty(t, repo.allocations)
}

func TestAllocateValidation(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	ctx := context.Background()

	_, err := svc.Allocate(ctx, AllocateInput{OrderID: orderID, OrderItemID: orderItemID, ProductID: 1, AgencyID: 1, Quantity: 5, Policy: "EVENTUALLY", ActorID: 1})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Allocate(ctx, AllocateInput{OrderID: orderID, OrderItemID: orderItemID, ProductID: 1, AgencyID: 1, Quantity: 0, Policy: PolicyStrict, ActorID: 1})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Allocate(ctx, AllocateInput{OrderItemID: orderItemID, ProductID: 1, AgencyID: 1, Quantity: 5, Policy: PolicyStrict, ActorID: 1})
	require.ErrorIs(t, err, ErrValidation)
}
