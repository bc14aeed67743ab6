package lots

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func datePtr(s string) *time.Time {
	d := date(s)
	return &d
}

func newTestLot(t *testing.T, quantity int64) LotBatch {
	t.Helper()
	lot, err := NewLotBatch(NewLotBatchInput{
		ID:                "lot-1",
		LotNumber:         "LOT-2025-001",
		ProductID:         7,
		AgencyID:          3,
		Quantity:          quantity,
		ManufacturingDate: date("2025-01-10"),
		ExpiryDate:        datePtr("2025-12-31"),
		CreatedBy:         42,
	})
	require.NoError(t, err)
	return lot
}

func TestNewLotBatchValidation(t *testing.T) {
	base := NewLotBatchInput{
		ID:                "lot-1",
		LotNumber:         "LOT-1",
		ProductID:         1,
		AgencyID:          1,
		Quantity:          10,
		ManufacturingDate: date("2025-01-10"),
	}

	t.Run("valid", func(t *testing.T) {
		lot, err := NewLotBatch(base)
		require.NoError(t, err)
		require.Equal(t, StatusActive, lot.Status)
		require.Equal(t, int64(10), lot.RemainingQuantity)
		require.Zero(t, lot.ReservedQuantity)
		require.Equal(t, int64(10), lot.AvailableQuantity())
	})

	t.Run("blank lot number", func(t *testing.T) {
		input := base
		input.LotNumber = "   "
		_, err := NewLotBatch(input)
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("non-positive quantity", func(t *testing.T) {
		input := base
		input.Quantity = 0
		_, err := NewLotBatch(input)
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("expiry before manufacturing", func(t *testing.T) {
		input := base
		input.ExpiryDate = datePtr("2024-12-31")
		_, err := NewLotBatch(input)
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("expiry equal to manufacturing", func(t *testing.T) {
		input := base
		input.ExpiryDate = datePtr("2025-01-10")
		_, err := NewLotBatch(input)
		require.ErrorIs(t, err, ErrValidation)
	})
}

func TestReserveReleaseConsumeConservation(t *testing.T) {
	lot := newTestLot(t, 100)

	lot, err := lot.Reserve(60)
	require.NoError(t, err)
	require.Equal(t, int64(60), lot.ReservedQuantity)
	require.Equal(t, int64(40), lot.AvailableQuantity())

	lot, err = lot.Release(10)
	require.NoError(t, err)
	require.Equal(t, int64(50), lot.ReservedQuantity)

	lot, err = lot.Consume(50)
	require.NoError(t, err)
	require.Zero(t, lot.ReservedQuantity)
	require.Equal(t, int64(50), lot.RemainingQuantity)

	// quantity never changes; remaining plus consumed equals the original
	require.Equal(t, int64(100), lot.Quantity)
	require.NoError(t, lot.CheckInvariant())
}

func TestReserveInsufficient(t *testing.T) {
	lot := newTestLot(t, 10)
	lot, err := lot.Reserve(4)
	require.NoError(t, err)

	_, err = lot.Reserve(7)
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(7), insufficient.Requested)
	require.Equal(t, int64(6), insufficient.Available)
}

func TestReleaseMoreThanReserved(t *testing.T) {
	lot := newTestLot(t, 10)
	lot, err := lot.Reserve(3)
	require.NoError(t, err)

	_, err = lot.Release(4)
	require.ErrorIs(t, err, ErrInvalidOperation)
}

func TestConsumeMoreThanReserved(t *testing.T) {
	lot := newTestLot(t, 10)
	lot, err := lot.Reserve(3)
	require.NoError(t, err)

	_, err = lot.Consume(4)
	require.ErrorIs(t, err, ErrInvalidOperation)
}

func TestConsumeToZeroTransitionsToConsumed(t *testing.T) {
	lot := newTestLot(t, 5)
	lot, err := lot.Reserve(5)
	require.NoError(t, err)

	lot, err = lot.Consume(5)
	require.NoError(t, err)
	require.Equal(t, StatusConsumed, lot.Status)
	require.Zero(t, lot.RemainingQuantity)
}

func TestExpiryPredicates(t *testing.T) {
	lot := newTestLot(t, 10)

	require.False(t, lot.IsExpired(date("2025-12-31")))
	require.True(t, lot.IsExpired(date("2026-01-01")))
	require.True(t, lot.IsEligibleForAllocation(date("2025-06-01")))
	require.False(t, lot.IsEligibleForAllocation(date("2026-01-01")))

	noExpiry := lot
	noExpiry.ExpiryDate = nil
	require.False(t, noExpiry.IsExpired(date("2099-01-01")))
	require.True(t, noExpiry.IsEligibleForAllocation(date("2099-01-01")))
}

func TestEligibilityByStatusAndAvailability(t *testing.T) {
	asOf := date("2025-06-01")

	quarantined := newTestLot(t, 10)
	quarantined.Status = StatusQuarantine
	require.False(t, quarantined.IsEligibleForAllocation(asOf))

	fullyReserved := newTestLot(t, 10)
	fullyReserved, err := fullyReserved.Reserve(10)
	require.NoError(t, err)
	require.False(t, fullyReserved.IsEligibleForAllocation(asOf))
}

func TestTransitionsDoNotMutateReceiver(t *testing.T) {
	original := newTestLot(t, 10)
	_, err := original.Reserve(5)
	require.NoError(t, err)
	require.Zero(t, original.ReservedQuantity)
}
