package lots

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	Insert(ctx context.Context, lot LotBatch) error
	Get(ctx context.Context, id string) (LotBatch, error)
	GetByLotNumber(ctx context.Context, agencyID, productID int64, lotNumber string) (LotBatch, error)
	List(ctx context.Context, filter ListFilter) ([]LotBatch, error)
	UpdateStatus(ctx context.Context, id string, from []Status, to Status) error
	MarkExpired(ctx context.Context, asOf time.Time) (int64, error)
}

// Service coordinates lot lifecycle operations outside allocation: goods
// receipt, quarantine handling, recall, and the expiry sweep.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewService builds Service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.NewString() },
	}
}

// ReceiveInput describes a goods receipt for one lot.
type ReceiveInput struct {
	LotNumber         string
	BatchNumber       *string
	ProductID         int64
	AgencyID          int64
	Quantity          int64
	ManufacturingDate time.Time
	ExpiryDate        *time.Time
	ActorID           int64
}

// Receive records a newly received lot as ACTIVE with nothing reserved.
func (s *Service) Receive(ctx context.Context, input ReceiveInput) (LotBatch, error) {
	lot, err := NewLotBatch(NewLotBatchInput{
		ID:                s.newID(),
		LotNumber:         input.LotNumber,
		BatchNumber:       input.BatchNumber,
		ProductID:         input.ProductID,
		AgencyID:          input.AgencyID,
		Quantity:          input.Quantity,
		ManufacturingDate: input.ManufacturingDate,
		ExpiryDate:        input.ExpiryDate,
		CreatedBy:         input.ActorID,
	})
	if err != nil {
		return LotBatch{}, err
	}
	if err := s.repo.Insert(ctx, lot); err != nil {
		return LotBatch{}, err
	}
	if s.logger != nil {
		s.logger.Info("lot received",
			slog.String("lot_id", lot.ID),
			slog.String("lot_number", lot.LotNumber),
			slog.Int64("product_id", lot.ProductID),
			slog.Int64("agency_id", lot.AgencyID),
			slog.Int64("quantity", lot.Quantity))
	}
	return lot, nil
}

// Get loads one lot by id.
func (s *Service) Get(ctx context.Context, id string) (LotBatch, error) {
	return s.repo.Get(ctx, id)
}

// List returns lots for a product within an agency.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]LotBatch, error) {
	return s.repo.List(ctx, filter)
}

// GetByLotNumber resolves a lot by its business key.
func (s *Service) GetByLotNumber(ctx context.Context, agencyID, productID int64, lotNumber string) (LotBatch, error) {
	return s.repo.GetByLotNumber(ctx, agencyID, productID, lotNumber)
}

// Quarantine holds an ACTIVE lot back from allocation.
func (s *Service) Quarantine(ctx context.Context, id string) error {
	return s.repo.UpdateStatus(ctx, id, []Status{StatusActive}, StatusQuarantine)
}

// ReleaseQuarantine returns a quarantined lot to ACTIVE.
func (s *Service) ReleaseQuarantine(ctx context.Context, id string) error {
	return s.repo.UpdateStatus(ctx, id, []Status{StatusQuarantine}, StatusActive)
}

// Recall withdraws a lot permanently. Existing reservations stay on the
// books; releasing or consuming them remains the order workflow's call.
func (s *Service) Recall(ctx context.Context, id string) error {
	return s.repo.UpdateStatus(ctx, id, []Status{StatusActive, StatusQuarantine}, StatusRecalled)
}

// SweepExpired transitions past-expiry ACTIVE lots to EXPIRED.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	asOf := s.now()
	count, err := s.repo.MarkExpired(ctx, asOf)
	if err != nil {
		return 0, err
	}
	if s.logger != nil && count > 0 {
		s.logger.Info("expired lots swept", slog.Int64("count", count), slog.Time("as_of", asOf))
	}
	return count, nil
}
