package lots

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-dms/meridian-dms/internal/platform/httpx"
)

// Handler wires HTTP endpoints for lot lifecycle operations.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs lots handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers lot routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/lots", h.handleReceive)
	r.Get("/lots", h.handleList)
	r.Get("/lots/{id}", h.handleGet)
	r.Post("/lots/{id}/quarantine", h.handleQuarantine)
	r.Post("/lots/{id}/release-quarantine", h.handleReleaseQuarantine)
	r.Post("/lots/{id}/recall", h.handleRecall)
}

type receiveRequest struct {
	LotNumber         string  `json:"lot_number" validate:"required"`
	BatchNumber       *string `json:"batch_number,omitempty"`
	ProductID         int64   `json:"product_id" validate:"required"`
	AgencyID          int64   `json:"agency_id" validate:"required"`
	Quantity          int64   `json:"quantity" validate:"required,gt=0"`
	ManufacturingDate string  `json:"manufacturing_date" validate:"required"`
	ExpiryDate        *string `json:"expiry_date,omitempty"`
	ActorID           int64   `json:"actor_id" validate:"required"`
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	mfg, err := time.Parse("2006-01-02", req.ManufacturingDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "manufacturing_date must be YYYY-MM-DD")
		return
	}
	var expiry *time.Time
	if req.ExpiryDate != nil {
		parsed, err := time.Parse("2006-01-02", *req.ExpiryDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "expiry_date must be YYYY-MM-DD")
			return
		}
		expiry = &parsed
	}
	lot, err := h.service.Receive(r.Context(), ReceiveInput{
		LotNumber:         req.LotNumber,
		BatchNumber:       req.BatchNumber,
		ProductID:         req.ProductID,
		AgencyID:          req.AgencyID,
		Quantity:          req.Quantity,
		ManufacturingDate: mfg,
		ExpiryDate:        expiry,
		ActorID:           req.ActorID,
	})
	if err != nil {
		h.logger.Warn("receive lot failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, lot)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{}
	if id, err := strconv.ParseInt(q.Get("product_id"), 10, 64); err == nil {
		filter.ProductID = id
	}
	if id, err := strconv.ParseInt(q.Get("agency_id"), 10, 64); err == nil {
		filter.AgencyID = id
	}
	if filter.ProductID == 0 || filter.AgencyID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "product_id and agency_id are required")
		return
	}
	if lotNumber := q.Get("lot_number"); lotNumber != "" {
		lot, err := h.service.GetByLotNumber(r.Context(), filter.AgencyID, filter.ProductID, lotNumber)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, []LotBatch{lot})
		return
	}
	if raw := q.Get("status"); raw != "" {
		status := Status(raw)
		if !status.IsValid() {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown status")
			return
		}
		filter.Status = &status
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = offset
	}
	result, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list lots failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	lot, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lot)
}

func (h *Handler) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.service.Quarantine)
}

func (h *Handler) handleReleaseQuarantine(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.service.ReleaseQuarantine)
}

func (h *Handler) handleRecall(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.service.Recall)
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		h.logger.Warn("lot status transition failed", slog.String("lot_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	lot, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lot)
}
