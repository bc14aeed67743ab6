package allocation

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-dms/meridian-dms/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the allocation ledger.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs allocation handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers allocation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/allocations", h.handleAllocate)
	r.Patch("/allocations/{id}", h.handleAdjust)
	r.Get("/order-items/{id}/allocations", h.handleListForOrderItem)
	r.Delete("/order-items/{id}/allocations", h.handleRelease)
	r.Post("/order-items/{id}/consume", h.handleConsume)
	r.Get("/availability", h.handleAvailability)
}

type allocateRequest struct {
	OrderID     string `json:"order_id" validate:"required,uuid4"`
	OrderItemID string `json:"order_item_id" validate:"required,uuid4"`
	ProductID   int64  `json:"product_id" validate:"required"`
	AgencyID    int64  `json:"agency_id" validate:"required"`
	Quantity    int64  `json:"quantity" validate:"required,gt=0"`
	Policy      string `json:"policy" validate:"required,oneof=STRICT PARTIAL"`
	ActorID     int64  `json:"actor_id" validate:"required"`
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.Allocate(r.Context(), AllocateInput{
		OrderID:     req.OrderID,
		OrderItemID: req.OrderItemID,
		ProductID:   req.ProductID,
		AgencyID:    req.AgencyID,
		Quantity:    req.Quantity,
		Policy:      Policy(req.Policy),
		ActorID:     req.ActorID,
	})
	if err != nil {
		h.logger.Warn("allocate failed", slog.String("order_item_id", req.OrderItemID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

type adjustRequest struct {
	Quantity int64 `json:"quantity" validate:"required,gt=0"`
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	adjusted, err := h.service.Adjust(r.Context(), chi.URLParam(r, "id"), req.Quantity)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, adjusted)
}

func (h *Handler) handleListForOrderItem(w http.ResponseWriter, r *http.Request) {
	allocations, err := h.service.ListForOrderItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, allocations)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	released, err := h.service.Release(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"released": released})
}

func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	consumed, err := h.service.Consume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"consumed": consumed})
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	productID, _ := strconv.ParseInt(q.Get("product_id"), 10, 64)
	agencyID, _ := strconv.ParseInt(q.Get("agency_id"), 10, 64)
	eligible, total, err := h.service.Availability(r.Context(), productID, agencyID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"lots":            eligible,
		"total_available": total,
	})
}
