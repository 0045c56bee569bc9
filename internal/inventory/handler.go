package inventory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/beanhouse/backoffice/internal/identity"
	"github.com/beanhouse/backoffice/internal/platform/httpx"
	"github.com/beanhouse/backoffice/internal/shared"
)

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	auth     identity.Middleware
	validate *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service, auth identity.Middleware) *Handler {
	return &Handler{logger: logger, service: service, auth: auth, validate: httpx.NewValidator()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/items/{id}/movements", h.handleMovements)
	r.Group(func(r chi.Router) {
		r.Use(h.auth.RequireAdmin)
		r.Post("/adjustments", h.handleAdjustment)
		r.Get("/ledger/verify", h.handleVerify)
	})
}

type adjustmentRequest struct {
	ItemID   int64  `json:"inventory_item_id" validate:"gt=0"`
	Type     string `json:"movement_type" validate:"required,oneof=adjustment sale waste"`
	Quantity int    `json:"quantity" validate:"ne=0"`
	Notes    string `json:"notes" validate:"max=500"`
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.NewValidationError("id", "must be a positive integer"))
		return
	}
	filter := MovementFilter{ItemID: id}
	q := r.URL.Query()
	verr := &shared.ValidationError{}
	if v := q.Get("from"); v != "" {
		if filter.From, err = time.Parse("2006-01-02", v); err != nil {
			verr.Add("from", "must be YYYY-MM-DD")
		}
	}
	if v := q.Get("to"); v != "" {
		to, err := time.Parse("2006-01-02", v)
		if err != nil {
			verr.Add("to", "must be YYYY-MM-DD")
		}
		filter.To = to.AddDate(0, 0, 1)
	}
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil {
			verr.Add("limit", "must be an integer")
		}
	}
	if err := verr.Err(); err != nil {
		httpx.RespondError(w, err)
		return
	}
	movements, err := h.service.Movements(r.Context(), filter)
	if err != nil {
		h.fail(w, "list movements", err)
		return
	}
	if movements == nil {
		movements = []Movement{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(h.validate, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	caller, _ := identity.FromContext(r.Context())
	movement, err := h.service.Adjust(r.Context(), caller, AdjustmentInput{
		ItemID:   req.ItemID,
		Type:     MovementType(req.Type),
		Quantity: req.Quantity,
		Notes:    req.Notes,
	})
	if err != nil {
		h.fail(w, "post adjustment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, movement)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	drift, err := h.service.VerifyLedger(r.Context())
	if err != nil {
		h.fail(w, "verify ledger", err)
		return
	}
	if drift == nil {
		drift = []Drift{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"consistent": len(drift) == 0, "drift": drift})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !shared.IsClassified(err) || errors.Is(err, shared.ErrDependency) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
