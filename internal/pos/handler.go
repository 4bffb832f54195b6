package pos

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tokoroti/tokoroti/internal/platform/httpx"
	"github.com/tokoroti/tokoroti/internal/shared"
	"github.com/tokoroti/tokoroti/internal/stock"
)

// Handler exposes the cashier endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers cashier routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/pos", func(r chi.Router) {
		r.Post("/checkout", h.checkout)
		r.Get("/transactions/{id}", h.get)
		r.Post("/transactions/{id}/void", h.void)
	})
}

type checkoutRequest struct {
	BranchID string           `json:"branch_id" validate:"required"`
	Lines    []stock.LineItem `json:"lines" validate:"required,min=1,dive"`
	Override *struct {
		Reason       string `json:"reason" validate:"required"`
		SupervisorID string `json:"supervisor_id"`
		PIN          string `json:"pin"`
	} `json:"override"`
}

type voidRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type rejectedResponse struct {
	httpx.ProblemDetail
	InvalidItems []stock.InvalidItem `json:"invalid_items"`
	CanOverride  bool                `json:"can_override"`
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrUnauthorized, shared.ErrActorMissing))
		return
	}
	var req checkoutRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ValidationProblem(w, err)
		return
	}
	input := CheckoutInput{BranchID: req.BranchID, CashierID: actor.ID, Lines: req.Lines}
	if req.Override != nil {
		input.Override = &OverrideRequest{Reason: req.Override.Reason, SupervisorID: req.Override.SupervisorID, PIN: req.Override.PIN}
	}
	txn, err := h.service.Checkout(r.Context(), input)
	if err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			httpx.JSON(w, http.StatusUnprocessableEntity, rejectedResponse{
				ProblemDetail: httpx.ProblemDetail{
					Title:  "Stok tidak mencukupi",
					Status: http.StatusUnprocessableEntity,
					Detail: err.Error(),
				},
				InvalidItems: rejected.Validation.InvalidItems,
				CanOverride:  h.service.stock.Config().AllowNegativeStockOverride,
			})
			return
		}
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, txn)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	txn, err := h.service.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, txn)
}

func (h *Handler) void(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrUnauthorized, shared.ErrActorMissing))
		return
	}
	var req voidRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ValidationProblem(w, err)
		return
	}
	out, err := h.service.Void(r.Context(), VoidInput{TransactionID: chi.URLParam(r, "id"), Reason: req.Reason, ActorID: actor.ID})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrEmptyCart):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
	case errors.Is(err, ErrAlreadyVoided):
		httpx.RespondError(w, fmt.Errorf("%w: Transaksi sudah dibatalkan", httpx.ErrConflict))
	case errors.Is(err, ErrInvalidState):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrConflict, err))
	case errors.Is(err, ErrSupervisorPIN), errors.Is(err, stock.ErrOverrideDenied):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrForbidden, "Override ditolak"))
	case errors.Is(err, stock.ErrNegativeStock):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrConflict, stock.UserMessage(err)))
	default:
		h.logger.Error("pos request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
