package stock

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tokoroti/tokoroti/internal/platform/httpx"
	"github.com/tokoroti/tokoroti/internal/shared"
)

// Handler wires the stock ledger JSON endpoints.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	subscriber Subscriber
	validator  *validator.Validate
	keepAlive  time.Duration
}

// NewHandler builds a stock handler. subscriber may be nil, which disables /stream.
func NewHandler(logger *slog.Logger, service *Service, subscriber Subscriber) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:     logger,
		service:    service,
		subscriber: subscriber,
		validator:  validator.New(),
		keepAlive:  25 * time.Second,
	}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/stock", func(r chi.Router) {
		r.Get("/levels/{branchID}/{productID}", h.getLevel)
		r.Get("/batches/{branchID}/{productID}", h.getBatches)
		r.Post("/validate", h.validate)
		r.Post("/validate/bulk", h.validateBulk)
		r.Post("/validate/package", h.validatePackage)
		r.Post("/adjustments", h.adjust)
		r.Post("/bulk", h.bulk)
		r.Post("/production", h.production)
		r.Post("/transfers", h.transfer)
		r.Get("/movements", h.movements)
		r.Get("/reconcile", h.reconcile)
		r.Post("/reconcile/fix", h.fix)
		r.Get("/stream", h.stream)
	})
}

type levelResponse struct {
	ProductID string `json:"product_id"`
	BranchID  string `json:"branch_id"`
	Quantity  int64  `json:"quantity"`
}

type batchResponse struct {
	ID             string    `json:"id"`
	BatchNumber    string    `json:"batch_number"`
	Quantity       int64     `json:"quantity"`
	ProductionDate time.Time `json:"production_date"`
	ExpiryDate     time.Time `json:"expiry_date"`
}

type validateRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	BranchID  string `json:"branch_id" validate:"required"`
	Quantity  int64  `json:"quantity" validate:"gte=0"`
}

type validateBulkRequest struct {
	BranchID string     `json:"branch_id" validate:"required"`
	Items    []LineItem `json:"items" validate:"required,min=1,dive"`
}

type validatePackageRequest struct {
	PackageID string `json:"package_id" validate:"required"`
	BranchID  string `json:"branch_id" validate:"required"`
	Quantity  int64  `json:"quantity" validate:"gt=0"`
}

type adjustRequest struct {
	ProductID      string `json:"product_id" validate:"required"`
	BranchID       string `json:"branch_id" validate:"required"`
	Direction      string `json:"direction" validate:"required,oneof=in out"`
	Quantity       int64  `json:"quantity" validate:"gt=0"`
	Reason         string `json:"reason" validate:"required"`
	OverrideReason string `json:"override_reason"`
}

type bulkRequest struct {
	Reason     string          `json:"reason" validate:"required"`
	Operations []BulkOperation `json:"operations" validate:"required,min=1,max=500,dive"`
}

type productionRequest struct {
	ProductID   string     `json:"product_id" validate:"required"`
	BranchID    string     `json:"branch_id" validate:"required"`
	Quantity    int64      `json:"quantity" validate:"gt=0"`
	Reason      string     `json:"reason"`
	ReferenceID string     `json:"reference_id"`
	BatchNumber string     `json:"batch_number" validate:"required_with=ExpiryDate"`
	ProducedAt  *time.Time `json:"production_date"`
	ExpiryDate  *time.Time `json:"expiry_date" validate:"required_with=BatchNumber"`
}

type transferRequest struct {
	ProductID      string `json:"product_id" validate:"required"`
	FromBranchID   string `json:"from_branch_id" validate:"required"`
	ToBranchID     string `json:"to_branch_id" validate:"required,nefield=FromBranchID"`
	Quantity       int64  `json:"quantity" validate:"gt=0"`
	Reason         string `json:"reason"`
	OverrideReason string `json:"override_reason"`
}

type fixRequest struct {
	Discrepancies  []Discrepancy `json:"discrepancies" validate:"required,min=1"`
	OverrideReason string        `json:"override_reason"`
}

func (h *Handler) getLevel(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	branchID := chi.URLParam(r, "branchID")
	qty, err := h.service.GetStock(r.Context(), productID, branchID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, levelResponse{ProductID: productID, BranchID: branchID, Quantity: qty})
}

func (h *Handler) getBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.service.GetBatches(r.Context(), chi.URLParam(r, "productID"), chi.URLParam(r, "branchID"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]batchResponse, 0, len(batches))
	for _, b := range batches {
		out = append(out, batchResponse{
			ID:             b.ID,
			BatchNumber:    b.BatchNumber,
			Quantity:       b.Quantity,
			ProductionDate: b.ProductionDate,
			ExpiryDate:     b.ExpiryDate,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !h.decode(w, r, &req) {
		return
	}
	httpx.JSON(w, http.StatusOK, h.service.Validate(r.Context(), req.ProductID, req.BranchID, req.Quantity))
}

func (h *Handler) validateBulk(w http.ResponseWriter, r *http.Request) {
	var req validateBulkRequest
	if !h.decode(w, r, &req) {
		return
	}
	httpx.JSON(w, http.StatusOK, h.service.ValidateBulk(r.Context(), req.Items, req.BranchID))
}

func (h *Handler) validatePackage(w http.ResponseWriter, r *http.Request) {
	var req validatePackageRequest
	if !h.decode(w, r, &req) {
		return
	}
	httpx.JSON(w, http.StatusOK, h.service.ValidatePackageStock(r.Context(), req.PackageID, req.BranchID, req.Quantity))
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req adjustRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := DeltaInput{
		ProductID:   req.ProductID,
		BranchID:    req.BranchID,
		Delta:       req.Quantity,
		Cause:       CauseManualAdjustIn,
		Reason:      req.Reason,
		PerformedBy: actor.ID,
	}
	if req.Direction == "out" {
		in.Delta = -req.Quantity
		in.Cause = CauseManualAdjustOut
	}
	if req.OverrideReason != "" {
		grant, granted := h.service.ApplyOverride(req.OverrideReason)
		if !granted {
			h.respondError(w, r, ErrOverrideDenied)
			return
		}
		in.Override = &grant
	}
	qty, err := h.service.ApplyDelta(r.Context(), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, levelResponse{ProductID: req.ProductID, BranchID: req.BranchID, Quantity: qty})
}

func (h *Handler) bulk(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req bulkRequest
	if !h.decode(w, r, &req) {
		return
	}
	result := h.service.BulkApply(r.Context(), req.Operations, actor.ID, req.Reason)
	status := http.StatusOK
	if len(result.Updated) == 0 && len(result.Failed) > 0 {
		status = http.StatusUnprocessableEntity
	}
	httpx.JSON(w, status, result)
}

func (h *Handler) production(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req productionRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := ProductionReceipt{
		ProductID:   req.ProductID,
		BranchID:    req.BranchID,
		Quantity:    req.Quantity,
		Reason:      req.Reason,
		PerformedBy: actor.ID,
		ReferenceID: req.ReferenceID,
	}
	if req.BatchNumber != "" && req.ExpiryDate != nil {
		in.Batch = &BatchInput{BatchNumber: req.BatchNumber, ExpiryDate: *req.ExpiryDate}
		if req.ProducedAt != nil {
			in.Batch.ProductionDate = *req.ProducedAt
		}
	}
	qty, err := h.service.ReceiveProduction(r.Context(), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, levelResponse{ProductID: req.ProductID, BranchID: req.BranchID, Quantity: qty})
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := TransferInput{
		ProductID:    req.ProductID,
		FromBranchID: req.FromBranchID,
		ToBranchID:   req.ToBranchID,
		Quantity:     req.Quantity,
		Reason:       req.Reason,
		PerformedBy:  actor.ID,
	}
	if req.OverrideReason != "" {
		grant, granted := h.service.ApplyOverride(req.OverrideReason)
		if !granted {
			h.respondError(w, r, ErrOverrideDenied)
			return
		}
		in.Override = &grant
	}
	from, to, err := h.service.Transfer(r.Context(), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]levelResponse{
		"from": {ProductID: req.ProductID, BranchID: req.FromBranchID, Quantity: from},
		"to":   {ProductID: req.ProductID, BranchID: req.ToBranchID, Quantity: to},
	})
}

func (h *Handler) movements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := MovementFilter{
		ProductID: q.Get("product_id"),
		BranchID:  q.Get("branch_id"),
		Cause:     Cause(q.Get("cause")),
	}
	var err error
	if filter.From, err = parseDate(q.Get("from")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from: "+err.Error())
		return
	}
	if filter.To, err = parseDate(q.Get("to")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to: "+err.Error())
		return
	}
	if raw := q.Get("limit"); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "limit must be numeric")
			return
		}
	}
	rows, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if rows == nil {
		rows = []Movement{}
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	drift, err := h.service.Reconcile(r.Context(), r.URL.Query().Get("branch_id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, drift)
}

func (h *Handler) fix(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req fixRequest
	if !h.decode(w, r, &req) {
		return
	}
	var override *OverrideGrant
	if req.OverrideReason != "" {
		grant, granted := h.service.ApplyOverride(req.OverrideReason)
		if !granted {
			h.respondError(w, r, ErrOverrideDenied)
			return
		}
		override = &grant
	}
	fixed, err := h.service.Fix(r.Context(), req.Discrepancies, actor.ID, override)
	resp := map[string]any{"success": fixed}
	if err != nil {
		if errors.Is(err, ErrModuleDisabled) || errors.Is(err, ErrOverrideDenied) {
			h.respondError(w, r, err)
			return
		}
		resp["error"] = err.Error()
	}
	httpx.JSON(w, http.StatusOK, resp)
}

// stream relays change events of one branch as server-sent events.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	branchID := r.URL.Query().Get("branch_id")
	if branchID == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "branch_id required")
		return
	}
	if h.subscriber == nil {
		httpx.RespondError(w, fmt.Errorf("%w: realtime disabled", httpx.ErrUnavailable))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "streaming unsupported")
		return
	}
	events, err := h.subscriber.Subscribe(r.Context(), branchID)
	if err != nil {
		h.logger.Error("subscribe stock stream", slog.String("branch_id", branchID), slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrUnavailable, err))
		return
	}

	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				h.logger.Warn("encode stock event", slog.Any("error", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: stock\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.ValidationProblem(w, err)
		return false
	}
	return true
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (shared.Actor, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrUnauthorized, shared.ErrActorMissing))
		return shared.Actor{}, false
	}
	return actor, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	msg := UserMessage(err)
	switch {
	case errors.Is(err, ErrMissingIdentity), errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidCause):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, msg))
	case errors.Is(err, ErrLevelNotFound), errors.Is(err, ErrBatchNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrNotFound, msg))
	case errors.Is(err, ErrNegativeStock), errors.Is(err, ErrPackageCycle):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrUnprocessable, msg))
	case errors.Is(err, ErrOverrideDenied):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrForbidden, msg))
	case errors.Is(err, ErrModuleDisabled):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrConflict, msg))
	default:
		h.logger.Error("stock request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
