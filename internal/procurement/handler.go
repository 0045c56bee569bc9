package procurement

import (
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/beanhouse/backoffice/internal/identity"
	"github.com/beanhouse/backoffice/internal/platform/httpx"
	"github.com/beanhouse/backoffice/internal/platform/storage"
	"github.com/beanhouse/backoffice/internal/shared"
)

const (
	maxUploadBytes = 10 << 20
	dateLayout     = "2006-01-02"
)

var (
	photoTypes    = map[string]bool{"image/jpeg": true, "image/png": true, "image/webp": true, "image/heic": true}
	documentTypes = map[string]bool{"application/pdf": true, "image/jpeg": true, "image/png": true}
)

// Handler wires HTTP endpoints for procurement module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	auth     identity.Middleware
	blobs    storage.BlobStore
	validate *validator.Validate
}

// NewHandler constructs procurement handler. blobs may be nil, in which case
// uploads answer 503.
func NewHandler(logger *slog.Logger, service *Service, auth identity.Middleware, blobs storage.BlobStore) *Handler {
	return &Handler{logger: logger, service: service, auth: auth, blobs: blobs, validate: httpx.NewValidator()}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/orders", h.handleList)
	r.Get("/orders/{id}", h.handleGet)
	r.Get("/orders/{id}/receipts", h.handleListReceipts)
	r.Group(func(r chi.Router) {
		r.Use(h.auth.RequireAdmin)
		r.Post("/orders", h.handleCreate)
		r.Put("/orders/{id}", h.handleReplace)
		r.Patch("/orders/{id}", h.handlePatch)
		r.Delete("/orders/{id}", h.handleDelete)
		r.Post("/orders/{id}/attachments", h.handleAttachment)
		r.Post("/orders/{id}/lines/{lineID}/reconcile", h.handleRetryLine)
		r.Post("/receipts", h.handleLogReceipt)
		r.Post("/receipts/photos", h.handlePhoto)
	})
}

type lineRequest struct {
	InventoryItemID int64           `json:"inventory_item_id" validate:"gt=0"`
	QuantityOrdered int             `json:"quantity_ordered" validate:"gte=0"`
	OrderedPackQty  int             `json:"ordered_pack_qty" validate:"gte=0"`
	PackSize        int             `json:"pack_size" validate:"gte=0"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	IsExcluded      bool            `json:"is_excluded"`
	ExclusionReason string          `json:"exclusion_reason" validate:"max=500"`
	Notes           string          `json:"notes" validate:"max=1000"`
}

type sentRequest struct {
	SentAt    *time.Time `json:"sent_at"`
	SentVia   *string    `json:"sent_via" validate:"omitempty,max=50"`
	SentNotes *string    `json:"sent_notes" validate:"omitempty,max=1000"`
}

type createRequest struct {
	OrderNumber          string        `json:"order_number" validate:"required,max=64"`
	SupplierID           int64         `json:"supplier_id" validate:"gt=0"`
	OrderDate            string        `json:"order_date"`
	ExpectedDeliveryDate string        `json:"expected_delivery_date"`
	Notes                string        `json:"notes" validate:"max=2000"`
	Lines                []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

type replaceRequest struct {
	OrderNumber          string        `json:"order_number" validate:"required,max=64"`
	SupplierID           int64         `json:"supplier_id" validate:"gt=0"`
	Status               string        `json:"status"`
	ExpectedDeliveryDate string        `json:"expected_delivery_date"`
	ActualDeliveryDate   string        `json:"actual_delivery_date"`
	Notes                string        `json:"notes" validate:"max=2000"`
	StatusNote           string        `json:"status_note" validate:"max=1000"`
	Lines                []lineRequest `json:"lines" validate:"required,min=1,dive"`
	sentRequest
}

type patchRequest struct {
	Status               *string `json:"status"`
	ExpectedDeliveryDate *string `json:"expected_delivery_date"`
	ActualDeliveryDate   *string `json:"actual_delivery_date"`
	Notes                *string `json:"notes" validate:"omitempty,max=2000"`
	StatusNote           string  `json:"status_note" validate:"max=1000"`
	sentRequest
}

type receiptRequest struct {
	LineID     int64            `json:"purchase_order_item_id" validate:"gt=0"`
	Quantity   int              `json:"quantity" validate:"gt=0"`
	Weight     *decimal.Decimal `json:"weight"`
	WeightUnit string           `json:"weight_unit"`
	Notes      string           `json:"notes" validate:"max=1000"`
	PhotoRef   string           `json:"photo_ref" validate:"max=512"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := ListFilters{
		Status:  q.Get("status"),
		Search:  q.Get("q"),
		SortBy:  q.Get("sort"),
		SortDir: q.Get("dir"),
	}
	verr := &shared.ValidationError{}
	if v := q.Get("supplier_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			verr.Add("supplier_id", "must be an integer")
		}
		filters.SupplierID = id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			verr.Add("limit", "must be an integer")
		}
		filters.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			verr.Add("offset", "must be an integer")
		}
		filters.Offset = n
	}
	if err := verr.Err(); err != nil {
		httpx.RespondError(w, err)
		return
	}
	items, total, err := h.service.List(r.Context(), filters)
	if err != nil {
		h.fail(w, "list purchase orders", err)
		return
	}
	if items == nil {
		items = []OrderSummary{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"orders": items, "total": total})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	detail, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	verr := &shared.ValidationError{}
	input := CreateInput{
		OrderNumber:          req.OrderNumber,
		SupplierID:           req.SupplierID,
		OrderDate:            parseDate(verr, "order_date", req.OrderDate),
		ExpectedDeliveryDate: parseDate(verr, "expected_delivery_date", req.ExpectedDeliveryDate),
		Notes:                req.Notes,
		Lines:                lineInputs(req.Lines),
	}
	if err := verr.Err(); err != nil {
		httpx.RespondError(w, err)
		return
	}
	caller, _ := identity.FromContext(r.Context())
	detail, err := h.service.Create(r.Context(), caller, input)
	if err != nil {
		h.fail(w, "create purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, detail)
}

func (h *Handler) handleReplace(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req replaceRequest
	if !h.decode(w, r, &req) {
		return
	}
	verr := &shared.ValidationError{}
	input := ReplaceInput{
		OrderNumber:          req.OrderNumber,
		SupplierID:           req.SupplierID,
		Status:               req.Status,
		ExpectedDeliveryDate: parseDate(verr, "expected_delivery_date", req.ExpectedDeliveryDate),
		ActualDeliveryDate:   parseDate(verr, "actual_delivery_date", req.ActualDeliveryDate),
		Notes:                req.Notes,
		Sent:                 req.sentRequest.metadata(),
		Lines:                lineInputs(req.Lines),
		StatusNote:           req.StatusNote,
	}
	if err := verr.Err(); err != nil {
		httpx.RespondError(w, err)
		return
	}
	caller, _ := identity.FromContext(r.Context())
	detail, err := h.service.Replace(r.Context(), caller, id, input)
	if err != nil {
		h.fail(w, "replace purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) handlePatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req patchRequest
	if !h.decode(w, r, &req) {
		return
	}
	verr := &shared.ValidationError{}
	input := PatchInput{
		Status:     req.Status,
		Notes:      req.Notes,
		Sent:       req.sentRequest.metadata(),
		StatusNote: req.StatusNote,
	}
	if req.ExpectedDeliveryDate != nil {
		input.ExpectedDeliveryDate = parseDate(verr, "expected_delivery_date", *req.ExpectedDeliveryDate)
	}
	if req.ActualDeliveryDate != nil {
		input.ActualDeliveryDate = parseDate(verr, "actual_delivery_date", *req.ActualDeliveryDate)
	}
	if err := verr.Err(); err != nil {
		httpx.RespondError(w, err)
		return
	}
	caller, _ := identity.FromContext(r.Context())
	detail, err := h.service.Patch(r.Context(), caller, id, input)
	if err != nil {
		h.fail(w, "patch purchase order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	caller, _ := identity.FromContext(r.Context())
	if err := h.service.Delete(r.Context(), caller, id); err != nil {
		h.fail(w, "delete purchase order", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRetryLine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := pathID(w, r, "lineID")
	if !ok {
		return
	}
	caller, _ := identity.FromContext(r.Context())
	outcome, err := h.service.RetryLine(r.Context(), caller, id, lineID)
	if err != nil {
		h.fail(w, "retry reconciliation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, outcome)
}

func (h *Handler) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	receipts, err := h.service.ListReceipts(r.Context(), id)
	if err != nil {
		h.fail(w, "list receipts", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"receipts": receipts})
}

func (h *Handler) handleLogReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if !h.decode(w, r, &req) {
		return
	}
	caller, _ := identity.FromContext(r.Context())
	result, err := h.service.LogReceipt(r.Context(), caller, LogReceiptInput{
		LineID:         req.LineID,
		Quantity:       req.Quantity,
		Weight:         req.Weight,
		WeightUnit:     req.WeightUnit,
		Notes:          req.Notes,
		PhotoRef:       req.PhotoRef,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.fail(w, "log receipt", err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	httpx.JSON(w, status, result)
}

func (h *Handler) handleAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	obj, ok := h.upload(w, r, "purchase-orders/"+strconv.FormatInt(id, 10), documentTypes)
	if !ok {
		return
	}
	caller, _ := identity.FromContext(r.Context())
	detail, err := h.service.SetAttachment(r.Context(), caller, id, obj.Key)
	if err != nil {
		h.fail(w, "attach purchase order document", err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) handlePhoto(w http.ResponseWriter, r *http.Request) {
	obj, ok := h.upload(w, r, "receipts", photoTypes)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"photo_ref": obj.Key, "object": obj})
}

// upload stores the multipart "file" field and writes the error response
// itself when it fails.
func (h *Handler) upload(w http.ResponseWriter, r *http.Request, prefix string, allowed map[string]bool) (storage.Object, bool) {
	if h.blobs == nil {
		httpx.RespondError(w, shared.Dependency("blob storage", errors.New("not configured")))
		return storage.Object{}, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httpx.RespondError(w, shared.NewValidationError("file", "must be a multipart upload of at most 10 MB"))
		return storage.Object{}, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.RespondError(w, shared.NewValidationError("file", "is required"))
		return storage.Object{}, false
	}
	defer file.Close()
	contentType := uploadContentType(header)
	if !allowed[contentType] {
		httpx.RespondError(w, shared.NewValidationError("file", "unsupported content type "+contentType))
		return storage.Object{}, false
	}
	obj, err := h.blobs.Put(r.Context(), prefix, header.Filename, contentType, file, header.Size)
	if err != nil {
		h.fail(w, "store upload", shared.Dependency("blob storage", err))
		return storage.Object{}, false
	}
	return obj, true
}

func uploadContentType(header *multipart.FileHeader) string {
	ct := header.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := httpx.DecodeJSON(r, req); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := httpx.Validate(h.validate, req); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !shared.IsClassified(err) || errors.Is(err, shared.ErrDependency) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func (s sentRequest) metadata() SentMetadata {
	return SentMetadata{SentAt: s.SentAt, SentVia: s.SentVia, SentNotes: s.SentNotes}
}

func lineInputs(reqs []lineRequest) []LineInput {
	out := make([]LineInput, 0, len(reqs))
	for _, l := range reqs {
		out = append(out, LineInput{
			InventoryItemID: l.InventoryItemID,
			QuantityOrdered: l.QuantityOrdered,
			OrderedPackQty:  l.OrderedPackQty,
			PackSize:        l.PackSize,
			UnitCost:        l.UnitCost,
			IsExcluded:      l.IsExcluded,
			ExclusionReason: l.ExclusionReason,
			Notes:           l.Notes,
		})
	}
	return out
}

func parseDate(verr *shared.ValidationError, field, raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		verr.Add(field, "must be YYYY-MM-DD")
		return nil
	}
	return &t
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.NewValidationError(param, "must be a positive integer"))
		return 0, false
	}
	return id, true
}
