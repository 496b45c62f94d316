/*
handlers.go - HTTP API handlers for the dealer ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response and
  JSON serialization, and delegates every mutation to ledger.Engine so the
  atomic unit, retries and outbox apply to API calls exactly as they do to
  in-process callers.

ENDPOINTS:
  Farmers:
    POST   /api/farmers                  Create farmer (placeholder by default)
    GET    /api/farmers/{id}             Farmer with outstanding balance
    GET    /api/farmers/{id}/audit       Replay history against balance
    POST   /api/farmers/claim            Claim placeholder by farmer code

  Transactions:
    POST   /api/transactions             Payment, sale or expense
    PATCH  /api/transactions/{id}        Edit (balance follows amount delta)
    DELETE /api/transactions/{id}        Delete and reverse effects

  Orders:
    POST   /api/orders                   Submit order (+ optional payment)
    GET    /api/orders/{id}              Order details
    POST   /api/orders/{id}/status       Transition status
    DELETE /api/orders/{id}              Cancel (Pending only)

  Purchase orders:
    POST   /api/purchase-orders          Record restock
    DELETE /api/purchase-orders/{id}     Remove restock and its records

  Histories under /api/dealers, /api/users, /api/batches, /api/suppliers.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Insufficient stock, illegal state transition, duplicate
  - 503: Commit retries exhausted (safe to retry)
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Callers are trusted to pass the
  right dealer and user identifiers.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo data loader
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/warp/flockledger/ledger"
	"github.com/warp/flockledger/notify"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *ledger.Engine
	Inbox  notify.Inbox
	Log    logrus.FieldLogger
}

// NewHandler creates a new handler.
func NewHandler(engine *ledger.Engine, inbox notify.Inbox, log logrus.FieldLogger) *Handler {
	return &Handler{Engine: engine, Inbox: inbox, Log: log}
}

// =============================================================================
// FARMER HANDLERS
// =============================================================================

// CreateFarmer adds a farmer under a dealer.
func (h *Handler) CreateFarmer(w http.ResponseWriter, r *http.Request) {
	var req CreateFarmerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	f, err := h.Engine.CreateFarmer(r.Context(), farmerDraft(req))
	if err != nil {
		h.writeEngineError(w, r, "Failed to create farmer", err)
		return
	}
	writeJSON(w, http.StatusCreated, toFarmerDTO(f))
}

// GetFarmer returns a farmer with the materialized outstanding balance.
func (h *Handler) GetFarmer(w http.ResponseWriter, r *http.Request) {
	f, err := h.Engine.Farmer(r.Context(), ledger.FarmerID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, "Failed to get farmer", err)
		return
	}
	writeJSON(w, http.StatusOK, toFarmerDTO(f))
}

// AuditFarmer replays the farmer's history and reports any drift.
func (h *Handler) AuditFarmer(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.AuditFarmer(r.Context(), ledger.FarmerID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, "Failed to audit farmer", err)
		return
	}
	writeJSON(w, http.StatusOK, AuditDTO{
		FarmerID:     string(report.FarmerID),
		Materialized: report.Materialized,
		Replayed:     report.Replayed,
		Drift:        report.Drift,
		Transactions: report.Transactions,
		Consistent:   report.Consistent(),
	})
}

// ClaimFarmer links a placeholder farmer to a signed-up account.
func (h *Handler) ClaimFarmer(w http.ResponseWriter, r *http.Request) {
	var req ClaimFarmerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	f, err := h.Engine.ClaimFarmer(r.Context(), req.FarmerCode, req.UserID)
	if err != nil {
		h.writeEngineError(w, r, "Failed to claim farmer", err)
		return
	}
	writeJSON(w, http.StatusOK, toFarmerDTO(f))
}

// PutProfile registers or updates an identity and its role.
func (h *Handler) PutProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p := ledger.Profile{
		ID:       req.ID,
		Name:     req.Name,
		Role:     ledger.Role(strings.ToLower(req.Role)),
		DealerID: req.DealerID,
	}
	if err := h.Engine.PutProfile(r.Context(), p); err != nil {
		h.writeEngineError(w, r, "Failed to save profile", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// =============================================================================
// DEALER VIEWS
// =============================================================================

func (h *Handler) ListDealerFarmers(w http.ResponseWriter, r *http.Request) {
	farmers, err := h.Engine.FarmersByDealer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, "Failed to list farmers", err)
		return
	}
	dtos := make([]FarmerDTO, len(farmers))
	for i, f := range farmers {
		dtos[i] = toFarmerDTO(f)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListDealerTransactions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	txs, err := h.Engine.TransactionsByDealer(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeEngineError(w, r, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

func (h *Handler) ListDealerInventory(w http.ResponseWriter, r *http.Request) {
	items, err := h.Engine.InventoryByOwner(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, "Failed to list inventory", err)
		return
	}
	dtos := make([]InventoryItemDTO, len(items))
	for i, item := range items {
		dtos[i] = toInventoryItemDTO(item)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListDealerOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Engine.OrdersByDealer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, "Failed to list orders", err)
		return
	}
	dtos := make([]OrderDTO, len(orders))
	for i, o := range orders {
		dtos[i] = toOrderDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListFarmerOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Engine.OrdersByFarmer(r.Context(), ledger.FarmerID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, "Failed to list orders", err)
		return
	}
	dtos := make([]OrderDTO, len(orders))
	for i, o := range orders {
		dtos[i] = toOrderDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListDealerPurchaseOrders(w http.ResponseWriter, r *http.Request) {
	pos, err := h.Engine.PurchaseOrdersByOwner(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, "Failed to list purchase orders", err)
		return
	}
	dtos := make([]PurchaseOrderDTO, len(pos))
	for i, po := range pos {
		dtos[i] = toPurchaseOrderDTO(po)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HISTORY VIEWS
// =============================================================================

// ListUserTransactions returns a counterpart's history. ?all=true lifts the
// default page size.
func (h *Handler) ListUserTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var (
		txs []ledger.Transaction
		err error
	)
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		txs, err = h.Engine.AllTransactionsForUser(r.Context(), userID)
	} else {
		limit, ok := queryLimit(w, r)
		if !ok {
			return
		}
		txs, err = h.Engine.TransactionsByUser(r.Context(), userID, limit)
	}
	if err != nil {
		h.writeEngineError(w, r, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

func (h *Handler) ListBatchTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Engine.TransactionsByBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

func (h *Handler) ListSupplierTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Engine.TransactionsBySupplier(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// ListNotifications returns the user's delivered notifications.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	entries, err := h.Inbox.Inbox(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeEngineError(w, r, "Failed to list notifications", err)
		return
	}
	dtos := make([]NotificationDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toNotificationDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// CreateTransaction records a payment, sale or expense.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	date, err := parseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date (use RFC3339 or YYYY-MM-DD)", err)
		return
	}

	tx, err := h.Engine.CreateTransaction(r.Context(), ledger.TransactionDraft{
		Date:              date,
		Description:       req.Description,
		Amount:            req.Amount,
		Status:            ledger.PaymentStatus(req.Status),
		UserID:            req.UserID,
		UserName:          req.UserName,
		DealerID:          req.DealerID,
		InventoryItemID:   ledger.ItemID(req.InventoryItemID),
		InventoryItemName: req.InventoryItemName,
		QuantitySold:      req.QuantitySold,
		PurchaseOrderID:   ledger.PurchaseOrderID(req.PurchaseOrderID),
		OrderID:           ledger.OrderID(req.OrderID),
		BatchID:           req.BatchID,
		SupplierID:        req.SupplierID,
		PaymentMethod:     req.PaymentMethod,
		ReferenceNumber:   req.ReferenceNumber,
		Remarks:           req.Remarks,
		IsBusinessExpense: req.IsBusinessExpense,
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to create transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// UpdateTransaction applies a partial edit.
func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	var req UpdateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	patch := ledger.TransactionPatch{
		Description:     req.Description,
		Amount:          req.Amount,
		PaymentMethod:   req.PaymentMethod,
		ReferenceNumber: req.ReferenceNumber,
		Remarks:         req.Remarks,
		QuantitySold:    req.QuantitySold,
	}
	if req.Date != nil {
		date, err := parseDate(*req.Date)
		if err != nil || date.IsZero() {
			writeError(w, http.StatusBadRequest, "Invalid date (use RFC3339 or YYYY-MM-DD)", err)
			return
		}
		patch.Date = &date
	}
	if req.Status != nil {
		status := ledger.PaymentStatus(*req.Status)
		if status != ledger.StatusPaid && status != ledger.StatusPending {
			writeError(w, http.StatusBadRequest, "Invalid status (use Paid or Pending)", nil)
			return
		}
		patch.Status = &status
	}
	if req.InventoryItemID != nil {
		id := ledger.ItemID(*req.InventoryItemID)
		patch.InventoryItemID = &id
	}

	tx, err := h.Engine.UpdateTransaction(r.Context(), ledger.TransactionID(chi.URLParam(r, "id")), patch)
	if err != nil {
		h.writeEngineError(w, r, "Failed to update transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// DeleteTransaction removes a transaction and reverses its effects.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteTransaction(r.Context(), ledger.TransactionID(chi.URLParam(r, "id"))); err != nil {
		h.writeEngineError(w, r, "Failed to delete transaction", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// CreateOrder submits a Pending order.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	draft := ledger.OrderDraft{
		FarmerID: ledger.FarmerID(req.FarmerID),
		DealerID: req.DealerID,
		Items:    req.Items,
	}
	if req.NewFarmer != nil {
		fd := farmerDraft(*req.NewFarmer)
		if fd.DealerID == "" {
			fd.DealerID = req.DealerID
		}
		draft.NewFarmer = &fd
	}
	var payment *ledger.PaymentDraft
	if req.Payment != nil {
		payment = &ledger.PaymentDraft{
			Amount:          req.Payment.Amount,
			Method:          req.Payment.Method,
			ReferenceNumber: req.Payment.ReferenceNumber,
			Remarks:         req.Payment.Remarks,
		}
	}

	order, err := h.Engine.CreateOrder(r.Context(), draft, payment)
	if err != nil {
		h.writeEngineError(w, r, "Failed to create order", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderDTO(order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Engine.Order(r.Context(), ledger.OrderID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, "Failed to get order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(order))
}

// UpdateOrderStatus moves an order along its state machine.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateOrderStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	next, err := ledger.ParseOrderStatus(req.Status)
	if err != nil {
		h.writeEngineError(w, r, "Invalid status", err)
		return
	}

	order, err := h.Engine.UpdateOrderStatus(r.Context(), ledger.OrderID(chi.URLParam(r, "id")), next)
	if err != nil {
		h.writeEngineError(w, r, "Failed to update order status", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(order))
}

// DeleteOrder cancels a Pending order.
func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteOrder(r.Context(), ledger.OrderID(chi.URLParam(r, "id"))); err != nil {
		h.writeEngineError(w, r, "Failed to cancel order", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// PURCHASE ORDER HANDLERS
// =============================================================================

// CreatePurchaseOrder records a dealer restock.
func (h *Handler) CreatePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var req CreatePurchaseOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	orderDate, err := parseDate(req.OrderDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order_date (use RFC3339 or YYYY-MM-DD)", err)
		return
	}

	draft := ledger.PurchaseOrderDraft{
		OwnerID:        req.OwnerID,
		OrderDate:      orderDate,
		PurchaseSource: req.PurchaseSource,
		SupplierID:     req.SupplierID,
		SupplierName:   req.SupplierName,
	}
	for _, it := range req.Items {
		draft.Items = append(draft.Items, ledger.PurchaseLine{
			Name:          it.Name,
			Category:      it.Category,
			Quantity:      it.Quantity,
			Unit:          it.Unit,
			PurchasePrice: it.PurchasePrice,
			SalesPrice:    it.SalesPrice,
			GSTRate:       it.GSTRate,
		})
	}
	for _, c := range req.AdditionalCosts {
		draft.AdditionalCosts = append(draft.AdditionalCosts, ledger.CostLine{
			Description: c.Description,
			Amount:      c.Amount,
		})
	}
	if p := req.Payment; p != nil {
		draft.Payment = &ledger.SupplierPayment{
			Amount:          p.Amount,
			Method:          p.Method,
			ReferenceNumber: p.ReferenceNumber,
		}
	}

	po, err := h.Engine.CreatePurchaseOrder(r.Context(), draft)
	if err != nil {
		h.writeEngineError(w, r, "Failed to create purchase order", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPurchaseOrderDTO(po))
}

// DeletePurchaseOrder removes a restock and everything linked to it.
func (h *Handler) DeletePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeletePurchaseOrder(r.Context(), ledger.PurchaseOrderID(chi.URLParam(r, "id"))); err != nil {
		h.writeEngineError(w, r, "Failed to delete purchase order", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HELPERS
// =============================================================================

func farmerDraft(req CreateFarmerRequest) ledger.FarmerDraft {
	return ledger.FarmerDraft{
		ID:       ledger.FarmerID(req.ID),
		Name:     req.Name,
		Location: req.Location,
		DealerID: req.DealerID,
		Claimed:  req.Claimed,
	}
}

// parseDate accepts RFC3339 or a bare date. Empty input yields the zero
// time, which the engine replaces with now.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// queryLimit reads ?limit. It writes a 400 and returns false when the value
// is not a non-negative integer.
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return 0, false
	}
	return n, true
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientStock),
		errors.Is(err, ledger.ErrInvalidState),
		errors.Is(err, ledger.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrRetriesExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": status,
		}).WithError(err).Error(message)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
