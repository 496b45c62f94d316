/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger records from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts and quantities are decimal.Decimal. They are written as JSON
  strings ("1250.50") and accepted as either strings or numbers.

VALIDATION:
  Field rules live on the ledger drafts (validator tags). DTOs only carry
  data; handlers convert them and let the engine validate.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain records
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/flockledger/ledger"
)

// =============================================================================
// FARMERS + PROFILES
// =============================================================================

type FarmerDTO struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Location      string          `json:"location,omitempty"`
	DealerID      string          `json:"dealer_id"`
	Outstanding   decimal.Decimal `json:"outstanding"`
	FarmerCode    string          `json:"farmer_code"`
	IsPlaceholder bool            `json:"is_placeholder"`
	ClaimedBy     string          `json:"claimed_by,omitempty"`
	CreatedAt     string          `json:"created_at"`
}

type CreateFarmerRequest struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
	DealerID string `json:"dealer_id"`
	Claimed  bool   `json:"claimed,omitempty"`
}

type ClaimFarmerRequest struct {
	FarmerCode string `json:"farmer_code"`
	UserID     string `json:"user_id"`
}

type ProfileRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	DealerID string `json:"dealer_id,omitempty"`
}

type AuditDTO struct {
	FarmerID     string          `json:"farmer_id"`
	Materialized decimal.Decimal `json:"materialized"`
	Replayed     decimal.Decimal `json:"replayed"`
	Drift        decimal.Decimal `json:"drift"`
	Transactions int             `json:"transactions"`
	Consistent   bool            `json:"consistent"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionDTO struct {
	ID                string          `json:"id"`
	Date              string          `json:"date"`
	Description       string          `json:"description"`
	Amount            decimal.Decimal `json:"amount"`
	Status            string          `json:"status"`
	UserID            string          `json:"user_id"`
	UserName          string          `json:"user_name,omitempty"`
	DealerID          string          `json:"dealer_id"`
	InventoryItemID   string          `json:"inventory_item_id,omitempty"`
	InventoryItemName string          `json:"inventory_item_name,omitempty"`
	QuantitySold      decimal.Decimal `json:"quantity_sold"`
	CostOfGoodsSold   decimal.Decimal `json:"cost_of_goods_sold"`
	PurchaseOrderID   string          `json:"purchase_order_id,omitempty"`
	OrderID           string          `json:"order_id,omitempty"`
	BatchID           string          `json:"batch_id,omitempty"`
	SupplierID        string          `json:"supplier_id,omitempty"`
	PaymentMethod     string          `json:"payment_method,omitempty"`
	ReferenceNumber   *string         `json:"reference_number"`
	Remarks           *string         `json:"remarks"`
	IsBusinessExpense bool            `json:"is_business_expense"`
	AffectsBalance    bool            `json:"affects_balance"`
	CreatedAt         string          `json:"created_at"`
}

// CreateTransactionRequest is the body of POST /api/transactions.
// Date is RFC3339 or YYYY-MM-DD; empty means now.
type CreateTransactionRequest struct {
	Date              string          `json:"date,omitempty"`
	Description       string          `json:"description"`
	Amount            decimal.Decimal `json:"amount"`
	Status            string          `json:"status,omitempty"`
	UserID            string          `json:"user_id"`
	UserName          string          `json:"user_name,omitempty"`
	DealerID          string          `json:"dealer_id"`
	InventoryItemID   string          `json:"inventory_item_id,omitempty"`
	InventoryItemName string          `json:"inventory_item_name,omitempty"`
	QuantitySold      decimal.Decimal `json:"quantity_sold,omitempty"`
	PurchaseOrderID   string          `json:"purchase_order_id,omitempty"`
	OrderID           string          `json:"order_id,omitempty"`
	BatchID           string          `json:"batch_id,omitempty"`
	SupplierID        string          `json:"supplier_id,omitempty"`
	PaymentMethod     string          `json:"payment_method,omitempty"`
	ReferenceNumber   string          `json:"reference_number,omitempty"`
	Remarks           string          `json:"remarks,omitempty"`
	IsBusinessExpense bool            `json:"is_business_expense,omitempty"`
}

// UpdateTransactionRequest is the body of PATCH /api/transactions/{id}.
// Absent fields are left unchanged.
type UpdateTransactionRequest struct {
	Date            *string          `json:"date,omitempty"`
	Description     *string          `json:"description,omitempty"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	Status          *string          `json:"status,omitempty"`
	PaymentMethod   *string          `json:"payment_method,omitempty"`
	ReferenceNumber *string          `json:"reference_number,omitempty"`
	Remarks         *string          `json:"remarks,omitempty"`
	InventoryItemID *string          `json:"inventory_item_id,omitempty"`
	QuantitySold    *decimal.Decimal `json:"quantity_sold,omitempty"`
}

// =============================================================================
// ORDERS
// =============================================================================

type OrderDTO struct {
	ID          string             `json:"id"`
	FarmerID    string             `json:"farmer_id"`
	FarmerName  string             `json:"farmer_name,omitempty"`
	DealerID    string             `json:"dealer_id"`
	Items       []ledger.OrderItem `json:"items"`
	TotalAmount decimal.Decimal    `json:"total_amount"`
	Status      string             `json:"status"`
	CreatedAt   string             `json:"created_at"`
	UpdatedAt   string             `json:"updated_at"`
}

type PaymentRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	Method          string          `json:"method"`
	ReferenceNumber string          `json:"reference_number,omitempty"`
	Remarks         string          `json:"remarks,omitempty"`
}

type CreateOrderRequest struct {
	FarmerID  string               `json:"farmer_id,omitempty"`
	NewFarmer *CreateFarmerRequest `json:"new_farmer,omitempty"`
	DealerID  string               `json:"dealer_id"`
	Items     []ledger.OrderItem   `json:"items"`
	Payment   *PaymentRequest      `json:"payment,omitempty"`
}

type UpdateOrderStatusRequest struct {
	Status string `json:"status"`
}

// =============================================================================
// INVENTORY + PURCHASE ORDERS
// =============================================================================

type InventoryItemDTO struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Category         string          `json:"category,omitempty"`
	Quantity         decimal.Decimal `json:"quantity"`
	OriginalQuantity decimal.Decimal `json:"original_quantity"`
	Unit             string          `json:"unit,omitempty"`
	PurchasePrice    decimal.Decimal `json:"purchase_price"`
	SalesPrice       decimal.Decimal `json:"sales_price"`
	GSTRate          decimal.Decimal `json:"gst_rate"`
	OwnerID          string          `json:"owner_id"`
	PurchaseOrderID  string          `json:"purchase_order_id,omitempty"`
	CreatedAt        string          `json:"created_at"`
}

type PurchaseOrderDTO struct {
	ID             string `json:"id"`
	OwnerID        string `json:"owner_id"`
	OrderDate      string `json:"order_date"`
	PurchaseSource string `json:"purchase_source,omitempty"`
	SupplierID     string `json:"supplier_id,omitempty"`
	SupplierName   string `json:"supplier_name,omitempty"`
	ItemCount      int    `json:"item_count"`
	CreatedAt      string `json:"created_at"`
}

type PurchaseLineRequest struct {
	Name          string          `json:"name"`
	Category      string          `json:"category,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	Unit          string          `json:"unit,omitempty"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	SalesPrice    decimal.Decimal `json:"sales_price"`
	GSTRate       decimal.Decimal `json:"gst_rate,omitempty"`
}

type CostLineRequest struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

type SupplierPaymentRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	Method          string          `json:"method"`
	ReferenceNumber string          `json:"reference_number,omitempty"`
}

type CreatePurchaseOrderRequest struct {
	OwnerID         string                  `json:"owner_id"`
	OrderDate       string                  `json:"order_date,omitempty"`
	PurchaseSource  string                  `json:"purchase_source,omitempty"`
	SupplierID      string                  `json:"supplier_id,omitempty"`
	SupplierName    string                  `json:"supplier_name,omitempty"`
	Items           []PurchaseLineRequest   `json:"items"`
	AdditionalCosts []CostLineRequest       `json:"additional_costs,omitempty"`
	Payment         *SupplierPaymentRequest `json:"payment,omitempty"`
}

// =============================================================================
// NOTIFICATIONS + MISC
// =============================================================================

type NotificationDTO struct {
	ID        string `json:"id"`
	EventID   string `json:"event_id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Category  string `json:"category,omitempty"`
	Link      string `json:"link,omitempty"`
	CreatedAt string `json:"created_at"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
	DealerID   string `json:"dealer_id,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toFarmerDTO(f ledger.Farmer) FarmerDTO {
	return FarmerDTO{
		ID:            string(f.ID),
		Name:          f.Name,
		Location:      f.Location,
		DealerID:      f.DealerID,
		Outstanding:   f.Outstanding,
		FarmerCode:    f.FarmerCode,
		IsPlaceholder: f.IsPlaceholder,
		ClaimedBy:     f.ClaimedBy,
		CreatedAt:     formatTime(f.CreatedAt),
	}
}

func toTransactionDTO(t ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:                string(t.ID),
		Date:              formatTime(t.Date),
		Description:       t.Description,
		Amount:            t.Amount,
		Status:            string(t.Status),
		UserID:            t.UserID,
		UserName:          t.UserName,
		DealerID:          t.DealerID,
		InventoryItemID:   string(t.InventoryItemID),
		InventoryItemName: t.InventoryItemName,
		QuantitySold:      t.QuantitySold,
		CostOfGoodsSold:   t.CostOfGoodsSold,
		PurchaseOrderID:   string(t.PurchaseOrderID),
		OrderID:           string(t.OrderID),
		BatchID:           t.BatchID,
		SupplierID:        t.SupplierID,
		PaymentMethod:     t.PaymentMethod,
		ReferenceNumber:   t.ReferenceNumber,
		Remarks:           t.Remarks,
		IsBusinessExpense: t.IsBusinessExpense,
		AffectsBalance:    t.AffectsBalance,
		CreatedAt:         formatTime(t.CreatedAt),
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		dtos[i] = toTransactionDTO(t)
	}
	return dtos
}

func toOrderDTO(o ledger.Order) OrderDTO {
	items := o.Items
	if items == nil {
		items = []ledger.OrderItem{}
	}
	return OrderDTO{
		ID:          string(o.ID),
		FarmerID:    string(o.FarmerID),
		FarmerName:  o.FarmerName,
		DealerID:    o.DealerID,
		Items:       items,
		TotalAmount: o.TotalAmount,
		Status:      string(o.Status),
		CreatedAt:   formatTime(o.CreatedAt),
		UpdatedAt:   formatTime(o.UpdatedAt),
	}
}

func toInventoryItemDTO(i ledger.InventoryItem) InventoryItemDTO {
	return InventoryItemDTO{
		ID:               string(i.ID),
		Name:             i.Name,
		Category:         i.Category,
		Quantity:         i.Quantity,
		OriginalQuantity: i.OriginalQuantity,
		Unit:             i.Unit,
		PurchasePrice:    i.PurchasePrice,
		SalesPrice:       i.SalesPrice,
		GSTRate:          i.GSTRate,
		OwnerID:          i.OwnerID,
		PurchaseOrderID:  string(i.PurchaseOrderID),
		CreatedAt:        formatTime(i.CreatedAt),
	}
}

func toPurchaseOrderDTO(po ledger.PurchaseOrder) PurchaseOrderDTO {
	return PurchaseOrderDTO{
		ID:             string(po.ID),
		OwnerID:        po.OwnerID,
		OrderDate:      formatTime(po.OrderDate),
		PurchaseSource: po.PurchaseSource,
		SupplierID:     po.SupplierID,
		SupplierName:   po.SupplierName,
		ItemCount:      po.ItemCount,
		CreatedAt:      formatTime(po.CreatedAt),
	}
}

func toNotificationDTO(e ledger.InboxEntry) NotificationDTO {
	return NotificationDTO{
		ID:        e.ID,
		EventID:   string(e.EventID),
		Title:     e.Title,
		Message:   e.Message,
		Category:  e.Category,
		Link:      e.Link,
		CreatedAt: formatTime(e.CreatedAt),
	}
}
