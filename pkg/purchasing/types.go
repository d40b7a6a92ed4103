// Package purchasing owns the purchase order lifecycle and the reconciliation of supplier deliveries
package purchasing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nemonet1337/shopquoter/pkg/inventory"
)

// Status is the lifecycle state of a purchase order
// 発注書ステータス
type Status string

const (
	StatusDraft           Status = "draft"            // 下書き
	StatusSent            Status = "sent"             // 送付済み
	StatusAcknowledged    Status = "acknowledged"     // 仕入先確認済み
	StatusPartialReceived Status = "partial_received" // 一部入荷
	StatusReceived        Status = "received"         // 入荷完了
	StatusCancelled       Status = "cancelled"        // 取消
)

// IsValid reports whether the status is known
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusSent, StatusAcknowledged, StatusPartialReceived, StatusReceived, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return s == StatusReceived || s == StatusCancelled
}

// CanTransitionTo reports whether target is reachable from s in one step
// 状態遷移の可否を判定
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusDraft:
		return target == StatusSent || target == StatusCancelled
	case StatusSent:
		return target == StatusAcknowledged || target == StatusPartialReceived ||
			target == StatusReceived || target == StatusCancelled
	case StatusAcknowledged:
		return target == StatusPartialReceived || target == StatusReceived || target == StatusCancelled
	case StatusPartialReceived:
		return target == StatusReceived
	}
	return false
}

// CanReceive reports whether deliveries may be recorded against the order
// 入荷受付可能か
func (s Status) CanReceive() bool {
	return s == StatusSent || s == StatusAcknowledged || s == StatusPartialReceived
}

// Action is a caller-triggered lifecycle transition
// 状態遷移アクション
type Action string

const (
	ActionSend        Action = "send"
	ActionAcknowledge Action = "acknowledge"
	ActionCancel      Action = "cancel"
)

// Target returns the status an action leads to
func (a Action) Target() (Status, bool) {
	switch a {
	case ActionSend:
		return StatusSent, true
	case ActionAcknowledge:
		return StatusAcknowledged, true
	case ActionCancel:
		return StatusCancelled, true
	}
	return "", false
}

// Supplier is a read-only supplier directory entry
// 仕入先マスタ
type Supplier struct {
	ID     string `json:"id" db:"id"`
	Name   string `json:"name" db:"name"`
	Status string `json:"status" db:"status"`
}

// IsActive reports whether the supplier accepts orders
func (s *Supplier) IsActive() bool {
	return s.Status == "" || s.Status == "active"
}

// Line is one product line of a purchase order
// 発注明細
type Line struct {
	ID               string          `json:"id" db:"id"`
	PurchaseOrderID  string          `json:"purchase_order_id" db:"purchase_order_id"`
	ProductID        string          `json:"product_id" db:"product_id"`
	QuantityOrdered  int64           `json:"quantity_ordered" db:"quantity_ordered"`
	QuantityReceived int64           `json:"quantity_received" db:"quantity_received"`
	UnitCost         decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// Remaining returns the quantity still expected on the line
// 未入荷数量
func (l *Line) Remaining() int64 {
	if r := l.QuantityOrdered - l.QuantityReceived; r > 0 {
		return r
	}
	return 0
}

// IsFullyReceived reports whether the ordered quantity has arrived
func (l *Line) IsFullyReceived() bool {
	return l.QuantityReceived >= l.QuantityOrdered
}

// Amount returns quantityOrdered × unitCost
func (l *Line) Amount() decimal.Decimal {
	return decimal.NewFromInt(l.QuantityOrdered).Mul(l.UnitCost)
}

// PurchaseOrder is an order to a supplier. It is never deleted, only cancelled.
// 発注書
type PurchaseOrder struct {
	ID                   string          `json:"id" db:"id"`
	Number               int64           `json:"number" db:"number"`
	Ref                  string          `json:"ref" db:"ref"`
	SupplierID           string          `json:"supplier_id" db:"supplier_id"`
	Status               Status          `json:"status" db:"status"`
	TaxRate              decimal.Decimal `json:"tax_rate" db:"tax_rate"`
	ExpectedDeliveryDate *time.Time      `json:"expected_delivery_date,omitempty" db:"expected_delivery_date"`
	Notes                *string         `json:"notes,omitempty" db:"notes"`
	Lines                []Line          `json:"lines" db:"-"`
	Version              int64           `json:"version" db:"version"`
	FirstReceivedAt      *time.Time      `json:"first_received_at,omitempty" db:"first_received_at"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
	CreatedBy            string          `json:"created_by" db:"created_by"`
}

// Totals are the amounts derived from the lines
// 発注金額
type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
}

// Subtotal returns Σ quantityOrdered × unitCost
// 小計
func (po *PurchaseOrder) Subtotal() decimal.Decimal {
	subtotal := decimal.Zero
	for i := range po.Lines {
		subtotal = subtotal.Add(po.Lines[i].Amount())
	}
	return subtotal
}

// Tax returns subtotal × taxRate rounded to cents
// 税額
func (po *PurchaseOrder) Tax() decimal.Decimal {
	return po.Subtotal().Mul(po.TaxRate).Round(2)
}

// Total returns subtotal + tax
// 合計
func (po *PurchaseOrder) Total() decimal.Decimal {
	return po.Totals().Total
}

// Totals recomputes all amounts from the current lines
func (po *PurchaseOrder) Totals() Totals {
	subtotal := po.Subtotal()
	tax := subtotal.Mul(po.TaxRate).Round(2)
	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Total:    subtotal.Add(tax),
	}
}

// MarshalJSON adds the computed totals to the serialized order
func (po PurchaseOrder) MarshalJSON() ([]byte, error) {
	type plain PurchaseOrder
	totals := po.Totals()
	return json.Marshal(struct {
		plain
		Subtotal string `json:"subtotal"`
		Tax      string `json:"tax"`
		Total    string `json:"total"`
	}{
		plain:    plain(po),
		Subtotal: totals.Subtotal.StringFixed(2),
		Tax:      totals.Tax.StringFixed(2),
		Total:    totals.Total.StringFixed(2),
	})
}

// FindLine returns the index of a line, or -1
func (po *PurchaseOrder) FindLine(lineID string) int {
	for i := range po.Lines {
		if po.Lines[i].ID == lineID {
			return i
		}
	}
	return -1
}

// AllLinesReceived reports whether every line is fully received
// 全明細が入荷済みか
func (po *PurchaseOrder) AllLinesReceived() bool {
	if len(po.Lines) == 0 {
		return false
	}
	for i := range po.Lines {
		if !po.Lines[i].IsFullyReceived() {
			return false
		}
	}
	return true
}

// HasReceipts reports whether any delivery was recorded against the order
// 入荷実績があるか
func (po *PurchaseOrder) HasReceipts() bool {
	if po.FirstReceivedAt != nil || po.Status == StatusPartialReceived || po.Status == StatusReceived {
		return true
	}
	for i := range po.Lines {
		if po.Lines[i].QuantityReceived > 0 {
			return true
		}
	}
	return false
}

// ProductIDs returns the distinct product IDs of the lines
func (po *PurchaseOrder) ProductIDs() []string {
	ids := make([]string, 0, len(po.Lines))
	for i := range po.Lines {
		ids = append(ids, po.Lines[i].ProductID)
	}
	return inventory.SortedUnique(ids)
}

// Clone returns a deep copy
func (po *PurchaseOrder) Clone() *PurchaseOrder {
	c := *po
	c.Lines = append([]Line(nil), po.Lines...)
	if po.ExpectedDeliveryDate != nil {
		t := *po.ExpectedDeliveryDate
		c.ExpectedDeliveryDate = &t
	}
	if po.Notes != nil {
		n := *po.Notes
		c.Notes = &n
	}
	if po.FirstReceivedAt != nil {
		t := *po.FirstReceivedAt
		c.FirstReceivedAt = &t
	}
	return &c
}

// FormatRef renders the human-readable order reference
// 発注番号を整形
func FormatRef(prefix string, number int64) string {
	return fmt.Sprintf("%s-%06d", prefix, number)
}

// LineInput describes a line to add to an order
// 発注明細の入力
type LineInput struct {
	ProductID string          `json:"product_id"`
	Quantity  int64           `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

// DraftInput describes a new draft order
// 発注書下書きの入力
type DraftInput struct {
	SupplierID           string      `json:"supplier_id"`
	Lines                []LineInput `json:"lines"`
	ExpectedDeliveryDate *time.Time  `json:"expected_delivery_date,omitempty"`
	Notes                *string     `json:"notes,omitempty"`
}

// DetailsInput updates the descriptive fields of an order
type DetailsInput struct {
	ExpectedDeliveryDate *time.Time `json:"expected_delivery_date,omitempty"`
	Notes                *string    `json:"notes,omitempty"`
}

// ListFilter narrows a purchase order listing
// 発注書一覧の絞り込み条件
type ListFilter struct {
	SupplierID string
	Status     Status
	Limit      int
	Offset     int
}

// ReceiptInput is one delivered quantity for one line
// 入荷入力
type ReceiptInput struct {
	LineID        string `json:"line_id"`
	Quantity      int64  `json:"quantity"`
	AcceptOverage bool   `json:"accept_overage"`
}

// LineUpdate describes the effect of a receipt on one line
type LineUpdate struct {
	LineID           string `json:"line_id"`
	ProductID        string `json:"product_id"`
	QuantityApplied  int64  `json:"quantity_applied"`
	QuantityReceived int64  `json:"quantity_received"`
	QuantityOrdered  int64  `json:"quantity_ordered"`
}

// Overage is quantity delivered beyond what was ordered
type Overage struct {
	LineID    string `json:"line_id"`
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// ReceivingResult summarizes a receive call
// 入荷処理結果
type ReceivingResult struct {
	PurchaseOrderID string                    `json:"purchase_order_id"`
	PreviousStatus  Status                    `json:"previous_status"`
	PONewStatus     Status                    `json:"po_new_status"`
	LinesUpdated    []LineUpdate              `json:"lines_updated"`
	OveragesApplied []Overage                 `json:"overages_applied"`
	Movements       []inventory.StockMovement `json:"movements"`
}

// StatusChangedEvent is published after a purchase order changes status
// 発注書ステータス変更イベント
type StatusChangedEvent struct {
	PurchaseOrderID string    `json:"purchase_order_id"`
	Ref             string    `json:"ref"`
	From            Status    `json:"from"`
	To              Status    `json:"to"`
	Timestamp       time.Time `json:"timestamp"`
	UserID          string    `json:"user_id"`
}

// NewID generates a new purchase order or line ID
func NewID() string {
	return uuid.New().String()
}
