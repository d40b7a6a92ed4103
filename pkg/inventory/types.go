// Package inventory provides the stock movement ledger and the balances derived from it
package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Product is a catalogue entry referenced by ID. The engine only reads it.
// エンジンからは参照のみ行う商品マスタ
type Product struct {
	ID           string          `json:"id" db:"id"`                       // 商品ID
	SKU          string          `json:"sku" db:"sku"`                     // SKU（一意）
	Name         string          `json:"name" db:"name"`                   // 商品名
	CostPrice    decimal.Decimal `json:"cost_price" db:"cost_price"`       // 原価
	BasePrice    decimal.Decimal `json:"base_price" db:"base_price"`       // 販売価格
	ReorderPoint *int64          `json:"reorder_point" db:"reorder_point"` // 発注点（nilの場合はデフォルト値）
	Status       ProductStatus   `json:"status" db:"status"`               // ステータス
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`       // 作成日時
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`       // 更新日時
}

// ProductStatus defines whether a product can still be ordered
// 商品ステータス
type ProductStatus string

const (
	ProductStatusActive   ProductStatus = "active"   // 有効
	ProductStatusInactive ProductStatus = "inactive" // 無効
)

// IsActive reports whether the product is active
func (p *Product) IsActive() bool {
	return p.Status == ProductStatusActive
}

// EffectiveReorderPoint returns the product's reorder point or the policy default
// 商品固有の発注点、未設定ならポリシーのデフォルト値を返す
func (p *Product) EffectiveReorderPoint(policyDefault int64) int64 {
	if p.ReorderPoint == nil {
		return policyDefault
	}
	return *p.ReorderPoint
}

// MovementType defines the kind of stock movement
// 在庫移動のタイプを定義
type MovementType string

const (
	MovementTypeReceipt    MovementType = "receipt"    // 入荷
	MovementTypeAllocation MovementType = "allocation" // 引当（負）/ 引当解除（正）
	MovementTypeReturn     MovementType = "return"     // 返品
	MovementTypeAdjustment MovementType = "adjustment" // 調整
)

// IsValid reports whether the movement type is known
func (t MovementType) IsValid() bool {
	switch t {
	case MovementTypeReceipt, MovementTypeAllocation, MovementTypeReturn, MovementTypeAdjustment:
		return true
	}
	return false
}

// StockMovement is an immutable, signed quantity change recorded in the ledger
// 台帳に記録される不変の在庫移動
type StockMovement struct {
	ID             string       `json:"id" db:"id"`                                     // 移動ID
	ProductID      string       `json:"product_id" db:"product_id"`                     // 商品ID
	Sequence       int64        `json:"sequence" db:"sequence"`                         // 商品ごとの連番（カーソル）
	Type           MovementType `json:"movement_type" db:"movement_type"`               // 移動タイプ
	Quantity       int64        `json:"quantity" db:"quantity"`                         // 符号付き数量
	Reason         *string      `json:"reason,omitempty" db:"reason"`                   // 理由
	ReferenceID    *string      `json:"reference_id,omitempty" db:"reference_id"`       // 参照ID（発注書・受注など）
	IdempotencyKey *string      `json:"idempotency_key,omitempty" db:"idempotency_key"` // 冪等キー
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`                     // 作成日時
	CreatedBy      string       `json:"created_by" db:"created_by"`                     // 作成者
}

// StockMovementInput is the caller-supplied part of a movement
// 在庫移動の登録リクエスト
type StockMovementInput struct {
	ProductID      string       `json:"product_id"`
	Type           MovementType `json:"movement_type"`
	Quantity       int64        `json:"quantity"`
	Reason         *string      `json:"reason,omitempty"`
	ReferenceID    *string      `json:"reference_id,omitempty"`
	IdempotencyKey *string      `json:"idempotency_key,omitempty"`
}

// Cursor marks a position in a product's movement history. Zero is the beginning.
// 移動履歴の読み出し位置
type Cursor int64

// MovementPage is one chronological chunk of a product's movement history
// 移動履歴のページ
type MovementPage struct {
	ProductID string          `json:"product_id"`
	Movements []StockMovement `json:"movements"`
	Next      Cursor          `json:"next"`
	HasMore   bool            `json:"has_more"`
}

// MovementTotals are the raw sums the ledger keeps per product
// 商品ごとの移動数量の合計
type MovementTotals struct {
	Current   int64 // 引当以外の合計
	Allocated int64 // 引当数量（正の値）
	Sequence  int64 // 最終連番
}

// InventorySnapshot is the derived stock position of one product
// 台帳から導出される在庫状況
type InventorySnapshot struct {
	ProductID       string     `json:"product_id"`
	CurrentStock    int64      `json:"current_stock"`
	AllocatedStock  int64      `json:"allocated_stock"`
	AvailableStock  int64      `json:"available_stock"`
	ReorderPoint    int64      `json:"reorder_point"`
	LastRestockedAt *time.Time `json:"last_restocked_at"`
	OverAllocated   bool       `json:"over_allocated"`

	// NetAvailable is current minus allocated without clamping
	NetAvailable int64 `json:"-"`
	// Sequence is the last movement folded into this snapshot
	Sequence int64 `json:"-"`
}

// apply folds one movement into the snapshot
func (s *InventorySnapshot) apply(m StockMovement) {
	if m.Type == MovementTypeAllocation {
		s.AllocatedStock -= m.Quantity
	} else {
		s.CurrentStock += m.Quantity
	}
	if m.Type == MovementTypeReceipt {
		at := m.CreatedAt
		s.LastRestockedAt = &at
	}
	s.Sequence = m.Sequence
	s.recalculate()
}

// recalculate derives the available figures from current and allocated stock
// 利用可能数量を再計算（呼び出し元には0未満を返さない）
func (s *InventorySnapshot) recalculate() {
	s.NetAvailable = s.CurrentStock - s.AllocatedStock
	s.OverAllocated = s.NetAvailable < 0
	if s.NetAvailable < 0 {
		s.AvailableStock = 0
	} else {
		s.AvailableStock = s.NetAvailable
	}
}

// ReorderSignal is emitted when a product's stock is at or below its reorder point
// 発注点を下回った商品のシグナル
type ReorderSignal struct {
	ProductID         string `json:"product_id"`
	SKU               string `json:"sku"`
	CurrentStock      int64  `json:"current_stock"`
	ReorderPoint      int64  `json:"reorder_point"`
	Deficit           int64  `json:"deficit"`
	SuggestedQuantity int64  `json:"suggested_quantity"`
}

// StockChangedEvent is published after a movement is committed
// 在庫変動イベント
type StockChangedEvent struct {
	MovementID   string       `json:"movement_id"`
	ProductID    string       `json:"product_id"`
	MovementType MovementType `json:"movement_type"`
	Quantity     int64        `json:"quantity"`
	ReferenceID  string       `json:"reference_id,omitempty"`
	Sequence     int64        `json:"sequence"`
	Timestamp    time.Time    `json:"timestamp"`
	UserID       string       `json:"user_id"`
}

// LowStockAlertEvent is published when a movement leaves a product at or below its reorder point
// 低在庫アラートイベント
type LowStockAlertEvent struct {
	ProductID    string    `json:"product_id"`
	CurrentStock int64     `json:"current_stock"`
	ReorderPoint int64     `json:"reorder_point"`
	Deficit      int64     `json:"deficit"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewMovementID generates a new movement ID
// 新しい移動IDを生成
func NewMovementID() string {
	return uuid.New().String()
}

// StringPtr returns a pointer to s, or nil when s is empty
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// deref returns the pointed-to string or ""
func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
