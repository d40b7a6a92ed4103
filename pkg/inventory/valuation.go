package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Valuation is the stock value and margin of one product
// 商品の在庫評価額と粗利率
type Valuation struct {
	ProductID      string          `json:"product_id"`
	CurrentStock   int64           `json:"current_stock"`
	AvailableStock int64           `json:"available_stock"`
	CostPrice      decimal.Decimal `json:"cost_price"`
	BasePrice      decimal.Decimal `json:"base_price"`
	StockValue     decimal.Decimal `json:"stock_value"`    // 原価ベースの在庫評価額
	RetailValue    decimal.Decimal `json:"retail_value"`   // 販売価格ベースの在庫評価額
	MarginPercent  decimal.Decimal `json:"margin_percent"` // (販売価格-原価)/販売価格×100
	CalculatedAt   time.Time       `json:"calculated_at"`
}

// ValuationEngine values stock at the product's cost price
// 原価法による在庫評価エンジン
type ValuationEngine struct {
	products  ProductDirectory
	projector *Projector
	logger    *zap.Logger
}

// NewValuationEngine creates a new valuation engine
// 新しい在庫評価エンジンを作成
func NewValuationEngine(products ProductDirectory, projector *Projector, logger *zap.Logger) *ValuationEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ValuationEngine{
		products:  products,
		projector: projector,
		logger:    logger,
	}
}

// CalculateValue values the current stock of a product
// 在庫評価額を計算
func (v *ValuationEngine) CalculateValue(ctx context.Context, productID string) (*Valuation, error) {
	product, err := v.products.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	snapshot, err := v.projector.Project(ctx, productID)
	if err != nil {
		return nil, err
	}
	return Value(*product, *snapshot), nil
}

// Value computes a valuation from a product and its snapshot.
// Negative physical stock is valued at zero.
// 商品とスナップショットから評価額を算出
func Value(product Product, snapshot InventorySnapshot) *Valuation {
	onHand := snapshot.CurrentStock
	if onHand < 0 {
		onHand = 0
	}
	qty := decimal.NewFromInt(onHand)

	return &Valuation{
		ProductID:      product.ID,
		CurrentStock:   snapshot.CurrentStock,
		AvailableStock: snapshot.AvailableStock,
		CostPrice:      product.CostPrice,
		BasePrice:      product.BasePrice,
		StockValue:     qty.Mul(product.CostPrice).Round(2),
		RetailValue:    qty.Mul(product.BasePrice).Round(2),
		MarginPercent:  Margin(product.CostPrice, product.BasePrice),
		CalculatedAt:   time.Now().UTC(),
	}
}

// Margin returns (base-cost)/base as a percentage rounded to two places; zero when base is zero
// 粗利率を計算
func Margin(cost, base decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	return base.Sub(cost).Div(base).Mul(decimal.NewFromInt(100)).Round(2)
}
