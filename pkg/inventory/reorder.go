package inventory

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// ReorderEvaluator compares projected stock with reorder points.
// It never creates purchase orders.
// 発注点評価
type ReorderEvaluator struct {
	products            ProductDirectory
	projector           *Projector
	defaultReorderPoint int64
	logger              *zap.Logger
	metrics             *Metrics
}

// NewReorderEvaluator creates a new reorder evaluator
// 新しい発注点評価器を作成
func NewReorderEvaluator(products ProductDirectory, projector *Projector, defaultReorderPoint int64, logger *zap.Logger, metrics *Metrics) *ReorderEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReorderEvaluator{
		products:            products,
		projector:           projector,
		defaultReorderPoint: defaultReorderPoint,
		logger:              logger,
		metrics:             metrics,
	}
}

// Evaluate returns a signal iff the snapshot's current stock is at or below the reorder point
// 在庫数が発注点以下ならシグナルを返す
func Evaluate(snapshot InventorySnapshot, product Product, defaultReorderPoint int64) *ReorderSignal {
	reorderPoint := product.EffectiveReorderPoint(defaultReorderPoint)
	if snapshot.CurrentStock > reorderPoint {
		return nil
	}

	deficit := reorderPoint - snapshot.CurrentStock
	suggested := deficit
	if suggested < 1 {
		suggested = 1
	}
	return &ReorderSignal{
		ProductID:         product.ID,
		SKU:               product.SKU,
		CurrentStock:      snapshot.CurrentStock,
		ReorderPoint:      reorderPoint,
		Deficit:           deficit,
		SuggestedQuantity: suggested + reorderPoint,
	}
}

// EvaluateProduct looks up the product and its snapshot and evaluates them
// 商品の発注点を評価
func (r *ReorderEvaluator) EvaluateProduct(ctx context.Context, productID string) (*ReorderSignal, error) {
	product, err := r.products.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	snapshot, err := r.projector.Project(ctx, productID)
	if err != nil {
		return nil, err
	}

	signal := Evaluate(*snapshot, *product, r.defaultReorderPoint)
	if signal != nil {
		r.metrics.reorderSignal()
	}
	return signal, nil
}

// Scan evaluates every active product, most urgent first
// 全有効商品の発注点を評価（不足数の降順）
func (r *ReorderEvaluator) Scan(ctx context.Context) ([]ReorderSignal, error) {
	products, err := r.products.ListActiveProducts(ctx)
	if err != nil {
		return nil, WrapStorage("list_active_products", "商品一覧の取得に失敗しました", err)
	}

	signals := make([]ReorderSignal, 0)
	for _, p := range products {
		snapshot, err := r.projector.Project(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if signal := Evaluate(*snapshot, p, r.defaultReorderPoint); signal != nil {
			r.metrics.reorderSignal()
			signals = append(signals, *signal)
		}
	}

	sort.SliceStable(signals, func(i, j int) bool {
		if signals[i].Deficit != signals[j].Deficit {
			return signals[i].Deficit > signals[j].Deficit
		}
		return signals[i].ProductID < signals[j].ProductID
	})

	r.logger.Info("発注点スキャン完了",
		zap.Int("products", len(products)),
		zap.Int("signals", len(signals)),
	)
	return signals, nil
}
