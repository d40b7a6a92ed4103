package inventory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Manager implements the InventoryManager interface on top of the ledger
// InventoryManagerインターフェースの実装
type Manager struct {
	ledger    *Ledger           // 在庫台帳
	projector *Projector        // スナップショット算出
	reorder   *ReorderEvaluator // 発注点評価
	tracking  *TrackingManager  // 監査証跡
	valuation *ValuationEngine  // 在庫評価
	products  ProductDirectory  // 商品マスタ
	publisher EventPublisher    // イベント発行者
	logger    *zap.Logger       // ログ
	config    *Config           // 設定
}

// インターフェースを実装することを明示
var _ InventoryManager = (*Manager)(nil)

// Config holds configuration for the inventory manager
// 在庫マネージャーの設定を保持
type Config struct {
	DefaultReorderPoint int64              `yaml:"default_reorder_point"` // デフォルト発注点
	ProjectionStrategy  ProjectionStrategy `yaml:"projection_strategy"`   // lazy / incremental
	OperationTimeout    time.Duration      `yaml:"operation_timeout"`     // 操作タイムアウト
	HistoryPageSize     int                `yaml:"history_page_size"`     // 履歴ページサイズ
	LowStockAlerts      bool               `yaml:"low_stock_alerts"`      // 低在庫アラート有効
}

// DefaultConfig returns the default inventory configuration
// デフォルト設定を返す
func DefaultConfig() *Config {
	return &Config{
		DefaultReorderPoint: 10,
		ProjectionStrategy:  ProjectionIncremental,
		OperationTimeout:    5 * time.Second,
		HistoryPageSize:     100,
		LowStockAlerts:      true,
	}
}

// NewManager creates a new inventory manager and wires the ledger, projector and evaluators
// 新しい在庫マネージャーを作成
func NewManager(storage Storage, products ProductDirectory, publisher EventPublisher, logger *zap.Logger, config *Config, metrics *Metrics) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ledger := NewLedger(storage, products, logger, config, WithPublisher(publisher), WithMetrics(metrics))
	projector := NewProjector(ledger, config.ProjectionStrategy, logger, metrics)
	ledger.Subscribe(projector)

	return &Manager{
		ledger:    ledger,
		projector: projector,
		reorder:   NewReorderEvaluator(products, projector, config.DefaultReorderPoint, logger, metrics),
		tracking:  NewTrackingManager(ledger, logger),
		valuation: NewValuationEngine(products, projector, logger),
		products:  products,
		publisher: publisher,
		logger:    logger,
		config:    config,
	}
}

// Ledger returns the underlying movement ledger
func (m *Manager) Ledger() *Ledger { return m.ledger }

// Append records an arbitrary movement
// 在庫移動を記録
func (m *Manager) Append(ctx context.Context, input StockMovementInput) (*StockMovement, error) {
	movement, err := m.ledger.Append(ctx, input)
	if err != nil {
		return nil, err
	}
	if movement.Type != MovementTypeAllocation {
		m.checkLowStock(ctx, movement.ProductID, movement.Quantity)
	}
	return movement, nil
}

// Allocate reserves stock against a pending order
// 受注に対して在庫を引当
func (m *Manager) Allocate(ctx context.Context, productID string, quantity int64, referenceID string) (*StockMovement, error) {
	if err := ValidateQuantity(quantity, false); err != nil {
		return nil, err
	}
	return m.Append(ctx, StockMovementInput{
		ProductID:   productID,
		Type:        MovementTypeAllocation,
		Quantity:    -quantity,
		ReferenceID: StringPtr(referenceID),
	})
}

// ReleaseAllocation returns reserved stock to available with a compensating movement
// 引当を解除
func (m *Manager) ReleaseAllocation(ctx context.Context, productID string, quantity int64, referenceID string) (*StockMovement, error) {
	if err := ValidateQuantity(quantity, false); err != nil {
		return nil, err
	}
	return m.Append(ctx, StockMovementInput{
		ProductID:   productID,
		Type:        MovementTypeAllocation,
		Quantity:    quantity,
		Reason:      StringPtr("allocation-release"),
		ReferenceID: StringPtr(referenceID),
	})
}

// Fulfil ships allocated stock: the allocation is released and physical stock reduced atomically
// 引当済み在庫を出荷（引当解除と在庫減算をアトミックに実行）
func (m *Manager) Fulfil(ctx context.Context, productID string, quantity int64, referenceID string) ([]StockMovement, error) {
	if err := ValidateQuantity(quantity, false); err != nil {
		return nil, err
	}
	movements, err := m.ledger.AppendBatch(ctx, []StockMovementInput{
		{
			ProductID:   productID,
			Type:        MovementTypeAllocation,
			Quantity:    quantity,
			Reason:      StringPtr("fulfilment"),
			ReferenceID: StringPtr(referenceID),
		},
		{
			ProductID:   productID,
			Type:        MovementTypeAdjustment,
			Quantity:    -quantity,
			Reason:      StringPtr("fulfilment"),
			ReferenceID: StringPtr(referenceID),
		},
	})
	if err != nil {
		return nil, err
	}
	m.checkLowStock(ctx, productID, -quantity)
	return movements, nil
}

// Adjust corrects physical stock by delta
// 在庫数量を調整
func (m *Manager) Adjust(ctx context.Context, productID string, delta int64, reason string) (*StockMovement, error) {
	if reason == "" {
		return nil, NewValidationError("reason", "調整理由が必要です", reason, nil)
	}
	return m.Append(ctx, StockMovementInput{
		ProductID: productID,
		Type:      MovementTypeAdjustment,
		Quantity:  delta,
		Reason:    StringPtr(reason),
	})
}

// GetSnapshot returns the product's snapshot with its effective reorder point
// 在庫スナップショットを取得
func (m *Manager) GetSnapshot(ctx context.Context, productID string) (*InventorySnapshot, error) {
	product, err := m.products.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	snapshot, err := m.projector.Project(ctx, productID)
	if err != nil {
		return nil, err
	}
	snapshot.ReorderPoint = product.EffectiveReorderPoint(m.config.DefaultReorderPoint)
	return snapshot, nil
}

// ListMovements returns one page of a product's movement history
// 在庫移動履歴を取得
func (m *Manager) ListMovements(ctx context.Context, productID string, since Cursor, limit int) (*MovementPage, error) {
	if _, err := m.products.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return m.ledger.ListByProduct(ctx, productID, since, limit)
}

// GetAuditTrail returns the movements of a product within a period
// 監査証跡を取得
func (m *Manager) GetAuditTrail(ctx context.Context, productID string, from, to time.Time) (*AuditTrail, error) {
	if _, err := m.products.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return m.tracking.GetAuditTrail(ctx, productID, from, to)
}

// GetMovementsByReference returns the movements of a product posted against referenceID
// 参照IDに紐づく在庫移動を取得
func (m *Manager) GetMovementsByReference(ctx context.Context, productID, referenceID string) ([]StockMovement, error) {
	if _, err := m.products.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return m.tracking.GetByReference(ctx, productID, referenceID)
}

// EvaluateReorder evaluates one product against its reorder point
// 発注点を評価
func (m *Manager) EvaluateReorder(ctx context.Context, productID string) (*ReorderSignal, error) {
	return m.reorder.EvaluateProduct(ctx, productID)
}

// ScanReorder evaluates all active products
// 全商品の発注点を評価
func (m *Manager) ScanReorder(ctx context.Context) ([]ReorderSignal, error) {
	return m.reorder.Scan(ctx)
}

// GetValuation values a product's current stock
// 在庫評価額を取得
func (m *Manager) GetValuation(ctx context.Context, productID string) (*Valuation, error) {
	return m.valuation.CalculateValue(ctx, productID)
}

// checkLowStock publishes a low stock alert when a decrease leaves the product at or below its reorder point
// 低在庫アラートをチェック
func (m *Manager) checkLowStock(ctx context.Context, productID string, delta int64) {
	if !m.config.LowStockAlerts || delta >= 0 {
		return
	}

	signal, err := m.reorder.EvaluateProduct(ctx, productID)
	if err != nil {
		m.logger.Warn("発注点評価に失敗しました", zap.String("product_id", productID), zap.Error(err))
		return
	}
	if signal == nil {
		return
	}

	m.logger.Warn(fmt.Sprintf("商品 %s の在庫が発注点を下回っています (現在: %d, 発注点: %d)",
		productID, signal.CurrentStock, signal.ReorderPoint),
		zap.String("product_id", productID),
		zap.Int64("deficit", signal.Deficit),
	)

	if m.publisher == nil {
		return
	}
	event := LowStockAlertEvent{
		ProductID:    productID,
		CurrentStock: signal.CurrentStock,
		ReorderPoint: signal.ReorderPoint,
		Deficit:      signal.Deficit,
		Timestamp:    time.Now().UTC(),
	}
	if err := m.publisher.PublishLowStockAlert(ctx, event); err != nil {
		m.logger.Error("低在庫アラートイベント発行に失敗しました", zap.Error(err))
	}
}
