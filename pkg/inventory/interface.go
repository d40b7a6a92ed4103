package inventory

import (
	"context"
	"time"
)

// InventoryManager defines the stock operations exposed to application code
// アプリケーションに公開する在庫操作のインターフェースを定義
type InventoryManager interface {
	// 在庫移動 - Stock movements
	Append(ctx context.Context, input StockMovementInput) (*StockMovement, error)
	Allocate(ctx context.Context, productID string, quantity int64, referenceID string) (*StockMovement, error)
	ReleaseAllocation(ctx context.Context, productID string, quantity int64, referenceID string) (*StockMovement, error)
	Fulfil(ctx context.Context, productID string, quantity int64, referenceID string) ([]StockMovement, error)
	Adjust(ctx context.Context, productID string, delta int64, reason string) (*StockMovement, error)

	// 在庫照会 - Stock inquiry
	GetSnapshot(ctx context.Context, productID string) (*InventorySnapshot, error)
	ListMovements(ctx context.Context, productID string, since Cursor, limit int) (*MovementPage, error)
	GetAuditTrail(ctx context.Context, productID string, from, to time.Time) (*AuditTrail, error)
	GetMovementsByReference(ctx context.Context, productID, referenceID string) ([]StockMovement, error)

	// 発注点 - Reorder
	EvaluateReorder(ctx context.Context, productID string) (*ReorderSignal, error)
	ScanReorder(ctx context.Context) ([]ReorderSignal, error)

	// 評価 - Valuation
	GetValuation(ctx context.Context, productID string) (*Valuation, error)
}

// ProductDirectory is the read-only product lookup the engine depends on
// 商品マスタの参照インターフェース
type ProductDirectory interface {
	GetProduct(ctx context.Context, productID string) (*Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*Product, error)
	ListActiveProducts(ctx context.Context) ([]Product, error)
}

// MovementReader reads a product's ledger in sequence order.
// Rows with sequence > after are returned, at most limit of them.
// 台帳の読み出しインターフェース
type MovementReader interface {
	ListMovements(ctx context.Context, productID string, after Cursor, limit int) ([]StockMovement, error)
	// ListMovementsByReference returns a product's movements posted against referenceID in sequence order
	ListMovementsByReference(ctx context.Context, productID, referenceID string) ([]StockMovement, error)
}

// MovementTx is the ledger's view of a storage transaction
// トランザクション内で台帳が使用する操作
type MovementTx interface {
	// LockProducts serializes writers of the given products until the transaction ends.
	// Locks are taken in sorted order so that concurrent transactions cannot deadlock.
	LockProducts(ctx context.Context, productIDs []string) error
	InsertMovement(ctx context.Context, movement *StockMovement) error
	MovementTotals(ctx context.Context, productID string) (MovementTotals, error)
	FindMovementByIdempotencyKey(ctx context.Context, key string) (*StockMovement, error)
}

// Storage defines the interface for the ledger's persistence layer
// データ永続化層のインターフェースを定義
type Storage interface {
	MovementReader

	// RunInTx runs fn inside one atomic transaction; fn's error rolls it back
	RunInTx(ctx context.Context, fn func(tx MovementTx) error) error

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// MovementObserver is notified synchronously after movements are committed
// 在庫移動のコミット後に同期的に通知を受ける
type MovementObserver interface {
	Observe(movement StockMovement)
}

// EventPublisher defines interface for publishing inventory events
// 在庫イベント発行のインターフェースを定義
type EventPublisher interface {
	PublishStockChanged(ctx context.Context, event StockChangedEvent) error
	PublishLowStockAlert(ctx context.Context, event LowStockAlertEvent) error
}
