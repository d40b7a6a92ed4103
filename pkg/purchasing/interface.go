package purchasing

import (
	"context"

	"github.com/nemonet1337/shopquoter/pkg/inventory"
)

// Tx is one storage transaction spanning purchase orders and the movement ledger
// 発注書と台帳にまたがるトランザクション
type Tx interface {
	inventory.MovementTx

	// GetPurchaseOrderForUpdate reads an order and locks it until the transaction ends
	GetPurchaseOrderForUpdate(ctx context.Context, id string) (*PurchaseOrder, error)
	InsertPurchaseOrder(ctx context.Context, po *PurchaseOrder) error
	// UpdatePurchaseOrder writes the order and its lines when the stored version
	// equals expectedVersion, then sets po.Version to expectedVersion+1
	UpdatePurchaseOrder(ctx context.Context, po *PurchaseOrder, expectedVersion int64) error
	NextPurchaseOrderNumber(ctx context.Context) (int64, error)
}

// Storage defines the purchase order persistence layer
// 発注書の永続化層インターフェース
type Storage interface {
	RunPurchasingTx(ctx context.Context, fn func(tx Tx) error) error
	GetPurchaseOrder(ctx context.Context, id string) (*PurchaseOrder, error)
	ListPurchaseOrders(ctx context.Context, filter ListFilter) ([]PurchaseOrder, error)
}

// SupplierDirectory is the read-only supplier lookup
// 仕入先マスタの参照インターフェース
type SupplierDirectory interface {
	GetSupplier(ctx context.Context, id string) (*Supplier, error)
}

// EventPublisher publishes purchase order events
// 発注イベント発行のインターフェース
type EventPublisher interface {
	PublishPurchaseOrderStatusChanged(ctx context.Context, event StatusChangedEvent) error
}
