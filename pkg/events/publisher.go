// Package events publishes inventory and purchase order events
// 在庫・発注イベントの発行
package events

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/nemonet1337/shopquoter/pkg/inventory"
	"github.com/nemonet1337/shopquoter/pkg/purchasing"
)

// Publisher publishes every event kind the engine emits
type Publisher interface {
	inventory.EventPublisher
	purchasing.EventPublisher
}

// LogPublisher writes events to the structured log
// イベントをログに出力するパブリッシャー
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a publisher that logs events
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("events")}
}

// PublishStockChanged implements inventory.EventPublisher
func (p *LogPublisher) PublishStockChanged(ctx context.Context, event inventory.StockChangedEvent) error {
	p.logger.Info("在庫変動イベント",
		zap.String("movement_id", event.MovementID),
		zap.String("product_id", event.ProductID),
		zap.String("movement_type", string(event.MovementType)),
		zap.Int64("quantity", event.Quantity),
		zap.Int64("sequence", event.Sequence),
		zap.String("user_id", event.UserID),
	)
	return nil
}

// PublishLowStockAlert implements inventory.EventPublisher
func (p *LogPublisher) PublishLowStockAlert(ctx context.Context, event inventory.LowStockAlertEvent) error {
	p.logger.Warn("低在庫アラート",
		zap.String("product_id", event.ProductID),
		zap.Int64("current_stock", event.CurrentStock),
		zap.Int64("reorder_point", event.ReorderPoint),
		zap.Int64("deficit", event.Deficit),
	)
	return nil
}

// PublishPurchaseOrderStatusChanged implements purchasing.EventPublisher
func (p *LogPublisher) PublishPurchaseOrderStatusChanged(ctx context.Context, event purchasing.StatusChangedEvent) error {
	p.logger.Info("発注書ステータス変更イベント",
		zap.String("purchase_order_id", event.PurchaseOrderID),
		zap.String("ref", event.Ref),
		zap.String("from", string(event.From)),
		zap.String("to", string(event.To)),
	)
	return nil
}

// Fanout delivers each event to every publisher and joins their errors
type Fanout []Publisher

// PublishStockChanged implements inventory.EventPublisher
func (f Fanout) PublishStockChanged(ctx context.Context, event inventory.StockChangedEvent) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.PublishStockChanged(ctx, event))
	}
	return errors.Join(errs...)
}

// PublishLowStockAlert implements inventory.EventPublisher
func (f Fanout) PublishLowStockAlert(ctx context.Context, event inventory.LowStockAlertEvent) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.PublishLowStockAlert(ctx, event))
	}
	return errors.Join(errs...)
}

// PublishPurchaseOrderStatusChanged implements purchasing.EventPublisher
func (f Fanout) PublishPurchaseOrderStatusChanged(ctx context.Context, event purchasing.StatusChangedEvent) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.PublishPurchaseOrderStatusChanged(ctx, event))
	}
	return errors.Join(errs...)
}
