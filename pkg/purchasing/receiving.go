package purchasing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nemonet1337/shopquoter/pkg/inventory"
)

const (
	reasonReceipt = "po-receipt"
	reasonOverage = "po-overage"
)

// Reconciler applies supplier deliveries to open purchase order lines
// 入荷を発注明細に突合するリコンサイラー
type Reconciler struct {
	storage Storage
	ledger  *inventory.Ledger
	engine  *Engine
	logger  *zap.Logger
	metrics *Metrics
}

// NewReconciler creates a reconciler that posts receipts through ledger
// 新しいリコンサイラーを作成
func NewReconciler(storage Storage, ledger *inventory.Ledger, engine *Engine, logger *zap.Logger, metrics *Metrics) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		storage: storage,
		ledger:  ledger,
		engine:  engine,
		logger:  logger,
		metrics: metrics,
	}
}

// Receive records deliveries against the lines of an order. Either every entry
// is applied or none is: receipt movements and the order update share one transaction.
// 入荷を記録（全明細をアトミックに適用）
func (r *Reconciler) Receive(ctx context.Context, poID string, receipts []ReceiptInput) (*ReceivingResult, error) {
	started := time.Now()
	result, err := r.receive(ctx, poID, receipts)
	if err != nil {
		r.metrics.failed("receive", err)
		r.logger.Warn("入荷処理を拒否しました",
			zap.String("purchase_order_id", poID),
			zap.Int("receipts", len(receipts)),
			zap.Error(err),
		)
		return nil, err
	}
	if len(result.LinesUpdated) > 0 {
		r.metrics.received(time.Since(started).Seconds(), len(result.OveragesApplied))
	}
	return result, nil
}

func (r *Reconciler) receive(ctx context.Context, poID string, receipts []ReceiptInput) (*ReceivingResult, error) {
	if len(receipts) == 0 {
		return nil, inventory.NewValidationError("receipts", "入荷明細が指定されていません", "0", inventory.ErrInvalidQuantity)
	}
	for i, rc := range receipts {
		if rc.LineID == "" {
			return nil, inventory.NewValidationError(fmt.Sprintf("receipts[%d].line_id", i), "明細IDが空です", "", ErrLineNotFound)
		}
		if rc.Quantity < 0 {
			return nil, inventory.NewValidationError(fmt.Sprintf("receipts[%d].quantity", i), "入荷数量は0以上である必要があります",
				fmt.Sprintf("%d", rc.Quantity), inventory.ErrInvalidQuantity)
		}
	}

	ctx, cancel := r.ledger.WithTimeout(ctx)
	defer cancel()

	// ロック対象の商品を特定するため、ロックなしで一度読み出す
	current, err := r.storage.GetPurchaseOrder(ctx, poID)
	if err != nil {
		return nil, inventory.WrapStorage("get_purchase_order", "発注書の取得に失敗しました", err)
	}
	productIDs := make([]string, 0, len(receipts))
	for _, rc := range receipts {
		idx := current.FindLine(rc.LineID)
		if idx < 0 {
			return nil, inventory.NewValidationError("line_id", "発注明細が見つかりません", rc.LineID, ErrLineNotFound)
		}
		if rc.Quantity > 0 {
			productIDs = append(productIDs, current.Lines[idx].ProductID)
		}
	}
	locked := make(map[string]bool, len(productIDs))
	for _, id := range productIDs {
		locked[id] = true
	}

	lockStarted := time.Now()
	unlock, err := r.ledger.Locks().LockAll(ctx, productIDs)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		result *ReceivingResult
		po     *PurchaseOrder
	)
	err = r.storage.RunPurchasingTx(ctx, func(tx Tx) error {
		// 商品ロックは発注書の行ロックより先に取得する
		if err := tx.LockProducts(ctx, inventory.SortedUnique(productIDs)); err != nil {
			return err
		}
		var err error
		po, err = tx.GetPurchaseOrderForUpdate(ctx, poID)
		if err != nil {
			return err
		}
		if !po.Status.CanReceive() {
			return inventory.NewStateError("receive", string(po.Status), "この状態の発注書には入荷できません", ErrInvalidPOState)
		}

		result = &ReceivingResult{
			PurchaseOrderID: po.ID,
			PreviousStatus:  po.Status,
			PONewStatus:     po.Status,
			LinesUpdated:    make([]LineUpdate, 0, len(receipts)),
			OveragesApplied: make([]Overage, 0),
			Movements:       make([]inventory.StockMovement, 0, len(receipts)),
		}
		version := po.Version

		for _, rc := range receipts {
			idx := po.FindLine(rc.LineID)
			if idx < 0 {
				return inventory.NewValidationError("line_id", "発注明細が見つかりません", rc.LineID, ErrLineNotFound)
			}
			if rc.Quantity == 0 {
				continue
			}
			line := &po.Lines[idx]
			if !locked[line.ProductID] {
				// 明細の商品が読み出し後に変わっている
				return inventory.NewConcurrencyError("receive", po.ID, "発注書が並行して更新されました", inventory.ErrVersionMismatch)
			}
			if err := r.applyLine(ctx, tx, po, line, rc, result); err != nil {
				return err
			}
		}

		if len(result.LinesUpdated) == 0 {
			// 数量ゼロのみの場合は状態を進めない
			return nil
		}

		now := r.engine.now().UTC()
		if po.FirstReceivedAt == nil {
			po.FirstReceivedAt = &now
		}
		if po.AllLinesReceived() {
			po.Status = StatusReceived
		} else {
			po.Status = StatusPartialReceived
		}
		po.UpdatedAt = now
		result.PONewStatus = po.Status
		return tx.UpdatePurchaseOrder(ctx, po, version)
	})
	if err != nil {
		return nil, inventory.WrapStorage("receive", "入荷処理に失敗しました", err)
	}

	// スナップショットは商品ロックを保持したまま更新
	r.ledger.NotifyObservers(result.Movements)
	unlock()

	r.ledger.PublishEvents(ctx, result.Movements)
	if result.PreviousStatus != result.PONewStatus {
		r.engine.statusChanged(ctx, po, result.PreviousStatus)
	}

	r.logger.Info("入荷処理完了",
		zap.String("purchase_order_id", po.ID),
		zap.String("ref", po.Ref),
		zap.String("status", string(result.PONewStatus)),
		zap.Int("lines_updated", len(result.LinesUpdated)),
		zap.Int("overages", len(result.OveragesApplied)),
		zap.Duration("lock_wait", time.Since(lockStarted)),
	)
	return result, nil
}

// applyLine posts the movements for one receipt entry and updates the line in memory
// With AcceptOverage the receipt is capped at the remaining quantity and the excess
// is posted as a po-overage adjustment, so on-hand rises by the delivered quantity
// while the line never records more than it ordered.
func (r *Reconciler) applyLine(ctx context.Context, tx Tx, po *PurchaseOrder, line *Line, rc ReceiptInput, result *ReceivingResult) error {
	remaining := line.Remaining()
	received := rc.Quantity
	overage := int64(0)

	if rc.Quantity > remaining {
		if !rc.AcceptOverage {
			return inventory.NewConcurrencyError("receive", line.ID,
				fmt.Sprintf("入荷数量 %d が未入荷数量 %d を超えています", rc.Quantity, remaining), ErrOverReceiptRejected)
		}
		received = remaining
		overage = rc.Quantity - remaining
	}

	if received > 0 {
		m, err := r.ledger.AppendInTx(ctx, tx, inventory.StockMovementInput{
			ProductID:   line.ProductID,
			Type:        inventory.MovementTypeReceipt,
			Quantity:    received,
			Reason:      inventory.StringPtr(reasonReceipt),
			ReferenceID: inventory.StringPtr(po.ID),
		})
		if err != nil {
			return err
		}
		result.Movements = append(result.Movements, *m)
		line.QuantityReceived += received
	}

	if overage > 0 {
		m, err := r.ledger.AppendInTx(ctx, tx, inventory.StockMovementInput{
			ProductID:   line.ProductID,
			Type:        inventory.MovementTypeAdjustment,
			Quantity:    overage,
			Reason:      inventory.StringPtr(reasonOverage),
			ReferenceID: inventory.StringPtr(po.ID),
		})
		if err != nil {
			return err
		}
		result.Movements = append(result.Movements, *m)
		result.OveragesApplied = append(result.OveragesApplied, Overage{
			LineID:    line.ID,
			ProductID: line.ProductID,
			Quantity:  overage,
		})
	}

	result.LinesUpdated = append(result.LinesUpdated, LineUpdate{
		LineID:           line.ID,
		ProductID:        line.ProductID,
		QuantityApplied:  rc.Quantity,
		QuantityReceived: line.QuantityReceived,
		QuantityOrdered:  line.QuantityOrdered,
	})
	return nil
}
