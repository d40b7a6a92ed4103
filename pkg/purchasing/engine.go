package purchasing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/shopquoter/pkg/inventory"
)

// Config holds configuration for the purchase order engine
// 発注エンジンの設定を保持
type Config struct {
	TaxRate          decimal.Decimal `yaml:"tax_rate"`          // 税率
	RefPrefix        string          `yaml:"ref_prefix"`        // 発注番号の接頭辞
	OperationTimeout time.Duration   `yaml:"operation_timeout"` // 操作タイムアウト
	DefaultPageSize  int             `yaml:"default_page_size"` // 一覧の既定件数
}

// DefaultConfig returns the default purchasing configuration
func DefaultConfig() *Config {
	return &Config{
		TaxRate:          decimal.RequireFromString("0.15"),
		RefPrefix:        "PO",
		OperationTimeout: 5 * time.Second,
		DefaultPageSize:  50,
	}
}

// Engine owns the purchase order state machine, lines and totals
// 発注書のライフサイクルを管理するエンジン
type Engine struct {
	storage   Storage
	products  inventory.ProductDirectory
	suppliers SupplierDirectory
	publisher EventPublisher
	locks     *inventory.KeyedLocker
	logger    *zap.Logger
	metrics   *Metrics
	config    *Config
	now       func() time.Time
}

// NewEngine creates a new purchase order engine
// 新しい発注エンジンを作成
func NewEngine(storage Storage, products inventory.ProductDirectory, suppliers SupplierDirectory, publisher EventPublisher, logger *zap.Logger, config *Config, metrics *Metrics) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		storage:   storage,
		products:  products,
		suppliers: suppliers,
		publisher: publisher,
		locks:     inventory.NewKeyedLocker("purchase_order"),
		logger:    logger,
		metrics:   metrics,
		config:    config,
		now:       time.Now,
	}
}

// CreateDraft validates the input and stores a new draft order
// 発注書の下書きを作成
func (e *Engine) CreateDraft(ctx context.Context, input DraftInput) (*PurchaseOrder, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	if len(input.Lines) == 0 {
		err := inventory.NewValidationError("lines", "発注明細が1件以上必要です", "0", ErrEmptyOrderLines)
		e.metrics.failed("create_draft", err)
		return nil, err
	}
	if err := e.checkSupplier(ctx, input.SupplierID); err != nil {
		e.metrics.failed("create_draft", err)
		return nil, err
	}
	if err := inventory.ValidateTaxRate(e.config.TaxRate); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	po := &PurchaseOrder{
		ID:                   NewID(),
		SupplierID:           input.SupplierID,
		Status:               StatusDraft,
		TaxRate:              e.config.TaxRate,
		ExpectedDeliveryDate: input.ExpectedDeliveryDate,
		Notes:                input.Notes,
		Lines:                make([]Line, 0, len(input.Lines)),
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
		CreatedBy:            inventory.UserFromContext(ctx),
	}
	for i, in := range input.Lines {
		line, err := e.newLine(ctx, po.ID, in, now)
		if err != nil {
			if ve, ok := err.(*inventory.ValidationError); ok {
				ve.Field = fmt.Sprintf("lines[%d].%s", i, ve.Field)
			}
			e.metrics.failed("create_draft", err)
			return nil, err
		}
		po.Lines = append(po.Lines, *line)
	}

	err := e.storage.RunPurchasingTx(ctx, func(tx Tx) error {
		number, err := tx.NextPurchaseOrderNumber(ctx)
		if err != nil {
			return err
		}
		po.Number = number
		po.Ref = FormatRef(e.config.RefPrefix, number)
		return tx.InsertPurchaseOrder(ctx, po)
	})
	if err != nil {
		err = inventory.WrapStorage("create_purchase_order", "発注書の作成に失敗しました", err)
		e.metrics.failed("create_draft", err)
		e.logger.Error("発注書の作成に失敗しました", zap.String("supplier_id", input.SupplierID), zap.Error(err))
		return nil, err
	}

	e.logger.Info("発注書作成完了",
		zap.String("purchase_order_id", po.ID),
		zap.String("ref", po.Ref),
		zap.String("supplier_id", po.SupplierID),
		zap.Int("lines", len(po.Lines)),
		zap.String("total", po.Total().StringFixed(2)),
	)
	return po, nil
}

// DraftFromSignal drafts a one-line order for a reorder signal, priced at the product's cost
// 発注点シグナルから発注書の下書きを作成
func (e *Engine) DraftFromSignal(ctx context.Context, supplierID string, signal inventory.ReorderSignal) (*PurchaseOrder, error) {
	product, err := e.products.GetProduct(ctx, signal.ProductID)
	if err != nil {
		return nil, err
	}
	notes := fmt.Sprintf("reorder: stock %d, reorder point %d", signal.CurrentStock, signal.ReorderPoint)
	return e.CreateDraft(ctx, DraftInput{
		SupplierID: supplierID,
		Lines: []LineInput{{
			ProductID: signal.ProductID,
			Quantity:  signal.SuggestedQuantity,
			UnitCost:  product.CostPrice,
		}},
		Notes: &notes,
	})
}

// AddLine appends a line to a draft order
// 下書きに明細を追加
func (e *Engine) AddLine(ctx context.Context, poID string, input LineInput) (*PurchaseOrder, error) {
	return e.mutate(ctx, poID, "add_line", func(ctx context.Context, po *PurchaseOrder) error {
		if po.Status != StatusDraft {
			return inventory.NewStateError("add_line", string(po.Status), "明細の追加は下書きのみ可能です", ErrInvalidPOState)
		}
		line, err := e.newLine(ctx, po.ID, input, e.now().UTC())
		if err != nil {
			return err
		}
		po.Lines = append(po.Lines, *line)
		return nil
	})
}

// RemoveLine removes a line from a draft order. A draft may be left without lines; Send rejects it.
// 下書きから明細を削除
func (e *Engine) RemoveLine(ctx context.Context, poID, lineID string) (*PurchaseOrder, error) {
	return e.mutate(ctx, poID, "remove_line", func(_ context.Context, po *PurchaseOrder) error {
		if po.Status != StatusDraft {
			return inventory.NewStateError("remove_line", string(po.Status), "明細の削除は下書きのみ可能です", ErrInvalidPOState)
		}
		idx := po.FindLine(lineID)
		if idx < 0 {
			return inventory.NewValidationError("line_id", "発注明細が見つかりません", lineID, ErrLineNotFound)
		}
		po.Lines = append(po.Lines[:idx], po.Lines[idx+1:]...)
		return nil
	})
}

// UpdateDetails changes the expected delivery date and notes of a non-terminal order
// 納期と備考を更新
func (e *Engine) UpdateDetails(ctx context.Context, poID string, input DetailsInput) (*PurchaseOrder, error) {
	return e.mutate(ctx, poID, "update_details", func(_ context.Context, po *PurchaseOrder) error {
		if po.Status.IsTerminal() {
			return inventory.NewStateError("update_details", string(po.Status), "完了または取消済みの発注書は更新できません", ErrInvalidPOState)
		}
		if input.ExpectedDeliveryDate != nil {
			po.ExpectedDeliveryDate = input.ExpectedDeliveryDate
		}
		if input.Notes != nil {
			po.Notes = input.Notes
		}
		return nil
	})
}

// Transition applies a caller-triggered action (send, acknowledge, cancel)
// 状態遷移を実行
func (e *Engine) Transition(ctx context.Context, poID string, action Action) (*PurchaseOrder, error) {
	target, ok := action.Target()
	if !ok {
		return nil, inventory.NewValidationError("action", "無効なアクションです", string(action), ErrInvalidAction)
	}

	return e.mutate(ctx, poID, string(action), func(ctx context.Context, po *PurchaseOrder) error {
		switch action {
		case ActionSend:
			if po.Status != StatusDraft {
				return illegalTransition(po.Status, target)
			}
			if len(po.Lines) == 0 {
				return inventory.NewValidationError("lines", "明細のない発注書は送付できません", "0", ErrEmptyOrderLines)
			}
			if err := e.checkSupplier(ctx, po.SupplierID); err != nil {
				return err
			}
		case ActionAcknowledge:
			if po.Status != StatusSent {
				return illegalTransition(po.Status, target)
			}
		case ActionCancel:
			if po.HasReceipts() {
				return inventory.NewStateError("cancel", string(po.Status), "入荷実績のある発注書は取り消せません", ErrCannotCancelPartiallyReceived)
			}
			if !po.Status.CanTransitionTo(StatusCancelled) {
				return illegalTransition(po.Status, target)
			}
		}
		po.Status = target
		return nil
	})
}

// Send moves a draft to sent
func (e *Engine) Send(ctx context.Context, poID string) (*PurchaseOrder, error) {
	return e.Transition(ctx, poID, ActionSend)
}

// Acknowledge records the supplier's confirmation
func (e *Engine) Acknowledge(ctx context.Context, poID string) (*PurchaseOrder, error) {
	return e.Transition(ctx, poID, ActionAcknowledge)
}

// Cancel cancels an order that has no receipts
func (e *Engine) Cancel(ctx context.Context, poID string) (*PurchaseOrder, error) {
	return e.Transition(ctx, poID, ActionCancel)
}

// Get returns an order with its lines
// 発注書を取得
func (e *Engine) Get(ctx context.Context, poID string) (*PurchaseOrder, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	po, err := e.storage.GetPurchaseOrder(ctx, poID)
	if err != nil {
		return nil, inventory.WrapStorage("get_purchase_order", "発注書の取得に失敗しました", err)
	}
	return po, nil
}

// List returns orders filtered by supplier and status, newest first
// 発注書一覧を取得
func (e *Engine) List(ctx context.Context, filter ListFilter) ([]PurchaseOrder, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, inventory.NewValidationError("status", "無効なステータスです", string(filter.Status), nil)
	}
	if filter.Limit <= 0 {
		filter.Limit = e.config.DefaultPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	orders, err := e.storage.ListPurchaseOrders(ctx, filter)
	if err != nil {
		return nil, inventory.WrapStorage("list_purchase_orders", "発注書一覧の取得に失敗しました", err)
	}
	return orders, nil
}

// mutate runs fn on the locked order inside one transaction and writes it with a version check
func (e *Engine) mutate(ctx context.Context, poID, operation string, fn func(ctx context.Context, po *PurchaseOrder) error) (*PurchaseOrder, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	unlock, err := e.locks.Lock(ctx, poID)
	if err != nil {
		e.metrics.failed(operation, err)
		return nil, err
	}
	defer unlock()

	var (
		updated *PurchaseOrder
		from    Status
	)
	err = e.storage.RunPurchasingTx(ctx, func(tx Tx) error {
		po, err := tx.GetPurchaseOrderForUpdate(ctx, poID)
		if err != nil {
			return err
		}
		from = po.Status
		version := po.Version

		if err := fn(ctx, po); err != nil {
			return err
		}
		po.UpdatedAt = e.now().UTC()
		if err := tx.UpdatePurchaseOrder(ctx, po, version); err != nil {
			return err
		}
		updated = po
		return nil
	})
	if err != nil {
		err = inventory.WrapStorage(operation, "発注書の更新に失敗しました", err)
		e.metrics.failed(operation, err)
		e.logger.Warn("発注書の更新を拒否しました",
			zap.String("purchase_order_id", poID),
			zap.String("operation", operation),
			zap.Error(err),
		)
		return nil, err
	}

	e.logger.Info("発注書更新完了",
		zap.String("purchase_order_id", updated.ID),
		zap.String("operation", operation),
		zap.String("status", string(updated.Status)),
		zap.Int64("version", updated.Version),
	)
	if from != updated.Status {
		e.statusChanged(ctx, updated, from)
	}
	return updated, nil
}

// statusChanged records and publishes a status change. Publishing failures are logged only.
func (e *Engine) statusChanged(ctx context.Context, po *PurchaseOrder, from Status) {
	e.metrics.transitioned(from, po.Status)
	if e.publisher == nil {
		return
	}
	event := StatusChangedEvent{
		PurchaseOrderID: po.ID,
		Ref:             po.Ref,
		From:            from,
		To:              po.Status,
		Timestamp:       po.UpdatedAt,
		UserID:          inventory.UserFromContext(ctx),
	}
	if err := e.publisher.PublishPurchaseOrderStatusChanged(ctx, event); err != nil {
		e.logger.Error("発注書イベント発行に失敗しました", zap.String("purchase_order_id", po.ID), zap.Error(err))
	}
}

func (e *Engine) newLine(ctx context.Context, poID string, input LineInput, now time.Time) (*Line, error) {
	if err := inventory.ValidateProductID(input.ProductID); err != nil {
		return nil, err
	}
	if input.Quantity <= 0 {
		return nil, inventory.NewValidationError("quantity", "発注数量は正の値である必要があります",
			fmt.Sprintf("%d", input.Quantity), inventory.ErrInvalidQuantity)
	}
	if err := inventory.ValidateQuantity(input.Quantity, false); err != nil {
		return nil, err
	}
	if err := inventory.ValidateUnitCost(input.UnitCost); err != nil {
		return nil, err
	}

	product, err := e.products.GetProduct(ctx, input.ProductID)
	if err != nil {
		if inventory.KindOf(err) == inventory.KindNotFound {
			return nil, inventory.NewValidationError("product_id", "商品が見つかりません", input.ProductID, inventory.ErrUnknownProduct)
		}
		return nil, inventory.WrapStorage("get_product", "商品取得に失敗しました", err)
	}
	if !product.IsActive() {
		return nil, inventory.NewValidationError("product_id", "無効な商品は発注できません", input.ProductID, ErrInactiveProduct)
	}

	return &Line{
		ID:              NewID(),
		PurchaseOrderID: poID,
		ProductID:       input.ProductID,
		QuantityOrdered: input.Quantity,
		UnitCost:        input.UnitCost,
		CreatedAt:       now,
	}, nil
}

func (e *Engine) checkSupplier(ctx context.Context, supplierID string) error {
	if err := inventory.ValidateSupplierID(supplierID); err != nil {
		return err
	}
	supplier, err := e.suppliers.GetSupplier(ctx, supplierID)
	if err != nil {
		if inventory.KindOf(err) == inventory.KindNotFound {
			return inventory.NewValidationError("supplier_id", "仕入先が見つかりません", supplierID, ErrUnknownSupplier)
		}
		return inventory.WrapStorage("get_supplier", "仕入先取得に失敗しました", err)
	}
	if !supplier.IsActive() {
		return inventory.NewValidationError("supplier_id", "無効な仕入先です", supplierID, ErrInactiveSupplier)
	}
	return nil
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || e.config.OperationTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.config.OperationTimeout)
}

func illegalTransition(from, to Status) error {
	return inventory.NewStateError("transition", string(from),
		fmt.Sprintf("%s から %s への遷移は許可されていません", from, to), ErrIllegalTransition)
}
