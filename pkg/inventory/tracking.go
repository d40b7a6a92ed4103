package inventory

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TrackingManager builds audit trails from the ledger
// 台帳から監査証跡を作成
type TrackingManager struct {
	ledger *Ledger
	logger *zap.Logger
}

// NewTrackingManager creates a new tracking manager
// 新しい追跡マネージャーを作成
func NewTrackingManager(ledger *Ledger, logger *zap.Logger) *TrackingManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrackingManager{
		ledger: ledger,
		logger: logger,
	}
}

// GetAuditTrail returns the movements of a product created in [from, to).
// A zero to means "until now".
// 商品の監査証跡を取得
func (tm *TrackingManager) GetAuditTrail(ctx context.Context, productID string, from, to time.Time) (*AuditTrail, error) {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if to.Before(from) {
		return nil, NewValidationError("to", "終了日時が開始日時より前です", to.Format(time.RFC3339), nil)
	}

	movements, err := tm.ledger.ReadAll(ctx, productID)
	if err != nil {
		return nil, err
	}

	// 期間フィルタリング
	trail := &AuditTrail{
		ProductID:   productID,
		FromDate:    from,
		ToDate:      to,
		Movements:   make([]StockMovement, 0),
		Totals:      make(map[MovementType]int64),
		GeneratedAt: time.Now().UTC(),
	}
	for _, m := range movements {
		if m.CreatedAt.Before(from) || !m.CreatedAt.Before(to) {
			continue
		}
		trail.Movements = append(trail.Movements, m)
		trail.Totals[m.Type] += m.Quantity
	}

	tm.logger.Debug("監査証跡作成完了",
		zap.String("product_id", productID),
		zap.Int("movements", len(trail.Movements)),
	)
	return trail, nil
}

// GetByReference returns the movements of a product that point at referenceID
// 参照IDに紐づく在庫移動を取得
func (tm *TrackingManager) GetByReference(ctx context.Context, productID, referenceID string) ([]StockMovement, error) {
	if strings.TrimSpace(referenceID) == "" {
		return nil, NewValidationError("reference_id", "参照IDが空です", referenceID, nil)
	}
	if err := ValidateReference(referenceID); err != nil {
		return nil, err
	}
	return tm.ledger.ListByReference(ctx, productID, referenceID)
}

// AuditTrail is the movement history of one product over a period
// 期間内の監査証跡を表現
type AuditTrail struct {
	ProductID   string                 `json:"product_id"`
	FromDate    time.Time              `json:"from_date"`
	ToDate      time.Time              `json:"to_date"`
	Movements   []StockMovement        `json:"movements"`
	Totals      map[MovementType]int64 `json:"totals"`
	GeneratedAt time.Time              `json:"generated_at"`
}
