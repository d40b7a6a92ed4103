package inventory

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	maxQuantity     = 999999999
	maxReasonLength = 500
	maxRefLength    = 255
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateProductID 商品IDの形式をバリデーション
func ValidateProductID(productID string) error {
	return validateIdentifier("product_id", "商品ID", productID)
}

// ValidateSupplierID 仕入先IDの形式をバリデーション
func ValidateSupplierID(supplierID string) error {
	return validateIdentifier("supplier_id", "仕入先ID", supplierID)
}

func validateIdentifier(field, label, value string) error {
	if value == "" {
		return NewValidationError(field, label+"が空です", value, nil)
	}
	if len(value) > maxRefLength {
		return NewValidationError(field, label+"が長すぎます", value, nil)
	}
	// 英数字、ハイフン、アンダースコアのみ許可
	if !identifierPattern.MatchString(value) {
		return NewValidationError(field, label+"に無効な文字が含まれています", value, nil)
	}
	return nil
}

// ValidateQuantity 数量をバリデーション（ゼロは常に不可）
func ValidateQuantity(quantity int64, allowNegative bool) error {
	if quantity == 0 {
		return NewValidationError("quantity", "数量はゼロ以外である必要があります", "0", ErrInvalidQuantity)
	}
	if !allowNegative && quantity < 0 {
		return NewValidationError("quantity", "負の数量は許可されていません", fmt.Sprintf("%d", quantity), ErrInvalidQuantity)
	}
	if quantity < -maxQuantity || quantity > maxQuantity {
		return NewValidationError("quantity", "数量が有効範囲を超えています", fmt.Sprintf("%d", quantity), ErrInvalidQuantity)
	}
	return nil
}

// ValidateMovementType 移動タイプをバリデーション
func ValidateMovementType(t MovementType) error {
	if !t.IsValid() {
		return NewValidationError("movement_type", "無効な移動タイプです", string(t), ErrInvalidMovementType)
	}
	return nil
}

// ValidateReason 理由をバリデーション
func ValidateReason(reason string) error {
	if len(reason) > maxReasonLength {
		return NewValidationError("reason", "理由が長すぎます", reason, nil)
	}
	return nil
}

// ValidateReference 参照IDをバリデーション
func ValidateReference(reference string) error {
	if len(reference) > maxRefLength {
		return NewValidationError("reference_id", "参照IDが長すぎます", reference, nil)
	}
	return nil
}

// ValidateIdempotencyKey 冪等キーをバリデーション
func ValidateIdempotencyKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return NewValidationError("idempotency_key", "冪等キーが空です", key, nil)
	}
	if len(key) > maxRefLength {
		return NewValidationError("idempotency_key", "冪等キーが長すぎます", key, nil)
	}
	return nil
}

// ValidateUnitCost 単価をバリデーション
func ValidateUnitCost(unitCost decimal.Decimal) error {
	if unitCost.IsNegative() {
		return NewValidationError("unit_cost", "単価は0以上である必要があります", unitCost.String(), nil)
	}
	return nil
}

// ValidateTaxRate 税率をバリデーション（0以上1未満）
func ValidateTaxRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return NewValidationError("tax_rate", "税率は0以上1未満である必要があります", rate.String(), nil)
	}
	return nil
}

// ValidateMovementInput 在庫移動の入力をバリデーション（符号規則を含む）
func ValidateMovementInput(input StockMovementInput) error {
	if err := ValidateProductID(input.ProductID); err != nil {
		return err
	}
	if err := ValidateMovementType(input.Type); err != nil {
		return err
	}

	// 入荷・返品は正、引当・調整は両符号
	switch input.Type {
	case MovementTypeReceipt, MovementTypeReturn:
		if err := ValidateQuantity(input.Quantity, false); err != nil {
			return err
		}
	default:
		if err := ValidateQuantity(input.Quantity, true); err != nil {
			return err
		}
	}

	if input.Reason != nil {
		if err := ValidateReason(*input.Reason); err != nil {
			return err
		}
	}
	if input.ReferenceID != nil {
		if err := ValidateReference(*input.ReferenceID); err != nil {
			return err
		}
	}
	if input.IdempotencyKey != nil {
		if err := ValidateIdempotencyKey(*input.IdempotencyKey); err != nil {
			return err
		}
	}
	return nil
}
