package purchasing

import (
	"errors"
)

// Purchasing errors. They are wrapped in the inventory error types so that
// inventory.KindOf classifies them.
// 発注関連のエラー定義
var (
	// ErrEmptyOrderLines is returned when a draft has no lines
	// 明細が空の場合のエラー
	ErrEmptyOrderLines = errors.New("発注明細がありません")

	// ErrInvalidPOState is returned when the order's status forbids the operation
	// 発注書の状態により操作できない場合のエラー
	ErrInvalidPOState = errors.New("発注書の状態が不正です")

	// ErrIllegalTransition is returned for a transition the state machine does not allow
	// 許可されていない状態遷移のエラー
	ErrIllegalTransition = errors.New("許可されていない状態遷移です")

	// ErrCannotCancelPartiallyReceived is returned when cancelling an order with receipts
	// 入荷済みの発注書を取り消そうとした場合のエラー
	ErrCannotCancelPartiallyReceived = errors.New("入荷実績のある発注書は取り消せません")

	// ErrOverReceiptRejected is returned when a delivery exceeds the remaining quantity
	// 未入荷数量を超える入荷のエラー
	ErrOverReceiptRejected = errors.New("発注数量を超える入荷は許可されていません")

	// ErrLineNotFound is returned for an unknown line ID
	// 明細が存在しない場合のエラー
	ErrLineNotFound = errors.New("発注明細が見つかりません")

	// ErrUnknownSupplier is returned when the supplier directory has no such supplier
	// 仕入先が存在しない場合のエラー
	ErrUnknownSupplier = errors.New("仕入先が見つかりません")

	// ErrInactiveSupplier is returned when the supplier no longer accepts orders
	ErrInactiveSupplier = errors.New("仕入先が無効です")

	// ErrInactiveProduct is returned when ordering an inactive product
	// 無効な商品を発注しようとした場合のエラー
	ErrInactiveProduct = errors.New("商品が無効です")

	// ErrInvalidAction is returned for an unknown transition action
	ErrInvalidAction = errors.New("無効なアクションです")
)
