package inventory

import (
	"context"
	"errors"
	"fmt"
)

// Common inventory errors
// 共通の在庫エラー定義

var (
	// ErrInvalidQuantity is returned for zero quantities or quantities with the wrong sign
	// 数量がゼロまたは符号が不正な場合のエラー
	ErrInvalidQuantity = errors.New("数量が不正です")

	// ErrUnknownProduct is returned when the product directory has no such product
	// 商品が存在しない場合のエラー
	ErrUnknownProduct = errors.New("商品が見つかりません")

	// ErrInvalidMovementType is returned for an unknown movement type
	// 未知の移動タイプの場合のエラー
	ErrInvalidMovementType = errors.New("無効な移動タイプです")

	// ErrInsufficientAllocation is returned when a release exceeds the allocated quantity
	// 引当量を超えて解除しようとした場合のエラー
	ErrInsufficientAllocation = errors.New("引当量が不足しています")

	// ErrIdempotencyConflict is returned when an idempotency key is reused for a different movement
	// 冪等キーが別の移動で再利用された場合のエラー
	ErrIdempotencyConflict = errors.New("冪等キーが別の在庫移動で使用されています")

	// ErrVersionMismatch is returned when optimistic locking fails
	// 楽観的ロック失敗時のエラー
	ErrVersionMismatch = errors.New("バージョンが一致しません。他のユーザーによって更新されています")

	// ErrNotFound is returned by storage when a record doesn't exist
	// 記録が存在しない場合のエラー
	ErrNotFound = errors.New("記録が見つかりません")

	// ErrTimeout is returned when an operation exceeds its deadline
	// 処理がタイムアウトした場合のエラー
	ErrTimeout = errors.New("処理がタイムアウトしました")

	// ErrStorageUnavailable is returned when the persistence layer cannot be reached
	// ストレージに接続できない場合のエラー
	ErrStorageUnavailable = errors.New("ストレージが利用できません")
)

// ErrorKind groups errors by how a caller should react to them
// 呼び出し元の対処方法によるエラー分類
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"     // 書き込み前に拒否
	KindNotFound       ErrorKind = "not_found"      // 対象なし
	KindState          ErrorKind = "state"          // 状態遷移違反
	KindConflict       ErrorKind = "conflict"       // 再読込後に再試行可能
	KindInfrastructure ErrorKind = "infrastructure" // ストレージ障害・タイムアウト
	KindUnknown        ErrorKind = "unknown"
)

// ValidationError represents a validation error with details
// 詳細付きバリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
	Err     error  `json:"-"`       // 原因エラー
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

func (e ValidationError) Unwrap() error {
	return e.Err
}

// StateError represents an operation rejected by the current state of an entity
// 現在の状態により拒否された操作を表現
type StateError struct {
	Rule    string `json:"rule"`    // ルール名
	Current string `json:"current"` // 現在の状態
	Message string `json:"message"` // エラーメッセージ
	Err     error  `json:"-"`       // 原因エラー
}

func (e StateError) Error() string {
	return fmt.Sprintf("状態エラー [%s]: %s (現在の状態: %s)", e.Rule, e.Message, e.Current)
}

func (e StateError) Unwrap() error {
	return e.Err
}

// ConcurrencyError represents a concurrency-related error
// 同時実行関連のエラーを表現
type ConcurrencyError struct {
	Operation string `json:"operation"` // 操作名
	Resource  string `json:"resource"`  // リソース
	Message   string `json:"message"`   // エラーメッセージ
	Err       error  `json:"-"`         // 原因エラー
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("同時実行エラー [%s:%s]: %s", e.Operation, e.Resource, e.Message)
}

func (e ConcurrencyError) Unwrap() error {
	return e.Err
}

// NotFoundError represents a missing entity
// 存在しないエンティティを表現
type NotFoundError struct {
	Resource string `json:"resource"` // リソース種別
	ID       string `json:"id"`       // ID
	Err      error  `json:"-"`        // 原因エラー
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%sが見つかりません: %s", e.Resource, e.ID)
}

func (e NotFoundError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrNotFound
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"cause"`     // 原因エラー
}

func (e StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e StorageError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents an operation that hit its deadline
// タイムアウトした操作を表現
type TimeoutError struct {
	Operation string `json:"operation"` // 操作名
	Resource  string `json:"resource"`  // リソース
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("タイムアウト [%s:%s]", e.Operation, e.Resource)
}

func (e TimeoutError) Unwrap() error {
	return ErrTimeout
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string, cause error) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
		Err:     cause,
	}
}

// NewStateError creates a new state error
// 新しい状態エラーを作成
func NewStateError(rule, current, message string, cause error) *StateError {
	return &StateError{
		Rule:    rule,
		Current: current,
		Message: message,
		Err:     cause,
	}
}

// NewConcurrencyError creates a new concurrency error
// 新しい同時実行エラーを作成
func NewConcurrencyError(operation, resource, message string, cause error) *ConcurrencyError {
	return &ConcurrencyError{
		Operation: operation,
		Resource:  resource,
		Message:   message,
		Err:       cause,
	}
}

// NewNotFoundError creates a new not-found error
func NewNotFoundError(resource, id string, cause error) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		ID:       id,
		Err:      cause,
	}
}

// NewStorageError creates a new storage error
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(operation, resource string) *TimeoutError {
	return &TimeoutError{
		Operation: operation,
		Resource:  resource,
	}
}

// WrapStorage converts an error returned by a storage call into the taxonomy.
// Typed errors pass through; deadline errors become TimeoutError.
// ストレージ呼び出しのエラーを分類済みエラーに変換
func WrapStorage(operation, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(operation, "storage")
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return NewStorageError(operation, message, err)
}

// KindOf classifies err. Timeouts and storage failures are infrastructure errors.
// エラーを分類
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var (
		timeoutErr     *TimeoutError
		validationErr  *ValidationError
		notFoundErr    *NotFoundError
		stateErr       *StateError
		concurrencyErr *ConcurrencyError
		storageErr     *StorageError
	)
	switch {
	case errors.As(err, &timeoutErr), errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindInfrastructure
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.As(err, &notFoundErr), errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.As(err, &stateErr):
		return KindState
	case errors.As(err, &concurrencyErr), errors.Is(err, ErrVersionMismatch):
		return KindConflict
	case errors.As(err, &storageErr), errors.Is(err, ErrStorageUnavailable):
		return KindInfrastructure
	}
	return KindUnknown
}

// IsTimeout reports whether err is a timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// CurrentState returns the state carried by a StateError, if any
// StateErrorが保持する現在の状態を取得
func CurrentState(err error) (string, bool) {
	var stateErr *StateError
	if errors.As(err, &stateErr) {
		return stateErr.Current, true
	}
	return "", false
}
