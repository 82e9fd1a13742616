// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrorKind はサイクル処理で発生するエラーの分類を表す。
type ErrorKind string

// 定義済みエラー種別
const (
	// ErrKindSourceUnavailable は購読ソースに到達できないことを示す。サイクルを中断する。
	ErrKindSourceUnavailable ErrorKind = "SOURCE_UNAVAILABLE"
	// ErrKindCatalogFetch はカタログAPIの取得失敗を示す。サイクルを中断する。
	ErrKindCatalogFetch ErrorKind = "CATALOG_FETCH_FAILED"
	// ErrKindCheckpointStore はチェックポイントの読み書き失敗を示す。サイクルを中断する。
	ErrKindCheckpointStore ErrorKind = "CHECKPOINT_STORE_FAILED"
	// ErrKindDelivery は宛先単位の送信失敗を示す。サイクルは継続する。
	ErrKindDelivery ErrorKind = "DELIVERY_FAILED"
)

// ErrWorksheetNotFound はスプレッドシートに必要なワークシートが存在しないことを示す。
var ErrWorksheetNotFound = errors.New("worksheet not found")

// CycleError はサイクル単位で扱うエラーを表す。
type CycleError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *CycleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap は元のエラーを返す。
func (e *CycleError) Unwrap() error {
	return e.Err
}

// Fatal はこのエラーがサイクル全体を中断させるかを返す。
func (e *CycleError) Fatal() bool {
	return e.Kind != ErrKindDelivery
}

// NewSourceUnavailableError は購読ソース到達不可エラーを生成する。
func NewSourceUnavailableError(err error) *CycleError {
	return &CycleError{
		Kind:    ErrKindSourceUnavailable,
		Message: "購読ソースを読み込めませんでした",
		Err:     err,
	}
}

// NewCatalogFetchError はカタログ取得失敗エラーを生成する。
func NewCatalogFetchError(offset int, err error) *CycleError {
	return &CycleError{
		Kind:    ErrKindCatalogFetch,
		Message: fmt.Sprintf("カタログAPIの取得に失敗しました (offset=%d)", offset),
		Err:     err,
	}
}

// NewCheckpointStoreError はチェックポイントストアのエラーを生成する。
func NewCheckpointStoreError(op string, err error) *CycleError {
	return &CycleError{
		Kind:    ErrKindCheckpointStore,
		Message: fmt.Sprintf("チェックポイントの%sに失敗しました", op),
		Err:     err,
	}
}

// DeliveryError は1宛先への通知送信失敗を表す。
// Webhook URLはログ出力用にマスク済みの値を保持する。
type DeliveryError struct {
	Destination string
	StatusCode  int
	Attempts    int
	Err         error
}

// Error はerrorインターフェースを実装する。
func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%s] %s への送信がステータス %d で失敗しました (attempts=%d)",
			ErrKindDelivery, e.Destination, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("[%s] %s への送信に失敗しました (attempts=%d): %v",
		ErrKindDelivery, e.Destination, e.Attempts, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsKind はエラーチェーン中に指定種別のエラーが含まれるかを判定する。
func IsKind(err error, kind ErrorKind) bool {
	var ce *CycleError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	if kind == ErrKindDelivery {
		var de *DeliveryError
		return errors.As(err, &de)
	}
	return false
}
