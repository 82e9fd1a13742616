// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/mangawatch/internal/model"
)

// CheckpointRepository は前回チェック時刻の永続化インターフェース。
type CheckpointRepository interface {
	// Get は前回チェック時刻を取得する。未設定の場合はfound=falseを返す。
	Get(ctx context.Context) (t time.Time, found bool, err error)

	// Set は前回チェック時刻を更新する。
	Set(ctx context.Context, t time.Time) error
}

// SourceRepository はデータベース上の購読ソースの読み取りインターフェース。
type SourceRepository interface {
	// ReadSheets は有効な購読ソースの未検証の行データを返す。
	ReadSheets(ctx context.Context) ([]model.RawSheet, error)
}

// DeliveryRepository は通知送信記録の永続化インターフェース。
type DeliveryRepository interface {
	// Record は送信結果を1件記録する。IDと作成日時が未設定の場合は補完する。
	Record(ctx context.Context, d *model.Delivery) error

	// CountByStatusSince はsince以降の送信記録を状態ごとに集計する。
	CountByStatusSince(ctx context.Context, since time.Time) (map[model.DeliveryStatus]int, error)
}
