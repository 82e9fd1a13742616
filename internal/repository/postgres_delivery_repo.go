package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/mangawatch/internal/model"
)

// PostgresDeliveryRepo はPostgreSQLを使用した通知送信記録リポジトリ。
type PostgresDeliveryRepo struct {
	db *sql.DB
}

// NewPostgresDeliveryRepo はPostgresDeliveryRepoを生成する。
func NewPostgresDeliveryRepo(db *sql.DB) *PostgresDeliveryRepo {
	return &PostgresDeliveryRepo{db: db}
}

// Record は送信結果を1件記録する。
func (r *PostgresDeliveryRepo) Record(ctx context.Context, d *model.Delivery) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	var errMsg sql.NullString
	if d.ErrorMessage != "" {
		errMsg = sql.NullString{String: d.ErrorMessage, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO deliveries (id, chapter_id, manga_id, webhook_hash, status, http_status, attempts, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.ChapterID, d.MangaID, d.WebhookHash, string(d.Status), d.HTTPStatus, d.Attempts, errMsg, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("送信記録の作成に失敗しました: %w", err)
	}
	return nil
}

// CountByStatusSince はsince以降の送信記録を状態ごとに集計する。
func (r *PostgresDeliveryRepo) CountByStatusSince(ctx context.Context, since time.Time) (map[model.DeliveryStatus]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM deliveries WHERE created_at >= $1 GROUP BY status`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("送信記録の集計に失敗しました: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.DeliveryStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("送信記録集計のスキャンに失敗しました: %w", err)
		}
		counts[model.DeliveryStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("送信記録集計の読み取りに失敗しました: %w", err)
	}
	return counts, nil
}
