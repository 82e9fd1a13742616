package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/mangawatch/internal/model"
)

// PostgresSourceRepo はPostgreSQLを使用した購読ソースリポジトリ。
// スプレッドシートと同じ行形式（webhooks: URL, manga: ID と言語リスト）で返し、
// 検証はsubscriptionパッケージに任せる。
type PostgresSourceRepo struct {
	db *sql.DB
}

// NewPostgresSourceRepo はPostgresSourceRepoを生成する。
func NewPostgresSourceRepo(db *sql.DB) *PostgresSourceRepo {
	return &PostgresSourceRepo{db: db}
}

// ReadSheets は有効な購読ソースをすべて読み込む。
// 作成順にソースを並べ、各ソースの行はposition順に並べる。
func (r *PostgresSourceRepo) ReadSheets(ctx context.Context) ([]model.RawSheet, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name FROM subscription_sources
		 WHERE enabled = TRUE
		 ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("購読ソース一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sheets []model.RawSheet
	index := make(map[string]int)
	for rows.Next() {
		var raw model.RawSheet
		if err := rows.Scan(&raw.ID, &raw.Name); err != nil {
			return nil, fmt.Errorf("購読ソースのスキャンに失敗しました: %w", err)
		}
		index[raw.ID] = len(sheets)
		sheets = append(sheets, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読ソース一覧の読み取りに失敗しました: %w", err)
	}
	if len(sheets) == 0 {
		return sheets, nil
	}

	if err := r.loadWebhooks(ctx, sheets, index); err != nil {
		return nil, err
	}
	if err := r.loadManga(ctx, sheets, index); err != nil {
		return nil, err
	}

	return sheets, nil
}

func (r *PostgresSourceRepo) loadWebhooks(ctx context.Context, sheets []model.RawSheet, index map[string]int) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT w.source_id, w.url
		 FROM source_webhooks w
		 JOIN subscription_sources s ON s.id = w.source_id
		 WHERE s.enabled = TRUE
		 ORDER BY w.source_id, w.position ASC, w.created_at ASC`,
	)
	if err != nil {
		return fmt.Errorf("webhookの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sourceID, url string
		if err := rows.Scan(&sourceID, &url); err != nil {
			return fmt.Errorf("webhookのスキャンに失敗しました: %w", err)
		}
		if i, ok := index[sourceID]; ok {
			sheets[i].WebhookRows = append(sheets[i].WebhookRows, []string{url})
		}
	}
	return rows.Err()
}

func (r *PostgresSourceRepo) loadManga(ctx context.Context, sheets []model.RawSheet, index map[string]int) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT m.source_id, m.manga_id, m.languages
		 FROM source_manga m
		 JOIN subscription_sources s ON s.id = m.source_id
		 WHERE s.enabled = TRUE
		 ORDER BY m.source_id, m.position ASC, m.created_at ASC`,
	)
	if err != nil {
		return fmt.Errorf("manga購読の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sourceID, mangaID, languages string
		if err := rows.Scan(&sourceID, &mangaID, &languages); err != nil {
			return fmt.Errorf("manga購読のスキャンに失敗しました: %w", err)
		}
		if i, ok := index[sourceID]; ok {
			sheets[i].MangaRows = append(sheets[i].MangaRows, []string{mangaID, languages})
		}
	}
	return rows.Err()
}
