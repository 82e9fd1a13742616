package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	// lastCheckName は前回チェック時刻を保存するレコード名。
	lastCheckName = "last_check"
	// legacyLayout はタイムゾーンなしで保存された値の書式。UTCとして解釈する。
	legacyLayout = "2006-01-02T15:04:05"
)

// PostgresCheckpointRepo はPostgreSQLを使用したチェックポイントリポジトリ。
// 値はRFC 3339形式の文字列として保存する。
type PostgresCheckpointRepo struct {
	db *sql.DB
}

// NewPostgresCheckpointRepo はPostgresCheckpointRepoを生成する。
func NewPostgresCheckpointRepo(db *sql.DB) *PostgresCheckpointRepo {
	return &PostgresCheckpointRepo{db: db}
}

// Get は前回チェック時刻を取得する。レコードがない場合はfound=falseを返す。
func (r *PostgresCheckpointRepo) Get(ctx context.Context) (time.Time, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM checkpoints WHERE name = $1`,
		lastCheckName,
	).Scan(&value)

	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("チェックポイントの取得に失敗しました: %w", err)
	}

	t, err := parseCheckpoint(value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("チェックポイントの値が不正です: %q: %w", value, err)
	}
	return t, true, nil
}

// Set は前回チェック時刻をUPSERTする。
func (r *PostgresCheckpointRepo) Set(ctx context.Context, t time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO checkpoints (name, value, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		lastCheckName, formatCheckpoint(t),
	)
	if err != nil {
		return fmt.Errorf("チェックポイントの更新に失敗しました: %w", err)
	}
	return nil
}

func formatCheckpoint(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseCheckpoint(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(legacyLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}
