package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/mangawatch/internal/catalog"
	"github.com/hitoshi/mangawatch/internal/config"
	"github.com/hitoshi/mangawatch/internal/metrics"
	"github.com/hitoshi/mangawatch/internal/notify"
	"github.com/hitoshi/mangawatch/internal/reconcile"
	"github.com/hitoshi/mangawatch/internal/repository"
	"github.com/hitoshi/mangawatch/internal/security"
	"github.com/hitoshi/mangawatch/internal/sheets"
	"github.com/hitoshi/mangawatch/internal/subscription"
	"github.com/hitoshi/mangawatch/internal/worker/poll"
)

// Google APIへのリクエストタイムアウト
const googleAPITimeout = 30 * time.Second

// pipeline はサイクル実行に必要なコンポーネントをまとめたもの。
type pipeline struct {
	cycle       *poll.Cycle
	checkpoints *repository.PostgresCheckpointRepo
	deliveries  *repository.PostgresDeliveryRepo
}

// newSheetReader は設定に応じた購読ソースのリーダーを返す。
func newSheetReader(cfg *config.Config, db *sql.DB, logger *slog.Logger) (subscription.SheetReader, error) {
	switch cfg.SubscriptionBackend {
	case config.BackendSheets:
		httpClient := &http.Client{Timeout: googleAPITimeout}
		tokens, err := sheets.NewTokenSource(httpClient, cfg.GoogleClientEmail, cfg.GooglePrivateKey, cfg.GoogleTokenURI)
		if err != nil {
			return nil, fmt.Errorf("failed to create google token source: %w", err)
		}
		return sheets.NewClient(httpClient, tokens, logger), nil
	case config.BackendPostgres:
		return repository.NewPostgresSourceRepo(db), nil
	default:
		return nil, fmt.Errorf("unsupported subscription backend: %q", cfg.SubscriptionBackend)
	}
}

// buildPipeline は全依存関係をワイヤリングしてサイクルを構築する。
func buildPipeline(cfg *config.Config, db *sql.DB, collector *metrics.Collector, logger *slog.Logger) (*pipeline, error) {
	// 1. リポジトリの初期化
	checkpointRepo := repository.NewPostgresCheckpointRepo(db)
	deliveryRepo := repository.NewPostgresDeliveryRepo(db)

	// 2. セキュリティサービスの初期化
	guard := security.NewWebhookGuard(cfg.WebhookURLPrefix)
	sanitizer := security.NewTextSanitizer()

	// 3. 購読ソース
	reader, err := newSheetReader(cfg, db, logger)
	if err != nil {
		return nil, err
	}
	source := subscription.NewSource(reader, guard, logger)

	// 4. カタログクライアント
	catalogClient := catalog.NewClient(
		&http.Client{Timeout: cfg.CatalogTimeout},
		logger,
		catalog.WithEndpoint(cfg.CatalogBaseURL),
		catalog.WithPageSize(cfg.CatalogPageSize),
		catalog.WithPageDelay(cfg.CatalogPageDelay),
		catalog.WithMetrics(collector),
	)

	// 5. 通知
	sender := notify.NewSender(guard.NewSafeClient(cfg.NotifyTimeout), logger, cfg.NotifyMaxRetries, collector)
	builder := notify.NewEmbedBuilder(cfg.NotifyUsername, cfg.NotifyAvatarURL, sanitizer)
	dispatcher := notify.NewDispatcher(
		sender, builder, deliveryRepo, collector, logger,
		cfg.NotifyMaxConcurrent, cfg.NotifyTimeout,
	)

	// 6. サイクル
	cycle := poll.NewCycle(
		source,
		catalogClient,
		reconcile.NewReconciler(logger),
		dispatcher,
		checkpointRepo,
		collector,
		logger,
		cfg.InitialLookback,
	)

	return &pipeline{
		cycle:       cycle,
		checkpoints: checkpointRepo,
		deliveries:  deliveryRepo,
	}, nil
}
