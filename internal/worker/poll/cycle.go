// Package poll は購読チャプターの更新確認サイクルとそのスケジューリングを提供する。
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/mangawatch/internal/model"
	"github.com/hitoshi/mangawatch/internal/notify"
	"github.com/hitoshi/mangawatch/internal/reconcile"
	"github.com/hitoshi/mangawatch/internal/repository"
)

// SubscriptionFetcher は購読ソースの読み込みインターフェース。
type SubscriptionFetcher interface {
	FetchSubscriptions(ctx context.Context) ([]model.SheetRecord, error)
}

// CatalogFetcher はカタログから更新チャプターを取得するインターフェース。
type CatalogFetcher interface {
	FetchUpdatedItems(ctx context.Context, since time.Time, languages []string) ([]*model.Chapter, error)
}

// Notifier は通知の一括送信インターフェース。
type Notifier interface {
	Dispatch(ctx context.Context, notifications []model.Notification) notify.Summary
}

// CycleMetrics はサイクル単位のメトリクス記録インターフェース。
type CycleMetrics interface {
	RecordCycle(result string, duration time.Duration)
	RecordChaptersFetched(count int)
	RecordSubscriptionKeys(count int)
	RecordCheckpoint(t time.Time)
}

// サイクル結果
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultAborted = "aborted"
)

// Report は1サイクル分の実行結果を表す。/api/status で公開する。
type Report struct {
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Result        string    `json:"result"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	Error         string    `json:"error,omitempty"`
	Since         time.Time `json:"since"`
	Sources       int       `json:"sources"`
	Keys          int       `json:"subscription_keys"`
	Chapters      int       `json:"chapters"`
	Notifications int       `json:"notifications"`
	Sent          int       `json:"sent"`
	Failed        int       `json:"failed"`
	Skipped       int       `json:"skipped"`
	Stale         int       `json:"stale"`
	Orphaned      int       `json:"orphaned"`
	Unsubscribed  int       `json:"unsubscribed"`
	Advanced      bool      `json:"checkpoint_advanced"`
}

// Cycle は1回分の更新確認処理を実行する。
// 購読読み込み → チェックポイント取得 → カタログ取得 → 照合 → 送信 → チェックポイント更新 の順に進む。
type Cycle struct {
	subscriptions   SubscriptionFetcher
	catalog         CatalogFetcher
	reconciler      *reconcile.Reconciler
	notifier        Notifier
	checkpoints     repository.CheckpointRepository
	metrics         CycleMetrics
	logger          *slog.Logger
	initialLookback time.Duration
	now             func() time.Time

	mu   sync.RWMutex
	last *Report
}

// NewCycle はCycleの新しいインスタンスを生成する。metricsはnilでもよい。
// initialLookbackが0以下の場合はデフォルト値1時間を使用する。
func NewCycle(
	subscriptions SubscriptionFetcher,
	catalog CatalogFetcher,
	reconciler *reconcile.Reconciler,
	notifier Notifier,
	checkpoints repository.CheckpointRepository,
	metrics CycleMetrics,
	logger *slog.Logger,
	initialLookback time.Duration,
) *Cycle {
	if initialLookback <= 0 {
		initialLookback = time.Hour
	}
	return &Cycle{
		subscriptions:   subscriptions,
		catalog:         catalog,
		reconciler:      reconciler,
		notifier:        notifier,
		checkpoints:     checkpoints,
		metrics:         metrics,
		logger:          logger,
		initialLookback: initialLookback,
		now:             time.Now,
	}
}

// LastReport は直近に完了したサイクルの結果を返す。未実行の場合はnil。
func (c *Cycle) LastReport() *Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return nil
	}
	r := *c.last
	return &r
}

// Run はサイクルを1回実行する。
// 途中で失敗した場合やコンテキストがキャンセルされた場合はチェックポイントを更新しない。
// 次のサイクルが同じ区間を再取得するため、通知は少なくとも1回届く。
func (c *Cycle) Run(ctx context.Context) error {
	start := c.now().UTC()
	report := &Report{StartedAt: start}

	err := c.run(ctx, start, report)

	report.FinishedAt = c.now().UTC()
	duration := report.FinishedAt.Sub(start)
	switch {
	case err == nil:
		report.Result = ResultSuccess
	case ctx.Err() != nil:
		report.Result = ResultAborted
	default:
		report.Result = ResultFailure
	}
	if err != nil {
		report.Error = err.Error()
		var ce *model.CycleError
		if errors.As(err, &ce) {
			report.ErrorKind = string(ce.Kind)
		}
	}

	c.mu.Lock()
	c.last = report
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordCycle(report.Result, duration)
	}

	if err != nil {
		c.logger.Error("サイクルを中断しました",
			slog.String("result", report.Result),
			slog.String("error_kind", report.ErrorKind),
			slog.String("error", err.Error()),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		return err
	}

	c.logger.Info("サイクルが完了しました",
		slog.Int("chapters", report.Chapters),
		slog.Int("notifications", report.Notifications),
		slog.Int("sent", report.Sent),
		slog.Int("failed", report.Failed),
		slog.Time("checkpoint", start),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

func (c *Cycle) run(ctx context.Context, start time.Time, report *Report) error {
	records, err := c.subscriptions.FetchSubscriptions(ctx)
	if err != nil {
		return err
	}
	report.Sources = len(records)

	idx := reconcile.BuildIndex(records)
	report.Keys = idx.Len()
	if c.metrics != nil {
		c.metrics.RecordSubscriptionKeys(idx.Len())
	}

	lastCheck, found, err := c.checkpoints.Get(ctx)
	if err != nil {
		return model.NewCheckpointStoreError("取得", err)
	}
	if !found {
		lastCheck = start.Add(-c.initialLookback)
		c.logger.Info("チェックポイントが未設定のため初回区間を使用します",
			slog.Time("since", lastCheck),
		)
	}
	report.Since = lastCheck

	if idx.Len() == 0 {
		c.logger.Info("購読がないためカタログ取得をスキップします")
	} else {
		chapters, err := c.catalog.FetchUpdatedItems(ctx, lastCheck, idx.Languages())
		if err != nil {
			return err
		}
		report.Chapters = len(chapters)
		if c.metrics != nil {
			c.metrics.RecordChaptersFetched(len(chapters))
		}

		res := c.reconciler.Reconcile(chapters, idx, lastCheck)
		report.Notifications = len(res.Notifications)
		report.Stale = res.Stale
		report.Orphaned = res.Orphaned
		report.Unsubscribed = res.Unsubscribed

		if len(res.Notifications) > 0 {
			summary := c.notifier.Dispatch(ctx, res.Notifications)
			report.Sent = summary.Sent
			report.Failed = summary.Failed
			report.Skipped = summary.Skipped
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cycle cancelled before checkpoint update: %w", err)
	}

	if err := c.checkpoints.Set(ctx, start); err != nil {
		return model.NewCheckpointStoreError("更新", err)
	}
	report.Advanced = true
	if c.metrics != nil {
		c.metrics.RecordCheckpoint(start)
	}
	return nil
}
