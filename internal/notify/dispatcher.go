package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/mangawatch/internal/model"
	"github.com/hitoshi/mangawatch/internal/security"
)

// recordTimeout は送信記録の書き込みに使用するタイムアウト。
const recordTimeout = 5 * time.Second

// PayloadSender はペイロードを1つのWebhookへ送信する。
type PayloadSender interface {
	Send(ctx context.Context, webhookURL string, payload *Payload) (attempts int, err error)
}

// PayloadBuilder はチャプターから送信ペイロードを組み立てる。
type PayloadBuilder interface {
	Build(ch *model.Chapter) *Payload
}

// DeliveryRecorder は送信結果を記録する。
type DeliveryRecorder interface {
	Record(ctx context.Context, d *model.Delivery) error
}

// DispatchMetrics は送信結果の件数を記録する。
type DispatchMetrics interface {
	RecordNotification(status model.DeliveryStatus)
}

// Summary はDispatchの集計結果。
type Summary struct {
	Sent    int
	Failed  int
	Skipped int // コンテキストのキャンセルにより送信しなかった件数
}

// Dispatcher は通知を宛先ごとに並列で送信する。
// 宛先ごとに独立して送信し、1件の失敗は他の宛先に影響しない。
// 同じ宛先への通知は順番に送信するため、チャプターの投稿順が入れ替わらない。
type Dispatcher struct {
	sender        PayloadSender
	builder       PayloadBuilder
	recorder      DeliveryRecorder
	metrics       DispatchMetrics
	logger        *slog.Logger
	maxConcurrent int
	timeout       time.Duration
}

// NewDispatcher はDispatcherの新しいインスタンスを生成する。
// recorderとmetricsはnilでもよい。maxConcurrentが0以下の場合はデフォルト値5を使用する。
func NewDispatcher(
	sender PayloadSender,
	builder PayloadBuilder,
	recorder DeliveryRecorder,
	metrics DispatchMetrics,
	logger *slog.Logger,
	maxConcurrent int,
	timeout time.Duration,
) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Dispatcher{
		sender:        sender,
		builder:       builder,
		recorder:      recorder,
		metrics:       metrics,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		timeout:       timeout,
	}
}

// Dispatch は全通知を送信し、集計結果を返す。
// 通知は宛先ごとにまとめ、同じ宛先へは受け取った順に1件ずつ送信する。
// semaphoreパターンで同時に送信する宛先数を制御し、1件ごとにタイムアウトを設定する。
// コンテキストがキャンセルされた場合、未着手の通知は送信しない。
func (d *Dispatcher) Dispatch(ctx context.Context, notifications []model.Notification) Summary {
	var (
		mu      sync.Mutex
		summary Summary
		wg      sync.WaitGroup
	)
	if len(notifications) == 0 {
		return summary
	}

	start := time.Now()

	// 同じチャプターのペイロードは使い回す
	payloads := make(map[string]*Payload)
	for _, n := range notifications {
		if _, ok := payloads[n.Chapter.ID]; !ok {
			payloads[n.Chapter.ID] = d.builder.Build(n.Chapter)
		}
	}

	groups := groupByDestination(notifications)
	sem := make(chan struct{}, d.maxConcurrent)

	for i, group := range groups {
		if err := acquire(ctx, sem); err != nil {
			skipped := 0
			for _, rest := range groups[i:] {
				skipped += len(rest)
			}
			mu.Lock()
			summary.Skipped += skipped
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(group []model.Notification) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			for j, n := range group {
				if ctx.Err() != nil {
					mu.Lock()
					summary.Skipped += len(group) - j
					mu.Unlock()
					return
				}

				err := d.sendOne(ctx, n, payloads[n.Chapter.ID])

				mu.Lock()
				if err != nil {
					summary.Failed++
				} else {
					summary.Sent++
				}
				mu.Unlock()
			}
		}(group)
	}

	wg.Wait()

	d.logger.Info("通知の送信が完了しました",
		slog.Int("destinations", len(groups)),
		slog.Int("sent", summary.Sent),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return summary
}

// groupByDestination は通知をWebhook URLごとにまとめる。
// 宛先は最初に現れた順、宛先内の通知は元の順序を保つ。
func groupByDestination(notifications []model.Notification) [][]model.Notification {
	index := make(map[string]int)
	var groups [][]model.Notification
	for _, n := range notifications {
		i, ok := index[n.WebhookURL]
		if !ok {
			i = len(groups)
			index[n.WebhookURL] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], n)
	}
	return groups
}

// acquire はsemaphoreを取得する。キャンセル済みの場合は取得しない。
func acquire(ctx context.Context, sem chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) sendOne(ctx context.Context, n model.Notification, payload *Payload) error {
	sendCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	attempts, err := d.sender.Send(sendCtx, n.WebhookURL, payload)
	if attempts < 1 {
		attempts = 1
	}

	delivery := &model.Delivery{
		ChapterID:   n.Chapter.ID,
		MangaID:     n.Chapter.MangaID,
		WebhookHash: WebhookHash(n.WebhookURL),
		Status:      model.DeliveryStatusSent,
		Attempts:    attempts,
	}
	if err != nil {
		delivery.Status = model.DeliveryStatusFailed
		delivery.ErrorMessage = err.Error()

		var de *model.DeliveryError
		if errors.As(err, &de) {
			delivery.HTTPStatus = de.StatusCode
			if de.Attempts > 0 {
				delivery.Attempts = de.Attempts
			}
		}

		d.logger.Error("通知の送信に失敗しました",
			slog.String("chapter_id", n.Chapter.ID),
			slog.String("manga_id", n.Chapter.MangaID),
			slog.String("webhook", security.RedactWebhookURL(n.WebhookURL)),
			slog.String("error", err.Error()),
		)
	} else {
		d.logger.Debug("通知を送信しました",
			slog.String("chapter_id", n.Chapter.ID),
			slog.String("webhook", security.RedactWebhookURL(n.WebhookURL)),
			slog.Int("attempts", attempts),
		)
	}

	if d.metrics != nil {
		d.metrics.RecordNotification(delivery.Status)
	}
	d.record(ctx, delivery)

	return err
}

// record は送信結果を記録する。記録の失敗は送信結果に影響させない。
func (d *Dispatcher) record(ctx context.Context, delivery *model.Delivery) {
	if d.recorder == nil {
		return
	}
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := d.recorder.Record(recCtx, delivery); err != nil {
		d.logger.Warn("送信記録の保存に失敗しました",
			slog.String("chapter_id", delivery.ChapterID),
			slog.String("error", err.Error()),
		)
	}
}

// WebhookHash はWebhook URLのSHA-256ハッシュを16進文字列で返す。
// URLにはトークンが含まれるため、永続化にはこの値を使用する。
func WebhookHash(webhookURL string) string {
	sum := sha256.Sum256([]byte(webhookURL))
	return hex.EncodeToString(sum[:])
}
