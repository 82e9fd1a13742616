package reconcile

import (
	"log/slog"
	"time"

	"github.com/hitoshi/mangawatch/internal/model"
)

// Result はReconcileの結果と、除外理由ごとの件数を保持する。
type Result struct {
	Notifications []model.Notification
	Stale         int // 公開時刻が前回チェックより前
	Orphaned      int // 親mangaを解決できない
	Unsubscribed  int // 通知先なし
}

// Reconciler はチャプター一覧と通知先インデックスから通知の列を算出する。
type Reconciler struct {
	logger *slog.Logger
}

// NewReconciler はReconcilerの新しいインスタンスを生成する。
func NewReconciler(logger *slog.Logger) *Reconciler {
	return &Reconciler{logger: logger}
}

// Reconcile は送信すべき (チャプター, Webhook) の組を入力順に返す。
//
// カタログの検索条件は更新時刻のため、古いチャプターの編集でも検索に掛かる。
// 公開時刻がlastCheckより前のチャプターは新着ではないので除外する。
// 1チャプターに複数の通知先がある場合は通知先ごとに1件ずつ生成する。
func (r *Reconciler) Reconcile(chapters []*model.Chapter, idx *DestinationIndex, lastCheck time.Time) Result {
	var res Result

	for _, ch := range chapters {
		if ch.PostedAt.Before(lastCheck) {
			res.Stale++
			continue
		}

		if !ch.HasParent() {
			r.logger.Warn("親mangaを解決できないチャプターをスキップします",
				slog.String("chapter_id", ch.ID),
			)
			res.Orphaned++
			continue
		}

		hooks := idx.Lookup(ch.MangaID, ch.Language)
		if len(hooks) == 0 {
			res.Unsubscribed++
			continue
		}

		for _, hook := range hooks {
			res.Notifications = append(res.Notifications, model.Notification{
				Chapter:    ch,
				WebhookURL: hook,
			})
		}
	}

	return res
}
