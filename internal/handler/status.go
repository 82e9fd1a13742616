package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/mangawatch/internal/model"
	"github.com/hitoshi/mangawatch/internal/worker/poll"
)

// ReportSource は直近のサイクル結果を提供するインターフェース。
type ReportSource interface {
	LastReport() *poll.Report
}

// CheckpointReader はチェックポイントの読み取りインターフェース。
type CheckpointReader interface {
	Get(ctx context.Context) (time.Time, bool, error)
}

// DeliveryCounter は送信記録の集計インターフェース。
type DeliveryCounter interface {
	CountByStatusSince(ctx context.Context, since time.Time) (map[model.DeliveryStatus]int, error)
}

// deliveryWindow は/api/statusで集計する送信記録の期間。
const deliveryWindow = 24 * time.Hour

// StatusResponse は/api/statusのレスポンス。
type StatusResponse struct {
	Checkpoint    *time.Time     `json:"checkpoint"`
	LastCycle     *poll.Report   `json:"last_cycle"`
	Deliveries24h map[string]int `json:"deliveries_24h"`
}

// StatusHandler は/api/statusエンドポイントを提供する。
type StatusHandler struct {
	reports     ReportSource
	checkpoints CheckpointReader
	deliveries  DeliveryCounter
	logger      *slog.Logger
	now         func() time.Time
}

// NewStatusHandler はStatusHandlerの新しいインスタンスを生成する。
// reportsがnilの場合（onceモード等）はlast_cycleをnullで返す。
func NewStatusHandler(reports ReportSource, checkpoints CheckpointReader, deliveries DeliveryCounter, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		reports:     reports,
		checkpoints: checkpoints,
		deliveries:  deliveries,
		logger:      logger,
		now:         time.Now,
	}
}

// Status はチェックポイント、直近のサイクル結果、24時間分の送信件数を返す。
// 集計に失敗した項目は省略し、レスポンス自体は200で返す。
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Deliveries24h: map[string]int{
			string(model.DeliveryStatusSent):   0,
			string(model.DeliveryStatusFailed): 0,
		},
	}

	if t, found, err := h.checkpoints.Get(r.Context()); err != nil {
		h.logger.Warn("チェックポイントの取得に失敗しました",
			slog.String("error", err.Error()),
		)
	} else if found {
		resp.Checkpoint = &t
	}

	if h.reports != nil {
		resp.LastCycle = h.reports.LastReport()
	}

	counts, err := h.deliveries.CountByStatusSince(r.Context(), h.now().Add(-deliveryWindow))
	if err != nil {
		h.logger.Warn("送信記録の集計に失敗しました",
			slog.String("error", err.Error()),
		)
	}
	for status, n := range counts {
		resp.Deliveries24h[string(status)] = n
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
