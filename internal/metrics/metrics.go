// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/mangawatch/internal/model"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ポーリングワーカー、カタログクライアント、通知処理から利用する。
type MetricsCollector interface {
	RecordCycle(result string, duration time.Duration)
	RecordChaptersFetched(count int)
	RecordSubscriptionKeys(count int)
	RecordCheckpoint(t time.Time)
	RecordCatalogPage(status int, duration time.Duration)
	RecordWebhookStatus(status int)
	RecordNotification(status model.DeliveryStatus)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	cycles           *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
	chaptersFetched  prometheus.Counter
	subscriptionKeys prometheus.Gauge
	checkpoint       prometheus.Gauge
	catalogPages     *prometheus.CounterVec
	catalogLatency   prometheus.Histogram
	webhookStatus    *prometheus.CounterVec
	notifications    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mangawatch_cycles_total",
			Help: "結果別のポーリングサイクル数",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mangawatch_cycle_duration_seconds",
			Help:    "ポーリングサイクルの所要時間（秒）",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		chaptersFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mangawatch_chapters_fetched_total",
			Help: "カタログから取得したチャプターの合計数",
		}),
		subscriptionKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mangawatch_subscription_keys",
			Help: "直近サイクルで購読されている (manga, 言語) の組の数",
		}),
		checkpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mangawatch_checkpoint_timestamp_seconds",
			Help: "前回チェック時刻（UNIX秒）",
		}),
		catalogPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mangawatch_catalog_pages_total",
			Help: "HTTPステータス別のカタログAPIページ取得数",
		}, []string{"status_code"}),
		catalogLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mangawatch_catalog_latency_seconds",
			Help:    "カタログAPIページ取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		webhookStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mangawatch_webhook_http_status_total",
			Help: "Webhook送信のHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mangawatch_notifications_total",
			Help: "結果別の通知数",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.cycles,
		c.cycleDuration,
		c.chaptersFetched,
		c.subscriptionKeys,
		c.checkpoint,
		c.catalogPages,
		c.catalogLatency,
		c.webhookStatus,
		c.notifications,
	)

	return c
}

// RecordCycle はサイクルの結果（success/failure/aborted）と所要時間を記録する。
func (c *Collector) RecordCycle(result string, duration time.Duration) {
	c.cycles.WithLabelValues(result).Inc()
	c.cycleDuration.Observe(duration.Seconds())
}

// RecordChaptersFetched は取得したチャプター数を加算する。
func (c *Collector) RecordChaptersFetched(count int) {
	c.chaptersFetched.Add(float64(count))
}

// RecordSubscriptionKeys は購読キー数を設定する。
func (c *Collector) RecordSubscriptionKeys(count int) {
	c.subscriptionKeys.Set(float64(count))
}

// RecordCheckpoint は前回チェック時刻を設定する。
func (c *Collector) RecordCheckpoint(t time.Time) {
	c.checkpoint.Set(float64(t.Unix()))
}

// RecordCatalogPage はカタログAPIのページ取得を記録する。statusが0の場合は接続エラー。
func (c *Collector) RecordCatalogPage(status int, duration time.Duration) {
	c.catalogPages.WithLabelValues(strconv.Itoa(status)).Inc()
	c.catalogLatency.Observe(duration.Seconds())
}

// RecordWebhookStatus はWebhookのHTTPステータスコードを記録する。
func (c *Collector) RecordWebhookStatus(status int) {
	c.webhookStatus.WithLabelValues(strconv.Itoa(status)).Inc()
}

// RecordNotification は通知の結果を記録する。
func (c *Collector) RecordNotification(status model.DeliveryStatus) {
	c.notifications.WithLabelValues(string(status)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
