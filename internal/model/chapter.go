package model

import "time"

// Chapter はカタログAPIから取得したチャプター更新レコードを表す。
// 毎サイクル取得し直すため永続化しない。
type Chapter struct {
	ID          string
	MangaID     string // 親（manga）リレーションのID。解決できない場合は空文字
	MangaTitle  string
	Language    string
	Volume      string // 空文字は「なし」を表す
	Number      string // チャプター番号。空文字は「なし」を表す
	Title       string
	ExternalURL string
	PostedAt    time.Time // 公開時刻（readableAt → publishAt → createdAt の優先順）
	UpdatedAt   time.Time
}

// HasParent は親mangaリレーションが解決できているかを返す。
func (c *Chapter) HasParent() bool {
	return c.MangaID != ""
}

// Notification は1チャプターを1つのWebhookへ送る通知単位を表す。
type Notification struct {
	Chapter    *Chapter
	WebhookURL string
}

// DeliveryStatus は通知送信結果の状態を表す。
type DeliveryStatus string

const (
	// DeliveryStatusSent は送信成功。
	DeliveryStatusSent DeliveryStatus = "sent"
	// DeliveryStatusFailed は送信失敗。
	DeliveryStatusFailed DeliveryStatus = "failed"
)

// Delivery は通知送信の記録を表す。
// Webhook URLはトークンを含むため、ハッシュ値のみを保持する。
type Delivery struct {
	ID           string
	ChapterID    string
	MangaID      string
	WebhookHash  string
	Status       DeliveryStatus
	HTTPStatus   int
	Attempts     int
	ErrorMessage string
	CreatedAt    time.Time
}
