// Package catalog はMangaDexカタログAPIから更新されたチャプターを取得する。
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/mangawatch/internal/model"
)

const (
	// defaultEndpoint はMangaDex APIのベースURL。
	defaultEndpoint = "https://api.mangadex.org"
	// sinceLayout はupdatedAtSinceパラメータの書式（UTC、オフセットなし）。
	sinceLayout = "2006-01-02T15:04:05"
	// maxWindow はoffset+limitの上限。これを超えるとAPIが400を返す。
	maxWindow = 10000
	// defaultPageSize はlimitのデフォルト値かつAPIの上限値。
	defaultPageSize = 100
)

// MetricsRecorder はページ取得の計測値を記録する。
type MetricsRecorder interface {
	RecordCatalogPage(status int, duration time.Duration)
}

// Client はカタログAPIのクライアント。
// ページ間隔はトークンバケットで制御し、ページ取得は常に逐次で行う。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string // テスト用にエンドポイントを差し替え可能
	pageSize   int
	limiter    *rate.Limiter
	metrics    MetricsRecorder
}

// Option はClientの任意設定を行う。
type Option func(*Client)

// WithEndpoint はAPIのベースURLを設定する。
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

// WithPageSize は1ページあたりの取得件数を設定する。
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 && n <= defaultPageSize {
			c.pageSize = n
		}
	}
}

// WithPageDelay はページ間の最小間隔を設定する。0以下の場合は待機しない。
func WithPageDelay(d time.Duration) Option {
	return func(c *Client) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithMetrics はページ取得の計測先を設定する。
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   defaultEndpoint,
		pageSize:   defaultPageSize,
		limiter:    rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchUpdatedItems はsince以降に更新されたチャプターを全ページ分取得する。
// languagesが空でない場合はその翻訳言語に絞り込む。
// 途中のページで失敗した場合は取得済みのページを破棄してCatalogFetchErrorを返す。
func (c *Client) FetchUpdatedItems(ctx context.Context, since time.Time, languages []string) ([]*model.Chapter, error) {
	var chapters []*model.Chapter
	offset := 0
	pages := 0

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, model.NewCatalogFetchError(offset, err)
		}

		page, err := c.fetchPage(ctx, since, languages, offset)
		if err != nil {
			return nil, model.NewCatalogFetchError(offset, err)
		}
		pages++

		for i := range page.Data {
			chapters = append(chapters, page.Data[i].toChapter(c.logger))
		}

		limit := page.Limit
		if limit <= 0 {
			limit = c.pageSize
		}
		if page.Total-offset <= limit {
			break
		}

		offset += limit
		if offset+limit > maxWindow {
			c.logger.Warn("カタログAPIの取得上限に達したため、ページングを打ち切ります",
				slog.Int("total", page.Total),
				slog.Int("offset", offset),
			)
			break
		}
	}

	c.logger.Info("カタログの更新を取得しました",
		slog.Int("chapters", len(chapters)),
		slog.Int("pages", pages),
		slog.String("since", since.UTC().Format(sinceLayout)),
	)

	return chapters, nil
}

func (c *Client) fetchPage(ctx context.Context, since time.Time, languages []string, offset int) (*chapterList, error) {
	reqURL, err := url.Parse(c.endpoint + "/chapter")
	if err != nil {
		return nil, fmt.Errorf("エンドポイントURLのパースに失敗しました: %w", err)
	}

	q := reqURL.Query()
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("updatedAtSince", since.UTC().Format(sinceLayout))
	q.Add("includes[]", "manga")
	for _, lang := range languages {
		q.Add("translatedLanguage[]", lang)
	}
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", "mangawatch/1.0")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordPage(0, time.Since(start))
		c.logger.Error("カタログAPIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("offset", offset),
		)
		return nil, err
	}
	defer resp.Body.Close()
	c.recordPage(resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("カタログAPIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.Int("offset", offset),
		)
		return nil, fmt.Errorf("カタログAPIがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var list chapterList
	if err := json.Unmarshal(body, &list); err != nil {
		c.logger.Error("カタログAPIのレスポンスのパースに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	if list.Result != "" && list.Result != "ok" {
		return nil, fmt.Errorf("カタログAPIが result=%q を返しました", list.Result)
	}

	return &list, nil
}

func (c *Client) recordPage(status int, d time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordCatalogPage(status, d)
	}
}

// chapterList は /chapter のレスポンス。
type chapterList struct {
	Result string        `json:"result"`
	Data   []chapterData `json:"data"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
	Total  int           `json:"total"`
}

type chapterData struct {
	ID            string            `json:"id"`
	Attributes    chapterAttributes `json:"attributes"`
	Relationships []relationship    `json:"relationships"`
}

type chapterAttributes struct {
	Volume             *string    `json:"volume"`
	Chapter            *string    `json:"chapter"`
	Title              *string    `json:"title"`
	TranslatedLanguage string     `json:"translatedLanguage"`
	ExternalURL        *string    `json:"externalUrl"`
	PublishAt          *time.Time `json:"publishAt"`
	ReadableAt         *time.Time `json:"readableAt"`
	CreatedAt          *time.Time `json:"createdAt"`
	UpdatedAt          *time.Time `json:"updatedAt"`
}

type relationship struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Attributes *mangaAttributes `json:"attributes,omitempty"`
}

type mangaAttributes struct {
	Title map[string]string `json:"title"`
}

func (d *chapterData) toChapter(logger *slog.Logger) *model.Chapter {
	ch := &model.Chapter{
		ID:          d.ID,
		Language:    d.Attributes.TranslatedLanguage,
		Volume:      deref(d.Attributes.Volume),
		Number:      deref(d.Attributes.Chapter),
		Title:       deref(d.Attributes.Title),
		ExternalURL: deref(d.Attributes.ExternalURL),
		PostedAt:    postedAt(&d.Attributes),
	}
	if d.Attributes.UpdatedAt != nil {
		ch.UpdatedAt = d.Attributes.UpdatedAt.UTC()
	}

	// 最初のmangaリレーションのみを参照する
	for _, rel := range d.Relationships {
		if rel.Type != "manga" {
			continue
		}
		if _, err := uuid.Parse(rel.ID); err != nil {
			logger.Debug("mangaリレーションのIDが不正です",
				slog.String("chapter_id", d.ID),
				slog.String("manga_id", rel.ID),
			)
			break
		}
		ch.MangaID = rel.ID
		if rel.Attributes != nil {
			ch.MangaTitle = pickTitle(rel.Attributes.Title)
		}
		break
	}

	return ch
}

// postedAt は公開時刻を readableAt → publishAt → createdAt の順で決定する。
func postedAt(a *chapterAttributes) time.Time {
	for _, t := range []*time.Time{a.ReadableAt, a.PublishAt, a.CreatedAt} {
		if t != nil && !t.IsZero() {
			return t.UTC()
		}
	}
	return time.Time{}
}

// pickTitle は英語タイトルを優先し、なければ言語コード順で最初のタイトルを返す。
func pickTitle(titles map[string]string) string {
	if t, ok := titles["en"]; ok && t != "" {
		return t
	}
	keys := make([]string, 0, len(titles))
	for k := range titles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if titles[k] != "" {
			return titles[k]
		}
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
