package sheets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/mangawatch/internal/model"
)

const (
	defaultDriveEndpoint  = "https://www.googleapis.com/drive/v3"
	defaultSheetsEndpoint = "https://sheets.googleapis.com/v4"

	spreadsheetMimeType = "application/vnd.google-apps.spreadsheet"

	webhooksRange = "webhooks!A:A"
	mangaRange    = "manga!A:B"
)

// Tokener はAPI呼び出しに使用するアクセストークンを提供する。
type Tokener interface {
	Token(ctx context.Context) (string, error)
}

// Client はサービスアカウントに共有された全スプレッドシートを読み込む。
// subscription.SheetReaderインターフェースを実装する。
type Client struct {
	httpClient     *http.Client
	tokens         Tokener
	logger         *slog.Logger
	driveEndpoint  string // テスト用にエンドポイントを差し替え可能
	sheetsEndpoint string
	maxRetries     int
	backoffUnit    time.Duration
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, tokens Tokener, logger *slog.Logger) *Client {
	return &Client{
		httpClient:     httpClient,
		tokens:         tokens,
		logger:         logger,
		driveEndpoint:  defaultDriveEndpoint,
		sheetsEndpoint: defaultSheetsEndpoint,
		maxRetries:     defaultMaxRetries,
		backoffUnit:    defaultBackoffUnit,
	}
}

// driveFile はDrive APIのファイル情報。
type driveFile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type driveFileList struct {
	NextPageToken string      `json:"nextPageToken"`
	Files         []driveFile `json:"files"`
}

type valueRange struct {
	Range          string     `json:"range"`
	MajorDimension string     `json:"majorDimension"`
	Values         [][]string `json:"values"`
}

// ReadSheets は共有された全スプレッドシートのwebhooks/mangaワークシートを読み込む。
// スプレッドシートの一覧が取得できない場合はエラーを返す。
// 個々のシートの読み取り失敗はRawSheet.Errに格納し、呼び出し元でスキップさせる。
func (c *Client) ReadSheets(ctx context.Context) ([]model.RawSheet, error) {
	files, err := c.listSpreadsheets(ctx)
	if err != nil {
		return nil, err
	}

	sheets := make([]model.RawSheet, 0, len(files))
	for _, f := range files {
		raw := model.RawSheet{ID: f.ID, Name: f.Name}

		raw.WebhookRows, err = c.readRange(ctx, f.ID, webhooksRange)
		if err == nil {
			raw.MangaRows, err = c.readRange(ctx, f.ID, mangaRange)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			raw.Err = err
		}
		sheets = append(sheets, raw)
	}

	c.logger.Info("スプレッドシートを読み込みました",
		slog.Int("sheet_count", len(sheets)),
	)

	return sheets, nil
}

// listSpreadsheets はDrive APIでスプレッドシートを全ページ分列挙する。
func (c *Client) listSpreadsheets(ctx context.Context) ([]driveFile, error) {
	var files []driveFile
	pageToken := ""

	for {
		q := url.Values{
			"q":        {fmt.Sprintf("mimeType='%s' and trashed=false", spreadsheetMimeType)},
			"fields":   {"nextPageToken,files(id,name)"},
			"pageSize": {"100"},
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var list driveFileList
		if err := c.getJSON(ctx, c.driveEndpoint+"/files?"+q.Encode(), &list); err != nil {
			return nil, fmt.Errorf("スプレッドシート一覧の取得に失敗しました: %w", err)
		}
		files = append(files, list.Files...)

		if list.NextPageToken == "" {
			return files, nil
		}
		pageToken = list.NextPageToken
	}
}

// readRange はワークシートの範囲の値を取得する。
// ワークシートが存在しない場合はmodel.ErrWorksheetNotFoundを返す。
func (c *Client) readRange(ctx context.Context, spreadsheetID, rng string) ([][]string, error) {
	endpoint := fmt.Sprintf("%s/spreadsheets/%s/values/%s",
		c.sheetsEndpoint, url.PathEscape(spreadsheetID), url.PathEscape(rng))

	var vr valueRange
	err := c.getJSON(ctx, endpoint, &vr)
	if err != nil {
		var ae *apiError
		if errors.As(err, &ae) && ae.StatusCode == http.StatusBadRequest && strings.Contains(ae.Body, "Unable to parse range") {
			return nil, fmt.Errorf("%s: %w", rng, model.ErrWorksheetNotFound)
		}
		return nil, fmt.Errorf("%s の読み取りに失敗しました: %w", rng, err)
	}
	return vr.Values, nil
}

// getJSON はGETリクエストを発行してJSONをデコードする。
// 429/5xxの場合はフィボナッチバックオフで再試行する。
func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := FibonacciBackoff(attempt-1, c.backoffUnit)
			c.logger.Warn("Google APIの呼び出しを再試行します",
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.String("error", lastErr.Error()),
			)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := c.doGet(ctx, endpoint, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var ae *apiError
		if !errors.As(err, &ae) || !ae.retryable() {
			return err
		}
	}

	return lastErr
}

func (c *Client) doGet(ctx context.Context, endpoint string, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("アクセストークンの取得に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &apiError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}
