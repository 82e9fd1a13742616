package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/mangawatch/internal/model"
	"github.com/hitoshi/mangawatch/internal/security"
)

// maxErrorBodySize はエラーレスポンスから読み取るボディの上限。
const maxErrorBodySize = 4 << 10

// StatusRecorder はWebhookのHTTPステータスを記録する。
type StatusRecorder interface {
	RecordWebhookStatus(status int)
}

// Sender はDiscord Webhookへの送信を行う。
// 429の場合は同じ送信の中でRetry-Afterに従って再送する。
type Sender struct {
	httpClient  *http.Client
	logger      *slog.Logger
	maxAttempts int
	recorder    StatusRecorder
}

// NewSender はSenderの新しいインスタンスを生成する。
// maxRetriesは429時の再送回数で、0以下の場合は再送しない。
func NewSender(httpClient *http.Client, logger *slog.Logger, maxRetries int, recorder StatusRecorder) *Sender {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Sender{
		httpClient:  httpClient,
		logger:      logger,
		maxAttempts: maxRetries + 1,
		recorder:    recorder,
	}
}

// Send はペイロードを1つのWebhookへPOSTする。
// 戻り値は成功時を含めた試行回数。失敗した場合は*model.DeliveryErrorを返す。
// 再送の待機がコンテキストの期限を超える場合はその時点で諦める。
func (s *Sender) Send(ctx context.Context, webhookURL string, payload *Payload) (int, error) {
	dest := security.RedactWebhookURL(webhookURL)

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, &model.DeliveryError{Destination: dest, Err: fmt.Errorf("ペイロードのエンコードに失敗しました: %w", err)}
	}

	for attempt := 1; ; attempt++ {
		status, respBody, header, err := s.post(ctx, webhookURL, body)
		if err != nil {
			return attempt, &model.DeliveryError{Destination: dest, Attempts: attempt, Err: err}
		}
		s.record(status)

		switch ClassifyHTTPStatus(status) {
		case SendResultOK:
			return attempt, nil

		case SendResultRateLimited:
			if attempt >= s.maxAttempts {
				return attempt, &model.DeliveryError{Destination: dest, StatusCode: status, Attempts: attempt}
			}
			wait := RetryAfter(header, respBody)
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
				s.logger.Warn("レート制限の待機が送信期限を超えるため再送しません",
					slog.String("webhook", dest),
					slog.Duration("retry_after", wait),
				)
				return attempt, &model.DeliveryError{Destination: dest, StatusCode: status, Attempts: attempt}
			}

			s.logger.Info("レート制限のため再送を待機します",
				slog.String("webhook", dest),
				slog.Duration("retry_after", wait),
				slog.Int("attempt", attempt),
			)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, &model.DeliveryError{Destination: dest, StatusCode: status, Attempts: attempt, Err: ctx.Err()}
			case <-timer.C:
			}

		case SendResultGone:
			s.logger.Warn("Webhookが無効です。購読シートの確認が必要です",
				slog.String("webhook", dest),
				slog.Int("http_status", status),
			)
			return attempt, &model.DeliveryError{Destination: dest, StatusCode: status, Attempts: attempt}

		default:
			return attempt, &model.DeliveryError{Destination: dest, StatusCode: status, Attempts: attempt}
		}
	}
}

func (s *Sender) post(ctx context.Context, webhookURL string, body []byte) (int, []byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mangawatch/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("HTTPリクエストに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	var respBody []byte
	if resp.StatusCode >= 300 {
		respBody, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	} else {
		io.Copy(io.Discard, resp.Body)
	}

	return resp.StatusCode, respBody, resp.Header, nil
}

func (s *Sender) record(status int) {
	if s.recorder != nil {
		s.recorder.RecordWebhookStatus(status)
	}
}
