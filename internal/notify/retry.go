package notify

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// SendResult はWebhookのHTTPステータスに基づく送信結果の分類。
type SendResult int

const (
	// SendResultOK は送信成功（2xx）。
	SendResultOK SendResult = iota
	// SendResultRateLimited はレート制限（429）。待機後に再送する。
	SendResultRateLimited
	// SendResultGone はWebhookが削除済みまたは無効（401/403/404）。
	SendResultGone
	// SendResultFailed はその他の失敗。再送しない。
	SendResultFailed
)

const (
	// defaultRetryAfter はRetry-Afterが読み取れない場合の待機時間。
	defaultRetryAfter = time.Second
	// maxRetryAfter は1回の待機時間の上限。
	maxRetryAfter = 60 * time.Second
)

// ClassifyHTTPStatus はHTTPステータスコードを送信結果に分類する。
func ClassifyHTTPStatus(statusCode int) SendResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return SendResultOK
	case statusCode == http.StatusTooManyRequests:
		return SendResultRateLimited
	case statusCode == 401 || statusCode == 403 || statusCode == 404:
		return SendResultGone
	default:
		return SendResultFailed
	}
}

// rateLimitBody はDiscordが429と共に返すボディ。
type rateLimitBody struct {
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// RetryAfter は429レスポンスから待機時間を求める。
// Retry-Afterヘッダー（秒）を優先し、なければボディのretry_afterを使用する。
func RetryAfter(header http.Header, body []byte) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return clampRetryAfter(secondsToDuration(secs))
		}
	}

	var rl rateLimitBody
	if len(body) > 0 && json.Unmarshal(body, &rl) == nil && rl.RetryAfter > 0 {
		return clampRetryAfter(secondsToDuration(rl.RetryAfter))
	}

	return defaultRetryAfter
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

func clampRetryAfter(d time.Duration) time.Duration {
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}
