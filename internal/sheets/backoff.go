package sheets

import (
	"fmt"
	"net/http"
	"time"
)

const (
	// defaultBackoffUnit はフィボナッチバックオフの単位時間。
	defaultBackoffUnit = time.Second
	// maxBackoff はバックオフ1回あたりの上限。
	maxBackoff = 30 * time.Second
	// defaultMaxRetries はAPIエラー時の再試行回数。
	defaultMaxRetries = 5
)

// apiError はGoogle APIのエラーレスポンスを表す。
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("google api returned status %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// retryable は再試行すべきエラーかを返す（429/5xx）。
func (e *apiError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// FibonacciBackoff はattempt回目（0始まり）の待機時間を返す。
// unit, unit, 2*unit, 3*unit, 5*unit ... と増加し、maxBackoffで頭打ちになる。
func FibonacciBackoff(attempt int, unit time.Duration) time.Duration {
	a, b := 1, 1
	for i := 0; i < attempt; i++ {
		a, b = b, a+b
		if time.Duration(a)*unit > maxBackoff {
			return maxBackoff
		}
	}
	return time.Duration(a) * unit
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
