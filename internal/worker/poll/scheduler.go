package poll

import (
	"context"
	"log/slog"
	"time"
)

// CycleRunner はサイクル1回分の実行インターフェース。
type CycleRunner interface {
	Run(ctx context.Context) error
}

// Scheduler はティッカーでサイクルを定期実行する。
// サイクルは直列に実行し、前のサイクルが終わるまで次のティックは処理しない。
type Scheduler struct {
	cycle        CycleRunner
	logger       *slog.Logger
	cycleTimeout time.Duration
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// cycleTimeoutが0以下の場合はタイムアウトを設定しない。
func NewScheduler(cycle CycleRunner, logger *slog.Logger, cycleTimeout time.Duration) *Scheduler {
	return &Scheduler{
		cycle:        cycle,
		logger:       logger,
		cycleTimeout: cycleTimeout,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// 起動直後に1回実行し、コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("ポーリングスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("cycle_timeout", s.cycleTimeout),
	)

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ポーリングスケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce はサイクルタイムアウト付きでサイクルを1回実行する。
// エラーはCycle側でログ出力済みのため、ここでは返すだけとする。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if s.cycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cycleTimeout)
		defer cancel()
	}
	return s.cycle.Run(ctx)
}
