// Package cleanup は失効済みトークン（denylist）の自動削除ジョブを提供する。
// 有効期限を過ぎたトークンは署名検証の段階で拒否されるため、
// denylistの行を残しておく必要はない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/promptroom/internal/metrics"
)

// ExpiredTokenPurger は有効期限切れの失効トークンを削除する。
// repository.RevokedTokenRepositoryの部分集合として定義する。
type ExpiredTokenPurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// CleanupJob は有効期限切れの失効トークンを削除するジョブ。
// 冪等な削除処理のため、複数のworkerが同時に実行しても問題ない。
type CleanupJob struct {
	purger  ExpiredTokenPurger
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewCleanupJob は新しいCleanupJobを生成する。mcがnilの場合はメトリクスを記録しない。
func NewCleanupJob(purger ExpiredTokenPurger, logger *slog.Logger, mc metrics.MetricsCollector) *CleanupJob {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &CleanupJob{
		purger:  purger,
		logger:  logger,
		metrics: mc,
	}
}

// Run は有効期限切れの失効トークンを1回削除する。
// 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deletedCount, err := j.purger.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("失効トークンのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("失効トークンのクリーンアップに失敗: %w", err)
	}

	j.metrics.RecordRevokedTokensPurged(deletedCount)

	duration := time.Since(start)
	j.logger.Info("失効トークンのクリーンアップが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// defaultInterval はintervalが0以下の場合に使う実行間隔。
const defaultInterval = time.Hour

// Start は起動直後に1回実行し、その後intervalごとにRunを繰り返す。
// ctxがキャンセルされるまでブロックする。個々の実行失敗はログに記録して継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}
	j.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *CleanupJob) runOnce(ctx context.Context) {
	// エラーはRun内でログ済み
	_ = j.Run(ctx)
}
