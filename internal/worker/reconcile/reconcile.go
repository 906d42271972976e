// Package reconcile は最近作成されたユーザーに対してプロビジョニングを再実行し、
// サインアップ時の非同期プロビジョニングで取りこぼしたSubjectを補う。
// Subject作成は重複時に成功扱いとなるため、何度実行しても結果は変わらない。
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/larkbilling/internal/model"
	"github.com/hitoshi/larkbilling/internal/provisioning"
)

// UserSource は補正対象ユーザーの取得元。repository.UserRepositoryが実装する。
type UserSource interface {
	ListCreatedSince(ctx context.Context, since time.Time, limit int) ([]*model.User, error)
}

// Provisioner は同期的なプロビジョニングの実行インターフェース。provisioning.Hookが実装する。
type Provisioner interface {
	Enabled() bool
	ProvisionUser(ctx context.Context, user *model.User) provisioning.Outcome
}

// Config は補正ジョブの設定パラメータ。
type Config struct {
	// Interval はサイクルの実行間隔（デフォルト: 15分）。
	Interval time.Duration
	// Window は補正対象とする作成日時の遡り幅（デフォルト: 24時間）。
	Window time.Duration
	// APIInterval はユーザーごとの呼び出し間隔（デフォルト: 1秒）。
	APIInterval time.Duration
	// MaxUsersPerCycle は1サイクルで処理する最大ユーザー数（デフォルト: 200）。
	MaxUsersPerCycle int
}

// DefaultConfig はデフォルトの補正ジョブ設定を返す。
func DefaultConfig() Config {
	return Config{
		Interval:         15 * time.Minute,
		Window:           24 * time.Hour,
		APIInterval:      time.Second,
		MaxUsersPerCycle: 200,
	}
}

// CycleResult は1サイクルの集計。
type CycleResult struct {
	Processed     int
	Created       int
	AlreadyExists int
	Failed        int
}

// Job は定期的にプロビジョニングを再実行するジョブ。
// 連続して失敗した場合はバックオフしてサイクルをスキップする。
type Job struct {
	users       UserSource
	provisioner Provisioner
	logger      *slog.Logger
	config      Config
	now         func() time.Time

	consecutiveFailures int
	backoffUntil        time.Time
}

// NewJob はJobを生成する。
func NewJob(users UserSource, provisioner Provisioner, logger *slog.Logger, config Config) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		users:       users,
		provisioner: provisioner,
		logger:      logger,
		config:      config,
		now:         time.Now,
	}
}

// Start は起動直後に1回実行し、以後Interval毎に実行する。
// ctxがキャンセルされるまで戻らない。
func (j *Job) Start(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	j.logger.Info("billing reconcile job started",
		slog.Duration("interval", j.config.Interval),
		slog.Duration("window", j.config.Window),
		slog.Int("max_users_per_cycle", j.config.MaxUsersPerCycle),
	)

	j.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("billing reconcile job stopped")
			return
		case <-ticker.C:
			j.runAndLog(ctx)
		}
	}
}

func (j *Job) runAndLog(ctx context.Context) {
	if _, err := j.RunOnce(ctx); err != nil {
		j.logger.Error("billing reconcile cycle failed",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は1サイクルを実行する。フックが無効な場合とバックオフ中は何もしない。
func (j *Job) RunOnce(ctx context.Context) (CycleResult, error) {
	var result CycleResult

	if !j.provisioner.Enabled() {
		return result, nil
	}

	now := j.now()
	if !j.backoffUntil.IsZero() && now.Before(j.backoffUntil) {
		j.logger.Info("billing reconcile skipped during backoff",
			slog.Time("backoff_until", j.backoffUntil),
		)
		return result, nil
	}

	start := time.Now()
	users, err := j.users.ListCreatedSince(ctx, now.Add(-j.config.Window), j.config.MaxUsersPerCycle)
	if err != nil {
		return result, fmt.Errorf("failed to list users for reconcile: %w", err)
	}
	if len(users) == 0 {
		return result, nil
	}

	for i, u := range users {
		if i > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(j.config.APIInterval):
			}
		} else if ctx.Err() != nil {
			return result, ctx.Err()
		}

		result.Processed++
		switch j.provisioner.ProvisionUser(ctx, u) {
		case provisioning.OutcomeCreated:
			result.Created++
		case provisioning.OutcomeAlreadyExists:
			result.AlreadyExists++
		case provisioning.OutcomeFailed:
			result.Failed++
			j.consecutiveFailures++
			if backoff := failureBackoff(j.consecutiveFailures); backoff > 0 {
				j.backoffUntil = j.now().Add(backoff)
				j.logger.Warn("billing reconcile backing off after consecutive failures",
					slog.Int("consecutive_failures", j.consecutiveFailures),
					slog.Duration("backoff", backoff),
				)
				j.logCycle(result, len(users), start)
				return result, nil
			}
			continue
		}
		j.consecutiveFailures = 0
		j.backoffUntil = time.Time{}
	}

	j.logCycle(result, len(users), start)
	return result, nil
}

func (j *Job) logCycle(result CycleResult, targets int, start time.Time) {
	j.logger.Info("billing reconcile cycle completed",
		slog.Int("target_users", targets),
		slog.Int("processed", result.Processed),
		slog.Int("created", result.Created),
		slog.Int("already_exists", result.AlreadyExists),
		slog.Int("failed", result.Failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
}

// failureBackoff は連続失敗回数に応じたバックオフ時間を返す。
// 3回: 30分、5回: 1時間、10回: 6時間。
func failureBackoff(consecutiveFailures int) time.Duration {
	switch {
	case consecutiveFailures >= 10:
		return 6 * time.Hour
	case consecutiveFailures >= 5:
		return time.Hour
	case consecutiveFailures >= 3:
		return 30 * time.Minute
	default:
		return 0
	}
}
