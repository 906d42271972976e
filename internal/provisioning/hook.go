// Package provisioning は認証基盤のユーザーライフサイクルに合わせて
// 課金サービスのSubject（と無料プランのSubscription）を同期するフックを提供する。
//
// フックはユーザー作成・更新の処理を失敗させない。課金サービス側の失敗は
// すべてログに記録して吸収し、呼び出し元には一切伝播しない。
package provisioning

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/hitoshi/larkbilling/internal/lark"
	"github.com/hitoshi/larkbilling/internal/metrics"
	"github.com/hitoshi/larkbilling/internal/model"
)

// FreePlanRateCard はサインアップ時に自動作成するSubscriptionの設定。
type FreePlanRateCard struct {
	RateCardID string
	// FixedRateQuantities がnilの場合はリクエストに含めない。
	FixedRateQuantities map[string]float64
}

// Config はフックの設定。
type Config struct {
	CreateCustomerOnSignUp bool
	// FreePlan がnilの場合は自動Subscriptionを作成しない。
	FreePlan *FreePlanRateCard
}

// Recorder はプロビジョニング結果の記録先。metrics.Collectorが実装する。
type Recorder interface {
	RecordProvisioning(operation, outcome string)
}

// Outcome は1回のプロビジョニングの結果。
type Outcome string

const (
	OutcomeCreated       Outcome = metrics.OutcomeCreated
	OutcomeUpdated       Outcome = metrics.OutcomeUpdated
	OutcomeAlreadyExists Outcome = metrics.OutcomeAlreadyExists
	OutcomeSkipped       Outcome = metrics.OutcomeSkipped
	OutcomeFailed        Outcome = metrics.OutcomeFailed
)

const (
	operationCreate = "create"
	operationUpdate = "update"
)

// Hook はユーザー作成・更新後に課金サービスへ同期するフック。
// 呼び出し間で可変状態を共有しない。
type Hook struct {
	subjects      lark.SubjectsAPI
	subscriptions lark.SubscriptionsAPI
	config        Config
	logger        *slog.Logger
	recorder      Recorder

	wg sync.WaitGroup
}

// NewHook はHookを生成する。recorderはnilでもよい。
func NewHook(client *lark.Client, config Config, logger *slog.Logger, recorder Recorder) *Hook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hook{
		subjects:      client.Subjects,
		subscriptions: client.Subscriptions,
		config:        config,
		logger:        logger,
		recorder:      recorder,
	}
}

// Enabled はサインアップ時の顧客作成が有効かを返す。
func (h *Hook) Enabled() bool {
	return h.config.CreateCustomerOnSignUp
}

// AfterUserCreated はユーザー作成後のプロビジョニングを非同期に開始する。
// 無効な場合やctxがnilの場合は何もしない。呼び出し元のctxがキャンセルされても処理は継続する。
func (h *Hook) AfterUserCreated(ctx context.Context, user *model.User) {
	if ctx == nil || user == nil || !h.Enabled() {
		return
	}
	h.spawn(ctx, operationCreate, user, func(ctx context.Context, u *model.User) {
		h.ProvisionUser(ctx, u)
	})
}

// AfterUserUpdated はユーザー更新後のSubject更新を非同期に開始する。
func (h *Hook) AfterUserUpdated(ctx context.Context, user *model.User) {
	if ctx == nil || user == nil || !h.Enabled() {
		return
	}
	h.spawn(ctx, operationUpdate, user, func(ctx context.Context, u *model.User) {
		h.SyncUser(ctx, u)
	})
}

// Wait は実行中の非同期プロビジョニングがすべて終わるまで待つ。
func (h *Hook) Wait() {
	h.wg.Wait()
}

// spawn はリクエストのキャンセルから切り離したゴルーチンでfnを実行する。
// fn内のpanicも回収してログに残す。
func (h *Hook) spawn(ctx context.Context, operation string, user *model.User, fn func(context.Context, *model.User)) {
	detached := context.WithoutCancel(ctx)
	u := *user

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic recovered in billing provisioning",
					slog.String("operation", operation),
					slog.String("user_id", u.ID),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())),
				)
				h.record(operation, OutcomeFailed)
			}
		}()
		fn(detached, &u)
	}()
}

// ProvisionUser はSubjectを作成し、無料プランが設定されていればSubscriptionも作成する。
// 同期的に実行し、結果を返す。エラーは返さずログに記録する。
//
// Subjectが既に存在する場合は成功として扱い、Subscriptionの作成は行わない。
// 重複はエラー種別のほか、ユーザーIDを含む旧形式のメッセージでも判定する。
func (h *Hook) ProvisionUser(ctx context.Context, user *model.User) Outcome {
	if !h.Enabled() {
		return OutcomeSkipped
	}

	_, err := h.subjects.Create(ctx, lark.CreateSubjectParams{
		ExternalID: user.ID,
		Email:      user.Email,
		Name:       user.Name,
	})
	if err != nil {
		if lark.IsSubjectAlreadyExists(err, user.ID) {
			h.logger.Debug("billing subject already exists",
				slog.String("user_id", user.ID),
			)
			h.record(operationCreate, OutcomeAlreadyExists)
			return OutcomeAlreadyExists
		}
		h.fail(operationCreate, user.ID, err)
		return OutcomeFailed
	}

	plan := h.config.FreePlan
	subscribe := plan != nil && plan.RateCardID != ""
	if subscribe {
		_, err := h.subscriptions.Create(ctx, lark.CreateSubscriptionParams{
			SubjectID:           user.ID,
			RateCardID:          plan.RateCardID,
			FixedRateQuantities: plan.FixedRateQuantities,
		})
		if err != nil {
			h.fail(operationCreate, user.ID, fmt.Errorf("free plan subscription: %w", err))
			return OutcomeFailed
		}
	}

	h.logger.Info("billing subject provisioned",
		slog.String("user_id", user.ID),
		slog.Bool("free_plan_subscribed", subscribe),
	)
	h.record(operationCreate, OutcomeCreated)
	return OutcomeCreated
}

// SyncUser はユーザーのemailとnameでSubjectを上書き更新する。
// 失敗はログに記録するのみ。
func (h *Hook) SyncUser(ctx context.Context, user *model.User) Outcome {
	if !h.Enabled() {
		return OutcomeSkipped
	}

	_, err := h.subjects.Update(ctx, user.ID, lark.UpdateSubjectParams{
		Email:    user.Email,
		Name:     user.Name,
		Metadata: map[string]any{},
	})
	if err != nil {
		h.fail(operationUpdate, user.ID, err)
		return OutcomeFailed
	}

	h.record(operationUpdate, OutcomeUpdated)
	return OutcomeUpdated
}

func (h *Hook) fail(operation, userID string, err error) {
	msg := "failed to create Lark customer"
	if operation == operationUpdate {
		msg = "failed to update Lark customer"
	}
	h.logger.Error(msg,
		slog.String("user_id", userID),
		slog.String("error", err.Error()),
		slog.String("error_kind", lark.KindOf(err).String()),
	)
	h.record(operation, OutcomeFailed)
}

func (h *Hook) record(operation string, outcome Outcome) {
	if h.recorder != nil {
		h.recorder.RecordProvisioning(operation, string(outcome))
	}
}
