// Package billing はログイン中のユーザーに代わって課金サービスを呼び出すサービス層を提供する。
//
// 各操作は入力の検証、課金サービスの呼び出し1回、結果の返却のみを行う。
// subject_idは常に呼び出し元が渡すセッションのユーザーIDを使い、リクエストボディからは受け取らない。
// 再試行やキャッシュは行わない。
package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/hitoshi/larkbilling/internal/lark"
	"github.com/hitoshi/larkbilling/internal/model"
)

// CheckoutCallbackURLs はチェックアウト後の戻り先URL。
type CheckoutCallbackURLs struct {
	CancelledURL string `json:"cancelled_url" validate:"required"`
	SuccessURL   string `json:"success_url" validate:"required"`
}

// CreateSubscriptionInput はSubscription作成の入力。
type CreateSubscriptionInput struct {
	RateCardID           string                `json:"rate_card_id" validate:"required"`
	FixedRateQuantities  map[string]float64    `json:"fixed_rate_quantities" validate:"required,dive,keys,required,endkeys"`
	CheckoutCallbackURLs *CheckoutCallbackURLs `json:"checkout_callback_urls" validate:"omitempty"`
}

// CreateCustomerPortalSessionInput はカスタマーポータルセッション作成の入力。
type CreateCustomerPortalSessionInput struct {
	ReturnURL string `json:"return_url" validate:"required"`
}

// ChangeRateCardInput はRate Card変更の入力。
type ChangeRateCardInput struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
	RateCardID     string `json:"rate_card_id" validate:"required"`
	CancelledURL   string `json:"cancelled_url" validate:"required"`
	SuccessURL     string `json:"success_url" validate:"required"`
}

// CancelSubscriptionInput はSubscription解約の入力。Reasonは省略またはnullを許可する。
type CancelSubscriptionInput struct {
	SubscriptionID string  `json:"subscription_id" validate:"required"`
	Reason         *string `json:"reason"`
}

// Service は課金エンドポイントのサービス層。
type Service struct {
	client *lark.Client
}

// NewService はServiceを生成する。
func NewService(client *lark.Client) *Service {
	return &Service{client: client}
}

// CreateSubscription はセッションのユーザーをsubject_idとしてSubscriptionを作成する。
func (s *Service) CreateSubscription(ctx context.Context, subjectID string, in CreateSubscriptionInput) (*lark.SubscriptionResult, error) {
	if subjectID == "" {
		return nil, model.NewUnauthorizedError()
	}
	if err := Validate(in); err != nil {
		return nil, err
	}

	params := lark.CreateSubscriptionParams{
		SubjectID:           subjectID,
		RateCardID:          in.RateCardID,
		FixedRateQuantities: in.FixedRateQuantities,
	}
	if in.CheckoutCallbackURLs != nil {
		params.CheckoutCallbackURLs = &lark.CheckoutCallbackURLs{
			CancelledURL: in.CheckoutCallbackURLs.CancelledURL,
			SuccessURL:   in.CheckoutCallbackURLs.SuccessURL,
		}
	}

	result, err := s.client.Subscriptions.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("Subscriptionの作成に失敗しました: %w", err)
	}
	return result, nil
}

// CreateCustomerPortalSession はカスタマーポータルのセッションを発行する。
func (s *Service) CreateCustomerPortalSession(ctx context.Context, subjectID string, in CreateCustomerPortalSessionInput) (*lark.CustomerPortalSession, error) {
	if subjectID == "" {
		return nil, model.NewUnauthorizedError()
	}
	if err := Validate(in); err != nil {
		return nil, err
	}

	session, err := s.client.CustomerPortal.CreateSession(ctx, lark.CreateCustomerPortalSessionParams{
		SubjectID: subjectID,
		ReturnURL: in.ReturnURL,
	})
	if err != nil {
		return nil, fmt.Errorf("カスタマーポータルセッションの作成に失敗しました: %w", err)
	}
	return session, nil
}

// ChangeRateCard はSubscriptionのRate Cardを変更する。
// subscription_idの所有者確認は課金サービス側に委ねる。
func (s *Service) ChangeRateCard(ctx context.Context, in ChangeRateCardInput) (*lark.SubscriptionResult, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}

	result, err := s.client.Subscriptions.ChangeRateCard(ctx, in.SubscriptionID, lark.ChangeRateCardParams{
		RateCardID: in.RateCardID,
		CheckoutCallbackURLs: &lark.CheckoutCallbackURLs{
			CancelledURL: in.CancelledURL,
			SuccessURL:   in.SuccessURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("Rate Cardの変更に失敗しました: %w", err)
	}
	return result, nil
}

// GetBillingState はセッションのユーザーの課金状態を返す。
func (s *Service) GetBillingState(ctx context.Context, subjectID string) (*lark.BillingState, error) {
	if subjectID == "" {
		return nil, model.NewUnauthorizedError()
	}

	state, err := s.client.CustomerAccess.RetrieveBillingState(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("課金状態の取得に失敗しました: %w", err)
	}
	return state, nil
}

// CancelSubscription はSubscriptionを期末で解約する。即時解約は行わない。
func (s *Service) CancelSubscription(ctx context.Context, in CancelSubscriptionInput) (*lark.Subscription, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}

	sub, err := s.client.Subscriptions.Cancel(ctx, in.SubscriptionID, lark.CancelSubscriptionParams{
		CancelAtEndOfCycle: true,
		Reason:             cancelReason(in.Reason),
	})
	if err != nil {
		return nil, fmt.Errorf("Subscriptionの解約に失敗しました: %w", err)
	}
	return sub, nil
}

// cancelReason は空白のみの理由をnullとして送る。
func cancelReason(reason *string) *string {
	if reason == nil || strings.TrimSpace(*reason) == "" {
		return nil
	}
	return reason
}

// ListRecentInvoices はセッションのユーザーの請求書一覧を返す。
func (s *Service) ListRecentInvoices(ctx context.Context, subjectID string) (*lark.InvoiceList, error) {
	if subjectID == "" {
		return nil, model.NewUnauthorizedError()
	}

	list, err := s.client.Invoices.List(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("請求書一覧の取得に失敗しました: %w", err)
	}
	return list, nil
}
