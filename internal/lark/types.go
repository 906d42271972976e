package lark

import "time"

// Subject は課金サービス側のユーザー表現。external_idに認証基盤のユーザーIDを持つ。
type Subject struct {
	ID         string         `json:"id"`
	ExternalID string         `json:"external_id"`
	Email      string         `json:"email,omitempty"`
	Name       string         `json:"name,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  *time.Time     `json:"created_at,omitempty"`
}

// CreateSubjectParams はSubject作成リクエスト。
type CreateSubjectParams struct {
	ExternalID string         `json:"external_id"`
	Email      string         `json:"email,omitempty"`
	Name       string         `json:"name,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// UpdateSubjectParams はSubject更新リクエスト。上書きセマンティクスで送信する。
type UpdateSubjectParams struct {
	Email    string         `json:"email"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

// CheckoutCallbackURLs はチェックアウト完了・キャンセル時の戻り先URL。
type CheckoutCallbackURLs struct {
	CancelledURL string `json:"cancelled_url"`
	SuccessURL   string `json:"success_url"`
}

// Subscription はSubjectとRate Cardの紐付けを表す。
// 解約は削除ではなく期末終了への状態遷移として表現される。
type Subscription struct {
	ID                  string             `json:"id"`
	SubjectID           string             `json:"subject_id"`
	RateCardID          string             `json:"rate_card_id"`
	Status              string             `json:"status,omitempty"`
	FixedRateQuantities map[string]float64 `json:"fixed_rate_quantities,omitempty"`
	CancelsAtEndOfCycle bool               `json:"cancels_at_end_of_cycle"`
	CancellationReason  *string            `json:"cancellation_reason,omitempty"`
	CurrentPeriodStart  *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd    *time.Time         `json:"current_period_end,omitempty"`
}

// CreateSubscriptionParams はSubscription作成リクエスト。
// FixedRateQuantitiesがnilの場合はフィールド自体を送らない。
type CreateSubscriptionParams struct {
	SubjectID            string                `json:"subject_id"`
	RateCardID           string                `json:"rate_card_id"`
	FixedRateQuantities  map[string]float64    `json:"fixed_rate_quantities,omitempty"`
	CheckoutCallbackURLs *CheckoutCallbackURLs `json:"checkout_callback_urls,omitempty"`
}

// ChangeRateCardParams はRate Card変更リクエスト。
type ChangeRateCardParams struct {
	RateCardID           string                `json:"rate_card_id"`
	CheckoutCallbackURLs *CheckoutCallbackURLs `json:"checkout_callback_urls,omitempty"`
}

// CheckoutAction は決済手段の登録などユーザー操作が必要な場合の遷移先。
type CheckoutAction struct {
	Type        string `json:"type"`
	CheckoutURL string `json:"checkout_url"`
}

// SubscriptionResult はSubscription作成・Rate Card変更の結果。
// 即時に反映された場合はSubscription、チェックアウトが必要な場合はActionが入る。
type SubscriptionResult struct {
	Type         string          `json:"type"`
	Subscription *Subscription   `json:"subscription,omitempty"`
	Action       *CheckoutAction `json:"action,omitempty"`
}

// CancelSubscriptionParams はSubscription解約リクエスト。
// Reasonがnilの場合はJSONのnullとして送信する。
type CancelSubscriptionParams struct {
	CancelAtEndOfCycle bool    `json:"cancel_at_end_of_cycle"`
	Reason             *string `json:"reason"`
}

// CreateCustomerPortalSessionParams はカスタマーポータルセッション作成リクエスト。
type CreateCustomerPortalSessionParams struct {
	SubjectID string `json:"subject_id"`
	ReturnURL string `json:"return_url"`
}

// CustomerPortalSession はカスタマーポータルへの一時的なアクセスURL。
type CustomerPortalSession struct {
	URL       string     `json:"url"`
	SubjectID string     `json:"subject_id,omitempty"`
	ReturnURL string     `json:"return_url,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ActiveSubscriptionSummary は課金状態に含まれる有効な購読の要約。
type ActiveSubscriptionSummary struct {
	SubscriptionID string `json:"subscription_id"`
	RateCardID     string `json:"rate_card_id"`
}

// UsageSummary は課金状態に含まれる従量課金の利用状況。
type UsageSummary struct {
	PricingMetricID string  `json:"pricing_metric_id"`
	IncludedUnits   float64 `json:"included_units"`
	UsedUnits       float64 `json:"used_units"`
}

// BillingState はSubjectの課金状態の集約ビュー（読み取り専用）。
type BillingState struct {
	HasActiveSubscription bool                        `json:"has_active_subscription"`
	HasOverageForUsage    bool                        `json:"has_overage_for_usage"`
	ActiveSubscriptions   []ActiveSubscriptionSummary `json:"active_subscriptions"`
	UsageData             []UsageSummary              `json:"usage_data"`
}

// Amount は通貨付きの金額。精度を落とさないよう文字列で保持する。
type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// Invoice は請求書を表す。
type Invoice struct {
	ID          string     `json:"id"`
	SubjectID   string     `json:"subject_id"`
	Status      string     `json:"status"`
	TotalAmount *Amount    `json:"total_amount,omitempty"`
	HostedURL   string     `json:"hosted_url,omitempty"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

// InvoiceList は請求書一覧のレスポンス。
type InvoiceList struct {
	Invoices []Invoice `json:"invoices"`
	HasMore  bool      `json:"has_more"`
}
