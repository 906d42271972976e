package lark

import (
	"context"
	"net/http"
	"net/url"
)

type subjectsService struct {
	t *transport
}

// Create はSubjectを作成する。同じexternal_idで既に存在する場合はErrAlreadyExistsに一致するエラーを返す。
func (s *subjectsService) Create(ctx context.Context, params CreateSubjectParams) (*Subject, error) {
	var out Subject
	if err := s.t.call(ctx, "subjects.create", http.MethodPost, "/subjects", nil, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update はSubjectを上書き更新する。
func (s *subjectsService) Update(ctx context.Context, subjectID string, params UpdateSubjectParams) (*Subject, error) {
	var out Subject
	path := "/subjects/" + url.PathEscape(subjectID)
	if err := s.t.call(ctx, "subjects.update", http.MethodPut, path, nil, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type subscriptionsService struct {
	t *transport
}

func (s *subscriptionsService) Create(ctx context.Context, params CreateSubscriptionParams) (*SubscriptionResult, error) {
	var out SubscriptionResult
	if err := s.t.call(ctx, "subscriptions.create", http.MethodPost, "/subscriptions", nil, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *subscriptionsService) ChangeRateCard(ctx context.Context, subscriptionID string, params ChangeRateCardParams) (*SubscriptionResult, error) {
	var out SubscriptionResult
	path := "/subscriptions/" + url.PathEscape(subscriptionID) + "/change_rate_card"
	if err := s.t.call(ctx, "subscriptions.change_rate_card", http.MethodPost, path, nil, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *subscriptionsService) Cancel(ctx context.Context, subscriptionID string, params CancelSubscriptionParams) (*Subscription, error) {
	var out Subscription
	path := "/subscriptions/" + url.PathEscape(subscriptionID) + "/cancel"
	if err := s.t.call(ctx, "subscriptions.cancel", http.MethodPost, path, nil, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type customerPortalService struct {
	t *transport
}

func (s *customerPortalService) CreateSession(ctx context.Context, params CreateCustomerPortalSessionParams) (*CustomerPortalSession, error) {
	var out CustomerPortalSession
	if err := s.t.call(ctx, "customer_portal.create_session", http.MethodPost, "/customer-portal/sessions", nil, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type customerAccessService struct {
	t *transport
}

func (s *customerAccessService) RetrieveBillingState(ctx context.Context, subjectID string) (*BillingState, error) {
	var out BillingState
	path := "/customer-access/" + url.PathEscape(subjectID) + "/billing-state"
	if err := s.t.call(ctx, "customer_access.retrieve_billing_state", http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type invoicesService struct {
	t *transport
}

func (s *invoicesService) List(ctx context.Context, subjectID string) (*InvoiceList, error) {
	var out InvoiceList
	query := url.Values{"subject_id": {subjectID}}
	if err := s.t.call(ctx, "invoices.list", http.MethodGet, "/invoices", query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// compile-time interface check
var (
	_ SubjectsAPI       = (*subjectsService)(nil)
	_ SubscriptionsAPI  = (*subscriptionsService)(nil)
	_ CustomerPortalAPI = (*customerPortalService)(nil)
	_ CustomerAccessAPI = (*customerAccessService)(nil)
	_ InvoicesAPI       = (*invoicesService)(nil)
)
