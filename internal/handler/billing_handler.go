package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hitoshi/larkbilling/internal/billing"
	"github.com/hitoshi/larkbilling/internal/lark"
	"github.com/hitoshi/larkbilling/internal/middleware"
	"github.com/hitoshi/larkbilling/internal/model"
)

// maxRequestBodySize はプラグインエンドポイントが受け付けるボディの上限。
const maxRequestBodySize = 64 << 10

// BillingServiceInterface は課金ハンドラーが必要とするサービスインターフェース。
type BillingServiceInterface interface {
	CreateSubscription(ctx context.Context, subjectID string, in billing.CreateSubscriptionInput) (*lark.SubscriptionResult, error)
	CreateCustomerPortalSession(ctx context.Context, subjectID string, in billing.CreateCustomerPortalSessionInput) (*lark.CustomerPortalSession, error)
	ChangeRateCard(ctx context.Context, in billing.ChangeRateCardInput) (*lark.SubscriptionResult, error)
	GetBillingState(ctx context.Context, subjectID string) (*lark.BillingState, error)
	CancelSubscription(ctx context.Context, in billing.CancelSubscriptionInput) (*lark.Subscription, error)
	ListRecentInvoices(ctx context.Context, subjectID string) (*lark.InvoiceList, error)
}

// BillingHandler は /lark-billing-plugin/* のHTTPハンドラー。
// 課金サービスの結果は加工せずにそのまま返す。
type BillingHandler struct {
	service BillingServiceInterface
}

// NewBillingHandler はBillingHandlerを生成する。
func NewBillingHandler(service BillingServiceInterface) *BillingHandler {
	return &BillingHandler{service: service}
}

// CreateSubscription はSubscriptionを作成する。
// POST /lark-billing-plugin/create-subscription
func (h *BillingHandler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	var in billing.CreateSubscriptionInput
	if !decodeRequest(w, r, &in) {
		return
	}

	result, err := h.service.CreateSubscription(r.Context(), subjectID, in)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CreateCustomerPortalSession はカスタマーポータルのセッションを発行する。
// POST /lark-billing-plugin/create-customer-portal-session
func (h *BillingHandler) CreateCustomerPortalSession(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	var in billing.CreateCustomerPortalSessionInput
	if !decodeRequest(w, r, &in) {
		return
	}

	session, err := h.service.CreateCustomerPortalSession(r.Context(), subjectID, in)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// ChangeRateCard はSubscriptionのRate Cardを変更する。
// POST /lark-billing-plugin/change-rate-card
func (h *BillingHandler) ChangeRateCard(w http.ResponseWriter, r *http.Request) {
	if _, ok := subjectFromRequest(w, r); !ok {
		return
	}

	var in billing.ChangeRateCardInput
	if !decodeRequest(w, r, &in) {
		return
	}

	result, err := h.service.ChangeRateCard(r.Context(), in)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetBillingState はログイン中のユーザーの課金状態を返す。
// GET /lark-billing-plugin/get-billing-state
func (h *BillingHandler) GetBillingState(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	state, err := h.service.GetBillingState(r.Context(), subjectID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// CancelSubscription はSubscriptionを期末で解約する。
// POST /lark-billing-plugin/cancel-subscription
func (h *BillingHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	if _, ok := subjectFromRequest(w, r); !ok {
		return
	}

	var in billing.CancelSubscriptionInput
	if !decodeRequest(w, r, &in) {
		return
	}

	sub, err := h.service.CancelSubscription(r.Context(), in)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// ListRecentInvoices はログイン中のユーザーの請求書一覧を返す。
// GET /lark-billing-plugin/list-recent-invoices
func (h *BillingHandler) ListRecentInvoices(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	list, err := h.service.ListRecentInvoices(r.Context(), subjectID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// subjectFromRequest はセッションのユーザーIDをsubject_idとして取り出す。
// 取得できない場合は401を書き込みfalseを返す。
func subjectFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}

// decodeRequest はリクエストボディをvに厳密にデコードする。
// 未知のフィールド、型の不一致、複数のJSON値は400 INVALID_REQUESTとする。
func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := decodeStrictJSON(w, r, v); err != nil {
		middleware.WriteAPIError(w, model.NewInvalidRequestError(err.Error()))
		return false
	}
	return true
}

func decodeStrictJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}
