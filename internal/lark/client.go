// Package lark はLark課金サービスのAPIクライアントを提供する。
// Subjects、Subscriptions、CustomerPortal、CustomerAccess、Invoicesの
// 各機能をインターフェースとして公開し、テストではフェイク実装に差し替えられる。
package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL はLark APIのベースURL。
	DefaultBaseURL = "https://api.uselark.ai"
	// maxResponseSize はレスポンスボディの読み取り上限（1MB）。
	maxResponseSize = 1 << 20
	userAgent       = "larkbilling/1.0"
)

// SubjectsAPI はSubjectの作成・更新を行う。
type SubjectsAPI interface {
	Create(ctx context.Context, params CreateSubjectParams) (*Subject, error)
	Update(ctx context.Context, subjectID string, params UpdateSubjectParams) (*Subject, error)
}

// SubscriptionsAPI はSubscriptionの作成・Rate Card変更・解約を行う。
type SubscriptionsAPI interface {
	Create(ctx context.Context, params CreateSubscriptionParams) (*SubscriptionResult, error)
	ChangeRateCard(ctx context.Context, subscriptionID string, params ChangeRateCardParams) (*SubscriptionResult, error)
	Cancel(ctx context.Context, subscriptionID string, params CancelSubscriptionParams) (*Subscription, error)
}

// CustomerPortalAPI はカスタマーポータルのセッションを発行する。
type CustomerPortalAPI interface {
	CreateSession(ctx context.Context, params CreateCustomerPortalSessionParams) (*CustomerPortalSession, error)
}

// CustomerAccessAPI はSubjectの課金状態を取得する。
type CustomerAccessAPI interface {
	RetrieveBillingState(ctx context.Context, subjectID string) (*BillingState, error)
}

// InvoicesAPI は請求書を取得する。
type InvoicesAPI interface {
	List(ctx context.Context, subjectID string) (*InvoiceList, error)
}

// CallObserver は課金サービス呼び出しの結果を受け取る。
// metrics.Collectorが実装する。
type CallObserver interface {
	ObserveBillingCall(operation string, duration time.Duration, err error)
}

// Config はクライアントの設定。
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client // タイムアウトはここで設定する
	Logger     *slog.Logger
	Observer   CallObserver // nilの場合は記録しない
}

// Client は課金サービスの各機能をまとめたクライアント。
// テストでは必要なフィールドだけフェイクを設定して使う。
type Client struct {
	Subjects       SubjectsAPI
	Subscriptions  SubscriptionsAPI
	CustomerPortal CustomerPortalAPI
	CustomerAccess CustomerAccessAPI
	Invoices       InvoicesAPI
}

// NewClient はHTTPで課金サービスを呼び出すClientを生成する。
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	t := &transport{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
		observer:   cfg.Observer,
	}

	return &Client{
		Subjects:       &subjectsService{t: t},
		Subscriptions:  &subscriptionsService{t: t},
		CustomerPortal: &customerPortalService{t: t},
		CustomerAccess: &customerAccessService{t: t},
		Invoices:       &invoicesService{t: t},
	}
}

// transport は全リソースで共有するHTTP呼び出し処理。
type transport struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	observer   CallObserver
}

// errorBody はエラーレスポンスのボディ。detailは文字列または任意のJSON。
type errorBody struct {
	Detail  json.RawMessage `json:"detail"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

// call はAPIを1回呼び出し、2xxの場合はoutにデコードする。
// リトライは行わない。
func (t *transport) call(ctx context.Context, operation, method, path string, query url.Values, in, out any) (err error) {
	start := time.Now()
	defer func() {
		if t.observer != nil {
			t.observer.ObserveBillingCall(operation, time.Since(start), err)
		}
	}()

	reqURL := t.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("リクエストのエンコードに失敗しました: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("X-API-Key", t.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Error("課金サービスの呼び出しに失敗しました",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
		return &Error{Message: err.Error(), Kind: KindUnavailable, cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &Error{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("レスポンスボディの読み取りに失敗しました: %v", err),
			Kind:       KindUnavailable,
			cause:      err,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.logger.Error("課金サービスのレスポンスのパースに失敗しました",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

// decodeError は非2xxレスポンスを*Errorに変換する。
func decodeError(statusCode int, data []byte) *Error {
	var eb errorBody
	message := strings.TrimSpace(string(data))
	if err := json.Unmarshal(data, &eb); err == nil {
		switch {
		case eb.Message != "":
			message = eb.Message
		case len(eb.Detail) > 0:
			var s string
			if json.Unmarshal(eb.Detail, &s) == nil {
				message = s
			} else {
				message = string(eb.Detail)
			}
		}
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}

	return &Error{
		StatusCode: statusCode,
		Code:       eb.Code,
		Message:    message,
		Kind:       classify(statusCode, eb.Code, message),
	}
}
