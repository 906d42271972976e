package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/larkbilling/internal/billing"
	"github.com/hitoshi/larkbilling/internal/lark"
	"github.com/hitoshi/larkbilling/internal/metrics"
	"github.com/hitoshi/larkbilling/internal/middleware"
	"github.com/hitoshi/larkbilling/internal/model"
)

// mockSessionFinderForRouter はRouter統合テスト用のSessionFinderモック。
type mockSessionFinderForRouter struct {
	sessions map[string]*model.Session
}

func (m *mockSessionFinderForRouter) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	return nil, nil
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error { return m.err }

const testCSRFToken = "test-token"

// createTestRouter はテスト用の完全なルーターを構築するヘルパー。
func createTestRouter(t *testing.T, billingSvc BillingServiceInterface, rlCfg middleware.RateLimiterConfig) http.Handler {
	t.Helper()

	rl := middleware.NewRateLimiter(rlCfg)
	t.Cleanup(rl.Stop)

	reg := prometheus.NewRegistry()

	return NewRouter(&RouterDeps{
		HealthChecker: &mockHealthChecker{},
		SessionFinder: &mockSessionFinderForRouter{
			sessions: map[string]*model.Session{
				"valid-session": {
					ID:        "valid-session",
					UserID:    "user-test-1",
					ExpiresAt: time.Now().Add(time.Hour),
				},
			},
		},
		CSRFConfig:      middleware.CSRFConfig{CookieSecure: false},
		RateLimiter:     rl,
		Metrics:         metrics.NewCollector(reg),
		MetricsGatherer: reg,
		AuthService: &mockAuthService{
			getLoginURLFn: func(state string) string {
				return "https://accounts.google.com?state=" + state
			},
			getCurrentUserFn: func(ctx context.Context, sessionID string) (*model.User, error) {
				return &model.User{ID: "user-test-1", Email: "test@example.com", Name: "Test"}, nil
			},
		},
		AuthConfig:     AuthHandlerConfig{BaseURL: "http://localhost:3000", SessionMaxAge: 86400},
		BillingService: billingSvc,
		UserService:    &mockUserService{},
	})
}

// authedRequest はセッションとCSRFトークンを付与したリクエストを生成する。
func authedRequest(method, path, body string) *http.Request {
	req := newJSONRequest(method, path, body)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "valid-session"})
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: testCSRFToken})
	req.Header.Set("X-CSRF-Token", testCSRFToken)
	return req
}

func TestNewRouter_PublicRoutes(t *testing.T) {
	router := createTestRouter(t, &mockBillingService{}, middleware.DefaultRateLimiterConfig())

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{name: "health", method: http.MethodGet, path: "/health", wantStatus: http.StatusOK},
		{name: "metrics", method: http.MethodGet, path: "/metrics", wantStatus: http.StatusOK},
		{name: "csrf-token", method: http.MethodGet, path: "/api/csrf-token", wantStatus: http.StatusOK},
		{name: "login", method: http.MethodGet, path: "/auth/google/login", wantStatus: http.StatusTemporaryRedirect},
		{name: "logout", method: http.MethodPost, path: "/auth/logout", wantStatus: http.StatusSeeOther},
		{name: "me without session", method: http.MethodGet, path: "/auth/me", wantStatus: http.StatusUnauthorized},
		{name: "unknown", method: http.MethodGet, path: "/auth/unknown", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))

			if w.Code != tt.wantStatus {
				t.Errorf("%s %s status = %d, want %d", tt.method, tt.path, w.Code, tt.wantStatus)
			}
		})
	}
}

func TestNewRouter_Health_DBDown_Returns503(t *testing.T) {
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rl.Stop()

	router := NewRouter(&RouterDeps{
		HealthChecker: &mockHealthChecker{err: errors.New("connection refused")},
		RateLimiter:   rl,
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestNewRouter_BillingRoutes_AllEndpoints(t *testing.T) {
	router := createTestRouter(t, &mockBillingService{}, middleware.DefaultRateLimiterConfig())

	tests := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodPost, "/lark-billing-plugin/create-subscription", `{"rate_card_id":"rc1","fixed_rate_quantities":{}}`},
		{http.MethodPost, "/lark-billing-plugin/create-customer-portal-session", `{"return_url":"https://app.example.com"}`},
		{http.MethodPost, "/lark-billing-plugin/change-rate-card", `{"subscription_id":"s","rate_card_id":"r","cancelled_url":"c","success_url":"s"}`},
		{http.MethodGet, "/lark-billing-plugin/get-billing-state", ""},
		{http.MethodPost, "/lark-billing-plugin/cancel-subscription", `{"subscription_id":"s"}`},
		{http.MethodGet, "/lark-billing-plugin/list-recent-invoices", ""},
		{http.MethodPatch, "/api/users/me", `{"name":"New"}`},
		{http.MethodDelete, "/api/users/me", ""},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, authedRequest(tt.method, tt.path, tt.body))

			if w.Code != http.StatusOK && w.Code != http.StatusNoContent {
				t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestNewRouter_BillingRoutes_RequireSession(t *testing.T) {
	router := createTestRouter(t, &mockBillingService{}, middleware.DefaultRateLimiterConfig())

	for _, path := range []string{
		"/lark-billing-plugin/get-billing-state",
		"/lark-billing-plugin/list-recent-invoices",
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

		if w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s (no session) status = %d, want %d", path, w.Code, http.StatusUnauthorized)
		}
	}
}

// TestNewRouter_MiddlewareOrder_SessionBeforeCSRF はセッション検証がCSRF検証より先に実行されることを検証する。
func TestNewRouter_MiddlewareOrder_SessionBeforeCSRF(t *testing.T) {
	router := createTestRouter(t, &mockBillingService{}, middleware.DefaultRateLimiterConfig())

	req := newJSONRequest(http.MethodPost, "/lark-billing-plugin/cancel-subscription", `{"subscription_id":"s"}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestNewRouter_BillingPOST_RequiresCSRF(t *testing.T) {
	router := createTestRouter(t, &mockBillingService{}, middleware.DefaultRateLimiterConfig())

	req := newJSONRequest(http.MethodPost, "/lark-billing-plugin/cancel-subscription", `{"subscription_id":"s"}`)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "valid-session"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if body := decodeErrorBody(t, w); body.Code != model.ErrCodeCSRFInvalid {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeCSRFInvalid)
	}
}

// TestNewRouter_CreateSubscription_SubjectFromSession はsubject_idが常にセッションから決まることを検証する。
func TestNewRouter_CreateSubscription_SubjectFromSession(t *testing.T) {
	var gotSubject string
	svc := &mockBillingService{
		createSubscriptionFn: func(ctx context.Context, subjectID string, in billing.CreateSubscriptionInput) (*lark.SubscriptionResult, error) {
			gotSubject = subjectID
			return &lark.SubscriptionResult{Type: "subscription"}, nil
		},
	}
	router := createTestRouter(t, svc, middleware.DefaultRateLimiterConfig())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodPost, "/lark-billing-plugin/create-subscription",
		`{"rate_card_id":"rc1","fixed_rate_quantities":{"seats":5}}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if gotSubject != "user-test-1" {
		t.Errorf("subjectID = %q, want %q", gotSubject, "user-test-1")
	}
}

func TestNewRouter_CheckoutRateLimit_AppliesOnlyToCheckoutRoutes(t *testing.T) {
	cfg := middleware.RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    100,
		CheckoutRate:    0.01,
		CheckoutBurst:   1,
		CleanupInterval: time.Minute,
	}
	router := createTestRouter(t, &mockBillingService{}, cfg)

	portal := func() int {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, authedRequest(http.MethodPost, "/lark-billing-plugin/create-customer-portal-session",
			`{"return_url":"https://app.example.com"}`))
		return w.Code
	}

	if got := portal(); got != http.StatusOK {
		t.Fatalf("first portal request status = %d, want 200", got)
	}
	if got := portal(); got != http.StatusTooManyRequests {
		t.Errorf("second portal request status = %d, want 429", got)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(http.MethodGet, "/lark-billing-plugin/get-billing-state", ""))
	if w.Code != http.StatusOK {
		t.Errorf("get-billing-state status = %d, want 200", w.Code)
	}
}

func TestNewRouter_MetricsExposeHTTPStatus(t *testing.T) {
	router := createTestRouter(t, &mockBillingService{}, middleware.DefaultRateLimiterConfig())

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/lark-billing-plugin/get-billing-state", nil))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !strings.Contains(w.Body.String(), `larkbilling_http_status_total{status_code="401"} 1`) {
		t.Errorf("metrics output missing 401 counter:\n%s", w.Body.String())
	}
}

func TestNewRouter_SecurityHeadersOnErrorResponses(t *testing.T) {
	router := createTestRouter(t, &mockBillingService{}, middleware.DefaultRateLimiterConfig())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/lark-billing-plugin/get-billing-state", nil))

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != model.ErrCodeUnauthorized {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnauthorized)
	}
}

func TestNewRouter_RequestIDAndCORSOnEveryResponse(t *testing.T) {
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)
	router := NewRouter(&RouterDeps{
		SessionFinder:     &mockSessionFinderForRouter{},
		CORSAllowedOrigin: "http://localhost:3000, https://app.example.com",
		RateLimiter:       rl,
		AuthService:       &mockAuthService{},
		BillingService:    &mockBillingService{},
		UserService:       &mockUserService{},
	})

	req := httptest.NewRequest(http.MethodGet, "/lark-billing-plugin/list-recent-invoices", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set(middleware.RequestIDHeader, "trace-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if got := w.Header().Get(middleware.RequestIDHeader); got != "trace-1" {
		t.Errorf("X-Request-ID = %q, want trace-1", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}
