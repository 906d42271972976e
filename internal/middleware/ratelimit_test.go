package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/larkbilling/internal/model"
)

// newUserRequest はユーザーIDを注入済みのリクエストを生成する。
func newUserRequest(method, path, userID string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	return req.WithContext(ContextWithUserID(req.Context(), userID))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// --- GeneralMiddleware (API全般) のテスト ---

func TestGeneralMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     2, // 2 req/sec
		GeneralBurst:    5,
		CheckoutRate:    1,
		CheckoutBurst:   10,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	calls := 0
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, newUserRequest(http.MethodGet, "/lark-billing-plugin/get-billing-state", "user-1"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
	if calls != 5 {
		t.Errorf("handler call count = %d, want 5", calls)
	}
}

func TestGeneralMiddleware_Returns429WhenLimitExceeded(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     0.5, // 2秒に1トークン
		GeneralBurst:    2,
		CheckoutRate:    1,
		CheckoutBurst:   10,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, newUserRequest(http.MethodGet, "/api/test", "user-1"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newUserRequest(http.MethodGet, "/api/test", "user-1"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil {
		t.Fatalf("Retry-After = %q, want integer", w.Header().Get("Retry-After"))
	}
	if retryAfter != 2 {
		t.Errorf("Retry-After = %d, want 2", retryAfter)
	}
}

func TestGeneralMiddleware_PerUserIsolation(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		CheckoutRate:    1,
		CheckoutBurst:   1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newUserRequest(http.MethodGet, "/api/test", "user-a"))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, newUserRequest(http.MethodGet, "/api/test", "user-a"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("user-a second request: status = %d, want 429", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, newUserRequest(http.MethodGet, "/api/test", "user-b"))
	if w.Code != http.StatusOK {
		t.Errorf("user-b: status = %d, want 200", w.Code)
	}
	if got := rl.GeneralLimiterCount(); got != 2 {
		t.Errorf("GeneralLimiterCount() = %d, want 2", got)
	}
}

func TestGeneralMiddleware_NoUserID_Returns401(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	defer rl.Stop()

	called := false
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/test", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if called {
		t.Error("handler should not be called without user ID")
	}
}

// --- CheckoutMiddleware のテスト ---

func TestCheckoutMiddleware_Returns429WhenLimitExceeded(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    100,
		CheckoutRate:    1,
		CheckoutBurst:   1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.CheckoutMiddleware()(okHandler())
	path := "/lark-billing-plugin/create-subscription"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newUserRequest(http.MethodPost, path, "user-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, newUserRequest(http.MethodPost, path, "user-1"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", w.Code)
	}
	if rl.CheckoutLimiterCount() != 1 {
		t.Errorf("CheckoutLimiterCount() = %d, want 1", rl.CheckoutLimiterCount())
	}
}

func TestCheckoutMiddleware_IndependentFromGeneralLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		CheckoutRate:    1,
		CheckoutBurst:   1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	general := rl.GeneralMiddleware()(okHandler())
	checkout := rl.CheckoutMiddleware()(okHandler())

	w := httptest.NewRecorder()
	general.ServeHTTP(w, newUserRequest(http.MethodGet, "/api/test", "user-1"))
	w = httptest.NewRecorder()
	general.ServeHTTP(w, newUserRequest(http.MethodGet, "/api/test", "user-1"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("general: status = %d, want 429", w.Code)
	}

	w = httptest.NewRecorder()
	checkout.ServeHTTP(w, newUserRequest(http.MethodPost, "/lark-billing-plugin/change-rate-card", "user-1"))
	if w.Code != http.StatusOK {
		t.Errorf("checkout: status = %d, want 200", w.Code)
	}
}

// --- 429レスポンスフォーマットのテスト ---

func TestRateLimit_429ResponseIsUnifiedJSON(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		CheckoutRate:    1,
		CheckoutBurst:   10,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), newUserRequest(http.MethodGet, "/api/test", "user-json"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newUserRequest(http.MethodGet, "/api/test", "user-json"))

	resp := w.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != model.ErrCodeRateLimited {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeRateLimited)
	}
	if body.Message == "" || body.Category == "" {
		t.Errorf("incomplete error body: %+v", body)
	}
}

// --- クリーンアップのテスト ---

func TestLimiterSet_EvictRemovesIdleEntries(t *testing.T) {
	s := newLimiterSet("test", 1, 1)
	now := time.Now()

	s.get("idle", now.Add(-10*time.Minute))
	s.get("active", now)

	s.evict(now, 5*time.Minute)

	if s.len() != 1 {
		t.Fatalf("len() = %d, want 1", s.len())
	}
	if _, ok := s.limiters["active"]; !ok {
		t.Error("active entry should remain")
	}
}

func TestRateLimiter_CleanupLoopRemovesExpiredEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		CheckoutRate:    1,
		CheckoutBurst:   10,
		CleanupInterval: 50 * time.Millisecond,
	})
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), newUserRequest(http.MethodGet, "/api/test", "user-cleanup"))
	rl.CheckoutMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), newUserRequest(http.MethodPost, "/api/test", "user-cleanup"))

	if rl.GeneralLimiterCount() == 0 || rl.CheckoutLimiterCount() == 0 {
		t.Fatal("expected limiter entries")
	}

	// TTLは50ms * 2 = 100ms
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rl.GeneralLimiterCount() == 0 && rl.CheckoutLimiterCount() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("entries remain after cleanup: general=%d checkout=%d", rl.GeneralLimiterCount(), rl.CheckoutLimiterCount())
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

// --- ミドルウェアチェーンとの統合テスト ---

func TestGeneralMiddleware_InChainWithSessionAndCORS(t *testing.T) {
	repo := &mockSessionRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			if id == "rate-limit-session" {
				return &model.Session{
					ID:        "rate-limit-session",
					UserID:    "user-rate-chain",
					ExpiresAt: time.Now().Add(time.Hour),
				}, nil
			}
			return nil, nil
		},
	}

	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    2,
		CheckoutRate:    1,
		CheckoutBurst:   10,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	// CORS -> Session -> RateLimit -> Handler
	handler := NewCORSMiddleware([]string{"http://localhost:3000"})(NewSessionMiddleware(repo)(rl.GeneralMiddleware()(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, _ := UserIDFromContext(r.Context())
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"user_id": userID})
		}),
	)))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/lark-billing-plugin/list-recent-invoices", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "rate-limit-session"})
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		want := http.StatusOK
		if i == 2 {
			want = http.StatusTooManyRequests
		}
		if w.Code != want {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, want)
		}
	}
}

// --- 設定値のテスト ---

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2.0 { // 120/60
		t.Errorf("GeneralRate = %f, want 2.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.CheckoutBurst != 10 {
		t.Errorf("CheckoutBurst = %d, want 10", cfg.CheckoutBurst)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
}

func TestPerMinuteRateLimiterConfig(t *testing.T) {
	cfg := PerMinuteRateLimiterConfig(60, 6)

	if cfg.GeneralRate != 1.0 || cfg.GeneralBurst != 60 {
		t.Errorf("general = (%f, %d), want (1.0, 60)", cfg.GeneralRate, cfg.GeneralBurst)
	}
	if cfg.CheckoutRate != 0.1 || cfg.CheckoutBurst != 6 {
		t.Errorf("checkout = (%f, %d), want (0.1, 6)", cfg.CheckoutRate, cfg.CheckoutBurst)
	}
}
