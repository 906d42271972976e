package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/larkbilling/internal/model"
)

type mockSessionRepository struct {
	findByIDFn func(ctx context.Context, id string) (*model.Session, error)
}

func (m *mockSessionRepository) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func sessionStore(sessions ...*model.Session) *mockSessionRepository {
	return &mockSessionRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			for _, s := range sessions {
				if s.ID == id {
					return s, nil
				}
			}
			return nil, nil
		},
	}
}

func TestSessionMiddleware_InjectsUserID(t *testing.T) {
	finder := sessionStore(&model.Session{ID: "sess-1", UserID: "user-42", ExpiresAt: time.Now().Add(time.Hour)})

	var gotUserID string
	h := NewSessionMiddleware(finder)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := UserIDFromContext(r.Context())
		if err != nil {
			t.Errorf("UserIDFromContext: %v", err)
		}
		gotUserID = id
	}))

	req := httptest.NewRequest(http.MethodGet, "/lark-billing-plugin/get-billing-state", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "sess-1"})
	info := &requestInfo{}
	req = req.WithContext(withRequestInfo(req.Context(), info))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gotUserID != "user-42" {
		t.Errorf("user ID = %q, want user-42", gotUserID)
	}
	if info.userID != "user-42" {
		t.Errorf("recorded user ID = %q, want user-42", info.userID)
	}
}

func TestSessionMiddleware_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
		finder *mockSessionRepository
	}{
		{name: "Cookieなし", finder: sessionStore()},
		{name: "空のCookie", cookie: "", finder: sessionStore()},
		{name: "存在しないセッション", cookie: "missing", finder: sessionStore()},
		{name: "ユーザーIDなし", cookie: "s", finder: sessionStore(&model.Session{ID: "s"})},
		{name: "検索失敗", cookie: "s", finder: &mockSessionRepository{
			findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
				return nil, errors.New("connection refused")
			},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewSessionMiddleware(tt.finder)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("next handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodPost, "/lark-billing-plugin/create-subscription", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: tt.cookie})
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if body := decodeErrorBody(t, w); body.Code != model.ErrCodeUnauthorized || body.Category != "auth" {
				t.Errorf("body = %+v", body)
			}
		})
	}
}

func TestUserIDFromContext_Missing(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); !errors.Is(err, ErrNoUserInContext) {
		t.Errorf("err = %v, want ErrNoUserInContext", err)
	}
}
