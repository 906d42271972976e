// Package auth はGoogleログインとセッション発行を提供する。
// ユーザーの作成・更新はLifecycleHookを通じて課金側のプロビジョニングに伝わる。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/larkbilling/internal/model"
	"github.com/hitoshi/larkbilling/internal/repository"
)

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Provider       string // model.ProviderGoogle
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// LifecycleHook はユーザーの作成・更新後に呼ばれるフック。
// 実装は呼び出し元をブロックせず、エラーも返さない。
type LifecycleHook interface {
	AfterUserCreated(ctx context.Context, user *model.User)
	AfterUserUpdated(ctx context.Context, user *model.User)
}

type noopHook struct{}

func (noopHook) AfterUserCreated(context.Context, *model.User) {}
func (noopHook) AfterUserUpdated(context.Context, *model.User) {}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
	// nilの場合はslog.Default()
	Logger *slog.Logger
}

// Service はログインとセッションを扱い、ユーザーの作成・更新をLifecycleHookへ通知する。
type Service struct {
	oauth       OAuthProvider
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	sessionRepo repository.SessionRepository
	hook        LifecycleHook
	config      ServiceConfig
	logger      *slog.Logger
	now         func() time.Time
}

// NewService はServiceを生成する。hookはnilでもよい。
func NewService(
	oauth OAuthProvider,
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	sessionRepo repository.SessionRepository,
	hook LifecycleHook,
	config ServiceConfig,
) *Service {
	if hook == nil {
		hook = noopHook{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		oauth:       oauth,
		userRepo:    userRepo,
		identRepo:   identRepo,
		sessionRepo: sessionRepo,
		hook:        hook,
		config:      config,
		logger:      logger,
		now:         time.Now,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback は認可コードからユーザーを特定し、セッションを発行する。
// 初回ログインではユーザーとidentityを作成してAfterUserCreatedを、
// IdPのemailまたはnameが変わっていればプロフィールを更新してAfterUserUpdatedを呼ぶ。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	info, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	userID, err := s.resolveUser(ctx, info)
	if err != nil {
		return nil, err
	}

	session, err := s.createSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// resolveUser はidentityに紐づくユーザーIDを返す。identityがなければサインアップする。
func (s *Service) resolveUser(ctx context.Context, info *OAuthUserInfo) (string, error) {
	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, info.Provider, info.ProviderUserID)
	if err != nil {
		return "", fmt.Errorf("failed to find identity: %w", err)
	}
	if identity == nil {
		return s.signUp(ctx, info)
	}

	s.logger.Info("existing user logged in",
		slog.String("user_id", identity.UserID),
		slog.String("provider", info.Provider),
	)
	if err := s.syncProfile(ctx, identity.UserID, info); err != nil {
		return "", err
	}
	return identity.UserID, nil
}

// signUp はusersとidentitiesを1トランザクションで作成する。
// 並行した初回ログインに負けた場合は先行側のユーザーを返し、作成通知は先行側に任せる。
func (s *Service) signUp(ctx context.Context, info *OAuthUserInfo) (string, error) {
	now := s.now()
	user := &model.User{
		ID:        uuid.NewString(),
		Email:     info.Email,
		Name:      info.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	identity := &model.Identity{
		ID:             uuid.NewString(),
		UserID:         user.ID,
		Provider:       info.Provider,
		ProviderUserID: info.ProviderUserID,
		CreatedAt:      now,
	}

	err := s.userRepo.CreateWithIdentity(ctx, user, identity)
	if errors.Is(err, repository.ErrIdentityConflict) {
		return s.resolveConcurrentSignUp(ctx, info)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create user and identity: %w", err)
	}

	s.logger.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("provider", info.Provider),
	)
	s.hook.AfterUserCreated(ctx, user)
	return user.ID, nil
}

// resolveConcurrentSignUp は一意制約で作成に失敗した後、先行して作成されたidentityのユーザーIDを返す。
func (s *Service) resolveConcurrentSignUp(ctx context.Context, info *OAuthUserInfo) (string, error) {
	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, info.Provider, info.ProviderUserID)
	if err != nil {
		return "", fmt.Errorf("failed to find identity after conflict: %w", err)
	}
	if identity == nil {
		return "", fmt.Errorf("identity conflict but no identity found for provider %s", info.Provider)
	}
	s.logger.Info("concurrent sign-up resolved to existing user",
		slog.String("user_id", identity.UserID),
		slog.String("provider", info.Provider),
	)
	return identity.UserID, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.logger.Info("user logged out")
	return nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("session not found or expired")
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user not found")
	}

	return user, nil
}

// syncProfile はIdPから取得したemailとnameが保存済みの値と異なる場合に更新する。
func (s *Service) syncProfile(ctx context.Context, userID string, info *OAuthUserInfo) error {
	current, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if current == nil || !current.ProfileDiffers(info.Email, info.Name) {
		return nil
	}

	updated, err := s.userRepo.UpdateProfile(ctx, userID, info.Email, info.Name)
	if err != nil {
		return fmt.Errorf("failed to update user profile: %w", err)
	}
	if updated == nil {
		return nil
	}

	s.logger.Info("user profile updated from identity provider",
		slog.String("user_id", userID),
	)
	s.hook.AfterUserUpdated(ctx, updated)
	return nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

const sessionIDBytes = 32

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
