// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
)

type contextKey int

const (
	userIDContextKey contextKey = iota
	requestIDContextKey
	requestInfoContextKey
)

// requestInfo は内側のミドルウェアが判明した情報をロギングミドルウェアへ返すための入れ物。
type requestInfo struct {
	userID string
}

func withRequestInfo(ctx context.Context, info *requestInfo) context.Context {
	return context.WithValue(ctx, requestInfoContextKey, info)
}

// recordUserID はロギング対象のリクエストに認証済みユーザーIDを記録する。
func recordUserID(ctx context.Context, userID string) {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		info.userID = userID
	}
}

// ErrNoUserInContext はセッションミドルウェアを通過していないリクエストで返る。
var ErrNoUserInContext = errors.New("user ID not found in context")

// UserIDFromContext はセッションミドルウェアが注入したユーザーIDを返す。
// このIDはそのまま課金サービスのSubject IDになる。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", ErrNoUserInContext
	}
	return userID, nil
}

// ContextWithUserID はユーザーIDを注入したコンテキストを返す。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// RequestIDFromContext はリクエストIDを返す。未設定の場合は空文字列。
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}
