// Package model はドメインモデルを定義する。
package model

import "time"

// User は認証基盤が管理するユーザーを表す。
// IDは課金サービスのSubjectのexternal_idとしても使われるため、作成後に変更しない。
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProfileDiffers はemailまたはnameが現在値と異なるかを返す。
func (u *User) ProfileDiffers(email, name string) bool {
	return u.Email != email || u.Name != name
}

// ProviderGoogle はGoogleログインのidentityに記録するprovider名。
const ProviderGoogle = "google"

// Identity は外部IdPとの紐付け情報を表す。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はユーザーのログインセッションを表す。
// 課金エンドポイントのsubject_idは常にSession.UserIDから取得する。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
