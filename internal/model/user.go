// Package model はドメインモデルを定義する。
package model

import "time"

// Role はアプリケーションユーザーの権限種別を表す。
type Role string

const (
	// RoleRegular は承認待ちから始まる一般ユーザー。
	RoleRegular Role = "regular"
	// RoleSuperUser はテナント管理者。テナントで最初に作成されたユーザーに付与される。
	RoleSuperUser Role = "super_user"
)

// Valid はRoleが定義済みの値かどうかを返す。
func (r Role) Valid() bool {
	return r == RoleRegular || r == RoleSuperUser
}

// MetadataTenantKey はAuthIdentityのメタデータでテナントIDを保持するキー。
const MetadataTenantKey = "tenant_id"

// AuthIdentity は外部認証プロバイダーが保持するログイン情報を表す。
// このツールからは管理APIの作成・パスワード更新・削除・一覧のみで操作する。
type AuthIdentity struct {
	ExternalID string
	Email      string // 正規化済み（小文字）
	Confirmed  bool
	Metadata   map[string]string
	CreatedAt  time.Time
}

// TenantID はメタデータに記録されたテナントIDを返す。未設定の場合は空文字列。
func (a *AuthIdentity) TenantID() string {
	return a.Metadata[MetadataTenantKey]
}

// AppUser はアプリケーションDBのusersテーブルの1行を表す。
// IDは対応するAuthIdentityのExternalIDと一致していることが前提。
type AppUser struct {
	ID       string
	TenantID string
	Email    string
	Role     Role
	IsActive bool
	// CredentialMaterial はbcryptハッシュ。未設定の場合はnil（空文字列は使わない）。
	CredentialMaterial *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
