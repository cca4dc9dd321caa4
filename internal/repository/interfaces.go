// Package repository はデータ永続化のインターフェースを定義する。
// すべてのユーザー操作はtenant_idで絞り込み、他テナントの行を返さない。
package repository

import (
	"context"

	"github.com/hitoshi/idreconcile/internal/model"
)

// UserRepository はusersテーブルの永続化インターフェース。
type UserRepository interface {
	// FindByTenantAndEmail はテナント内でメールアドレスが一致する行を返す。
	// 比較はmodel.EmailKeyによる正規化後の値で行う。
	// 退避用メールアドレスの行は含まない。見つからない場合は空スライスを返す。
	FindByTenantAndEmail(ctx context.Context, tenantID, email string) ([]*model.AppUser, error)

	// FindPendingByTenantAndEmail はID付け替え修復の途中で退避用メールアドレスに変更された行のうち、
	// 元のメールアドレスがemailと一致するものを返す。
	FindPendingByTenantAndEmail(ctx context.Context, tenantID, email string) ([]*model.AppUser, error)

	// FindByID はテナント内の指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, tenantID, id string) (*model.AppUser, error)

	// ExistsByID は指定IDの行がテナントを問わず存在するかを返す。行の内容は返さない。
	ExistsByID(ctx context.Context, id string) (bool, error)

	// ListByTenant はテナントの全ユーザーをメールアドレス順に返す。
	ListByTenant(ctx context.Context, tenantID string) ([]*model.AppUser, error)

	// CountByTenant はテナントのユーザー数を返す。
	CountByTenant(ctx context.Context, tenantID string) (int, error)

	// Insert は属性を指定してユーザーを作成する。roleとis_activeはそのまま保存する。
	Insert(ctx context.Context, user *model.AppUser) error

	// CreateWithRole はテナントの最初のユーザーかどうかをトランザクション内で判定して作成する。
	// 最初のユーザーはsuper_userかつ有効、以降はregularかつ承認待ち（無効）となる。
	// 判定結果はuserのRoleとIsActiveに反映される。
	CreateWithRole(ctx context.Context, user *model.AppUser) error

	// UpdateEmail はユーザーのメールアドレスを変更する。
	UpdateEmail(ctx context.Context, tenantID, id, email string) error

	// UpdateCredential はユーザーの認証情報（bcryptハッシュ）を更新する。nilの場合はNULLにする。
	UpdateCredential(ctx context.Context, tenantID, id string, credential *string) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するuser_settings、user_profilesはCASCADE削除されるため、呼び出し前に付け替えること。
	DeleteByID(ctx context.Context, tenantID, id string) error
}

// DependentRepository はusers.idを参照する依存テーブル（user_settings, user_profiles）の操作インターフェース。
type DependentRepository interface {
	// Repoint は依存行の参照先をoldIDからnewIDに付け替え、テーブルごとの更新件数を返す。
	// oldIDとnewIDのどちらもtenantIDに属している必要がある。
	Repoint(ctx context.Context, tenantID, oldID, newID string) (RepointResult, error)

	// CountByUserID は指定ユーザーを参照する依存行の件数をテーブルごとに返す。
	CountByUserID(ctx context.Context, userID string) (DependentCounts, error)
}

// RepointResult は依存行の付け替え件数。
type RepointResult struct {
	Settings int64
	Profiles int64
}

// DependentCounts は依存行の件数。
type DependentCounts struct {
	Settings int
	Profiles int
}

// Total は依存行の合計件数を返す。
func (c DependentCounts) Total() int {
	return c.Settings + c.Profiles
}
