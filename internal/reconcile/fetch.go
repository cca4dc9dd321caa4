// Package reconcile は認証プロバイダーのAuthIdentityとアプリのユーザー行の
// 不一致を検出・分類し、分類ごとに1つの修復を適用する。
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/idreconcile/internal/authprovider"
	"github.com/hitoshi/idreconcile/internal/model"
	"github.com/hitoshi/idreconcile/internal/repository"
)

// AuthStore は認証プロバイダーの管理操作インターフェース。
type AuthStore interface {
	FindByEmail(ctx context.Context, email string) (*model.AuthIdentity, error)
	List(ctx context.Context) ([]*model.AuthIdentity, error)
	Create(ctx context.Context, in authprovider.NewIdentity) (*model.AuthIdentity, error)
	UpdatePassword(ctx context.Context, id, password string) error
}

// Snapshot は(tenant, email)について取得した現在の状態。
type Snapshot struct {
	Tenant  string
	Email   string
	Auth    *model.AuthIdentity
	Apps    []*model.AppUser
	Pending []*model.AppUser
}

// Fetcher はAuthIdentityとユーザー行を取得する。
type Fetcher struct {
	users   repository.UserRepository
	auth    AuthStore
	timeout time.Duration
	logger  *slog.Logger
}

// NewFetcher はFetcherを生成する。timeoutが0以下の場合は呼び出し側のcontextの期限のみを使う。
func NewFetcher(users repository.UserRepository, auth AuthStore, timeout time.Duration, logger *slog.Logger) *Fetcher {
	return &Fetcher{users: users, auth: auth, timeout: timeout, logger: logger}
}

// ValidateTarget はオペレーター入力のテナントとメールアドレスを検証し、正規化して返す。
func ValidateTarget(tenant, email string) (string, string, error) {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return "", "", model.NewInvalidInputError("tenant is required")
	}
	if strings.TrimSpace(email) == "" {
		return "", "", model.NewInvalidInputError("email is required")
	}
	normalized, err := model.NormalizeEmail(email)
	if err != nil {
		return "", "", model.NewInvalidInputError(err.Error())
	}
	if model.IsPlaceholderEmail(normalized) {
		return "", "", model.NewInvalidInputError(fmt.Sprintf("%s is a reconciliation placeholder address", normalized))
	}
	return tenant, normalized, nil
}

// withTimeout はストア呼び出し1回分のcontextを返す。
func (f *Fetcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.timeout)
}

// Fetch は(tenant, email)のAuthIdentity、ユーザー行、退避中の行を取得する。
// 取得失敗はFetchFailureとして返し、存在しないことはnilや空スライスで表す。
func (f *Fetcher) Fetch(ctx context.Context, tenant, email string) (*Snapshot, error) {
	tenant, email, err := ValidateTarget(tenant, email)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Tenant: tenant, Email: email}

	authCtx, cancel := f.withTimeout(ctx)
	snap.Auth, err = f.auth.FindByEmail(authCtx, email)
	cancel()
	if err != nil {
		return nil, model.NewFetchFailureError("auth provider", err)
	}

	usersCtx, cancel := f.withTimeout(ctx)
	defer cancel()

	apps, err := f.users.FindByTenantAndEmail(usersCtx, tenant, email)
	if err != nil {
		return nil, model.NewFetchFailureError("user store", err)
	}
	pending, err := f.users.FindPendingByTenantAndEmail(usersCtx, tenant, email)
	if err != nil {
		return nil, model.NewFetchFailureError("user store", err)
	}
	snap.Apps = inTenant(apps, tenant)
	snap.Pending = inTenant(pending, tenant)

	f.logger.Info("状態を取得しました",
		slog.String("tenant_id", tenant),
		slog.String("email", email),
		slog.Bool("auth_found", snap.Auth != nil),
		slog.Any("app_ids", userIDs(snap.Apps)),
		slog.Any("pending_ids", userIDs(snap.Pending)),
	)
	return snap, nil
}

// inTenant はtenantに属する行だけを返す。
func inTenant(users []*model.AppUser, tenant string) []*model.AppUser {
	out := make([]*model.AppUser, 0, len(users))
	for _, u := range users {
		if u.TenantID == tenant {
			out = append(out, u)
		}
	}
	return out
}

func userIDs(users []*model.AppUser) []string {
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return ids
}
