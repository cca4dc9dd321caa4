package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/idreconcile/internal/model"
)

const userColumns = `id, tenant_id, email, role, is_active, credential_material, created_at, updated_at`

// placeholderPattern は退避用メールアドレスに一致するLIKEパターン。
var placeholderPattern = "%@" + model.PlaceholderDomain

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(s rowScanner) (*model.AppUser, error) {
	user := &model.AppUser{}
	var role string
	var credential sql.NullString
	if err := s.Scan(&user.ID, &user.TenantID, &user.Email, &role, &user.IsActive, &credential, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	user.Role = model.Role(role)
	if credential.Valid {
		c := credential.String
		user.CredentialMaterial = &c
	}
	return user, nil
}

func (r *PostgresUserRepo) queryUsers(ctx context.Context, op, query string, args ...any) ([]*model.AppUser, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	defer rows.Close()

	users := []*model.AppUser{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return users, nil
}

// FindByTenantAndEmail はテナント内でメールアドレスが一致する行を返す。
// 保存済みの値はIDNドメインを含む場合があるため、SQLでは比較せずmodel.EmailKeyで照合する。
func (r *PostgresUserRepo) FindByTenantAndEmail(ctx context.Context, tenantID, email string) ([]*model.AppUser, error) {
	candidates, err := r.queryUsers(ctx, "find users by email",
		`SELECT `+userColumns+`
		 FROM users
		 WHERE tenant_id = $1 AND lower(email) NOT LIKE $2
		 ORDER BY created_at, id`,
		tenantID, placeholderPattern,
	)
	if err != nil {
		return nil, err
	}

	key := model.EmailKey(email)
	matched := []*model.AppUser{}
	for _, u := range candidates {
		if model.EmailKey(u.Email) == key {
			matched = append(matched, u)
		}
	}
	return matched, nil
}

// FindPendingByTenantAndEmail は退避用メールアドレスに変更された行のうち、元のメールアドレスがemailのものを返す。
func (r *PostgresUserRepo) FindPendingByTenantAndEmail(ctx context.Context, tenantID, email string) ([]*model.AppUser, error) {
	candidates, err := r.queryUsers(ctx, "find pending users",
		`SELECT `+userColumns+`
		 FROM users
		 WHERE tenant_id = $1 AND lower(email) LIKE $2
		 ORDER BY created_at, id`,
		tenantID, placeholderPattern,
	)
	if err != nil {
		return nil, err
	}

	pending := []*model.AppUser{}
	for _, u := range candidates {
		if _, original, ok := model.ParsePlaceholderEmail(u.Email); ok && model.SameEmail(original, email) {
			pending = append(pending, u)
		}
	}
	return pending, nil
}

// ExistsByID は指定IDの行がいずれかのテナントに存在するかを返す。
// usersの主キーはテナントをまたいで一意のため、挿入前の衝突確認に使う。
func (r *PostgresUserRepo) ExistsByID(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check user ID: %w", err)
	}
	return exists, nil
}

// FindByID はテナント内の指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, tenantID, id string) (*model.AppUser, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// ListByTenant はテナントの全ユーザーを返す。
func (r *PostgresUserRepo) ListByTenant(ctx context.Context, tenantID string) ([]*model.AppUser, error) {
	return r.queryUsers(ctx, "list users",
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 ORDER BY lower(email), created_at, id`,
		tenantID,
	)
}

// CountByTenant はテナントのユーザー数を返す。
func (r *PostgresUserRepo) CountByTenant(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM users WHERE tenant_id = $1`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// Insert は属性を指定してユーザーを作成する。
func (r *PostgresUserRepo) Insert(ctx context.Context, user *model.AppUser) error {
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.ID, user.TenantID, user.Email, string(user.Role), user.IsActive,
		nullString(user.CredentialMaterial), user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return wrapWriteError("insert user", err)
	}
	return nil
}

// CreateWithRole はテナントの最初のユーザーかどうかを判定してユーザーを作成する。
// テナント単位のアドバイザリロックを取得した同一トランザクション内で件数確認と挿入を行うため、
// 同時登録で2人目のsuper_userが作られることはない。
func (r *PostgresUserRepo) CreateWithRole(ctx context.Context, user *model.AppUser) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, user.TenantID); err != nil {
		return fmt.Errorf("failed to lock tenant: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM users WHERE tenant_id = $1`, user.TenantID).Scan(&count); err != nil {
		return fmt.Errorf("failed to count users: %w", err)
	}

	user.Role, user.IsActive = model.RoleRegular, false
	if count == 0 {
		user.Role, user.IsActive = model.RoleSuperUser, true
	}

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.ID, user.TenantID, user.Email, string(user.Role), user.IsActive,
		nullString(user.CredentialMaterial), user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return wrapWriteError("insert user", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateEmail はユーザーのメールアドレスを変更する。
func (r *PostgresUserRepo) UpdateEmail(ctx context.Context, tenantID, id, email string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET email = $3, updated_at = now() WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, email,
	)
	if err != nil {
		return wrapWriteError("update user email", err)
	}
	return expectOneRow(result, id)
}

// UpdateCredential はユーザーの認証情報を更新する。
func (r *PostgresUserRepo) UpdateCredential(ctx context.Context, tenantID, id string, credential *string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET credential_material = $3, updated_at = now() WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, nullString(credential),
	)
	if err != nil {
		return wrapWriteError("update user credential", err)
	}
	return expectOneRow(result, id)
}

// DeleteByID は指定IDのユーザーを削除する。
// 関連するuser_settings、user_profilesはCASCADE削除される。
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, tenantID, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM users WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)
	if err != nil {
		return wrapWriteError("delete user", err)
	}
	return expectOneRow(result, id)
}

func expectOneRow(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user not found: %s", id)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
