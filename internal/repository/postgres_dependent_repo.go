package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresDependentRepo はuser_settings・user_profilesを扱うリポジトリ。
type PostgresDependentRepo struct {
	db *sql.DB
}

// NewPostgresDependentRepo はPostgresDependentRepoを生成する。
func NewPostgresDependentRepo(db *sql.DB) *PostgresDependentRepo {
	return &PostgresDependentRepo{db: db}
}

// Repoint は依存行の参照先をoldIDからnewIDに付け替える。
// 2テーブルの更新は同一トランザクションで行い、片方だけ付け替わった状態を残さない。
// 付け替え対象がない場合も成功として扱う（中断後の再実行で冪等）。
func (r *PostgresDependentRepo) Repoint(ctx context.Context, tenantID, oldID, newID string) (RepointResult, error) {
	var res RepointResult
	if oldID == newID {
		return res, fmt.Errorf("repoint requires distinct ids: %s", oldID)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 付け替え元・先の両方が同じテナントに属していることを確認（行ロックも兼ねる）
	var owned int
	err = tx.QueryRowContext(ctx,
		`SELECT count(*) FROM (
			SELECT id FROM users WHERE tenant_id = $1 AND id IN ($2, $3) FOR UPDATE
		 ) owned`,
		tenantID, oldID, newID,
	).Scan(&owned)
	if err != nil {
		return res, fmt.Errorf("failed to verify tenant ownership: %w", err)
	}
	if owned != 2 {
		return res, fmt.Errorf("users %s and %s are not both in tenant %s", oldID, newID, tenantID)
	}

	settings, err := tx.ExecContext(ctx, `UPDATE user_settings SET user_id = $2, updated_at = now() WHERE user_id = $1`, oldID, newID)
	if err != nil {
		return res, wrapWriteError("repoint user_settings", err)
	}
	if res.Settings, err = settings.RowsAffected(); err != nil {
		return res, fmt.Errorf("failed to get rows affected: %w", err)
	}

	profiles, err := tx.ExecContext(ctx, `UPDATE user_profiles SET user_id = $2, updated_at = now() WHERE user_id = $1`, oldID, newID)
	if err != nil {
		return res, wrapWriteError("repoint user_profiles", err)
	}
	if res.Profiles, err = profiles.RowsAffected(); err != nil {
		return res, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return RepointResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return res, nil
}

// CountByUserID は指定ユーザーを参照する依存行の件数を返す。
func (r *PostgresDependentRepo) CountByUserID(ctx context.Context, userID string) (DependentCounts, error) {
	var c DependentCounts
	err := r.db.QueryRowContext(ctx,
		`SELECT
			(SELECT count(*) FROM user_settings WHERE user_id = $1),
			(SELECT count(*) FROM user_profiles WHERE user_id = $1)`,
		userID,
	).Scan(&c.Settings, &c.Profiles)
	if err != nil {
		return DependentCounts{}, fmt.Errorf("failed to count dependents: %w", err)
	}
	return c, nil
}

// compile-time interface check
var _ DependentRepository = (*PostgresDependentRepo)(nil)
