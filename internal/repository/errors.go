package repository

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/idreconcile/internal/model"
)

// integrityConstraintClass はPostgreSQLの整合性制約違反のSQLSTATEクラス。
const integrityConstraintClass pq.ErrorClass = "23"

// wrapWriteError は書き込み系のエラーを変換する。
// 一意制約・外部キー制約・チェック制約違反はConstraintViolationとして返し、
// それ以外は操作名を付けてラップする。
func wrapWriteError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == integrityConstraintClass {
		name := pqErr.Constraint
		if name == "" {
			name = pqErr.Code.Name()
		}
		return model.NewConstraintViolationError(name, fmt.Errorf("failed to %s: %w", op, err))
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// IsConstraintViolation はerrが制約違反由来かどうかを返す。
func IsConstraintViolation(err error) bool {
	return model.ErrorCode(err) == model.ErrCodeConstraintViolation
}
