package model

import (
	"errors"
	"fmt"
	"strings"
)

// ReconcileError は統一エラーフォーマットを表す。
// オペレーターに表示する原因カテゴリと対処方法を含む。
type ReconcileError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: fetch, constraint, state, input, repair
	Action   string // オペレーター向け対処方法
	Err      error  // 原因となったエラー（任意）
}

// Error はerrorインターフェースを実装する。
func (e *ReconcileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *ReconcileError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeFetchFailure        = "FETCH_FAILURE"
	ErrCodeConstraintViolation = "CONSTRAINT_VIOLATION"
	ErrCodeAmbiguousState      = "AMBIGUOUS_STATE"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeRepairFailed        = "REPAIR_FAILED"
)

// NewFetchFailureError はストアまたは認証プロバイダーの取得失敗エラーを生成する。
// 「見つからない」とは区別される。
func NewFetchFailureError(source string, err error) *ReconcileError {
	return &ReconcileError{
		Code:     ErrCodeFetchFailure,
		Message:  fmt.Sprintf("%s からの取得に失敗しました", source),
		Category: "fetch",
		Action:   "接続先とタイムアウト設定を確認し、再実行してください。",
		Err:      err,
	}
}

// NewConstraintViolationError は一意制約・外部キー制約違反エラーを生成する。
func NewConstraintViolationError(constraint string, err error) *ReconcileError {
	return &ReconcileError{
		Code:     ErrCodeConstraintViolation,
		Message:  fmt.Sprintf("制約違反が発生しました: %s", constraint),
		Category: "constraint",
		Action:   "既存レコードは削除されていません。競合している行を確認してから再実行してください。",
		Err:      err,
	}
}

// NewAmbiguousStateError は同一テナント・メールアドレスに複数のユーザー行がある場合のエラーを生成する。
func NewAmbiguousStateError(tenantID, email string, ids []string) *ReconcileError {
	return &ReconcileError{
		Code:     ErrCodeAmbiguousState,
		Message:  fmt.Sprintf("tenant=%s email=%s に重複したユーザー行があります: %s", tenantID, email, strings.Join(ids, ", ")),
		Category: "state",
		Action:   "正とする行を手動で選び、残りを整理してください。自動修復は行いません。",
	}
}

// NewNotFoundError は認証情報もユーザー行も存在しない場合のエラーを生成する。
func NewNotFoundError(tenantID, email string) *ReconcileError {
	return &ReconcileError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("tenant=%s email=%s のユーザーが見つかりません", tenantID, email),
		Category: "state",
		Action:   "新規作成する場合は register コマンドでメールアドレスとパスワードを指定してください。",
	}
}

// NewInvalidInputError はオペレーター入力の検証エラーを生成する。
func NewInvalidInputError(reason string) *ReconcileError {
	return &ReconcileError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("入力が不正です: %s", reason),
		Category: "input",
		Action:   "--tenant と --email を指定してください。",
	}
}

// NewRepairFailedError は修復手順の途中失敗エラーを生成する。
// stepは失敗した手順名。
func NewRepairFailedError(step string, err error) *ReconcileError {
	return &ReconcileError{
		Code:     ErrCodeRepairFailed,
		Message:  fmt.Sprintf("修復手順 %s に失敗しました", step),
		Category: "repair",
		Action:   "旧レコードは削除されていません。原因を解消してから再実行すると途中から再開します。",
		Err:      err,
	}
}

// ErrorCode はerrチェーン内のReconcileErrorのコードを返す。見つからない場合は空文字列。
func ErrorCode(err error) string {
	var re *ReconcileError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
