package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/idreconcile/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, re *model.ReconcileError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     re.Code,
		Message:  re.Message,
		Category: re.Category,
		Action:   re.Action,
	})
}

// StatusCodeFor はエラーコードに対応するHTTPステータスコードを返す。
func StatusCodeFor(code string) int {
	switch code {
	case model.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeAmbiguousState, model.ErrCodeConstraintViolation:
		return http.StatusConflict
	case model.ErrCodeFetchFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteError はerrをステータスコードに変換して書き込む。
// ReconcileError以外のエラーは内部エラーとして扱い、詳細は返さない。
func WriteError(w http.ResponseWriter, err error) {
	var re *model.ReconcileError
	if !errors.As(err, &re) {
		WriteInternalServerError(w)
		return
	}
	WriteErrorResponse(w, StatusCodeFor(re.Code), re)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、クライアントには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.ReconcileError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
