package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/idreconcile/internal/middleware"
	"github.com/hitoshi/idreconcile/internal/model"
	"github.com/hitoshi/idreconcile/internal/reconcile"
)

// Diagnoser は診断ハンドラーが必要とするインターフェース。書き込みを行わない操作だけを公開する。
type Diagnoser interface {
	Diagnose(ctx context.Context, tenant, email string) (*reconcile.Outcome, error)
}

// IdentityHandler は(tenant, email)単位の診断APIのHTTPハンドラー。
type IdentityHandler struct {
	diagnoser Diagnoser
	logger    *slog.Logger
}

// NewIdentityHandler はIdentityHandlerを生成する。
func NewIdentityHandler(diagnoser Diagnoser, logger *slog.Logger) *IdentityHandler {
	return &IdentityHandler{diagnoser: diagnoser, logger: logger}
}

// authIdentityResponse はAuthIdentityのAPIレスポンス。
type authIdentityResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Confirmed bool   `json:"confirmed"`
	TenantID  string `json:"tenant_id,omitempty"`
}

// appUserResponse はAppUserのAPIレスポンス。認証情報は含めない。
type appUserResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// diagnosisResponse は診断結果のAPIレスポンス。
type diagnosisResponse struct {
	RunID      string                `json:"run_id"`
	TenantID   string                `json:"tenant_id"`
	Email      string                `json:"email"`
	Kind       string                `json:"kind"`
	Auth       *authIdentityResponse `json:"auth"`
	App        *appUserResponse      `json:"app"`
	Duplicates []appUserResponse     `json:"duplicates"`
	Pending    []appUserResponse     `json:"pending"`
	Resuming   bool                  `json:"resuming"`
}

// Diagnose は(tenant, email)の分類結果を返す。
// GET /api/tenants/{tenant}/identities/{email}
func (h *IdentityHandler) Diagnose(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	// %40 でエンコードされた場合もそのまま受け付ける
	email, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil {
		middleware.WriteError(w, model.NewInvalidInputError("email is not a valid path segment"))
		return
	}

	out, err := h.diagnoser.Diagnose(r.Context(), tenant, email)
	if err != nil {
		if model.ErrorCode(err) == "" {
			h.logger.Error("internal server error", slog.String("error", err.Error()))
		}
		middleware.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(toDiagnosisResponse(out))
}

func toDiagnosisResponse(out *reconcile.Outcome) diagnosisResponse {
	div := out.Divergence
	resp := diagnosisResponse{
		RunID:      out.RunID,
		TenantID:   out.Tenant,
		Email:      out.Email,
		Kind:       string(div.Kind),
		Duplicates: toAppUserResponses(div.Duplicates),
		Pending:    toAppUserResponses(div.Pending),
		Resuming:   div.Resuming(),
	}
	if div.Auth != nil {
		resp.Auth = &authIdentityResponse{
			ID:        div.Auth.ExternalID,
			Email:     div.Auth.Email,
			Confirmed: div.Auth.Confirmed,
			TenantID:  div.Auth.TenantID(),
		}
	}
	if div.App != nil {
		app := toAppUserResponse(div.App)
		resp.App = &app
	}
	return resp
}

func toAppUserResponses(users []*model.AppUser) []appUserResponse {
	resp := make([]appUserResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, toAppUserResponse(u))
	}
	return resp
}

func toAppUserResponse(u *model.AppUser) appUserResponse {
	return appUserResponse{
		ID:        u.ID,
		Email:     u.Email,
		Role:      string(u.Role),
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
	}
}
