package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/idreconcile/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger        *slog.Logger
	HealthChecker HealthChecker
	Diagnoser     Diagnoser

	// MetricsHandler は /metrics で公開するハンドラー。nilの場合はルートを登録しない。
	MetricsHandler http.Handler
	// StatusObserver はレスポンスのステータスコードの記録先。nilでもよい。
	StatusObserver middleware.StatusObserver
	// RateLimiter は診断APIのクライアントごとのレート制限。nilの場合は制限しない。
	RateLimiter *middleware.RateLimiter
}

// NewRouter は診断APIのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → SecurityHeaders
//
// /api/* にはさらにRateLimitを適用する。書き込みを行うエンドポイントは持たない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.StatusObserver))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	r.Get("/health", NewHealthHandler(deps.HealthChecker, deps.Logger))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	identityHandler := NewIdentityHandler(deps.Diagnoser, deps.Logger)

	r.Route("/api/tenants/{tenant}", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Get("/identities/{email}", identityHandler.Diagnose)
	})

	return r
}
