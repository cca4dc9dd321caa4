// Package app はコマンドラインからの起動とワイヤリングを提供する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/idreconcile/internal/authprovider"
	"github.com/hitoshi/idreconcile/internal/config"
	"github.com/hitoshi/idreconcile/internal/database"
	"github.com/hitoshi/idreconcile/internal/handler"
	"github.com/hitoshi/idreconcile/internal/logger"
	"github.com/hitoshi/idreconcile/internal/metrics"
	"github.com/hitoshi/idreconcile/internal/middleware"
	"github.com/hitoshi/idreconcile/internal/model"
	"github.com/hitoshi/idreconcile/internal/reconcile"
	"github.com/hitoshi/idreconcile/internal/repository"
)

// 終了コード
const (
	ExitOK                 = 0
	ExitFailure            = 1
	ExitInvalidInput       = 2
	ExitNotFound           = 3
	ExitAmbiguousState     = 4
	ExitConstraintViolated = 5
	ExitFetchFailure       = 6
)

// ExitCode はerrに対応するプロセスの終了コードを返す。
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch model.ErrorCode(err) {
	case model.ErrCodeInvalidInput:
		return ExitInvalidInput
	case model.ErrCodeNotFound:
		return ExitNotFound
	case model.ErrCodeAmbiguousState:
		return ExitAmbiguousState
	case model.ErrCodeConstraintViolation:
		return ExitConstraintViolated
	case model.ErrCodeFetchFailure:
		return ExitFetchFailure
	default:
		return ExitFailure
	}
}

// Init はアプリケーションの初期化を行う。
// .envファイルと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// wにはログの出力先を渡す（nilの場合はos.Stderr）。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	if err := config.LoadDotEnv(config.DotEnvFiles...); err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, logger.SetupDefault(w, cfg.LogLevel), nil
}

// Run はコマンドライン引数からサブコマンドを解析して実行する。
// argsにはos.Args[1:]を渡す。操作レポートはstdoutに、ログはstderrに書き込む。
func Run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	root := NewRootCommand(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// toolkit は照合コマンドの実行に必要な依存関係をまとめた構造体。
type toolkit struct {
	cfg        *config.Config
	log        *slog.Logger
	db         *sql.DB
	registry   *prometheus.Registry
	collector  *metrics.Collector
	dispatcher *reconcile.Dispatcher
}

// newToolkit はDB接続を開き、リポジトリ・認証プロバイダークライアント・メトリクスをワイヤリングする。
// DBに接続できない場合はFetchFailureを返す。
func newToolkit(ctx context.Context, cfg *config.Config, log *slog.Logger) (*toolkit, error) {
	db, err := database.Connect(ctx, cfg.DatabaseURL, cfg.ReconcileTimeout)
	if err != nil {
		log.Error("database connection failed",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
			slog.String("error", err.Error()),
		)
		return nil, model.NewFetchFailureError("user store", err)
	}
	log.Debug("database connection established")

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	authClient := authprovider.NewClient(
		&http.Client{Timeout: cfg.ReconcileTimeout},
		log,
		authprovider.Config{
			BaseURL:    cfg.AuthAdminURL,
			ServiceKey: cfg.AuthServiceKey,
			Limit:      rate.Limit(cfg.AuthRateLimit),
			Burst:      cfg.AuthRateBurst,
			PageSize:   cfg.AuthPageSize,
		},
	)

	dispatcher := reconcile.NewDispatcher(
		repository.NewPostgresUserRepo(db),
		repository.NewPostgresDependentRepo(db),
		authClient,
		cfg.ReconcileTimeout,
		collector,
		log,
	)

	return &toolkit{
		cfg:        cfg,
		log:        log,
		db:         db,
		registry:   registry,
		collector:  collector,
		dispatcher: dispatcher,
	}, nil
}

// Close はDB接続を閉じる。
func (t *toolkit) Close() error {
	if t.db == nil {
		return nil
	}
	return t.db.Close()
}

// pushMetrics はPushgatewayが設定されている場合に実行結果のメトリクスを送信する。
// 送信の失敗は照合結果に影響させず、ログのみに記録する。
func (t *toolkit) pushMetrics(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.ReconcileTimeout)
	defer cancel()

	if err := metrics.Push(ctx, t.cfg.MetricsPushURL, t.cfg.MetricsJob, t.registry); err != nil {
		t.log.Warn("metrics push failed", slog.String("error", err.Error()))
	}
}

// runServe は読み取り専用の診断APIサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	tk, err := newToolkit(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer tk.Close()

	tk.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), log)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         log,
		HealthChecker:  tk.db,
		Diagnoser:      tk.dispatcher,
		MetricsHandler: metrics.Handler(tk.registry),
		StatusObserver: tk.collector,
		RateLimiter:    rateLimiter,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ReconcileTimeout*4 + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行し、適用後のバージョンをwに書き出す。
func runMigrate(w io.Writer, cfg *config.Config, log *slog.Logger) error {
	log.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrationsVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	fmt.Fprintf(w, "schema version: %d\n", version)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用。baseURLの /health にHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// healthcheckBaseURL はローカルのserveプロセスのURLを返す。
// フル初期化を行わないため、SERVER_PORTのみを参照する。
func healthcheckBaseURL() string {
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}
	return "http://localhost:" + port
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
