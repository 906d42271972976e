package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/larkbilling/internal/auth"
	"github.com/hitoshi/larkbilling/internal/billing"
	"github.com/hitoshi/larkbilling/internal/config"
	"github.com/hitoshi/larkbilling/internal/database"
	"github.com/hitoshi/larkbilling/internal/handler"
	"github.com/hitoshi/larkbilling/internal/lark"
	"github.com/hitoshi/larkbilling/internal/logger"
	"github.com/hitoshi/larkbilling/internal/metrics"
	"github.com/hitoshi/larkbilling/internal/middleware"
	"github.com/hitoshi/larkbilling/internal/provisioning"
	"github.com/hitoshi/larkbilling/internal/repository"
	"github.com/hitoshi/larkbilling/internal/user"
	"github.com/hitoshi/larkbilling/internal/worker/cleanup"
	"github.com/hitoshi/larkbilling/internal/worker/reconcile"
)

// shutdownTimeout はHTTPサーバーのグレースフルシャットダウンの猶予。
const shutdownTimeout = 30 * time.Second

// Init はログを初期化し、.envと環境変数から設定を読み込む。
// .envが存在しない場合は環境変数のみを使う。設定読み込み後はLOG_LEVELでロガーを作り直す。
func Init(w io.Writer, cmd Command) (*config.Config, error) {
	logger.SetupDefault(w, logger.Options{Command: string(cmd)})

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetupDefault(w, logger.Options{Level: cfg.LogLevel, Command: string(cmd)})

	return cfg, nil
}

// Run はサブコマンドを解析し、対応するモードで起動する。argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck はフル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w, cmd)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDBを開いて疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// newLarkClient は設定から課金サービスクライアントを生成する。observerはnilでもよい。
func newLarkClient(cfg *config.Config, observer lark.CallObserver) *lark.Client {
	return lark.NewClient(lark.Config{
		BaseURL:    cfg.LarkBaseURL,
		APIKey:     cfg.LarkAPIKey,
		HTTPClient: &http.Client{Timeout: cfg.LarkTimeout},
		Logger:     slog.Default(),
		Observer:   observer,
	})
}

// provisioningConfig は設定からフックの設定を組み立てる。
// FREE_PLAN_RATE_CARD_IDが空の場合は無料プランを作成しない。
func provisioningConfig(cfg *config.Config) provisioning.Config {
	pc := provisioning.Config{CreateCustomerOnSignUp: cfg.CreateCustomerOnSignUp}
	if cfg.FreePlanRateCardID != "" {
		pc.FreePlan = &provisioning.FreePlanRateCard{
			RateCardID:          cfg.FreePlanRateCardID,
			FixedRateQuantities: cfg.FreePlanFixedRateQuantities,
		}
	}
	return pc
}

// newMetricsRegistry はアプリケーションのメトリクスとランタイムのメトリクスを登録したレジストリを返す。
func newMetricsRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// runServe はAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMを受信すると、サーバーを停止してから実行中のプロビジョニングの完了を待つ。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)

	reg, collector := newMetricsRegistry()
	larkClient := newLarkClient(cfg, collector)
	hook := provisioning.NewHook(larkClient, provisioningConfig(cfg), slog.Default(), collector)

	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	authService := auth.NewService(
		oauthProvider, userRepo, identRepo, sessionRepo, hook,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge, Logger: slog.Default()},
	)

	rateLimiter := middleware.NewRateLimiter(
		middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitCheckout),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		HealthChecker:     db,
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: rateLimiter,

		Metrics:         collector,
		MetricsGatherer: reg,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		BillingService: billing.NewService(larkClient),
		UserService:    user.NewService(userRepo, sessionRepo, hook),
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Bool("create_customer_on_sign_up", cfg.CreateCustomerOnSignUp),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownErr := server.Shutdown(ctx)

	// Shutdownがタイムアウトしても、実行中のプロビジョニングには別の猶予を与える
	waitCtx, waitCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer waitCancel()
	if !waitProvisioning(waitCtx, hook) {
		slog.Warn("billing provisioning still running at exit; reconcile worker will retry")
	}

	if shutdownErr != nil {
		return fmt.Errorf("server shutdown failed: %w", shutdownErr)
	}
	slog.Info("API server stopped gracefully")
	return nil
}

// waitProvisioning はctxの期限までプロビジョニングの完了を待ち、完了したかを返す。
func waitProvisioning(ctx context.Context, w interface{ Wait() }) bool {
	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// runWorker はワーカーモードで起動する。
// 取りこぼしたプロビジョニングの補正と期限切れセッションの削除を定期実行する。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	userRepo := repository.NewPostgresUserRepo(db)

	larkClient := newLarkClient(cfg, nil)
	hook := provisioning.NewHook(larkClient, provisioningConfig(cfg), slog.Default(), nil)

	reconcileJob := reconcile.NewJob(userRepo, hook, slog.Default(), reconcile.Config{
		Interval:         cfg.ReconcileInterval,
		Window:           cfg.ReconcileWindow,
		APIInterval:      cfg.ReconcileAPIInterval,
		MaxUsersPerCycle: cfg.ReconcileMaxUsersPerCycle,
	})
	cleanupJob := cleanup.NewSessionCleanupJob(db, slog.Default())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("worker starting",
		slog.Duration("reconcile_interval", cfg.ReconcileInterval),
		slog.Duration("session_cleanup_interval", cfg.SessionCleanupInterval),
		slog.Bool("reconcile_enabled", hook.Enabled()),
	)

	go cleanupJob.Start(ctx, cfg.SessionCleanupInterval)

	reconcileJob.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate は未適用のマイグレーションをすべて適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はdistroless環境のDockerヘルスチェック用に/healthを叩く。
func runHealthcheck(port string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://localhost:%s/health", port))
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードを伏せる。解析できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
