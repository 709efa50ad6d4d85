package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/formrelay/api/handlers"
	"github.com/BaSui01/formrelay/backend"
	"github.com/BaSui01/formrelay/captcha"
	"github.com/BaSui01/formrelay/config"
	"github.com/BaSui01/formrelay/engine"
	"github.com/BaSui01/formrelay/forms"
	"github.com/BaSui01/formrelay/internal/cache"
	"github.com/BaSui01/formrelay/internal/database"
	"github.com/BaSui01/formrelay/internal/eventloop"
	"github.com/BaSui01/formrelay/internal/httpx"
	"github.com/BaSui01/formrelay/internal/metrics"
	"github.com/BaSui01/formrelay/internal/migration"
	"github.com/BaSui01/formrelay/internal/pool"
	"github.com/BaSui01/formrelay/internal/server"
	"github.com/BaSui01/formrelay/internal/telemetry"
	"github.com/BaSui01/formrelay/page"
	"github.com/BaSui01/formrelay/session"
)

// statsInterval 连接池与任务池统计写入指标的周期
const statsInterval = 15 * time.Second

// =============================================================================
// 🖥️ App 结构
// =============================================================================

// App 持有一次 run 的全部组件。基础设施在 newApp 中建立，
// 浏览器与引擎在 Run 中启动，Close 按相反顺序释放。
type App struct {
	cfg    *config.Config
	loader *config.Loader
	logger *zap.Logger
	level  zap.AtomicLevel

	telemetry *telemetry.Providers
	collector *metrics.Collector

	db       *gorm.DB
	pool     *database.PoolManager
	redis    *cache.Manager
	captchas *captcha.Store
	forms    *forms.Store
	reporter backend.Reporter
	http     *httpx.Client
	resolver *session.Resolver

	browser *page.Browser
	workers *pool.Workers
	engine  *engine.Engine

	hotReload      *config.HotReloadManager
	httpManager    *server.Manager
	metricsManager *server.Manager

	stopBackground context.CancelFunc
}

// newApp 建立除浏览器以外的全部组件。出错时已建立的部分会被释放。
func newApp(ctx context.Context, cfg *config.Config, loader *config.Loader, logger *zap.Logger, level zap.AtomicLevel) (_ *App, err error) {
	a := &App{cfg: cfg, loader: loader, logger: logger, level: level}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	// 1. 可观测性
	if a.telemetry, err = telemetry.Init(ctx, cfg.Telemetry, logger); err != nil {
		logger.Warn("telemetry disabled", zap.Error(err))
		err = nil
	}
	if cfg.Metrics.Enabled {
		a.collector = metrics.NewCollector(cfg.Metrics.Namespace, logger)
	}

	// 2. 存储
	if err = a.initDatabase(ctx); err != nil {
		return nil, err
	}
	if cfg.Redis.Addr != "" {
		if a.redis, err = cache.NewManager(cfg.Redis, logger); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
	}
	if err = a.initCaptchaStore(); err != nil {
		return nil, err
	}
	if a.db != nil {
		a.forms = forms.NewStore(a.db, logger)
	}
	if a.reporter, err = backend.NewReporter(ctx, cfg.Report, logger); err != nil {
		return nil, fmt.Errorf("reporter: %w", err)
	}

	// 3. 出站 HTTP 与会话解析
	if a.http, err = httpx.NewClient(cfg.HTTP, a.collector, logger); err != nil {
		return nil, fmt.Errorf("http client: %w", err)
	}
	if a.resolver, err = a.newResolver(); err != nil {
		return nil, err
	}
	return a, nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (a *App) initDatabase(ctx context.Context) error {
	if !a.cfg.Database.Enabled() {
		a.logger.Info("database not configured, form profiles disabled")
		return nil
	}
	info, err := migration.MigrateUp(ctx, a.cfg.Database, a.logger)
	if err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	a.logger.Info("database migrated", zap.Uint("version", info.CurrentVersion), zap.Bool("dirty", info.Dirty))

	driver := a.cfg.Database.Driver
	observe := database.WithQueryObserver(func(op string, elapsed time.Duration) {
		a.collector.RecordDBQuery(driver, op, elapsed)
	})
	if a.db, err = database.Open(a.cfg.Database, a.logger, observe); err != nil {
		return err
	}
	if a.pool, err = database.NewPoolManager(a.db, a.cfg.Database.Pool, a.logger); err != nil {
		return err
	}
	return nil
}

func (a *App) initCaptchaStore() error {
	var backendImpl captcha.Backend
	switch a.cfg.Captcha.Backend {
	case "", "memory":
		backendImpl = captcha.NewMemoryBackend()
	case "sql":
		if a.db == nil {
			return errors.New("captcha sql backend requires a database")
		}
		backendImpl = captcha.NewSQLBackend(a.db)
	case "redis":
		if a.redis == nil {
			return errors.New("captcha redis backend requires redis")
		}
		backendImpl = captcha.NewRedisBackend(a.redis)
	default:
		return fmt.Errorf("unknown captcha backend %q", a.cfg.Captcha.Backend)
	}
	a.captchas = captcha.NewStore(backendImpl, a.cfg.Captcha.Store(), a.logger, captcha.WithMetrics(a.collector))
	return nil
}

func (a *App) newResolver() (*session.Resolver, error) {
	kv, err := session.NewKV(a.cfg.Session.Store, a.redis)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	cipher, err := session.NewSealedCipher(a.cfg.Session.Secret)
	if err != nil {
		return nil, fmt.Errorf("session cipher: %w", err)
	}
	profiles := session.NewCache(kv, cipher, a.cfg.Session.Cache, a.logger, session.WithCacheMetrics(a.collector))
	refresher := session.NewRefresher(a.cfg.Session.Refresh, a.http, a.logger)
	return session.NewResolver(session.NewSignalFingerprinter(nil), profiles, refresher, nil, a.logger), nil
}

// newEngine 组装引擎，可选协作者未配置时保持为 nil 接口
func (a *App) newEngine(nav engine.Navigator) (*engine.Engine, error) {
	deps := engine.Deps{
		Navigator: nav,
		Resolver:  a.resolver,
		HTTP:      a.http,
		Captchas:  a.captchas,
		Reporter:  a.reporter,
		Stages:    backend.NewStageLogger(a.cfg.Backend, a.http, a.logger),
		Metrics:   a.collector,
		Logger:    a.logger,
		NewLoop: func(logger *zap.Logger) engine.LoopRunner {
			return eventloop.NewRunner(eventloop.Config{Workers: a.workers}, logger)
		},
	}
	if a.cfg.Backend.BaseURL != "" {
		ocr, err := backend.NewHTTPOCR(a.cfg.Backend, a.http, a.collector, a.logger)
		if err != nil {
			return nil, err
		}
		relay, err := backend.NewHTTPRelay(a.cfg.Backend, a.http, a.logger)
		if err != nil {
			return nil, err
		}
		deps.OCR, deps.Relay = ocr, relay
	} else {
		a.logger.Info("backend not configured, captcha recognition and relay disabled")
	}
	if a.forms != nil {
		deps.Forms = a.forms
	}
	return engine.New(engine.Config{
		Automation:  a.cfg.Automation,
		Dispatch:    a.cfg.Dispatch,
		Realtime:    a.cfg.Realtime,
		StopTimeout: a.cfg.Engine.StopTimeout,
	}, deps)
}

// initHotReload 注册可热更新字段的应用逻辑并开始监听配置文件
func (a *App) initHotReload(ctx context.Context) error {
	a.hotReload = config.NewHotReloadManager(a.cfg,
		config.WithHotReloadLogger(a.logger),
		config.WithLoader(a.loader),
	)
	a.hotReload.OnChange(func(change config.ConfigChange) {
		a.logger.Info("configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})
	a.hotReload.OnReload(a.applyReload)
	return a.hotReload.Start(ctx)
}

// applyReload 应用热更新字段；其余字段需要重启才生效
func (a *App) applyReload(oldCfg, newCfg *config.Config) error {
	if oldCfg.Log.Level != newCfg.Log.Level {
		if err := a.level.UnmarshalText([]byte(newCfg.Log.Level)); err != nil {
			return fmt.Errorf("log level: %w", err)
		}
	}
	if oldCfg.Captcha.Capacity != newCfg.Captcha.Capacity {
		a.captchas.SetCapacity(newCfg.Captcha.Capacity)
	}
	a.cfg = newCfg
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// controlHandler 构建控制面路由与中间件链
func (a *App) controlHandler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	health := handlers.NewHealthHandler(a.logger)
	if a.pool != nil {
		health.RegisterCheck(handlers.NewDatabaseHealthCheck(a.pool.Ping))
	}
	if a.redis != nil {
		health.RegisterCheck(handlers.NewRedisHealthCheck(a.redis.Ping))
	}
	health.RegisterCheck(handlers.NewEngineHealthCheck(func() bool { return a.engine.Status().Running }))
	health.RegisterOptionalCheck(handlers.NewChannelHealthCheck(func() (string, bool) {
		st := a.engine.Status()
		if st.Machine == nil {
			return "", false
		}
		return st.Machine.Channel, true
	}))
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))

	handlers.NewControlHandler(a.engine, a.logger).Register(mux, nil)
	handlers.NewCaptchaHandler(a.captchas, a.logger).Register(mux, nil)
	if a.forms != nil {
		handlers.NewFormsHandler(a.forms, a.logger).Register(mux, nil)
	}
	if a.hotReload != nil {
		handlers.NewConfigHandler(a.hotReload, a.logger).Register(mux, nil)
	}

	middlewares := []Middleware{
		Recovery(a.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(a.logger),
		CORS(a.cfg.Server.CORSAllowedOrigins),
		RateLimiter(ctx, a.cfg.Server.RateLimitRPS, a.cfg.Server.RateLimitBurst, a.logger),
	}
	if a.cfg.Server.JWT.Enabled() {
		middlewares = append(middlewares, JWTAuth(a.cfg.Server.JWT, []string{"/health", "/ready", "/version"}, a.logger))
	} else {
		a.logger.Warn("control API authentication disabled; bind it to a loopback address")
	}
	middlewares = append(middlewares, MetricsMiddleware(a.collector))
	return Chain(mux, middlewares...)
}

func (a *App) startServers(ctx context.Context) error {
	if a.cfg.Server.Enabled {
		a.httpManager = server.NewManager("control", a.controlHandler(ctx), a.cfg.Server.HTTP(), a.logger)
		if err := a.httpManager.Start(); err != nil {
			return fmt.Errorf("control server: %w", err)
		}
	}
	if a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		cfg := server.DefaultConfig()
		cfg.Addr = a.cfg.Metrics.Addr
		a.metricsManager = server.NewManager("metrics", mux, cfg, a.logger)
		if err := a.metricsManager.Start(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}
	return nil
}

// serverErrors 合并两个服务器的异步错误
func (a *App) serverErrors() <-chan error {
	out := make(chan error, 2)
	for _, m := range []*server.Manager{a.httpManager, a.metricsManager} {
		if m == nil {
			continue
		}
		go func(m *server.Manager) {
			if err, ok := <-m.Errors(); ok {
				out <- err
			}
		}(m)
	}
	return out
}

// =============================================================================
// 🚀 运行
// =============================================================================

// Run 启动浏览器、服务器与引擎，阻塞到 ctx 结束、引擎终止或服务器异常
func (a *App) Run(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	a.stopBackground = cancel

	a.workers = pool.New(a.cfg.Engine.Workers, a.logger)
	if a.pool != nil {
		a.pool.Start(bgCtx)
	}
	go a.reportStats(bgCtx, a.cfg.Database.Driver)

	var err error
	if a.browser, err = page.NewBrowser(ctx, a.cfg.Browser, a.logger); err != nil {
		return err
	}
	tab := a.browser.FirstPage()
	if a.engine, err = a.newEngine(engine.BrowserNavigator(a.browser, tab)); err != nil {
		return err
	}

	if a.loader.ConfigPath() != "" {
		if err := a.initHotReload(bgCtx); err != nil {
			return fmt.Errorf("hot reload: %w", err)
		}
	}
	if err := a.startServers(bgCtx); err != nil {
		return err
	}

	if err := a.browser.Navigate(ctx, tab, a.cfg.Browser.StartURL); err != nil {
		return fmt.Errorf("open start page: %w", err)
	}

	a.logger.Info("formrelay started",
		zap.String("run_id", a.engine.RunID()),
		zap.String("start_url", a.cfg.Browser.StartURL),
		zap.Bool("control_api", a.httpManager != nil),
		zap.Bool("metrics", a.metricsManager != nil),
	)

	engineErr := make(chan error, 1)
	go func() { engineErr <- a.engine.Run(ctx, a.cfg.Browser.StartURL) }()

	select {
	case err = <-engineErr:
	case err = <-a.serverErrors():
	case <-ctx.Done():
		err = <-engineErr
	}
	return err
}

func (a *App) reportStats(ctx context.Context, driver string) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.pool != nil {
				s := a.pool.Stats()
				a.collector.RecordDBConnections(driver, s.OpenConnections, s.Idle)
			}
			w := a.workers.Stats()
			a.collector.RecordWorkers(w.Active, w.Queued)
		}
	}
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Close 按启动的相反顺序释放资源，可重复调用
func (a *App) Close(ctx context.Context) {
	a.logger.Info("starting graceful shutdown")

	if a.stopBackground != nil {
		a.stopBackground()
	}
	if a.hotReload != nil {
		if err := a.hotReload.Stop(); err != nil {
			a.logger.Error("hot reload shutdown error", zap.Error(err))
		}
	}
	for _, m := range []*server.Manager{a.httpManager, a.metricsManager} {
		if m == nil {
			continue
		}
		if err := m.Shutdown(ctx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.workers != nil {
		a.workers.Close()
	}
	if closer, ok := a.reporter.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			a.logger.Error("reporter close error", zap.Error(err))
		}
	}
	if a.captchas != nil {
		if err := a.captchas.Close(); err != nil {
			a.logger.Error("captcha store close error", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", zap.Error(err))
		}
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.logger.Error("database close error", zap.Error(err))
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}
	a.logger.Info("graceful shutdown completed")
}
