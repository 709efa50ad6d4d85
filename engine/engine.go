package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/automation"
	"github.com/BaSui01/formrelay/backend"
	"github.com/BaSui01/formrelay/dispatch"
	"github.com/BaSui01/formrelay/internal/ctxkeys"
	"github.com/BaSui01/formrelay/internal/eventloop"
	"github.com/BaSui01/formrelay/internal/metrics"
	"github.com/BaSui01/formrelay/page"
	"github.com/BaSui01/formrelay/realtime"
	"github.com/BaSui01/formrelay/session"
	"github.com/BaSui01/formrelay/types"
)

// =============================================================================
// 🚀 引擎：按页面加载驱动状态机
// =============================================================================

var (
	// ErrIdle 当前没有进行中的页面加载
	ErrIdle = errors.New("engine: no page load in progress")
	// ErrRunning Run 已在执行
	ErrRunning = errors.New("engine: already running")
)

// LoopRunner 是一次页面加载使用的事件循环
type LoopRunner interface {
	eventloop.Loop
	Run(ctx context.Context) error
	Close()
}

// Navigator 提供被驱动的页面以及导航事件
type Navigator interface {
	Page() page.Page
	// WaitLoad 阻塞到页面离开 from 并完成加载，返回新地址
	WaitLoad(ctx context.Context, from string) (string, error)
}

// ProfileResolver 解析当前环境的会话档案
type ProfileResolver interface {
	Resolve(ctx context.Context) (*session.Profile, error)
}

// capacitySetter 由允许服务端策略调整容量的验证码库实现
type capacitySetter interface {
	SetCapacity(n int)
}

// Config 引擎配置
type Config struct {
	Automation automation.Config
	Dispatch   dispatch.Config
	Realtime   realtime.Config
	// StopTimeout 等待上一次页面加载清理定时器的最长时间
	StopTimeout time.Duration
}

// Deps 引擎协作者。Navigator、Resolver、HTTP 必填。
type Deps struct {
	Navigator Navigator
	Resolver  ProfileResolver
	HTTP      dispatch.Fetcher
	Dialer    realtime.Dialer
	Captchas  automation.CaptchaStore
	OCR       backend.OCR
	Relay     backend.Relay
	Reporter  backend.Reporter
	Stages    automation.StageSink
	Forms     automation.ProfileStore
	Metrics   *metrics.Collector
	Logger    *zap.Logger
	// NewLoop 为每次页面加载创建事件循环，默认 eventloop.NewRunner
	NewLoop func(logger *zap.Logger) LoopRunner
}

// Engine 把会话解析、实时通道和自动化状态机串到浏览器的页面加载上。
// 每次页面加载使用独立的事件循环与 Machine，导航前清理全部定时器。
type Engine struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	runID  string

	mu      sync.RWMutex
	running bool
	current *pageLoad
	loads   int
}

type pageLoad struct {
	id      string
	url     string
	loop    LoopRunner
	machine *automation.Machine
}

// New 创建引擎
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Navigator == nil || deps.Resolver == nil || deps.HTTP == nil {
		return nil, errors.New("engine: navigator, resolver and http are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.NewLoop == nil {
		deps.NewLoop = func(logger *zap.Logger) LoopRunner {
			return eventloop.NewRunner(eventloop.Config{}, logger)
		}
	}
	if deps.Dialer == nil {
		deps.Dialer = &realtime.WSDialer{}
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	runID := uuid.NewString()
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		runID:  runID,
		logger: deps.Logger.With(zap.String("component", "engine"), zap.String("run_id", runID)),
	}, nil
}

// RunID 本次进程运行的标识
func (e *Engine) RunID() string { return e.runID }

// Run 从 startURL 开始处理页面加载，直到 ctx 结束或遇到终止性错误。
// 终止性错误（订阅过期、缺少上报等）会先清空页面再返回。
func (e *Engine) Run(ctx context.Context, startURL string) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrRunning
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	ctx = ctxkeys.WithRunID(ctx, e.runID)
	url := startURL
	for {
		next, err := e.handleLoad(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		url = next
	}
}

// handleLoad 处理一次页面加载并返回下一次加载的地址
func (e *Engine) handleLoad(ctx context.Context, url string) (string, error) {
	pageID := uuid.NewString()
	loadCtx, cancel := context.WithCancel(ctxkeys.WithPageID(ctx, pageID))
	defer cancel()
	logger := e.logger.With(zap.String("page_id", pageID), zap.String("url", url))

	profile, err := e.deps.Resolver.Resolve(loadCtx)
	switch {
	case err == nil:
		if err := e.startMachine(loadCtx, pageID, url, profile, logger); err != nil {
			return "", err
		}
		defer e.stopMachine(pageID, logger)
	case types.IsTerminal(err):
		logger.Error("session rejected", zap.String("code", string(types.GetErrorCode(err))), zap.Error(err))
		if berr := e.deps.Navigator.Page().Blank(ctx); berr != nil {
			logger.Warn("blank page failed", zap.Error(berr))
		}
		return "", err
	case ctx.Err() != nil:
		return "", ctx.Err()
	default:
		// 非终止性错误只影响本次加载，下一次导航会重新解析
		logger.Warn("session unavailable for this page load", zap.Error(err))
	}

	next, err := e.deps.Navigator.WaitLoad(ctx, url)
	if err != nil {
		return "", fmt.Errorf("wait for navigation: %w", err)
	}
	return next, nil
}

func (e *Engine) startMachine(ctx context.Context, pageID, url string, profile *session.Profile, logger *zap.Logger) error {
	if cs, ok := e.deps.Captchas.(capacitySetter); ok && profile.Policy.CaptchaCapacity > 0 {
		cs.SetCapacity(profile.Policy.CaptchaCapacity)
	}
	loop := e.deps.NewLoop(logger)
	m, err := automation.New(ctx, e.cfg.Automation, e.cfg.Dispatch, *profile, automation.Deps{
		Loop:     loop,
		Page:     e.deps.Navigator.Page(),
		HTTP:     e.deps.HTTP,
		Captchas: e.deps.Captchas,
		OCR:      e.deps.OCR,
		Relay:    e.deps.Relay,
		Reporter: e.deps.Reporter,
		Stages:   e.deps.Stages,
		Forms:    e.deps.Forms,
		Metrics:  e.deps.Metrics,
		Logger:   logger,
	})
	if err != nil {
		loop.Close()
		return err
	}
	client, err := realtime.NewClient(e.cfg.Realtime, loop, e.deps.Dialer, profile.Credential,
		m.Handlers(), logger, realtime.WithMetrics(e.deps.Metrics))
	if err != nil {
		loop.Close()
		return err
	}

	// 循环只由 stopMachine 关闭，保证 Machine.Stop 能在循环上执行
	go func() {
		if err := loop.Run(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("event loop exited", zap.Error(err))
		}
	}()
	loop.Post(func() {
		m.AttachChannel(client)
		m.Start()
	})

	e.mu.Lock()
	e.current = &pageLoad{id: pageID, url: url, loop: loop, machine: m}
	e.loads++
	e.mu.Unlock()
	logger.Info("page load started", zap.String("user", profile.User))
	return nil
}

// stopMachine 在循环上执行 Machine.Stop，再关闭循环
func (e *Engine) stopMachine(pageID string, logger *zap.Logger) {
	e.mu.Lock()
	pl := e.current
	if pl == nil || pl.id != pageID {
		e.mu.Unlock()
		return
	}
	e.current = nil
	e.mu.Unlock()

	done := make(chan struct{})
	pl.loop.Post(func() {
		pl.machine.Stop()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(e.cfg.StopTimeout):
		logger.Warn("page load stop timed out")
	}
	pl.loop.Close()
}

// Do 把操作员动作投递到当前页面加载的事件循环上并等待其执行完成
func (e *Engine) Do(ctx context.Context, action func(m *automation.Machine)) error {
	e.mu.RLock()
	pl := e.current
	e.mu.RUnlock()
	if pl == nil {
		return ErrIdle
	}

	done := make(chan struct{})
	pl.loop.Post(func() {
		action(pl.machine)
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot 引擎状态
type Snapshot struct {
	RunID     string             `json:"run_id"`
	PageID    string             `json:"page_id,omitempty"`
	PageLoads int                `json:"page_loads"`
	Running   bool               `json:"running"`
	Machine   *automation.Status `json:"machine,omitempty"`
}

// Status 返回当前状态，任意 goroutine 可调用
func (e *Engine) Status() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Snapshot{RunID: e.runID, PageLoads: e.loads, Running: e.running}
	if e.current != nil {
		st := e.current.machine.Status()
		s.PageID = e.current.id
		s.Machine = &st
	}
	return s
}
