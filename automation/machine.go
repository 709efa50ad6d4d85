package automation

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/backend"
	"github.com/BaSui01/formrelay/captcha"
	"github.com/BaSui01/formrelay/dispatch"
	"github.com/BaSui01/formrelay/forms"
	"github.com/BaSui01/formrelay/internal/ctxkeys"
	"github.com/BaSui01/formrelay/internal/eventloop"
	"github.com/BaSui01/formrelay/internal/metrics"
	"github.com/BaSui01/formrelay/page"
	"github.com/BaSui01/formrelay/realtime"
	"github.com/BaSui01/formrelay/session"
)

// CaptchaStore is the part of captcha.Store the machine uses.
type CaptchaStore interface {
	Put(ctx context.Context, rec captcha.Record) bool
	TakeNewest(ctx context.Context, requireCorrect bool) (captcha.Record, bool)
}

// StageSink receives page stage notifications.
type StageSink interface {
	Log(ctx context.Context, stage backend.Stage, params map[string]string)
}

// ProfileStore is the part of forms.Store the machine uses.
type ProfileStore interface {
	Get(ctx context.Context, id string) (forms.Profile, error)
	Save(ctx context.Context, p forms.Profile) (forms.Profile, error)
	FindByFlag(ctx context.Context, flag string, value bool) ([]forms.Profile, error)
}

// Deps are the collaborators of a Machine. Loop, Page and HTTP are required;
// the rest may be nil, which disables the features that need them.
type Deps struct {
	Loop     eventloop.Loop
	Page     page.Page
	HTTP     dispatch.Fetcher
	Captchas CaptchaStore
	OCR      backend.OCR
	Relay    backend.Relay
	Reporter backend.Reporter
	Stages   StageSink
	Forms    ProfileStore
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

// Machine drives one page load. Every exported method must be called on the
// event loop except Status, which is safe from any goroutine.
type Machine struct {
	cfg        Config
	credential string
	loop       eventloop.Loop
	page       page.Page
	http       dispatch.Fetcher
	captchas   CaptchaStore
	ocr        backend.OCR
	relay      backend.Relay
	reporter   backend.Reporter
	stages     StageSink
	forms      ProfileStore
	metrics    *metrics.Collector
	logger     *zap.Logger

	ac      *Context
	baseCtx context.Context
	// gen changes on Stop so results of work started earlier are dropped.
	gen     uint64
	stopped bool

	countdowns []eventloop.Timer

	// captcha sub-state
	captchaTimer eventloop.Timer
	image        []byte
	extracting   bool
	windowArmed  bool

	retryTimer eventloop.Timer
	retryRun   uint64

	csrfArmed     bool
	sendAllUntil  time.Time
	commandBursts eventloop.Timer

	status atomic.Pointer[Status]
}

// New creates a machine for one page load. The dispatcher is created here
// because it resolves jobs against the same page.
func New(ctx context.Context, cfg Config, dcfg dispatch.Config, profile session.Profile, deps Deps) (*Machine, error) {
	if deps.Loop == nil || deps.Page == nil || deps.HTTP == nil {
		return nil, errors.New("automation: loop, page and http are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "automation")).With(ctxkeys.Fields(ctx)...)
	cfg = cfg.withDefaults()

	m := &Machine{
		cfg:        cfg,
		credential: profile.Credential,
		loop:       deps.Loop,
		page:       deps.Page,
		http:       deps.HTTP,
		captchas:   deps.Captchas,
		ocr:        deps.OCR,
		relay:      deps.Relay,
		reporter:   deps.Reporter,
		stages:     deps.Stages,
		forms:      deps.Forms,
		metrics:    deps.Metrics,
		logger:     logger,
		ac:         NewContext(profile),
		baseCtx:    ctx,
	}

	if profile.Policy.QueueInterval > 0 {
		dcfg.Interval = profile.Policy.QueueInterval
	}
	resolver := dispatch.NewPageResolver(deps.Loop, deps.Page, deps.HTTP, cfg.Selectors,
		profile.Policy.ConfirmGroup, deps.Metrics, logger)
	m.ac.Dispatcher = dispatch.New(dcfg, deps.Loop, resolver, logger,
		dispatch.WithMetrics(deps.Metrics), dispatch.WithContext(ctx))
	m.publish()
	return m, nil
}

// Context returns the page-load state. It must only be read on the loop.
func (m *Machine) Context() *Context { return m.ac }

// AttachChannel wires the realtime client. The client should be created with
// Handlers.
func (m *Machine) AttachChannel(ch Channel) {
	m.ac.Channel = ch
	m.publish()
}

// Handlers returns the realtime callbacks that feed this machine.
func (m *Machine) Handlers() realtime.Handlers {
	return realtime.Handlers{
		OnOpen:        m.HandleOpen,
		OnBroadcast:   m.HandleBroadcast,
		OnCommand:     m.HandleCommand,
		OnBlocked:     m.HandleBlocked,
		OnStateChange: func(realtime.State) { m.publish() },
	}
}

// Start classifies the page and enters the matching handler.
func (m *Machine) Start() {
	gen := m.gen
	var cls Classification
	m.loop.Go(func(ctx context.Context) error {
		var err error
		cls, err = Classify(ctx, m.page, m.cfg.Selectors)
		return err
	}, func(err error) {
		if gen != m.gen {
			return
		}
		if err != nil {
			m.logger.Warn("page classification failed", zap.Error(err))
			return
		}
		m.enter(cls)
	})
}

func (m *Machine) enter(cls Classification) {
	m.ac.Page = cls
	m.logger.Info("page classified",
		zap.Stringer("kind", cls.Kind),
		zap.Bool("captcha", cls.HasCaptcha),
		zap.Bool("form", cls.HasForm))

	m.reportStage(cls)

	switch {
	case cls.HasForm:
		if cls.HasCaptcha {
			m.startCaptchaPolling()
		}
		switch cls.Kind {
		case SecondStep:
			m.enterSecondStep()
		case Confirmation:
			m.enterConfirmation()
		case FirstStep:
			m.enterFirstStep()
		}
	case containsFold(cls.URL, m.cfg.CaptchaURLMarker):
		m.after(m.cfg.CaptchaReloadDelay, m.reloadUnloadedCaptcha)
	case !cls.Success && !cls.Failure && !cls.Waiting:
		m.after(m.cfg.AutoReloadDelay, func() {
			if m.ac.User != "" && m.ac.Policy.AutoReload {
				m.reload()
			}
		})
	}
	m.publish()
}

// Stop clears every timer of this page load and drops pending jobs. It is
// called before navigation.
func (m *Machine) Stop() {
	if m.stopped {
		return
	}
	m.stopped = true
	m.gen++
	m.ac.StopTimers()
	m.ac.Dispatcher.Reset()
	m.countdowns = nil
	m.captchaTimer = nil
	m.retryTimer = nil
	m.commandBursts = nil
	if m.ac.Channel != nil {
		m.ac.Channel.Disconnect()
	}
	m.publish()
}

// HandleOpen runs when the channel authenticates. The queue starts empty on
// every connection; the cookie guard is armed on the first one.
func (m *Machine) HandleOpen() {
	m.ac.Dispatcher.Reset()
	if !m.csrfArmed {
		m.csrfArmed = true
		m.startCSRFGuard()
	}
	m.publish()
}

// HandleBlocked is terminal for the page load: automation stops and the page
// is blanked.
func (m *Machine) HandleBlocked() {
	m.logger.Error("channel blocked by server, automation stopped")
	m.Stop()
	m.loop.Go(func(ctx context.Context) error {
		return m.page.Blank(ctx)
	}, func(err error) {
		if err != nil {
			m.logger.Warn("blank page failed", zap.Error(err))
		}
	})
}

// HandleBroadcast runs a relayed job through the acceptance predicate.
func (m *Machine) HandleBroadcast(b realtime.Broadcast) {
	if m.stopped {
		return
	}
	job := dispatch.JobFromBroadcast(b, m.loop.Now())
	decision := m.ac.Dispatcher.Acceptance().Decide(job, m.ac.Target())
	m.metrics.RecordJobDecision(string(decision))

	switch decision {
	case dispatch.Enqueue:
		m.ac.Dispatcher.Enqueue(job)
	case dispatch.Relay:
		m.relayCachedCaptcha(job)
	default:
		m.logger.Debug("broadcast rejected",
			zap.String("group", job.Group),
			zap.String("reference", job.Reference()))
	}
	m.publish()
}

// ToggleMode is the manual/automatic control. Automatic switches to manual:
// the countdown display pauses and the page stops loading. From manual the
// control drives the channel instead: it disconnects an open channel, or
// cancels the local countdowns and connects.
func (m *Machine) ToggleMode() {
	if m.ac.Automatic() {
		m.ac.Mode = Manual
		m.logger.Info("switched to manual mode", zap.Stringer("page", m.ac.Page.Kind))
		if k := m.ac.Page.Kind; k == FirstStep || k == Confirmation {
			m.pageDo("stop", m.page.Stop, nil)
		}
		m.publish()
		return
	}

	ch := m.ac.Channel
	if ch == nil {
		m.logger.Warn("no channel attached")
		return
	}
	if ch.Connected() {
		ch.Disconnect()
		m.logger.Info("channel disconnected by operator")
	} else {
		m.cancelCountdowns()
		ch.Connect()
	}
	m.publish()
}

// SetRelayEnabled toggles acceptance of relay-group jobs. It is only offered
// when the policy allows it.
func (m *Machine) SetRelayEnabled(on bool) {
	if on && !m.ac.Policy.RelayToggle {
		m.logger.Warn("relay toggle not allowed by policy")
		return
	}
	m.ac.Flags.RelayEnabled = on
	m.publish()
}

// SetBroadAccept toggles acceptance of jobs without a complete solution.
func (m *Machine) SetBroadAccept(on bool) {
	if on && !m.ac.Policy.RelayToggle {
		m.logger.Warn("broad acceptance not allowed by policy")
		return
	}
	m.ac.Flags.BroadAccept = on
	m.publish()
}

// =============================================================================
// helpers
// =============================================================================

// pageDo runs work off the loop. then runs on the loop unless the page load
// was stopped in the meantime.
func (m *Machine) pageDo(op string, work func(ctx context.Context) error, then func(error)) {
	gen := m.gen
	m.loop.Go(work, func(err error) {
		if gen != m.gen {
			return
		}
		if err != nil {
			m.logger.Debug("page action failed", zap.String("op", op), zap.Error(err))
		}
		if then != nil {
			then(err)
		}
	})
}

func (m *Machine) after(d time.Duration, fn func()) eventloop.Timer {
	return m.ac.Track(m.loop.AfterFunc(d, fn))
}

func (m *Machine) every(d time.Duration, fn func()) eventloop.Timer {
	return m.ac.Track(m.loop.Every(d, fn))
}

// startCountdown arms fn after d and makes it the displayed countdown.
func (m *Machine) startCountdown(d time.Duration, note string, fn func()) {
	cd := &Countdown{Note: note, Deadline: m.loop.Now().Add(d)}
	cd.timer = m.after(d, func() {
		fn()
		m.publish()
	})
	m.ac.Countdown = cd
	m.countdowns = append(m.countdowns, cd.timer)
}

func (m *Machine) cancelCountdowns() {
	for _, t := range m.countdowns {
		t.Stop()
	}
	m.countdowns = nil
	m.ac.Countdown = nil
}

func (m *Machine) reload() {
	m.pageDo("reload", m.page.Reload, nil)
}

func (m *Machine) click(selector string) {
	m.pageDo("click", func(ctx context.Context) error {
		return m.page.Click(ctx, selector)
	}, nil)
}

func ignoreMissing(err error) error {
	if errors.Is(err, page.ErrNoElement) {
		return nil
	}
	return err
}
