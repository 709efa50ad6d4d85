package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/backend"
	"github.com/BaSui01/formrelay/dispatch"
	"github.com/BaSui01/formrelay/internal/eventloop"
	"github.com/BaSui01/formrelay/page"
	"github.com/BaSui01/formrelay/realtime"
)

// =============================================================================
// 🥇 First step
// =============================================================================

func (m *Machine) enterFirstStep() {
	if !m.ac.Automatic() {
		m.logger.Info("first step in manual mode, waiting for operator")
		return
	}
	m.startCountdown(m.ac.Policy.SubmitWait, "Submit", m.firstStepSubmit)
}

func (m *Machine) firstStepSubmit() {
	if !m.ac.Automatic() {
		return
	}
	sel := m.cfg.Selectors.FirstSubmit
	m.pageDo("first step submit", func(ctx context.Context) error {
		return m.page.Click(ctx, sel)
	}, func(err error) {
		if err != nil {
			m.metrics.RecordSubmission(FirstStep.String(), "error")
			return
		}
		m.metrics.RecordSubmission(FirstStep.String(), "clicked")
		if d := m.ac.Policy.AutoCloseAfter; d > 0 {
			m.startCountdown(d, "Close", func() {
				if m.ac.Automatic() {
					m.pageDo("close", m.page.Close, nil)
				}
			})
		}
	})
}

// HandleCommand acts on a command code at most once per page load: it selects
// the category pair, submits, and repeats the click RepeatClicks-1 times.
func (m *Machine) HandleCommand(cmd realtime.Command) {
	if m.stopped {
		return
	}
	if m.ac.Flags.Submitted {
		m.logger.Debug("command ignored, already submitted", zap.String("code", cmd.Code))
		return
	}
	m.ac.Flags.Submitted = true
	sel := m.cfg.Selectors
	m.logger.Info("command received", zap.String("code", cmd.Code))

	m.pageDo("command", func(ctx context.Context) error {
		if err := m.page.SetValue(ctx, sel.Category, cmd.Category); err != nil {
			return fmt.Errorf("set category: %w", err)
		}
		if err := m.page.SetValue(ctx, sel.Subcategory, cmd.Subcategory); err != nil {
			return fmt.Errorf("set subcategory: %w", err)
		}
		return m.page.Click(ctx, sel.FirstSubmit)
	}, func(err error) {
		if err != nil {
			m.metrics.RecordSubmission(FirstStep.String(), "error")
			return
		}
		m.metrics.RecordSubmission(FirstStep.String(), "command")
		if n := m.ac.Policy.RepeatClicks - 1; n > 0 {
			m.commandBursts = m.burst(sel.FirstSubmit, n, m.ac.Policy.RepeatGap)
		}
		m.publish()
	})
}

// burst clicks selector n times, gap apart.
func (m *Machine) burst(selector string, n int, gap time.Duration) eventloop.Timer {
	count := 0
	var t eventloop.Timer
	t = m.every(gap, func() {
		count++
		m.click(selector)
		if count >= n {
			t.Stop()
		}
	})
	return t
}

// Shoot clicks the step's submit control in a burst.
func (m *Machine) Shoot() {
	sel := m.cfg.Selectors
	b := m.cfg.Shoot
	var trigger string
	switch m.ac.Page.Kind {
	case FirstStep:
		trigger = sel.FirstSubmit
	case SecondStep:
		trigger = sel.FinalSubmit
	case Confirmation:
		trigger, b = sel.ConfirmSubmit, m.cfg.ShootConfirm
	default:
		m.logger.Debug("shoot ignored on this page")
		return
	}
	m.logger.Info("shooting", zap.String("trigger", trigger), zap.Int("count", b.Count))
	m.burst(trigger, b.Count, b.Gap)
}

// =============================================================================
// 🥈 Second step
// =============================================================================

func (m *Machine) enterSecondStep() {
	sel := m.cfg.Selectors
	if email := m.ac.Policy.Email; email != "" {
		m.every(m.cfg.EmailInterval, func() {
			m.pageDo("keep email", func(ctx context.Context) error {
				return m.page.SetValue(ctx, sel.Email, email)
			}, nil)
		})
	}
	m.every(m.cfg.ReEnableInterval, func() {
		m.pageDo("re-enable", func(ctx context.Context) error {
			return m.page.SetDisabled(ctx, sel.FinalSubmit, false)
		}, nil)
	})
	if m.cfg.AutoFill {
		m.autoFill()
	}
	if w, ok := m.page.(page.ClickWatcher); ok {
		m.watchFinalSubmit(w)
	}
}

// watchFinalSubmit routes every click on the final submit control, whether
// from the operator, Shoot or the retry loop, to OnFinalSubmit.
func (m *Machine) watchFinalSubmit(w page.ClickWatcher) {
	gen := m.gen
	sel := m.cfg.Selectors.FinalSubmit
	var stop func()
	m.loop.Go(func(ctx context.Context) error {
		var err error
		stop, err = w.WatchClicks(ctx, sel, func() {
			m.loop.Post(func() {
				if gen == m.gen {
					m.OnFinalSubmit()
				}
			})
		})
		return err
	}, func(err error) {
		if err != nil {
			m.logger.Warn("final submit clicks not captured", zap.Error(err))
			return
		}
		if gen != m.gen {
			stop()
			return
		}
		m.ac.Track(watchHandle(stop))
	})
}

// watchHandle adapts a click watcher's stop function to eventloop.Timer so
// it is released with the page load's timers.
type watchHandle func()

func (h watchHandle) Stop() bool {
	h()
	return true
}

// OnFinalSubmit runs for each click on the final submit control. The
// submission is reported when the selected combination is in the allow-list.
func (m *Machine) OnFinalSubmit() {
	if m.ac.Page.Kind != SecondStep || m.reporter == nil {
		return
	}
	sel := m.cfg.Selectors
	var agent, visa, email, passport string
	m.pageDo("read submission", func(ctx context.Context) error {
		var err error
		if agent, err = optionalValue(ctx, m.page, sel.ComboCategory); err != nil {
			return err
		}
		if visa, err = optionalValue(ctx, m.page, sel.VisaType); err != nil {
			return err
		}
		if email, err = optionalValue(ctx, m.page, sel.Email); err != nil {
			return err
		}
		passport, err = optionalValue(ctx, m.page, sel.Passport)
		return err
	}, func(err error) {
		if err != nil {
			return
		}
		if !m.allowed(agent + visa) {
			m.logger.Debug("combination not reported", zap.String("combo", agent+visa))
			return
		}
		m.report(SecondStep, backend.Submission{
			Name:     m.ac.User,
			Email:    email,
			Passport: passport,
		})
	})
}

func (m *Machine) allowed(combo string) bool {
	for _, c := range m.cfg.ReportAllowList {
		if c == combo {
			return true
		}
	}
	return false
}

// =============================================================================
// ✅ Confirmation
// =============================================================================

func (m *Machine) enterConfirmation() {
	m.ac.Mode = Automatic
	sel := m.cfg.Selectors.ConfirmSubmit
	m.every(m.cfg.ReEnableInterval, func() {
		m.pageDo("re-enable", func(ctx context.Context) error {
			return m.page.SetDisabled(ctx, sel, false)
		}, nil)
	})
}

// SetConfirmLink points the confirmation form at link and fills the
// activation key from its key path segment.
func (m *Machine) SetConfirmLink(link string) {
	if m.ac.Page.Kind != Confirmation {
		m.logger.Warn("confirmation link ignored on this page", zap.Stringer("page", m.ac.Page.Kind))
		return
	}
	key := dispatch.NewJob(link, "", "", "", m.loop.Now()).ActivationKey()
	m.ac.ConfirmLink = link
	sel := m.cfg.Selectors
	m.pageDo("set confirm link", func(ctx context.Context) error {
		if err := m.page.SetAttribute(ctx, sel.Form, "action", link); err != nil {
			return fmt.Errorf("set form action: %w", err)
		}
		if err := m.page.SetValue(ctx, sel.ActivationKey, key); err != nil {
			return fmt.Errorf("set activation key: %w", err)
		}
		return ignoreMissing(m.page.SetValue(ctx, sel.LinkInput, link))
	}, nil)
	m.publish()
}

// SendToAll relays the current link and captcha pair to every peer of this
// page's group. Repeated calls within the cooldown are ignored.
func (m *Machine) SendToAll() {
	if m.relay == nil || m.ac.Page.Kind != Confirmation {
		return
	}
	now := m.loop.Now()
	if now.Before(m.sendAllUntil) {
		m.logger.Debug("send to all cooling down")
		return
	}
	m.sendAllUntil = now.Add(m.cfg.SendToAllCooldown)

	sel := m.cfg.Selectors
	link, group := m.ac.ConfirmLink, m.ac.Policy.ConfirmGroup
	m.pageDo("send to all", func(ctx context.Context) error {
		if link == "" {
			v, err := optionalValue(ctx, m.page, sel.LinkInput)
			if err != nil {
				return err
			}
			link = v
		}
		challenge, err := optionalValue(ctx, m.page, sel.Challenge)
		if err != nil {
			return err
		}
		solution, err := optionalValue(ctx, m.page, sel.Solution)
		if err != nil {
			return err
		}
		return m.relay.Send(ctx, backend.RelayMessage{
			Link:        link,
			ChallengeID: challenge,
			Solution:    solution,
			Group:       group,
		})
	}, func(err error) {
		if err != nil {
			m.logger.Warn("send to all failed", zap.Error(err))
			return
		}
		m.logger.Info("link sent to all", zap.String("group", group))
	})
}

// =============================================================================
// 📄 Other pages and stage reporting
// =============================================================================

func (m *Machine) reloadUnloadedCaptcha() {
	img := fmt.Sprintf(`img[src=%q]`, m.ac.Page.URL)
	waitingSel := m.cfg.Selectors.Waiting
	var loaded, waiting bool
	m.pageDo("captcha page check", func(ctx context.Context) error {
		var err error
		if loaded, err = m.page.Exists(ctx, img); err != nil {
			return err
		}
		waiting, err = m.page.Exists(ctx, waitingSel)
		return err
	}, func(err error) {
		if err == nil && !loaded && !waiting {
			m.reload()
		}
	})
}

func (m *Machine) reportStage(cls Classification) {
	user := m.ac.User
	switch {
	case cls.Kind == SecondStep:
		m.logStage(backend.StageSecondStep, map[string]string{
			"ag": cls.Agent, "vt": cls.VisaType, "user": user,
		})
	case containsFold(cls.URL, m.cfg.ConfirmMarker):
		job := dispatch.NewJob(cls.URL, "", "", "", m.loop.Now())
		m.logStage(backend.StageConfirm, map[string]string{
			"user": user, "info": job.Reference() + "|" + job.ActivationKey(),
		})
		m.report(Confirmation, backend.Submission{
			Name:  user,
			Email: m.ac.Policy.Email,
			Link:  job.Reference(),
		})
	}
	if !cls.HasForm && (cls.Success || cls.Failure) {
		info := ""
		if i := strings.Index(strings.ToLower(cls.URL), strings.ToLower(m.cfg.ConfirmMarker)); i >= 0 {
			info = cls.URL[i+len(m.cfg.ConfirmMarker):]
		}
		m.logStage(backend.StageSuccess, map[string]string{"info": info, "user": user})
	}
}

func (m *Machine) logStage(stage backend.Stage, params map[string]string) {
	if m.stages == nil {
		return
	}
	m.loop.Go(func(ctx context.Context) error {
		m.stages.Log(ctx, stage, params)
		return nil
	}, nil)
}

// report stores the submission without waiting for the page.
func (m *Machine) report(kind PageKind, s backend.Submission) {
	if m.reporter == nil {
		return
	}
	m.loop.Go(func(ctx context.Context) error {
		return m.reporter.Report(ctx, s)
	}, func(err error) {
		if err != nil {
			m.logger.Warn("report failed", zap.Error(err))
			m.metrics.RecordSubmission(kind.String(), "report_failed")
			return
		}
		m.metrics.RecordSubmission(kind.String(), "reported")
	})
}

func containsFold(s, substr string) bool {
	if substr == "" {
		return false
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
