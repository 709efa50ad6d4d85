package automation

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/internal/eventloop"
	"github.com/BaSui01/formrelay/internal/httpx"
)

// StartRetry clicks the step's submit control and then posts the form every
// SubmitInterval until success or StopRetry.
func (m *Machine) StartRetry() {
	if !m.ac.Policy.RetryLoopEnabled {
		m.logger.Warn("retry loop disabled by policy")
		return
	}
	trigger := m.retryTrigger()
	if trigger == "" || m.ac.Retry == RetryStarted {
		return
	}
	m.click(trigger)
	m.beginRetry()
}

// RestartRetry resumes a stopped loop without clicking.
func (m *Machine) RestartRetry() {
	if m.ac.Retry != RetryStopped {
		return
	}
	m.beginRetry()
}

// StopRetry stops the loop and the page load.
func (m *Machine) StopRetry() {
	if m.ac.Retry != RetryStarted {
		return
	}
	eventloop.StopTimer(m.retryTimer)
	m.retryTimer = nil
	m.retryRun++
	m.ac.Retry = RetryStopped
	m.ac.Flags.Submitting = false
	m.pageDo("stop", m.page.Stop, nil)
	m.publish()
}

func (m *Machine) beginRetry() {
	m.retryRun++
	m.ac.Retry = RetryStarted
	m.ac.Flags.Submitting = true
	m.ac.TryCount = 0
	m.retryTimer = m.every(m.ac.Policy.SubmitInterval, m.retryTick)
	m.logger.Info("retry loop started", zap.Duration("interval", m.ac.Policy.SubmitInterval))
	m.publish()
}

func (m *Machine) retryTrigger() string {
	sel := m.cfg.Selectors
	switch m.ac.Page.Kind {
	case FirstStep:
		return sel.FirstSubmit
	case SecondStep:
		return sel.FinalSubmit
	case Confirmation:
		return sel.ConfirmSubmit
	}
	return ""
}

// retryTick posts the form once. Submissions are not serialised: a slow
// response does not hold back the next tick.
func (m *Machine) retryTick() {
	run := m.retryRun
	m.ac.TryCount++
	kind, pageURL, link := m.ac.Page.Kind, m.ac.Page.URL, m.ac.ConfirmLink
	sel := m.cfg.Selectors

	var doc *httpx.Document
	m.pageDo("retry submit", func(ctx context.Context) error {
		values, err := m.page.FormValues(ctx, sel.Form)
		if err != nil {
			return fmt.Errorf("read form: %w", err)
		}
		target, err := m.submitURL(ctx, kind, pageURL, link)
		if err != nil {
			return err
		}
		doc, err = m.http.PostForm(ctx, target, values, pageURL)
		return err
	}, func(err error) {
		if err != nil || run != m.retryRun {
			return
		}
		m.handleRetryResponse(kind, doc)
	})
	m.publish()
}

// submitURL is the link input (or the wired link) on the confirmation page and
// the fixed submit path elsewhere.
func (m *Machine) submitURL(ctx context.Context, kind PageKind, pageURL, link string) (string, error) {
	if kind == Confirmation {
		v, err := optionalValue(ctx, m.page, m.cfg.Selectors.LinkInput)
		if err != nil {
			return "", err
		}
		if v != "" {
			return v, nil
		}
		if link != "" {
			return link, nil
		}
	}
	return resolveAgainst(pageURL, m.cfg.SubmitPath)
}

func (m *Machine) handleRetryResponse(kind PageKind, doc *httpx.Document) {
	waiting := doc.HasClass(m.cfg.Selectors.WaitingClassName)
	log := m.logger.With(zap.Int("try", m.ac.TryCount), zap.Int("status", doc.Status))

	switch {
	case kind == SecondStep && containsFold(doc.URL, m.cfg.ConfirmMarker):
		log.Info("confirmation link received", zap.String("url", doc.URL))
		m.retrySucceeded(kind, doc)
	case doc.Status == http.StatusOK && !waiting:
		if kind == Confirmation {
			log.Info("confirmation accepted")
			m.retrySucceeded(kind, doc)
			return
		}
		log.Info("submission answered")
		m.metrics.RecordSubmission(kind.String(), "answered")
		m.openDocument(doc)
	case doc.Status == http.StatusOK:
		log.Debug("still waiting")
		m.metrics.RecordSubmission(kind.String(), "waiting")
	default:
		log.Debug("unexpected status")
		m.metrics.RecordSubmission(kind.String(), "rejected")
	}
}

func (m *Machine) retrySucceeded(kind PageKind, doc *httpx.Document) {
	m.metrics.RecordSubmission(kind.String(), "success")
	m.StopRetry()
	m.openDocument(doc)
}

func (m *Machine) openDocument(doc *httpx.Document) {
	m.pageDo("open view", func(ctx context.Context) error {
		return m.page.OpenView(ctx, doc.URL, doc.Body)
	}, nil)
}
