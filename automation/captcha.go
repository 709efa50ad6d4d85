package automation

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/backend"
	"github.com/BaSui01/formrelay/captcha"
	"github.com/BaSui01/formrelay/dispatch"
	"github.com/BaSui01/formrelay/internal/eventloop"
)

var errNoCachedCaptcha = errors.New("automation: no cached captcha")

// minSolutionLength is the code length at which OCR output counts as solved.
const minSolutionLength = 4

// startCaptchaPolling polls the captcha image until it is solved. Without OCR
// polling stops as soon as the image bytes are available.
func (m *Machine) startCaptchaPolling() {
	m.captchaTimer = m.every(m.ac.Policy.CaptchaPollInterval, m.captchaTick)
}

func (m *Machine) stopCaptchaPolling() {
	eventloop.StopTimer(m.captchaTimer)
	m.captchaTimer = nil
}

func (m *Machine) captchaTick() {
	f := &m.ac.Flags
	if f.Solved || f.Solving || m.extracting {
		return
	}
	if m.image != nil {
		m.solve()
		return
	}

	m.extracting = true
	var png []byte
	m.pageDo("extract captcha", func(ctx context.Context) error {
		var err error
		png, err = m.extractCaptcha(ctx)
		return err
	}, func(err error) {
		m.extracting = false
		if len(png) == 0 {
			return
		}
		m.image = png
		m.ac.Flags.CaptchaReady = true
		m.onCaptchaImage()
		m.publish()
	})
}

// extractCaptcha reads the rendered image through a canvas. When the canvas
// is tainted or empty the image resource is fetched directly; only PNG
// responses are accepted.
func (m *Machine) extractCaptcha(ctx context.Context) ([]byte, error) {
	sel := m.cfg.Selectors.CaptchaImage
	png, canvasErr := m.page.CanvasPNG(ctx, sel)
	if canvasErr == nil && len(png) > 0 {
		return png, nil
	}

	src, ok, err := m.page.Attribute(ctx, sel, "src")
	if err != nil {
		return nil, err
	}
	if !ok || !containsFold(src, m.cfg.CaptchaURLMarker) {
		return nil, canvasErr
	}
	target, err := resolveAgainst(m.ac.Page.URL, src)
	if err != nil {
		return nil, err
	}
	doc, err := m.http.Get(ctx, target)
	if err != nil {
		return nil, err
	}
	if !doc.OK() || !strings.HasPrefix(doc.ContentType(), "image/png") {
		return nil, nil
	}
	// The page keeps loading the same resource; the fetched copy replaces it.
	_ = m.page.Stop(ctx)
	return doc.Body, nil
}

func (m *Machine) onCaptchaImage() {
	if m.ac.Page.HasTrackCode && !m.windowArmed {
		m.windowArmed = true
		m.ac.Mode = Automatic
		m.startCountdown(m.ac.Policy.SolveWindow, "Solve Time", m.persistCaptcha)
	}

	img, sel := m.image, m.cfg.Selectors.CaptchaImage
	m.pageDo("replace captcha image", func(ctx context.Context) error {
		return m.page.ReplaceImage(ctx, sel, img)
	}, nil)

	if !m.ac.Policy.SolveCaptcha || m.ocr == nil {
		m.stopCaptchaPolling()
		return
	}
	m.solve()
}

// solve submits the image to OCR. A failure leaves the flags as they were so
// the next poll tick retries.
func (m *Machine) solve() {
	f := &m.ac.Flags
	if f.Solving || f.Solved || m.ocr == nil {
		return
	}
	f.Solving = true
	img, sel := m.image, m.cfg.Selectors.Solution
	var code string
	m.pageDo("solve captcha", func(ctx context.Context) error {
		var err error
		code, err = m.ocr.Solve(ctx, img, m.credential)
		if err != nil {
			return err
		}
		if code == "" {
			return nil
		}
		return m.page.SetValue(ctx, sel, code)
	}, func(err error) {
		f.Solving = false
		if err != nil {
			m.logger.Warn("captcha solve failed", zap.Error(err))
			return
		}
		if len(code) >= minSolutionLength {
			f.Solved = true
			m.stopCaptchaPolling()
			m.logger.Info("captcha solved")
		}
		m.publish()
	})
}

// persistCaptcha runs when the solve window expires: the current pair is
// stored and the page reloads after ReloadDelay whether or not it was solved.
func (m *Machine) persistCaptcha() {
	sel := m.cfg.Selectors
	img := m.image
	m.pageDo("persist captcha", func(ctx context.Context) error {
		challenge, err := optionalValue(ctx, m.page, sel.Challenge)
		if err != nil {
			return err
		}
		if challenge == "" || m.captchas == nil {
			return nil
		}
		solution, err := optionalValue(ctx, m.page, sel.Solution)
		if err != nil {
			return err
		}
		m.captchas.Put(ctx, captcha.Record{
			ChallengeID: challenge,
			Solution:    solution,
			Image:       img,
		})
		return nil
	}, func(error) {
		m.startCountdown(m.ac.Policy.ReloadDelay, "Reload", m.reload)
		m.publish()
	})
}

// UseCachedCaptcha injects the newest cached captcha into the page. With
// requireCorrect only records marked correct are considered.
func (m *Machine) UseCachedCaptcha(requireCorrect bool) {
	if m.captchas == nil {
		return
	}
	sel := m.cfg.Selectors
	var rec captcha.Record
	var found bool
	m.pageDo("use cached captcha", func(ctx context.Context) error {
		rec, found = m.captchas.TakeNewest(ctx, requireCorrect)
		if !found {
			return errNoCachedCaptcha
		}
		if err := m.page.SetValue(ctx, sel.Challenge, rec.ChallengeID); err != nil {
			return err
		}
		if err := m.page.SetValue(ctx, sel.Solution, rec.Solution); err != nil {
			return err
		}
		if len(rec.Image) > 0 {
			if err := ignoreMissing(m.page.ReplaceImage(ctx, sel.CaptchaImage, rec.Image)); err != nil {
				return err
			}
		}
		return m.page.Stop(ctx)
	}, func(err error) {
		if errors.Is(err, errNoCachedCaptcha) {
			m.logger.Info("no cached captcha available")
			return
		}
		if err != nil {
			return
		}
		m.image = rec.Image
		m.ac.Flags.CaptchaReady = true
		m.ac.Flags.Solved = true
		m.stopCaptchaPolling()
		m.logger.Info("cached captcha injected", zap.Int64("id", rec.ID))
		m.publish()
	})
}

// relayCachedCaptcha sends the newest cached captcha to the backend for a
// relay-group link.
func (m *Machine) relayCachedCaptcha(job dispatch.Job) {
	if m.captchas == nil || m.relay == nil {
		return
	}
	group := m.ac.Dispatcher.Acceptance().RelayGroup
	m.loop.Go(func(ctx context.Context) error {
		rec, ok := m.captchas.TakeNewest(ctx, false)
		if !ok {
			return errNoCachedCaptcha
		}
		return m.relay.Send(ctx, backend.RelayMessage{
			Link:        job.Link,
			ChallengeID: rec.ChallengeID,
			Solution:    rec.Solution,
			Group:       group,
		})
	}, func(err error) {
		if err != nil {
			m.logger.Warn("captcha relay failed", zap.String("reference", job.Reference()), zap.Error(err))
			return
		}
		m.logger.Info("captcha relayed", zap.String("reference", job.Reference()))
	})
}

func resolveAgainst(base, ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if r.IsAbs() || base == "" {
		return r.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
