package automation

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/formrelay/captcha"
	"github.com/BaSui01/formrelay/internal/httpx"
	"github.com/BaSui01/formrelay/session"
	"github.com/BaSui01/formrelay/testutil/mocks"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\ncaptcha")

func captchaPage(canvas []byte) *mocks.MockPage {
	return confirmationPage().
		WithElement(sel.CaptchaImage, "").
		WithCanvas(sel.CaptchaImage, canvas)
}

func TestCaptcha_SolvedByOCRStopsPolling(t *testing.T) {
	pg := captchaPage(pngBytes)
	h := newHarness(t, pg, func(p *session.Policy) { p.SolveCaptcha = true })
	h.start()

	h.loop.Advance(500 * time.Millisecond)
	assert.Equal(t, "AB12", pg.ValueOf(sel.Solution))
	el, _ := pg.Element(sel.CaptchaImage)
	assert.Equal(t, pngBytes, el.Image)

	calls := h.ocr.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "fp-1", calls[0].Credential)
	assert.Equal(t, pngBytes, calls[0].Image)

	s := h.m.Status()
	assert.True(t, s.CaptchaReady)
	assert.True(t, s.Solved)

	h.loop.Advance(2 * time.Second)
	assert.Equal(t, 1, pg.CountCalls("CanvasPNG", sel.CaptchaImage))
	assert.Len(t, h.ocr.Calls(), 1)
}

func TestCaptcha_OCRFailureRetriedOnNextTick(t *testing.T) {
	pg := captchaPage(pngBytes)
	h := newHarness(t, pg, func(p *session.Policy) { p.SolveCaptcha = true })
	var n atomic.Int32
	h.ocr.WithSolveFunc(func(ctx context.Context, png []byte, credential string) (string, error) {
		if n.Add(1) == 1 {
			return "", errors.New("ocr busy")
		}
		return "ZX98", nil
	})
	h.start()

	h.loop.Advance(500 * time.Millisecond)
	assert.Empty(t, pg.ValueOf(sel.Solution))
	assert.False(t, h.m.Status().Solved)

	h.loop.Advance(500 * time.Millisecond)
	assert.Equal(t, "ZX98", pg.ValueOf(sel.Solution))
	assert.True(t, h.m.Status().Solved)
	assert.Equal(t, 1, pg.CountCalls("CanvasPNG", sel.CaptchaImage), "image is extracted once")
}

func TestCaptcha_ShortCodeKeepsPolling(t *testing.T) {
	pg := captchaPage(pngBytes)
	h := newHarness(t, pg, func(p *session.Policy) { p.SolveCaptcha = true })
	h.ocr = mocks.NewMockOCR("AB")
	h.m.ocr = h.ocr
	h.start()

	h.loop.Advance(time.Second)
	assert.False(t, h.m.Status().Solved)
	assert.Len(t, h.ocr.Calls(), 2)
}

func TestCaptcha_WithoutSolvingStopsAfterImage(t *testing.T) {
	pg := captchaPage(pngBytes)
	h := newHarness(t, pg, nil)
	h.start()

	h.loop.Advance(2 * time.Second)
	assert.Equal(t, 1, pg.CountCalls("CanvasPNG", sel.CaptchaImage))
	assert.Empty(t, h.ocr.Calls())
	assert.True(t, h.m.Status().CaptchaReady)
}

func TestCaptcha_FetchFallback(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		wantImage   bool
	}{
		{name: "png accepted", contentType: "image/png", wantImage: true},
		{name: "html rejected", contentType: "text/html; charset=utf-8", wantImage: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pg := captchaPage(nil).WithAttribute(sel.CaptchaImage, "src", "/en/ecaptcha/image/abc/")
			h := newHarness(t, pg, nil)
			target := "https://visa.test/en/ecaptcha/image/abc/"
			h.http.getDocs[target] = &httpx.Document{
				Status: http.StatusOK,
				URL:    target,
				Header: http.Header{"Content-Type": {tt.contentType}},
				Body:   pngBytes,
			}
			h.start()

			h.loop.Advance(500 * time.Millisecond)
			require.Equal(t, []string{target}, h.http.gets)
			el, _ := pg.Element(sel.CaptchaImage)
			if tt.wantImage {
				assert.Equal(t, pngBytes, el.Image)
				assert.Equal(t, 1, pg.Stops())
				assert.True(t, h.m.Status().CaptchaReady)
			} else {
				assert.Nil(t, el.Image)
				assert.Zero(t, pg.Stops())
				assert.False(t, h.m.Status().CaptchaReady)
			}
		})
	}
}

func TestCaptcha_SolveWindowPersistsAndReloads(t *testing.T) {
	pg := secondStepPage("461", "11").
		WithElement(sel.TrackCode, "").
		WithElement(sel.Challenge, "ch-77").
		WithElement(sel.Solution, "QW12").
		WithElement(sel.CaptchaImage, "").
		WithCanvas(sel.CaptchaImage, pngBytes)
	h := newHarness(t, pg, func(p *session.Policy) { p.Automatic = false })
	h.start()
	require.Equal(t, Manual, h.m.Context().Mode)

	h.loop.Advance(500 * time.Millisecond)
	assert.Equal(t, Automatic, h.m.Context().Mode)
	assert.Equal(t, "1m 0s - Solve Time", h.m.Status().Countdown)

	h.loop.Advance(60 * time.Second)
	assert.Equal(t, "2s - Reload", h.m.Status().Countdown)
	assert.Zero(t, pg.Reloads())

	h.loop.Advance(2 * time.Second)
	assert.Equal(t, 1, pg.Reloads())

	rec, ok := h.captchas.TakeNewest(context.Background(), false)
	require.True(t, ok)
	assert.Equal(t, "ch-77", rec.ChallengeID)
	assert.Equal(t, "QW12", rec.Solution)
	assert.Equal(t, pngBytes, rec.Image)
}

func TestUseCachedCaptcha(t *testing.T) {
	pg := captchaPage(nil)
	h := newHarness(t, pg, nil)
	h.start()
	require.True(t, h.captchas.Put(context.Background(), captcha.Record{
		ChallengeID: "cached-1", Solution: "QW12", Image: pngBytes,
	}))

	h.do(func() { h.m.UseCachedCaptcha(true) })
	assert.Equal(t, "ch-page", pg.ValueOf(sel.Challenge), "only correct records qualify")

	h.do(func() { h.m.UseCachedCaptcha(false) })
	assert.Equal(t, "cached-1", pg.ValueOf(sel.Challenge))
	assert.Equal(t, "QW12", pg.ValueOf(sel.Solution))
	el, _ := pg.Element(sel.CaptchaImage)
	assert.Equal(t, pngBytes, el.Image)
	assert.Equal(t, 1, pg.Stops())
	assert.True(t, h.m.Status().Solved)

	h.loop.Advance(2 * time.Second)
	assert.Zero(t, pg.CountCalls("CanvasPNG", ""), "polling stops once a cached captcha is used")

	h.do(func() { h.m.UseCachedCaptcha(false) })
	assert.Equal(t, 1, pg.Stops(), "an empty store leaves the page alone")
}
