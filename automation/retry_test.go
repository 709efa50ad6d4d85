package automation

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/formrelay/internal/httpx"
	"github.com/BaSui01/formrelay/session"
)

const waitingBody = `<html><body><div class="error-section error-section--waiting">wait</div></body></html>`

func retryPolicy(p *session.Policy) { p.RetryLoopEnabled = true }

func TestRetry_DisabledByPolicy(t *testing.T) {
	pg := secondStepPage("461", "11")
	h := newHarness(t, pg, nil)
	h.start()

	h.do(h.m.StartRetry)
	h.loop.Advance(3 * time.Second)
	assert.Zero(t, pg.CountCalls("Click", sel.FinalSubmit))
	assert.Empty(t, h.http.Posts())
	assert.Equal(t, "idle", h.m.Status().Retry)
}

func TestRetry_SecondStepStopsOnConfirmationLink(t *testing.T) {
	pg := secondStepPage("461", "11")
	h := newHarness(t, pg, retryPolicy)
	link := "https://visa.test/en/visa/confirm/REF1/KEY1234"
	h.http.postDocs = []*httpx.Document{
		{Status: http.StatusOK, URL: firstURL, Body: []byte(waitingBody)},
		{Status: http.StatusOK, URL: link, Body: []byte("<html>confirm</html>")},
	}
	h.start()

	h.do(h.m.StartRetry)
	assert.Equal(t, 1, pg.CountCalls("Click", sel.FinalSubmit))
	assert.Equal(t, "started", h.m.Status().Retry)

	h.loop.Advance(time.Second)
	assert.Len(t, h.http.Posts(), 1)
	assert.Empty(t, pg.Views())

	h.loop.Advance(time.Second)
	posts := h.http.Posts()
	require.Len(t, posts, 2)
	assert.Equal(t, firstURL, posts[0].Target)
	assert.Equal(t, url.Values{"first_name": {"Ali"}}, posts[0].Values)

	s := h.m.Status()
	assert.Equal(t, "stopped", s.Retry)
	assert.Equal(t, 2, s.TryCount)
	assert.Equal(t, 1, pg.Stops())
	require.Len(t, pg.Views(), 1)
	assert.Equal(t, link, pg.Views()[0].Address)

	h.loop.Advance(5 * time.Second)
	assert.Len(t, h.http.Posts(), 2)
}

func TestRetry_SecondStepAnsweredKeepsLooping(t *testing.T) {
	pg := secondStepPage("461", "11")
	h := newHarness(t, pg, retryPolicy)
	h.http.postDocs = []*httpx.Document{
		{Status: http.StatusOK, URL: firstURL, Body: []byte("<html>form errors</html>")},
	}
	h.start()

	h.do(h.m.StartRetry)
	h.loop.Advance(2 * time.Second)
	assert.Len(t, pg.Views(), 2)
	assert.Equal(t, "started", h.m.Status().Retry)
}

func TestRetry_ConfirmationPostsToLinkInput(t *testing.T) {
	pg := confirmationPage().WithElement(sel.LinkInput, keyedLink)
	h := newHarness(t, pg, retryPolicy)
	h.http.postDocs = []*httpx.Document{
		{Status: http.StatusBadGateway, URL: keyedLink},
		{Status: http.StatusOK, URL: keyedLink, Body: []byte("<html>done</html>")},
	}
	h.start()

	h.do(h.m.StartRetry)
	assert.Equal(t, 1, pg.CountCalls("Click", sel.ConfirmSubmit))

	h.loop.Advance(time.Second)
	assert.Equal(t, "started", h.m.Status().Retry, "a rejected post keeps looping")

	h.loop.Advance(time.Second)
	posts := h.http.Posts()
	require.Len(t, posts, 2)
	assert.Equal(t, keyedLink, posts[1].Target)
	assert.Equal(t, "AB12345", posts[1].Values.Get("activation_key"))
	assert.Equal(t, "stopped", h.m.Status().Retry)
	require.Len(t, pg.Views(), 1)
}

func TestRetry_ConfirmationFallsBackToWiredLink(t *testing.T) {
	pg := confirmationPage()
	h := newHarness(t, pg, retryPolicy)
	h.http.postDocs = []*httpx.Document{{Status: http.StatusOK, Body: []byte(waitingBody)}}
	h.start()
	h.m.ac.ConfirmLink = keyedLink

	h.do(h.m.StartRetry)
	h.loop.Advance(time.Second)
	posts := h.http.Posts()
	require.Len(t, posts, 1)
	assert.Equal(t, keyedLink, posts[0].Target)
}

func TestRetry_StopAndRestart(t *testing.T) {
	pg := confirmationPage()
	h := newHarness(t, pg, retryPolicy)
	h.http.postDocs = []*httpx.Document{{Status: http.StatusOK, Body: []byte(waitingBody)}}
	h.start()

	h.do(h.m.RestartRetry)
	assert.Equal(t, "idle", h.m.Status().Retry, "restart needs a stopped loop")

	h.do(h.m.StartRetry)
	h.do(h.m.StartRetry)
	assert.Equal(t, 1, pg.CountCalls("Click", sel.ConfirmSubmit))

	h.loop.Advance(2 * time.Second)
	assert.Len(t, h.http.Posts(), 2)

	h.do(h.m.StopRetry)
	assert.Equal(t, "stopped", h.m.Status().Retry)
	assert.Equal(t, 1, pg.Stops())
	h.loop.Advance(3 * time.Second)
	assert.Len(t, h.http.Posts(), 2)

	h.do(h.m.RestartRetry)
	assert.Equal(t, 1, pg.CountCalls("Click", sel.ConfirmSubmit), "restart does not click")
	h.loop.Advance(time.Second)
	assert.Len(t, h.http.Posts(), 3)
	assert.Equal(t, 1, h.m.Status().TryCount)
}
