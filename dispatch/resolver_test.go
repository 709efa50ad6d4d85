package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/internal/eventloop"
	"github.com/BaSui01/formrelay/internal/httpx"
	"github.com/BaSui01/formrelay/page"
	"github.com/BaSui01/formrelay/testutil/mocks"
	"github.com/BaSui01/formrelay/types"
)

func newConfirmationPage() *mocks.MockPage {
	s := page.DefaultSelectors()
	return mocks.NewMockPage("https://visa.test/en/confirm/").
		WithElement(s.Form, "").
		WithElement(s.LinkInput, "").
		WithElement(s.ActivationKey, "").
		WithElement(s.Challenge, "").
		WithElement(s.Solution, "").
		WithElement(s.ConfirmSubmit, "").
		WithElement(s.CSRF, "tok").
		WithCookies(&http.Cookie{Name: "csrftoken", Value: "tok"})
}

func newTestResolver(t *testing.T, p page.Page) (*PageResolver, *eventloop.Manual) {
	t.Helper()
	client, err := httpx.NewClient(httpx.Config{}, nil, zap.NewNop())
	require.NoError(t, err)
	loop := eventloop.NewManual(epoch)
	return NewPageResolver(loop, p, client, page.DefaultSelectors(), "g1", nil, zap.NewNop()), loop
}

func resolve(t *testing.T, r *PageResolver, loop *eventloop.Manual, job Job) error {
	t.Helper()
	var (
		got    error
		called bool
	)
	r.Resolve(context.Background(), job, func(err error) {
		called = true
		got = err
	})
	loop.Drain()
	require.True(t, called, "done must run on the loop")
	return got
}

func TestPageResolver_SameGroupSubmitsInPage(t *testing.T) {
	s := page.DefaultSelectors()
	p := newConfirmationPage()
	r, loop := newTestResolver(t, p)

	job := NewJob(keyedLink, "g1", "chal-1", "x7k2", epoch)
	assert.Equal(t, RouteInPage, r.RouteFor(job))
	require.NoError(t, resolve(t, r, loop, job))

	assert.Equal(t, keyedLink, p.ValueOf(s.LinkInput))
	assert.Equal(t, "AB12345", p.ValueOf(s.ActivationKey))
	assert.Equal(t, "chal-1", p.ValueOf(s.Challenge))
	assert.Equal(t, "x7k2", p.ValueOf(s.Solution))
	form, _ := p.Element(s.Form)
	assert.Equal(t, keyedLink, form.Attrs["action"])
	assert.Equal(t, 1, p.CountCalls("Click", s.ConfirmSubmit))
	assert.Empty(t, p.Views())
}

func TestPageResolver_SameGroupWithoutLinkInput(t *testing.T) {
	s := page.DefaultSelectors()
	p := newConfirmationPage()
	p.Remove(s.LinkInput)
	r, loop := newTestResolver(t, p)

	require.NoError(t, resolve(t, r, loop, NewJob(keyedLink, "g1", "chal-1", "x7k2", epoch)))
	assert.Equal(t, 1, p.CountCalls("Click", s.ConfirmSubmit))
}

func TestPageResolver_SameGroupMissingCaptchaField(t *testing.T) {
	s := page.DefaultSelectors()
	p := newConfirmationPage()
	p.Remove(s.Solution)
	r, loop := newTestResolver(t, p)

	err := resolve(t, r, loop, NewJob(keyedLink, "g1", "chal-1", "x7k2", epoch))
	require.Error(t, err)
	assert.True(t, errors.Is(err, page.ErrNoElement))
	assert.Equal(t, 0, p.CountCalls("Click", s.ConfirmSubmit))
}

func TestPageResolver_SolvedForeignJobPostsOutOfBand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "tok", r.PostForm.Get("csrfmiddlewaretoken"))
		assert.Equal(t, "KEY9876", r.PostForm.Get("activation_key"))
		assert.Equal(t, "chal-2", r.PostForm.Get("captcha_0"))
		assert.Equal(t, "q9w8", r.PostForm.Get("captcha_1"))
		ck, err := r.Cookie("csrftoken")
		require.NoError(t, err)
		assert.Equal(t, "tok", ck.Value)
		_, _ = io.WriteString(w, "<html><body>second step</body></html>")
	}))
	defer srv.Close()

	p := newConfirmationPage()
	r, loop := newTestResolver(t, p)
	link := srv.URL + "/en/visa/register/REF7/KEY9876"
	job := NewJob(link, "g2", "chal-2", "q9w8", epoch)

	assert.Equal(t, RouteOutOfBand, r.RouteFor(job))
	require.NoError(t, resolve(t, r, loop, job))

	views := p.Views()
	require.Len(t, views, 1)
	assert.Equal(t, link, views[0].Address)
	assert.Contains(t, views[0].HTML, "second step")
	assert.Equal(t, 0, p.CountCalls("Click", ""))
}

func TestPageResolver_UnsolvedForeignJobFetches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = io.WriteString(w, "<html><body>first step</body></html>")
	}))
	defer srv.Close()

	p := newConfirmationPage()
	r, loop := newTestResolver(t, p)
	link := srv.URL + "/en/visa/register/REF7/KEY9876"
	job := NewJob(link, "g2", "", "", epoch)

	assert.Equal(t, RouteFetch, r.RouteFor(job))
	require.NoError(t, resolve(t, r, loop, job))

	views := p.Views()
	require.Len(t, views, 1)
	assert.Equal(t, link, views[0].Address)
	assert.Contains(t, views[0].HTML, "first step")
}

func TestPageResolver_TransportFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	link := srv.URL + "/en/visa/register/REF7/KEY9876"
	srv.Close()

	p := newConfirmationPage()
	r, loop := newTestResolver(t, p)

	err := resolve(t, r, loop, NewJob(link, "g2", "", "", epoch))
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
	assert.Empty(t, p.Views())
}

func TestPageResolver_DrivenByDispatcher(t *testing.T) {
	s := page.DefaultSelectors()
	p := newConfirmationPage()
	r, loop := newTestResolver(t, p)
	d := New(Config{Interval: time.Second}, loop, r, zap.NewNop())

	d.Enqueue(NewJob(keyedLink, "g1", "chal-1", "x7k2", epoch))
	loop.Advance(time.Second)

	assert.Equal(t, 1, p.CountCalls("Click", s.ConfirmSubmit))
	assert.False(t, d.Processing())
}
