package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/internal/eventloop"
	"github.com/BaSui01/formrelay/internal/httpx"
	"github.com/BaSui01/formrelay/internal/metrics"
	"github.com/BaSui01/formrelay/page"
	"github.com/BaSui01/formrelay/types"
)

// Route names how a job was resolved.
type Route string

const (
	RouteInPage    Route = "in_page"
	RouteOutOfBand Route = "out_of_band"
	RouteFetch     Route = "fetch"
)

// Fetcher is the outbound HTTP surface the resolver uses.
type Fetcher interface {
	Get(ctx context.Context, target string) (*httpx.Document, error)
	PostForm(ctx context.Context, target string, values url.Values, referer string) (*httpx.Document, error)
	SetCookies(u *url.URL, cookies []*http.Cookie)
}

// PageResolver resolves jobs against the confirmation page.
type PageResolver struct {
	loop      eventloop.Loop
	page      page.Page
	fetch     Fetcher
	selectors page.Selectors
	group     string
	metrics   *metrics.Collector
	tracer    trace.Tracer
	logger    *zap.Logger
}

// NewPageResolver creates a PageResolver. group is the page's own group tag.
func NewPageResolver(loop eventloop.Loop, p page.Page, fetch Fetcher, selectors page.Selectors, group string, m *metrics.Collector, logger *zap.Logger) *PageResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageResolver{
		loop:      loop,
		page:      p,
		fetch:     fetch,
		selectors: selectors,
		group:     group,
		metrics:   m,
		tracer:    otel.Tracer("formrelay/dispatch"),
		logger:    logger.With(zap.String("component", "page_resolver")),
	}
}

// RouteFor returns the route Resolve takes for job.
func (r *PageResolver) RouteFor(job Job) Route {
	switch {
	case r.group != "" && job.Group == r.group:
		return RouteInPage
	case job.HasSolution():
		return RouteOutOfBand
	default:
		return RouteFetch
	}
}

// Resolve implements Resolver.
func (r *PageResolver) Resolve(ctx context.Context, job Job, done func(error)) {
	route := r.RouteFor(job)
	r.loop.Go(func(ctx context.Context) error {
		ctx, span := r.tracer.Start(ctx, "dispatch.resolve", trace.WithAttributes(
			attribute.String("route", string(route)),
			attribute.String("reference", job.Reference()),
		))
		defer span.End()

		var err error
		switch route {
		case RouteInPage:
			err = r.submitInPage(ctx, job)
		case RouteOutOfBand:
			err = r.submitOutOfBand(ctx, job)
		default:
			err = r.fetchAndOpen(ctx, job)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}, func(err error) {
		r.metrics.RecordJobResolved(string(route), err)
		if err == nil {
			r.logger.Info("job resolved",
				zap.String("route", string(route)),
				zap.String("reference", job.Reference()))
		}
		if done != nil {
			done(err)
		}
	})
}

func (r *PageResolver) submitInPage(ctx context.Context, job Job) error {
	s := r.selectors
	if err := r.page.SetValue(ctx, s.LinkInput, job.Link); err != nil && !errors.Is(err, page.ErrNoElement) {
		return err
	}
	if err := r.page.SetAttribute(ctx, s.Form, "action", job.Link); err != nil && !errors.Is(err, page.ErrNoElement) {
		return err
	}
	if key := job.ActivationKey(); key != "" {
		if err := r.page.SetValue(ctx, s.ActivationKey, key); err != nil && !errors.Is(err, page.ErrNoElement) {
			return err
		}
	}
	if err := r.page.SetValue(ctx, s.Challenge, job.ChallengeID); err != nil {
		return fmt.Errorf("set challenge: %w", err)
	}
	if err := r.page.SetValue(ctx, s.Solution, job.Solution); err != nil {
		return fmt.Errorf("set solution: %w", err)
	}
	return r.page.Click(ctx, s.ConfirmSubmit)
}

func (r *PageResolver) submitOutOfBand(ctx context.Context, job Job) error {
	csrf, err := r.page.Value(ctx, r.selectors.CSRF)
	if err != nil {
		return fmt.Errorf("read csrf token: %w", err)
	}
	if err := r.shareCookies(ctx, job.Link); err != nil {
		return err
	}
	doc, err := r.fetch.PostForm(ctx, job.Link, url.Values{
		"csrfmiddlewaretoken": {csrf},
		"activation_key":      {job.ActivationKey()},
		"captcha_0":           {job.ChallengeID},
		"captcha_1":           {job.Solution},
	}, job.Link)
	if err != nil {
		return types.NewError(types.ErrTransientNetwork, "out-of-band submit failed").WithCause(err).WithRetryable(true).WithComponent("dispatch")
	}
	return r.page.OpenView(ctx, job.Link, doc.Body)
}

func (r *PageResolver) fetchAndOpen(ctx context.Context, job Job) error {
	if err := r.shareCookies(ctx, job.Link); err != nil {
		return err
	}
	doc, err := r.fetch.Get(ctx, job.Link)
	if err != nil {
		return types.NewError(types.ErrTransientNetwork, "fetch link failed").WithCause(err).WithRetryable(true).WithComponent("dispatch")
	}
	return r.page.OpenView(ctx, job.Link, doc.Body)
}

// shareCookies copies the page's cookies into the HTTP client's jar so the
// out-of-band request carries the same session.
func (r *PageResolver) shareCookies(ctx context.Context, link string) error {
	u, err := url.Parse(link)
	if err != nil {
		return types.NewError(types.ErrInvalidInput, "invalid job link").WithCause(err).WithComponent("dispatch")
	}
	cookies, err := r.page.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("read page cookies: %w", err)
	}
	if len(cookies) > 0 {
		r.fetch.SetCookies(u, cookies)
	}
	return nil
}
