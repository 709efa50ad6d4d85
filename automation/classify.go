package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BaSui01/formrelay/page"
)

// PageKind is the workflow step a page load belongs to.
type PageKind int

const (
	Other PageKind = iota
	FirstStep
	SecondStep
	Confirmation
)

var pageKindNames = []string{"other", "first_step", "second_step", "confirmation"}

func (k PageKind) String() string {
	if int(k) < len(pageKindNames) {
		return pageKindNames[k]
	}
	return "unknown"
}

// Classification is the result of probing a page once on load.
type Classification struct {
	Kind PageKind
	URL  string

	HasForm    bool
	HasCaptcha bool
	// HasTrackCode is the tracking status marker that arms the solve window.
	HasTrackCode bool
	Waiting      bool
	Success      bool
	Failure      bool

	// Agent and VisaType are the selected combination on the second step.
	Agent    string
	VisaType string
}

// Combo is the agent+visa combination code.
func (c Classification) Combo() string { return c.Agent + c.VisaType }

// Classify probes the page markers. The step controls are checked in order:
// first name (second step), activation key (confirmation), visa type (first
// step). The captcha image is orthogonal to the step.
func Classify(ctx context.Context, p page.Page, sel page.Selectors) (Classification, error) {
	var c Classification
	u, err := p.URL(ctx)
	if err != nil {
		return c, fmt.Errorf("read url: %w", err)
	}
	c.URL = u

	probes := []struct {
		selector string
		dst      *bool
	}{
		{sel.Form, &c.HasForm},
		{sel.CaptchaImage, &c.HasCaptcha},
		{sel.TrackCode, &c.HasTrackCode},
		{sel.Waiting, &c.Waiting},
		{sel.Success, &c.Success},
		{sel.Failure, &c.Failure},
	}
	for _, pr := range probes {
		if pr.selector == "" {
			continue
		}
		if *pr.dst, err = p.Exists(ctx, pr.selector); err != nil {
			return c, fmt.Errorf("probe %s: %w", pr.selector, err)
		}
	}

	steps := []struct {
		selector string
		kind     PageKind
	}{
		{sel.FirstName, SecondStep},
		{sel.ActivationKey, Confirmation},
		{sel.VisaType, FirstStep},
	}
	for _, st := range steps {
		ok, err := p.Exists(ctx, st.selector)
		if err != nil {
			return c, fmt.Errorf("probe %s: %w", st.selector, err)
		}
		if ok {
			c.Kind = st.kind
			break
		}
	}

	if c.Kind == SecondStep {
		if c.Agent, err = optionalValue(ctx, p, sel.ComboCategory); err != nil {
			return c, err
		}
		if c.VisaType, err = optionalValue(ctx, p, sel.VisaType); err != nil {
			return c, err
		}
	}
	return c, nil
}

func optionalValue(ctx context.Context, p page.Page, selector string) (string, error) {
	if selector == "" {
		return "", nil
	}
	v, err := p.Value(ctx, selector)
	if errors.Is(err, page.ErrNoElement) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", selector, err)
	}
	return strings.TrimSpace(v), nil
}
