package automation

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/page"
)

// startCSRFGuard snapshots the CSRF cookie and puts it back whenever the site
// rotates it, so forms prepared earlier stay valid.
func (m *Machine) startCSRFGuard() {
	name := m.cfg.CSRFCookie
	var original *http.Cookie
	m.pageDo("csrf snapshot", func(ctx context.Context) error {
		var err error
		original, err = findCookie(ctx, m.page, name)
		return err
	}, func(err error) {
		if err != nil || original == nil {
			return
		}
		m.every(m.cfg.CSRFGuardInterval, func() { m.checkCSRF(original) })
	})
}

func (m *Machine) checkCSRF(original *http.Cookie) {
	var restored bool
	m.pageDo("csrf check", func(ctx context.Context) error {
		current, err := findCookie(ctx, m.page, original.Name)
		if err != nil {
			return err
		}
		if current != nil && current.Value == original.Value {
			return nil
		}
		c := *original
		if err := m.page.SetCookie(ctx, &c); err != nil {
			return err
		}
		restored = true
		return nil
	}, func(err error) {
		if restored {
			m.logger.Info("csrf cookie restored", zap.String("cookie", original.Name))
		}
	})
}

func findCookie(ctx context.Context, p page.Page, name string) (*http.Cookie, error) {
	cookies, err := p.Cookies(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range cookies {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, nil
}
