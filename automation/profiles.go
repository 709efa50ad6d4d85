package automation

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/BaSui01/formrelay/forms"
)

var errNoAutoProfile = errors.New("automation: no profile flagged auto")

// autoFill applies the first profile flagged auto.
func (m *Machine) autoFill() {
	if m.forms == nil {
		return
	}
	var applied forms.Profile
	m.pageDo("auto fill", func(ctx context.Context) error {
		profiles, err := m.forms.FindByFlag(ctx, forms.FlagAuto, true)
		if err != nil {
			return err
		}
		if len(profiles) == 0 {
			return errNoAutoProfile
		}
		applied = profiles[0]
		_, err = forms.Apply(ctx, m.page, applied)
		return err
	}, func(err error) {
		if err == nil {
			m.logger.Info("profile applied", zap.String("profile", applied.ID))
		}
	})
}

// FillProfile writes a saved profile into the page.
func (m *Machine) FillProfile(id string) {
	if m.forms == nil {
		return
	}
	var skipped []string
	m.pageDo("fill profile", func(ctx context.Context) error {
		p, err := m.forms.Get(ctx, id)
		if err != nil {
			return err
		}
		skipped, err = forms.Apply(ctx, m.page, p)
		return err
	}, func(err error) {
		if err != nil {
			m.logger.Warn("fill profile failed", zap.String("profile", id), zap.Error(err))
			return
		}
		m.logger.Info("profile applied", zap.String("profile", id), zap.Strings("skipped", skipped))
	})
}

// SaveProfile captures the applicant fields of the page into a profile. An
// empty id derives one from the current time.
func (m *Machine) SaveProfile(id, name string) {
	if m.forms == nil || m.ac.Page.Kind != SecondStep {
		return
	}
	var saved forms.Profile
	m.pageDo("save profile", func(ctx context.Context) error {
		p, err := forms.Capture(ctx, m.page, id, name, forms.DefaultFieldSelectors())
		if err != nil {
			return err
		}
		saved, err = m.forms.Save(ctx, p)
		return err
	}, func(err error) {
		if err != nil {
			m.logger.Warn("save profile failed", zap.Error(err))
			return
		}
		m.logger.Info("profile saved", zap.String("profile", saved.ID))
	})
}
