package forms

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"k8s.io/utils/clock"

	"github.com/BaSui01/formrelay/page"
)

// ErrNotFound is returned when no profile has the requested id.
var ErrNotFound = errors.New("forms: profile not found")

// Store is the form-profile collection backed by GORM. It is safe for
// concurrent use.
type Store struct {
	db     *gorm.DB
	clock  clock.PassiveClock
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps and derived ids.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Store) { s.clock = c }
}

// NewStore creates a store on an open handle owned by the caller.
func NewStore(db *gorm.DB, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		db:     db,
		clock:  clock.RealClock{},
		logger: logger.With(zap.String("component", "forms")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save creates or replaces p. An empty ID is derived from the current time.
// CreatedAt is preserved for existing profiles.
func (s *Store) Save(ctx context.Context, p Profile) (Profile, error) {
	now := s.clock.Now().UTC()
	if p.ID == "" {
		p.ID = derivedID(now)
	}
	if p.Fields == nil {
		p.Fields = map[string]string{}
	}
	p.UpdatedAt = now

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Profile
		err := tx.Select("created_at").Where("id = ?", p.ID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			p.CreatedAt = now
		case err != nil:
			return fmt.Errorf("load profile %s: %w", p.ID, err)
		default:
			p.CreatedAt = existing.CreatedAt
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&p).Error
	})
	if err != nil {
		return Profile{}, fmt.Errorf("save profile %s: %w", p.ID, err)
	}
	s.logger.Debug("profile saved", zap.String("id", p.ID))
	return p, nil
}

// Get returns one profile.
func (s *Store) Get(ctx context.Context, id string) (Profile, error) {
	var p Profile
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("get profile %s: %w", id, err)
	}
	return p, nil
}

// List returns every profile sorted by order.
func (s *Store) List(ctx context.Context) ([]Profile, error) {
	var profiles []Profile
	if err := s.db.WithContext(ctx).Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	byOrder(profiles)
	return profiles, nil
}

// FindByFlag returns the profiles whose flag equals value. A missing flag
// counts as false.
func (s *Store) FindByFlag(ctx context.Context, flag string, value bool) ([]Profile, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if p.Flag(flag) == value {
			out = append(out, p)
		}
	}
	return out, nil
}

// FindByOrder returns the profiles with min <= Order <= max.
func (s *Store) FindByOrder(ctx context.Context, min, max int) ([]Profile, error) {
	var profiles []Profile
	err := s.db.WithContext(ctx).Where("sort_order BETWEEN ? AND ?", min, max).Find(&profiles).Error
	if err != nil {
		return nil, fmt.Errorf("find profiles by order: %w", err)
	}
	byOrder(profiles)
	return profiles, nil
}

// UpdateFlags merges flags into the stored profile.
func (s *Store) UpdateFlags(ctx context.Context, id string, flags map[string]bool) (Profile, error) {
	return s.update(ctx, id, func(p *Profile) {
		if p.Flags == nil {
			p.Flags = map[string]bool{}
		}
		for k, v := range flags {
			p.Flags[k] = v
		}
	})
}

// SetOrder changes the sort position of a profile.
func (s *Store) SetOrder(ctx context.Context, id string, order int) (Profile, error) {
	return s.update(ctx, id, func(p *Profile) { p.Order = order })
}

func (s *Store) update(ctx context.Context, id string, mutate func(*Profile)) (Profile, error) {
	var out Profile
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p Profile
		err := tx.Where("id = ?", id).Take(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load profile %s: %w", id, err)
		}
		mutate(&p)
		p.UpdatedAt = s.clock.Now().UTC()
		if err := tx.Save(&p).Error; err != nil {
			return fmt.Errorf("update profile %s: %w", id, err)
		}
		out = p
		return nil
	})
	return out, err
}

// Delete removes a profile.
func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Profile{})
	if res.Error != nil {
		return fmt.Errorf("delete profile %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Apply writes every field of the profile into the page. Selectors missing
// from the page are skipped and returned.
func Apply(ctx context.Context, pg page.Page, p Profile) (skipped []string, err error) {
	for _, sel := range p.Selectors() {
		err := pg.SetValue(ctx, sel, p.Fields[sel])
		if errors.Is(err, page.ErrNoElement) {
			skipped = append(skipped, sel)
			continue
		}
		if err != nil {
			return skipped, fmt.Errorf("fill %s: %w", sel, err)
		}
	}
	return skipped, nil
}

// Capture reads the listed selectors from the page into a new profile.
// Selectors missing from the page are left out.
func Capture(ctx context.Context, pg page.Page, id, name string, selectors []string) (Profile, error) {
	p := Profile{ID: id, Name: name, Fields: make(map[string]string, len(selectors))}
	for _, sel := range selectors {
		v, err := pg.Value(ctx, sel)
		if errors.Is(err, page.ErrNoElement) {
			continue
		}
		if err != nil {
			return Profile{}, fmt.Errorf("read %s: %w", sel, err)
		}
		p.Fields[sel] = v
	}
	return p, nil
}
