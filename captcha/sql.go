package captcha

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// maxTakeAttempts bounds the optimistic retries of TakeNewest when another
// process consumes the selected record first.
const maxTakeAttempts = 5

// SQLBackend stores records in the captcha_records table through GORM. The
// table is created by the migrations in internal/migration.
type SQLBackend struct {
	db *gorm.DB
}

// NewSQLBackend creates a backend on an open GORM handle. The handle stays
// owned by the caller.
func NewSQLBackend(db *gorm.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

// Insert implements Backend.
func (b *SQLBackend) Insert(ctx context.Context, rec *Record, limits Limits) (int, error) {
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()

	evicted := 0
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("insert captcha: %w", err)
		}

		var unused int64
		if err := tx.Model(&Record{}).Where("is_used = ?", false).Count(&unused).Error; err != nil {
			return fmt.Errorf("count unused captchas: %w", err)
		}

		for n := limits.maxEvictions(int(unused)); n > 0; n-- {
			var oldest Record
			err := tx.Select("id").
				Where("is_used = ? AND id <> ?", false, rec.ID).
				Order("created_at ASC, id ASC").
				Take(&oldest).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				break
			}
			if err != nil {
				return fmt.Errorf("select oldest captcha: %w", err)
			}
			if err := tx.Delete(&Record{}, oldest.ID).Error; err != nil {
				return fmt.Errorf("evict captcha %d: %w", oldest.ID, err)
			}
			evicted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return evicted, nil
}

// TakeNewest implements Backend. The conditional update makes consumption
// atomic across processes sharing the database.
func (b *SQLBackend) TakeNewest(ctx context.Context, filter TakeFilter, now time.Time) (Record, error) {
	db := b.db.WithContext(ctx)
	now = now.UTC()

	for attempt := 0; attempt < maxTakeAttempts; attempt++ {
		q := db.Where("is_used = ? AND created_at >= ?", false, filter.NotBefore.UTC())
		if filter.RequireCorrect {
			q = q.Where("is_correct = ?", true)
		}

		var rec Record
		err := q.Order("created_at DESC, id DESC").Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, ErrNotFound
		}
		if err != nil {
			return Record{}, fmt.Errorf("select newest captcha: %w", err)
		}

		res := db.Model(&Record{}).
			Where("id = ? AND is_used = ?", rec.ID, false).
			Updates(map[string]any{"is_used": true, "updated_at": now})
		if res.Error != nil {
			return Record{}, fmt.Errorf("mark captcha %d used: %w", rec.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			rec.IsUsed = true
			rec.UpdatedAt = now
			return rec, nil
		}
	}
	return Record{}, fmt.Errorf("take captcha: lost %d races", maxTakeAttempts)
}

// List implements Backend.
func (b *SQLBackend) List(ctx context.Context) ([]Record, error) {
	var records []Record
	if err := b.db.WithContext(ctx).Order("id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list captchas: %w", err)
	}
	return records, nil
}

// Update implements Backend.
func (b *SQLBackend) Update(ctx context.Context, rec Record) error {
	res := b.db.WithContext(ctx).Model(&Record{}).
		Where("id = ?", rec.ID).
		Updates(map[string]any{
			"solution":   rec.Solution,
			"is_correct": rec.IsCorrect,
			"updated_at": rec.UpdatedAt.UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("update captcha %d: %w", rec.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBefore implements Backend.
func (b *SQLBackend) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res := b.db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge captchas: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// Close implements Backend. The database handle is owned by the caller.
func (b *SQLBackend) Close() error {
	return nil
}
