// Package captcha implements the bounded captcha cache shared by the
// automation loop and the operator.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned by backends when no record matches.
var ErrNotFound = errors.New("captcha: no matching record")

// Record is one captured challenge and the solution typed or recognised for it.
type Record struct {
	// ID is the insertion sequence. It breaks CreatedAt ties deterministically.
	ID          int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	ChallengeID string    `json:"challenge_id" gorm:"column:challenge_id;size:128;index"`
	Solution    string    `json:"solution" gorm:"column:solution;size:64"`
	Image       []byte    `json:"image,omitempty" gorm:"column:image"`
	IsUsed      bool      `json:"is_used" gorm:"column:is_used;index"`
	IsCorrect   bool      `json:"is_correct" gorm:"column:is_correct"`
	CreatedAt   time.Time `json:"created_at" gorm:"column:created_at;index"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"column:updated_at"`
}

// TableName binds Record to the migrated table.
func (Record) TableName() string { return "captcha_records" }

// Stale reports whether the record is too old to be offered.
func (r Record) Stale(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(r.CreatedAt) > staleAfter
}

// newer orders records newest first with ID as the tie-break.
func newer(a, b Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func sortByID(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
}

// EvictionMode selects how many records a single Put may evict.
type EvictionMode string

const (
	// EvictOne removes at most one record per insertion.
	EvictOne EvictionMode = "one"
	// EvictToCapacity removes records until the unused count fits capacity.
	EvictToCapacity EvictionMode = "to_capacity"
)

// ParseEvictionMode parses a configured mode. Empty selects EvictOne.
func ParseEvictionMode(s string) (EvictionMode, error) {
	switch EvictionMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", EvictOne:
		return EvictOne, nil
	case EvictToCapacity:
		return EvictToCapacity, nil
	default:
		return "", fmt.Errorf("captcha: unknown eviction mode %q", s)
	}
}

// Limits are applied by a backend when inserting.
type Limits struct {
	Capacity int
	Mode     EvictionMode
}

// maxEvictions returns how many evictions a single insert may perform given
// the unused count after insertion.
func (l Limits) maxEvictions(unused int) int {
	over := unused - l.Capacity
	if l.Capacity <= 0 || over <= 0 {
		return 0
	}
	if l.Mode == EvictToCapacity {
		return over
	}
	return 1
}

// TakeFilter selects which record TakeNewest may consume.
type TakeFilter struct {
	// NotBefore excludes records created before this instant.
	NotBefore      time.Time
	RequireCorrect bool
}

func (f TakeFilter) matches(r Record) bool {
	if r.IsUsed {
		return false
	}
	if r.CreatedAt.Before(f.NotBefore) {
		return false
	}
	return !f.RequireCorrect || r.IsCorrect
}

// Backend is the persistence contract behind Store. TakeNewest must select and
// mark the record used atomically, so that concurrent callers never receive
// the same record.
type Backend interface {
	Insert(ctx context.Context, rec *Record, limits Limits) (evicted int, err error)
	TakeNewest(ctx context.Context, filter TakeFilter, now time.Time) (Record, error)
	List(ctx context.Context) ([]Record, error)
	Update(ctx context.Context, rec Record) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}
