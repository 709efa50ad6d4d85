package forms

import (
	"fmt"
	"sort"
	"time"
)

// Profile is a saved set of form values the operator can apply to a page.
type Profile struct {
	// ID is user-chosen, or "form_<unix millis>" when left empty on Save.
	ID   string `json:"id" gorm:"primaryKey;size:128"`
	Name string `json:"name" gorm:"column:name;size:256"`
	// Fields maps a page selector to the value written into it.
	Fields map[string]string `json:"fields" gorm:"column:fields;serializer:json;type:text"`
	// Flags are operator markers such as "auto".
	Flags     map[string]bool `json:"flags,omitempty" gorm:"column:flags;serializer:json;type:text"`
	Order     int             `json:"order" gorm:"column:sort_order;index"`
	CreatedAt time.Time       `json:"created_at" gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt time.Time       `json:"updated_at" gorm:"column:updated_at;autoUpdateTime:false"`
}

// TableName binds Profile to the migrated table.
func (Profile) TableName() string { return "form_profiles" }

// FlagAuto marks a profile for automatic filling.
const FlagAuto = "auto"

// Flag reports the named flag.
func (p Profile) Flag(name string) bool {
	return p.Flags[name]
}

// Selectors returns the field selectors in a stable order.
func (p Profile) Selectors() []string {
	out := make([]string, 0, len(p.Fields))
	for s := range p.Fields {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func derivedID(now time.Time) string {
	return fmt.Sprintf("form_%d", now.UnixMilli())
}

// byOrder sorts by Order, then CreatedAt, then ID.
func byOrder(profiles []Profile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		a, b := profiles[i], profiles[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// DefaultFieldSelectors are the applicant fields of the reference second step.
func DefaultFieldSelectors() []string {
	return []string{
		"#id_first_name",
		"#id_last_name",
		"#id_father_name",
		"#id_gender",
		"#id_birth_date",
		"#id_passport_number",
		"#id_passport_issue_date",
		"#id_expire_date",
		"#id_job",
		"#id_mobile",
		"#id_phone_number",
		"#id_iran_phone_number",
		"#id_residence_address",
		"#id_iran_address",
		"#id_duration",
		"#id_entry_option",
	}
}
