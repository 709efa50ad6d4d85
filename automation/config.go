package automation

import (
	"time"

	"github.com/BaSui01/formrelay/page"
)

// Burst is a run of repeated clicks.
type Burst struct {
	Count int           `yaml:"count" json:"count"`
	Gap   time.Duration `yaml:"gap" json:"gap"`
}

// Config holds the page vocabulary and the fixed local intervals. Timing that
// the server controls lives in session.Policy instead.
type Config struct {
	Selectors page.Selectors `yaml:"selectors" json:"selectors"`

	// ConfirmMarker appears in the address of a confirmation page.
	ConfirmMarker string `yaml:"confirm_marker" json:"confirm_marker"`
	// CaptchaURLMarker appears in the address of a captcha image.
	CaptchaURLMarker string `yaml:"captcha_url_marker" json:"captcha_url_marker"`
	// SubmitPath is where the retry loop posts the form outside the
	// confirmation page. It is resolved against the page address.
	SubmitPath string `yaml:"submit_path" json:"submit_path"`
	// ReportAllowList holds agent+visa combinations whose final submission is
	// reported.
	ReportAllowList []string `yaml:"report_allow_list" json:"report_allow_list"`
	CSRFCookie      string   `yaml:"csrf_cookie" json:"csrf_cookie"`

	ReEnableInterval   time.Duration `yaml:"re_enable_interval" json:"re_enable_interval"`
	EmailInterval      time.Duration `yaml:"email_interval" json:"email_interval"`
	CSRFGuardInterval  time.Duration `yaml:"csrf_guard_interval" json:"csrf_guard_interval"`
	SendToAllCooldown  time.Duration `yaml:"send_to_all_cooldown" json:"send_to_all_cooldown"`
	AutoReloadDelay    time.Duration `yaml:"auto_reload_delay" json:"auto_reload_delay"`
	CaptchaReloadDelay time.Duration `yaml:"captcha_reload_delay" json:"captcha_reload_delay"`

	// Shoot is the click burst on the first and second steps, ShootConfirm the
	// one on the confirmation page.
	Shoot        Burst `yaml:"shoot" json:"shoot"`
	ShootConfirm Burst `yaml:"shoot_confirm" json:"shoot_confirm"`

	// AutoFill applies the first profile flagged "auto" on the second step.
	AutoFill bool `yaml:"auto_fill" json:"auto_fill"`
}

// DefaultConfig returns the reference markers and intervals.
func DefaultConfig() Config {
	return Config{
		Selectors:          page.DefaultSelectors(),
		ConfirmMarker:      "confirm",
		CaptchaURLMarker:   "ecaptcha",
		SubmitPath:         "/en/request/applyrequest/",
		ReportAllowList:    []string{"46111", "4911"},
		CSRFCookie:         "csrftoken",
		ReEnableInterval:   3 * time.Second,
		EmailInterval:      2 * time.Second,
		CSRFGuardInterval:  5 * time.Second,
		SendToAllCooldown:  10 * time.Second,
		AutoReloadDelay:    500 * time.Millisecond,
		CaptchaReloadDelay: time.Second,
		Shoot:              Burst{Count: 5, Gap: 200 * time.Millisecond},
		ShootConfirm:       Burst{Count: 5, Gap: 200 * time.Millisecond},
		AutoFill:           true,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Selectors == (page.Selectors{}) {
		c.Selectors = def.Selectors
	}
	if c.ConfirmMarker == "" {
		c.ConfirmMarker = def.ConfirmMarker
	}
	if c.CaptchaURLMarker == "" {
		c.CaptchaURLMarker = def.CaptchaURLMarker
	}
	if c.SubmitPath == "" {
		c.SubmitPath = def.SubmitPath
	}
	if c.ReportAllowList == nil {
		c.ReportAllowList = def.ReportAllowList
	}
	if c.CSRFCookie == "" {
		c.CSRFCookie = def.CSRFCookie
	}
	durations := []struct {
		dst *time.Duration
		def time.Duration
	}{
		{&c.ReEnableInterval, def.ReEnableInterval},
		{&c.EmailInterval, def.EmailInterval},
		{&c.CSRFGuardInterval, def.CSRFGuardInterval},
		{&c.SendToAllCooldown, def.SendToAllCooldown},
		{&c.AutoReloadDelay, def.AutoReloadDelay},
		{&c.CaptchaReloadDelay, def.CaptchaReloadDelay},
	}
	for _, d := range durations {
		if *d.dst <= 0 {
			*d.dst = d.def
		}
	}
	if c.Shoot.Count <= 0 {
		c.Shoot = def.Shoot
	}
	if c.ShootConfirm.Count <= 0 {
		c.ShootConfirm = def.ShootConfirm
	}
	return c
}
