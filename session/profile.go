package session

import (
	"time"
)

// Profile is the cached session record. It is replaced as a whole on every
// refresh.
type Profile struct {
	Fingerprint string    `json:"fingerprint"`
	Credential  string    `json:"credential"`
	User        string    `json:"user"`
	Policy      Policy    `json:"policy"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Policy holds the server-assigned timing parameters, feature toggles and
// routing codes.
type Policy struct {
	SubmitWait          time.Duration `json:"submit_wait"`
	AutoCloseAfter      time.Duration `json:"auto_close_after"`
	SolveWindow         time.Duration `json:"solve_window"`
	ReloadDelay         time.Duration `json:"reload_delay"`
	CaptchaPollInterval time.Duration `json:"captcha_poll_interval"`
	QueueInterval       time.Duration `json:"queue_interval"`
	SubmitInterval      time.Duration `json:"submit_interval"`
	RepeatClicks        int           `json:"repeat_clicks"`
	RepeatGap           time.Duration `json:"repeat_gap"`
	ConfirmGroup        string        `json:"confirm_group"`
	// CaptchaCapacity 为 0 时沿用本地配置的容量
	CaptchaCapacity     int           `json:"captcha_capacity"`
	SolveCaptcha        bool          `json:"solve_captcha"`
	RetryLoopEnabled    bool          `json:"retry_loop_enabled"`
	RelayToggle         bool          `json:"relay_toggle"`
	LinkInput           bool          `json:"link_input"`
	AutoReload          bool          `json:"auto_reload"`
	Email               string        `json:"email"`
	Automatic           bool          `json:"automatic"`
}

// DefaultPolicy is used for any field the server leaves unset.
func DefaultPolicy() Policy {
	return Policy{
		SubmitWait:          5 * time.Second,
		SolveWindow:         60 * time.Second,
		CaptchaPollInterval: 500 * time.Millisecond,
		QueueInterval:       time.Second,
		SubmitInterval:      3 * time.Second,
		RepeatClicks:        1,
		RepeatGap:           300 * time.Millisecond,
		Automatic:           true,
	}
}

// policyWire is the refresh response's policy object. Durations are integers
// in the units the server uses: seconds for countdowns, milliseconds for
// intervals.
type policyWire struct {
	SubmitWait      *int    `json:"smawt"`
	AutoCloseAfter  *int    `json:"smact"`
	SolveWindow     *int    `json:"ssw"`
	ReloadDelay     *int    `json:"srt"`
	CaptchaPoll     *int    `json:"gcit"`
	QueueInterval   *int    `json:"qwt"`
	SubmitInterval  *int    `json:"sbint"`
	RepeatClicks    *int    `json:"recn"`
	RepeatGap       *int    `json:"recg"`
	ConfirmGroup    string  `json:"congr"`
	CaptchaCapacity *int    `json:"mxc"`
	SolveCaptcha    bool    `json:"sch"`
	RetryLoop       bool    `json:"fabt"`
	RelayToggle     bool    `json:"telconf"`
	LinkInput       bool    `json:"hlc"`
	AutoReload      bool    `json:"autrl"`
	Email           string  `json:"email"`
	Automatic       *bool   `json:"isAuto"`
	Fingerprint     *string `json:"fp"`
}

func (w policyWire) toPolicy() Policy {
	p := DefaultPolicy()
	seconds := func(dst *time.Duration, v *int) {
		if v != nil && *v >= 0 {
			*dst = time.Duration(*v) * time.Second
		}
	}
	millis := func(dst *time.Duration, v *int) {
		if v != nil && *v > 0 {
			*dst = time.Duration(*v) * time.Millisecond
		}
	}
	seconds(&p.SubmitWait, w.SubmitWait)
	seconds(&p.AutoCloseAfter, w.AutoCloseAfter)
	seconds(&p.SolveWindow, w.SolveWindow)
	seconds(&p.ReloadDelay, w.ReloadDelay)
	millis(&p.CaptchaPollInterval, w.CaptchaPoll)
	millis(&p.QueueInterval, w.QueueInterval)
	millis(&p.SubmitInterval, w.SubmitInterval)
	millis(&p.RepeatGap, w.RepeatGap)
	if w.RepeatClicks != nil && *w.RepeatClicks > 0 {
		p.RepeatClicks = *w.RepeatClicks
	}
	if w.CaptchaCapacity != nil && *w.CaptchaCapacity > 0 {
		p.CaptchaCapacity = *w.CaptchaCapacity
	}
	if w.Automatic != nil {
		p.Automatic = *w.Automatic
	}
	p.ConfirmGroup = w.ConfirmGroup
	p.SolveCaptcha = w.SolveCaptcha
	p.RetryLoopEnabled = w.RetryLoop
	p.RelayToggle = w.RelayToggle
	p.LinkInput = w.LinkInput
	p.AutoReload = w.AutoReload
	p.Email = w.Email
	return p
}
