package automation

import (
	"time"
)

// Status is the snapshot the local server renders on /status.
type Status struct {
	Page         string    `json:"page"`
	URL          string    `json:"url,omitempty"`
	Mode         string    `json:"mode"`
	Channel      string    `json:"channel"`
	Reconnecting bool      `json:"reconnecting"`
	// GaveUp is set once the reconnect policy has stopped for this page load.
	GaveUp       bool      `json:"reconnect_gave_up"`
	QueueLength  int       `json:"queue_length"`
	Processing   bool      `json:"processing"`
	Retry        string    `json:"retry"`
	TryCount     int       `json:"try_count"`
	Countdown    string    `json:"countdown,omitempty"`
	CaptchaReady bool      `json:"captcha_ready"`
	Solved       bool      `json:"solved"`
	Submitted    bool      `json:"submitted"`
	RelayEnabled bool      `json:"relay_enabled"`
	BroadAccept  bool      `json:"broad_accept"`
	User         string    `json:"user,omitempty"`
	Stopped      bool      `json:"stopped"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Status returns the last published snapshot.
func (m *Machine) Status() Status {
	if s := m.status.Load(); s != nil {
		return *s
	}
	return Status{}
}

type reconnectReporter interface {
	Reconnecting() bool
	Exhausted() bool
}

// publish refreshes the snapshot. It runs on the loop after state changes.
func (m *Machine) publish() {
	ac := m.ac
	now := m.loop.Now()
	s := &Status{
		Page:         ac.Page.Kind.String(),
		URL:          ac.Page.URL,
		Mode:         ac.Mode.String(),
		Channel:      "detached",
		Retry:        ac.Retry.String(),
		TryCount:     ac.TryCount,
		CaptchaReady: ac.Flags.CaptchaReady,
		Solved:       ac.Flags.Solved,
		Submitted:    ac.Flags.Submitted,
		RelayEnabled: ac.Flags.RelayEnabled,
		BroadAccept:  ac.Flags.BroadAccept,
		User:         ac.User,
		Stopped:      m.stopped,
		UpdatedAt:    now,
	}
	if ac.Dispatcher != nil {
		s.QueueLength = ac.Dispatcher.Len()
		s.Processing = ac.Dispatcher.Processing()
	}
	if ac.Channel != nil {
		s.Channel = ac.Channel.State().String()
		if r, ok := ac.Channel.(reconnectReporter); ok {
			s.Reconnecting = r.Reconnecting()
			s.GaveUp = r.Exhausted()
		}
	}
	if ac.Countdown != nil {
		s.Countdown = ac.Countdown.Display(now, ac.Automatic())
	}
	m.status.Store(s)
}
