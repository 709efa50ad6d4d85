package automation

import (
	"fmt"
	"time"

	"github.com/BaSui01/formrelay/dispatch"
	"github.com/BaSui01/formrelay/internal/eventloop"
	"github.com/BaSui01/formrelay/realtime"
	"github.com/BaSui01/formrelay/session"
)

// Mode is the manual/automatic hand-off state.
type Mode int

const (
	Manual Mode = iota
	Automatic
)

func (m Mode) String() string {
	if m == Automatic {
		return "automatic"
	}
	return "manual"
}

// RetryState is the state of the resubmission loop.
type RetryState int

const (
	RetryIdle RetryState = iota
	RetryStarted
	RetryStopped
)

func (s RetryState) String() string {
	switch s {
	case RetryStarted:
		return "started"
	case RetryStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Flags are the per-page-load booleans the handlers coordinate through.
type Flags struct {
	// Submitted is set once a command code has been acted on.
	Submitted    bool
	CaptchaReady bool
	Solving      bool
	Solved       bool
	// Submitting is set while the retry loop runs.
	Submitting   bool
	RelayEnabled bool
	BroadAccept  bool
}

// Channel is the part of the realtime client the machine drives.
type Channel interface {
	Connect()
	Disconnect()
	Connected() bool
	State() realtime.State
}

// Context is the state owned by one page load. It is only touched on the
// event loop.
type Context struct {
	Policy   session.Policy
	User     string
	Mode     Mode
	Page     Classification
	Flags    Flags
	Retry    RetryState
	TryCount int
	// Countdown is the most recently armed countdown, nil when none.
	Countdown *Countdown
	// ConfirmLink is the link wired into the confirmation form.
	ConfirmLink string

	Dispatcher *dispatch.Dispatcher
	Channel    Channel

	timers []eventloop.Timer
}

// NewContext creates the context for one page load.
func NewContext(profile session.Profile) *Context {
	mode := Manual
	if profile.Policy.Automatic {
		mode = Automatic
	}
	return &Context{
		Policy: profile.Policy,
		User:   profile.User,
		Mode:   mode,
	}
}

// Automatic reports whether the page is in automatic mode.
func (c *Context) Automatic() bool { return c.Mode == Automatic }

// Track registers t so that StopTimers clears it, and returns it.
func (c *Context) Track(t eventloop.Timer) eventloop.Timer {
	c.timers = append(c.timers, t)
	return t
}

// StopTimers stops every tracked timer.
func (c *Context) StopTimers() {
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
}

// Target describes this page to the acceptance predicate.
func (c *Context) Target() dispatch.Target {
	return dispatch.Target{
		Confirmation: c.Page.Kind == Confirmation,
		Group:        c.Policy.ConfirmGroup,
		RelayEnabled: c.Flags.RelayEnabled,
		BroadAccept:  c.Flags.BroadAccept,
	}
}

// Countdown is a wall-clock deadline with a display label. Switching to
// manual mode only changes the display; the deadline is not pause-aware.
type Countdown struct {
	Note     string
	Deadline time.Time
	timer    eventloop.Timer
}

// Display renders the countdown the way the status indicator shows it.
func (c *Countdown) Display(now time.Time, automatic bool) string {
	if !automatic {
		return "PAUSED - " + c.Note
	}
	remaining := c.Deadline.Sub(now)
	if remaining <= 0 {
		return "DONE - " + c.Note
	}
	minutes := int(remaining / time.Minute)
	seconds := int(remaining%time.Minute) / int(time.Second)
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds - %s", minutes, seconds, c.Note)
	}
	return fmt.Sprintf("%ds - %s", seconds, c.Note)
}
