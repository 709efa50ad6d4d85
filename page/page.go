// Package page is the I/O boundary to the browser page the engine drives.
package page

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

// ErrNoElement is returned when a selector matches nothing.
var ErrNoElement = errors.New("page: no element matches selector")

// Page is the page-level collaborator. Every call may block on the browser and
// must run off the event loop.
type Page interface {
	// URL returns the current document address.
	URL(ctx context.Context) (string, error)
	Exists(ctx context.Context, selector string) (bool, error)
	Value(ctx context.Context, selector string) (string, error)
	// SetValue assigns the value and fires input and change events.
	SetValue(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	SetDisabled(ctx context.Context, selector string, disabled bool) error
	SetAttribute(ctx context.Context, selector, name, value string) error
	Attribute(ctx context.Context, selector, name string) (string, bool, error)
	// CanvasPNG draws the image element onto a canvas and returns PNG bytes.
	// A nil slice with a nil error means the canvas produced no data.
	CanvasPNG(ctx context.Context, selector string) ([]byte, error)
	// ReplaceImage swaps the image element's source for the PNG data.
	ReplaceImage(ctx context.Context, selector string, png []byte) error
	// OpenView opens a new view showing html with address as its location.
	OpenView(ctx context.Context, address string, html []byte) error
	Reload(ctx context.Context) error
	Stop(ctx context.Context) error
	Close(ctx context.Context) error
	// Blank replaces the document body with nothing.
	Blank(ctx context.Context) error
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	SetCookie(ctx context.Context, c *http.Cookie) error
	// FormValues returns the text entries the form would submit.
	FormValues(ctx context.Context, selector string) (url.Values, error)
}

// ClickWatcher is implemented by pages that observe clicks made inside the
// document, whether by the operator or by script.
type ClickWatcher interface {
	// WatchClicks calls fn off the event loop each time an element matching
	// selector is clicked. The returned stop function unregisters fn.
	WatchClicks(ctx context.Context, selector string, fn func()) (stop func(), err error)
}

// Selectors names the page elements the engine reads and writes.
type Selectors struct {
	Form             string `yaml:"form" json:"form"`
	FirstName        string `yaml:"first_name" json:"first_name"`
	ActivationKey    string `yaml:"activation_key" json:"activation_key"`
	VisaType         string `yaml:"visa_type" json:"visa_type"`
	CaptchaImage     string `yaml:"captcha_image" json:"captcha_image"`
	Challenge        string `yaml:"challenge" json:"challenge"`
	Solution         string `yaml:"solution" json:"solution"`
	FirstSubmit      string `yaml:"first_submit" json:"first_submit"`
	ConfirmSubmit    string `yaml:"confirm_submit" json:"confirm_submit"`
	FinalSubmit      string `yaml:"final_submit" json:"final_submit"`
	Email            string `yaml:"email" json:"email"`
	Passport         string `yaml:"passport" json:"passport"`
	TrackCode        string `yaml:"track_code" json:"track_code"`
	Category         string `yaml:"category" json:"category"`
	Subcategory      string `yaml:"subcategory" json:"subcategory"`
	ComboCategory    string `yaml:"combo_category" json:"combo_category"`
	CSRF             string `yaml:"csrf" json:"csrf"`
	LinkInput        string `yaml:"link_input" json:"link_input"`
	Success          string `yaml:"success" json:"success"`
	Failure          string `yaml:"failure" json:"failure"`
	Waiting          string `yaml:"waiting" json:"waiting"`
	WaitingClassName string `yaml:"waiting_class" json:"waiting_class"`
}

// DefaultSelectors matches the reference form.
func DefaultSelectors() Selectors {
	return Selectors{
		Form:             "#register_form",
		FirstName:        "#id_first_name",
		ActivationKey:    "#id_activation_key",
		VisaType:         "#id_visa_type",
		CaptchaImage:     ".ecaptcha",
		Challenge:        "#id_captcha_0",
		Solution:         "#id_captcha_1",
		FirstSubmit:      "#first_step_submit_btn",
		ConfirmSubmit:    "#first_step_submit",
		FinalSubmit:      "#final-form-submit",
		Email:            "#id_email",
		Passport:         "#id_passport_number",
		TrackCode:        "#id_track_code",
		Category:         "#id_issuer_agent",
		Subcategory:      "#id_visa_type",
		ComboCategory:    "#id_issuer_agent_id",
		CSRF:             `input[name="csrfmiddlewaretoken"]`,
		LinkInput:        "#myInput",
		Success:          "#printable-area",
		Failure:          "#go_to_track",
		Waiting:          ".error-section--waiting",
		WaitingClassName: "error-section--waiting",
	}
}
