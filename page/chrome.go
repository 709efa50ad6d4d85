package page

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// BrowserConfig configures the Chrome process.
type BrowserConfig struct {
	ExecPath        string        `yaml:"exec_path" json:"exec_path" env:"EXEC_PATH"`
	Headless        bool          `yaml:"headless" json:"headless" env:"HEADLESS"`
	UserDataDir     string        `yaml:"user_data_dir" json:"user_data_dir" env:"USER_DATA_DIR"`
	Proxy           string        `yaml:"proxy" json:"proxy" env:"PROXY"`
	IgnoreTLSErrors bool          `yaml:"ignore_tls_errors" json:"ignore_tls_errors"`
	StartURL        string        `yaml:"start_url" json:"start_url" env:"START_URL"`
	ActionTimeout   time.Duration `yaml:"action_timeout" json:"action_timeout"`
}

// DefaultBrowserConfig returns a headed browser with a 15s action timeout.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{ActionTimeout: 15 * time.Second}
}

// Browser owns the Chrome process.
type Browser struct {
	cfg          BrowserConfig
	allocCtx     context.Context
	allocCancel  context.CancelFunc
	browserCtx   context.Context
	browserClose context.CancelFunc
	logger       *zap.Logger
}

// NewBrowser starts Chrome.
func NewBrowser(ctx context.Context, cfg BrowserConfig, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultBrowserConfig().ActionTimeout
	}
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.Proxy))
	}
	opts = append(opts,
		chromedp.Flag("ignore-certificate-errors", cfg.IgnoreTLSErrors),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-default-apps", true),
	)

	b := &Browser{cfg: cfg, logger: logger.With(zap.String("component", "browser"))}
	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	b.browserCtx, b.browserClose = chromedp.NewContext(b.allocCtx,
		chromedp.WithLogf(b.logger.Sugar().Debugf),
		chromedp.WithErrorf(b.logger.Sugar().Errorf),
	)
	// 启动浏览器进程
	if err := chromedp.Run(b.browserCtx); err != nil {
		b.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	b.logger.Info("browser started", zap.Bool("headless", cfg.Headless))
	return b, nil
}

// FirstPage returns the initial tab.
func (b *Browser) FirstPage() *ChromePage {
	return &ChromePage{ctx: b.browserCtx, timeout: b.cfg.ActionTimeout, logger: b.logger}
}

// Navigate loads url in p and waits for the body.
func (b *Browser) Navigate(ctx context.Context, p *ChromePage, address string) error {
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Navigate(address), chromedp.WaitReady("body", chromedp.ByQuery))
}

// WaitLoad blocks until p navigates away from from and the new document is
// ready.
func (b *Browser) WaitLoad(ctx context.Context, p *ChromePage, from string) (string, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-p.ctx.Done():
			return "", p.ctx.Err()
		case <-ticker.C:
			u, err := p.URL(ctx)
			if err != nil || u == from {
				continue
			}
			var ready string
			runCtx, cancel := p.actionContext(ctx)
			err = chromedp.Run(runCtx, chromedp.Evaluate(`document.readyState`, &ready))
			cancel()
			if err == nil && ready == "complete" {
				return u, nil
			}
		}
	}
}

// Close terminates Chrome.
func (b *Browser) Close() {
	if b.browserClose != nil {
		b.browserClose()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
}

// ChromePage drives one tab through the DevTools protocol.
type ChromePage struct {
	ctx     context.Context
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	views []context.CancelFunc

	// 点击监听：selector -> id -> 回调
	watchMu   sync.Mutex
	watchers  map[string]map[int]func()
	watchSeq  int
	listening bool
}

var (
	_ Page         = (*ChromePage)(nil)
	_ ClickWatcher = (*ChromePage)(nil)
)

func (p *ChromePage) actionContext(opCtx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(p.ctx, p.timeout)
	go func() {
		select {
		case <-opCtx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()
	return runCtx, cancel
}

type evalResult struct {
	Found bool   `json:"found"`
	Value string `json:"value"`
	OK    bool   `json:"ok"`
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// eval runs body with el bound to the first match of selector.
func (p *ChromePage) eval(ctx context.Context, selector, body string) (evalResult, error) {
	script := fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (!el) return {found: false, value: "", ok: false};
	%s
})()`, quote(selector), body)
	var res evalResult
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &res)); err != nil {
		return evalResult{}, fmt.Errorf("evaluate on %s: %w", selector, err)
	}
	return res, nil
}

func (p *ChromePage) mustFind(ctx context.Context, selector, body string) (evalResult, error) {
	res, err := p.eval(ctx, selector, body)
	if err != nil {
		return res, err
	}
	if !res.Found {
		return res, fmt.Errorf("%w: %s", ErrNoElement, selector)
	}
	return res, nil
}

func (p *ChromePage) URL(ctx context.Context) (string, error) {
	var u string
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Location(&u)); err != nil {
		return "", err
	}
	return u, nil
}

func (p *ChromePage) Exists(ctx context.Context, selector string) (bool, error) {
	res, err := p.eval(ctx, selector, `return {found: true, value: "", ok: true};`)
	return res.Found, err
}

func (p *ChromePage) Value(ctx context.Context, selector string) (string, error) {
	res, err := p.mustFind(ctx, selector, `return {found: true, value: String(el.value ?? ""), ok: true};`)
	return res.Value, err
}

func (p *ChromePage) SetValue(ctx context.Context, selector, value string) error {
	_, err := p.mustFind(ctx, selector, fmt.Sprintf(`el.value = %s;
	el.dispatchEvent(new Event("input", {bubbles: true}));
	el.dispatchEvent(new Event("change", {bubbles: true}));
	return {found: true, value: "", ok: true};`, quote(value)))
	return err
}

func (p *ChromePage) Click(ctx context.Context, selector string) error {
	_, err := p.mustFind(ctx, selector, `el.click(); return {found: true, value: "", ok: true};`)
	return err
}

// clickBinding is the page binding that click listeners report through.
const clickBinding = "__formrelayClick"

// WatchClicks installs a capturing document listener that reports clicks on
// selector through a runtime binding. The listener lives as long as the
// document; call it again after navigation.
func (p *ChromePage) WatchClicks(ctx context.Context, selector string, fn func()) (func(), error) {
	stop, listen := p.addWatcher(selector, fn)
	if listen {
		chromedp.ListenTarget(p.ctx, func(ev any) {
			if e, ok := ev.(*cdpruntime.EventBindingCalled); ok && e.Name == clickBinding {
				p.fireClick(e.Payload)
			}
		})
	}

	script := fmt.Sprintf(`(() => {
	const sel = %s;
	window.__formrelayWatched = window.__formrelayWatched || {};
	if (window.__formrelayWatched[sel]) return true;
	window.__formrelayWatched[sel] = true;
	document.addEventListener("click", (e) => {
		if (e.target && e.target.closest && e.target.closest(sel)) window[%s](sel);
	}, true);
	return true;
})()`, quote(selector), quote(clickBinding))

	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	err := chromedp.Run(runCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return cdpruntime.AddBinding(clickBinding).Do(ctx)
		}),
		chromedp.Evaluate(script, nil),
	)
	if err != nil {
		stop()
		return nil, fmt.Errorf("watch clicks on %s: %w", selector, err)
	}
	return stop, nil
}

// addWatcher registers fn and reports whether the binding listener still
// needs to be attached.
func (p *ChromePage) addWatcher(selector string, fn func()) (stop func(), listen bool) {
	p.watchMu.Lock()
	defer p.watchMu.Unlock()
	if p.watchers == nil {
		p.watchers = make(map[string]map[int]func())
	}
	if p.watchers[selector] == nil {
		p.watchers[selector] = make(map[int]func())
	}
	p.watchSeq++
	id := p.watchSeq
	p.watchers[selector][id] = fn
	listen = !p.listening
	p.listening = true
	return func() {
		p.watchMu.Lock()
		delete(p.watchers[selector], id)
		p.watchMu.Unlock()
	}, listen
}

func (p *ChromePage) fireClick(selector string) {
	p.watchMu.Lock()
	fns := make([]func(), 0, len(p.watchers[selector]))
	for _, fn := range p.watchers[selector] {
		fns = append(fns, fn)
	}
	p.watchMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (p *ChromePage) SetDisabled(ctx context.Context, selector string, disabled bool) error {
	_, err := p.mustFind(ctx, selector, fmt.Sprintf(`el.disabled = %t; return {found: true, value: "", ok: true};`, disabled))
	return err
}

func (p *ChromePage) SetAttribute(ctx context.Context, selector, name, value string) error {
	_, err := p.mustFind(ctx, selector, fmt.Sprintf(`el.setAttribute(%s, %s); return {found: true, value: "", ok: true};`, quote(name), quote(value)))
	return err
}

func (p *ChromePage) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	res, err := p.eval(ctx, selector, fmt.Sprintf(`const v = el.getAttribute(%s);
	return {found: true, value: v ?? "", ok: v !== null};`, quote(name)))
	if err != nil {
		return "", false, err
	}
	return res.Value, res.Found && res.OK, nil
}

func (p *ChromePage) CanvasPNG(ctx context.Context, selector string) ([]byte, error) {
	res, err := p.mustFind(ctx, selector, `const c = document.createElement("canvas");
	c.width = el.naturalWidth; c.height = el.naturalHeight;
	if (!c.width || !c.height) return {found: true, value: "", ok: false};
	try {
		c.getContext("2d").drawImage(el, 0, 0);
		return {found: true, value: c.toDataURL("image/png"), ok: true};
	} catch (e) {
		return {found: true, value: "", ok: false};
	}`)
	if err != nil || !res.OK {
		return nil, err
	}
	_, data, ok := strings.Cut(res.Value, "base64,")
	if !ok || data == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(data)
}

func (p *ChromePage) ReplaceImage(ctx context.Context, selector string, png []byte) error {
	src := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	_, err := p.mustFind(ctx, selector, fmt.Sprintf(`el.src = %s; return {found: true, value: "", ok: true};`, quote(src)))
	return err
}

// FormValues collects the text entries of the form matched by selector the
// way the browser would submit them. File inputs are skipped.
func (p *ChromePage) FormValues(ctx context.Context, selector string) (url.Values, error) {
	res, err := p.mustFind(ctx, selector, `if (!(el instanceof HTMLFormElement)) return {found: true, value: "[]", ok: false};
	const out = [];
	for (const [k, v] of new FormData(el).entries()) {
		if (typeof v === "string") out.push([k, v]);
	}
	return {found: true, value: JSON.stringify(out), ok: true};`)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, fmt.Errorf("%s is not a form", selector)
	}
	var pairs [][2]string
	if err := json.Unmarshal([]byte(res.Value), &pairs); err != nil {
		return nil, fmt.Errorf("decode form entries: %w", err)
	}
	values := url.Values{}
	for _, kv := range pairs {
		values.Add(kv[0], kv[1])
	}
	return values, nil
}

// OpenView opens a new tab, writes html into it and rewrites its history entry
// to address.
func (p *ChromePage) OpenView(ctx context.Context, address string, html []byte) error {
	tabCtx, closeTab := chromedp.NewContext(p.ctx)
	p.mu.Lock()
	p.views = append(p.views, closeTab)
	p.mu.Unlock()
	runCtx, cancel := context.WithTimeout(tabCtx, p.timeout)
	defer cancel()
	return chromedp.Run(runCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := cdppage.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return cdppage.SetDocumentContent(tree.Frame.ID, string(html)).Do(ctx)
		}),
		chromedp.Evaluate(fmt.Sprintf(`history.pushState({}, "", %s)`, quote(address)), nil),
	)
}

func (p *ChromePage) Reload(ctx context.Context) error {
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Reload())
}

func (p *ChromePage) Stop(ctx context.Context) error {
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return cdppage.StopLoading().Do(ctx)
	}))
}

// CloseViews closes every tab opened through OpenView.
func (p *ChromePage) CloseViews() {
	p.mu.Lock()
	views := p.views
	p.views = nil
	p.mu.Unlock()
	for _, closeTab := range views {
		closeTab()
	}
}

func (p *ChromePage) Close(ctx context.Context) error {
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return cdppage.Close().Do(ctx)
	}))
}

func (p *ChromePage) Blank(ctx context.Context) error {
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Evaluate(`document.body.innerHTML = ""`, nil))
}

func (p *ChromePage) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	var raw []*network.Cookie
	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	out := make([]*http.Cookie, 0, len(raw))
	for _, c := range raw {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		out = append(out, hc)
	}
	return out, nil
}

// SetCookie writes c into the browser cookie store. A cookie without a domain
// is scoped to the current document.
func (p *ChromePage) SetCookie(ctx context.Context, c *http.Cookie) error {
	path := c.Path
	if path == "" {
		path = "/"
	}
	params := network.SetCookie(c.Name, c.Value).
		WithPath(path).
		WithSecure(c.Secure).
		WithHTTPOnly(c.HttpOnly).
		WithSameSite(network.CookieSameSiteLax)
	if c.Domain != "" {
		params = params.WithDomain(c.Domain)
	} else {
		u, err := p.URL(ctx)
		if err != nil {
			return err
		}
		params = params.WithURL(u)
	}

	runCtx, cancel := p.actionContext(ctx)
	defer cancel()
	return chromedp.Run(runCtx, params)
}
