// =============================================================================
// 📄 MockPage - 页面 I/O 模拟实现
// =============================================================================
// 内存中的页面模型：按选择器保存元素的值、禁用状态与属性，
// 记录每一次调用，支持按操作注入错误
//
// 使用方法:
//
//	p := mocks.NewMockPage("https://x.test/confirm/").
//		WithElement("#id_captcha_0", "").
//		WithError("Click", errors.New("detached"))
// =============================================================================
package mocks

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/BaSui01/formrelay/page"
)

// Element 是模拟页面上的一个元素
type Element struct {
	Value    string
	Disabled bool
	Attrs    map[string]string
	Canvas   []byte
	Image    []byte
}

// View 记录 OpenView 打开的新视图
type View struct {
	Address string
	HTML    string
}

// Call 记录一次页面调用
type Call struct {
	Op       string
	Selector string
	Value    string
}

// MockPage 是 page.Page 的模拟实现
type MockPage struct {
	mu sync.Mutex

	url      string
	elements map[string]*Element
	cookies  []*http.Cookie
	forms    map[string]url.Values
	errs     map[string]error

	calls   []Call
	views   []View
	reloads int
	stops   int
	closes  int
	blanks  int

	watchers map[string]map[int]func()
	watchSeq int

	// OnClick 在点击时回调，用于模拟表单提交引起的页面变化
	OnClick func(selector string)
}

var (
	_ page.Page         = (*MockPage)(nil)
	_ page.ClickWatcher = (*MockPage)(nil)
)

// =============================================================================
// 🔧 构造函数和 Builder 方法
// =============================================================================

// NewMockPage 创建新的 MockPage
func NewMockPage(pageURL string) *MockPage {
	return &MockPage{
		url:      pageURL,
		elements: make(map[string]*Element),
		forms:    make(map[string]url.Values),
		errs:     make(map[string]error),
	}
}

// WithElement 添加元素
func (m *MockPage) WithElement(selector, value string) *MockPage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.elements[selector] = &Element{Value: value, Attrs: map[string]string{}}
	return m
}

// WithAttribute 设置元素属性
func (m *MockPage) WithAttribute(selector, name, value string) *MockPage {
	m.mu.Lock()
	defer m.mu.Unlock()
	el := m.ensure(selector)
	el.Attrs[name] = value
	return m
}

// WithCanvas 设置图片元素的画布数据
func (m *MockPage) WithCanvas(selector string, png []byte) *MockPage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(selector).Canvas = png
	return m
}

// WithCookies 设置页面 Cookie
func (m *MockPage) WithCookies(cookies ...*http.Cookie) *MockPage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cookies = cookies
	return m
}

// WithForm 设置表单提交时的字段，同时创建表单元素
func (m *MockPage) WithForm(selector string, values url.Values) *MockPage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(selector)
	m.forms[selector] = values
	return m
}

// WithError 为指定操作注入错误
func (m *MockPage) WithError(op string, err error) *MockPage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[op] = err
	return m
}

// Remove 删除元素
func (m *MockPage) Remove(selector string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.elements, selector)
}

// SetURL 修改当前地址
func (m *MockPage) SetURL(pageURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.url = pageURL
}

func (m *MockPage) ensure(selector string) *Element {
	el, ok := m.elements[selector]
	if !ok {
		el = &Element{Attrs: map[string]string{}}
		m.elements[selector] = el
	}
	return el
}

func (m *MockPage) record(op, selector, value string) error {
	m.calls = append(m.calls, Call{Op: op, Selector: selector, Value: value})
	return m.errs[op]
}

func (m *MockPage) find(selector string) (*Element, error) {
	el, ok := m.elements[selector]
	if !ok {
		return nil, fmt.Errorf("%w: %s", page.ErrNoElement, selector)
	}
	return el, nil
}

// =============================================================================
// 📄 page.Page 实现
// =============================================================================

func (m *MockPage) URL(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url, m.errs["URL"]
}

func (m *MockPage) Exists(ctx context.Context, selector string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["Exists"]; err != nil {
		return false, err
	}
	_, ok := m.elements[selector]
	return ok, nil
}

func (m *MockPage) Value(ctx context.Context, selector string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["Value"]; err != nil {
		return "", err
	}
	el, err := m.find(selector)
	if err != nil {
		return "", err
	}
	return el.Value, nil
}

func (m *MockPage) SetValue(ctx context.Context, selector, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("SetValue", selector, value); err != nil {
		return err
	}
	el, err := m.find(selector)
	if err != nil {
		return err
	}
	el.Value = value
	return nil
}

func (m *MockPage) Click(ctx context.Context, selector string) error {
	m.mu.Lock()
	if err := m.record("Click", selector, ""); err != nil {
		m.mu.Unlock()
		return err
	}
	if _, err := m.find(selector); err != nil {
		m.mu.Unlock()
		return err
	}
	hook := m.OnClick
	watchers := make([]func(), 0, len(m.watchers[selector]))
	for _, fn := range m.watchers[selector] {
		watchers = append(watchers, fn)
	}
	m.mu.Unlock()
	if hook != nil {
		hook(selector)
	}
	for _, fn := range watchers {
		fn()
	}
	return nil
}

// WatchClicks 注册点击监听，Click 命中选择器时回调
func (m *MockPage) WatchClicks(ctx context.Context, selector string, fn func()) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("WatchClicks", selector, ""); err != nil {
		return nil, err
	}
	if m.watchers == nil {
		m.watchers = make(map[string]map[int]func())
	}
	if m.watchers[selector] == nil {
		m.watchers[selector] = make(map[int]func())
	}
	m.watchSeq++
	id := m.watchSeq
	m.watchers[selector][id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers[selector], id)
	}, nil
}

// Watching 返回选择器上仍在生效的点击监听数量
func (m *MockPage) Watching(selector string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers[selector])
}

func (m *MockPage) SetDisabled(ctx context.Context, selector string, disabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("SetDisabled", selector, fmt.Sprint(disabled)); err != nil {
		return err
	}
	el, err := m.find(selector)
	if err != nil {
		return err
	}
	el.Disabled = disabled
	return nil
}

func (m *MockPage) SetAttribute(ctx context.Context, selector, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("SetAttribute", selector, name+"="+value); err != nil {
		return err
	}
	el, err := m.find(selector)
	if err != nil {
		return err
	}
	el.Attrs[name] = value
	return nil
}

func (m *MockPage) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["Attribute"]; err != nil {
		return "", false, err
	}
	el, ok := m.elements[selector]
	if !ok {
		return "", false, nil
	}
	v, ok := el.Attrs[name]
	return v, ok, nil
}

func (m *MockPage) CanvasPNG(ctx context.Context, selector string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CanvasPNG", selector, ""); err != nil {
		return nil, err
	}
	el, err := m.find(selector)
	if err != nil {
		return nil, err
	}
	return el.Canvas, nil
}

func (m *MockPage) ReplaceImage(ctx context.Context, selector string, png []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("ReplaceImage", selector, ""); err != nil {
		return err
	}
	el, err := m.find(selector)
	if err != nil {
		return err
	}
	el.Image = append([]byte(nil), png...)
	return nil
}

func (m *MockPage) OpenView(ctx context.Context, address string, html []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("OpenView", "", address); err != nil {
		return err
	}
	m.views = append(m.views, View{Address: address, HTML: string(html)})
	return nil
}

func (m *MockPage) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloads++
	return m.record("Reload", "", "")
}

func (m *MockPage) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return m.record("Stop", "", "")
}

func (m *MockPage) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return m.record("Close", "", "")
}

func (m *MockPage) Blank(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blanks++
	return m.record("Blank", "", "")
}

func (m *MockPage) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*http.Cookie(nil), m.cookies...), m.errs["Cookies"]
}

func (m *MockPage) SetCookie(ctx context.Context, c *http.Cookie) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("SetCookie", c.Name, c.Value); err != nil {
		return err
	}
	for i, existing := range m.cookies {
		if existing.Name == c.Name {
			m.cookies[i] = c
			return nil
		}
	}
	m.cookies = append(m.cookies, c)
	return nil
}

func (m *MockPage) FormValues(ctx context.Context, selector string) (url.Values, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["FormValues"]; err != nil {
		return nil, err
	}
	if _, err := m.find(selector); err != nil {
		return nil, err
	}
	out := url.Values{}
	for k, v := range m.forms[selector] {
		out[k] = append([]string(nil), v...)
	}
	return out, nil
}

// =============================================================================
// 📊 调用记录查询
// =============================================================================

// Calls 返回所有调用记录
func (m *MockPage) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CountCalls 返回指定操作和选择器的调用次数，selector 为空时只按操作统计
func (m *MockPage) CountCalls(op, selector string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op && (selector == "" || c.Selector == selector) {
			n++
		}
	}
	return n
}

// Element 返回元素快照
func (m *MockPage) Element(selector string) (Element, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.elements[selector]
	if !ok {
		return Element{}, false
	}
	cp := *el
	cp.Attrs = make(map[string]string, len(el.Attrs))
	for k, v := range el.Attrs {
		cp.Attrs[k] = v
	}
	return cp, true
}

// ValueOf 返回元素当前值
func (m *MockPage) ValueOf(selector string) string {
	el, _ := m.Element(selector)
	return el.Value
}

// Views 返回打开过的视图
func (m *MockPage) Views() []View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]View(nil), m.views...)
}

// Reloads 返回 Reload 调用次数
func (m *MockPage) Reloads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reloads
}

// Stops 返回 Stop 调用次数
func (m *MockPage) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// Closes 返回 Close 调用次数
func (m *MockPage) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// Blanks 返回 Blank 调用次数
func (m *MockPage) Blanks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blanks
}
