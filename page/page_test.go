package page

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestPage creates a ChromePage bound to ctx without a running browser.
func newTestPage(ctx context.Context) *ChromePage {
	return &ChromePage{ctx: ctx, timeout: time.Second, logger: zap.NewNop()}
}

func TestQuote_RoundTripsSelectors(t *testing.T) {
	for _, sel := range []string{
		`input[name="csrfmiddlewaretoken"]`,
		`#id_captcha_0`,
		"a'b\\c",
		"</script>",
	} {
		var back string
		require.NoError(t, json.Unmarshal([]byte(quote(sel)), &back))
		assert.Equal(t, sel, back)
	}
}

func TestDefaultSelectors_AllSet(t *testing.T) {
	v := reflect.ValueOf(DefaultSelectors())
	for i := 0; i < v.NumField(); i++ {
		assert.NotEmpty(t, v.Field(i).String(), v.Type().Field(i).Name)
	}
}

func TestDefaultBrowserConfig(t *testing.T) {
	cfg := DefaultBrowserConfig()
	assert.False(t, cfg.Headless)
	assert.Equal(t, 15*time.Second, cfg.ActionTimeout)
}

func TestChromePage_CloseViews(t *testing.T) {
	p := newTestPage(context.Background())
	closed := 0
	p.views = []context.CancelFunc{func() { closed++ }, func() { closed++ }}

	p.CloseViews()
	p.CloseViews()
	assert.Equal(t, 2, closed, "views are closed once")
}

func TestChromePage_ActionContextFollowsCaller(t *testing.T) {
	p := newTestPage(context.Background())
	opCtx, cancel := context.WithCancel(context.Background())
	runCtx, stop := p.actionContext(opCtx)
	defer stop()

	cancel()
	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("action context outlived the caller")
	}
}

func TestChromePage_ActionContextTimeout(t *testing.T) {
	p := newTestPage(context.Background())
	p.timeout = 10 * time.Millisecond
	runCtx, stop := p.actionContext(context.Background())
	defer stop()

	<-runCtx.Done()
	assert.ErrorIs(t, runCtx.Err(), context.DeadlineExceeded)
}

func TestBrowser_WaitLoadStopsWithTab(t *testing.T) {
	tabCtx, cancel := context.WithCancel(context.Background())
	cancel()
	b := &Browser{logger: zap.NewNop()}

	_, err := b.WaitLoad(context.Background(), newTestPage(tabCtx), "https://forms.example.test/")
	assert.ErrorIs(t, err, context.Canceled)

	// 未启动的浏览器关闭不应 panic
	b.Close()
}

func TestChromePage_ClickWatchersBySelector(t *testing.T) {
	p := newTestPage(context.Background())
	var final, other int

	stopFinal, listen := p.addWatcher("#final-form-submit", func() { final++ })
	assert.True(t, listen, "first watcher attaches the binding listener")
	_, listen = p.addWatcher("#other", func() { other++ })
	assert.False(t, listen)

	p.fireClick("#final-form-submit")
	p.fireClick("#final-form-submit")
	p.fireClick("#unknown")
	assert.Equal(t, 2, final)
	assert.Equal(t, 0, other)

	stopFinal()
	p.fireClick("#final-form-submit")
	assert.Equal(t, 2, final, "stopped watcher is not called")
}
