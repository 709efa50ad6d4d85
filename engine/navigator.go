package engine

import (
	"context"

	"github.com/BaSui01/formrelay/page"
)

// chromeNavigator 把 chromedp 浏览器的一个标签页适配为 Navigator
type chromeNavigator struct {
	browser *page.Browser
	tab     *page.ChromePage
}

// BrowserNavigator 驱动 browser 的标签页 tab
func BrowserNavigator(browser *page.Browser, tab *page.ChromePage) Navigator {
	return &chromeNavigator{browser: browser, tab: tab}
}

func (n *chromeNavigator) Page() page.Page { return n.tab }

func (n *chromeNavigator) WaitLoad(ctx context.Context, from string) (string, error) {
	return n.browser.WaitLoad(ctx, n.tab, from)
}
