// Package rodpage implements page.Page on top of a Chromium instance driven
// through the DevTools protocol with go-rod.
package rodpage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/egsclaim/egsclaim/pkg/page"
)

type Options struct {
	// ControlURL connects to an already running browser instead of launching one.
	ControlURL string
	Bin        string
	Headless   bool
	// UserDataDir keeps the browser profile (and so the login session)
	// between runs.
	UserDataDir       string
	Proxy             string
	NavigationTimeout time.Duration
}

type Browser struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	opts     Options
}

// Launch starts (or connects to) a browser.
func Launch(ctx context.Context, opts Options) (*Browser, error) {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 60 * time.Second
	}

	b := &Browser{opts: opts}
	controlURL := opts.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(opts.Headless)
		if opts.Bin != "" {
			l = l.Bin(opts.Bin)
		}
		if opts.UserDataDir != "" {
			if err := os.MkdirAll(opts.UserDataDir, 0o700); err != nil {
				return nil, fmt.Errorf("create user data dir: %w", err)
			}
			l = l.UserDataDir(opts.UserDataDir)
		}
		if opts.Proxy != "" {
			l = l.Proxy(opts.Proxy)
		}
		u, err := l.Context(ctx).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		b.launcher = l
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		if b.launcher != nil {
			b.launcher.Kill()
		}
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	b.browser = browser
	return b, nil
}

// NewPage opens a blank tab.
func (b *Browser) NewPage(ctx context.Context) (*Page, error) {
	p, err := b.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	if err := (proto.NetworkEnable{}).Call(p); err != nil {
		return nil, fmt.Errorf("enable network events: %w", err)
	}
	return &Page{p: p, navTimeout: b.opts.NavigationTimeout}, nil
}

func (b *Browser) Close() error {
	var err error
	if b.browser != nil {
		err = b.browser.Close()
	}
	if b.launcher != nil {
		b.launcher.Kill()
		if b.opts.UserDataDir == "" {
			b.launcher.Cleanup()
		}
	}
	return err
}

// Page is a browser tab.
type Page struct {
	p          *rod.Page
	navTimeout time.Duration
	mu         sync.Mutex
}

var _ page.Page = (*Page)(nil)

func (p *Page) Navigate(ctx context.Context, url string, until page.WaitUntil) error {
	rp := p.p.Context(ctx).Timeout(p.navTimeout)
	var wait func()
	switch until {
	case page.WaitNetworkIdle:
		wait = rp.WaitRequestIdle(500*time.Millisecond, nil, nil, nil)
	case page.WaitDOMContentLoaded:
		wait = rp.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	}
	if err := rp.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if until == page.WaitLoad {
		if err := rp.WaitLoad(); err != nil {
			return fmt.Errorf("wait for load of %s: %w", url, err)
		}
		return nil
	}
	wait()
	return ctx.Err()
}

func (p *Page) Reload(ctx context.Context, until page.WaitUntil) error {
	rp := p.p.Context(ctx).Timeout(p.navTimeout)
	wait := rp.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := rp.Reload(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	wait()
	if until == page.WaitLoad || until == page.WaitNetworkIdle {
		return rp.WaitLoad()
	}
	return nil
}

func (p *Page) URL() string {
	info, err := p.p.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *Page) WaitForURL(ctx context.Context, prefix string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

	for {
		if strings.HasPrefix(p.URL(), prefix) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s (at %s)", page.ErrURLTimeout, prefix, p.URL())
		case <-tick.C:
		}
	}
}

func (p *Page) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Page) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	cookies, err := p.p.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
			Expires:  time.Unix(int64(c.Expires), 0),
		})
	}
	return out, nil
}

func (p *Page) Screenshot(ctx context.Context, path string) error {
	img, err := p.p.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return fmt.Errorf("capture screenshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, img, 0o644)
}

func (p *Page) Find(ctx context.Context, sel page.Selector, timeout time.Duration) (page.Element, error) {
	return pageScope{p.p}.Find(ctx, sel, timeout)
}

func (p *Page) FindAll(ctx context.Context, sel page.Selector) ([]page.Element, error) {
	return pageScope{p.p}.FindAll(ctx, sel)
}

func (p *Page) Frame(ctx context.Context, sel page.Selector, timeout time.Duration) (page.Scope, error) {
	return pageScope{p.p}.Frame(ctx, sel, timeout)
}

// pageScope searches a top-level document or an iframe's document.
type pageScope struct {
	p *rod.Page
}

func (s pageScope) Find(ctx context.Context, sel page.Selector, timeout time.Duration) (page.Element, error) {
	rp := s.p.Context(ctx)
	var (
		el  *rod.Element
		err error
	)
	if timeout <= 0 {
		var has bool
		if sel.IsXPath() {
			has, el, err = rp.HasX(string(sel))
		} else {
			has, el, err = rp.Has(string(sel))
		}
		if err == nil && !has {
			return nil, fmt.Errorf("%w: %s", page.ErrNotFound, sel)
		}
	} else {
		rp = rp.Timeout(timeout)
		if sel.IsXPath() {
			el, err = rp.ElementX(string(sel))
		} else {
			el, err = rp.Element(string(sel))
		}
	}
	if err != nil {
		return nil, findErr(ctx, sel, err)
	}
	return &element{el: el}, nil
}

func (s pageScope) FindAll(ctx context.Context, sel page.Selector) ([]page.Element, error) {
	rp := s.p.Context(ctx)
	var (
		els rod.Elements
		err error
	)
	if sel.IsXPath() {
		els, err = rp.ElementsX(string(sel))
	} else {
		els, err = rp.Elements(string(sel))
	}
	if err != nil {
		return nil, findErr(ctx, sel, err)
	}
	return wrapAll(els), nil
}

func (s pageScope) Frame(ctx context.Context, sel page.Selector, timeout time.Duration) (page.Scope, error) {
	el, err := s.Find(ctx, sel, timeout)
	if err != nil {
		return nil, err
	}
	return el.(*element).frame(ctx)
}

type element struct {
	el *rod.Element
}

func (e *element) Find(ctx context.Context, sel page.Selector, timeout time.Duration) (page.Element, error) {
	re := e.el.Context(ctx)
	var (
		el  *rod.Element
		err error
	)
	if timeout <= 0 {
		var has bool
		if sel.IsXPath() {
			has, el, err = re.HasX(string(sel))
		} else {
			has, el, err = re.Has(string(sel))
		}
		if err == nil && !has {
			return nil, fmt.Errorf("%w: %s", page.ErrNotFound, sel)
		}
	} else {
		re = re.Timeout(timeout)
		if sel.IsXPath() {
			el, err = re.ElementX(string(sel))
		} else {
			el, err = re.Element(string(sel))
		}
	}
	if err != nil {
		return nil, findErr(ctx, sel, err)
	}
	return &element{el: el}, nil
}

func (e *element) FindAll(ctx context.Context, sel page.Selector) ([]page.Element, error) {
	re := e.el.Context(ctx)
	var (
		els rod.Elements
		err error
	)
	if sel.IsXPath() {
		els, err = re.ElementsX(string(sel))
	} else {
		els, err = re.Elements(string(sel))
	}
	if err != nil {
		return nil, findErr(ctx, sel, err)
	}
	return wrapAll(els), nil
}

func (e *element) Frame(ctx context.Context, sel page.Selector, timeout time.Duration) (page.Scope, error) {
	el, err := e.Find(ctx, sel, timeout)
	if err != nil {
		return nil, err
	}
	return el.(*element).frame(ctx)
}

func (e *element) frame(ctx context.Context) (page.Scope, error) {
	fp, err := e.el.Context(ctx).Frame()
	if err != nil {
		return nil, fmt.Errorf("resolve frame: %w", err)
	}
	return pageScope{fp}, nil
}

func (e *element) Click(ctx context.Context, timeout time.Duration) error {
	re := e.el.Context(ctx)
	if timeout > 0 {
		re = re.Timeout(timeout)
	}
	return re.Click(proto.InputMouseButtonLeft, 1)
}

func (e *element) Fill(ctx context.Context, text string) error {
	re := e.el.Context(ctx)
	if err := re.SelectAllText(); err != nil {
		return err
	}
	return re.Input(text)
}

func (e *element) Text(ctx context.Context) (string, error) {
	return e.el.Context(ctx).Text()
}

func (e *element) Attribute(ctx context.Context, name string) (string, bool, error) {
	v, err := e.el.Context(ctx).Attribute(name)
	if err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (e *element) Visible(ctx context.Context) (bool, error) {
	return e.el.Context(ctx).Visible()
}

func (e *element) Enabled(ctx context.Context) (bool, error) {
	disabled, err := e.el.Context(ctx).Disabled()
	return !disabled, err
}

func wrapAll(els rod.Elements) []page.Element {
	out := make([]page.Element, 0, len(els))
	for _, el := range els {
		out = append(out, &element{el: el})
	}
	return out
}

func findErr(ctx context.Context, sel page.Selector, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var notFound *rod.ElementNotFoundError
	if errors.As(err, &notFound) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", page.ErrNotFound, sel)
	}
	return fmt.Errorf("find %s: %w", sel, err)
}
