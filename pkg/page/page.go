// Package page defines the browser capabilities the claim state machines
// depend on. Implementations live in subpackages (rodpage for a real
// Chromium, pagetest for scripted tests).
package page

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an element does not appear in time.
	ErrNotFound = errors.New("element not found")
	// ErrURLTimeout is returned by WaitForURL when the page never reaches the
	// expected address.
	ErrURLTimeout = errors.New("timed out waiting for url")
)

// WaitUntil is the load condition a navigation waits for.
type WaitUntil int

const (
	WaitDOMContentLoaded WaitUntil = iota
	WaitLoad
	WaitNetworkIdle
)

func (w WaitUntil) String() string {
	switch w {
	case WaitLoad:
		return "load"
	case WaitNetworkIdle:
		return "networkidle"
	default:
		return "domcontentloaded"
	}
}

// Selector is an XPath expression when it starts with "/", "./" or "(",
// and a CSS selector otherwise.
type Selector string

func (s Selector) IsXPath() bool {
	v := string(s)
	return strings.HasPrefix(v, "/") || strings.HasPrefix(v, "./") || strings.HasPrefix(v, "(")
}

func (s Selector) String() string { return string(s) }

// Response is a network response observed by the page.
type Response struct {
	URL    string
	Method string
	Status int
	Body   []byte
}

// Scope is anything elements can be searched in: a page, a frame or an
// element.
type Scope interface {
	// Find waits up to timeout for the first match. A zero timeout checks once.
	Find(ctx context.Context, sel Selector, timeout time.Duration) (Element, error)
	// FindAll returns the current matches without waiting.
	FindAll(ctx context.Context, sel Selector) ([]Element, error)
	// Frame resolves an iframe element to the document it hosts.
	Frame(ctx context.Context, sel Selector, timeout time.Duration) (Scope, error)
}

type Element interface {
	Scope
	Click(ctx context.Context, timeout time.Duration) error
	// Fill clears the field and types text into it.
	Fill(ctx context.Context, text string) error
	Text(ctx context.Context) (string, error)
	Attribute(ctx context.Context, name string) (string, bool, error)
	Visible(ctx context.Context) (bool, error)
	Enabled(ctx context.Context) (bool, error)
}

type Page interface {
	Scope
	Navigate(ctx context.Context, url string, until WaitUntil) error
	Reload(ctx context.Context, until WaitUntil) error
	URL() string
	// WaitForURL waits until the page address starts with prefix.
	WaitForURL(ctx context.Context, prefix string, timeout time.Duration) error
	// Sleep is a timed wait that honours ctx.
	Sleep(ctx context.Context, d time.Duration) error
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	// OnResponse registers fn for every response until the returned cancel
	// func is called. fn runs on the driver's event goroutine.
	OnResponse(fn func(Response)) (cancel func())
	Screenshot(ctx context.Context, path string) error
}

// Exists reports whether sel matches within timeout.
func Exists(ctx context.Context, s Scope, sel Selector, timeout time.Duration) bool {
	_, err := s.Find(ctx, sel, timeout)
	return err == nil
}

// VisibleWithin reports whether sel matches a visible element within timeout.
func VisibleWithin(ctx context.Context, s Scope, sel Selector, timeout time.Duration) bool {
	el, err := s.Find(ctx, sel, timeout)
	if err != nil {
		return false
	}
	v, err := el.Visible(ctx)
	return err == nil && v
}

// ClickIfPresent clicks sel when it shows up within timeout and reports
// whether a click happened.
func ClickIfPresent(ctx context.Context, s Scope, sel Selector, timeout time.Duration) bool {
	el, err := s.Find(ctx, sel, timeout)
	if err != nil {
		return false
	}
	return el.Click(ctx, timeout) == nil
}

// TextOf returns the text of the first match, or "" when nothing matches.
func TextOf(ctx context.Context, s Scope, sel Selector, timeout time.Duration) string {
	el, err := s.Find(ctx, sel, timeout)
	if err != nil {
		return ""
	}
	t, err := el.Text(ctx)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(t)
}

// JoinedText concatenates the text of every current match.
func JoinedText(ctx context.Context, s Scope, sel Selector) string {
	els, err := s.FindAll(ctx, sel)
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, el := range els {
		if t, err := el.Text(ctx); err == nil {
			b.WriteString(t)
			b.WriteByte(' ')
		}
	}
	return strings.TrimSpace(b.String())
}

// LoggedIn reads the session indicator attribute. A missing indicator counts
// as logged out.
func LoggedIn(ctx context.Context, s Scope, sel Selectors, timeout time.Duration) bool {
	el, err := s.Find(ctx, sel.LoginIndicator, timeout)
	if err != nil {
		return false
	}
	v, ok, err := el.Attribute(ctx, sel.LoginAttribute)
	return err == nil && ok && strings.EqualFold(strings.TrimSpace(v), "true")
}
