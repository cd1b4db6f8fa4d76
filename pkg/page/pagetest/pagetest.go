// Package pagetest is an in-memory page.Page for driving the claim state
// machines in tests. The DOM is a map of selector to elements; routes
// rebuild it on navigation and element click hooks script the storefront's
// reactions. Nothing waits on the wall clock: a missing element is reported
// immediately and Sleep only accumulates the requested duration.
package pagetest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/egsclaim/egsclaim/pkg/page"
)

// Doc is a set of elements addressable by selector.
type Doc struct {
	mu  sync.Mutex
	els map[page.Selector][]*Element
}

func NewDoc() *Doc {
	return &Doc{els: make(map[page.Selector][]*Element)}
}

// Set replaces the matches of sel.
func (d *Doc) Set(sel page.Selector, els ...*Element) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(els) == 0 {
		delete(d.els, sel)
		return
	}
	d.els[sel] = els
}

// Remove drops sel from the document.
func (d *Doc) Remove(sel page.Selector) {
	d.Set(sel)
}

// RemoveElement drops el from every selector it is registered under.
func (d *Doc) RemoveElement(el *Element) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for sel, list := range d.els {
		kept := list[:0:0]
		for _, e := range list {
			if e != el {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(d.els, sel)
		} else {
			d.els[sel] = kept
		}
	}
}

func (d *Doc) Has(sel page.Selector) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.els[sel]) > 0
}

func (d *Doc) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.els = make(map[page.Selector][]*Element)
}

func (d *Doc) Find(ctx context.Context, sel page.Selector, _ time.Duration) (page.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if list := d.els[sel]; len(list) > 0 {
		return list[0], nil
	}
	return nil, fmt.Errorf("%w: %s", page.ErrNotFound, sel)
}

func (d *Doc) FindAll(ctx context.Context, sel page.Selector) ([]page.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]page.Element, 0, len(d.els[sel]))
	for _, e := range d.els[sel] {
		out = append(out, e)
	}
	return out, nil
}

func (d *Doc) Frame(ctx context.Context, sel page.Selector, timeout time.Duration) (page.Scope, error) {
	el, err := d.Find(ctx, sel, timeout)
	if err != nil {
		return nil, err
	}
	e := el.(*Element)
	if e.FrameDoc == nil {
		return nil, fmt.Errorf("%w: %s is not a frame", page.ErrNotFound, sel)
	}
	return e.FrameDoc, nil
}

// Element is a scripted DOM node.
type Element struct {
	mu sync.Mutex

	TextValue string
	Attrs     map[string]string
	Hidden    bool
	Disabled  bool
	Value     string
	// FrameDoc makes the element an iframe hosting that document.
	FrameDoc *Doc
	// OnClick runs after every successful click.
	OnClick func()
	// ClickErr, when set, fails every click.
	ClickErr error

	children *Doc
	clicks   int
}

// El returns an element showing text.
func El(text string) *Element {
	return &Element{TextValue: text, Attrs: map[string]string{}}
}

// Button returns an element showing text that runs onClick when clicked.
func Button(text string, onClick func()) *Element {
	e := El(text)
	e.OnClick = onClick
	return e
}

// Frame returns an iframe element hosting doc.
func Frame(doc *Doc) *Element {
	e := El("")
	e.FrameDoc = doc
	return e
}

func (e *Element) WithAttr(name, value string) *Element {
	e.Attrs[name] = value
	return e
}

// Children is the element's own subtree, used for relative selectors.
func (e *Element) Children() *Doc {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.children == nil {
		e.children = NewDoc()
	}
	return e.children
}

func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

func (e *Element) SetText(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.TextValue = text
}

func (e *Element) Find(ctx context.Context, sel page.Selector, timeout time.Duration) (page.Element, error) {
	return e.Children().Find(ctx, sel, timeout)
}

func (e *Element) FindAll(ctx context.Context, sel page.Selector) ([]page.Element, error) {
	return e.Children().FindAll(ctx, sel)
}

func (e *Element) Frame(ctx context.Context, sel page.Selector, timeout time.Duration) (page.Scope, error) {
	return e.Children().Frame(ctx, sel, timeout)
}

func (e *Element) Click(ctx context.Context, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.ClickErr != nil {
		err := e.ClickErr
		e.mu.Unlock()
		return err
	}
	if e.Disabled || e.Hidden {
		e.mu.Unlock()
		return errors.New("element not interactable")
	}
	e.clicks++
	fn := e.OnClick
	e.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

func (e *Element) Fill(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Value = text
	return nil
}

func (e *Element) Text(context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.TextValue, nil
}

func (e *Element) Attribute(_ context.Context, name string) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.Attrs[name]
	return v, ok, nil
}

func (e *Element) Visible(context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.Hidden, nil
}

func (e *Element) Enabled(context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.Disabled, nil
}

type route struct {
	prefix string
	fn     func(p *Page)
}

// Page is a scripted page.Page.
type Page struct {
	*Doc

	mu          sync.Mutex
	url         string
	routes      []route
	listeners   map[int]func(page.Response)
	nextID      int
	visits      []string
	reloads     int
	slept       time.Duration
	screenshots []string
	cookies     []*http.Cookie
}

func New() *Page {
	return &Page{
		Doc:       NewDoc(),
		listeners: make(map[int]func(page.Response)),
	}
}

// Route registers fn to build the DOM whenever a URL starting with prefix is
// loaded. The longest matching prefix wins; registering a prefix again
// replaces its builder.
func (p *Page) Route(prefix string, fn func(p *Page)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.routes {
		if p.routes[i].prefix == prefix {
			p.routes[i].fn = fn
			return
		}
	}
	p.routes = append(p.routes, route{prefix: prefix, fn: fn})
}

func (p *Page) Navigate(ctx context.Context, url string, _ page.WaitUntil) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.url = url
	p.visits = append(p.visits, url)
	var match *route
	for i := range p.routes {
		r := &p.routes[i]
		if strings.HasPrefix(url, r.prefix) && (match == nil || len(r.prefix) > len(match.prefix)) {
			match = r
		}
	}
	p.mu.Unlock()

	p.Doc.Reset()
	if match != nil {
		match.fn(p)
	}
	return nil
}

func (p *Page) Reload(ctx context.Context, until page.WaitUntil) error {
	p.mu.Lock()
	p.reloads++
	current := p.url
	p.mu.Unlock()
	return p.Navigate(ctx, current, until)
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// SetURL changes the address without rebuilding the DOM, like a client-side
// redirect.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

func (p *Page) WaitForURL(ctx context.Context, prefix string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.HasPrefix(p.URL(), prefix) {
		return nil
	}
	p.mu.Lock()
	p.slept += timeout
	p.mu.Unlock()
	return fmt.Errorf("%w: %s", page.ErrURLTimeout, prefix)
}

func (p *Page) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slept += d
	return nil
}

func (p *Page) SetCookies(cookies []*http.Cookie) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = cookies
}

func (p *Page) Cookies(context.Context) ([]*http.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cookies, nil
}

func (p *Page) OnResponse(fn func(page.Response)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// Emit delivers r to every registered response listener.
func (p *Page) Emit(r page.Response) {
	p.mu.Lock()
	fns := make([]func(page.Response), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(r)
	}
}

// EmitJSON is Emit for a POST response with a JSON body.
func (p *Page) EmitJSON(url, body string) {
	p.Emit(page.Response{URL: url, Method: http.MethodPost, Status: http.StatusOK, Body: []byte(body)})
}

func (p *Page) Screenshot(_ context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.screenshots = append(p.screenshots, path)
	return nil
}

func (p *Page) Visits() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.visits...)
}

// Visited reports whether any navigation went to a URL starting with prefix.
func (p *Page) Visited(prefix string) bool {
	for _, v := range p.Visits() {
		if strings.HasPrefix(v, prefix) {
			return true
		}
	}
	return false
}

func (p *Page) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

func (p *Page) Slept() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slept
}

func (p *Page) Screenshots() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.screenshots...)
}

// Listeners returns how many response listeners are registered.
func (p *Page) Listeners() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}
