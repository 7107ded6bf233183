// Package browsertest provides a scripted, in-memory browser.Session for
// module tests: pages are maps of selector to element, every action is
// recorded, and hooks let tests script page mutations (redirects after a
// form submit, balances changing after a bank click).
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketbot/internal/browser"
	"marketbot/pkg/types"
)

// Session implements browser.Session against scripted pages.
type Session struct {
	mu        sync.Mutex
	url       string
	pages     map[string]*Page
	cookies   []types.Cookie
	log       []string
	navErr    map[string]error
	evalFn    func(js string, out any) error
	onCookies func([]types.Cookie)
	closed    bool
}

// NewSession returns an empty scripted session.
func NewSession() *Session {
	return &Session{
		pages:  make(map[string]*Page),
		navErr: make(map[string]error),
	}
}

// AddPage registers (or returns) the page served at url.
func (s *Session) AddPage(url string) *Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pages[url]; ok {
		return p
	}
	p := &Page{sess: s, elems: make(map[string][]*Element)}
	s.pages[url] = p
	return p
}

// SetCurrentURL moves the session without a navigation action, the way a
// form submit redirect does.
func (s *Session) SetCurrentURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
	s.log = append(s.log, "redirect:"+url)
}

// FailNavigation makes Navigate(url) return err until cleared with nil.
func (s *Session) FailNavigation(url string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.navErr, url)
		return
	}
	s.navErr[url] = err
}

// OnEvaluate installs a hook receiving every Evaluate call.
func (s *Session) OnEvaluate(fn func(js string, out any) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evalFn = fn
}

// OnSetCookies installs a hook invoked after each SetCookies call, so tests
// can script the page changes a cookie restore causes.
func (s *Session) OnSetCookies(fn func([]types.Cookie)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCookies = fn
}

// Actions returns a copy of the recorded action log, in order.
func (s *Session) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.log))
	copy(out, s.log)
	return out
}

// NavigationCount counts recorded navigations.
func (s *Session) NavigationCount() int {
	n := 0
	for _, a := range s.Actions() {
		if len(a) >= 9 && a[:9] == "navigate:" {
			n++
		}
	}
	return n
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) record(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, fmt.Sprintf(format, args...))
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if err, ok := s.navErr[url]; ok {
		s.mu.Unlock()
		return err
	}
	s.url = url
	s.log = append(s.log, "navigate:"+url)
	s.mu.Unlock()
	return nil
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url, nil
}

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) page() *Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[s.url]
}

func (s *Session) Query(ctx context.Context, sel string) (browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := s.page()
	if p == nil {
		return nil, fmt.Errorf("%w: %s (no page at %s)", browser.ErrNotFound, sel, s.url)
	}
	els := p.matches(sel)
	if len(els) == 0 {
		return nil, fmt.Errorf("%w: %s", browser.ErrNotFound, sel)
	}
	return els[0], nil
}

func (s *Session) QueryAll(ctx context.Context, sel string) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := s.page()
	if p == nil {
		return nil, nil
	}
	els := p.matches(sel)
	out := make([]browser.Element, 0, len(els))
	for _, e := range els {
		out = append(out, e)
	}
	return out, nil
}

func (s *Session) Evaluate(ctx context.Context, js string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.record("evaluate")
	s.mu.Lock()
	fn := s.evalFn
	s.mu.Unlock()
	if fn != nil {
		return fn(js, out)
	}
	return nil
}

func (s *Session) Cookies(ctx context.Context) ([]types.Cookie, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Cookie, len(s.cookies))
	copy(out, s.cookies)
	return out, nil
}

func (s *Session) SetCookies(ctx context.Context, cookies []types.Cookie) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cookies = append(s.cookies, cookies...)
	s.record0("set_cookies:%d", len(cookies))
	hook := s.onCookies
	s.mu.Unlock()
	if hook != nil {
		hook(cookies)
	}
	return nil
}

// record0 is record without re-locking; callers hold s.mu.
func (s *Session) record0(format string, args ...any) {
	s.log = append(s.log, fmt.Sprintf(format, args...))
}

// SeedCookies primes the jar without recording an action.
func (s *Session) SeedCookies(cookies []types.Cookie) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies = append(s.cookies, cookies...)
}

func (s *Session) ClickXY(ctx context.Context, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.record("click_xy:%.0f,%.0f", x, y)
	return nil
}

func (s *Session) MoveXY(ctx context.Context, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.record("move_xy:%.0f,%.0f", x, y)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Pages and elements
// ————————————————————————————————————————————————————————————————————————

// Page holds the elements a URL serves, keyed by selector.
type Page struct {
	sess  *Session
	mu    sync.Mutex
	elems map[string][]*Element
}

// Add registers elements under a selector and returns the page for chaining.
func (p *Page) Add(sel string, els ...*Element) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range els {
		e.attach(p.sess, fmt.Sprintf("%s[%d]", sel, len(p.elems[sel])+i))
	}
	p.elems[sel] = append(p.elems[sel], els...)
	return p
}

// Remove drops every element under a selector (page re-render).
func (p *Page) Remove(sel string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.elems, sel)
}

func (p *Page) matches(sel string) []*Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := make([]*Element, 0, len(p.elems[sel]))
	for _, e := range p.elems[sel] {
		if !e.removed {
			live = append(live, e)
		}
	}
	return live
}

// Element is a scriptable DOM node.
type Element struct {
	mu          sync.Mutex
	sess        *Session
	label       string
	text        string
	attrs       map[string]string
	disabled    bool
	hidden      bool
	removed     bool
	rect        browser.Box
	children    map[string][]*Element
	clickErr    error
	onClick     func(force bool)
	onRightClck func()
	typed       []string
	filled      []string
	clicks      int
	rightClicks int
}

// NewElement returns a visible element with the given text.
func NewElement(text string) *Element {
	return &Element{
		text:     text,
		attrs:    make(map[string]string),
		children: make(map[string][]*Element),
		rect:     browser.Box{X: 10, Y: 10, Width: 120, Height: 24},
	}
}

func (e *Element) attach(s *Session, label string) {
	e.mu.Lock()
	e.sess = s
	e.label = label
	kids := e.children
	e.mu.Unlock()
	for sel, els := range kids {
		for i, kid := range els {
			kid.attach(s, fmt.Sprintf("%s %s[%d]", label, sel, i))
		}
	}
}

// WithAttr sets an attribute. Returns the element for chaining.
func (e *Element) WithAttr(name, value string) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attrs[name] = value
	return e
}

// WithChild nests elements reachable via a scoped Query/QueryAll.
func (e *Element) WithChild(sel string, els ...*Element) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.children[sel] = append(e.children[sel], els...)
	return e
}

// WithDisabled marks the element disabled.
func (e *Element) WithDisabled(disabled bool) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disabled = disabled
	return e
}

// WithHidden makes the element invisible; coordinate clicks on it fail.
func (e *Element) WithHidden(hidden bool) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hidden = hidden
	return e
}

// WithBox overrides the bounding box.
func (e *Element) WithBox(b browser.Box) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rect = b
	return e
}

// WithClickErr makes every click fail with err.
func (e *Element) WithClickErr(err error) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clickErr = err
	return e
}

// OnClick installs a hook invoked after a successful click.
func (e *Element) OnClick(fn func(force bool)) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClick = fn
	return e
}

// OnRightClick installs a hook invoked after a successful right-click.
func (e *Element) OnRightClick(fn func()) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRightClck = fn
	return e
}

// SetText mutates the element's text (scripted page updates).
func (e *Element) SetText(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.text = text
}

// SetDisabled mutates the disabled flag.
func (e *Element) SetDisabled(disabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disabled = disabled
}

// Remove detaches the element: every later operation (and page match)
// treats it as gone.
func (e *Element) Remove() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
}

// Clicks reports how many times the element was clicked.
func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

// RightClicks reports how many times the element was right-clicked.
func (e *Element) RightClicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rightClicks
}

// Typed returns every string typed into the element.
func (e *Element) Typed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.typed))
	copy(out, e.typed)
	return out
}

// Filled returns every string filled into the element.
func (e *Element) Filled() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.filled))
	copy(out, e.filled)
	return out
}

func (e *Element) gone() error {
	if e.removed {
		return fmt.Errorf("%w: %s", browser.ErrNotFound, e.label)
	}
	return nil
}

func (e *Element) Click(ctx context.Context, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if err := e.gone(); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.clickErr != nil {
		err := e.clickErr
		e.mu.Unlock()
		return err
	}
	if e.hidden && !force {
		label := e.label
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is not visible", browser.ErrNotFound, label)
	}
	e.clicks++
	sess, label, hook := e.sess, e.label, e.onClick
	e.mu.Unlock()

	if sess != nil {
		sess.record("click:%s", label)
	}
	if hook != nil {
		hook(force)
	}
	return nil
}

func (e *Element) RightClick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if err := e.gone(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.rightClicks++
	sess, label, hook := e.sess, e.label, e.onRightClck
	e.mu.Unlock()

	if sess != nil {
		sess.record("right_click:%s", label)
	}
	if hook != nil {
		hook()
	}
	return nil
}

func (e *Element) Type(ctx context.Context, text string, delays []time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if err := e.gone(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.typed = append(e.typed, text)
	sess, label := e.sess, e.label
	e.mu.Unlock()

	if sess != nil {
		sess.record("type:%s:%d_chars", label, len(text))
	}
	return nil
}

func (e *Element) Fill(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if err := e.gone(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.filled = append(e.filled, text)
	sess, label := e.sess, e.label
	e.mu.Unlock()

	if sess != nil {
		sess.record("fill:%s", label)
	}
	return nil
}

func (e *Element) Text(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.gone(); err != nil {
		return "", err
	}
	return e.text, nil
}

func (e *Element) Attr(ctx context.Context, name string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.gone(); err != nil {
		return "", false, err
	}
	v, ok := e.attrs[name]
	return v, ok, nil
}

func (e *Element) IsDisabled(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.gone(); err != nil {
		return false, err
	}
	return e.disabled, nil
}

func (e *Element) IsVisible(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.gone(); err != nil {
		return false, err
	}
	return !e.hidden, nil
}

func (e *Element) Box(ctx context.Context) (browser.Box, error) {
	if err := ctx.Err(); err != nil {
		return browser.Box{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.gone(); err != nil {
		return browser.Box{}, err
	}
	return e.rect, nil
}

func (e *Element) Query(ctx context.Context, sel string) (browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	if err := e.gone(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	kids := e.liveChildren(sel)
	label := e.label
	e.mu.Unlock()

	if len(kids) == 0 {
		return nil, fmt.Errorf("%w: %s within %s", browser.ErrNotFound, sel, label)
	}
	return kids[0], nil
}

func (e *Element) QueryAll(ctx context.Context, sel string) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	if err := e.gone(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	kids := e.liveChildren(sel)
	e.mu.Unlock()

	out := make([]browser.Element, 0, len(kids))
	for _, k := range kids {
		out = append(out, k)
	}
	return out, nil
}

// liveChildren is called with e.mu held.
func (e *Element) liveChildren(sel string) []*Element {
	live := make([]*Element, 0, len(e.children[sel]))
	for _, k := range e.children[sel] {
		if !k.removed {
			live = append(live, k)
		}
	}
	return live
}
