package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/failsafe-go/failsafe-go"

	"marketbot/internal/clock"
	"marketbot/internal/config"
	"marketbot/pkg/types"
)

// Chrome implements Session on a headless Chrome driven over the DevTools
// protocol. Elements are addressed by JavaScript paths re-evaluated on every
// call, so nodes that leave the DOM surface as ErrNotFound instead of stale
// handles. Clicks and keystrokes go through real input events; JavaScript is
// used only for reads, focus, and overlay suppression.
type Chrome struct {
	cfg    config.BrowserConfig
	clock  clock.Clock
	logger *slog.Logger

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	navExec failsafe.Executor[struct{}]
}

// NewChrome prepares an adapter; the browser process starts on Start.
func NewChrome(cfg config.BrowserConfig, clk clock.Clock, logger *slog.Logger) *Chrome {
	return &Chrome{
		cfg:     cfg,
		clock:   clk,
		logger:  logger.With("component", "browser"),
		navExec: failsafe.With[struct{}](newNavigationBreaker()),
	}
}

// Start launches Chrome and enables the network domain for cookie access.
func (c *Chrome) Start(ctx context.Context) error {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if !c.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if c.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.cfg.ExecPath))
	}
	if c.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(c.cfg.UserAgent))
	}
	opts = append(opts, chromedp.WindowSize(c.cfg.WindowWidth, c.cfg.WindowHeight))

	c.allocCtx, c.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	c.browserCtx, c.browserCancel = chromedp.NewContext(c.allocCtx)

	bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := c.run(bootCtx, network.Enable()); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	c.logger.Info("browser started", "headless", c.cfg.Headless)
	return nil
}

func (c *Chrome) Close(ctx context.Context) error {
	if c.browserCancel != nil {
		c.browserCancel()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}
	c.logger.Info("browser closed")
	return nil
}

// run executes chromedp actions against the browser context while honoring
// the caller's cancellation and deadline.
func (c *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	if c.browserCtx == nil {
		return fmt.Errorf("%w: browser not started", ErrNavigation)
	}
	runCtx, cancel := context.WithCancel(c.browserCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func (c *Chrome) eval(ctx context.Context, js string, out any) error {
	if err := c.run(ctx, chromedp.Evaluate(js, out)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: evaluate", ErrTimeout)
		}
		return err
	}
	return nil
}

func (c *Chrome) Navigate(ctx context.Context, url string) error {
	_, err := c.navExec.GetWithExecution(func(_ failsafe.Execution[struct{}]) (struct{}, error) {
		return struct{}{}, c.doNavigate(ctx, url)
	})
	return err
}

func (c *Chrome) doNavigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, c.cfg.NavTimeout)
	defer cancel()
	c.logger.Debug("navigate", "url", url)
	if err := c.run(navCtx, chromedp.Navigate(url)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrTimeout, url)
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrNavigation, url, err)
	}
	return nil
}

func (c *Chrome) CurrentURL(ctx context.Context) (string, error) {
	var u string
	if err := c.run(ctx, chromedp.Location(&u)); err != nil {
		return "", err
	}
	return u, nil
}

func (c *Chrome) Query(ctx context.Context, sel string) (Element, error) {
	var found bool
	js := fmt.Sprintf(`document.querySelector(%s) !== null`, jsString(sel))
	if err := c.eval(ctx, js, &found); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sel)
	}
	return &domElement{c: c, path: fmt.Sprintf("document.querySelector(%s)", jsString(sel))}, nil
}

func (c *Chrome) QueryAll(ctx context.Context, sel string) ([]Element, error) {
	var n int
	js := fmt.Sprintf(`document.querySelectorAll(%s).length`, jsString(sel))
	if err := c.eval(ctx, js, &n); err != nil {
		return nil, err
	}
	els := make([]Element, 0, n)
	for i := 0; i < n; i++ {
		els = append(els, &domElement{
			c:    c,
			path: fmt.Sprintf("document.querySelectorAll(%s)[%d]", jsString(sel), i),
		})
	}
	return els, nil
}

func (c *Chrome) Evaluate(ctx context.Context, js string, out any) error {
	return c.eval(ctx, js, out)
}

func (c *Chrome) Cookies(ctx context.Context) ([]types.Cookie, error) {
	var out []types.Cookie
	err := c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		out = make([]types.Cookie, 0, len(cookies))
		for _, ck := range cookies {
			var exp time.Time
			if ck.Expires > 0 {
				exp = time.Unix(int64(ck.Expires), 0).UTC()
			}
			out = append(out, types.Cookie{
				Name:     ck.Name,
				Value:    ck.Value,
				Domain:   ck.Domain,
				Path:     ck.Path,
				Expires:  exp,
				HTTPOnly: ck.HTTPOnly,
				Secure:   ck.Secure,
			})
		}
		return nil
	}))
	return out, err
}

func (c *Chrome) SetCookies(ctx context.Context, cookies []types.Cookie) error {
	return c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, ck := range cookies {
			p := network.SetCookie(ck.Name, ck.Value).
				WithDomain(ck.Domain).
				WithPath(ck.Path).
				WithHTTPOnly(ck.HTTPOnly).
				WithSecure(ck.Secure)
			if !ck.Expires.IsZero() {
				exp := cdp.TimeSinceEpoch(ck.Expires)
				p = p.WithExpires(&exp)
			}
			if err := p.Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", ck.Name, err)
			}
		}
		return nil
	}))
}

func (c *Chrome) ClickXY(ctx context.Context, x, y float64) error {
	return c.run(ctx, chromedp.MouseClickXY(x, y))
}

func (c *Chrome) MoveXY(ctx context.Context, x, y float64) error {
	return c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx)
	}))
}

// ————————————————————————————————————————————————————————————————————————
// Elements
// ————————————————————————————————————————————————————————————————————————

type domElement struct {
	c    *Chrome
	path string
}

func (e *domElement) Click(ctx context.Context, force bool) error {
	if force {
		var ok bool
		js := fmt.Sprintf(`(() => { try { const el = %s; if (!el) return false; el.click(); return true; } catch (err) { return false; } })()`, e.path)
		if err := e.c.eval(ctx, js, &ok); err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, e.path)
		}
		return nil
	}
	box, err := e.scrollAndBox(ctx)
	if err != nil {
		return err
	}
	x, y := box.Center()
	return e.c.ClickXY(ctx, x, y)
}

func (e *domElement) RightClick(ctx context.Context) error {
	box, err := e.scrollAndBox(ctx)
	if err != nil {
		return err
	}
	x, y := box.Center()
	return e.c.run(ctx, chromedp.MouseClickXY(x, y, chromedp.ButtonType(input.Right)))
}

func (e *domElement) Type(ctx context.Context, text string, delays []time.Duration) error {
	if err := e.focus(ctx); err != nil {
		return err
	}
	for i, r := range []rune(text) {
		if err := e.c.run(ctx, chromedp.KeyEvent(string(r))); err != nil {
			return err
		}
		if i < len(delays) {
			if err := e.c.clock.Sleep(ctx, delays[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *domElement) Fill(ctx context.Context, text string) error {
	var ok bool
	js := fmt.Sprintf(`(() => { try {
		const el = %s;
		if (!el) return false;
		el.value = %s;
		el.dispatchEvent(new Event('input', {bubbles: true}));
		el.dispatchEvent(new Event('change', {bubbles: true}));
		return true;
	} catch (err) { return false; } })()`, e.path, jsString(text))
	if err := e.c.eval(ctx, js, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, e.path)
	}
	return nil
}

func (e *domElement) Text(ctx context.Context) (string, error) {
	var res struct {
		OK bool   `json:"ok"`
		V  string `json:"v"`
	}
	js := fmt.Sprintf(`(() => { try {
		const el = %s;
		if (!el) return {ok: false, v: ""};
		const t = el.innerText !== undefined ? el.innerText : el.textContent;
		return {ok: true, v: (t || "").trim()};
	} catch (err) { return {ok: false, v: ""}; } })()`, e.path)
	if err := e.c.eval(ctx, js, &res); err != nil {
		return "", err
	}
	if !res.OK {
		return "", fmt.Errorf("%w: %s", ErrNotFound, e.path)
	}
	return res.V, nil
}

func (e *domElement) Attr(ctx context.Context, name string) (string, bool, error) {
	var res struct {
		OK  bool   `json:"ok"`
		Has bool   `json:"has"`
		V   string `json:"v"`
	}
	js := fmt.Sprintf(`(() => { try {
		const el = %s;
		if (!el) return {ok: false, has: false, v: ""};
		const v = el.getAttribute(%s);
		return {ok: true, has: v !== null, v: v === null ? "" : v};
	} catch (err) { return {ok: false, has: false, v: ""}; } })()`, e.path, jsString(name))
	if err := e.c.eval(ctx, js, &res); err != nil {
		return "", false, err
	}
	if !res.OK {
		return "", false, fmt.Errorf("%w: %s", ErrNotFound, e.path)
	}
	return res.V, res.Has, nil
}

func (e *domElement) IsDisabled(ctx context.Context) (bool, error) {
	var res struct {
		OK bool `json:"ok"`
		V  bool `json:"v"`
	}
	js := fmt.Sprintf(`(() => { try {
		const el = %s;
		if (!el) return {ok: false, v: false};
		const v = el.disabled === true || el.getAttribute('disabled') !== null || el.getAttribute('aria-disabled') === 'true';
		return {ok: true, v: v};
	} catch (err) { return {ok: false, v: false}; } })()`, e.path)
	if err := e.c.eval(ctx, js, &res); err != nil {
		return false, err
	}
	if !res.OK {
		return false, fmt.Errorf("%w: %s", ErrNotFound, e.path)
	}
	return res.V, nil
}

func (e *domElement) IsVisible(ctx context.Context) (bool, error) {
	var res struct {
		OK bool `json:"ok"`
		V  bool `json:"v"`
	}
	js := fmt.Sprintf(`(() => { try {
		const el = %s;
		if (!el) return {ok: false, v: false};
		const r = el.getBoundingClientRect();
		const st = window.getComputedStyle(el);
		return {ok: true, v: r.width > 0 && r.height > 0 && st.visibility !== 'hidden' && st.display !== 'none'};
	} catch (err) { return {ok: false, v: false}; } })()`, e.path)
	if err := e.c.eval(ctx, js, &res); err != nil {
		return false, err
	}
	if !res.OK {
		return false, fmt.Errorf("%w: %s", ErrNotFound, e.path)
	}
	return res.V, nil
}

func (e *domElement) Box(ctx context.Context) (Box, error) {
	var res struct {
		OK bool    `json:"ok"`
		X  float64 `json:"x"`
		Y  float64 `json:"y"`
		W  float64 `json:"w"`
		H  float64 `json:"h"`
	}
	js := fmt.Sprintf(`(() => { try {
		const el = %s;
		if (!el) return {ok: false};
		const r = el.getBoundingClientRect();
		return {ok: true, x: r.x, y: r.y, w: r.width, h: r.height};
	} catch (err) { return {ok: false}; } })()`, e.path)
	if err := e.c.eval(ctx, js, &res); err != nil {
		return Box{}, err
	}
	if !res.OK {
		return Box{}, fmt.Errorf("%w: %s", ErrNotFound, e.path)
	}
	return Box{X: res.X, Y: res.Y, Width: res.W, Height: res.H}, nil
}

func (e *domElement) Query(ctx context.Context, sel string) (Element, error) {
	var found bool
	js := fmt.Sprintf(`(() => { try { const el = %s; return !!(el && el.querySelector(%s)); } catch (err) { return false; } })()`, e.path, jsString(sel))
	if err := e.c.eval(ctx, js, &found); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s within %s", ErrNotFound, sel, e.path)
	}
	return &domElement{c: e.c, path: fmt.Sprintf("%s.querySelector(%s)", e.path, jsString(sel))}, nil
}

func (e *domElement) QueryAll(ctx context.Context, sel string) ([]Element, error) {
	var n int
	js := fmt.Sprintf(`(() => { try { const el = %s; return el ? el.querySelectorAll(%s).length : -1; } catch (err) { return -1; } })()`, e.path, jsString(sel))
	if err := e.c.eval(ctx, js, &n); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, e.path)
	}
	els := make([]Element, 0, n)
	for i := 0; i < n; i++ {
		els = append(els, &domElement{
			c:    e.c,
			path: fmt.Sprintf("%s.querySelectorAll(%s)[%d]", e.path, jsString(sel), i),
		})
	}
	return els, nil
}

// scrollAndBox brings the element into the viewport and returns its rect,
// which input events need in viewport coordinates.
func (e *domElement) scrollAndBox(ctx context.Context) (Box, error) {
	var ok bool
	js := fmt.Sprintf(`(() => { try { const el = %s; if (!el) return false; el.scrollIntoView({block: 'center'}); return true; } catch (err) { return false; } })()`, e.path)
	if err := e.c.eval(ctx, js, &ok); err != nil {
		return Box{}, err
	}
	if !ok {
		return Box{}, fmt.Errorf("%w: %s", ErrNotFound, e.path)
	}
	return e.Box(ctx)
}

func (e *domElement) focus(ctx context.Context) error {
	var ok bool
	js := fmt.Sprintf(`(() => { try { const el = %s; if (!el) return false; el.focus(); return true; } catch (err) { return false; } })()`, e.path)
	if err := e.c.eval(ctx, js, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, e.path)
	}
	return nil
}

func jsString(s string) string { return strconv.Quote(s) }
