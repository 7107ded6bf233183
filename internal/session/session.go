// Package session keeps the browser logged in. The guard restores a
// persisted cookie snapshot when one is still plausible, falls back to an
// interactive login through the real form, and persists a fresh snapshot
// after every success.
//
// Being logged in is always positively asserted: a logout link or the
// cash/level header must be present on a protected page. A matching URL on
// its own proves nothing — the game redirects expired sessions with a 200.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"marketbot/internal/browser"
	"marketbot/internal/clock"
	"marketbot/internal/config"
	"marketbot/internal/pacer"
	"marketbot/internal/probe"
	"marketbot/pkg/types"
)

// Store is the slice of the persistence layer the guard needs.
type Store interface {
	LoadSession() (*types.SessionSnapshot, error)
	SaveSession(types.SessionSnapshot) error
	ClearSession() error
}

// Guard owns login state. Driven from the orchestrator's goroutine only.
type Guard struct {
	sess       browser.Session
	sel        browser.Selectors
	pace       *pacer.Pacer
	store      Store
	game       config.GameConfig
	clock      clock.Clock
	maxRetries int
	logger     *slog.Logger
}

// New builds a session guard.
func New(sess browser.Session, sel browser.Selectors, pace *pacer.Pacer, st Store, game config.GameConfig, clk clock.Clock, maxRetries int, logger *slog.Logger) *Guard {
	return &Guard{
		sess:       sess,
		sel:        sel,
		pace:       pace,
		store:      st,
		game:       game,
		clock:      clk,
		maxRetries: maxRetries,
		logger:     logger.With("component", "session"),
	}
}

// EnsureLoggedIn makes the session authenticated, preferring cookie restore
// over the login form. It returns OK on success, Blocked when every login
// attempt failed, and Fatal on cancellation.
func (g *Guard) EnsureLoggedIn(ctx context.Context) types.Outcome {
	if restored, err := g.tryRestore(ctx); err != nil {
		if ctx.Err() != nil {
			return types.OutcomeFatal
		}
		g.logger.Warn("session restore failed", "error", err)
	} else if restored {
		return types.OutcomeOK
	}

	for attempt := 1; attempt <= g.maxRetries; attempt++ {
		user, err := g.login(ctx)
		if err == nil {
			if err := g.persist(ctx, user); err != nil {
				g.logger.Warn("persist session", "error", err)
			}
			g.logger.Info("logged in", "attempt", attempt, "player", user.Name, "level", user.Level)
			return types.OutcomeOK
		}
		if ctx.Err() != nil {
			return types.OutcomeFatal
		}
		g.logger.Warn("login attempt failed", "attempt", attempt, "error", err)
		if attempt < g.maxRetries {
			// Exponential cooldown between attempts, with jitter on top.
			cooldown := time.Duration(1<<uint(attempt-1)) * 5 * time.Second
			if err := g.pace.JitterRange(ctx, cooldown, cooldown+2*time.Second); err != nil {
				return types.OutcomeFatal
			}
		}
	}
	g.logger.Error("login failed", "attempts", g.maxRetries)
	return types.OutcomeBlocked
}

// Validate probes a protected page and reports whether the current browser
// state is still authenticated. Used mid-run when a stage smells like an
// expired session.
func (g *Guard) Validate(ctx context.Context) bool {
	if err := g.visit(ctx, g.game.HomePath); err != nil {
		return false
	}
	ok, _ := g.authenticated(ctx)
	return ok
}

// ClearSession drops the persisted snapshot.
func (g *Guard) ClearSession() error {
	return g.store.ClearSession()
}

// tryRestore attempts a cookie-based restore. It reports true only when the
// protected-page probe positively confirms the session. An invalid or
// rejected snapshot is cleared so the next cycle goes straight to login.
func (g *Guard) tryRestore(ctx context.Context) (bool, error) {
	snap, err := g.store.LoadSession()
	if err != nil {
		return false, fmt.Errorf("load session: %w", err)
	}
	if !snap.IsValid(g.clock.Now()) {
		if snap != nil {
			g.logger.Info("persisted session invalid, clearing", "saved_at", snap.SavedAt)
			_ = g.store.ClearSession()
		}
		return false, nil
	}

	if err := g.sess.SetCookies(ctx, snap.Cookies); err != nil {
		return false, fmt.Errorf("inject cookies: %w", err)
	}
	if err := g.visit(ctx, g.game.HomePath); err != nil {
		return false, fmt.Errorf("protected page probe: %w", err)
	}
	ok, user := g.authenticated(ctx)
	if !ok {
		g.logger.Info("restored cookies rejected, clearing snapshot")
		_ = g.store.ClearSession()
		return false, nil
	}

	g.logger.Info("session restored", "cookies", len(snap.Cookies), "player", user.Name)
	if err := g.persist(ctx, user); err != nil {
		g.logger.Warn("persist refreshed session", "error", err)
	}
	return true, nil
}

// login drives the interactive login form and waits for the authenticated
// landing page. Credentials are typed with human pacing and never logged.
func (g *Guard) login(ctx context.Context) (types.UserInfo, error) {
	if err := g.pace.Action(ctx); err != nil {
		return types.UserInfo{}, err
	}
	if err := g.sess.Navigate(ctx, g.game.URL(g.game.LoginPath)); err != nil {
		return types.UserInfo{}, fmt.Errorf("open login page: %w", err)
	}
	if err := g.pace.AfterNavigation(ctx); err != nil {
		return types.UserInfo{}, err
	}
	if err := g.pace.ThinkPause(ctx); err != nil {
		return types.UserInfo{}, err
	}

	userInput, err := g.sess.Query(ctx, g.sel.LoginUsername)
	if err != nil {
		return types.UserInfo{}, fmt.Errorf("username field: %w", err)
	}
	if err := g.pace.Action(ctx); err != nil {
		return types.UserInfo{}, err
	}
	if err := userInput.Type(ctx, g.game.Username, g.pace.TypingDelays(g.game.Username)); err != nil {
		return types.UserInfo{}, fmt.Errorf("type username: %w", err)
	}
	if err := g.pace.Jitter(ctx); err != nil {
		return types.UserInfo{}, err
	}

	passInput, err := g.sess.Query(ctx, g.sel.LoginPassword)
	if err != nil {
		return types.UserInfo{}, fmt.Errorf("password field: %w", err)
	}
	if err := passInput.Type(ctx, g.game.Password, g.pace.TypingDelays(g.game.Password)); err != nil {
		return types.UserInfo{}, fmt.Errorf("type password: %w", err)
	}

	submit, err := g.sess.Query(ctx, g.sel.LoginSubmit)
	if err != nil {
		return types.UserInfo{}, fmt.Errorf("submit button: %w", err)
	}
	if err := g.pace.BeforeClick(ctx); err != nil {
		return types.UserInfo{}, err
	}
	if err := submit.Click(ctx, false); err != nil {
		return types.UserInfo{}, fmt.Errorf("submit login: %w", err)
	}
	if err := g.pace.AfterNavigation(ctx); err != nil {
		return types.UserInfo{}, err
	}

	return g.awaitAuthenticated(ctx)
}

// awaitAuthenticated polls for the authenticated markers after a submit.
func (g *Guard) awaitAuthenticated(ctx context.Context) (types.UserInfo, error) {
	const (
		pollGap = 500 * time.Millisecond
		polls   = 20
	)
	for i := 0; i < polls; i++ {
		if ok, user := g.authenticated(ctx); ok {
			return user, nil
		}
		if err := g.clock.Sleep(ctx, pollGap); err != nil {
			return types.UserInfo{}, err
		}
	}
	return types.UserInfo{}, errors.New("authenticated markers never appeared")
}

// authenticated asserts the login markers: a logout link or the cash/level
// header. When present it also scrapes the cached user info.
func (g *Guard) authenticated(ctx context.Context) (bool, types.UserInfo) {
	hasLogout := g.visible(ctx, g.sel.LogoutLink)
	hasCash := g.visible(ctx, g.sel.CashIndicator)
	if !hasLogout && !hasCash {
		return false, types.UserInfo{}
	}

	var user types.UserInfo
	if name, err := g.text(ctx, g.sel.PlayerName); err == nil {
		user.Name = strings.TrimSpace(name)
	}
	if cashText, err := g.text(ctx, g.sel.CashIndicator); err == nil {
		if cash, err := probe.ParseMoney(cashText); err == nil {
			user.Cash = cash
		}
	}
	if lvlText, err := g.text(ctx, g.sel.LevelIndicator); err == nil {
		if lvl, err := parseLevel(lvlText); err == nil {
			user.Level = lvl
		}
	}
	return true, user
}

// persist writes a fresh snapshot from the live cookie jar.
func (g *Guard) persist(ctx context.Context, user types.UserInfo) error {
	cookies, err := g.sess.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("read cookies: %w", err)
	}
	if len(cookies) == 0 {
		return errors.New("no cookies to persist")
	}
	url, err := g.sess.CurrentURL(ctx)
	if err != nil {
		url = g.game.URL(g.game.HomePath)
	}

	now := g.clock.Now()
	ttl := g.game.SessionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	snap := types.SessionSnapshot{
		SavedAt:   now,
		ExpiresAt: now.Add(ttl),
		Cookies:   cookies,
		LastURL:   url,
		User:      user,
		Valid:     true,
	}
	if err := g.store.SaveSession(snap); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	g.logger.Debug("session persisted", "cookies", len(cookies), "expires_at", snap.ExpiresAt)
	return nil
}

func (g *Guard) visit(ctx context.Context, path string) error {
	url := g.game.URL(path)
	if cur, err := g.sess.CurrentURL(ctx); err == nil && cur == url {
		return nil
	}
	if err := g.pace.Action(ctx); err != nil {
		return err
	}
	if err := g.sess.Navigate(ctx, url); err != nil {
		return err
	}
	return g.pace.AfterNavigation(ctx)
}

func (g *Guard) visible(ctx context.Context, sel string) bool {
	el, err := g.sess.Query(ctx, sel)
	if err != nil {
		return false
	}
	ok, err := el.IsVisible(ctx)
	return err == nil && ok
}

func (g *Guard) text(ctx context.Context, sel string) (string, error) {
	el, err := g.sess.Query(ctx, sel)
	if err != nil {
		return "", err
	}
	return el.Text(ctx)
}

// parseLevel reads "Level 12", "Lvl 12" or a bare number.
func parseLevel(text string) (int, error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0, errors.New("empty level text")
	}
	v, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, fmt.Errorf("parse level %q: %w", text, err)
	}
	return v, nil
}
