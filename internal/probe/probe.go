// Package probe reads the player's resource counters from the game pages:
// cash on hand, bank balance, and the occupancy of the three bounded
// containers (inventory, storage, selling slots).
//
// Every counter is bounds-checked to [0, 10_000_000]. A value that fails to
// parse or falls outside that range is a read failure for that field, never
// a silent zero; a snapshot with any missing field fails the resource stage
// with an error naming the fields.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"marketbot/internal/browser"
	"marketbot/internal/clock"
	"marketbot/internal/config"
	"marketbot/internal/pacer"
	"marketbot/pkg/types"
)

// Probe reads resource snapshots through the browser session. The cash
// indicator lives in the page header, so it is readable from any page; the
// other counters require their canonical page.
type Probe struct {
	sess       browser.Session
	sel        browser.Selectors
	pace       *pacer.Pacer
	game       config.GameConfig
	clock      clock.Clock
	maxRetries int
	logger     *slog.Logger
}

// New builds a resource probe. The session is owned by the orchestrator; the
// probe only borrows it during calls.
func New(sess browser.Session, sel browser.Selectors, pace *pacer.Pacer, game config.GameConfig, clk clock.Clock, maxRetries int, logger *slog.Logger) *Probe {
	return &Probe{
		sess:       sess,
		sel:        sel,
		pace:       pace,
		game:       game,
		clock:      clk,
		maxRetries: maxRetries,
		logger:     logger.With("component", "probe"),
	}
}

// Snapshot visits the bank, items and marketplace pages and assembles a full
// resource snapshot. It returns an error naming every field it could not
// read; a partial snapshot is never returned.
func (p *Probe) Snapshot(ctx context.Context) (*types.ResourceSnapshot, error) {
	snap := types.ResourceSnapshot{TakenAt: p.clock.Now()}
	var missing []string

	// Bank page: header cash plus the bank balance.
	if err := p.visit(ctx, p.game.BankPath); err != nil {
		return nil, fmt.Errorf("probe bank page: %w", err)
	}
	if cash, ok := p.readMoney(ctx, p.sel.CashIndicator); ok {
		snap.Cash = cash
	} else {
		missing = append(missing, "cash")
	}
	if bank, ok := p.readMoney(ctx, p.sel.BankBalance); ok {
		snap.Bank = bank
	} else {
		missing = append(missing, "bank")
	}

	// Items page: inventory and storage occupancy.
	if err := p.visit(ctx, p.game.ItemsPath); err != nil {
		return nil, fmt.Errorf("probe items page: %w", err)
	}
	if used, total, ok := p.readPair(ctx, p.sel.InventoryCount); ok {
		snap.InventoryUsed, snap.InventoryTotal = used, total
	} else {
		missing = append(missing, "inventory")
	}
	if used, total, ok := p.readPair(ctx, p.sel.StorageCount); ok {
		snap.StorageUsed, snap.StorageTotal = used, total
	} else {
		missing = append(missing, "storage")
	}

	// Marketplace page: selling slot occupancy.
	if err := p.visit(ctx, p.game.MarketPath); err != nil {
		return nil, fmt.Errorf("probe marketplace page: %w", err)
	}
	if used, total, ok := p.readPair(ctx, p.sel.SellingCount); ok {
		snap.SellingUsed, snap.SellingTotal = used, total
	} else {
		missing = append(missing, "selling")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("resource probe missing fields: %s", strings.Join(missing, ", "))
	}

	p.logger.Debug("resource snapshot",
		"cash", snap.Cash,
		"bank", snap.Bank,
		"inventory", fmt.Sprintf("%d/%d", snap.InventoryUsed, snap.InventoryTotal),
		"storage", fmt.Sprintf("%d/%d", snap.StorageUsed, snap.StorageTotal),
		"selling", fmt.Sprintf("%d/%d", snap.SellingUsed, snap.SellingTotal),
	)
	return &snap, nil
}

// Funds reads only cash and bank balance from the bank page. The bank module
// uses this for its pre/post verification and stays on the bank page after.
func (p *Probe) Funds(ctx context.Context) (cash, bank int64, err error) {
	if err := p.visit(ctx, p.game.BankPath); err != nil {
		return 0, 0, fmt.Errorf("probe bank page: %w", err)
	}
	c, okCash := p.readMoney(ctx, p.sel.CashIndicator)
	b, okBank := p.readMoney(ctx, p.sel.BankBalance)
	if !okCash || !okBank {
		return 0, 0, fmt.Errorf("funds probe failed (cash ok=%v, bank ok=%v)", okCash, okBank)
	}
	return c, b, nil
}

func (p *Probe) visit(ctx context.Context, path string) error {
	url := p.game.URL(path)
	if cur, err := p.sess.CurrentURL(ctx); err == nil && cur == url {
		return nil
	}
	if err := p.pace.Action(ctx); err != nil {
		return err
	}
	if err := p.sess.Navigate(ctx, url); err != nil {
		return err
	}
	return p.pace.AfterNavigation(ctx)
}

// readMoney reads an element's text as an integer currency value, retrying
// transient lookup failures. ok is false when the element is missing, the
// text does not parse, or the value is out of range.
func (p *Probe) readMoney(ctx context.Context, sel string) (int64, bool) {
	text, err := p.readText(ctx, sel)
	if err != nil {
		p.logger.Warn("counter read failed", "selector", sel, "error", err)
		return 0, false
	}
	v, err := ParseMoney(text)
	if err != nil {
		p.logger.Warn("counter unparsable", "selector", sel, "text", text, "error", err)
		return 0, false
	}
	return v, true
}

// readPair reads "used/total" occupancy text.
func (p *Probe) readPair(ctx context.Context, sel string) (used, total int, ok bool) {
	text, err := p.readText(ctx, sel)
	if err != nil {
		p.logger.Warn("counter read failed", "selector", sel, "error", err)
		return 0, 0, false
	}
	used, total, err = ParsePair(text)
	if err != nil {
		p.logger.Warn("counter unparsable", "selector", sel, "text", text, "error", err)
		return 0, 0, false
	}
	return used, total, true
}

func (p *Probe) readText(ctx context.Context, sel string) (string, error) {
	return browser.Retry(ctx, p.maxRetries, func() (string, error) {
		el, err := p.sess.Query(ctx, sel)
		if err != nil {
			return "", err
		}
		return el.Text(ctx)
	})
}

// ParseMoney parses a currency string like "$12,345" into whole units.
// Fractional cents are rejected; the game trades in whole dollars.
func ParseMoney(text string) (int64, error) {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty money string")
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse money %q: %w", text, err)
	}
	if !types.CounterInRange(v) {
		return 0, fmt.Errorf("money value %d out of range", v)
	}
	return v, nil
}

// ParsePair parses container occupancy text like "37/100" or "37 / 100".
func ParsePair(text string) (used, total int, err error) {
	parts := strings.SplitN(text, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("occupancy %q is not used/total", text)
	}
	u, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse used in %q: %w", text, err)
	}
	t, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse total in %q: %w", text, err)
	}
	if !types.CounterInRange(u) || !types.CounterInRange(t) {
		return 0, 0, fmt.Errorf("occupancy %q out of range", text)
	}
	if u > t {
		return 0, 0, fmt.Errorf("occupancy %q has used > total", text)
	}
	return int(u), int(t), nil
}
