// Package inventory moves items between the carried inventory and storage
// on the items page. Moves are verified against the page's own counters:
// a deposit must strictly shrink the carried count, a withdrawal loop runs
// until storage reads empty or the transfer control disables itself.
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketbot/internal/browser"
	"marketbot/internal/clock"
	"marketbot/internal/config"
	"marketbot/internal/pacer"
	"marketbot/internal/probe"
	"marketbot/pkg/types"
)

// maxWithdrawAttempts bounds the storage drain loop. Each attempt moves at
// least one page-sized batch, so ten covers any storage the game allows.
const maxWithdrawAttempts = 10

// Module drives the items page. Owned and called by the orchestrator only.
type Module struct {
	sess   browser.Session
	sel    browser.Selectors
	pace   *pacer.Pacer
	game   config.GameConfig
	clock  clock.Clock
	logger *slog.Logger
}

// New builds an inventory module.
func New(sess browser.Session, sel browser.Selectors, pace *pacer.Pacer, game config.GameConfig, clk clock.Clock, logger *slog.Logger) *Module {
	return &Module{
		sess:   sess,
		sel:    sel,
		pace:   pace,
		game:   game,
		clock:  clk,
		logger: logger.With("component", "inventory"),
	}
}

// SpaceFor reports whether the snapshot shows room for n more inventory
// items. Callers must refresh the snapshot after any move.
func SpaceFor(n int, snap *types.ResourceSnapshot) bool {
	if snap == nil || n < 0 {
		return false
	}
	return snap.InventoryFree() >= n
}

// DepositAllToStorage moves every carried item into storage. An already
// empty inventory is a successful no-op with no transaction.
func (m *Module) DepositAllToStorage(ctx context.Context) (types.Outcome, *types.Transaction) {
	if err := m.visit(ctx); err != nil {
		return browser.Classify(err), nil
	}
	preInv, _, err := m.counts(ctx)
	if err != nil {
		return browser.Classify(err), nil
	}
	if preInv == 0 {
		m.logger.Debug("inventory already empty, nothing to deposit")
		return types.OutcomeOK, nil
	}

	button, err := m.sess.Query(ctx, m.sel.DepositAllButton)
	if err != nil {
		return browser.Classify(fmt.Errorf("deposit-all control: %w", err)), nil
	}
	if disabled, err := button.IsDisabled(ctx); err != nil {
		return browser.Classify(err), nil
	} else if disabled {
		m.logger.Warn("deposit-all control disabled", "inventory_used", preInv)
		return types.OutcomeBlocked, nil
	}

	if err := m.pace.BeforeClick(ctx); err != nil {
		return browser.Classify(err), nil
	}
	if err := button.Click(ctx, false); err != nil {
		return browser.Classify(fmt.Errorf("click deposit-all: %w", err)), nil
	}
	if err := m.pace.Jitter(ctx); err != nil {
		return browser.Classify(err), nil
	}

	postInv, postStore, err := m.counts(ctx)
	if err != nil {
		return browser.Classify(err), nil
	}

	moved := preInv - postInv
	verified := postInv == 0 || postInv < preInv
	tx := m.transaction(moved, verified, map[string]string{
		"direction":      "to_storage",
		"pre_inventory":  strconv.Itoa(preInv),
		"post_inventory": strconv.Itoa(postInv),
		"post_storage":   strconv.Itoa(postStore),
	})
	if !verified {
		m.logger.Error("deposit-all did not shrink inventory",
			"pre", preInv, "post", postInv)
		return types.OutcomeTransient, tx
	}
	m.logger.Info("deposited to storage", "moved", moved, "inventory_used", postInv)
	return types.OutcomeOK, tx
}

// WithdrawAllFromStorage pulls items out of storage until it reads empty or
// the transfer control disables itself (carried inventory full). The loop
// is bounded; a run that stalls without progress stops early as transient.
func (m *Module) WithdrawAllFromStorage(ctx context.Context) (types.Outcome, *types.Transaction) {
	if err := m.visit(ctx); err != nil {
		return browser.Classify(err), nil
	}
	_, preStore, err := m.counts(ctx)
	if err != nil {
		return browser.Classify(err), nil
	}
	if preStore == 0 {
		return types.OutcomeOK, nil
	}

	remaining := preStore
	for attempt := 1; attempt <= maxWithdrawAttempts; attempt++ {
		button, err := m.sess.Query(ctx, m.sel.StorageTransfer)
		if err != nil {
			return browser.Classify(fmt.Errorf("storage transfer control: %w", err)), nil
		}
		if disabled, err := button.IsDisabled(ctx); err != nil {
			return browser.Classify(err), nil
		} else if disabled {
			m.logger.Info("transfer control disabled, inventory presumably full",
				"storage_remaining", remaining)
			break
		}

		if err := m.pace.BeforeClick(ctx); err != nil {
			return browser.Classify(err), nil
		}
		if err := button.Click(ctx, false); err != nil {
			return browser.Classify(fmt.Errorf("click storage transfer: %w", err)), nil
		}
		if err := m.pace.JitterRange(ctx, 300*time.Millisecond, 800*time.Millisecond); err != nil {
			return browser.Classify(err), nil
		}

		_, post, err := m.counts(ctx)
		if err != nil {
			return browser.Classify(err), nil
		}
		if post >= remaining {
			m.logger.Warn("storage transfer made no progress",
				"attempt", attempt, "storage_used", post)
			tx := m.transaction(preStore-post, false, map[string]string{
				"direction":    "from_storage",
				"pre_storage":  strconv.Itoa(preStore),
				"post_storage": strconv.Itoa(post),
			})
			return types.OutcomeTransient, tx
		}
		remaining = post
		if remaining == 0 {
			break
		}
	}

	moved := preStore - remaining
	tx := m.transaction(moved, true, map[string]string{
		"direction":    "from_storage",
		"pre_storage":  strconv.Itoa(preStore),
		"post_storage": strconv.Itoa(remaining),
	})
	m.logger.Info("withdrew from storage", "moved", moved, "storage_used", remaining)
	return types.OutcomeOK, tx
}

// visit brings the session to the items page unless it is already there.
func (m *Module) visit(ctx context.Context) error {
	url := m.game.URL(m.game.ItemsPath)
	if cur, err := m.sess.CurrentURL(ctx); err == nil && cur == url {
		return nil
	}
	if err := m.pace.Action(ctx); err != nil {
		return err
	}
	if err := m.sess.Navigate(ctx, url); err != nil {
		return err
	}
	return m.pace.AfterNavigation(ctx)
}

// counts reads the inventory and storage "used/total" counters.
func (m *Module) counts(ctx context.Context) (invUsed, storeUsed int, err error) {
	invText, err := m.text(ctx, m.sel.InventoryCount)
	if err != nil {
		return 0, 0, fmt.Errorf("inventory counter: %w", err)
	}
	invUsed, _, err = probe.ParsePair(invText)
	if err != nil {
		return 0, 0, fmt.Errorf("inventory counter: %w", err)
	}
	storeText, err := m.text(ctx, m.sel.StorageCount)
	if err != nil {
		return 0, 0, fmt.Errorf("storage counter: %w", err)
	}
	storeUsed, _, err = probe.ParsePair(storeText)
	if err != nil {
		return 0, 0, fmt.Errorf("storage counter: %w", err)
	}
	return invUsed, storeUsed, nil
}

func (m *Module) text(ctx context.Context, sel string) (string, error) {
	el, err := m.sess.Query(ctx, sel)
	if err != nil {
		return "", err
	}
	return el.Text(ctx)
}

func (m *Module) transaction(moved int, ok bool, detail map[string]string) *types.Transaction {
	status := types.TxSuccess
	if !ok {
		status = types.TxFailed
	}
	return &types.Transaction{
		ID:        uuid.NewString(),
		Timestamp: m.clock.Now(),
		Kind:      types.TxStorageMove,
		Quantity:  moved,
		UnitPrice: decimal.Zero,
		Total:     0,
		Status:    status,
		Detail:    detail,
	}
}
