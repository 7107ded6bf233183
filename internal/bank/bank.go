// Package bank moves money between cash and the bank account. Every move is
// verified: balances are read before and after the UI interaction and the
// delta must match the requested amount within ±1 unit, or the transaction
// is reported as failed.
package bank

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketbot/internal/browser"
	"marketbot/internal/clock"
	"marketbot/internal/pacer"
	"marketbot/pkg/types"
)

// FundsReader supplies verified cash/bank balances. It must leave the
// session on the bank page, where the module interacts with the form.
// *probe.Probe satisfies it.
type FundsReader interface {
	Funds(ctx context.Context) (cash, bank int64, err error)
}

// Module drives the bank page. Owned and called by the orchestrator only.
type Module struct {
	sess   browser.Session
	sel    browser.Selectors
	pace   *pacer.Pacer
	funds  FundsReader
	clock  clock.Clock
	logger *slog.Logger
}

// New builds a bank module.
func New(sess browser.Session, sel browser.Selectors, pace *pacer.Pacer, funds FundsReader, clk clock.Clock, logger *slog.Logger) *Module {
	return &Module{
		sess:   sess,
		sel:    sel,
		pace:   pace,
		funds:  funds,
		clock:  clk,
		logger: logger.With("component", "bank"),
	}
}

// Withdraw moves amount from bank to cash.
func (m *Module) Withdraw(ctx context.Context, amount int64) (types.Outcome, *types.Transaction) {
	return m.move(ctx, types.TxWithdrawal, amount)
}

// WithdrawAll moves the full bank balance to cash. Empty bank is a no-op.
func (m *Module) WithdrawAll(ctx context.Context) (types.Outcome, *types.Transaction) {
	_, bank, err := m.funds.Funds(ctx)
	if err != nil {
		return browser.Classify(err), nil
	}
	if bank == 0 {
		return types.OutcomeOK, nil
	}
	return m.move(ctx, types.TxWithdrawal, bank)
}

// Deposit moves amount from cash to bank.
func (m *Module) Deposit(ctx context.Context, amount int64) (types.Outcome, *types.Transaction) {
	return m.move(ctx, types.TxDeposit, amount)
}

// DepositAll moves all cash to the bank. Zero cash is a no-op.
func (m *Module) DepositAll(ctx context.Context) (types.Outcome, *types.Transaction) {
	cash, _, err := m.funds.Funds(ctx)
	if err != nil {
		return browser.Classify(err), nil
	}
	if cash == 0 {
		return types.OutcomeOK, nil
	}
	return m.move(ctx, types.TxDeposit, cash)
}

// EnsureMinimumCash tops up cash to required. It is a no-op when cash
// already suffices, withdraws exactly the deficit when the bank covers it,
// and reports Blocked when it does not.
func (m *Module) EnsureMinimumCash(ctx context.Context, required int64) (types.Outcome, *types.Transaction) {
	cash, bank, err := m.funds.Funds(ctx)
	if err != nil {
		return browser.Classify(err), nil
	}
	if cash >= required {
		return types.OutcomeOK, nil
	}
	deficit := required - cash
	if bank < deficit {
		m.logger.Warn("bank cannot cover cash deficit",
			"cash", cash, "bank", bank, "required", required)
		return types.OutcomeBlocked, nil
	}
	return m.move(ctx, types.TxWithdrawal, deficit)
}

// move performs one verified bank operation. The funds reader leaves the
// session on the bank page, so the form is interacted with directly.
func (m *Module) move(ctx context.Context, kind types.TxKind, amount int64) (types.Outcome, *types.Transaction) {
	preCash, preBank, err := m.funds.Funds(ctx)
	if err != nil {
		return browser.Classify(err), nil
	}

	limit := preBank
	if kind == types.TxDeposit {
		limit = preCash
	}
	if amount < 1 || amount > limit {
		m.logger.Warn("bank amount out of range",
			"kind", string(kind), "amount", amount, "limit", limit)
		return types.OutcomeBlocked, nil
	}

	if err := m.interact(ctx, kind, amount); err != nil {
		m.logger.Warn("bank interaction failed", "kind", string(kind), "error", err)
		return browser.Classify(err), nil
	}

	postCash, postBank, err := m.funds.Funds(ctx)
	if err != nil {
		return browser.Classify(err), nil
	}

	wantCash, wantBank := preCash+amount, preBank-amount
	if kind == types.TxDeposit {
		wantCash, wantBank = preCash-amount, preBank+amount
	}
	verified := within(postCash, wantCash, 1) && within(postBank, wantBank, 1)

	tx := m.transaction(kind, amount, verified, map[string]string{
		"pre_cash":  strconv.FormatInt(preCash, 10),
		"pre_bank":  strconv.FormatInt(preBank, 10),
		"post_cash": strconv.FormatInt(postCash, 10),
		"post_bank": strconv.FormatInt(postBank, 10),
	})
	if !verified {
		m.logger.Error("bank balance delta mismatch",
			"kind", string(kind), "amount", amount,
			"post_cash", postCash, "want_cash", wantCash,
			"post_bank", postBank, "want_bank", wantBank)
		return types.OutcomeTransient, tx
	}

	m.logger.Info("bank move", "kind", string(kind), "amount", amount,
		"cash", postCash, "bank", postBank)
	return types.OutcomeOK, tx
}

// interact fills the amount field and clicks the matching button.
func (m *Module) interact(ctx context.Context, kind types.TxKind, amount int64) error {
	input, err := m.sess.Query(ctx, m.sel.BankAmountInput)
	if err != nil {
		return fmt.Errorf("amount input: %w", err)
	}
	if err := m.pace.Action(ctx); err != nil {
		return err
	}
	// The form keeps the previous amount; clear it before typing.
	if err := input.Fill(ctx, ""); err != nil {
		return fmt.Errorf("clear amount: %w", err)
	}
	text := strconv.FormatInt(amount, 10)
	if err := input.Type(ctx, text, m.pace.TypingDelays(text)); err != nil {
		return fmt.Errorf("type amount: %w", err)
	}

	buttonSel := m.sel.BankWithdraw
	if kind == types.TxDeposit {
		buttonSel = m.sel.BankDeposit
	}
	button, err := m.sess.Query(ctx, buttonSel)
	if err != nil {
		return fmt.Errorf("bank button: %w", err)
	}
	if err := m.pace.BeforeClick(ctx); err != nil {
		return err
	}
	if err := button.Click(ctx, false); err != nil {
		return fmt.Errorf("click bank button: %w", err)
	}
	return m.pace.Jitter(ctx)
}

func (m *Module) transaction(kind types.TxKind, amount int64, ok bool, detail map[string]string) *types.Transaction {
	status := types.TxSuccess
	if !ok {
		status = types.TxFailed
	}
	return &types.Transaction{
		ID:        uuid.NewString(),
		Timestamp: m.clock.Now(),
		Kind:      kind,
		Quantity:  1,
		UnitPrice: decimal.NewFromInt(amount),
		Total:     amount,
		Status:    status,
		Detail:    detail,
	}
}

func within(got, want, tolerance int64) bool {
	d := got - want
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}
