package bank

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"marketbot/internal/browser"
	"marketbot/internal/browser/browsertest"
	"marketbot/internal/clock"
	"marketbot/internal/config"
	"marketbot/internal/pacer"
	"marketbot/pkg/types"
)

// fakeFunds plays the probe: it reports scripted balances and pretends the
// session is already on the bank page.
type fakeFunds struct {
	mu   sync.Mutex
	cash int64
	bank int64
	err  error
}

func (f *fakeFunds) Funds(context.Context) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cash, f.bank, f.err
}

func (f *fakeFunds) apply(dCash, dBank int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cash += dCash
	f.bank += dBank
}

func testPacer(clk clock.Clock) *pacer.Pacer {
	return pacer.New(config.PacingConfig{
		ActionMinGap: time.Millisecond,
		JitterMin:    time.Millisecond,
		JitterMax:    2 * time.Millisecond,
		ThinkMin:     time.Millisecond,
		ThinkMax:     2 * time.Millisecond,
		TypingMin:    time.Millisecond,
		TypingMax:    2 * time.Millisecond,
		SettleWindow: time.Millisecond,
	}, clk)
}

// newBankFixture scripts a bank page where the withdraw/deposit buttons
// actually move the scripted balances by the last typed amount.
func newBankFixture(t *testing.T, cash, bank int64) (*Module, *fakeFunds, *browsertest.Element, *browsertest.Element, *browsertest.Element) {
	t.Helper()
	sel := browser.DefaultSelectors()
	funds := &fakeFunds{cash: cash, bank: bank}

	sess := browsertest.NewSession()
	sess.SetCurrentURL("https://game.test/bank")

	input := browsertest.NewElement("")
	withdraw := browsertest.NewElement("Withdraw")
	deposit := browsertest.NewElement("Deposit")

	lastAmount := func() int64 {
		typed := input.Typed()
		if len(typed) == 0 {
			return 0
		}
		var v int64
		for _, ch := range typed[len(typed)-1] {
			v = v*10 + int64(ch-'0')
		}
		return v
	}
	withdraw.OnClick(func(bool) { a := lastAmount(); funds.apply(a, -a) })
	deposit.OnClick(func(bool) { a := lastAmount(); funds.apply(-a, a) })

	sess.AddPage("https://game.test/bank").
		Add(sel.BankAmountInput, input).
		Add(sel.BankWithdraw, withdraw).
		Add(sel.BankDeposit, deposit)

	clk := clock.NewMock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	m := New(sess, sel, testPacer(clk), funds, clk,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return m, funds, input, withdraw, deposit
}

func TestWithdrawVerifiesDelta(t *testing.T) {
	t.Parallel()
	m, funds, _, _, _ := newBankFixture(t, 5_000, 50_000)

	outcome, tx := m.Withdraw(context.Background(), 5_000)
	if outcome != types.OutcomeOK {
		t.Fatalf("Withdraw = %v, want OK", outcome)
	}
	if tx == nil || tx.Kind != types.TxWithdrawal || tx.Status != types.TxSuccess || tx.Total != 5_000 {
		t.Fatalf("transaction = %+v", tx)
	}
	if funds.cash != 10_000 || funds.bank != 45_000 {
		t.Errorf("balances = %d/%d, want 10000/45000", funds.cash, funds.bank)
	}
}

func TestWithdrawRejectsAmountAboveBalance(t *testing.T) {
	t.Parallel()
	m, _, _, withdraw, _ := newBankFixture(t, 100, 2_000)

	outcome, tx := m.Withdraw(context.Background(), 5_000)
	if outcome != types.OutcomeBlocked {
		t.Errorf("Withdraw over balance = %v, want Blocked", outcome)
	}
	if tx != nil {
		t.Errorf("transaction produced for rejected amount: %+v", tx)
	}
	if withdraw.Clicks() != 0 {
		t.Error("bank button clicked despite rejected amount")
	}
}

func TestWithdrawRejectsZeroAndNegative(t *testing.T) {
	t.Parallel()
	m, _, _, _, _ := newBankFixture(t, 100, 2_000)

	for _, amount := range []int64{0, -50} {
		if outcome, _ := m.Withdraw(context.Background(), amount); outcome != types.OutcomeBlocked {
			t.Errorf("Withdraw(%d) = %v, want Blocked", amount, outcome)
		}
	}
}

func TestWithdrawClearsAmountFieldFirst(t *testing.T) {
	t.Parallel()
	m, funds, input, _, _ := newBankFixture(t, 5_000, 50_000)

	if outcome, _ := m.Withdraw(context.Background(), 2_000); outcome != types.OutcomeOK {
		t.Fatalf("Withdraw = %v, want OK", outcome)
	}
	// A stale amount left in the field would concatenate with the typed
	// digits, so the field must be emptied before typing.
	filled := input.Filled()
	if len(filled) != 1 || filled[0] != "" {
		t.Errorf("field fills = %q, want a single clear before typing", filled)
	}
	if typed := input.Typed(); len(typed) != 1 || typed[0] != "2000" {
		t.Errorf("typed = %q, want [2000]", typed)
	}
	if funds.cash != 7_000 || funds.bank != 48_000 {
		t.Errorf("balances = %d/%d, want 7000/48000", funds.cash, funds.bank)
	}
}

func TestDeltaMismatchIsFailedTransaction(t *testing.T) {
	t.Parallel()
	sel := browser.DefaultSelectors()
	funds := &fakeFunds{cash: 1_000, bank: 9_000}

	sess := browsertest.NewSession()
	sess.SetCurrentURL("https://game.test/bank")
	// Button click silently does nothing: the post-probe sees no delta.
	sess.AddPage("https://game.test/bank").
		Add(sel.BankAmountInput, browsertest.NewElement("")).
		Add(sel.BankWithdraw, browsertest.NewElement("Withdraw")).
		Add(sel.BankDeposit, browsertest.NewElement("Deposit"))

	clk := clock.NewMock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	m := New(sess, sel, testPacer(clk), funds, clk,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	outcome, tx := m.Withdraw(context.Background(), 500)
	if outcome != types.OutcomeTransient {
		t.Errorf("mismatch outcome = %v, want Transient", outcome)
	}
	if tx == nil || tx.Status != types.TxFailed {
		t.Errorf("transaction = %+v, want failed", tx)
	}
}

func TestDeposit(t *testing.T) {
	t.Parallel()
	m, funds, _, _, deposit := newBankFixture(t, 8_000, 1_000)

	outcome, tx := m.Deposit(context.Background(), 3_000)
	if outcome != types.OutcomeOK {
		t.Fatalf("Deposit = %v, want OK", outcome)
	}
	if tx.Kind != types.TxDeposit || tx.Status != types.TxSuccess {
		t.Errorf("transaction = %+v", tx)
	}
	if deposit.Clicks() != 1 {
		t.Errorf("deposit clicks = %d, want 1", deposit.Clicks())
	}
	if funds.cash != 5_000 || funds.bank != 4_000 {
		t.Errorf("balances = %d/%d, want 5000/4000", funds.cash, funds.bank)
	}
}

func TestEnsureMinimumCash(t *testing.T) {
	t.Parallel()

	t.Run("noop when cash suffices", func(t *testing.T) {
		t.Parallel()
		m, _, _, withdraw, _ := newBankFixture(t, 12_000, 0)
		outcome, tx := m.EnsureMinimumCash(context.Background(), 10_000)
		if outcome != types.OutcomeOK || tx != nil {
			t.Errorf("got %v/%+v, want OK/nil", outcome, tx)
		}
		if withdraw.Clicks() != 0 {
			t.Error("withdrew despite sufficient cash")
		}
	})

	t.Run("withdraws exactly the deficit", func(t *testing.T) {
		t.Parallel()
		m, funds, _, _, _ := newBankFixture(t, 5_000, 50_000)
		outcome, tx := m.EnsureMinimumCash(context.Background(), 10_000)
		if outcome != types.OutcomeOK {
			t.Fatalf("EnsureMinimumCash = %v, want OK", outcome)
		}
		if tx == nil || tx.Total != 5_000 {
			t.Errorf("transaction = %+v, want withdrawal of 5000", tx)
		}
		if funds.cash != 10_000 || funds.bank != 45_000 {
			t.Errorf("balances = %d/%d, want 10000/45000", funds.cash, funds.bank)
		}
	})

	t.Run("blocked when bank cannot cover", func(t *testing.T) {
		t.Parallel()
		m, _, _, _, _ := newBankFixture(t, 1_000, 2_000)
		outcome, tx := m.EnsureMinimumCash(context.Background(), 10_000)
		if outcome != types.OutcomeBlocked || tx != nil {
			t.Errorf("got %v/%+v, want Blocked/nil", outcome, tx)
		}
	})
}

func TestWithdrawAll(t *testing.T) {
	t.Parallel()
	m, funds, _, _, _ := newBankFixture(t, 500, 7_000)

	outcome, tx := m.WithdrawAll(context.Background())
	if outcome != types.OutcomeOK {
		t.Fatalf("WithdrawAll = %v, want OK", outcome)
	}
	if tx == nil || tx.Total != 7_000 {
		t.Errorf("transaction = %+v, want 7000", tx)
	}
	if funds.bank != 0 || funds.cash != 7_500 {
		t.Errorf("balances = %d/%d, want 7500/0", funds.cash, funds.bank)
	}

	// Empty bank is a quiet no-op.
	outcome, tx = m.WithdrawAll(context.Background())
	if outcome != types.OutcomeOK || tx != nil {
		t.Errorf("WithdrawAll on empty bank = %v/%+v, want OK/nil", outcome, tx)
	}
}
