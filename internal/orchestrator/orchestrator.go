// Package orchestrator owns the trading state machine. It drives bounded
// cycles of login check, resource probe, space management, market scan and
// buy, sell listing, and record sealing, and it is the only component that
// decides state transitions: modules report result kinds, never steer.
//
// One orchestrator drives one browser session from one goroutine. The API
// server and alert manager observe through the event channel and Status;
// neither can steer the loop.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketbot/internal/alert"
	"marketbot/internal/api"
	"marketbot/internal/browser"
	"marketbot/internal/clock"
	"marketbot/internal/config"
	"marketbot/internal/cyclelog"
	"marketbot/internal/store"
	"marketbot/pkg/types"
)

// State identifies one node of the trading state machine.
type State string

const (
	StateIdle                State = "idle"
	StateInitializing        State = "initializing"
	StateLoginRequired       State = "login_required"
	StateLoggingIn           State = "logging_in"
	StateLoginFailed         State = "login_failed"
	StateCheckingResources   State = "checking_resources"
	StateInsufficientFunds   State = "insufficient_funds"
	StateWithdrawingFromBank State = "withdrawing_from_bank"
	StateCheckingInventory   State = "checking_inventory"
	StateDepositingToStorage State = "depositing_to_storage"
	StateSpaceFull           State = "space_full"
	StateMarketScanning      State = "market_scanning"
	StateBuying              State = "buying"
	StateSelling             State = "selling"
	StateWaitingNormal       State = "waiting_normal"
	StateWaitingBlocked      State = "waiting_blocked"
	StateError               State = "error"
	StateCriticalError       State = "critical_error"
)

// Stage names as they appear in cycle records.
const (
	stageLogin   = "login"
	stageProbe   = "resource_probe"
	stageBank    = "bank"
	stageSpace   = "space_management"
	stageScan    = "market_scan"
	stageBuying  = "buying"
	stageSelling = "selling"
	stagePost    = "post_probe"
)

// waitSlice bounds each individual sleep so cancellation is observed
// within a second even during the long waits.
const waitSlice = time.Second

// SessionGuard keeps the browser authenticated.
type SessionGuard interface {
	EnsureLoggedIn(ctx context.Context) types.Outcome
	Validate(ctx context.Context) bool
	ClearSession() error
}

// Prober reads the resource counters.
type Prober interface {
	Snapshot(ctx context.Context) (*types.ResourceSnapshot, error)
}

// Bank tops up cash from the bank balance.
type Bank interface {
	EnsureMinimumCash(ctx context.Context, required int64) (types.Outcome, *types.Transaction)
}

// Inventory moves items between inventory and storage.
type Inventory interface {
	DepositAllToStorage(ctx context.Context) (types.Outcome, *types.Transaction)
}

// Market drives the marketplace pages.
type Market interface {
	Invalidate()
	Search(ctx context.Context, item string) ([]types.MarketListing, error)
	ExecutePurchase(ctx context.Context, opp types.PurchaseOpportunity) (types.PurchaseResult, *types.Transaction)
	InventoryItems(ctx context.Context) ([]types.InventoryItem, error)
	BatchListForSale(ctx context.Context, orders []types.SellOrder) (types.Outcome, []*types.Transaction)
}

// Buyer ranks listings into a purchase plan.
type Buyer interface {
	SelectOpportunities(listings []types.MarketListing, snap *types.ResourceSnapshot, now time.Time) []types.PurchaseOpportunity
}

// Seller plans sell listings.
type Seller interface {
	PlanSellOrders(items []types.InventoryItem, snap *types.ResourceSnapshot, now time.Time) []types.SellOrder
	PlanSpaceClearing(items []types.InventoryItem, snap *types.ResourceSnapshot, needed int, now time.Time) []types.SellOrder
}

// MarketMemory is the write side of the strategy's price history, fed from
// every scan. *strategy.History satisfies it.
type MarketMemory interface {
	Observe(item string, price decimal.Decimal, at time.Time)
	ObserveDepth(item string, listings int)
}

// PriceSink persists observed prices. *store.Store satisfies it.
type PriceSink interface {
	AppendPriceSample(ctx context.Context, sample store.PriceSample) error
}

// Alerter delivers operator notifications. *alert.Manager satisfies it.
type Alerter interface {
	Notify(ctx context.Context, a alert.Alert)
}

// Deps bundles the orchestrator's collaborators. Alerts and Prices may be
// nil; everything else is required.
type Deps struct {
	Session   SessionGuard
	Probe     Prober
	Bank      Bank
	Inventory Inventory
	Market    Market
	Buyer     Buyer
	Seller    Seller
	History   MarketMemory
	Cycles    *cyclelog.Logger
	Prices    PriceSink
	Alerts    Alerter
	Clock     clock.Clock
}

// cycleResult is what one finished cycle tells the outer loop: whether it
// sealed successfully and whether the account is wedged enough to warrant
// the long blocked wait.
type cycleResult struct {
	success bool
	blocked bool
}

// Orchestrator runs the trading loop.
type Orchestrator struct {
	cfg    config.Config
	d      Deps
	logger *slog.Logger

	events chan api.Event

	mu          sync.Mutex
	state       State
	consErrors  int
	completed   int
	failed      int
	lastSnap    *types.ResourceSnapshot
	lastCycleID string
	startedAt   time.Time
}

// New wires an orchestrator. It does not touch the browser.
func New(cfg config.Config, d Deps, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		d:      d,
		logger: logger.With("component", "orchestrator"),
		events: make(chan api.Event, 100),
		state:  StateIdle,
	}
}

// Status returns a point-in-time view for the API. Safe to call from any
// goroutine.
func (o *Orchestrator) Status() api.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return api.Status{
		State:             string(o.state),
		DryRun:            o.cfg.DryRun,
		ConsecutiveErrors: o.consErrors,
		CyclesCompleted:   o.completed,
		CyclesFailed:      o.failed,
		LastCycleID:       o.lastCycleID,
		LastSnapshot:      o.lastSnap,
		StartedAt:         o.startedAt,
		Now:               o.d.Clock.Now(),
	}
}

// Events exposes the broadcast channel consumed by the API server.
func (o *Orchestrator) Events() <-chan api.Event {
	return o.events
}

// Run executes trading cycles until the context is cancelled or a fatal
// condition terminates the loop. It always returns a non-nil error: the
// context's on shutdown, or the fatal cause.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.startedAt = o.d.Clock.Now()
	o.mu.Unlock()

	o.setState(StateInitializing, nil)
	o.logger.Info("trading loop starting",
		"dry_run", o.cfg.DryRun,
		"targets", len(o.cfg.Trading.TargetItems),
		"normal_wait", o.cfg.Trading.NormalWait,
	)

	for {
		if err := ctx.Err(); err != nil {
			o.setState(StateIdle, nil)
			return err
		}

		res, err := o.runCycle(ctx)
		if err != nil {
			o.setState(StateIdle, nil)
			if ctx.Err() == nil {
				o.logger.Error("trading loop terminating", "error", err)
				o.alert(ctx, alert.LevelCritical, "trading loop terminated", err.Error(), nil)
			}
			return err
		}

		o.mu.Lock()
		streak := o.consErrors
		o.mu.Unlock()
		if streak >= o.cfg.Trading.MaxConsecutiveErrors {
			o.setState(StateCriticalError, map[string]string{
				"consecutive_errors": fmt.Sprintf("%d", streak),
			})
			o.alert(ctx, alert.LevelCritical, "consecutive error limit reached",
				fmt.Sprintf("%d cycles failed in a row, cooling down for %s", streak, o.cfg.Trading.CriticalCooldown),
				nil)
			if err := o.wait(ctx, o.cfg.Trading.CriticalCooldown); err != nil {
				o.setState(StateIdle, nil)
				return err
			}
			o.mu.Lock()
			o.consErrors = 0
			o.mu.Unlock()
			o.setState(StateIdle, nil)
			continue
		}

		waitFor := o.cfg.Trading.NormalWait
		waitState := StateWaitingNormal
		if res.blocked {
			waitFor = o.cfg.Trading.BlockedWait
			waitState = StateWaitingBlocked
			o.alert(ctx, alert.LevelWarning, "trading blocked",
				fmt.Sprintf("no viable action this cycle, waiting %s", waitFor), nil)
		}
		o.setState(waitState, nil)
		if err := o.wait(ctx, waitFor); err != nil {
			o.setState(StateIdle, nil)
			return err
		}
		o.setState(StateIdle, nil)
	}
}

// runCycle opens a cycle record, runs the stages, and seals the record no
// matter how the stages end. The returned error terminates the loop.
func (o *Orchestrator) runCycle(ctx context.Context) (cycleResult, error) {
	id := o.d.Cycles.StartCycle()
	o.mu.Lock()
	o.lastCycleID = id
	o.mu.Unlock()

	res, err := o.cycleBody(ctx)
	cancelled := ctx.Err() != nil

	rec, sealErr := o.d.Cycles.EndCycle(ctx, res.success && err == nil, cancelled)
	if sealErr != nil {
		o.logger.Error("cycle seal", "cycle_id", id, "error", sealErr)
	}
	o.emit(api.Event{
		Type:      "cycle",
		Timestamp: o.d.Clock.Now(),
		CycleID:   rec.ID,
		Data:      rec,
	})

	o.mu.Lock()
	if rec.Success {
		o.completed++
		o.consErrors = 0
	} else {
		o.failed++
	}
	o.mu.Unlock()

	if cancelled {
		return res, ctx.Err()
	}
	return res, err
}

// cycleBody runs the stages of one cycle in order. A stage-level failure
// ends the cycle as unsuccessful with a nil error; only fatal conditions
// return one.
func (o *Orchestrator) cycleBody(ctx context.Context) (cycleResult, error) {
	// The page has been idle since the previous cycle; assume nothing
	// about where the browser sits.
	o.d.Market.Invalidate()

	// Login.
	o.setState(StateLoginRequired, nil)
	o.setState(StateLoggingIn, nil)
	o.d.Cycles.StartStage(stageLogin)
	lctx, cancel := context.WithTimeout(ctx, o.cfg.Trading.Timeouts.Login)
	outcome := o.d.Session.EnsureLoggedIn(lctx)
	cancel()
	o.d.Cycles.EndStage(outcome, nil)
	switch outcome {
	case types.OutcomeOK:
	case types.OutcomeBlocked, types.OutcomeSessionInvalid:
		o.setState(StateLoginFailed, nil)
		o.alert(ctx, alert.LevelCritical, "login failed",
			"login attempts exhausted, backing off", nil)
		return cycleResult{blocked: true}, nil
	case types.OutcomeFatal, types.OutcomeConfiguration:
		return cycleResult{}, fmt.Errorf("login: %s", outcome)
	default:
		return o.stageFailed(stageLogin, fmt.Errorf("login outcome %s", outcome))
	}

	// Resource probe.
	o.setState(StateCheckingResources, nil)
	o.d.Cycles.StartStage(stageProbe)
	snap, err := o.probe(ctx)
	if err != nil {
		o.d.Cycles.EndStage(browser.Classify(err), err)
		if browser.Classify(err) == types.OutcomeFatal {
			return cycleResult{}, fmt.Errorf("resource probe: %w", err)
		}
		return o.stageFailed(stageProbe, err)
	}
	o.d.Cycles.EndStage(types.OutcomeOK, nil)
	o.d.Cycles.RecordBefore(*snap)
	o.publishSnapshot(snap)

	// work tracks the running estimate of funds and space as the cycle
	// spends them; the sealed record carries real probed snapshots.
	work := *snap

	// Funds.
	if res, done, err := o.ensureFunds(ctx, &work); done || err != nil {
		return res, err
	}

	// Space.
	if work.InventoryFree() < o.cfg.Trading.LowSpaceThreshold {
		if res, done, err := o.manageSpace(ctx, &work); done || err != nil {
			return res, err
		}
	}

	// Scan.
	o.setState(StateMarketScanning, nil)
	plan, res, err := o.scan(ctx, &work)
	if err != nil || !res.success {
		return res, err
	}

	// Buy.
	if len(plan) > 0 {
		if res, err := o.buy(ctx, plan, &work); err != nil || !res.success {
			return res, err
		}
	}

	// Sell.
	if res, err := o.sell(ctx, &work); err != nil || !res.success {
		return res, err
	}

	// Post probe: the sealed record gets real counters, and the blocked
	// check runs against them rather than the running estimate.
	o.setState(StateCheckingResources, nil)
	o.d.Cycles.StartStage(stagePost)
	after, err := o.probe(ctx)
	if err != nil {
		o.d.Cycles.EndStage(browser.Classify(err), err)
		if browser.Classify(err) == types.OutcomeFatal {
			return cycleResult{}, fmt.Errorf("post probe: %w", err)
		}
		return o.stageFailed(stagePost, err)
	}
	o.d.Cycles.EndStage(types.OutcomeOK, nil)
	o.d.Cycles.RecordAfter(*after)
	o.publishSnapshot(after)

	return cycleResult{
		success: true,
		blocked: after.IsBlocked(o.cfg.Trading.MinCashThreshold),
	}, nil
}

// ensureFunds withdraws from the bank when cash sits below the trading
// threshold. done reports that the cycle should end here (blocked or
// failed); the caller returns res unchanged in that case.
func (o *Orchestrator) ensureFunds(ctx context.Context, work *types.ResourceSnapshot) (res cycleResult, done bool, err error) {
	minCash := o.cfg.Trading.MinCashThreshold
	if work.Cash >= minCash {
		return cycleResult{}, false, nil
	}
	if work.Bank <= 0 {
		o.setState(StateInsufficientFunds, nil)
		o.logger.Warn("insufficient funds", "cash", work.Cash, "bank", work.Bank, "min", minCash)
		return cycleResult{success: true, blocked: true}, true, nil
	}

	o.setState(StateWithdrawingFromBank, nil)
	o.d.Cycles.StartStage(stageBank)
	bctx, cancel := context.WithTimeout(ctx, o.cfg.Trading.Timeouts.Purchase)
	outcome, tx := o.d.Bank.EnsureMinimumCash(bctx, minCash)
	cancel()
	if tx != nil {
		o.d.Cycles.RecordTransaction(*tx)
	}
	o.d.Cycles.EndStage(outcome, nil)

	switch outcome {
	case types.OutcomeOK:
		if tx != nil && tx.Status == types.TxSuccess {
			work.Cash += tx.Total
			work.Bank -= tx.Total
		}
		return cycleResult{}, false, nil
	case types.OutcomeBlocked:
		o.setState(StateInsufficientFunds, nil)
		return cycleResult{success: true, blocked: true}, true, nil
	case types.OutcomeFatal, types.OutcomeConfiguration:
		return cycleResult{}, true, fmt.Errorf("bank withdrawal: %s", outcome)
	default:
		res, err := o.stageFailed(stageBank, fmt.Errorf("bank outcome %s", outcome))
		return res, true, err
	}
}

// manageSpace frees inventory slots before trading: deposit everything to
// storage, or when storage is full, list low-value stacks aggressively to
// clear space. done reports that the cycle should end here.
func (o *Orchestrator) manageSpace(ctx context.Context, work *types.ResourceSnapshot) (res cycleResult, done bool, err error) {
	o.setState(StateCheckingInventory, nil)
	o.setState(StateDepositingToStorage, nil)
	o.d.Cycles.StartStage(stageSpace)

	dctx, cancel := context.WithTimeout(ctx, o.cfg.Trading.Timeouts.Purchase)
	outcome, tx := o.d.Inventory.DepositAllToStorage(dctx)
	cancel()
	if tx != nil {
		o.d.Cycles.RecordTransaction(*tx)
	}

	switch outcome {
	case types.OutcomeOK:
		o.d.Cycles.EndStage(types.OutcomeOK, nil)
		if tx != nil {
			work.InventoryUsed -= tx.Quantity
			if work.InventoryUsed < 0 {
				work.InventoryUsed = 0
			}
			work.StorageUsed += tx.Quantity
		}
		return cycleResult{}, false, nil

	case types.OutcomeBlocked:
		// Storage will not take more; sell our way out.
		o.setState(StateSpaceFull, nil)
		needed := o.cfg.Trading.LowSpaceThreshold - work.InventoryFree()
		res, done, err := o.clearSpace(ctx, work, needed)
		if err != nil || done {
			o.d.Cycles.EndStage(types.OutcomeBlocked, nil)
			return res, done, err
		}
		o.d.Cycles.EndStage(types.OutcomeOK, nil)
		return cycleResult{}, false, nil

	case types.OutcomeFatal, types.OutcomeConfiguration:
		o.d.Cycles.EndStage(outcome, nil)
		return cycleResult{}, true, fmt.Errorf("storage deposit: %s", outcome)

	default:
		o.d.Cycles.EndStage(outcome, nil)
		res, err := o.stageFailed(stageSpace, fmt.Errorf("storage deposit outcome %s", outcome))
		return res, true, err
	}
}

// clearSpace lists the lowest-value inventory stacks at aggressive prices
// until enough slots would free up.
func (o *Orchestrator) clearSpace(ctx context.Context, work *types.ResourceSnapshot, needed int) (res cycleResult, done bool, err error) {
	ictx, cancel := context.WithTimeout(ctx, o.cfg.Trading.Timeouts.Scan)
	items, ierr := o.d.Market.InventoryItems(ictx)
	cancel()
	if ierr != nil {
		if browser.Classify(ierr) == types.OutcomeFatal {
			return cycleResult{}, true, fmt.Errorf("inventory read: %w", ierr)
		}
		res, err := o.stageFailed(stageSpace, ierr)
		return res, true, err
	}

	orders := o.d.Seller.PlanSpaceClearing(items, work, needed, o.d.Clock.Now())
	if len(orders) == 0 {
		// Nothing sellable and storage full: the account is wedged.
		o.logger.Warn("space full with nothing to clear", "inventory_free", work.InventoryFree())
		return cycleResult{success: true, blocked: true}, true, nil
	}
	if o.cfg.DryRun {
		o.logger.Info("dry run: would list for space clearing", "orders", len(orders))
		return cycleResult{}, false, nil
	}

	lctx, cancel := context.WithTimeout(ctx, o.cfg.Trading.Timeouts.ListingPerOrder*time.Duration(len(orders)))
	outcome, txs := o.d.Market.BatchListForSale(lctx, orders)
	cancel()
	listed := 0
	for _, tx := range txs {
		if tx == nil {
			continue
		}
		o.d.Cycles.RecordTransaction(*tx)
		if tx.Status == types.TxSuccess {
			listed++
		}
	}
	work.InventoryUsed -= listed
	if work.InventoryUsed < 0 {
		work.InventoryUsed = 0
	}
	work.SellingUsed += listed

	switch outcome {
	case types.OutcomeOK:
		return cycleResult{}, false, nil
	case types.OutcomeFatal, types.OutcomeConfiguration:
		return cycleResult{}, true, fmt.Errorf("space clearing: %s", outcome)
	default:
		res, err := o.stageFailed(stageSpace, fmt.Errorf("space clearing outcome %s", outcome))
		return res, true, err
	}
}

// scan searches every target item, feeds the price history and the store,
// and ranks the combined listings into a purchase plan. One scan budget
// covers all targets.
func (o *Orchestrator) scan(ctx context.Context, work *types.ResourceSnapshot) ([]types.PurchaseOpportunity, cycleResult, error) {
	o.d.Cycles.StartStage(stageScan)
	sctx, cancel := context.WithTimeout(ctx, o.cfg.Trading.Timeouts.Scan)
	defer cancel()

	var all []types.MarketListing
	for _, item := range o.cfg.Trading.TargetItems {
		listings, err := o.d.Market.Search(sctx, item)
		if err != nil {
			o.d.Cycles.EndStage(browser.Classify(err), err)
			if browser.Classify(err) == types.OutcomeFatal {
				return nil, cycleResult{}, fmt.Errorf("scan %q: %w", item, err)
			}
			res, ferr := o.stageFailed(stageScan, err)
			return nil, res, ferr
		}
		o.observe(ctx, item, listings)
		all = append(all, listings...)
	}
	o.d.Cycles.EndStage(types.OutcomeOK, nil)

	plan := o.d.Buyer.SelectOpportunities(all, work, o.d.Clock.Now())
	o.logger.Info("scan finished", "listings", len(all), "opportunities", len(plan))
	return plan, cycleResult{success: true}, nil
}

// observe records scanned prices into the in-memory history and the store.
// Store failures are logged, never fatal: pricing degrades gracefully.
func (o *Orchestrator) observe(ctx context.Context, item string, listings []types.MarketListing) {
	now := o.d.Clock.Now()
	o.d.History.ObserveDepth(item, len(listings))
	for _, l := range listings {
		o.d.History.Observe(l.ItemName, l.UnitPrice, now)
		if o.d.Prices == nil {
			continue
		}
		sample := store.PriceSample{ItemName: l.ItemName, UnitPrice: l.UnitPrice, ObservedAt: now}
		if err := o.d.Prices.AppendPriceSample(ctx, sample); err != nil {
			o.logger.Warn("persist price sample", "item", l.ItemName, "error", err)
		}
	}
}

// buy executes the purchase plan in priority order. A full inventory gets
// one mid-stage storage deposit before the stage gives up on buying.
func (o *Orchestrator) buy(ctx context.Context, plan []types.PurchaseOpportunity, work *types.ResourceSnapshot) (cycleResult, error) {
	o.setState(StateBuying, nil)
	o.d.Cycles.StartStage(stageBuying)

	spaceRecovered := false
buying:
	for i := 0; i < len(plan); i++ {
		if ctx.Err() != nil {
			break
		}
		opp := plan[i]
		if opp.Listing.TotalPrice > work.Cash {
			continue
		}
		if o.cfg.DryRun {
			o.logger.Info("dry run: would buy",
				"item", opp.Listing.ItemName,
				"quantity", opp.Listing.Quantity,
				"total", opp.Listing.TotalPrice,
			)
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, o.cfg.Trading.Timeouts.Purchase)
		result, tx := o.d.Market.ExecutePurchase(pctx, opp)
		cancel()
		if tx != nil {
			o.d.Cycles.RecordTransaction(*tx)
			if tx.Status == types.TxSuccess || tx.Status == types.TxUnknown {
				work.Cash -= tx.Total
			}
		}

		switch result {
		case types.PurchaseOK:
			work.InventoryUsed++

		case types.PurchaseInventoryFull:
			if spaceRecovered {
				o.logger.Warn("inventory full again, stopping purchases")
				break buying
			}
			spaceRecovered = true
			o.setState(StateCheckingInventory, nil)
			o.setState(StateDepositingToStorage, nil)
			dctx, cancel := context.WithTimeout(ctx, o.cfg.Trading.Timeouts.Purchase)
			outcome, dtx := o.d.Inventory.DepositAllToStorage(dctx)
			cancel()
			if dtx != nil {
				o.d.Cycles.RecordTransaction(*dtx)
			}
			o.setState(StateBuying, nil)
			if outcome != types.OutcomeOK {
				o.logger.Warn("mid-cycle storage deposit failed", "outcome", string(outcome))
				break buying
			}
			i-- // retry the interrupted purchase

		case types.PurchaseInsufficientFunds:
			o.logger.Warn("purchase rejected for funds, stopping purchases", "cash_estimate", work.Cash)
			break buying

		case types.PurchaseConfirmationMissing:
			// Funds state unknown; stop spending until the next probe.
			o.d.Cycles.RecordError(stageBuying, fmt.Errorf("purchase confirmation missing for %q", opp.Listing.ItemName))
			break buying

		default: // row gone, or an unclassified refusal: skip this listing
		}
	}

	o.d.Cycles.EndStage(types.OutcomeOK, nil)
	return cycleResult{success: true}, nil
}

// sell prices the current inventory and lists it onto free selling slots.
func (o *Orchestrator) sell(ctx context.Context, work *types.ResourceSnapshot) (cycleResult, error) {
	o.setState(StateSelling, nil)
	o.d.Cycles.StartStage(stageSelling)

	ictx, cancel := context.WithTimeout(ctx, o.cfg.Trading.Timeouts.Scan)
	items, err := o.d.Market.InventoryItems(ictx)
	cancel()
	if err != nil {
		o.d.Cycles.EndStage(browser.Classify(err), err)
		if browser.Classify(err) == types.OutcomeFatal {
			return cycleResult{}, fmt.Errorf("inventory read: %w", err)
		}
		return o.stageFailed(stageSelling, err)
	}

	orders := o.d.Seller.PlanSellOrders(items, work, o.d.Clock.Now())
	if len(orders) == 0 {
		o.d.Cycles.EndStage(types.OutcomeOK, nil)
		return cycleResult{success: true}, nil
	}
	if o.cfg.DryRun {
		o.logger.Info("dry run: would list for sale", "orders", len(orders))
		o.d.Cycles.EndStage(types.OutcomeOK, nil)
		return cycleResult{success: true}, nil
	}

	lctx, cancel := context.WithTimeout(ctx, o.cfg.Trading.Timeouts.ListingPerOrder*time.Duration(len(orders)))
	outcome, txs := o.d.Market.BatchListForSale(lctx, orders)
	cancel()
	for _, tx := range txs {
		if tx != nil {
			o.d.Cycles.RecordTransaction(*tx)
		}
	}
	o.d.Cycles.EndStage(outcome, nil)

	switch outcome {
	case types.OutcomeOK, types.OutcomeBlocked:
		return cycleResult{success: true}, nil
	case types.OutcomeFatal, types.OutcomeConfiguration:
		return cycleResult{}, fmt.Errorf("sell listing: %s", outcome)
	default:
		return o.stageFailed(stageSelling, fmt.Errorf("sell listing outcome %s", outcome))
	}
}

// probe takes one snapshot under the probe timeout.
func (o *Orchestrator) probe(ctx context.Context) (*types.ResourceSnapshot, error) {
	pctx, cancel := context.WithTimeout(ctx, o.cfg.Trading.Timeouts.Probe)
	defer cancel()
	return o.d.Probe.Snapshot(pctx)
}

// stageFailed records a stage-level failure: the error streak grows, the
// sticky page state is dropped, and the cycle ends unsuccessfully. The next
// cycle restarts the interrupted flow from the top.
func (o *Orchestrator) stageFailed(stage string, err error) (cycleResult, error) {
	o.mu.Lock()
	o.consErrors++
	streak := o.consErrors
	o.mu.Unlock()

	o.setState(StateError, map[string]string{"stage": stage})
	o.logger.Warn("stage failed",
		"stage", stage,
		"error", err,
		"consecutive_errors", streak,
	)
	o.d.Market.Invalidate()
	return cycleResult{}, nil
}

// publishSnapshot stores the latest counters for Status and broadcasts them.
func (o *Orchestrator) publishSnapshot(snap *types.ResourceSnapshot) {
	s := *snap
	o.mu.Lock()
	o.lastSnap = &s
	o.mu.Unlock()
	o.emit(api.Event{
		Type:      "snapshot",
		Timestamp: o.d.Clock.Now(),
		CycleID:   o.d.Cycles.CycleID(),
		Data:      s,
	})
}

// wait sleeps in slices so cancellation never waits on a long timer.
func (o *Orchestrator) wait(ctx context.Context, d time.Duration) error {
	for d > 0 {
		chunk := d
		if chunk > waitSlice {
			chunk = waitSlice
		}
		if err := o.d.Clock.Sleep(ctx, chunk); err != nil {
			return err
		}
		d -= chunk
	}
	return ctx.Err()
}

// setState publishes a transition. Same-state calls are dropped.
func (o *Orchestrator) setState(s State, detail map[string]string) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	if prev == s {
		return
	}

	o.logger.Info("state transition", "from", string(prev), "to", string(s))
	o.emit(api.Event{
		Type:      "state",
		Timestamp: o.d.Clock.Now(),
		State:     string(s),
		CycleID:   o.d.Cycles.CycleID(),
		Detail:    detail,
	})
}

// emit broadcasts without ever blocking the trading goroutine.
func (o *Orchestrator) emit(evt api.Event) {
	select {
	case o.events <- evt:
	default:
		o.logger.Debug("event channel full, dropping", "type", evt.Type)
	}
}

// alert notifies the operator when an alert manager is wired.
func (o *Orchestrator) alert(ctx context.Context, level alert.Level, title, msg string, fields map[string]string) {
	if o.d.Alerts == nil {
		return
	}
	o.d.Alerts.Notify(ctx, alert.Alert{
		Level:   level,
		Title:   title,
		Message: msg,
		Fields:  fields,
	})
}
