// Package market drives the marketplace pages: searching listings, executing
// purchases, and posting sell listings.
//
// The module keeps a private sticky view of where the browser is
// (marketplace or not, which tab) so repeated operations skip redundant
// navigation. The view is optimistic; Invalidate drops it after error
// recovery or a re-login, and every entry path re-verifies the marketplace
// marker before trusting it again.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
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

// confirmPolls bounds the wait for the purchase confirmation dialog.
const (
	confirmPolls   = 10
	confirmPollGap = 400 * time.Millisecond
)

// Module drives the marketplace. Owned and called by the orchestrator only.
type Module struct {
	sess        browser.Session
	sel         browser.Selectors
	pace        *pacer.Pacer
	game        config.GameConfig
	clock       clock.Clock
	maxListings int
	logger      *slog.Logger

	// Sticky location state, valid only between Invalidate calls.
	onMarketplace bool
	currentTab    types.MarketTab
}

// New builds a market module. maxListings caps how many rows one search
// parses.
func New(sess browser.Session, sel browser.Selectors, pace *pacer.Pacer, game config.GameConfig, clk clock.Clock, maxListings int, logger *slog.Logger) *Module {
	return &Module{
		sess:        sess,
		sel:         sel,
		pace:        pace,
		game:        game,
		clock:       clk,
		maxListings: maxListings,
		logger:      logger.With("component", "market"),
	}
}

// Invalidate drops the sticky location state. Called after error recovery
// and after any re-login, when the browser may be anywhere.
func (m *Module) Invalidate() {
	m.onMarketplace = false
	m.currentTab = ""
}

// EnsureMarketplace brings the browser to the marketplace on the given tab,
// navigating and switching tabs only when the sticky state says it must.
func (m *Module) EnsureMarketplace(ctx context.Context, tab types.MarketTab) error {
	if !m.onMarketplace {
		if err := m.pace.Action(ctx); err != nil {
			return err
		}
		if err := m.sess.Navigate(ctx, m.game.URL(m.game.MarketPath)); err != nil {
			return fmt.Errorf("open marketplace: %w", err)
		}
		if err := m.pace.AfterNavigation(ctx); err != nil {
			return err
		}
		if !m.visible(ctx, m.sel.MarketplaceMarker) {
			return fmt.Errorf("%w: marketplace marker after navigation", browser.ErrNotFound)
		}
		m.onMarketplace = true
		m.currentTab = ""
	}

	if m.currentTab == tab {
		return nil
	}
	tabSel := m.sel.BuyTab
	if tab == types.TabSell {
		tabSel = m.sel.SellTab
	}
	el, err := m.sess.Query(ctx, tabSel)
	if err != nil {
		m.Invalidate()
		return fmt.Errorf("market tab %s: %w", tab, err)
	}
	if err := m.pace.BeforeClick(ctx); err != nil {
		return err
	}
	if err := el.Click(ctx, false); err != nil {
		m.Invalidate()
		return fmt.Errorf("switch to %s tab: %w", tab, err)
	}
	if err := m.pace.Jitter(ctx); err != nil {
		return err
	}
	m.currentTab = tab
	return nil
}

// Search looks one item up on the buy tab and parses the result rows. Rows
// whose unit price and total disagree are dropped, not fixed up: a half-read
// row is worse than a missing one.
func (m *Module) Search(ctx context.Context, item string) ([]types.MarketListing, error) {
	if err := m.EnsureMarketplace(ctx, types.TabBuy); err != nil {
		return nil, err
	}
	if err := m.dismissOverlay(ctx); err != nil {
		return nil, err
	}

	input, err := m.sess.Query(ctx, m.sel.SearchInput)
	if err != nil {
		return nil, fmt.Errorf("search input: %w", err)
	}
	if err := m.pace.Action(ctx); err != nil {
		return nil, err
	}
	if err := input.Fill(ctx, ""); err != nil {
		return nil, fmt.Errorf("clear search input: %w", err)
	}
	if err := input.Type(ctx, item, m.pace.TypingDelays(item)); err != nil {
		return nil, fmt.Errorf("type search term: %w", err)
	}

	button, err := m.sess.Query(ctx, m.sel.SearchButton)
	if err != nil {
		return nil, fmt.Errorf("search button: %w", err)
	}
	if err := m.pace.BeforeClick(ctx); err != nil {
		return nil, err
	}
	if err := button.Click(ctx, false); err != nil {
		return nil, fmt.Errorf("run search: %w", err)
	}
	if err := m.pace.Jitter(ctx); err != nil {
		return nil, err
	}

	rows, err := m.sess.QueryAll(ctx, m.sel.ListingRows)
	if err != nil {
		return nil, fmt.Errorf("listing rows: %w", err)
	}
	if len(rows) > m.maxListings {
		rows = rows[:m.maxListings]
	}

	listings := make([]types.MarketListing, 0, len(rows))
	for i, row := range rows {
		l, err := m.parseRow(ctx, row)
		if err != nil {
			m.logger.Warn("unparseable listing row", "item", item, "row", i, "error", err)
			continue
		}
		if !l.PriceConsistent() {
			m.logger.Warn("listing row fails price consistency, dropped",
				"item", l.ItemName, "unit", l.UnitPrice, "qty", l.Quantity, "total", l.TotalPrice)
			continue
		}
		listings = append(listings, l)
	}
	m.logger.Debug("search complete", "item", item, "rows", len(rows), "accepted", len(listings))
	return listings, nil
}

// ExecutePurchase buys one listing. The row is re-matched from the live page
// first: listings move or vanish between scan and buy, and buying whatever
// now sits at the old index would purchase the wrong thing.
func (m *Module) ExecutePurchase(ctx context.Context, opp types.PurchaseOpportunity) (types.PurchaseResult, *types.Transaction) {
	want := opp.Listing
	if err := m.EnsureMarketplace(ctx, types.TabBuy); err != nil {
		return types.PurchaseOther, nil
	}

	row, err := m.matchRow(ctx, want)
	if err != nil {
		if errors.Is(err, errRowGone) {
			m.logger.Info("listing gone before purchase",
				"item", want.ItemName, "seller", want.SellerID)
			return types.PurchaseRowGone, nil
		}
		m.logger.Warn("row re-match failed", "item", want.ItemName, "error", err)
		return types.PurchaseOther, nil
	}

	if err := m.dismissOverlay(ctx); err != nil {
		return types.PurchaseOther, nil
	}

	buy, err := row.Query(ctx, m.sel.RowBuyButton)
	if err != nil {
		return types.PurchaseRowGone, nil
	}
	if err := m.pace.BeforeClick(ctx); err != nil {
		return types.PurchaseOther, nil
	}
	if err := buy.Click(ctx, false); err != nil {
		m.logger.Warn("buy click failed", "item", want.ItemName, "error", err)
		return types.PurchaseOther, nil
	}

	return m.settlePurchase(ctx, want)
}

// settlePurchase waits out the confirmation dialog after a buy click and
// classifies what the page did. A vanished dialog with no error banner is
// the integrity case: the click happened and funds must be treated as spent.
func (m *Module) settlePurchase(ctx context.Context, want types.MarketListing) (types.PurchaseResult, *types.Transaction) {
	var sawDialog bool
	for i := 0; i < confirmPolls; i++ {
		if res, ok := m.bannerResult(ctx); ok {
			return res, nil
		}
		if m.visible(ctx, m.sel.ConfirmDialog) {
			sawDialog = true
			break
		}
		if err := m.clock.Sleep(ctx, confirmPollGap); err != nil {
			return types.PurchaseConfirmationMissing, m.purchaseTx(want, types.TxUnknown, "cancelled mid-confirmation")
		}
	}
	if !sawDialog {
		m.logger.Error("no confirmation dialog and no error banner after buy click",
			"item", want.ItemName, "seller", want.SellerID)
		return types.PurchaseConfirmationMissing, m.purchaseTx(want, types.TxUnknown, "dialog never appeared")
	}

	yes, err := m.sess.Query(ctx, m.sel.ConfirmYes)
	if err != nil {
		return types.PurchaseConfirmationMissing, m.purchaseTx(want, types.TxUnknown, "confirm button missing")
	}
	if err := m.pace.BeforeClick(ctx); err != nil {
		return types.PurchaseConfirmationMissing, m.purchaseTx(want, types.TxUnknown, "cancelled mid-confirmation")
	}
	if err := yes.Click(ctx, false); err != nil {
		return types.PurchaseConfirmationMissing, m.purchaseTx(want, types.TxUnknown, "confirm click failed")
	}
	if err := m.pace.Jitter(ctx); err != nil {
		return types.PurchaseConfirmationMissing, m.purchaseTx(want, types.TxUnknown, "cancelled mid-confirmation")
	}

	// The banner can still appear after the confirm.
	if res, ok := m.bannerResult(ctx); ok {
		return res, nil
	}

	m.logger.Info("purchase complete", "item", want.ItemName,
		"qty", want.Quantity, "total", want.TotalPrice, "seller", want.SellerID)
	return types.PurchaseOK, m.purchaseTx(want, types.TxSuccess, "")
}

// bannerResult reads the market error banner, when present, and maps its
// text to a purchase result. Inventory-full and insufficient-funds rejections
// happen before any money moves, so no transaction is recorded for them.
func (m *Module) bannerResult(ctx context.Context) (types.PurchaseResult, bool) {
	el, err := m.sess.Query(ctx, m.sel.ErrorBanner)
	if err != nil {
		return "", false
	}
	if ok, err := el.IsVisible(ctx); err != nil || !ok {
		return "", false
	}
	text, err := el.Text(ctx)
	if err != nil {
		return "", false
	}
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "inventory") || strings.Contains(lower, "space"):
		m.logger.Info("purchase rejected: inventory full", "banner", text)
		return types.PurchaseInventoryFull, true
	case strings.Contains(lower, "funds") || strings.Contains(lower, "money") || strings.Contains(lower, "afford"):
		m.logger.Info("purchase rejected: insufficient funds", "banner", text)
		return types.PurchaseInsufficientFunds, true
	default:
		m.logger.Warn("purchase rejected", "banner", text)
		return types.PurchaseOther, true
	}
}

var errRowGone = errors.New("market: listing row gone")

// matchRow re-finds the wanted listing on the live page by item name, seller
// and unit price within the standard tolerance.
func (m *Module) matchRow(ctx context.Context, want types.MarketListing) (browser.Element, error) {
	rows, err := m.sess.QueryAll(ctx, m.sel.ListingRows)
	if err != nil {
		return nil, fmt.Errorf("listing rows: %w", err)
	}
	for _, row := range rows {
		l, err := m.parseRow(ctx, row)
		if err != nil {
			continue
		}
		if !strings.EqualFold(l.ItemName, want.ItemName) {
			continue
		}
		if l.SellerID != want.SellerID {
			continue
		}
		if !types.PriceEqual(l.UnitPrice, want.UnitPrice) {
			continue
		}
		return row, nil
	}
	return nil, errRowGone
}

// parseRow lifts one listing out of a result row.
func (m *Module) parseRow(ctx context.Context, row browser.Element) (types.MarketListing, error) {
	var l types.MarketListing

	name, err := m.childText(ctx, row, m.sel.RowItemName)
	if err != nil {
		return l, fmt.Errorf("item name: %w", err)
	}
	l.ItemName = strings.TrimSpace(name)
	if l.ItemName == "" {
		return l, errors.New("empty item name")
	}

	seller, err := m.childText(ctx, row, m.sel.RowSeller)
	if err != nil {
		return l, fmt.Errorf("seller: %w", err)
	}
	l.SellerID = strings.TrimSpace(seller)

	qtyText, err := m.childText(ctx, row, m.sel.RowQuantity)
	if err != nil {
		return l, fmt.Errorf("quantity: %w", err)
	}
	qty, err := strconv.Atoi(strings.TrimSpace(strings.ReplaceAll(qtyText, ",", "")))
	if err != nil || qty <= 0 {
		return l, fmt.Errorf("quantity %q", qtyText)
	}
	l.Quantity = qty

	unitText, err := m.childText(ctx, row, m.sel.RowUnitPrice)
	if err != nil {
		return l, fmt.Errorf("unit price: %w", err)
	}
	unit, err := ParsePrice(unitText)
	if err != nil {
		return l, fmt.Errorf("unit price: %w", err)
	}
	l.UnitPrice = unit

	totalText, err := m.childText(ctx, row, m.sel.RowTotalPrice)
	if err != nil {
		return l, fmt.Errorf("total price: %w", err)
	}
	total, err := probe.ParseMoney(totalText)
	if err != nil {
		return l, fmt.Errorf("total price: %w", err)
	}
	l.TotalPrice = total

	if loc, ok, err := row.Attr(ctx, m.sel.AttrItemLocation); err == nil && ok {
		l.ItemLocation = loc
	}
	if num, ok, err := row.Attr(ctx, m.sel.AttrBuyNum); err == nil && ok {
		l.BuyNum = num
	}
	return l, nil
}

// InventoryItems reads the sellable stacks shown on the sell tab.
func (m *Module) InventoryItems(ctx context.Context) ([]types.InventoryItem, error) {
	if err := m.EnsureMarketplace(ctx, types.TabSell); err != nil {
		return nil, err
	}
	if err := m.dismissOverlay(ctx); err != nil {
		return nil, err
	}

	els, err := m.sess.QueryAll(ctx, m.sel.SellInventoryItems)
	if err != nil {
		return nil, fmt.Errorf("sell inventory: %w", err)
	}
	items := make([]types.InventoryItem, 0, len(els))
	for i, el := range els {
		item, err := m.parseItem(ctx, el)
		if err != nil {
			m.logger.Warn("unparseable inventory item", "index", i, "error", err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (m *Module) parseItem(ctx context.Context, el browser.Element) (types.InventoryItem, error) {
	var item types.InventoryItem

	name, err := m.childText(ctx, el, m.sel.ItemName)
	if err != nil {
		return item, fmt.Errorf("name: %w", err)
	}
	item.ItemName = strings.TrimSpace(name)

	qtyText, err := m.childText(ctx, el, m.sel.ItemQuantity)
	if err != nil {
		return item, fmt.Errorf("quantity: %w", err)
	}
	qty, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(qtyText), "x")))
	if err != nil || qty <= 0 {
		return item, fmt.Errorf("quantity %q", qtyText)
	}
	item.Quantity = qty

	slotText, ok, err := el.Attr(ctx, m.sel.AttrSlotIndex)
	if err != nil || !ok {
		return item, errors.New("missing slot attribute")
	}
	slot, err := strconv.Atoi(slotText)
	if err != nil || slot < 0 {
		return item, fmt.Errorf("slot %q", slotText)
	}
	item.SlotIndex = slot

	if typeID, ok, err := el.Attr(ctx, m.sel.AttrItemType); err == nil && ok {
		item.TypeID = typeID
	} else {
		item.TypeID = strings.ToLower(item.ItemName)
	}
	return item, nil
}

// ListForSale posts one sell order. The session ends up on the sell tab.
func (m *Module) ListForSale(ctx context.Context, order types.SellOrder) (types.Outcome, *types.Transaction) {
	if err := m.EnsureMarketplace(ctx, types.TabSell); err != nil {
		return browser.Classify(err), nil
	}
	if err := m.dismissOverlay(ctx); err != nil {
		return browser.Classify(err), nil
	}
	return m.listOne(ctx, order)
}

// BatchListForSale posts a batch of sell orders with one tab switch and one
// overlay dismissal up front. It stops at the first non-transient failure
// and returns the transactions recorded so far.
func (m *Module) BatchListForSale(ctx context.Context, orders []types.SellOrder) (types.Outcome, []*types.Transaction) {
	if len(orders) == 0 {
		return types.OutcomeOK, nil
	}
	if err := m.EnsureMarketplace(ctx, types.TabSell); err != nil {
		return browser.Classify(err), nil
	}
	if err := m.dismissOverlay(ctx); err != nil {
		return browser.Classify(err), nil
	}

	var txs []*types.Transaction
	for i, order := range orders {
		outcome, tx := m.listOne(ctx, order)
		if tx != nil {
			txs = append(txs, tx)
		}
		if outcome != types.OutcomeOK {
			m.logger.Warn("batch listing stopped early",
				"listed", i, "planned", len(orders), "outcome", outcome)
			return outcome, txs
		}
		if i < len(orders)-1 {
			if err := m.pace.Jitter(ctx); err != nil {
				return browser.Classify(err), txs
			}
		}
	}
	m.logger.Info("batch listing complete", "orders", len(orders))
	return types.OutcomeOK, txs
}

// listOne drives the right-click sell flow for a single stack. Assumes the
// session is already on the sell tab with overlays cleared.
func (m *Module) listOne(ctx context.Context, order types.SellOrder) (types.Outcome, *types.Transaction) {
	item, err := m.findSlot(ctx, order.Item.SlotIndex)
	if err != nil {
		m.logger.Warn("sell item not found", "item", order.Item.ItemName,
			"slot", order.Item.SlotIndex, "error", err)
		return browser.Classify(err), nil
	}

	if err := m.pace.Action(ctx); err != nil {
		return browser.Classify(err), nil
	}
	if err := item.RightClick(ctx); err != nil {
		return browser.Classify(fmt.Errorf("open item menu: %w", err)), nil
	}
	menu, err := m.sess.Query(ctx, m.sel.SellMenuOption)
	if err != nil {
		return browser.Classify(fmt.Errorf("sell menu option: %w", err)), nil
	}
	if err := m.pace.BeforeClick(ctx); err != nil {
		return browser.Classify(err), nil
	}
	if err := menu.Click(ctx, false); err != nil {
		return browser.Classify(fmt.Errorf("choose sell: %w", err)), nil
	}

	input, err := m.sess.Query(ctx, m.sel.SellPriceInput)
	if err != nil {
		return browser.Classify(fmt.Errorf("price input: %w", err)), nil
	}
	price := m.totalPrice(order)
	text := strconv.FormatInt(price, 10)
	if err := m.pace.Action(ctx); err != nil {
		return browser.Classify(err), nil
	}
	if err := input.Type(ctx, text, m.pace.TypingDelays(text)); err != nil {
		return browser.Classify(fmt.Errorf("type price: %w", err)), nil
	}

	for _, sel := range []string{m.sel.SellConfirmFirst, m.sel.SellConfirmSecond} {
		button, err := m.sess.Query(ctx, sel)
		if err != nil {
			return browser.Classify(fmt.Errorf("sell confirm: %w", err)), nil
		}
		if err := m.pace.BeforeClick(ctx); err != nil {
			return browser.Classify(err), nil
		}
		if err := button.Click(ctx, false); err != nil {
			return browser.Classify(fmt.Errorf("sell confirm click: %w", err)), nil
		}
	}
	if err := m.pace.Jitter(ctx); err != nil {
		return browser.Classify(err), nil
	}

	m.logger.Info("listed for sale", "item", order.Item.ItemName,
		"qty", order.Item.Quantity, "total", price, "slot", order.Slot,
		"aggressive", order.Aggressive)
	return types.OutcomeOK, &types.Transaction{
		ID:        uuid.NewString(),
		Timestamp: m.clock.Now(),
		Kind:      types.TxSale,
		ItemName:  order.Item.ItemName,
		Quantity:  order.Item.Quantity,
		UnitPrice: decimal.NewFromInt(price).Div(decimal.NewFromInt(int64(order.Item.Quantity))).Round(2),
		Total:     price,
		Status:    types.TxSuccess,
		Detail:    map[string]string{"slot": strconv.Itoa(order.Slot)},
	}
}

// totalPrice guards against a per-unit number reaching the total-price form
// field. A small price on a multi-item stack is almost certainly a unit
// price; a large one is taken at face value.
func (m *Module) totalPrice(order types.SellOrder) int64 {
	if order.Price < 100 && order.Item.Quantity > 1 {
		total := order.Price * int64(order.Item.Quantity)
		m.logger.Warn("sell price looks per-unit, converting to total",
			"item", order.Item.ItemName, "given", order.Price,
			"qty", order.Item.Quantity, "total", total)
		return total
	}
	return order.Price
}

// findSlot locates the sell-tab element carrying the given slot attribute.
func (m *Module) findSlot(ctx context.Context, slot int) (browser.Element, error) {
	els, err := m.sess.QueryAll(ctx, m.sel.SellInventoryItems)
	if err != nil {
		return nil, err
	}
	want := strconv.Itoa(slot)
	for _, el := range els {
		if v, ok, err := el.Attr(ctx, m.sel.AttrSlotIndex); err == nil && ok && v == want {
			return el, nil
		}
	}
	return nil, fmt.Errorf("%w: inventory slot %d", browser.ErrNotFound, slot)
}

// dismissOverlay closes a blocking promo overlay when one is up.
func (m *Module) dismissOverlay(ctx context.Context) error {
	el, err := m.sess.Query(ctx, m.sel.OverlayModal)
	if err != nil {
		return nil
	}
	if ok, err := el.IsVisible(ctx); err != nil || !ok {
		return nil
	}
	dismiss, err := m.sess.Query(ctx, m.sel.OverlayDismiss)
	if err != nil {
		return fmt.Errorf("overlay without dismiss control: %w", err)
	}
	if err := m.pace.BeforeClick(ctx); err != nil {
		return err
	}
	if err := dismiss.Click(ctx, false); err != nil {
		return fmt.Errorf("dismiss overlay: %w", err)
	}
	m.logger.Debug("dismissed blocking overlay")
	return m.pace.Jitter(ctx)
}

func (m *Module) purchaseTx(l types.MarketListing, status types.TxStatus, reason string) *types.Transaction {
	detail := map[string]string{"seller": l.SellerID}
	if reason != "" {
		detail["reason"] = reason
	}
	return &types.Transaction{
		ID:        uuid.NewString(),
		Timestamp: m.clock.Now(),
		Kind:      types.TxPurchase,
		ItemName:  l.ItemName,
		Quantity:  l.Quantity,
		UnitPrice: l.UnitPrice,
		Total:     l.TotalPrice,
		Status:    status,
		Detail:    detail,
	}
}

func (m *Module) visible(ctx context.Context, sel string) bool {
	el, err := m.sess.Query(ctx, sel)
	if err != nil {
		return false
	}
	ok, err := el.IsVisible(ctx)
	return err == nil && ok
}

func (m *Module) childText(ctx context.Context, parent browser.Element, sel string) (string, error) {
	el, err := parent.Query(ctx, sel)
	if err != nil {
		return "", err
	}
	return el.Text(ctx)
}

// ParsePrice parses a currency string that may carry up to two fractional
// digits, like "$12.50". Plain integers are accepted too.
func ParsePrice(text string) (decimal.Decimal, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if cleaned == "" {
		return decimal.Zero, errors.New("empty price")
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price %q: %w", text, err)
	}
	if d.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("price %q not positive", text)
	}
	if d.Exponent() < -2 {
		return decimal.Zero, fmt.Errorf("price %q has sub-cent precision", text)
	}
	if d.GreaterThan(decimal.NewFromInt(types.MaxCounter)) {
		return decimal.Zero, fmt.Errorf("price %q out of range", text)
	}
	return d, nil
}
