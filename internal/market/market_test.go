package market

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketbot/internal/browser"
	"marketbot/internal/browser/browsertest"
	"marketbot/internal/clock"
	"marketbot/internal/config"
	"marketbot/internal/pacer"
	"marketbot/pkg/types"
)

const marketURL = "https://game.test/marketplace"

func testGame() config.GameConfig {
	return config.GameConfig{
		BaseURL:    "https://game.test",
		MarketPath: "/marketplace",
	}
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

// fixture scripts the marketplace page skeleton: marker, tabs, search form.
type fixture struct {
	sess   *browsertest.Session
	page   *browsertest.Page
	sel    browser.Selectors
	search *browsertest.Element
	module *Module
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sel := browser.DefaultSelectors()
	sess := browsertest.NewSession()
	search := browsertest.NewElement("")
	page := sess.AddPage(marketURL).
		Add(sel.MarketplaceMarker, browsertest.NewElement("Marketplace")).
		Add(sel.BuyTab, browsertest.NewElement("Buy")).
		Add(sel.SellTab, browsertest.NewElement("Sell")).
		Add(sel.SearchInput, search).
		Add(sel.SearchButton, browsertest.NewElement("Search"))

	clk := clock.NewMock(time.Date(2025, 6, 1, 16, 0, 0, 0, time.UTC))
	m := New(sess, sel, testPacer(clk), testGame(), clk, 25,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &fixture{sess: sess, page: page, sel: sel, search: search, module: m}
}

// row builds a listing row element with the standard children.
func (f *fixture) row(name, seller, qty, unit, total string) *browsertest.Element {
	return browsertest.NewElement("").
		WithAttr("data-item-location", "loc-"+name).
		WithAttr("data-buy-num", "7").
		WithChild(f.sel.RowItemName, browsertest.NewElement(name)).
		WithChild(f.sel.RowSeller, browsertest.NewElement(seller)).
		WithChild(f.sel.RowQuantity, browsertest.NewElement(qty)).
		WithChild(f.sel.RowUnitPrice, browsertest.NewElement(unit)).
		WithChild(f.sel.RowTotalPrice, browsertest.NewElement(total)).
		WithChild(f.sel.RowBuyButton, browsertest.NewElement("Buy"))
}

func TestSearchParsesAndFiltersRows(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.page.Add(f.sel.ListingRows,
		f.row("Ammo Box", "vendor1", "10", "$50", "$500"),
		f.row("Ammo Box", "vendor2", "4", "$45.50", "$182"),
		// Inconsistent: 3 × 100 is not 500.
		f.row("Ammo Box", "vendor3", "3", "$100", "$500"),
	)

	listings, err := f.module.Search(context.Background(), "Ammo Box")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(listings) != 2 {
		t.Fatalf("listings = %d, want 2 (inconsistent row dropped)", len(listings))
	}
	first := listings[0]
	if first.SellerID != "vendor1" || first.Quantity != 10 || first.TotalPrice != 500 {
		t.Errorf("first listing = %+v", first)
	}
	if !first.UnitPrice.Equal(decimal.NewFromInt(50)) {
		t.Errorf("unit price = %s, want 50", first.UnitPrice)
	}
	if first.ItemLocation != "loc-Ammo Box" || first.BuyNum != "7" {
		t.Errorf("locator tokens = %q/%q", first.ItemLocation, first.BuyNum)
	}
	if !listings[1].UnitPrice.Equal(decimal.NewFromFloat(45.5)) {
		t.Errorf("second unit price = %s, want 45.5", listings[1].UnitPrice)
	}
	if typed := f.search.Typed(); len(typed) != 1 || typed[0] != "Ammo Box" {
		t.Errorf("search typed = %v", typed)
	}
}

func TestSearchCapsRowCount(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for i := 0; i < 40; i++ {
		f.page.Add(f.sel.ListingRows, f.row("Bandage", "v", "1", "$10", "$10"))
	}

	listings, err := f.module.Search(context.Background(), "Bandage")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(listings) != 25 {
		t.Errorf("listings = %d, want the 25-row cap", len(listings))
	}
}

func TestEnsureMarketplaceIsSticky(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if err := f.module.EnsureMarketplace(ctx, types.TabBuy); err != nil {
		t.Fatalf("first EnsureMarketplace: %v", err)
	}
	navs := f.sess.NavigationCount()
	if navs != 1 {
		t.Fatalf("navigations = %d, want 1", navs)
	}

	// Same tab again: no navigation, no tab click.
	if err := f.module.EnsureMarketplace(ctx, types.TabBuy); err != nil {
		t.Fatalf("second EnsureMarketplace: %v", err)
	}
	if f.sess.NavigationCount() != navs {
		t.Error("re-navigated while sticky state was valid")
	}

	// Tab switch without navigation.
	if err := f.module.EnsureMarketplace(ctx, types.TabSell); err != nil {
		t.Fatalf("tab switch: %v", err)
	}
	if f.sess.NavigationCount() != navs {
		t.Error("navigated for a tab switch")
	}

	// Invalidate forces a fresh navigation.
	f.module.Invalidate()
	if err := f.module.EnsureMarketplace(ctx, types.TabBuy); err != nil {
		t.Fatalf("post-invalidate EnsureMarketplace: %v", err)
	}
	if f.sess.NavigationCount() != navs+1 {
		t.Errorf("navigations = %d, want %d after Invalidate", f.sess.NavigationCount(), navs+1)
	}
}

func buyOpportunity(l types.MarketListing) types.PurchaseOpportunity {
	return types.PurchaseOpportunity{Listing: l}
}

func ammoListing() types.MarketListing {
	return types.MarketListing{
		ItemName:   "Ammo Box",
		SellerID:   "vendor1",
		UnitPrice:  decimal.NewFromInt(50),
		Quantity:   10,
		TotalPrice: 500,
	}
}

func TestExecutePurchaseHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	row := f.row("Ammo Box", "vendor1", "10", "$50", "$500")
	f.page.Add(f.sel.ListingRows, row)

	// The buy click raises the confirmation dialog.
	buy, err := row.Query(context.Background(), f.sel.RowBuyButton)
	if err != nil {
		t.Fatalf("row buy button: %v", err)
	}
	yes := browsertest.NewElement("Yes")
	buy.(*browsertest.Element).OnClick(func(bool) {
		f.page.Add(f.sel.ConfirmDialog, browsertest.NewElement("Confirm purchase?"))
		f.page.Add(f.sel.ConfirmYes, yes)
	})

	result, tx := f.module.ExecutePurchase(context.Background(), buyOpportunity(ammoListing()))
	if result != types.PurchaseOK {
		t.Fatalf("ExecutePurchase = %v, want ok", result)
	}
	if yes.Clicks() != 1 {
		t.Errorf("confirm clicks = %d, want 1", yes.Clicks())
	}
	if tx == nil || tx.Kind != types.TxPurchase || tx.Status != types.TxSuccess || tx.Total != 500 {
		t.Errorf("transaction = %+v", tx)
	}
}

func TestExecutePurchaseRowGone(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	// Different seller: the wanted row is not on the page.
	f.page.Add(f.sel.ListingRows, f.row("Ammo Box", "someone_else", "10", "$50", "$500"))

	result, tx := f.module.ExecutePurchase(context.Background(), buyOpportunity(ammoListing()))
	if result != types.PurchaseRowGone {
		t.Errorf("ExecutePurchase = %v, want row_gone", result)
	}
	if tx != nil {
		t.Errorf("transaction for a vanished row: %+v", tx)
	}
}

func TestExecutePurchaseBannerOutcomes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		banner string
		want   types.PurchaseResult
	}{
		{"inventory full", "No inventory space left", types.PurchaseInventoryFull},
		{"insufficient funds", "You cannot afford this", types.PurchaseInsufficientFunds},
		{"other rejection", "Listing locked", types.PurchaseOther},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			row := f.row("Ammo Box", "vendor1", "10", "$50", "$500")
			f.page.Add(f.sel.ListingRows, row)
			buy, err := row.Query(context.Background(), f.sel.RowBuyButton)
			if err != nil {
				t.Fatalf("row buy button: %v", err)
			}
			buy.(*browsertest.Element).OnClick(func(bool) {
				f.page.Add(f.sel.ErrorBanner, browsertest.NewElement(c.banner))
			})

			result, tx := f.module.ExecutePurchase(context.Background(), buyOpportunity(ammoListing()))
			if result != c.want {
				t.Errorf("ExecutePurchase = %v, want %v", result, c.want)
			}
			if tx != nil {
				t.Errorf("transaction recorded for a pre-debit rejection: %+v", tx)
			}
		})
	}
}

func TestExecutePurchaseConfirmationMissing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	row := f.row("Ammo Box", "vendor1", "10", "$50", "$500")
	f.page.Add(f.sel.ListingRows, row)
	// Buy click produces neither a dialog nor a banner.

	result, tx := f.module.ExecutePurchase(context.Background(), buyOpportunity(ammoListing()))
	if result != types.PurchaseConfirmationMissing {
		t.Fatalf("ExecutePurchase = %v, want confirmation_missing", result)
	}
	if tx == nil || tx.Status != types.TxUnknown {
		t.Errorf("transaction = %+v, want unknown status (funds treated as spent)", tx)
	}
	if tx != nil && tx.Total != 500 {
		t.Errorf("unknown tx total = %d, want the listing total", tx.Total)
	}
}

// sellItem builds one sell-tab stack element.
func (f *fixture) sellItem(name string, qty, slot int) *browsertest.Element {
	return browsertest.NewElement("").
		WithAttr("data-slot", strconv.Itoa(slot)).
		WithAttr("data-item-type", name).
		WithChild(f.sel.ItemName, browsertest.NewElement(name)).
		WithChild(f.sel.ItemQuantity, browsertest.NewElement("x"+strconv.Itoa(qty)))
}

func TestInventoryItems(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.page.Add(f.sel.SellInventoryItems,
		f.sellItem("bandage", 20, 0),
		f.sellItem("rifle", 1, 3),
	)

	items, err := f.module.InventoryItems(context.Background())
	if err != nil {
		t.Fatalf("InventoryItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].ItemName != "bandage" || items[0].Quantity != 20 || items[0].SlotIndex != 0 {
		t.Errorf("first item = %+v", items[0])
	}
	if items[1].TypeID != "rifle" || items[1].SlotIndex != 3 {
		t.Errorf("second item = %+v", items[1])
	}
}

// addSellFlow scripts the menu/price/confirm chain for the sell tab.
func (f *fixture) addSellFlow() (price *browsertest.Element) {
	price = browsertest.NewElement("")
	f.page.Add(f.sel.SellMenuOption, browsertest.NewElement("Sell"))
	f.page.Add(f.sel.SellPriceInput, price)
	f.page.Add(f.sel.SellConfirmFirst, browsertest.NewElement("Confirm"))
	f.page.Add(f.sel.SellConfirmSecond, browsertest.NewElement("Really confirm"))
	return price
}

func TestListForSaleTypesTotalPrice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.page.Add(f.sel.SellInventoryItems, f.sellItem("bandage", 20, 2))
	price := f.addSellFlow()

	order := types.SellOrder{
		Item:  types.InventoryItem{ItemName: "bandage", Quantity: 20, SlotIndex: 2},
		Price: 900,
		Slot:  0,
	}
	outcome, tx := f.module.ListForSale(context.Background(), order)
	if outcome != types.OutcomeOK {
		t.Fatalf("ListForSale = %v, want OK", outcome)
	}
	if typed := price.Typed(); len(typed) != 1 || typed[0] != "900" {
		t.Errorf("price typed = %v, want [900]", typed)
	}
	if tx == nil || tx.Kind != types.TxSale || tx.Total != 900 {
		t.Errorf("transaction = %+v", tx)
	}
}

func TestListForSaleConvertsUnitLookingPrice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.page.Add(f.sel.SellInventoryItems, f.sellItem("bandage", 20, 2))
	price := f.addSellFlow()

	// 45 on a 20-stack reads as a unit price; the form wants the total.
	order := types.SellOrder{
		Item:  types.InventoryItem{ItemName: "bandage", Quantity: 20, SlotIndex: 2},
		Price: 45,
	}
	outcome, tx := f.module.ListForSale(context.Background(), order)
	if outcome != types.OutcomeOK {
		t.Fatalf("ListForSale = %v, want OK", outcome)
	}
	if typed := price.Typed(); len(typed) != 1 || typed[0] != "900" {
		t.Errorf("price typed = %v, want the recomputed total [900]", typed)
	}
	if tx.Total != 900 {
		t.Errorf("tx total = %d, want 900", tx.Total)
	}
}

func TestBatchListForSaleNavigatesOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.page.Add(f.sel.SellInventoryItems,
		f.sellItem("bandage", 10, 0),
		f.sellItem("rifle", 1, 1),
	)
	f.addSellFlow()

	orders := []types.SellOrder{
		{Item: types.InventoryItem{ItemName: "bandage", Quantity: 10, SlotIndex: 0}, Price: 400},
		{Item: types.InventoryItem{ItemName: "rifle", Quantity: 1, SlotIndex: 1}, Price: 1200},
	}
	outcome, txs := f.module.BatchListForSale(context.Background(), orders)
	if outcome != types.OutcomeOK {
		t.Fatalf("BatchListForSale = %v, want OK", outcome)
	}
	if len(txs) != 2 {
		t.Fatalf("transactions = %d, want 2", len(txs))
	}
	if f.sess.NavigationCount() != 1 {
		t.Errorf("navigations = %d, want 1 for the whole batch", f.sess.NavigationCount())
	}
}

func TestBatchListForSaleStopsOnMissingSlot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.page.Add(f.sel.SellInventoryItems, f.sellItem("bandage", 10, 0))
	f.addSellFlow()

	orders := []types.SellOrder{
		{Item: types.InventoryItem{ItemName: "bandage", Quantity: 10, SlotIndex: 0}, Price: 400},
		{Item: types.InventoryItem{ItemName: "rifle", Quantity: 1, SlotIndex: 9}, Price: 1200},
	}
	outcome, txs := f.module.BatchListForSale(context.Background(), orders)
	if outcome == types.OutcomeOK {
		t.Error("batch reported OK despite a missing slot")
	}
	if len(txs) != 1 {
		t.Errorf("transactions = %d, want the 1 completed listing", len(txs))
	}
}

func TestParsePrice(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"$50", "50", false},
		{"$45.50", "45.5", false},
		{"1,250.99", "1250.99", false},
		{"$0.01", "0.01", false},
		{"$0", "", true},
		{"-3", "", true},
		{"$1.005", "", true},
		{"", "", true},
		{"abc", "", true},
	}
	for _, c := range cases {
		got, err := ParsePrice(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParsePrice(%q) = %s, want error", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePrice(%q): %v", c.in, err)
			continue
		}
		want, _ := decimal.NewFromString(c.want)
		if !got.Equal(want) {
			t.Errorf("ParsePrice(%q) = %s, want %s", c.in, got, want)
		}
	}
}
