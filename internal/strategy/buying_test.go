package strategy

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketbot/internal/config"
	"marketbot/pkg/types"
)

func buyerCfg() config.TradingConfig {
	return config.TradingConfig{
		TargetItems:          []string{"ammo box", "kevlar vest", "ration"},
		MaxPricePerUnit:      []float64{50, 1000, 30},
		MinProfitMargin:      0.15,
		MaxItemTotalPrice:    50_000,
		MaxTotalInvestment:   100_000,
		DiversificationLimit: 2,
		MaxHighRiskPurchases: 1,
	}
}

func newBuyer(cfg config.TradingConfig) *Buyer {
	return NewBuyer(cfg, NewHistory(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func richSnapshot() *types.ResourceSnapshot {
	return &types.ResourceSnapshot{Cash: 500_000, InventoryTotal: 100, SellingTotal: 10}
}

func listing(name, seller string, unit string, qty int) types.MarketListing {
	u := d(unit)
	total := u.Mul(decimal.NewFromInt(int64(qty))).IntPart()
	return types.MarketListing{
		ItemName:   name,
		SellerID:   seller,
		UnitPrice:  u,
		Quantity:   qty,
		TotalPrice: total,
	}
}

var buyNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestSelectAcceptsProfitableListing(t *testing.T) {
	t.Parallel()
	b := newBuyer(buyerCfg())
	// Base table says ammo box sells at 55; buying at 40 is a 37.5% margin.
	opps := b.SelectOpportunities(
		[]types.MarketListing{listing("Ammo Box", "v1", "40", 10)},
		richSnapshot(), buyNow)
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1", len(opps))
	}
	opp := opps[0]
	if !opp.EstimatedSell.Equal(d("55")) {
		t.Errorf("estimated sell = %s, want 55", opp.EstimatedSell)
	}
	if opp.ProfitMargin < 0.374 || opp.ProfitMargin > 0.376 {
		t.Errorf("margin = %v, want 0.375", opp.ProfitMargin)
	}
	if opp.Category != types.CategoryAmmo || opp.Risk != types.RiskLow {
		t.Errorf("category/risk = %v/%v", opp.Category, opp.Risk)
	}
	if opp.Priority <= 0 {
		t.Errorf("priority = %v, want positive", opp.Priority)
	}
}

func TestSelectFilters(t *testing.T) {
	t.Parallel()
	b := newBuyer(buyerCfg())
	snap := richSnapshot()

	cases := []struct {
		name string
		l    types.MarketListing
	}{
		{"thin margin", listing("Ammo Box", "v", "50", 10)}, // 55 vs 50 is 10%
		{"over per-item cap", listing("Ammo Box", "v", "60", 10)},
		{"over max total", listing("Kevlar Vest", "v", "700", 100)}, // 70k > 50k
		{"zero quantity", types.MarketListing{ItemName: "Ammo Box", SellerID: "v", UnitPrice: d("40")}},
		{"oversized stack", listing("Ration", "v", "20", 20_000)},
	}
	for _, c := range cases {
		if got := b.SelectOpportunities([]types.MarketListing{c.l}, snap, buyNow); len(got) != 0 {
			t.Errorf("%s: accepted %+v", c.name, got)
		}
	}
}

func TestSelectSkipsNonTargetItems(t *testing.T) {
	t.Parallel()
	cfg := buyerCfg()
	cfg.TargetItems = []string{"ammo box"}
	cfg.MaxPricePerUnit = []float64{50}
	b := newBuyer(cfg)
	// Cheap and well under the medical fallback sell price, so it would
	// clear every margin and bound check if item targeting let it through.
	got := b.SelectOpportunities(
		[]types.MarketListing{listing("Bandage", "v1", "20", 10)},
		richSnapshot(), buyNow)
	if len(got) != 0 {
		t.Errorf("non-target item entered the buy plan: %+v", got)
	}
}

func TestSelectZeroCapDisablesItem(t *testing.T) {
	t.Parallel()
	cfg := buyerCfg()
	cfg.TargetItems = []string{"ammo box"}
	cfg.MaxPricePerUnit = []float64{0}
	b := newBuyer(cfg)
	got := b.SelectOpportunities(
		[]types.MarketListing{listing("Ammo Box", "v", "1", 1)},
		richSnapshot(), buyNow)
	if len(got) != 0 {
		t.Errorf("zero cap should reject everything, got %+v", got)
	}
}

func TestSelectRejectsBeyondFunds(t *testing.T) {
	t.Parallel()
	b := newBuyer(buyerCfg())
	poor := &types.ResourceSnapshot{Cash: 100}
	got := b.SelectOpportunities(
		[]types.MarketListing{listing("Ammo Box", "v", "40", 10)}, poor, buyNow)
	if len(got) != 0 {
		t.Errorf("accepted a listing beyond total funds: %+v", got)
	}
}

func TestRiskEscalation(t *testing.T) {
	t.Parallel()
	cfg := buyerCfg()
	cfg.TargetItems = append(cfg.TargetItems, "gold idol")
	cfg.MaxPricePerUnit = append(cfg.MaxPricePerUnit, 45_000)
	cfg.MaxItemTotalPrice = 200_000
	cfg.MaxTotalInvestment = 500_000
	b := newBuyer(cfg)
	b.hist.Observe("gold idol", d("60000"), buyNow)

	// Unit over 30k escalates medium (misc) to high.
	opps := b.SelectOpportunities(
		[]types.MarketListing{listing("Gold Idol", "v", "40000", 1)},
		richSnapshot(), buyNow)
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1", len(opps))
	}
	if opps[0].Risk != types.RiskHigh {
		t.Errorf("risk = %v, want high for a 40k unit", opps[0].Risk)
	}
}

func TestHighRiskAllowance(t *testing.T) {
	t.Parallel()
	cfg := buyerCfg()
	cfg.TargetItems = append(cfg.TargetItems, "gold idol")
	cfg.MaxPricePerUnit = append(cfg.MaxPricePerUnit, 45_000)
	cfg.MaxItemTotalPrice = 200_000
	cfg.MaxTotalInvestment = 500_000
	cfg.DiversificationLimit = 5
	b := newBuyer(cfg)
	b.hist.Observe("gold idol", d("60000"), buyNow)

	listings := []types.MarketListing{
		listing("Gold Idol", "v1", "40000", 1),
		listing("Gold Idol", "v2", "40000", 1),
	}
	opps := b.SelectOpportunities(listings, richSnapshot(), buyNow)
	if len(opps) != 1 {
		t.Errorf("high-risk selections = %d, want the allowance of 1", len(opps))
	}
}

func TestDiversificationLimit(t *testing.T) {
	t.Parallel()
	b := newBuyer(buyerCfg())
	listings := []types.MarketListing{
		listing("Ammo Box", "v1", "40", 10),
		listing("Ammo Box", "v2", "41", 10),
		listing("Ammo Box", "v3", "42", 10),
	}
	opps := b.SelectOpportunities(listings, richSnapshot(), buyNow)
	if len(opps) != 2 {
		t.Errorf("ammo selections = %d, want the diversification limit of 2", len(opps))
	}
}

func TestInvestmentCapAndOrdering(t *testing.T) {
	t.Parallel()
	cfg := buyerCfg()
	cfg.MaxTotalInvestment = 900
	b := newBuyer(cfg)

	listings := []types.MarketListing{
		listing("Ammo Box", "cheap", "40", 10),  // total 400, margin 37.5%
		listing("Ammo Box", "cheaper", "35", 10), // total 350, margin 57%
	}
	opps := b.SelectOpportunities(listings, richSnapshot(), buyNow)
	if len(opps) != 2 {
		t.Fatalf("opportunities = %d, want 2 within the 900 cap", len(opps))
	}
	if opps[0].Listing.SellerID != "cheaper" {
		t.Errorf("best margin not first: %+v", opps[0].Listing)
	}

	cfg.MaxTotalInvestment = 400
	b = newBuyer(cfg)
	opps = b.SelectOpportunities(listings, richSnapshot(), buyNow)
	if len(opps) != 1 || opps[0].Listing.SellerID != "cheaper" {
		t.Errorf("tight cap selection = %+v, want only the best listing", opps)
	}
}
