package strategy

import (
	"log/slog"
	"sort"
	"time"

	"marketbot/internal/config"
	"marketbot/pkg/types"
)

// Hard sanity bounds on any listing considered at all. Outside these the
// row is either parser noise or a trap listing.
const (
	maxListingQuantity = 10_000
	maxListingUnit     = 100_000

	// Escalation thresholds: a single expensive unit or an oversized stack
	// bumps the risk tier regardless of category.
	escalateUnitAbove = 30_000
	escalateQtyAbove  = 5_000
)

// Buyer ranks scanned listings into a purchase plan.
type Buyer struct {
	cfg    config.TradingConfig
	hist   *History
	logger *slog.Logger
}

// NewBuyer builds a buying strategy over the shared history.
func NewBuyer(cfg config.TradingConfig, hist *History, logger *slog.Logger) *Buyer {
	b := &Buyer{
		cfg:    cfg,
		hist:   hist,
		logger: logger.With("component", "buying"),
	}
	// A category whose fallback multiplier cannot clear the configured
	// margin will never produce opportunities through the fallback path.
	for _, cat := range []types.Category{
		types.CategoryAmmo, types.CategoryMedical, types.CategoryWeapon,
		types.CategoryArmor, types.CategoryFood, types.CategoryMisc,
	} {
		if cat.DefaultSellMultiplier() < 1+cfg.MinProfitMargin {
			b.logger.Warn("category multiplier below configured margin",
				"category", string(cat),
				"multiplier", cat.DefaultSellMultiplier(),
				"min_margin", cfg.MinProfitMargin,
			)
		}
	}
	return b
}

// SelectOpportunities filters and ranks listings, then applies the
// portfolio constraints to the ranked order. The returned slice is the buy
// plan, best first; its total never exceeds the investment cap.
func (b *Buyer) SelectOpportunities(listings []types.MarketListing, snap *types.ResourceSnapshot, now time.Time) []types.PurchaseOpportunity {
	candidates := make([]types.PurchaseOpportunity, 0, len(listings))
	for _, l := range listings {
		opp, ok := b.evaluate(l, snap)
		if ok {
			candidates = append(candidates, opp)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	return b.applyPortfolioLimits(candidates)
}

// evaluate runs one listing through the filters and computes its ranking.
func (b *Buyer) evaluate(l types.MarketListing, snap *types.ResourceSnapshot) (types.PurchaseOpportunity, bool) {
	var opp types.PurchaseOpportunity

	if l.Quantity < 1 || l.Quantity > maxListingQuantity {
		return opp, false
	}
	unit, _ := l.UnitPrice.Float64()
	if unit <= 0 || unit > maxListingUnit {
		return opp, false
	}
	if l.TotalPrice <= 0 || l.TotalPrice > b.cfg.MaxItemTotalPrice {
		return opp, false
	}
	if snap != nil && l.TotalPrice > snap.TotalFunds() {
		return opp, false
	}
	// Search results can fuzzy-match other items; only configured targets
	// are ever bought.
	maxUnit, ok := b.cfg.MaxUnitPriceFor(l.ItemName)
	if !ok {
		b.logger.Debug("listing is not a target item", "item", l.ItemName)
		return opp, false
	}
	if l.UnitPrice.GreaterThan(maxUnit) {
		b.logger.Debug("listing over per-item price cap",
			"item", l.ItemName, "unit", l.UnitPrice, "cap", maxUnit)
		return opp, false
	}

	est := b.hist.EstimateSell(l.ItemName, l.UnitPrice)
	profit := est.Sub(l.UnitPrice)
	if profit.Sign() <= 0 {
		return opp, false
	}
	margin, _ := profit.Div(l.UnitPrice).Float64()
	if margin < b.cfg.MinProfitMargin {
		return opp, false
	}

	cat := types.CategoryOf(l.ItemName)
	risk := cat.BaseRiskTier()
	if unit > escalateUnitAbove || l.Quantity > escalateQtyAbove {
		risk = risk.Escalate()
	}

	demand := b.hist.DemandMultiplier(l.ItemName)
	priority := margin * 100 * risk.Multiplier() * demand *
		quantityBand(l.Quantity) * priceBand(unit)

	return types.PurchaseOpportunity{
		Listing:       l,
		Category:      cat,
		EstimatedSell: est,
		ProfitPerUnit: profit,
		ProfitMargin:  margin,
		Risk:          risk,
		Priority:      priority,
	}, true
}

// applyPortfolioLimits walks the ranked candidates and keeps those that fit
// the running investment cap, the per-category diversification limit, and
// the high-risk allowance.
func (b *Buyer) applyPortfolioLimits(ranked []types.PurchaseOpportunity) []types.PurchaseOpportunity {
	var (
		selected  []types.PurchaseOpportunity
		invested  int64
		perCat    = make(map[types.Category]int)
		highCount int
	)
	for _, opp := range ranked {
		if invested+opp.Listing.TotalPrice > b.cfg.MaxTotalInvestment {
			continue
		}
		if perCat[opp.Category] >= b.cfg.DiversificationLimit {
			continue
		}
		if opp.Risk == types.RiskHigh && highCount >= b.cfg.MaxHighRiskPurchases {
			continue
		}
		selected = append(selected, opp)
		invested += opp.Listing.TotalPrice
		perCat[opp.Category]++
		if opp.Risk == types.RiskHigh {
			highCount++
		}
	}
	if len(selected) > 0 {
		b.logger.Info("buy plan ready", "candidates", len(ranked),
			"selected", len(selected), "investment", invested)
	}
	return selected
}

// quantityBand favors mid-sized stacks: tiny lots waste a purchase slot,
// huge ones tie up capital.
func quantityBand(qty int) float64 {
	switch {
	case qty < 10:
		return 0.9
	case qty < 100:
		return 1.0
	case qty < 1000:
		return 1.1
	default:
		return 1.2
	}
}

// priceBand favors the mid price range where resale is liquid.
func priceBand(unit float64) float64 {
	switch {
	case unit < 10:
		return 0.9
	case unit <= 100:
		return 1.0
	case unit <= 1000:
		return 1.1
	case unit <= 10_000:
		return 1.05
	default:
		return 0.9
	}
}
