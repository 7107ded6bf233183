// Package strategy decides what to buy and how to sell it. The buying side
// ranks scanned listings by expected margin under risk and portfolio
// constraints; the selling side prices inventory stacks and allocates the
// bounded selling slots.
//
// Both sides share one pricing pipeline backed by a local price history:
// a per-item base table scaled by observed demand, then the trailing
// average of recently scanned prices, then a category fallback. The
// history is fed from market scans and warmed from the store at startup.
package strategy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketbot/internal/store"
	"marketbot/pkg/types"
)

const (
	// maxSamplesPerItem bounds the in-memory history per item.
	maxSamplesPerItem = 50
	// historyMarkup is applied to the trailing average when it drives the
	// sell estimate: recent market prices are what buyers already pay.
	historyMarkup = 1.10
)

// basePrices is the reference sell price per unit for items the bot trades
// often. Names are matched lowercased.
var basePrices = map[string]int64{
	"ammo box":      55,
	"9mm rounds":    40,
	"shotgun shell": 35,
	"bandage":       45,
	"first aid kit": 180,
	"medkit":        220,
	"morphine":      350,
	"pistol":        600,
	"rifle":         1_100,
	"hunting knife": 250,
	"kevlar vest":   700,
	"helmet":        400,
	"ration":        25,
	"water bottle":  15,
	"whiskey":       80,
}

// categoryBasePrices backs items absent from the table.
var categoryBasePrices = map[types.Category]int64{
	types.CategoryAmmo:    50,
	types.CategoryMedical: 150,
	types.CategoryWeapon:  800,
	types.CategoryArmor:   500,
	types.CategoryFood:    30,
	types.CategoryMisc:    100,
}

type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

// PriceSource is the slice of the store the history warms from.
type PriceSource interface {
	RecentPrices(ctx context.Context, itemName string, limit int) ([]store.PriceSample, error)
}

// History is the local market memory: recent unit prices and listing depth
// per item. Safe for concurrent use; in practice only the orchestrator's
// goroutine writes.
type History struct {
	mu     sync.Mutex
	prices map[string][]pricePoint
	depth  map[string]int // listings seen in the latest scan
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{
		prices: make(map[string][]pricePoint),
		depth:  make(map[string]int),
	}
}

// Warm seeds the history with persisted samples for the given items.
func (h *History) Warm(ctx context.Context, src PriceSource, items []string) error {
	for _, item := range items {
		samples, err := src.RecentPrices(ctx, item, maxSamplesPerItem)
		if err != nil {
			return fmt.Errorf("warm history for %q: %w", item, err)
		}
		for i := len(samples) - 1; i >= 0; i-- {
			h.Observe(samples[i].ItemName, samples[i].UnitPrice, samples[i].ObservedAt)
		}
	}
	return nil
}

// Observe records one scanned unit price.
func (h *History) Observe(item string, price decimal.Decimal, at time.Time) {
	if price.Sign() <= 0 {
		return
	}
	key := normalize(item)
	h.mu.Lock()
	defer h.mu.Unlock()
	pts := append(h.prices[key], pricePoint{price: price, at: at})
	if len(pts) > maxSamplesPerItem {
		pts = pts[len(pts)-maxSamplesPerItem:]
	}
	h.prices[key] = pts
}

// ObserveDepth records how many listings the latest scan returned for an
// item. Depth drives the demand multiplier: a crowded book means supply
// outpaces demand and estimates should soften.
func (h *History) ObserveDepth(item string, listings int) {
	if listings < 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.depth[normalize(item)] = listings
}

// TrailingAverage returns the mean of the recorded prices for an item.
func (h *History) TrailingAverage(item string) (decimal.Decimal, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pts := h.prices[normalize(item)]
	if len(pts) == 0 {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, p := range pts {
		sum = sum.Add(p.price)
	}
	return sum.Div(decimal.NewFromInt(int64(len(pts)))).Round(2), true
}

// DemandMultiplier maps the latest listing depth to a pricing multiplier in
// [0.9, 1.3]: an empty book firms the estimate, ten or more listings cap
// the discount. Unobserved items are neutral.
func (h *History) DemandMultiplier(item string) float64 {
	h.mu.Lock()
	depth, ok := h.depth[normalize(item)]
	h.mu.Unlock()
	if !ok {
		return 1.0
	}
	if depth > 10 {
		depth = 10
	}
	m := 1.3 - 0.04*float64(depth)
	if m < 0.9 {
		m = 0.9
	}
	return m
}

// Reset drops all cached observations.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prices = make(map[string][]pricePoint)
	h.depth = make(map[string]int)
}

// EstimateSell runs the shared pricing pipeline for one item. listingUnit
// is the current asking price, used only by the category fallback when
// neither the base table nor local history knows the item.
func (h *History) EstimateSell(item string, listingUnit decimal.Decimal) decimal.Decimal {
	if base, ok := basePrices[normalize(item)]; ok {
		return decimal.NewFromInt(base).
			Mul(decimal.NewFromFloat(h.DemandMultiplier(item))).Round(2)
	}
	if avg, ok := h.TrailingAverage(item); ok {
		return avg.Mul(decimal.NewFromFloat(historyMarkup)).Round(2)
	}
	cat := types.CategoryOf(item)
	return listingUnit.Mul(decimal.NewFromFloat(cat.DefaultSellMultiplier())).Round(2)
}

// referencePrice is the sell-side estimate for an item already in hand,
// where there is no listing price to anchor on.
func (h *History) referencePrice(item string) decimal.Decimal {
	if avg, ok := h.TrailingAverage(item); ok {
		return avg.Mul(decimal.NewFromFloat(historyMarkup)).Round(2)
	}
	key := normalize(item)
	base, ok := basePrices[key]
	if !ok {
		base = categoryBasePrices[types.CategoryOf(item)]
	}
	return decimal.NewFromInt(base).
		Mul(decimal.NewFromFloat(h.DemandMultiplier(item))).Round(2)
}

func normalize(item string) string {
	return strings.ToLower(strings.TrimSpace(item))
}
