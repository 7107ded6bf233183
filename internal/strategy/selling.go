package strategy

import (
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"marketbot/internal/config"
	"marketbot/pkg/types"
)

// Seller prices inventory stacks and allocates the bounded selling slots.
type Seller struct {
	cfg    config.TradingConfig
	hist   *History
	logger *slog.Logger
}

// NewSeller builds a selling strategy over the shared history.
func NewSeller(cfg config.TradingConfig, hist *History, logger *slog.Logger) *Seller {
	return &Seller{
		cfg:    cfg,
		hist:   hist,
		logger: logger.With("component", "selling"),
	}
}

// PlanSellOrders turns inventory stacks into a listing plan bounded by the
// free selling slots. Orders come back ready to execute: priced as stack
// totals, slots assigned sequentially from the first free index, anything
// under the minimum slot value dropped.
func (s *Seller) PlanSellOrders(items []types.InventoryItem, snap *types.ResourceSnapshot, now time.Time) []types.SellOrder {
	return s.plan(items, snap, now, snap.SellingFree(), s.cfg.MarkupPercentage, false)
}

// PlanSpaceClearing plans listings whose purpose is freeing inventory
// space, not margin: the lowest-priority stacks in sufficient count to free
// `needed` slots, priced with half the normal markup.
func (s *Seller) PlanSpaceClearing(items []types.InventoryItem, snap *types.ResourceSnapshot, needed int, now time.Time) []types.SellOrder {
	if needed <= 0 {
		return nil
	}
	// Score everything first; space clearing sheds the worst stock, so the
	// best-first slot truncation inside plan must not run before the
	// ascending cut here.
	orders := s.plan(items, snap, now, len(items), s.cfg.MarkupPercentage/2, true)
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].Priority < orders[j].Priority
	})
	limit := needed
	if free := snap.SellingFree(); limit > free {
		limit = free
	}
	if len(orders) > limit {
		orders = orders[:limit]
	}
	for i := range orders {
		orders[i].Slot = snap.SellingUsed + i
	}
	return orders
}

// plan is the shared scoring pass.
func (s *Seller) plan(items []types.InventoryItem, snap *types.ResourceSnapshot, now time.Time, freeSlots int, markup float64, aggressive bool) []types.SellOrder {
	if freeSlots <= 0 || len(items) == 0 {
		return nil
	}

	orders := make([]types.SellOrder, 0, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			continue
		}
		unit := s.hist.referencePrice(item.ItemName).
			Mul(decimal.NewFromFloat(1 + markup)).Round(2)
		total := unit.Mul(decimal.NewFromInt(int64(item.Quantity))).Ceil().IntPart()
		if total < 1 {
			continue
		}
		cat := types.CategoryOf(item.ItemName)
		orders = append(orders, types.SellOrder{
			Item:       item,
			Category:   cat,
			Price:      total,
			UnitPrice:  unit,
			Priority:   s.priority(item, cat, total, now),
			Aggressive: aggressive,
		})
	}

	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].Priority > orders[j].Priority
	})
	if len(orders) > freeSlots {
		orders = orders[:freeSlots]
	}

	if !aggressive {
		kept := orders[:0]
		for _, o := range orders {
			if o.Price < s.cfg.MinSlotValue {
				s.logger.Debug("stack under minimum slot value, held back",
					"item", o.Item.ItemName, "total", o.Price, "min", s.cfg.MinSlotValue)
				continue
			}
			kept = append(kept, o)
		}
		orders = kept
	}

	for i := range orders {
		orders[i].Slot = snap.SellingUsed + i
	}
	return orders
}

// priority scores one stack for slot allocation: total value weighted by
// category demand, current market depth, stack size, and shelf age.
func (s *Seller) priority(item types.InventoryItem, cat types.Category, total int64, now time.Time) float64 {
	p := float64(total) * cat.SellPriorityWeight()
	p *= s.hist.DemandMultiplier(item.ItemName)
	p *= sellQuantityTier(item.Quantity)
	p *= ageBonus(item.AcquiredAt, now)
	return p
}

// sellQuantityTier nudges full stacks ahead of fragments.
func sellQuantityTier(qty int) float64 {
	switch {
	case qty >= 100:
		return 1.2
	case qty >= 10:
		return 1.1
	default:
		return 1.0
	}
}

// ageBonus favors stock that has sat in inventory: stale items tie up
// capital and space. Unknown acquisition times are neutral.
func ageBonus(acquiredAt, now time.Time) float64 {
	if acquiredAt.IsZero() || !acquiredAt.Before(now) {
		return 1.0
	}
	hours := now.Sub(acquiredAt).Hours()
	switch {
	case hours >= 72:
		return 1.3
	case hours >= 24:
		return 1.15
	default:
		return 1.0
	}
}
