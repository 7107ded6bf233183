package strategy

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"marketbot/internal/config"
	"marketbot/pkg/types"
)

func sellerCfg() config.TradingConfig {
	return config.TradingConfig{
		MarkupPercentage: 0.20,
		MinSlotValue:     100,
	}
}

func newSeller(cfg config.TradingConfig) *Seller {
	return NewSeller(cfg, NewHistory(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var sellNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func sellSnapshot(used, total int) *types.ResourceSnapshot {
	return &types.ResourceSnapshot{SellingUsed: used, SellingTotal: total}
}

func TestPlanSellOrdersPricesFromBaseTable(t *testing.T) {
	t.Parallel()
	s := newSeller(sellerCfg())
	items := []types.InventoryItem{
		{ItemName: "Bandage", Quantity: 20, SlotIndex: 3},
	}

	orders := s.PlanSellOrders(items, sellSnapshot(2, 10), sellNow)
	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(orders))
	}
	o := orders[0]
	// Base 45 × 1.20 markup = 54 per unit; 20 units = 1080 total.
	if !o.UnitPrice.Equal(d("54")) {
		t.Errorf("unit price = %s, want 54", o.UnitPrice)
	}
	if o.Price != 1080 {
		t.Errorf("total price = %d, want 1080", o.Price)
	}
	if o.Slot != 2 {
		t.Errorf("slot = %d, want the first free index 2", o.Slot)
	}
	if o.Aggressive {
		t.Error("normal sell order marked aggressive")
	}
}

func TestPlanSellOrdersTruncatesToFreeSlots(t *testing.T) {
	t.Parallel()
	s := newSeller(sellerCfg())
	items := []types.InventoryItem{
		{ItemName: "Medkit", Quantity: 5, SlotIndex: 0},
		{ItemName: "Bandage", Quantity: 20, SlotIndex: 1},
		{ItemName: "Rifle", Quantity: 1, SlotIndex: 2},
		{ItemName: "Ration", Quantity: 50, SlotIndex: 3},
	}

	orders := s.PlanSellOrders(items, sellSnapshot(8, 10), sellNow)
	if len(orders) != 2 {
		t.Fatalf("orders = %d, want the 2 free slots", len(orders))
	}
	if orders[0].Priority < orders[1].Priority {
		t.Error("orders not sorted by priority")
	}
	if orders[0].Slot != 8 || orders[1].Slot != 9 {
		t.Errorf("slots = %d,%d, want 8,9", orders[0].Slot, orders[1].Slot)
	}
}

func TestPlanSellOrdersDropsLowValueStacks(t *testing.T) {
	t.Parallel()
	cfg := sellerCfg()
	cfg.MinSlotValue = 500
	s := newSeller(cfg)
	items := []types.InventoryItem{
		{ItemName: "Water Bottle", Quantity: 2, SlotIndex: 0}, // 15 × 1.2 × 2 = 36
		{ItemName: "Medkit", Quantity: 5, SlotIndex: 1},       // 220 × 1.2 × 5 = 1320
	}

	orders := s.PlanSellOrders(items, sellSnapshot(0, 10), sellNow)
	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1 (low-value stack dropped)", len(orders))
	}
	if orders[0].Item.ItemName != "Medkit" {
		t.Errorf("kept item = %s, want Medkit", orders[0].Item.ItemName)
	}
}

func TestPlanSellOrdersNoFreeSlots(t *testing.T) {
	t.Parallel()
	s := newSeller(sellerCfg())
	items := []types.InventoryItem{{ItemName: "Bandage", Quantity: 20}}
	if orders := s.PlanSellOrders(items, sellSnapshot(10, 10), sellNow); orders != nil {
		t.Errorf("orders = %+v, want none with zero free slots", orders)
	}
}

func TestAgeBonusRanksStaleStockHigher(t *testing.T) {
	t.Parallel()
	s := newSeller(sellerCfg())
	fresh := types.InventoryItem{ItemName: "Bandage", Quantity: 10, SlotIndex: 0,
		AcquiredAt: sellNow.Add(-time.Hour)}
	stale := types.InventoryItem{ItemName: "Bandage", Quantity: 10, SlotIndex: 1,
		AcquiredAt: sellNow.Add(-96 * time.Hour)}

	orders := s.PlanSellOrders([]types.InventoryItem{fresh, stale}, sellSnapshot(0, 10), sellNow)
	if len(orders) != 2 {
		t.Fatalf("orders = %d, want 2", len(orders))
	}
	if orders[0].Item.SlotIndex != 1 {
		t.Error("stale stack not ranked first")
	}
}

func TestPlanSpaceClearing(t *testing.T) {
	t.Parallel()
	s := newSeller(sellerCfg())
	items := []types.InventoryItem{
		{ItemName: "Medkit", Quantity: 5, SlotIndex: 0},       // high priority
		{ItemName: "Water Bottle", Quantity: 2, SlotIndex: 1}, // lowest value
		{ItemName: "Rifle", Quantity: 1, SlotIndex: 2},
	}

	orders := s.PlanSpaceClearing(items, sellSnapshot(0, 10), 1, sellNow)
	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1 for one needed slot", len(orders))
	}
	o := orders[0]
	if o.Item.ItemName != "Water Bottle" {
		t.Errorf("cleared item = %s, want the lowest-priority Water Bottle", o.Item.ItemName)
	}
	if !o.Aggressive {
		t.Error("space-clearing order not marked aggressive")
	}
	// Half markup: 15 × 1.10 = 16.5 per unit, 2 units = 33 total.
	if !o.UnitPrice.Equal(d("16.5")) {
		t.Errorf("unit price = %s, want the half-markup 16.5", o.UnitPrice)
	}
	if o.Price != 33 {
		t.Errorf("total = %d, want 33", o.Price)
	}
}

func TestPlanSpaceClearingRespectsFreeSlots(t *testing.T) {
	t.Parallel()
	s := newSeller(sellerCfg())
	items := []types.InventoryItem{
		{ItemName: "Bandage", Quantity: 5, SlotIndex: 0},
		{ItemName: "Ration", Quantity: 5, SlotIndex: 1},
	}
	// Needed 2 but only 1 selling slot free.
	orders := s.PlanSpaceClearing(items, sellSnapshot(9, 10), 2, sellNow)
	if len(orders) != 1 {
		t.Errorf("orders = %d, want 1 (bounded by free slots)", len(orders))
	}
	if len(orders) == 1 && orders[0].Slot != 9 {
		t.Errorf("slot = %d, want 9", orders[0].Slot)
	}
}

func TestPlanSpaceClearingZeroNeeded(t *testing.T) {
	t.Parallel()
	s := newSeller(sellerCfg())
	if got := s.PlanSpaceClearing([]types.InventoryItem{{ItemName: "Bandage", Quantity: 1}},
		sellSnapshot(0, 10), 0, sellNow); got != nil {
		t.Errorf("orders = %+v, want none when nothing is needed", got)
	}
}
