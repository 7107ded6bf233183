// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — resource snapshots,
// market listings, purchase opportunities, sell orders, cycle records, and
// the result kinds modules report back to the orchestrator. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// TxKind identifies what a Transaction did.
type TxKind string

const (
	TxPurchase    TxKind = "purchase"
	TxSale        TxKind = "sale"
	TxWithdrawal  TxKind = "withdrawal"
	TxDeposit     TxKind = "deposit"
	TxStorageMove TxKind = "storage_move"
)

// TxStatus is the tri-state completion status of a Transaction. Unknown is
// reserved for purchases whose confirmation never became observable after
// the buy click; funds are conservatively treated as spent.
type TxStatus string

const (
	TxSuccess TxStatus = "success"
	TxFailed  TxStatus = "failed"
	TxUnknown TxStatus = "unknown"
)

// Outcome is the result kind a module returns to the orchestrator. Modules
// never raise errors through the main loop; the orchestrator switches on
// the Outcome and decides the state transition.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeTransient      Outcome = "transient"       // retryable within the stage
	OutcomeBlocked        Outcome = "blocked"         // business condition, not an error
	OutcomeSessionInvalid Outcome = "session_invalid" // re-login required
	OutcomeIntegrity      Outcome = "integrity"       // action outcome unknown
	OutcomeConfiguration  Outcome = "configuration"   // fatal at startup
	OutcomeFatal          Outcome = "fatal"           // terminates the orchestrator
)

// PurchaseResult is the fine-grained report of a single buy attempt.
// InventoryFull must be distinguishable because the orchestrator uses it
// to shortcut into space management mid-scan.
type PurchaseResult string

const (
	PurchaseOK                  PurchaseResult = "ok"
	PurchaseInventoryFull       PurchaseResult = "inventory_full"
	PurchaseInsufficientFunds   PurchaseResult = "insufficient_funds"
	PurchaseRowGone             PurchaseResult = "row_gone"
	PurchaseConfirmationMissing PurchaseResult = "confirmation_missing"
	PurchaseOther               PurchaseResult = "other"
)

// RiskTier is the categorical risk assessment of an opportunity.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// Escalate bumps the tier one level. High stays high.
func (r RiskTier) Escalate() RiskTier {
	switch r {
	case RiskLow:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// Multiplier returns the priority weighting for the tier: lower risk ranks
// earlier for the same margin.
func (r RiskTier) Multiplier() float64 {
	switch r {
	case RiskLow:
		return 1.2
	case RiskHigh:
		return 0.8
	default:
		return 1.0
	}
}

// MarketTab identifies which marketplace tab a session is on.
type MarketTab string

const (
	TabBuy  MarketTab = "buy"
	TabSell MarketTab = "sell"
)

// ————————————————————————————————————————————————————————————————————————
// Item categories
// ————————————————————————————————————————————————————————————————————————

// Category buckets items for pricing defaults, diversification limits, and
// sell priority. Classification is keyword-based on the item name; anything
// unrecognized falls into Misc.
type Category string

const (
	CategoryAmmo    Category = "ammo"
	CategoryMedical Category = "medical"
	CategoryWeapon  Category = "weapon"
	CategoryArmor   Category = "armor"
	CategoryFood    Category = "food"
	CategoryMisc    Category = "misc"
)

var categoryKeywords = []struct {
	cat   Category
	words []string
}{
	{CategoryAmmo, []string{"ammo", "bullet", "round", "cartridge", "shell", "clip", "magazine"}},
	{CategoryMedical, []string{"medkit", "med kit", "first aid", "bandage", "morphine", "blood", "serum", "antidote", "pill"}},
	{CategoryWeapon, []string{"pistol", "rifle", "shotgun", "gun", "knife", "sword", "blade", "bat", "crossbow"}},
	{CategoryArmor, []string{"armor", "armour", "vest", "helmet", "shield", "plating"}},
	{CategoryFood, []string{"food", "burger", "steak", "bread", "water", "beer", "whiskey", "candy", "chocolate", "ration"}},
}

// CategoryOf classifies an item name with keyword matching.
func CategoryOf(itemName string) Category {
	name := strings.ToLower(itemName)
	for _, ck := range categoryKeywords {
		for _, w := range ck.words {
			if strings.Contains(name, w) {
				return ck.cat
			}
		}
	}
	return CategoryMisc
}

// DefaultSellMultiplier is the fallback sell-price multiplier applied to a
// listing's price when neither the base-price table nor local history knows
// the item. Multipliers sit above 1 + the default minimum margin so the
// margin filter keeps teeth for unknown items.
func (c Category) DefaultSellMultiplier() float64 {
	switch c {
	case CategoryAmmo:
		return 1.15
	case CategoryMedical:
		return 1.30
	case CategoryWeapon:
		return 1.25
	case CategoryArmor:
		return 1.20
	case CategoryFood:
		return 1.20
	default:
		return 1.40
	}
}

// SellPriorityWeight ranks categories when allocating scarce selling slots.
func (c Category) SellPriorityWeight() float64 {
	switch c {
	case CategoryMedical:
		return 0.9
	case CategoryAmmo:
		return 0.8
	case CategoryFood:
		return 0.7
	case CategoryWeapon:
		return 0.6
	case CategoryArmor:
		return 0.5
	default:
		return 0.4
	}
}

// BaseRiskTier is the category's risk floor before escalation.
func (c Category) BaseRiskTier() RiskTier {
	switch c {
	case CategoryAmmo, CategoryFood:
		return RiskLow
	default:
		return RiskMedium
	}
}

// ————————————————————————————————————————————————————————————————————————
// Money helpers
// ————————————————————————————————————————————————————————————————————————
// Currency is integer minor units (the game trades in whole dollars).
// Unit prices carry at most two fractional digits; DOM row matching and the
// unit×quantity≈total invariant both tolerate ±0.01.

// MaxCounter bounds every parsed resource counter. Values outside
// [0, MaxCounter] are read failures, never silent zeros.
const MaxCounter = 10_000_000

var priceTolerance = decimal.NewFromFloat(0.01)

// PriceEqual reports whether two unit prices match within ±0.01.
func PriceEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(priceTolerance)
}

// CounterInRange reports whether a parsed counter is plausible.
func CounterInRange(v int64) bool {
	return v >= 0 && v <= MaxCounter
}

// ————————————————————————————————————————————————————————————————————————
// Resource accounting
// ————————————————————————————————————————————————————————————————————————

// ResourceSnapshot is a point-in-time read of everything the bot spends:
// cash, bank balance, and the three bounded containers (inventory, storage,
// selling slots). Created by the resource probe, immutable afterwards.
type ResourceSnapshot struct {
	Cash           int64     `json:"cash"`
	Bank           int64     `json:"bank"`
	InventoryUsed  int       `json:"inventory_used"`
	InventoryTotal int       `json:"inventory_total"`
	StorageUsed    int       `json:"storage_used"`
	StorageTotal   int       `json:"storage_total"`
	SellingUsed    int       `json:"selling_used"`
	SellingTotal   int       `json:"selling_total"`
	TakenAt        time.Time `json:"taken_at"`
}

// TotalFunds is cash plus bank.
func (s ResourceSnapshot) TotalFunds() int64 { return s.Cash + s.Bank }

// InventoryFree is the number of free inventory slots, never negative.
func (s ResourceSnapshot) InventoryFree() int {
	if f := s.InventoryTotal - s.InventoryUsed; f > 0 {
		return f
	}
	return 0
}

// StorageFree is the number of free storage slots, never negative.
func (s ResourceSnapshot) StorageFree() int {
	if f := s.StorageTotal - s.StorageUsed; f > 0 {
		return f
	}
	return 0
}

// SellingFree is the number of free selling slots, never negative.
func (s ResourceSnapshot) SellingFree() int {
	if f := s.SellingTotal - s.SellingUsed; f > 0 {
		return f
	}
	return 0
}

// IsBlocked reports the fully-wedged state: funds below the minimum
// threshold with no inventory space and no selling slots left. The
// orchestrator waits the long blocked interval when this holds.
func (s ResourceSnapshot) IsBlocked(minFunds int64) bool {
	return s.TotalFunds() < minFunds && s.InventoryFree() == 0 && s.SellingFree() == 0
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// MarketListing is one parsed marketplace row. ItemLocation and BuyNum are
// opaque locator tokens lifted from the row's DOM attributes; the market
// module needs them to execute a purchase but never interprets them.
type MarketListing struct {
	ItemName     string
	SellerID     string
	UnitPrice    decimal.Decimal // positive, at most 2 fractional digits
	Quantity     int             // positive
	TotalPrice   int64
	ItemLocation string
	BuyNum       string
}

// PriceConsistent verifies unit price × quantity matches the row's total
// within the ±0.01 tolerance. Rows failing this are parser noise.
func (l MarketListing) PriceConsistent() bool {
	if l.Quantity <= 0 {
		return false
	}
	derived := decimal.NewFromInt(l.TotalPrice).Div(decimal.NewFromInt(int64(l.Quantity)))
	return PriceEqual(l.UnitPrice, derived)
}

// InventoryItem is one stack in the player's inventory container.
// TypeID is the normalized item identifier matched against the target list.
type InventoryItem struct {
	ItemName   string
	Quantity   int
	SlotIndex  int // unique within the container
	TypeID     string
	AcquiredAt time.Time // zero when unknown; used for sell-priority aging
}

// PurchaseOpportunity is a listing the buying strategy accepted, with its
// pricing estimate and ranking. EstimatedSell is always above the listing's
// unit price: the margin filter rejects anything else.
type PurchaseOpportunity struct {
	Listing       MarketListing
	Category      Category
	EstimatedSell decimal.Decimal
	ProfitPerUnit decimal.Decimal // EstimatedSell − UnitPrice, never negative
	ProfitMargin  float64         // (EstimatedSell − UnitPrice) / UnitPrice
	Risk          RiskTier
	Priority      float64
}

// SellOrder schedules one inventory stack onto a selling slot. Price is the
// TOTAL asking price for the whole stack, which is what the listing form
// expects. Aggressive marks space-clearing orders priced with halved markup.
type SellOrder struct {
	Item       InventoryItem
	Category   Category
	Price      int64 // total asking price, positive
	UnitPrice  decimal.Decimal
	Slot       int // assigned at scheduling time
	Priority   float64
	Aggressive bool
}

// ————————————————————————————————————————————————————————————————————————
// Cycle records
// ————————————————————————————————————————————————————————————————————————

// Transaction records one side effect against the game: a purchase, a sale
// listing, a bank move, or a storage move. Detail carries free-form context
// (seller id, failure reason) that doesn't warrant its own field.
type Transaction struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      TxKind            `json:"kind"`
	ItemName  string            `json:"item_name,omitempty"`
	Quantity  int               `json:"quantity,omitempty"`
	UnitPrice decimal.Decimal   `json:"unit_price"`
	Total     int64             `json:"total"`
	Status    TxStatus          `json:"status"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// StageRecord times one named stage within a cycle.
type StageRecord struct {
	Name      string        `json:"name"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
}

// CycleError is one recorded failure, attributed to the stage it hit.
type CycleError struct {
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// CycleRecord is the sealed, persisted account of one full cycle. Mutated
// only through the cycle logger while open; append-only once sealed.
// TotalSpent counts successful and unknown-status purchases (conservative),
// TotalEarned counts successful sale listings at their asking price.
type CycleRecord struct {
	ID           string            `json:"id"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      time.Time         `json:"ended_at"`
	Stages       []StageRecord     `json:"stages"`
	Before       *ResourceSnapshot `json:"before,omitempty"`
	After        *ResourceSnapshot `json:"after,omitempty"`
	Transactions []Transaction     `json:"transactions"`
	Errors       []CycleError      `json:"errors,omitempty"`
	Success      bool              `json:"success"`
	Cancelled    bool              `json:"cancelled"`
	TotalSpent   int64             `json:"total_spent"`
	TotalEarned  int64             `json:"total_earned"`
	NetProfit    int64             `json:"net_profit"`
}

// ————————————————————————————————————————————————————————————————————————
// Session persistence
// ————————————————————————————————————————————————————————————————————————

// Cookie is the persisted form of one browser cookie. Values are stored but
// must never be logged.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"http_only"`
	Secure   bool      `json:"secure"`
}

// UserInfo caches the identity markers read from the authenticated page.
type UserInfo struct {
	Name  string `json:"name"`
	Cash  int64  `json:"cash"`
	Level int    `json:"level"`
}

// SessionSnapshot persists a logged-in browser session across restarts:
// cookies plus enough context to validate them without a full login.
type SessionSnapshot struct {
	SavedAt   time.Time `json:"saved_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Cookies   []Cookie  `json:"cookies"`
	LastURL   string    `json:"last_url"`
	User      UserInfo  `json:"user"`
	Valid     bool      `json:"valid"`
}

// IsValid reports whether the snapshot is worth attempting to restore:
// flagged valid, not expired, and carrying at least one cookie.
func (s *SessionSnapshot) IsValid(now time.Time) bool {
	if s == nil {
		return false
	}
	return s.Valid && now.Before(s.ExpiresAt) && len(s.Cookies) > 0
}
