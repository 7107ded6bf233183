package browser

import (
	"encoding/json"
	"fmt"
	"os"
)

// Selectors catalogs every DOM hook the modules need, keyed by purpose.
// Defaults match the game's current markup; a JSON file can override any
// subset when the game ships new HTML, so no rebuild is needed.
type Selectors struct {
	// Login page and authenticated markers.
	LoginUsername  string `json:"login_username"`
	LoginPassword  string `json:"login_password"`
	LoginSubmit    string `json:"login_submit"`
	LogoutLink     string `json:"logout_link"`
	CashIndicator  string `json:"cash_indicator"`
	LevelIndicator string `json:"level_indicator"`
	PlayerName     string `json:"player_name"`

	// Resource counters. Container counters render as "used/total" text.
	BankBalance    string `json:"bank_balance"`
	InventoryCount string `json:"inventory_count"`
	StorageCount   string `json:"storage_count"`
	SellingCount   string `json:"selling_count"`

	// Bank page.
	BankAmountInput string `json:"bank_amount_input"`
	BankWithdraw    string `json:"bank_withdraw"`
	BankDeposit     string `json:"bank_deposit"`

	// Items page (inventory/storage moves).
	DepositAllButton string `json:"deposit_all_button"`
	StorageTransfer  string `json:"storage_transfer"`

	// Marketplace page.
	MarketplaceMarker string `json:"marketplace_marker"`
	BuyTab            string `json:"buy_tab"`
	SellTab           string `json:"sell_tab"`
	SearchInput       string `json:"search_input"`
	SearchButton      string `json:"search_button"`
	ListingRows       string `json:"listing_rows"`
	RowItemName       string `json:"row_item_name"`
	RowSeller         string `json:"row_seller"`
	RowQuantity       string `json:"row_quantity"`
	RowUnitPrice      string `json:"row_unit_price"`
	RowTotalPrice     string `json:"row_total_price"`
	RowBuyButton      string `json:"row_buy_button"`
	AttrItemLocation  string `json:"attr_item_location"`
	AttrBuyNum        string `json:"attr_buy_num"`

	// Purchase confirmation and overlays.
	ConfirmDialog  string `json:"confirm_dialog"`
	ConfirmYes     string `json:"confirm_yes"`
	OverlayModal   string `json:"overlay_modal"`
	OverlayDismiss string `json:"overlay_dismiss"`
	ErrorBanner    string `json:"error_banner"`

	// Sell flow (marketplace sell tab).
	SellInventoryItems string `json:"sell_inventory_items"`
	SellMenuOption     string `json:"sell_menu_option"`
	SellPriceInput     string `json:"sell_price_input"`
	SellConfirmFirst   string `json:"sell_confirm_first"`
	SellConfirmSecond  string `json:"sell_confirm_second"`
	ItemName           string `json:"item_name"`
	ItemQuantity       string `json:"item_quantity"`
	AttrSlotIndex      string `json:"attr_slot_index"`
	AttrItemType       string `json:"attr_item_type"`
}

// DefaultSelectors returns the catalog for the game's current markup.
func DefaultSelectors() Selectors {
	return Selectors{
		LoginUsername:  `input[name="username"]`,
		LoginPassword:  `input[name="password"]`,
		LoginSubmit:    `button[type="submit"]`,
		LogoutLink:     `a[href*="logout"]`,
		CashIndicator:  `#header-cash`,
		LevelIndicator: `#header-level`,
		PlayerName:     `#header-username`,

		BankBalance:    `#bank-balance`,
		InventoryCount: `#inventory-count`,
		StorageCount:   `#storage-count`,
		SellingCount:   `#selling-count`,

		BankAmountInput: `input[name="bank_amount"]`,
		BankWithdraw:    `#bank-withdraw`,
		BankDeposit:     `#bank-deposit`,

		DepositAllButton: `#deposit-all`,
		StorageTransfer:  `#storage-to-inventory`,

		MarketplaceMarker: `#marketplace`,
		BuyTab:            `#market-tab-buy`,
		SellTab:           `#market-tab-sell`,
		SearchInput:       `input[name="market_search"]`,
		SearchButton:      `#market-search-go`,
		ListingRows:       `table.market-listings tbody tr`,
		RowItemName:       `td.item-name`,
		RowSeller:         `td.seller`,
		RowQuantity:       `td.quantity`,
		RowUnitPrice:      `td.unit-price`,
		RowTotalPrice:     `td.total-price`,
		RowBuyButton:      `button.buy`,
		AttrItemLocation:  `data-item-location`,
		AttrBuyNum:        `data-buy-num`,

		ConfirmDialog:  `div.confirm-dialog`,
		ConfirmYes:     `div.confirm-dialog button.confirm-yes`,
		OverlayModal:   `div.promo-overlay`,
		OverlayDismiss: `div.promo-overlay button.close`,
		ErrorBanner:    `div.market-error`,

		SellInventoryItems: `div.sell-inventory div.item`,
		SellMenuOption:     `ul.context-menu li[data-action="sell"]`,
		SellPriceInput:     `input[name="sell_price"]`,
		SellConfirmFirst:   `#sell-confirm`,
		SellConfirmSecond:  `#sell-confirm-final`,
		ItemName:           `span.item-name`,
		ItemQuantity:       `span.item-qty`,
		AttrSlotIndex:      `data-slot`,
		AttrItemType:       `data-item-type`,
	}
}

// LoadSelectors returns the defaults overlaid with any entries from the
// JSON file at path. An empty path, or a missing file, means defaults.
func LoadSelectors(path string) (Selectors, error) {
	sel := DefaultSelectors()
	if path == "" {
		return sel, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return sel, nil
	}
	if err != nil {
		return sel, fmt.Errorf("read selectors: %w", err)
	}
	if err := json.Unmarshal(data, &sel); err != nil {
		return sel, fmt.Errorf("parse selectors %s: %w", path, err)
	}
	return sel, nil
}
