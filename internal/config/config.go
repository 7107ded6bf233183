// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MARKETBOT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun  bool          `mapstructure:"dry_run"`
	Game    GameConfig    `mapstructure:"game"`
	Trading TradingConfig `mapstructure:"trading"`
	Pacing  PacingConfig  `mapstructure:"pacing"`
	Browser BrowserConfig `mapstructure:"browser"`
	Store   StoreConfig   `mapstructure:"store"`
	API     APIConfig     `mapstructure:"api"`
	Alerts  AlertConfig   `mapstructure:"alerts"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// GameConfig identifies the game site and the account the bot plays.
// Username and Password come from the environment (MARKETBOT_GAME_USERNAME,
// MARKETBOT_GAME_PASSWORD), never from the YAML file.
type GameConfig struct {
	BaseURL    string        `mapstructure:"base_url" validate:"required,url"`
	LoginPath  string        `mapstructure:"login_path"`
	HomePath   string        `mapstructure:"home_path"`
	MarketPath string        `mapstructure:"market_path"`
	BankPath   string        `mapstructure:"bank_path"`
	ItemsPath  string        `mapstructure:"items_path"`
	Username   string        `mapstructure:"username" validate:"required"`
	Password   string        `mapstructure:"password" validate:"required"`
	SessionTTL time.Duration `mapstructure:"session_ttl" validate:"gt=0"`
}

// URL joins the base URL with a page path.
func (g GameConfig) URL(path string) string {
	return strings.TrimRight(g.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// TradingConfig holds the immutable per-cycle trading parameters.
// TargetItems and MaxPricePerUnit are parallel arrays: entry i of the price
// array caps the unit price paid for item i. The arrays must be the same
// length; this is validated at load.
type TradingConfig struct {
	TargetItems     []string  `mapstructure:"target_items" validate:"required,min=1"`
	MaxPricePerUnit []float64 `mapstructure:"max_price_per_unit" validate:"required"`

	MinProfitMargin      float64 `mapstructure:"min_profit_margin" validate:"gte=0,lte=1"`
	MaxItemTotalPrice    int64   `mapstructure:"max_item_total_price" validate:"gt=0"`
	MaxTotalInvestment   int64   `mapstructure:"max_total_investment" validate:"gt=0"`
	DiversificationLimit int     `mapstructure:"diversification_limit" validate:"gt=0"`
	MaxHighRiskPurchases int     `mapstructure:"max_high_risk_purchases" validate:"gte=0"`
	MinCashThreshold     int64   `mapstructure:"min_cash_threshold" validate:"gt=0"`
	MarkupPercentage     float64 `mapstructure:"markup_percentage" validate:"gte=0,lte=2"`
	MinSlotValue         int64   `mapstructure:"min_slot_value" validate:"gte=0"`
	LowSpaceThreshold    int     `mapstructure:"low_space_threshold" validate:"gt=0"`
	MaxListingsPerScan   int     `mapstructure:"max_listings_per_scan" validate:"gt=0"`

	NormalWait           time.Duration `mapstructure:"normal_wait" validate:"gt=0"`
	BlockedWait          time.Duration `mapstructure:"blocked_wait" validate:"gt=0"`
	CriticalCooldown     time.Duration `mapstructure:"critical_cooldown" validate:"gt=0"`
	MaxLoginRetries      int           `mapstructure:"max_login_retries" validate:"gt=0"`
	MaxStageRetries      int           `mapstructure:"max_stage_retries" validate:"gte=0"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors" validate:"gt=0"`

	Timeouts TimeoutConfig `mapstructure:"timeouts"`
}

// TimeoutConfig sets per-stage wall-clock limits. Exceeding one counts as a
// stage-level failure, never a hang.
type TimeoutConfig struct {
	Login           time.Duration `mapstructure:"login" validate:"gt=0"`
	Probe           time.Duration `mapstructure:"probe" validate:"gt=0"`
	Scan            time.Duration `mapstructure:"scan" validate:"gt=0"`
	Purchase        time.Duration `mapstructure:"purchase" validate:"gt=0"`
	ListingPerOrder time.Duration `mapstructure:"listing_per_order" validate:"gt=0"`
}

// MaxUnitPriceFor returns the configured unit-price cap for a target item,
// matched case-insensitively. The second return is false for non-targets.
func (t TradingConfig) MaxUnitPriceFor(item string) (decimal.Decimal, bool) {
	want := strings.ToLower(strings.TrimSpace(item))
	for i, name := range t.TargetItems {
		if strings.ToLower(strings.TrimSpace(name)) == want {
			return decimal.NewFromFloat(t.MaxPricePerUnit[i]), true
		}
	}
	return decimal.Zero, false
}

// PacingConfig tunes the human-like delay envelope. Every externally
// observable browser action is paced by these constants.
//
//   - ActionMinGap: hard floor between any two consecutive browser actions.
//   - JitterMin/Max: uniform random delay bracket for generic waits.
//   - ThinkProbability: chance of a longer "reading the page" pause.
//   - TypingMin/Max: per-character delay bracket when filling inputs.
//   - TypingPauseChance: chance of a longer mid-word hesitation.
//   - SettleWindow: wait after every navigation before touching the DOM.
type PacingConfig struct {
	ActionMinGap      time.Duration `mapstructure:"action_min_gap" validate:"gt=0"`
	JitterMin         time.Duration `mapstructure:"jitter_min" validate:"gte=0"`
	JitterMax         time.Duration `mapstructure:"jitter_max" validate:"gt=0"`
	ThinkProbability  float64       `mapstructure:"think_probability" validate:"gte=0,lte=1"`
	ThinkMin          time.Duration `mapstructure:"think_min" validate:"gt=0"`
	ThinkMax          time.Duration `mapstructure:"think_max" validate:"gt=0"`
	TypingMin         time.Duration `mapstructure:"typing_min" validate:"gt=0"`
	TypingMax         time.Duration `mapstructure:"typing_max" validate:"gt=0"`
	TypingPauseChance float64       `mapstructure:"typing_pause_chance" validate:"gte=0,lte=1"`
	SettleWindow      time.Duration `mapstructure:"settle_window" validate:"gte=0"`
}

// BrowserConfig controls the headless Chrome the adapter drives.
type BrowserConfig struct {
	Headless      bool          `mapstructure:"headless"`
	ExecPath      string        `mapstructure:"exec_path"`
	UserAgent     string        `mapstructure:"user_agent"`
	WindowWidth   int           `mapstructure:"window_width" validate:"gt=0"`
	WindowHeight  int           `mapstructure:"window_height" validate:"gt=0"`
	NavTimeout    time.Duration `mapstructure:"nav_timeout" validate:"gt=0"`
	SelectorsFile string        `mapstructure:"selectors_file"`
}

// StoreConfig sets where persistent state lives: the session snapshot JSON
// and the SQLite trading history database share one directory.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir" validate:"required"`
}

// APIConfig controls the operator status server (JSON + WebSocket stream).
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port" validate:"gt=0,lte=65535"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// AlertConfig controls operator webhook notifications. An empty URL
// disables alerting.
type AlertConfig struct {
	WebhookURL string        `mapstructure:"webhook_url" validate:"omitempty,url"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MinLevel   string        `mapstructure:"min_level" validate:"oneof=info warning critical"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: MARKETBOT_GAME_USERNAME, MARKETBOT_GAME_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MARKETBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if u := os.Getenv("MARKETBOT_GAME_USERNAME"); u != "" {
		cfg.Game.Username = u
	}
	if p := os.Getenv("MARKETBOT_GAME_PASSWORD"); p != "" {
		cfg.Game.Password = p
	}
	if w := os.Getenv("MARKETBOT_ALERT_WEBHOOK"); w != "" {
		cfg.Alerts.WebhookURL = w
	}
	if os.Getenv("MARKETBOT_DRY_RUN") == "true" || os.Getenv("MARKETBOT_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("game.login_path", "/login")
	v.SetDefault("game.home_path", "/home")
	v.SetDefault("game.market_path", "/marketplace")
	v.SetDefault("game.bank_path", "/bank")
	v.SetDefault("game.items_path", "/items")
	v.SetDefault("game.session_ttl", 24*time.Hour)

	v.SetDefault("trading.min_profit_margin", 0.15)
	v.SetDefault("trading.max_item_total_price", 50_000)
	v.SetDefault("trading.max_total_investment", 200_000)
	v.SetDefault("trading.diversification_limit", 3)
	v.SetDefault("trading.max_high_risk_purchases", 1)
	v.SetDefault("trading.min_cash_threshold", 10_000)
	v.SetDefault("trading.markup_percentage", 0.25)
	v.SetDefault("trading.min_slot_value", 100)
	v.SetDefault("trading.low_space_threshold", 10)
	v.SetDefault("trading.max_listings_per_scan", 25)
	v.SetDefault("trading.normal_wait", 5*time.Minute)
	v.SetDefault("trading.blocked_wait", 30*time.Minute)
	v.SetDefault("trading.critical_cooldown", 15*time.Minute)
	v.SetDefault("trading.max_login_retries", 3)
	v.SetDefault("trading.max_stage_retries", 3)
	v.SetDefault("trading.max_consecutive_errors", 3)
	v.SetDefault("trading.timeouts.login", 60*time.Second)
	v.SetDefault("trading.timeouts.probe", 20*time.Second)
	v.SetDefault("trading.timeouts.scan", 90*time.Second)
	v.SetDefault("trading.timeouts.purchase", 30*time.Second)
	v.SetDefault("trading.timeouts.listing_per_order", 30*time.Second)

	v.SetDefault("pacing.action_min_gap", 800*time.Millisecond)
	v.SetDefault("pacing.jitter_min", 300*time.Millisecond)
	v.SetDefault("pacing.jitter_max", 1500*time.Millisecond)
	v.SetDefault("pacing.think_probability", 0.15)
	v.SetDefault("pacing.think_min", 1*time.Second)
	v.SetDefault("pacing.think_max", 5*time.Second)
	v.SetDefault("pacing.typing_min", 60*time.Millisecond)
	v.SetDefault("pacing.typing_max", 220*time.Millisecond)
	v.SetDefault("pacing.typing_pause_chance", 0.05)
	v.SetDefault("pacing.settle_window", 1200*time.Millisecond)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.nav_timeout", 30*time.Second)

	v.SetDefault("store.data_dir", "data")

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.port", 8787)

	v.SetDefault("alerts.timeout", 10*time.Second)
	v.SetDefault("alerts.min_level", "warning")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

var validate = validator.New()

// Validate checks all required fields, value ranges, and cross-field rules.
// A failure here is fatal at startup.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("config validation failed: %s", formatValidationErrors(verrs))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}

	if len(c.Trading.TargetItems) != len(c.Trading.MaxPricePerUnit) {
		return fmt.Errorf("trading.target_items (%d) and trading.max_price_per_unit (%d) must have the same length",
			len(c.Trading.TargetItems), len(c.Trading.MaxPricePerUnit))
	}
	for i, p := range c.Trading.MaxPricePerUnit {
		if p < 0 {
			return fmt.Errorf("trading.max_price_per_unit[%d] must be >= 0, got %v", i, p)
		}
	}
	seen := make(map[string]bool, len(c.Trading.TargetItems))
	for i, name := range c.Trading.TargetItems {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return fmt.Errorf("trading.target_items[%d] is empty", i)
		}
		if seen[key] {
			return fmt.Errorf("trading.target_items[%d] duplicates %q", i, name)
		}
		seen[key] = true
	}

	if c.Pacing.JitterMin > c.Pacing.JitterMax {
		return fmt.Errorf("pacing.jitter_min must not exceed pacing.jitter_max")
	}
	if c.Pacing.ThinkMin > c.Pacing.ThinkMax {
		return fmt.Errorf("pacing.think_min must not exceed pacing.think_max")
	}
	if c.Pacing.TypingMin > c.Pacing.TypingMax {
		return fmt.Errorf("pacing.typing_min must not exceed pacing.typing_max")
	}
	return nil
}

// formatValidationErrors flattens validator errors into one readable line
// of "field: rule" pairs.
func formatValidationErrors(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Namespace()))
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s]", fe.Namespace(), fe.Param()))
		case "url":
			parts = append(parts, fmt.Sprintf("%s must be a valid URL", fe.Namespace()))
		default:
			parts = append(parts, fmt.Sprintf("%s violates %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(parts, "; ")
}
