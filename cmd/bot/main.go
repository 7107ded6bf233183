// Marketbot — an autonomous trading agent for a browser-game marketplace.
// It drives a headless Chrome through cycles of login, resource probing,
// space management, market scanning, buying, and sell listing, pacing every
// action like a human player.
//
// Architecture:
//
//	main.go                    — entry point: config, wiring, signal handling
//	orchestrator/              — the state machine driving trading cycles
//	session/                   — login, session persistence and restore
//	probe/                     — reads cash, bank and container counters
//	bank/                      — withdraws and deposits with delta verification
//	inventory/                 — inventory <-> storage moves
//	market/                    — marketplace pages: search, buy, sell listings
//	strategy/                  — buy ranking and sell pricing over price history
//	browser/                   — chromedp adapter behind the Session interface
//	pacer/                     — human-like delay envelope for every action
//	cyclelog/                  — per-cycle structured records
//	store/                     — SQLite trading history + session snapshot
//	api/                       — read-only status JSON + WebSocket stream
//	alert/                     — operator webhook notifications
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketbot/internal/alert"
	"marketbot/internal/api"
	"marketbot/internal/bank"
	"marketbot/internal/browser"
	"marketbot/internal/clock"
	"marketbot/internal/config"
	"marketbot/internal/cyclelog"
	"marketbot/internal/inventory"
	"marketbot/internal/market"
	"marketbot/internal/orchestrator"
	"marketbot/internal/pacer"
	"marketbot/internal/probe"
	"marketbot/internal/session"
	"marketbot/internal/store"
	"marketbot/internal/strategy"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Credentials come from the environment; a .env file is a convenience
	// for local runs and its absence is not an error.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MARKETBOT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err, "dir", cfg.Store.DataDir)
		return 1
	}
	defer st.Close()

	sel, err := browser.LoadSelectors(cfg.Browser.SelectorsFile)
	if err != nil {
		logger.Error("failed to load selectors", "error", err)
		return 1
	}

	clk := clock.NewReal()
	chrome := browser.NewChrome(cfg.Browser, clk, logger)
	if err := chrome.Start(ctx); err != nil {
		logger.Error("failed to start browser", "error", err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := chrome.Close(closeCtx); err != nil {
			logger.Error("failed to close browser", "error", err)
		}
	}()

	pace := pacer.New(cfg.Pacing, clk)
	guard := session.New(chrome, sel, pace, st, cfg.Game, clk, cfg.Trading.MaxLoginRetries, logger)
	prb := probe.New(chrome, sel, pace, cfg.Game, clk, cfg.Trading.MaxStageRetries, logger)
	bankMod := bank.New(chrome, sel, pace, prb, clk, logger)
	invMod := inventory.New(chrome, sel, pace, cfg.Game, clk, logger)
	mkt := market.New(chrome, sel, pace, cfg.Game, clk, cfg.Trading.MaxListingsPerScan, logger)

	hist := strategy.NewHistory()
	if err := hist.Warm(ctx, st, cfg.Trading.TargetItems); err != nil {
		logger.Warn("price history warm-up failed, starting cold", "error", err)
	}

	deps := orchestrator.Deps{
		Session:   guard,
		Probe:     prb,
		Bank:      bankMod,
		Inventory: invMod,
		Market:    mkt,
		Buyer:     strategy.NewBuyer(cfg.Trading, hist, logger),
		Seller:    strategy.NewSeller(cfg.Trading, hist, logger),
		History:   hist,
		Cycles:    cyclelog.New(clk, st, logger),
		Prices:    st,
		Clock:     clk,
	}
	if wh := alert.NewWebhook(cfg.Alerts); wh != nil {
		deps.Alerts = alert.NewManager(alert.Level(cfg.Alerts.MinLevel), cfg.Alerts.Timeout, logger, wh)
	}

	orch := orchestrator.New(*cfg, deps, logger)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, orch, st, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		logger.Info("status server started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no purchases or listings will be executed")
	}
	logger.Info("marketbot started",
		"targets", len(cfg.Trading.TargetItems),
		"max_investment", cfg.Trading.MaxTotalInvestment,
		"normal_wait", cfg.Trading.NormalWait,
		"dry_run", cfg.DryRun,
	)

	err = orch.Run(ctx)

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop status server", "error", err)
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("trading loop failed", "error", err)
		return 2
	}
	logger.Info("shutdown complete")
	return 0
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
