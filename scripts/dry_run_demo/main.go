package main

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"signal-core/internal/bot"
	"signal-core/internal/engine"
	"signal-core/internal/gateway"
	"signal-core/internal/ledger"
	"signal-core/internal/vault"
	"signal-core/pkg/broker/paper"
	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
	"signal-core/pkg/logger"
)

// dry_run_demo drives a few signals through the real engine against the paper
// broker, using an in-memory database. Nothing leaves the process.
//
// Usage:
//   go run ./scripts/dry_run_demo
//
// It will:
//   1) BUY AAPL from flat, then repeat the BUY (ALREADY_LONG).
//   2) SELL, reversing long to short in two legs.
//   3) CLOSE, then print the bot and its trade history.

func main() {
	log.Println("=== DRY-RUN demo starting ===")

	lg, err := logger.New("info", "console")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	ctx := context.Background()

	database, err := db.New(":memory:")
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		log.Fatalf("generate key: %v", err)
	}
	keys, err := crypto.NewKeyManager(map[int]string{1: key})
	if err != nil {
		log.Fatalf("key manager: %v", err)
	}

	user, err := database.CreateUser(ctx, "demo@example.com")
	if err != nil {
		log.Fatalf("create user: %v", err)
	}
	creds := vault.New(database, keys, lg)
	if err := creds.Store(ctx, vault.Credentials{UserID: user.ID, Broker: vault.BrokerPaper, Paper: true}); err != nil {
		log.Fatalf("store credentials: %v", err)
	}

	brokers := gateway.NewManager(creds, gateway.NewFactory(gateway.FactoryConfig{
		DryRun: true,
		Paper:  paper.Config{InitialEquity: decimal.NewFromInt(100000), SlippageBps: 5},
	}, lg), gateway.DefaultConfig(), lg)

	client, err := brokers.Get(ctx, user.ID)
	if err != nil {
		log.Fatalf("broker client: %v", err)
	}
	sim := client.(*paper.Broker)
	sim.SetQuote("AAPL", decimal.RequireFromString("99.95"), decimal.RequireFromString("100.00"))

	bots := bot.NewStore(database)
	if _, err := bots.Upsert(ctx, bot.Config{
		UserID:         user.ID,
		Symbol:         "AAPL",
		Timeframe:      "1h",
		PositionSize:   decimal.NewFromInt(5000),
		DailyLossLimit: decimal.NewNullDecimal(decimal.NewFromInt(1000)),
		IsActive:       true,
	}); err != nil {
		log.Fatalf("upsert bot: %v", err)
	}

	trades := ledger.New(database)
	eng := engine.New(bots, trades, brokers, engine.Options{
		Poll: engine.PollPolicy{MaxAttempts: 3, Interval: 50 * time.Millisecond},
	}, lg.Named("engine"))

	run := func(label string, action engine.Action) {
		res, err := eng.Execute(ctx, engine.Signal{UserID: user.ID, Action: action, Symbol: "AAPL", Timeframe: "1h"})
		if err != nil {
			log.Fatalf("%s: %v", label, err)
		}
		log.Printf("[%s] %s %s status=%s reason=%s legs=%d", label, res.Action, res.Symbol, res.Status, res.Reason, len(res.TradeIDs))
	}

	log.Println("[SCENARIO 1] BUY from flat, then a duplicate BUY")
	run("open long", engine.ActionBuy)
	run("duplicate", engine.ActionBuy)

	log.Println("[SCENARIO 2] price rises, SELL reverses the position")
	sim.SetQuote("AAPL", decimal.RequireFromString("101.95"), decimal.RequireFromString("102.00"))
	run("reverse", engine.ActionSell)

	log.Println("[SCENARIO 3] CLOSE the short")
	sim.SetQuote("AAPL", decimal.RequireFromString("100.95"), decimal.RequireFromString("101.00"))
	run("close", engine.ActionClose)

	cfg, err := bots.Get(ctx, user.ID, "AAPL", "1h")
	if err != nil {
		log.Fatalf("get bot: %v", err)
	}
	log.Printf("[SCENARIO DONE] bot side=%s trades=%d cumulative_pnl=%s", cfg.Side, cfg.TotalTrades, cfg.CumulativePnl)

	page, err := trades.History(ctx, user.ID, ledger.Filter{Limit: 20})
	if err != nil {
		log.Fatalf("history: %v", err)
	}
	for i := len(page.Records) - 1; i >= 0; i-- {
		r := page.Records[i]
		log.Printf("  %-6s %-5s %-9s qty=%s avg=%s expected=%s slippage=%s pnl=%s",
			r.Action, r.Leg, r.Status, r.FilledQty.Decimal, r.FilledAvgPrice.Decimal,
			r.ExpectedPrice.Decimal, r.Slippage.Decimal, r.RealizedPnl.Decimal)
	}

	log.Println("=== DRY-RUN demo finished ===")
}
