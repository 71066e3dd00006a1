// trading_api_check exercises a user's broker adapter end to end with the
// credentials stored in the vault.
//
// Usage:
//
//	go run ./scripts/trading_api_check -user <user_id> -symbol AAPL
//
// Read-only by default. With -place-order it submits one market order for
// -notional and closes it again, so use a paper account.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"signal-core/internal/gateway"
	"signal-core/internal/vault"
	"signal-core/pkg/broker"
	"signal-core/pkg/config"
	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
	"signal-core/pkg/logger"
)

func main() {
	userID := flag.String("user", "", "user id whose credentials to use (required)")
	symbol := flag.String("symbol", "AAPL", "symbol to quote")
	placeOrder := flag.Bool("place-order", false, "submit and close a small market order")
	notional := flag.String("notional", "10", "order notional for -place-order")
	flag.Parse()
	if *userID == "" {
		flag.Usage()
		log.Fatal("-user is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	lg, err := logger.New(cfg.LogLevel, "console")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	keys, err := crypto.NewKeyManager(cfg.EncryptionKeys)
	if err != nil {
		log.Fatalf("load keys: %v", err)
	}
	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	creds, err := vault.New(database, keys, lg).Load(ctx, *userID)
	if err != nil {
		log.Fatalf("load credentials: %v", err)
	}
	factory := gateway.NewFactory(gateway.FactoryConfig{
		AlpacaBaseURL:  cfg.AlpacaBaseURL,
		AlpacaDataURL:  cfg.AlpacaDataURL,
		Timeout:        cfg.BrokerTimeout,
		RateLimit:      cfg.BrokerRateLimit,
		BinanceTestnet: cfg.BinanceTestnet,
	}, lg)
	client, err := factory(creds)
	if err != nil {
		log.Fatalf("build client: %v", err)
	}
	log.Printf("=== %s (paper=%t) ===", creds.Broker, creds.Paper)

	check("ping", func() (any, error) { return "ok", client.Ping(ctx) })
	check("account", func() (any, error) { return client.GetAccount(ctx) })
	check("market open", func() (any, error) { return client.MarketOpen(ctx) })
	check("quote", func() (any, error) { return client.GetQuote(ctx, *symbol) })
	check("position", func() (any, error) { return client.GetPosition(ctx, *symbol) })

	if !*placeOrder {
		log.Println("order placement skipped (pass -place-order to enable)")
		return
	}

	amount, err := decimal.NewFromString(*notional)
	if err != nil {
		log.Fatalf("notional: %v", err)
	}
	h, err := client.SubmitMarketOrder(ctx, broker.OrderRequest{
		Symbol:        *symbol,
		Side:          broker.SideBuy,
		Notional:      amount,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		log.Fatalf("submit: %v", err)
	}
	log.Printf("submitted order %s", h.ID)
	for i := 0; i < 5; i++ {
		time.Sleep(2 * time.Second)
		st, err := client.GetOrderStatus(ctx, h)
		if err != nil {
			log.Printf("status: %v", err)
			continue
		}
		log.Printf("status %s filled=%s avg=%s", st.State, st.FilledQty, st.FilledAvgPrice)
		if st.State.Terminal() {
			break
		}
	}
	ch, err := client.ClosePosition(ctx, *symbol, uuid.NewString())
	if err != nil {
		log.Fatalf("close: %v", err)
	}
	log.Printf("close submitted %s", ch.ID)
}

func check(name string, fn func() (any, error)) {
	v, err := fn()
	if err != nil {
		log.Printf("✗ %-12s %v", name, err)
		return
	}
	log.Printf("✓ %-12s %+v", name, v)
}
