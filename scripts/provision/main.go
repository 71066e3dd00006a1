// provision creates a user, stores their encrypted broker credentials, issues
// a webhook token and prints a read-API JWT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"signal-core/internal/api"
	"signal-core/internal/persistence"
	"signal-core/internal/vault"
	"signal-core/pkg/config"
	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
)

func main() {
	email := flag.String("email", "", "user email (required)")
	brokerName := flag.String("broker", vault.BrokerPaper, "alpaca | binance-futures | paper")
	apiKey := flag.String("api-key", "", "broker API key")
	apiSecret := flag.String("api-secret", "", "broker API secret")
	paperEnv := flag.Bool("paper", true, "use the broker's paper/testnet environment")
	label := flag.String("label", "default", "webhook token label")
	ttl := flag.Duration("jwt-ttl", 30*24*time.Hour, "read-API token lifetime")
	flag.Parse()

	if *email == "" {
		flag.Usage()
		log.Fatal("-email is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if len(cfg.EncryptionKeys) == 0 {
		log.Fatal("MASTER_ENCRYPTION_KEY must be set so the service can decrypt what is stored here")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	keys, err := crypto.NewKeyManager(cfg.EncryptionKeys)
	if err != nil {
		log.Fatalf("load keys: %v", err)
	}

	user, err := database.CreateUser(ctx, *email)
	if err != nil {
		log.Fatalf("create user: %v", err)
	}

	v := vault.New(database, keys, zap.NewNop())
	if err := v.Store(ctx, vault.Credentials{
		UserID:    user.ID,
		Broker:    *brokerName,
		APIKey:    *apiKey,
		APISecret: *apiSecret,
		Paper:     *paperEnv,
	}); err != nil {
		log.Fatalf("store credentials: %v", err)
	}

	batch := persistence.NewBatchWriter(database, 1, time.Second, zap.NewNop())
	defer batch.Close()
	webhookToken, _, err := api.NewTokenStore(database, batch).Issue(ctx, user.ID, *label)
	if err != nil {
		log.Fatalf("issue webhook token: %v", err)
	}

	jwt, err := api.NewAuthenticator(cfg.JWTSecret).Issue(user.ID, *ttl)
	if err != nil {
		log.Fatalf("generate jwt: %v", err)
	}

	fmt.Printf("user_id:       %s\n", user.ID)
	fmt.Printf("broker:        %s (paper=%t)\n", *brokerName, *paperEnv)
	fmt.Printf("webhook token: %s\n", webhookToken)
	fmt.Printf("webhook url:   http://localhost:%s/webhook/%s\n", cfg.Port, webhookToken)
	fmt.Printf("read-api jwt:  %s\n", jwt)
}
