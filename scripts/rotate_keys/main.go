// rotate_keys re-encrypts every stored broker credential with the newest
// MASTER_ENCRYPTION_KEY version. Older versions must stay configured until
// this has run.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"signal-core/internal/vault"
	"signal-core/pkg/config"
	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
	"signal-core/pkg/logger"
)

func main() {
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
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	moved, err := vault.New(database, keys, lg).Rotate(ctx)
	if err != nil {
		log.Fatalf("rotate: %v", err)
	}
	fmt.Printf("re-encrypted %d credential(s) to key v%d\n", moved, keys.CurrentVersion())
}
