// verify_schema opens a database, applies migrations and prints every table
// with its columns.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"signal-core/pkg/db"
)

var requiredTables = []string{"users", "broker_credentials", "webhook_tokens", "bot_configs", "trade_records", "risk_events"}

func main() {
	_ = godotenv.Load()

	defaultPath := os.Getenv("DB_PATH")
	if defaultPath == "" {
		defaultPath = "./data/signal.db"
	}
	dbPath := flag.String("db", defaultPath, "sqlite database path")
	flag.Parse()

	fmt.Printf("Verifying database at: %s\n", *dbPath)

	database, err := db.New(*dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()

	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	tables, err := db.Tables(database)
	if err != nil {
		log.Fatalf("inspect schema: %v", err)
	}

	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("\n%s\n  %s\n", name, strings.Join(tables[name], ", "))
	}

	missing := 0
	for _, name := range requiredTables {
		if _, ok := tables[name]; !ok {
			fmt.Printf("✗ missing table %s\n", name)
			missing++
		}
	}
	if missing > 0 {
		os.Exit(1)
	}
	fmt.Println("\n✓ schema OK")
}
