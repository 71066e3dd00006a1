package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/joho/godotenv"

	"signal-core/pkg/config"
	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found")
	}

	fmt.Println("signal-core health check")
	fmt.Println("========================")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := HealthReport{Overall: "HEALTHY"}

	cfg, cfgStatus := checkConfig()
	report.Services = append(report.Services, cfgStatus)
	if cfg != nil {
		report.Services = append(report.Services,
			checkDatabase(ctx, cfg),
			checkKeys(cfg),
			checkAlerts(cfg),
		)
		client := resty.New().SetBaseURL("http://localhost:" + cfg.Port).SetTimeout(5 * time.Second)
		report.Services = append(report.Services,
			checkEndpoint(ctx, client, "API Server", "/health"),
			checkEndpoint(ctx, client, "Metrics", "/metrics"),
		)
	}

	for _, svc := range report.Services {
		if svc.Status == "UNHEALTHY" {
			report.Overall = "UNHEALTHY"
			break
		} else if svc.Status == "DEGRADED" {
			report.Overall = "DEGRADED"
		}
	}

	fmt.Println()
	for _, svc := range report.Services {
		statusIcon := "✓"
		if svc.Status == "UNHEALTHY" {
			statusIcon = "✗"
		} else if svc.Status == "DEGRADED" {
			statusIcon = "⚠"
		}
		fmt.Printf("%s %-20s %s %s\n", statusIcon, svc.Service, svc.Status, svc.Message)
	}
	fmt.Printf("\nOverall Status: %s\n", report.Overall)

	if len(os.Args) > 1 && os.Args[1] == "--json" {
		jsonData, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(jsonData))
	}

	if report.Overall == "UNHEALTHY" {
		os.Exit(1)
	}
}

func newStatus(service string) HealthStatus {
	return HealthStatus{Service: service, Status: "HEALTHY", Timestamp: time.Now()}
}

func checkConfig() (*config.Config, HealthStatus) {
	status := newStatus("Configuration")
	cfg, err := config.Load()
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Failed to load: %v", err)
		return nil, status
	}
	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY_RUN"
	}
	status.Message = fmt.Sprintf("Port=%s Mode=%s Poll=%dx%s", cfg.Port, mode, cfg.PollMaxAttempts, cfg.PollInterval)
	return cfg, status
}

func checkDatabase(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Database")
	database, err := db.New(cfg.DBPath)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Connection failed: %v", err)
		return status
	}
	defer database.Close()

	if err := database.DB.PingContext(ctx); err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Ping failed: %v", err)
		return status
	}
	tables, err := db.Tables(database)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Schema read failed: %v", err)
		return status
	}
	if _, ok := tables["trade_records"]; !ok {
		status.Status = "DEGRADED"
		status.Message = "Schema not migrated yet"
		return status
	}
	status.Message = fmt.Sprintf("Connected (%d tables)", len(tables))
	return status
}

func checkKeys(cfg *config.Config) HealthStatus {
	status := newStatus("Encryption Keys")
	if len(cfg.EncryptionKeys) == 0 {
		status.Status = "DEGRADED"
		status.Message = "No MASTER_ENCRYPTION_KEY; dry run uses an ephemeral key"
		return status
	}
	km, err := crypto.NewKeyManager(cfg.EncryptionKeys)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = err.Error()
		return status
	}
	status.Message = fmt.Sprintf("Current version v%d, loaded %v", km.CurrentVersion(), km.Versions())
	return status
}

func checkAlerts(cfg *config.Config) HealthStatus {
	status := newStatus("Telegram Alerts")
	if cfg.TelegramToken == "" {
		status.Status = "DEGRADED"
		status.Message = "Not configured; alerts go to the log"
		return status
	}
	status.Message = fmt.Sprintf("Chat %d", cfg.TelegramChatID)
	return status
}

func checkEndpoint(ctx context.Context, client *resty.Client, service, path string) HealthStatus {
	status := newStatus(service)
	resp, err := client.R().SetContext(ctx).Get(path)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Not reachable: %v", err)
		return status
	}
	if resp.StatusCode() != 200 {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("HTTP %d", resp.StatusCode())
		return status
	}
	status.Message = "Running"
	return status
}
