package gateway

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-core/internal/vault"
	"signal-core/pkg/broker"
	"signal-core/pkg/broker/alpaca"
	"signal-core/pkg/broker/binancefut"
	"signal-core/pkg/broker/paper"
)

const alpacaLiveURL = "https://api.alpaca.markets"

// Factory builds a broker client from decrypted credentials.
type Factory func(creds vault.Credentials) (broker.Client, error)

// FactoryConfig carries the process-wide adapter settings.
type FactoryConfig struct {
	AlpacaBaseURL  string // used for paper credentials; live credentials go to alpacaLiveURL
	AlpacaDataURL  string
	Timeout        time.Duration
	RateLimit      float64
	BinanceTestnet bool

	// DryRun wraps every user's client in the paper broker, which borrows
	// quotes from the real venue but never sends orders to it.
	DryRun bool
	Paper  paper.Config
}

// NewFactory returns the default Factory for the supported brokers.
func NewFactory(cfg FactoryConfig, logger *zap.Logger) Factory {
	return func(creds vault.Credentials) (broker.Client, error) {
		var live broker.Client
		switch creds.Broker {
		case vault.BrokerAlpaca:
			base := cfg.AlpacaBaseURL
			if !creds.Paper {
				base = alpacaLiveURL
			}
			live = alpaca.New(alpaca.Config{
				APIKey:    creds.APIKey,
				APISecret: creds.APISecret,
				BaseURL:   base,
				DataURL:   cfg.AlpacaDataURL,
				Timeout:   cfg.Timeout,
				RateLimit: cfg.RateLimit,
			}, logger)

		case vault.BrokerBinanceFutures:
			live = binancefut.New(binancefut.Config{
				APIKey:    creds.APIKey,
				APISecret: creds.APISecret,
				Testnet:   creds.Paper || cfg.BinanceTestnet,
				Timeout:   cfg.Timeout,
			}, logger)

		case vault.BrokerPaper:
			// Market data still comes from Alpaca when the user supplied data keys.
			var upstream paper.QuoteSource
			if creds.APIKey != "" {
				upstream = alpaca.New(alpaca.Config{
					APIKey:    creds.APIKey,
					APISecret: creds.APISecret,
					BaseURL:   cfg.AlpacaBaseURL,
					DataURL:   cfg.AlpacaDataURL,
					Timeout:   cfg.Timeout,
					RateLimit: cfg.RateLimit,
				}, logger)
			}
			return paper.New(paperConfig(cfg.Paper), upstream), nil

		default:
			return nil, fmt.Errorf("unsupported broker: %s", creds.Broker)
		}

		if cfg.DryRun {
			logger.Info("dry run: paper broker fronting live quotes",
				zap.String("user_id", creds.UserID),
				zap.String("broker", creds.Broker),
			)
			return paper.New(paperConfig(cfg.Paper), live), nil
		}
		return live, nil
	}
}

func paperConfig(c paper.Config) paper.Config {
	if !c.InitialEquity.IsPositive() {
		c.InitialEquity = decimal.NewFromInt(100000)
	}
	return c
}
