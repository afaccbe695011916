package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// loadConfig reads ledgerd.yaml from configs/ or the working directory and
// overlays environment variables (LEDGER_BACKEND, DATABASE_URL, ...).
func loadConfig(paths ...string) (*viper.Viper, bool, error) {
	v := viper.New()
	v.SetConfigName("ledgerd")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("ledgerd.port", 8080)
	v.SetDefault("ledgerd.grpc_port", 9090)
	v.SetDefault("ledgerd.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("ledgerd.rate_limit_rps", 50)
	v.SetDefault("ledgerd.rate_limit_burst", 0)
	v.SetDefault("ledgerd.max_body_bytes", 10<<20)
	v.SetDefault("ledgerd.verify_on_start", true)
	v.SetDefault("ledger.backend", "sqlite")
	v.SetDefault("ledger.max_append_attempts", 5)
	v.SetDefault("ledger.append_backoff_ms", 10)
	v.SetDefault("ledger.verify_page_size", 500)
	v.SetDefault("database.url", "")
	v.SetDefault("database.credentials_ref", "")
	v.SetDefault("sqlite.path", "data/ledger.db")
	v.SetDefault("bolt.path", "data/ledger.bolt")
	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.api_key_hash", "")
	v.SetDefault("auth.issuer", "ledgerd")
	v.SetDefault("auth.token_ttl_seconds", 3600)
	v.SetDefault("sweeper.interval_seconds", 900)
	v.SetDefault("sweeper.concurrency", 4)
	v.SetDefault("telemetry.otlp_endpoint", "")

	found := true
	if err := v.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return nil, false, fmt.Errorf("read config: %w", err)
		}
		found = false
	}
	return v, found, nil
}
