// Package config loads the matching core's environment-style
// configuration once at startup.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is every recognised environment key, typed and defaulted.
type Config struct {
	SettlementContractID    string        `mapstructure:"settlement_contract_id"`
	MatchingEngineSigningKey string       `mapstructure:"matching_engine_signing_key"`
	SorobanRPCURL           string        `mapstructure:"soroban_rpc_url"`
	NetworkPassphrase       string        `mapstructure:"network_passphrase"`
	RESTPort                string        `mapstructure:"rest_port"`
	BalanceCacheTTL         time.Duration `mapstructure:"-"`
	SettlementTimeout       time.Duration `mapstructure:"-"`
	SelfTradePolicy         string        `mapstructure:"self_trade_policy"`
}

const (
	defaultRESTPort          = "8443"
	defaultBalanceCacheTTL   = 30 * time.Second
	defaultSettlementTimeout = 30 * time.Second
	defaultSelfTradePolicy   = "skip-match"
)

// Load reads the recognised keys from the process environment.
// Missing or malformed optional values fall back to their documented
// defaults rather than failing startup.
func Load() *Config {
	v := viper.New()
	v.AutomaticEnv()
	for _, key := range []string{
		"SETTLEMENT_CONTRACT_ID",
		"MATCHING_ENGINE_SIGNING_KEY",
		"SOROBAN_RPC_URL",
		"NETWORK_PASSPHRASE",
		"REST_PORT",
		"BALANCE_CACHE_TTL_SECONDS",
		"SETTLEMENT_TIMEOUT_SECONDS",
		"SELF_TRADE_POLICY",
	} {
		_ = v.BindEnv(key)
	}

	cfg := &Config{
		SettlementContractID:     v.GetString("SETTLEMENT_CONTRACT_ID"),
		MatchingEngineSigningKey: v.GetString("MATCHING_ENGINE_SIGNING_KEY"),
		SorobanRPCURL:            v.GetString("SOROBAN_RPC_URL"),
		NetworkPassphrase:        v.GetString("NETWORK_PASSPHRASE"),
		RESTPort:                 v.GetString("REST_PORT"),
		SelfTradePolicy:          v.GetString("SELF_TRADE_POLICY"),
	}

	if cfg.RESTPort == "" {
		cfg.RESTPort = defaultRESTPort
	}
	if cfg.SelfTradePolicy != "skip-match" && cfg.SelfTradePolicy != "cancel-newer" {
		cfg.SelfTradePolicy = defaultSelfTradePolicy
	}

	cfg.BalanceCacheTTL = durationSecondsOrDefault(v, "BALANCE_CACHE_TTL_SECONDS", defaultBalanceCacheTTL)
	cfg.SettlementTimeout = durationSecondsOrDefault(v, "SETTLEMENT_TIMEOUT_SECONDS", defaultSettlementTimeout)

	return cfg
}

func durationSecondsOrDefault(v *viper.Viper, key string, def time.Duration) time.Duration {
	n := v.GetInt(key)
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
