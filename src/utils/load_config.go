// Package utils holds small pieces shared by the binary: environment
// configuration loading.
package utils

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

type AppConfig struct {
	BotToken       string
	GatewayAddress string
	Intents        uint
	Compress       bool
	LogLevel       slog.Level
	AppEnv         string
}

// LoadConfiguration reads the process environment. Missing required
// variables are fatal; the process cannot do anything useful without them.
func LoadConfiguration() AppConfig {
	cfg := AppConfig{}
	requiredEnv := map[string]*string{
		"DC_BOT_TOKEN": &cfg.BotToken,
	}
	for k, v := range requiredEnv {
		val, ok := os.LookupEnv(k)
		if !ok {
			slog.Error(fmt.Sprintf("Provide: %s", k))
			os.Exit(1)
		}
		*v = val
	}

	cfg.GatewayAddress = os.Getenv("DC_GATEWAY_ADDRESS")
	cfg.AppEnv = os.Getenv("APP_ENV")
	cfg.Compress = os.Getenv("DC_COMPRESS") == "true"
	cfg.LogLevel = slog.LevelInfo
	if cfg.AppEnv == "development" {
		cfg.LogLevel = slog.LevelDebug
	}

	if raw := os.Getenv("DC_INTENTS"); raw != "" {
		intents, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			slog.Error(fmt.Sprintf("DC_INTENTS must be numeric: %v", err))
			os.Exit(1)
		}
		cfg.Intents = uint(intents)
	}
	return cfg
}
