package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides are the environment variables that take precedence over the
// YAML file. Secrets are expected to arrive this way.
type envOverrides struct {
	OpenAIAPIKey   string `env:"OPENAI_API_KEY"`
	DeepgramAPIKey string `env:"DEEPGRAM_API_KEY"`
	DiscordToken   string `env:"NOTETAKER_DISCORD_TOKEN"`
	DatabaseURL    string `env:"DATABASE_URL"`
	LogLevel       string `env:"NOTETAKER_LOG_LEVEL"`
	OTLPEndpoint   string `env:"NOTETAKER_OTLP_ENDPOINT"`
}

// ApplyEnv overlays environment variables onto cfg. OPENAI_API_KEY only
// applies when the LLM provider is openai or unset, and DATABASE_URL selects
// the postgres backend when no backend is configured.
func ApplyEnv(cfg *Config) error {
	var e envOverrides
	if err := env.Parse(&e); err != nil {
		return fmt.Errorf("config: parse environment: %w", err)
	}

	if e.OpenAIAPIKey != "" && cfg.Providers.LLM.APIKey == "" {
		switch cfg.Providers.LLM.Name {
		case "":
			cfg.Providers.LLM.Name = "openai"
			cfg.Providers.LLM.APIKey = e.OpenAIAPIKey
		case "openai":
			cfg.Providers.LLM.APIKey = e.OpenAIAPIKey
		}
	}
	if e.DeepgramAPIKey != "" && cfg.Providers.STT.APIKey == "" {
		if cfg.Providers.STT.Name == "" {
			cfg.Providers.STT.Name = "deepgram"
		}
		if cfg.Providers.STT.Name == "deepgram" {
			cfg.Providers.STT.APIKey = e.DeepgramAPIKey
		}
	}
	if e.DiscordToken != "" {
		cfg.Discord.Token = e.DiscordToken
	}
	if e.DatabaseURL != "" {
		cfg.Storage.PostgresDSN = e.DatabaseURL
		if cfg.Storage.Backend == StorageNone {
			cfg.Storage.Backend = StoragePostgres
		}
	}
	if e.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(e.LogLevel)
	}
	if e.OTLPEndpoint != "" {
		cfg.Telemetry.OTLPEndpoint = e.OTLPEndpoint
	}
	return nil
}
