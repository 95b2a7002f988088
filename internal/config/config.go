package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application's configuration.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	OpenRouter struct {
		APIKey         string `yaml:"api_key"`
		BaseURL        string `yaml:"base_url"`
		MaxRetries     int    `yaml:"max_retries"`
		TimeoutSeconds int64  `yaml:"timeout_seconds"`
	} `yaml:"openrouter"`

	Council struct {
		AvailableModels []string `yaml:"available_models"`
		DefaultModels   []string `yaml:"default_models"`
		DefaultLead     string   `yaml:"default_lead_model"`
		TitleModel      string   `yaml:"title_model"`
	} `yaml:"council"`

	Billing struct {
		MinBalance        float64 `yaml:"min_balance"`
		CostMarginPercent float64 `yaml:"cost_margin_percent"`
		FallbackCallCost  float64 `yaml:"fallback_call_cost"`
	} `yaml:"billing"`

	Auth struct {
		JWTSecret     string `yaml:"jwt_secret"`
		TokenTTLHours int64  `yaml:"token_ttl_hours"`
	} `yaml:"auth"`

	Notifications struct {
		Enabled          bool   `yaml:"enabled"`
		TelegramBotToken string `yaml:"telegram_bot_token"`
		AdminChatID      int64  `yaml:"admin_chat_id"`
	} `yaml:"notifications"`
}

// LoadConfig reads configuration from the specified YAML file. Secrets can
// be overridden from the environment so the YAML file stays committable.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.Database.URL = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		config.OpenRouter.APIKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		config.Auth.JWTSecret = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		config.Notifications.TelegramBotToken = v
	}

	applyDefaults(config)

	if err := validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func applyDefaults(config *Config) {
	if config.Server.Port == "" {
		config.Server.Port = ":8080"
	}
	if config.OpenRouter.BaseURL == "" {
		config.OpenRouter.BaseURL = "https://openrouter.ai/api/v1"
	}
	if config.OpenRouter.MaxRetries == 0 {
		config.OpenRouter.MaxRetries = 3
	}
	if config.OpenRouter.TimeoutSeconds == 0 {
		config.OpenRouter.TimeoutSeconds = 120
	}
	if len(config.Council.DefaultModels) == 0 {
		config.Council.DefaultModels = append([]string(nil), config.Council.AvailableModels...)
	}
	if config.Council.TitleModel == "" {
		config.Council.TitleModel = config.Council.DefaultLead
	}
	if config.Billing.MinBalance == 0 {
		config.Billing.MinBalance = 0.05
	}
	if config.Billing.CostMarginPercent == 0 {
		config.Billing.CostMarginPercent = 10.0
	}
	if config.Billing.FallbackCallCost == 0 {
		config.Billing.FallbackCallCost = 0.02
	}
	if config.Auth.TokenTTLHours == 0 {
		config.Auth.TokenTTLHours = 24
	}
}

func validate(config *Config) error {
	if len(config.Council.AvailableModels) < 2 {
		return fmt.Errorf("council.available_models must list at least two models")
	}
	if config.Council.DefaultLead == "" {
		return fmt.Errorf("council.default_lead_model is required")
	}
	return nil
}

// RequestTimeout returns the OpenRouter request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.OpenRouter.TimeoutSeconds) * time.Second
}
