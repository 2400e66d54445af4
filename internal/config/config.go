package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds process-wide settings and secrets. It is loaded once at startup
// and passed explicitly into the verifiers; nothing reads ambient state after
// this, which keeps key rotation a restart away and tests on synthetic keys.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	DBSource string

	// Telegram
	BotToken       string
	WebhookSecret  string
	InitDataMaxAge time.Duration

	// QR codec
	QRSecretKey string

	// Card gateway
	CardGateShopID  string
	CardGateSecret  string
	CardGateBaseURL string
	CardGateAllowed []string

	DefaultCurrency string
}

// Published callback source ranges of the card gateway. Overridable via
// CARDGATE_ALLOWED_CIDRS for staging.
var defaultCardGateCIDRs = []string{
	"185.71.76.0/27",
	"185.71.77.0/27",
	"77.75.153.0/25",
	"77.75.156.11/32",
	"77.75.156.35/32",
	"77.75.154.128/25",
	"2a02:5180::/32",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("INITDATA_MAX_AGE", "24h")
	v.SetDefault("CARDGATE_BASE_URL", "https://api.yookassa.ru/v3")
	v.SetDefault("DEFAULT_CURRENCY", "RUB")

	cfg := &Config{
		Port:            v.GetString("SERVER_PORT"),
		Env:             v.GetString("ENVIRONMENT"),
		LogLevel:        v.GetString("LOG_LEVEL"),
		DBSource:        v.GetString("DB_SOURCE"),
		BotToken:        v.GetString("BOT_TOKEN"),
		WebhookSecret:   v.GetString("TG_WEBHOOK_SECRET"),
		InitDataMaxAge:  v.GetDuration("INITDATA_MAX_AGE"),
		QRSecretKey:     v.GetString("QR_SECRET_KEY"),
		CardGateShopID:  v.GetString("CARDGATE_SHOP_ID"),
		CardGateSecret:  v.GetString("CARDGATE_SECRET_KEY"),
		CardGateBaseURL: v.GetString("CARDGATE_BASE_URL"),
		DefaultCurrency: v.GetString("DEFAULT_CURRENCY"),
	}

	if raw := v.GetString("CARDGATE_ALLOWED_CIDRS"); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			cfg.CardGateAllowed = append(cfg.CardGateAllowed, strings.TrimSpace(c))
		}
	} else {
		cfg.CardGateAllowed = defaultCardGateCIDRs
	}

	if cfg.DBSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("BOT_TOKEN environment variable is required")
	}
	if cfg.QRSecretKey == "" {
		return nil, fmt.Errorf("QR_SECRET_KEY environment variable is required")
	}

	return cfg, nil
}
