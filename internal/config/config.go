package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds application configuration. Gateway credentials and the
// passkey are injected via environment, loaded once at process start,
// and never logged.
type Config struct {
	ServiceName string
	Port        string

	// DatabaseDSN is the MySQL DSN. Empty selects the in-memory store
	// for credential-less local runs.
	DatabaseDSN string

	GatewayBaseURL        string
	GatewayConsumerKey    string
	GatewayConsumerSecret string
	GatewayShortCode      string
	GatewayPasskey        string
	CallbackURL           string
	GatewayTimeout        time.Duration

	// PaymentExpiryWindow bounds how long a SENT payment waits for a
	// callback before the reaper expires it.
	PaymentExpiryWindow time.Duration
	// RematchGrace bounds how long unmatched callbacks are retried.
	RematchGrace time.Duration
	// SweepInterval is how often the reaper and re-match sweeps run.
	SweepInterval time.Duration
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		ServiceName: "store-backend",
		Port:        getEnv("PORT", "8080"),

		DatabaseDSN: getEnv("DATABASE_DSN", ""),

		GatewayBaseURL:        getEnv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
		GatewayConsumerKey:    getEnv("MPESA_CONSUMER_KEY", ""),
		GatewayConsumerSecret: getEnv("MPESA_CONSUMER_SECRET", ""),
		GatewayShortCode:      getEnv("MPESA_SHORT_CODE", ""),
		GatewayPasskey:        getEnv("MPESA_PASSKEY", ""),
		CallbackURL:           getEnv("MPESA_CALLBACK_URL", ""),
		GatewayTimeout:        getDuration("MPESA_TIMEOUT", 10*time.Second),

		PaymentExpiryWindow: getDuration("PAYMENT_EXPIRY_WINDOW", 3*time.Minute),
		RematchGrace:        getDuration("CALLBACK_REMATCH_GRACE", 10*time.Minute),
		SweepInterval:       getDuration("RECON_SWEEP_INTERVAL", 30*time.Second),
	}
}

// Validate checks that everything the gateway integration needs is set.
func (c *Config) Validate() error {
	required := map[string]string{
		"MPESA_CONSUMER_KEY":    c.GatewayConsumerKey,
		"MPESA_CONSUMER_SECRET": c.GatewayConsumerSecret,
		"MPESA_SHORT_CODE":      c.GatewayShortCode,
		"MPESA_PASSKEY":         c.GatewayPasskey,
		"MPESA_CALLBACK_URL":    c.CallbackURL,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("missing required environment variable %s", name)
		}
	}
	return nil
}

// getEnv gets environment variable with fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
