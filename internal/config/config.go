package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL        string
	Port               int
	PollInterval       int // seconds
	ShutdownTimeout    int // seconds
	ProviderTimeout    int // seconds, per remote provider call
	SyncBatchSize      int // messages per commit during sync
	TokenEncryptionKey string
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURIs []string
	AuthMode           string // "static" or "jwt"
	JWTSecret          string
	TestUserID         string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	encryptionKey := os.Getenv("TOKEN_ENCRYPTION_KEY")
	if encryptionKey == "" {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY is required")
	}

	googleClientID := os.Getenv("GOOGLE_CLIENT_ID")
	googleClientSecret := os.Getenv("GOOGLE_CLIENT_SECRET")
	if googleClientID == "" || googleClientSecret == "" {
		fmt.Println("Warning: GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET not set, OAuth flows will not work")
	}

	redirectURIs := splitList(os.Getenv("GOOGLE_REDIRECT_URIS"))
	if len(redirectURIs) == 0 {
		fmt.Println("Warning: GOOGLE_REDIRECT_URIS not set, OAuth callbacks will be rejected")
	}

	authMode := os.Getenv("AUTH_MODE")
	if authMode == "" {
		authMode = "static"
	}
	if authMode != "static" && authMode != "jwt" {
		return nil, fmt.Errorf("AUTH_MODE must be \"static\" or \"jwt\", got %q", authMode)
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if authMode == "jwt" && jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required when AUTH_MODE is jwt")
	}

	testUserID := os.Getenv("TEST_USER_ID")
	if authMode == "static" && testUserID == "" {
		return nil, fmt.Errorf("TEST_USER_ID is required when AUTH_MODE is static")
	}

	return &Config{
		DatabaseURL:        dbURL,
		Port:               intEnv("PORT", 8000),
		PollInterval:       intEnv("POLL_INTERVAL", 5),
		ShutdownTimeout:    intEnv("SHUTDOWN_TIMEOUT", 30),
		ProviderTimeout:    intEnv("PROVIDER_TIMEOUT", 30),
		SyncBatchSize:      intEnv("SYNC_BATCH_SIZE", 25),
		TokenEncryptionKey: encryptionKey,
		GoogleClientID:     googleClientID,
		GoogleClientSecret: googleClientSecret,
		GoogleRedirectURIs: redirectURIs,
		AuthMode:           authMode,
		JWTSecret:          jwtSecret,
		TestUserID:         testUserID,
	}, nil
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
