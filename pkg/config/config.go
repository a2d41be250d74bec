package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	APIBaseURL string
	LoginPath  string

	StorageDSN     string
	LocalUsersFile string

	CacheTTL              time.Duration
	RevalidateInterval    time.Duration
	MemberRefreshThrottle time.Duration
	HTTPTimeout           time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	LogLevel string
}

// Load reads an optional .env file and then the process environment.
func Load() Config {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		log.Printf("notice: .env not loaded: %v, using system environment variables", err)
	}

	return Config{
		APIBaseURL: strings.TrimRight(EnvDefault("RBE_API_URL", ""), "/"),
		LoginPath:  EnvDefault("RBE_LOGIN_PATH", "/login"),

		StorageDSN:     EnvDefault("RBE_STORAGE_DSN", "file:rbe_session.db"),
		LocalUsersFile: EnvDefault("RBE_LOCAL_USERS_FILE", ""),

		CacheTTL:              EnvDurationDefault("RBE_CACHE_TTL", 5*time.Minute),
		RevalidateInterval:    EnvDurationDefault("RBE_REVALIDATE_INTERVAL", 5*time.Minute),
		MemberRefreshThrottle: EnvDurationDefault("RBE_MEMBER_REFRESH_THROTTLE", 500*time.Millisecond),
		HTTPTimeout:           EnvDurationDefault("RBE_HTTP_TIMEOUT", 0),

		KafkaBrokers: CSV(os.Getenv("RBE_KAFKA_BROKERS")),
		KafkaTopic:   EnvDefault("RBE_KAFKA_TOPIC", "session_events"),

		LogLevel: EnvDefault("RBE_LOG_LEVEL", "info"),
	}
}

// RemoteConfigured reports whether a remote collaborator base URL is set.
func (c Config) RemoteConfigured() bool {
	return c.APIBaseURL != ""
}

// Validate checks the settings that have no usable default.
func (c Config) Validate() error {
	if err := MustNonEmpty(c.StorageDSN, "RBE_STORAGE_DSN"); err != nil {
		return err
	}
	if len(c.KafkaBrokers) > 0 {
		return MustNonEmpty(c.KafkaTopic, "RBE_KAFKA_TOPIC")
	}
	return nil
}

func CSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func EnvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// EnvDurationDefault parses a Go duration; invalid or negative values fall back to def.
func EnvDurationDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}
