package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port                 string
	AppURL               string
	Environment          string
	LogLevel             string
	AllowedOrigins       []string
	TrustedProxies       []string
	StoreDriver          string
	PostgresURL          string
	RedisURL             string
	SessionSecret        string
	LLMProvider          string
	LLMModel             string
	LLMBaseURL           string
	OpenAIAPIKey         string
	OpenRouterAPIKey     string
	EmbeddingModel       string
	ContentManifestPath  string
	ResendAPIKey         string
	MailFrom             string
	MailDelivery         string
	TemporalAddress      string
	TemporalTaskQueue    string
	FreeMessageLimit     int
	AbuseThreshold       int
	AbuseWindow          time.Duration
	TempBlockDuration    time.Duration
	SiteRateLimit        Rate
	ChatRateLimit        Rate
	StreamRateLimit      Rate
	MagicLinkRateLimit   Rate
	RateLimitDryRun      bool
	VerificationTokenTTL time.Duration
	AuthCookieMaxAge     time.Duration
	MaxToolRounds        int
	AuthorName           string
	AuthorLocation       string
	AuthorInterests      string
}

// Rate is a request budget over a window.
type Rate struct {
	Limit  int
	Window time.Duration
}

func (r Rate) String() string {
	return fmt.Sprintf("%d/%s", r.Limit, r.Window)
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// TrustedProxyPrefixes parses TrustedProxies. Entries are CIDR prefixes
// or bare addresses.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, entry := range c.TrustedProxies {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", entry)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func Load() Config {
	port := getEnv("CHAT_GATEWAY_PORT", "8080")
	postgresURL := getEnv("POSTGRES_URL", "")
	if postgresURL == "" {
		postgresURL = buildPostgresURL()
	}
	return Config{
		Port:                 port,
		AppURL:               strings.TrimRight(getEnv("APP_URL", "http://localhost:3000"), "/"),
		Environment:          getEnv("ENVIRONMENT", "development"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		AllowedOrigins:       getEnvList("ALLOWED_ORIGINS", []string{"https://www.abdulachik.dev", "https://abdulachik.dev"}),
		TrustedProxies:       getEnvList("TRUSTED_PROXIES", nil),
		StoreDriver:          getEnv("STORE_DRIVER", "postgres"),
		PostgresURL:          postgresURL,
		RedisURL:             getEnv("REDIS_URL", ""),
		SessionSecret:        getEnv("SESSION_SECRET", ""),
		LLMProvider:          getEnv("LLM_PROVIDER", "openai"),
		LLMModel:             getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMBaseURL:           getEnv("LLM_BASE_URL", ""),
		OpenAIAPIKey:         getEnv("OPENAI_API_KEY", ""),
		OpenRouterAPIKey:     getEnv("OPENROUTER_API_KEY", ""),
		EmbeddingModel:       getEnv("EMBEDDING_MODEL", "text-embedding-ada-002"),
		ContentManifestPath:  getEnv("CONTENT_MANIFEST_PATH", ""),
		ResendAPIKey:         getEnv("RESEND_API_KEY", ""),
		MailFrom:             getEnv("MAIL_FROM", "Chat Assistant <noreply@abdulachik.dev>"),
		MailDelivery:         getEnv("MAIL_DELIVERY", "log"),
		TemporalAddress:      getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalTaskQueue:    getEnv("TEMPORAL_TASK_QUEUE", "chat-mail"),
		FreeMessageLimit:     getEnvInt("FREE_MESSAGE_LIMIT", 5),
		AbuseThreshold:       getEnvInt("ABUSE_THRESHOLD", 5),
		AbuseWindow:          time.Duration(getEnvInt("ABUSE_WINDOW_SECONDS", 600)) * time.Second,
		TempBlockDuration:    time.Duration(getEnvInt("ABUSE_TEMP_BLOCK_SECONDS", 3600)) * time.Second,
		SiteRateLimit:        getEnvRate("RATE_LIMIT_SITE", Rate{Limit: 25, Window: 10 * time.Second}),
		ChatRateLimit:        getEnvRate("RATE_LIMIT_CHAT", Rate{Limit: 60, Window: time.Minute}),
		StreamRateLimit:      getEnvRate("RATE_LIMIT_STREAM", Rate{Limit: 30, Window: time.Minute}),
		MagicLinkRateLimit:   getEnvRate("RATE_LIMIT_MAGIC_LINK", Rate{Limit: 3, Window: time.Hour}),
		RateLimitDryRun:      getEnvBool("RATE_LIMIT_DRY_RUN", false),
		VerificationTokenTTL: getEnvDuration("VERIFICATION_TOKEN_TTL", time.Hour),
		AuthCookieMaxAge:     getEnvDuration("AUTH_COOKIE_MAX_AGE", 30*24*time.Hour),
		MaxToolRounds:        getEnvInt("MAX_TOOL_ROUNDS", 4),
		AuthorName:           getEnv("AUTHOR_NAME", "Abdul Hamid"),
		AuthorLocation:       getEnv("AUTHOR_LOCATION", "Guadalajara, Mexico"),
		AuthorInterests:      getEnv("AUTHOR_INTERESTS", "psychoanalysis, authors like Jacques Lacan and Fyodor Dostoyevsky"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	items := []string{}
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}

// getEnvRate parses values such as "30/1m" or "25/10s".
func getEnvRate(key string, fallback Rate) Rate {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := ParseRate(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func ParseRate(value string) (Rate, error) {
	limitPart, windowPart, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		return Rate{}, fmt.Errorf("rate %q must look like <limit>/<window>", value)
	}
	limit, err := strconv.Atoi(strings.TrimSpace(limitPart))
	if err != nil || limit <= 0 {
		return Rate{}, fmt.Errorf("rate %q has an invalid limit", value)
	}
	window, err := time.ParseDuration(strings.TrimSpace(windowPart))
	if err != nil || window <= 0 {
		return Rate{}, fmt.Errorf("rate %q has an invalid window", value)
	}
	return Rate{Limit: limit, Window: window}, nil
}

func buildPostgresURL() string {
	user := getEnv("POSTGRES_USER", "blog")
	password := getEnv("POSTGRES_PASSWORD", "blog")
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	database := getEnv("POSTGRES_DB", "blog")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}
