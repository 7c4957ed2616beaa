// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"nostr-mirror/nostr"
	"nostr-mirror/source"
	"nostr-mirror/transform"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// DefaultRelays are always published to unless NOSTR_SKIP_DEFAULT_RELAYS is set.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://relay.nostr.band",
	"wss://nos.lol",
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Config is the immutable service configuration.
type Config struct {
	Twitter TwitterConfig
	Nostr   NostrConfig
	Storage StorageConfig
	Cycle   CycleConfig
	Format  transform.Options

	Port     string
	DryRun   bool
	LogLevel slog.Level
}

// TwitterConfig holds source API settings.
type TwitterConfig struct {
	BearerToken string
	Username    string
	APIURL      string
	MaxPages    int
	MinInterval time.Duration
}

// NostrConfig holds signing and relay settings.
type NostrConfig struct {
	Key            *nostr.PrivateKey
	Relays         []string
	PublishTimeout time.Duration
}

// StorageConfig selects the state backend.
type StorageConfig struct {
	URL             string
	CredentialsJSON string
}

// CycleConfig controls scheduling and cursor policy.
type CycleConfig struct {
	Schedule         string
	HoldFailedFor    time.Duration
	MaxRateLimitWait time.Duration
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from environment variables. All problems are
// reported together.
func FromEnv() (*Config, error) {
	var errs []error
	e := &env{errs: &errs}

	cfg := &Config{
		Twitter: TwitterConfig{
			BearerToken: e.required("TWITTER_BEARER_TOKEN"),
			Username:    strings.TrimPrefix(e.required("TWITTER_USERNAME"), "@"),
			APIURL:      e.str("TWITTER_API_URL", source.DefaultBaseURL),
			MaxPages:    e.integer("MAX_PAGES", 1),
			MinInterval: e.duration("SOURCE_MIN_INTERVAL", time.Second),
		},
		Nostr: NostrConfig{
			PublishTimeout: e.duration("PUBLISH_TIMEOUT", 15*time.Second),
		},
		Storage: StorageConfig{
			URL:             e.str("STORAGE_URL", "sqlite:"+e.str("DB_PATH", "./db/bot.db")),
			CredentialsJSON: e.str("GOOGLE_CREDENTIALS_JSON", ""),
		},
		Cycle: CycleConfig{
			Schedule:         e.str("CRON_SCHEDULE", "*/10 * * * *"),
			HoldFailedFor:    e.duration("HOLD_FAILED_FOR", 24*time.Hour),
			MaxRateLimitWait: e.duration("MAX_RATE_LIMIT_WAIT", 15*time.Minute),
		},
		Format: transform.Options{
			ShowSourceURL: e.boolean("SHOW_TWEET_URL", true),
			Mentions:      e.boolean("INCLUDE_MENTIONS", false),
		},
		Port:   e.str("PORT", "8080"),
		DryRun: e.boolean("DRY_RUN", false),
	}

	if raw := e.required("NOSTR_PRIVATE_KEY"); raw != "" {
		key, err := nostr.ParsePrivateKey(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("NOSTR_PRIVATE_KEY: %w", err))
		}
		cfg.Nostr.Key = key
	}

	relays, err := Relays(e.str("NOSTR_RELAYS", ""), e.boolean("NOSTR_SKIP_DEFAULT_RELAYS", false))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Nostr.Relays = relays

	if _, err := cronParser.Parse(cfg.Cycle.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("CRON_SCHEDULE %q: %w", cfg.Cycle.Schedule, err))
	}

	switch mode := strings.ToLower(e.str("MEDIA_MODE", "tags")); mode {
	case "tags":
		cfg.Format.Media = transform.MediaTags
	case "body":
		cfg.Format.Media = transform.MediaInBody
	default:
		errs = append(errs, fmt.Errorf("MEDIA_MODE %q: want tags or body", mode))
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(e.str("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	if cfg.Twitter.MaxPages < 1 {
		errs = append(errs, fmt.Errorf("MAX_PAGES must be at least 1, got %d", cfg.Twitter.MaxPages))
	}
	if cfg.Nostr.PublishTimeout <= 0 {
		errs = append(errs, errors.New("PUBLISH_TIMEOUT must be positive"))
	}
	if cfg.Cycle.HoldFailedFor < 0 || cfg.Cycle.MaxRateLimitWait < 0 || cfg.Twitter.MinInterval < 0 {
		errs = append(errs, errors.New("HOLD_FAILED_FOR, MAX_RATE_LIMIT_WAIT and SOURCE_MIN_INTERVAL must not be negative"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Relays merges the default relays with a comma-separated list, trimming and
// de-duplicating entries. Only ws and wss URLs are accepted.
func Relays(extra string, skipDefaults bool) ([]string, error) {
	var candidates []string
	if !skipDefaults {
		candidates = append(candidates, DefaultRelays...)
	}
	candidates = append(candidates, strings.Split(extra, ",")...)

	seen := make(map[string]bool, len(candidates))
	relays := make([]string, 0, len(candidates))
	for _, r := range candidates {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		u, err := url.Parse(r)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return nil, fmt.Errorf("NOSTR_RELAYS: %q is not a ws:// or wss:// URL", r)
		}
		seen[r] = true
		relays = append(relays, r)
	}
	if len(relays) == 0 {
		return nil, errors.New("NOSTR_RELAYS: no relays configured")
	}
	return relays, nil
}

// env reads typed variables and collects parse errors.
type env struct {
	errs *[]error
}

func (e *env) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) required(key string) string {
	v := e.str(key, "")
	if v == "" {
		*e.errs = append(*e.errs, fmt.Errorf("%s is required", key))
	}
	return v
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *env) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

// PrivateKey loads only the signing key, for commands that need nothing else.
func PrivateKey() (*nostr.PrivateKey, error) {
	_ = godotenv.Load()
	raw := strings.TrimSpace(os.Getenv("NOSTR_PRIVATE_KEY"))
	if raw == "" {
		return nil, errors.New("NOSTR_PRIVATE_KEY is required")
	}
	key, err := nostr.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("NOSTR_PRIVATE_KEY: %w", err)
	}
	return key, nil
}
