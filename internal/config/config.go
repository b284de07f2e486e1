/**
 * @description
 * This package handles the configuration management for the auth service. It uses
 * Viper to read an optional .env file and environment variables, applies defaults
 * and coerces out-of-range values back to safe ones.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading.
 */

package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/khainguyen105/waitlistdup-sub001/internal/domain"
)

// State backends for checkpointed auth and security state.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config holds all the configuration variables for the auth service.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix   string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	SecurityEventsExchange string `mapstructure:"SECURITY_EVENTS_EXCHANGE"`
	ActionEventsExchange   string `mapstructure:"ACTION_EVENTS_EXCHANGE"`
	StateBackend           string `mapstructure:"STATE_BACKEND"`

	PinGrantSigningKey string `mapstructure:"PIN_GRANT_SIGNING_KEY"`
	PinGrantTTLMinutes int    `mapstructure:"PIN_GRANT_TTL_MINUTES"`

	LoginRateLimitPerMinute int `mapstructure:"LOGIN_RATE_LIMIT_PER_MINUTE"`

	MaxLoginAttempts       int    `mapstructure:"MAX_LOGIN_ATTEMPTS"`
	LockoutDurationMinutes int    `mapstructure:"LOCKOUT_DURATION_MINUTES"`
	SessionTimeoutMinutes  int    `mapstructure:"SESSION_TIMEOUT_MINUTES"`
	PinLength              int    `mapstructure:"PIN_LENGTH"`
	RequirePinForActions   string `mapstructure:"REQUIRE_PIN_FOR_ACTIONS"`
	PasswordMinLength      int    `mapstructure:"PASSWORD_MIN_LENGTH"`
	RequireSpecialChars    bool   `mapstructure:"REQUIRE_SPECIAL_CHARS"`
	MaxPinStrikes          int    `mapstructure:"MAX_PIN_STRIKES"`

	SessionRefreshSchedule    string `mapstructure:"SESSION_REFRESH_SCHEDULE"`
	LedgerMaintenanceSchedule string `mapstructure:"LEDGER_MAINTENANCE_SCHEDULE"`
	CheckpointSchedule        string `mapstructure:"CHECKPOINT_SCHEDULE"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
	LogFile  string `mapstructure:"LOG_FILE"`

	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	TrustedProxyCIDRs  string `mapstructure:"TRUSTED_PROXY_CIDRS"`

	BootstrapAdminUsername string `mapstructure:"BOOTSTRAP_ADMIN_USERNAME"`
	BootstrapAdminPassword string `mapstructure:"BOOTSTRAP_ADMIN_PASSWORD"`

	// TrustedProxies is TRUSTED_PROXY_CIDRS parsed. Forwarded client IP headers
	// are honoured only from peers inside these ranges.
	TrustedProxies []netip.Prefix `mapstructure:"-"`

	// Warnings collects coercions applied while loading, for logging once a logger exists.
	Warnings []string `mapstructure:"-"`
}

// LoadConfig reads configuration from the optional .env file in path and from
// environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	defaults := domain.DefaultSecuritySettings()
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "waitlist:rate_limit")
	viper.SetDefault("SECURITY_EVENTS_EXCHANGE", "security_events")
	viper.SetDefault("ACTION_EVENTS_EXCHANGE", "queue_actions")
	viper.SetDefault("STATE_BACKEND", BackendMemory)
	viper.SetDefault("PIN_GRANT_TTL_MINUTES", 5)
	viper.SetDefault("LOGIN_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("MAX_LOGIN_ATTEMPTS", defaults.MaxLoginAttempts)
	viper.SetDefault("LOCKOUT_DURATION_MINUTES", defaults.LockoutDuration)
	viper.SetDefault("SESSION_TIMEOUT_MINUTES", defaults.SessionTimeout)
	viper.SetDefault("PIN_LENGTH", defaults.PinLength)
	viper.SetDefault("REQUIRE_PIN_FOR_ACTIONS", strings.Join(defaults.RequirePinForActions, ","))
	viper.SetDefault("PASSWORD_MIN_LENGTH", defaults.PasswordMinLength)
	viper.SetDefault("REQUIRE_SPECIAL_CHARS", defaults.RequireSpecialChars)
	viper.SetDefault("MAX_PIN_STRIKES", 3)
	viper.SetDefault("SESSION_REFRESH_SCHEDULE", "@every 5m")
	viper.SetDefault("LEDGER_MAINTENANCE_SCHEDULE", "@every 60m")
	viper.SetDefault("CHECKPOINT_SCHEDULE", "@every 1m")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SECURITY_EVENTS_EXCHANGE")
	_ = viper.BindEnv("ACTION_EVENTS_EXCHANGE")
	_ = viper.BindEnv("STATE_BACKEND")
	_ = viper.BindEnv("PIN_GRANT_SIGNING_KEY")
	_ = viper.BindEnv("PIN_GRANT_TTL_MINUTES")
	_ = viper.BindEnv("LOGIN_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("MAX_LOGIN_ATTEMPTS")
	_ = viper.BindEnv("LOCKOUT_DURATION_MINUTES")
	_ = viper.BindEnv("SESSION_TIMEOUT_MINUTES")
	_ = viper.BindEnv("PIN_LENGTH")
	_ = viper.BindEnv("REQUIRE_PIN_FOR_ACTIONS")
	_ = viper.BindEnv("PASSWORD_MIN_LENGTH")
	_ = viper.BindEnv("REQUIRE_SPECIAL_CHARS")
	_ = viper.BindEnv("MAX_PIN_STRIKES")
	_ = viper.BindEnv("SESSION_REFRESH_SCHEDULE")
	_ = viper.BindEnv("LEDGER_MAINTENANCE_SCHEDULE")
	_ = viper.BindEnv("CHECKPOINT_SCHEDULE")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FILE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("TRUSTED_PROXY_CIDRS")
	_ = viper.BindEnv("BOOTSTRAP_ADMIN_USERNAME")
	_ = viper.BindEnv("BOOTSTRAP_ADMIN_PASSWORD")

	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	// It's okay if the config file doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			warn("failed to read config file; using environment values: %v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.StateBackend = strings.ToLower(strings.TrimSpace(config.StateBackend))
	switch config.StateBackend {
	case BackendPostgres, BackendRedis, BackendMemory:
	default:
		warn("unknown STATE_BACKEND %q; using %s", config.StateBackend, BackendMemory)
		config.StateBackend = BackendMemory
	}
	if config.StateBackend == BackendPostgres && strings.TrimSpace(config.DatabaseURL) == "" {
		return config, fmt.Errorf("DATABASE_URL is required when STATE_BACKEND=%s", BackendPostgres)
	}
	if config.StateBackend == BackendRedis && strings.TrimSpace(config.RedisURL) == "" {
		return config, fmt.Errorf("REDIS_URL is required when STATE_BACKEND=%s", BackendRedis)
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "waitlist:rate_limit"
	}

	config.PinGrantSigningKey = strings.TrimSpace(config.PinGrantSigningKey)
	if config.PinGrantTTLMinutes <= 0 {
		config.PinGrantTTLMinutes = 5
	}
	if config.LoginRateLimitPerMinute <= 0 {
		config.LoginRateLimitPerMinute = 30
	}

	if config.MaxLoginAttempts <= 0 {
		warn("invalid MAX_LOGIN_ATTEMPTS %d; using %d", config.MaxLoginAttempts, defaults.MaxLoginAttempts)
		config.MaxLoginAttempts = defaults.MaxLoginAttempts
	}
	if config.LockoutDurationMinutes <= 0 {
		warn("invalid LOCKOUT_DURATION_MINUTES %d; using %d", config.LockoutDurationMinutes, defaults.LockoutDuration)
		config.LockoutDurationMinutes = defaults.LockoutDuration
	}
	if config.SessionTimeoutMinutes <= 0 {
		warn("invalid SESSION_TIMEOUT_MINUTES %d; using %d", config.SessionTimeoutMinutes, defaults.SessionTimeout)
		config.SessionTimeoutMinutes = defaults.SessionTimeout
	}
	if config.PinLength < domain.MinPinLength || config.PinLength > domain.MaxPinLength {
		warn("PIN_LENGTH %d outside %d-%d; using %d", config.PinLength, domain.MinPinLength, domain.MaxPinLength, defaults.PinLength)
		config.PinLength = defaults.PinLength
	}
	if config.PasswordMinLength <= 0 {
		config.PasswordMinLength = defaults.PasswordMinLength
	}
	if config.MaxPinStrikes <= 0 {
		config.MaxPinStrikes = 3
	}
	if config.MaxPinStrikes > config.MaxLoginAttempts {
		warn("MAX_PIN_STRIKES %d exceeds MAX_LOGIN_ATTEMPTS %d; capping", config.MaxPinStrikes, config.MaxLoginAttempts)
		config.MaxPinStrikes = config.MaxLoginAttempts
	}

	config.BootstrapAdminUsername = strings.TrimSpace(config.BootstrapAdminUsername)
	if config.BootstrapAdminUsername != "" && config.BootstrapAdminPassword == "" {
		warn("BOOTSTRAP_ADMIN_USERNAME set without BOOTSTRAP_ADMIN_PASSWORD; skipping bootstrap admin")
		config.BootstrapAdminUsername = ""
	}

	for _, raw := range splitList(config.TrustedProxyCIDRs) {
		prefix, perr := parseProxyRange(raw)
		if perr != nil {
			warn("ignoring invalid TRUSTED_PROXY_CIDRS entry %q", raw)
			continue
		}
		config.TrustedProxies = append(config.TrustedProxies, prefix)
	}

	config.LogLevel = strings.ToLower(strings.TrimSpace(config.LogLevel))
	config.Warnings = warnings
	return
}

// SecuritySettings builds the initial security policy from the configuration.
func (c Config) SecuritySettings() domain.SecuritySettings {
	return domain.SecuritySettings{
		MaxLoginAttempts:     c.MaxLoginAttempts,
		LockoutDuration:      c.LockoutDurationMinutes,
		SessionTimeout:       c.SessionTimeoutMinutes,
		PinLength:            c.PinLength,
		RequirePinForActions: splitList(c.RequirePinForActions),
		PasswordMinLength:    c.PasswordMinLength,
		RequireSpecialChars:  c.RequireSpecialChars,
	}
}

// AllowedOrigins returns the CORS origins as a list.
func (c Config) AllowedOrigins() []string {
	origins := splitList(c.CORSAllowedOrigins)
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// parseProxyRange accepts a CIDR or a bare address.
func parseProxyRange(raw string) (netip.Prefix, error) {
	if strings.Contains(raw, "/") {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
