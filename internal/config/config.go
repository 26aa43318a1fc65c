// Package config resolves runtime settings from flags, environment and an optional config file.
package config

import (
	"encoding/base32"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Setting keys. Each is also a flag name and, upper-cased with an XPERSONA_ prefix, an environment variable.
const (
	KeyUsername           = "username"
	KeyPassword           = "password"
	KeyEmail              = "email"
	KeyTwoFactorSecret    = "two-factor-secret"
	KeyCacheDir           = "cache-dir"
	KeyMinInterval        = "min-interval"
	KeyMaxInterval        = "max-interval"
	KeyMentionInterval    = "mention-interval"
	KeyMentionPageSize    = "mention-page-size"
	KeySenderHistoryLimit = "sender-history-limit"
	KeyProxyURL           = "proxy-url"
	KeyAPIBaseURL         = "api-base-url"
	KeyWebBaseURL         = "x-base-url"
	KeyControlAddress     = "control-address"
	KeyChromePath         = "chrome-path"
	KeyBrowserWarmup      = "browser-warmup"
	KeyRequestsPerMinute  = "requests-per-minute"
	KeyContentFile        = "content-file"
	KeyDebug              = "debug"
)

const (
	// EnvPrefix namespaces environment variables.
	EnvPrefix = "XPERSONA"

	defaultCacheDir           = "cache"
	defaultMinIntervalMinutes = 120
	defaultMaxIntervalMinutes = 300
	defaultMentionSeconds     = 120
	defaultMentionPageSize    = 20
	defaultSenderHistoryLimit = 3
	defaultAPIBaseURL         = "https://api.x.com"
	defaultWebBaseURL         = "https://x.com"
	maxMentionPageSize        = 100

	errMessageReadConfigFile    = "failed to read config file"
	errMessageMissingUsername   = "username is required"
	errMessageMissingPassword   = "password is required"
	errMessageMinInterval       = "min-interval must be at least one minute"
	errMessageMaxInterval       = "max-interval must not be negative"
	errMessageMentionInterval   = "mention-interval must be at least one second"
	errMessageMentionPageSize   = "mention-page-size must be between 1 and 100"
	errMessageSenderHistory     = "sender-history-limit must not be negative"
	errMessageRequestsPerMinute = "requests-per-minute must not be negative"
	errMessageInvalidURL        = "invalid URL"
	errMessageInvalidSecret     = "two-factor-secret is not valid base32"
	errMessageMissingCacheDir   = "cache-dir is required"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the resolved runtime configuration.
type Config struct {
	Username               string
	Password               string
	Email                  string
	TwoFactorSecret        string
	CacheDir               string
	MinIntervalMinutes     int
	MaxIntervalMinutes     int
	MentionIntervalSeconds int
	MentionPageSize        int
	SenderHistoryLimit     int
	ProxyURL               string
	APIBaseURL             string
	WebBaseURL             string
	ControlAddress         string
	ChromePath             string
	BrowserWarmup          bool
	RequestsPerMinute      float64
	ContentFile            string
	Debug                  bool
}

// MinimumInterval returns the shortest wait between original posts.
func (config Config) MinimumInterval() time.Duration {
	return time.Duration(config.MinIntervalMinutes) * time.Minute
}

// MaximumInterval returns the longest wait between original posts.
func (config Config) MaximumInterval() time.Duration {
	return time.Duration(config.MaxIntervalMinutes) * time.Minute
}

// MentionInterval returns the wait between mention checks.
func (config Config) MentionInterval() time.Duration {
	return time.Duration(config.MentionIntervalSeconds) * time.Second
}

// RegisterFlags declares every setting on flags.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String(KeyUsername, "", "account username")
	flags.String(KeyPassword, "", "account password")
	flags.String(KeyEmail, "", "email for verification challenges")
	flags.String(KeyTwoFactorSecret, "", "base32 TOTP secret for two-factor challenges")
	flags.String(KeyCacheDir, defaultCacheDir, "directory for session, thread and history files")
	flags.Int(KeyMinInterval, defaultMinIntervalMinutes, "minimum minutes between original posts")
	flags.Int(KeyMaxInterval, defaultMaxIntervalMinutes, "maximum minutes between original posts")
	flags.Int(KeyMentionInterval, defaultMentionSeconds, "seconds between mention checks")
	flags.Int(KeyMentionPageSize, defaultMentionPageSize, "mentions fetched per check")
	flags.Int(KeySenderHistoryLimit, defaultSenderHistoryLimit, "earlier threads with a sender passed to reply generation")
	flags.String(KeyProxyURL, "", "proxy URL for platform traffic")
	flags.String(KeyAPIBaseURL, defaultAPIBaseURL, "platform API base URL")
	flags.String(KeyWebBaseURL, defaultWebBaseURL, "platform web base URL")
	flags.String(KeyControlAddress, "", "listen address for the control server; empty disables it")
	flags.String(KeyChromePath, "", "Chrome binary used for the login warm-up")
	flags.Bool(KeyBrowserWarmup, false, "collect warm-up cookies with headless Chrome before login")
	flags.Float64(KeyRequestsPerMinute, 0, "ceiling on platform requests per minute; zero disables it")
	flags.String(KeyContentFile, "", "YAML, JSON or TOML file listing posts and topics")
	flags.Bool(KeyDebug, false, "enable development logging")
}

// Bind connects flags, environment and the optional configFile to reader.
func Bind(reader *viper.Viper, flags *pflag.FlagSet, configFile string) error {
	if err := reader.BindPFlags(flags); err != nil {
		return err
	}
	reader.SetEnvPrefix(EnvPrefix)
	reader.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	reader.AutomaticEnv()
	if configFile == "" {
		return nil
	}
	reader.SetConfigFile(configFile)
	if err := reader.ReadInConfig(); err != nil {
		return fmt.Errorf("%s: %w", errMessageReadConfigFile, err)
	}
	return nil
}

// Load reads every key from reader, applying defaults for unset values.
func Load(reader *viper.Viper) Config {
	reader.SetDefault(KeyCacheDir, defaultCacheDir)
	reader.SetDefault(KeyMinInterval, defaultMinIntervalMinutes)
	reader.SetDefault(KeyMaxInterval, defaultMaxIntervalMinutes)
	reader.SetDefault(KeyMentionInterval, defaultMentionSeconds)
	reader.SetDefault(KeyMentionPageSize, defaultMentionPageSize)
	reader.SetDefault(KeySenderHistoryLimit, defaultSenderHistoryLimit)
	reader.SetDefault(KeyAPIBaseURL, defaultAPIBaseURL)
	reader.SetDefault(KeyWebBaseURL, defaultWebBaseURL)
	return Config{
		Username:               strings.TrimPrefix(strings.TrimSpace(reader.GetString(KeyUsername)), "@"),
		Password:               reader.GetString(KeyPassword),
		Email:                  strings.TrimSpace(reader.GetString(KeyEmail)),
		TwoFactorSecret:        strings.TrimSpace(reader.GetString(KeyTwoFactorSecret)),
		CacheDir:               reader.GetString(KeyCacheDir),
		MinIntervalMinutes:     reader.GetInt(KeyMinInterval),
		MaxIntervalMinutes:     reader.GetInt(KeyMaxInterval),
		MentionIntervalSeconds: reader.GetInt(KeyMentionInterval),
		MentionPageSize:        reader.GetInt(KeyMentionPageSize),
		SenderHistoryLimit:     reader.GetInt(KeySenderHistoryLimit),
		ProxyURL:               strings.TrimSpace(reader.GetString(KeyProxyURL)),
		APIBaseURL:             strings.TrimRight(reader.GetString(KeyAPIBaseURL), "/"),
		WebBaseURL:             strings.TrimRight(reader.GetString(KeyWebBaseURL), "/"),
		ControlAddress:         strings.TrimSpace(reader.GetString(KeyControlAddress)),
		ChromePath:             reader.GetString(KeyChromePath),
		BrowserWarmup:          reader.GetBool(KeyBrowserWarmup),
		RequestsPerMinute:      reader.GetFloat64(KeyRequestsPerMinute),
		ContentFile:            reader.GetString(KeyContentFile),
		Debug:                  reader.GetBool(KeyDebug),
	}
}

// Validate reports every problem found, each wrapping ErrInvalid.
func (config Config) Validate() error {
	var problems []error
	invalid := func(message string) {
		problems = append(problems, fmt.Errorf("%w: %s", ErrInvalid, message))
	}
	if config.Username == "" {
		invalid(errMessageMissingUsername)
	}
	if config.Password == "" {
		invalid(errMessageMissingPassword)
	}
	if strings.TrimSpace(config.CacheDir) == "" {
		invalid(errMessageMissingCacheDir)
	}
	if config.MinIntervalMinutes < 1 {
		invalid(errMessageMinInterval)
	}
	if config.MaxIntervalMinutes < 0 {
		invalid(errMessageMaxInterval)
	}
	if config.MentionIntervalSeconds < 1 {
		invalid(errMessageMentionInterval)
	}
	if config.MentionPageSize < 1 || config.MentionPageSize > maxMentionPageSize {
		invalid(errMessageMentionPageSize)
	}
	if config.SenderHistoryLimit < 0 {
		invalid(errMessageSenderHistory)
	}
	if config.RequestsPerMinute < 0 {
		invalid(errMessageRequestsPerMinute)
	}
	if config.TwoFactorSecret != "" && !validBase32(config.TwoFactorSecret) {
		invalid(errMessageInvalidSecret)
	}
	urls := []struct {
		key      string
		value    string
		optional bool
	}{
		{key: KeyAPIBaseURL, value: config.APIBaseURL},
		{key: KeyWebBaseURL, value: config.WebBaseURL},
		{key: KeyProxyURL, value: config.ProxyURL, optional: true},
	}
	for _, setting := range urls {
		if setting.value == "" && setting.optional {
			continue
		}
		if !validAbsoluteURL(setting.value) {
			invalid(fmt.Sprintf("%s %s: %q", setting.key, errMessageInvalidURL, setting.value))
		}
	}
	return errors.Join(problems...)
}

func validAbsoluteURL(value string) bool {
	parsed, err := url.Parse(value)
	return err == nil && parsed.Scheme != "" && parsed.Host != ""
}

func validBase32(secret string) bool {
	normalized := strings.ToUpper(strings.ReplaceAll(secret, " ", ""))
	normalized = strings.TrimRight(normalized, "=")
	_, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(normalized)
	return err == nil
}
