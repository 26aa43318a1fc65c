package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/xpersona/xpersona/internal/config"
)

const fileContents = "username: \"@persona\"\npassword: secret\nmin-interval: 10\nmax-interval: 20\n"

func load(t *testing.T, arguments []string, configFile string) config.Config {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(flags)
	if err := flags.Parse(arguments); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	reader := viper.New()
	if err := config.Bind(reader, flags, configFile); err != nil {
		t.Fatalf("bind: %v", err)
	}
	return config.Load(reader)
}

func TestLoadDefaults(t *testing.T) {
	loaded := load(t, nil, "")
	if loaded.MinimumInterval() != 120*time.Minute || loaded.MaximumInterval() != 300*time.Minute {
		t.Fatalf("unexpected interval defaults %v %v", loaded.MinimumInterval(), loaded.MaximumInterval())
	}
	if loaded.MentionInterval() != 120*time.Second || loaded.MentionPageSize != 20 || loaded.SenderHistoryLimit != 3 {
		t.Fatalf("unexpected mention defaults %+v", loaded)
	}
	if loaded.APIBaseURL != "https://api.x.com" || loaded.WebBaseURL != "https://x.com" {
		t.Fatalf("unexpected base URLs %q %q", loaded.APIBaseURL, loaded.WebBaseURL)
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xpersona.yaml")
	if err := os.WriteFile(path, []byte(fileContents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("XPERSONA_MENTION_INTERVAL", "45")
	t.Setenv("XPERSONA_MAX_INTERVAL", "25")

	loaded := load(t, []string{"--max-interval=30"}, path)
	if loaded.Username != "persona" || loaded.Password != "secret" {
		t.Fatalf("expected file credentials, got %q", loaded.Username)
	}
	if loaded.MinIntervalMinutes != 10 {
		t.Fatalf("expected file min interval, got %d", loaded.MinIntervalMinutes)
	}
	if loaded.MaxIntervalMinutes != 30 {
		t.Fatalf("expected the flag to win, got %d", loaded.MaxIntervalMinutes)
	}
	if loaded.MentionIntervalSeconds != 45 {
		t.Fatalf("expected the environment value, got %d", loaded.MentionIntervalSeconds)
	}
	if err := loaded.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateReportsProblems(t *testing.T) {
	t.Parallel()

	valid := config.Config{
		Username:               "persona",
		Password:               "secret",
		CacheDir:               "cache",
		MinIntervalMinutes:     120,
		MaxIntervalMinutes:     300,
		MentionIntervalSeconds: 120,
		MentionPageSize:        20,
		SenderHistoryLimit:     3,
		APIBaseURL:             "https://api.x.com",
		WebBaseURL:             "https://x.com",
	}
	testCases := []struct {
		name     string
		mutate   func(*config.Config)
		expected string
	}{
		{name: "missing username", mutate: func(c *config.Config) { c.Username = "" }, expected: "username is required"},
		{name: "missing password", mutate: func(c *config.Config) { c.Password = "" }, expected: "password is required"},
		{name: "zero min interval", mutate: func(c *config.Config) { c.MinIntervalMinutes = 0 }, expected: "min-interval"},
		{name: "page size too large", mutate: func(c *config.Config) { c.MentionPageSize = 500 }, expected: "mention-page-size"},
		{name: "bad proxy", mutate: func(c *config.Config) { c.ProxyURL = "not a url" }, expected: "proxy-url"},
		{name: "bad secret", mutate: func(c *config.Config) { c.TwoFactorSecret = "not!base32" }, expected: "two-factor-secret"},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected a valid baseline, got %v", err)
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			candidate := valid
			testCase.mutate(&candidate)
			err := candidate.Validate()
			if !errors.Is(err, config.ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), testCase.expected) {
				t.Fatalf("expected %q in %q", testCase.expected, err.Error())
			}
		})
	}
}

func TestValidateAcceptsSpacedSecret(t *testing.T) {
	t.Parallel()

	candidate := config.Config{
		Username: "persona", Password: "secret", CacheDir: "cache",
		MinIntervalMinutes: 1, MentionIntervalSeconds: 1, MentionPageSize: 1,
		APIBaseURL: "https://api.x.com", WebBaseURL: "https://x.com",
		TwoFactorSecret: "jbsw y3dp ehpk 3pxp",
	}
	if err := candidate.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
