package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/egsclaim/egsclaim/pkg/page"
)

func validConfig() *Config {
	c := Default()
	c.Challenge.ClassifierCommand = "classify"
	return c
}

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"bad css", func(c *Config) { c.Selectors.Email = "#email[" }, "selector Email"},
		{"unbalanced xpath", func(c *Config) { c.Selectors.CheckOut = "//button//span[text()='Check Out'" }, "selector CheckOut"},
		{"malformed xpath predicate", func(c *Config) { c.Selectors.CheckOut = "//span[text()=]" }, "selector CheckOut"},
		{"malformed xpath axis", func(c *Config) { c.Selectors.CheckOut = "//div[@@class='x']" }, "selector CheckOut"},
		{"empty verification", func(c *Config) { c.Selectors.Verification = nil }, "selector Verification is empty"},
		{"empty selector", func(c *Config) { c.Selectors.SignIn = "" }, "selector SignIn"},
		{"solver rounds", func(c *Config) { c.Limits.SolverRounds = 3 }, "solver_rounds"},
		{"auth attempts", func(c *Config) { c.Limits.AuthAttempts = 0 }, "auth_attempts"},
		{"mode", func(c *Config) { c.Challenge.Mode = "magic" }, "challenge.mode"},
		{"bridge command", func(c *Config) { c.Challenge.Mode = "command" }, "bridge_command"},
		{"bad url", func(c *Config) { c.URLs.Cart = "ftp://x" }, "urls.cart"},
		{"bundle success", func(c *Config) { c.URLs.BundleSuccess = "https://x/download" }, "bundle_success"},
		{"texts", func(c *Config) { c.Texts.InLibrary = nil }, "InLibrary"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateAccount(t *testing.T) {
	c := validConfig()
	require.Error(t, c.ValidateAccount())
	c.Account.Email, c.Account.Password = "me@example.com", "secret"
	require.NoError(t, c.ValidateAccount())
}

func TestCheckXPath(t *testing.T) {
	for _, ok := range []page.Selector{
		"//iframe[contains(@title, 'hCaptcha challenge')]",
		"(//div[@class='a'])[2]",
		`//span[text()="it's"]`,
	} {
		if err := checkSelector(ok); err != nil {
			t.Fatalf("expected %q to pass, got %v", ok, err)
		}
	}
	for _, bad := range []page.Selector{
		"//a[@x='1')",
		"//a[@x='1]",
		"(//a",
		"//span[text()=]",
		"//div[@@class='x']",
		"//button//",
		"/[]",
	} {
		if err := checkSelector(bad); err == nil {
			t.Fatalf("expected %q to fail", bad)
		}
	}
}

func TestPaths(t *testing.T) {
	c := Default()
	c.DataDir = "/data"
	require.Equal(t, "/data/screenshots", c.ScreenshotsDir())
	require.Equal(t, "/data/egsclaim.sqlite", c.DatabasePath())
	c.DBPath = "/elsewhere.db"
	require.Equal(t, "/elsewhere.db", c.DatabasePath())
}
