package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/xpath"

	"github.com/egsclaim/egsclaim/pkg/page"
)

// Validate checks everything a run depends on except the credentials, so
// catalog-only commands work without an account.
func (c *Config) Validate() error {
	var errs []error

	for name, raw := range map[string]string{
		"urls.claim":         c.URLs.Claim,
		"urls.login":         c.URLs.Login,
		"urls.account":       c.URLs.Account,
		"urls.cart":          c.URLs.Cart,
		"urls.cart_success":  c.URLs.CartSuccess,
		"urls.promotions":    c.URLs.Promotions,
		"urls.product":       c.URLs.Product,
		"urls.bundle":        c.URLs.Bundle,
		"urls.order_history": c.URLs.OrderHistory,
	} {
		if err := checkURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if strings.Count(c.URLs.BundleSuccess, "%s") != 2 {
		errs = append(errs, errors.New("urls.bundle_success: must contain two %s verbs (namespace, offer id)"))
	}

	for name, v := range map[string]int{
		"limits.auth_attempts":      c.Limits.AuthAttempts,
		"limits.cart_iterations":    c.Limits.CartIterations,
		"limits.challenge_attempts": c.Limits.ChallengeAttempts,
		"limits.crash_restarts":     c.Limits.CrashRestarts,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Limits.ClaimRetries < 0 {
		errs = append(errs, errors.New("limits.claim_retries must not be negative"))
	}
	if c.Limits.SolverRounds < 1 || c.Limits.SolverRounds > 2 {
		errs = append(errs, errors.New("limits.solver_rounds must be 1 or 2"))
	}

	if c.Timeouts.Poll <= 0 || c.Timeouts.LoginWait <= 0 || c.Timeouts.SuccessURL <= 0 || c.Timeouts.RunBudget <= 0 {
		errs = append(errs, errors.New("timeouts: poll, login_wait, success_url and run_budget must be positive"))
	}

	switch c.Challenge.Mode {
	case "solver":
		if c.Challenge.ClassifierCommand == "" {
			errs = append(errs, errors.New("challenge.classifier_command is required in solver mode"))
		}
	case "command":
		if c.Challenge.BridgeCommand == "" {
			errs = append(errs, errors.New("challenge.bridge_command is required in command mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("challenge.mode %q is not one of solver, command", c.Challenge.Mode))
	}

	if c.Notify.WebhookURL != "" {
		if err := checkURL(c.Notify.WebhookURL); err != nil {
			errs = append(errs, fmt.Errorf("notify.webhook_url: %w", err))
		}
	}

	if err := ValidateSelectors(c.Selectors); err != nil {
		errs = append(errs, err)
	}
	if c.Selectors.LoginAttribute == "" {
		errs = append(errs, errors.New("selectors.login_attribute is empty"))
	}
	if err := c.Texts.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ValidateAccount checks the credentials needed to log in.
func (c *Config) ValidateAccount() error {
	if c.Account.Email == "" || c.Account.Password == "" {
		return errors.New("account.email and account.password are required")
	}
	return nil
}

// ValidateSelectors compiles every CSS selector and sanity-checks every
// XPath one.
func ValidateSelectors(s page.Selectors) error {
	all := s.All()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		list := all[name]
		if len(list) == 0 {
			errs = append(errs, fmt.Errorf("selector %s is empty", name))
		}
		for _, sel := range list {
			if err := checkSelector(sel); err != nil {
				errs = append(errs, fmt.Errorf("selector %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

func checkSelector(sel page.Selector) error {
	raw := strings.TrimSpace(string(sel))
	if raw == "" {
		return errors.New("empty")
	}
	if !sel.IsXPath() {
		if _, err := cascadia.Compile(raw); err != nil {
			return fmt.Errorf("invalid css %q: %w", raw, err)
		}
		return nil
	}
	return checkXPath(raw)
}

// checkXPath compiles expr as XPath 1.0.
func checkXPath(expr string) error {
	if _, err := xpath.Compile(expr); err != nil {
		return fmt.Errorf("invalid xpath %q: %w", expr, err)
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme in %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
