// Package config holds the single settings object every component is built
// from. It is decoded once (by viper in cmd), validated once, and then passed
// by pointer; nothing reads settings from globals.
package config

import (
	"path/filepath"
	"time"

	"github.com/egsclaim/egsclaim/pkg/page"
)

type Account struct {
	Email    string `mapstructure:"email" yaml:"email"`
	Password string `mapstructure:"password" yaml:"password"`
	// OTPSecret answers two-factor prompts without interaction when set.
	OTPSecret string `mapstructure:"otp_secret" yaml:"otp_secret"`
}

type URLs struct {
	Claim        string `mapstructure:"claim" yaml:"claim"`
	Login        string `mapstructure:"login" yaml:"login"`
	Account      string `mapstructure:"account" yaml:"account"`
	Cart         string `mapstructure:"cart" yaml:"cart"`
	CartSuccess  string `mapstructure:"cart_success" yaml:"cart_success"`
	Promotions   string `mapstructure:"promotions" yaml:"promotions"`
	Product      string `mapstructure:"product" yaml:"product"`
	Bundle       string `mapstructure:"bundle" yaml:"bundle"`
	OrderHistory string `mapstructure:"order_history" yaml:"order_history"`
	// BundleSuccess is a format string taking namespace and offer id.
	BundleSuccess string `mapstructure:"bundle_success" yaml:"bundle_success"`
}

type Timeouts struct {
	Navigation         time.Duration `mapstructure:"navigation" yaml:"navigation"`
	Element            time.Duration `mapstructure:"element" yaml:"element"`
	Poll               time.Duration `mapstructure:"poll" yaml:"poll"`
	LoginWait          time.Duration `mapstructure:"login_wait" yaml:"login_wait"`
	VerificationWait   time.Duration `mapstructure:"verification_wait" yaml:"verification_wait"`
	VerificationPrompt time.Duration `mapstructure:"verification_prompt" yaml:"verification_prompt"`
	Interstitial       time.Duration `mapstructure:"interstitial" yaml:"interstitial"`
	CartPoll           time.Duration `mapstructure:"cart_poll" yaml:"cart_poll"`
	License            time.Duration `mapstructure:"license" yaml:"license"`
	PaymentSettle      time.Duration `mapstructure:"payment_settle" yaml:"payment_settle"`
	PaymentClick       time.Duration `mapstructure:"payment_click" yaml:"payment_click"`
	RegionConfirm      time.Duration `mapstructure:"region_confirm" yaml:"region_confirm"`
	ChallengeBackoff   time.Duration `mapstructure:"challenge_backoff" yaml:"challenge_backoff"`
	ChallengeFrame     time.Duration `mapstructure:"challenge_frame" yaml:"challenge_frame"`
	SuccessURL         time.Duration `mapstructure:"success_url" yaml:"success_url"`
	RunBudget          time.Duration `mapstructure:"run_budget" yaml:"run_budget"`
	HTTP               time.Duration `mapstructure:"http" yaml:"http"`
}

type Limits struct {
	AuthAttempts      int `mapstructure:"auth_attempts" yaml:"auth_attempts"`
	CartIterations    int `mapstructure:"cart_iterations" yaml:"cart_iterations"`
	ChallengeAttempts int `mapstructure:"challenge_attempts" yaml:"challenge_attempts"`
	CrashRestarts     int `mapstructure:"crash_restarts" yaml:"crash_restarts"`
	ClaimRetries      int `mapstructure:"claim_retries" yaml:"claim_retries"`
	SolverRounds      int `mapstructure:"solver_rounds" yaml:"solver_rounds"`
	LedgerPages       int `mapstructure:"ledger_pages" yaml:"ledger_pages"`
	HTTPRetries       int `mapstructure:"http_retries" yaml:"http_retries"`
}

type Browser struct {
	Headless   bool   `mapstructure:"headless" yaml:"headless"`
	Bin        string `mapstructure:"bin" yaml:"bin"`
	ControlURL string `mapstructure:"control_url" yaml:"control_url"`
	Proxy      string `mapstructure:"proxy" yaml:"proxy"`
}

// Challenge selects how challenges are handled: "solver" drives the frame and
// asks ClassifierCommand for decisions, "command" delegates every attempt to
// BridgeCommand.
type Challenge struct {
	Mode              string        `mapstructure:"mode" yaml:"mode"`
	ClassifierCommand string        `mapstructure:"classifier_command" yaml:"classifier_command"`
	BridgeCommand     string        `mapstructure:"bridge_command" yaml:"bridge_command"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
}

type Notify struct {
	WebhookURL string `mapstructure:"webhook_url" yaml:"webhook_url"`
	// OnlyChanges skips notifications for runs that claimed nothing.
	OnlyChanges bool `mapstructure:"only_changes" yaml:"only_changes"`
}

type Schedule struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type Config struct {
	Account   Account        `mapstructure:"account" yaml:"account"`
	Locale    string         `mapstructure:"locale" yaml:"locale"`
	Country   string         `mapstructure:"country" yaml:"country"`
	DataDir   string         `mapstructure:"data_dir" yaml:"data_dir"`
	DBPath    string         `mapstructure:"db_path" yaml:"db_path"`
	URLs      URLs           `mapstructure:"urls" yaml:"urls"`
	Timeouts  Timeouts       `mapstructure:"timeouts" yaml:"timeouts"`
	Limits    Limits         `mapstructure:"limits" yaml:"limits"`
	Browser   Browser        `mapstructure:"browser" yaml:"browser"`
	Challenge Challenge      `mapstructure:"challenge" yaml:"challenge"`
	Notify    Notify         `mapstructure:"notify" yaml:"notify"`
	Schedule  Schedule       `mapstructure:"schedule" yaml:"schedule"`
	Selectors page.Selectors `mapstructure:"selectors" yaml:"selectors"`
	Texts     page.Texts     `mapstructure:"texts" yaml:"texts"`
}

const claimURL = "https://store.epicgames.com/en-US/free-games"

// Default returns the settings the storefront works with out of the box.
func Default() *Config {
	return &Config{
		Locale:  "en-US",
		Country: "US",
		DataDir: ".egsclaim",
		URLs: URLs{
			Claim:         claimURL,
			Login:         "https://www.epicgames.com/id/login?lang=en-US&noHostRedirect=true&redirectUrl=" + claimURL,
			Account:       "https://www.epicgames.com/account/personal?lang=en-US&productName=egs&sessionInvalidated=true",
			Cart:          "https://store.epicgames.com/en-US/cart",
			CartSuccess:   "https://store.epicgames.com/en-US/cart/success",
			Promotions:    "https://store-site-backend-static.ak.epicgames.com/freeGamesPromotions",
			Product:       "https://store.epicgames.com/en-US/p/",
			Bundle:        "https://store.epicgames.com/en-US/bundles/",
			OrderHistory:  "https://www.epicgames.com/account/v2/payment/ajaxGetOrderHistory",
			BundleSuccess: "https://store.epicgames.com/en-US/download?ns=%s&id=%s",
		},
		Timeouts: Timeouts{
			Navigation:         60 * time.Second,
			Element:            10 * time.Second,
			Poll:               500 * time.Millisecond,
			LoginWait:          60 * time.Second,
			VerificationWait:   60 * time.Second,
			VerificationPrompt: time.Second,
			Interstitial:       3 * time.Second,
			CartPoll:           2 * time.Second,
			License:            4 * time.Second,
			PaymentSettle:      2 * time.Second,
			PaymentClick:       6 * time.Second,
			RegionConfirm:      5 * time.Second,
			ChallengeBackoff:   500 * time.Millisecond,
			ChallengeFrame:     5 * time.Second,
			SuccessURL:         60 * time.Second,
			RunBudget:          15 * time.Minute,
			HTTP:               30 * time.Second,
		},
		Limits: Limits{
			AuthAttempts:      3,
			CartIterations:    30,
			ChallengeAttempts: 15,
			CrashRestarts:     3,
			ClaimRetries:      2,
			SolverRounds:      2,
			LedgerPages:       1,
			HTTPRetries:       3,
		},
		Browser: Browser{Headless: true},
		Challenge: Challenge{
			Mode:           "solver",
			CommandTimeout: 2 * time.Minute,
		},
		Schedule:  Schedule{Interval: 6 * time.Hour},
		Selectors: page.DefaultSelectors(),
		Texts:     page.DefaultTexts(),
	}
}

func (c *Config) ScreenshotsDir() string {
	return filepath.Join(c.DataDir, "screenshots")
}

func (c *Config) ProfileDir() string {
	return filepath.Join(c.DataDir, "profile")
}

func (c *Config) PromotionsCachePath() string {
	return filepath.Join(c.DataDir, "promotions.json")
}

func (c *Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "egsclaim.sqlite")
}
