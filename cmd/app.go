package cmd

import (
	"context"
	"fmt"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/egsclaim/egsclaim/internal/utils"
	"github.com/egsclaim/egsclaim/pkg/auth"
	"github.com/egsclaim/egsclaim/pkg/catalog"
	"github.com/egsclaim/egsclaim/pkg/challenge"
	"github.com/egsclaim/egsclaim/pkg/checkout"
	"github.com/egsclaim/egsclaim/pkg/config"
	"github.com/egsclaim/egsclaim/pkg/ledger"
	"github.com/egsclaim/egsclaim/pkg/notify"
	"github.com/egsclaim/egsclaim/pkg/orchestrator"
	"github.com/egsclaim/egsclaim/pkg/page/rodpage"
	"github.com/egsclaim/egsclaim/pkg/storage"
	"github.com/egsclaim/egsclaim/pkg/whttp"
)

// app owns the browser, the database and the orchestrator built from one
// config.
type app struct {
	browser *rodpage.Browser
	db      *storage.DB
	orch    *orchestrator.Orchestrator
}

func newHTTPClient(cfg *config.Config) (*retryablehttp.Client, error) {
	return whttp.NewClient(whttp.ClientOptions{
		RetryMax: cfg.Limits.HTTPRetries,
		Timeout:  cfg.Timeouts.HTTP,
		Proxy:    cfg.Browser.Proxy,
	})
}

func newCatalogClient(cfg *config.Config, client *retryablehttp.Client) *catalog.Client {
	return &catalog.Client{
		BaseURL:    cfg.URLs.Promotions,
		Locale:     cfg.Locale,
		Country:    cfg.Country,
		ProductURL: cfg.URLs.Product,
		BundleURL:  cfg.URLs.Bundle,
		CachePath:  cfg.PromotionsCachePath(),
		HTTP:       client,
	}
}

func newBridge(cfg *config.Config, p *rodpage.Page, client *retryablehttp.Client) challenge.Bridge {
	if cfg.Challenge.Mode == "command" {
		return &challenge.CommandBridge{
			Command: cfg.Challenge.BridgeCommand,
			Timeout: cfg.Challenge.CommandTimeout,
			Log:     utils.Log,
		}
	}
	return &challenge.Solver{
		Page:      p,
		Selectors: cfg.Selectors,
		Classifier: &challenge.CommandClassifier{
			Command: cfg.Challenge.ClassifierCommand,
			HTTP:    client,
			Timeout: cfg.Challenge.CommandTimeout,
		},
		Rounds:       cfg.Limits.SolverRounds,
		FrameTimeout: cfg.Timeouts.ChallengeFrame,
		Settle:       cfg.Timeouts.PaymentSettle,
		Log:          utils.Log,
	}
}

func newNotifier(cfg *config.Config, client *retryablehttp.Client) notify.Notifier {
	var n notify.Multi
	n = append(n, notify.LogNotifier{Log: utils.Log})
	if cfg.Notify.WebhookURL != "" {
		utils.Log.Debugf("Sending run summaries to %s", redact(cfg.Notify.WebhookURL))
		n = append(n, &notify.Webhook{URL: cfg.Notify.WebhookURL, HTTP: client})
	}
	return notify.Filter{Next: n, OnlyChanges: cfg.Notify.OnlyChanges}
}

// newApp launches the browser and wires every component of a claim run.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	client, err := newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", cfg.DatabasePath(), err)
	}

	browser, err := rodpage.Launch(ctx, rodpage.Options{
		ControlURL:        cfg.Browser.ControlURL,
		Bin:               cfg.Browser.Bin,
		Headless:          cfg.Browser.Headless,
		UserDataDir:       cfg.ProfileDir(),
		Proxy:             cfg.Browser.Proxy,
		NavigationTimeout: cfg.Timeouts.Navigation,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	p, err := browser.NewPage(ctx)
	if err != nil {
		_ = browser.Close()
		_ = db.Close()
		return nil, err
	}

	bridge := newBridge(cfg, p, client)
	authMachine, err := auth.New(cfg, p, bridge, utils.Log)
	if err != nil {
		_ = browser.Close()
		_ = db.Close()
		return nil, err
	}

	orch := &orchestrator.Orchestrator{
		Config:   cfg,
		Auth:     authMachine,
		Checkout: checkout.New(cfg, p, bridge, utils.Log),
		Catalog:  newCatalogClient(cfg, client),
		Ledger: &ledger.Client{
			URL:      cfg.URLs.OrderHistory,
			Locale:   cfg.Locale,
			MaxPages: cfg.Limits.LedgerPages,
			HTTP:     client,
		},
		Cookies:  p,
		History:  db,
		Notifier: newNotifier(cfg, client),
		Log:      utils.Log,
	}
	return &app{browser: browser, db: db, orch: orch}, nil
}

func (a *app) Close() error {
	err := a.browser.Close()
	if derr := a.db.Close(); err == nil {
		err = derr
	}
	return err
}

// redact hides credentials embedded in a URL for logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("xxx")
	return u.String()
}
