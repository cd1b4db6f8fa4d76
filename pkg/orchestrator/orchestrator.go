// Package orchestrator runs one claim cycle end to end: authenticate,
// discover pending offers, claim them and report the outcome of each.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/egsclaim/egsclaim/pkg/auth"
	"github.com/egsclaim/egsclaim/pkg/checkout"
	"github.com/egsclaim/egsclaim/pkg/config"
	"github.com/egsclaim/egsclaim/pkg/ledger"
	"github.com/egsclaim/egsclaim/pkg/notify"
	"github.com/egsclaim/egsclaim/pkg/offers"
	"github.com/egsclaim/egsclaim/pkg/reconcile"
)

// Logger abstracts logging so callers can use logrus, stdlib log, or any
// other logger that satisfies this interface.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// nopLogger silently discards all messages.
type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

type Authenticator interface {
	Authenticate(ctx context.Context) (*auth.Result, error)
}

type Claimer interface {
	Claim(ctx context.Context, batch []offers.PromotionOffer) (*checkout.Result, error)
	ClaimBundle(ctx context.Context, o offers.PromotionOffer) (*checkout.Result, error)
}

type CatalogSource interface {
	FetchCatalog(ctx context.Context) ([]offers.PromotionOffer, error)
}

type LedgerSource interface {
	FetchLedger(ctx context.Context, cookies []*http.Cookie) ([]offers.OwnedOfferRecord, error)
}

// CookieSource hands out the browser session cookies.
type CookieSource interface {
	Cookies(ctx context.Context) ([]*http.Cookie, error)
}

// History is the local run ledger. storage.DB satisfies it.
type History interface {
	ClaimedNamespaces(ctx context.Context) ([]offers.OwnedOfferRecord, error)
	RecordRun(ctx context.Context, s *offers.RunSummary) error
}

// Orchestrator holds everything Run needs. Config, Auth, Checkout, Catalog,
// Ledger and Cookies are required.
type Orchestrator struct {
	Config   *config.Config
	Auth     Authenticator
	Checkout Claimer
	Catalog  CatalogSource
	Ledger   LedgerSource
	Cookies  CookieSource
	History  History         // optional
	Notifier notify.Notifier // optional
	Log      Logger          // optional; nil = no logging

	now   func() time.Time
	newID func() string
}

// reportTimeout bounds recording and notifying after the run budget is
// spent.
const reportTimeout = 30 * time.Second

// run is the mutable state of one Run call.
type run struct {
	summary  *offers.RunSummary
	pending  []*offers.PendingClaim
	errs     map[string]error
	reauthed bool
	timedOut bool
}

// Run performs one claim cycle within the configured run budget. The
// returned error is non-nil only when authentication aborts the run; the
// summary is always returned and describes every pending offer.
func (o *Orchestrator) Run(ctx context.Context) (*offers.RunSummary, error) {
	if o.Log == nil {
		o.Log = nopLogger{}
	}
	now, newID := o.now, o.newID
	if now == nil {
		now = time.Now
	}
	if newID == nil {
		newID = uuid.NewString
	}

	r := &run{
		summary: &offers.RunSummary{RunID: newID(), StartedAt: now()},
		errs:    make(map[string]error),
	}

	budget, cancel := context.WithTimeout(ctx, o.Config.Timeouts.RunBudget)
	defer cancel()

	err := o.cycle(budget, r)
	if r.timedOut {
		r.summary.Status = offers.StatusTimedOut
		err = nil
	}
	r.finish(now())
	o.Log.Infof("Run %s finished: %s (%d offers)", r.summary.RunID, r.summary.Status, len(r.summary.Entries))

	o.report(ctx, r.summary)
	return r.summary, err
}

func (o *Orchestrator) cycle(ctx context.Context, r *run) error {
	if err := o.authenticate(ctx, r); err != nil {
		return err
	}

	pending := o.discover(ctx, r)
	if ctx.Err() != nil {
		r.timedOut = true
		return nil
	}
	if len(pending) == 0 {
		o.Log.Infof("All available free games are already in your library")
		r.summary.Status = offers.StatusNothingToClaim
		return nil
	}
	for i := range pending {
		r.pending = append(r.pending, &pending[i])
	}
	r.summary.Status = offers.StatusCompleted

	games, bundles := r.split()
	if len(games) > 0 {
		o.Log.Infof("Claiming %d games in one cart", len(games))
		if err := o.claim(ctx, r, games, o.Checkout.Claim); err != nil {
			return err
		}
	}
	for _, b := range bundles {
		if r.timedOut {
			break
		}
		o.Log.Infof("Claiming bundle %s", b.Offer.Title)
		claimOne := func(ctx context.Context, batch []offers.PromotionOffer) (*checkout.Result, error) {
			return o.Checkout.ClaimBundle(ctx, batch[0])
		}
		if err := o.claim(ctx, r, []*offers.PendingClaim{b}, claimOne); err != nil {
			return err
		}
	}
	return nil
}

// authenticate maps auth failures onto the run status.
func (o *Orchestrator) authenticate(ctx context.Context, r *run) error {
	res, err := o.Auth.Authenticate(ctx)
	if err == nil {
		if res != nil && res.AlreadyValid {
			o.Log.Debugf("Session still valid")
		}
		return nil
	}
	switch {
	case errors.Is(err, auth.ErrMultiFactorRequired):
		r.summary.Status = offers.StatusMFARequired
	case ctx.Err() != nil:
		r.timedOut = true
		r.summary.Warnings = append(r.summary.Warnings, fmt.Sprintf("authentication: %v", err))
	default:
		r.summary.Status = offers.StatusAuthFailed
	}
	o.Log.Errorf("Authentication failed: %v", err)
	return err
}

// discover fetches the catalog and the order ledger concurrently and
// returns the offers still to claim. Fetch failures become warnings.
func (o *Orchestrator) discover(ctx context.Context, r *run) []offers.PendingClaim {
	var (
		catalog []offers.PromotionOffer
		owned   []offers.OwnedOfferRecord
		local   []offers.OwnedOfferRecord
	)
	warnings := make([]string, 3)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if catalog, err = o.Catalog.FetchCatalog(gctx); err != nil {
			warnings[0] = fmt.Sprintf("catalog: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		cookies, err := o.Cookies.Cookies(gctx)
		if err != nil {
			warnings[1] = fmt.Sprintf("ledger: reading session cookies: %v", err)
			return nil
		}
		cookies = ledger.StoreCookies(cookies, hostOf(o.Config.URLs.OrderHistory))
		if owned, err = o.Ledger.FetchLedger(gctx, cookies); err != nil {
			warnings[1] = fmt.Sprintf("ledger: %v", err)
		}
		return nil
	})
	if o.History != nil {
		g.Go(func() error {
			var err error
			if local, err = o.History.ClaimedNamespaces(gctx); err != nil {
				warnings[2] = fmt.Sprintf("history: %v", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, w := range warnings {
		if w != "" {
			o.Log.Warnf("%s", w)
			r.summary.Warnings = append(r.summary.Warnings, w)
		}
	}

	pending := reconcile.Reconcile(catalog, reconcile.MergeLedgers(owned, local))
	o.Log.Infof("%d free offers, %d owned, %d pending", len(catalog), len(owned), len(pending))
	return pending
}

type claimFunc func(ctx context.Context, batch []offers.PromotionOffer) (*checkout.Result, error)

// claim drives one checkout unit (the games cart or a single bundle) with
// the outer retry policy: timed out checkouts are retried ClaimRetries more
// times, and an expired session is re-authenticated once per run. Only an
// authentication failure is returned.
func (o *Orchestrator) claim(ctx context.Context, r *run, unit []*offers.PendingClaim, fn claimFunc) error {
	retries := 0
	for {
		batch := open(unit)
		if len(batch) == 0 {
			return nil
		}
		offerList := make([]offers.PromotionOffer, 0, len(batch))
		for _, p := range batch {
			p.Attempts++
			offerList = append(offerList, p.Offer)
		}

		res, err := fn(ctx, offerList)
		if res != nil {
			r.apply(res)
		}

		switch {
		case err == nil:
			r.settle(batch, offers.OutcomeClaimed, nil)
			return nil

		case ctx.Err() != nil:
			o.Log.Warnf("Run budget exhausted while claiming")
			r.timedOut = true
			r.settle(batch, offers.OutcomeTimedOut, err)
			return nil

		case errors.Is(err, checkout.ErrSessionExpired):
			if r.reauthed {
				o.Log.Errorf("Session expired again after re-authentication")
				r.settle(batch, offers.OutcomeFailed, err)
				return nil
			}
			r.reauthed = true
			o.Log.Warnf("Session expired, authenticating again")
			if aerr := o.authenticate(ctx, r); aerr != nil {
				if r.timedOut {
					r.settle(batch, offers.OutcomeTimedOut, err)
				} else {
					r.settle(batch, offers.OutcomeFailed, err)
				}
				return aerr
			}

		case errors.Is(err, checkout.ErrCheckoutTimeout):
			if retries >= o.Config.Limits.ClaimRetries {
				o.Log.Errorf("Checkout still timing out after %d retries: %v", retries, err)
				r.settle(batch, offers.OutcomeFailed, err)
				return nil
			}
			retries++
			o.Log.Warnf("Checkout timed out, retrying (%d/%d): %v", retries, o.Config.Limits.ClaimRetries, err)

		default:
			o.Log.Errorf("Checkout failed: %v", err)
			r.settle(batch, offers.OutcomeFailed, err)
			return nil
		}
	}
}

// open returns the claims of unit that have no terminal outcome yet.
func open(unit []*offers.PendingClaim) []*offers.PendingClaim {
	var out []*offers.PendingClaim
	for _, p := range unit {
		if !p.LastOutcome.IsTerminal() {
			out = append(out, p)
		}
	}
	return out
}

func (r *run) split() (games, bundles []*offers.PendingClaim) {
	for _, p := range r.pending {
		if p.Offer.IsBundle {
			bundles = append(bundles, p)
		} else {
			games = append(games, p)
		}
	}
	return games, bundles
}

// apply copies per-offer outcomes reported by a checkout.
func (r *run) apply(res *checkout.Result) {
	r.summary.Warnings = append(r.summary.Warnings, res.Warnings...)
	for _, rep := range res.Offers {
		for _, p := range r.pending {
			if p.Offer.Namespace != rep.Offer.Namespace || p.LastOutcome.IsTerminal() {
				continue
			}
			p.LastOutcome = rep.Outcome
			r.errs[p.Offer.Namespace] = rep.Err
		}
	}
}

// settle gives every non-terminal claim in batch the outcome.
func (r *run) settle(batch []*offers.PendingClaim, outcome offers.ClaimOutcome, err error) {
	for _, p := range batch {
		if p.LastOutcome.IsTerminal() {
			continue
		}
		p.LastOutcome = outcome
		if err != nil {
			r.errs[p.Offer.Namespace] = err
		} else {
			delete(r.errs, p.Offer.Namespace)
		}
	}
}

// finish builds one summary entry per pending offer. When the budget ran
// out, offers the run never got to are reported as timed out.
func (r *run) finish(at time.Time) {
	r.summary.FinishedAt = at
	for _, p := range r.pending {
		outcome := p.LastOutcome
		if r.timedOut && !outcome.IsTerminal() {
			outcome = offers.OutcomeTimedOut
		}
		r.summary.Entries = append(r.summary.Entries, offers.NewSummaryEntry(p.Offer, outcome, p.Attempts, r.errs[p.Offer.Namespace]))
	}
}

// report stores and pushes the summary. It runs on a fresh deadline so a
// spent run budget still gets reported.
func (o *Orchestrator) report(ctx context.Context, s *offers.RunSummary) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	if o.History != nil {
		if err := o.History.RecordRun(ctx, s); err != nil {
			o.Log.Warnf("Could not record run %s: %v", s.RunID, err)
		}
	}
	if o.Notifier != nil {
		if err := o.Notifier.Notify(ctx, s); err != nil {
			o.Log.Warnf("Could not send notification: %v", err)
		}
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
