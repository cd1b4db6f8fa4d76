// Package checkout claims free offers through the storefront cart, or
// through the per-item purchase path for bundles.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/egsclaim/egsclaim/pkg/challenge"
	"github.com/egsclaim/egsclaim/pkg/config"
	"github.com/egsclaim/egsclaim/pkg/offers"
	"github.com/egsclaim/egsclaim/pkg/page"
)

var (
	// ErrSessionExpired means the storefront bounced the browser to the login
	// page mid-flow. The caller may authenticate again and retry.
	ErrSessionExpired = errors.New("session expired")
	// ErrChallengeUnsupported means the purchase challenge kept asking for a
	// type the solver cannot handle.
	ErrChallengeUnsupported = errors.New("challenge unsupported")
	// ErrCheckoutTimeout means the success page was never reached.
	ErrCheckoutTimeout = errors.New("checkout timed out")

	errCrash = errors.New("challenge solver crashed")
)

// Logger abstracts logging so callers can use logrus, stdlib log, or any
// other logger that satisfies this interface.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

// State names a step of the checkout flow.
type State string

const (
	AddingToCart       State = "adding_to_cart"
	CartReady          State = "cart_ready"
	Checkout           State = "checkout"
	LicenseGate        State = "license_gate"
	PaymentFrame       State = "payment_frame"
	RegionConfirm      State = "region_confirm"
	ChallengeWindow    State = "challenge_window"
	AwaitingSuccessURL State = "awaiting_success_url"
)

// OfferResult is the outcome of one offer within a batch.
type OfferResult struct {
	Offer   offers.PromotionOffer
	Outcome offers.ClaimOutcome
	Err     error
}

// Result summarizes one Claim call.
type Result struct {
	// Outcome is the batch outcome: claimed, timed_out, skipped or failed.
	Outcome offers.ClaimOutcome
	Offers  []OfferResult

	Restarts           int
	ChallengeAttempts  int
	SanitizeIterations int
	Transitions        []State
	Warnings           []string
}

func (r *Result) enter(s State) {
	r.Transitions = append(r.Transitions, s)
}

func (r *Result) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// OutcomeOf returns the recorded outcome for the offer with namespace ns.
func (r *Result) OutcomeOf(ns string) (offers.ClaimOutcome, bool) {
	for _, o := range r.Offers {
		if o.Offer.Namespace == ns {
			return o.Outcome, true
		}
	}
	return "", false
}

func (r *Result) set(o offers.PromotionOffer, outcome offers.ClaimOutcome, err error) {
	for i := range r.Offers {
		if r.Offers[i].Offer.Namespace == o.Namespace {
			r.Offers[i].Outcome, r.Offers[i].Err = outcome, err
			return
		}
	}
	r.Offers = append(r.Offers, OfferResult{Offer: o, Outcome: outcome, Err: err})
}

// Machine drives the store cart and checkout pages for a batch of offers.
type Machine struct {
	page   page.Page
	bridge challenge.Bridge
	cfg    *config.Config
	log    Logger
	now    func() time.Time
}

// New builds a checkout machine operating on p.
func New(cfg *config.Config, p page.Page, bridge challenge.Bridge, log Logger) *Machine {
	if log == nil {
		log = nopLogger{}
	}
	return &Machine{page: p, bridge: bridge, cfg: cfg, log: log, now: time.Now}
}

// Claim runs one cart checkout for batch. Offers already owned or not free
// keep their own outcomes; the offers that reached the cart share the batch
// outcome. The error is nil or wraps one of the package sentinels.
func (m *Machine) Claim(ctx context.Context, batch []offers.PromotionOffer) (*Result, error) {
	res := &Result{}
	pending := batch

	for {
		carted, err := m.addToCart(ctx, pending, res)
		if err != nil {
			return m.fail(res, pending, err)
		}
		if len(carted) == 0 {
			m.log.Infof("No free offers needed the cart")
			res.Outcome = offers.OutcomeClaimed
			return res, nil
		}

		err = m.checkout(ctx, res)
		if errors.Is(err, errCrash) {
			if res.Restarts >= m.cfg.Limits.CrashRestarts {
				return m.fail(res, carted, fmt.Errorf("%w: %d restarts after solver crashes", ErrCheckoutTimeout, res.Restarts))
			}
			res.Restarts++
			m.log.Warnf("Challenge solver crashed, restarting checkout (%d/%d)", res.Restarts, m.cfg.Limits.CrashRestarts)
			if rerr := m.page.Reload(ctx, page.WaitDOMContentLoaded); rerr != nil {
				m.log.Debugf("Reload failed: %v", rerr)
			}
			pending = carted
			continue
		}
		if err != nil {
			return m.fail(res, carted, err)
		}

		for _, o := range carted {
			res.set(o, offers.OutcomeClaimed, nil)
		}
		res.Outcome = offers.OutcomeClaimed
		m.log.Infof("Claimed %d offers", len(carted))
		return res, nil
	}
}

// ClaimBundle buys a single bundle from its own page. Its success address is
// the download redirect for the bundle's namespace and offer id.
func (m *Machine) ClaimBundle(ctx context.Context, o offers.PromotionOffer) (*Result, error) {
	res := &Result{}
	target := []offers.PromotionOffer{o}
	successURL := fmt.Sprintf(m.cfg.URLs.BundleSuccess, o.Namespace, o.ID)

	for {
		res.enter(AddingToCart)
		ok, err := m.openOffer(ctx, o, res)
		if err != nil {
			return m.fail(res, target, err)
		}
		if !ok {
			res.Outcome = offers.OutcomeClaimed
			return res, nil
		}

		btn, err := m.page.Find(ctx, m.cfg.Selectors.PurchaseButton, m.cfg.Timeouts.Element)
		if err != nil {
			res.set(o, offers.OutcomeUnavailable, fmt.Errorf("no purchase button: %v", err))
			res.Outcome = offers.OutcomeClaimed
			return res, nil
		}
		text, _ := btn.Text(ctx)
		if !page.Equals(text, m.cfg.Texts.Get) {
			m.log.Warnf("Bundle %s is not claimable: purchase button reads %q", o.URL, strings.TrimSpace(text))
			res.set(o, offers.OutcomeUnavailable, fmt.Errorf("purchase button reads %q", strings.TrimSpace(text)))
			res.Outcome = offers.OutcomeClaimed
			return res, nil
		}
		if err := btn.Click(ctx, m.cfg.Timeouts.Element); err != nil {
			return m.fail(res, target, fmt.Errorf("%w: purchase click: %v", ErrCheckoutTimeout, err))
		}
		_ = m.page.Sleep(ctx, m.cfg.Timeouts.PaymentSettle)

		err = m.purchase(ctx, res, successURL)
		if errors.Is(err, errCrash) {
			if res.Restarts >= m.cfg.Limits.CrashRestarts {
				return m.fail(res, target, fmt.Errorf("%w: %d restarts after solver crashes", ErrCheckoutTimeout, res.Restarts))
			}
			res.Restarts++
			continue
		}
		if err != nil {
			return m.fail(res, target, err)
		}
		res.set(o, offers.OutcomeClaimed, nil)
		res.Outcome = offers.OutcomeClaimed
		m.log.Infof("Claimed bundle %s", o.Title)
		return res, nil
	}
}

// fail records err against every offer in affected that has no terminal
// outcome yet and sets the batch outcome from the error kind.
func (m *Machine) fail(res *Result, affected []offers.PromotionOffer, err error) (*Result, error) {
	var outcome offers.ClaimOutcome
	switch {
	case errors.Is(err, ErrChallengeUnsupported):
		outcome = offers.OutcomeSkipped
	case errors.Is(err, ErrCheckoutTimeout):
		outcome = offers.OutcomeTimedOut
	case errors.Is(err, ErrSessionExpired):
		outcome = offers.OutcomePending
	default:
		outcome = offers.OutcomeFailed
	}
	for _, o := range affected {
		if cur, ok := res.OutcomeOf(o.Namespace); ok && cur.IsTerminal() {
			continue
		}
		res.set(o, outcome, err)
	}
	res.Outcome = outcome
	return res, err
}

// addToCart visits every offer page and returns the offers that are in the
// cart afterwards.
func (m *Machine) addToCart(ctx context.Context, batch []offers.PromotionOffer, res *Result) ([]offers.PromotionOffer, error) {
	res.enter(AddingToCart)
	var carted []offers.PromotionOffer

	for _, o := range batch {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCheckoutTimeout, err)
		}
		ok, err := m.openOffer(ctx, o, res)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		purchase := page.TextOf(ctx, m.page, m.cfg.Selectors.PurchaseButton, m.cfg.Timeouts.Element)
		if page.Contains(purchase, m.cfg.Texts.BuyNow) || !page.Contains(purchase, m.cfg.Texts.Get) {
			m.log.Warnf("Not available for purchase - %s (%q)", o.URL, purchase)
			res.set(o, offers.OutcomeUnavailable, fmt.Errorf("purchase button reads %q", purchase))
			continue
		}

		if err := m.putInCart(ctx); err != nil {
			m.log.Warnf("Failed to add %s to cart: %v", o.URL, err)
			res.set(o, offers.OutcomeFailed, err)
			continue
		}
		m.log.Debugf("In cart - %s", o.URL)
		carted = append(carted, o)
	}
	return carted, nil
}

// openOffer loads the offer page and passes its gates. It reports false when
// the offer already has a terminal outcome.
func (m *Machine) openOffer(ctx context.Context, o offers.PromotionOffer, res *Result) (bool, error) {
	sel, texts, to := m.cfg.Selectors, m.cfg.Texts, m.cfg.Timeouts

	if err := m.page.Navigate(ctx, o.URL, page.WaitLoad); err != nil {
		return false, fmt.Errorf("%w: loading %s: %v", ErrCheckoutTimeout, o.URL, err)
	}
	if m.sessionExpired(ctx) {
		return false, ErrSessionExpired
	}

	page.ClickIfPresent(ctx, m.page, sel.Interstitial, to.Interstitial)
	if page.Contains(page.TextOf(ctx, m.page, sel.Heading, 0), texts.MatureWarning) {
		m.log.Debugf("Confirming mature content gate - %s", o.URL)
		page.ClickIfPresent(ctx, m.page, sel.MatureConfirm, to.Element)
	}

	aside := page.JoinedText(ctx, m.page, sel.AsideButtons)
	switch {
	case page.Contains(aside, texts.InLibrary):
		m.log.Infof("Already in the library - %s", o.URL)
		res.set(o, offers.OutcomeAlreadyOwned, nil)
		return false, nil
	case page.Contains(aside, texts.RegionUnavailable):
		m.log.Warnf("Not available in this region - %s", o.URL)
		res.set(o, offers.OutcomeUnavailable, errors.New("not available in this region"))
		return false, nil
	}
	return true, nil
}

// putInCart clicks add-to-cart unless the button already says the item is
// in the cart, then waits for it to say so.
func (m *Machine) putInCart(ctx context.Context) error {
	sel, texts, to := m.cfg.Selectors, m.cfg.Texts, m.cfg.Timeouts

	btn, err := m.page.Find(ctx, sel.AddToCartButton, to.Element)
	if err != nil {
		return err
	}
	text, err := btn.Text(ctx)
	if err != nil {
		return err
	}
	switch {
	case page.Equals(text, texts.InCart):
		return nil
	case page.Equals(text, texts.AddToCart):
	default:
		return fmt.Errorf("unexpected cart button text %q", strings.TrimSpace(text))
	}

	if err := btn.Click(ctx, to.Element); err != nil {
		return err
	}
	for i := 0; i < pollCount(to.Element, to.Poll); i++ {
		if t, err := btn.Text(ctx); err == nil && page.Equals(t, texts.InCart) {
			return nil
		}
		if err := m.page.Sleep(ctx, to.Poll); err != nil {
			return err
		}
	}
	return errors.New("cart button never switched to the in-cart state")
}

func pollCount(total, step time.Duration) int {
	if step <= 0 || total <= step {
		return 1
	}
	return int(total / step)
}

func (m *Machine) checkout(ctx context.Context, res *Result) error {
	sel, to := m.cfg.Selectors, m.cfg.Timeouts

	if err := m.page.Navigate(ctx, m.cfg.URLs.Cart, page.WaitDOMContentLoaded); err != nil {
		return fmt.Errorf("%w: loading cart: %v", ErrCheckoutTimeout, err)
	}
	if m.sessionExpired(ctx) {
		return ErrSessionExpired
	}

	res.enter(CartReady)
	n, clean := m.sanitizeCart(ctx)
	res.SanitizeIterations += n
	if !clean {
		m.log.Warnf("Cart still holds paid items after %d passes, checking out anyway", n)
		res.warn("cart sanitation stopped after %d iterations", n)
	}

	res.enter(Checkout)
	btn, err := m.page.Find(ctx, sel.CheckOut, to.Element)
	if err == nil {
		err = btn.Click(ctx, to.Element)
	}
	if err != nil {
		return fmt.Errorf("%w: check out: %v", ErrCheckoutTimeout, err)
	}
	return m.purchase(ctx, res, m.cfg.URLs.CartSuccess)
}

// sanitizeCart moves every card without a free price tag to the wishlist and
// re-checks until no paid card is left or the bound is passed. It returns the
// number of passes and whether the cart ended up clean.
func (m *Machine) sanitizeCart(ctx context.Context) (int, bool) {
	sel, to := m.cfg.Selectors, m.cfg.Timeouts
	bound := m.cfg.Limits.CartIterations

	for pass := 1; ; pass++ {
		cards, err := m.page.FindAll(ctx, sel.CartCard)
		if err != nil {
			m.log.Warnf("Failed to read cart: %v", err)
			return pass, false
		}
		moved := 0
		for _, card := range cards {
			if page.Exists(ctx, card, sel.CartCardFree, 0) {
				continue
			}
			moved++
			if !page.ClickIfPresent(ctx, card, sel.CartCardRemove, to.Element) {
				m.log.Debugf("Paid cart item has no wishlist button")
			}
		}
		if moved == 0 {
			return pass, true
		}
		m.log.Debugf("Moved %d paid items to the wishlist (pass %d)", moved, pass)
		if pass > bound {
			return pass, false
		}
		if err := m.page.Sleep(ctx, to.CartPoll); err != nil {
			return pass, false
		}
	}
}

// purchase runs everything after the checkout click: license, payment frame,
// region confirmation, the challenge window and the success redirect.
func (m *Machine) purchase(ctx context.Context, res *Result, successURL string) error {
	sel, to := m.cfg.Selectors, m.cfg.Timeouts

	res.enter(LicenseGate)
	m.agreeLicense(ctx)

	res.enter(PaymentFrame)
	frame, err := m.page.Frame(ctx, sel.PurchaseFrame, to.Element)
	if err != nil {
		if m.sessionExpired(ctx) {
			return ErrSessionExpired
		}
		return fmt.Errorf("%w: payment frame: %v", ErrCheckoutTimeout, err)
	}
	pay, err := frame.Find(ctx, sel.PaymentConfirm, to.Element)
	if err != nil {
		return fmt.Errorf("%w: payment button: %v", ErrCheckoutTimeout, err)
	}
	_ = m.page.Sleep(ctx, to.PaymentSettle)
	if err := pay.Click(ctx, to.PaymentClick); err != nil {
		return fmt.Errorf("%w: payment click: %v", ErrCheckoutTimeout, err)
	}

	res.enter(RegionConfirm)
	regional := m.confirmRegion(ctx, frame)

	res.enter(ChallengeWindow)
	lastBackcall := false
	for attempt := 1; attempt <= m.cfg.Limits.ChallengeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCheckoutTimeout, err)
		}
		if strings.HasPrefix(m.page.URL(), successURL) {
			return nil
		}

		res.ChallengeAttempts++
		outcome := m.bridge.Resolve(ctx, challenge.Purchase)
		m.log.Debugf("Purchase challenge attempt %d: %s", attempt, outcome)

		switch outcome {
		case challenge.Success:
			res.enter(AwaitingSuccessURL)
			if err := m.page.WaitForURL(ctx, successURL, to.SuccessURL); err != nil {
				return fmt.Errorf("%w: %v", ErrCheckoutTimeout, err)
			}
			return nil
		case challenge.Retry, challenge.Backcall:
			lastBackcall = outcome == challenge.Backcall
			page.ClickIfPresent(ctx, frame, sel.ChallengeClose, to.Poll)
			_ = m.page.Sleep(ctx, to.ChallengeBackoff)
			if regional {
				m.confirmRegion(ctx, frame)
			}
			if err := pay.Click(ctx, to.PaymentClick); err != nil {
				m.log.Debugf("Payment re-click failed: %v", err)
			}
			_ = m.page.Sleep(ctx, to.ChallengeBackoff)
		case challenge.Crash:
			return errCrash
		}
	}

	if lastBackcall {
		m.screenshot(ctx, "purchase")
		return fmt.Errorf("%w: gave up after %d attempts", ErrChallengeUnsupported, m.cfg.Limits.ChallengeAttempts)
	}
	return fmt.Errorf("%w: challenge unresolved after %d attempts", ErrCheckoutTimeout, m.cfg.Limits.ChallengeAttempts)
}

func (m *Machine) agreeLicense(ctx context.Context) {
	sel, to := m.cfg.Selectors, m.cfg.Timeouts
	if !page.ClickIfPresent(ctx, m.page, sel.LicenseAgree, to.License) {
		return
	}
	m.log.Debugf("Agreeing to license")
	accept, err := m.page.Find(ctx, sel.LicenseAccept, to.License)
	if err != nil {
		return
	}
	if ok, err := accept.Enabled(ctx); err == nil && ok {
		_ = accept.Click(ctx, to.License)
	}
}

// confirmRegion clicks the secondary confirmation some regions show inside
// the payment frame and reports whether it was there.
func (m *Machine) confirmRegion(ctx context.Context, frame page.Scope) bool {
	sel, to := m.cfg.Selectors, m.cfg.Timeouts
	btn, err := frame.Find(ctx, sel.RegionConfirm, to.RegionConfirm)
	if err != nil {
		return false
	}
	if ok, err := btn.Enabled(ctx); err != nil || !ok {
		return false
	}
	return btn.Click(ctx, to.RegionConfirm) == nil
}

func (m *Machine) sessionExpired(ctx context.Context) bool {
	login := m.cfg.URLs.Login
	if i := strings.IndexByte(login, '?'); i >= 0 {
		login = login[:i]
	}
	if login != "" && strings.HasPrefix(m.page.URL(), login) {
		return true
	}
	sel := m.cfg.Selectors
	el, err := m.page.Find(ctx, sel.LoginIndicator, 0)
	if err != nil {
		return false
	}
	v, ok, err := el.Attribute(ctx, sel.LoginAttribute)
	return err == nil && ok && strings.EqualFold(strings.TrimSpace(v), "false")
}

func (m *Machine) screenshot(ctx context.Context, flow string) {
	if m.cfg.DataDir == "" {
		return
	}
	path := filepath.Join(m.cfg.ScreenshotsDir(), "checkout", fmt.Sprintf("%s-%d.png", flow, m.now().Unix()))
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.page.Screenshot(sctx, path); err != nil {
		m.log.Debugf("Screenshot failed: %v", err)
		return
	}
	m.log.Infof("Saved screenshot to %s", path)
}
