package checkout

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/egsclaim/egsclaim/pkg/challenge"
	"github.com/egsclaim/egsclaim/pkg/config"
	"github.com/egsclaim/egsclaim/pkg/offers"
	"github.com/egsclaim/egsclaim/pkg/page"
	"github.com/egsclaim/egsclaim/pkg/page/pagetest"
)

type product struct {
	owned    bool
	paid     bool
	inCart   bool
	mature   bool
	region   bool
	addClick int
}

// store scripts product pages, the cart and the payment frame.
type store struct {
	t   *testing.T
	cfg *config.Config
	sel page.Selectors
	p   *pagetest.Page

	products map[string]*product
	// paid cards in the cart; sticky ones ignore the wishlist button.
	paidCards   int
	stickyPaid  bool
	loggedOut   bool
	region      bool
	checkouts   int
	purchased   []string
	payClicks   int
	regionClick int
	matureClick int
}

func newStore(t *testing.T) *store {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	s := &store{t: t, cfg: cfg, sel: cfg.Selectors, p: pagetest.New(), products: map[string]*product{}}

	s.p.Route(cfg.URLs.Product, s.productPage)
	s.p.Route(cfg.URLs.Bundle, s.bundlePage)
	s.p.Route(cfg.URLs.Cart, s.cartPage)
	return s
}

func (s *store) offer(slug string, p *product) offers.PromotionOffer {
	s.products[slug] = p
	ns := fmt.Sprintf("%032s", slug)
	return offers.PromotionOffer{ID: "id-" + slug, Namespace: ns, Title: slug, URL: s.cfg.URLs.Product + slug}
}

func (s *store) bundle(slug string, p *product) offers.PromotionOffer {
	s.products[slug] = p
	ns := fmt.Sprintf("%032s", slug)
	return offers.PromotionOffer{ID: "id-" + slug, Namespace: ns, Title: slug, URL: s.cfg.URLs.Bundle + slug, IsBundle: true}
}

func (s *store) session(p *pagetest.Page) {
	v := "true"
	if s.loggedOut {
		v = "false"
	}
	p.Set(s.sel.LoginIndicator, pagetest.El("").WithAttr(s.sel.LoginAttribute, v))
}

func (s *store) current(prefix string) *product {
	slug := strings.TrimPrefix(s.p.URL(), prefix)
	pr, ok := s.products[slug]
	if !ok {
		s.t.Fatalf("unknown product %q", slug)
	}
	return pr
}

func (s *store) gates(p *pagetest.Page, pr *product) bool {
	s.session(p)
	if pr.mature {
		p.Set(s.sel.Heading, pagetest.El("Mature Content Warning"))
		p.Set(s.sel.MatureConfirm, pagetest.Button("Continue", func() { s.matureClick++ }))
	}
	if pr.owned {
		p.Set(s.sel.AsideButtons, pagetest.El("In Library"))
		return false
	}
	if pr.region {
		p.Set(s.sel.AsideButtons, pagetest.El("This product is not available in your region"))
		return false
	}
	return true
}

func (s *store) productPage(p *pagetest.Page) {
	pr := s.current(s.cfg.URLs.Product)
	if !s.gates(p, pr) {
		return
	}
	buy := pagetest.El("Get")
	if pr.paid {
		buy.SetText("Buy Now")
	}
	cart := pagetest.El("Add To Cart")
	if pr.inCart {
		cart.SetText("View In Cart")
	}
	cart.OnClick = func() {
		pr.addClick++
		pr.inCart = true
		cart.SetText("View In Cart")
	}
	p.Set(s.sel.PurchaseButton, buy)
	p.Set(s.sel.AddToCartButton, cart)
	p.Set(s.sel.AsideButtons, buy, cart)
}

func (s *store) bundlePage(p *pagetest.Page) {
	slug := strings.TrimPrefix(s.p.URL(), s.cfg.URLs.Bundle)
	pr := s.current(s.cfg.URLs.Bundle)
	if !s.gates(p, pr) {
		return
	}
	text := "Get"
	if pr.paid {
		text = "Buy Now"
	}
	buy := pagetest.Button(text, func() {
		s.purchased = append(s.purchased, slug)
		s.openPayment(p)
	})
	p.Set(s.sel.PurchaseButton, buy)
	p.Set(s.sel.AsideButtons, buy)
}

func (s *store) cartPage(p *pagetest.Page) {
	s.session(p)
	var cards []*pagetest.Element
	for slug, pr := range s.products {
		if pr.inCart {
			card := pagetest.El(slug)
			card.Children().Set(s.sel.CartCardFree, pagetest.El("Free"))
			cards = append(cards, card)
		}
	}
	for i := 0; i < s.paidCards; i++ {
		card := pagetest.El("paid")
		card.Children().Set(s.sel.CartCardRemove, pagetest.Button("Move to wishlist", func() {
			if s.stickyPaid {
				return
			}
			s.paidCards--
			p.RemoveElement(card)
		}))
		cards = append(cards, card)
	}
	if len(cards) > 0 {
		p.Set(s.sel.CartCard, cards...)
	}
	p.Set(s.sel.CheckOut, pagetest.Button("Check Out", func() {
		s.checkouts++
		s.openPayment(p)
	}))
}

func (s *store) openPayment(p *pagetest.Page) {
	frame := pagetest.NewDoc()
	frame.Set(s.sel.PaymentConfirm, pagetest.Button("Place Order", func() { s.payClicks++ }))
	if s.region {
		frame.Set(s.sel.RegionConfirm, pagetest.Button("I Agree", func() { s.regionClick++ }))
	}
	p.Set(s.sel.PurchaseFrame, pagetest.Frame(frame))
}

// bridge replays outcomes in order, repeating the last one. Success moves
// the page to successURL when it is set.
func (s *store) bridge(successURL string, outcomes ...challenge.Outcome) (challenge.Bridge, *int) {
	calls := 0
	return challenge.BridgeFunc(func(_ context.Context, c challenge.Context) challenge.Outcome {
		require.Equal(s.t, challenge.Purchase, c)
		o := outcomes[len(outcomes)-1]
		if calls < len(outcomes) {
			o = outcomes[calls]
		}
		calls++
		if o == challenge.Success && successURL != "" {
			s.p.SetURL(successURL)
		}
		return o
	}), &calls
}

func outcomes(res *Result) map[string]offers.ClaimOutcome {
	out := map[string]offers.ClaimOutcome{}
	for _, o := range res.Offers {
		out[o.Offer.Title] = o.Outcome
	}
	return out
}

func TestClaimBatch(t *testing.T) {
	s := newStore(t)
	s.paidCards = 2
	batch := []offers.PromotionOffer{
		s.offer("alpha", &product{}),
		s.offer("beta", &product{inCart: true}),
	}
	bridge, calls := s.bridge(s.cfg.URLs.CartSuccess, challenge.Success)

	res, err := New(s.cfg, s.p, bridge, nil).Claim(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, offers.OutcomeClaimed, res.Outcome)
	require.Equal(t, map[string]offers.ClaimOutcome{"alpha": offers.OutcomeClaimed, "beta": offers.OutcomeClaimed}, outcomes(res))
	require.Equal(t, 1, s.products["alpha"].addClick)
	require.Equal(t, 0, s.products["beta"].addClick, "items already in the cart are not clicked again")
	require.Equal(t, 0, s.paidCards)
	require.Equal(t, 2, res.SanitizeIterations)
	require.Equal(t, 1, s.checkouts)
	require.Equal(t, 1, s.payClicks)
	require.Equal(t, 1, *calls)
	require.Empty(t, res.Warnings)
	require.Equal(t, []State{AddingToCart, CartReady, Checkout, LicenseGate, PaymentFrame, RegionConfirm, ChallengeWindow, AwaitingSuccessURL}, res.Transitions)
}

func TestAlreadyOwnedNeverClicked(t *testing.T) {
	s := newStore(t)
	batch := []offers.PromotionOffer{s.offer("owned", &product{owned: true})}
	bridge, calls := s.bridge("", challenge.Crash)

	res, err := New(s.cfg, s.p, bridge, nil).Claim(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, offers.OutcomeClaimed, res.Outcome)
	require.Equal(t, offers.OutcomeAlreadyOwned, outcomes(res)["owned"])
	require.Equal(t, 0, s.products["owned"].addClick)
	require.False(t, s.p.Visited(s.cfg.URLs.Cart))
	require.Zero(t, *calls)
}

func TestNotFreeOrRegionLocked(t *testing.T) {
	s := newStore(t)
	batch := []offers.PromotionOffer{
		s.offer("paid", &product{paid: true}),
		s.offer("locked", &product{region: true}),
	}
	bridge, _ := s.bridge("", challenge.Crash)

	res, err := New(s.cfg, s.p, bridge, nil).Claim(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, map[string]offers.ClaimOutcome{"paid": offers.OutcomeUnavailable, "locked": offers.OutcomeUnavailable}, outcomes(res))
	require.Equal(t, 0, s.products["paid"].addClick)
	require.False(t, s.p.Visited(s.cfg.URLs.Cart))
}

func TestMatureGate(t *testing.T) {
	s := newStore(t)
	batch := []offers.PromotionOffer{s.offer("gore", &product{mature: true})}
	bridge, _ := s.bridge(s.cfg.URLs.CartSuccess, challenge.Success)

	res, err := New(s.cfg, s.p, bridge, nil).Claim(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, offers.OutcomeClaimed, outcomes(res)["gore"])
	require.Equal(t, 1, s.matureClick)
}

func TestSanitationBound(t *testing.T) {
	for _, bound := range []int{1, 3, 10} {
		t.Run(fmt.Sprintf("bound=%d", bound), func(t *testing.T) {
			s := newStore(t)
			s.cfg.Limits.CartIterations = bound
			s.paidCards = 4
			s.stickyPaid = true
			batch := []offers.PromotionOffer{s.offer("alpha", &product{})}
			bridge, _ := s.bridge(s.cfg.URLs.CartSuccess, challenge.Success)

			res, err := New(s.cfg, s.p, bridge, nil).Claim(context.Background(), batch)
			require.NoError(t, err, "an unclean cart only warns")
			require.Equal(t, bound+1, res.SanitizeIterations)
			require.LessOrEqual(t, res.SanitizeIterations, bound+1)
			require.Len(t, res.Warnings, 1)
			require.Equal(t, offers.OutcomeClaimed, res.Outcome)
			require.Equal(t, time.Duration(bound)*s.cfg.Timeouts.CartPoll, s.p.Slept()-s.cfg.Timeouts.PaymentSettle)
		})
	}
}

func TestSuccessURLNeverReached(t *testing.T) {
	s := newStore(t)
	batch := []offers.PromotionOffer{s.offer("alpha", &product{}), s.offer("beta", &product{})}
	bridge, _ := s.bridge("", challenge.Success)

	res, err := New(s.cfg, s.p, bridge, nil).Claim(context.Background(), batch)
	require.ErrorIs(t, err, ErrCheckoutTimeout)
	require.Equal(t, offers.OutcomeTimedOut, res.Outcome)
	require.Equal(t, map[string]offers.ClaimOutcome{"alpha": offers.OutcomeTimedOut, "beta": offers.OutcomeTimedOut}, outcomes(res))
}

func TestChallengeUnsupported(t *testing.T) {
	s := newStore(t)
	batch := []offers.PromotionOffer{s.offer("alpha", &product{})}
	bridge, calls := s.bridge("", challenge.Backcall)

	res, err := New(s.cfg, s.p, bridge, nil).Claim(context.Background(), batch)
	require.ErrorIs(t, err, ErrChallengeUnsupported)
	require.Equal(t, offers.OutcomeSkipped, outcomes(res)["alpha"])
	require.Equal(t, s.cfg.Limits.ChallengeAttempts, *calls)
	require.Equal(t, s.cfg.Limits.ChallengeAttempts, res.ChallengeAttempts)
	require.Equal(t, 1+s.cfg.Limits.ChallengeAttempts, s.payClicks)
	require.Len(t, s.p.Screenshots(), 1)
}

func TestChallengeRetriesExhausted(t *testing.T) {
	s := newStore(t)
	batch := []offers.PromotionOffer{s.offer("alpha", &product{})}
	bridge, _ := s.bridge("", challenge.Retry)

	res, err := New(s.cfg, s.p, bridge, nil).Claim(context.Background(), batch)
	require.ErrorIs(t, err, ErrCheckoutTimeout)
	require.Equal(t, offers.OutcomeTimedOut, res.Outcome)
	require.Empty(t, s.p.Screenshots())
}

func TestRegionConfirmRepeatedAfterRetry(t *testing.T) {
	s := newStore(t)
	s.region = true
	batch := []offers.PromotionOffer{s.offer("alpha", &product{})}
	bridge, _ := s.bridge(s.cfg.URLs.CartSuccess, challenge.Backcall, challenge.Success)

	res, err := New(s.cfg, s.p, bridge, nil).Claim(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, offers.OutcomeClaimed, res.Outcome)
	require.Equal(t, 2, s.regionClick)
	require.Equal(t, 2, s.payClicks)
}

func TestCrashRestartsFromCart(t *testing.T) {
	s := newStore(t)
	batch := []offers.PromotionOffer{s.offer("alpha", &product{})}
	bridge, _ := s.bridge(s.cfg.URLs.CartSuccess, challenge.Crash, challenge.Success)

	res, err := New(s.cfg, s.p, bridge, nil).Claim(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, 1, res.Restarts)
	require.Equal(t, 1, s.p.Reloads())
	require.Equal(t, 2, s.checkouts)
	require.Equal(t, 1, s.products["alpha"].addClick, "restart finds the item already in the cart")
	require.Equal(t, offers.OutcomeClaimed, outcomes(res)["alpha"])
}

func TestCrashRestartsBounded(t *testing.T) {
	s := newStore(t)
	batch := []offers.PromotionOffer{s.offer("alpha", &product{})}
	bridge, calls := s.bridge("", challenge.Crash)

	res, err := New(s.cfg, s.p, bridge, nil).Claim(context.Background(), batch)
	require.ErrorIs(t, err, ErrCheckoutTimeout)
	require.Equal(t, s.cfg.Limits.CrashRestarts, res.Restarts)
	require.Equal(t, s.cfg.Limits.CrashRestarts+1, *calls)
}

func TestSessionExpired(t *testing.T) {
	s := newStore(t)
	s.loggedOut = true
	batch := []offers.PromotionOffer{s.offer("alpha", &product{})}
	bridge, _ := s.bridge("", challenge.Success)

	res, err := New(s.cfg, s.p, bridge, nil).Claim(context.Background(), batch)
	require.ErrorIs(t, err, ErrSessionExpired)
	require.Equal(t, offers.OutcomePending, outcomes(res)["alpha"])
}

func TestClaimBundle(t *testing.T) {
	s := newStore(t)
	o := s.bundle("pack", &product{})
	success := fmt.Sprintf(s.cfg.URLs.BundleSuccess, o.Namespace, o.ID)
	bridge, _ := s.bridge(success, challenge.Success)

	res, err := New(s.cfg, s.p, bridge, nil).ClaimBundle(context.Background(), o)
	require.NoError(t, err)
	require.Equal(t, offers.OutcomeClaimed, outcomes(res)["pack"])
	require.Equal(t, []string{"pack"}, s.purchased)
	require.False(t, s.p.Visited(s.cfg.URLs.Cart), "bundles skip the shared cart")
}

func TestClaimBundleNotClaimable(t *testing.T) {
	for name, pr := range map[string]*product{
		"owned": {owned: true},
		"paid":  {paid: true},
	} {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			o := s.bundle("pack", pr)
			bridge, calls := s.bridge("", challenge.Crash)

			res, err := New(s.cfg, s.p, bridge, nil).ClaimBundle(context.Background(), o)
			require.NoError(t, err)
			require.True(t, outcomes(res)["pack"].IsTerminal())
			require.Empty(t, s.purchased)
			require.Zero(t, *calls)
		})
	}
}

func TestBudgetExpired(t *testing.T) {
	s := newStore(t)
	batch := []offers.PromotionOffer{s.offer("alpha", &product{})}
	bridge, _ := s.bridge("", challenge.Success)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := New(s.cfg, s.p, bridge, nil).Claim(ctx, batch)
	require.ErrorIs(t, err, ErrCheckoutTimeout)
	require.Equal(t, offers.OutcomeTimedOut, res.Outcome)
}
