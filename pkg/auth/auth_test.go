package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/egsclaim/egsclaim/pkg/challenge"
	"github.com/egsclaim/egsclaim/pkg/config"
	"github.com/egsclaim/egsclaim/pkg/page"
	"github.com/egsclaim/egsclaim/pkg/page/pagetest"
)

const (
	analyticsURL = "https://www.epicgames.com/id/api/analytics"
	loginAPIURL  = "https://www.epicgames.com/id/api/login"
	csrfURL      = "https://www.epicgames.com/account/v2/refresh-csrf"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Account.Email = "me@example.com"
	cfg.Account.Password = "hunter2"
	cfg.Timeouts.Poll = time.Millisecond
	cfg.Timeouts.LoginWait = 20 * time.Millisecond
	cfg.Timeouts.VerificationWait = 20 * time.Millisecond
	cfg.Timeouts.VerificationPrompt = 0
	cfg.Timeouts.Element = 0
	return cfg
}

// storefront scripts the claim page session probe, the login form and the
// account page. signIn runs on every click of the sign-in button.
type storefront struct {
	p        *pagetest.Page
	sel      page.Selectors
	loggedIn bool
	signIn   func()
	email    *pagetest.Element
	password *pagetest.Element
}

func newStorefront(cfg *config.Config) *storefront {
	s := &storefront{p: pagetest.New(), sel: cfg.Selectors}
	s.p.Route(cfg.URLs.Claim, func(p *pagetest.Page) {
		v := "false"
		if s.loggedIn {
			v = "true"
		}
		p.Set(s.sel.LoginIndicator, pagetest.El("").WithAttr(s.sel.LoginAttribute, v))
	})
	s.p.Route(cfg.URLs.Login, func(p *pagetest.Page) {
		s.email = pagetest.El("")
		s.password = pagetest.El("")
		p.Set(s.sel.Email, s.email)
		p.Set(s.sel.Password, s.password)
		p.Set(s.sel.SignIn, pagetest.Button("Sign in", func() {
			if s.signIn != nil {
				s.signIn()
			}
		}))
	})
	s.p.Route(cfg.URLs.Account, func(p *pagetest.Page) {
		p.Set(s.sel.Verification[0], pagetest.Button("Continue", func() {
			p.EmitJSON(csrfURL, `{"success":true}`)
		}))
	})
	return s
}

func (s *storefront) succeed() {
	s.loggedIn = true
	s.p.EmitJSON(analyticsURL, `{"accountId":"abc123"}`)
}

func (s *storefront) showChallenge() {
	s.p.Set(s.sel.ChallengeFrame, pagetest.Frame(pagetest.NewDoc()))
}

func scripted(outcomes ...challenge.Outcome) (challenge.Bridge, *int) {
	calls := 0
	return challenge.BridgeFunc(func(ctx context.Context, c challenge.Context) challenge.Outcome {
		if c != challenge.Login {
			return challenge.Crash
		}
		o := outcomes[calls%len(outcomes)]
		calls++
		return o
	}), &calls
}

func TestAlreadyValid(t *testing.T) {
	cfg := testConfig(t)
	s := newStorefront(cfg)
	s.loggedIn = true

	m, err := New(cfg, s.p, challenge.BridgeFunc(func(context.Context, challenge.Context) challenge.Outcome {
		t.Fatal("bridge must not be called")
		return challenge.Crash
	}), nil)
	require.NoError(t, err)

	res, err := m.Authenticate(context.Background())
	require.NoError(t, err)
	require.True(t, res.AlreadyValid)
	require.Equal(t, 0, res.Attempts)
	require.Equal(t, []State{CheckingSession, AlreadyValid, Authenticated}, res.Transitions)
	require.False(t, s.p.Visited(cfg.URLs.Login))
	require.False(t, s.p.Visited(cfg.URLs.Account), "verification only runs after a fresh login")
	require.Zero(t, s.p.Listeners())
}

func TestPlainLogin(t *testing.T) {
	cfg := testConfig(t)
	s := newStorefront(cfg)
	s.signIn = s.succeed

	m, err := New(cfg, s.p, nil, nil)
	require.NoError(t, err)

	res, err := m.Authenticate(context.Background())
	require.NoError(t, err)
	require.Equal(t, Authenticated, res.State)
	require.False(t, res.AlreadyValid)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, cfg.Account.Email, s.email.Value)
	require.Equal(t, cfg.Account.Password, s.password.Value)
	require.True(t, s.p.Visited(cfg.URLs.Account))
}

func TestChallengeBackcallTwiceThenSuccess(t *testing.T) {
	cfg := testConfig(t)
	s := newStorefront(cfg)
	s.signIn = s.showChallenge

	calls := 0
	bridge := challenge.BridgeFunc(func(context.Context, challenge.Context) challenge.Outcome {
		calls++
		if calls < 3 {
			return challenge.Backcall
		}
		s.p.Remove(s.sel.ChallengeFrame)
		s.succeed()
		return challenge.Success
	})

	m, err := New(cfg, s.p, bridge, nil)
	require.NoError(t, err)

	res, err := m.Authenticate(context.Background())
	require.NoError(t, err)
	require.Equal(t, Authenticated, res.State)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, []challenge.Outcome{challenge.Backcall, challenge.Backcall, challenge.Success}, res.Challenges)
	require.Contains(t, res.Transitions, ChallengeInterrupt)
	require.Contains(t, res.Transitions, Resolving)
}

func TestChallengeCrashFails(t *testing.T) {
	cfg := testConfig(t)
	s := newStorefront(cfg)
	s.signIn = s.showChallenge
	bridge, calls := scripted(challenge.Crash)

	m, err := New(cfg, s.p, bridge, nil)
	require.NoError(t, err)

	res, err := m.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrAuthFailed)
	require.Equal(t, Failed, res.State)
	require.Equal(t, 1, *calls)
	require.Len(t, s.p.Screenshots(), 1)
	require.Contains(t, s.p.Screenshots()[0], "authorization")
	require.Zero(t, s.p.Listeners())
}

func TestChallengeRetriesBounded(t *testing.T) {
	cfg := testConfig(t)
	s := newStorefront(cfg)
	s.signIn = s.showChallenge
	bridge, calls := scripted(challenge.Retry)

	m, err := New(cfg, s.p, bridge, nil)
	require.NoError(t, err)

	res, err := m.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrAuthFailed)
	require.Equal(t, cfg.Limits.AuthAttempts, res.Attempts)
	require.Equal(t, cfg.Limits.AuthAttempts, *calls)
}

func TestAttemptsExhausted(t *testing.T) {
	cfg := testConfig(t)
	s := newStorefront(cfg)
	submissions := 0
	s.signIn = func() { submissions++ }

	m, err := New(cfg, s.p, nil, nil)
	require.NoError(t, err)

	res, err := m.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrAuthFailed)
	require.Equal(t, cfg.Limits.AuthAttempts, res.Attempts)
	require.Equal(t, cfg.Limits.AuthAttempts, submissions)
}

func TestLateSessionCountsAsSuccess(t *testing.T) {
	cfg := testConfig(t)
	s := newStorefront(cfg)
	// The session cookie lands without any analytics response.
	s.signIn = func() { s.loggedIn = true }

	m, err := New(cfg, s.p, nil, nil)
	require.NoError(t, err)

	res, err := m.Authenticate(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Attempts)
	require.False(t, res.AlreadyValid)
}

func TestSecondFactorWithoutSecret(t *testing.T) {
	cfg := testConfig(t)
	s := newStorefront(cfg)
	s.signIn = func() {
		s.p.EmitJSON(loginAPIURL, `{"errorCode":"errors.com.epicgames.common.two_factor_authentication.required","errorMessage":"2FA"}`)
	}

	m, err := New(cfg, s.p, nil, nil)
	require.NoError(t, err)

	_, err = m.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrMultiFactorRequired)
	require.False(t, errors.Is(err, ErrAuthFailed))
}

func TestSecondFactorWithSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Account.OTPSecret = "JBSWY3DPEHPK3PXP"
	s := newStorefront(cfg)
	code := pagetest.El("")
	s.signIn = func() {
		s.p.Set(s.sel.TwoFactorInput, code)
		s.p.Set(s.sel.TwoFactorSubmit, pagetest.Button("Continue", s.succeed))
	}

	m, err := New(cfg, s.p, nil, nil)
	require.NoError(t, err)

	res, err := m.Authenticate(context.Background())
	require.NoError(t, err)
	require.Equal(t, Authenticated, res.State)
	require.Len(t, code.Value, 6)
}

func TestInvalidSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Account.OTPSecret = "not base32!"
	_, err := New(cfg, pagetest.New(), nil, nil)
	require.Error(t, err)
}

func TestListenerFilters(t *testing.T) {
	cfg := testConfig(t)
	m, err := New(cfg, pagetest.New(), nil, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		resp page.Response
	}{
		{"talon", page.Response{URL: "https://talon-service-prod.ecosec.on.epicgames.com/v1/analytics", Method: http.MethodPost, Body: []byte(`{"accountId":"x"}`)}},
		{"get", page.Response{URL: analyticsURL, Method: http.MethodGet, Body: []byte(`{"accountId":"x"}`)}},
		{"no account", page.Response{URL: analyticsURL, Method: http.MethodPost, Body: []byte(`{}`)}},
		{"not json", page.Response{URL: analyticsURL, Method: http.MethodPost, Body: []byte(`<html>`)}},
		{"csrf failed", page.Response{URL: csrfURL, Method: http.MethodPost, Body: []byte(`{"success":false}`)}},
		{"other login error", page.Response{URL: loginAPIURL, Method: http.MethodPost, Body: []byte(`{"errorCode":"errors.com.epicgames.account.invalid_account_credentials"}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m.onResponse(tt.resp)
			require.False(t, m.loginSuccess.Ready())
			require.False(t, m.csrfRefresh.Ready())
			require.False(t, m.secondFactor.Ready())
		})
	}

	m.onResponse(page.Response{URL: analyticsURL, Method: http.MethodPost, Body: []byte(`{"accountId":"x"}`)})
	m.onResponse(page.Response{URL: analyticsURL, Method: http.MethodPost, Body: []byte(`{"accountId":"y"}`)})
	id, ok := m.loginSuccess.TryTake()
	require.True(t, ok)
	require.Equal(t, "x", id, "only the first signal per cycle is kept")
}

func TestVerificationStopsAtCSRF(t *testing.T) {
	cfg := testConfig(t)
	s := newStorefront(cfg)
	s.signIn = s.succeed

	var second *pagetest.Element
	s.p.Route(cfg.URLs.Account, func(p *pagetest.Page) {
		p.Set(s.sel.Verification[0], pagetest.Button("Continue", func() {
			p.EmitJSON(csrfURL, `{"success":true}`)
		}))
		second = pagetest.El("Skip")
		second.Hidden = true
		p.Set(s.sel.Verification[1], second)
	})

	m, err := New(cfg, s.p, nil, nil)
	require.NoError(t, err)

	_, err = m.Authenticate(context.Background())
	require.NoError(t, err)
	require.Zero(t, second.Clicks())
	require.True(t, strings.HasPrefix(s.p.URL(), cfg.URLs.Account))
}
