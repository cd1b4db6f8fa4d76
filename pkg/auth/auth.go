// Package auth drives the storefront login until the browser session is
// authenticated, handing challenge interruptions to a challenge.Bridge.
package auth

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/egsclaim/egsclaim/pkg/challenge"
	"github.com/egsclaim/egsclaim/pkg/config"
	"github.com/egsclaim/egsclaim/pkg/otp"
	"github.com/egsclaim/egsclaim/pkg/page"
	"github.com/egsclaim/egsclaim/pkg/signal"
)

var (
	// ErrAuthFailed is fatal for a run: nothing is claimed without a session.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrMultiFactorRequired means the account asked for a second factor that
	// cannot be answered non-interactively.
	ErrMultiFactorRequired = errors.New("multi-factor authentication required")
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

// State names a step of the login flow.
type State string

const (
	CheckingSession       State = "checking_session"
	AlreadyValid          State = "already_valid"
	SubmittingCredentials State = "submitting_credentials"
	AwaitingOutcome       State = "awaiting_outcome"
	ChallengeInterrupt    State = "challenge_interrupt"
	Resolving             State = "resolving"
	Authenticated         State = "authenticated"
	Failed                State = "failed"
)

// Result records the path taken by one Authenticate call.
type Result struct {
	State        State
	AlreadyValid bool
	// Attempts counts credential submissions, resubmissions included.
	Attempts    int
	Challenges  []challenge.Outcome
	Transitions []State
}

func (r *Result) enter(s State) {
	r.State = s
	r.Transitions = append(r.Transitions, s)
}

// Machine signs an account into the store through a page.
type Machine struct {
	page   page.Page
	bridge challenge.Bridge
	cfg    *config.Config
	log    Logger
	otp    *otp.Generator

	loginSuccess *signal.Slot[string]
	csrfRefresh  *signal.Slot[struct{}]
	secondFactor *signal.Slot[string]

	now func() time.Time
}

// New builds a machine for p. A non-empty cfg.Account.OTPSecret enables
// answering two-factor prompts.
func New(cfg *config.Config, p page.Page, bridge challenge.Bridge, log Logger) (*Machine, error) {
	if log == nil {
		log = nopLogger{}
	}
	m := &Machine{
		page:         p,
		bridge:       bridge,
		cfg:          cfg,
		log:          log,
		loginSuccess: signal.NewSlot[string](),
		csrfRefresh:  signal.NewSlot[struct{}](),
		secondFactor: signal.NewSlot[string](),
		now:          time.Now,
	}
	if cfg.Account.OTPSecret != "" {
		g, err := otp.NewGenerator(cfg.Account.OTPSecret)
		if err != nil {
			return nil, fmt.Errorf("invalid otp secret: %w", err)
		}
		m.otp = g
	}
	return m, nil
}

type event int

const (
	evSuccess event = iota
	evChallenge
	evSecondFactor
	evTimeout
)

// Authenticate returns once the session is valid. The error is nil,
// ErrAuthFailed or ErrMultiFactorRequired (both wrapped).
func (m *Machine) Authenticate(ctx context.Context) (*Result, error) {
	res := &Result{}

	m.loginSuccess.Drain()
	m.csrfRefresh.Drain()
	m.secondFactor.Drain()
	stop := m.page.OnResponse(m.onResponse)
	defer stop()

	err := m.run(ctx, res)
	if err != nil {
		res.enter(Failed)
		m.screenshot(ctx, "login")
		return res, err
	}
	return res, nil
}

func (m *Machine) run(ctx context.Context, res *Result) error {
	limits, to, sel := m.cfg.Limits, m.cfg.Timeouts, m.cfg.Selectors

	needLoad := true
	otpUsed := false
	resolutions := 0

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}

		if needLoad {
			res.enter(CheckingSession)
			if err := m.page.Navigate(ctx, m.cfg.URLs.Claim, page.WaitDOMContentLoaded); err != nil {
				m.log.Warnf("Could not load %s: %v", m.cfg.URLs.Claim, err)
			} else if page.LoggedIn(ctx, m.page, sel, to.Element) {
				if res.Attempts == 0 {
					m.log.Infof("Session already valid")
					res.AlreadyValid = true
					res.enter(AlreadyValid)
				}
				res.enter(Authenticated)
				return nil
			}

			if res.Attempts >= limits.AuthAttempts {
				return fmt.Errorf("%w: no session after %d attempts", ErrAuthFailed, res.Attempts)
			}
			res.enter(SubmittingCredentials)
			if err := m.submitCredentials(ctx); err != nil {
				m.log.Warnf("Credential submission failed: %v", err)
				res.Attempts++
				continue
			}
			res.Attempts++
			needLoad = false
		}

		res.enter(AwaitingOutcome)
		ev, code := m.await(ctx)
		switch ev {
		case evSuccess:
			m.log.Infof("Login succeeded")
			m.verify(ctx)
			res.enter(Authenticated)
			return nil

		case evSecondFactor:
			if m.otp == nil || otpUsed {
				return fmt.Errorf("%w: %s", ErrMultiFactorRequired, code)
			}
			otpUsed = true
			if err := m.submitSecondFactor(ctx); err != nil {
				return fmt.Errorf("%w: %v", ErrMultiFactorRequired, err)
			}

		case evChallenge:
			resolutions++
			if resolutions > limits.ChallengeAttempts {
				return fmt.Errorf("%w: challenge not resolved after %d tries", ErrAuthFailed, limits.ChallengeAttempts)
			}
			res.enter(ChallengeInterrupt)
			res.enter(Resolving)
			outcome := m.bridge.Resolve(ctx, challenge.Login)
			res.Challenges = append(res.Challenges, outcome)
			m.log.Debugf("Login challenge outcome: %s", outcome)

			switch outcome {
			case challenge.Success:
			case challenge.Retry, challenge.Backcall:
				if res.Attempts >= limits.AuthAttempts {
					return fmt.Errorf("%w: challenge still pending after %d attempts", ErrAuthFailed, res.Attempts)
				}
				if outcome == challenge.Backcall {
					page.ClickIfPresent(ctx, m.page, sel.ChallengeClose, to.Poll)
				}
				res.Attempts++
				if err := m.click(ctx, sel.SignIn); err != nil {
					m.log.Warnf("Could not resubmit login: %v", err)
					needLoad = true
				}
			case challenge.Crash:
				return fmt.Errorf("%w: challenge solver crashed", ErrAuthFailed)
			}

		case evTimeout:
			if page.LoggedIn(ctx, m.page, sel, 0) {
				res.enter(Authenticated)
				return nil
			}
			m.log.Warnf("No login outcome within %s", to.LoginWait)
			needLoad = true
		}
	}
}

func (m *Machine) submitCredentials(ctx context.Context) error {
	sel, to := m.cfg.Selectors, m.cfg.Timeouts
	if err := m.page.Navigate(ctx, m.cfg.URLs.Login, page.WaitNetworkIdle); err != nil {
		return err
	}
	if err := m.fill(ctx, sel.Email, m.cfg.Account.Email); err != nil {
		return err
	}
	// Newer login forms ask for the password on a second step.
	if !page.Exists(ctx, m.page, sel.Password, 0) {
		if err := m.click(ctx, sel.EmailContinue); err != nil {
			return err
		}
	}
	if err := m.fill(ctx, sel.Password, m.cfg.Account.Password); err != nil {
		return err
	}
	m.log.Debugf("Submitting credentials (element timeout %s)", to.Element)
	return m.click(ctx, sel.SignIn)
}

func (m *Machine) submitSecondFactor(ctx context.Context) error {
	sel := m.cfg.Selectors
	code := m.otp.Code(5 * time.Second)
	if err := m.fill(ctx, sel.TwoFactorInput, code); err != nil {
		return err
	}
	m.log.Infof("Answered two-factor prompt with TOTP code")
	return m.click(ctx, sel.TwoFactorSubmit)
}

// await races the login-success signal against a visible challenge or a
// second-factor prompt, bounded by the login wait.
func (m *Machine) await(ctx context.Context) (event, string) {
	to, sel := m.cfg.Timeouts, m.cfg.Selectors
	deadline := m.now().Add(to.LoginWait)

	for {
		if _, ok := m.loginSuccess.TryTake(); ok {
			return evSuccess, ""
		}
		if code, ok := m.secondFactor.TryTake(); ok {
			return evSecondFactor, code
		}
		if page.VisibleWithin(ctx, m.page, sel.ChallengeFrame, 0) {
			return evChallenge, ""
		}
		if page.VisibleWithin(ctx, m.page, sel.TwoFactorInput, 0) {
			return evSecondFactor, "two-factor prompt shown"
		}
		if ctx.Err() != nil || !m.now().Before(deadline) {
			return evTimeout, ""
		}
		if _, ok := m.loginSuccess.Wait(ctx, to.Poll); ok {
			return evSuccess, ""
		}
	}
}

// verify dismisses the prompts shown to long-dormant or new accounts right
// after login. It is best-effort and stops at the CSRF refresh.
func (m *Machine) verify(ctx context.Context) {
	to := m.cfg.Timeouts
	ctx, cancel := context.WithTimeout(ctx, to.VerificationWait)
	defer cancel()

	if err := m.page.Navigate(ctx, m.cfg.URLs.Account, page.WaitNetworkIdle); err != nil {
		m.log.Debugf("Skipping account verification: %v", err)
		return
	}

	remaining := append([]page.Selector(nil), m.cfg.Selectors.Verification...)
	for len(remaining) > 0 {
		if _, ok := m.csrfRefresh.Wait(ctx, to.Poll); ok {
			return
		}
		if ctx.Err() != nil {
			m.log.Debugf("Account verification pass ended with %d prompts unseen", len(remaining))
			return
		}
		kept := remaining[:0]
		for _, s := range remaining {
			if page.VisibleWithin(ctx, m.page, s, to.VerificationPrompt) && m.click(ctx, s) == nil {
				m.log.Debugf("Dismissed verification prompt %s", s)
				continue
			}
			kept = append(kept, s)
		}
		remaining = kept
	}
}

func (m *Machine) fill(ctx context.Context, sel page.Selector, text string) error {
	el, err := m.page.Find(ctx, sel, m.cfg.Timeouts.Element)
	if err != nil {
		return err
	}
	return el.Fill(ctx, text)
}

func (m *Machine) click(ctx context.Context, sel page.Selector) error {
	el, err := m.page.Find(ctx, sel, m.cfg.Timeouts.Element)
	if err != nil {
		return err
	}
	return el.Click(ctx, m.cfg.Timeouts.Element)
}

func (m *Machine) screenshot(ctx context.Context, flow string) {
	if m.cfg.DataDir == "" {
		return
	}
	path := filepath.Join(m.cfg.ScreenshotsDir(), "authorization", fmt.Sprintf("%s-%d.png", flow, m.now().Unix()))
	// ctx may already be expired; the capture gets a short budget of its own.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.page.Screenshot(sctx, path); err != nil {
		m.log.Debugf("Screenshot failed: %v", err)
		return
	}
	m.log.Infof("Saved screenshot to %s", path)
}
