package auth

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/egsclaim/egsclaim/pkg/page"
)

const (
	loginAPIPath     = "/id/api/login"
	analyticsAPIPath = "/id/api/analytics"
	csrfRefreshPath  = "/account/v2/refresh-csrf"
)

// onResponse is the only writer of the machine's signal slots.
func (m *Machine) onResponse(r page.Response) {
	if r.Method != http.MethodPost || strings.Contains(r.URL, "talon") {
		return
	}
	if !gjson.ValidBytes(r.Body) {
		return
	}
	body := gjson.ParseBytes(r.Body)

	switch {
	case strings.Contains(r.URL, loginAPIPath):
		code := body.Get("errorCode").String()
		if code == "" {
			return
		}
		m.log.Errorf("POST %s - %s: %s", r.URL, code, body.Get("errorMessage").String())
		if isSecondFactorCode(code) {
			m.secondFactor.Offer(code)
		}
	case strings.Contains(r.URL, analyticsAPIPath):
		if id := body.Get("accountId").String(); id != "" {
			m.loginSuccess.Offer(id)
		}
	case strings.Contains(r.URL, csrfRefreshPath):
		if body.Get("success").Type == gjson.True {
			m.csrfRefresh.Offer(struct{}{})
		}
	}
}

func isSecondFactorCode(code string) bool {
	c := strings.ToLower(code)
	return strings.Contains(c, "two_factor") || strings.Contains(c, "mfa") || strings.Contains(c, "2fa")
}
