package ledger

import (
	"net/http"
	"strings"

	"github.com/weppos/publicsuffix-go/publicsuffix"
)

// StoreCookies keeps the cookies that belong to the same registrable domain
// as host (e.g. every *.epicgames.com cookie for www.epicgames.com).
// Cookies without a domain are kept as host-only cookies.
func StoreCookies(cookies []*http.Cookie, host string) []*http.Cookie {
	target, err := publicsuffix.Domain(strings.ToLower(host))
	if err != nil {
		return nil
	}

	var out []*http.Cookie
	for _, c := range cookies {
		d := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
		if d == "" {
			out = append(out, c)
			continue
		}
		reg, err := publicsuffix.Domain(d)
		if err != nil || reg != target {
			continue
		}
		out = append(out, c)
	}
	return out
}
