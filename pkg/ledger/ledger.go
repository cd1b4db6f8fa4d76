package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	"github.com/egsclaim/egsclaim/pkg/offers"
	"github.com/egsclaim/egsclaim/pkg/whttp"
)

const (
	DefaultOrderHistoryURL = "https://www.epicgames.com/account/v2/payment/ajaxGetOrderHistory"
	DefaultLocale          = "en-US"
)

// ErrLedgerFetch wraps every failure reading the order history.
// FetchLedger always pairs it with an empty result.
var ErrLedgerFetch = errors.New("ledger fetch failed")

type Client struct {
	URL    string
	Locale string
	// MaxPages bounds pagination. Zero means a single page.
	MaxPages int
	HTTP     *retryablehttp.Client
}

// FetchLedger returns the namespaces of every completed purchase visible to
// the session owning cookies.
func (c *Client) FetchLedger(ctx context.Context, cookies []*http.Cookie) ([]offers.OwnedOfferRecord, error) {
	maxPages := c.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}

	var records []offers.OwnedOfferRecord
	cursor := ""
	for page := 0; page < maxPages; page++ {
		raw, err := c.fetchPage(ctx, cookies, page, cursor)
		if err != nil {
			return []offers.OwnedOfferRecord{}, fmt.Errorf("%w: %v", ErrLedgerFetch, err)
		}
		batch, orders, err := Parse(raw)
		if err != nil {
			return []offers.OwnedOfferRecord{}, fmt.Errorf("%w: %v", ErrLedgerFetch, err)
		}
		records = append(records, batch...)
		if orders == 0 {
			break
		}
		cursor = lastCreatedAt(raw)
	}
	if records == nil {
		records = []offers.OwnedOfferRecord{}
	}
	return records, nil
}

func (c *Client) fetchPage(ctx context.Context, cookies []*http.Cookie, page int, cursor string) ([]byte, error) {
	base := c.URL
	if base == "" {
		base = DefaultOrderHistoryURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	locale := c.Locale
	if locale == "" {
		locale = DefaultLocale
	}
	q := u.Query()
	q.Set("locale", locale)
	q.Set("page", strconv.Itoa(page))
	q.Set("latCreateAt", cursor)
	u.RawQuery = q.Encode()

	res, err := whttp.SendHTTPRequest(ctx, &whttp.WHTTPReq{
		URL:     u.String(),
		Method:  "GET",
		Cookies: cookies,
		Headers: []whttp.WHTTPHeader{{Name: "Accept", Value: "application/json, text/html;q=0.9"}},
	}, c.HTTP)
	if err != nil {
		return nil, err
	}
	if !res.IsSuccess() {
		return nil, fmt.Errorf("unexpected status code %d, session cookies may have expired", res.StatusCode)
	}
	return res.Body, nil
}

// Parse extracts owned records from an order history document and reports
// how many orders the page held. The JSON may arrive wrapped in an HTML
// document's <pre> element when the endpoint is opened in a browser context.
func Parse(raw []byte) ([]offers.OwnedOfferRecord, int, error) {
	body, err := unwrap(raw)
	if err != nil {
		return nil, 0, err
	}
	if !gjson.ValidBytes(body) {
		return nil, 0, errors.New("order history is not valid JSON")
	}
	ordersField := gjson.GetBytes(body, "orders")
	if !ordersField.IsArray() {
		return nil, 0, errors.New("order history has no orders array")
	}

	orders := ordersField.Array()
	records := []offers.OwnedOfferRecord{}
	for _, order := range orders {
		if !strings.EqualFold(order.Get("orderType").String(), "PURCHASE") {
			continue
		}
		order.Get("items").ForEach(func(_, item gjson.Result) bool {
			ns := item.Get("namespace").String()
			if !offers.ValidNamespace(ns) {
				return true
			}
			records = append(records, offers.OwnedOfferRecord{
				OfferID:   item.Get("offerId").String(),
				Namespace: ns,
			})
			return true
		})
	}
	return records, len(orders), nil
}

// lastCreatedAt returns the creation time of the final order on a page,
// which the endpoint expects as the cursor for the following page.
func lastCreatedAt(raw []byte) string {
	body, err := unwrap(raw)
	if err != nil {
		return ""
	}
	orders := gjson.GetBytes(body, "orders").Array()
	if len(orders) == 0 {
		return ""
	}
	last := orders[len(orders)-1]
	if v := last.Get("createdAtMillis"); v.Exists() {
		return v.String()
	}
	return last.Get("createdAt").String()
}

func unwrap(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '<' {
		return trimmed, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(trimmed))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html wrapper: %w", err)
	}
	pre := doc.Find("pre").First()
	if pre.Length() == 0 {
		return nil, errors.New("html response without <pre> payload")
	}
	return []byte(strings.TrimSpace(pre.Text())), nil
}
