package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	"github.com/egsclaim/egsclaim/pkg/offers"
	"github.com/egsclaim/egsclaim/pkg/whttp"
)

const (
	DefaultPromotionsURL = "https://store-site-backend-static.ak.epicgames.com/freeGamesPromotions"
	DefaultProductURL    = "https://store.epicgames.com/en-US/p/"
	DefaultBundleURL     = "https://store.epicgames.com/en-US/bundles/"
	DefaultLocale        = "en-US"
)

// ErrCatalogFetch wraps every network or decode failure of the promotions
// feed. FetchCatalog always pairs it with an empty result.
var ErrCatalogFetch = errors.New("catalog fetch failed")

type Client struct {
	BaseURL    string
	Locale     string
	Country    string
	ProductURL string
	BundleURL  string
	// CachePath, when set, receives the raw feed of every successful fetch.
	CachePath string
	HTTP      *retryablehttp.Client
}

// FetchCatalog downloads the promotions feed and returns the offers that are
// free right now.
func (c *Client) FetchCatalog(ctx context.Context) ([]offers.PromotionOffer, error) {
	raw, err := c.fetchRaw(ctx)
	if err != nil {
		return []offers.PromotionOffer{}, fmt.Errorf("%w: %v", ErrCatalogFetch, err)
	}

	list, err := c.Parse(raw)
	if err != nil {
		return []offers.PromotionOffer{}, fmt.Errorf("%w: %v", ErrCatalogFetch, err)
	}

	if c.CachePath != "" {
		// best effort
		_ = writeCache(c.CachePath, raw)
	}
	return list, nil
}

func (c *Client) fetchRaw(ctx context.Context) ([]byte, error) {
	base := c.BaseURL
	if base == "" {
		base = DefaultPromotionsURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	locale := c.Locale
	if locale == "" {
		locale = DefaultLocale
	}
	q.Set("locale", locale)
	if c.Country != "" {
		q.Set("country", c.Country)
	}
	u.RawQuery = q.Encode()

	res, err := whttp.SendHTTPRequest(ctx, &whttp.WHTTPReq{
		URL:     u.String(),
		Method:  "GET",
		Headers: []whttp.WHTTPHeader{{Name: "Accept", Value: "application/json"}},
	}, c.HTTP)
	if err != nil {
		return nil, err
	}
	if !res.IsSuccess() {
		return nil, fmt.Errorf("unexpected status code %d", res.StatusCode)
	}
	return res.Body, nil
}

// Parse extracts free offers from a raw promotions feed.
func (c *Client) Parse(raw []byte) ([]offers.PromotionOffer, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("promotions feed is not valid JSON")
	}
	elements := gjson.GetBytes(raw, "data.Catalog.searchStore.elements")
	if !elements.IsArray() {
		return nil, errors.New("promotions feed has no elements array")
	}

	productURL := orDefault(c.ProductURL, DefaultProductURL)
	bundleURL := orDefault(c.BundleURL, DefaultBundleURL)

	list := []offers.PromotionOffer{}
	elements.ForEach(func(_, el gjson.Result) bool {
		if !IsFree(el) {
			return true
		}
		ns := el.Get("namespace").String()
		if ns == "" {
			return true
		}
		link, isBundle := resolveURL(el, productURL, bundleURL)
		if link == "" {
			return true
		}
		list = append(list, offers.PromotionOffer{
			ID:          el.Get("id").String(),
			Namespace:   ns,
			Title:       el.Get("title").String(),
			URL:         link,
			IsBundle:    isBundle,
			Description: el.Get("description").String(),
			OfferType:   el.Get("offerType").String(),
		})
		return true
	})
	return list, nil
}

// IsFree reports whether a catalog element is in a 100% discount window.
// Every offer in the current window must be at exactly 0 percent of the
// original price; a partial discount anywhere excludes the element.
func IsFree(el gjson.Result) bool {
	window := el.Get("promotions.promotionalOffers.0.promotionalOffers")
	if !window.IsArray() || len(window.Array()) == 0 {
		return false
	}
	free := true
	window.ForEach(func(_, offer gjson.Result) bool {
		pct := offer.Get("discountSetting.discountPercentage")
		if pct.Type != gjson.Number || pct.Float() != 0 {
			free = false
			return false
		}
		return true
	})
	return free
}

// resolveURL prefers the page-slug mapping. Elements without a mapping list
// are bundles addressed by product slug; an empty mapping list falls back to
// the product slug on the product path, then the url slug.
func resolveURL(el gjson.Result, productURL, bundleURL string) (string, bool) {
	productSlug := strings.TrimSuffix(el.Get("productSlug").String(), "/home")
	mappings := el.Get("catalogNs.mappings")

	if mappings.IsArray() {
		if slug := mappings.Get("0.pageSlug").String(); slug != "" {
			return productURL + slug, false
		}
	} else if productSlug != "" {
		return bundleURL + productSlug, true
	}

	if productSlug != "" {
		return productURL + productSlug, false
	}
	if slug := el.Get("urlSlug").String(); slug != "" {
		return productURL + slug, false
	}
	return "", false
}

func writeCache(path string, raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
