package whttp

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/publicsuffix"
)

// DefaultUserAgent mimics a desktop browser; the storefront CDN rejects
// obvious bot agents.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

type WHTTPHeader struct {
	Name  string
	Value string
}

type WHTTPReq struct {
	URL     string
	Method  string
	Headers []WHTTPHeader
	Cookies []*http.Cookie
	Body    io.Reader
}

type WHTTPRes struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// BodyString returns the response body as text.
func (r *WHTTPRes) BodyString() string {
	return string(r.Body)
}

// ClientOptions tunes NewClient.
type ClientOptions struct {
	RetryMax int
	Timeout  time.Duration
	// Proxy, when set, is used for every request (e.g. "http://127.0.0.1:8080").
	Proxy string
}

// NewClient returns a retrying client with a cookie jar scoped by the public
// suffix list.
func NewClient(opts ClientOptions) (*retryablehttp.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Logger = log.New(io.Discard, "", 0)
	retryClient.RetryMax = opts.RetryMax
	if retryClient.RetryMax <= 0 {
		retryClient.RetryMax = 3
	}
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.HTTPClient.Jar = jar
	if opts.Timeout > 0 {
		retryClient.HTTPClient.Timeout = opts.Timeout
	}

	if opts.Proxy != "" {
		transport, err := proxyTransport(opts.Proxy)
		if err != nil {
			return nil, err
		}
		retryClient.HTTPClient.Transport = transport
	}
	return retryClient, nil
}

// SendHTTPRequest performs wReq and buffers the whole response. Non-2xx
// statuses are returned as-is; callers decide what counts as failure.
func SendHTTPRequest(ctx context.Context, wReq *WHTTPReq, client *retryablehttp.Client) (*WHTTPRes, error) {
	method := wReq.Method
	if method == "" {
		method = http.MethodGet
	}

	var body interface{}
	if wReq.Body != nil {
		body = wReq.Body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, wReq.URL, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	for _, h := range wReq.Headers {
		req.Header.Set(h.Name, h.Value)
	}
	for _, c := range wReq.Cookies {
		req.AddCookie(c)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &WHTTPRes{
		StatusCode:  resp.StatusCode,
		ContentType: strings.ToLower(resp.Header.Get("Content-Type")),
		Body:        bodyBytes,
	}, nil
}

// IsSuccess reports whether the status code is 2xx.
func (r *WHTTPRes) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
