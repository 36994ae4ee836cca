// Package http provides an offline.Fetcher backed by net/http.
package http

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http2"

	"github.com/meigma/offline/bucket"
)

// DefaultMaxBodyBytes bounds how much of a response body the fetcher buffers.
const DefaultMaxBodyBytes int64 = 32 << 20 // 32 MB

var (
	// ErrBodyTooLarge is returned when a response body exceeds the configured limit.
	ErrBodyTooLarge = errors.New("http: response body too large")

	// ErrCORSRejected is returned when a cross-origin response does not allow
	// the fetcher's origin to read it.
	ErrCORSRejected = errors.New("http: cross-origin response rejected")
)

// hopHeaders are connection-scoped and never forwarded or stored.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Fetcher performs requests over HTTP and buffers the responses.
//
// Responses are classified relative to the fetcher's origin: same-origin
// responses are basic, cross-origin responses are cors when the server
// allows the origin and opaque for no-cors requests.
type Fetcher struct {
	origin   *url.URL
	upstream *url.URL

	upstreamRaw string
	client      *nethttp.Client
	headers     nethttp.Header
	maxBody     int64

	http2     bool
	tlsConfig *tls.Config
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(f *Fetcher) {
		if headers == nil {
			return
		}
		f.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(f *Fetcher) {
		if f.headers == nil {
			f.headers = make(nethttp.Header)
		}
		f.headers.Set(key, value)
	}
}

// WithMaxBodyBytes bounds buffered response bodies. Default is DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(f *Fetcher) {
		f.maxBody = n
	}
}

// WithUpstream sends requests for the fetcher's origin to upstream instead.
// Responses from upstream are reported as coming from the origin, so the
// fetcher can front a server that lives elsewhere.
func WithUpstream(upstream string) Option {
	return func(f *Fetcher) {
		f.upstreamRaw = upstream
	}
}

// WithHTTP2 sends every request over HTTP/2. For https origins cfg is the
// TLS configuration (nil uses the system roots); for http origins requests
// use cleartext HTTP/2 (h2c). WithHTTP2 replaces any client set by WithClient.
func WithHTTP2(cfg *tls.Config) Option {
	return func(f *Fetcher) {
		f.http2 = true
		f.tlsConfig = cfg
	}
}

// NewFetcher creates a Fetcher whose requests originate from origin.
// Relative request URLs are resolved against it.
func NewFetcher(origin string, opts ...Option) (*Fetcher, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("http: origin: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("http: origin %q must be an absolute http(s) URL", origin)
	}

	f := &Fetcher{
		origin:  &url.URL{Scheme: u.Scheme, Host: u.Host},
		client:  nethttp.DefaultClient,
		maxBody: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = nethttp.DefaultClient
	}
	if f.upstreamRaw != "" {
		up, err := url.Parse(f.upstreamRaw)
		if err != nil || (up.Scheme != "http" && up.Scheme != "https") || up.Host == "" {
			return nil, fmt.Errorf("http: upstream %q must be an absolute http(s) URL", f.upstreamRaw)
		}
		f.upstream = &url.URL{Scheme: up.Scheme, Host: up.Host}
	}
	if f.maxBody <= 0 {
		return nil, fmt.Errorf("http: max body bytes must be positive, got %d", f.maxBody)
	}
	if f.http2 {
		f.client = &nethttp.Client{Transport: f.http2Transport()}
	}
	return f, nil
}

func (f *Fetcher) http2Transport() *http2.Transport {
	t := &http2.Transport{TLSClientConfig: f.tlsConfig}
	if f.target().Scheme == "http" {
		t.AllowHTTP = true
		t.DialTLSContext = func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}
	}
	return t
}

// Origin returns the origin responses are classified against.
func (f *Fetcher) Origin() string {
	return f.origin.String()
}

// Fetch performs req and buffers the response.
//
// It returns an error when no response was received, when a cross-origin
// response may not be read, or when the body exceeds the size limit.
// HTTP error statuses are returned as responses.
func (f *Fetcher) Fetch(ctx context.Context, req *nethttp.Request) (*bucket.Response, error) {
	out, err := f.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	mode := strings.ToLower(req.Header.Get("Sec-Fetch-Mode"))

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	final := out.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	if f.upstream != nil && sameOrigin(f.upstream, final) {
		final = rebase(final, f.origin)
	}
	typ, err := f.classify(final, mode, resp.Header)
	if err != nil {
		return nil, err
	}
	if typ == bucket.TypeOpaque {
		return &bucket.Response{Header: make(nethttp.Header), Type: bucket.TypeOpaque}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("http: read body: %w", err)
	}
	if int64(len(body)) > f.maxBody {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrBodyTooLarge, final, f.maxBody)
	}

	header := resp.Header.Clone()
	stripHop(header)
	return &bucket.Response{
		URL:        bucket.KeyFromURL(final),
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Header:     header,
		Body:       body,
		Type:       typ,
	}, nil
}

func (f *Fetcher) newRequest(ctx context.Context, req *nethttp.Request) (*nethttp.Request, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("http: nil request")
	}
	out := req.Clone(ctx)
	out.RequestURI = ""
	out.URL = f.origin.ResolveReference(req.URL)
	out.URL.Fragment = ""
	out.URL.RawFragment = ""
	if f.upstream != nil && sameOrigin(f.origin, out.URL) {
		out.URL = rebase(out.URL, f.upstream)
	}
	out.Host = ""

	stripHop(out.Header)
	// Let the transport negotiate and decode compression.
	out.Header.Del("Accept-Encoding")
	for key, values := range f.headers {
		if out.Header.Get(key) != "" {
			continue
		}
		for _, value := range values {
			out.Header.Add(key, value)
		}
	}
	return out, nil
}

// target is where requests for the origin are sent.
func (f *Fetcher) target() *url.URL {
	if f.upstream != nil {
		return f.upstream
	}
	return f.origin
}

// rebase returns a copy of u with its scheme and host replaced by to's.
func rebase(u, to *url.URL) *url.URL {
	out := *u
	out.Scheme = to.Scheme
	out.Host = to.Host
	return &out
}

func (f *Fetcher) classify(u *url.URL, mode string, header nethttp.Header) (bucket.ResponseType, error) {
	if sameOrigin(f.origin, u) {
		return bucket.TypeBasic, nil
	}
	switch mode {
	case "no-cors", "navigate":
		return bucket.TypeOpaque, nil
	}
	allow := header.Get("Access-Control-Allow-Origin")
	if allow == "*" || strings.EqualFold(allow, f.origin.String()) {
		return bucket.TypeCORS, nil
	}
	return "", fmt.Errorf("%w: %s", ErrCORSRejected, u.Redacted())
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		port(a) == port(b)
}

func port(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if strings.EqualFold(u.Scheme, "https") {
		return "443"
	}
	return "80"
}

func stripHop(h nethttp.Header) {
	for _, name := range h.Values("Connection") {
		for _, field := range strings.Split(name, ",") {
			h.Del(strings.TrimSpace(field))
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func statusText(resp *nethttp.Response) string {
	prefix := strconv.Itoa(resp.StatusCode) + " "
	if text, ok := strings.CutPrefix(resp.Status, prefix); ok {
		return text
	}
	return nethttp.StatusText(resp.StatusCode)
}
