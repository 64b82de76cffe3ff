package opa_client

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Option func(c *Client)

// WithHTTPClient overrides the default http.Client to call Opa.
// WithTimeout and WithInsecureSkipVerify do not apply to a supplied client.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.cli = cli
		}
	}
}

// WithToken sends token as a bearer token on every request
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithTimeout bounds every request, including reading the response
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithInsecureSkipVerify disables TLS certificate verification for https addresses
func WithInsecureSkipVerify(skip bool) Option {
	return func(c *Client) {
		c.insecure = skip
	}
}

func defaultHTTPClient(timeout time.Duration, insecure bool) *http.Client {
	cli := &http.Client{Timeout: timeout}
	if insecure {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		cli.Transport = tr
	}
	return cli
}

// ExplainMode selects the amount of trace detail OPA returns with a decision
type ExplainMode string

const (
	ExplainNotes ExplainMode = "notes"
	ExplainFails ExplainMode = "fails"
	ExplainFull  ExplainMode = "full"
	ExplainDebug ExplainMode = "debug"
)

// QueryOption adds a query parameter to a CheckPolicy request
type QueryOption func(q url.Values)

func WithPretty() QueryOption {
	return func(q url.Values) { q.Set("pretty", "true") }
}

func WithProvenance() QueryOption {
	return func(q url.Values) { q.Set("provenance", "true") }
}

func WithInstrument() QueryOption {
	return func(q url.Values) { q.Set("instrument", "true") }
}

// WithStrict makes OPA treat builtin errors as evaluation failures
func WithStrict() QueryOption {
	return func(q url.Values) { q.Set("strict", "true") }
}

func WithMetrics() QueryOption {
	return func(q url.Values) { q.Set("metrics", "true") }
}

func WithExplain(mode ExplainMode) QueryOption {
	return func(q url.Values) { q.Set("explain", string(mode)) }
}

func queryValues(opts []QueryOption) url.Values {
	q := url.Values{}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// ParseAddress validates an OPA address and normalizes it to
// scheme://host[:port][/prefix]. A missing scheme defaults to http.
func ParseAddress(address string) (string, error) {
	raw := strings.TrimSpace(address)
	if raw == "" {
		return "", &InvalidURLError{Address: address, Reason: "empty address"}
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", &InvalidURLError{Address: address, Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &InvalidURLError{Address: address, Reason: "invalid scheme '" + u.Scheme + "'"}
	}
	if u.Hostname() == "" {
		return "", &InvalidURLError{Address: address, Reason: "missing hostname"}
	}

	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String(), nil
}

// packagePath converts a dotted document or rule path to its URL form
func packagePath(path string) string {
	return strings.TrimLeft(strings.ReplaceAll(path, ".", "/"), "/")
}
