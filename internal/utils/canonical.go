package utils

import (
	"errors"
	"net"
	"net/url"
	"path"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

var (
	ErrEmptyURL    = errors.New("utils: empty url")
	ErrMissingHost = errors.New("utils: missing host")
)

// CanonicalizeOptions controls optional canonicalization policies.
type CanonicalizeOptions struct {
	DropTrackingParams bool   // remove utm_*, gclid, fbclid, ...
	StripTrailingSlash bool   // /a and /a/ compare equal (root "/" kept)
	DefaultScheme      string // assumed for schemeless input; empty requires a scheme
}

var trackingParams = map[string]struct{}{
	"utm_source": {}, "utm_medium": {}, "utm_campaign": {}, "utm_term": {}, "utm_content": {},
	"gclid": {}, "fbclid": {}, "mc_cid": {}, "mc_eid": {},
}

// Canonicalize returns a deterministic form of raw: lowercased scheme,
// punycode host, default port and fragment removed, cleaned path, sorted
// query. Credentials in the authority are dropped.
func Canonicalize(raw string, opts CanonicalizeOptions) (string, error) {
	u, err := parseWithDefault(raw, opts.DefaultScheme)
	if err != nil {
		return "", err
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = hostPort(u.Scheme, asciiHost(u.Hostname()), u.Port())
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""

	p := path.Clean(u.Path)
	if p == "." {
		p = "/"
	}
	if opts.StripTrailingSlash && len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	u.Path = p
	u.RawPath = ""

	q := u.Query()
	if opts.DropTrackingParams {
		for k := range q {
			if _, ok := trackingParams[strings.ToLower(k)]; ok {
				q.Del(k)
			}
		}
	}
	for _, vals := range q {
		sort.Strings(vals)
	}
	// url.Values.Encode sorts by key.
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func parseWithDefault(raw, defaultScheme string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyURL
	}
	if defaultScheme != "" && !strings.Contains(raw, "://") {
		raw = defaultScheme + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, ErrMissingHost
	}
	return u, nil
}

// asciiHost lowercases host and converts IDN labels to punycode. Hosts
// that fail IDNA conversion are returned lowercased.
func asciiHost(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if puny, err := idna.Lookup.ToASCII(host); err == nil && puny != "" {
		return puny
	}
	return host
}

func hostPort(scheme, host, port string) string {
	if port == "" || (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}
