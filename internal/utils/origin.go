package utils

import (
	"net"
	"strings"
	"unicode"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// Origin returns the lowercase scheme://host[:port] of raw with an ASCII
// host. Only the origin is used for trust decisions so a trusted domain in
// a path or query cannot be used to pass a check.
func Origin(raw string) (string, error) {
	u, err := parseWithDefault(raw, "")
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme + "://" + hostPort(scheme, asciiHost(u.Hostname()), u.Port()), nil
}

// Hostname returns the ASCII host of raw, or "" when raw does not parse.
func Hostname(raw string) string {
	u, err := parseWithDefault(raw, "")
	if err != nil {
		return ""
	}
	return asciiHost(u.Hostname())
}

// UnicodeHost renders an ASCII host in its Unicode form where possible.
func UnicodeHost(host string) string {
	if uh, err := idna.Lookup.ToUnicode(host); err == nil && uh != "" {
		return strings.ToLower(uh)
	}
	return strings.ToLower(host)
}

// RegistrableDomain returns the eTLD+1 for host, or "" for IPs and hosts
// publicsuffix cannot classify.
func RegistrableDomain(host string) string {
	host = asciiHost(host)
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return strings.ToLower(d)
}

// IsPunycode reports whether any label of host is IDNA-encoded.
func IsPunycode(host string) bool {
	for _, label := range strings.Split(strings.ToLower(host), ".") {
		if strings.HasPrefix(label, "xn--") {
			return true
		}
	}
	return false
}

// HasMixedScript reports whether a Unicode host mixes letters from two or
// more scripts (e.g. Latin with Cyrillic), a common homograph trick.
func HasMixedScript(host string) bool {
	seen := map[string]struct{}{}
	for _, r := range host {
		s := scriptOf(r)
		if s == "" {
			continue
		}
		seen[s] = struct{}{}
		if len(seen) > 1 {
			return true
		}
	}
	return false
}

func scriptOf(r rune) string {
	switch {
	case unicode.In(r, unicode.Latin):
		return "latin"
	case unicode.In(r, unicode.Cyrillic):
		return "cyrillic"
	case unicode.In(r, unicode.Greek):
		return "greek"
	case unicode.In(r, unicode.Armenian):
		return "armenian"
	case unicode.In(r, unicode.Hiragana, unicode.Katakana, unicode.Han):
		return "cjk"
	default:
		return ""
	}
}
