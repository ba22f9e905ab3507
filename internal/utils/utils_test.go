package utils

import (
	"errors"
	"testing"
)

func TestCanonicalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		opts CanonicalizeOptions
		want string
	}{
		{
			in:   "HTTP://Example.COM:80/foo/../bar/?b=2&a=1#frag",
			want: "http://example.com/bar?a=1&b=2",
		},
		{
			in:   "https://example.com:443/index.html#section",
			want: "https://example.com/index.html",
		},
		{
			in:   "example.com/page?utm_source=x&utm_medium=y&z=1",
			opts: CanonicalizeOptions{DefaultScheme: "https", DropTrackingParams: true},
			want: "https://example.com/page?z=1",
		},
		{
			in:   "https://例え.テスト/a",
			want: "https://xn--r8jz45g.xn--zckzah/a",
		},
		{
			in:   "https://example.com/foo/",
			opts: CanonicalizeOptions{StripTrailingSlash: true},
			want: "https://example.com/foo",
		},
		{
			in:   "https://user:pw@example.com:8443/x?b=2&b=1",
			want: "https://example.com:8443/x?b=1&b=2",
		},
	}

	for _, tt := range tests {
		got, err := Canonicalize(tt.in, tt.opts)
		if err != nil {
			t.Fatalf("Canonicalize(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCanonicalize_Errors(t *testing.T) {
	t.Parallel()
	if _, err := Canonicalize("  ", CanonicalizeOptions{}); !errors.Is(err, ErrEmptyURL) {
		t.Errorf("expected ErrEmptyURL, got %v", err)
	}
	if _, err := Canonicalize("example.com/a", CanonicalizeOptions{}); !errors.Is(err, ErrMissingHost) {
		t.Errorf("expected ErrMissingHost, got %v", err)
	}
}

func TestOrigin(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"https://Login.MicrosoftOnline.com/common/oauth2?x=1", "https://login.microsoftonline.com"},
		{"https://evil.example/login.microsoftonline.com", "https://evil.example"},
		{"http://example.com:80/", "http://example.com"},
		{"https://example.com:8443/a", "https://example.com:8443"},
		{"https://bücher.example/", "https://xn--bcher-kva.example"},
	}
	for _, tt := range tests {
		got, err := Origin(tt.in)
		if err != nil {
			t.Fatalf("Origin(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Origin(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := Origin("not a url"); err == nil {
		t.Error("expected error for host-less input")
	}
}

func TestRegistrableDomain(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"login.microsoftonline.com": "microsoftonline.com",
		"a.b.example.co.uk":         "example.co.uk",
		"127.0.0.1":                 "",
		"":                          "",
	}
	for in, want := range tests {
		if got := RegistrableDomain(in); got != want {
			t.Errorf("RegistrableDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHostHeuristics(t *testing.T) {
	t.Parallel()
	if !IsPunycode("xn--mcrosoft-7fg.com") {
		t.Error("expected punycode label to be detected")
	}
	if IsPunycode("microsoft.com") {
		t.Error("plain host is not punycode")
	}
	// Latin "micr" + Cyrillic "о" + Latin "soft".
	if !HasMixedScript("micrоsoft.com") {
		t.Error("expected mixed script to be detected")
	}
	if HasMixedScript("microsoft.com") || HasMixedScript("例え.テスト") {
		t.Error("single-script hosts must not be flagged")
	}
	if got := UnicodeHost("xn--bcher-kva.example"); got != "bücher.example" {
		t.Errorf("UnicodeHost = %q", got)
	}
}
