package extractor

import (
	"regexp"
	"sync"

	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/utils"
)

type compiledOrigin struct {
	re  *regexp.Regexp
	err error
}

var (
	originPatterns sync.Map // pattern source -> compiledOrigin
	defaultOrigins = New(nil)
)

// IsTrustedOrigin reports whether the origin of rawURL matches one of the
// trusted login patterns.
func IsTrustedOrigin(rawURL string, patterns []string) bool {
	return defaultOrigins.MatchOrigin(rawURL, patterns)
}

// IsKnownProviderOrigin reports whether the origin of rawURL belongs to the
// identity provider's wider domain set.
func IsKnownProviderOrigin(rawURL string, patterns []string) bool {
	return defaultOrigins.MatchOrigin(rawURL, patterns)
}

// MatchOrigin is the shared primitive for origin allowlists. Patterns are
// tested against scheme://host[:port] only.
func MatchOrigin(rawURL string, patterns []string) bool {
	return defaultOrigins.MatchOrigin(rawURL, patterns)
}

// IsTrustedOrigin is the logging form of the package function.
func (e *Extractor) IsTrustedOrigin(rawURL string, patterns []string) bool {
	return e.MatchOrigin(rawURL, patterns)
}

// IsKnownProviderOrigin is the logging form of the package function.
func (e *Extractor) IsKnownProviderOrigin(rawURL string, patterns []string) bool {
	return e.MatchOrigin(rawURL, patterns)
}

// MatchOrigin tests the origin of rawURL against patterns. A pattern that
// does not compile is skipped and logged once per extractor.
func (e *Extractor) MatchOrigin(rawURL string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	origin, err := utils.Origin(rawURL)
	if err != nil {
		return false
	}
	for _, p := range patterns {
		c := compileOrigin(p)
		if c.err != nil {
			if _, seen := e.badOrigins.LoadOrStore(p, struct{}{}); !seen {
				e.logger.Warn("skipping invalid origin pattern",
					logging.Field{Key: "pattern", Value: p},
					logging.Err(c.err))
			}
			continue
		}
		if c.re.MatchString(origin) {
			return true
		}
	}
	return false
}

func compileOrigin(p string) compiledOrigin {
	if v, ok := originPatterns.Load(p); ok {
		return v.(compiledOrigin)
	}
	re, err := regexp.Compile("(?i)" + p)
	c := compiledOrigin{re: re, err: err}
	originPatterns.Store(p, c)
	return c
}
