package urltrust

import (
	"net"
	"net/url"
	"strings"

	"github.com/raysh454/m365guard/internal/rules"
	"github.com/raysh454/m365guard/internal/utils"
	"github.com/raysh454/m365guard/internal/verdict"
)

const (
	PhishyRisk  = 0.7
	UnknownRisk = 0.4

	typosquatSimilarity = 0.8
)

// brandDomains are the registrable domains impersonated most often.
var brandDomains = []string{
	"microsoft.com", "microsoftonline.com", "office.com", "office365.com",
	"live.com", "outlook.com", "sharepoint.com", "onedrive.com",
}

var brandKeywords = []string{
	"microsoft", "office365", "office-365", "m365", "outlook", "onedrive",
	"sharepoint", "msonline", "microsoftonline", "azuread",
}

var loginPathKeywords = []string{"login", "signin", "sign-in", "oauth", "auth", "verify", "account"}

// HeuristicResult is a URL-only risk assessment.
type HeuristicResult struct {
	Verdict verdict.Verdict `json:"verdict"`
	Risk    float64         `json:"risk"`
	Reasons []string        `json:"reasons"`
	Origin  string          `json:"origin,omitempty"`
}

// Heuristic scores a URL without its content. Origins that Evaluate
// recognizes keep that verdict and carry no risk.
func Heuristic(rawURL string, rs *rules.RuleSet) HeuristicResult {
	base := Evaluate(rawURL, rs, nil)
	res := HeuristicResult{Verdict: base.Verdict, Origin: base.Origin}
	if base.Origin == "" {
		res.Reasons = []string{base.Reason}
		return res
	}
	if base.Verdict != verdict.NotEvaluated {
		res.Reasons = []string{base.Reason}
		return res
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return res
	}
	host := utils.Hostname(rawURL)
	uhost := utils.UnicodeHost(host)
	reg := utils.RegistrableDomain(host)

	add := func(w float64, reason string) {
		res.Risk += w
		res.Reasons = append(res.Reasons, reason)
	}

	if !strings.EqualFold(u.Scheme, "https") {
		add(0.2, "not served over HTTPS")
	}
	if net.ParseIP(host) != nil {
		add(0.3, "host is a bare IP address")
	}
	if utils.IsPunycode(host) {
		add(0.3, "internationalized (punycode) host")
	}
	if utils.HasMixedScript(uhost) {
		add(0.4, "host mixes Unicode scripts")
	}

	brand := false
	for _, kw := range brandKeywords {
		if strings.Contains(uhost, kw) {
			brand = true
			add(0.4, "Microsoft brand keyword \""+kw+"\" on a non-Microsoft domain")
			break
		}
	}
	if reg != "" {
		for _, d := range brandDomains {
			if reg == d {
				continue
			}
			if similarity(reg, d) >= typosquatSimilarity {
				add(0.5, "domain resembles "+d)
				brand = true
				break
			}
		}
	}
	if brand {
		p := strings.ToLower(u.Path + "?" + u.RawQuery)
		for _, kw := range loginPathKeywords {
			if strings.Contains(p, kw) {
				add(0.15, "login-style path")
				break
			}
		}
	}

	if res.Risk > 1 {
		res.Risk = 1
	}
	switch {
	case res.Risk >= PhishyRisk:
		res.Verdict = verdict.Phishy
	case res.Risk >= UnknownRisk:
		res.Verdict = verdict.MSLoginUnknown
	default:
		res.Verdict = verdict.NotEvaluated
	}
	if len(res.Reasons) == 0 {
		res.Reasons = []string{"no URL risk indicators"}
	}
	return res
}

// similarity is 1 - levenshtein/maxLen.
func similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
