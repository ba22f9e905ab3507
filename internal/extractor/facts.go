package extractor

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/raysh454/m365guard/internal/utils"
)

// PageFacts are structural observations about a page. They explain a
// verdict but never contribute to the score.
type PageFacts struct {
	Title            string   `json:"title,omitempty"`
	PasswordInputs   int      `json:"passwordInputs"`
	FormActionHosts  []string `json:"formActionHosts,omitempty"`
	CrossOriginForms int      `json:"crossOriginForms"`
}

// Facts parses markup with goquery. Relative form actions resolve against
// pageURL; unparseable markup yields empty facts.
func Facts(markup, pageURL string) PageFacts {
	var f PageFacts
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return f
	}

	f.Title = strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("input[type]").Each(func(_ int, in *goquery.Selection) {
		if strings.EqualFold(strings.TrimSpace(in.AttrOr("type", "")), "password") {
			f.PasswordInputs++
		}
	})

	base, _ := url.Parse(pageURL)
	pageHost := utils.Hostname(pageURL)
	hosts := map[string]struct{}{}
	doc.Find("form").Each(func(_ int, form *goquery.Selection) {
		action, ok := form.Attr("action")
		if !ok || strings.TrimSpace(action) == "" {
			return
		}
		target, err := url.Parse(strings.TrimSpace(action))
		if err != nil {
			return
		}
		if base != nil {
			target = base.ResolveReference(target)
		}
		host := utils.Hostname(target.String())
		if host == "" {
			return
		}
		hosts[host] = struct{}{}
		if pageHost != "" && utils.RegistrableDomain(host) != utils.RegistrableDomain(pageHost) {
			f.CrossOriginForms++
		}
	})
	for h := range hosts {
		f.FormActionHosts = append(f.FormActionHosts, h)
	}
	sort.Strings(f.FormActionHosts)
	return f
}

// Reasons renders the facts as human-readable reason strings.
func (f PageFacts) Reasons() []string {
	var out []string
	if f.PasswordInputs > 0 {
		out = append(out, fmt.Sprintf("page has %d password field(s)", f.PasswordInputs))
	}
	if f.CrossOriginForms > 0 {
		out = append(out, fmt.Sprintf("form submits to another site (%s)", strings.Join(f.FormActionHosts, ", ")))
	}
	return out
}
