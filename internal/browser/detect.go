package browser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// NeedsLogin reports whether the page the browser landed on is a sign-in page. The URL is
// checked first; the rendered document is checked for a password field as a fallback.
func NeedsLogin(pageURL, html string) bool {
	lower := strings.ToLower(pageURL)
	if strings.Contains(lower, "oauth") || strings.Contains(lower, "login") {
		return true
	}
	if html == "" {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	return doc.Find(`input[type="password"]`).Length() > 0
}

// LoginError extracts a visible error message from a sign-in page, if any.
func LoginError(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	var msg string
	doc.Find(`[role="alert"], .error, .validation-summary-errors, [class*="error-message"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text != "" {
			msg = text
			return false
		}
		return true
	})
	return msg
}
