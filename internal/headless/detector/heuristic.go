// Package detector classifies the session state a rendered page reveals.
package detector

import (
	"bytes"
	"strings"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
)

// Heuristic implements rule-based page classification.
type Heuristic struct {
	// BodyLengthThreshold is the size below which a script-heavy page is
	// treated as not yet rendered.
	BodyLengthThreshold int
	SignInTitle         string
	SignInMarkers       [][]byte
	ChallengeMarkers    [][]byte
	SiteErrorMarkers    [][]byte
}

var _ crawler.PageInspector = (*Heuristic)(nil)

// NewHeuristic creates a detector with the markers of the order history site.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{
		BodyLengthThreshold: threshold,
		SignInTitle:         "サインイン",
		SignInMarkers: [][]byte{
			[]byte(`id="ap_email"`),
			[]byte(`id="ap_password"`),
			[]byte(`name="signIn"`),
		},
		ChallengeMarkers: [][]byte{
			[]byte(`name="cvf_captcha_input"`),
			[]byte(`alt="captcha"`),
			[]byte(`id="auth-captcha-image"`),
		},
		SiteErrorMarkers: [][]byte{
			[]byte("問題が発生"),
		},
	}
}

// Inspect decides what the page is. A challenge wins over a sign-in form
// because the challenge page also carries the sign-in chrome.
func (h *Heuristic) Inspect(page crawler.Page) crawler.PageState {
	body := page.HTML
	if len(bytes.TrimSpace(body)) == 0 {
		return crawler.PageBlank
	}
	if containsAny(body, h.ChallengeMarkers) {
		return crawler.PageChallenge
	}
	if (h.SignInTitle != "" && strings.Contains(page.Title, h.SignInTitle)) || containsAny(body, h.SignInMarkers) {
		return crawler.PageSignIn
	}
	if containsAny(body, h.SiteErrorMarkers) {
		return crawler.PageSiteError
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return crawler.PageBlank
	}
	return crawler.PageOK
}

func containsAny(body []byte, markers [][]byte) bool {
	for _, marker := range markers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script tags cover at least a quarter of the document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		gt := strings.IndexByte(lower[start:], '>')
		if gt == -1 {
			covered += total - start
			break
		}
		contentStart := start + gt + 1
		end := strings.Index(lower[contentStart:], closeTag)
		next := total
		if end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered*100/total >= 25
}
