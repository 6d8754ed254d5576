package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
)

func TestHeuristic_Inspect(t *testing.T) {
	t.Parallel()

	content := "<html><body>" + strings.Repeat("<div class=\"order-card\">order</div>", 80) + "</body></html>"

	tests := []struct {
		name string
		page crawler.Page
		want crawler.PageState
	}{
		{
			name: "empty body",
			page: crawler.Page{HTML: []byte("  \n")},
			want: crawler.PageBlank,
		},
		{
			name: "sign in by title",
			page: crawler.Page{Title: "Amazonサインイン", HTML: []byte("<html><form></form></html>")},
			want: crawler.PageSignIn,
		},
		{
			name: "sign in by form",
			page: crawler.Page{HTML: []byte(`<form><input type="email" id="ap_email"></form>`)},
			want: crawler.PageSignIn,
		},
		{
			name: "challenge beats sign in",
			page: crawler.Page{
				Title: "Amazonサインイン",
				HTML:  []byte(`<img alt="captcha" src="/c.jpg"><input name="cvf_captcha_input">`),
			},
			want: crawler.PageChallenge,
		},
		{
			name: "site error alert",
			page: crawler.Page{HTML: []byte(`<div class="a-alert-content">問題が発生しました</div>` + content)},
			want: crawler.PageSiteError,
		},
		{
			name: "script shell not rendered",
			page: crawler.Page{HTML: []byte(`<html><script>var a=1;</script><p>t</p></html>`)},
			want: crawler.PageBlank,
		},
		{
			name: "ordinary page",
			page: crawler.Page{Title: "注文履歴", HTML: []byte(content)},
			want: crawler.PageOK,
		},
	}

	h := NewHeuristic(1000)
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, h.Inspect(tt.page))
		})
	}
}

func TestHeuristic_DefaultThreshold(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	require.Equal(t, 2048, h.BodyLengthThreshold)
}

func TestScriptDensityHigh_Unclosed(t *testing.T) {
	t.Parallel()

	require.True(t, scriptDensityHigh([]byte("<p>x</p><script>never closed")))
	require.False(t, scriptDensityHigh([]byte("<p>no scripts at all</p>")))
}
