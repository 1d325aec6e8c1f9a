package research

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/quild-ai/quild/server/internal/search"
)

const (
	MaxBriefResults    = 8
	articleExcerpt     = 600
	snippetExcerpt     = 300
	substantiveArticle = 200
	summaryResults     = 5
)

const briefPreamble = `Web research brief. The numbered facts below were gathered from a live web search for this request.
Rely only on these facts for anything time-sensitive or that you cannot verify yourself. If they do not answer the question, say so plainly instead of guessing.
Do not put citation markers such as (1) or [1] in your answer; the sources are shown to the user separately.`

// BuildBrief renders the grounding document for the top results. articles
// maps a result URL to its extracted page text. A positive maxChars truncates
// the whole brief.
func BuildBrief(results []search.Result, articles map[string]string, maxChars int) string {
	if len(results) == 0 {
		return ""
	}
	if len(results) > MaxBriefResults {
		results = results[:MaxBriefResults]
	}
	var b strings.Builder
	b.WriteString(briefPreamble)
	b.WriteString("\n")
	for i, result := range results {
		b.WriteString("\n")
		b.WriteString(headline(i+1, result))
		if result.Date != "" {
			fmt.Fprintf(&b, " [%s]", result.Date)
		}
		b.WriteString("\n")
		if body := excerpt(result, articles[result.URL]); body != "" {
			b.WriteString(body)
			b.WriteString("\n")
		}
	}
	brief := strings.TrimRight(b.String(), "\n")
	if maxChars > 0 {
		brief = truncateRunes(brief, maxChars)
	}
	return brief
}

// Summary is the compact source list shown next to an answer.
func Summary(results []search.Result) string {
	if len(results) > summaryResults {
		results = results[:summaryResults]
	}
	lines := make([]string, 0, len(results))
	for i, result := range results {
		lines = append(lines, headline(i+1, result))
	}
	return strings.Join(lines, "\n")
}

func headline(index int, result search.Result) string {
	source := result.Source
	if source == "" {
		source = result.URL
	}
	return fmt.Sprintf("(%d) %s — %s", index, result.Title, source)
}

func excerpt(result search.Result, article string) string {
	article = strings.TrimSpace(article)
	if utf8.RuneCountInString(article) >= substantiveArticle {
		return truncateRunes(article, articleExcerpt)
	}
	return truncateRunes(strings.TrimSpace(result.Snippet), snippetExcerpt)
}

// Favicon is the icon hint attached to each source.
func Favicon(rawURL string) string {
	host := search.Hostname(rawURL)
	if host == "" {
		return ""
	}
	return "https://www.google.com/s2/favicons?domain=" + host + "&sz=64"
}
