package websearch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxScrapeTextRunes = 20_000

// Scrape fetches one page and reduces it to readable text. Only http and
// https URLs are accepted; everything else the model might emit (file:,
// javascript:, data:) is refused.
func (c *Client) Scrape(ctx context.Context, rawURL string) (ScrapeResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ScrapeResult{}, errors.New("missing url")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ScrapeResult{}, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ScrapeResult{}, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return ScrapeResult{}, err
	}
	httpReq.Header.Set("Accept", "text/html, text/plain;q=0.9, */*;q=0.1")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return ScrapeResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ScrapeResult{}, fmt.Errorf("fetch failed (status %d)", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return ScrapeResult{}, err
	}

	title, text := extractReadableText(string(body))
	text, truncated := capRunes(text, maxScrapeTextRunes)
	return ScrapeResult{
		URL:       u.String(),
		Title:     title,
		Text:      text,
		Truncated: truncated,
	}, nil
}

// extractReadableText strips tags from an HTML document, drops script and
// style bodies, and collapses whitespace. Plain-text responses pass through
// with only whitespace normalization.
func extractReadableText(doc string) (title string, text string) {
	var out strings.Builder
	i := 0
	for i < len(doc) {
		lt := strings.IndexByte(doc[i:], '<')
		if lt < 0 {
			out.WriteString(doc[i:])
			break
		}
		out.WriteString(doc[i : i+lt])
		i += lt

		rest := doc[i:]
		switch {
		case hasTagPrefix(rest, "title"):
			if end := findTagBody(rest, "title"); end > 0 {
				body := rest[strings.IndexByte(rest, '>')+1 : end]
				title = collapseWhitespace(decodeScrapeEntities(body))
				i += end
				continue
			}
		case hasTagPrefix(rest, "script"):
			if end := findTagBody(rest, "script"); end > 0 {
				i += end
				continue
			}
		case hasTagPrefix(rest, "style"):
			if end := findTagBody(rest, "style"); end > 0 {
				i += end
				continue
			}
		}

		gt := strings.IndexByte(rest, '>')
		if gt < 0 {
			// Unterminated tag at the end of the document.
			break
		}
		// Block-level boundaries become line breaks so paragraphs stay apart.
		if isBlockTag(rest[:gt+1]) {
			out.WriteString("\n")
		} else {
			out.WriteString(" ")
		}
		i += gt + 1
	}

	return title, collapseWhitespace(decodeScrapeEntities(out.String()))
}

func hasTagPrefix(s string, name string) bool {
	if len(s) < len(name)+1 || s[0] != '<' {
		return false
	}
	if !strings.EqualFold(s[1:1+len(name)], name) {
		return false
	}
	if len(s) == len(name)+1 {
		return false
	}
	next := s[1+len(name)]
	return next == '>' || next == ' ' || next == '\t' || next == '\n'
}

// findTagBody returns the offset just past </name> for a tag opening at s[0],
// or -1 when the element never closes.
func findTagBody(s string, name string) int {
	open := strings.IndexByte(s, '>')
	if open < 0 {
		return -1
	}
	closer := "</" + name
	idx := strings.Index(strings.ToLower(s[open:]), closer)
	if idx < 0 {
		return -1
	}
	end := open + idx
	gt := strings.IndexByte(s[end:], '>')
	if gt < 0 {
		return -1
	}
	return end + gt + 1
}

func isBlockTag(tag string) bool {
	tag = strings.ToLower(strings.Trim(tag, "</> \t\n"))
	if sp := strings.IndexAny(tag, " \t\n"); sp >= 0 {
		tag = tag[:sp]
	}
	switch tag {
	case "p", "div", "br", "li", "ul", "ol", "tr", "table",
		"h1", "h2", "h3", "h4", "h5", "h6", "section", "article", "pre", "blockquote":
		return true
	}
	return false
}

var scrapeEntityReplacer = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&nbsp;", " ",
	"&amp;", "&",
)

func decodeScrapeEntities(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return scrapeEntityReplacer.Replace(s)
}

func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func capRunes(s string, max int) (string, bool) {
	if max <= 0 {
		return "", s != ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s, false
	}
	return string(runes[:max]), true
}
