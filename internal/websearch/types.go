package websearch

import "strings"

const ProviderBrave = "brave"

type SearchRequest struct {
	Query string
	Count int
}

func (r SearchRequest) Normalize() SearchRequest {
	out := r
	out.Query = strings.TrimSpace(out.Query)
	if out.Count <= 0 {
		out.Count = 5
	}
	if out.Count > 10 {
		out.Count = 10
	}
	return out
}

type ResultItem struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

type SearchResult struct {
	Provider string       `json:"provider"`
	Query    string       `json:"query"`
	Results  []ResultItem `json:"results"`
}

// RenderForModel flattens results into the plain-text form the agent reads
// back on its next turn: one numbered entry per result.
func (r SearchResult) RenderForModel() string {
	if len(r.Results) == 0 {
		return "No results for: " + r.Query
	}
	var b strings.Builder
	for i, item := range r.Results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimSpace(item.Title))
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(item.URL))
		if s := strings.TrimSpace(item.Snippet); s != "" {
			b.WriteString("\n")
			b.WriteString(s)
		}
	}
	return b.String()
}

type ScrapeResult struct {
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"text"`
	Truncated bool   `json:"truncated,omitempty"`
}
