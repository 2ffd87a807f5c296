package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSearch_ParsesBraveResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "key123" {
			t.Errorf("token header=%q", got)
		}
		if got := r.URL.Query().Get("q"); got != "react hooks" {
			t.Errorf("q=%q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"web":{"results":[
			{"title":"Hooks Intro","url":"https://react.dev/hooks","description":"Intro to hooks"},
			{"title":"","url":"https://example.com/untitled","description":""},
			{"title":"No URL","url":"","description":"dropped"}
		]}}`))
	}))
	defer srv.Close()

	c, err := New(Options{APIKey: "key123", SearchEndpoint: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := c.Search(context.Background(), SearchRequest{Query: "  react hooks  "})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Results) != 2 {
		t.Fatalf("results=%d, want 2 (empty url dropped)", len(res.Results))
	}
	if res.Results[0].Title != "Hooks Intro" || res.Results[0].Snippet != "Intro to hooks" {
		t.Fatalf("first result=%+v", res.Results[0])
	}
	if res.Results[1].Title != "https://example.com/untitled" {
		t.Fatalf("missing title did not fall back to url: %+v", res.Results[1])
	}
}

func TestSearch_ErrorStatusSurfacesBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	c, err := New(Options{APIKey: "k", SearchEndpoint: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Search(context.Background(), SearchRequest{Query: "x"})
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("err=%v", err)
	}
}

func TestSearch_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	c, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Search(context.Background(), SearchRequest{Query: "x"}); err == nil {
		t.Fatalf("missing api key accepted")
	}
}

func TestScrape_ExtractsReadableText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head>
			<title>Docs &amp; Guides</title>
			<style>body { color: red }</style>
			<script>console.log("ignored")</script>
		</head><body>
			<h1>Getting started</h1>
			<p>First   paragraph.</p>
			<p>Second paragraph.</p>
		</body></html>`))
	}))
	defer srv.Close()

	c, err := New(Options{APIKey: "k"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := c.Scrape(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if res.Title != "Docs & Guides" {
		t.Fatalf("title=%q", res.Title)
	}
	if strings.Contains(res.Text, "color: red") || strings.Contains(res.Text, "console.log") {
		t.Fatalf("style/script leaked into text: %q", res.Text)
	}
	for _, want := range []string{"Getting started", "First paragraph.", "Second paragraph."} {
		if !strings.Contains(res.Text, want) {
			t.Fatalf("text %q missing %q", res.Text, want)
		}
	}
	if !strings.Contains(res.Text, "First paragraph.\nSecond paragraph.") {
		t.Fatalf("paragraphs not separated: %q", res.Text)
	}
}

func TestScrape_RejectsNonHTTPSchemes(t *testing.T) {
	t.Parallel()

	c, err := New(Options{APIKey: "k"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, raw := range []string{"file:///etc/passwd", "javascript:alert(1)", "data:text/plain,hi"} {
		if _, err := c.Scrape(context.Background(), raw); err == nil {
			t.Fatalf("%s accepted", raw)
		}
	}
}

func TestRenderForModel(t *testing.T) {
	t.Parallel()

	res := SearchResult{
		Query: "q",
		Results: []ResultItem{
			{Title: "A", URL: "https://a.dev", Snippet: "alpha"},
			{Title: "B", URL: "https://b.dev"},
		},
	}
	got := res.RenderForModel()
	want := "A\nhttps://a.dev\nalpha\n\nB\nhttps://b.dev"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if empty := (SearchResult{Query: "q"}).RenderForModel(); !strings.Contains(empty, "No results") {
		t.Fatalf("empty render=%q", empty)
	}
}
