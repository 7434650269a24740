package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestUrlScrapeAdapterFetchExtractsArticle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			w.Write([]byte("User-agent: *\nDisallow: /private\n"))
		default:
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(`<html><head><title>Hi</title></head><body><nav>skip</nav><article><p>Real content here.</p></article></body></html>`))
		}
	}))
	defer srv.Close()

	a := NewUrlScrapeAdapter(DefaultUrlScrapeConfig())
	docs, err := a.Fetch(context.Background(), Params{"url": srv.URL + "/page"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 doc, got %d", len(docs))
	}
	if !strings.Contains(docs[0].Content, "Real content here.") {
		t.Fatalf("expected article text, got %q", docs[0].Content)
	}
	if strings.Contains(docs[0].Content, "skip") {
		t.Fatalf("expected nav text excluded from article extraction, got %q", docs[0].Content)
	}
}

func TestUrlScrapeAdapterRespectsRobotsDisallow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Write([]byte("User-agent: *\nDisallow: /private\n"))
			return
		}
		w.Write([]byte("should not be reached"))
	}))
	defer srv.Close()

	a := NewUrlScrapeAdapter(DefaultUrlScrapeConfig())
	_, err := a.Fetch(context.Background(), Params{"url": srv.URL + "/private/doc"})
	if err == nil {
		t.Fatalf("expected robots disallow error")
	}
}

func TestUrlScrapeAdapterRespectsNamedUAGroup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Write([]byte("User-agent: *\nDisallow:\n\nUser-agent: rake-ingest\nDisallow: /private\n"))
			return
		}
		w.Write([]byte("should not be reached"))
	}))
	defer srv.Close()

	a := NewUrlScrapeAdapter(DefaultUrlScrapeConfig())
	_, err := a.Fetch(context.Background(), Params{"url": srv.URL + "/private/doc"})
	if err == nil {
		t.Fatalf("expected robots disallow error from the named group matching this adapter's UA")
	}
}

func TestUrlScrapeAdapterValidateRejectsNonHTTP(t *testing.T) {
	a := NewUrlScrapeAdapter(DefaultUrlScrapeConfig())
	if err := a.Validate(Params{"url": "ftp://example.com/x"}); err == nil {
		t.Fatalf("expected validation error for non-http scheme")
	}
}

func TestParseSitemapExtractsLocs(t *testing.T) {
	xmlBody := []byte(`<?xml version="1.0"?><urlset><url><loc>https://a.test/1</loc></url><url><loc>https://a.test/2</loc></url></urlset>`)
	locs, err := parseSitemap(xmlBody)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(locs) != 2 {
		t.Fatalf("expected 2 locs, got %d", len(locs))
	}
}
