package source

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/rake-ingest/rake/engine/model"
	"github.com/rake-ingest/rake/pkg/rakeerr"
	"github.com/rake-ingest/rake/pkg/resilience"
)

const (
	urlScrapeDefaultMaxBytes = 10 << 20
	urlScrapeMaxSitemapURLs  = 500
)

// UrlScrapeConfig configures the URL scrape adapter.
type UrlScrapeConfig struct {
	HTTPClient      *http.Client
	MaxContentBytes int64
	RespectRobots   bool
	UserAgent       string
	HostRateLimit   float64 // requests per second, per host
}

func DefaultUrlScrapeConfig() UrlScrapeConfig {
	return UrlScrapeConfig{
		HTTPClient:      &http.Client{Timeout: 20 * time.Second},
		MaxContentBytes: urlScrapeDefaultMaxBytes,
		RespectRobots:   true,
		UserAgent:       "rake-ingest/1.0",
		HostRateLimit:   1,
	}
}

// UrlScrapeAdapter fetches a single page or every page named by a sitemap.
type UrlScrapeAdapter struct {
	cfg     UrlScrapeConfig
	mu      sync.Mutex
	hostLim map[string]*resilience.Limiter
	robots  map[string]*robotsRules
}

func NewUrlScrapeAdapter(cfg UrlScrapeConfig) *UrlScrapeAdapter {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 20 * time.Second}
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = urlScrapeDefaultMaxBytes
	}
	if cfg.HostRateLimit <= 0 {
		cfg.HostRateLimit = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "rake-ingest/1.0"
	}
	return &UrlScrapeAdapter{
		cfg:     cfg,
		hostLim: make(map[string]*resilience.Limiter),
		robots:  make(map[string]*robotsRules),
	}
}

func (a *UrlScrapeAdapter) Kind() string { return "url_scrape" }

func (a *UrlScrapeAdapter) Validate(params Params) error {
	raw := params.str("url")
	if raw == "" {
		return rakeerr.New(rakeerr.KindValidation, rakeerr.NewValidation("url", "", rakeerr.ErrMissingParam))
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return rakeerr.New(rakeerr.KindValidation, rakeerr.NewValidation("url", raw, fmt.Errorf("must be an absolute http(s) url")))
	}
	return nil
}

func (a *UrlScrapeAdapter) Fetch(ctx context.Context, params Params) ([]model.RawDocument, error) {
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	raw := params.str("url")
	mode := params.str("mode")
	if mode == "" {
		mode = "single"
	}
	tenant := params.str("tenant_id")

	if mode == "sitemap" {
		return a.fetchSitemap(ctx, raw, tenant)
	}
	doc, err := a.fetchOne(ctx, raw, tenant)
	if err != nil {
		return nil, err
	}
	return []model.RawDocument{doc}, nil
}

func (a *UrlScrapeAdapter) fetchOne(ctx context.Context, raw, tenant string) (model.RawDocument, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return model.RawDocument{}, rakeerr.New(rakeerr.KindPermanentFetch, err)
	}

	if a.cfg.RespectRobots {
		allowed, err := a.checkRobots(ctx, u)
		if err != nil {
			return model.RawDocument{}, rakeerr.New(rakeerr.KindTransientFetch, err)
		}
		if !allowed {
			return model.RawDocument{}, rakeerr.New(rakeerr.KindPermanentFetch, rakeerr.ErrRobotsDisallowed)
		}
	}

	if err := a.hostLimiter(u.Host).Wait(ctx); err != nil {
		return model.RawDocument{}, rakeerr.New(rakeerr.KindTransientFetch, err)
	}

	body, contentType, err := a.get(ctx, raw)
	if err != nil {
		return model.RawDocument{}, err
	}

	if !strings.Contains(contentType, "html") && !strings.Contains(contentType, "text") {
		return model.RawDocument{}, rakeerr.New(rakeerr.KindPermanentFetch, fmt.Errorf("unsupported content-type %q", contentType))
	}

	title, mainText := extractMain(body)
	if strings.TrimSpace(mainText) == "" {
		return model.RawDocument{}, rakeerr.New(rakeerr.KindPermanentFetch, rakeerr.ErrEmptyContent)
	}

	return model.RawDocument{
		ID:         raw,
		SourceKind: a.Kind(),
		Content:    mainText,
		Metadata: map[string]any{
			"title":        title,
			"content_type": contentType,
		},
		FetchedAt: time.Now().UTC(),
		TenantID:  tenant,
		URL:       raw,
	}, nil
}

func (a *UrlScrapeAdapter) fetchSitemap(ctx context.Context, sitemapURL, tenant string) ([]model.RawDocument, error) {
	body, _, err := a.get(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}
	locs, err := parseSitemap(body)
	if err != nil {
		return nil, rakeerr.New(rakeerr.KindPermanentFetch, err)
	}
	if strings.Contains(string(body), "<sitemapindex") {
		var pages []string
		for _, child := range locs {
			childBody, _, err := a.get(ctx, child)
			if err != nil {
				continue
			}
			if childLocs, err := parseSitemap(childBody); err == nil {
				pages = append(pages, childLocs...)
			}
		}
		locs = pages
	}
	if len(locs) > urlScrapeMaxSitemapURLs {
		locs = locs[:urlScrapeMaxSitemapURLs]
	}

	var docs []model.RawDocument
	for _, loc := range locs {
		select {
		case <-ctx.Done():
			return docs, rakeerr.New(rakeerr.KindTransientFetch, ctx.Err())
		default:
		}
		doc, err := a.fetchOne(ctx, loc, tenant)
		if err != nil {
			continue // partial sitemap failures are not fatal to the whole crawl
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return nil, rakeerr.New(rakeerr.KindPermanentFetch, rakeerr.ErrEmptyContent)
	}
	return docs, nil
}

func (a *UrlScrapeAdapter) get(ctx context.Context, raw string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, "", rakeerr.New(rakeerr.KindPermanentFetch, err)
	}
	req.Header.Set("User-Agent", a.cfg.UserAgent)

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, "", rakeerr.New(rakeerr.KindTransientFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, "", rakeerr.New(rakeerr.KindTransientFetch, fmt.Errorf("url scrape: status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, "", rakeerr.New(rakeerr.KindPermanentFetch, fmt.Errorf("url scrape: status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxContentBytes))
	if err != nil {
		return nil, "", rakeerr.New(rakeerr.KindTransientFetch, err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (a *UrlScrapeAdapter) hostLimiter(host string) *resilience.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.hostLim[host]
	if !ok {
		l = resilience.NewLimiter(resilience.LimiterOpts{Rate: a.cfg.HostRateLimit, Burst: 1})
		a.hostLim[host] = l
	}
	return l
}

// extractMain pulls a best-effort title and body text out of an HTML document.
// The cascade prefers <article>, then <main>, then the full <body>.
func extractMain(body []byte) (title, text string) {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return "", string(body)
	}

	var titleText, articleText, mainText, bodyText strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				collectText(n, &titleText)
			case "article":
				collectText(n, &articleText)
			case "main":
				collectText(n, &mainText)
			case "body":
				collectText(n, &bodyText)
			case "script", "style", "noscript":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	title = strings.TrimSpace(titleText.String())
	switch {
	case strings.TrimSpace(articleText.String()) != "":
		text = normalizeWhitespace(articleText.String())
	case strings.TrimSpace(mainText.String()) != "":
		text = normalizeWhitespace(mainText.String())
	default:
		text = normalizeWhitespace(bodyText.String())
	}
	return title, text
}

func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		sb.WriteString(" ")
		return
	}
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript") {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

type urlSet struct {
	XMLName xml.Name   `xml:"urlset"`
	URLs    []sitemapURL `xml:"url"`
}

type sitemapURL struct {
	Loc string `xml:"loc"`
}

type sitemapIndex struct {
	XMLName  xml.Name      `xml:"sitemapindex"`
	Sitemaps []sitemapURL  `xml:"sitemap"`
}

// parseSitemap handles both a plain urlset and a sitemap index pointing at
// other sitemaps (the index's child sitemap URLs are returned as-is;
// fetchSitemap follows them one level and does not recurse further).
func parseSitemap(body []byte) ([]string, error) {
	var set urlSet
	if err := xml.Unmarshal(body, &set); err == nil && len(set.URLs) > 0 {
		locs := make([]string, 0, len(set.URLs))
		for _, u := range set.URLs {
			if u.Loc != "" {
				locs = append(locs, u.Loc)
			}
		}
		return locs, nil
	}

	var idx sitemapIndex
	if err := xml.Unmarshal(body, &idx); err == nil && len(idx.Sitemaps) > 0 {
		locs := make([]string, 0, len(idx.Sitemaps))
		for _, s := range idx.Sitemaps {
			if s.Loc != "" {
				locs = append(locs, s.Loc)
			}
		}
		return locs, nil
	}

	return nil, fmt.Errorf("url scrape: could not parse sitemap xml")
}

// robotsRules is a minimal robots.txt model: per-path Disallow prefixes
// merged from the User-agent: * group and any named group whose name is a
// substring of this adapter's configured UA (§4.3.3), without pulling in a
// dedicated robots.txt parser (none is present anywhere in the corpus).
type robotsRules struct {
	disallow []string
}

func (r *robotsRules) allows(path string) bool {
	for _, prefix := range r.disallow {
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

func (a *UrlScrapeAdapter) checkRobots(ctx context.Context, u *url.URL) (bool, error) {
	a.mu.Lock()
	rules, ok := a.robots[u.Host]
	a.mu.Unlock()
	if !ok {
		robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)
		body, _, err := a.get(ctx, robotsURL)
		if err != nil {
			// Treat an unreachable robots.txt as permissive; this mirrors
			// common crawler behavior rather than blocking on an edge case.
			rules = &robotsRules{}
		} else {
			rules = parseRobots(body, a.cfg.UserAgent)
		}
		a.mu.Lock()
		a.robots[u.Host] = rules
		a.mu.Unlock()
	}
	return rules.allows(u.Path), nil
}

// parseRobots merges Disallow rules from the User-agent: * group with any
// named group whose name is a substring of ua (case-insensitively), so a
// site-specific, stricter block aimed at this bot is honored rather than
// silently skipped in favor of the wildcard group alone.
func parseRobots(body []byte, ua string) *robotsRules {
	rules := &robotsRules{}
	uaLower := strings.ToLower(ua)
	inMatchingGroup := false
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])
		switch key {
		case "user-agent":
			group := strings.ToLower(value)
			inMatchingGroup = group == "*" || (group != "" && uaLower != "" && strings.Contains(uaLower, group))
		case "disallow":
			if inMatchingGroup {
				rules.disallow = append(rules.disallow, value)
			}
		}
	}
	return rules
}

func (a *UrlScrapeAdapter) HealthCheck(ctx context.Context) error {
	_, _, err := a.get(ctx, "https://www.google.com/generate_204")
	return err
}

func (a *UrlScrapeAdapter) Close() error { return nil }

var _ Adapter = (*UrlScrapeAdapter)(nil)
