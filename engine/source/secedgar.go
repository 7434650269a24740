package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/rake-ingest/rake/engine/model"
	"github.com/rake-ingest/rake/pkg/rakeerr"
	"github.com/rake-ingest/rake/pkg/resilience"
)

const secEdgarMaxFilingBytes = 25 << 20

var scriptStyleTag = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
var htmlTag = regexp.MustCompile(`(?s)<[^>]+>`)

// SecEdgarConfig configures the SEC EDGAR adapter. UserAgent must carry a
// real contact (SEC rejects anonymous agents), and MinInterval enforces the
// fair-access rate the agency asks for per source IP.
type SecEdgarConfig struct {
	UserAgent   string
	MinInterval time.Duration
	HTTPClient  *http.Client
	BaseURL     string
}

func DefaultSecEdgarConfig(userAgent string) SecEdgarConfig {
	return SecEdgarConfig{
		UserAgent:   userAgent,
		MinInterval: 110 * time.Millisecond,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		BaseURL:     "https://www.sec.gov",
	}
}

// SecEdgarAdapter fetches a company's EDGAR browse-edgar Atom filing listing
// by CIK and returns its text as one document.
type SecEdgarAdapter struct {
	cfg     SecEdgarConfig
	limiter *resilience.Limiter
}

func NewSecEdgarAdapter(cfg SecEdgarConfig) (*SecEdgarAdapter, error) {
	if err := validateUserAgent(cfg.UserAgent); err != nil {
		return nil, rakeerr.New(rakeerr.KindValidation, err)
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultSecEdgarConfig("").MinInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.sec.gov"
	}
	ratePerSecond := float64(time.Second) / float64(cfg.MinInterval)
	return &SecEdgarAdapter{
		cfg:     cfg,
		limiter: resilience.NewLimiter(resilience.LimiterOpts{Rate: ratePerSecond, Burst: 1}),
	}, nil
}

func validateUserAgent(ua string) error {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return fmt.Errorf("%w: sec_edgar requires a contact user agent", rakeerr.ErrMissingParam)
	}
	fields := strings.Fields(ua)
	for _, f := range fields {
		if _, err := mail.ParseAddress(f); err == nil {
			return nil
		}
		if strings.HasPrefix(f, "http://") || strings.HasPrefix(f, "https://") {
			return nil
		}
	}
	return fmt.Errorf("sec_edgar user agent %q must contain a contact email or URL", ua)
}

func (a *SecEdgarAdapter) Kind() string { return "sec_edgar" }

func (a *SecEdgarAdapter) Validate(params Params) error {
	cik := params.str("cik")
	ticker := params.str("ticker")
	if cik == "" && ticker == "" {
		return rakeerr.New(rakeerr.KindValidation, rakeerr.NewValidation("cik/ticker", "", rakeerr.ErrMissingParam))
	}
	return nil
}

func (a *SecEdgarAdapter) Fetch(ctx context.Context, params Params) ([]model.RawDocument, error) {
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	cik := params.str("cik")
	formType := params.str("form_type")
	if formType == "" {
		formType = "10-K"
	}

	url := fmt.Sprintf("%s/cgi-bin/browse-edgar?action=getcompany&CIK=%s&type=%s&dateb=&owner=include&count=10&output=atom",
		a.cfg.BaseURL, cik, formType)

	body, err := a.get(ctx, url)
	if err != nil {
		return nil, err
	}

	cleaned := stripMarkup(string(body))
	if strings.TrimSpace(cleaned) == "" {
		return nil, rakeerr.New(rakeerr.KindPermanentFetch, rakeerr.ErrEmptyContent)
	}

	return []model.RawDocument{{
		ID:         fmt.Sprintf("sec-%s-%s", cik, formType),
		SourceKind: a.Kind(),
		Content:    cleaned,
		Metadata: map[string]any{
			"cik":       cik,
			"form_type": formType,
		},
		FetchedAt: time.Now().UTC(),
		TenantID:  params.str("tenant_id"),
		URL:       url,
	}}, nil
}

func (a *SecEdgarAdapter) get(ctx context.Context, url string) ([]byte, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, rakeerr.New(rakeerr.KindTransientFetch, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, rakeerr.New(rakeerr.KindPermanentFetch, err)
	}
	req.Header.Set("User-Agent", a.cfg.UserAgent)

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, rakeerr.New(rakeerr.KindTransientFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, rakeerr.New(rakeerr.KindTransientFetch, fmt.Errorf("sec edgar returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, rakeerr.New(rakeerr.KindPermanentFetch, fmt.Errorf("sec edgar returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, secEdgarMaxFilingBytes))
	if err != nil {
		return nil, rakeerr.New(rakeerr.KindTransientFetch, err)
	}
	return body, nil
}

func stripMarkup(raw string) string {
	s := scriptStyleTag.ReplaceAllString(raw, " ")
	s = htmlTag.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

func (a *SecEdgarAdapter) HealthCheck(ctx context.Context) error {
	_, err := a.get(ctx, a.cfg.BaseURL+"/cgi-bin/browse-edgar?action=getcompany&company=apple&type=10-K&dateb=&owner=include&count=1&output=atom")
	return err
}

func (a *SecEdgarAdapter) Close() error { return nil }

var _ Adapter = (*SecEdgarAdapter)(nil)
