package features

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
	"golang.org/x/time/rate"
)

// Capabilities are the DOM-derived flags an opportunity may lack when it
// comes straight from the coordinator
type Capabilities struct {
	HasCommentForm       bool
	HasRegistrationForm  bool
	HasContactForm       bool
	RequiresLogin        bool
	RegistrationDetected bool
	CaptchaDetected      bool
	Platform             string
}

// cachedPage is one fetched document in the badger cache
type cachedPage struct {
	URL       string `badgerhold:"key"`
	HTML      string
	FetchedAt time.Time
}

// Extractor fetches candidate pages politely and derives capability flags.
// Fetches go through a shared rate limiter and land in a TTL'd cache so
// dataset rebuilds do not rehit the same sites.
type Extractor struct {
	store     *badgerhold.Store
	limiter   *rate.Limiter
	ttl       time.Duration
	userAgent string
	logger    arbor.ILogger
}

func NewExtractor(cacheDir string, ttl time.Duration, userAgent string, logger arbor.ILogger) (*Extractor, error) {
	options := badgerhold.DefaultOptions
	options.Dir = cacheDir
	options.ValueDir = cacheDir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open fetch cache: %w", err)
	}

	if userAgent == "" {
		userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}

	return &Extractor{
		store:     store,
		limiter:   rate.NewLimiter(rate.Every(2*time.Second), 1),
		ttl:       ttl,
		userAgent: userAgent,
		logger:    logger,
	}, nil
}

// Close releases the cache store
func (e *Extractor) Close() error {
	return e.store.Close()
}

// Capabilities returns the flags for a URL, fetching the page when the cache
// has no fresh copy.
func (e *Extractor) Capabilities(ctx context.Context, pageURL string) (Capabilities, error) {
	html, err := e.fetch(ctx, pageURL)
	if err != nil {
		return Capabilities{}, err
	}
	return CapabilitiesFromHTML(pageURL, html), nil
}

func (e *Extractor) fetch(ctx context.Context, pageURL string) (string, error) {
	var cached cachedPage
	if err := e.store.Get(pageURL, &cached); err == nil {
		if time.Since(cached.FetchedAt) < e.ttl {
			return cached.HTML, nil
		}
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return "", err
	}

	c := colly.NewCollector(
		colly.StdlibContext(ctx),
		colly.UserAgent(e.userAgent),
		colly.MaxBodySize(2*1024*1024),
	)
	c.SetRequestTimeout(30 * time.Second)

	var body []byte
	var fetchErr error
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
	})
	c.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := c.Visit(pageURL); err != nil {
		return "", fmt.Errorf("fetch failed for %s: %w", pageURL, err)
	}
	c.Wait()
	if fetchErr != nil {
		return "", fmt.Errorf("fetch failed for %s: %w", pageURL, fetchErr)
	}

	html := string(body)
	if err := e.store.Upsert(pageURL, &cachedPage{URL: pageURL, HTML: html, FetchedAt: time.Now().UTC()}); err != nil {
		e.logger.Warn().Err(err).Str("url", pageURL).Msg("Failed to cache fetched page")
	}
	return html, nil
}

// capabilityColumns are the DOM-derived flags the dataset preparator consumes
var capabilityColumns = []string{
	"has_comment_form", "has_registration_form", "has_contact_form",
	"requires_login", "registration_detected", "captcha_detected",
}

// EnrichDataset copies the CSV at src to dst, filling the capability columns
// for rows that lack them. Each distinct URL is fetched once per call; a
// failed fetch leaves the row's flags empty rather than dropping the row.
// Returns the number of rows enriched.
func (e *Extractor) EnrichDataset(ctx context.Context, src, dst string) (int, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open dataset %s: %w", src, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("failed to read dataset %s: %w", src, err)
	}
	if len(records) == 0 {
		return 0, fmt.Errorf("dataset %s is empty", src)
	}

	header := records[0]
	colIdx := make(map[string]int, len(header))
	for i, col := range header {
		colIdx[col] = i
	}
	urlIdx, ok := colIdx["url"]
	if !ok {
		return 0, fmt.Errorf("dataset %s has no url column", src)
	}
	for _, col := range capabilityColumns {
		if _, ok := colIdx[col]; !ok {
			colIdx[col] = len(header)
			header = append(header, col)
		}
	}

	enriched := 0
	fetched := make(map[string]Capabilities)
	out := make([][]string, 0, len(records))
	out = append(out, header)
	for _, record := range records[1:] {
		row := make([]string, len(header))
		copy(row, record)
		if urlIdx < len(record) && record[urlIdx] != "" && !rowHasCapabilities(record, colIdx) {
			pageURL := record[urlIdx]
			caps, seen := fetched[pageURL]
			if !seen {
				var ferr error
				caps, ferr = e.Capabilities(ctx, pageURL)
				if ferr != nil {
					if ctx.Err() != nil {
						return enriched, ctx.Err()
					}
					e.logger.Warn().Err(ferr).Str("url", pageURL).Msg("Capability fetch failed")
				}
				fetched[pageURL] = caps
			}
			for col, value := range map[string]bool{
				"has_comment_form":      caps.HasCommentForm,
				"has_registration_form": caps.HasRegistrationForm,
				"has_contact_form":      caps.HasContactForm,
				"requires_login":        caps.RequiresLogin,
				"registration_detected": caps.RegistrationDetected,
				"captcha_detected":      caps.CaptchaDetected,
			} {
				row[colIdx[col]] = strconv.FormatBool(value)
			}
			enriched++
		}
		out = append(out, row)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return enriched, err
	}
	dstFile, err := os.Create(dst)
	if err != nil {
		return enriched, fmt.Errorf("failed to create enriched dataset: %w", err)
	}
	defer dstFile.Close()
	w := csv.NewWriter(dstFile)
	if err := w.WriteAll(out); err != nil {
		return enriched, err
	}
	return enriched, nil
}

// rowHasCapabilities reports whether every capability cell already holds a value
func rowHasCapabilities(record []string, colIdx map[string]int) bool {
	for _, col := range capabilityColumns {
		i := colIdx[col]
		if i >= len(record) || strings.TrimSpace(record[i]) == "" {
			return false
		}
	}
	return true
}

// CapabilitiesFromHTML derives the flags from markup alone. Pure.
func CapabilitiesFromHTML(pageURL, html string) Capabilities {
	caps := Capabilities{Platform: GuessPlatform(pageURL, html)}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(html)))
	if err != nil {
		return caps
	}

	caps.HasCommentForm = doc.Find(
		`form textarea[name*="comment"], #respond textarea, .comment-form textarea, #disqus_thread`).Length() > 0
	caps.HasRegistrationForm = doc.Find(
		`form input[type="password"]`).Length() > 0 &&
		containsToken(doc, "register", "sign up", "signup", "create account")
	caps.HasContactForm = doc.Find(
		`form input[type="email"]`).Length() > 0 && doc.Find("form textarea").Length() > 0
	caps.RequiresLogin = containsToken(doc, "log in to", "login to comment", "sign in to", "members only")
	caps.RegistrationDetected = caps.HasRegistrationForm
	caps.CaptchaDetected = doc.Find(
		`.g-recaptcha, .h-captcha, iframe[src*="recaptcha"], iframe[src*="hcaptcha"], [data-sitekey]`).Length() > 0

	return caps
}

func containsToken(doc *goquery.Document, tokens ...string) bool {
	text := strings.ToLower(doc.Text())
	for _, token := range tokens {
		if strings.Contains(text, token) {
			return true
		}
	}
	return false
}
