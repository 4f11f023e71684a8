package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	// HTTP timeout for each page request
	FetchTimeout = 30 * time.Second

	// Delay before retrying a failed page request
	FetchRetryDelay = 2 * time.Second

	fetchMaxAttempts = 2

	FetchUserAgent = "LLM-Council-Reference-Fetcher/1.0"
)

var (
	// ErrUnsupportedURL is returned for anything but absolute http(s) URLs.
	ErrUnsupportedURL = errors.New("only absolute http and https URLs are supported")
	// ErrBlockedAddress is returned when a page resolves to a non-public address.
	ErrBlockedAddress = errors.New("address is not publicly routable")
)

// carrierGradeNAT is 100.64.0.0/10, which netip does not classify as private.
var carrierGradeNAT = netip.MustParsePrefix("100.64.0.0/10")

// DialControl inspects a resolved address before a connection is made.
type DialControl func(network, address string, c syscall.RawConn) error

// isBlockedAddress reports whether ip must never be fetched.
func isBlockedAddress(ip netip.Addr) bool {
	ip = ip.Unmap()
	return !ip.IsValid() ||
		ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified() ||
		carrierGradeNAT.Contains(ip)
}

// publicOnly refuses connections to loopback, private, link-local and
// unspecified addresses. It runs after DNS resolution, for every hop of a redirect.
func publicOnly(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil || isBlockedAddress(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	return nil
}

// PageContent is the readable text of a web page, ready to paste into a query.
type PageContent struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Truncated bool      `json:"truncated"`
	FetchedAt time.Time `json:"fetched_at"`
}

// PageFetcher downloads pages and extracts their text, caching by URL.
type PageFetcher struct {
	client     *http.Client
	cache      *PageCache
	maxChars   int
	maxBytes   int64
	retryDelay time.Duration
}

// NewPageFetcher creates a fetcher that only connects to public addresses,
// using the configured size limits and cache TTL.
func NewPageFetcher(cfg *Config) *PageFetcher {
	return newPageFetcher(cfg, publicOnly)
}

// newPageFetcher builds a fetcher whose dialer runs control on every
// connection; nil control allows any address.
func newPageFetcher(cfg *Config, control DialControl) *PageFetcher {
	dialer := &net.Dialer{
		Timeout:   FetchTimeout,
		KeepAlive: 30 * time.Second,
		Control:   control,
	}
	transport := &http.Transport{
		// No proxy: the guard must see the page's own address
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	maxBytes := cfg.MaxPageBytes
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}

	return &PageFetcher{
		client:     &http.Client{Timeout: FetchTimeout, Transport: transport},
		cache:      NewPageCache(cfg.PageCacheTTL),
		maxChars:   cfg.MaxPageChars,
		maxBytes:   maxBytes,
		retryDelay: FetchRetryDelay,
	}
}

// FetchURLContent returns the readable text of rawURL, from cache when fresh.
func (f *PageFetcher) FetchURLContent(ctx context.Context, rawURL string) (*PageContent, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, ErrUnsupportedURL
	}
	key := parsed.String()

	if page, ok := f.cache.Get(key); ok {
		return page, nil
	}

	doc, err := f.fetchDocument(ctx, key)
	if err != nil {
		return nil, err
	}

	page := ExtractPageContent(doc, f.maxChars)
	page.URL = key
	page.FetchedAt = time.Now().UTC()

	f.cache.Set(key, page)
	if removed := f.cache.Prune(); removed > 0 {
		log.Printf("Pruned %d expired pages from cache", removed)
	}
	return page, nil
}

// fetchDocument GETs pageURL with one retry and parses the HTML.
func (f *PageFetcher) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	var resp *http.Response
	var err error
	for attempt := 0; attempt < fetchMaxAttempts; attempt++ {
		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", FetchUserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

		resp, err = f.client.Do(req)
		if err == nil {
			break
		}
		if errors.Is(err, ErrBlockedAddress) {
			return nil, fmt.Errorf("refusing to fetch %s: %w", pageURL, err)
		}

		if attempt < fetchMaxAttempts-1 {
			log.Printf("Attempt %d to fetch %s failed, retrying in %s: %v", attempt+1, pageURL, f.retryDelay, err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.retryDelay):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s after %d attempts: %w", pageURL, fetchMaxAttempts, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d for %s", resp.StatusCode, pageURL)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return doc, nil
}

// ExtractPageContent pulls the title and readable block text out of doc,
// limited to maxChars characters (no limit when maxChars <= 0).
func ExtractPageContent(doc *goquery.Document, maxChars int) *PageContent {
	doc.Find("script, style, noscript, nav, footer, header, aside, form").Remove()

	title := collapseWhitespace(doc.Find("title").First().Text())
	if title == "" {
		title = collapseWhitespace(doc.Find("h1").First().Text())
	}

	var blocks []string
	doc.Find("h1, h2, h3, h4, p, li, pre, blockquote").Each(func(i int, s *goquery.Selection) {
		// Nested blocks (p inside li, etc.) are covered by their parent
		if s.ParentsFiltered("p, li, pre, blockquote").Length() > 0 {
			return
		}
		if text := collapseWhitespace(s.Text()); text != "" {
			blocks = append(blocks, text)
		}
	})

	content := strings.Join(blocks, "\n\n")
	if content == "" {
		content = collapseWhitespace(doc.Find("body").Text())
	}

	page := &PageContent{Title: title, Content: content}
	if runes := []rune(content); maxChars > 0 && len(runes) > maxChars {
		page.Content = string(runes[:maxChars])
		page.Truncated = true
	}
	return page
}

// collapseWhitespace joins all whitespace runs (&nbsp; included) into single spaces.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
