package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const samplePage = `<!DOCTYPE html>
<html>
<head>
  <title>  Go   Concurrency  </title>
  <style>body { color: red; }</style>
  <script>var tracking = true;</script>
</head>
<body>
  <nav><a href="/">Home</a></nav>
  <header>Site header</header>
  <h1>Goroutines</h1>
  <p>Goroutines are   lightweight
     threads.</p>
  <ul>
    <li><p>Channels connect them.</p></li>
    <li>Select waits on many.</li>
  </ul>
  <footer>Copyright</footer>
</body>
</html>`

func newTestFetcher(t *testing.T, maxChars int) *PageFetcher {
	cfg := newTestConfig("http://localhost", t.TempDir())
	cfg.MaxPageChars = maxChars
	// httptest servers listen on loopback
	fetcher := newPageFetcher(cfg, nil)
	fetcher.retryDelay = 10 * time.Millisecond
	return fetcher
}

// TestExtractPageContent tests readable text extraction
func TestExtractPageContent(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(samplePage))
	if err != nil {
		t.Fatalf("Failed to parse HTML: %v", err)
	}

	page := ExtractPageContent(doc, 0)

	if page.Title != "Go Concurrency" {
		t.Errorf("Title = %q, want %q", page.Title, "Go Concurrency")
	}

	want := "Goroutines\n\nGoroutines are lightweight threads.\n\nChannels connect them.\n\nSelect waits on many."
	if page.Content != want {
		t.Errorf("Content = %q, want %q", page.Content, want)
	}
	for _, unwanted := range []string{"tracking", "color", "Home", "Site header", "Copyright"} {
		if strings.Contains(page.Content, unwanted) {
			t.Errorf("Content should not contain %q", unwanted)
		}
	}
	if page.Truncated {
		t.Error("Content should not be truncated")
	}
}

// TestExtractPageContentFallbacks tests title and body fallbacks
func TestExtractPageContentFallbacks(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`<html><body><h1>Heading</h1><div>Loose   text</div></body></html>`))
	if err != nil {
		t.Fatalf("Failed to parse HTML: %v", err)
	}

	page := ExtractPageContent(doc, 0)
	if page.Title != "Heading" {
		t.Errorf("Title = %q, want h1 text", page.Title)
	}

	doc, _ = goquery.NewDocumentFromReader(strings.NewReader(`<html><body><div>Only   divs here</div></body></html>`))
	page = ExtractPageContent(doc, 0)
	if page.Content != "Only divs here" {
		t.Errorf("Content = %q, want body text", page.Content)
	}
}

// TestExtractPageContentTruncation tests the character limit
func TestExtractPageContentTruncation(t *testing.T) {
	doc, _ := goquery.NewDocumentFromReader(strings.NewReader(`<html><body><p>héllo wörld</p></body></html>`))

	page := ExtractPageContent(doc, 5)
	if page.Content != "héllo" {
		t.Errorf("Content = %q, want first 5 characters", page.Content)
	}
	if !page.Truncated {
		t.Error("Truncated should be set")
	}
}

// TestFetchURLContent tests fetching and caching pages
func TestFetchURLContent(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("User-Agent") != FetchUserAgent {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(samplePage))
	}))
	defer server.Close()

	fetcher := newTestFetcher(t, 20000)

	page, err := fetcher.FetchURLContent(context.Background(), server.URL+"/article")
	if err != nil {
		t.Fatalf("FetchURLContent failed: %v", err)
	}
	if page.URL != server.URL+"/article" {
		t.Errorf("URL = %q", page.URL)
	}
	if page.Title != "Go Concurrency" {
		t.Errorf("Title = %q", page.Title)
	}
	if page.FetchedAt.IsZero() {
		t.Error("FetchedAt should be set")
	}

	if _, err := fetcher.FetchURLContent(context.Background(), server.URL+"/article"); err != nil {
		t.Fatalf("second FetchURLContent failed: %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("Expected the second fetch to be served from cache, server saw %d requests", n)
	}
}

// TestFetchURLContentUnsupported tests URL validation
func TestFetchURLContentUnsupported(t *testing.T) {
	fetcher := newTestFetcher(t, 20000)

	for _, rawURL := range []string{"", "ftp://example.com/file", "file:///etc/passwd", "not a url", "http://"} {
		if _, err := fetcher.FetchURLContent(context.Background(), rawURL); !errors.Is(err, ErrUnsupportedURL) {
			t.Errorf("FetchURLContent(%q) error = %v, want ErrUnsupportedURL", rawURL, err)
		}
	}
}

// TestFetchURLContentBadStatus tests non-200 answers
func TestFetchURLContentBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	fetcher := newTestFetcher(t, 20000)

	_, err := fetcher.FetchURLContent(context.Background(), server.URL)
	if err == nil {
		t.Fatal("Expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want status code mentioned", err)
	}
}

// TestFetchURLContentRetry tests the retry after a connection failure
func TestFetchURLContentRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := server.URL
	server.Close()

	fetcher := newTestFetcher(t, 20000)

	_, err := fetcher.FetchURLContent(context.Background(), deadURL)
	if err == nil {
		t.Fatal("Expected error for unreachable server")
	}
	if !strings.Contains(err.Error(), "after 2 attempts") {
		t.Errorf("error = %v, want retry count", err)
	}
}

// TestFetchURLContentRejectsInternalAddresses tests that the default fetcher
// never connects to loopback pages
func TestFetchURLContentRejectsInternalAddresses(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("<html><body><p>internal-admin-secret</p></body></html>"))
	}))
	defer server.Close()

	fetcher := NewPageFetcher(newTestConfig("http://localhost", t.TempDir()))
	fetcher.retryDelay = 10 * time.Millisecond

	page, err := fetcher.FetchURLContent(context.Background(), server.URL+"/admin")
	if !errors.Is(err, ErrBlockedAddress) {
		t.Fatalf("error = %v, want ErrBlockedAddress", err)
	}
	if page != nil {
		t.Errorf("Expected no page, got %+v", page)
	}
	if n := atomic.LoadInt32(&hits); n != 0 {
		t.Errorf("server saw %d requests, want none", n)
	}
}

// TestIsBlockedAddress tests address classification
func TestIsBlockedAddress(t *testing.T) {
	tests := []struct {
		addr    string
		blocked bool
	}{
		{"127.0.0.1", true},
		{"127.10.0.5", true},
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"100.64.0.1", true},
		{"0.0.0.0", true},
		{"224.0.0.1", true},
		{"::1", true},
		{"::", true},
		{"fe80::1", true},
		{"fd00::1", true},
		{"::ffff:127.0.0.1", true},
		{"93.184.216.34", false},
		{"8.8.8.8", false},
		{"2606:4700:4700::1111", false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := isBlockedAddress(netip.MustParseAddr(tt.addr)); got != tt.blocked {
				t.Errorf("isBlockedAddress(%s) = %v, want %v", tt.addr, got, tt.blocked)
			}
		})
	}
}

// TestPublicOnly tests the dial guard on resolved addresses
func TestPublicOnly(t *testing.T) {
	for _, address := range []string{"127.0.0.1:80", "[::1]:443", "169.254.169.254:80", "not-an-address"} {
		if err := publicOnly("tcp", address, nil); !errors.Is(err, ErrBlockedAddress) {
			t.Errorf("publicOnly(%q) = %v, want ErrBlockedAddress", address, err)
		}
	}
	if err := publicOnly("tcp", "93.184.216.34:443", nil); err != nil {
		t.Errorf("publicOnly(public) = %v, want nil", err)
	}
}

// TestFetchURLContentBodyLimit tests that only the first MaxPageBytes are read
func TestFetchURLContentBodyLimit(t *testing.T) {
	body := "<html><body><p>" + strings.Repeat("a", 200) + "</p><p>tail-marker</p></body></html>"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer server.Close()

	cfg := newTestConfig("http://localhost", t.TempDir())
	cfg.MaxPageBytes = 128
	fetcher := newPageFetcher(cfg, nil)

	page, err := fetcher.FetchURLContent(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("FetchURLContent failed: %v", err)
	}
	if strings.Contains(page.Content, "tail-marker") {
		t.Error("Content past the byte limit should not be read")
	}
	if !strings.HasPrefix(page.Content, "aaaa") {
		t.Errorf("Content = %q, want the leading text", page.Content)
	}
}
