// Package fetch retrieves and parses syndication feeds into normalized
// entries.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"newsfeeder/internal/model"
)

// Concurrency settings
const (
	// MaxConcurrencyPerDomain limits parallel requests to any single domain
	MaxConcurrencyPerDomain = 2
	// DelayBetweenDomainRequests is the minimum delay between requests to the same domain
	DelayBetweenDomainRequests = 500 * time.Millisecond
	// DefaultTimeout bounds one feed retrieval end to end.
	DefaultTimeout = 20 * time.Second
)

// FetchError is a network or transport fault while retrieving a feed
// document. It is per-feed and non-fatal to an ingestion cycle.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.URL, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// ParseError means the retrieved document could not be interpreted as the
// feed's declared format. It is per-feed and non-fatal to an ingestion cycle.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.URL, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// Entry is one normalized feed entry. Summary and Body are empty strings,
// never absent, when the source document omits them.
type Entry struct {
	Link      string
	Title     string
	Published time.Time
	Summary   string
	Body      string
	Tags      []string
}

// domainLimiter controls rate limiting per domain to avoid overwhelming hosts.
type domainLimiter struct {
	mu          sync.Mutex
	semaphores  map[string]chan struct{}
	lastRequest map[string]time.Time
}

// newDomainLimiter creates a new per-domain rate limiter.
func newDomainLimiter() *domainLimiter {
	return &domainLimiter{
		semaphores:  make(map[string]chan struct{}),
		lastRequest: make(map[string]time.Time),
	}
}

// acquire gets a slot for the domain, blocking if necessary.
// It also enforces the minimum delay between requests to the same domain.
func (dl *domainLimiter) acquire(ctx context.Context, domain string) error {
	dl.mu.Lock()
	sem, ok := dl.semaphores[domain]
	if !ok {
		sem = make(chan struct{}, MaxConcurrencyPerDomain)
		dl.semaphores[domain] = sem
	}
	dl.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	dl.mu.Lock()
	lastReq := dl.lastRequest[domain]
	dl.mu.Unlock()

	if !lastReq.IsZero() {
		elapsed := time.Since(lastReq)
		if elapsed < DelayBetweenDomainRequests {
			delay := DelayBetweenDomainRequests - elapsed
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				<-sem
				return ctx.Err()
			}
		}
	}

	return nil
}

// release returns a slot for the domain and records the request time.
func (dl *domainLimiter) release(domain string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.lastRequest[domain] = time.Now()
	if sem, ok := dl.semaphores[domain]; ok {
		<-sem
	}
}

// extractDomain gets the host from a URL.
func extractDomain(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return feedURL // fallback to full URL
	}
	return u.Host
}

// Fetcher retrieves feed documents and normalizes their entries.
type Fetcher struct {
	parser        *gofeed.Parser
	timeout       time.Duration
	domainLimiter *domainLimiter
	logger        *slog.Logger
}

// New creates a Fetcher with the given per-feed timeout. A zero timeout uses
// DefaultTimeout.
func New(timeout time.Duration, logger *slog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		parser:        gofeed.NewParser(),
		timeout:       timeout,
		domainLimiter: newDomainLimiter(),
		logger:        logger,
	}
}

// Fetch retrieves one feed and returns its normalized entries. The declared
// format of the feed is authoritative: a document that parses as a different
// format is a ParseError, the same as a document that does not parse at all.
func (f *Fetcher) Fetch(ctx context.Context, feed model.Feed) ([]Entry, error) {
	domain := extractDomain(feed.URL)
	if err := f.domainLimiter.acquire(ctx, domain); err != nil {
		return nil, &FetchError{URL: feed.URL, Err: err}
	}
	defer f.domainLimiter.release(domain)

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	parsed, err := f.parser.ParseURLWithContext(feed.URL, ctx)
	if err != nil {
		return nil, classify(feed.URL, err)
	}
	if parsed.FeedType != string(feed.Format) {
		return nil, &ParseError{
			URL: feed.URL,
			Err: fmt.Errorf("document is %s, feed is declared %s", parsed.FeedType, feed.Format),
		}
	}

	now := time.Now().UTC()
	entries := make([]Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		link := item.Link
		if link == "" {
			link = item.GUID
		}
		if link == "" {
			f.logger.Warn("skipping entry without link", "feed", feed.URL, "title", item.Title)
			continue
		}
		published := now
		if item.PublishedParsed != nil {
			published = item.PublishedParsed.UTC()
		} else if item.UpdatedParsed != nil {
			published = item.UpdatedParsed.UTC()
		}
		entries = append(entries, Entry{
			Link:      link,
			Title:     item.Title,
			Published: published,
			Summary:   item.Description,
			Body:      item.Content,
			Tags:      item.Categories,
		})
	}
	return entries, nil
}

// classify maps gofeed failures onto the transport/parse error taxonomy.
func classify(feedURL string, err error) error {
	var (
		httpErr gofeed.HTTPError
		urlErr  *url.Error
	)
	switch {
	case errors.As(err, &httpErr),
		errors.As(err, &urlErr),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return &FetchError{URL: feedURL, Err: err}
	default:
		return &ParseError{URL: feedURL, Err: err}
	}
}
