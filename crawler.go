package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// errPermanent marks a fetch failure that retrying cannot fix (404, 410
// and other client errors). Everything else is treated as transient.
var errPermanent = errors.New("permanent fetch failure")

// maxBodyBytes bounds how much of any page response is read.
const maxBodyBytes = 5 * 1024 * 1024

// fetchLimiter enforces a minimum delay between outbound requests of the
// same class. Listing and post fetches share one class; each media kind
// gets its own. The clock is process-scoped and resets on start.
type fetchLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newFetchLimiter() *fetchLimiter {
	return &fetchLimiter{last: make(map[string]time.Time)}
}

// wait blocks until at least min has elapsed since the previous request
// of this class, then claims the slot.
func (l *fetchLimiter) wait(class string, min time.Duration) {
	if min <= 0 {
		return
	}
	l.mu.Lock()
	sleep := time.Duration(0)
	if last, ok := l.last[class]; ok {
		if elapsed := time.Since(last); elapsed < min {
			sleep = min - elapsed
		}
	}
	l.last[class] = time.Now().Add(sleep)
	l.mu.Unlock()

	if sleep > 0 {
		time.Sleep(sleep)
	}
}

// backoffDelay returns the bounded exponential delay before retrying
// attempt n (1-based).
func backoffDelay(attempt, minMs, maxMs int) time.Duration {
	delay := minMs << (attempt - 1)
	if delay > maxMs || delay <= 0 {
		delay = maxMs
	}
	return time.Duration(delay) * time.Millisecond
}

// Crawler walks the paginated listing one page at a time, normalizes each
// new post and commits it before the page cursor advances. It is
// deliberately single-threaded; pagination order is what makes the cursor
// meaningful.
type Crawler struct {
	store   *Store
	cfg     *Config
	client  *http.Client
	limiter *fetchLimiter
	target  string
}

// NewCrawler builds a crawler over the given store. The limiter is shared
// so a combined crawl+download run paces all traffic together.
func NewCrawler(store *Store, cfg *Config, limiter *fetchLimiter) *Crawler {
	return &Crawler{
		store:   store,
		cfg:     cfg,
		client:  &http.Client{Timeout: time.Duration(cfg.Crawl.TimeoutSec) * time.Second},
		limiter: limiter,
		target:  cfg.BaseURL,
	}
}

// listingURL returns the URL of listing page n. Page 1 is the bare base
// URL; later pages append page/N/.
func (c *Crawler) listingURL(page int) string {
	if page <= 1 {
		return c.cfg.BaseURL
	}
	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	return fmt.Sprintf("%s/page/%d/", base, page)
}

// Run crawls from the last committed cursor until the listing is
// exhausted, maxPages pages have been processed (0 means no bound), or an
// unrecoverable failure halts the run. A halt leaves the cursor at the
// last fully committed page so a restart picks up exactly where this run
// stopped.
func (c *Crawler) Run(maxPages int) error {
	page := 1
	prog, err := c.store.Progress(c.target)
	if err != nil {
		return err
	}
	if prog != nil {
		page = prog.Cursor + 1
		slog.Info("Resuming crawl", "cursor", prog.Cursor, "page", page, "status", prog.Status)
	}
	if err := c.store.SetCrawlStatus(c.target, StatusInProgress, -1); err != nil {
		return err
	}

	pagesDone := 0
	for {
		if maxPages > 0 && pagesDone >= maxPages {
			slog.Info("Page bound reached, leaving crawl in progress", "pages", pagesDone)
			return nil
		}

		urls, err := c.fetchListing(page)
		if err != nil {
			if errors.Is(err, errPermanent) {
				// An out-of-range page is the other end-of-pagination
				// signal besides an empty listing.
				return c.finish(page - 1)
			}
			if serr := c.store.SetCrawlStatus(c.target, StatusFailed, -1); serr != nil {
				slog.Error("Failed to record failed status", "error", serr)
			}
			return fmt.Errorf("halted at listing page %d: %w", page, err)
		}
		if len(urls) == 0 {
			return c.finish(page - 1)
		}
		slog.Info("Listing page fetched", "page", page, "posts", len(urls))

		newPosts := 0
		for _, postURL := range urls {
			exists, err := c.store.HasPost(postURL)
			if err != nil {
				return err
			}
			if exists {
				slog.Debug("Post already archived", "url", postURL)
				continue
			}

			created, err := c.archivePost(postURL)
			if err != nil {
				if errors.Is(err, errPermanent) {
					slog.Warn("Skipping unreachable post", "url", postURL, "error", err)
					continue
				}
				if serr := c.store.SetCrawlStatus(c.target, StatusFailed, -1); serr != nil {
					slog.Error("Failed to record failed status", "error", serr)
				}
				return fmt.Errorf("halted at page %d, post %s: %w", page, postURL, err)
			}
			if created {
				newPosts++
			}
		}

		if err := c.store.AdvanceCursor(c.target, page, newPosts); err != nil {
			return err
		}
		slog.Info("Page committed", "page", page, "new_posts", newPosts)

		pagesDone++
		page++

		if every := c.cfg.Crawl.PagePauseEvery; every > 0 && pagesDone%every == 0 {
			slog.Debug("Pausing between page batches", "seconds", c.cfg.Crawl.PagePauseSec)
			time.Sleep(time.Duration(c.cfg.Crawl.PagePauseSec) * time.Second)
		}
	}
}

func (c *Crawler) finish(lastPage int) error {
	if err := c.store.SetCrawlStatus(c.target, StatusComplete, lastPage); err != nil {
		return err
	}
	slog.Info("Crawl complete", "total_pages", lastPage)
	return nil
}

// fetchListing fetches listing page n and returns the post URLs on it in
// document order.
func (c *Crawler) fetchListing(page int) ([]string, error) {
	pageURL := c.listingURL(page)
	slog.Debug("Fetching listing page", "page", page, "url", pageURL)
	body, err := c.fetchHTML(pageURL)
	if err != nil {
		return nil, err
	}
	return extractPostLinks(body, pageURL)
}

// extractPostLinks pulls post permalinks out of a listing page. Each
// template era headlined posts differently, so every known header pattern
// is scanned; order of first sightings is preserved.
func extractPostLinks(body, pageURL string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse listing page: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid listing URL %s: %w", pageURL, err)
	}

	var links []string
	seen := make(map[string]bool)
	for _, sel := range []string{"h3.entry-header a", "h3.title a", "h2.entry-title a"} {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			href, ok := s.Attr("href")
			if !ok {
				return
			}
			resolved := resolveURL(base, href)
			if resolved == "" || seen[resolved] {
				return
			}
			seen[resolved] = true
			links = append(links, resolved)
		})
	}
	return links, nil
}

// archivePost fetches one post document, runs it through the normalizer
// and commits the post with its media, comments and categories as a
// single unit. A parse failure still stores the raw markup with empty
// normalized fields; the verifier reports those.
func (c *Crawler) archivePost(postURL string) (bool, error) {
	body, err := c.fetchHTML(postURL)
	if err != nil {
		return false, err
	}
	return c.savePostDocument(postURL, body, false)
}

// Refetch re-fetches a single post by URL and rewrites its stored row.
// This is the only path that mutates an archived post.
func (c *Crawler) Refetch(postURL string) error {
	body, err := c.fetchHTML(postURL)
	if err != nil {
		return err
	}
	if _, err := c.savePostDocument(postURL, body, true); err != nil {
		return err
	}
	slog.Info("Post refetched", "url", postURL)
	return nil
}

func (c *Crawler) savePostDocument(postURL, body string, refetch bool) (bool, error) {
	content, err := ParsePost(body, postURL)
	if err != nil {
		slog.Warn("Post failed to parse, storing raw markup only", "url", postURL, "error", err)
		content = &PostContent{}
	} else if content.Text == "" {
		slog.Warn("Post has no extractable content", "url", postURL)
	}

	post := &Post{
		PostID:          postKey(postURL),
		URL:             postURL,
		Title:           content.Title,
		Author:          content.Author,
		Published:       content.Published,
		RawHTML:         body,
		ContentText:     content.Text,
		ContentMarkdown: content.Markdown,
		Tags:            content.Tags,
		ArchivedAt:      time.Now().UTC(),
		Comments:        content.Comments,
	}
	for _, ref := range content.Media {
		post.Media = append(post.Media, MediaItem{
			OriginalURL: ref.URL,
			Kind:        ref.Kind,
			AltText:     ref.AltText,
			Caption:     ref.Caption,
		})
	}
	for _, cat := range content.Categories {
		post.Categories = append(post.Categories, cat.Name)
	}

	created, err := c.store.SavePost(post, refetch)
	if err != nil {
		return false, err
	}
	for _, cat := range content.Categories {
		if cat.URL == "" {
			continue
		}
		if err := c.store.SetCategoryURL(cat.Name, cat.URL); err != nil {
			slog.Warn("Failed to record category URL", "category", cat.Name, "error", err)
		}
	}
	if created {
		slog.Info("Archived post", "title", post.Title, "url", postURL,
			"media", len(post.Media), "comments", len(post.Comments))
	}
	return created, nil
}

// fetchHTML GETs a page under the shared rate limit with bounded
// exponential backoff. Transient failures are retried up to the attempt
// ceiling; permanent failures return immediately.
func (c *Crawler) fetchHTML(pageURL string) (string, error) {
	type attempt struct {
		n       int
		lastErr error
	}

	at := attempt{}
	for at.n = 1; at.n <= c.cfg.Crawl.MaxAttempts; at.n++ {
		c.limiter.wait("crawl", time.Duration(c.cfg.Crawl.FetchDelayMs)*time.Millisecond)

		body, err := c.doGet(pageURL)
		if err == nil {
			return body, nil
		}
		if errors.Is(err, errPermanent) {
			return "", err
		}
		at.lastErr = err
		slog.Warn("Fetch failed", "url", pageURL, "attempt", at.n, "error", err)

		if at.n < c.cfg.Crawl.MaxAttempts {
			time.Sleep(backoffDelay(at.n, c.cfg.Crawl.RetryMinMs, c.cfg.Crawl.RetryMaxMs))
		}
	}
	return "", fmt.Errorf("giving up after %d attempts: %w", c.cfg.Crawl.MaxAttempts, at.lastErr)
}

func (c *Crawler) doGet(pageURL string) (string, error) {
	req, err := http.NewRequest(http.MethodGet, pageURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("%w: bad request for %s: %v", errPermanent, pageURL, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	return string(body), nil
}

// classifyStatus sorts HTTP statuses into the retry taxonomy: 2xx ok,
// 5xx/408/429 transient, everything else permanent.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return fmt.Errorf("transient HTTP status %d", code)
	default:
		return fmt.Errorf("%w: HTTP status %d", errPermanent, code)
	}
}
