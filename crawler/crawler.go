// Package crawler fetches source content: a single page, or a scope-bounded
// breadth-first crawl that checkpoints its frontier so interruption never
// loses progress. Fetched pages are rendered to canonical markdown,
// checksummed, and persisted through the manifest.
package crawler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/perigee-data/harvest/crawlstate"
	"github.com/perigee-data/harvest/manifest"
	"github.com/perigee-data/harvest/ops"
	"github.com/perigee-data/harvest/registry"
)

// Config tunes fetch politeness and the rendering fallback.
type Config struct {
	UserAgent      string
	Delay          time.Duration
	MaxCrawlDelay  time.Duration
	MaxPagesPerRun int
	MinTextChars   int

	// Scope is the predicate backing the custom crawl scope.
	Scope ScopeFunc
}

// DefaultConfig returns stock crawler settings.
func DefaultConfig() Config {
	return Config{
		UserAgent:      "harvest/1.0 (+https://github.com/perigee-data/harvest)",
		Delay:          2 * time.Second,
		MaxCrawlDelay:  30 * time.Second,
		MaxPagesPerRun: 20,
		MinTextChars:   100,
	}
}

// AcquisitionResult reports one source's acquisition outcome. A crawl that
// acquired at least one page succeeded even if individual URLs failed; a
// crawl that acquired nothing failed.
type AcquisitionResult struct {
	Success       bool   `json:"success"`
	ContentHash   string `json:"content_hash,omitempty"`
	ContentPath   string `json:"content_path,omitempty"`
	PagesAcquired int    `json:"pages_acquired"`
	PagesFailed   int    `json:"pages_failed,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Crawler drives acquisition for sources. Clock and sleep are injected so
// politeness delays are testable.
type Crawler struct {
	cfg      Config
	client   *http.Client
	robots   *Robots
	renderer Renderer
	manifest *manifest.Manifest
	states   *crawlstate.Store
	parsers  *ParserRegistry

	Now   func() time.Time
	Sleep func(time.Duration)
}

// New assembles a Crawler. renderer may be nil to disable the fallback.
func New(cfg Config, client *http.Client, m *manifest.Manifest, states *crawlstate.Store, renderer Renderer) (*Crawler, error) {
	var robots, err = NewRobots(client, cfg.UserAgent)
	if err != nil {
		return nil, err
	}
	return &Crawler{
		cfg:      cfg,
		client:   client,
		robots:   robots,
		renderer: renderer,
		manifest: m,
		states:   states,
		parsers:  NewParserRegistry(),
		Now:      time.Now,
		Sleep:    time.Sleep,
	}, nil
}

// Acquire dispatches on the source's crawl scope: the page scope fetches one
// page, everything else runs a bounded crawl. On success the source's
// acquisition metadata is updated in place; the caller persists it.
func (c *Crawler) Acquire(ctx context.Context, src *registry.SourceEntry) *AcquisitionResult {
	switch src.CrawlScope {
	case registry.ScopePage, "":
		return c.acquirePage(ctx, src)
	default:
		return c.acquireCrawl(ctx, src)
	}
}

func (c *Crawler) acquirePage(ctx context.Context, src *registry.SourceEntry) *AcquisitionResult {
	c.Sleep(c.cfg.Delay)

	var fetched, err = c.fetchPage(ctx, src.URL, src.LastETag, src.LastModifiedHeader)
	if err != nil {
		return &AcquisitionResult{Error: err.Error()}
	}
	if fetched.NotModified {
		src.LastChecked = c.Now()
		src.CheckFailures = 0
		return &AcquisitionResult{Success: true, ContentHash: src.LastContentHash}
	}

	checksum, dir, err := c.persistPage(ctx, src.URL, fetched.MediaType, fetched.Body)
	if err != nil {
		return &AcquisitionResult{Error: err.Error()}
	}

	src.LastContentHash = checksum
	src.LastETag = fetched.ETag
	src.LastModifiedHeader = fetched.LastModified
	src.LastChecked = c.Now()
	src.LastVerified = src.LastChecked
	src.CheckFailures = 0
	src.TotalPagesAcquired++

	return &AcquisitionResult{
		Success:       true,
		ContentHash:   checksum,
		ContentPath:   dir,
		PagesAcquired: 1,
	}
}

func (c *Crawler) acquireCrawl(ctx context.Context, src *registry.SourceEntry) *AcquisitionResult {
	var state, err = c.states.Load(ctx, src.URL)
	if err != nil {
		return &AcquisitionResult{Error: err.Error()}
	}
	if state == nil {
		state = crawlstate.New(src)
	}
	if state.State == crawlstate.StateCompleted && len(state.Frontier) == 0 {
		// A finished crawl re-acquired with no reset is a no-op.
		return &AcquisitionResult{Success: true, ContentHash: src.LastContentHash}
	}

	state.State = crawlstate.StateStarted
	if state.StartedAt.IsZero() {
		state.StartedAt = c.Now()
	}

	var runCap = c.cfg.MaxPagesPerRun
	if state.MaxPages > 0 {
		if remaining := state.MaxPages - state.VisitedCount; remaining < runCap {
			runCap = remaining
		}
	}

	var result = &AcquisitionResult{}
	var sinceSave int
	for len(state.Frontier) > 0 && result.PagesAcquired < runCap && ctx.Err() == nil {
		var next = state.Frontier[0]
		state.Frontier = state.Frontier[1:]

		canonical, err := registry.CanonicalURL(next)
		if err != nil || state.Visited[canonical] {
			continue
		}

		if !c.robots.Allowed(ctx, canonical) {
			state.Visited[canonical] = true
			state.SkippedCount++
			log.WithField("url", canonical).Debug("disallowed by robots; skipped")
			continue
		}

		c.Sleep(c.pageDelay(ctx, canonical))

		fetched, err := c.fetchPage(ctx, canonical, "", "")
		if err != nil {
			state.Visited[canonical] = true
			state.FailedCount++
			result.PagesFailed++
			log.WithFields(log.Fields{"url": canonical, "error": err}).Warn("page fetch failed")
			continue
		}

		doc, checksum, dir, err := c.extractAndPersist(ctx, canonical, fetched.MediaType, fetched.Body)
		if err != nil {
			state.Visited[canonical] = true
			state.FailedCount++
			result.PagesFailed++
			log.WithFields(log.Fields{"url": canonical, "error": err}).Warn("page persist failed")
			continue
		}

		state.DiscoveredCount += len(doc.Links)
		for _, link := range doc.Links {
			if !InScope(link, src.URL, state.Scope, c.cfg.Scope) {
				state.OutOfScopeCount++
				continue
			}
			state.InScopeCount++
			if !state.Visited[link] && !state.InFrontier(link) {
				state.Frontier = append(state.Frontier, link)
			}
		}

		state.Visited[canonical] = true
		state.VisitedCount++
		result.PagesAcquired++

		if result.ContentHash == "" {
			result.ContentHash = checksum
			result.ContentPath = dir
		}

		if sinceSave++; sinceSave >= 10 {
			if err := c.states.Save(ctx, state); err != nil {
				return &AcquisitionResult{Error: err.Error()}
			}
			sinceSave = 0
		}
	}

	var now = c.Now()
	if len(state.Frontier) == 0 {
		state.State = crawlstate.StateCompleted
		state.CompletedAt = now
	} else {
		state.State = crawlstate.StatePaused
		state.LastPausedAt = now
	}
	if err := c.states.Save(ctx, state); err != nil {
		return &AcquisitionResult{Error: err.Error()}
	}

	result.Success = result.PagesAcquired > 0
	if !result.Success && result.Error == "" {
		result.Error = "crawl acquired no pages"
	}
	if result.Success {
		src.LastChecked = now
		src.LastVerified = now
		src.CheckFailures = 0
		src.TotalPagesAcquired += result.PagesAcquired
		if src.LastContentHash == "" {
			src.LastContentHash = result.ContentHash
		}
		if state.State == crawlstate.StateCompleted {
			src.LastCrawlCompleted = now
		}
	}

	log.WithFields(log.Fields{
		"source":   src.URL,
		"acquired": result.PagesAcquired,
		"failed":   result.PagesFailed,
		"state":    state.State,
		"frontier": len(state.Frontier),
	}).Info("crawl finished")
	return result
}

// pageDelay is the politeness delay before fetching url: the configured
// delay, or the origin's Crawl-delay when larger, capped at MaxCrawlDelay.
func (c *Crawler) pageDelay(ctx context.Context, url string) time.Duration {
	var delay = c.cfg.Delay
	if cd := c.robots.CrawlDelay(ctx, url); cd > delay {
		delay = cd
	}
	if c.cfg.MaxCrawlDelay > 0 && delay > c.cfg.MaxCrawlDelay {
		delay = c.cfg.MaxCrawlDelay
	}
	return delay
}

// extractAndPersist resolves a parser for the fetched body, applies the
// rendering fallback when the static extraction looks hollow, and records
// artifact plus manifest entry.
func (c *Crawler) extractAndPersist(ctx context.Context, pageURL, mediaType string, body []byte) (*Document, string, string, error) {
	var parser = c.parsers.Find(mediaType, pathSuffix(pageURL))
	if parser == nil {
		return nil, "", "", fmt.Errorf("no parser for media type %q (%s)", mediaType, pageURL)
	}

	doc, err := parser.Extract(pageURL, body)
	if err != nil {
		return nil, "", "", err
	}

	var rendered bool
	if c.renderer != nil && (len(doc.Markdown) < c.cfg.MinTextChars || doc.SPA) {
		if renderedBody, rerr := c.renderer.Render(ctx, pageURL); rerr != nil {
			log.WithFields(log.Fields{"url": pageURL, "error": rerr}).
				Warn("rendering fallback failed; keeping static extraction")
		} else if redoc, rerr := parser.Extract(pageURL, renderedBody); rerr == nil {
			doc = redoc
			rendered = true
		}
	}

	var checksum = Checksum(doc.Markdown)

	if existing := c.manifest.Get(checksum); existing != nil {
		// Same canonical bytes were parsed before; the manifest is
		// authoritative and this is a no-op.
		return doc, checksum, existing.ArtifactPath, nil
	}

	var artifact = &Artifact{
		Source:      pageURL,
		Checksum:    checksum,
		Title:       doc.Title,
		Markdown:    doc.Markdown,
		Warnings:    doc.Warnings,
		Rendered:    rendered,
		ProcessedAt: c.Now(),
	}
	files, err := artifact.Files()
	if err != nil {
		return nil, "", "", err
	}
	for _, f := range files {
		if err = c.manifest.StageFile(ctx, f.Path, f.Data); err != nil {
			return nil, "", "", err
		}
	}

	var status = manifest.StatusCompleted
	if doc.Markdown == "" {
		status = manifest.StatusEmpty
	}
	var meta json.RawMessage
	if rendered {
		meta = json.RawMessage(`{"rendered": true}`)
	}
	err = c.manifest.Put(ctx, manifest.Entry{
		Checksum:     checksum,
		Source:       pageURL,
		Parser:       parser.Name(),
		ArtifactPath: artifact.Dir(),
		ProcessedAt:  artifact.ProcessedAt,
		Status:       status,
		Metadata:     meta,
	})
	if err != nil {
		return nil, "", "", err
	}
	return doc, checksum, artifact.Dir(), nil
}

// Checksum is the SHA-256 hex digest of a page's canonical markdown, the
// identity every store keys on.
func Checksum(markdown string) string {
	var sum = sha256.Sum256([]byte(markdown))
	return hex.EncodeToString(sum[:])
}

// CanonicalChecksum parses body and returns the checksum of its canonical
// markdown. The monitor uses it so content-hash comparisons against stored
// hashes compare like with like.
func CanonicalChecksum(pageURL string, body []byte) (string, error) {
	var doc, err = ExtractDocument(pageURL, body)
	if err != nil {
		return "", err
	}
	return Checksum(doc.Markdown), nil
}

// persistPage is the single-page variant of extractAndPersist.
func (c *Crawler) persistPage(ctx context.Context, pageURL, mediaType string, body []byte) (string, string, error) {
	var _, checksum, dir, err = c.extractAndPersist(ctx, pageURL, mediaType, body)
	return checksum, dir, err
}

type fetchResult struct {
	StatusCode   int
	Body         []byte
	MediaType    string
	ETag         string
	LastModified string
	NotModified  bool
}

// fetchPage fetches url, following at most one immediate meta-refresh
// redirect. Validators are not resent on the redirect hop.
func (c *Crawler) fetchPage(ctx context.Context, url, etag, lastModified string) (*fetchResult, error) {
	var res, err = c.fetchOnce(ctx, url, etag, lastModified)
	if err != nil || res.NotModified {
		return res, err
	}
	if target := MetaRefreshTarget(url, res.Body); target != "" && target != url {
		log.WithFields(log.Fields{"url": url, "target": target}).Debug("following meta refresh")
		return c.fetchOnce(ctx, target, "", "")
	}
	return res, nil
}

func (c *Crawler) fetchOnce(ctx context.Context, url, etag, lastModified string) (*fetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	var req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	var started = time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		ops.PagesFetchedTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	ops.FetchDuration.Observe(time.Since(started).Seconds())

	if resp.StatusCode == http.StatusNotModified {
		ops.PagesFetchedTotal.WithLabelValues("not_modified").Inc()
		return &fetchResult{StatusCode: resp.StatusCode, NotModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		ops.PagesFetchedTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		ops.PagesFetchedTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	ops.PagesFetchedTotal.WithLabelValues("success").Inc()

	var mediaType string
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, merr := mime.ParseMediaType(ct); merr == nil {
			mediaType = mt
		}
	}

	return &fetchResult{
		StatusCode:   resp.StatusCode,
		Body:         body,
		MediaType:    mediaType,
		ETag:         strings.TrimSpace(resp.Header.Get("ETag")),
		LastModified: strings.TrimSpace(resp.Header.Get("Last-Modified")),
	}, nil
}
