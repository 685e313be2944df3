package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
)

// Robots answers robots.txt questions for crawl targets, caching one parsed
// policy per origin.
type Robots struct {
	client    *http.Client
	userAgent string
	cache     *lru.Cache[string, *robotstxt.RobotsData]
}

// NewRobots returns a robots checker backed by client.
func NewRobots(client *http.Client, userAgent string) (*Robots, error) {
	var cache, err = lru.New[string, *robotstxt.RobotsData](128)
	if err != nil {
		return nil, fmt.Errorf("building robots cache: %w", err)
	}
	return &Robots{client: client, userAgent: userAgent, cache: cache}, nil
}

// Allowed reports whether the policy of rawURL's origin permits fetching it.
// An unreachable or unparsable robots.txt permits everything.
func (r *Robots) Allowed(ctx context.Context, rawURL string) bool {
	var u, err = url.Parse(rawURL)
	if err != nil {
		return false
	}
	var data = r.policy(ctx, u)
	if data == nil {
		return true
	}
	return data.FindGroup(r.userAgent).Test(u.Path)
}

// CrawlDelay returns the origin's Crawl-delay directive for our agent, or
// zero when none applies.
func (r *Robots) CrawlDelay(ctx context.Context, rawURL string) time.Duration {
	var u, err = url.Parse(rawURL)
	if err != nil {
		return 0
	}
	var data = r.policy(ctx, u)
	if data == nil {
		return 0
	}
	return data.FindGroup(r.userAgent).CrawlDelay
}

func (r *Robots) policy(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	var origin = u.Scheme + "://" + u.Host
	if data, ok := r.cache.Get(origin); ok {
		return data
	}

	var data = r.fetch(ctx, origin)
	r.cache.Add(origin, data)
	return data
}

func (r *Robots) fetch(ctx context.Context, origin string) *robotstxt.RobotsData {
	var req, err = http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		log.WithFields(log.Fields{"origin": origin, "error": err}).
			Warn("robots.txt unreachable; allowing all")
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		log.WithFields(log.Fields{"origin": origin, "error": err}).
			Warn("robots.txt unparsable; allowing all")
		return nil
	}
	return data
}
