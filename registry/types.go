// Package registry is the persistent set of content sources the pipeline
// watches. Each source is one JSON record named by a short hash of its
// canonical URL, plus one sorted index file so listing does not scan every
// record.
package registry

import "time"

// SourceType classifies a source's provenance.
type SourceType string

const (
	TypePrimary   SourceType = "primary"
	TypeDerived   SourceType = "derived"
	TypeReference SourceType = "reference"
)

// Status is a source's lifecycle state. Only active sources are scheduled.
type Status string

const (
	StatusActive        Status = "active"
	StatusDeprecated    Status = "deprecated"
	StatusPendingReview Status = "pending_review"
)

// UpdateFrequency drives the next-check interval for a source.
type UpdateFrequency string

const (
	FreqFrequent UpdateFrequency = "frequent"
	FreqDaily    UpdateFrequency = "daily"
	FreqWeekly   UpdateFrequency = "weekly"
	FreqMonthly  UpdateFrequency = "monthly"
	FreqUnknown  UpdateFrequency = "unknown"
)

// CrawlScope bounds which discovered links belong to a source's crawl.
type CrawlScope string

const (
	ScopePage       CrawlScope = "page"
	ScopePathPrefix CrawlScope = "path-prefix"
	ScopeHost       CrawlScope = "host"
	ScopeCustom     CrawlScope = "custom"
)

// SourceEntry is one registered source, keyed by canonical URL.
//
// An empty LastContentHash means the source is pending initial acquisition.
// CheckFailures counts consecutive failed checks and resets to zero on any
// success.
type SourceEntry struct {
	URL        string     `json:"url"`
	Name       string     `json:"name"`
	SourceType SourceType `json:"source_type"`
	Status     Status     `json:"status"`

	LastContentHash    string          `json:"last_content_hash,omitempty"`
	LastETag           string          `json:"last_etag,omitempty"`
	LastModifiedHeader string          `json:"last_modified_header,omitempty"`
	LastChecked        time.Time       `json:"last_checked,omitzero"`
	LastVerified       time.Time       `json:"last_verified,omitzero"`
	UpdateFrequency    UpdateFrequency `json:"update_frequency,omitempty"`

	NextCheckAfter time.Time `json:"next_check_after,omitzero"`
	CheckFailures  int       `json:"check_failures"`

	CrawlScope         CrawlScope `json:"crawl_scope,omitempty"`
	CrawlMaxPages      int        `json:"crawl_max_pages,omitempty"`
	CrawlMaxDepth      int        `json:"crawl_max_depth,omitempty"`
	TotalPagesAcquired int        `json:"total_pages_acquired,omitempty"`
	LastCrawlCompleted time.Time  `json:"last_crawl_completed,omitzero"`

	CredibilityScore float64  `json:"credibility_score,omitempty"`
	IsOfficial       bool     `json:"is_official,omitempty"`
	DiscoveredFrom   string   `json:"discovered_from,omitempty"`
	ParentSourceURL  string   `json:"parent_source_url,omitempty"`
	Topics           []string `json:"topics,omitempty"`
	Notes            string   `json:"notes,omitempty"`
}

// PendingInitial reports whether the source has never been acquired.
func (s *SourceEntry) PendingInitial() bool { return s.LastContentHash == "" }

// IndexEntry is one tuple of the registry index file.
type IndexEntry struct {
	URL        string     `json:"url"`
	Name       string     `json:"name"`
	SourceType SourceType `json:"source_type"`
	Status     Status     `json:"status"`
	Hash       string     `json:"hash"`
}
