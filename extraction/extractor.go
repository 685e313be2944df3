// Package extraction walks the manifest and runs opaque entity extractors
// over parsed artifacts, recording results under the knowledge-graph prefix.
// Extractors are capabilities behind an interface; the stock implementation
// drives an external connector process over JSON-on-stdio.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is a closed enumeration of entity extractions.
type Kind string

const (
	KindPeople        Kind = "people"
	KindOrganizations Kind = "organizations"
	KindConcepts      Kind = "concepts"
	KindAssociations  Kind = "associations"
)

// Kinds lists extraction kinds in their invocation order.
var Kinds = []Kind{KindPeople, KindOrganizations, KindConcepts, KindAssociations}

// Assessment is the substance judgment for an artifact.
type Assessment struct {
	IsSubstantive bool    `json:"is_substantive"`
	Reason        string  `json:"reason,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
}

// Extractor is the capability interface over the opaque entity extractors.
// Extract returns a JSON entity list for the kind.
type Extractor interface {
	Assess(ctx context.Context, checksum, text string) (*Assessment, error)
	Extract(ctx context.Context, checksum, text string, kind Kind) (json.RawMessage, error)
}

// ErrRateLimited distinguishes the run outcome that callers map to the
// retry-scheduling exit status.
var ErrRateLimited = errors.New("extraction: rate limited")

// RateLimitError is returned by an Extractor when the underlying service
// throttled the request. The driver flushes partial progress and stops.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited; retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// IsRateLimit reports whether err carries a rate-limit condition.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
