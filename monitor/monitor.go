// Package monitor decides whether a source has changed using a cascade of
// cheap-to-expensive probes: conditional GET, ETag comparison, Last-Modified
// comparison, and finally a content hash of the fetched body. The cascade
// stops at the first conclusive tier, so a full body download happens only
// when nothing cheaper settles the question.
package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/perigee-data/harvest/ops"
	"github.com/perigee-data/harvest/registry"
)

// Status is a check's conclusion.
type Status string

const (
	StatusUnchanged Status = "unchanged"
	StatusChanged   Status = "changed"
	StatusError     Status = "error"
)

// Method identifies the tier that produced the conclusion (or failed).
type Method string

const (
	MethodConditionalGet Method = "conditional_get"
	MethodETag           Method = "etag"
	MethodLastModified   Method = "last_modified"
	MethodContentHash    Method = "content_hash"
)

// CheckResult is the monitor's verdict for one source.
type CheckResult struct {
	Status          Status `json:"status"`
	DetectionMethod Method `json:"detection_method"`
	ETag            string `json:"etag,omitempty"`
	LastModified    string `json:"last_modified,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// Monitor probes sources over HTTP. It performs no retries of its own;
// retry policy lives with the scheduler via check-failure backoff.
type Monitor struct {
	Client    *http.Client
	UserAgent string

	// Canonical, when set, maps a fetched body to the checksum form stored
	// in the registry, so the content-hash tier compares like with like.
	// Unset, the raw body is hashed.
	Canonical func(url string, body []byte) (string, error)
}

// New returns a Monitor using the given HTTP client.
func New(client *http.Client, userAgent string) *Monitor {
	return &Monitor{Client: client, UserAgent: userAgent}
}

// Check runs the tiered cascade against src.
func (m *Monitor) Check(ctx context.Context, src *registry.SourceEntry) CheckResult {
	var result = m.check(ctx, src)
	ops.ChecksTotal.WithLabelValues(string(result.Status), string(result.DetectionMethod)).Inc()

	log.WithFields(log.Fields{
		"url":    src.URL,
		"status": result.Status,
		"method": result.DetectionMethod,
	}).Debug("source checked")
	return result
}

func (m *Monitor) check(ctx context.Context, src *registry.SourceEntry) CheckResult {
	// Tier 1: conditional GET, when the source has stored validators.
	if src.LastETag != "" || src.LastModifiedHeader != "" {
		var req, err = m.newRequest(ctx, http.MethodGet, src.URL)
		if err != nil {
			return errResult(MethodConditionalGet, err)
		}
		if src.LastETag != "" {
			req.Header.Set("If-None-Match", src.LastETag)
		}
		if src.LastModifiedHeader != "" {
			req.Header.Set("If-Modified-Since", src.LastModifiedHeader)
		}
		resp, err := m.Client.Do(req)
		if err != nil {
			return errResult(MethodConditionalGet, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotModified {
			// Conclusive. Existing validators are preserved.
			return CheckResult{
				Status:          StatusUnchanged,
				DetectionMethod: MethodConditionalGet,
				ETag:            src.LastETag,
				LastModified:    src.LastModifiedHeader,
			}
		}
		if resp.StatusCode != http.StatusOK {
			return errResult(MethodConditionalGet,
				fmt.Errorf("unexpected status %d", resp.StatusCode))
		}
		// The server answered 200 despite our validators: fall through the
		// remaining tiers using this response.
		return m.compareResponse(src, resp)
	}

	// Tiers 2-3 compare against stored validators; with none stored, they
	// are inconclusive and the cascade drops straight to the content hash.
	var req, err = m.newRequest(ctx, http.MethodGet, src.URL)
	if err != nil {
		return errResult(MethodContentHash, err)
	}
	resp, err := m.Client.Do(req)
	if err != nil {
		return errResult(MethodContentHash, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errResult(MethodContentHash, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return m.hashBody(src, resp)
}

// compareResponse applies the ETag, Last-Modified and content-hash tiers to
// an already-fetched 200 response.
func (m *Monitor) compareResponse(src *registry.SourceEntry, resp *http.Response) CheckResult {
	// Tier 2: ETag comparison.
	if etag := resp.Header.Get("ETag"); etag != "" && src.LastETag != "" {
		var status = StatusUnchanged
		if etag != src.LastETag {
			status = StatusChanged
		}
		return CheckResult{
			Status:          status,
			DetectionMethod: MethodETag,
			ETag:            etag,
			LastModified:    resp.Header.Get("Last-Modified"),
		}
	}

	// Tier 3: Last-Modified comparison, conclusive when both sides parse.
	if lm := resp.Header.Get("Last-Modified"); lm != "" && src.LastModifiedHeader != "" {
		var respTime, err1 = http.ParseTime(lm)
		var prevTime, err2 = http.ParseTime(src.LastModifiedHeader)
		if err1 == nil && err2 == nil {
			var status = StatusUnchanged
			if respTime.After(prevTime) {
				status = StatusChanged
			}
			return CheckResult{
				Status:          status,
				DetectionMethod: MethodLastModified,
				ETag:            resp.Header.Get("ETag"),
				LastModified:    lm,
			}
		}
	}

	// Tier 4: content hash.
	return m.hashBody(src, resp)
}

func (m *Monitor) hashBody(src *registry.SourceEntry, resp *http.Response) CheckResult {
	var body, err = io.ReadAll(resp.Body)
	if err != nil {
		return errResult(MethodContentHash, fmt.Errorf("reading body: %w", err))
	}
	var hash string
	if m.Canonical != nil {
		if hash, err = m.Canonical(src.URL, body); err != nil {
			return errResult(MethodContentHash, fmt.Errorf("canonicalizing body: %w", err))
		}
	} else {
		var sum = sha256.Sum256(body)
		hash = hex.EncodeToString(sum[:])
	}

	var status = StatusChanged
	if hash == src.LastContentHash {
		status = StatusUnchanged
	}
	return CheckResult{
		Status:          status,
		DetectionMethod: MethodContentHash,
		ETag:            resp.Header.Get("ETag"),
		LastModified:    resp.Header.Get("Last-Modified"),
	}
}

func (m *Monitor) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	var req, err = http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	if m.UserAgent != "" {
		req.Header.Set("User-Agent", m.UserAgent)
	}
	return req, nil
}

func errResult(method Method, err error) CheckResult {
	return CheckResult{
		Status:          StatusError,
		DetectionMethod: method,
		ErrorMessage:    err.Error(),
	}
}
