// Package manifest tracks every parsed artifact by the SHA-256 checksum of
// its canonical rendered bytes. The checksum is the authoritative identity:
// re-parsing identical bytes is a no-op, and entries are never deleted.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	log "github.com/sirupsen/logrus"

	"github.com/perigee-data/harvest/store"
)

// Path is the manifest's location under the durable store.
const Path = "evidence/manifest.json"

// Version is the manifest schema version this build reads and writes.
// Unknown versions fail closed.
const Version = 1

// EntryStatus describes the outcome of parsing an artifact.
type EntryStatus string

const (
	StatusCompleted EntryStatus = "completed"
	StatusEmpty     EntryStatus = "empty"
	StatusError     EntryStatus = "error"
)

// Metadata keys written by the extraction driver.
const (
	MetaExtractionComplete      = "extraction_complete"
	MetaExtractionSkipped       = "extraction_skipped"
	MetaExtractionSkippedReason = "extraction_skipped_reason"
	MetaExtractionRateLimitedAt = "extraction_rate_limited_at"
	MetaExtractionLastBatchRun  = "extraction_last_batch_run"
	MetaRendered                = "rendered"
)

// Entry is one parsed artifact.
type Entry struct {
	Checksum     string          `json:"checksum"`
	Source       string          `json:"source"`
	Parser       string          `json:"parser"`
	ArtifactPath string          `json:"artifact_path"`
	ProcessedAt  time.Time       `json:"processed_at"`
	Status       EntryStatus     `json:"status"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// MetaBool reads a boolean metadata field, defaulting to false.
func (e *Entry) MetaBool(key string) bool {
	var m map[string]json.RawMessage
	if len(e.Metadata) == 0 || json.Unmarshal(e.Metadata, &m) != nil {
		return false
	}
	var v bool
	if raw, ok := m[key]; ok && json.Unmarshal(raw, &v) == nil {
		return v
	}
	return false
}

// MetaString reads a string metadata field, defaulting to "".
func (e *Entry) MetaString(key string) string {
	var m map[string]json.RawMessage
	if len(e.Metadata) == 0 || json.Unmarshal(e.Metadata, &m) != nil {
		return ""
	}
	var v string
	if raw, ok := m[key]; ok && json.Unmarshal(raw, &v) == nil {
		return v
	}
	return ""
}

type document struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Manifest is the in-memory view of the manifest file, with optional batch
// mode deferring writes so N artifacts commit as one coherent change set.
type Manifest struct {
	store   store.Store
	entries map[string]*Entry

	batching bool
	staged   []store.File
	dirty    bool
}

// Load reads the manifest from the store, or initializes an empty one when
// absent. A manifest that cannot be decoded, or carries an unknown version,
// is a fatal condition: no mutation may proceed on top of it.
func Load(ctx context.Context, s store.Store) (*Manifest, error) {
	var m = &Manifest{store: s, entries: make(map[string]*Entry)}

	var data, err = s.Get(ctx, Path)
	if errors.Is(err, store.ErrNotFound) {
		return m, nil
	} else if err != nil {
		return nil, err
	}

	var doc document
	if err = json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("manifest is corrupt: %w", err)
	}
	if doc.Version != Version {
		return nil, fmt.Errorf("manifest version %d is not supported", doc.Version)
	}
	for i := range doc.Entries {
		var e = doc.Entries[i]
		m.entries[e.Checksum] = &e
	}
	return m, nil
}

// Get returns the entry for checksum, or nil.
func (m *Manifest) Get(checksum string) *Entry {
	if e, ok := m.entries[checksum]; ok {
		var cp = *e
		return &cp
	}
	return nil
}

// Len returns the number of manifest entries.
func (m *Manifest) Len() int { return len(m.entries) }

// Entries returns all entries ordered by checksum.
func (m *Manifest) Entries() []Entry {
	var out = make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Checksum < out[j].Checksum })
	return out
}

// Put records an entry. Re-recording an existing checksum is a no-op: two
// byte streams with the same checksum are indistinguishable. Outside batch
// mode the manifest is written immediately.
func (m *Manifest) Put(ctx context.Context, entry Entry) error {
	if _, ok := m.entries[entry.Checksum]; ok {
		log.WithField("checksum", entry.Checksum).Debug("manifest already holds checksum; no-op")
		return nil
	}
	var cp = entry
	m.entries[entry.Checksum] = &cp
	m.dirty = true

	if !m.batching {
		return m.Flush(ctx, fmt.Sprintf("manifest: add %s", shortHash(entry.Checksum)))
	}
	return nil
}

// MergeMetadata applies an RFC 7396 merge patch to an entry's metadata.
// Metadata only grows or is overwritten field-wise; the entry itself is
// immutable.
func (m *Manifest) MergeMetadata(ctx context.Context, checksum string, patch json.RawMessage) error {
	var entry, ok = m.entries[checksum]
	if !ok {
		return fmt.Errorf("no manifest entry for checksum %s", checksum)
	}
	var base = entry.Metadata
	if len(base) == 0 {
		base = []byte("{}")
	}
	var next, err = jsonpatch.MergePatch(base, patch)
	if err != nil {
		return fmt.Errorf("patching metadata of %s: %w", checksum, err)
	}
	entry.Metadata = next
	m.dirty = true

	if !m.batching {
		return m.Flush(ctx, fmt.Sprintf("manifest: update %s", shortHash(checksum)))
	}
	return nil
}

// StageFile defers a file write (artifact page, entity record) into the
// current batch. Outside batch mode the file is written immediately.
func (m *Manifest) StageFile(ctx context.Context, path string, data []byte) error {
	if m.batching {
		m.staged = append(m.staged, store.File{Path: path, Data: data})
		return nil
	}
	return m.store.Put(ctx, path, data, fmt.Sprintf("artifact: %s", path))
}

// BeginBatch enters batch mode: subsequent Put, MergeMetadata and StageFile
// calls defer their writes until Flush.
func (m *Manifest) BeginBatch() { m.batching = true }

// InBatch reports whether batch mode is active.
func (m *Manifest) InBatch() bool { return m.batching }

// Flush writes all staged files plus the manifest itself as one atomic
// batch, and leaves batch mode. Flushing with nothing pending is a no-op.
func (m *Manifest) Flush(ctx context.Context, message string) error {
	m.batching = false
	if !m.dirty && len(m.staged) == 0 {
		return nil
	}

	var files = append([]store.File(nil), m.staged...)
	if m.dirty {
		var doc = document{Version: Version, Entries: m.Entries()}
		var data, err = json.MarshalIndent(&doc, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding manifest: %w", err)
		}
		files = append(files, store.File{Path: Path, Data: data})
	}

	if err := m.store.PutBatch(ctx, files, message); err != nil {
		return fmt.Errorf("flushing manifest batch: %w", err)
	}
	log.WithFields(log.Fields{
		"files":   len(files),
		"entries": len(m.entries),
	}).Debug("manifest batch flushed")

	m.staged = nil
	m.dirty = false
	return nil
}

func shortHash(checksum string) string {
	if len(checksum) > 12 {
		return checksum[:12]
	}
	return checksum
}
