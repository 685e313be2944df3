package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/perigee-data/harvest/store"
)

const (
	recordPrefix = "sources/"
	indexPath    = "sources/index.json"
)

// Registry persists SourceEntry records through a durable Store.
type Registry struct {
	store store.Store
}

// New returns a Registry over the given store.
func New(s store.Store) *Registry { return &Registry{store: s} }

// Get loads the source registered under url, or nil if none exists.
func (r *Registry) Get(ctx context.Context, rawURL string) (*SourceEntry, error) {
	var canonical, err = CanonicalURL(rawURL)
	if err != nil {
		return nil, err
	}
	data, err := r.store.Get(ctx, recordPrefix+URLHash(canonical)+".json")
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var entry SourceEntry
	if err = json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decoding source record for %s: %w", canonical, err)
	}
	return &entry, nil
}

// Put upserts the source record and its index tuple. Both writes share one
// atomic commit.
func (r *Registry) Put(ctx context.Context, entry *SourceEntry) error {
	var canonical, err = CanonicalURL(entry.URL)
	if err != nil {
		return err
	}
	entry.URL = canonical

	index, err := r.loadIndex(ctx)
	if err != nil {
		return err
	}
	var hash = URLHash(canonical)
	var tuple = IndexEntry{
		URL:        canonical,
		Name:       entry.Name,
		SourceType: entry.SourceType,
		Status:     entry.Status,
		Hash:       hash,
	}
	var replaced bool
	for i := range index {
		if index[i].URL == canonical {
			index[i], replaced = tuple, true
			break
		}
	}
	if !replaced {
		index = append(index, tuple)
	}
	sort.Slice(index, func(i, j int) bool { return index[i].URL < index[j].URL })

	record, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding source record: %w", err)
	}
	indexData, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding source index: %w", err)
	}

	err = r.store.PutBatch(ctx, []store.File{
		{Path: recordPrefix + hash + ".json", Data: record},
		{Path: indexPath, Data: indexData},
	}, fmt.Sprintf("registry: upsert %s", canonical))
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"url":    canonical,
		"hash":   hash,
		"status": entry.Status,
	}).Debug("registry record written")
	return nil
}

// List returns sources ordered by canonical URL, optionally filtered by
// status and/or type (empty filters match everything).
func (r *Registry) List(ctx context.Context, status Status, sourceType SourceType) ([]*SourceEntry, error) {
	var index, err = r.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	var out []*SourceEntry
	for _, tuple := range index {
		if status != "" && tuple.Status != status {
			continue
		}
		if sourceType != "" && tuple.SourceType != sourceType {
			continue
		}
		entry, err := r.Get(ctx, tuple.URL)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, fmt.Errorf("index references missing record %s (%s)", tuple.URL, tuple.Hash)
		}
		out = append(out, entry)
	}
	return out, nil
}

// Exists reports whether url is registered, consulting only the index.
func (r *Registry) Exists(ctx context.Context, rawURL string) (bool, error) {
	var canonical, err = CanonicalURL(rawURL)
	if err != nil {
		return false, err
	}
	index, err := r.loadIndex(ctx)
	if err != nil {
		return false, err
	}
	for _, tuple := range index {
		if tuple.URL == canonical {
			return true, nil
		}
	}
	return false, nil
}

// Delete soft-deletes a source by flipping its status to deprecated. Records
// are never removed.
func (r *Registry) Delete(ctx context.Context, rawURL string) error {
	var entry, err = r.Get(ctx, rawURL)
	if err != nil {
		return err
	} else if entry == nil {
		return fmt.Errorf("source %s is not registered", rawURL)
	}
	entry.Status = StatusDeprecated
	return r.Put(ctx, entry)
}

func (r *Registry) loadIndex(ctx context.Context) ([]IndexEntry, error) {
	var data, err = r.store.Get(ctx, indexPath)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var index []IndexEntry
	if err = json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("decoding source index: %w", err)
	}
	return index, nil
}
