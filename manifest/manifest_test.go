package manifest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perigee-data/harvest/store"
)

func testStore(t *testing.T) store.Store {
	var s, err = store.NewLocal(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestManifestRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var s = testStore(t)

	m, err := Load(ctx, s)
	require.NoError(t, err)
	require.Zero(t, m.Len())

	var entry = Entry{
		Checksum:     "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899",
		Source:       "https://example.org/a",
		Parser:       "html",
		ArtifactPath: "evidence/parsed/2026/example-org-a-aabbccddeeff",
		ProcessedAt:  time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		Status:       StatusCompleted,
	}
	require.NoError(t, m.Put(ctx, entry))

	// Reload from the store and compare.
	reloaded, err := Load(ctx, s)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Len())
	require.Equal(t, &entry, reloaded.Get(entry.Checksum))
}

func TestManifestPutIsIdempotent(t *testing.T) {
	var ctx = context.Background()
	var m, err = Load(ctx, testStore(t))
	require.NoError(t, err)

	var entry = Entry{Checksum: "c1", Source: "https://example.org/a", Status: StatusCompleted}
	require.NoError(t, m.Put(ctx, entry))

	// Re-parse of the same bytes: same checksum, different incidental fields.
	var again = entry
	again.Parser = "something-else"
	require.NoError(t, m.Put(ctx, again))

	require.Equal(t, 1, m.Len())
	require.Equal(t, "", m.Get("c1").Parser)
}

func TestManifestUnknownVersionFailsClosed(t *testing.T) {
	var ctx = context.Background()
	var s = testStore(t)
	require.NoError(t, s.Put(ctx, Path, []byte(`{"version": 7, "entries": []}`), ""))

	var _, err = Load(ctx, s)
	require.ErrorContains(t, err, "version 7")
}

func TestManifestCorruptIsFatal(t *testing.T) {
	var ctx = context.Background()
	var s = testStore(t)
	require.NoError(t, s.Put(ctx, Path, []byte(`{"version": 1, "entr`), ""))

	var _, err = Load(ctx, s)
	require.ErrorContains(t, err, "corrupt")
}

func TestManifestBatchFlushIsAtomicUnit(t *testing.T) {
	var ctx = context.Background()
	var s = testStore(t)
	var m, err = Load(ctx, s)
	require.NoError(t, err)

	m.BeginBatch()
	require.NoError(t, m.Put(ctx, Entry{Checksum: "c1", Status: StatusCompleted}))
	require.NoError(t, m.StageFile(ctx, "evidence/parsed/2026/x/page-001.md", []byte("body")))
	require.NoError(t, m.Put(ctx, Entry{Checksum: "c2", Status: StatusCompleted}))

	// Nothing is visible in the store until Flush.
	_, err = s.Get(ctx, Path)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Get(ctx, "evidence/parsed/2026/x/page-001.md")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, m.Flush(ctx, "batch of two"))
	require.False(t, m.InBatch())

	reloaded, err := Load(ctx, s)
	require.NoError(t, err)
	require.Equal(t, 2, reloaded.Len())
	page, err := s.Get(ctx, "evidence/parsed/2026/x/page-001.md")
	require.NoError(t, err)
	require.Equal(t, "body", string(page))

	// A second flush with nothing pending writes nothing.
	require.NoError(t, m.Flush(ctx, "empty"))
}

func TestManifestMergeMetadata(t *testing.T) {
	var ctx = context.Background()
	var m, err = Load(ctx, testStore(t))
	require.NoError(t, err)

	require.NoError(t, m.Put(ctx, Entry{Checksum: "c1", Status: StatusCompleted}))
	require.NoError(t, m.MergeMetadata(ctx, "c1", json.RawMessage(
		`{"extraction_skipped": true, "extraction_skipped_reason": "navigation page"}`)))

	var e = m.Get("c1")
	require.True(t, e.MetaBool(MetaExtractionSkipped))
	require.False(t, e.MetaBool(MetaExtractionComplete))
	require.Equal(t, "navigation page", e.MetaString(MetaExtractionSkippedReason))

	// Later patches grow metadata without clobbering unrelated keys.
	require.NoError(t, m.MergeMetadata(ctx, "c1", json.RawMessage(`{"rendered": true}`)))
	e = m.Get("c1")
	require.True(t, e.MetaBool(MetaRendered))
	require.True(t, e.MetaBool(MetaExtractionSkipped))

	require.Error(t, m.MergeMetadata(ctx, "nope", json.RawMessage(`{}`)))
}
