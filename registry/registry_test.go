package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perigee-data/harvest/store"
)

func testRegistry(t *testing.T) *Registry {
	var s, err = store.NewLocal(t.TempDir())
	require.NoError(t, err)
	return New(s)
}

func TestRegistryRoundTrip(t *testing.T) {
	var r = testRegistry(t)
	var ctx = context.Background()

	entry, err := r.Get(ctx, "https://example.org/a")
	require.NoError(t, err)
	require.Nil(t, entry)

	var src = &SourceEntry{
		URL:             "HTTPS://Example.org/a#frag",
		Name:            "Example A",
		SourceType:      TypePrimary,
		Status:          StatusActive,
		UpdateFrequency: FreqWeekly,
		CrawlScope:      ScopePage,
	}
	require.NoError(t, r.Put(ctx, src))

	// Lookup under any spelling of the same canonical URL.
	entry, err = r.Get(ctx, "https://EXAMPLE.ORG/a")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, "https://example.org/a", entry.URL)
	require.Equal(t, "Example A", entry.Name)
	require.True(t, entry.PendingInitial())

	ok, err := r.Exists(ctx, "https://example.org:443/a")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRegistrySerializationRoundTrip(t *testing.T) {
	var r = testRegistry(t)
	var ctx = context.Background()
	var now = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	var src = &SourceEntry{
		URL:                "https://example.org/docs/",
		Name:               "Docs",
		SourceType:         TypeDerived,
		Status:             StatusActive,
		LastContentHash:    "deadbeef",
		LastETag:           `"v1"`,
		LastModifiedHeader: "Mon, 24 Aug 2026 00:00:00 GMT",
		LastChecked:        now,
		NextCheckAfter:     now.Add(24 * time.Hour),
		CheckFailures:      2,
		CrawlScope:         ScopePathPrefix,
		CrawlMaxPages:      50,
		CrawlMaxDepth:      3,
		TotalPagesAcquired: 20,
		CredibilityScore:   0.8,
		IsOfficial:         true,
		Topics:             []string{"docs"},
	}
	require.NoError(t, r.Put(ctx, src))

	got, err := r.Get(ctx, src.URL)
	require.NoError(t, err)
	require.Equal(t, src, got)
}

func TestRegistryListAndFilters(t *testing.T) {
	var r = testRegistry(t)
	var ctx = context.Background()

	for _, src := range []*SourceEntry{
		{URL: "https://b.example.org/", Name: "B", SourceType: TypeReference, Status: StatusActive},
		{URL: "https://a.example.org/", Name: "A", SourceType: TypePrimary, Status: StatusActive},
		{URL: "https://c.example.org/", Name: "C", SourceType: TypePrimary, Status: StatusDeprecated},
	} {
		require.NoError(t, r.Put(ctx, src))
	}

	all, err := r.List(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Ordered by canonical URL.
	require.Equal(t, "https://a.example.org/", all[0].URL)
	require.Equal(t, "https://b.example.org/", all[1].URL)

	active, err := r.List(ctx, StatusActive, "")
	require.NoError(t, err)
	require.Len(t, active, 2)

	primaryActive, err := r.List(ctx, StatusActive, TypePrimary)
	require.NoError(t, err)
	require.Len(t, primaryActive, 1)
	require.Equal(t, "A", primaryActive[0].Name)
}

func TestRegistrySoftDelete(t *testing.T) {
	var r = testRegistry(t)
	var ctx = context.Background()

	require.NoError(t, r.Put(ctx, &SourceEntry{
		URL: "https://example.org/", Name: "E", SourceType: TypePrimary, Status: StatusActive,
	}))
	require.NoError(t, r.Delete(ctx, "https://example.org/"))

	entry, err := r.Get(ctx, "https://example.org/")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, StatusDeprecated, entry.Status)

	// Still present; delete is a status flip, never a removal.
	ok, err := r.Exists(ctx, "https://example.org/")
	require.NoError(t, err)
	require.True(t, ok)
}
