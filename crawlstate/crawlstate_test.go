package crawlstate

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/perigee-data/harvest/registry"
	"github.com/perigee-data/harvest/store"
)

func testStores(t *testing.T) (*Store, store.Store) {
	var s, err = store.NewLocal(t.TempDir())
	require.NoError(t, err)
	return NewStore(s), s
}

func TestStateRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var c, _ = testStores(t)

	var src = &registry.SourceEntry{
		URL:           "https://example.org/docs/",
		CrawlScope:    registry.ScopePathPrefix,
		CrawlMaxPages: 50,
		CrawlMaxDepth: 3,
	}
	var state = New(src)
	require.Equal(t, StateCreated, state.State)
	require.Equal(t, []string{src.URL}, state.Frontier)

	state.State = StatePaused
	state.Frontier = []string{"https://example.org/docs/b", "https://example.org/docs/c"}
	state.Visited["https://example.org/docs/"] = true
	state.Visited["https://example.org/docs/a"] = true
	state.VisitedCount = 2
	state.DiscoveredCount = 4
	state.InScopeCount = 3
	state.OutOfScopeCount = 1
	require.NoError(t, c.Save(ctx, state))

	loaded, err := c.Load(ctx, src.URL)
	require.NoError(t, err)
	require.Equal(t, state, loaded)

	// Visited and frontier stay disjoint at rest.
	for _, u := range loaded.Frontier {
		require.False(t, loaded.Visited[u])
	}
}

func TestVisitedIsStoredSorted(t *testing.T) {
	var ctx = context.Background()
	var c, raw = testStores(t)

	var state = New(&registry.SourceEntry{URL: "https://ex.org/", CrawlScope: registry.ScopeHost})
	state.Visited["https://ex.org/z"] = true
	state.Visited["https://ex.org/a"] = true
	state.Visited["https://ex.org/m"] = true
	require.NoError(t, c.Save(ctx, state))

	data, err := raw.Get(ctx, pathFor(state.SourceURL))
	require.NoError(t, err)
	var file struct {
		Visited []string `json:"visited"`
	}
	require.NoError(t, json.Unmarshal(data, &file))
	require.Equal(t, []string{"https://ex.org/a", "https://ex.org/m", "https://ex.org/z"}, file.Visited)
}

func TestLoadMissingAndCorrupt(t *testing.T) {
	var ctx = context.Background()
	var c, raw = testStores(t)

	state, err := c.Load(ctx, "https://example.org/none")
	require.NoError(t, err)
	require.Nil(t, state)

	// A corrupt checkpoint is recoverable: treated as absent.
	require.NoError(t, raw.Put(ctx, pathFor("https://example.org/bad"), []byte("{nope"), ""))
	state, err = c.Load(ctx, "https://example.org/bad")
	require.NoError(t, err)
	require.Nil(t, state)
}

func TestDelete(t *testing.T) {
	var ctx = context.Background()
	var c, _ = testStores(t)

	var state = New(&registry.SourceEntry{URL: "https://example.org/"})
	require.NoError(t, c.Save(ctx, state))
	require.NoError(t, c.Delete(ctx, state.SourceURL))

	loaded, err := c.Load(ctx, state.SourceURL)
	require.NoError(t, err)
	require.Nil(t, loaded)
}
