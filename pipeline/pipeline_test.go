package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"

	"github.com/perigee-data/harvest/crawler"
	"github.com/perigee-data/harvest/crawlstate"
	"github.com/perigee-data/harvest/manifest"
	"github.com/perigee-data/harvest/monitor"
	"github.com/perigee-data/harvest/registry"
	"github.com/perigee-data/harvest/scheduler"
	"github.com/perigee-data/harvest/store"
)

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

type harness struct {
	ctx    context.Context
	store  *store.Local
	reg    *registry.Registry
	man    *manifest.Manifest
	runner *Runner
}

func newHarness(t *testing.T, client *http.Client) *harness {
	var ctx = context.Background()
	var s = &store.Local{Root: t.TempDir()}
	var reg = registry.New(s)
	var man, err = manifest.Load(ctx, s)
	require.NoError(t, err)
	var states = crawlstate.NewStore(s)

	var sched = scheduler.New(scheduler.DefaultConfig())
	sched.Now = func() time.Time { return testNow }
	sched.Sleep = func(time.Duration) {}
	sched.Uniform = func() float64 { return 0.5 }

	var mon = monitor.New(client, "harvest-test")
	mon.Canonical = crawler.CanonicalChecksum

	var cfg = crawler.DefaultConfig()
	cfg.Delay = 0
	crawl, err := crawler.New(cfg, client, man, states, nil)
	require.NoError(t, err)
	crawl.Now = func() time.Time { return testNow }
	crawl.Sleep = func(time.Duration) {}

	return &harness{
		ctx:   ctx,
		store: s,
		reg:   reg,
		man:   man,
		runner: &Runner{
			Registry:  reg,
			Scheduler: sched,
			Monitor:   mon,
			Crawler:   crawl,
			Manifest:  man,
			RunID:     "run-test",
			Now:       func() time.Time { return testNow },
		},
	}
}

type countingServer struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newCountingServer(handler func(w http.ResponseWriter, r *http.Request)) *countingServer {
	var cs = &countingServer{hits: make(map[string]int)}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		cs.hits[r.URL.Path]++
		cs.mu.Unlock()
		handler(w, r)
	}))
	return cs
}

func (cs *countingServer) hitCount(path string) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.hits[path]
}

func activeSource(url string) *registry.SourceEntry {
	return &registry.SourceEntry{
		URL:        url,
		Name:       "source",
		SourceType: registry.TypeReference,
		Status:     registry.StatusActive,
		CrawlScope: registry.ScopePage,
	}
}

type fakePublisher struct {
	ensured bool
	prTitle string
	prBody  string
}

func (p *fakePublisher) EnsureBranch(context.Context, string) error {
	p.ensured = true
	return nil
}

func (p *fakePublisher) OpenPullRequest(_ context.Context, _, title, body string) (string, error) {
	p.prTitle = title
	p.prBody = body
	return "https://example.com/pr/1", nil
}

func TestCheckModePartitionsOutcomes(t *testing.T) {
	var srv = newCountingServer(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/unchanged":
			if r.Header.Get("If-None-Match") == `"v1"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", `"v1"`)
			w.Write([]byte("<html><body><p>stable</p></body></html>"))
		case "/changed":
			w.Write([]byte("<html><body><p>fresh content</p></body></html>"))
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.Write([]byte("<html><body><p>page</p></body></html>"))
		}
	})
	defer srv.Close()

	var h = newHarness(t, srv.Client())
	var past = testNow.Add(-time.Hour)

	var initial = activeSource(srv.URL + "/initial")
	var unchanged = activeSource(srv.URL + "/unchanged")
	unchanged.LastContentHash = "known"
	unchanged.LastETag = `"v1"`
	unchanged.NextCheckAfter = past
	var changed = activeSource(srv.URL + "/changed")
	changed.LastContentHash = "stale"
	changed.NextCheckAfter = past
	var broken = activeSource(srv.URL + "/broken")
	broken.LastContentHash = "known"
	broken.NextCheckAfter = past
	for _, src := range []*registry.SourceEntry{initial, unchanged, changed, broken} {
		require.NoError(t, h.reg.Put(h.ctx, src))
	}

	report, err := h.runner.Run(h.ctx, ModeCheck)
	require.NoError(t, err)
	require.Len(t, report.Initial, 1)
	require.Len(t, report.Unchanged, 1)
	require.Len(t, report.Updated, 1)
	require.Len(t, report.Errors, 1)

	// Check mode surfaces pending-initial sources without fetching them.
	require.Zero(t, srv.hitCount("/initial"))

	// The unchanged source was settled by its validators and rescheduled
	// with deterministic jitter: weekly default + 30 minutes.
	require.Equal(t, monitor.MethodConditionalGet, report.Unchanged[0].DetectionMethod)
	got, err := h.reg.Get(h.ctx, unchanged.URL)
	require.NoError(t, err)
	require.Equal(t, testNow.Add(7*24*time.Hour+30*time.Minute), got.NextCheckAfter)
	require.Zero(t, got.CheckFailures)

	// The changed source stays due so an acquire run picks it up.
	got, err = h.reg.Get(h.ctx, changed.URL)
	require.NoError(t, err)
	require.Equal(t, past, got.NextCheckAfter)

	// The failing source backs off: base 6h doubled once.
	got, err = h.reg.Get(h.ctx, broken.URL)
	require.NoError(t, err)
	require.Equal(t, 1, got.CheckFailures)
	require.Equal(t, testNow.Add(12*time.Hour), got.NextCheckAfter)
}

func TestAcquireModeSkipsChangeProbes(t *testing.T) {
	var srv = newCountingServer(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><head><title>Doc</title></head><body><p>substantial page text</p></body></html>"))
	})
	defer srv.Close()

	var h = newHarness(t, srv.Client())

	var pending = activeSource(srv.URL + "/pending")
	var tracked = activeSource(srv.URL + "/tracked")
	tracked.LastContentHash = "known"
	tracked.NextCheckAfter = testNow.Add(-time.Hour)
	require.NoError(t, h.reg.Put(h.ctx, pending))
	require.NoError(t, h.reg.Put(h.ctx, tracked))

	report, err := h.runner.Run(h.ctx, ModeAcquire)
	require.NoError(t, err)

	// Only the pending-initial source is acquired, with a single fetch:
	// no change probe precedes it.
	require.Len(t, report.Initial, 1)
	require.Equal(t, 1, report.Initial[0].PagesAcquired)
	require.Equal(t, 1, report.Processed())
	require.Equal(t, 1, srv.hitCount("/pending"))

	// The due-but-tracked source is left for a check or full run.
	require.Zero(t, srv.hitCount("/tracked"))
	got, err := h.reg.Get(h.ctx, tracked.URL)
	require.NoError(t, err)
	require.Equal(t, "known", got.LastContentHash)
}

func TestAcquireModeExplicitTargets(t *testing.T) {
	var srv = newCountingServer(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><head><title>Doc</title></head><body><p>substantial page text</p></body></html>"))
	})
	defer srv.Close()

	var h = newHarness(t, srv.Client())

	// Tracked and nowhere near due: only an explicit target reaches it.
	var tracked = activeSource(srv.URL + "/tracked")
	tracked.LastContentHash = "known"
	tracked.NextCheckAfter = testNow.Add(24 * time.Hour)
	require.NoError(t, h.reg.Put(h.ctx, tracked))

	h.runner.Targets = []string{srv.URL + "/tracked", srv.URL + "/unregistered"}
	report, err := h.runner.Run(h.ctx, ModeAcquire)
	require.NoError(t, err)

	require.Len(t, report.Updated, 1)
	require.Equal(t, 1, report.Updated[0].PagesAcquired)
	require.Equal(t, 1, srv.hitCount("/tracked"))

	require.Len(t, report.Errors, 1)
	require.Contains(t, report.Errors[0].Error, "not registered")
	require.Zero(t, srv.hitCount("/unregistered"))
}

func TestFullModeAcquiresAndPublishes(t *testing.T) {
	var srv = newCountingServer(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><head><title>Doc</title></head><body><p>substantial page text</p></body></html>"))
	})
	defer srv.Close()

	var h = newHarness(t, srv.Client())
	var pub = &fakePublisher{}
	h.runner.Publisher = pub
	h.runner.BaseBranch = "main"

	require.NoError(t, h.reg.Put(h.ctx, activeSource(srv.URL+"/doc")))

	report, err := h.runner.Run(h.ctx, ModeFull)
	require.NoError(t, err)
	require.Len(t, report.Initial, 1)
	require.Equal(t, 1, report.Initial[0].PagesAcquired)
	require.True(t, pub.ensured)
	require.Contains(t, pub.prTitle, "run-test")
	require.Contains(t, pub.prBody, "1 initial")
	require.Equal(t, "https://example.com/pr/1", report.PullRequestURL)

	// The acquisition is durable: manifest entry plus registry state.
	reloaded, err := manifest.Load(h.ctx, h.store)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Len())
	require.Equal(t, manifest.StatusCompleted, reloaded.Entries()[0].Status)

	src, err := h.reg.Get(h.ctx, srv.URL+"/doc")
	require.NoError(t, err)
	require.NotEmpty(t, src.LastContentHash)
	require.True(t, src.NextCheckAfter.After(testNow))

	// Nothing is due on an immediate second run, and no pull request opens.
	var pub2 = &fakePublisher{}
	h.runner.Publisher = pub2
	report, err = h.runner.Run(h.ctx, ModeFull)
	require.NoError(t, err)
	require.Zero(t, report.Processed())
	require.Empty(t, pub2.prTitle)
}

func TestRepeatedChecksConverge(t *testing.T) {
	var srv = newCountingServer(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><head><title>Doc</title></head><body><p>unchanging text</p></body></html>"))
	})
	defer srv.Close()

	var h = newHarness(t, srv.Client())
	require.NoError(t, h.reg.Put(h.ctx, activeSource(srv.URL+"/doc")))

	_, err := h.runner.Run(h.ctx, ModeFull)
	require.NoError(t, err)

	// Two checks of unchanged content leave a byte-identical source record:
	// the canonical hash matches what acquisition stored, and the fixed
	// clock and jitter make rescheduling deterministic.
	var recordAfterCheck = func() []byte {
		src, err := h.reg.Get(h.ctx, srv.URL+"/doc")
		require.NoError(t, err)
		src.NextCheckAfter = testNow.Add(-time.Minute)
		require.NoError(t, h.reg.Put(h.ctx, src))

		report, err := h.runner.Run(h.ctx, ModeCheck)
		require.NoError(t, err)
		require.Len(t, report.Unchanged, 1)
		require.Equal(t, monitor.MethodContentHash, report.Unchanged[0].DetectionMethod)

		data, err := h.store.Get(h.ctx, "sources/"+registry.URLHash(mustCanonical(t, srv.URL+"/doc"))+".json")
		require.NoError(t, err)
		return data
	}

	var first = recordAfterCheck()
	var second = recordAfterCheck()
	var opts = jsondiff.DefaultConsoleOptions()
	diff, delta := jsondiff.Compare(first, second, &opts)
	require.Equal(t, jsondiff.FullMatch, diff, delta)
}

func TestDryRunWritesNothing(t *testing.T) {
	var srv = newCountingServer(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><p>page</p></body></html>"))
	})
	defer srv.Close()

	var h = newHarness(t, srv.Client())
	h.runner.DryRun = true
	require.NoError(t, h.reg.Put(h.ctx, activeSource(srv.URL+"/doc")))

	before, err := h.store.Get(h.ctx, "sources/"+registry.URLHash(mustCanonical(t, srv.URL+"/doc"))+".json")
	require.NoError(t, err)

	report, err := h.runner.Run(h.ctx, ModeFull)
	require.NoError(t, err)
	require.Len(t, report.Planned, 1)
	require.Zero(t, report.Processed())
	require.Zero(t, srv.hitCount("/doc"))

	after, err := h.store.Get(h.ctx, "sources/"+registry.URLHash(mustCanonical(t, srv.URL+"/doc"))+".json")
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestCancelledRunIsInterrupted(t *testing.T) {
	var srv = newCountingServer(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><p>page</p></body></html>"))
	})
	defer srv.Close()

	var h = newHarness(t, srv.Client())
	require.NoError(t, h.reg.Put(h.ctx, activeSource(srv.URL+"/doc")))

	ctx, cancel := context.WithCancel(h.ctx)
	cancel()
	report, err := h.runner.Run(ctx, ModeFull)
	require.ErrorIs(t, err, ErrInterrupted)
	require.Zero(t, report.Processed())
}

func mustCanonical(t *testing.T, raw string) string {
	var canonical, err = registry.CanonicalURL(raw)
	require.NoError(t, err)
	return canonical
}
