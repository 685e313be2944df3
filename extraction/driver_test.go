package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perigee-data/harvest/manifest"
	"github.com/perigee-data/harvest/store"
)

type fakeExtractor struct {
	nonSubstantive map[string]bool
	rateLimitOn    string
	failOn         string

	assessed  []string
	extracted map[string]int
}

func (f *fakeExtractor) Assess(_ context.Context, checksum, text string) (*Assessment, error) {
	if checksum == f.rateLimitOn {
		return nil, &RateLimitError{RetryAfter: time.Minute}
	}
	if checksum == f.failOn {
		return nil, fmt.Errorf("extractor exploded")
	}
	f.assessed = append(f.assessed, checksum)
	if f.nonSubstantive[checksum] {
		return &Assessment{IsSubstantive: false, Reason: "boilerplate index page"}, nil
	}
	return &Assessment{IsSubstantive: true, Confidence: 0.9}, nil
}

func (f *fakeExtractor) Extract(_ context.Context, checksum, _ string, kind Kind) (json.RawMessage, error) {
	if f.extracted == nil {
		f.extracted = make(map[string]int)
	}
	f.extracted[checksum]++
	return json.RawMessage(fmt.Sprintf(`[{"name": "entity-%s"}]`, kind)), nil
}

type fixture struct {
	ctx      context.Context
	store    store.Store
	manifest *manifest.Manifest
}

func newFixture(t *testing.T) *fixture {
	var ctx = context.Background()
	var s = &store.Local{Root: t.TempDir()}
	var m, err = manifest.Load(ctx, s)
	require.NoError(t, err)
	return &fixture{ctx: ctx, store: s, manifest: m}
}

// addArtifact records a completed manifest entry and writes its segment file.
func (f *fixture) addArtifact(t *testing.T, checksum string) {
	var dir = "evidence/parsed/2026/page-" + checksum[:6]
	var body = "---\nsource: https://ex.org/" + checksum[:6] + "\n---\n\n# Page " + checksum[:6] + "\n\nProse worth extracting.\n"
	require.NoError(t, f.store.Put(f.ctx, dir+"/segment-001.md", []byte(body), "test"))
	require.NoError(t, f.manifest.Put(f.ctx, manifest.Entry{
		Checksum:     checksum,
		Source:       "https://ex.org/" + checksum[:6],
		Parser:       "crawler",
		ArtifactPath: dir,
		ProcessedAt:  time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Status:       manifest.StatusCompleted,
	}))
}

func checksumN(n int) string {
	return fmt.Sprintf("%c%063d", 'a'+n, n)
}

func newDriver(f *fixture, ext Extractor) *Driver {
	return &Driver{
		Manifest:  f.manifest,
		Store:     f.store,
		Extractor: ext,
		Now:       func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) },
	}
}

func TestDriverExtractsAndPersists(t *testing.T) {
	var f = newFixture(t)
	f.addArtifact(t, checksumN(0))
	f.addArtifact(t, checksumN(1))

	var ext = &fakeExtractor{}
	var summary, err = newDriver(f, ext).Run(f.ctx)
	require.NoError(t, err)
	require.Equal(t, &Summary{Eligible: 2, Completed: 2}, summary)

	for _, kind := range Kinds {
		var data, err = f.store.Get(f.ctx, "knowledge-graph/"+string(kind)+"/"+checksumN(0)+".json")
		require.NoError(t, err)

		var record map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &record))
		require.Contains(t, record, "source_checksum")
		require.Contains(t, record, string(kind))
	}

	var entry = f.manifest.Get(checksumN(0))
	require.True(t, entry.MetaBool(manifest.MetaExtractionComplete))
	require.Equal(t, "2026-08-24T12:00:00Z", entry.MetaString(manifest.MetaExtractionLastBatchRun))
}

func TestDriverStripsFrontmatterBeforeExtracting(t *testing.T) {
	require.Equal(t, "body text\n", stripFrontmatter("---\nsource: x\n---\n\nbody text\n"))
	require.Equal(t, "no frontmatter", stripFrontmatter("no frontmatter"))
}

func TestDriverSkipsNonSubstantive(t *testing.T) {
	var f = newFixture(t)
	f.addArtifact(t, checksumN(0))

	var ext = &fakeExtractor{nonSubstantive: map[string]bool{checksumN(0): true}}
	var summary, err = newDriver(f, ext).Run(f.ctx)
	require.NoError(t, err)
	require.Equal(t, &Summary{Eligible: 1, Skipped: 1}, summary)
	require.Empty(t, ext.extracted)

	var entry = f.manifest.Get(checksumN(0))
	require.True(t, entry.MetaBool(manifest.MetaExtractionSkipped))
	require.Equal(t, "boilerplate index page", entry.MetaString(manifest.MetaExtractionSkippedReason))

	// A skipped artifact is not eligible on the next run.
	summary, err = newDriver(f, ext).Run(f.ctx)
	require.NoError(t, err)
	require.Zero(t, summary.Eligible)
}

func TestDriverRateLimitCommitsPartialProgress(t *testing.T) {
	var f = newFixture(t)
	for i := 0; i < 5; i++ {
		f.addArtifact(t, checksumN(i))
	}

	var ext = &fakeExtractor{rateLimitOn: checksumN(3)}
	var summary, err = newDriver(f, ext).Run(f.ctx)
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, 3, summary.Completed)

	// The first three artifacts are durably complete.
	reloaded, err := manifest.Load(f.ctx, f.store)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.True(t, reloaded.Get(checksumN(i)).MetaBool(manifest.MetaExtractionComplete))
	}
	// The throttled artifact carries the rate-limit marker but no completion.
	var throttled = reloaded.Get(checksumN(3))
	require.False(t, throttled.MetaBool(manifest.MetaExtractionComplete))
	require.NotEmpty(t, throttled.MetaString(manifest.MetaExtractionRateLimitedAt))
	// The artifact past it was never reached.
	require.Empty(t, reloaded.Get(checksumN(4)).Metadata)

	// The next run resumes with the remaining two and re-assesses nothing
	// that already completed.
	ext = &fakeExtractor{}
	summary, err = newDriver(f, ext).Run(f.ctx)
	require.NoError(t, err)
	require.Equal(t, &Summary{Eligible: 2, Completed: 2}, summary)
	require.ElementsMatch(t, []string{checksumN(3), checksumN(4)}, ext.assessed)
}

func TestDriverContinuesPastFailedArtifact(t *testing.T) {
	var f = newFixture(t)
	f.addArtifact(t, checksumN(0))
	f.addArtifact(t, checksumN(1))

	var ext = &fakeExtractor{failOn: checksumN(0)}
	var summary, err = newDriver(f, ext).Run(f.ctx)
	require.NoError(t, err)
	require.Equal(t, &Summary{Eligible: 2, Completed: 1, Errored: 1}, summary)

	// The failed artifact gets no marker and stays eligible.
	require.Empty(t, f.manifest.Get(checksumN(0)).Metadata)
}
