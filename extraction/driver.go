package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/perigee-data/harvest/manifest"
	"github.com/perigee-data/harvest/ops"
	"github.com/perigee-data/harvest/store"
)

// GraphPrefix is the store prefix under which entity records are written.
const GraphPrefix = "knowledge-graph"

// Summary reports what one driver run accomplished.
type Summary struct {
	Eligible  int
	Completed int
	Skipped   int
	Errored   int
}

// Driver walks the manifest and extracts entities from artifacts that have
// not been processed. Progress markers live in entry metadata, so a run cut
// short by throttling resumes where it stopped.
type Driver struct {
	Manifest  *manifest.Manifest
	Store     store.Store
	Extractor Extractor

	// Now is the clock; it defaults to time.Now and is fixed in tests.
	Now func() time.Time
}

// Run processes every eligible artifact. On a rate limit it flushes the
// progress made so far and returns ErrRateLimited; the next run picks up
// with the artifact that was throttled.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	var now = time.Now
	if d.Now != nil {
		now = d.Now
	}

	var eligible []manifest.Entry
	for _, e := range d.Manifest.Entries() {
		if e.Status != manifest.StatusCompleted {
			continue
		}
		if e.MetaBool(manifest.MetaExtractionComplete) || e.MetaBool(manifest.MetaExtractionSkipped) {
			continue
		}
		eligible = append(eligible, e)
	}
	log.WithField("eligible", len(eligible)).Info("starting extraction batch")

	var summary = Summary{Eligible: len(eligible)}
	d.Manifest.BeginBatch()

	for _, entry := range eligible {
		if err := ctx.Err(); err != nil {
			if ferr := d.Manifest.Flush(ctx, batchMessage(&summary)); ferr != nil {
				log.WithField("error", ferr).Error("failed to flush on cancellation")
			}
			return &summary, err
		}

		var err = d.processEntry(ctx, entry, now, &summary)
		if IsRateLimit(err) {
			var patch = fmt.Sprintf(`{%q: %q}`,
				manifest.MetaExtractionRateLimitedAt, now().UTC().Format(time.RFC3339))
			if merr := d.Manifest.MergeMetadata(ctx, entry.Checksum, json.RawMessage(patch)); merr != nil {
				log.WithField("error", merr).Error("failed to record rate-limit marker")
			}
			if ferr := d.Manifest.Flush(ctx, batchMessage(&summary)); ferr != nil {
				return &summary, fmt.Errorf("flushing partial extraction progress: %w", ferr)
			}
			ops.ExtractionsTotal.WithLabelValues("rate_limited").Inc()
			log.WithFields(log.Fields{
				"checksum":  entry.Checksum,
				"completed": summary.Completed,
			}).Warn("extraction rate limited; partial progress committed")
			return &summary, ErrRateLimited
		} else if err != nil {
			// A failed artifact gets no marker: it stays eligible and is
			// retried on the next run.
			summary.Errored++
			ops.ExtractionsTotal.WithLabelValues("error").Inc()
			log.WithFields(log.Fields{
				"checksum": entry.Checksum,
				"source":   entry.Source,
				"error":    err,
			}).Error("extraction failed for artifact")
		}
	}

	if err := d.Manifest.Flush(ctx, batchMessage(&summary)); err != nil {
		return &summary, err
	}
	log.WithFields(log.Fields{
		"completed": summary.Completed,
		"skipped":   summary.Skipped,
		"errored":   summary.Errored,
	}).Info("extraction batch finished")
	return &summary, nil
}

func (d *Driver) processEntry(ctx context.Context, entry manifest.Entry, now func() time.Time, summary *Summary) error {
	var text, err = d.artifactText(ctx, entry)
	if err != nil {
		return err
	}

	assessment, err := d.Extractor.Assess(ctx, entry.Checksum, text)
	if err != nil {
		return fmt.Errorf("assessing %s: %w", entry.Checksum, err)
	}
	if !assessment.IsSubstantive {
		var patch, _ = json.Marshal(map[string]interface{}{
			manifest.MetaExtractionSkipped:       true,
			manifest.MetaExtractionSkippedReason: assessment.Reason,
		})
		if err = d.Manifest.MergeMetadata(ctx, entry.Checksum, patch); err != nil {
			return err
		}
		summary.Skipped++
		ops.ExtractionsTotal.WithLabelValues("skipped").Inc()
		log.WithFields(log.Fields{
			"checksum": entry.Checksum,
			"reason":   assessment.Reason,
		}).Info("artifact assessed as non-substantive")
		return nil
	}

	for _, kind := range Kinds {
		entities, err := d.Extractor.Extract(ctx, entry.Checksum, text, kind)
		if err != nil {
			return fmt.Errorf("extracting %s from %s: %w", kind, entry.Checksum, err)
		}
		record, err := json.MarshalIndent(map[string]interface{}{
			"source_checksum": entry.Checksum,
			"source_url":      entry.Source,
			string(kind):      entities,
			"extracted_at":    now().UTC().Format(time.RFC3339),
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding %s record: %w", kind, err)
		}
		var p = path.Join(GraphPrefix, string(kind), entry.Checksum+".json")
		if err = d.Manifest.StageFile(ctx, p, record); err != nil {
			return err
		}
	}

	var patch, _ = json.Marshal(map[string]interface{}{
		manifest.MetaExtractionComplete:     true,
		manifest.MetaExtractionLastBatchRun: now().UTC().Format(time.RFC3339),
	})
	if err = d.Manifest.MergeMetadata(ctx, entry.Checksum, patch); err != nil {
		return err
	}
	summary.Completed++
	ops.ExtractionsTotal.WithLabelValues("completed").Inc()
	return nil
}

// artifactText reads the artifact's canonical text. The first segment holds
// the page body; its frontmatter is stripped before handing to extractors.
func (d *Driver) artifactText(ctx context.Context, entry manifest.Entry) (string, error) {
	var data, err = d.Store.Get(ctx, path.Join(entry.ArtifactPath, "segment-001.md"))
	if err != nil {
		return "", fmt.Errorf("reading artifact %s: %w", entry.ArtifactPath, err)
	}
	return stripFrontmatter(string(data)), nil
}

func stripFrontmatter(s string) string {
	if !strings.HasPrefix(s, "---\n") {
		return s
	}
	if idx := strings.Index(s[4:], "\n---\n"); idx >= 0 {
		return strings.TrimLeft(s[4+idx+5:], "\n")
	}
	return s
}

func batchMessage(s *Summary) string {
	return fmt.Sprintf("extraction: %d completed, %d skipped", s.Completed, s.Skipped)
}
