// Package pipeline composes the registry, scheduler, monitor and crawler
// into one run: select due sources, probe them politely, acquire what
// changed, and surface the batch as a single reviewable change set.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/perigee-data/harvest/crawler"
	"github.com/perigee-data/harvest/manifest"
	"github.com/perigee-data/harvest/monitor"
	"github.com/perigee-data/harvest/registry"
	"github.com/perigee-data/harvest/scheduler"
)

// Mode selects what a run does.
type Mode string

const (
	// ModeCheck probes sources for change without acquiring anything.
	ModeCheck Mode = "check"
	// ModeAcquire feeds pending-initial sources, plus explicitly requested
	// URLs, straight to the crawler without a change probe.
	ModeAcquire Mode = "acquire"
	// ModeFull checks and acquires in one pass.
	ModeFull Mode = "full"
)

// ErrInterrupted marks a run cut short by cancellation. Batches were flushed
// and crawl state saved before returning it.
var ErrInterrupted = errors.New("pipeline: run interrupted")

// Publisher surfaces a run's accumulated writes for review. The remote store
// backend implements it; local runs carry none.
type Publisher interface {
	EnsureBranch(ctx context.Context, base string) error
	OpenPullRequest(ctx context.Context, base, title, body string) (string, error)
}

// Runner drives one pipeline run over its composed parts.
type Runner struct {
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Monitor   *monitor.Monitor
	Crawler   *crawler.Crawler
	Manifest  *manifest.Manifest

	// Publisher and BaseBranch are set for remote runs; the run accumulates
	// on the working branch and opens one pull request at the end.
	Publisher  Publisher
	BaseBranch string

	RunID  string
	DryRun bool

	// Targets are specific source URLs to acquire regardless of schedule.
	// They are honored in acquire mode only.
	Targets []string

	Now func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run executes one pipeline pass in the given mode.
func (r *Runner) Run(ctx context.Context, mode Mode) (*Report, error) {
	var report = &Report{RunID: r.RunID, Mode: mode, DryRun: r.DryRun, StartedAt: r.now()}

	// The working branch must exist before anything reads through the store.
	if r.Publisher != nil && !r.DryRun {
		if err := r.Publisher.EnsureBranch(ctx, r.BaseBranch); err != nil {
			return report, err
		}
	}

	var sources, err = r.Registry.List(ctx, registry.StatusActive, "")
	if err != nil {
		return report, fmt.Errorf("listing active sources: %w", err)
	}
	var due []scheduler.Item
	if mode == ModeAcquire {
		due = r.selectAcquire(ctx, sources, report)
	} else {
		due = r.Scheduler.SelectDue(sources, report.StartedAt)
	}
	var plan = r.Scheduler.Plan(due)

	log.WithFields(log.Fields{
		"mode":    mode,
		"active":  len(sources),
		"due":     len(due),
		"planned": len(plan),
		"dry_run": r.DryRun,
	}).Info("pipeline run planned")

	if r.DryRun {
		for _, item := range plan {
			log.WithFields(log.Fields{
				"url":    item.Source.URL,
				"action": item.Action,
			}).Info("dry run: would process")
			report.Planned = append(report.Planned, SourceOutcome{
				URL:    item.Source.URL,
				Name:   item.Source.Name,
				Action: item.Action,
			})
		}
		report.FinishedAt = r.now()
		return report, nil
	}

	if mode != ModeCheck {
		r.Manifest.BeginBatch()
	}

	var interrupted bool
	for _, item := range plan {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		r.Scheduler.AwaitDomain(scheduler.Domain(item.Source.URL))
		if err = r.processItem(ctx, mode, item, report); err != nil {
			// Store failures are fatal to the run; flush what we have.
			break
		}
	}

	if mode != ModeCheck && r.Manifest.InBatch() {
		var msg = fmt.Sprintf("harvest run %s: %d acquired, %d unchanged, %d errors",
			r.RunID, len(report.Initial)+len(report.Updated), len(report.Unchanged), len(report.Errors))
		if ferr := r.Manifest.Flush(ctx, msg); ferr != nil && err == nil {
			err = ferr
		}
	}
	report.FinishedAt = r.now()

	if err != nil {
		return report, err
	}
	if interrupted || ctx.Err() != nil {
		log.WithField("processed", report.Processed()).Warn("run interrupted; progress flushed")
		return report, ErrInterrupted
	}

	if r.Publisher != nil && report.Processed() > 0 {
		url, perr := r.Publisher.OpenPullRequest(ctx, r.BaseBranch,
			fmt.Sprintf("harvest: run %s", r.RunID), report.Summary())
		if perr != nil {
			return report, perr
		}
		report.PullRequestURL = url
		log.WithField("url", url).Info("opened pull request for run")
	}
	return report, nil
}

// selectAcquire builds the acquire-mode work set: every pending-initial
// active source, plus each explicitly requested target URL. No change probe
// selects here; targets are acquired as-is.
func (r *Runner) selectAcquire(ctx context.Context, sources []*registry.SourceEntry, report *Report) []scheduler.Item {
	var items []scheduler.Item
	var seen = make(map[string]bool)

	for _, e := range sources {
		if e.PendingInitial() {
			items = append(items, scheduler.Item{Source: e, Action: scheduler.ActionInitial})
			seen[e.URL] = true
		}
	}

	for _, target := range r.Targets {
		canonical, err := registry.CanonicalURL(target)
		if err != nil {
			report.Errors = append(report.Errors, SourceOutcome{
				URL: target, Error: err.Error(),
			})
			continue
		}
		if seen[canonical] {
			continue
		}
		src, err := r.Registry.Get(ctx, canonical)
		if err != nil {
			report.Errors = append(report.Errors, SourceOutcome{
				URL: canonical, Error: err.Error(),
			})
			continue
		}
		if src == nil {
			report.Errors = append(report.Errors, SourceOutcome{
				URL: canonical, Error: "source is not registered",
			})
			continue
		}
		if src.Status != registry.StatusActive {
			report.Errors = append(report.Errors, SourceOutcome{
				URL: canonical, Name: src.Name,
				Error: fmt.Sprintf("source is %s, not active", src.Status),
			})
			continue
		}
		var action = scheduler.ActionCheck
		if src.PendingInitial() {
			action = scheduler.ActionInitial
		}
		items = append(items, scheduler.Item{Source: src, Action: action})
		seen[canonical] = true
	}
	return items
}

func (r *Runner) processItem(ctx context.Context, mode Mode, item scheduler.Item, report *Report) error {
	var src = item.Source

	if item.Action == scheduler.ActionInitial {
		if mode == ModeCheck {
			// Check mode surfaces pending-initial sources without fetching.
			report.Initial = append(report.Initial, SourceOutcome{
				URL: src.URL, Name: src.Name, Action: item.Action,
			})
			return nil
		}
		return r.acquire(ctx, item, monitor.CheckResult{}, report)
	}

	if mode == ModeAcquire {
		// Acquire mode selected its work set explicitly; go straight to
		// the crawler without a change probe.
		return r.acquire(ctx, item, monitor.CheckResult{}, report)
	}

	var res = r.Monitor.Check(ctx, src)
	var now = r.now()

	switch res.Status {
	case monitor.StatusUnchanged:
		src.LastChecked = now
		src.LastVerified = now
		src.CheckFailures = 0
		if res.ETag != "" {
			src.LastETag = res.ETag
		}
		if res.LastModified != "" {
			src.LastModifiedHeader = res.LastModified
		}
		src.NextCheckAfter = r.Scheduler.NextCheckAfter(src.UpdateFrequency, now)
		report.Unchanged = append(report.Unchanged, SourceOutcome{
			URL: src.URL, Name: src.Name, Action: item.Action,
			DetectionMethod: res.DetectionMethod,
		})
		return r.put(ctx, src)

	case monitor.StatusChanged:
		if mode == ModeCheck {
			// Report the change but leave NextCheckAfter alone, so the
			// source is still due when an acquire run comes around.
			src.LastChecked = now
			src.CheckFailures = 0
			report.Updated = append(report.Updated, SourceOutcome{
				URL: src.URL, Name: src.Name, Action: item.Action,
				DetectionMethod: res.DetectionMethod,
			})
			return r.put(ctx, src)
		}
		return r.acquire(ctx, item, res, report)

	default:
		src.LastChecked = now
		src.CheckFailures++
		src.NextCheckAfter = r.Scheduler.Backoff(src.CheckFailures, now)
		report.Errors = append(report.Errors, SourceOutcome{
			URL: src.URL, Name: src.Name, Action: item.Action,
			DetectionMethod: res.DetectionMethod,
			Error:           res.ErrorMessage,
		})
		log.WithFields(log.Fields{
			"url":      src.URL,
			"failures": src.CheckFailures,
			"error":    res.ErrorMessage,
		}).Warn("source check failed; backing off")
		return r.put(ctx, src)
	}
}

// acquire fetches a source's content and reschedules it by the outcome.
func (r *Runner) acquire(ctx context.Context, item scheduler.Item, check monitor.CheckResult, report *Report) error {
	var src = item.Source
	var result = r.Crawler.Acquire(ctx, src)
	var now = r.now()

	var outcome = SourceOutcome{
		URL: src.URL, Name: src.Name, Action: item.Action,
		DetectionMethod: check.DetectionMethod,
		PagesAcquired:   result.PagesAcquired,
		ContentPath:     result.ContentPath,
	}

	if result.Success {
		src.NextCheckAfter = r.Scheduler.NextCheckAfter(src.UpdateFrequency, now)
		if item.Action == scheduler.ActionInitial {
			report.Initial = append(report.Initial, outcome)
		} else {
			report.Updated = append(report.Updated, outcome)
		}
	} else {
		src.LastChecked = now
		src.CheckFailures++
		src.NextCheckAfter = r.Scheduler.Backoff(src.CheckFailures, now)
		outcome.Error = result.Error
		report.Errors = append(report.Errors, outcome)
		log.WithFields(log.Fields{
			"url":   src.URL,
			"error": result.Error,
		}).Warn("acquisition failed; backing off")
	}
	return r.put(ctx, src)
}

func (r *Runner) put(ctx context.Context, src *registry.SourceEntry) error {
	if err := r.Registry.Put(ctx, src); err != nil {
		return fmt.Errorf("persisting source %s: %w", src.URL, err)
	}
	return nil
}
