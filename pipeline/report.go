package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/perigee-data/harvest/monitor"
	"github.com/perigee-data/harvest/scheduler"
)

// SourceOutcome records what happened to one scheduled source.
type SourceOutcome struct {
	URL             string           `json:"url"`
	Name            string           `json:"name,omitempty"`
	Action          scheduler.Action `json:"action"`
	DetectionMethod monitor.Method   `json:"detection_method,omitempty"`
	PagesAcquired   int              `json:"pages_acquired,omitempty"`
	ContentPath     string           `json:"content_path,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// Report is the machine-readable outcome of one run, grouped the way the
// human report presents it.
type Report struct {
	RunID      string    `json:"run_id"`
	Mode       Mode      `json:"mode"`
	DryRun     bool      `json:"dry_run,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Planned   []SourceOutcome `json:"planned,omitempty"`
	Initial   []SourceOutcome `json:"initial,omitempty"`
	Updated   []SourceOutcome `json:"updated,omitempty"`
	Unchanged []SourceOutcome `json:"unchanged,omitempty"`
	Errors    []SourceOutcome `json:"errors,omitempty"`

	PullRequestURL string `json:"pull_request_url,omitempty"`
}

// Processed is the number of sources the run actually touched.
func (r *Report) Processed() int {
	return len(r.Initial) + len(r.Updated) + len(r.Unchanged) + len(r.Errors)
}

// Summary renders a short prose account of the run, used for pull-request
// bodies and log lines.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (%s): %d initial, %d updated, %d unchanged, %d errors.\n",
		r.RunID, r.Mode, len(r.Initial), len(r.Updated), len(r.Unchanged), len(r.Errors))

	var section = func(title string, outcomes []SourceOutcome) {
		if len(outcomes) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n%s:\n", title)
		for _, o := range outcomes {
			fmt.Fprintf(&b, "- %s", o.URL)
			if o.PagesAcquired > 0 {
				fmt.Fprintf(&b, " (%d pages)", o.PagesAcquired)
			}
			if o.Error != "" {
				fmt.Fprintf(&b, ": %s", o.Error)
			}
			b.WriteString("\n")
		}
	}
	section("Initial acquisitions", r.Initial)
	section("Updated", r.Updated)
	section("Errors", r.Errors)
	return b.String()
}
