package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/perigee-data/harvest/crawler"
	"github.com/perigee-data/harvest/crawlstate"
	"github.com/perigee-data/harvest/manifest"
	"github.com/perigee-data/harvest/monitor"
	"github.com/perigee-data/harvest/pipeline"
	"github.com/perigee-data/harvest/registry"
	"github.com/perigee-data/harvest/scheduler"
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

// runConfig is the shared surface of the check, acquire and full commands.
type runConfig struct {
	DryRun     bool   `long:"dry-run" description:"Compute and log all decisions without writing anything"`
	Politeness string `long:"politeness" env:"POLITENESS" description:"Path to a politeness tuning YAML file"`
	Renderer   string `long:"renderer.address" env:"RENDERER_ADDRESS" description:"Base URL of the headless render service; unset disables the rendering fallback"`
	Report     string `long:"report" description:"Write the JSON run report to this path"`

	Store   StoreConfig   `group:"Store" namespace:"store" env-namespace:"STORE"`
	Metrics MetricsConfig `group:"Metrics" namespace:"metrics" env-namespace:"METRICS"`
	Log     LogConfig     `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

type cmdCheck struct{ runConfig }
type cmdFull struct{ runConfig }

type cmdAcquire struct {
	runConfig
	Args struct {
		URLs []string `positional-arg-name:"URL" description:"Specific source URLs to acquire alongside pending ones"`
	} `positional-args:"true"`
}

func (c cmdCheck) Execute([]string) error   { return c.run(pipeline.ModeCheck, nil) }
func (c cmdAcquire) Execute([]string) error { return c.run(pipeline.ModeAcquire, c.Args.URLs) }
func (c cmdFull) Execute([]string) error    { return c.run(pipeline.ModeFull, nil) }

func (c runConfig) run(mode pipeline.Mode, targets []string) error {
	initLog(c.Log)
	c.Metrics.start()

	var ctx, stop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runID = newRunID()
	log.WithFields(log.Fields{
		"mode":   mode,
		"run_id": runID,
	}).Info("starting pipeline run")

	var runner, err = c.buildRunner(ctx, runID)
	if err != nil {
		return err
	}
	runner.Targets = targets

	report, runErr := runner.Run(ctx, mode)
	printReport(report)
	if c.Report != "" {
		if err := writeReport(c.Report, report); err != nil {
			log.WithFields(log.Fields{"path": c.Report, "error": err}).Error("failed to write run report")
		}
	}
	return runErr
}

func (c runConfig) buildRunner(ctx context.Context, runID string) (*pipeline.Runner, error) {
	var schedCfg, crawlCfg, err = loadPoliteness(c.Politeness)
	if err != nil {
		return nil, err
	}

	var workingBranch = "harvest/run-" + runID
	if c.DryRun {
		// Dry runs read the base branch directly and publish nothing.
		workingBranch = c.Store.BaseBranch
	}
	s, publisher, err := c.Store.open(ctx, workingBranch)
	if err != nil {
		return nil, err
	}

	man, err := manifest.Load(ctx, s)
	if err != nil {
		return nil, err
	}

	// Change probes are cheap; only the crawler's body fetches get the
	// longer budget.
	var monClient = &http.Client{Timeout: 30 * time.Second}
	var crawlClient = &http.Client{Timeout: 60 * time.Second}
	var mon = monitor.New(monClient, crawlCfg.UserAgent)
	mon.Canonical = crawler.CanonicalChecksum

	var renderer crawler.Renderer
	if c.Renderer != "" {
		renderer = crawler.NewServiceRenderer(c.Renderer)
	} else {
		log.Debug("no renderer address; rendering fallback disabled")
	}
	crawl, err := crawler.New(crawlCfg, crawlClient, man, crawlstate.NewStore(s), renderer)
	if err != nil {
		return nil, err
	}

	var runner = &pipeline.Runner{
		Registry:  registry.New(s),
		Scheduler: scheduler.New(schedCfg),
		Monitor:   mon,
		Crawler:   crawl,
		Manifest:  man,
		RunID:     runID,
		DryRun:    c.DryRun,
	}
	if publisher != nil && !c.DryRun {
		runner.Publisher = publisher
		runner.BaseBranch = c.Store.BaseBranch
	}
	return runner, nil
}

// newRunID names the run: the hosted workflow's run id when present, a UUID
// otherwise.
func newRunID() string {
	if id := os.Getenv("GITHUB_RUN_ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

func printReport(r *pipeline.Report) {
	fmt.Printf("%s run %s: %d processed\n", bold(string(r.Mode)), r.RunID, r.Processed())

	var section = func(label string, paint func(...interface{}) string, outcomes []pipeline.SourceOutcome) {
		if len(outcomes) == 0 {
			return
		}
		fmt.Printf("\n%s (%d):\n", paint(label), len(outcomes))
		for _, o := range outcomes {
			fmt.Printf("  %s", o.URL)
			if o.DetectionMethod != "" {
				fmt.Printf("  [%s]", o.DetectionMethod)
			}
			if o.PagesAcquired > 0 {
				fmt.Printf("  %d pages", o.PagesAcquired)
			}
			if o.Error != "" {
				fmt.Printf("  %s", red(o.Error))
			}
			fmt.Println()
		}
	}
	section("planned", cyan, r.Planned)
	section("initial", cyan, r.Initial)
	section("updated", green, r.Updated)
	section("unchanged", yellow, r.Unchanged)
	section("errors", red, r.Errors)

	if r.PullRequestURL != "" {
		fmt.Printf("\npull request: %s\n", r.PullRequestURL)
	}
}

func writeReport(path string, r *pipeline.Report) error {
	var data, err = json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run report: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
