package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/perigee-data/harvest/extraction"
	"github.com/perigee-data/harvest/manifest"
	"github.com/perigee-data/harvest/pipeline"
)

type cmdExtract struct {
	Connector string `long:"connector" env:"EXTRACTOR_COMMAND" description:"Extractor connector command (defaults to harvest-extractor on PATH)"`

	Store   StoreConfig   `group:"Store" namespace:"store" env-namespace:"STORE"`
	Metrics MetricsConfig `group:"Metrics" namespace:"metrics" env-namespace:"METRICS"`
	Log     LogConfig     `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (c cmdExtract) Execute([]string) error {
	initLog(c.Log)
	c.Metrics.start()

	var ctx, stop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runID = newRunID()
	var s, publisher, err = c.Store.open(ctx, "harvest/extract-"+runID)
	if err != nil {
		return err
	}
	if publisher != nil {
		if err = publisher.EnsureBranch(ctx, c.Store.BaseBranch); err != nil {
			return err
		}
	}

	man, err := manifest.Load(ctx, s)
	if err != nil {
		return err
	}

	var connector = &extraction.Connector{Command: c.Connector}
	if err = connector.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := connector.Close(); cerr != nil {
			log.WithField("error", cerr).Warn("extractor connector exited uncleanly")
		}
	}()

	var driver = &extraction.Driver{Manifest: man, Store: s, Extractor: connector}
	summary, runErr := driver.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = pipeline.ErrInterrupted
	}

	fmt.Printf("%s: %d eligible, %s, %s, %s\n", bold("extract"),
		summary.Eligible,
		green(fmt.Sprintf("%d completed", summary.Completed)),
		yellow(fmt.Sprintf("%d skipped", summary.Skipped)),
		red(fmt.Sprintf("%d errored", summary.Errored)))

	if publisher != nil && summary.Completed+summary.Skipped > 0 {
		url, perr := publisher.OpenPullRequest(ctx, c.Store.BaseBranch,
			fmt.Sprintf("harvest: extraction %s", runID),
			fmt.Sprintf("Extraction run %s: %d completed, %d skipped, %d errored.",
				runID, summary.Completed, summary.Skipped, summary.Errored))
		if perr != nil {
			log.WithField("error", perr).Error("failed to open pull request")
			if runErr == nil {
				runErr = perr
			}
		} else {
			fmt.Printf("pull request: %s\n", url)
		}
	}
	return runErr
}
