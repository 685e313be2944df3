package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/perigee-data/harvest/extraction"
	"github.com/perigee-data/harvest/pipeline"
)

// Exit statuses the hosting workflow dispatches on.
const (
	exitOK          = 0
	exitError       = 1
	exitRateLimited = 42
	exitInterrupted = 130
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "check", "Probe due sources for change", `
Select due sources under politeness constraints and probe each through the
change-detection cascade. Nothing is acquired; the run report says what an
acquire run would do.
`, &cmdCheck{})

	addCmd(parser, "acquire", "Acquire pending sources and given URLs", `
Acquire content for every source pending initial acquisition, plus any source
URLs given as arguments, skipping the change probe entirely. Fetches honor
robots.txt and per-domain politeness; crawls resume from their saved frontier.
`, &cmdAcquire{})

	addCmd(parser, "full", "Check and acquire in one pass", `
Run the complete pipeline: probe due sources for change and immediately
acquire whatever is new or changed.
`, &cmdFull{})

	addCmd(parser, "extract", "Extract entities from parsed artifacts", `
Walk the artifact manifest and run the extractor connector over every
completed artifact that has not yet been processed. Progress is committed in
batches, so a rate-limited run resumes where it stopped.
`, &cmdExtract{})

	sources, err := parser.Command.AddCommand("sources", "Manage registered sources", "", &struct{}{})
	must(err, "failed to add sources command")

	addCmd(sources, "add", "Register a source", `
Canonicalize the URL and register it as a pending-initial source. The next
acquire run fetches its content.
`, &cmdSourcesAdd{})

	addCmd(sources, "list", "List registered sources", `
List registered sources, optionally filtered by status and type.
`, &cmdSourcesList{})

	addCmd(sources, "deprecate", "Deprecate a source", `
Soft-delete a source by flipping its status to deprecated. Its record and
acquired artifacts are retained.
`, &cmdSourcesDeprecate{})

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			os.Exit(exitOK)
		}
		switch {
		case errors.Is(err, extraction.ErrRateLimited):
			log.WithField("error", err).Warn("run was rate limited; partial progress committed")
			os.Exit(exitRateLimited)
		case errors.Is(err, pipeline.ErrInterrupted):
			log.WithField("error", err).Warn("run interrupted; progress flushed")
			os.Exit(exitInterrupted)
		default:
			log.WithField("error", err).Error("run failed")
			os.Exit(exitError)
		}
	}
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	must(err, "failed to add flags parser command")
	return cmd
}

func must(err error, msg string) {
	if err != nil {
		log.WithField("error", err).Fatal(msg)
	}
}
