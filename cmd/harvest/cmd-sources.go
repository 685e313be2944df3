package main

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/perigee-data/harvest/registry"
)

type cmdSourcesAdd struct {
	Name      string   `long:"name" required:"true" description:"Human-readable source name"`
	Type      string   `long:"type" default:"reference" choice:"primary" choice:"derived" choice:"reference" description:"Source provenance"`
	Frequency string   `long:"frequency" default:"unknown" choice:"frequent" choice:"daily" choice:"weekly" choice:"monthly" choice:"unknown" description:"Expected update cadence"`
	Scope     string   `long:"scope" default:"page" choice:"page" choice:"path-prefix" choice:"host" description:"Crawl scope"`
	MaxPages  int      `long:"max-pages" description:"Total page budget for crawl scopes"`
	MaxDepth  int      `long:"max-depth" description:"Link depth budget for crawl scopes"`
	Official  bool     `long:"official" description:"Mark the source as an official publication"`
	Topics    []string `long:"topic" description:"Topic tag; repeatable"`
	Notes     string   `long:"notes" description:"Free-form operator notes"`

	Store StoreConfig `group:"Store" namespace:"store" env-namespace:"STORE"`
	Log   LogConfig   `group:"Logging" namespace:"log" env-namespace:"LOG"`

	Args struct {
		URL string `positional-arg-name:"URL" required:"true" description:"Source URL"`
	} `positional-args:"true"`
}

func (c cmdSourcesAdd) Execute([]string) error {
	initLog(c.Log)
	var ctx = context.Background()

	var reg, err = openRegistry(ctx, &c.Store)
	if err != nil {
		return err
	}

	canonical, err := registry.CanonicalURL(c.Args.URL)
	if err != nil {
		return err
	}
	exists, err := reg.Exists(ctx, canonical)
	if err != nil {
		return err
	} else if exists {
		return fmt.Errorf("source %s is already registered", canonical)
	}

	var entry = &registry.SourceEntry{
		URL:             canonical,
		Name:            c.Name,
		SourceType:      registry.SourceType(c.Type),
		Status:          registry.StatusActive,
		UpdateFrequency: registry.UpdateFrequency(c.Frequency),
		CrawlScope:      registry.CrawlScope(c.Scope),
		CrawlMaxPages:   c.MaxPages,
		CrawlMaxDepth:   c.MaxDepth,
		IsOfficial:      c.Official,
		Topics:          c.Topics,
		Notes:           c.Notes,
	}
	if err = reg.Put(ctx, entry); err != nil {
		return err
	}
	fmt.Printf("registered %s (%s, %s); pending initial acquisition\n",
		bold(canonical), entry.SourceType, entry.CrawlScope)
	return nil
}

type cmdSourcesList struct {
	Status string `long:"status" description:"Filter by status" choice:"active" choice:"deprecated" choice:"pending_review"`
	Type   string `long:"type" description:"Filter by source type" choice:"primary" choice:"derived" choice:"reference"`

	Store StoreConfig `group:"Store" namespace:"store" env-namespace:"STORE"`
	Log   LogConfig   `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (c cmdSourcesList) Execute([]string) error {
	initLog(c.Log)
	var ctx = context.Background()

	var reg, err = openRegistry(ctx, &c.Store)
	if err != nil {
		return err
	}
	entries, err := reg.List(ctx, registry.Status(c.Status), registry.SourceType(c.Type))
	if err != nil {
		return err
	}

	for _, e := range entries {
		var status = string(e.Status)
		switch e.Status {
		case registry.StatusActive:
			status = green(status)
		case registry.StatusDeprecated:
			status = red(status)
		default:
			status = yellow(status)
		}
		var pending string
		if e.PendingInitial() {
			pending = cyan("  pending-initial")
		}
		fmt.Printf("%-10s %-9s %s  %s%s\n", status, e.SourceType, e.URL, e.Name, pending)
	}
	fmt.Printf("%d sources\n", len(entries))
	return nil
}

type cmdSourcesDeprecate struct {
	Store StoreConfig `group:"Store" namespace:"store" env-namespace:"STORE"`
	Log   LogConfig   `group:"Logging" namespace:"log" env-namespace:"LOG"`

	Args struct {
		URL string `positional-arg-name:"URL" required:"true" description:"Source URL"`
	} `positional-args:"true"`
}

func (c cmdSourcesDeprecate) Execute([]string) error {
	initLog(c.Log)
	var ctx = context.Background()

	var reg, err = openRegistry(ctx, &c.Store)
	if err != nil {
		return err
	}
	if err = reg.Delete(ctx, c.Args.URL); err != nil {
		return err
	}
	fmt.Printf("deprecated %s\n", c.Args.URL)
	return nil
}

// openRegistry opens the registry against the base branch directly: source
// management is an operator action, not a pipeline run, so it commits
// without a working branch.
func openRegistry(ctx context.Context, cfg *StoreConfig) (*registry.Registry, error) {
	var s, _, err = cfg.open(ctx, cfg.BaseBranch)
	if err != nil {
		return nil, err
	}
	log.WithField("remote", cfg.remote()).Debug("opened registry store")
	return registry.New(s), nil
}
