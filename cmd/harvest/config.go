package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/perigee-data/harvest/crawler"
	"github.com/perigee-data/harvest/scheduler"
	"github.com/perigee-data/harvest/store"
)

// LogConfig configures logging level and output format.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" description:"Logging output format"`
}

func initLog(cfg LogConfig) {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if lvl, err := log.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(lvl)
	}
}

// StoreConfig selects and configures the durable store backend.
type StoreConfig struct {
	Mode       string `long:"mode" env:"MODE" default:"auto" choice:"auto" choice:"local" choice:"remote" description:"Store backend; auto selects remote under a hosted workflow"`
	Root       string `long:"root" env:"ROOT" default:"." description:"Root directory of the local store"`
	Repository string `long:"repository" env:"GITHUB_REPOSITORY" description:"owner/repo of the remote store"`
	Token      string `long:"token" env:"GITHUB_TOKEN" description:"Bearer token for the remote store"`
	BaseBranch string `long:"base-branch" env:"GITHUB_REF_NAME" default:"main" description:"Branch remote runs branch from and open pull requests against"`
}

// remote reports whether this run targets the remote backend.
func (c *StoreConfig) remote() bool {
	switch c.Mode {
	case "remote":
		return true
	case "local":
		return false
	default:
		return os.Getenv("GITHUB_ACTIONS") == "true" && c.Repository != ""
	}
}

func (c *StoreConfig) token() string {
	if c.Token != "" {
		return c.Token
	}
	return os.Getenv("GH_TOKEN")
}

// open dials the configured store. Remote runs write to the named working
// branch; the returned *store.GitHub doubles as the run's publisher and is
// nil for local runs.
func (c *StoreConfig) open(ctx context.Context, workingBranch string) (store.Store, *store.GitHub, error) {
	if !c.remote() {
		log.WithField("root", c.Root).Debug("using local store")
		return &store.Local{Root: c.Root}, nil, nil
	}
	if c.token() == "" {
		return nil, nil, fmt.Errorf("remote store requires a token (GITHUB_TOKEN or GH_TOKEN)")
	}
	var gh, err = store.NewGitHub(ctx, c.Repository, workingBranch, c.token())
	if err != nil {
		return nil, nil, err
	}
	log.WithFields(log.Fields{
		"repository": c.Repository,
		"branch":     workingBranch,
	}).Info("using remote store")
	return gh, gh, nil
}

// MetricsConfig optionally exposes the run's metrics over HTTP.
type MetricsConfig struct {
	Port int `long:"port" env:"PORT" description:"Port to serve run metrics on (disabled when zero)"`
}

func (c MetricsConfig) start() {
	if c.Port == 0 {
		return
	}
	var addr = fmt.Sprintf(":%d", c.Port)
	go func() {
		var mux = http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithFields(log.Fields{"addr": addr, "error": err}).Warn("metrics listener failed")
		}
	}()
	log.WithField("addr", addr).Info("serving run metrics")
}

// politenessFile is the optional YAML tuning file for scheduling and
// crawling. Durations are plain seconds; absent or zero fields keep their
// defaults.
type politenessFile struct {
	Scheduler struct {
		MaxSourcesPerRun        int `yaml:"max_sources_per_run"`
		MaxDomainRequestsPerRun int `yaml:"max_domain_requests_per_run"`
		MinDomainIntervalSecs   int `yaml:"min_domain_interval_seconds"`
		JitterMinutes           int `yaml:"jitter_minutes"`
	} `yaml:"scheduler"`
	Crawler struct {
		UserAgent         string `yaml:"user_agent"`
		DelaySecs         int    `yaml:"delay_seconds"`
		MaxCrawlDelaySecs int    `yaml:"max_crawl_delay_seconds"`
		MaxPagesPerRun    int    `yaml:"max_pages_per_run"`
		MinTextChars      int    `yaml:"min_text_chars"`
	} `yaml:"crawler"`
}

func loadPoliteness(path string) (scheduler.Config, crawler.Config, error) {
	var sched = scheduler.DefaultConfig()
	var crawl = crawler.DefaultConfig()
	if path == "" {
		return sched, crawl, nil
	}

	var data, err = os.ReadFile(path)
	if err != nil {
		return sched, crawl, fmt.Errorf("reading politeness config: %w", err)
	}
	var file politenessFile
	if err = yaml.Unmarshal(data, &file); err != nil {
		return sched, crawl, fmt.Errorf("parsing politeness config %s: %w", path, err)
	}

	if v := file.Scheduler.MaxSourcesPerRun; v > 0 {
		sched.MaxSourcesPerRun = v
	}
	if v := file.Scheduler.MaxDomainRequestsPerRun; v > 0 {
		sched.MaxDomainRequestsPerRun = v
	}
	if v := file.Scheduler.MinDomainIntervalSecs; v > 0 {
		sched.MinDomainInterval = time.Duration(v) * time.Second
	}
	if v := file.Scheduler.JitterMinutes; v > 0 {
		sched.JitterMinutes = v
	}
	if v := file.Crawler.UserAgent; v != "" {
		crawl.UserAgent = v
	}
	if v := file.Crawler.DelaySecs; v > 0 {
		crawl.Delay = time.Duration(v) * time.Second
	}
	if v := file.Crawler.MaxCrawlDelaySecs; v > 0 {
		crawl.MaxCrawlDelay = time.Duration(v) * time.Second
	}
	if v := file.Crawler.MaxPagesPerRun; v > 0 {
		crawl.MaxPagesPerRun = v
	}
	if v := file.Crawler.MinTextChars; v > 0 {
		crawl.MinTextChars = v
	}

	log.WithField("path", path).Debug("loaded politeness config")
	return sched, crawl, nil
}
