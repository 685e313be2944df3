package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildRunnerClientTimeouts(t *testing.T) {
	var cfg = runConfig{
		Store: StoreConfig{Mode: "local", Root: t.TempDir()},
	}
	var runner, err = cfg.buildRunner(context.Background(), "test-run")
	require.NoError(t, err)

	// Change probes stay on the short budget; only body fetches get 60s.
	require.Equal(t, 30*time.Second, runner.Monitor.Client.Timeout)
}

func TestLoadPolitenessOverlaysDefaults(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "politeness.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  max_sources_per_run: 3
  min_domain_interval_seconds: 45
crawler:
  delay_seconds: 5
`), 0644))

	sched, crawl, err := loadPoliteness(path)
	require.NoError(t, err)
	require.Equal(t, 3, sched.MaxSourcesPerRun)
	require.Equal(t, 45*time.Second, sched.MinDomainInterval)
	require.Equal(t, 5*time.Second, crawl.Delay)
	// Untouched fields keep their defaults.
	require.Equal(t, 20, crawl.MaxPagesPerRun)
}
