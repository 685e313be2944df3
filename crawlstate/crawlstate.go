// Package crawlstate persists per-source crawl checkpoints so an interrupted
// crawl resumes from its frontier instead of starting over. One JSON file per
// source, named by the hash of its canonical URL.
package crawlstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/perigee-data/harvest/registry"
	"github.com/perigee-data/harvest/store"
)

const prefix = "evidence/crawl-state/"

// Lifecycle is the crawl's checkpoint state.
type Lifecycle string

const (
	StateCreated   Lifecycle = "created"
	StateStarted   Lifecycle = "started"
	StatePaused    Lifecycle = "paused"
	StateCompleted Lifecycle = "completed"
)

// State is a resumable crawl checkpoint. At rest, Visited and Frontier are
// disjoint, and a completed crawl has an empty frontier.
type State struct {
	SourceURL string              `json:"source_url"`
	Scope     registry.CrawlScope `json:"scope"`
	MaxPages  int                 `json:"max_pages"`
	MaxDepth  int                 `json:"max_depth"`

	Frontier []string        `json:"frontier"`
	Visited  map[string]bool `json:"-"`

	VisitedCount    int `json:"visited_count"`
	SkippedCount    int `json:"skipped_count"`
	FailedCount     int `json:"failed_count"`
	DiscoveredCount int `json:"discovered_count"`
	InScopeCount    int `json:"in_scope_count"`
	OutOfScopeCount int `json:"out_of_scope_count"`

	State        Lifecycle `json:"state"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	LastPausedAt time.Time `json:"last_paused_at,omitzero"`
	CompletedAt  time.Time `json:"completed_at,omitzero"`
}

// stateFile is the wire shape: visited is a sorted array for diff-friendly
// commits.
type stateFile struct {
	State
	VisitedList []string `json:"visited"`
}

// New returns a fresh checkpoint for a crawl of source.
func New(src *registry.SourceEntry) *State {
	return &State{
		SourceURL: src.URL,
		Scope:     src.CrawlScope,
		MaxPages:  src.CrawlMaxPages,
		MaxDepth:  src.CrawlMaxDepth,
		Frontier:  []string{src.URL},
		Visited:   make(map[string]bool),
		State:     StateCreated,
	}
}

// InFrontier reports whether url is already queued.
func (s *State) InFrontier(url string) bool {
	for _, u := range s.Frontier {
		if u == url {
			return true
		}
	}
	return false
}

// Store reads and writes crawl checkpoints through the durable store.
type Store struct {
	store store.Store
}

// NewStore returns a checkpoint store over s.
func NewStore(s store.Store) *Store { return &Store{store: s} }

// Load returns the checkpoint for sourceURL, or nil when none exists. A
// checkpoint that fails to decode is logged and treated as absent: losing a
// resumable frontier is recoverable, failing the run over it is not.
func (c *Store) Load(ctx context.Context, sourceURL string) (*State, error) {
	var data, err = c.store.Get(ctx, pathFor(sourceURL))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var file stateFile
	if err = json.Unmarshal(data, &file); err != nil {
		log.WithFields(log.Fields{
			"source": sourceURL,
			"error":  err,
		}).Warn("crawl state is corrupt; starting fresh")
		return nil, nil
	}
	var state = file.State
	state.Visited = make(map[string]bool, len(file.VisitedList))
	for _, u := range file.VisitedList {
		state.Visited[u] = true
	}
	if state.Frontier == nil {
		state.Frontier = []string{}
	}
	return &state, nil
}

// Save durably writes the checkpoint.
func (c *Store) Save(ctx context.Context, state *State) error {
	var file = stateFile{State: *state, VisitedList: make([]string, 0, len(state.Visited))}
	for u := range state.Visited {
		file.VisitedList = append(file.VisitedList, u)
	}
	sort.Strings(file.VisitedList)

	var data, err = json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding crawl state: %w", err)
	}
	var message = fmt.Sprintf("crawl-state: %s (%s, %d visited)",
		state.SourceURL, state.State, state.VisitedCount)
	return c.store.Put(ctx, pathFor(state.SourceURL), data, message)
}

// Delete removes the checkpoint for sourceURL.
func (c *Store) Delete(ctx context.Context, sourceURL string) error {
	return c.store.Delete(ctx, pathFor(sourceURL), fmt.Sprintf("crawl-state: delete %s", sourceURL))
}

func pathFor(sourceURL string) string {
	return prefix + registry.URLHash(sourceURL) + ".json"
}
