// Package scheduler orders due sources across domains under politeness
// constraints: a per-run cap, a per-domain cap, a per-domain minimum interval
// between requests, and fair round-robin interleaving so no domain starves
// while another still has quota.
package scheduler

import (
	"math/rand"
	"net/url"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/perigee-data/harvest/registry"
)

// Action is why a source was selected.
type Action string

const (
	ActionInitial Action = "initial"
	ActionCheck   Action = "check"
)

// Item is one unit of scheduled work.
type Item struct {
	Source *registry.SourceEntry
	Action Action
}

// Config tunes scheduling and politeness.
type Config struct {
	MaxSourcesPerRun        int
	MaxDomainRequestsPerRun int
	MinDomainInterval       time.Duration
	JitterMinutes           int
	BaseInterval            time.Duration
	MaxBackoffInterval      time.Duration
}

// DefaultConfig returns the stock politeness settings.
func DefaultConfig() Config {
	return Config{
		MaxSourcesPerRun:        25,
		MaxDomainRequestsPerRun: 10,
		MinDomainInterval:       15 * time.Second,
		JitterMinutes:           60,
		BaseInterval:            6 * time.Hour,
		MaxBackoffInterval:      7 * 24 * time.Hour,
	}
}

// Scheduler tracks per-domain dispatch state across one pipeline run.
// Clock, sleep and randomness are injected so jitter, backoff and cooldown
// are testable.
type Scheduler struct {
	cfg Config

	Now     func() time.Time
	Sleep   func(time.Duration)
	Uniform func() float64 // uniform on [0, 1)

	lastRequest  map[string]time.Time
	domainCounts map[string]int
}

// New returns a Scheduler with wall-clock defaults.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		Now:          time.Now,
		Sleep:        time.Sleep,
		Uniform:      rand.Float64,
		lastRequest:  make(map[string]time.Time),
		domainCounts: make(map[string]int),
	}
}

// Domain extracts the scheduling domain of a URL: lowercase host with a
// leading "www." and any port stripped. Two URLs share a domain iff their
// extractions are equal.
func Domain(rawURL string) string {
	var u, err = url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	var host = strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// SelectDue partitions active sources into due work. A source that has never
// been acquired is selected as initial; otherwise it is due for a check when
// NextCheckAfter is at or before now. Non-active sources are never selected.
func (s *Scheduler) SelectDue(entries []*registry.SourceEntry, now time.Time) []Item {
	var items []Item
	for _, e := range entries {
		if e.Status != registry.StatusActive {
			continue
		}
		if e.PendingInitial() {
			items = append(items, Item{Source: e, Action: ActionInitial})
		} else if !e.NextCheckAfter.After(now) {
			items = append(items, Item{Source: e, Action: ActionCheck})
		}
	}
	return items
}

// Priority scores an item; lower dispatches first within its domain.
func Priority(item Item, now time.Time) int {
	var p int
	if item.Action == ActionInitial {
		p -= 100
	}
	switch item.Source.SourceType {
	case registry.TypePrimary:
		p -= 50
	case registry.TypeDerived:
		p -= 25
	}
	if !item.Source.NextCheckAfter.IsZero() && now.After(item.Source.NextCheckAfter) {
		p -= int(now.Sub(item.Source.NextCheckAfter).Hours())
	}
	return p
}

// Plan orders items under the per-run and per-domain caps with fair
// round-robin interleaving across domains, highest priority first within
// each domain.
func (s *Scheduler) Plan(items []Item) []Item {
	var now = s.Now()

	var queues = make(map[string][]Item)
	for _, item := range items {
		var d = Domain(item.Source.URL)
		queues[d] = append(queues[d], item)
	}
	var domains = make([]string, 0, len(queues))
	for d := range queues {
		domains = append(domains, d)
		var q = queues[d]
		sort.SliceStable(q, func(i, j int) bool {
			return Priority(q[i], now) < Priority(q[j], now)
		})
	}
	sort.Strings(domains)

	var out []Item
	var perDomain = make(map[string]int)
	for {
		var dispatched bool
		for _, d := range domains {
			if s.cfg.MaxSourcesPerRun > 0 && len(out) >= s.cfg.MaxSourcesPerRun {
				return out
			}
			if len(queues[d]) == 0 {
				continue
			}
			if s.cfg.MaxDomainRequestsPerRun > 0 && perDomain[d] >= s.cfg.MaxDomainRequestsPerRun {
				continue
			}
			out = append(out, queues[d][0])
			queues[d] = queues[d][1:]
			perDomain[d]++
			dispatched = true
		}
		if !dispatched {
			return out
		}
	}
}

// AwaitDomain blocks until the per-domain minimum interval has elapsed since
// the domain's previous dispatch, then records the new dispatch. The worker
// yields for the duration of any wait.
func (s *Scheduler) AwaitDomain(domain string) {
	if last, ok := s.lastRequest[domain]; ok {
		var wait = s.cfg.MinDomainInterval - s.Now().Sub(last)
		if wait > 0 {
			log.WithFields(log.Fields{
				"domain": domain,
				"wait":   wait,
			}).Debug("domain cooldown")
			s.Sleep(wait)
		}
	}
	s.lastRequest[domain] = s.Now()
	s.domainCounts[domain]++
}

// NextCheckAfter computes a jittered next-check time for a source checked
// successfully at now. Jitter is uniform on [0, JitterMinutes minutes).
func (s *Scheduler) NextCheckAfter(freq registry.UpdateFrequency, now time.Time) time.Time {
	var jitter = time.Duration(s.Uniform() * float64(s.cfg.JitterMinutes) * float64(time.Minute))
	return now.Add(interval(freq)).Add(jitter)
}

// Backoff computes the next-check time after a failed check, doubling with
// each consecutive failure and clamped to the maximum backoff interval.
func (s *Scheduler) Backoff(checkFailures int, now time.Time) time.Time {
	var exp = checkFailures
	if exp > 20 {
		exp = 20
	}
	var wait = s.cfg.BaseInterval << exp
	if wait > s.cfg.MaxBackoffInterval || wait <= 0 {
		wait = s.cfg.MaxBackoffInterval
	}
	return now.Add(wait)
}

func interval(freq registry.UpdateFrequency) time.Duration {
	switch freq {
	case registry.FreqFrequent:
		return 6 * time.Hour
	case registry.FreqDaily:
		return 24 * time.Hour
	case registry.FreqWeekly:
		return 7 * 24 * time.Hour
	case registry.FreqMonthly:
		return 30 * 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}
