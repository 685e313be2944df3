package crawler

import (
	"net/url"
	"strings"

	"github.com/perigee-data/harvest/registry"
)

// ScopeFunc is a caller-supplied predicate for the custom crawl scope.
type ScopeFunc func(link, source string) bool

// InScope decides whether a discovered link belongs to the same crawl as its
// source. The page scope admits nothing; path-prefix requires the link's path
// to extend the source's path on the same host; host requires only a matching
// host; custom defers to the supplied predicate (and admits nothing when the
// predicate is absent).
func InScope(link, source string, scope registry.CrawlScope, custom ScopeFunc) bool {
	switch scope {
	case registry.ScopePage, "":
		return false
	case registry.ScopeCustom:
		return custom != nil && custom(link, source)
	}

	var lu, err = url.Parse(link)
	if err != nil {
		return false
	}
	su, err := url.Parse(source)
	if err != nil {
		return false
	}
	if !strings.EqualFold(lu.Host, su.Host) {
		return false
	}

	switch scope {
	case registry.ScopeHost:
		return true
	case registry.ScopePathPrefix:
		return strings.HasPrefix(lu.Path, su.Path)
	default:
		return false
	}
}
