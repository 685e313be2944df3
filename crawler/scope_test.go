package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/perigee-data/harvest/registry"
)

func TestInScopePage(t *testing.T) {
	// The page scope admits nothing, ever.
	require.False(t, InScope("https://ex.org/docs/a", "https://ex.org/docs/", registry.ScopePage, nil))
	require.False(t, InScope("https://ex.org/docs/", "https://ex.org/docs/", registry.ScopePage, nil))
}

func TestInScopePathPrefix(t *testing.T) {
	var source = "https://ex.org/docs/"
	require.True(t, InScope("https://ex.org/docs/guide", source, registry.ScopePathPrefix, nil))
	require.True(t, InScope("https://ex.org/docs/", source, registry.ScopePathPrefix, nil))
	require.False(t, InScope("https://ex.org/blog/post", source, registry.ScopePathPrefix, nil))
	require.False(t, InScope("https://other.org/docs/guide", source, registry.ScopePathPrefix, nil))
}

func TestInScopeHost(t *testing.T) {
	var source = "https://ex.org/docs/"
	require.True(t, InScope("https://ex.org/anything", source, registry.ScopeHost, nil))
	require.False(t, InScope("https://sub.ex.org/anything", source, registry.ScopeHost, nil))
}

func TestInScopeCustom(t *testing.T) {
	var source = "https://ex.org/"

	// Without a predicate, custom admits nothing.
	require.False(t, InScope("https://ex.org/a", source, registry.ScopeCustom, nil))

	var onlyPDF = func(link, _ string) bool { return len(link) > 4 && link[len(link)-4:] == ".pdf" }
	require.True(t, InScope("https://ex.org/a.pdf", source, registry.ScopeCustom, onlyPDF))
	require.False(t, InScope("https://ex.org/a.html", source, registry.ScopeCustom, onlyPDF))
}
