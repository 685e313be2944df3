package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/perigee-data/harvest/registry"
)

func TestParserRegistryResolvesByMediaTypeAndSuffix(t *testing.T) {
	var reg = NewParserRegistry()

	var cases = []struct {
		mediaType string
		suffix    string
		want      string
	}{
		{"text/html", "", "html"},
		{"application/xhtml+xml", "", "html"},
		{"text/html", ".php", "html"},
		{"", ".html", "html"},
		{"", ".htm", "html"},
		{"", "", "html"}, // undeclared extensionless paths are HTML
		{"application/pdf", ".pdf", ""},
		{"application/json", "", ""},
		{"text/plain", ".txt", ""},
		{"", ".pdf", ""},
	}
	for _, tc := range cases {
		var p = reg.Find(tc.mediaType, tc.suffix)
		if tc.want == "" {
			require.Nil(t, p, "(%q, %q)", tc.mediaType, tc.suffix)
		} else {
			require.NotNil(t, p, "(%q, %q)", tc.mediaType, tc.suffix)
			require.Equal(t, tc.want, p.Name())
		}
	}
}

type pdfStub struct{}

func (pdfStub) Name() string { return "pdf" }
func (pdfStub) Detect(mediaType, suffix string) bool {
	return mediaType == "application/pdf" || suffix == ".pdf"
}
func (pdfStub) Extract(pageURL string, body []byte) (*Document, error) {
	return &Document{Markdown: "stub"}, nil
}

func TestParserRegistryRegistrationOrderWins(t *testing.T) {
	var reg = NewParserRegistry()
	reg.Register(pdfStub{})

	// The HTML parser keeps its claims; the new registrant picks up the rest.
	require.Equal(t, "html", reg.Find("text/html", "").Name())
	require.Equal(t, "pdf", reg.Find("application/pdf", ".pdf").Name())
	require.Equal(t, "pdf", reg.Find("", ".pdf").Name())
}

func TestPathSuffix(t *testing.T) {
	require.Equal(t, ".pdf", pathSuffix("https://example.org/reports/q3.PDF"))
	require.Equal(t, ".html", pathSuffix("https://example.org/a/b.html?x=1"))
	require.Equal(t, "", pathSuffix("https://example.org/docs/"))
}

func TestAcquireRejectsUnhandledMediaType(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7 not really"))
	}))
	defer srv.Close()

	var f = newFixture(t, DefaultConfig(), srv.Client(), nil)
	var src = &registry.SourceEntry{
		URL:        srv.URL + "/report.pdf",
		SourceType: registry.TypePrimary,
		Status:     registry.StatusActive,
		CrawlScope: registry.ScopePage,
	}

	var result = f.crawler.Acquire(context.Background(), src)
	require.False(t, result.Success)
	require.Contains(t, result.Error, "no parser for media type")
	require.Zero(t, f.manifest.Len())
}
