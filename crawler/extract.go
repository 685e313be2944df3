package crawler

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"

	"github.com/perigee-data/harvest/registry"
)

// Document is the extracted form of one fetched page: canonical markdown
// (the bytes that get checksummed), title, outgoing links, and hints for the
// rendering fallback.
type Document struct {
	Title    string
	Markdown string
	Links    []string
	SPA      bool
	Warnings []string
}

// Container ids and attributes that mark a single-page application whose
// meaningful content only exists after script execution.
var spaContainerIDs = []string{"root", "app", "__next", "___gatsby", "nuxt"}
var spaAttributes = []string{"data-reactroot", "data-server-rendered", "ng-version", "ng-app", "data-v-app"}

// ExtractDocument parses HTML into a Document. Links are resolved against
// baseURL, canonicalized, and deduplicated; only http(s) links survive.
func ExtractDocument(baseURL string, body []byte) (*Document, error) {
	var doc, err = goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}
	var base, err2 = url.Parse(baseURL)
	if err2 != nil {
		return nil, fmt.Errorf("parsing base url: %w", err2)
	}

	var out = &Document{
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
		SPA:   detectSPA(doc),
	}

	// Strip chrome that pollutes the canonical text.
	doc.Find("script, style, noscript, nav, header, footer").Remove()

	var html string
	if html, err = doc.Find("body").First().Html(); err != nil || html == "" {
		if html, err = doc.Html(); err != nil {
			return nil, fmt.Errorf("serializing html: %w", err)
		}
	}
	markdown, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return nil, fmt.Errorf("converting to markdown: %w", err)
	}
	out.Markdown = strings.TrimSpace(markdown)
	if out.Markdown == "" {
		out.Warnings = append(out.Warnings, "extraction yielded empty text")
	}

	var seen = make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		var href, _ = sel.Attr("href")
		var ref, err = url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		var resolved = base.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		canonical, err := registry.CanonicalURL(resolved.String())
		if err != nil || seen[canonical] {
			return
		}
		seen[canonical] = true
		out.Links = append(out.Links, canonical)
	})

	return out, nil
}

func detectSPA(doc *goquery.Document) bool {
	for _, id := range spaContainerIDs {
		var sel = doc.Find("#" + id)
		if sel.Length() > 0 && strings.TrimSpace(sel.Text()) == "" {
			return true
		}
	}
	for _, attr := range spaAttributes {
		if doc.Find("[" + attr + "]").Length() > 0 {
			return true
		}
	}
	return false
}
