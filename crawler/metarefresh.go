package crawler

import (
	"bytes"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/perigee-data/harvest/registry"
)

// MetaRefreshTarget returns the canonical absolute target of an immediate
// meta-refresh redirect in body, or "" when the page carries none. Only
// zero-delay refreshes count; a timed refresh is page content, not a
// redirect.
func MetaRefreshTarget(baseURL string, body []byte) string {
	var z = html.NewTokenizer(bytes.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken, html.SelfClosingTagToken:
			var name, hasAttr = z.TagName()
			switch string(name) {
			case "body":
				// Meta refreshes live in the head.
				return ""
			case "meta":
			default:
				continue
			}

			var equiv, content string
			for hasAttr {
				var k, v []byte
				k, v, hasAttr = z.TagAttr()
				switch strings.ToLower(string(k)) {
				case "http-equiv":
					equiv = strings.ToLower(string(v))
				case "content":
					content = string(v)
				}
			}
			if equiv != "refresh" {
				continue
			}
			if target := parseRefreshContent(content); target != "" {
				if resolved := resolveLink(baseURL, target); resolved != "" {
					return resolved
				}
			}
		}
	}
}

// parseRefreshContent parses a refresh header value like "0; url=/next",
// returning the target of a zero-delay refresh.
func parseRefreshContent(content string) string {
	var delay, rest, found = strings.Cut(content, ";")
	if !found {
		return ""
	}
	if n, err := strconv.Atoi(strings.TrimSpace(delay)); err != nil || n != 0 {
		return ""
	}
	for _, part := range strings.Split(rest, ";") {
		part = strings.TrimSpace(part)
		if len(part) > 4 && strings.EqualFold(part[:4], "url=") {
			return strings.Trim(part[4:], `'" `)
		}
	}
	return ""
}

func resolveLink(baseURL, target string) string {
	var base, err = url.Parse(baseURL)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(target)
	if err != nil {
		return ""
	}
	var resolved = base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	canonical, err := registry.CanonicalURL(resolved.String())
	if err != nil {
		return ""
	}
	return canonical
}
