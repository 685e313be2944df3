package crawler

import (
	"net/url"
	"path"
	"strings"
)

// Parser turns fetched bodies of media types it recognizes into documents.
type Parser interface {
	Name() string
	// Detect reports whether this parser handles the (media type, path
	// suffix) pair. Either part may be empty.
	Detect(mediaType, suffix string) bool
	Extract(pageURL string, body []byte) (*Document, error)
}

// ParserRegistry resolves a fetched page to the first registered parser that
// claims its media type or path suffix.
type ParserRegistry struct {
	parsers []Parser
}

// NewParserRegistry returns a registry with the HTML parser registered.
func NewParserRegistry() *ParserRegistry {
	var r = &ParserRegistry{}
	r.Register(htmlParser{})
	return r
}

// Register appends a parser. Earlier registrations win on overlap.
func (r *ParserRegistry) Register(p Parser) {
	r.parsers = append(r.parsers, p)
}

// Find returns the first parser claiming the pair, or nil if none does.
func (r *ParserRegistry) Find(mediaType, suffix string) Parser {
	for _, p := range r.parsers {
		if p.Detect(mediaType, suffix) {
			return p
		}
	}
	return nil
}

type htmlParser struct{}

func (htmlParser) Name() string { return "html" }

func (htmlParser) Detect(mediaType, suffix string) bool {
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return true
	}
	switch suffix {
	case ".html", ".htm":
		return true
	}
	// A server declaring nothing for an extensionless path is serving HTML
	// in practice.
	return mediaType == "" && suffix == ""
}

func (htmlParser) Extract(pageURL string, body []byte) (*Document, error) {
	return ExtractDocument(pageURL, body)
}

// pathSuffix is the lowercased extension of a URL's path, "" when absent.
func pathSuffix(rawURL string) string {
	var u, err = url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(path.Ext(u.Path))
}
