package crawler

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/perigee-data/harvest/registry"
	"github.com/perigee-data/harvest/store"
)

// Artifact is one parsed page ready for persistence under
// evidence/parsed/<year>/<slug>-<hash12>/.
type Artifact struct {
	Source      string
	Checksum    string
	Title       string
	Markdown    string
	Warnings    []string
	Rendered    bool
	ProcessedAt time.Time
}

// Dir returns the artifact's directory, relative to the store root.
func (a *Artifact) Dir() string {
	return fmt.Sprintf("evidence/parsed/%d/%s-%s",
		a.ProcessedAt.Year(), registry.Slug(a.Source), a.Checksum[:12])
}

type indexFrontmatter struct {
	Source      string    `yaml:"source"`
	Checksum    string    `yaml:"checksum"`
	Title       string    `yaml:"title,omitempty"`
	ProcessedAt time.Time `yaml:"processed_at"`
	Segments    int       `yaml:"segments"`
	Rendered    bool      `yaml:"rendered,omitempty"`
	Warnings    []string  `yaml:"warnings,omitempty"`
}

type segmentFrontmatter struct {
	Source     string   `yaml:"source"`
	Checksum   string   `yaml:"checksum"`
	PageNumber int      `yaml:"page_number"`
	PageTotal  int      `yaml:"page_total"`
	Warnings   []string `yaml:"warnings,omitempty"`
}

// Files renders the artifact's index and segment files.
func (a *Artifact) Files() ([]store.File, error) {
	var dir = a.Dir()

	var index, err = withFrontmatter(indexFrontmatter{
		Source:      a.Source,
		Checksum:    a.Checksum,
		Title:       a.Title,
		ProcessedAt: a.ProcessedAt,
		Segments:    1,
		Rendered:    a.Rendered,
		Warnings:    a.Warnings,
	}, fmt.Sprintf("# %s\n\n- [segment-001](segment-001.md)\n", a.titleOrSource()))
	if err != nil {
		return nil, err
	}
	segment, err := withFrontmatter(segmentFrontmatter{
		Source:     a.Source,
		Checksum:   a.Checksum,
		PageNumber: 1,
		PageTotal:  1,
		Warnings:   a.Warnings,
	}, a.Markdown+"\n")
	if err != nil {
		return nil, err
	}

	return []store.File{
		{Path: dir + "/index.md", Data: index},
		{Path: dir + "/segment-001.md", Data: segment},
	}, nil
}

func (a *Artifact) titleOrSource() string {
	if a.Title != "" {
		return a.Title
	}
	return a.Source
}

func withFrontmatter(meta interface{}, body string) ([]byte, error) {
	var fm, err = yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding frontmatter: %w", err)
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n\n")
	b.WriteString(body)
	return []byte(b.String()), nil
}
