package export

import (
	"bytes"
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"gopkg.in/yaml.v3"

	"github.com/foomo/confluence-export/store"
)

type frontMatter struct {
	Title   string   `yaml:"title"`
	ID      string   `yaml:"id"`
	Labels  []string `yaml:"labels"`
	Version int      `yaml:"version"`
}

// renderDocument converts rewritten HTML to Markdown and prefixes the page
// metadata as a YAML front matter block.
func renderDocument(p store.Page, rewrittenHTML string) (string, error) {
	markdown, err := htmltomarkdown.ConvertString(rewrittenHTML)
	if err != nil {
		return "", fmt.Errorf("failed to convert page %q to markdown: %w", p.ID, err)
	}

	fm := frontMatter{
		Title:   p.Title,
		ID:      string(p.ID),
		Labels:  p.Labels,
		Version: p.Version,
	}
	if fm.Labels == nil {
		fm.Labels = []string{}
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		return "", fmt.Errorf("failed to encode front matter for page %q: %w", p.ID, err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to encode front matter for page %q: %w", p.ID, err)
	}
	buf.WriteString("---\n\n")
	buf.WriteString(strings.TrimSpace(markdown))
	buf.WriteString("\n")
	return buf.String(), nil
}
