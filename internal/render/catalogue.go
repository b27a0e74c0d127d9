package render

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/example/document-delivery/internal/models"
)

//go:embed templates/catalogue.yaml
var defaultCatalogue []byte

// TemplateSpec describes how one document kind is rendered.
type TemplateSpec struct {
	Title      string `yaml:"title"`
	FilePrefix string `yaml:"file_prefix"`
	// Priority is the scheduler priority for renders of this kind.
	Priority int    `yaml:"priority"`
	Body     string `yaml:"body"`
}

// Catalogue is the versioned set of document templates.
type Catalogue struct {
	Version   string                                `yaml:"version"`
	Templates map[models.DocumentKind]*TemplateSpec `yaml:"templates"`
}

// DefaultCatalogue returns the catalogue compiled into the binary.
func DefaultCatalogue() (*Catalogue, error) {
	return ParseCatalogue(defaultCatalogue)
}

// LoadCatalogue reads a catalogue from a YAML file. An empty path yields the
// built-in catalogue.
func LoadCatalogue(path string) (*Catalogue, error) {
	if path == "" {
		return DefaultCatalogue()
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("render: read catalogue: %w", err)
	}
	return ParseCatalogue(content)
}

// ParseCatalogue decodes and validates catalogue YAML.
func ParseCatalogue(content []byte) (*Catalogue, error) {
	var cat Catalogue
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return nil, fmt.Errorf("render: parse catalogue: %w", err)
	}
	if cat.Version == "" {
		return nil, errors.New("render: catalogue version is required")
	}
	if len(cat.Templates) == 0 {
		return nil, errors.New("render: catalogue has no templates")
	}
	for kind, spec := range cat.Templates {
		if !kind.Valid() {
			return nil, fmt.Errorf("render: unknown document kind %q", kind)
		}
		if spec == nil || spec.Body == "" {
			return nil, fmt.Errorf("render: template %q has no body", kind)
		}
		if spec.FilePrefix == "" {
			spec.FilePrefix = string(kind)
		}
	}
	return &cat, nil
}

// Fingerprint identifies the catalogue content. Editing any template body
// without bumping Version still yields a new fingerprint.
func (c *Catalogue) Fingerprint() string {
	kinds := make([]string, 0, len(c.Templates))
	for kind := range c.Templates {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	h := sha256.New()
	for _, kind := range kinds {
		spec := c.Templates[models.DocumentKind(kind)]
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00", kind, spec.Title, spec.FilePrefix, spec.Body)
	}
	return c.Version + "-" + hex.EncodeToString(h.Sum(nil))[:12]
}
