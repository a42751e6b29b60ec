// Package catalog reads the list of works to download from a manifest file.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"workdl/internal/base"
)

var ErrInvalidManifest = errors.New("invalid manifest")

// Manifest is the on-disk form. JSON manifests parse the same way since the
// YAML decoder accepts JSON documents.
type Manifest struct {
	Works []base.WorkDescriptor `yaml:"works"`
}

// LoadManifest reads the works at path in file order. Files are passed
// through Normalize.
func LoadManifest(path string) ([]base.WorkDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read manifest: %w", err)
	}
	return ParseManifest(data)
}

func ParseManifest(data []byte) ([]base.WorkDescriptor, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("cannot parse manifest: %w", err)
	}

	seen := make(map[int]bool, len(m.Works))
	for i := range m.Works {
		w := &m.Works[i]
		if w.ID <= 0 {
			return nil, fmt.Errorf("%w: work #%d has no id", ErrInvalidManifest, i+1)
		}
		if seen[w.ID] {
			return nil, fmt.Errorf("%w: work %d listed twice", ErrInvalidManifest, w.ID)
		}
		seen[w.ID] = true
		for j, f := range w.Files {
			if strings.TrimSpace(f.URL) == "" {
				return nil, fmt.Errorf("%w: work %d file #%d has no url", ErrInvalidManifest, w.ID, j+1)
			}
			if f.Size < 0 {
				return nil, fmt.Errorf("%w: work %d file %q has a negative size", ErrInvalidManifest, w.ID, f.Title)
			}
		}
		Normalize(w)
	}
	return m.Works, nil
}
