package pricing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"go.yaml.in/yaml/v4"
)

// File is the on-disk pricing document.
//
//	as_of: "2025-06"
//	backends:
//	  groq:
//	    name: Groq
//	    models:
//	      llama-3.1-8b-instant: {input_per_million: 0.05, output_per_million: 0.08}
type File struct {
	AsOf     string             `json:"as_of" yaml:"as_of" toml:"as_of"`
	Backends map[string]Backend `json:"backends" yaml:"backends" toml:"backends"`
}

// LoadFile reads a YAML, TOML or JSON pricing file, chosen by extension.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes pricing data. ext is a file extension such as ".yaml".
func Parse(data []byte, ext string) (*Table, error) {
	var f File
	var err error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	case ".toml":
		err = toml.Unmarshal(data, &f)
	case ".json":
		err = json.Unmarshal(data, &f)
	default:
		return nil, fmt.Errorf("unsupported pricing file type %q (want .yaml, .toml or .json)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding pricing file: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return NewTable(f.AsOf, f.Backends), nil
}

func (f File) validate() error {
	for id, b := range f.Backends {
		for model, e := range b.Models {
			if e.InputPerMillion < 0 || e.OutputPerMillion < 0 {
				return fmt.Errorf("pricing for %s/%s: prices must not be negative", id, model)
			}
		}
	}
	return nil
}

// Load returns the built-in table, overlaid with path when it is non-empty.
func Load(path string) (*Table, error) {
	table := Default()
	if path == "" {
		return table, nil
	}
	overrides, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return table.Merge(overrides), nil
}
