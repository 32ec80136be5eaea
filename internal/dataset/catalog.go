package dataset

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk catalog layout.
type catalogFile struct {
	Datasets []*Descriptor `yaml:"datasets"`
}

// LoadCatalog reads a dataset catalog from a YAML file. An empty path returns
// the built-in default catalog.
func LoadCatalog(path string) ([]*Descriptor, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if len(file.Datasets) == 0 {
		return nil, fmt.Errorf("catalog %s contains no datasets", path)
	}

	seen := make(map[string]bool, len(file.Datasets))
	for _, d := range file.Datasets {
		if d.Strategy == "" {
			d.Strategy = StrategyUpsert
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("catalog %s: duplicate dataset %s", path, d.Name)
		}
		seen[d.Name] = true
	}

	return file.Datasets, nil
}

// Select filters descriptors by name, keeping catalog order. An empty filter
// selects everything.
func Select(descriptors []*Descriptor, names []string) ([]*Descriptor, error) {
	if len(names) == 0 {
		return descriptors, nil
	}
	byName := make(map[string]*Descriptor, len(descriptors))
	for _, d := range descriptors {
		byName[d.Name] = d
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := byName[n]; !ok {
			return nil, fmt.Errorf("unknown dataset %q", n)
		}
		wanted[n] = true
	}
	var out []*Descriptor
	for _, d := range descriptors {
		if wanted[d.Name] {
			out = append(out, d)
		}
	}
	return out, nil
}
