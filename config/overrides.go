package config

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// ClassifierOverrides carries localized keyword lists per error category.
// The category priority order is load-bearing and never overridable; only
// the pattern lists inside each group are.
type ClassifierOverrides struct {
	Patterns map[string][]string `yaml:"patterns"`
}

// ToolTaxonomy maps a taxonomy category (material, production, quality,
// equipment, report, alert, shipment, trace, crm, hr) to its tool names.
type ToolTaxonomy struct {
	Categories map[string][]string `yaml:"categories"`
}

// LoadClassifierOverrides reads localized classifier pattern lists from a
// yaml file. A missing path returns an empty override set.
func LoadClassifierOverrides(path string) (*ClassifierOverrides, error) {
	overrides := &ClassifierOverrides{Patterns: make(map[string][]string)}
	if path == "" {
		return overrides, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return overrides, nil
		}
		return nil, fmt.Errorf("failed to read classifier overrides: %v", err)
	}

	if err := yaml.Unmarshal(data, overrides); err != nil {
		return nil, fmt.Errorf("failed to parse classifier overrides: %v", err)
	}

	log.Printf("🔧 Loaded classifier overrides for %d categories from %s", len(overrides.Patterns), path)
	return overrides, nil
}

// LoadToolTaxonomy reads tool-category assignments from a yaml file.
// A missing path returns an empty taxonomy; callers fall back to the
// built-in index.
func LoadToolTaxonomy(path string) (*ToolTaxonomy, error) {
	taxonomy := &ToolTaxonomy{Categories: make(map[string][]string)}
	if path == "" {
		return taxonomy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return taxonomy, nil
		}
		return nil, fmt.Errorf("failed to read tool taxonomy: %v", err)
	}

	if err := yaml.Unmarshal(data, taxonomy); err != nil {
		return nil, fmt.Errorf("failed to parse tool taxonomy: %v", err)
	}

	log.Printf("🔧 Loaded tool taxonomy with %d categories from %s", len(taxonomy.Categories), path)
	return taxonomy, nil
}
