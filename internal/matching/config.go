package matching

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TermConfig carries the curated word lists the extractor and scorer depend
// on. Stop words are dropped outright during tokenization; low-value terms
// survive extraction but score with a reduced weight. Both lists are tuning
// data, not logic, so they can be overridden from a YAML file.
type TermConfig struct {
	StopWords     []string `yaml:"stop_words"`
	LowValueTerms []string `yaml:"low_value_terms"`

	stopSet     map[string]struct{}
	lowValueSet map[string]struct{}
}

var defaultStopWords = []string{
	"the", "and", "for", "are", "but", "not", "you", "all", "can", "had",
	"her", "was", "one", "our", "out", "day", "get", "has", "him", "his",
	"how", "man", "new", "now", "old", "see", "two", "way", "who", "its",
	"did", "via", "use", "that", "this", "with", "from", "they", "will",
	"have", "been", "were", "said", "each", "which", "their", "would",
	"there", "could", "other", "than", "then", "them", "these", "some",
	"into", "more", "only", "over", "such", "also", "when", "where",
	"what", "while", "shall", "must", "should", "upon", "any", "may",
	"being", "under", "between", "within", "during", "through", "before",
	"after", "including", "include", "includes", "those", "about", "both",
	// Domain filler that adds no matching signal in compliance prose.
	"company", "organization", "ensure", "ensures", "ensuring", "required",
	"appropriate", "applicable", "relevant", "regularly", "periodically",
}

var defaultLowValueTerms = []string{
	"risk", "risks", "control", "controls", "policy", "policies",
	"procedure", "procedures", "process", "processes", "management",
	"compliance", "security", "information", "review", "reviews",
	"document", "documents", "documentation", "requirement", "requirements",
}

// DefaultTermConfig returns the compiled-in word lists.
func DefaultTermConfig() *TermConfig {
	cfg := &TermConfig{
		StopWords:     defaultStopWords,
		LowValueTerms: defaultLowValueTerms,
	}
	cfg.buildSets()
	return cfg
}

// LoadTermConfig reads a YAML override file. Missing lists fall back to the
// defaults, so a file may override only one of the two.
func LoadTermConfig(path string) (*TermConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read term config: %w", err)
	}
	var cfg TermConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse term config: %w", err)
	}
	if len(cfg.StopWords) == 0 {
		cfg.StopWords = defaultStopWords
	}
	if len(cfg.LowValueTerms) == 0 {
		cfg.LowValueTerms = defaultLowValueTerms
	}
	cfg.buildSets()
	return &cfg, nil
}

func (c *TermConfig) buildSets() {
	c.stopSet = make(map[string]struct{}, len(c.StopWords))
	for _, w := range c.StopWords {
		c.stopSet[w] = struct{}{}
	}
	c.lowValueSet = make(map[string]struct{}, len(c.LowValueTerms))
	for _, w := range c.LowValueTerms {
		c.lowValueSet[w] = struct{}{}
	}
}

func (c *TermConfig) IsStopWord(term string) bool {
	_, ok := c.stopSet[term]
	return ok
}

func (c *TermConfig) IsLowValue(term string) bool {
	_, ok := c.lowValueSet[term]
	return ok
}
