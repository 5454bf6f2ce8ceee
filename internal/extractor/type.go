// Package extractor derives dataset type information and dataset metadata
// from an incoming path. Extractors only read the filesystem.
package extractor

import (
	"path/filepath"
	"regexp"
	"strings"

	"datastore/pkg/domain"
)

// TypeExtractor classifies an incoming path.
type TypeExtractor interface {
	LocatorType(incoming string) string
	FileFormatType(incoming string) string
	DataSetType(incoming string) string
	ProcessorType(incoming string) string
	IsMeasuredData(incoming string) bool
}

// TypeConfig configures the type extractor of a dropbox thread.
type TypeConfig struct {
	// Kind is "simple" (default) or "pattern".
	Kind           string        `mapstructure:"kind"`
	FileFormatType string        `mapstructure:"file-format-type"`
	LocatorType    string        `mapstructure:"locator-type"`
	DataSetType    string        `mapstructure:"data-set-type"`
	ProcessorType  string        `mapstructure:"processor-type"`
	IsMeasured     *bool         `mapstructure:"is-measured"`
	Patterns       []PatternRule `mapstructure:"patterns"`
}

// PatternRule maps incoming names matching Pattern to types.
type PatternRule struct {
	Pattern        string `mapstructure:"pattern"`
	DataSetType    string `mapstructure:"data-set-type"`
	FileFormatType string `mapstructure:"file-format-type"`
}

// NewTypeExtractor builds the extractor selected by cfg.Kind.
func NewTypeExtractor(cfg TypeConfig) (TypeExtractor, error) {
	simple := NewSimpleTypeExtractor(cfg)
	switch cfg.Kind {
	case "", "simple":
		return simple, nil
	case "pattern":
		return NewPatternTypeExtractor(cfg.Patterns, simple)
	default:
		return nil, domain.ConfigurationError.New("unknown type extractor kind %q", cfg.Kind)
	}
}

// SimpleTypeExtractor returns the configured constants for every path.
type SimpleTypeExtractor struct {
	fileFormatType string
	locatorType    string
	dataSetType    string
	processorType  string
	measured       bool
}

// NewSimpleTypeExtractor applies defaults: locator RELATIVE_LOCATION, file
// format PROPRIETARY, dataset type UNKNOWN, measured true.
func NewSimpleTypeExtractor(cfg TypeConfig) *SimpleTypeExtractor {
	e := &SimpleTypeExtractor{
		fileFormatType: orDefault(cfg.FileFormatType, "PROPRIETARY"),
		locatorType:    orDefault(cfg.LocatorType, domain.DefaultLocatorType),
		dataSetType:    orDefault(cfg.DataSetType, "UNKNOWN"),
		processorType:  domain.NormalizeCode(cfg.ProcessorType),
		measured:       true,
	}
	if cfg.IsMeasured != nil {
		e.measured = *cfg.IsMeasured
	}
	return e
}

func orDefault(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return domain.NormalizeCode(value)
}

func (e *SimpleTypeExtractor) LocatorType(string) string    { return e.locatorType }
func (e *SimpleTypeExtractor) FileFormatType(string) string { return e.fileFormatType }
func (e *SimpleTypeExtractor) DataSetType(string) string    { return e.dataSetType }
func (e *SimpleTypeExtractor) ProcessorType(string) string  { return e.processorType }
func (e *SimpleTypeExtractor) IsMeasuredData(string) bool   { return e.measured }

type compiledRule struct {
	re             *regexp.Regexp
	dataSetType    string
	fileFormatType string
}

// PatternTypeExtractor matches the incoming name against regexes; the first
// matching rule wins and unmatched names use the fallback.
type PatternTypeExtractor struct {
	rules    []compiledRule
	fallback TypeExtractor
}

// NewPatternTypeExtractor compiles rules. Invalid patterns are configuration errors.
func NewPatternTypeExtractor(rules []PatternRule, fallback TypeExtractor) (*PatternTypeExtractor, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, domain.ConfigurationError.New("invalid type pattern %q: %v", r.Pattern, err)
		}
		compiled = append(compiled, compiledRule{
			re:             re,
			dataSetType:    domain.NormalizeCode(r.DataSetType),
			fileFormatType: domain.NormalizeCode(r.FileFormatType),
		})
	}
	return &PatternTypeExtractor{rules: compiled, fallback: fallback}, nil
}

func (e *PatternTypeExtractor) match(incoming string) (compiledRule, bool) {
	name := filepath.Base(incoming)
	for _, r := range e.rules {
		if r.re.MatchString(name) {
			return r, true
		}
	}
	return compiledRule{}, false
}

func (e *PatternTypeExtractor) DataSetType(incoming string) string {
	if r, ok := e.match(incoming); ok && r.dataSetType != "" {
		return r.dataSetType
	}
	return e.fallback.DataSetType(incoming)
}

func (e *PatternTypeExtractor) FileFormatType(incoming string) string {
	if r, ok := e.match(incoming); ok && r.fileFormatType != "" {
		return r.fileFormatType
	}
	return e.fallback.FileFormatType(incoming)
}

func (e *PatternTypeExtractor) LocatorType(incoming string) string {
	return e.fallback.LocatorType(incoming)
}

func (e *PatternTypeExtractor) ProcessorType(incoming string) string {
	return e.fallback.ProcessorType(incoming)
}

func (e *PatternTypeExtractor) IsMeasuredData(incoming string) bool {
	return e.fallback.IsMeasuredData(incoming)
}

// TypeInformation collects every answer of e for incoming.
func TypeInformation(e TypeExtractor, incoming string) domain.TypeInformation {
	return domain.TypeInformation{
		LocatorType:    e.LocatorType(incoming),
		FileFormatType: e.FileFormatType(incoming),
		DataSetType:    e.DataSetType(incoming),
		ProcessorType:  e.ProcessorType(incoming),
		Measured:       e.IsMeasuredData(incoming),
	}
}
