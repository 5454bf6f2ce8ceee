package extractor

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"datastore/pkg/domain"
)

// InfoExtractor builds the dataset information for an incoming path.
type InfoExtractor interface {
	Extract(incoming string) (domain.DataSetInformation, error)
}

// InfoConfig configures DefaultInfoExtractor. Indices address the tokens of
// the incoming name; negative indices count from the end.
type InfoConfig struct {
	EntitySeparator               string `mapstructure:"entity-separator"`
	SubEntitySeparator            string `mapstructure:"sub-entity-separator"`
	ExperimentIdentifierSeparator string `mapstructure:"experiment-identifier-separator"`
	StripFileExtension            *bool  `mapstructure:"strip-file-extension"`
	SpaceCode                     string `mapstructure:"space-code"`
	SampleCodeIsShared            bool   `mapstructure:"sample-code-is-shared"`
	IndexOfSampleCode             *int   `mapstructure:"index-of-sample-code"`
	IndexOfExperimentIdentifier   *int   `mapstructure:"index-of-experiment-identifier"`
	IndexOfParentDataSetCodes     *int   `mapstructure:"index-of-parent-data-set-codes"`
	IndexOfDataProducerCode       *int   `mapstructure:"index-of-data-producer-code"`
	IndexOfDataProductionDate     *int   `mapstructure:"index-of-data-production-date"`
	DataProductionDateFormat      string `mapstructure:"data-production-date-format"`
	DataSetPropertiesFileName     string `mapstructure:"data-set-properties-file-name"`
}

// DefaultInfoExtractor splits the incoming name into tokens.
type DefaultInfoExtractor struct {
	cfg InfoConfig
}

// NewDefaultInfoExtractor applies defaults: separators "." and "&",
// experiment identifier parts joined by "-", the sample code in the last
// token unless only an experiment index is configured.
func NewDefaultInfoExtractor(cfg InfoConfig) (*DefaultInfoExtractor, error) {
	if cfg.EntitySeparator == "" {
		cfg.EntitySeparator = "."
	}
	if cfg.SubEntitySeparator == "" {
		cfg.SubEntitySeparator = "&"
	}
	if cfg.ExperimentIdentifierSeparator == "" {
		cfg.ExperimentIdentifierSeparator = "-"
	}
	if cfg.StripFileExtension == nil {
		strip := true
		cfg.StripFileExtension = &strip
	}
	if cfg.IndexOfSampleCode == nil && cfg.IndexOfExperimentIdentifier == nil {
		last := -1
		cfg.IndexOfSampleCode = &last
	}
	if cfg.IndexOfDataProductionDate != nil && cfg.DataProductionDateFormat == "" {
		return nil, domain.ConfigurationError.New("data-production-date-format required when index-of-data-production-date is set")
	}
	if cfg.EntitySeparator == cfg.SubEntitySeparator {
		return nil, domain.ConfigurationError.New("entity and sub-entity separators must differ")
	}
	return &DefaultInfoExtractor{cfg: cfg}, nil
}

// Extract parses the incoming name and, when configured, the sidecar
// properties file inside the incoming directory.
func (e *DefaultInfoExtractor) Extract(incoming string) (domain.DataSetInformation, error) {
	name := filepath.Base(incoming)
	info := domain.DataSetInformation{IncomingName: name}
	tokens := strings.Split(e.baseName(incoming, name), e.cfg.EntitySeparator)

	if e.cfg.IndexOfSampleCode != nil {
		token, ok := pick(tokens, *e.cfg.IndexOfSampleCode)
		if !ok || strings.TrimSpace(token) == "" {
			return domain.DataSetInformation{}, domain.UserError.New("no sample code found in '%s'", name)
		}
		space := e.cfg.SpaceCode
		if e.cfg.SampleCodeIsShared {
			space = ""
		}
		id, err := domain.ParseSampleIdentifier(token, space)
		if err != nil {
			return domain.DataSetInformation{}, err
		}
		info.SampleIdentifier = &id
	}
	if e.cfg.IndexOfExperimentIdentifier != nil {
		token, ok := pick(tokens, *e.cfg.IndexOfExperimentIdentifier)
		if !ok || strings.TrimSpace(token) == "" {
			return domain.DataSetInformation{}, domain.UserError.New("no experiment identifier found in '%s'", name)
		}
		id, err := domain.ParseExperimentIdentifier(strings.ReplaceAll(token, e.cfg.ExperimentIdentifierSeparator, "/"), e.cfg.SpaceCode)
		if err != nil {
			return domain.DataSetInformation{}, err
		}
		info.ExperimentIdentifier = &id
	}
	if e.cfg.IndexOfParentDataSetCodes != nil {
		token, ok := pick(tokens, *e.cfg.IndexOfParentDataSetCodes)
		if !ok {
			return domain.DataSetInformation{}, domain.UserError.New("no parent data set codes found in '%s'", name)
		}
		for _, code := range strings.Split(token, e.cfg.SubEntitySeparator) {
			if code = strings.TrimSpace(code); code != "" {
				info.ParentDataSetCodes = append(info.ParentDataSetCodes, code)
			}
		}
	}
	if e.cfg.IndexOfDataProducerCode != nil {
		token, ok := pick(tokens, *e.cfg.IndexOfDataProducerCode)
		if !ok {
			return domain.DataSetInformation{}, domain.UserError.New("no data producer code found in '%s'", name)
		}
		info.ProducerCode = token
	}
	if e.cfg.IndexOfDataProductionDate != nil {
		token, ok := pick(tokens, *e.cfg.IndexOfDataProductionDate)
		if !ok {
			return domain.DataSetInformation{}, domain.UserError.New("no data production date found in '%s'", name)
		}
		date, err := time.Parse(e.cfg.DataProductionDateFormat, token)
		if err != nil {
			return domain.DataSetInformation{}, domain.UserError.New("date '%s' does not match format '%s'", token, e.cfg.DataProductionDateFormat)
		}
		info.ProductionDate = &date
	}
	if e.cfg.DataSetPropertiesFileName != "" {
		props, err := ReadProperties(filepath.Join(incoming, e.cfg.DataSetPropertiesFileName))
		if err != nil {
			return domain.DataSetInformation{}, err
		}
		info.Properties = props
	}
	return info, nil
}

// baseName strips the extension of regular files only; directory names keep
// their dots since the entity separator defaults to ".".
func (e *DefaultInfoExtractor) baseName(incoming, name string) string {
	if !*e.cfg.StripFileExtension {
		return name
	}
	fi, err := os.Stat(incoming)
	if err != nil || !fi.Mode().IsRegular() {
		return name
	}
	if ext := filepath.Ext(name); ext != "" && ext != name {
		return strings.TrimSuffix(name, ext)
	}
	return name
}

func pick(tokens []string, index int) (string, bool) {
	if index < 0 {
		index += len(tokens)
	}
	if index < 0 || index >= len(tokens) {
		return "", false
	}
	return tokens[index], true
}
