package domain

import (
	"strings"
	"time"
)

// DefaultLocatorType is the locator used for datasets stored relative to the
// store root.
const DefaultLocatorType = "RELATIVE_LOCATION"

// StorageFormat describes how a stored dataset is laid out on disk.
type StorageFormat string

// Known storage formats.
const (
	StorageFormatProprietary StorageFormat = "PROPRIETARY"
	StorageFormatContainer   StorageFormat = "CONTAINER"
)

// Property is a typed key/value attached to a dataset or experiment.
type Property struct {
	Code  string `json:"code"`
	Value string `json:"value"`
}

// DataSetTypeInfo describes a registrable dataset type.
type DataSetTypeInfo struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// TypeInformation is the result of type extraction for one incoming path.
type TypeInformation struct {
	LocatorType    string
	FileFormatType string
	DataSetType    string
	ProcessorType  string
	Measured       bool
}

// DataSetInformation is the metadata extracted for one incoming dataset. It
// is built by an info extractor and treated as a value afterwards: stages
// that refine it return a modified copy.
type DataSetInformation struct {
	DataSetCode          string
	InstanceCode         string
	InstanceUUID         string
	SampleIdentifier     *SampleIdentifier
	ExperimentIdentifier *ExperimentIdentifier
	ProducerCode         string
	ProductionDate       *time.Time
	ParentDataSetCodes   []string
	Properties           []Property
	IncomingName         string

	// Resolved by storage strategy selection.
	Sample     *Sample
	Experiment *Experiment
}

// Clone returns a deep copy.
func (d DataSetInformation) Clone() DataSetInformation {
	cp := d
	if d.SampleIdentifier != nil {
		id := *d.SampleIdentifier
		cp.SampleIdentifier = &id
	}
	if d.ExperimentIdentifier != nil {
		id := *d.ExperimentIdentifier
		cp.ExperimentIdentifier = &id
	}
	if d.ProductionDate != nil {
		t := *d.ProductionDate
		cp.ProductionDate = &t
	}
	cp.ParentDataSetCodes = append([]string(nil), d.ParentDataSetCodes...)
	cp.Properties = append([]Property(nil), d.Properties...)
	if d.Sample != nil {
		s := *d.Sample
		cp.Sample = &s
	}
	if d.Experiment != nil {
		e := *d.Experiment
		cp.Experiment = &e
	}
	return cp
}

// WithDataSetCode returns a copy carrying code.
func (d DataSetInformation) WithDataSetCode(code string) DataSetInformation {
	cp := d.Clone()
	cp.DataSetCode = code
	return cp
}

// WithResolution returns a copy carrying the resolved sample and experiment.
func (d DataSetInformation) WithResolution(sample *Sample, experiment *Experiment) DataSetInformation {
	cp := d.Clone()
	cp.Sample = sample
	cp.Experiment = experiment
	if experiment != nil && cp.ExperimentIdentifier == nil {
		id := experiment.Identifier()
		cp.ExperimentIdentifier = &id
	}
	return cp
}

// Property returns the value of the property with the given code.
func (d DataSetInformation) Property(code string) (string, bool) {
	for _, p := range d.Properties {
		if strings.EqualFold(p.Code, code) {
			return p.Value, true
		}
	}
	return "", false
}

// Describe renders a short human readable description used in logs and mails.
func (d DataSetInformation) Describe() string {
	var b strings.Builder
	b.WriteString("data set '")
	b.WriteString(d.DataSetCode)
	b.WriteString("'")
	if d.SampleIdentifier != nil {
		b.WriteString(" for sample '")
		b.WriteString(d.SampleIdentifier.String())
		b.WriteString("'")
	}
	if exp := d.experimentIdentifier(); exp != nil {
		b.WriteString(" of experiment '")
		b.WriteString(exp.String())
		b.WriteString("'")
	}
	return b.String()
}

func (d DataSetInformation) experimentIdentifier() *ExperimentIdentifier {
	if d.ExperimentIdentifier != nil {
		return d.ExperimentIdentifier
	}
	if d.Experiment != nil {
		id := d.Experiment.Identifier()
		return &id
	}
	return nil
}

// NewExternalData is the record registered with the application server for a
// stored dataset.
type NewExternalData struct {
	Code                 string                `json:"code"`
	DataSetType          string                `json:"data_set_type"`
	FileFormatType       string                `json:"file_format_type"`
	LocatorType          string                `json:"locator_type"`
	Location             string                `json:"location"`
	StorageFormat        StorageFormat         `json:"storage_format"`
	Measured             bool                  `json:"measured"`
	ProducerCode         string                `json:"producer_code,omitempty"`
	ProductionDate       *time.Time            `json:"production_date,omitempty"`
	ParentDataSetCodes   []string              `json:"parent_data_set_codes,omitempty"`
	SampleIdentifier     *SampleIdentifier     `json:"sample_identifier,omitempty"`
	ExperimentIdentifier *ExperimentIdentifier `json:"experiment_identifier,omitempty"`
	DataStoreCode        string                `json:"data_store_code"`
	Properties           []Property            `json:"properties,omitempty"`
	SizeBytes            int64                 `json:"size_bytes"`
}
