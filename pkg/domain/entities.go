// Package domain defines the registry entities, dataset metadata and
// persistence contracts shared by the datastore server and the application
// server it registers datasets with.
package domain

import (
	"time"
)

// EntityType identifies the type of record stored in the registry.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	EntityDatabaseInstance EntityType = "database_instance"
	EntitySpace            EntityType = "space"
	EntityProject          EntityType = "project"
	EntityExperiment       EntityType = "experiment"
	EntitySample           EntityType = "sample"
	EntityDataSet          EntityType = "data_set"
	EntityDataSetType      EntityType = "data_set_type"
)

// Base carries identity and audit timestamps common to registry records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DatabaseInstance identifies the registry installation. Its UUID is part of
// every identified store path.
type DatabaseInstance struct {
	Code string `json:"code"`
	UUID string `json:"uuid"`
}

// Space groups projects and space-level samples.
type Space struct {
	Base
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// Project groups experiments inside a space.
type Project struct {
	Base
	SpaceCode   string `json:"space_code"`
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// Identifier returns the project's /SPACE/PROJECT identifier.
func (p Project) Identifier() ProjectIdentifier {
	return ProjectIdentifier{SpaceCode: p.SpaceCode, ProjectCode: p.Code}
}

// Invalidation marks an entity as invalid; invalid entities no longer accept
// new datasets.
type Invalidation struct {
	Reason        string    `json:"reason"`
	InvalidatedAt time.Time `json:"invalidated_at"`
}

// Experiment owns samples and datasets.
type Experiment struct {
	Base
	SpaceCode    string        `json:"space_code"`
	ProjectCode  string        `json:"project_code"`
	Code         string        `json:"code"`
	TypeCode     string        `json:"type_code,omitempty"`
	Invalidation *Invalidation `json:"invalidation,omitempty"`
	Properties   []Property    `json:"properties,omitempty"`
}

// Identifier returns the experiment's /SPACE/PROJECT/EXPERIMENT identifier.
func (e Experiment) Identifier() ExperimentIdentifier {
	return ExperimentIdentifier{SpaceCode: e.SpaceCode, ProjectCode: e.ProjectCode, ExperimentCode: e.Code}
}

// IsInvalid reports whether the experiment has been invalidated.
func (e Experiment) IsInvalid() bool { return e.Invalidation != nil }

// Sample is a registered specimen. Experiment is nil for samples not yet
// assigned to an experiment.
type Sample struct {
	Base
	SpaceCode    string                `json:"space_code,omitempty"`
	Code         string                `json:"code"`
	TypeCode     string                `json:"type_code,omitempty"`
	Experiment   *ExperimentIdentifier `json:"experiment,omitempty"`
	Invalidation *Invalidation         `json:"invalidation,omitempty"`
}

// Identifier returns the sample identifier.
func (s Sample) Identifier() SampleIdentifier {
	return SampleIdentifier{SpaceCode: s.SpaceCode, SampleCode: s.Code}
}

// DataSet is a registered dataset record.
type DataSet struct {
	Base
	NewExternalData
	RegisteredAt time.Time `json:"registered_at"`
}

// Change captures a single mutation applied within a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rule " + v.Rule + ": " + v.Message
		}
	}
	return "transaction blocked by rules"
}
