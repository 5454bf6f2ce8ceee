package server

import (
	"context"
	"fmt"

	"datastore/pkg/domain"
)

// DataSetReferencesRule checks that every newly registered dataset points at
// existing parents, a known type and a sample/experiment that still accepts
// data.
func DataSetReferencesRule() domain.Rule {
	return dataSetReferencesRule{}
}

type dataSetReferencesRule struct{}

func (dataSetReferencesRule) Name() string { return "data_set_references" }

func (dataSetReferencesRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityDataSet || change.Action != domain.ActionCreate {
			continue
		}
		ds, ok := change.After.(domain.DataSet)
		if !ok {
			continue
		}
		if _, ok := view.FindDataSetType(domain.NormalizeCode(ds.DataSetType)); !ok {
			res.Violations = append(res.Violations, referenceViolation(ds.Code, fmt.Sprintf("data set %s has unknown type %s", ds.Code, ds.DataSetType)))
		}
		seen := make(map[string]struct{}, len(ds.ParentDataSetCodes))
		for _, parent := range ds.ParentDataSetCodes {
			if parent == ds.Code {
				res.Violations = append(res.Violations, referenceViolation(ds.Code, fmt.Sprintf("data set %s references itself as a parent", ds.Code)))
				continue
			}
			if _, dup := seen[parent]; dup {
				continue
			}
			seen[parent] = struct{}{}
			if _, ok := view.FindDataSet(parent); !ok {
				res.Violations = append(res.Violations, referenceViolation(ds.Code, fmt.Sprintf("data set %s references missing parent %s", ds.Code, parent)))
			}
		}
		if ds.SampleIdentifier != nil {
			sample, ok := view.FindSample(*ds.SampleIdentifier)
			switch {
			case !ok:
				res.Violations = append(res.Violations, referenceViolation(ds.Code, fmt.Sprintf("data set %s references missing sample %s", ds.Code, ds.SampleIdentifier)))
			case sample.Invalidation != nil:
				res.Violations = append(res.Violations, referenceViolation(ds.Code, fmt.Sprintf("sample %s is invalid", ds.SampleIdentifier)))
			}
		}
		if ds.ExperimentIdentifier == nil {
			res.Violations = append(res.Violations, referenceViolation(ds.Code, fmt.Sprintf("data set %s is not connected to an experiment", ds.Code)))
			continue
		}
		exp, ok := view.FindExperiment(*ds.ExperimentIdentifier)
		switch {
		case !ok:
			res.Violations = append(res.Violations, referenceViolation(ds.Code, fmt.Sprintf("data set %s references missing experiment %s", ds.Code, ds.ExperimentIdentifier)))
		case exp.IsInvalid():
			res.Violations = append(res.Violations, referenceViolation(ds.Code, fmt.Sprintf("experiment %s is invalid", ds.ExperimentIdentifier)))
		}
	}
	return res, nil
}

func referenceViolation(code, message string) domain.Violation {
	return domain.Violation{
		Rule:     "data_set_references",
		Severity: domain.SeverityBlock,
		Message:  message,
		Entity:   domain.EntityDataSet,
		EntityID: code,
	}
}

// OrphanedChildrenRule warns when a deleted dataset was the parent of another
// dataset that is still registered.
func OrphanedChildrenRule() domain.Rule {
	return orphanedChildrenRule{}
}

type orphanedChildrenRule struct{}

func (orphanedChildrenRule) Name() string { return "orphaned_children" }

func (orphanedChildrenRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityDataSet || change.Action != domain.ActionDelete {
			continue
		}
		deleted, ok := change.Before.(domain.DataSet)
		if !ok {
			continue
		}
		for _, ds := range view.ListDataSets() {
			for _, parent := range ds.ParentDataSetCodes {
				if parent == deleted.Code {
					res.Violations = append(res.Violations, domain.Violation{
						Rule:     "orphaned_children",
						Severity: domain.SeverityWarn,
						Message:  fmt.Sprintf("data set %s lost its parent %s", ds.Code, deleted.Code),
						Entity:   domain.EntityDataSet,
						EntityID: ds.Code,
					})
				}
			}
		}
	}
	return res, nil
}

// NewRulesEngine returns the engine the application server runs on every
// transaction.
func NewRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(DataSetReferencesRule())
	engine.Register(OrphanedChildrenRule())
	return engine
}
