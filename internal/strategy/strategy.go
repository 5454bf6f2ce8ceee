// Package strategy decides where an incoming dataset is filed and computes
// the store layout for each strategy.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"datastore/pkg/domain"
)

// Lookup is the part of the registration service the selector needs.
type Lookup interface {
	TryGetSample(ctx context.Context, id domain.SampleIdentifier) (domain.Sample, bool, error)
	TryGetExperiment(ctx context.Context, id domain.ExperimentIdentifier) (domain.Experiment, bool, error)
}

// Selector maps dataset information to a strategy key.
type Selector struct {
	lookup Lookup
}

// NewSelector returns a selector resolving entities through lookup.
func NewSelector(lookup Lookup) *Selector {
	return &Selector{lookup: lookup}
}

// Select chooses the strategy for info. For IDENTIFIED and INVALID the
// returned information carries the resolved sample and experiment. Lookup
// failures are returned as errors and never mapped to a key.
func (s *Selector) Select(ctx context.Context, info domain.DataSetInformation) (domain.StrategyKey, domain.DataSetInformation, error) {
	switch {
	case info.SampleIdentifier != nil:
		return s.selectBySample(ctx, info)
	case info.ExperimentIdentifier != nil:
		exp, found, err := s.lookup.TryGetExperiment(ctx, *info.ExperimentIdentifier)
		if err != nil {
			return "", info, err
		}
		if !found {
			return domain.StrategyUnidentified, info, nil
		}
		resolved := info.WithResolution(nil, &exp)
		if exp.IsInvalid() {
			return domain.StrategyInvalid, resolved, nil
		}
		return domain.StrategyIdentified, resolved, nil
	default:
		return domain.StrategyUnidentified, info, nil
	}
}

func (s *Selector) selectBySample(ctx context.Context, info domain.DataSetInformation) (domain.StrategyKey, domain.DataSetInformation, error) {
	sample, found, err := s.lookup.TryGetSample(ctx, *info.SampleIdentifier)
	if err != nil {
		return "", info, err
	}
	if !found || sample.Experiment == nil {
		return domain.StrategyUnidentified, info, nil
	}
	exp, found, err := s.lookup.TryGetExperiment(ctx, *sample.Experiment)
	if err != nil {
		return "", info, err
	}
	if !found {
		return domain.StrategyUnidentified, info, nil
	}
	resolved := info.WithResolution(&sample, &exp)
	if exp.IsInvalid() || sample.Invalidation != nil {
		return domain.StrategyInvalid, resolved, nil
	}
	return domain.StrategyIdentified, resolved, nil
}

// Layout computes directories below the store root.
type Layout struct {
	StoreRoot string
}

// BaseDir returns the strategy root, e.g. <store>/identified.
func (l Layout) BaseDir(key domain.StrategyKey) string {
	switch key {
	case domain.StrategyIdentified:
		return filepath.Join(l.StoreRoot, "identified")
	case domain.StrategyInvalid:
		return filepath.Join(l.StoreRoot, "invalid")
	case domain.StrategyError:
		return filepath.Join(l.StoreRoot, "error")
	default:
		return filepath.Join(l.StoreRoot, "unidentified")
	}
}

// TargetPath returns the directory a dataset is filed into. For IDENTIFIED
// this is the dataset's own directory, which must not exist yet; for the
// other keys it is the shared holding directory of the dataset type.
func (l Layout) TargetPath(key domain.StrategyKey, info domain.DataSetInformation, dataSetType string) (string, error) {
	typeDir := "DataSetType_" + domain.NormalizeCode(dataSetType)
	if key != domain.StrategyIdentified {
		return filepath.Join(l.BaseDir(key), typeDir), nil
	}
	if info.Experiment == nil {
		return "", fmt.Errorf("identified data set %q has no resolved experiment", info.DataSetCode)
	}
	if info.DataSetCode == "" {
		return "", fmt.Errorf("identified data set has no code")
	}
	exp := info.Experiment.Identifier()
	parts := []string{
		l.BaseDir(key),
		"Instance_" + info.InstanceCode,
		"Space_" + exp.SpaceCode,
		"Project_" + exp.ProjectCode,
		"Experiment_" + exp.ExperimentCode,
		typeDir,
	}
	if info.SampleIdentifier != nil {
		parts = append(parts, "Sample_"+info.SampleIdentifier.SampleCode)
	}
	parts = append(parts, info.DataSetCode)
	target := filepath.Join(parts...)
	if _, err := os.Stat(target); err == nil {
		return "", domain.EnvironmentError.New("store directory %s already exists", target)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", domain.EnvironmentError.New("stat %s: %v", target, err)
	}
	return target, nil
}

// RelativeLocation returns target relative to the store root, with forward slashes.
func (l Layout) RelativeLocation(target string) (string, error) {
	rel, err := filepath.Rel(l.StoreRoot, target)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
