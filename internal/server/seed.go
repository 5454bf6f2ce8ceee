package server

import (
	"context"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"datastore/pkg/domain"
)

// Seed is the registry content loaded at startup from a YAML file.
type Seed struct {
	Spaces       []string         `yaml:"spaces"`
	Projects     []string         `yaml:"projects"`
	Experiments  []SeedExperiment `yaml:"experiments"`
	Samples      []SeedSample     `yaml:"samples"`
	DataSetTypes []string         `yaml:"data-set-types"`
}

// SeedExperiment is an experiment identifier plus an optional invalidation.
type SeedExperiment struct {
	Identifier  string `yaml:"identifier"`
	Type        string `yaml:"type"`
	Invalidated string `yaml:"invalidated"`
}

// SeedSample is a sample identifier with its optional experiment.
type SeedSample struct {
	Identifier  string `yaml:"identifier"`
	Type        string `yaml:"type"`
	Experiment  string `yaml:"experiment"`
	Invalidated string `yaml:"invalidated"`
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, domain.ConfigurationError.New("read seed file: %v", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return Seed{}, domain.ConfigurationError.New("parse seed file %s: %v", path, err)
	}
	return seed, nil
}

// ApplySeed creates every seeded entity that does not exist yet, so a
// durable store can be seeded on every start.
func (s *Service) ApplySeed(ctx context.Context, seed Seed) error {
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		view := tx.Snapshot()
		for _, code := range seed.Spaces {
			if _, ok := view.FindSpace(domain.NormalizeCode(code)); ok {
				continue
			}
			if _, err := tx.CreateSpace(domain.Space{Code: code}); err != nil {
				return err
			}
		}
		for _, raw := range seed.Projects {
			parts := splitPath(raw)
			if len(parts) != 2 {
				return domain.ConfigurationError.New("malformed project identifier %q", raw)
			}
			id := domain.ProjectIdentifier{SpaceCode: parts[0], ProjectCode: parts[1]}
			if _, ok := view.FindProject(id); ok {
				continue
			}
			if _, err := tx.CreateProject(domain.Project{SpaceCode: id.SpaceCode, Code: id.ProjectCode}); err != nil {
				return err
			}
		}
		for _, e := range seed.Experiments {
			id, err := domain.ParseExperimentIdentifier(e.Identifier, "")
			if err != nil {
				return domain.ConfigurationError.Wrap(err)
			}
			if _, ok := view.FindExperiment(id); ok {
				continue
			}
			exp := domain.Experiment{SpaceCode: id.SpaceCode, ProjectCode: id.ProjectCode, Code: id.ExperimentCode, TypeCode: e.Type}
			if e.Invalidated != "" {
				exp.Invalidation = &domain.Invalidation{Reason: e.Invalidated}
			}
			if _, err := tx.CreateExperiment(exp); err != nil {
				return err
			}
		}
		for _, smp := range seed.Samples {
			id, err := domain.ParseSampleIdentifier(smp.Identifier, "")
			if err != nil {
				return domain.ConfigurationError.Wrap(err)
			}
			if _, ok := view.FindSample(id); ok {
				continue
			}
			sample := domain.Sample{SpaceCode: id.SpaceCode, Code: id.SampleCode, TypeCode: smp.Type}
			if smp.Experiment != "" {
				exp, err := domain.ParseExperimentIdentifier(smp.Experiment, "")
				if err != nil {
					return domain.ConfigurationError.Wrap(err)
				}
				sample.Experiment = &exp
			}
			if smp.Invalidated != "" {
				sample.Invalidation = &domain.Invalidation{Reason: smp.Invalidated}
			}
			if _, err := tx.CreateSample(sample); err != nil {
				return err
			}
		}
		for _, code := range seed.DataSetTypes {
			if _, ok := view.FindDataSetType(domain.NormalizeCode(code)); ok {
				continue
			}
			if _, err := tx.CreateDataSetType(domain.DataSetTypeInfo{Code: code}); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func splitPath(value string) []string {
	var out []string
	for _, p := range strings.Split(value, "/") {
		if p != "" {
			out = append(out, domain.NormalizeCode(p))
		}
	}
	return out
}
