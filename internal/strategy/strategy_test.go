package strategy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"datastore/pkg/domain"
)

type fakeLookup struct {
	samples     map[string]domain.Sample
	experiments map[string]domain.Experiment
	err         error
	calls       int
}

func (f *fakeLookup) TryGetSample(_ context.Context, id domain.SampleIdentifier) (domain.Sample, bool, error) {
	f.calls++
	if f.err != nil {
		return domain.Sample{}, false, f.err
	}
	s, ok := f.samples[id.String()]
	return s, ok, nil
}

func (f *fakeLookup) TryGetExperiment(_ context.Context, id domain.ExperimentIdentifier) (domain.Experiment, bool, error) {
	f.calls++
	if f.err != nil {
		return domain.Experiment{}, false, f.err
	}
	e, ok := f.experiments[id.String()]
	return e, ok, nil
}

var (
	exp1   = domain.ExperimentIdentifier{SpaceCode: "CISD", ProjectCode: "NEMO", ExperimentCode: "EXP1"}
	exp2   = domain.ExperimentIdentifier{SpaceCode: "CISD", ProjectCode: "NEMO", ExperimentCode: "EXP2"}
	sample = func(code string) *domain.SampleIdentifier { return &domain.SampleIdentifier{SpaceCode: "CISD", SampleCode: code} }
)

func newLookup() *fakeLookup {
	return &fakeLookup{
		samples: map[string]domain.Sample{
			"/CISD/S1":    {SpaceCode: "CISD", Code: "S1", Experiment: &exp1},
			"/CISD/LOOSE": {SpaceCode: "CISD", Code: "LOOSE"},
			"/CISD/S2":    {SpaceCode: "CISD", Code: "S2", Experiment: &exp2},
		},
		experiments: map[string]domain.Experiment{
			"/CISD/NEMO/EXP1": {SpaceCode: "CISD", ProjectCode: "NEMO", Code: "EXP1"},
			"/CISD/NEMO/EXP2": {SpaceCode: "CISD", ProjectCode: "NEMO", Code: "EXP2", Invalidation: &domain.Invalidation{Reason: "broken"}},
		},
	}
}

func TestSelect(t *testing.T) {
	cases := []struct {
		name string
		info domain.DataSetInformation
		want domain.StrategyKey
	}{
		{"no identifiers", domain.DataSetInformation{}, domain.StrategyUnidentified},
		{"unknown sample", domain.DataSetInformation{SampleIdentifier: sample("NOPE")}, domain.StrategyUnidentified},
		{"sample without experiment", domain.DataSetInformation{SampleIdentifier: sample("LOOSE")}, domain.StrategyUnidentified},
		{"sample in invalid experiment", domain.DataSetInformation{SampleIdentifier: sample("S2")}, domain.StrategyInvalid},
		{"sample identified", domain.DataSetInformation{SampleIdentifier: sample("S1")}, domain.StrategyIdentified},
		{"experiment identified", domain.DataSetInformation{ExperimentIdentifier: &exp1}, domain.StrategyIdentified},
		{"experiment invalid", domain.DataSetInformation{ExperimentIdentifier: &exp2}, domain.StrategyInvalid},
		{"experiment unknown", domain.DataSetInformation{ExperimentIdentifier: &domain.ExperimentIdentifier{SpaceCode: "X", ProjectCode: "Y", ExperimentCode: "Z"}}, domain.StrategyUnidentified},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, resolved, err := NewSelector(newLookup()).Select(context.Background(), tc.info)
			require.NoError(t, err)
			require.Equal(t, tc.want, key)
			if key == domain.StrategyIdentified {
				require.NotNil(t, resolved.Experiment)
				require.Equal(t, "EXP1", resolved.Experiment.Code)
			}
			require.Nil(t, tc.info.Experiment, "input must not be mutated")
		})
	}
}

func TestSelectEscalatesLookupErrors(t *testing.T) {
	lookup := newLookup()
	lookup.err = domain.RemoteError.New("connection refused")
	_, _, err := NewSelector(lookup).Select(context.Background(), domain.DataSetInformation{SampleIdentifier: sample("S1")})
	require.True(t, domain.RemoteError.Has(err))

	_, _, err = NewSelector(lookup).Select(context.Background(), domain.DataSetInformation{ExperimentIdentifier: &exp1})
	require.True(t, errors.Is(err, lookup.err))
}

func TestLayoutTargetPath(t *testing.T) {
	root := t.TempDir()
	l := Layout{StoreRoot: root}
	exp := domain.Experiment{SpaceCode: "CISD", ProjectCode: "NEMO", Code: "EXP1"}
	info := domain.DataSetInformation{
		DataSetCode:      "20240101120000000-1",
		InstanceCode:     "DB",
		SampleIdentifier: sample("S1"),
	}.WithResolution(nil, &exp)

	target, err := l.TargetPath(domain.StrategyIdentified, info, "hcs_image")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "identified", "Instance_DB", "Space_CISD", "Project_NEMO",
		"Experiment_EXP1", "DataSetType_HCS_IMAGE", "Sample_S1", "20240101120000000-1"), target)
	rel, err := l.RelativeLocation(target)
	require.NoError(t, err)
	require.Equal(t, "identified/Instance_DB/Space_CISD/Project_NEMO/Experiment_EXP1/DataSetType_HCS_IMAGE/Sample_S1/20240101120000000-1", rel)

	require.NoError(t, os.MkdirAll(target, 0o755))
	_, err = l.TargetPath(domain.StrategyIdentified, info, "hcs_image")
	require.True(t, domain.EnvironmentError.Has(err))

	for key, dir := range map[domain.StrategyKey]string{
		domain.StrategyUnidentified: "unidentified",
		domain.StrategyInvalid:      "invalid",
		domain.StrategyError:        "error",
	} {
		got, err := l.TargetPath(key, domain.DataSetInformation{}, "raw")
		require.NoError(t, err)
		require.Equal(t, filepath.Join(root, dir, "DataSetType_RAW"), got)
	}

	_, err = l.TargetPath(domain.StrategyIdentified, domain.DataSetInformation{DataSetCode: "X"}, "raw")
	require.Error(t, err)
}
