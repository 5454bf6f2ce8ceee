package domain

import (
	"context"
	"time"
)

// Transaction exposes the registry operations that a persistence
// implementation must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	CreateSpace(Space) (Space, error)
	CreateProject(Project) (Project, error)
	CreateExperiment(Experiment) (Experiment, error)
	UpdateExperiment(id ExperimentIdentifier, mutator func(*Experiment) error) (Experiment, error)
	CreateSample(Sample) (Sample, error)
	UpdateSample(id SampleIdentifier, mutator func(*Sample) error) (Sample, error)
	CreateDataSetType(DataSetTypeInfo) (DataSetTypeInfo, error)
	CreateDataSet(DataSet) (DataSet, error)
	DeleteDataSet(code string) error
	// NextSequence increments and returns the named counter.
	NextSequence(name string) int64
}

// TransactionView provides read-only access to snapshot data for rules and
// queries.
type TransactionView interface {
	ListSpaces() []Space
	ListProjects() []Project
	ListExperiments() []Experiment
	ListSamples() []Sample
	ListDataSets() []DataSet
	ListDataSetTypes() []DataSetTypeInfo
	FindSpace(code string) (Space, bool)
	FindProject(id ProjectIdentifier) (Project, bool)
	FindExperiment(id ExperimentIdentifier) (Experiment, bool)
	FindSample(id SampleIdentifier) (Sample, bool)
	FindDataSet(code string) (DataSet, bool)
	FindDataSetType(code string) (DataSetTypeInfo, bool)
}

// PersistentStore is a minimal abstraction over durable registry backends.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	DatabaseInstance() DatabaseInstance
}

// DataSetLocation is a row of the location index durable stores keep beside
// the registry snapshot.
type DataSetLocation struct {
	Code          string    `db:"code" json:"code"`
	DataSetType   string    `db:"data_set_type" json:"data_set_type"`
	Location      string    `db:"location" json:"location"`
	DataStoreCode string    `db:"data_store_code" json:"data_store_code"`
	RegisteredAt  time.Time `db:"registered_at" json:"registered_at"`
}

// LocationIndex answers location queries without decoding the full snapshot.
// An empty type code matches every dataset.
type LocationIndex interface {
	DataSetLocations(ctx context.Context, dataSetType string) ([]DataSetLocation, error)
}

// LocationsFromView builds the location index rows from a registry view.
func LocationsFromView(view TransactionView, dataSetType string) []DataSetLocation {
	want := NormalizeCode(dataSetType)
	var out []DataSetLocation
	for _, ds := range view.ListDataSets() {
		if want != "" && NormalizeCode(ds.DataSetType) != want {
			continue
		}
		out = append(out, DataSetLocation{
			Code:          ds.Code,
			DataSetType:   ds.DataSetType,
			Location:      ds.Location,
			DataStoreCode: ds.DataStoreCode,
			RegisteredAt:  ds.RegisteredAt,
		})
	}
	return out
}
