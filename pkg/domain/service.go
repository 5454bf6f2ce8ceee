package domain

import "context"

// RegistrationService is the application-server surface the datastore server
// depends on. Every call is blocking; failures surface as errors and are
// never retried by callers.
type RegistrationService interface {
	// CreateDataSetCode allocates a new unique dataset code.
	CreateDataSetCode(ctx context.Context) (string, error)
	// HomeDatabaseInstance returns the registry's database instance.
	HomeDatabaseInstance(ctx context.Context) (DatabaseInstance, error)
	// TryGetSample resolves a sample; ok is false when it does not exist.
	TryGetSample(ctx context.Context, id SampleIdentifier) (sample Sample, ok bool, err error)
	// TryGetExperiment resolves an experiment; ok is false when it does not exist.
	TryGetExperiment(ctx context.Context, id ExperimentIdentifier) (experiment Experiment, ok bool, err error)
	// RegisterDataSet records a stored dataset.
	RegisterDataSet(ctx context.Context, data NewExternalData) error
	// DeleteDataSet removes a registered dataset; used as a compensation.
	DeleteDataSet(ctx context.Context, code, reason string) error
}
