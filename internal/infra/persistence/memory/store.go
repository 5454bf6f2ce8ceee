// Package memory provides an in-memory implementation of the registry
// persistence store used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"datastore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var (
	_ domain.PersistentStore = (*Store)(nil)
	_ domain.LocationIndex   = (*Store)(nil)
)

type (
	// Space aliases domain.Space for in-memory persistence operations.
	Space = domain.Space
	// Project aliases domain.Project.
	Project = domain.Project
	// Experiment aliases domain.Experiment.
	Experiment = domain.Experiment
	// Sample aliases domain.Sample.
	Sample = domain.Sample
	// DataSet aliases domain.DataSet.
	DataSet = domain.DataSet
	// DataSetTypeInfo aliases domain.DataSetTypeInfo.
	DataSetTypeInfo = domain.DataSetTypeInfo
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	spaces       map[string]Space
	projects     map[string]Project
	experiments  map[string]Experiment
	samples      map[string]Sample
	dataSets     map[string]DataSet
	dataSetTypes map[string]DataSetTypeInfo
	sequences    map[string]int64
}

// Snapshot is the serialisable form of the store state. Durable stores
// persist one JSON payload per bucket.
type Snapshot struct {
	Instance     domain.DatabaseInstance `json:"instance"`
	Spaces       []Space                 `json:"spaces"`
	Projects     []Project               `json:"projects"`
	Experiments  []Experiment            `json:"experiments"`
	Samples      []Sample                `json:"samples"`
	DataSets     []DataSet               `json:"data_sets"`
	DataSetTypes []DataSetTypeInfo       `json:"data_set_types"`
	Sequences    map[string]int64        `json:"sequences"`
}

func newMemoryState() memoryState {
	return memoryState{
		spaces:       make(map[string]Space),
		projects:     make(map[string]Project),
		experiments:  make(map[string]Experiment),
		samples:      make(map[string]Sample),
		dataSets:     make(map[string]DataSet),
		dataSetTypes: make(map[string]DataSetTypeInfo),
		sequences:    make(map[string]int64),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.spaces {
		cloned.spaces[k] = v
	}
	for k, v := range s.projects {
		cloned.projects[k] = v
	}
	for k, v := range s.experiments {
		cloned.experiments[k] = cloneExperiment(v)
	}
	for k, v := range s.samples {
		cloned.samples[k] = cloneSample(v)
	}
	for k, v := range s.dataSets {
		cloned.dataSets[k] = cloneDataSet(v)
	}
	for k, v := range s.dataSetTypes {
		cloned.dataSetTypes[k] = v
	}
	for k, v := range s.sequences {
		cloned.sequences[k] = v
	}
	return cloned
}

func cloneExperiment(e Experiment) Experiment {
	cp := e
	cp.Properties = append([]domain.Property(nil), e.Properties...)
	if e.Invalidation != nil {
		inv := *e.Invalidation
		cp.Invalidation = &inv
	}
	return cp
}

func cloneSample(s Sample) Sample {
	cp := s
	if s.Experiment != nil {
		id := *s.Experiment
		cp.Experiment = &id
	}
	if s.Invalidation != nil {
		inv := *s.Invalidation
		cp.Invalidation = &inv
	}
	return cp
}

func cloneDataSet(d DataSet) DataSet {
	cp := d
	cp.ParentDataSetCodes = append([]string(nil), d.ParentDataSetCodes...)
	cp.Properties = append([]domain.Property(nil), d.Properties...)
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
	return cp
}

func projectKey(id domain.ProjectIdentifier) string       { return id.String() }
func experimentKey(id domain.ExperimentIdentifier) string { return id.String() }
func sampleKey(id domain.SampleIdentifier) string         { return id.String() }

// Store provides an in-memory transactional registry store.
type Store struct {
	mu       sync.RWMutex
	state    memoryState
	instance domain.DatabaseInstance
	engine   *RulesEngine
	nowFn    func() time.Time
}

// NewStore constructs an in-memory store for the given database instance code
// backed by the provided rules engine.
func NewStore(instanceCode string, engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	if instanceCode == "" {
		instanceCode = "DSS"
	}
	return &Store{
		state:    newMemoryState(),
		instance: domain.DatabaseInstance{Code: domain.NormalizeCode(instanceCode), UUID: strings.ToUpper(uuid.NewString())},
		engine:   engine,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// DatabaseInstance returns the instance this store belongs to.
func (s *Store) DatabaseInstance() domain.DatabaseInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instance
}

// SetNowFunc overrides the clock used for audit timestamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Instance: s.instance, Sequences: make(map[string]int64, len(s.state.sequences))}
	for _, v := range s.state.spaces {
		snap.Spaces = append(snap.Spaces, v)
	}
	for _, v := range s.state.projects {
		snap.Projects = append(snap.Projects, v)
	}
	for _, v := range s.state.experiments {
		snap.Experiments = append(snap.Experiments, cloneExperiment(v))
	}
	for _, v := range s.state.samples {
		snap.Samples = append(snap.Samples, cloneSample(v))
	}
	for _, v := range s.state.dataSets {
		snap.DataSets = append(snap.DataSets, cloneDataSet(v))
	}
	for _, v := range s.state.dataSetTypes {
		snap.DataSetTypes = append(snap.DataSetTypes, v)
	}
	for k, v := range s.state.sequences {
		snap.Sequences[k] = v
	}
	sort.Slice(snap.Spaces, func(i, j int) bool { return snap.Spaces[i].Code < snap.Spaces[j].Code })
	sort.Slice(snap.Projects, func(i, j int) bool {
		return projectKey(snap.Projects[i].Identifier()) < projectKey(snap.Projects[j].Identifier())
	})
	sort.Slice(snap.Experiments, func(i, j int) bool {
		return experimentKey(snap.Experiments[i].Identifier()) < experimentKey(snap.Experiments[j].Identifier())
	})
	sort.Slice(snap.Samples, func(i, j int) bool {
		return sampleKey(snap.Samples[i].Identifier()) < sampleKey(snap.Samples[j].Identifier())
	})
	sort.Slice(snap.DataSets, func(i, j int) bool { return snap.DataSets[i].Code < snap.DataSets[j].Code })
	sort.Slice(snap.DataSetTypes, func(i, j int) bool { return snap.DataSetTypes[i].Code < snap.DataSetTypes[j].Code })
	return snap
}

// ImportState replaces the store state with the provided snapshot. A zero
// instance in the snapshot keeps the current instance.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := newMemoryState()
	for _, v := range snapshot.Spaces {
		state.spaces[v.Code] = v
	}
	for _, v := range snapshot.Projects {
		state.projects[projectKey(v.Identifier())] = v
	}
	for _, v := range snapshot.Experiments {
		state.experiments[experimentKey(v.Identifier())] = cloneExperiment(v)
	}
	for _, v := range snapshot.Samples {
		state.samples[sampleKey(v.Identifier())] = cloneSample(v)
	}
	for _, v := range snapshot.DataSets {
		state.dataSets[v.Code] = cloneDataSet(v)
	}
	for _, v := range snapshot.DataSetTypes {
		state.dataSetTypes[v.Code] = v
	}
	for k, v := range snapshot.Sequences {
		state.sequences[k] = v
	}
	s.state = state
	if snapshot.Instance.Code != "" {
		s.instance = snapshot.Instance
	}
}

// RunInTransaction applies fn to a copy of the state, evaluates rules and
// commits the copy when fn succeeds and no blocking violation is reported.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

func (tx *transaction) stamp(base *domain.Base) {
	if base.ID == "" {
		base.ID = uuid.NewString()
	}
	if base.CreatedAt.IsZero() {
		base.CreatedAt = tx.now
	}
	base.UpdatedAt = tx.now
}

func (tx *transaction) CreateSpace(space Space) (Space, error) {
	space.Code = domain.NormalizeCode(space.Code)
	if !domain.ValidCode(space.Code) {
		return Space{}, domain.UserError.New("invalid space code %q", space.Code)
	}
	if _, exists := tx.state.spaces[space.Code]; exists {
		return Space{}, fmt.Errorf("space %s already exists", space.Code)
	}
	tx.stamp(&space.Base)
	tx.state.spaces[space.Code] = space
	tx.recordChange(Change{Entity: domain.EntitySpace, Action: domain.ActionCreate, After: space})
	return space, nil
}

func (tx *transaction) CreateProject(project Project) (Project, error) {
	project.SpaceCode = domain.NormalizeCode(project.SpaceCode)
	project.Code = domain.NormalizeCode(project.Code)
	if !domain.ValidCode(project.Code) {
		return Project{}, domain.UserError.New("invalid project code %q", project.Code)
	}
	if _, ok := tx.state.spaces[project.SpaceCode]; !ok {
		return Project{}, domain.ErrNotFound{Entity: domain.EntitySpace, ID: project.SpaceCode}
	}
	key := projectKey(project.Identifier())
	if _, exists := tx.state.projects[key]; exists {
		return Project{}, fmt.Errorf("project %s already exists", key)
	}
	tx.stamp(&project.Base)
	tx.state.projects[key] = project
	tx.recordChange(Change{Entity: domain.EntityProject, Action: domain.ActionCreate, After: project})
	return project, nil
}

func (tx *transaction) CreateExperiment(exp Experiment) (Experiment, error) {
	exp.SpaceCode = domain.NormalizeCode(exp.SpaceCode)
	exp.ProjectCode = domain.NormalizeCode(exp.ProjectCode)
	exp.Code = domain.NormalizeCode(exp.Code)
	if !domain.ValidCode(exp.Code) {
		return Experiment{}, domain.UserError.New("invalid experiment code %q", exp.Code)
	}
	projectID := exp.Identifier().Project()
	if _, ok := tx.state.projects[projectKey(projectID)]; !ok {
		return Experiment{}, domain.ErrNotFound{Entity: domain.EntityProject, ID: projectID.String()}
	}
	key := experimentKey(exp.Identifier())
	if _, exists := tx.state.experiments[key]; exists {
		return Experiment{}, fmt.Errorf("experiment %s already exists", key)
	}
	tx.stamp(&exp.Base)
	tx.state.experiments[key] = cloneExperiment(exp)
	tx.recordChange(Change{Entity: domain.EntityExperiment, Action: domain.ActionCreate, After: cloneExperiment(exp)})
	return exp, nil
}

func (tx *transaction) UpdateExperiment(id domain.ExperimentIdentifier, mutator func(*Experiment) error) (Experiment, error) {
	key := experimentKey(id)
	current, ok := tx.state.experiments[key]
	if !ok {
		return Experiment{}, domain.ErrNotFound{Entity: domain.EntityExperiment, ID: key}
	}
	before := cloneExperiment(current)
	updated := cloneExperiment(current)
	if err := mutator(&updated); err != nil {
		return Experiment{}, err
	}
	if experimentKey(updated.Identifier()) != key {
		return Experiment{}, fmt.Errorf("experiment identifier is immutable")
	}
	updated.UpdatedAt = tx.now
	tx.state.experiments[key] = updated
	tx.recordChange(Change{Entity: domain.EntityExperiment, Action: domain.ActionUpdate, Before: before, After: cloneExperiment(updated)})
	return cloneExperiment(updated), nil
}

func (tx *transaction) CreateSample(sample Sample) (Sample, error) {
	sample.SpaceCode = domain.NormalizeCode(sample.SpaceCode)
	sample.Code = domain.NormalizeCode(sample.Code)
	if !domain.ValidCode(sample.Code) {
		return Sample{}, domain.UserError.New("invalid sample code %q", sample.Code)
	}
	if sample.SpaceCode != "" {
		if _, ok := tx.state.spaces[sample.SpaceCode]; !ok {
			return Sample{}, domain.ErrNotFound{Entity: domain.EntitySpace, ID: sample.SpaceCode}
		}
	}
	if sample.Experiment != nil {
		if _, ok := tx.state.experiments[experimentKey(*sample.Experiment)]; !ok {
			return Sample{}, domain.ErrNotFound{Entity: domain.EntityExperiment, ID: sample.Experiment.String()}
		}
	}
	key := sampleKey(sample.Identifier())
	if _, exists := tx.state.samples[key]; exists {
		return Sample{}, fmt.Errorf("sample %s already exists", key)
	}
	tx.stamp(&sample.Base)
	tx.state.samples[key] = cloneSample(sample)
	tx.recordChange(Change{Entity: domain.EntitySample, Action: domain.ActionCreate, After: cloneSample(sample)})
	return sample, nil
}

func (tx *transaction) UpdateSample(id domain.SampleIdentifier, mutator func(*Sample) error) (Sample, error) {
	key := sampleKey(id)
	current, ok := tx.state.samples[key]
	if !ok {
		return Sample{}, domain.ErrNotFound{Entity: domain.EntitySample, ID: key}
	}
	before := cloneSample(current)
	updated := cloneSample(current)
	if err := mutator(&updated); err != nil {
		return Sample{}, err
	}
	if sampleKey(updated.Identifier()) != key {
		return Sample{}, fmt.Errorf("sample identifier is immutable")
	}
	updated.UpdatedAt = tx.now
	tx.state.samples[key] = updated
	tx.recordChange(Change{Entity: domain.EntitySample, Action: domain.ActionUpdate, Before: before, After: cloneSample(updated)})
	return cloneSample(updated), nil
}

func (tx *transaction) CreateDataSetType(t DataSetTypeInfo) (DataSetTypeInfo, error) {
	t.Code = domain.NormalizeCode(t.Code)
	if !domain.ValidCode(t.Code) {
		return DataSetTypeInfo{}, domain.UserError.New("invalid data set type code %q", t.Code)
	}
	if _, exists := tx.state.dataSetTypes[t.Code]; exists {
		return DataSetTypeInfo{}, fmt.Errorf("data set type %s already exists", t.Code)
	}
	tx.state.dataSetTypes[t.Code] = t
	tx.recordChange(Change{Entity: domain.EntityDataSetType, Action: domain.ActionCreate, After: t})
	return t, nil
}

func (tx *transaction) CreateDataSet(ds DataSet) (DataSet, error) {
	if strings.TrimSpace(ds.Code) == "" {
		return DataSet{}, domain.UserError.New("data set code required")
	}
	if _, exists := tx.state.dataSets[ds.Code]; exists {
		return DataSet{}, fmt.Errorf("data set %s already exists", ds.Code)
	}
	tx.stamp(&ds.Base)
	if ds.RegisteredAt.IsZero() {
		ds.RegisteredAt = tx.now
	}
	tx.state.dataSets[ds.Code] = cloneDataSet(ds)
	tx.recordChange(Change{Entity: domain.EntityDataSet, Action: domain.ActionCreate, After: cloneDataSet(ds)})
	return ds, nil
}

func (tx *transaction) DeleteDataSet(code string) error {
	current, ok := tx.state.dataSets[code]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityDataSet, ID: code}
	}
	delete(tx.state.dataSets, code)
	tx.recordChange(Change{Entity: domain.EntityDataSet, Action: domain.ActionDelete, Before: current})
	return nil
}

func (tx *transaction) NextSequence(name string) int64 {
	tx.state.sequences[name]++
	return tx.state.sequences[name]
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func (v transactionView) ListSpaces() []Space {
	out := make([]Space, 0, len(v.state.spaces))
	for _, s := range v.state.spaces {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (v transactionView) ListProjects() []Project {
	out := make([]Project, 0, len(v.state.projects))
	for _, p := range v.state.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return projectKey(out[i].Identifier()) < projectKey(out[j].Identifier()) })
	return out
}

func (v transactionView) ListExperiments() []Experiment {
	out := make([]Experiment, 0, len(v.state.experiments))
	for _, e := range v.state.experiments {
		out = append(out, cloneExperiment(e))
	}
	sort.Slice(out, func(i, j int) bool {
		return experimentKey(out[i].Identifier()) < experimentKey(out[j].Identifier())
	})
	return out
}

func (v transactionView) ListSamples() []Sample {
	out := make([]Sample, 0, len(v.state.samples))
	for _, s := range v.state.samples {
		out = append(out, cloneSample(s))
	}
	sort.Slice(out, func(i, j int) bool { return sampleKey(out[i].Identifier()) < sampleKey(out[j].Identifier()) })
	return out
}

func (v transactionView) ListDataSets() []DataSet {
	out := make([]DataSet, 0, len(v.state.dataSets))
	for _, d := range v.state.dataSets {
		out = append(out, cloneDataSet(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (v transactionView) ListDataSetTypes() []DataSetTypeInfo {
	out := make([]DataSetTypeInfo, 0, len(v.state.dataSetTypes))
	for _, t := range v.state.dataSetTypes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (v transactionView) FindSpace(code string) (Space, bool) {
	s, ok := v.state.spaces[domain.NormalizeCode(code)]
	return s, ok
}

func (v transactionView) FindProject(id domain.ProjectIdentifier) (Project, bool) {
	p, ok := v.state.projects[projectKey(id)]
	return p, ok
}

func (v transactionView) FindExperiment(id domain.ExperimentIdentifier) (Experiment, bool) {
	e, ok := v.state.experiments[experimentKey(id)]
	if !ok {
		return Experiment{}, false
	}
	return cloneExperiment(e), true
}

func (v transactionView) FindSample(id domain.SampleIdentifier) (Sample, bool) {
	s, ok := v.state.samples[sampleKey(id)]
	if !ok {
		return Sample{}, false
	}
	return cloneSample(s), true
}

func (v transactionView) FindDataSet(code string) (DataSet, bool) {
	d, ok := v.state.dataSets[code]
	if !ok {
		return DataSet{}, false
	}
	return cloneDataSet(d), true
}

func (v transactionView) FindDataSetType(code string) (DataSetTypeInfo, bool) {
	t, ok := v.state.dataSetTypes[domain.NormalizeCode(code)]
	return t, ok
}

// DataSetLocations lists the location index rows for dataSetType.
func (s *Store) DataSetLocations(ctx context.Context, dataSetType string) ([]domain.DataSetLocation, error) {
	var out []domain.DataSetLocation
	err := s.View(ctx, func(v TransactionView) error {
		out = domain.LocationsFromView(v, dataSetType)
		return nil
	})
	return out, err
}
