package memory

import (
	"context"
	"errors"
	"testing"

	"datastore/pkg/domain"
)

func seed(t *testing.T, store *Store) {
	t.Helper()
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateSpace(Space{Code: "cisd"}); err != nil {
			return err
		}
		if _, err := tx.CreateProject(Project{SpaceCode: "CISD", Code: "nemo"}); err != nil {
			return err
		}
		if _, err := tx.CreateExperiment(Experiment{SpaceCode: "CISD", ProjectCode: "NEMO", Code: "exp1"}); err != nil {
			return err
		}
		exp := domain.ExperimentIdentifier{SpaceCode: "CISD", ProjectCode: "NEMO", ExperimentCode: "EXP1"}
		_, err := tx.CreateSample(Sample{SpaceCode: "CISD", Code: "s1", Experiment: &exp})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore("test", nil)
	seed(t, store)
	ctx := context.Background()

	err := store.View(ctx, func(v TransactionView) error {
		if len(v.ListSpaces()) != 1 || len(v.ListProjects()) != 1 || len(v.ListExperiments()) != 1 {
			t.Fatalf("unexpected counts")
		}
		s, ok := v.FindSample(domain.SampleIdentifier{SpaceCode: "CISD", SampleCode: "S1"})
		if !ok || s.Experiment == nil || s.Experiment.ExperimentCode != "EXP1" {
			t.Fatalf("sample lookup mismatch: %+v %v", s, ok)
		}
		if s.ID == "" || s.CreatedAt.IsZero() {
			t.Fatalf("expected stamped base fields")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	_ = store.View(ctx, func(v TransactionView) error {
		if len(v.ListSamples()) != 0 {
			t.Fatalf("expected cleared state")
		}
		return nil
	})
	store.ImportState(snapshot)
	_ = store.View(ctx, func(v TransactionView) error {
		if len(v.ListSamples()) != 1 {
			t.Fatalf("expected restored state")
		}
		return nil
	})
	if store.DatabaseInstance().Code != "TEST" || store.DatabaseInstance().UUID == "" {
		t.Fatalf("unexpected instance %+v", store.DatabaseInstance())
	}
}

func TestStoreFailedTransactionLeavesStateUntouched(t *testing.T) {
	store := NewStore("", nil)
	seed(t, store)
	boom := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateDataSet(DataSet{NewExternalData: domain.NewExternalData{Code: "DS1"}}); err != nil {
			return err
		}
		tx.NextSequence("data_set_code")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	_ = store.View(context.Background(), func(v TransactionView) error {
		if _, ok := v.FindDataSet("DS1"); ok {
			t.Fatalf("data set leaked from failed transaction")
		}
		return nil
	})
	if store.ExportState().Sequences["data_set_code"] != 0 {
		t.Fatalf("sequence leaked from failed transaction")
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }
func (blockingRule) Evaluate(context.Context, TransactionView, []Change) (Result, error) {
	return Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock, Message: "no"}}}, nil
}

func TestStoreRuleViolation(t *testing.T) {
	engine := domain.NewRulesEngine()
	engine.Register(blockingRule{})
	store := NewStore("", engine)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateSpace(Space{Code: "X"})
		return e
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	_ = store.View(context.Background(), func(v TransactionView) error {
		if len(v.ListSpaces()) != 0 {
			t.Fatalf("blocked transaction committed")
		}
		return nil
	})
}

func TestStoreReferentialChecks(t *testing.T) {
	store := NewStore("", nil)
	seed(t, store)
	ctx := context.Background()
	cases := []func(tx domain.Transaction) error{
		func(tx domain.Transaction) error { _, err := tx.CreateProject(Project{SpaceCode: "NOPE", Code: "P"}); return err },
		func(tx domain.Transaction) error {
			_, err := tx.CreateExperiment(Experiment{SpaceCode: "CISD", ProjectCode: "NOPE", Code: "E"})
			return err
		},
		func(tx domain.Transaction) error {
			missing := domain.ExperimentIdentifier{SpaceCode: "CISD", ProjectCode: "NEMO", ExperimentCode: "NOPE"}
			_, err := tx.CreateSample(Sample{SpaceCode: "CISD", Code: "S2", Experiment: &missing})
			return err
		},
		func(tx domain.Transaction) error { return tx.DeleteDataSet("NOPE") },
	}
	for i, fn := range cases {
		_, err := store.RunInTransaction(ctx, fn)
		var nf domain.ErrNotFound
		if !errors.As(err, &nf) {
			t.Fatalf("case %d: expected not found, got %v", i, err)
		}
	}
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateSpace(Space{Code: "CISD"})
		return err
	})
	if err == nil {
		t.Fatalf("expected duplicate space error")
	}
}

func TestUpdateExperimentInvalidation(t *testing.T) {
	store := NewStore("", nil)
	seed(t, store)
	id := domain.ExperimentIdentifier{SpaceCode: "CISD", ProjectCode: "NEMO", ExperimentCode: "EXP1"}
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateExperiment(id, func(e *Experiment) error {
			e.Invalidation = &domain.Invalidation{Reason: "bad"}
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	_ = store.View(context.Background(), func(v TransactionView) error {
		e, _ := v.FindExperiment(id)
		if !e.IsInvalid() {
			t.Fatalf("expected invalidated experiment")
		}
		return nil
	})
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateExperiment(id, func(e *Experiment) error {
			e.Code = "OTHER"
			return nil
		})
		return err
	})
	if err == nil {
		t.Fatalf("expected immutable identifier error")
	}
}
