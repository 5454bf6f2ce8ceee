package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"datastore/internal/blob"
	"datastore/internal/extractor"
	"datastore/pkg/domain"
)

var ctx = context.Background()

func types(dataSetType string) extractor.TypeExtractor {
	return extractor.NewSimpleTypeExtractor(extractor.TypeConfig{DataSetType: dataSetType})
}

// fixture creates <tmp>/incoming/<name> holding two files and returns the
// incoming path and a fresh store directory.
func fixture(t *testing.T, name string) (string, string) {
	t.Helper()
	tmp := t.TempDir()
	incoming := filepath.Join(tmp, "incoming", name)
	require.NoError(t, os.MkdirAll(filepath.Join(incoming, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(incoming, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(incoming, "sub", "b.txt"), []byte("bravo!"), 0o644))
	return incoming, filepath.Join(tmp, "store", "identified", "DS-1")
}

func info(code string) domain.DataSetInformation {
	return domain.DataSetInformation{DataSetCode: code}
}

type stubProcessor struct {
	storeErr  error
	commits   int
	rollbacks int
}

func (s *stubProcessor) StoreData(_ context.Context, _ domain.DataSetInformation, _ extractor.TypeExtractor, _, rootDir string) (string, error) {
	return rootDir, s.storeErr
}
func (s *stubProcessor) Commit(context.Context, string, string) error { s.commits++; return nil }
func (s *stubProcessor) Rollback(context.Context, string, string, error) (UnstoreAction, error) {
	s.rollbacks++
	return Delete, nil
}
func (s *stubProcessor) ProprietaryData(string) (string, bool) { return "", false }
func (s *stubProcessor) StorageFormat() domain.StorageFormat  { return domain.StorageFormatProprietary }

func TestTransactionStateMachine(t *testing.T) {
	stub := &stubProcessor{}
	tx := NewTransaction(stub)
	require.Equal(t, Unstored, tx.State())

	require.EqualError(t, tx.Commit(ctx), "Transaction has not been started!")
	_, err := tx.Rollback(ctx, nil)
	require.EqualError(t, err, "Transaction has not been started!")

	_, err = tx.StoreData(ctx, info("X"), types("T"), "/in/x", "/store/x")
	require.NoError(t, err)
	require.Equal(t, Stored, tx.State())
	require.Equal(t, "/store/x", tx.StoredDir())

	_, err = tx.StoreData(ctx, info("Y"), types("T"), "/in/y", "/store/y")
	require.EqualError(t, err, "Previous storage operation has neither been commited not rollbacked!")
	require.ErrorIs(t, err, ErrNotFinished)

	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, Committed, tx.State())
	require.Error(t, tx.Commit(ctx))
	_, err = tx.Rollback(ctx, nil)
	require.Error(t, err)
	require.Equal(t, 1, stub.commits)
	require.Zero(t, stub.rollbacks)

	_, err = tx.StoreData(ctx, info("Y"), types("T"), "/in/y", "/store/y")
	require.NoError(t, err)
	action, err := tx.Rollback(ctx, errors.New("boom"))
	require.NoError(t, err)
	require.Equal(t, Delete, action)
	require.Equal(t, RolledBack, tx.State())
	_, err = tx.Rollback(ctx, nil)
	require.Error(t, err)
	require.Equal(t, 1, stub.rollbacks)
}

func TestTransactionFailedStoreStaysUnstored(t *testing.T) {
	tx := NewTransaction(&stubProcessor{storeErr: errors.New("disk full")})
	_, err := tx.StoreData(ctx, info("X"), types("T"), "/in", "/root")
	require.EqualError(t, err, "disk full")
	require.Equal(t, Unstored, tx.State())
	require.ErrorIs(t, tx.Commit(ctx), ErrNotStarted)
}

func TestTransactionProcessorCallsNeverExceedOne(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		stub := &stubProcessor{}
		tx := NewTransaction(stub)
		ops := rapid.SliceOf(rapid.SampledFrom([]string{"store", "commit", "rollback"})).Draw(t, "ops")
		stores := 0
		for _, op := range ops {
			switch op {
			case "store":
				if _, err := tx.StoreData(ctx, info("X"), nil, "/in", "/root"); err == nil {
					stores++
				}
			case "commit":
				_ = tx.Commit(ctx)
			case "rollback":
				_, _ = tx.Rollback(ctx, nil)
			}
		}
		if stub.commits+stub.rollbacks > stores {
			t.Fatalf("%d finishes for %d stores", stub.commits+stub.rollbacks, stores)
		}
		if tx.State() == Stored && stub.commits+stub.rollbacks != stores-1 {
			t.Fatalf("open transaction with %d finishes for %d stores", stub.commits+stub.rollbacks, stores)
		}
	})
}

func TestParseUnstoreAction(t *testing.T) {
	for in, want := range map[string]UnstoreAction{"": MoveToError, "delete": Delete, "LEAVE_UNTOUCHED": LeaveUntouched, " move_to_error ": MoveToError} {
		got, err := ParseUnstoreAction(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseUnstoreAction("shred")
	require.True(t, domain.ConfigurationError.Has(err))
}

func TestDefaultProcessorStoreAndRollback(t *testing.T) {
	incoming, root := fixture(t, "S1")
	p := NewDefaultProcessor(nil, "")

	storedDir, err := p.StoreData(ctx, info("DS-1"), types("T"), incoming, root)
	require.NoError(t, err)
	require.Equal(t, root, storedDir)
	require.NoDirExists(t, incoming)
	require.FileExists(t, filepath.Join(root, OriginalDir, "S1", "sub", "b.txt"))
	data, ok := p.ProprietaryData(storedDir)
	require.True(t, ok)
	require.Equal(t, filepath.Join(root, OriginalDir, "S1"), data)

	action, err := p.Rollback(ctx, incoming, storedDir, errors.New("remote down"))
	require.NoError(t, err)
	require.Equal(t, MoveToError, action)
	require.FileExists(t, filepath.Join(incoming, "a.txt"))
	require.NoDirExists(t, root)
}

func TestDefaultProcessorMissingIncoming(t *testing.T) {
	_, root := fixture(t, "S1")
	p := NewDefaultProcessor(nil, Delete)
	_, err := p.StoreData(ctx, info("DS-1"), types("T"), filepath.Join(t.TempDir(), "gone"), root)
	require.True(t, domain.EnvironmentError.Has(err))
	require.NoDirExists(t, root, "partially created store directory is removed")
}

func TestContainerProcessor(t *testing.T) {
	incoming, root := fixture(t, "S1")
	p := NewContainerProcessor(NewDefaultProcessor(nil, ""), nil)
	require.Equal(t, domain.StorageFormatContainer, p.StorageFormat())

	storedDir, err := p.StoreData(ctx, info("DS-1"), types("T"), incoming, root)
	require.NoError(t, err)
	container, ok := p.ProprietaryData(storedDir)
	require.True(t, ok)
	require.Equal(t, filepath.Join(root, OriginalDir, "S1"+ContainerSuffix), container)
	require.NoError(t, VerifyContainer(storedDir))

	m, err := ReadManifest(storedDir)
	require.NoError(t, err)
	require.Equal(t, "DS-1", m.DataSetCode)
	require.ElementsMatch(t, []ManifestEntry{{Path: "S1/a.txt", Size: 5}, {Path: "S1/sub/b.txt", Size: 6}}, m.Files)

	out := t.TempDir()
	require.NoError(t, ExtractContainer(container, out))
	got, err := os.ReadFile(filepath.Join(out, "S1", "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "bravo!", string(got))

	require.NoError(t, p.Commit(ctx, incoming, storedDir))
	require.NoDirExists(t, filepath.Join(root, OriginalDir, "S1"))
	require.FileExists(t, container)
}

func TestContainerProcessorRollbackRestoresIncoming(t *testing.T) {
	incoming, root := fixture(t, "S1")
	p := NewContainerProcessor(NewDefaultProcessor(nil, ""), nil)
	storedDir, err := p.StoreData(ctx, info("DS-1"), types("T"), incoming, root)
	require.NoError(t, err)

	_, err = p.Rollback(ctx, incoming, storedDir, nil)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(incoming, "sub", "b.txt"))
	require.NoDirExists(t, root)
}

func TestVerifyContainerDetectsTampering(t *testing.T) {
	incoming, root := fixture(t, "S1")
	p := NewContainerProcessor(NewDefaultProcessor(nil, ""), nil)
	storedDir, err := p.StoreData(ctx, info("DS-1"), types("T"), incoming, root)
	require.NoError(t, err)
	container, _ := p.ProprietaryData(storedDir)
	f, err := os.OpenFile(container, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("junk")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.ErrorContains(t, VerifyContainer(storedDir), "checksum mismatch")
}

func TestDropboxProcessorCopiesOnCommit(t *testing.T) {
	incoming, root := fixture(t, "S1")
	dropbox := t.TempDir()
	p := NewDropboxProcessor(NewDefaultProcessor(nil, ""), dropbox, nil)

	storedDir, err := p.StoreData(ctx, info("DS-1"), types("T"), incoming, root)
	require.NoError(t, err)
	require.NoError(t, p.Commit(ctx, incoming, storedDir))
	require.FileExists(t, filepath.Join(dropbox, "DS-1_S1", "sub", "b.txt"))
	require.FileExists(t, filepath.Join(root, OriginalDir, "S1", "a.txt"))
}

func TestDropboxProcessorCopyFailureOnlyLogs(t *testing.T) {
	incoming, root := fixture(t, "S1")
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	core, logs := observer.New(zapcore.InfoLevel)
	p := NewDropboxProcessor(NewDefaultProcessor(nil, ""), blocker, zap.New(core))

	storedDir, err := p.StoreData(ctx, info("DS-1"), types("T"), incoming, root)
	require.NoError(t, err)
	require.NoError(t, p.Commit(ctx, incoming, storedDir))
	require.Equal(t, 1, logs.FilterMessage("copy into dropbox failed").Len())
}

func TestDispatcherProcessorRoutesByType(t *testing.T) {
	routes := []Route{{Pattern: regexpMust(t, "^HCS_"), Processor: NewContainerProcessor(NewDefaultProcessor(nil, ""), nil)}}
	p := NewDispatcherProcessor(routes, NewDefaultProcessor(nil, ""))

	incoming, root := fixture(t, "plate")
	tx := NewTransaction(p)
	storedDir, err := tx.StoreData(ctx, info("DS-1"), types("hcs_image"), incoming, root)
	require.NoError(t, err)
	require.Equal(t, domain.StorageFormatContainer, tx.StorageFormat())
	require.NoError(t, tx.Commit(ctx))
	require.FileExists(t, filepath.Join(storedDir, OriginalDir, "plate"+ContainerSuffix))

	incoming, root = fixture(t, "raw")
	tx = NewTransaction(p)
	_, err = tx.StoreData(ctx, info("DS-2"), types("raw_data"), incoming, root)
	require.NoError(t, err)
	require.Equal(t, domain.StorageFormatProprietary, tx.StorageFormat())
	_, err = tx.Rollback(ctx, nil)
	require.NoError(t, err)
	require.DirExists(t, incoming)
}

func TestDispatcherRollbackAfterFailedStoreUsesRoute(t *testing.T) {
	routed := &stubProcessor{storeErr: domain.EnvironmentError.New("disk full")}
	fallback := NewDefaultProcessor(nil, MoveToError)
	p := NewDispatcherProcessor([]Route{{Pattern: regexpMust(t, "^HCS.*"), Processor: routed}}, fallback)

	incoming, root := fixture(t, "plate")
	_, err := p.StoreData(ctx, info("DS-1"), types("HCS_IMAGE"), incoming, root)
	require.Error(t, err)

	action, err := p.Rollback(ctx, incoming, root, err)
	require.NoError(t, err)
	require.Equal(t, Delete, action, "the routed processor decides the unstore action")
	require.Equal(t, 1, routed.rollbacks)
	require.DirExists(t, incoming)
}

func TestBlobProcessorUploadsAndRollsBack(t *testing.T) {
	store := blob.NewMemory()
	incoming, root := fixture(t, "S1")
	p := NewBlobProcessor(NewDefaultProcessor(nil, ""), store, nil)

	storedDir, err := p.StoreData(ctx, info("DS-1"), types("T"), incoming, root)
	require.NoError(t, err)
	objects, err := store.List(ctx, "DS-1/")
	require.NoError(t, err)
	var keys []string
	for _, o := range objects {
		keys = append(keys, o.Key)
		require.Equal(t, "DS-1", o.Metadata["data-set-code"])
	}
	require.ElementsMatch(t, []string{"DS-1/original/S1/a.txt", "DS-1/original/S1/sub/b.txt"}, keys)

	_, err = p.Rollback(ctx, incoming, storedDir, nil)
	require.NoError(t, err)
	objects, err = store.List(ctx, "DS-1/")
	require.NoError(t, err)
	require.Empty(t, objects)
	require.DirExists(t, incoming)
}

func TestBlobProcessorUploadFailureRestoresIncoming(t *testing.T) {
	store := blob.NewMemory()
	_, err := store.Put(ctx, "DS-1/original/S1/sub/b.txt", strings.NewReader("taken"), blob.PutOptions{})
	require.NoError(t, err)
	incoming, root := fixture(t, "S1")
	p := NewBlobProcessor(NewDefaultProcessor(nil, ""), store, nil)

	_, err = p.StoreData(ctx, info("DS-1"), types("T"), incoming, root)
	require.True(t, domain.EnvironmentError.Has(err))
	require.DirExists(t, incoming)
	_, err = store.Head(ctx, "DS-1/original/S1/a.txt")
	require.ErrorIs(t, err, blob.ErrNotFound)
}

func TestFactory(t *testing.T) {
	p, err := New(ctx, Config{}, Deps{})
	require.NoError(t, err)
	require.IsType(t, &DefaultProcessor{}, p)

	p, err = New(ctx, Config{Kind: "dropbox", DropboxDir: t.TempDir(), Delegate: &Config{Kind: "container"}}, Deps{})
	require.NoError(t, err)
	require.Equal(t, domain.StorageFormatContainer, p.StorageFormat())

	p, err = New(ctx, Config{
		Kind:   "dispatcher",
		Routes: []RouteConfig{{DataSetType: "^IMG", Processor: Config{Kind: "blob", Blob: blob.Config{Driver: blob.DriverMemory}}}},
	}, Deps{})
	require.NoError(t, err)
	require.IsType(t, &DispatcherProcessor{}, p)

	p, err = New(ctx, Config{Kind: "container", UnstoreAction: "leave_untouched"}, Deps{})
	require.NoError(t, err)
	incoming, root := fixture(t, "S1")
	storedDir, err := p.StoreData(ctx, info("DS-1"), types("T"), incoming, root)
	require.NoError(t, err)
	action, err := p.Rollback(ctx, incoming, storedDir, nil)
	require.NoError(t, err)
	require.Equal(t, LeaveUntouched, action)

	for _, bad := range []Config{
		{Kind: "tape"},
		{Kind: "dropbox"},
		{Kind: "dispatcher", Routes: []RouteConfig{{DataSetType: "("}}},
		{UnstoreAction: "shred"},
		{Kind: "container", Delegate: &Config{Kind: "tape"}},
	} {
		_, err := New(ctx, bad, Deps{})
		require.True(t, domain.ConfigurationError.Has(err), "%+v", bad)
	}
}

func TestMoveAndUniquePath(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	dst := filepath.Join(dir, "deep", "dst")
	require.NoError(t, Move(src, dst))
	require.FileExists(t, dst)
	require.NoFileExists(t, src)

	require.NoError(t, os.WriteFile(src, []byte("y"), 0o644))
	require.Error(t, Move(src, dst), "existing target is never overwritten")

	require.Equal(t, dst+"_1", UniquePath(dst))
	require.Equal(t, filepath.Join(dir, "free"), UniquePath(filepath.Join(dir, "free")))

	size, err := TreeSize(dir)
	require.NoError(t, err)
	require.Equal(t, int64(2), size)
}

func regexpMust(t *testing.T, pattern string) *regexp.Regexp {
	t.Helper()
	re, err := regexp.Compile(pattern)
	require.NoError(t, err)
	return re
}

func TestCopyTreeKeepsSymlinks(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "plate", "well"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "plate", "well", "a.tif"), []byte("abc"), 0o640))
	require.NoError(t, os.Symlink("plate/well/a.tif", filepath.Join(src, "latest")))

	dst := filepath.Join(dir, "dst")
	require.NoError(t, CopyTree(src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "plate", "well", "a.tif"))
	require.NoError(t, err)
	require.Equal(t, "abc", string(data))

	fi, err := os.Lstat(filepath.Join(dst, "latest"))
	require.NoError(t, err)
	require.NotZero(t, fi.Mode()&os.ModeSymlink, "symlink is recreated, not followed")
	link, err := os.Readlink(filepath.Join(dst, "latest"))
	require.NoError(t, err)
	require.Equal(t, "plate/well/a.tif", link)
	require.FileExists(t, filepath.Join(src, "plate", "well", "a.tif"), "source is left in place")
}

func TestTransactionProprietaryData(t *testing.T) {
	incoming, root := fixture(t, "S1")
	tx := NewTransaction(NewDefaultProcessor(nil, ""))
	_, ok := tx.ProprietaryData()
	require.False(t, ok, "nothing stored yet")

	storedDir, err := tx.StoreData(ctx, info("DS-1"), types("T"), incoming, root)
	require.NoError(t, err)
	data, ok := tx.ProprietaryData()
	require.True(t, ok)
	require.Equal(t, filepath.Join(storedDir, OriginalDir, "S1"), data)
	size, err := TreeSize(data)
	require.NoError(t, err)
	require.Equal(t, int64(11), size)
}
