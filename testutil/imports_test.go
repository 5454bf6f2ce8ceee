package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeGo(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestImportsSkipsTestFiles(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "a.go", "package x\n\nimport (\n\t\"fmt\"\n\t\"datastore/pkg/domain\"\n)\n\nvar _ = fmt.Sprint\nvar _ domain.ErrorCategory\n")
	writeGo(t, dir, "b.go", "package x\n\nimport \"fmt\"\n")
	writeGo(t, dir, "a_test.go", "package x\n\nimport \"datastore/internal/server\"\n")

	got, err := Imports(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"datastore/pkg/domain", "fmt"}, got)
}

func TestViolations(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "a.go", "package x\n\nimport (\n\t\"datastore/internal/server\"\n\t\"datastore/internal/serverless\"\n\t\"datastore/internal/storage/fs\"\n\t\"strings\"\n)\n")

	bad, err := Violations(dir, Package("internal/server"))
	require.NoError(t, err)
	require.Equal(t, []string{"datastore/internal/server"}, bad)

	bad, err = Violations(dir, Internal)
	require.NoError(t, err)
	require.Len(t, bad, 3)

	bad, err = Violations(dir, Package("/internal/storage/"))
	require.NoError(t, err)
	require.Equal(t, []string{"datastore/internal/storage/fs"}, bad)
}

func TestImportsMissingDir(t *testing.T) {
	_, err := Imports(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestImportsParseError(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "broken.go", "package x\nimport (\n")
	_, err := Violations(dir, Internal)
	require.Error(t, err)
}
