package validation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"datastore/pkg/domain"
)

func dataset(t *testing.T, files map[string]int) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "DS")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, size := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(strings.Repeat("x", size)), 0o644))
	}
	return dir
}

func TestRegistryPassesMatchingDataset(t *testing.T) {
	r, err := New([]RuleConfig{{DataSetType: "HCS_.*", RequiredFiles: []string{"*.tif", "meta/plate.csv"}, MaxTotalSize: "1 KB", NonEmpty: true}})
	require.NoError(t, err)
	dir := dataset(t, map[string]int{"img/a1.tif": 10, "meta/plate.csv": 5})
	require.NoError(t, r.Validate(context.Background(), "hcs_image", dir))
}

func TestRegistryRecursiveGlobs(t *testing.T) {
	r, err := New([]RuleConfig{{RequiredFiles: []string{"**/*.xml", "plate/*/meta.xml", "*.xml"}}})
	require.NoError(t, err)
	dir := dataset(t, map[string]int{"plate/well/meta.xml": 3})
	require.NoError(t, r.Validate(context.Background(), "HCS_IMAGE", dir))

	r, err = New([]RuleConfig{{RequiredFiles: []string{"plate/*.xml"}}})
	require.NoError(t, err)
	err = r.Validate(context.Background(), "HCS_IMAGE", dir)
	require.ErrorContains(t, err, "missing-file: plate/*.xml", "a single star stays within one directory")
}

func TestRegistryReportsEveryFailure(t *testing.T) {
	r, err := New([]RuleConfig{
		{DataSetType: "HCS_.*", RequiredFiles: []string{"*.tif"}, MaxTotalSize: "100 B"},
		{NonEmpty: true},
	})
	require.NoError(t, err)
	dir := dataset(t, map[string]int{"big.bin": 200})

	err = r.Validate(context.Background(), "HCS_IMAGE", dir)
	require.True(t, domain.UserError.Has(err))
	require.Contains(t, err.Error(), "missing-file: *.tif")
	require.Contains(t, err.Error(), "size-exceeded: total size 200 B exceeds 100 B")
	require.NotContains(t, err.Error(), CodeEmpty)

	empty := dataset(t, nil)
	err = r.Validate(context.Background(), "RAW", empty)
	require.ErrorContains(t, err, "empty: data set contains no files")
}

func TestRegistrySkipsUnmatchedTypes(t *testing.T) {
	r, err := New([]RuleConfig{{DataSetType: "HCS_IMAGE", NonEmpty: true}})
	require.NoError(t, err)
	require.NoError(t, r.Validate(context.Background(), "HCS_IMAGE_OVERVIEW", dataset(t, nil)))
}

func TestRegistryMissingIncoming(t *testing.T) {
	r, err := New([]RuleConfig{{NonEmpty: true}})
	require.NoError(t, err)
	err = r.Validate(context.Background(), "RAW", filepath.Join(t.TempDir(), "gone"))
	require.True(t, domain.EnvironmentError.Has(err))
}

func TestNewRejectsBadConfig(t *testing.T) {
	for _, cfg := range []RuleConfig{
		{DataSetType: "("},
		{RequiredFiles: []string{"[unterminated"}},
		{MaxTotalSize: "lots"},
	} {
		_, err := New([]RuleConfig{cfg})
		require.True(t, domain.ConfigurationError.Has(err), "%+v", cfg)
	}
}
