package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"datastore/internal/config"
	"datastore/internal/incoming"
	"datastore/pkg/domain"
)

const seedYAML = `
spaces: [CISD]
projects: [/CISD/NEMO]
experiments:
  - identifier: /CISD/NEMO/EXP1
samples:
  - identifier: /CISD/S1
    experiment: /CISD/NEMO/EXP1
data-set-types: [HCS_IMAGE]
`

type env struct {
	dir      string
	incoming string
	store    string
	config   string
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	e := env{
		dir:      dir,
		incoming: filepath.Join(dir, "incoming"),
		store:    filepath.Join(dir, "store"),
		config:   filepath.Join(dir, "dss.yaml"),
	}
	require.NoError(t, os.MkdirAll(e.incoming, 0o755))
	seed := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(seedYAML), 0o644))
	body := fmt.Sprintf(`
data-store-code: dss1
storeroot-dir: %s
logging:
  level: warn
server:
  listen: 127.0.0.1:0
  store: memory
  seed-file: %s
  users:
    etl: secret
client:
  user: etl
  password: secret
threads:
  - name: images
    incoming-dir: %s
    scan-interval: 50ms
    debounce: 10ms
    type-extractor:
      data-set-type: HCS_IMAGE
    data-set-info-extractor:
      space-code: CISD
`, e.store, seed, e.incoming)
	require.NoError(t, os.WriteFile(e.config, []byte(body), 0o644))
	return e
}

func (e env) drop(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(e.incoming, name)
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "image.tif"), []byte("pixels"), 0o644))
	return path
}

func (e env) stored(name string) []string {
	matches, _ := filepath.Glob(filepath.Join(e.store, "identified", "Instance_DSS", "Space_CISD", "Project_NEMO",
		"Experiment_EXP1", "DataSetType_HCS_IMAGE", "Sample_S1", "*", "original", name))
	return matches
}

func execute(ctx context.Context, args ...string) (string, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(context.Background(), "version")
	require.NoError(t, err)
	require.Equal(t, "datastore dev (commit none)\n", out)
}

func TestRegisterWithEmbeddedServer(t *testing.T) {
	e := newEnv(t)
	path := e.drop(t, "data1.s1")

	out, err := execute(context.Background(), "--config", e.config, "register", "--embedded-server", path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "IDENTIFIED\t"), out)
	require.Len(t, e.stored("data1.s1"), 1)
	require.NoDirExists(t, path)
}

func TestRegisterFilesUnidentified(t *testing.T) {
	e := newEnv(t)
	path := e.drop(t, "data2.unknown")

	out, err := execute(context.Background(), "--config", e.config, "register", "--embedded-server", path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "UNIDENTIFIED\t"), out)
	require.DirExists(t, filepath.Join(e.store, "unidentified", "DataSetType_HCS_IMAGE", "data2.unknown"))
}

func TestRegisterRejectsMissingPath(t *testing.T) {
	e := newEnv(t)
	_, err := execute(context.Background(), "--config", e.config, "register", filepath.Join(e.dir, "absent"))
	require.True(t, domain.UserError.Has(err))
	require.Equal(t, 1, exitCode(err))
}

func TestRegisterUnknownThread(t *testing.T) {
	e := newEnv(t)
	_, err := execute(context.Background(), "--config", e.config, "register", "--thread", "nope", e.drop(t, "x.s1"))
	require.True(t, domain.ConfigurationError.Has(err))
	require.Equal(t, 2, exitCode(err))
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(context.Background(), "--config", filepath.Join(t.TempDir(), "absent.yaml"), "run")
	require.True(t, domain.ConfigurationError.Has(err))
}

func TestServerFlagsOverrideConfig(t *testing.T) {
	e := newEnv(t)
	root := newRootCmd()
	cmd, _, err := root.Find([]string{"server"})
	require.NoError(t, err)
	require.NoError(t, cmd.Flags().Set("store", "sqlite"))
	require.NoError(t, cmd.Flags().Set("dsn", filepath.Join(e.dir, "registry.db")))

	a := &app{cfgFile: e.config}
	require.NoError(t, a.load(cmd))
	require.Equal(t, "sqlite", a.cfg.Server.Store)
	require.Equal(t, filepath.Join(e.dir, "registry.db"), a.cfg.Server.DSN)
	require.Equal(t, "127.0.0.1:0", a.cfg.Server.Listen, "unset flags keep the file value")
}

func TestRunRegistersDroppedItems(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := execute(ctx, "--config", e.config, "run", "--embedded-server")
		done <- err
	}()

	e.drop(t, "data1.s1")
	require.NoError(t, os.WriteFile(filepath.Join(e.incoming, incoming.MarkerPrefix+"data1.s1"), nil, 0o644))
	require.Eventually(t, func() bool { return len(e.stored("data1.s1")) == 1 }, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not stop")
	}
	require.NoFileExists(t, filepath.Join(e.incoming, incoming.MarkerPrefix+"data1.s1"))
}

func TestFindThread(t *testing.T) {
	cfg := config.Config{Threads: []config.ThreadConfig{{Name: "a"}, {Name: "b"}}}
	first, err := findThread(cfg, "")
	require.NoError(t, err)
	require.Equal(t, "a", first.Name)
	b, err := findThread(cfg, "b")
	require.NoError(t, err)
	require.Equal(t, "b", b.Name)
	_, err = findThread(config.Config{}, "")
	require.True(t, domain.ConfigurationError.Has(err))
}

func TestExitCode(t *testing.T) {
	require.Equal(t, 2, exitCode(domain.ConfigurationError.New("bad")))
	require.Equal(t, 1, exitCode(errors.New("boom")))
}
