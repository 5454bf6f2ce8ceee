package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	require.True(t, Error.Has(err))
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dss.log")
	log, err := New(Config{Level: "debug", Encoding: "json", Output: []string{path}})
	require.NoError(t, err)
	require.True(t, log.Core().Enabled(zapcore.DebugLevel))
	log.Info("hello")
	require.NoError(t, log.Sync())
	require.FileExists(t, path)
}

func TestSplitNamesCategories(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	loggers := Split(zap.New(core)).Named("hcs")
	loggers.Operation.Info("stored")
	loggers.Notify.Error("failed")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, OperationCategory, entries[0].LoggerName)
	require.Equal(t, NotifyCategory, entries[1].LoggerName)
	require.Equal(t, "hcs", entries[0].ContextMap()["thread"])

	nop := Split(nil)
	nop.Operation.Info("discarded")
}
