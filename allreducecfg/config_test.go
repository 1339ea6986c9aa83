package allreducecfg_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vtgo/allreduce/allreducecfg"
)

func TestDefaultMatchesDocumentedConstants(t *testing.T) {
	cfg := allreducecfg.Default()
	require.Equal(t, allreducecfg.DefaultThreshold, cfg.Threshold)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFileOverridesDefaultsPartially(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allreduce.toml")
	require.NoError(t, os.WriteFile(path, []byte("Threshold = 512\n"), 0o644))

	cfg, err := allreducecfg.LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 512, cfg.Threshold)
	require.Equal(t, allreducecfg.Default().CompressAbove, cfg.CompressAbove, "unset fields keep their default")
}

func TestLoadFileRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allreduce.toml")
	require.NoError(t, os.WriteFile(path, []byte("NotAField = 1\n"), 0o644))

	_, err := allreducecfg.LoadFile(path)
	require.Error(t, err)
}

func TestLoadFileMissingPath(t *testing.T) {
	_, err := allreducecfg.LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
