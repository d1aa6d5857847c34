package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	seq, ok, err := s.Load()
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, uint64(0), seq)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Save(42))
	seq, ok, err := s.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), seq)

	// Overwrites replace, not append.
	require.NoError(t, s.Save(7))
	seq, ok, err = s.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), seq)
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint"), []byte("garbage"), 0644))
	_, _, err := s.Load()
	require.Error(t, err)
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, s.Save(1))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "checkpoint", entries[0].Name())
}

func TestSaveIntoMissingDirFails(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, s.Save(1))
}
