package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverShardsBasic(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "shard-000000.tar"))
	mustWrite(t, filepath.Join(dir, "nested", "shard-000001.tar"))
	mustWrite(t, filepath.Join(dir, "ignore.txt"))
	mustWrite(t, filepath.Join(dir, "shard-1.tar"))

	shards, err := DiscoverShards(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "nested", "shard-000001.tar"),
		filepath.Join(dir, "shard-000000.tar"),
	}, shards)
}

func TestDiscoverFilesMergesRoots(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()
	mustWrite(t, filepath.Join(a, "shard-000000.tar"))
	mustWrite(t, filepath.Join(b, "shard-000001.tar"))

	files, err := DiscoverFiles(a, b, a, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestDiscoverShardsMissingRoot(t *testing.T) {
	_, err := DiscoverShards(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
}
