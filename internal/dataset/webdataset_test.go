package dataset

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainShard(t *testing.T, path string, pendingCap int) ([]Sample, error) {
	t.Helper()
	samplesCh, errCh := StreamShard(context.Background(), path, pendingCap)
	var samples []Sample
	for s := range samplesCh {
		samples = append(samples, s)
	}
	return samples, <-errCh
}

func TestStreamShardPairsEntries(t *testing.T) {
	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	writeShard(t, shard, map[string]pair{
		"000001": {image: filled(0.5, 2, 2, 1), mask: filled(1, 2, 2, 1)},
		"000002": {image: filled(0.25, 2, 2, 1), mask: filled(0, 2, 2, 1)},
	})

	samples, err := drainShard(t, shard, 4)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "000001", samples[0].Key)
	assert.Equal(t, []int{2, 2, 1}, samples[0].Mask.Shape)
	assert.Equal(t, 0.25, samples[1].Image.Data[0])
}

func TestStreamShardIncomplete(t *testing.T) {
	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	writeShard(t, shard, map[string]pair{
		"lonely": {image: filled(0.5, 2, 2, 1)},
	})

	samples, err := drainShard(t, shard, 4)
	assert.Empty(t, samples)
	assert.ErrorContains(t, err, "1 samples incomplete")
}

func TestStreamShardPendingOverflow(t *testing.T) {
	shard := filepath.Join(t.TempDir(), "shard-000000.tar")
	writeShard(t, shard, map[string]pair{
		"a": {image: filled(0.5, 1, 1)},
		"b": {image: filled(0.5, 1, 1)},
		"c": {image: filled(0.5, 1, 1)},
	})

	_, err := drainShard(t, shard, 2)
	assert.ErrorIs(t, err, ErrPendingOverflow)
}

func TestStreamShardMissingFile(t *testing.T) {
	_, err := drainShard(t, filepath.Join(t.TempDir(), "missing.tar"), 1)
	assert.ErrorContains(t, err, "open shard")
}
