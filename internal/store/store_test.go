package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segbench/internal/metrics"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), DataFileName))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	start := time.UnixMilli(1_700_000_000_000).UTC()

	require.NoError(t, s.CreateRun(ctx, Run{ID: "r1", Model: "unet.onnx", Precision: "FP32", Smooth: 1e-4, StartedAt: start}))
	require.NoError(t, s.AddScore(ctx, Score{RunID: "r1", Key: "b", Dice: 0.5, SoftDice: 0.4}))
	require.NoError(t, s.AddScore(ctx, Score{RunID: "r1", Key: "a", Dice: 0.9, SoftDice: 0.8, Report: "a.html"}))
	err := s.AddScore(ctx, Score{RunID: "r1", Key: "b", Dice: 0.6, SoftDice: 0.5})
	assert.ErrorIs(t, err, ErrDuplicateScore)

	running, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, running.Status)

	sum := metrics.Summary{Count: 2, MeanDice: 0.7, MinDice: 0.5, MaxDice: 0.9, MeanSoftDice: 0.6}
	require.NoError(t, s.FinishRun(ctx, "r1", sum, start.Add(time.Minute)))

	run, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, start, run.StartedAt)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, StatusFinished, run.Status)
	assert.Empty(t, run.Error)
	assert.Equal(t, sum, run.Summary)

	scores, err := s.ListScores(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, "a", scores[0].Key)
	assert.Equal(t, "a.html", scores[0].Report)
	assert.Equal(t, 0.5, scores[1].Dice)
}

func TestFailRunKeepsPartialSummary(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, Run{ID: "r1", Model: "m", Precision: "FP32", Smooth: 1e-4, StartedAt: time.Now()}))
	require.NoError(t, s.AddScore(ctx, Score{RunID: "r1", Key: "a", Dice: 0.9, SoftDice: 0.8}))

	sum := metrics.Summary{Count: 1, MeanDice: 0.9, MinDice: 0.9, MaxDice: 0.9, MeanSoftDice: 0.8}
	require.NoError(t, s.FailRun(ctx, "r1", sum, time.Now(), errors.New("shard 3: truncated")))

	run, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "shard 3: truncated", run.Error)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, sum, run.Summary)

	assert.ErrorIs(t, s.FailRun(ctx, "missing", sum, time.Now(), nil), ErrNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Now()
	require.NoError(t, s.CreateRun(ctx, Run{ID: "old", Model: "m", Precision: "FP32", Smooth: 1, StartedAt: base}))
	require.NoError(t, s.CreateRun(ctx, Run{ID: "new", Model: "m", Precision: "FP16", Smooth: 1, StartedAt: base.Add(time.Hour)}))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)
	assert.Nil(t, runs[0].FinishedAt)
}

func TestNotFound(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	_, err := s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.FinishRun(ctx, "missing", metrics.Summary{}, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	scores, err := s.ListScores(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
