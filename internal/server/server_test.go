package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segbench/internal/metrics"
	"segbench/internal/store"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func fixture(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, store.DataFileName))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.CreateRun(ctx, store.Run{ID: "r1", Model: "unet", Precision: "FP32", Smooth: 1e-4, StartedAt: time.Now()}))
	require.NoError(t, db.AddScore(ctx, store.Score{RunID: "r1", Key: "case1", Dice: 0.8, SoftDice: 0.7}))
	require.NoError(t, db.FinishRun(ctx, "r1", metrics.Summary{Count: 1, MeanDice: 0.8, MinDice: 0.8, MaxDice: 0.8, MeanSoftDice: 0.7}, time.Now()))

	reports := filepath.Join(dir, "reports")
	require.NoError(t, os.MkdirAll(reports, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(reports, "case1.html"), []byte("<html>case1</html>"), 0o644))

	return NewRouter(db, reports), reports
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestListRuns(t *testing.T) {
	r, _ := fixture(t)
	w := get(r, "/api/runs")
	require.Equal(t, http.StatusOK, w.Code)

	var runs []store.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, 0.8, runs[0].Summary.MeanDice)
}

func TestGetRun(t *testing.T) {
	r, _ := fixture(t)
	w := get(r, "/api/runs/r1")
	require.Equal(t, http.StatusOK, w.Code)

	var detail runDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, "r1", detail.Run.ID)
	require.Len(t, detail.Scores, 1)
	assert.Equal(t, "case1", detail.Scores[0].Key)

	assert.Equal(t, http.StatusNotFound, get(r, "/api/runs/nope").Code)
}

func TestReportsAndHealth(t *testing.T) {
	r, _ := fixture(t)
	w := get(r, "/reports/case1.html")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "case1")

	assert.Equal(t, http.StatusOK, get(r, "/healthz").Code)
}
