package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"segbench/internal/store"
)

const (
	shutdownWait   = 5 * time.Second
	requestTimeout = 30 * time.Second
)

// RunReader is the read side of the results store.
type RunReader interface {
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListScores(ctx context.Context, runID string) ([]store.Score, error)
}

type runDetail struct {
	Run    *store.Run    `json:"run"`
	Scores []store.Score `json:"scores"`
}

// NewRouter wires the report API and serves rendered pages from reportDir.
func NewRouter(runs RunReader, reportDir string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.GET("/runs", func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		list, err := runs.ListRuns(c.Request.Context(), limit)
		if err != nil {
			slog.Error("list runs", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
			return
		}
		c.JSON(http.StatusOK, list)
	})
	api.GET("/runs/:id", func(c *gin.Context) {
		id := c.Param("id")
		run, err := runs.GetRun(c.Request.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		if err != nil {
			slog.Error("get run", "id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
			return
		}
		scores, err := runs.ListScores(c.Request.Context(), id)
		if err != nil {
			slog.Error("list scores", "id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load scores"})
			return
		}
		c.JSON(http.StatusOK, runDetail{Run: run, Scores: scores})
	})

	if reportDir != "" {
		r.Static("/reports", reportDir)
	}
	return r
}

// Serve runs the HTTP server until ctx is canceled.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	s := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: requestTimeout,
		WriteTimeout:      requestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}
