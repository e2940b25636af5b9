package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorgonia.org/tensor"

	"segbench/internal/dataset"
	"segbench/internal/metrics"
	"segbench/internal/model"
	"segbench/internal/render"
	"segbench/internal/store"
	"segbench/internal/volume"
)

const defaultInputName = "input"

// ErrDuplicateKey indicates two samples of one pass share a key.
var ErrDuplicateKey = errors.New("evaluator: duplicate sample key")

// BatchSource yields one pass of batches per call.
type BatchSource interface {
	Batches(ctx context.Context) (<-chan dataset.Batch, <-chan error)
}

// Visualizer draws one scored sample.
type Visualizer interface {
	Render(ctx context.Context, f render.Frame) (render.Result, error)
}

// Recorder persists runs and their per-sample scores.
type Recorder interface {
	CreateRun(ctx context.Context, r store.Run) error
	AddScore(ctx context.Context, sc store.Score) error
	FinishRun(ctx context.Context, id string, sum metrics.Summary, at time.Time) error
	FailRun(ctx context.Context, id string, sum metrics.Summary, at time.Time, cause error) error
}

// RunConfig captures the collaborators and knobs of an evaluation pass.
// Visualizer and Recorder are optional.
type RunConfig struct {
	Source     BatchSource
	Engine     model.Engine
	Visualizer Visualizer
	Recorder   Recorder
	Logger     *slog.Logger

	ModelName  string
	Precision  string
	InputName  string
	OutputName string
	Smooth     float64
	LogEvery   int
	MaxBatches int
}

// Report is the outcome of a run.
type Report struct {
	RunID   string          `json:"run_id"`
	Summary metrics.Summary `json:"summary"`
	Scores  []store.Score   `json:"scores"`
}

// Run executes the evaluation workload. A recorded run that stops on an error
// is marked failed with the summary of the samples scored so far.
func Run(ctx context.Context, cfg RunConfig) (_ *Report, err error) {
	if cfg.Source == nil {
		return nil, errors.New("evaluator: batch source required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("evaluator: inference engine required")
	}
	if cfg.Smooth == 0 {
		cfg.Smooth = metrics.DefaultSmooth
	}
	if cfg.Smooth < 0 {
		return nil, fmt.Errorf("evaluator: %w: got %g", metrics.ErrInvalidSmoothing, cfg.Smooth)
	}
	if cfg.InputName == "" {
		cfg.InputName = defaultInputName
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 10
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	report := &Report{RunID: uuid.NewString(), Scores: make([]store.Score, 0)}
	log = log.With("run", report.RunID)
	if cfg.Recorder != nil {
		run := store.Run{
			ID:        report.RunID,
			Model:     cfg.ModelName,
			Precision: cfg.Precision,
			Smooth:    cfg.Smooth,
			StartedAt: time.Now().UTC(),
		}
		if err := cfg.Recorder.CreateRun(ctx, run); err != nil {
			return nil, err
		}
		defer func() {
			if err == nil {
				return
			}
			failErr := cfg.Recorder.FailRun(context.WithoutCancel(ctx), report.RunID, report.Summary, time.Now().UTC(), err)
			if failErr != nil {
				log.Error("record failed run", "error", failErr)
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errs := cfg.Source.Batches(runCtx)

	var window metrics.Window
	seen := make(map[string]struct{})
	for step := 1; cfg.MaxBatches <= 0 || step <= cfg.MaxBatches; step++ {
		startData := time.Now()
		batch, ok, err := nextBatch(ctx, batches, errs)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		dataTime := time.Since(startData)

		startInfer := time.Now()
		pred, err := predict(runCtx, cfg, batch.Images)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", step, err)
		}
		inferTime := time.Since(startInfer)
		window.Record(batch.Size(), dataTime, inferTime)

		for i, key := range batch.Keys {
			if _, dup := seen[key]; dup {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
			}
			seen[key] = struct{}{}
			sc, err := scoreSample(runCtx, cfg, report.RunID, key, i, batch, pred)
			if err != nil {
				return nil, fmt.Errorf("sample %s: %w", key, err)
			}
			window.Observe(sc.Dice, sc.SoftDice)
			report.Summary.Add(sc.Dice, sc.SoftDice)
			report.Scores = append(report.Scores, sc)
			log.Debug("sample scored", "key", key, "dice", sc.Dice, "soft_dice", sc.SoftDice)
		}

		if step%cfg.LogEvery == 0 {
			snap := window.Snapshot()
			log.Info("progress",
				"step", step,
				"volumes_per_sec", fmt.Sprintf("%.2f", snap.VolumesPerSec),
				"data_ms", fmt.Sprintf("%.2f", snap.AvgDataMS),
				"infer_ms", fmt.Sprintf("%.2f", snap.AvgInferMS),
				"mean_dice", fmt.Sprintf("%.4f", snap.MeanDice),
			)
		}
	}

	if cfg.Recorder != nil {
		if err := cfg.Recorder.FinishRun(ctx, report.RunID, report.Summary, time.Now().UTC()); err != nil {
			return nil, err
		}
	}
	log.Info("evaluation finished",
		"samples", report.Summary.Count,
		"mean_dice", fmt.Sprintf("%.4f", report.Summary.MeanDice),
		"mean_soft_dice", fmt.Sprintf("%.4f", report.Summary.MeanSoftDice),
	)
	return report, nil
}

// nextBatch returns ok=false once the source is exhausted without error.
func nextBatch(ctx context.Context, batches <-chan dataset.Batch, errs <-chan error) (dataset.Batch, bool, error) {
	select {
	case <-ctx.Done():
		return dataset.Batch{}, false, ctx.Err()
	case batch, ok := <-batches:
		if ok {
			return batch, true, nil
		}
	}
	if err := <-errs; err != nil {
		return dataset.Batch{}, false, err
	}
	return dataset.Batch{}, false, nil
}

// predict feeds channel-first images to the engine and returns the prediction
// transposed back to the channel-last mask layout.
func predict(ctx context.Context, cfg RunConfig, images *volume.Volume) (*volume.Volume, error) {
	in, err := volume.ChannelsFirst(images)
	if err != nil {
		return nil, err
	}
	outs, err := cfg.Engine.Infer(ctx, map[string]tensor.Tensor{cfg.InputName: in.Tensor()})
	if err != nil {
		return nil, fmt.Errorf("infer: %w", err)
	}
	out, err := selectOutput(outs, cfg.OutputName)
	if err != nil {
		return nil, err
	}
	raw, err := volume.FromTensor(out)
	if err != nil {
		return nil, err
	}
	return volume.ChannelsLast(raw)
}

func selectOutput(outs map[string]tensor.Tensor, name string) (tensor.Tensor, error) {
	if name != "" {
		t, ok := outs[name]
		if !ok {
			return nil, fmt.Errorf("evaluator: engine produced no output %q", name)
		}
		return t, nil
	}
	if len(outs) != 1 {
		return nil, fmt.Errorf("evaluator: engine produced %d outputs, set an output name", len(outs))
	}
	for _, t := range outs {
		return t, nil
	}
	return nil, nil
}

func scoreSample(ctx context.Context, cfg RunConfig, runID, key string, i int, batch dataset.Batch, pred *volume.Volume) (store.Score, error) {
	target, err := batch.Masks.Index(i)
	if err != nil {
		return store.Score{}, err
	}
	prediction, err := pred.Index(i)
	if err != nil {
		return store.Score{}, err
	}

	sc := store.Score{RunID: runID, Key: key}
	if sc.Dice, err = metrics.Dice(target, prediction, cfg.Smooth); err != nil {
		return store.Score{}, err
	}
	if sc.SoftDice, err = metrics.SoftDice(target, prediction, cfg.Smooth); err != nil {
		return store.Score{}, err
	}

	if cfg.Visualizer != nil {
		image, err := batch.Images.Index(i)
		if err != nil {
			return store.Score{}, err
		}
		res, err := cfg.Visualizer.Render(ctx, render.Frame{
			Key:        key,
			Image:      image,
			Target:     target,
			Prediction: prediction,
			Score:      sc.Dice,
			SoftScore:  sc.SoftDice,
		})
		if err != nil {
			return store.Score{}, err
		}
		sc.Report = res.HTMLPath
	}

	if cfg.Recorder != nil {
		if err := cfg.Recorder.AddScore(ctx, sc); err != nil {
			return store.Score{}, err
		}
	}
	return sc, nil
}
