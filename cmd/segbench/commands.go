package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"segbench/internal/config"
	"segbench/internal/dataset"
	"segbench/internal/evaluator"
	"segbench/internal/metrics"
	"segbench/internal/model"
	"segbench/internal/render"
	"segbench/internal/server"
	"segbench/internal/store"
	"segbench/internal/volume"
)

var (
	convertCmd = &cli.Command{
		Name:  "convert",
		Usage: "Convert a trained model into a deployable representation",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model-dir", Usage: "Trained model directory", Required: true},
			&cli.StringFlag{Name: "output-dir", Usage: "Where to write the representation", Value: "ir"},
			&cli.StringFlag{Name: "name", Usage: "Representation base name", Value: "model"},
			&cli.StringFlag{Name: "precision", Usage: "FP32, FP16 or INT8 (default from config)"},
		},
		Action: cmdConvert,
	}

	evalCmd = &cli.Command{
		Name:  "eval",
		Usage: "Run the model over a dataset, score, render and record each sample",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Usage: "Path to the ONNX topology"},
			&cli.StringSliceFlag{Name: "data-root", Usage: "Shard root directory (repeatable)"},
			&cli.IntFlag{Name: "batch-size", Usage: "Volumes per batch"},
			&cli.StringFlag{Name: "crop", Usage: "Center crop, e.g. 144,144,144"},
			&cli.IntFlag{Name: "num-workers", Usage: "Shard reader workers"},
			&cli.IntFlag{Name: "max-batches", Usage: "Stop after N batches (0 = all)"},
			&cli.FloatFlag{Name: "smooth", Usage: "Dice smoothing constant"},
			&cli.StringFlag{Name: "report-dir", Usage: "Where rendered pages go"},
			&cli.StringFlag{Name: "db", Usage: "Path to the results database"},
		},
		Action: cmdEval,
	}

	scoreCmd = &cli.Command{
		Name:  "score",
		Usage: "Compute the Dice score between two .npy masks",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "target", Usage: "Ground truth .npy", Required: true},
			&cli.StringFlag{Name: "prediction", Usage: "Prediction .npy", Required: true},
			&cli.BoolFlag{Name: "soft", Usage: "Skip thresholding the prediction"},
			&cli.FloatFlag{Name: "smooth", Usage: "Smoothing constant", Value: metrics.DefaultSmooth},
		},
		Action: cmdScore,
	}

	runsCmd = &cli.Command{
		Name:  "runs",
		Usage: "List recorded evaluation runs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Usage: "Path to the results database"},
			&cli.IntFlag{Name: "limit", Usage: "Max runs to list", Value: 20},
		},
		Action: cmdRuns,
	}

	serveCmd = &cli.Command{
		Name:  "serve",
		Usage: "Serve recorded runs and rendered reports over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address"},
			&cli.StringFlag{Name: "db", Usage: "Path to the results database"},
		},
		Action: cmdServe,
	}
)

func cmdConvert(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd, config.Overrides{})
	if err != nil {
		return err
	}
	precision := cmd.String("precision")
	if precision == "" {
		precision = cfg.Model.Precision
	}
	p, err := model.ParsePrecision(precision)
	if err != nil {
		return err
	}

	conv := model.NewConverter(cfg.Converter.Command, cfg.Converter.Args)
	rep, err := conv.Convert(ctx, model.ConvertRequest{
		ModelDir:  cmd.String("model-dir"),
		OutputDir: cmd.String("output-dir"),
		Name:      cmd.String("name"),
		Precision: p,
	})
	if err != nil {
		return err
	}
	return encode(cmd.Root().Writer, rep)
}

func cmdEval(ctx context.Context, cmd *cli.Command) error {
	crop, err := parseCrop(cmd.String("crop"))
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, config.Overrides{
		ModelPath:  cmd.String("model"),
		DataRoots:  cmd.StringSlice("data-root"),
		BatchSize:  int(cmd.Int("batch-size")),
		Crop:       crop,
		NumWorkers: int(cmd.Int("num-workers")),
		MaxBatches: int(cmd.Int("max-batches")),
		Smooth:     cmd.Float("smooth"),
		ReportDir:  cmd.String("report-dir"),
		StorePath:  cmd.String("db"),
	})
	if err != nil {
		return err
	}
	if err := cfg.ValidateEval(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	files, err := dataset.DiscoverFiles(cfg.Data.Roots...)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no shards discovered under %v", cfg.Data.Roots)
	}
	slog.Info("dataset discovered", "roots", len(cfg.Data.Roots), "shards", len(files))

	provider, err := dataset.NewProvider(dataset.Options{
		Files:      files,
		BatchSize:  cfg.Data.BatchSize,
		Crop:       cfg.Data.Crop,
		Seed:       cfg.Data.Seed,
		Shuffle:    cfg.Data.Shuffle,
		NumWorkers: cfg.Data.NumWorkers,
	})
	if err != nil {
		return err
	}

	rep := &model.Representation{
		Name:      filepath.Base(cfg.Model.Path),
		Topology:  cfg.Model.Path,
		Precision: model.Precision(cfg.Model.Precision),
	}
	engine, err := model.LoadONNX(rep, model.ONNXOptions{
		InputNames:  []string{cfg.Model.InputName},
		OutputNames: outputNames(cfg.Model.OutputName),
	})
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := evaluator.Run(ctx, evaluator.RunConfig{
		Source:     provider,
		Engine:     engine,
		Visualizer: &render.Renderer{Dir: cfg.Report.Dir, PNG: cfg.Report.PNG},
		Recorder:   db,
		ModelName:  rep.Name,
		Precision:  string(rep.Precision),
		InputName:  cfg.Model.InputName,
		OutputName: cfg.Model.OutputName,
		Smooth:     cfg.Eval.Smooth,
		LogEvery:   cfg.Eval.LogEvery,
		MaxBatches: cfg.Eval.MaxBatches,
	})
	if err != nil {
		return err
	}
	return encode(cmd.Root().Writer, report)
}

func cmdScore(_ context.Context, cmd *cli.Command) error {
	target, err := readNpy(cmd.String("target"))
	if err != nil {
		return err
	}
	prediction, err := readNpy(cmd.String("prediction"))
	if err != nil {
		return err
	}

	score := metrics.Dice
	if cmd.Bool("soft") {
		score = metrics.SoftDice
	}
	s, err := score(target, prediction, cmd.Float("smooth"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.Root().Writer, "%.6f\n", s)
	return err
}

func cmdRuns(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd, config.Overrides{StorePath: cmd.String("db")})
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.ListRuns(ctx, int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	return encode(cmd.Root().Writer, runs)
}

func cmdServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd, config.Overrides{StorePath: cmd.String("db")})
	if err != nil {
		return err
	}
	addr := cmd.String("addr")
	if addr == "" {
		addr = cfg.Server.Addr
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return server.Serve(ctx, addr, server.NewRouter(db, cfg.Report.Dir))
}

// openStore defaults the database to the report directory.
func openStore(cfg *config.Config) (*store.Store, error) {
	path := cfg.Store.Path
	if path == "" {
		if err := os.MkdirAll(cfg.Report.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create report dir: %w", err)
		}
		path = filepath.Join(cfg.Report.Dir, store.DataFileName)
	}
	return store.Open(path)
}

func readNpy(path string) (*volume.Volume, error) {
	if path == "" {
		return nil, errors.New("npy path required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return volume.ReadNpy(f)
}

func outputNames(name string) []string {
	if name == "" {
		return nil
	}
	return []string{name}
}
