package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	defaultTopologyExt = ".onnx"
	defaultWeightsExt  = ".bin"
	dirMode            = 0o755
)

// The default tool exports a TensorFlow SavedModel to ONNX with tf2onnx.
var (
	DefaultConverterCommand = "python3"
	DefaultConverterArgs    = []string{
		"-m", "tf2onnx.convert",
		"--saved-model", "{model_dir}",
		"--output", "{output_dir}/{name}.onnx",
	}
)

// ConvertRequest names the inputs of one conversion.
type ConvertRequest struct {
	ModelDir  string
	OutputDir string
	Name      string
	Precision Precision
}

// Validate verifies the request is runnable.
func (r ConvertRequest) Validate() error {
	if r.ModelDir == "" {
		return errors.New("model: model dir required")
	}
	if r.OutputDir == "" {
		return errors.New("model: output dir required")
	}
	if r.Name == "" || strings.ContainsAny(r.Name, `/\`) {
		return fmt.Errorf("model: invalid representation name %q", r.Name)
	}
	if _, err := ParsePrecision(string(r.Precision)); err != nil {
		return err
	}
	return nil
}

// Converter shells out to an external conversion tool. Args may reference
// {model_dir}, {output_dir}, {name} and {precision}. Tools whose args never
// mention {precision} only produce FP32.
type Converter struct {
	Command     string
	Args        []string
	TopologyExt string
	WeightsExt  string
	Logger      *slog.Logger
}

// NewConverter returns a Converter using the default tool when command is empty.
func NewConverter(command string, args []string) *Converter {
	if command == "" {
		command = DefaultConverterCommand
		if len(args) == 0 {
			args = DefaultConverterArgs
		}
	}
	return &Converter{
		Command:     command,
		Args:        append([]string(nil), args...),
		TopologyExt: defaultTopologyExt,
		WeightsExt:  defaultWeightsExt,
	}
}

// Convert runs the tool and returns the representation it produced.
func (c *Converter) Convert(ctx context.Context, req ConvertRequest) (*Representation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	precision, _ := ParsePrecision(string(req.Precision))
	req.Precision = precision
	if precision != PrecisionFP32 && !c.takesPrecision() {
		return nil, fmt.Errorf("%w: %s needs a {precision} argument for %s", ErrUnsupportedPrecision, c.Command, precision)
	}

	if err := os.MkdirAll(req.OutputDir, dirMode); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", req.OutputDir, err)
	}

	args := c.expandArgs(req)
	log := c.logger().With("command", c.Command, "name", req.Name, "precision", req.Precision)
	log.Info("converting model", "model_dir", req.ModelDir)

	cmd := exec.CommandContext(ctx, c.Command, args...)
	output, err := cmd.CombinedOutput()
	if len(output) > 0 {
		log.Debug("converter output", "output", strings.TrimSpace(string(output)))
	}
	if err != nil {
		return nil, fmt.Errorf("run converter %s: %w", c.Command, err)
	}

	topologyExt := c.TopologyExt
	if topologyExt == "" {
		topologyExt = defaultTopologyExt
	}
	rep := &Representation{
		Name:      req.Name,
		Topology:  filepath.Join(req.OutputDir, req.Name+topologyExt),
		Precision: req.Precision,
	}
	if _, err := os.Stat(rep.Topology); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, rep.Topology)
	}
	if c.WeightsExt != "" {
		weights := filepath.Join(req.OutputDir, req.Name+c.WeightsExt)
		if _, err := os.Stat(weights); err == nil {
			rep.Weights = weights
		}
	}

	log.Info("model converted", "topology", rep.Topology, "weights", rep.Weights)
	return rep, nil
}

func (c *Converter) expandArgs(req ConvertRequest) []string {
	r := strings.NewReplacer(
		"{model_dir}", req.ModelDir,
		"{output_dir}", req.OutputDir,
		"{name}", req.Name,
		"{precision}", string(req.Precision),
	)
	out := make([]string, len(c.Args))
	for i, a := range c.Args {
		out[i] = r.Replace(a)
	}
	return out
}

// takesPrecision reports whether any argument forwards the requested precision.
func (c *Converter) takesPrecision() bool {
	for _, a := range c.Args {
		if strings.Contains(a, "{precision}") {
			return true
		}
	}
	return false
}

func (c *Converter) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
