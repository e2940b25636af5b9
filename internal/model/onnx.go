package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/owulveryck/onnx-go"
	"github.com/owulveryck/onnx-go/backend/x/gorgonnx"
	"gorgonia.org/tensor"
)

// ONNXOptions binds tensor names to the positional inputs and outputs of an ONNX graph.
type ONNXOptions struct {
	InputNames  []string
	OutputNames []string
}

// ONNXEngine executes an ONNX graph on the gorgonia backend.
// The backend graph is stateful, so calls are serialized.
type ONNXEngine struct {
	mu          sync.Mutex
	backend     *gorgonnx.Graph
	model       *onnx.Model
	inputNames  []string
	outputNames []string
}

// LoadONNX reads rep.Topology and prepares it for inference.
func LoadONNX(rep *Representation, opts ONNXOptions) (*ONNXEngine, error) {
	if rep == nil || rep.Topology == "" {
		return nil, errors.New("model: representation topology required")
	}
	if rep.Weights != "" {
		return nil, fmt.Errorf("model: onnx engine needs a self-contained graph, got separate weights %s", rep.Weights)
	}
	if len(opts.InputNames) == 0 {
		return nil, errors.New("model: at least one input name required")
	}
	b, err := os.ReadFile(rep.Topology)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}

	backend := gorgonnx.NewGraph()
	m := onnx.NewModel(backend)
	if err := m.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("decode onnx %s: %w", rep.Topology, err)
	}
	return &ONNXEngine{
		backend:     backend,
		model:       m,
		inputNames:  append([]string(nil), opts.InputNames...),
		outputNames: append([]string(nil), opts.OutputNames...),
	}, nil
}

// Infer implements Engine.
func (e *ONNXEngine) Infer(ctx context.Context, inputs map[string]tensor.Tensor) (map[string]tensor.Tensor, error) {
	for _, name := range e.inputNames {
		if _, ok := inputs[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingInput, name)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i, name := range e.inputNames {
		if err := e.model.SetInput(i, inputs[name]); err != nil {
			return nil, fmt.Errorf("set input %s: %w", name, err)
		}
	}
	if err := e.backend.Run(); err != nil {
		return nil, fmt.Errorf("run graph: %w", err)
	}
	outs, err := e.model.GetOutputTensors()
	if err != nil {
		return nil, fmt.Errorf("read outputs: %w", err)
	}

	result := make(map[string]tensor.Tensor, len(outs))
	for i, t := range outs {
		result[e.outputName(i)] = t
	}
	return result, nil
}

func (e *ONNXEngine) outputName(i int) string {
	if i < len(e.outputNames) && e.outputNames[i] != "" {
		return e.outputNames[i]
	}
	return fmt.Sprintf("output_%d", i)
}
