package model

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	onnxtest "github.com/owulveryck/onnx-go/backend/testbackend/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestLoadONNXErrors(t *testing.T) {
	_, err := LoadONNX(nil, ONNXOptions{InputNames: []string{"input"}})
	assert.Error(t, err)

	_, err = LoadONNX(&Representation{Topology: "m.onnx", Weights: "m.bin"}, ONNXOptions{InputNames: []string{"input"}})
	assert.ErrorContains(t, err, "self-contained")

	_, err = LoadONNX(&Representation{Topology: "m.onnx"}, ONNXOptions{})
	assert.ErrorContains(t, err, "input name")

	garbage := filepath.Join(t.TempDir(), "bad.onnx")
	require.NoError(t, os.WriteFile(garbage, []byte("not a model"), 0o644))
	_, err = LoadONNX(&Representation{Topology: garbage}, ONNXOptions{InputNames: []string{"input"}})
	assert.Error(t, err)
}

func TestInferMissingInput(t *testing.T) {
	e := &ONNXEngine{inputNames: []string{"input"}}
	_, err := e.Infer(context.Background(), map[string]tensor.Tensor{
		"other": tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{1})),
	})
	assert.ErrorIs(t, err, ErrMissingInput)
}

func TestOutputName(t *testing.T) {
	e := &ONNXEngine{outputNames: []string{"seg", ""}}
	assert.Equal(t, "seg", e.outputName(0))
	assert.Equal(t, "output_1", e.outputName(1))
	assert.Equal(t, "output_2", e.outputName(2))
}

func TestInferSigmoidGraph(t *testing.T) {
	tc := onnxtest.NewTestSigmoidExample()
	path := filepath.Join(t.TempDir(), "sigmoid.onnx")
	require.NoError(t, os.WriteFile(path, tc.ModelB, 0o644))

	e, err := LoadONNX(&Representation{Name: "sigmoid", Topology: path, Precision: PrecisionFP32}, ONNXOptions{
		InputNames:  []string{"x"},
		OutputNames: []string{"y"},
	})
	require.NoError(t, err)

	want := tc.ExpectedOutput[0].Data().([]float32)
	// the backend graph is reused across calls
	for i := 0; i < 2; i++ {
		outs, err := e.Infer(context.Background(), map[string]tensor.Tensor{"x": tc.Input[0]})
		require.NoError(t, err)
		require.Contains(t, outs, "y")
		assert.InDeltaSlice(t, want, outs["y"].Data(), 1e-6)
	}
}

func TestInferCanceled(t *testing.T) {
	tc := onnxtest.NewTestSigmoidExample()
	path := filepath.Join(t.TempDir(), "sigmoid.onnx")
	require.NoError(t, os.WriteFile(path, tc.ModelB, 0o644))
	e, err := LoadONNX(&Representation{Topology: path}, ONNXOptions{InputNames: []string{"x"}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Infer(ctx, map[string]tensor.Tensor{"x": tc.Input[0]})
	assert.ErrorIs(t, err, context.Canceled)
}
