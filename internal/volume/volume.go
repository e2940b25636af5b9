package volume

import (
	"errors"
	"fmt"
	"io"

	"gorgonia.org/tensor"
)

// ErrShapeData indicates the backing slice does not fill the declared shape.
var ErrShapeData = errors.New("volume: data length does not match shape")

// ErrCropTooLarge indicates a crop window exceeds the volume extent.
var ErrCropTooLarge = errors.New("volume: crop exceeds volume extent")

// Volume is a dense row-major array over a fixed grid. Samples are laid out
// channel-last ([spatial..., C]) and batches prepend N ([N, spatial..., C]).
type Volume struct {
	Shape []int
	Data  []float64
}

// New wraps data without copying it.
func New(shape []int, data []float64) (*Volume, error) {
	if numel(shape) != len(data) {
		return nil, fmt.Errorf("%w: shape %v wants %d values, got %d", ErrShapeData, shape, numel(shape), len(data))
	}
	return &Volume{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Zeros allocates a zero-filled volume.
func Zeros(shape ...int) *Volume {
	return &Volume{Shape: append([]int(nil), shape...), Data: make([]float64, numel(shape))}
}

// Len returns the number of elements.
func (v *Volume) Len() int {
	if v == nil {
		return 0
	}
	return len(v.Data)
}

// Rank returns the number of axes.
func (v *Volume) Rank() int {
	return len(v.Shape)
}

// SameShape reports whether v and o have identical shapes.
func (v *Volume) SameShape(o *Volume) bool {
	if v == nil || o == nil || len(v.Shape) != len(o.Shape) {
		return false
	}
	for i := range v.Shape {
		if v.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	return &Volume{
		Shape: append([]int(nil), v.Shape...),
		Data:  append([]float64(nil), v.Data...),
	}
}

// Tensor copies v into a float32 dense tensor, the dtype inference runtimes expect.
func (v *Volume) Tensor() *tensor.Dense {
	backing := make([]float32, len(v.Data))
	for i, x := range v.Data {
		backing[i] = float32(x)
	}
	return tensor.New(tensor.WithShape(v.Shape...), tensor.WithBacking(backing))
}

// FromTensor copies a float32 or float64 tensor into a Volume.
func FromTensor(t tensor.Tensor) (*Volume, error) {
	if t == nil {
		return nil, errors.New("volume: nil tensor")
	}
	if d, ok := t.(*tensor.Dense); ok && d.IsMaterializable() {
		t = d.Materialize()
	}
	shape := append([]int(nil), t.Shape()...)
	switch raw := t.Data().(type) {
	case []float32:
		data := make([]float64, len(raw))
		for i, x := range raw {
			data[i] = float64(x)
		}
		return New(shape, data)
	case []float64:
		return New(shape, append([]float64(nil), raw...))
	default:
		return nil, fmt.Errorf("volume: unsupported tensor dtype %v", t.Dtype())
	}
}

// ReadNpy decodes a NumPy array of float32 or float64 values.
func ReadNpy(r io.Reader) (*Volume, error) {
	d := new(tensor.Dense)
	if err := d.ReadNpy(r); err != nil {
		return nil, fmt.Errorf("read npy: %w", err)
	}
	return FromTensor(d)
}

// WriteNpy encodes v as a float64 NumPy array.
func (v *Volume) WriteNpy(w io.Writer) error {
	d := tensor.New(tensor.WithShape(v.Shape...), tensor.WithBacking(append([]float64(nil), v.Data...)))
	return d.WriteNpy(w)
}

// Transpose permutes the axes of v and returns a new materialized volume.
func Transpose(v *Volume, axes ...int) (*Volume, error) {
	if len(axes) != v.Rank() {
		return nil, fmt.Errorf("volume: transpose wants %d axes, got %d", v.Rank(), len(axes))
	}
	d := tensor.New(tensor.WithShape(v.Shape...), tensor.WithBacking(append([]float64(nil), v.Data...)))
	out, err := tensor.Transpose(d, axes...)
	if err != nil {
		return nil, fmt.Errorf("transpose %v: %w", axes, err)
	}
	return FromTensor(out)
}

// ChannelsFirst converts [N, spatial..., C] to [N, C, spatial...].
func ChannelsFirst(v *Volume) (*Volume, error) {
	n := v.Rank()
	if n < 3 {
		return nil, fmt.Errorf("volume: channels-first needs rank >= 3, got %d", n)
	}
	axes := make([]int, 0, n)
	axes = append(axes, 0, n-1)
	for i := 1; i < n-1; i++ {
		axes = append(axes, i)
	}
	return Transpose(v, axes...)
}

// ChannelsLast converts [N, C, spatial...] to [N, spatial..., C].
func ChannelsLast(v *Volume) (*Volume, error) {
	n := v.Rank()
	if n < 3 {
		return nil, fmt.Errorf("volume: channels-last needs rank >= 3, got %d", n)
	}
	axes := make([]int, 0, n)
	axes = append(axes, 0)
	for i := 2; i < n; i++ {
		axes = append(axes, i)
	}
	axes = append(axes, 1)
	return Transpose(v, axes...)
}

// CenterCrop crops the leading len(crop) axes of v around their centers.
// Remaining axes (typically channels) are kept whole.
func CenterCrop(v *Volume, crop []int) (*Volume, error) {
	if len(crop) == 0 {
		return v.Clone(), nil
	}
	if len(crop) > v.Rank() {
		return nil, fmt.Errorf("volume: crop rank %d exceeds volume rank %d", len(crop), v.Rank())
	}
	outShape := append([]int(nil), v.Shape...)
	offsets := make([]int, v.Rank())
	for i, c := range crop {
		if c <= 0 || c > v.Shape[i] {
			return nil, fmt.Errorf("%w: axis %d crop %d extent %d", ErrCropTooLarge, i, c, v.Shape[i])
		}
		outShape[i] = c
		offsets[i] = (v.Shape[i] - c) / 2
	}

	srcStrides := strides(v.Shape)
	out := Zeros(outShape...)
	idx := make([]int, len(outShape))
	for flat := range out.Data {
		src := 0
		for axis := range idx {
			src += (idx[axis] + offsets[axis]) * srcStrides[axis]
		}
		out.Data[flat] = v.Data[src]
		for axis := len(idx) - 1; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < outShape[axis] {
				break
			}
			idx[axis] = 0
		}
	}
	return out, nil
}

// Stack joins same-shaped volumes along a new leading batch axis.
func Stack(vs []*Volume) (*Volume, error) {
	if len(vs) == 0 {
		return nil, errors.New("volume: nothing to stack")
	}
	first := vs[0]
	shape := append([]int{len(vs)}, first.Shape...)
	data := make([]float64, 0, len(vs)*first.Len())
	for i, v := range vs {
		if !v.SameShape(first) {
			return nil, fmt.Errorf("volume: stack element %d shape %v != %v", i, v.Shape, first.Shape)
		}
		data = append(data, v.Data...)
	}
	return New(shape, data)
}

// Index returns a copy of the i-th entry along the leading axis.
func (v *Volume) Index(i int) (*Volume, error) {
	if v.Rank() == 0 || i < 0 || i >= v.Shape[0] {
		return nil, fmt.Errorf("volume: index %d out of range for shape %v", i, v.Shape)
	}
	step := numel(v.Shape[1:])
	return New(v.Shape[1:], append([]float64(nil), v.Data[i*step:(i+1)*step]...))
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}
