package tensor

import (
	"fmt"
	"math"
)

// DType identifies the element type of a tensor.
type DType int

const (
	Float32 DType = iota
	Int64
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int64:
		return "Int64"
	default:
		return "Unknown"
	}
}

// Tensor is a dense n-dimensional array in row-major order. Float32 tensors
// may carry a gradient of the same shape; Int64 tensors never do.
type Tensor struct {
	Shape []int
	DType DType
	Data  []float32 // element storage when DType == Float32
	Ints  []int64   // element storage when DType == Int64

	requiresGrad bool
	grad         *Tensor
}

// New creates a Float32 tensor taking ownership of data.
func New(shape []int, data []float32) (*Tensor, error) {
	n, err := checkShape(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{Shape: copyShape(shape), DType: Float32, Data: data}, nil
}

// NewInt64 creates an Int64 tensor taking ownership of data.
func NewInt64(shape []int, data []int64) (*Tensor, error) {
	n, err := checkShape(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{Shape: copyShape(shape), DType: Int64, Ints: data}, nil
}

// Zeros creates a zero-filled tensor of the given shape and dtype.
func Zeros(shape []int, dtype DType) (*Tensor, error) {
	n, err := checkShape(shape)
	if err != nil {
		return nil, err
	}
	t := &Tensor{Shape: copyShape(shape), DType: dtype}
	switch dtype {
	case Float32:
		t.Data = make([]float32, n)
	case Int64:
		t.Ints = make([]int64, n)
	default:
		return nil, fmt.Errorf("unsupported dtype: %v", dtype)
	}
	return t, nil
}

// ZerosLike creates a zero-filled Float32 tensor with t's shape.
func ZerosLike(t *Tensor) *Tensor {
	out, _ := Zeros(t.Shape, Float32)
	return out
}

// Full creates a Float32 tensor filled with value.
func Full(shape []int, value float32) (*Tensor, error) {
	t, err := Zeros(shape, Float32)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)", t.Shape, t.DType, t.Numel())
}

// Numel returns the total number of elements.
func (t *Tensor) Numel() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Dim returns the number of dimensions.
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Clone returns a deep copy of the tensor. Gradients are not cloned.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{Shape: copyShape(t.Shape), DType: t.DType, requiresGrad: t.requiresGrad}
	if t.Data != nil {
		c.Data = make([]float32, len(t.Data))
		copy(c.Data, t.Data)
	}
	if t.Ints != nil {
		c.Ints = make([]int64, len(t.Ints))
		copy(c.Ints, t.Ints)
	}
	return c
}

// SetData overwrites the tensor's float storage in place.
func (t *Tensor) SetData(data []float32) error {
	if t.DType != Float32 {
		return fmt.Errorf("SetData requires a Float32 tensor, have %s", t.DType)
	}
	if len(data) != len(t.Data) {
		return fmt.Errorf("data length %d does not match tensor size %d", len(data), len(t.Data))
	}
	copy(t.Data, data)
	return nil
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

// Grad returns the gradient tensor, or nil if none has been accumulated.
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// EnsureGrad returns the gradient tensor, allocating a zeroed one on first use.
func (t *Tensor) EnsureGrad() *Tensor {
	if t.grad == nil {
		t.grad = ZerosLike(t)
	}
	return t.grad
}

// ZeroGrad zeroes the accumulated gradient, if any.
func (t *Tensor) ZeroGrad() {
	if t.grad == nil {
		return
	}
	for i := range t.grad.Data {
		t.grad.Data[i] = 0
	}
}

// ZeroGradAll zeroes the gradients of every parameter in the slice.
func ZeroGradAll(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// IsFinite reports whether every float element is finite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func checkShape(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("shape cannot be empty")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dimension %d in shape %v", d, shape)
		}
		n *= d
	}
	return n, nil
}

func copyShape(shape []int) []int {
	s := make([]int, len(shape))
	copy(s, shape)
	return s
}

// ShapeEqual reports whether two shapes are identical.
func ShapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
