package tensor

import (
	"fmt"
)

// Add returns a + b elementwise as a new tensor.
func Add(a, b *Tensor) (*Tensor, error) {
	if err := checkBinary(a, b); err != nil {
		return nil, err
	}
	out := ZerosLike(a)
	for i := range a.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out, nil
}

// Sub returns a - b elementwise as a new tensor.
func Sub(a, b *Tensor) (*Tensor, error) {
	if err := checkBinary(a, b); err != nil {
		return nil, err
	}
	out := ZerosLike(a)
	for i := range a.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	return out, nil
}

// Mul returns a * b elementwise as a new tensor.
func Mul(a, b *Tensor) (*Tensor, error) {
	if err := checkBinary(a, b); err != nil {
		return nil, err
	}
	out := ZerosLike(a)
	for i := range a.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	return out, nil
}

// AddScaled accumulates t += alpha * src in place.
func (t *Tensor) AddScaled(src *Tensor, alpha float32) error {
	if err := checkBinary(t, src); err != nil {
		return err
	}
	for i := range t.Data {
		t.Data[i] += alpha * src.Data[i]
	}
	return nil
}

// Scale multiplies every float element by alpha in place.
func (t *Tensor) Scale(alpha float32) {
	for i := range t.Data {
		t.Data[i] *= alpha
	}
}

// Fill sets every float element to value.
func (t *Tensor) Fill(value float32) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

// ArgmaxChannel reduces per-class scores [B,C,H,W] to predicted labels [B,H,W]
// by taking the argmax over the channel dimension. Ties resolve to the lowest
// class index.
func ArgmaxChannel(scores *Tensor) (*Tensor, error) {
	if scores.DType != Float32 {
		return nil, fmt.Errorf("argmax requires a Float32 tensor, have %s", scores.DType)
	}
	if scores.Dim() != 4 {
		return nil, fmt.Errorf("argmax requires a [B,C,H,W] tensor, have shape %v", scores.Shape)
	}
	b, c, h, w := scores.Shape[0], scores.Shape[1], scores.Shape[2], scores.Shape[3]
	plane := h * w
	out, err := Zeros([]int{b, h, w}, Int64)
	if err != nil {
		return nil, err
	}
	for n := 0; n < b; n++ {
		base := n * c * plane
		for p := 0; p < plane; p++ {
			best := 0
			bestVal := scores.Data[base+p]
			for k := 1; k < c; k++ {
				v := scores.Data[base+k*plane+p]
				if v > bestVal {
					bestVal = v
					best = k
				}
			}
			out.Ints[n*plane+p] = int64(best)
		}
	}
	return out, nil
}

func checkBinary(a, b *Tensor) error {
	if a.DType != Float32 || b.DType != Float32 {
		return fmt.Errorf("elementwise ops require Float32 tensors, have %s and %s", a.DType, b.DType)
	}
	if !ShapeEqual(a.Shape, b.Shape) {
		return fmt.Errorf("shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	return nil
}
