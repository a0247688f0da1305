package tensor

import (
	"fmt"
	"math"
)

// DType identifies the element type of a tensor.
type DType int

const (
	Float32 DType = iota
	Float16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Float16:
		return "Float16"
	default:
		return "Unknown"
	}
}

// Tensor is a CPU-resident dense tensor. Parameters carry a gradient buffer of
// the same shape; the model that owns the parameter is responsible for filling
// it during the backward pass.
type Tensor struct {
	Shape        []int
	Data         []float32
	Grad         []float32
	Name         string
	requiresGrad bool
}

// New creates a tensor with the given shape. If data is nil the tensor is
// zero-initialized; otherwise data must match the shape's element count.
func New(shape []int, data []float32) (*Tensor, error) {
	n := NumElements(shape)
	if n <= 0 {
		return nil, fmt.Errorf("invalid tensor shape %v", shape)
	}
	if data == nil {
		data = make([]float32, n)
	} else if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  data,
	}, nil
}

// NumElements returns the element count implied by a shape, or 0 for an
// invalid shape.
func NumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range shape {
		if dim <= 0 {
			return 0
		}
		n *= dim
	}
	return n
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(name=%q, shape=%v, elements=%d, requiresGrad=%v)",
		t.Name, t.Shape, len(t.Data), t.requiresGrad)
}

// NumElements returns the number of elements in the tensor.
func (t *Tensor) NumElements() int {
	return len(t.Data)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad marks the tensor as trainable and allocates its gradient
// buffer on first use.
func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
	if requires && t.Grad == nil {
		t.Grad = make([]float32, len(t.Data))
	}
}

// ZeroGrad clears the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// Clone returns a deep copy of the tensor, including its gradient buffer.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		Shape:        append([]int(nil), t.Shape...),
		Data:         append([]float32(nil), t.Data...),
		Name:         t.Name,
		requiresGrad: t.requiresGrad,
	}
	if t.Grad != nil {
		c.Grad = append([]float32(nil), t.Grad...)
	}
	return c
}

// GradNorm returns the L2 norm of the tensor's gradient.
func (t *Tensor) GradNorm() float64 {
	var sum float64
	for _, g := range t.Grad {
		sum += float64(g) * float64(g)
	}
	return math.Sqrt(sum)
}

// HasFiniteGrad reports whether every gradient element is a finite number.
func (t *Tensor) HasFiniteGrad() bool {
	for _, g := range t.Grad {
		g64 := float64(g)
		if math.IsNaN(g64) || math.IsInf(g64, 0) {
			return false
		}
	}
	return true
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i, v := range a {
		if v != b[i] {
			return false
		}
	}
	return true
}

// CopyFrom copies parameter values from src into t. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !shapesEqual(t.Shape, src.Shape) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.Shape, src.Shape)
	}
	copy(t.Data, src.Data)
	return nil
}
