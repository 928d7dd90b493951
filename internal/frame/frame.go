// Package frame holds the numeric matrix readings produced by the instrument.
//
// A Frame is either a 1-D vector or a 2-D row-major matrix of float64 values.
// Frames have value semantics: every operation returns a new Frame and never
// modifies its receiver or arguments, so a Frame can be shared between the
// acquisition goroutine and readers without copying.
package frame

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

var (
	// ErrShape is returned when a frame cannot be built from the given values.
	ErrShape = errors.New("invalid frame shape")
	// ErrIndex is returned when a flat index falls outside a frame.
	ErrIndex = errors.New("frame index out of range")
)

// Transform converts an extracted frame before statistics consume it
// (unit conversion, inversion, ...). It must not modify its argument.
type Transform func(Frame) Frame

// Identity is the default Transform.
func Identity(f Frame) Frame { return f }

// Frame is a 1-D or 2-D matrix of float64 values.
type Frame struct {
	rows, cols int
	twoD       bool
	data       []float64
}

// Vector returns a 1-D frame holding a copy of values.
func Vector(values []float64) Frame {
	return Frame{rows: 1, cols: len(values), data: append([]float64(nil), values...)}
}

// Matrix returns a 2-D frame from row slices. All rows must have the same,
// non-zero length.
func Matrix(rows [][]float64) (Frame, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return Frame{}, fmt.Errorf("%w: empty matrix", ErrShape)
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return Frame{}, fmt.Errorf("%w: row %d has %d values, want %d", ErrShape, i, len(row), cols)
		}
		data = append(data, row...)
	}
	return Frame{rows: len(rows), cols: cols, twoD: true, data: data}, nil
}

// MustMatrix is like Matrix but panics on error. Intended for tests and literals.
func MustMatrix(rows [][]float64) Frame {
	f, err := Matrix(rows)
	if err != nil {
		panic(err)
	}
	return f
}

// FromShape builds a frame of the given shape ([n] or [rows, cols]) backed
// by a copy of data.
func FromShape(shape []int, data []float64) (Frame, error) {
	switch len(shape) {
	case 1:
		if shape[0] != len(data) {
			return Frame{}, fmt.Errorf("%w: shape %v does not hold %d values", ErrShape, shape, len(data))
		}
		return Vector(data), nil
	case 2:
		if shape[0] <= 0 || shape[1] <= 0 || shape[0]*shape[1] != len(data) {
			return Frame{}, fmt.Errorf("%w: shape %v does not hold %d values", ErrShape, shape, len(data))
		}
		return Frame{rows: shape[0], cols: shape[1], twoD: true, data: append([]float64(nil), data...)}, nil
	default:
		return Frame{}, fmt.Errorf("%w: %d dimensions", ErrShape, len(shape))
	}
}

// Full returns a frame with the same shape as like where every element is v.
func Full(like Frame, v float64) Frame {
	out := like.empty()
	for i := range out.data {
		out.data[i] = v
	}
	return out
}

// Zeros returns an all-zero frame shaped like like.
func Zeros(like Frame) Frame { return Full(like, 0) }

// Ones returns an all-one frame shaped like like.
func Ones(like Frame) Frame { return Full(like, 1) }

func (f Frame) empty() Frame {
	return Frame{rows: f.rows, cols: f.cols, twoD: f.twoD, data: make([]float64, len(f.data))}
}

// IsZero reports whether f is the zero Frame (no shape established).
func (f Frame) IsZero() bool { return f.data == nil }

// Dims returns 1 for vectors and 2 for matrices.
func (f Frame) Dims() int {
	if f.twoD {
		return 2
	}
	return 1
}

// Shape returns [n] for vectors and [rows, cols] for matrices.
func (f Frame) Shape() []int {
	if f.twoD {
		return []int{f.rows, f.cols}
	}
	return []int{len(f.data)}
}

// Rows returns the number of rows; a vector has one row.
func (f Frame) Rows() int { return f.rows }

// Cols returns the row width.
func (f Frame) Cols() int { return f.cols }

// Len returns the number of elements.
func (f Frame) Len() int { return len(f.data) }

// SameShape reports whether f and g have identical dimensionality and extents.
func (f Frame) SameShape(g Frame) bool {
	return f.twoD == g.twoD && f.rows == g.rows && f.cols == g.cols && len(f.data) == len(g.data)
}

// At returns the element at (row, col). For vectors row must be 0.
func (f Frame) At(row, col int) float64 {
	return f.data[row*f.cols+col]
}

// Resolve maps a flat row-major index to (row, col): row = index / width,
// col = index % width.
func (f Frame) Resolve(index int) (row, col int, err error) {
	if index < 0 || index >= len(f.data) {
		return 0, 0, fmt.Errorf("%w: %d not in [0, %d)", ErrIndex, index, len(f.data))
	}
	return index / f.cols, index % f.cols, nil
}

// AtFlat returns the element at a flat row-major index.
func (f Frame) AtFlat(index int) float64 { return f.data[index] }

// WithFlat returns a copy of f with the element at index replaced by v.
func (f Frame) WithFlat(index int, v float64) (Frame, error) {
	row, col, err := f.Resolve(index)
	if err != nil {
		return Frame{}, err
	}
	out := f.Clone()
	out.data[row*f.cols+col] = v
	return out, nil
}

// Flatten returns a copy of the elements in row-major order.
func (f Frame) Flatten() []float64 { return append([]float64(nil), f.data...) }

// RowSlices returns a copy of f as row slices. A vector becomes one row.
func (f Frame) RowSlices() [][]float64 {
	out := make([][]float64, f.rows)
	for r := range out {
		out[r] = append([]float64(nil), f.data[r*f.cols:(r+1)*f.cols]...)
	}
	return out
}

// Clone returns a deep copy of f.
func (f Frame) Clone() Frame {
	out := f
	out.data = append([]float64(nil), f.data...)
	return out
}

// Equal reports whether f and g have the same shape and identical elements.
func (f Frame) Equal(g Frame) bool {
	return f.SameShape(g) && floats.Equal(f.data, g.data)
}

// EqualApprox is like Equal with an absolute per-element tolerance.
func (f Frame) EqualApprox(g Frame, tol float64) bool {
	return f.SameShape(g) && floats.EqualApprox(f.data, g.data, tol)
}

func (f Frame) mustMatch(g Frame, op string) {
	if !f.SameShape(g) {
		panic(fmt.Sprintf("frame: %s of mismatched shapes %v and %v", op, f.Shape(), g.Shape()))
	}
}

// Add returns f + g elementwise.
func (f Frame) Add(g Frame) Frame {
	f.mustMatch(g, "add")
	out := f.empty()
	floats.AddTo(out.data, f.data, g.data)
	return out
}

// Sub returns f - g elementwise.
func (f Frame) Sub(g Frame) Frame {
	f.mustMatch(g, "sub")
	out := f.empty()
	floats.SubTo(out.data, f.data, g.data)
	return out
}

// Mul returns f * g elementwise.
func (f Frame) Mul(g Frame) Frame {
	f.mustMatch(g, "mul")
	out := f.empty()
	floats.MulTo(out.data, f.data, g.data)
	return out
}

// Div returns f / g elementwise. Division by zero follows IEEE 754.
func (f Frame) Div(g Frame) Frame {
	f.mustMatch(g, "div")
	out := f.empty()
	floats.DivTo(out.data, f.data, g.data)
	return out
}

// AddScaled returns f + alpha*g elementwise.
func (f Frame) AddScaled(alpha float64, g Frame) Frame {
	f.mustMatch(g, "add scaled")
	out := f.Clone()
	floats.AddScaled(out.data, alpha, g.data)
	return out
}

// Scale returns c*f.
func (f Frame) Scale(c float64) Frame {
	out := f.Clone()
	floats.Scale(c, out.data)
	return out
}

// AddConst returns f + c.
func (f Frame) AddConst(c float64) Frame {
	out := f.Clone()
	floats.AddConst(c, out.data)
	return out
}

// Maximum returns the elementwise maximum of f and g. NaN elements are
// ignored in favour of the other operand.
func (f Frame) Maximum(g Frame) Frame {
	f.mustMatch(g, "maximum")
	out := f.empty()
	for i := range out.data {
		out.data[i] = fmax(f.data[i], g.data[i])
	}
	return out
}

// Minimum returns the elementwise minimum of f and g. NaN elements are
// ignored in favour of the other operand.
func (f Frame) Minimum(g Frame) Frame {
	f.mustMatch(g, "minimum")
	out := f.empty()
	for i := range out.data {
		out.data[i] = fmin(f.data[i], g.data[i])
	}
	return out
}

// Min returns the smallest element.
func (f Frame) Min() float64 { return floats.Min(f.data) }

// Max returns the largest element.
func (f Frame) Max() float64 { return floats.Max(f.data) }

func fmax(a, b float64) float64 {
	switch {
	case math.IsNaN(a):
		return b
	case math.IsNaN(b):
		return a
	}
	return math.Max(a, b)
}

func fmin(a, b float64) float64 {
	switch {
	case math.IsNaN(a):
		return b
	case math.IsNaN(b):
		return a
	}
	return math.Min(a, b)
}

// String formats the frame like a nested slice.
func (f Frame) String() string {
	if !f.twoD {
		return fmt.Sprint(f.data)
	}
	return fmt.Sprint(f.RowSlices())
}
