// Package matrix holds the dense row-major float32 matrices exchanged between the host
// and the compute device.
package matrix

import (
	"fmt"
	"math/rand"
)

// Shape is the dimensions of a matrix.
type Shape struct {
	Rows int `yaml:"rows" json:"rows"`
	Cols int `yaml:"cols" json:"cols"`
}

// Len returns the number of elements a matrix of this shape holds.
func (s Shape) Len() int {
	return s.Rows * s.Cols
}

// Valid reports whether both dimensions are positive.
func (s Shape) Valid() bool {
	return s.Rows > 0 && s.Cols > 0
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%d", s.Rows, s.Cols)
}

// Matrix is a dense row-major matrix of 32-bit floats.
type Matrix struct {
	Rows int
	Cols int
	Data []float32
}

// New allocates a zero-filled matrix.
func New(rows, cols int) *Matrix {
	return &Matrix{
		Rows: rows,
		Cols: cols,
		Data: make([]float32, rows*cols),
	}
}

// Zeros allocates a zero-filled matrix of the given shape.
func Zeros(shape Shape) *Matrix {
	return New(shape.Rows, shape.Cols)
}

// Identity returns the n×n identity matrix.
func Identity(n int) *Matrix {
	m := New(n, n)
	for i := 0; i < n; i++ {
		m.Data[i*n+i] = 1
	}
	return m
}

// FromRows builds a matrix from a slice of equally sized rows.
func FromRows(rows [][]float32) (*Matrix, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("matrix has no elements")
	}
	cols := len(rows[0])
	m := New(len(rows), cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(row), cols)
		}
		copy(m.Data[i*cols:], row)
	}
	return m, nil
}

// Shape returns the matrix dimensions.
func (m *Matrix) Shape() Shape {
	return Shape{Rows: m.Rows, Cols: m.Cols}
}

// At returns the element at row i, column j.
func (m *Matrix) At(i, j int) float32 {
	return m.Data[i*m.Cols+j]
}

// Set stores v at row i, column j.
func (m *Matrix) Set(i, j int, v float32) {
	m.Data[i*m.Cols+j] = v
}

// Row returns row i as a slice sharing the matrix storage.
func (m *Matrix) Row(i int) []float32 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	c := New(m.Rows, m.Cols)
	copy(c.Data, m.Data)
	return c
}

// Validate checks that the backing slice matches the dimensions.
func (m *Matrix) Validate() error {
	if m == nil {
		return fmt.Errorf("matrix is nil")
	}
	if !m.Shape().Valid() {
		return fmt.Errorf("invalid matrix shape %s", m.Shape())
	}
	if len(m.Data) != m.Rows*m.Cols {
		return fmt.Errorf("matrix size mismatch: expected %d, got %d", m.Rows*m.Cols, len(m.Data))
	}
	return nil
}

// ProductShape returns the shape of a·b, or an error if the inner dimensions differ.
func ProductShape(a, b Shape) (Shape, error) {
	if a.Cols != b.Rows {
		return Shape{}, fmt.Errorf("matrix dimensions are not compatible for multiplication: %s · %s", a, b)
	}
	return Shape{Rows: a.Rows, Cols: b.Cols}, nil
}

// InitializeInputs fills A and B with pseudo-random values in [0, 1) drawn from a single
// source seeded with seed, A first. The same seed always yields identical matrices.
func InitializeInputs(seed int64, shapeA, shapeB Shape) (*Matrix, *Matrix, error) {
	if !shapeA.Valid() || !shapeB.Valid() {
		return nil, nil, fmt.Errorf("invalid input shapes %s and %s", shapeA, shapeB)
	}
	if _, err := ProductShape(shapeA, shapeB); err != nil {
		return nil, nil, err
	}

	rng := rand.New(rand.NewSource(seed))
	a := Zeros(shapeA)
	randomFill(a.Data, rng)
	b := Zeros(shapeB)
	randomFill(b.Data, rng)
	return a, b, nil
}

func randomFill(data []float32, rng *rand.Rand) {
	for i := range data {
		data[i] = rng.Float32()
	}
}
