package matrix

import "gonum.org/v1/gonum/mat"

// ToDense converts m to a gonum float64 matrix.
func (m *Matrix) ToDense() *mat.Dense {
	data := make([]float64, len(m.Data))
	for i, v := range m.Data {
		data[i] = float64(v)
	}
	return mat.NewDense(m.Rows, m.Cols, data)
}

// FromDense converts a gonum matrix to float32, rounding each element.
func FromDense(d mat.Matrix) *Matrix {
	r, c := d.Dims()
	m := New(r, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Data[i*c+j] = float32(d.At(i, j))
		}
	}
	return m
}
