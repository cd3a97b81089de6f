package verify

import (
	"math/rand"
	"testing"

	"github.com/fxnlabs/clmatmul/internal/matrix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inputs(t *testing.T, n, k, m int) (*matrix.Matrix, *matrix.Matrix, *matrix.Matrix) {
	t.Helper()
	a, b, err := matrix.InitializeInputs(2014, matrix.Shape{Rows: n, Cols: k}, matrix.Shape{Rows: k, Cols: m})
	require.NoError(t, err)
	ref, err := Reference(a, b)
	require.NoError(t, err)
	return a, b, matrix.FromDense(ref)
}

func TestReference(t *testing.T) {
	a, err := matrix.FromRows([][]float32{{1, 2}, {3, 4}})
	require.NoError(t, err)
	b, err := matrix.FromRows([][]float32{{5, 6}, {7, 8}})
	require.NoError(t, err)

	ref, err := Reference(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{19, 22, 43, 50}, matrix.FromDense(ref).Data)

	_, err = Reference(a, matrix.Zeros(matrix.Shape{Rows: 3, Cols: 2}))
	assert.Error(t, err)
}

func TestFreivalds(t *testing.T) {
	a, b, c := inputs(t, 24, 40, 16)

	ok, err := Freivalds(a, b, c, 10, rand.New(rand.NewSource(1)), 1e-4)
	require.NoError(t, err)
	assert.True(t, ok)

	bad := c.Clone()
	bad.Set(5, 7, bad.At(5, 7)+1)
	ok, err = Freivalds(a, b, bad, 40, rand.New(rand.NewSource(1)), 1e-4)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Freivalds(a, b, c, 0, rand.New(rand.NewSource(1)), 1e-4)
	assert.Error(t, err)
	_, err = Freivalds(a, b, matrix.Zeros(matrix.Shape{Rows: 16, Cols: 24}), 1, rand.New(rand.NewSource(1)), 1e-4)
	assert.Error(t, err)
}

func TestFreivalds_ZeroProduct(t *testing.T) {
	zero := matrix.Zeros(matrix.Shape{Rows: 8, Cols: 8})
	ok, err := Freivalds(zero, zero, zero, 4, rand.New(rand.NewSource(3)), 1e-4)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMaxRelativeError(t *testing.T) {
	a, b, c := inputs(t, 8, 8, 8)
	ref, err := Reference(a, b)
	require.NoError(t, err)

	rel, err := MaxRelativeError(c, ref)
	require.NoError(t, err)
	assert.Less(t, rel, 1e-6)

	c.Set(0, 0, c.At(0, 0)*2)
	rel, err = MaxRelativeError(c, ref)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, rel, 1e-6)

	_, err = MaxRelativeError(matrix.Zeros(matrix.Shape{Rows: 2, Cols: 2}), ref)
	assert.Error(t, err)
}

func TestPositions(t *testing.T) {
	assert.Equal(t, [][2]int{{0, 0}, {2, 4}, {3, 7}}, Positions(4, 8, 3))
	assert.Len(t, Positions(100, 100, 50), 5)
	assert.Empty(t, Positions(0, 4, 5))
	assert.Empty(t, Positions(4, 4, -1))
}

func TestSamples(t *testing.T) {
	a, b, c := inputs(t, 16, 8, 12)
	samples, err := Samples(a, b, c, 5)
	require.NoError(t, err)
	require.Len(t, samples, 5)
	for _, s := range samples {
		assert.Equal(t, c.At(s.Row, s.Col), s.Got)
		assert.Less(t, s.RelErr, 1e-6)
	}
}

func TestChecksum(t *testing.T) {
	m := matrix.Identity(4)
	sum := Checksum(m)
	assert.Len(t, sum, 2+64)
	assert.Equal(t, sum, Checksum(m.Clone()))

	m.Set(3, 3, 2)
	assert.NotEqual(t, sum, Checksum(m))
}

func TestCheck(t *testing.T) {
	a, b, c := inputs(t, 32, 32, 32)

	res, err := Check(a, b, c, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.True(t, res.Freivalds)
	assert.Len(t, res.Samples, 5)
	assert.Equal(t, Checksum(c), res.Checksum)

	// Element (16,16) is the middle sample.
	c.Set(16, 16, c.At(16, 16)+10)
	res, err = Check(a, b, c, DefaultOptions())
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Greater(t, res.MaxSampleError, 1e-4)
}
