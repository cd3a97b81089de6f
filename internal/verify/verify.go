// Package verify checks device results against the host.
package verify

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"

	"github.com/fxnlabs/clmatmul/internal/matrix"
	"gonum.org/v1/gonum/mat"
)

// relativeFloor keeps relative errors finite for values near zero.
const relativeFloor = 1e-6

// Options controls result verification.
type Options struct {
	// Iterations is the number of Freivalds rounds; each halves the chance of
	// accepting a wrong product.
	Iterations int
	// Tolerance is the largest accepted relative error.
	Tolerance float64
	// Samples is the number of elements recomputed exactly (at most 5).
	Samples int
	Seed    int64
}

// DefaultOptions returns the options used when verification is enabled without tuning.
func DefaultOptions() Options {
	return Options{Iterations: 8, Tolerance: 1e-4, Samples: 5, Seed: 1}
}

// Sample is one element of C recomputed on the host.
type Sample struct {
	Row    int     `json:"row"`
	Col    int     `json:"col"`
	Got    float32 `json:"got"`
	Want   float64 `json:"want"`
	RelErr float64 `json:"relErr"`
}

// Result summarises a verification.
type Result struct {
	Passed         bool     `json:"passed"`
	Freivalds      bool     `json:"freivalds"`
	Samples        []Sample `json:"samples"`
	MaxSampleError float64  `json:"maxSampleError"`
	Checksum       string   `json:"checksum"`
}

// Reference computes A·B in float64 with gonum.
func Reference(a, b *matrix.Matrix) (*mat.Dense, error) {
	if _, err := matrix.ProductShape(a.Shape(), b.Shape()); err != nil {
		return nil, err
	}
	var res mat.Dense
	res.Mul(a.ToDense(), b.ToDense())
	return &res, nil
}

func checkShapes(a, b, c *matrix.Matrix) error {
	for name, m := range map[string]*matrix.Matrix{"A": a, "B": b, "C": c} {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("matrix %s: %w", name, err)
		}
	}
	want, err := matrix.ProductShape(a.Shape(), b.Shape())
	if err != nil {
		return err
	}
	if c.Shape() != want {
		return fmt.Errorf("result is %s, expected %s", c.Shape(), want)
	}
	return nil
}

// Freivalds probabilistically verifies that C = A·B. Each iteration multiplies both
// sides by a random binary vector r and compares A(Br) with Cr. A wrong product
// passes with probability at most 1/2^iterations.
func Freivalds(a, b, c *matrix.Matrix, iterations int, rng *rand.Rand, tolerance float64) (bool, error) {
	if err := checkShapes(a, b, c); err != nil {
		return false, err
	}
	if iterations <= 0 {
		return false, fmt.Errorf("iterations must be positive, got %d", iterations)
	}

	A, B, C := a.ToDense(), b.ToDense(), c.ToDense()
	p := c.Cols
	for i := 0; i < iterations; i++ {
		r := mat.NewVecDense(p, nil)
		for j := 0; j < p; j++ {
			r.SetVec(j, float64(rng.Intn(2)))
		}

		var br, abr, cr mat.VecDense
		br.MulVec(B, r)
		abr.MulVec(A, &br)
		cr.MulVec(C, r)

		for k := 0; k < abr.Len(); k++ {
			if relativeError(cr.AtVec(k), abr.AtVec(k)) > tolerance {
				return false, nil
			}
		}
	}
	return true, nil
}

func relativeError(got, want float64) float64 {
	return math.Abs(got-want) / math.Max(math.Abs(want), relativeFloor)
}

// MaxRelativeError returns the largest element-wise relative error of got against want.
func MaxRelativeError(got *matrix.Matrix, want mat.Matrix) (float64, error) {
	r, c := want.Dims()
	if got.Rows != r || got.Cols != c {
		return 0, fmt.Errorf("result is %s, reference is %dx%d", got.Shape(), r, c)
	}
	var worst float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			worst = math.Max(worst, relativeError(float64(got.At(i, j)), want.At(i, j)))
		}
	}
	return worst, nil
}

// Positions returns up to count sample coordinates of a rows×cols matrix: first,
// middle, last, quarter and three-quarter elements.
func Positions(rows, cols, count int) [][2]int {
	if rows <= 0 || cols <= 0 {
		return nil
	}
	candidates := [][2]int{
		{0, 0},
		{rows / 2, cols / 2},
		{rows - 1, cols - 1},
		{rows / 4, cols / 4},
		{3 * rows / 4, 3 * cols / 4},
	}
	if count < len(candidates) {
		candidates = candidates[:max(count, 0)]
	}
	return candidates
}

// Samples recomputes selected elements of C in float64 and reports their errors.
func Samples(a, b, c *matrix.Matrix, count int) ([]Sample, error) {
	if err := checkShapes(a, b, c); err != nil {
		return nil, err
	}
	positions := Positions(c.Rows, c.Cols, count)
	samples := make([]Sample, 0, len(positions))
	for _, pos := range positions {
		row, col := pos[0], pos[1]
		var want float64
		for k := 0; k < a.Cols; k++ {
			want += float64(a.At(row, k)) * float64(b.At(k, col))
		}
		got := c.At(row, col)
		samples = append(samples, Sample{
			Row:    row,
			Col:    col,
			Got:    got,
			Want:   want,
			RelErr: relativeError(float64(got), want),
		})
	}
	return samples, nil
}

// Checksum hashes the little-endian float32 payload of m.
func Checksum(m *matrix.Matrix) string {
	h := sha256.New()
	var buf [4]byte
	for _, v := range m.Data {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		h.Write(buf[:])
	}
	return fmt.Sprintf("0x%x", h.Sum(nil))
}

// Check runs Freivalds and the element samples on C = A·B.
func Check(a, b, c *matrix.Matrix, opts Options) (Result, error) {
	passed, err := Freivalds(a, b, c, opts.Iterations, rand.New(rand.NewSource(opts.Seed)), opts.Tolerance)
	if err != nil {
		return Result{}, err
	}
	samples, err := Samples(a, b, c, opts.Samples)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Freivalds: passed,
		Samples:   samples,
		Checksum:  Checksum(c),
	}
	for _, s := range samples {
		res.MaxSampleError = math.Max(res.MaxSampleError, s.RelErr)
	}
	res.Passed = passed && res.MaxSampleError <= opts.Tolerance
	return res, nil
}
