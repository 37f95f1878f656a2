package registration

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Affine matrices are stored as plain text, one row per line, three
// whitespace-separated values per row. A 2D affine is a 3x3 homogeneous
// matrix whose last row is (0 0 1).

// Identity returns a new 3x3 identity matrix.
func Identity() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}

// MarshalAffine serializes a 3x3 affine matrix to its text form.
func MarshalAffine(m *mat.Dense) []byte {
	var sb strings.Builder
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if j > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(strconv.FormatFloat(m.At(i, j), 'g', -1, 64))
		}
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

// UnmarshalAffine parses a 3x3 affine matrix from its text form.
func UnmarshalAffine(data []byte) (*mat.Dense, error) {
	fields := strings.Fields(string(data))
	if len(fields) != 9 {
		return nil, fmt.Errorf("affine matrix must have 9 values, got %d", len(fields))
	}
	vals := make([]float64, 9)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("bad affine matrix value %q: %w", f, err)
		}
		vals[i] = v
	}
	return mat.NewDense(3, 3, vals), nil
}

// ReadAffineMatrix loads an affine matrix from a file.
func ReadAffineMatrix(path string) (*mat.Dense, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read affine matrix %s: %w", path, err)
	}
	m, err := UnmarshalAffine(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse affine matrix %s: %w", path, err)
	}
	return m, nil
}

// WriteAffineMatrix stores an affine matrix to a file.
func WriteAffineMatrix(path string, m *mat.Dense) error {
	if err := os.WriteFile(path, MarshalAffine(m), 0644); err != nil {
		return fmt.Errorf("failed to write affine matrix %s: %w", path, err)
	}
	return nil
}

// L1Distance returns the entrywise one-norm distance between two matrices,
// the sum of absolute element differences.
func L1Distance(a, b *mat.Dense) float64 {
	r, c := a.Dims()
	sum := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			d := a.At(i, j) - b.At(i, j)
			if d < 0 {
				d = -d
			}
			sum += d
		}
	}
	return sum
}
