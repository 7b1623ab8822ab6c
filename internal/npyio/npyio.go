// Package npyio converts between gonum matrices and NumPy .npy binary files,
// used for saving intermediary pipeline state in a format downstream analysis
// scripts can load directly.
package npyio

import (
	"fmt"

	"github.com/kshedden/gonpy"
	"gonum.org/v1/gonum/mat"
)

// WriteMat writes a matrix to a .npy file with shape (rows, cols).
func WriteMat(path string, m *mat.Dense) error {
	rows, cols := m.Dims()

	w, err := gonpy.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	w.Shape = []int{rows, cols}
	w.Version = 2

	// Flatten row-major; the raw backing slice may carry a stride padding.
	data := make([]float64, 0, rows*cols)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		mat.Row(row, i, m)
		data = append(data, row...)
	}

	if err := w.WriteFloat64(data); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// WriteVec writes a one-dimensional float slice to a .npy file.
func WriteVec(path string, v []float64) error {
	w, err := gonpy.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	w.Shape = []int{len(v)}
	w.Version = 2

	if err := w.WriteFloat64(v); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// ReadMat reads a two-dimensional .npy file into a matrix.
func ReadMat(path string) (*mat.Dense, error) {
	r, err := gonpy.NewFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if len(r.Shape) != 2 {
		return nil, fmt.Errorf("%s: expected 2 dimensions, got %d", path, len(r.Shape))
	}

	data, err := r.GetFloat64()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return mat.NewDense(r.Shape[0], r.Shape[1], data), nil
}
