// Package pca implements the numerical core of memory-bounded incremental
// group PCA (MIGP): per-subject demeaning and variance normalization, and the
// incremental accumulator that maintains a bounded working matrix over an
// arbitrarily long sequence of subjects.
package pca

import (
	"errors"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	// normRank is the rank of the truncated SVD used to estimate each
	// subject's structured signal during variance normalization.
	normRank = 30

	// vecThreshold suppresses right-singular-vector entries whose magnitude
	// falls below this multiple of the global entry standard deviation, so
	// the low-rank reconstruction keeps only clearly structured voxels.
	vecThreshold = 2.3

	// residualFloor is the minimum per-voxel residual standard deviation,
	// guarding the normalization against division by zero.
	residualFloor = 0.001
)

// DemeanColumns subtracts from every column its own mean, centering each
// voxel's time series at zero. The matrix is modified in place.
func DemeanColumns(m *mat.Dense) {
	rows, cols := m.Dims()
	if rows == 0 {
		return
	}

	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, m)
		mean := stat.Mean(col, nil)
		for i := 0; i < rows; i++ {
			m.Set(i, j, col[i]-mean)
		}
	}
}

// VarianceNormalize divides each voxel's time series by the standard
// deviation of its residual against a thresholded low-rank reconstruction of
// the subject matrix. Voxels whose variance is unexplained by the subject's
// strongest temporal modes are scaled up, and disproportionately noisy voxels
// are scaled down, preventing any one subject from dominating the group basis.
//
// The matrix m has timepoints as rows and retained voxels as columns and is
// modified in place.
func VarianceNormalize(m *mat.Dense) error {
	rows, cols := m.Dims()
	if rows < 2 {
		return errors.New("pca: variance normalization requires at least two timepoints")
	}

	rank := normRank
	if r := min(rows, cols); rank > r {
		rank = r
	}

	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDThin); !ok {
		return errors.New("pca: SVD of subject matrix did not converge")
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)

	// Truncate to the leading rank singular triplets.
	uk := mat.DenseCopyOf(u.Slice(0, rows, 0, rank))
	vk := mat.DenseCopyOf(v.Slice(0, cols, 0, rank))

	// Zero out weak right-singular-vector entries before reconstructing.
	entries := vk.RawMatrix().Data
	cutoff := vecThreshold * stat.StdDev(entries, nil)
	for i, e := range entries {
		if e < cutoff && e > -cutoff {
			entries[i] = 0
		}
	}

	// Low-rank reconstruction uk * diag(s) * vk'.
	var scaled, recon mat.Dense
	scaled.Mul(uk, mat.NewDiagDense(rank, values[:rank]))
	recon.Mul(&scaled, vk.T())

	resid := make([]float64, rows)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			resid[i] = m.At(i, j) - recon.At(i, j)
		}
		sd := stat.StdDev(resid, nil)
		if sd < residualFloor {
			sd = residualFloor
		}
		for i := 0; i < rows; i++ {
			m.Set(i, j, m.At(i, j)/sd)
		}
	}

	return nil
}
