package pca

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// compressionSlack is the number of rows the working matrix may exceed the
// internal dimensionality by before a compression is triggered. Compressing
// on every fold-in would waste an eigendecomposition per subject for no
// memory benefit.
const compressionSlack = 10

// ErrInsufficientData is returned by Finalize when fewer timepoints were
// folded in than the number of requested output components.
var ErrInsufficientData = errors.New("working matrix has fewer rows than requested components")

// Accumulator maintains an approximate basis for the variance structure of
// all subjects folded in so far, without ever holding the full concatenation
// of subjects in memory. Its working matrix grows by each subject's timepoint
// count and is periodically compressed back to at most the internal
// dimensionality by a truncated eigendecomposition of its own Gram matrix.
//
// Fold-in order matters: each compression depends on the cumulative state, so
// subjects must be folded in sequentially by a single goroutine.
type Accumulator struct {
	// internalDim bounds the working matrix row count between fold-ins (dPCAint)
	internalDim int

	// working is the accumulator state: rows are basis directions (or raw
	// timepoints before the first compression), columns are retained voxels.
	// No other component holds a reference to it between fold-ins.
	working *mat.Dense

	// spectrum holds the eigenvalues retained by the most recent compression,
	// in descending order
	spectrum []float64

	compressions int
}

// NewAccumulator creates an empty accumulator whose working matrix is bounded
// at internalDim rows between fold-ins.
func NewAccumulator(internalDim int) *Accumulator {
	return &Accumulator{internalDim: internalDim}
}

// Rows returns the current working matrix row count.
func (a *Accumulator) Rows() int {
	if a.working == nil {
		return 0
	}
	rows, _ := a.working.Dims()
	return rows
}

// Compressions returns how many compressions have run so far.
func (a *Accumulator) Compressions() int {
	return a.compressions
}

// Spectrum returns the eigenvalues retained by the most recent compression in
// descending order, or nil if no compression has run yet.
func (a *Accumulator) Spectrum() []float64 {
	if a.spectrum == nil {
		return nil
	}
	out := make([]float64, len(a.spectrum))
	copy(out, a.spectrum)
	return out
}

// Snapshot returns a copy of the current working matrix, or nil if nothing
// has been folded in. The accumulator's own state is never shared.
func (a *Accumulator) Snapshot() *mat.Dense {
	if a.working == nil {
		return nil
	}
	return mat.DenseCopyOf(a.working)
}

// FoldIn absorbs one subject's preprocessed matrix (timepoints as rows,
// retained voxels as columns) into the working matrix. The subject matrix is
// demeaned again over its own rows before stacking; this second demean is not
// redundant with the loader's, because the loader may have variance-normalized
// the columns in between. FoldIn takes ownership of subject, which must not be
// used afterwards.
func (a *Accumulator) FoldIn(subject *mat.Dense) error {
	rows, cols := subject.Dims()
	if rows == 0 || cols == 0 {
		return fmt.Errorf("pca: empty subject matrix (%d x %d)", rows, cols)
	}

	DemeanColumns(subject)

	if a.working == nil {
		a.working = subject
	} else {
		_, wcols := a.working.Dims()
		if cols != wcols {
			return fmt.Errorf("pca: subject has %d retained voxels, accumulator has %d", cols, wcols)
		}
		var stacked mat.Dense
		stacked.Stack(a.working, subject)
		a.working = &stacked
	}

	if a.Rows() > a.internalDim+compressionSlack {
		return a.compress()
	}
	return nil
}

// compress replaces the working matrix with the projection of itself onto its
// top internalDim eigenvectors. The eigendecomposition runs on the rows x rows
// Gram matrix W*W', never on a voxels x voxels covariance: that asymmetry is
// the whole memory bound of the algorithm, since rows never exceeds
// internalDim plus one subject's timepoints.
func (a *Accumulator) compress() error {
	rows, cols := a.working.Dims()
	if rows <= a.internalDim {
		// Already within bounds; a spurious trigger must not alter the matrix.
		return nil
	}

	var gram mat.Dense
	gram.Mul(a.working, a.working.T())

	// W*W' is symmetric positive semi-definite by construction.
	sym := mat.NewSymDense(rows, nil)
	for i := 0; i < rows; i++ {
		for j := i; j < rows; j++ {
			sym.SetSym(i, j, gram.At(i, j))
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return errors.New("pca: eigendecomposition of Gram matrix failed")
	}

	var vectors mat.Dense
	eig.VectorsTo(&vectors)
	values := eig.Values(nil)

	// EigenSym orders eigenvalues ascending; the working matrix keeps its
	// rows ordered by descending eigenvalue, so take the trailing columns in
	// reverse. Near-zero eigenvalues at the tail of the kept range are
	// tolerated: they are simply the least informative retained directions.
	basis := mat.NewDense(rows, a.internalDim, nil)
	a.spectrum = make([]float64, a.internalDim)
	for k := 0; k < a.internalDim; k++ {
		src := rows - 1 - k
		a.spectrum[k] = values[src]
		for i := 0; i < rows; i++ {
			basis.Set(i, k, vectors.At(i, src))
		}
	}

	compressed := mat.NewDense(a.internalDim, cols, nil)
	compressed.Mul(basis.T(), a.working)
	a.working = compressed
	a.compressions++

	return nil
}

// Finalize returns the top outputDim rows of the working matrix: the most
// informative group components, ordered by descending eigenvalue. It returns
// ErrInsufficientData if fewer timepoints were accumulated than outputDim.
// The accumulator may not be folded into again after finalization.
func (a *Accumulator) Finalize(outputDim int) (*mat.Dense, error) {
	rows := a.Rows()
	if rows < outputDim {
		return nil, fmt.Errorf("pca: %w: have %d, want %d", ErrInsufficientData, rows, outputDim)
	}
	_, cols := a.working.Dims()
	return mat.DenseCopyOf(a.working.Slice(0, outputDim, 0, cols)), nil
}
