package pca

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// randomMatrix creates a matrix filled with standard normal noise
func randomMatrix(rows, cols int, rng *rand.Rand) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, rng.NormFloat64())
		}
	}
	return m
}

// columnVariances returns the per-column sum of squares, the per-voxel
// variance map of a demeaned matrix
func columnVariances(m *mat.Dense) []float64 {
	rows, cols := m.Dims()
	out := make([]float64, cols)
	for j := 0; j < cols; j++ {
		var sum float64
		for i := 0; i < rows; i++ {
			v := m.At(i, j)
			sum += v * v
		}
		out[j] = sum
	}
	return out
}

// TestFoldInRowSequence verifies the working matrix row bookkeeping over a
// known scenario: subjects with 50, 60 and 70 timepoints and an internal
// dimensionality of 120 must compress exactly once, on the third fold-in.
func TestFoldInRowSequence(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const voxels = 200

	acc := NewAccumulator(120)

	steps := []struct {
		timepoints int
		wantRows   int
	}{
		{50, 50},   // below the bound, no compression
		{60, 110},  // 110 is still within 120+10 slack
		{70, 120},  // 180 rows exceeds the slack and compresses to 120
	}

	for i, step := range steps {
		if err := acc.FoldIn(randomMatrix(step.timepoints, voxels, rng)); err != nil {
			t.Fatalf("FoldIn %d failed: %v", i, err)
		}
		if got := acc.Rows(); got != step.wantRows {
			t.Errorf("after fold-in %d: got %d rows, want %d", i, got, step.wantRows)
		}
		if snapshot := acc.Snapshot(); snapshot != nil {
			if _, cols := snapshot.Dims(); cols != voxels {
				t.Errorf("after fold-in %d: got %d columns, want %d", i, cols, voxels)
			}
		}
	}

	if got := acc.Compressions(); got != 1 {
		t.Errorf("got %d compressions, want 1", got)
	}
	if spectrum := acc.Spectrum(); len(spectrum) != 120 {
		t.Errorf("got spectrum of length %d, want 120", len(spectrum))
	}
}

// TestFoldInFewerRowsThanBound verifies that the working matrix simply keeps
// every accumulated row when the total stays below the internal bound.
func TestFoldInFewerRowsThanBound(t *testing.T) {
	rng := rand.New(rand.NewSource(2))

	acc := NewAccumulator(500)
	total := 0
	for _, timepoints := range []int{40, 35, 25} {
		if err := acc.FoldIn(randomMatrix(timepoints, 50, rng)); err != nil {
			t.Fatalf("FoldIn failed: %v", err)
		}
		total += timepoints
		if got := acc.Rows(); got != total {
			t.Errorf("got %d rows, want %d", got, total)
		}
	}

	if got := acc.Compressions(); got != 0 {
		t.Errorf("got %d compressions, want 0", got)
	}
}

// TestSingleLargeSubject covers a first subject whose own timepoint count
// exceeds the internal dimensionality: its fold-in must already compress, and
// finalization must still deliver the requested components.
func TestSingleLargeSubject(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	acc := NewAccumulator(120)
	if err := acc.FoldIn(randomMatrix(150, 300, rng)); err != nil {
		t.Fatalf("FoldIn failed: %v", err)
	}

	if got := acc.Rows(); got != 120 {
		t.Errorf("got %d rows, want 120", got)
	}
	if got := acc.Compressions(); got != 1 {
		t.Errorf("got %d compressions, want 1", got)
	}

	components, err := acc.Finalize(20)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if rows, cols := components.Dims(); rows != 20 || cols != 300 {
		t.Errorf("got components %dx%d, want 20x300", rows, cols)
	}
}

// TestCompressionPreservesVariance checks that compression is lossless when
// the kept dimensionality covers the matrix rank: a column-demeaned matrix
// with r rows has rank at most r-1, so compressing it to r-1 rows must leave
// every voxel's variance unchanged within numerical tolerance. A compression
// triggered on an already-bounded matrix must be an exact no-op.
func TestCompressionPreservesVariance(t *testing.T) {
	rng := rand.New(rand.NewSource(4))

	t.Run("FullRankProjection", func(t *testing.T) {
		// Two demeaned blocks of 20 and 16 rows span at most 34 dimensions,
		// so compressing the 36 stacked rows down to 35 covers the whole row
		// space and must preserve every voxel's variance.
		first := randomMatrix(20, 80, rng)
		second := randomMatrix(16, 80, rng)

		acc := NewAccumulator(35)
		if err := acc.FoldIn(mat.DenseCopyOf(first)); err != nil {
			t.Fatalf("FoldIn failed: %v", err)
		}
		if err := acc.FoldIn(mat.DenseCopyOf(second)); err != nil {
			t.Fatalf("FoldIn failed: %v", err)
		}
		if got := acc.Rows(); got != 36 {
			t.Fatalf("got %d rows before forced compression, want 36", got)
		}
		want := columnVariances(acc.Snapshot())

		if err := acc.compress(); err != nil {
			t.Fatalf("compress failed: %v", err)
		}
		if got := acc.Rows(); got != 35 {
			t.Fatalf("got %d rows after compression, want 35", got)
		}

		got := columnVariances(acc.Snapshot())
		for j := range got {
			if math.Abs(got[j]-want[j]) > 1e-8*(1+want[j]) {
				t.Fatalf("voxel %d variance changed: %g -> %g", j, want[j], got[j])
			}
		}
	})

	t.Run("SpuriousTriggerIsNoOp", func(t *testing.T) {
		acc := NewAccumulator(100)
		if err := acc.FoldIn(randomMatrix(40, 60, rng)); err != nil {
			t.Fatalf("FoldIn failed: %v", err)
		}
		before := acc.Snapshot()

		// Within bounds; compressing must not alter the matrix at all.
		if err := acc.compress(); err != nil {
			t.Fatalf("compress failed: %v", err)
		}
		after := acc.Snapshot()

		if !mat.EqualApprox(before, after, 0) {
			t.Error("spurious compression altered the working matrix")
		}
		if got := acc.Compressions(); got != 0 {
			t.Errorf("spurious compression was counted: got %d", got)
		}
	})
}

// TestOrderInvariantSpan verifies that two different subject orders recover
// approximately the same component subspace: the per-voxel variance maps of
// the finalized components must correlate strongly even though exact values
// and signs may differ.
func TestOrderInvariantSpan(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	const (
		voxels      = 120
		latents     = 5
		timepoints  = 25
		subjects    = 4
		internalDim = 30
		outputDim   = 5
	)

	// Shared spatial structure with per-subject time courses and light noise.
	loadings := randomMatrix(voxels, latents, rng)
	cohort := make([]*mat.Dense, subjects)
	for s := range cohort {
		courses := randomMatrix(timepoints, latents, rng)
		subject := mat.NewDense(timepoints, voxels, nil)
		subject.Mul(courses, loadings.T())
		for i := 0; i < timepoints; i++ {
			for j := 0; j < voxels; j++ {
				subject.Set(i, j, subject.At(i, j)+0.01*rng.NormFloat64())
			}
		}
		cohort[s] = subject
	}

	varianceMap := func(order []int) []float64 {
		acc := NewAccumulator(internalDim)
		for _, s := range order {
			if err := acc.FoldIn(mat.DenseCopyOf(cohort[s])); err != nil {
				t.Fatalf("FoldIn failed: %v", err)
			}
		}
		components, err := acc.Finalize(outputDim)
		if err != nil {
			t.Fatalf("Finalize failed: %v", err)
		}
		return columnVariances(components)
	}

	first := varianceMap([]int{0, 1, 2, 3})
	second := varianceMap([]int{3, 1, 0, 2})

	if r := stat.Correlation(first, second, nil); r < 0.95 {
		t.Errorf("variance maps of reordered runs correlate at %.3f, want > 0.95", r)
	}
}

// TestFinalizeInsufficientData verifies the misconfiguration diagnostic when
// fewer timepoints were accumulated than output components requested.
func TestFinalizeInsufficientData(t *testing.T) {
	rng := rand.New(rand.NewSource(6))

	t.Run("FewRows", func(t *testing.T) {
		acc := NewAccumulator(100)
		if err := acc.FoldIn(randomMatrix(10, 40, rng)); err != nil {
			t.Fatalf("FoldIn failed: %v", err)
		}
		if _, err := acc.Finalize(20); !errors.Is(err, ErrInsufficientData) {
			t.Errorf("got %v, want ErrInsufficientData", err)
		}
	})

	t.Run("EmptyAccumulator", func(t *testing.T) {
		acc := NewAccumulator(100)
		if _, err := acc.Finalize(1); !errors.Is(err, ErrInsufficientData) {
			t.Errorf("got %v, want ErrInsufficientData", err)
		}
	})
}

// TestFoldInRejectsMismatchedVoxels verifies that a subject with a different
// retained-voxel count cannot be folded in.
func TestFoldInRejectsMismatchedVoxels(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	acc := NewAccumulator(50)
	if err := acc.FoldIn(randomMatrix(10, 40, rng)); err != nil {
		t.Fatalf("FoldIn failed: %v", err)
	}
	if err := acc.FoldIn(randomMatrix(10, 41, rng)); err == nil {
		t.Error("expected an error for mismatched voxel counts")
	}
}
