// Package pipeline orchestrates the MIGP run: randomized subject ordering,
// per-subject loading and normalization with bounded lookahead, strictly
// sequential fold-in to the incremental accumulator, and finalization of the
// group components back into volumetric space.
package pipeline

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"

	"migp/internal/npyio"
	"migp/pkg/pca"
	"migp/pkg/volume"
)

// ErrConfiguration marks a run rejected before any data was loaded.
var ErrConfiguration = errors.New("invalid pipeline configuration")

// Params holds the run parameters for one incremental group PCA.
type Params struct {
	// SubjectPaths lists each subject's 4D dataset. Every subject is folded
	// in exactly once, in a randomized order.
	SubjectPaths []string

	// MaskPath is the 3D mask shared by all subjects.
	MaskPath string

	// OutputPath is the NIfTI file the group components are written to.
	OutputPath string

	// InternalDim bounds the working matrix row count between subjects (dPCAint).
	InternalDim int

	// OutputDim is the number of group components written out (dPCAout).
	OutputDim int

	// VarianceNormalize enables per-subject residual variance normalization.
	VarianceNormalize bool

	// Seed fixes the subject processing order when non-negative; a negative
	// seed draws the order from the wall clock.
	Seed int64

	// Lookahead bounds how many subjects may be loaded and normalized ahead
	// of the sequential fold-in. Values below 1 disable prefetching.
	Lookahead int

	// SaveIntermediaryResults saves the final working matrix and eigenvalue
	// spectrum as .npy files under IntermediaryDir.
	SaveIntermediaryResults bool

	// IntermediaryDir is the directory for intermediary results.
	IntermediaryDir string

	// Verbose enables per-subject progress output.
	Verbose bool
}

// RunStats summarizes a completed run.
type RunStats struct {
	// Subjects is the number of datasets folded in
	Subjects int

	// RetainedVoxels is the number of voxels selected by the mask
	RetainedVoxels int

	// TotalTimepoints is the sum of all subjects' timepoint counts
	TotalTimepoints int

	// Compressions counts working matrix compressions across the run
	Compressions int

	// FinalRows is the working matrix row count entering finalization
	FinalRows int

	// OutputComponents is the number of components written out
	OutputComponents int

	// OutputFile is the path the components were actually written to; the
	// volume layer appends a .gz suffix when OutputPath lacks one
	OutputFile string

	// Elapsed is the wall time of the whole run
	Elapsed time.Duration
}

// Pipeline runs one incremental group PCA over a fixed subject list.
type Pipeline struct {
	params *Params
	mask   *volume.Mask
	acc    *pca.Accumulator
	stats  RunStats
}

// NewPipeline creates a pipeline for the provided parameters.
func NewPipeline(params *Params) *Pipeline {
	return &Pipeline{params: params}
}

// GetStats returns the statistics of the last completed run.
func (p *Pipeline) GetStats() RunStats {
	return p.stats
}

// Process runs the complete pipeline. All errors are terminal: group PCA is
// only meaningful over the complete intended subject set, so there is no
// partial-success mode.
func (p *Pipeline) Process() error {
	start := time.Now()

	// Step 1: Validate parameters before touching any data
	if err := p.validate(); err != nil {
		return err
	}

	// Step 2: Load and index the shared mask
	mask, err := volume.LoadMask(p.params.MaskPath)
	if err != nil {
		return fmt.Errorf("failed to load mask: %w", err)
	}
	p.mask = mask
	p.stats.RetainedVoxels = mask.NumVoxels()
	if p.params.Verbose {
		dims := mask.Dims()
		fmt.Printf("Mask %dx%dx%d retains %d voxels\n", dims[0], dims[1], dims[2], mask.NumVoxels())
	}

	// Step 3: Fix the subject processing order
	order := p.subjectOrder()

	// Step 4: Fold subjects in sequentially, with bounded-lookahead loading.
	// Closing done on an early return releases the loader goroutines.
	done := make(chan struct{})
	defer close(done)

	p.acc = pca.NewAccumulator(p.params.InternalDim)
	for res := range p.loadSubjects(order, done) {
		if res.err != nil {
			return fmt.Errorf("failed to load subject %s: %w", res.path, res.err)
		}

		timepoints, _ := res.matrix.Dims()
		if err := p.acc.FoldIn(res.matrix); err != nil {
			return fmt.Errorf("failed to fold in subject %s: %w", res.path, err)
		}

		p.stats.Subjects++
		p.stats.TotalTimepoints += timepoints
		if p.params.Verbose {
			fmt.Printf("Subject %d/%d: %s (%d timepoints, working matrix %d rows)\n",
				p.stats.Subjects, len(order), res.path, timepoints, p.acc.Rows())
		}
	}
	p.stats.Compressions = p.acc.Compressions()
	p.stats.FinalRows = p.acc.Rows()

	// Step 5: Extract the top components and write them into masked space
	components, err := p.acc.Finalize(p.params.OutputDim)
	if err != nil {
		return fmt.Errorf("failed to finalize: %w", err)
	}
	p.stats.OutputComponents, _ = components.Dims()

	headerFrom := p.params.SubjectPaths[0]
	written, err := volume.WriteComponents(p.params.OutputPath, components, p.mask, headerFrom)
	if err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	p.stats.OutputFile = written

	// Geometry copy failures do not invalidate the result already on disk.
	if err := volume.CopyGeometry(headerFrom, written); err != nil {
		log.Printf("Warning: geometry copy failed: %v", err)
	}

	// Step 6: Save intermediary results if requested
	if p.params.SaveIntermediaryResults {
		if err := p.saveIntermediaries(components); err != nil {
			return fmt.Errorf("failed to save intermediary results: %w", err)
		}
	}

	p.stats.Elapsed = time.Since(start)
	return nil
}

func (p *Pipeline) validate() error {
	if p.params.InternalDim <= 0 {
		return fmt.Errorf("%w: internal dimensionality must be positive, got %d",
			ErrConfiguration, p.params.InternalDim)
	}
	if p.params.OutputDim <= 0 {
		return fmt.Errorf("%w: output dimensionality must be positive, got %d",
			ErrConfiguration, p.params.OutputDim)
	}
	if p.params.OutputDim > p.params.InternalDim {
		return fmt.Errorf("%w: output dimensionality %d exceeds internal dimensionality %d",
			ErrConfiguration, p.params.OutputDim, p.params.InternalDim)
	}
	if len(p.params.SubjectPaths) == 0 {
		return fmt.Errorf("%w: no subject datasets", ErrConfiguration)
	}
	if p.params.MaskPath == "" {
		return fmt.Errorf("%w: no mask", ErrConfiguration)
	}
	if p.params.OutputPath == "" {
		return fmt.Errorf("%w: no output path", ErrConfiguration)
	}
	return nil
}

// subjectOrder returns the randomized processing order: a permutation of the
// subject indices. Randomizing the order decorrelates systematic
// acquisition-order effects from the incremental reduction.
func (p *Pipeline) subjectOrder() []int {
	seed := p.params.Seed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed)).Perm(len(p.params.SubjectPaths))
}

// loadedSubject is one prefetched subject, delivered in permutation order.
type loadedSubject struct {
	path   string
	matrix *mat.Dense
	err    error
}

// loadSubjects loads and normalizes subjects concurrently, at most Lookahead
// ahead of the consumer, and delivers them strictly in permutation order. The
// fold-in itself stays sequential: only the loading and normalization of a
// subject is independent of the accumulator state. Closing done stops both
// the spawner and the delivery goroutine once the consumer abandons the run.
func (p *Pipeline) loadSubjects(order []int, done <-chan struct{}) <-chan loadedSubject {
	lookahead := p.params.Lookahead
	if lookahead < 1 {
		lookahead = 1
	}

	slots := make([]chan loadedSubject, len(order))
	for i := range slots {
		slots[i] = make(chan loadedSubject, 1)
	}

	inflight := make(chan struct{}, lookahead)
	go func() {
		for i, idx := range order {
			select {
			case inflight <- struct{}{}:
			case <-done:
				return
			}
			// The slot is buffered, so a loader never blocks even when the
			// run has already been abandoned.
			go func(slot chan<- loadedSubject, path string) {
				matrix, err := p.loadOne(path)
				slot <- loadedSubject{path: path, matrix: matrix, err: err}
			}(slots[i], p.params.SubjectPaths[idx])
		}
	}()

	out := make(chan loadedSubject)
	go func() {
		defer close(out)
		for i := range slots {
			var res loadedSubject
			select {
			case res = <-slots[i]:
			case <-done:
				return
			}
			select {
			case out <- res:
			case <-done:
				return
			}
			<-inflight
		}
	}()
	return out
}

// loadOne produces a fully preprocessed subject matrix: mask-selected and
// transposed by the volume layer, demeaned, and optionally variance
// normalized. The accumulator demeans it once more on fold-in.
func (p *Pipeline) loadOne(path string) (*mat.Dense, error) {
	matrix, err := volume.LoadSubjectMatrix(path, p.mask)
	if err != nil {
		return nil, err
	}

	pca.DemeanColumns(matrix)
	if p.params.VarianceNormalize {
		if err := pca.VarianceNormalize(matrix); err != nil {
			return nil, err
		}
	}
	return matrix, nil
}

// saveIntermediaries writes the final working matrix, the retained eigenvalue
// spectrum, and the output components as .npy files for downstream scripts.
func (p *Pipeline) saveIntermediaries(components *mat.Dense) error {
	if err := os.MkdirAll(p.params.IntermediaryDir, 0755); err != nil {
		return err
	}

	if snapshot := p.acc.Snapshot(); snapshot != nil {
		path := filepath.Join(p.params.IntermediaryDir, "working_matrix.npy")
		if err := npyio.WriteMat(path, snapshot); err != nil {
			return err
		}
	}
	if spectrum := p.acc.Spectrum(); spectrum != nil {
		path := filepath.Join(p.params.IntermediaryDir, "eigenvalues.npy")
		if err := npyio.WriteVec(path, spectrum); err != nil {
			return err
		}
	}
	return npyio.WriteMat(filepath.Join(p.params.IntermediaryDir, "components.npy"), components)
}
