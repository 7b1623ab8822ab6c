// Package volume wraps NIfTI-1 input and output for the MIGP pipeline: mask
// loading and indexing, extraction of per-subject (timepoints x retained
// voxels) matrices, and scatter of group components back into masked
// volumetric space.
package volume

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/KyungWonPark/nifti"
	"gonum.org/v1/gonum/mat"
)

// ShapeMismatchError reports a subject dataset whose spatial extent differs
// from the mask's. A run is aborted on the first mismatch: a group basis that
// silently excluded a subject would be scientifically misleading.
type ShapeMismatchError struct {
	Path string
	Got  [3]int
	Want [3]int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("dataset %s has spatial extent %dx%dx%d, mask is %dx%dx%d",
		e.Path, e.Got[0], e.Got[1], e.Got[2], e.Want[0], e.Want[1], e.Want[2])
}

// loadImage consumes panics emitted by the nifti library, which are
// inappropriate and must be captured in order to turn them into recoverable
// errors.
func loadImage(path string, readData bool) (img nifti.Nifti1Image, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("reading %s: %v", path, panicErr)
		}
	}()

	if _, err = os.Stat(path); err != nil {
		return img, err
	}
	img.LoadImage(path, readData)
	return img, nil
}

// loadHeader is the header-only counterpart of loadImage.
func loadHeader(path string) (hdr nifti.Nifti1Header, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("reading header of %s: %v", path, panicErr)
		}
	}()

	if _, err = os.Stat(path); err != nil {
		return hdr, err
	}
	hdr.LoadHeader(path)
	return hdr, nil
}

// Mask is the shared 3D voxel selection applied to every subject. It records
// the coordinates of retained (nonzero) voxels in a fixed order, which defines
// the column order of every matrix in the pipeline.
type Mask struct {
	dims   [3]int
	coords [][3]int
}

// LoadMask reads a 3D mask volume and indexes its nonzero voxels.
func LoadMask(path string) (*Mask, error) {
	img, err := loadImage(path, true)
	if err != nil {
		return nil, err
	}

	dims := img.GetDims()
	m := &Mask{dims: [3]int{dims[0], dims[1], dims[2]}}
	for z := 0; z < m.dims[2]; z++ {
		for y := 0; y < m.dims[1]; y++ {
			for x := 0; x < m.dims[0]; x++ {
				if img.GetAt(uint32(x), uint32(y), uint32(z), 0) != 0 {
					m.coords = append(m.coords, [3]int{x, y, z})
				}
			}
		}
	}

	if len(m.coords) == 0 {
		return nil, fmt.Errorf("mask %s selects no voxels", path)
	}
	return m, nil
}

// Dims returns the spatial extent of the mask.
func (m *Mask) Dims() [3]int {
	return m.dims
}

// NumVoxels returns the number of retained voxels.
func (m *Mask) NumVoxels() int {
	return len(m.coords)
}

// LoadSubjectMatrix reads one subject's 4D dataset and returns its
// mask-selected time series as a (timepoints x retained voxels) matrix. The
// dataset's spatial extent must match the mask's, otherwise a
// ShapeMismatchError is returned. The image data is copied into the returned
// matrix; nothing of the file is retained.
func LoadSubjectMatrix(path string, mask *Mask) (*mat.Dense, error) {
	img, err := loadImage(path, true)
	if err != nil {
		return nil, err
	}

	dims := img.GetDims()
	if got := [3]int{dims[0], dims[1], dims[2]}; got != mask.dims {
		return nil, &ShapeMismatchError{Path: path, Got: got, Want: mask.dims}
	}

	timepoints := dims[3]
	if timepoints < 1 {
		return nil, fmt.Errorf("dataset %s has no timepoints", path)
	}

	out := mat.NewDense(timepoints, len(mask.coords), nil)
	for t := 0; t < timepoints; t++ {
		for j, c := range mask.coords {
			out.Set(t, j, float64(img.GetAt(uint32(c[0]), uint32(c[1]), uint32(c[2]), uint32(t))))
		}
	}
	return out, nil
}

// setHeaderDims writes the full dim block of a header. The library's own dim
// setter leaves Dim[4] untouched, so the timepoint count must be written
// explicitly or it is lost on disk.
func setHeaderDims(hdr *nifti.Nifti1Header, nx, ny, nz, nt int) {
	hdr.Dim[0] = 4
	hdr.Dim[1] = int16(nx)
	hdr.Dim[2] = int16(ny)
	hdr.Dim[3] = int16(nz)
	hdr.Dim[4] = int16(nt)
}

// saveImage saves an image and returns the on-disk path. The library's Save
// always appends a .gz suffix to the name it is given, so the requested path
// is normalized to end in .gz and the suffix is stripped before the call.
func saveImage(img *nifti.Nifti1Image, path string) (string, error) {
	if !strings.HasSuffix(path, ".gz") {
		path += ".gz"
	}
	img.Save(strings.TrimSuffix(path, ".gz"))

	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("saving %s: %w", path, err)
	}
	return path, nil
}

// WriteComponents scatters the component matrix (components as rows, retained
// voxels as columns) back into a zero-initialized 4D volume at the mask's
// voxel positions and saves it as a gzip-compressed NIfTI file. The header is
// copied from headerFrom, a representative input dataset, so orientation
// metadata is carried onto the output. The returned path is where the file
// was actually written: path itself when it ends in .gz, path + ".gz"
// otherwise.
func WriteComponents(path string, components *mat.Dense, mask *Mask, headerFrom string) (written string, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			written, err = "", fmt.Errorf("writing %s: %v", path, panicErr)
		}
	}()

	rank, cols := components.Dims()
	if cols != mask.NumVoxels() {
		return "", fmt.Errorf("component matrix has %d columns, mask retains %d voxels", cols, mask.NumVoxels())
	}

	hdr, err := loadHeader(headerFrom)
	if err != nil {
		return "", err
	}
	setHeaderDims(&hdr, mask.dims[0], mask.dims[1], mask.dims[2], rank)

	img := nifti.NewImg(mask.dims[0], mask.dims[1], mask.dims[2], rank)
	img.SetNewHeader(hdr)

	// NewImg zero-initializes; only mask voxels are written.
	for k := 0; k < rank; k++ {
		for j, c := range mask.coords {
			img.SetAt(uint32(c[0]), uint32(c[1]), uint32(c[2]), uint32(k), float32(components.At(k, j)))
		}
	}

	return saveImage(img, path)
}

// CopyGeometry invokes the external fslcpgeom utility to copy geometry
// metadata (orientation, voxel sizes) from a representative input dataset
// onto the output file. Failures leave the numerical result on disk intact,
// so callers treat the returned error as a warning.
func CopyGeometry(from, to string) error {
	out, err := exec.Command("fslcpgeom", from, to).CombinedOutput()
	if err != nil {
		return fmt.Errorf("fslcpgeom %s %s: %v: %s", from, to, err, out)
	}
	if len(out) > 0 {
		log.Printf("fslcpgeom: %s", out)
	}
	return nil
}
