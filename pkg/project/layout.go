package project

import (
	"fmt"
	"path/filepath"

	"histostack/internal/models"
)

// Layout derives every path in the project directory. Each file role has its
// own typed method carrying exactly the identifiers that role needs, so a
// wrong-arity call does not compile.
type Layout struct {
	// Dir is the project directory.
	Dir string

	// Ext is the image file extension used for resliced and warp outputs.
	Ext string
}

// Manifest is the project's durable copy of the slice manifest.
func (l Layout) Manifest() string {
	return filepath.Join(l.Dir, "config", "manifest.txt")
}

// ConfigEntry is the file holding one project configuration key.
func (l Layout) ConfigEntry(key string) string {
	return filepath.Join(l.Dir, "config", "dict", key)
}

// AffineMatrix is the pairwise rigid transform with ref fixed and mov moving.
func (l Layout) AffineMatrix(ref, mov models.Slice) string {
	return filepath.Join(l.Dir, "recon", "nbr",
		fmt.Sprintf("affine_ref_%s_mov_%s.mat", ref.UniqueID, mov.UniqueID))
}

// PairMetric is the scalar match quality of the pairwise registration.
func (l Layout) PairMetric(ref, mov models.Slice) string {
	return filepath.Join(l.Dir, "recon", "nbr",
		fmt.Sprintf("affine_ref_%s_mov_%s_metric.txt", ref.UniqueID, mov.UniqueID))
}

// AccumMatrix is the accumulated root-to-slice transform.
func (l Layout) AccumMatrix(s models.Slice) string {
	return filepath.Join(l.Dir, "recon", "accum",
		fmt.Sprintf("accum_affine_%s.mat", s.UniqueID))
}

// AccumReslice is the slice resliced into padded root space.
func (l Layout) AccumReslice(s models.Slice) string {
	return filepath.Join(l.Dir, "recon", "accum",
		fmt.Sprintf("accum_affine_%s_reslice.%s", s.UniqueID, l.Ext))
}

// VolSlide is the reference-volume cross-section at the slice's z position.
func (l Layout) VolSlide(s models.Slice) string {
	return filepath.Join(l.Dir, "vol", "slides",
		fmt.Sprintf("vol_slide_%s.%s", s.UniqueID, l.Ext))
}

// VolInitMatrix is the per-slice affine to the volume cross-section.
func (l Layout) VolInitMatrix(s models.Slice) string {
	return filepath.Join(l.Dir, "vol", "match",
		fmt.Sprintf("affine_refvol_mov_%s.mat", s.UniqueID))
}

// VolMedianMatrix is the medoid of the per-slice volume-match affines.
func (l Layout) VolMedianMatrix() string {
	return filepath.Join(l.Dir, "vol", "match", "affine_refvol_median.mat")
}

// VolIterMatrix is the volume-space affine of one refinement iteration.
// Iteration 0 is the initial transform written by the volume matcher.
func (l Layout) VolIterMatrix(s models.Slice, iter int) string {
	return filepath.Join(l.Dir, "vol", fmt.Sprintf("iter%02d", iter),
		fmt.Sprintf("affine_refvol_mov_%s_iter%02d.mat", s.UniqueID, iter))
}

// VolIterWarp is the deformation field of one deformable-phase iteration.
func (l Layout) VolIterWarp(s models.Slice, iter int) string {
	return filepath.Join(l.Dir, "vol", fmt.Sprintf("iter%02d", iter),
		fmt.Sprintf("warp_refvol_mov_%s_iter%02d.%s", s.UniqueID, iter, l.Ext))
}

// IterMetric is the metric dump of one (slice, iteration) unit.
func (l Layout) IterMetric(s models.Slice, iter int) string {
	return filepath.Join(l.Dir, "vol", fmt.Sprintf("iter%02d", iter),
		fmt.Sprintf("metric_refvol_mov_%s_iter%02d.txt", s.UniqueID, iter))
}
