package reconstruction

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"histostack/pkg/registration"
	"histostack/pkg/volume"
)

// MatchToVolume registers every reconstructed slice to its cross-section of
// the reference volume, picks the medoid of the resulting affines as the
// single bulk histology-to-volume correction, and writes each slice's
// iteration-0 volume-space transform.
func (r *Reconstructor) MatchToVolume(ctx context.Context, volumePath string) error {
	p := r.proj

	vol, err := p.LoadVolume(volumePath)
	if err != nil {
		return err
	}
	r.log.Info("matching stack to volume", "volume", volumePath, "slices", len(p.Slices))

	for _, s := range p.Slices {
		fnVolSlide := p.Layout.VolSlide(s)
		fnVolInit := p.Layout.VolInitMatrix(s)
		if p.CanSkip(fnVolSlide) && p.CanSkip(fnVolInit) {
			continue
		}

		// The cross-section at the slice's z position is the fixed image:
		// the volume may carry a mask, the histology cannot.
		crossSection := volume.ExtractSlice(vol, s.ZPos, r.sampling)
		if err := p.SaveImage(fnVolSlide, crossSection); err != nil {
			return err
		}

		sess := r.engine.NewSession()
		sess.AddCachedInput("vol_slice", crossSection)

		reg := r.params()
		reg.Inputs = []registration.ImagePair{{Fixed: "vol_slice", Moving: p.Layout.AccumReslice(s), Weight: 1.0}}
		reg.AffineDOF = registration.DOFAffine
		reg.AffineInit = registration.InitImageCenters
		reg.Output = fnVolInit

		if err := sess.RunAffine(ctx, reg); err != nil {
			return fmt.Errorf("volume match for slice %s: %w", s.UniqueID, err)
		}
	}

	// Collect the per-slice affines and select the medoid.
	affines := make([]*mat.Dense, len(p.Slices))
	for i, s := range p.Slices {
		m, err := p.ReadMatrix(p.Layout.VolInitMatrix(s))
		if err != nil {
			return err
		}
		affines[i] = m
	}
	best := MedianAffine(affines)
	median := affines[best]
	r.log.Info("selected median volume transform", "slice", p.Slices[best].UniqueID)

	if err := p.WriteMatrix(p.Layout.VolMedianMatrix(), median); err != nil {
		return err
	}

	// The initial volume-space transform of every slice is its accumulated
	// root transform composed with the single median correction.
	for _, s := range p.Slices {
		mRoot, err := p.ReadMatrix(p.Layout.AccumMatrix(s))
		if err != nil {
			return fmt.Errorf("slice %s: %w", s.UniqueID, err)
		}
		var mVol mat.Dense
		mVol.Mul(mRoot, median)
		if err := p.WriteMatrix(p.Layout.VolIterMatrix(s, 0), &mVol); err != nil {
			return err
		}
	}
	return nil
}

// MedianAffine returns the index of the medoid of a set of affine matrices:
// the matrix minimizing the sum of entrywise L1 distances to all others.
// Being a medoid rather than an average keeps outlier slices from skewing
// the result, and the selection is invariant to input order.
func MedianAffine(affines []*mat.Dense) int {
	n := len(affines)
	rowSums := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < i; j++ {
			d := registration.L1Distance(affines[i], affines[j])
			rowSums[i] += d
			rowSums[j] += d
		}
	}
	best := 0
	for i := 1; i < n; i++ {
		if rowSums[i] < rowSums[best] {
			best = i
		}
	}
	return best
}
