package reconstruction

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"histostack/internal/models"
	"histostack/pkg/project"
	"histostack/pkg/registration"
)

// IterOptions configures the iterative refinement loop.
type IterOptions struct {
	// NAffine and NDeform are the lengths of the affine and deformable
	// phases; iteration i is affine for i <= NAffine.
	NAffine int
	NDeform int

	// First and Last bound the iterations to run, inclusive. Both zero
	// means the full range [1, NAffine+NDeform].
	First int
	Last  int

	// VolumeWeight is the weight of the volume cross-section evidence
	// relative to each neighbor slice (which weigh 1).
	VolumeWeight float64
}

// IterateToVolume refines each slice's volume-space transform over the
// configured iterations, combining volume-cross-section evidence with
// resliced-neighbor evidence in one weighted registration problem per
// slice. Every (slice, iteration) unit is checkpointed; existing
// checkpoints are skipped so an interrupted run resumes where it stopped.
func (r *Reconstructor) IterateToVolume(ctx context.Context, opts IterOptions) error {
	p := r.proj
	total := opts.NAffine + opts.NDeform

	if opts.First == 0 && opts.Last == 0 {
		opts.First, opts.Last = 1, total
	}
	if opts.First > opts.Last || opts.First < 1 || opts.Last > total {
		return fmt.Errorf("%w: iteration range (%d, %d) is out of range [1, %d]",
			project.ErrConfig, opts.First, opts.Last, total)
	}

	sorted := models.SortedRefs(p.Slices)
	posOf := make([]int, len(sorted))
	for pos, ref := range sorted {
		posOf[ref.Index] = pos
	}

	for iter := opts.First; iter <= opts.Last; iter++ {
		phase := "affine"
		if iter > opts.NAffine {
			phase = "deformable"
		}

		// Visit slices in a seeded random order: decorrelates processing
		// order from spatial structure while keeping runs reproducible.
		seed := r.seed + int64(iter)
		order := rand.New(rand.NewSource(seed)).Perm(len(p.Slices))
		r.log.Info("starting refinement iteration",
			"iter", iter, "phase", phase, "shuffleSeed", seed)

		totalVol, totalNbr := 0.0, 0.0
		for _, k := range order {
			rep, done, err := r.refineSlice(ctx, opts, iter, k, sorted, posOf[k])
			if err != nil {
				return err
			}
			if !done {
				continue
			}
			if len(rep.Components) > 0 {
				totalVol += rep.Components[0]
				for _, c := range rep.Components[1:] {
					totalNbr += c
				}
			}
		}

		r.log.Info("refinement iteration complete",
			"iter", iter, "totalVolMetric", totalVol, "totalNbrMetric", totalNbr)
	}
	return nil
}

// refineSlice runs one (slice, iteration) unit. It returns done=false when
// the unit's checkpoint already exists.
func (r *Reconstructor) refineSlice(ctx context.Context, opts IterOptions, iter, k int, sorted []models.SliceRef, pos int) (registration.MetricReport, bool, error) {
	p := r.proj
	s := p.Slices[k]
	affinePhase := iter <= opts.NAffine

	var fnResult string
	if affinePhase {
		fnResult = p.Layout.VolIterMatrix(s, iter)
	} else {
		fnResult = p.Layout.VolIterWarp(s, iter)
	}
	if p.CanSkip(fnResult) {
		r.log.Debug("skipping checkpointed unit", "slice", s.UniqueID, "iter", iter)
		return registration.MetricReport{}, false, nil
	}

	imgSlide, err := r.image(s.RawFilename)
	if err != nil {
		return registration.MetricReport{}, false, fmt.Errorf("slice %s: %w", s.UniqueID, err)
	}
	volSlice, err := r.image(p.Layout.VolSlide(s))
	if err != nil {
		return registration.MetricReport{}, false, fmt.Errorf("slice %s: %w", s.UniqueID, err)
	}

	sess := r.engine.NewSession()
	sess.AddCachedInput("moving", imgSlide)
	sess.AddCachedInput("volume_slice", volSlice)

	reg := r.params()
	reg.Inputs = []registration.ImagePair{{Fixed: "volume_slice", Moving: "moving", Weight: opts.VolumeWeight}}

	// The immediate z-neighbors contribute evidence after being resliced
	// into volume space with their previous-iteration transforms.
	for _, nbrPos := range []int{pos - 1, pos + 1} {
		if nbrPos < 0 || nbrPos >= len(sorted) {
			continue
		}
		j := sorted[nbrPos].Index
		resliced, err := r.resliceNeighbor(ctx, opts, iter, j, volSlice)
		if err != nil {
			return registration.MetricReport{}, false, err
		}
		name := fmt.Sprintf("neighbor_%03d", j)
		sess.AddCachedInput(name, resliced)
		reg.Inputs = append(reg.Inputs, registration.ImagePair{Fixed: name, Moving: "moving", Weight: 1.0})
	}

	if affinePhase {
		reg.AffineDOF = registration.DOFAffine
		reg.AffineInit = registration.InitFromFile
		reg.AffineInitTransform = registration.TransformSpec{Path: p.Layout.VolIterMatrix(s, iter-1)}
		reg.Output = fnResult
		if err := sess.RunAffine(ctx, reg); err != nil {
			return registration.MetricReport{}, false, fmt.Errorf("iteration %d slice %s: %w", iter, s.UniqueID, err)
		}
	} else {
		// The deformable field optimizes on top of the frozen end-of-phase
		// affine.
		reg.MovingPreTransforms = []registration.TransformSpec{{Path: p.Layout.VolIterMatrix(s, opts.NAffine)}}
		reg.AffineInit = registration.InitIdentity
		reg.Output = fnResult
		if err := sess.RunDeformable(ctx, reg); err != nil {
			return registration.MetricReport{}, false, fmt.Errorf("iteration %d slice %s: %w", iter, s.UniqueID, err)
		}
	}

	rep := sess.MetricReport()
	if err := p.WriteText(p.Layout.IterMetric(s, iter), formatMetricReport(iter, rep)); err != nil {
		return registration.MetricReport{}, false, err
	}
	return rep, true, nil
}

// resliceNeighbor resamples neighbor slice j into the reference slice's
// current frame using j's previous-iteration transform, composed with the
// end-of-affine-phase transform during the deformable phase.
func (r *Reconstructor) resliceNeighbor(ctx context.Context, opts IterOptions, iter, j int, volSlice *models.Image) (*models.Image, error) {
	p := r.proj
	nbr := p.Slices[j]

	var transforms []registration.TransformSpec
	if iter-1 <= opts.NAffine {
		transforms = []registration.TransformSpec{{Path: p.Layout.VolIterMatrix(nbr, iter-1)}}
	} else {
		transforms = []registration.TransformSpec{
			{Path: p.Layout.VolIterWarp(nbr, iter - 1)},
			{Path: p.Layout.VolIterMatrix(nbr, opts.NAffine)},
		}
	}

	resliced := &models.Image{}
	sess := r.engine.NewSession()
	sess.AddCachedInput("vol_slice", volSlice)
	sess.AddCachedOutput("output", resliced)

	reg := r.params()
	reg.Reslice = registration.ResliceParams{
		RefImage:   "vol_slice",
		Images:     []registration.ResliceSpec{{Moving: nbr.RawFilename, Output: "output"}},
		Transforms: transforms,
	}
	if err := sess.RunReslice(ctx, reg); err != nil {
		return nil, fmt.Errorf("reslicing neighbor %s for iteration %d: %w", nbr.UniqueID, iter, err)
	}
	return resliced, nil
}

// formatMetricReport renders a per-unit metric dump: the total, then one
// line per component (component 0 is the volume evidence).
func formatMetricReport(iter int, rep registration.MetricReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "iter %d total %g\n", iter, rep.Total)
	for i, c := range rep.Components {
		fmt.Fprintf(&sb, "component %d %g\n", i, c)
	}
	return sb.String()
}
