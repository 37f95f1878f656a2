package reconstruction

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"histostack/internal/models"
	"histostack/pkg/project"
	"histostack/pkg/registration"
	"histostack/pkg/stackgraph"
)

// ReconstructStack registers neighboring slices pairwise, finds the medoid
// root of the resulting weighted graph, and composes per-edge transforms
// along shortest paths so every slice is resliced into a common
// root-referenced space.
//
// zRange is the distance threshold of the proximity graph; zEpsilon is the
// exponential penalty discouraging long-range shortcuts through distant
// slices that happen to match well.
func (r *Reconstructor) ReconstructStack(ctx context.Context, zRange, zEpsilon float64) error {
	p := r.proj

	if err := p.SaveConfigKey("Z_Range", zRange); err != nil {
		return err
	}
	if err := p.SaveConfigKey("Z_Epsilon", zEpsilon); err != nil {
		return err
	}

	sorted := models.SortedRefs(p.Slices)
	g := stackgraph.Build(sorted, zRange)
	r.log.Info("built slice proximity graph",
		"slices", len(p.Slices), "edges", g.NumEdges(), "zRange", zRange)

	if err := r.resolveEdges(ctx, g, sorted, zEpsilon); err != nil {
		return err
	}

	router := stackgraph.NewRouter(g)
	root, sums, err := router.Medoid()
	if err != nil {
		return err
	}
	r.log.Info("selected root slice",
		"root", p.Slices[root].UniqueID, "totalDistance", sums[root])

	tree, err := router.TreeFrom(root)
	if err != nil {
		return err
	}

	return r.composeChains(ctx, tree)
}

// resolveEdges obtains a rigid transform and a match metric for every
// directed edge of the graph, reusing persisted results where permitted,
// and converts metrics into edge weights.
func (r *Reconstructor) resolveEdges(ctx context.Context, g *stackgraph.Graph, sorted []models.SliceRef, zEpsilon float64) error {
	p := r.proj
	var metrics []float64

	// Walk in z order so cached slide images are reused across consecutive
	// reference slices.
	for _, ref := range sorted {
		refSlice := p.Slices[ref.Index]
		iRef, err := r.image(refSlice.RawFilename)
		if err != nil {
			return fmt.Errorf("slice %s: %w", refSlice.UniqueID, err)
		}

		for pos, movIdx := range g.Neighbors(ref.Index) {
			movSlice := p.Slices[movIdx]
			fnMatrix := p.Layout.AffineMatrix(refSlice, movSlice)
			fnMetric := p.Layout.PairMetric(refSlice, movSlice)

			var pairMetric float64
			if p.CanSkip(fnMatrix) && p.CanSkip(fnMetric) {
				pairMetric, err = p.ReadMetric(fnMetric)
				if err != nil {
					return err
				}
				r.log.Debug("reusing pairwise registration",
					"ref", refSlice.UniqueID, "mov", movSlice.UniqueID, "metric", pairMetric)
			} else {
				pairMetric, err = r.registerPair(ctx, refSlice, movSlice, iRef, fnMatrix, fnMetric)
				if err != nil {
					return err
				}
			}
			metrics = append(metrics, pairMetric)

			// Edge weight decreases with match quality and grows
			// exponentially with z distance. A metric above 1, which a
			// corrupt reused metric file can carry, would make the weight
			// negative and break the shortest-path stage.
			weight := (1.0 - pairMetric) * math.Pow(1+zEpsilon, math.Abs(movSlice.ZPos-refSlice.ZPos))
			if weight < 0 {
				return fmt.Errorf("%w: pair metric %g for ref %s mov %s yields negative edge weight %g",
					project.ErrConfig, pairMetric, refSlice.UniqueID, movSlice.UniqueID, weight)
			}
			g.SetWeight(ref.Index, pos, weight)
		}
	}

	if len(metrics) > 0 {
		r.log.Info("pairwise registration complete",
			"edges", len(metrics), "meanMetric", stat.Mean(metrics, nil))
	}
	return nil
}

// registerPair runs one rigid registration with ref fixed and mov moving,
// persisting the transform and the normalized metric.
func (r *Reconstructor) registerPair(ctx context.Context, refSlice, movSlice models.Slice, iRef *models.Image, fnMatrix, fnMetric string) (float64, error) {
	iMov, err := r.image(movSlice.RawFilename)
	if err != nil {
		return 0, fmt.Errorf("slice %s: %w", movSlice.UniqueID, err)
	}

	r.log.Info("registering pair", "fixed", refSlice.UniqueID, "moving", movSlice.UniqueID)

	sess := r.engine.NewSession()
	sess.AddCachedInput(refSlice.RawFilename, iRef)
	sess.AddCachedInput(movSlice.RawFilename, iMov)

	reg := r.params()
	reg.Inputs = []registration.ImagePair{{Fixed: refSlice.RawFilename, Moving: movSlice.RawFilename, Weight: 1.0}}
	reg.AffineDOF = registration.DOFRigid
	reg.AffineInit = registration.InitImageCenters
	reg.Output = fnMatrix

	if err := sess.RunAffine(ctx, reg); err != nil {
		return 0, fmt.Errorf("pairwise registration ref %s mov %s: %w",
			refSlice.UniqueID, movSlice.UniqueID, err)
	}

	// Normalize to the mean per-component match quality, sign-flipped so 0
	// is worst and higher is better.
	report := sess.MetricReport()
	pairMetric := report.Total / (-metricScale * float64(iRef.Components))
	if err := r.proj.WriteMetric(fnMetric, pairMetric); err != nil {
		return 0, err
	}
	return pairMetric, nil
}

// composeChains walks each slice's predecessor chain back to the root,
// composes the per-edge transforms into one accumulated matrix, and
// reslices the slice into padded root space.
func (r *Reconstructor) composeChains(ctx context.Context, tree *stackgraph.Tree) error {
	p := r.proj
	rootSlice := p.Slices[tree.Root]

	imgRoot, err := r.image(rootSlice.RawFilename)
	if err != nil {
		return fmt.Errorf("root slice %s: %w", rootSlice.UniqueID, err)
	}

	// Pad the root so slices shifting outside its original footprint are
	// not clipped when resliced.
	padded := imgRoot.PadReplicate(imgRoot.MaxDim() / 4)

	for i, s := range p.Slices {
		accum := registration.Identity()
		curr, prev := i, tree.Pred[i]
		for prev != -1 && prev != curr {
			step, err := p.ReadMatrix(p.Layout.AffineMatrix(p.Slices[prev], p.Slices[curr]))
			if err != nil {
				return fmt.Errorf("slice %s: %w", s.UniqueID, err)
			}
			var next mat.Dense
			next.Mul(accum, step)
			accum = &next
			curr, prev = prev, tree.Pred[prev]
		}

		fnAccum := p.Layout.AccumMatrix(s)
		if err := p.WriteMatrix(fnAccum, accum); err != nil {
			return err
		}

		fnReslice := p.Layout.AccumReslice(s)
		if p.CanSkip(fnReslice) {
			continue
		}

		imgSlide, err := r.image(s.RawFilename)
		if err != nil {
			return fmt.Errorf("slice %s: %w", s.UniqueID, err)
		}

		sess := r.engine.NewSession()
		sess.AddCachedInput("root_slice_padded", padded)
		sess.AddCachedInput(s.RawFilename, imgSlide)

		reg := r.params()
		reg.Reslice = registration.ResliceParams{
			RefImage:   "root_slice_padded",
			Images:     []registration.ResliceSpec{{Moving: s.RawFilename, Output: fnReslice}},
			Transforms: []registration.TransformSpec{{Path: fnAccum}},
		}
		if err := sess.RunReslice(ctx, reg); err != nil {
			return fmt.Errorf("reslicing slice %s: %w", s.UniqueID, err)
		}
		r.log.Debug("resliced into root space", "slice", s.UniqueID, "chainDistance", tree.Dist[i])
	}

	r.log.Info("stack reconstruction complete", "root", rootSlice.UniqueID)
	return nil
}
