package reconstruction

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"histostack/internal/models"
	"histostack/pkg/imageio"
	"histostack/pkg/project"
	"histostack/pkg/registration"
	"histostack/pkg/volume"
)

// fakeEngine records every engine call and produces synthetic results:
// identity matrices on affine runs, a fixed-image copy on reslices, and a
// metric report derived from pairMetric the same way the real engine
// reports it (negative, scaled by metricScale per pair weight).
type fakeEngine struct {
	store      *project.MemStore
	pairMetric float64

	mu      sync.Mutex
	affine  []*registration.Params
	deform  []*registration.Params
	reslice []*registration.Params
}

func (e *fakeEngine) NewSession() registration.Session {
	return &fakeSession{
		eng:     e,
		inputs:  make(map[string]*models.Image),
		outputs: make(map[string]*models.Image),
	}
}

func (e *fakeEngine) counts() (affine, deform, reslice int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.affine), len(e.deform), len(e.reslice)
}

type fakeSession struct {
	eng     *fakeEngine
	inputs  map[string]*models.Image
	outputs map[string]*models.Image
	report  registration.MetricReport
}

func (s *fakeSession) AddCachedInput(name string, img *models.Image)  { s.inputs[name] = img }
func (s *fakeSession) AddCachedOutput(name string, dst *models.Image) { s.outputs[name] = dst }

func (s *fakeSession) reportFor(p *registration.Params) registration.MetricReport {
	rep := registration.MetricReport{}
	for _, pair := range p.Inputs {
		c := -metricScale * s.eng.pairMetric * pair.Weight
		rep.Components = append(rep.Components, c)
		rep.Total += c
	}
	return rep
}

func (s *fakeSession) RunAffine(_ context.Context, p *registration.Params) error {
	s.eng.mu.Lock()
	s.eng.affine = append(s.eng.affine, p)
	s.eng.mu.Unlock()
	s.report = s.reportFor(p)
	return s.eng.store.WriteFile(p.Output, registration.MarshalAffine(registration.Identity()))
}

func (s *fakeSession) RunDeformable(_ context.Context, p *registration.Params) error {
	s.eng.mu.Lock()
	s.eng.deform = append(s.eng.deform, p)
	s.eng.mu.Unlock()
	s.report = s.reportFor(p)
	return s.eng.store.WriteFile(p.Output, []byte("warp"))
}

func (s *fakeSession) RunReslice(_ context.Context, p *registration.Params) error {
	s.eng.mu.Lock()
	s.eng.reslice = append(s.eng.reslice, p)
	s.eng.mu.Unlock()

	ref, ok := s.inputs[p.Reslice.RefImage]
	if !ok {
		return fmt.Errorf("%w: reference image %s not attached", registration.ErrEngine, p.Reslice.RefImage)
	}
	for _, spec := range p.Reslice.Images {
		if dst, cached := s.outputs[spec.Output]; cached {
			*dst = *ref.Clone()
			continue
		}
		data, err := imageio.EncodeImage(ref)
		if err != nil {
			return err
		}
		if err := s.eng.store.WriteFile(spec.Output, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSession) MetricReport() registration.MetricReport { return s.report }

func testImage(w, h int) *models.Image {
	img := models.NewImage(w, h, 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, 0, float64(y*w+x))
		}
	}
	return img
}

// seedProject builds an in-memory project with n slides spaced 1.0 apart
// in z, and returns it with its backing store.
func seedProject(t *testing.T, n int) (*project.Project, *project.MemStore) {
	t.Helper()
	store := project.NewMemStore()

	manifest := ""
	for i := 0; i < n; i++ {
		path := fmt.Sprintf("/data/slide_%02d.hsi", i)
		data, err := imageio.EncodeImage(testImage(8, 8))
		require.NoError(t, err)
		require.NoError(t, store.WriteFile(path, data))
		manifest += fmt.Sprintf("s%02d %g %s\n", i, float64(i), path)
	}
	require.NoError(t, store.WriteFile("/in/manifest.txt", []byte(manifest)))

	p, err := project.Create(store, "/proj", "/in/manifest.txt", "hsi", nil)
	require.NoError(t, err)
	return p, store
}

func newTestReconstructor(p *project.Project, eng *fakeEngine) *Reconstructor {
	return New(p, Options{
		Engine:      eng,
		CacheItems:  8,
		Sampling:    volume.NearestNeighbor,
		ShuffleSeed: 1,
	})
}

func TestReconstructStack(t *testing.T) {
	p, store := seedProject(t, 3)
	eng := &fakeEngine{store: store, pairMetric: 0.8}
	r := newTestReconstructor(p, eng)

	require.NoError(t, r.ReconstructStack(context.Background(), 1.5, 0.1))

	// With unit z-spacing and zRange 1.5 only adjacent pairs register, in
	// both directions.
	affine, _, reslice := eng.counts()
	assert.Equal(t, 4, affine)
	assert.Equal(t, 3, reslice)

	assert.Equal(t, "1.5", p.LoadConfigKey("Z_Range", ""))
	assert.Equal(t, "0.1", p.LoadConfigKey("Z_Epsilon", ""))

	for _, pair := range [][2]int{{0, 1}, {1, 0}, {1, 2}, {2, 1}} {
		ref, mov := p.Slices[pair[0]], p.Slices[pair[1]]
		assert.True(t, p.Has(p.Layout.AffineMatrix(ref, mov)), "matrix %s->%s", ref.UniqueID, mov.UniqueID)
		m, err := p.ReadMetric(p.Layout.PairMetric(ref, mov))
		require.NoError(t, err)
		assert.InDelta(t, 0.8, m, 1e-12)
	}

	// All edge weights are equal, so the middle slice is the medoid root
	// and its accumulated transform is the identity.
	mRoot, err := p.ReadMatrix(p.Layout.AccumMatrix(p.Slices[1]))
	require.NoError(t, err)
	assert.InDelta(t, 0, registration.L1Distance(mRoot, registration.Identity()), 1e-12)

	for _, s := range p.Slices {
		assert.True(t, p.Has(p.Layout.AccumMatrix(s)), "accum matrix for %s", s.UniqueID)
		assert.True(t, p.Has(p.Layout.AccumReslice(s)), "reslice for %s", s.UniqueID)
	}
}

func TestReconstructStackReuseSkipsEngine(t *testing.T) {
	p, store := seedProject(t, 3)
	eng := &fakeEngine{store: store, pairMetric: 0.8}
	require.NoError(t, newTestReconstructor(p, eng).ReconstructStack(context.Background(), 1.5, 0.1))

	// A second run over the same store with reuse enabled finds every
	// output in place and never calls the engine.
	q, err := project.Open(store, "/proj", true, nil)
	require.NoError(t, err)
	eng2 := &fakeEngine{store: store, pairMetric: 0.8}
	require.NoError(t, newTestReconstructor(q, eng2).ReconstructStack(context.Background(), 1.5, 0.1))

	affine, deform, reslice := eng2.counts()
	assert.Zero(t, affine)
	assert.Zero(t, deform)
	assert.Zero(t, reslice)
}

func TestReconstructStackRejectsMetricAboveOne(t *testing.T) {
	p, store := seedProject(t, 3)
	eng := &fakeEngine{store: store, pairMetric: 0.8}
	require.NoError(t, newTestReconstructor(p, eng).ReconstructStack(context.Background(), 1.5, 0.1))

	// A reused metric file is trusted without recomputation; a value above
	// 1 would flip the edge weight negative and must abort the rerun
	// before it reaches the shortest-path stage.
	ref, mov := p.Slices[0], p.Slices[1]
	require.NoError(t, p.WriteMetric(p.Layout.PairMetric(ref, mov), 1.5))

	q, err := project.Open(store, "/proj", true, nil)
	require.NoError(t, err)
	err = newTestReconstructor(q, &fakeEngine{store: store, pairMetric: 0.8}).
		ReconstructStack(context.Background(), 1.5, 0.1)
	require.ErrorIs(t, err, project.ErrConfig)
	assert.Contains(t, err.Error(), ref.UniqueID)
	assert.Contains(t, err.Error(), mov.UniqueID)
}

func TestMedianAffine(t *testing.T) {
	scaled := func(f float64) *mat.Dense {
		m := registration.Identity()
		m.Scale(f, m)
		return m
	}
	affines := []*mat.Dense{scaled(1), scaled(2), scaled(3), scaled(10)}

	// The medoid of {1, 2, 3, 10} times identity is the 2x matrix; the
	// outlier cannot drag the selection the way an average would.
	assert.Equal(t, 1, MedianAffine(affines))

	// Selection is by value, not by position.
	reordered := []*mat.Dense{scaled(10), scaled(3), scaled(2), scaled(1)}
	assert.InDelta(t, 0,
		registration.L1Distance(affines[MedianAffine(affines)], reordered[MedianAffine(reordered)]),
		1e-12)
}

func TestIterateToVolumeRangeValidation(t *testing.T) {
	p, store := seedProject(t, 3)
	r := newTestReconstructor(p, &fakeEngine{store: store, pairMetric: 0.5})

	cases := []struct {
		name        string
		first, last int
	}{
		{"first after last", 3, 2},
		{"last beyond schedule", 1, 6},
		{"first zero with last set", 0, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.IterateToVolume(context.Background(), IterOptions{
				NAffine: 3, NDeform: 2, First: tc.first, Last: tc.last, VolumeWeight: 4,
			})
			require.ErrorIs(t, err, project.ErrConfig)
		})
	}
}

// seedIterInputs stores the artifacts the refinement loop expects from the
// earlier stages: per-slice volume cross-sections and iteration-0 matrices.
func seedIterInputs(t *testing.T, p *project.Project) {
	t.Helper()
	for _, s := range p.Slices {
		require.NoError(t, p.SaveImage(p.Layout.VolSlide(s), testImage(8, 8)))
		require.NoError(t, p.WriteMatrix(p.Layout.VolIterMatrix(s, 0), registration.Identity()))
	}
}

func TestIterateToVolume(t *testing.T) {
	p, store := seedProject(t, 3)
	seedIterInputs(t, p)

	eng := &fakeEngine{store: store, pairMetric: 0.5}
	r := newTestReconstructor(p, eng)

	opts := IterOptions{NAffine: 2, NDeform: 1, VolumeWeight: 4}
	require.NoError(t, r.IterateToVolume(context.Background(), opts))

	affine, deform, _ := eng.counts()
	assert.Equal(t, 6, affine, "2 affine iterations x 3 slices")
	assert.Equal(t, 3, deform, "1 deformable iteration x 3 slices")

	for _, s := range p.Slices {
		assert.True(t, p.Has(p.Layout.VolIterMatrix(s, 1)))
		assert.True(t, p.Has(p.Layout.VolIterMatrix(s, 2)))
		assert.True(t, p.Has(p.Layout.VolIterWarp(s, 3)))
		for iter := 1; iter <= 3; iter++ {
			assert.True(t, p.Has(p.Layout.IterMetric(s, iter)), "metric dump for %s iter %d", s.UniqueID, iter)
		}
	}

	// Every problem leads with the volume cross-section at the configured
	// weight; neighbors weigh 1.
	eng.mu.Lock()
	defer eng.mu.Unlock()
	for _, params := range eng.affine {
		require.NotEmpty(t, params.Inputs)
		assert.Equal(t, "volume_slice", params.Inputs[0].Fixed)
		assert.Equal(t, 4.0, params.Inputs[0].Weight)
		for _, pair := range params.Inputs[1:] {
			assert.Equal(t, 1.0, pair.Weight)
		}
		assert.Equal(t, registration.InitFromFile, params.AffineInit)
	}
	for _, params := range eng.deform {
		assert.Equal(t, registration.InitIdentity, params.AffineInit)
		require.Len(t, params.MovingPreTransforms, 1)
		// The deformable field stacks on the end-of-affine-phase matrix.
		assert.Contains(t, params.MovingPreTransforms[0].Path, "iter02")
	}
}

func TestIterateToVolumeResumes(t *testing.T) {
	p, store := seedProject(t, 3)
	seedIterInputs(t, p)

	eng := &fakeEngine{store: store, pairMetric: 0.5}
	opts := IterOptions{NAffine: 2, NDeform: 1, VolumeWeight: 4}
	require.NoError(t, newTestReconstructor(p, eng).IterateToVolume(context.Background(), IterOptions{
		NAffine: 2, NDeform: 1, First: 1, Last: 2, VolumeWeight: 4,
	}))

	// Drop one unit's checkpoint to simulate an interrupted run.
	victim := p.Slices[1]
	store.Remove(p.Layout.VolIterMatrix(victim, 2))

	q, err := project.Open(store, "/proj", true, nil)
	require.NoError(t, err)
	eng2 := &fakeEngine{store: store, pairMetric: 0.5}
	require.NoError(t, newTestReconstructor(q, eng2).IterateToVolume(context.Background(), opts))

	// Only the missing iteration-2 unit reruns, plus the full deformable
	// iteration 3 that never happened.
	affine, deform, _ := eng2.counts()
	assert.Equal(t, 1, affine)
	assert.Equal(t, 3, deform)
	assert.True(t, q.Has(q.Layout.VolIterMatrix(victim, 2)))
}

func TestMatchToVolume(t *testing.T) {
	p, store := seedProject(t, 3)

	// The matcher consumes the reconstructed stack: accumulated matrices
	// and root-space reslices.
	for _, s := range p.Slices {
		require.NoError(t, p.WriteMatrix(p.Layout.AccumMatrix(s), registration.Identity()))
		require.NoError(t, p.SaveImage(p.Layout.AccumReslice(s), testImage(8, 8)))
	}

	vol := models.NewVolume(8, 8, 4, 1)
	data, err := imageio.EncodeVolume(vol)
	require.NoError(t, err)
	require.NoError(t, store.WriteFile("/data/ref.hsv", data))

	eng := &fakeEngine{store: store, pairMetric: 0.7}
	r := newTestReconstructor(p, eng)
	require.NoError(t, r.MatchToVolume(context.Background(), "/data/ref.hsv"))

	affine, _, _ := eng.counts()
	assert.Equal(t, 3, affine)

	assert.True(t, p.Has(p.Layout.VolMedianMatrix()))
	for _, s := range p.Slices {
		assert.True(t, p.Has(p.Layout.VolSlide(s)))
		assert.True(t, p.Has(p.Layout.VolInitMatrix(s)))

		// With identity accumulations and identity match affines, the
		// iteration-0 transform is the identity too.
		m0, err := p.ReadMatrix(p.Layout.VolIterMatrix(s, 0))
		require.NoError(t, err)
		assert.InDelta(t, 0, registration.L1Distance(m0, registration.Identity()), 1e-12)
	}
}
