// Package reconstruction drives the stack alignment pipeline: pairwise
// registration over the slice proximity graph, shortest-path transform
// chaining into a common root space, initial matching of the reconstructed
// stack to a reference volume, and the iterative refinement loop.
//
// The package orchestrates; all similarity optimization and resampling is
// delegated to the registration engine.
package reconstruction

import (
	"log/slog"

	"histostack/internal/models"
	"histostack/pkg/cache"
	"histostack/pkg/project"
	"histostack/pkg/registration"
	"histostack/pkg/volume"
)

// metricScale is the engine's metric normalization constant: the reported
// total divided by -metricScale per pixel component yields the mean match
// quality in [0, 1]-like range, 0 worst.
const metricScale = 10000.0

// Options configures a Reconstructor.
type Options struct {
	// Engine performs registrations and reslicing.
	Engine registration.Engine

	// CacheBytes and CacheItems bound the slide image cache; zero leaves
	// the corresponding constraint unbounded.
	CacheBytes int64
	CacheItems int

	// Threads caps the engine's internal parallelism (0 = engine default).
	Threads int

	// ExtraArgs are engine options passed through to every invocation.
	ExtraArgs []string

	// Sampling selects how volume cross-sections are extracted.
	Sampling volume.Sampling

	// ShuffleSeed seeds the randomized slice visitation order of the
	// refinement loop.
	ShuffleSeed int64

	// Log receives progress output; nil uses the project logger.
	Log *slog.Logger
}

// Reconstructor runs the pipeline stages against one project. All stages
// are driven from a single goroutine; engine calls block.
type Reconstructor struct {
	proj     *project.Project
	engine   registration.Engine
	cache    *cache.Cache
	threads  int
	extra    []string
	sampling volume.Sampling
	seed     int64
	log      *slog.Logger
}

// New creates a reconstructor for an opened project.
func New(proj *project.Project, opts Options) *Reconstructor {
	log := opts.Log
	if log == nil {
		log = proj.Log()
	}
	return &Reconstructor{
		proj:     proj,
		engine:   opts.Engine,
		cache:    cache.New(opts.CacheBytes, opts.CacheItems),
		threads:  opts.Threads,
		extra:    opts.ExtraArgs,
		sampling: opts.Sampling,
		seed:     opts.ShuffleSeed,
		log:      log,
	}
}

// image returns the image stored at path, through the bounded cache.
func (r *Reconstructor) image(path string) (*models.Image, error) {
	return cache.Get(r.cache, path, r.proj.LoadImage)
}

// params returns a fresh engine parameter set carrying the run-wide
// settings; callers fill in the problem-specific fields.
func (r *Reconstructor) params() *registration.Params {
	return &registration.Params{
		Threads:   r.threads,
		ExtraArgs: append([]string(nil), r.extra...),
	}
}
