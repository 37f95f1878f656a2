// Package registration defines the contract with the external registration
// engine that performs the actual image-similarity optimization, plus the
// affine matrix codec shared between the pipeline and the engine.
//
// The pipeline never computes similarity metrics or interpolates pixels
// itself; it assembles parameter sets, hands named image buffers to a
// Session, and consumes transform files and metric reports.
package registration

import (
	"context"
	"errors"

	"histostack/internal/models"
)

// ErrEngine wraps any failure inside a registration or reslice call. Engine
// failures are fatal to the run and are never retried.
var ErrEngine = errors.New("registration engine failure")

// DOF selects the degrees of freedom of a linear registration.
type DOF int

const (
	// DOFRigid restricts the transform to rotation and translation.
	DOFRigid DOF = iota

	// DOFAffine allows the full affine transform.
	DOFAffine
)

// InitMode selects how a linear registration is initialized.
type InitMode int

const (
	// InitImageCenters aligns the centers of mass of the two images.
	InitImageCenters InitMode = iota

	// InitFromFile reads the initial transform from InitTransform.
	InitFromFile

	// InitIdentity starts from the identity transform.
	InitIdentity
)

// ImagePair is one weighted fixed/moving pair in a registration problem.
// Names refer either to files or to objects registered on the session.
type ImagePair struct {
	Fixed  string
	Moving string
	Weight float64
}

// TransformSpec names one transform file in a transform chain.
type TransformSpec struct {
	Path string
}

// ResliceSpec maps one moving image to one resampled output.
type ResliceSpec struct {
	Moving string
	Output string
}

// ResliceParams describes a reslicing problem: each image in Images is
// resampled into the space of RefImage through the Transforms chain,
// applied in order.
type ResliceParams struct {
	RefImage   string
	Images     []ResliceSpec
	Transforms []TransformSpec
}

// Params carries one registration or reslice problem. The zero value is a
// valid empty template; the pipeline copies a template per call and fills
// the problem-specific fields.
type Params struct {
	// Inputs are the weighted image pairs of a registration problem.
	Inputs []ImagePair

	// AffineDOF and AffineInit control linear registration.
	AffineDOF           DOF
	AffineInit          InitMode
	AffineInitTransform TransformSpec

	// MovingPreTransforms are applied to the moving image before a
	// deformable optimization.
	MovingPreTransforms []TransformSpec

	// Output is the path of the resulting transform (affine) or
	// deformation field (deformable).
	Output string

	// Reslice is the problem description for RunReslice.
	Reslice ResliceParams

	// Threads caps the engine's internal data-parallelism; zero lets the
	// engine decide.
	Threads int

	// ExtraArgs are engine-specific options passed through verbatim
	// (similarity metric, pyramid schedule, smoothing, ...).
	ExtraArgs []string
}

// MetricReport is the match-quality report of the last registration run on
// a session. Components[0] is the first image pair's contribution; the total
// sums all pairs.
type MetricReport struct {
	Total      float64
	Components []float64
}

// Session is one engine invocation context. Named in-memory objects can be
// attached so repeatedly used buffers are not round-tripped through files;
// an engine that runs out of process may materialize them as temporary
// files instead.
type Session interface {
	// AddCachedInput attaches an already-loaded buffer under name.
	AddCachedInput(name string, img *models.Image)

	// AddCachedOutput requests that the output named name be written into
	// dst instead of (or in addition to) a file.
	AddCachedOutput(name string, dst *models.Image)

	// RunAffine solves a linear registration problem and writes the
	// resulting matrix to p.Output.
	RunAffine(ctx context.Context, p *Params) error

	// RunDeformable optimizes a dense deformation field on top of the
	// moving pre-transforms and writes it to p.Output.
	RunDeformable(ctx context.Context, p *Params) error

	// RunReslice resamples images per p.Reslice.
	RunReslice(ctx context.Context, p *Params) error

	// MetricReport returns the metric report of the last RunAffine or
	// RunDeformable call on this session.
	MetricReport() MetricReport
}

// Engine creates registration sessions. Implementations are external
// collaborators; the pipeline treats every call as blocking.
type Engine interface {
	NewSession() Session
}
