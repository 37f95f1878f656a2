package registration

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"

	"histostack/internal/models"
	"histostack/pkg/imageio"
)

// Greedy drives an external greedy-style registration binary through its
// command line. Because the engine runs out of process, cached input objects
// are materialized as temporary files for the duration of a call and cached
// outputs are read back afterwards.
type Greedy struct {
	// Binary is the path of the registration executable.
	Binary string

	// Threads caps the engine's worker pool; zero lets the engine decide.
	Threads int

	// Log receives one debug record per invocation.
	Log *slog.Logger
}

// NewGreedy creates an engine wrapper for the given executable.
func NewGreedy(binary string, threads int, log *slog.Logger) *Greedy {
	if log == nil {
		log = slog.Default()
	}
	return &Greedy{Binary: binary, Threads: threads, Log: log}
}

// NewSession implements Engine.
func (g *Greedy) NewSession() Session {
	return &greedySession{engine: g, inputs: map[string]*models.Image{}, outputs: map[string]*models.Image{}}
}

type greedySession struct {
	engine  *Greedy
	inputs  map[string]*models.Image
	outputs map[string]*models.Image
	report  MetricReport
}

func (s *greedySession) AddCachedInput(name string, img *models.Image) {
	s.inputs[name] = img
}

func (s *greedySession) AddCachedOutput(name string, dst *models.Image) {
	s.outputs[name] = dst
}

func (s *greedySession) MetricReport() MetricReport { return s.report }

func (s *greedySession) RunAffine(ctx context.Context, p *Params) error {
	args := []string{"-d", "2", "-a"}
	if p.AffineDOF == DOFRigid {
		args = append(args, "-dof", "6")
	} else {
		args = append(args, "-dof", "12")
	}
	switch p.AffineInit {
	case InitImageCenters:
		args = append(args, "-ia-image-centers")
	case InitFromFile:
		args = append(args, "-ia", p.AffineInitTransform.Path)
	case InitIdentity:
		args = append(args, "-ia-identity")
	}
	return s.run(ctx, p, args, true)
}

func (s *greedySession) RunDeformable(ctx context.Context, p *Params) error {
	args := []string{"-d", "2"}
	for _, t := range p.MovingPreTransforms {
		args = append(args, "-it", t.Path)
	}
	return s.run(ctx, p, args, true)
}

func (s *greedySession) RunReslice(ctx context.Context, p *Params) error {
	args := []string{"-d", "2", "-rf", p.Reslice.RefImage}
	for _, im := range p.Reslice.Images {
		args = append(args, "-rm", im.Moving, im.Output)
	}
	if len(p.Reslice.Transforms) > 0 {
		args = append(args, "-r")
		for _, t := range p.Reslice.Transforms {
			args = append(args, t.Path)
		}
	}
	return s.run(ctx, p, args, false)
}

// run materializes session objects, invokes the binary and collects results.
func (s *greedySession) run(ctx context.Context, p *Params, args []string, wantMetric bool) error {
	tmp, err := os.MkdirTemp("", "histostack-greedy-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngine, err)
	}
	defer os.RemoveAll(tmp)

	// Rewrite object names to temp files in args and inputs.
	paths := map[string]string{}
	for name, img := range s.inputs {
		fn := filepath.Join(tmp, "in_"+sanitize(name)+".hsi")
		data, err := imageio.EncodeImage(img)
		if err != nil {
			return fmt.Errorf("%w: encode %s: %v", ErrEngine, name, err)
		}
		if err := os.WriteFile(fn, data, 0644); err != nil {
			return fmt.Errorf("%w: materialize %s: %v", ErrEngine, name, err)
		}
		paths[name] = fn
	}
	outPaths := map[string]string{}
	for name := range s.outputs {
		fn := filepath.Join(tmp, "out_"+sanitize(name)+".hsi")
		paths[name] = fn
		outPaths[name] = fn
	}
	for i, a := range args {
		if fn, ok := paths[a]; ok {
			args[i] = fn
		}
	}

	for _, pair := range p.Inputs {
		args = append(args, "-i", resolve(paths, pair.Fixed), resolve(paths, pair.Moving),
			"-w", strconv.FormatFloat(pair.Weight, 'g', -1, 64))
	}
	if p.Output != "" {
		args = append(args, "-o", resolve(paths, p.Output))
	}
	if p.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(p.Threads))
	} else if s.engine.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(s.engine.Threads))
	}
	args = append(args, p.ExtraArgs...)

	cmd := exec.CommandContext(ctx, s.engine.Binary, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	s.engine.Log.Debug("invoking registration engine", "binary", s.engine.Binary, "args", args)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s: %v\n%s", ErrEngine, s.engine.Binary, err, out.String())
	}

	if wantMetric {
		s.report = parseMetricReport(&out)
	}

	// Read cached outputs back.
	for name, dst := range s.outputs {
		data, err := os.ReadFile(outPaths[name])
		if err != nil {
			return fmt.Errorf("%w: missing output object %s: %v", ErrEngine, name, err)
		}
		img, err := imageio.DecodeImage(data)
		if err != nil {
			return fmt.Errorf("%w: decode output object %s: %v", ErrEngine, name, err)
		}
		*dst = *img
	}
	return nil
}

var metricLine = regexp.MustCompile(`^Final metric value:\s*(-?[0-9.eE+-]+)`)

// parseMetricReport scans engine output for the final metric lines. The
// first match is the total; engines that report per-component values print
// one further line per component, which become the Components. A lone total
// yields a one-component report, so a multi-pair problem run against an
// engine that only reports the total attributes everything to the first
// pair.
func parseMetricReport(out *bytes.Buffer) MetricReport {
	var vals []float64
	sc := bufio.NewScanner(bytes.NewReader(out.Bytes()))
	for sc.Scan() {
		m := metricLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			vals = append(vals, v)
		}
	}

	var rep MetricReport
	if len(vals) > 0 {
		rep.Total = vals[0]
	}
	if len(vals) > 1 {
		rep.Components = vals[1:]
	} else {
		rep.Components = []float64{rep.Total}
	}
	return rep
}

func resolve(paths map[string]string, name string) string {
	if fn, ok := paths[name]; ok {
		return fn
	}
	return name
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func sanitize(name string) string {
	return unsafeChars.ReplaceAllString(filepath.Base(name), "_")
}
