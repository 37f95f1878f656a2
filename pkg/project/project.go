// Package project manages the durable state of a stack alignment project:
// the slice manifest, the per-key configuration store, the file layout, and
// the resume-by-skip checkpoint rules shared by all pipeline stages.
package project

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"histostack/internal/models"
	"histostack/pkg/imageio"
	"histostack/pkg/registration"
)

// ErrConfig marks configuration errors: malformed manifest lines, missing
// required files, out-of-range parameters. These abort the run immediately.
var ErrConfig = errors.New("configuration error")

// DefaultImageExt is the extension used for image outputs when a project is
// created without an explicit one.
const DefaultImageExt = "hsi"

// Project is the durable representation of one alignment project. It is
// created once from a manifest and reloaded from the project directory by
// every later stage.
type Project struct {
	// Dir is the project directory.
	Dir string

	// Reuse permits skipping any unit whose output files already exist.
	Reuse bool

	// Slices holds the project's slices in manifest order.
	Slices []models.Slice

	// Layout derives all paths inside Dir.
	Layout Layout

	store Store
	log   *slog.Logger
}

// Create initializes a project directory from a manifest file: the manifest
// is validated, copied into the project, and the default image extension is
// recorded in the configuration store.
func Create(store Store, dir, manifestPath, ext string, log *slog.Logger) (*Project, error) {
	p := newProject(store, dir, ext, log)
	slices, err := readManifest(store, manifestPath)
	if err != nil {
		return nil, err
	}
	p.Slices = slices
	if err := p.writeManifest(); err != nil {
		return nil, err
	}
	if err := p.SaveConfigKey("DefaultImageExt", ext); err != nil {
		return nil, err
	}
	p.log.Info("project initialized", "dir", dir, "slices", len(slices))
	return p, nil
}

// Open restores an initialized project from its directory.
func Open(store Store, dir string, reuse bool, log *slog.Logger) (*Project, error) {
	p := newProject(store, dir, DefaultImageExt, log)
	p.Reuse = reuse
	p.Layout.Ext = p.LoadConfigKey("DefaultImageExt", DefaultImageExt)
	slices, err := readManifest(store, p.Layout.Manifest())
	if err != nil {
		return nil, err
	}
	p.Slices = slices
	return p, nil
}

func newProject(store Store, dir, ext string, log *slog.Logger) *Project {
	if log == nil {
		log = slog.Default()
	}
	return &Project{
		Dir:    dir,
		Layout: Layout{Dir: dir, Ext: ext},
		store:  store,
		log:    log,
	}
}

// readManifest parses a manifest file: one slice per line as
// "<unique_id> <z_position> <source_path>". Every referenced source file
// must exist; its path is resolved to an absolute path. A malformed line is
// a hard parse failure.
func readManifest(store Store, path string) ([]models.Slice, error) {
	data, err := store.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read manifest %s: %v", ErrConfig, path, err)
	}

	var slices []models.Slice
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: error reading manifest file, line %q", ErrConfig, line)
		}
		z, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: error reading manifest file, line %q: %v", ErrConfig, line, err)
		}
		raw, err := filepath.Abs(fields[2])
		if err != nil {
			return nil, fmt.Errorf("%w: cannot resolve path %s: %v", ErrConfig, fields[2], err)
		}
		if !store.Has(raw) {
			return nil, fmt.Errorf("%w: file %s referenced in the manifest does not exist", ErrConfig, fields[2])
		}
		slices = append(slices, models.Slice{UniqueID: fields[0], ZPos: z, RawFilename: raw})
	}
	return slices, nil
}

// writeManifest stores the project's manifest copy. The format round-trips
// losslessly through readManifest.
func (p *Project) writeManifest() error {
	var sb strings.Builder
	for _, s := range p.Slices {
		fmt.Fprintf(&sb, "%s %s %s\n",
			s.UniqueID, strconv.FormatFloat(s.ZPos, 'g', -1, 64), s.RawFilename)
	}
	if err := p.store.WriteFile(p.Layout.Manifest(), []byte(sb.String())); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// SaveConfigKey stores one configuration value as a file under config/dict.
func (p *Project) SaveConfigKey(key string, value any) error {
	if err := p.store.WriteFile(p.Layout.ConfigEntry(key), []byte(fmt.Sprint(value))); err != nil {
		return fmt.Errorf("failed to save config key %s: %w", key, err)
	}
	return nil
}

// LoadConfigKey returns a stored configuration value, or def when the key
// has never been written.
func (p *Project) LoadConfigKey(key, def string) string {
	data, err := p.store.ReadFile(p.Layout.ConfigEntry(key))
	if err != nil {
		return def
	}
	return strings.TrimSpace(string(data))
}

// CanSkip reports whether an output file may be reused instead of being
// recomputed: reuse must be enabled and the file must exist.
func (p *Project) CanSkip(path string) bool {
	return p.Reuse && p.store.Has(path)
}

// Has reports whether a project file exists, regardless of the reuse flag.
func (p *Project) Has(path string) bool {
	return p.store.Has(path)
}

// ReadMatrix loads an affine matrix from a project file.
func (p *Project) ReadMatrix(path string) (*mat.Dense, error) {
	data, err := p.store.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read affine matrix %s: %w", path, err)
	}
	m, err := registration.UnmarshalAffine(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse affine matrix %s: %w", path, err)
	}
	return m, nil
}

// WriteMatrix stores an affine matrix to a project file.
func (p *Project) WriteMatrix(path string, m *mat.Dense) error {
	if err := p.store.WriteFile(path, registration.MarshalAffine(m)); err != nil {
		return fmt.Errorf("failed to write affine matrix %s: %w", path, err)
	}
	return nil
}

// ReadMetric loads a scalar metric value from a project file.
func (p *Project) ReadMetric(path string) (float64, error) {
	data, err := p.store.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read metric %s: %w", path, err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse metric %s: %w", path, err)
	}
	return v, nil
}

// WriteMetric stores a scalar metric value to a project file.
func (p *Project) WriteMetric(path string, v float64) error {
	s := strconv.FormatFloat(v, 'g', -1, 64) + "\n"
	if err := p.store.WriteFile(path, []byte(s)); err != nil {
		return fmt.Errorf("failed to write metric %s: %w", path, err)
	}
	return nil
}

// LoadImage reads an image from a project file.
func (p *Project) LoadImage(path string) (*models.Image, error) {
	data, err := p.store.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", path, err)
	}
	img, err := imageio.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	return img, nil
}

// SaveImage writes an image to a project file.
func (p *Project) SaveImage(path string, img *models.Image) error {
	data, err := imageio.EncodeImage(img)
	if err != nil {
		return fmt.Errorf("failed to encode image %s: %w", path, err)
	}
	if err := p.store.WriteFile(path, data); err != nil {
		return fmt.Errorf("failed to write image %s: %w", path, err)
	}
	return nil
}

// LoadVolume reads a reference volume from a file.
func (p *Project) LoadVolume(path string) (*models.Volume, error) {
	data, err := p.store.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read volume %s: %v", ErrConfig, path, err)
	}
	vol, err := imageio.DecodeVolume(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode volume %s: %w", path, err)
	}
	return vol, nil
}

// WriteText stores an arbitrary text artifact, such as an iteration metric
// dump.
func (p *Project) WriteText(path, text string) error {
	return p.store.WriteFile(path, []byte(text))
}

// Log returns the project logger.
func (p *Project) Log() *slog.Logger { return p.log }
