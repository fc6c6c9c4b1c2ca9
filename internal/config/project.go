package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// File names read from the project root.
const (
	CargoConfigPath   = ".cargo/config.toml"
	CargoManifestPath = "Cargo.toml"
)

// Profile directory names under target/<triple>/.
const (
	DebugProfile   = "debug"
	ReleaseProfile = "release"
)

// Project is the cargo view of a kernel project.
type Project struct {
	// Dir is the absolute project root.
	Dir string

	// Crate is package.name.
	Crate string

	// Triple is the file stem of build.target.
	Triple string

	// TestArgs are appended to the emulator command line for test binaries.
	TestArgs []string

	// RunArgs are appended to the emulator command line for `cargo run`.
	RunArgs []string

	// TestSuccessExitCode, when set, is the emulator exit code a test
	// kernel uses to report success. It is mapped to 0 for cargo.
	TestSuccessExitCode *int
}

type cargoConfig struct {
	Build struct {
		Target string `toml:"target"`
	} `toml:"build"`
}

type cargoManifest struct {
	Package struct {
		Name     string `toml:"name"`
		Metadata struct {
			OSC struct {
				TestArgs            []string `toml:"test-args"`
				RunArgs             []string `toml:"run-args"`
				TestSuccessExitCode *int     `toml:"test-success-exit-code"`
			} `toml:"osc"`
		} `toml:"metadata"`
	} `toml:"package"`
}

// LoadProject reads .cargo/config.toml and Cargo.toml from dir.
func LoadProject(dir string) (*Project, error) {
	if !filepath.IsAbs(dir) {
		return nil, fmt.Errorf("project dir %q must be absolute", dir)
	}

	var cfg cargoConfig
	if err := decodeTOML(filepath.Join(dir, CargoConfigPath), &cfg); err != nil {
		return nil, err
	}
	var manifest cargoManifest
	if err := decodeTOML(filepath.Join(dir, CargoManifestPath), &manifest); err != nil {
		return nil, err
	}

	p := &Project{
		Dir:      dir,
		Crate:    manifest.Package.Name,
		Triple:   TargetTriple(cfg.Build.Target),
		TestArgs: manifest.Package.Metadata.OSC.TestArgs,
		RunArgs:  manifest.Package.Metadata.OSC.RunArgs,

		TestSuccessExitCode: manifest.Package.Metadata.OSC.TestSuccessExitCode,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks that the fields orchestration depends on are present.
func (p *Project) Validate() error {
	var errs []error
	if p.Crate == "" {
		errs = append(errs, fmt.Errorf("%s: package.name is required", CargoManifestPath))
	}
	if p.Triple == "" {
		errs = append(errs, fmt.Errorf("%s: build.target is required", CargoConfigPath))
	}
	return errors.Join(errs...)
}

// TargetTriple returns the triple named by a build.target value: the file
// stem of a custom target spec, or the value itself for a builtin triple.
func TargetTriple(target string) string {
	base := filepath.Base(strings.TrimSpace(target))
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	if ext := filepath.Ext(base); ext == ".json" {
		return strings.TrimSuffix(base, ext)
	}
	return base
}

// ProfileDir returns target/<triple>/<debug|release>.
func (p *Project) ProfileDir(release bool) string {
	profile := DebugProfile
	if release {
		profile = ReleaseProfile
	}
	return filepath.Join(p.Dir, "target", p.Triple, profile)
}

// DefaultArtifact returns the path cargo build produces for the crate.
func (p *Project) DefaultArtifact(release bool) string {
	return filepath.Join(p.ProfileDir(release), p.Crate)
}

// IsTestBinary reports whether an artifact path, as cargo passed it to the
// runner, is a test binary. Cargo hands test binaries to the runner as
// absolute paths inside the project and `cargo run` binaries as relative
// ones.
func (p *Project) IsTestBinary(rawPath string) bool {
	return filepath.IsAbs(rawPath) && isWithin(p.Dir, rawPath)
}

// EmulatorArgs returns the configured emulator arguments for rawPath.
func (p *Project) EmulatorArgs(rawPath string) []string {
	if p.IsTestBinary(rawPath) {
		return p.TestArgs
	}
	return p.RunArgs
}

// EmulatorExitCode maps the emulator's exit code to the runner's. Only a
// test binary's configured success code is rewritten.
func (p *Project) EmulatorExitCode(rawPath string, code int) int {
	if p.TestSuccessExitCode != nil && p.IsTestBinary(rawPath) && code == *p.TestSuccessExitCode {
		return 0
	}
	return code
}

func isWithin(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func decodeTOML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
