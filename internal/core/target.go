package core

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Directory and file names of the compiler output tree and the project.
const (
	DepsDirName      = "deps"
	ScratchDirName   = "build-temp"
	BinDirName       = "build-temp-bin"
	DebugProfileName = "debug"

	LinkerScriptName = "linker.ld"
	ISODirName       = "iso"
	ImageFileName    = "os.iso"
)

// Layout holds every path the engine touches. It is derived once from the
// project directory and the artifact path and then passed explicitly to
// each component; nothing reads the process working directory.
type Layout struct {
	// ProjectDir is the project root holding linker.ld, src/boot and iso/.
	ProjectDir string

	// ProfileDir is target/<triple>/<profile>.
	ProfileDir string

	// DepsDir holds the compiler's hash-suffixed outputs and manifests.
	DepsDir string

	// ScratchDir is rebuilt from nothing before every link attempt.
	ScratchDir string

	// BinDir collects one linked binary per attempt.
	BinDir string

	LinkerScript string
	BootDir      string
	ISODir       string

	// KernelImage is where the winning binary is copied for mastering.
	KernelImage string

	// ImageFile is the bootable image produced by the mastering tool.
	ImageFile string
}

// NewLayout derives a Layout from the project root and the profile dir.
func NewLayout(projectDir, profileDir string) Layout {
	iso := filepath.Join(projectDir, ISODirName)
	return Layout{
		ProjectDir:   projectDir,
		ProfileDir:   profileDir,
		DepsDir:      filepath.Join(profileDir, DepsDirName),
		ScratchDir:   filepath.Join(profileDir, ScratchDirName),
		BinDir:       filepath.Join(profileDir, BinDirName),
		LinkerScript: filepath.Join(projectDir, LinkerScriptName),
		BootDir:      filepath.Join(projectDir, "src", "boot"),
		ISODir:       iso,
		KernelImage:  filepath.Join(iso, "boot", "kernel.bin"),
		ImageFile:    filepath.Join(projectDir, ImageFileName),
	}
}

// Target is the artifact path handed to the orchestrator, analysed.
type Target struct {
	// Path is the absolute, cleaned artifact path.
	Path string

	// Crate is the target crate name from the project configuration.
	Crate string

	// InDeps is set when Path sits directly inside the deps directory,
	// which is where cargo places test binaries.
	InDeps bool

	// ObjectPrefix selects the manifests that contribute object candidates.
	ObjectPrefix string

	// Debug selects debug info for the boot assembler.
	Debug bool

	Layout Layout
}

// AnalyzeTarget resolves path against projectDir and derives the layout,
// object prefix and build mode. A relative path is joined to projectDir;
// the process working directory is never consulted.
func AnalyzeTarget(projectDir, path, crate string) (*Target, error) {
	if !filepath.IsAbs(projectDir) {
		return nil, &ConfigError{Code: CodeTargetInvalid, Path: projectDir, Err: errors.New("project dir must be absolute")}
	}
	if strings.TrimSpace(path) == "" {
		return nil, &ConfigError{Code: CodeTargetInvalid, Err: errors.New("artifact path is empty")}
	}
	if strings.TrimSpace(crate) == "" {
		return nil, &ConfigError{Code: CodeTargetInvalid, Path: path, Err: errors.New("crate name is empty")}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(projectDir, path)
	}
	path = filepath.Clean(path)

	parent := filepath.Dir(path)
	name := filepath.Base(path)
	t := &Target{Path: path, Crate: crate}

	profile := parent
	if filepath.Base(parent) == DepsDirName {
		t.InDeps = true
		profile = filepath.Dir(parent)
		// Test binaries carry their hash; their manifest shares the full name.
		t.ObjectPrefix = name
	} else {
		t.ObjectPrefix = LogicalPrefix(name)
	}
	if profile == filepath.Dir(profile) {
		return nil, &ConfigError{Code: CodeTargetInvalid, Path: path, Err: fmt.Errorf("no profile directory above %s", name)}
	}

	t.Debug = filepath.Base(profile) == DebugProfileName
	t.Layout = NewLayout(projectDir, profile)
	return t, nil
}

// IsDuplicateOutput reports whether the target is the compiler's duplicate,
// already-linked build of the crate itself rather than something to image.
func (t *Target) IsDuplicateOutput() bool {
	return t.InDeps && LogicalPrefix(filepath.Base(t.Path)) == t.Crate
}

// RequiresInternalModule reports whether archive candidates must come from
// the library build that lists the internal module (test binaries).
func (t *Target) RequiresInternalModule() bool {
	return t.InDeps
}
