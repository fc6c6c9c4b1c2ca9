package core

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Default manifest markers for a crate laid out as src/lib.rs + src/*.rs.
const (
	// DefaultLibraryEntry is the entry record of a library crate manifest.
	DefaultLibraryEntry = "src/lib.rs:"

	// DefaultInternalModule is a module every build of the kernel library
	// compiles. A library manifest that lists it is the test-harness build
	// of the crate rather than the crate's own library.
	DefaultInternalModule = "src/serial.rs:"

	// DefaultSourceRoot begins every line that lists the crate's own
	// sources. Archive and object inputs always precede those lines.
	DefaultSourceRoot = "src"
)

const maxManifestLine = 1 << 20

// Manifest is a parsed compiler dependency file: Make-rule lines mapping a
// produced target to its inputs, followed by one record per source file.
type Manifest struct {
	Path  string
	Lines []string
}

// ParseManifest reads the manifest at path. An unreadable or empty
// manifest is a fatal ConfigError: the compiler's own output is expected
// to be well formed.
func ParseManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ConfigError{Code: CodeManifestUnreadable, Path: path, Err: err}
	}
	defer f.Close()
	return ReadManifest(path, f)
}

// ReadManifest parses manifest text from r. path is used for reporting.
func ReadManifest(path string, r io.Reader) (*Manifest, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxManifestLine)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, &ConfigError{Code: CodeManifestUnreadable, Path: path, Err: err}
	}

	m := &Manifest{Path: path, Lines: lines}
	if m.EntryRecord() == "" {
		return nil, &ConfigError{Code: CodeManifestMalformed, Path: path, Err: errors.New("no record lines")}
	}
	return m, nil
}

// FinalBlock returns the last run of non-empty lines, in file order.
// Trailing blank lines are ignored.
func (m *Manifest) FinalBlock() []string {
	end := len(m.Lines)
	for end > 0 && strings.TrimSpace(m.Lines[end-1]) == "" {
		end--
	}
	start := end
	for start > 0 && strings.TrimSpace(m.Lines[start-1]) != "" {
		start--
	}
	return m.Lines[start:end]
}

// EntryRecord returns the first line of the final block. The compiler lists
// the crate root there, so it identifies the produced target.
func (m *Manifest) EntryRecord() string {
	block := m.FinalBlock()
	if len(block) == 0 {
		return ""
	}
	return block[0]
}

// References reports whether any line begins with marker.
func (m *Manifest) References(marker string) bool {
	for _, line := range m.Lines {
		if strings.HasPrefix(line, marker) {
			return true
		}
	}
	return false
}

// Inputs returns the targets of all lines before the first line beginning
// with sourceRoot whose path ends in ext, in file order.
func (m *Manifest) Inputs(sourceRoot, ext string) []string {
	var out []string
	for _, line := range m.Lines {
		if strings.HasPrefix(line, sourceRoot) {
			break
		}
		target := ruleTarget(line)
		if target != "" && strings.HasSuffix(target, ext) {
			out = append(out, target)
		}
	}
	return out
}

// ruleTarget returns the text before the last ':' of a rule line.
func ruleTarget(line string) string {
	if i := strings.LastIndex(line, ":"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

// ManifestPolicy decides which manifests contribute candidates.
type ManifestPolicy struct {
	LibraryEntry   string
	InternalModule string
	SourceRoot     string

	// BaseDir anchors relative input paths. The compiler writes them
	// relative to the project root.
	BaseDir string
}

// DefaultManifestPolicy returns the markers of a conventional kernel crate.
func DefaultManifestPolicy() ManifestPolicy {
	return ManifestPolicy{
		LibraryEntry:   DefaultLibraryEntry,
		InternalModule: DefaultInternalModule,
		SourceRoot:     DefaultSourceRoot,
	}
}

// IsLibrary reports whether m was produced for the library entry point.
func (p ManifestPolicy) IsLibrary(m *Manifest) bool {
	return m.EntryRecord() == p.LibraryEntry
}

// Archives collects the archive candidates of the crate's library builds.
//
// Only library manifests are considered. By default a manifest that lists
// the internal module is excluded; with requireInternal the selection is
// inverted, which is what a test binary inside deps/ links against.
// The result keeps manifest order then line order, and each archive
// appears once.
func (p ManifestPolicy) Archives(manifests []*Manifest, requireInternal bool) []ArtifactPath {
	var out []ArtifactPath
	seen := make(map[string]struct{})
	for _, m := range manifests {
		if !p.IsLibrary(m) {
			continue
		}
		if m.References(p.InternalModule) != requireInternal {
			continue
		}
		out = p.appendUnique(out, seen, m.Inputs(p.SourceRoot, ExtArchive))
	}
	return out
}

// Objects collects the precompiled object candidates of every manifest that
// was NOT produced for the library entry point.
func (p ManifestPolicy) Objects(manifests []*Manifest) []ArtifactPath {
	var out []ArtifactPath
	seen := make(map[string]struct{})
	for _, m := range manifests {
		if p.IsLibrary(m) {
			continue
		}
		out = p.appendUnique(out, seen, m.Inputs(p.SourceRoot, ExtObject))
	}
	return out
}

func (p ManifestPolicy) appendUnique(out []ArtifactPath, seen map[string]struct{}, paths []string) []ArtifactPath {
	for _, path := range paths {
		if !filepath.IsAbs(path) && p.BaseDir != "" {
			path = filepath.Join(p.BaseDir, path)
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		out = append(out, NewArtifactPath(path))
	}
	return out
}
