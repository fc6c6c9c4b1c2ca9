package core

import (
	"path/filepath"
	"strings"
)

// ArtifactKind classifies a compiler output by its extension.
type ArtifactKind string

const (
	KindUnknown  ArtifactKind = ""
	KindObject   ArtifactKind = "object"
	KindArchive  ArtifactKind = "archive"
	KindManifest ArtifactKind = "manifest"
)

// File extensions of the artifact kinds, including the leading dot.
const (
	ExtObject   = ".o"
	ExtArchive  = ".a"
	ExtManifest = ".d"
)

// KindOf returns the artifact kind implied by path's extension.
func KindOf(path string) ArtifactKind {
	switch filepath.Ext(path) {
	case ExtObject:
		return KindObject
	case ExtArchive:
		return KindArchive
	case ExtManifest:
		return KindManifest
	default:
		return KindUnknown
	}
}

// ArtifactPath is a filesystem path to a compiler output.
//
// The zero value means "no artifact": a candidate index past the end of its
// list selects nothing, and the attempt runs without that input.
type ArtifactPath struct {
	Path string       `json:"path"`
	Kind ArtifactKind `json:"kind"`
}

// NewArtifactPath classifies path by extension.
func NewArtifactPath(path string) ArtifactPath {
	return ArtifactPath{Path: path, Kind: KindOf(path)}
}

// IsZero reports whether no artifact is selected.
func (a ArtifactPath) IsZero() bool { return a.Path == "" }

// Name returns the file name of the artifact.
func (a ArtifactPath) Name() string {
	if a.Path == "" {
		return ""
	}
	return filepath.Base(a.Path)
}

// LogicalPrefix returns the crate or module name of the artifact.
func (a ArtifactPath) LogicalPrefix() string { return LogicalPrefix(a.Name()) }

// LogicalPrefix strips the trailing disambiguation hash from a file name:
// everything from the last '-' on is dropped. A name without '-' is
// returned unchanged.
func LogicalPrefix(name string) string {
	if i := strings.LastIndex(name, "-"); i >= 0 {
		return name[:i]
	}
	return name
}

// CandidateSet is the pair of inputs one link attempt stages, selected by
// position in the sorted object and archive candidate lists.
type CandidateSet struct {
	BinIndex int          `json:"bin_index"`
	LibIndex int          `json:"lib_index"`
	Object   ArtifactPath `json:"object"`
	Archive  ArtifactPath `json:"archive"`
}

// Select fills Object and Archive from the candidate lists. Indices past the
// end of a list leave the corresponding artifact zero.
func (c CandidateSet) Select(objects, archives []ArtifactPath) CandidateSet {
	if c.BinIndex >= 0 && c.BinIndex < len(objects) {
		c.Object = objects[c.BinIndex]
	}
	if c.LibIndex >= 0 && c.LibIndex < len(archives) {
		c.Archive = archives[c.LibIndex]
	}
	return c
}
