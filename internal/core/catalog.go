package core

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Catalog lists candidate artifacts in the compiler's deps directory.
//
// The returned order is the index space the search walks. It is sorted by
// file name so that the same tree always yields the same indices; it says
// nothing about build recency, which is why archive age is measured
// separately.
type Catalog struct {
	Dir string
}

// NewCatalog creates a Catalog over dir.
func NewCatalog(dir string) *Catalog {
	return &Catalog{Dir: dir}
}

// List returns the regular files in Dir whose names start with prefix and
// end with ext, sorted by name.
func (c *Catalog) List(prefix, ext string) ([]string, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return nil, &ConfigError{Code: CodeDirMissing, Path: c.Dir, Err: err}
	}

	var names []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) {
			names = append(names, name)
		}
	}
	// Do not rely on directory enumeration order.
	sort.Strings(names)

	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(c.Dir, name)
	}
	return paths, nil
}

// Manifests parses every dependency manifest whose name starts with prefix.
// Any unreadable manifest fails the whole listing.
func (c *Catalog) Manifests(prefix string) ([]*Manifest, error) {
	paths, err := c.List(prefix, ExtManifest)
	if err != nil {
		return nil, err
	}
	manifests := make([]*Manifest, 0, len(paths))
	for _, path := range paths {
		m, err := ParseManifest(path)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}
