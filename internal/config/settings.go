package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"osc/internal/core"
)

// SettingsFile is the optional settings file in the project root.
const SettingsFile = "osc.yaml"

// Settings is the content of osc.yaml.
type Settings struct {
	// Tools names the external programs. Values may reference ${VAR} or
	// ${VAR:-default}, expanded from the environment.
	Tools ToolSettings `yaml:"tools"`

	// Search bounds the resolution search.
	Search SearchSettings `yaml:"search"`

	// Manifest configures how dependency manifests are classified.
	Manifest ManifestSettings `yaml:"manifest"`
}

// ToolSettings names the external programs.
type ToolSettings struct {
	Assembler string `yaml:"assembler"`
	Archiver  string `yaml:"archiver"`
	Linker    string `yaml:"linker"`
	ISOMaker  string `yaml:"iso_maker"`
	Emulator  string `yaml:"emulator"`
	Cargo     string `yaml:"cargo"`
}

// SearchSettings bounds the resolution search.
type SearchSettings struct {
	// GridWidth is the per-dimension window size of a round.
	// Default: 6
	GridWidth int `yaml:"grid_width"`

	// BreakerThreshold is the consecutive-failure limit.
	// Default: 15
	BreakerThreshold int `yaml:"breaker_threshold"`

	// MaxRounds caps the number of rounds.
	// Default: 32
	MaxRounds int `yaml:"max_rounds"`

	// RoundPause is a Go duration slept between rounds.
	// Default: 1s
	RoundPause string `yaml:"round_pause"`

	// ProgressTotal and ProgressDecay shape the progress estimate.
	// Default: 200 and 30
	ProgressTotal int `yaml:"progress_total"`
	ProgressDecay int `yaml:"progress_decay"`
}

// ManifestSettings configures manifest classification.
type ManifestSettings struct {
	// LibraryEntry is the entry record of a library manifest.
	// Default: src/lib.rs:
	LibraryEntry string `yaml:"library_entry"`

	// InternalModule marks the test-harness build of the library.
	// Default: src/serial.rs:
	InternalModule string `yaml:"internal_module"`

	// SourceRoot starts the crate's own source records.
	// Default: src
	SourceRoot string `yaml:"source_root"`
}

// DefaultSettings returns the settings used when osc.yaml is absent.
func DefaultSettings() *Settings {
	tools := core.DefaultTools()
	search := core.DefaultSearchOptions()
	policy := core.DefaultManifestPolicy()
	return &Settings{
		Tools: ToolSettings{
			Assembler: tools.Assembler,
			Archiver:  tools.Archiver,
			Linker:    tools.Linker,
			ISOMaker:  tools.ISOMaker,
			Emulator:  tools.Emulator,
			Cargo:     tools.Cargo,
		},
		Search: SearchSettings{
			GridWidth:        search.GridWidth,
			BreakerThreshold: search.BreakerThreshold,
			MaxRounds:        search.MaxRounds,
			RoundPause:       search.RoundPause.String(),
			ProgressTotal:    search.ProgressTotal,
			ProgressDecay:    search.ProgressDecay,
		},
		Manifest: ManifestSettings{
			LibraryEntry:   policy.LibraryEntry,
			InternalModule: policy.InternalModule,
			SourceRoot:     policy.SourceRoot,
		},
	}
}

// LoadSettings reads osc.yaml from dir over the defaults. A missing file
// yields the defaults.
func LoadSettings(dir string) (*Settings, error) {
	path := filepath.Join(dir, SettingsFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	s, err := ParseSettings(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseSettings decodes settings YAML over the defaults, expands tool
// variables and validates the result.
func ParseSettings(data []byte) (*Settings, error) {
	s := DefaultSettings()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}

	s.expandVariables()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the settings for errors.
func (s *Settings) Validate() error {
	var errs []error

	for _, tool := range []struct{ key, name string }{
		{"tools.assembler", s.Tools.Assembler},
		{"tools.archiver", s.Tools.Archiver},
		{"tools.linker", s.Tools.Linker},
		{"tools.iso_maker", s.Tools.ISOMaker},
		{"tools.emulator", s.Tools.Emulator},
		{"tools.cargo", s.Tools.Cargo},
	} {
		if tool.name == "" {
			errs = append(errs, fmt.Errorf("%s is required", tool.key))
		}
	}

	if s.Search.GridWidth <= 0 {
		errs = append(errs, fmt.Errorf("search.grid_width must be > 0, got %d", s.Search.GridWidth))
	}
	if s.Search.BreakerThreshold <= 0 {
		errs = append(errs, fmt.Errorf("search.breaker_threshold must be > 0, got %d", s.Search.BreakerThreshold))
	}
	if s.Search.MaxRounds <= 0 {
		errs = append(errs, fmt.Errorf("search.max_rounds must be > 0, got %d", s.Search.MaxRounds))
	}
	if pause, err := time.ParseDuration(s.Search.RoundPause); err != nil {
		errs = append(errs, fmt.Errorf("search.round_pause: %w", err))
	} else if pause < 0 {
		errs = append(errs, fmt.Errorf("search.round_pause must be >= 0, got %s", pause))
	}
	if s.Search.ProgressTotal <= 0 {
		errs = append(errs, fmt.Errorf("search.progress_total must be > 0, got %d", s.Search.ProgressTotal))
	}
	if s.Search.ProgressDecay < 0 {
		errs = append(errs, fmt.Errorf("search.progress_decay must be >= 0, got %d", s.Search.ProgressDecay))
	}

	if s.Manifest.LibraryEntry == "" {
		errs = append(errs, errors.New("manifest.library_entry is required"))
	}
	if s.Manifest.InternalModule == "" {
		errs = append(errs, errors.New("manifest.internal_module is required"))
	}
	if s.Manifest.SourceRoot == "" {
		errs = append(errs, errors.New("manifest.source_root is required"))
	}

	return errors.Join(errs...)
}

// ToolNames returns the tool names for the core toolchain.
func (s *Settings) ToolNames() core.Tools {
	return core.Tools{
		Assembler: s.Tools.Assembler,
		Archiver:  s.Tools.Archiver,
		Linker:    s.Tools.Linker,
		ISOMaker:  s.Tools.ISOMaker,
		Emulator:  s.Tools.Emulator,
		Cargo:     s.Tools.Cargo,
	}
}

// SearchOptions returns the search bounds. Settings must be valid.
func (s *Settings) SearchOptions() core.SearchOptions {
	pause, _ := time.ParseDuration(s.Search.RoundPause)
	return core.SearchOptions{
		GridWidth:        s.Search.GridWidth,
		BreakerThreshold: s.Search.BreakerThreshold,
		MaxRounds:        s.Search.MaxRounds,
		RoundPause:       pause,
		ProgressTotal:    s.Search.ProgressTotal,
		ProgressDecay:    s.Search.ProgressDecay,
	}
}

// ManifestPolicy returns the manifest classification markers.
func (s *Settings) ManifestPolicy() core.ManifestPolicy {
	return core.ManifestPolicy{
		LibraryEntry:   s.Manifest.LibraryEntry,
		InternalModule: s.Manifest.InternalModule,
		SourceRoot:     s.Manifest.SourceRoot,
	}
}

func (s *Settings) expandVariables() {
	for _, field := range []*string{
		&s.Tools.Assembler,
		&s.Tools.Archiver,
		&s.Tools.Linker,
		&s.Tools.ISOMaker,
		&s.Tools.Emulator,
		&s.Tools.Cargo,
	} {
		*field = expandVars(*field)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}
