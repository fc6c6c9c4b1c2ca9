package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"osc/internal/core"
)

func TestLoadSettings_MissingFileUsesDefaults(t *testing.T) {
	s, err := LoadSettings(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
	assert.Equal(t, core.DefaultSearchOptions(), s.SearchOptions())
	assert.Equal(t, core.DefaultTools(), s.ToolNames())
	assert.Equal(t, core.DefaultManifestPolicy(), s.ManifestPolicy())
}

func TestParseSettings_EmptyDocument(t *testing.T) {
	s, err := ParseSettings(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
}

func TestParseSettings_Overrides(t *testing.T) {
	t.Setenv("OSC_CROSS", "/opt/cross/bin")
	s, err := ParseSettings([]byte(`
tools:
  linker: ${OSC_CROSS}/x86_64-elf-ld
  archiver: ${OSC_UNSET_VAR:-x86_64-elf-ar}
search:
  grid_width: 4
  max_rounds: 3
  round_pause: 250ms
manifest:
  internal_module: "src/uart.rs:"
`))
	require.NoError(t, err)

	assert.Equal(t, "/opt/cross/bin/x86_64-elf-ld", s.Tools.Linker)
	assert.Equal(t, "x86_64-elf-ar", s.Tools.Archiver)
	assert.Equal(t, "nasm", s.Tools.Assembler)

	opts := s.SearchOptions()
	assert.Equal(t, 4, opts.GridWidth)
	assert.Equal(t, 3, opts.MaxRounds)
	assert.Equal(t, 250*time.Millisecond, opts.RoundPause)
	assert.Equal(t, core.DefaultBreakerThreshold, opts.BreakerThreshold)

	assert.Equal(t, "src/uart.rs:", s.ManifestPolicy().InternalModule)
	assert.Equal(t, core.DefaultLibraryEntry, s.ManifestPolicy().LibraryEntry)
}

func TestParseSettings_RejectsUnknownKeys(t *testing.T) {
	_, err := ParseSettings([]byte("search:\n  grid_widht: 4\n"))
	assert.Error(t, err)
}

func TestParseSettings_Validation(t *testing.T) {
	cases := map[string]string{
		"grid":    "search:\n  grid_width: 0\n",
		"breaker": "search:\n  breaker_threshold: -1\n",
		"rounds":  "search:\n  max_rounds: 0\n",
		"pause":   "search:\n  round_pause: soon\n",
		"decay":   "search:\n  progress_decay: -5\n",
		"tool":    "tools:\n  linker: \"\"\n",
		"marker":  "manifest:\n  source_root: \"\"\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSettings([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadSettings_ReportsPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SettingsFile), []byte("search: [\n"), 0o644))
	_, err := LoadSettings(dir)
	assert.ErrorContains(t, err, SettingsFile)
}
