package core

import (
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// MaxDiagnosticLines bounds the tool output kept on a ToolchainError. A
// linker that cannot resolve a candidate can print thousands of undefined
// references; the first few identify the problem.
const MaxDiagnosticLines = 20

// DiagnosticsCleaner rewrites captured tool output into a stable, bounded
// form fit for logs and failure records.
//
// It handles:
//   - CRLF line endings
//   - ANSI color and cursor sequences (nasm, ld and grub-mkrescue colorize
//     when they think they own a terminal)
//   - the tool's working directory prefix, which differs per checkout;
//     paths below it are printed relative
//   - trailing whitespace and blank trailing lines
type DiagnosticsCleaner struct {
	// MaxLines truncates the output. Zero keeps every line.
	MaxLines int

	patterns []*diagPattern
}

type diagPattern struct {
	regex       *regexp.Regexp
	replacement []byte
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// NewDiagnosticsCleaner creates a cleaner for output of a tool run in
// workDir. An empty workDir is left alone.
func NewDiagnosticsCleaner(workDir string) *DiagnosticsCleaner {
	c := &DiagnosticsCleaner{
		MaxLines: MaxDiagnosticLines,
		patterns: []*diagPattern{
			{regex: ansiEscape, replacement: nil},
		},
	}
	if workDir != "" {
		prefix := filepath.Clean(workDir) + string(filepath.Separator)
		c.patterns = append(c.patterns, &diagPattern{
			regex:       regexp.MustCompile(regexp.QuoteMeta(prefix)),
			replacement: nil,
		})
	}
	return c
}

// Clean returns the cleaned output.
func (c *DiagnosticsCleaner) Clean(output []byte) string {
	result := bytes.ReplaceAll(output, []byte("\r\n"), []byte("\n"))
	for _, p := range c.patterns {
		result = p.regex.ReplaceAll(result, p.replacement)
	}

	lines := strings.Split(string(result), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if c.MaxLines > 0 && len(lines) > c.MaxLines {
		omitted := len(lines) - c.MaxLines
		lines = append(lines[:c.MaxLines], fmt.Sprintf("... (%d more lines)", omitted))
	}
	return strings.Join(lines, "\n")
}
