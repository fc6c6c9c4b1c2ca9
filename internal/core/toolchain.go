package core

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Tools names the external programs the orchestrator invokes.
type Tools struct {
	Assembler string
	Archiver  string
	Linker    string
	ISOMaker  string
	Emulator  string
	Cargo     string
}

// DefaultTools returns the conventional x86_64 toolchain.
func DefaultTools() Tools {
	return Tools{
		Assembler: "nasm",
		Archiver:  "ar",
		Linker:    "ld",
		ISOMaker:  "grub-mkrescue",
		Emulator:  "qemu-system-x86_64",
		Cargo:     "cargo",
	}
}

// RunTool runs cmd and converts every failure that is not a cancellation
// into a ToolchainError: a non-zero exit, or a tool that could not start.
func RunTool(ctx context.Context, runner ToolRunner, cmd Command) (*ToolResult, error) {
	res, err := runner.Run(ctx, cmd)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ToolchainError{Tool: cmd.Name, Args: cmd.Args, Err: err}
	}
	if res.ExitCode != 0 {
		stderr := NewDiagnosticsCleaner(cmd.Dir).Clean(res.Stderr)
		return res, &ToolchainError{Tool: cmd.Name, Args: cmd.Args, ExitCode: res.ExitCode, Stderr: stderr}
	}
	return res, nil
}

// Assembler compiles the boot stubs into relocatable objects.
type Assembler struct {
	Runner  ToolRunner
	Program string

	// Format is the object output format passed as -f<Format>.
	Format string
}

// NewAssembler creates an Assembler emitting elf64 objects.
func NewAssembler(runner ToolRunner, program string) *Assembler {
	return &Assembler{Runner: runner, Program: program, Format: "elf64"}
}

// AssembleAll assembles every .asm file in bootDir into outDir as
// <base>.o, adding debug information when debug is set. The first failing
// file aborts the rest. A missing bootDir is a ConfigError.
func (a *Assembler) AssembleAll(ctx context.Context, bootDir, outDir string, debug bool) ([]string, error) {
	sources, err := listWithExt(bootDir, ".asm")
	if err != nil {
		return nil, &ConfigError{Code: CodeDirMissing, Path: bootDir, Err: err}
	}

	objects := make([]string, 0, len(sources))
	for _, src := range sources {
		out := filepath.Join(outDir, strings.TrimSuffix(filepath.Base(src), ".asm")+ExtObject)
		args := []string{"-f" + a.Format, src, "-o", out}
		if debug {
			args = append(args, "-g")
		}
		cmd := Command{Name: a.Program, Args: args, Dir: outDir}
		if _, err := RunTool(ctx, a.Runner, cmd); err != nil {
			return nil, err
		}
		objects = append(objects, out)
	}
	return objects, nil
}

// Extractor expands a static archive into its member objects.
type Extractor struct {
	Runner  ToolRunner
	Program string
}

// NewExtractor creates an Extractor using program (normally ar).
func NewExtractor(runner ToolRunner, program string) *Extractor {
	return &Extractor{Runner: runner, Program: program}
}

// Extract creates dest if needed, copies the archive into it and expands
// the members there.
func (e *Extractor) Extract(ctx context.Context, archive, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return &ConfigError{Code: CodeScratchReset, Path: dest, Err: err}
	}
	local := filepath.Join(dest, filepath.Base(archive))
	if err := CopyFile(archive, local); err != nil {
		return &ToolchainError{Tool: "stage", Args: []string{archive}, Err: err}
	}
	cmd := Command{Name: e.Program, Args: []string{"x", local}, Dir: dest}
	_, err := RunTool(ctx, e.Runner, cmd)
	return err
}

// Linker links staged objects into a fixed-layout kernel binary.
type Linker struct {
	Runner  ToolRunner
	Program string
	Script  string
}

// NewLinker creates a Linker that uses the given linker script.
func NewLinker(runner ToolRunner, program, script string) *Linker {
	return &Linker{Runner: runner, Program: program, Script: script}
}

// Link runs the linker in dir over objects, writing output. The link
// counts as successful only if the tool exits 0 and output exists.
func (l *Linker) Link(ctx context.Context, dir string, objects []string, output string) error {
	args := []string{"-n", "--gc-sections", "-o", output, "-T", l.Script}
	args = append(args, objects...)
	cmd := Command{Name: l.Program, Args: args, Dir: dir}
	if _, err := RunTool(ctx, l.Runner, cmd); err != nil {
		return err
	}
	if _, err := os.Stat(output); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &ToolchainError{Tool: l.Program, Args: args, Err: ErrNoOutput}
		}
		return &ToolchainError{Tool: l.Program, Args: args, Err: err}
	}
	return nil
}

// listWithExt returns the regular files in dir with extension ext, sorted.
func listWithExt(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && filepath.Ext(entry.Name()) == ext {
			out = append(out, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
