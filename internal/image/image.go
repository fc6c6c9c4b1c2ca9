// Package image turns a selected kernel binary into a bootable ISO and
// launches it in the emulator.
package image

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"osc/internal/core"
)

// Image is a mastered bootable image.
type Image struct {
	// Path is the ISO file.
	Path string

	// Kernel is the copy of the winning binary inside the ISO tree.
	Kernel string

	// Digest is the BLAKE3 digest of Kernel.
	Digest string
}

// Assembler masters the ISO from the project's iso/ tree.
type Assembler struct {
	Runner  core.ToolRunner
	Program string
	Layout  core.Layout
	Logger  *slog.Logger
}

// NewAssembler creates an Assembler running program (normally
// grub-mkrescue) for layout.
func NewAssembler(runner core.ToolRunner, program string, layout core.Layout, logger *slog.Logger) *Assembler {
	return &Assembler{Runner: runner, Program: program, Layout: layout, Logger: logger}
}

// Assemble copies binary to iso/boot/kernel.bin and masters os.iso in the
// project directory. A failed copy is fatal; a failed mastering run is a
// ToolchainError.
func (a *Assembler) Assemble(ctx context.Context, binary string) (*Image, error) {
	kernel := a.Layout.KernelImage
	if err := os.MkdirAll(filepath.Dir(kernel), 0o755); err != nil {
		return nil, &core.ConfigError{Code: core.CodeCopyFailed, Path: kernel, Err: err}
	}
	if err := core.CopyFile(binary, kernel); err != nil {
		return nil, &core.ConfigError{Code: core.CodeCopyFailed, Path: kernel, Err: err}
	}
	digest, err := core.DigestFile(kernel)
	if err != nil {
		return nil, &core.ConfigError{Code: core.CodeCopyFailed, Path: kernel, Err: err}
	}

	iso, err := filepath.Rel(a.Layout.ProjectDir, a.Layout.ISODir)
	if err != nil {
		iso = a.Layout.ISODir
	}
	cmd := core.Command{
		Name: a.Program,
		Args: []string{"-o", filepath.Base(a.Layout.ImageFile), iso},
		Dir:  a.Layout.ProjectDir,
	}
	if _, err := core.RunTool(ctx, a.Runner, cmd); err != nil {
		return nil, fmt.Errorf("mastering %s: %w", a.Layout.ImageFile, err)
	}
	if _, err := os.Stat(a.Layout.ImageFile); err != nil {
		return nil, &core.ToolchainError{Tool: a.Program, Args: cmd.Args, Err: core.ErrNoOutput}
	}

	a.Logger.Info("image assembled", "image", a.Layout.ImageFile, "kernel_blake3", digest)
	return &Image{Path: a.Layout.ImageFile, Kernel: kernel, Digest: digest}, nil
}

// Emulator boots an image.
type Emulator struct {
	Runner  core.ToolRunner
	Program string
	Dir     string
}

// NewEmulator creates an Emulator running program in dir.
func NewEmulator(runner core.ToolRunner, program, dir string) *Emulator {
	return &Emulator{Runner: runner, Program: program, Dir: dir}
}

// Command returns the emulator invocation: -cdrom <image>, the
// pass-through args, then the configured args.
func (e *Emulator) Command(image string, passthrough, configured []string) core.Command {
	args := []string{"-cdrom", image}
	args = append(args, passthrough...)
	args = append(args, configured...)
	return core.Command{Name: e.Program, Args: args, Dir: e.Dir, Attach: true}
}

// Boot runs the emulator attached to the terminal and returns its exit
// code. Test kernels report their result through the exit code, so a
// non-zero exit is not an error here.
func (e *Emulator) Boot(ctx context.Context, image string, passthrough, configured []string) (int, error) {
	cmd := e.Command(image, passthrough, configured)
	res, err := e.Runner.Run(ctx, cmd)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, &core.ToolchainError{Tool: e.Program, Args: cmd.Args, Err: err}
	}
	return res.ExitCode, nil
}
