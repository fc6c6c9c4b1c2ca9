// Package testutil provides a scripted stand-in for the external
// toolchain and helpers to lay out fake compiler output trees.
package testutil

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"osc/internal/core"
)

// LinkFunc decides whether a link of the given object base names succeeds.
type LinkFunc func(output string, objects []string) bool

// FakeToolchain implements core.ToolRunner without running any process.
//
//   - nasm writes the requested output file.
//   - ar x reads the archive as a newline-separated member list and writes
//     each member into the working directory.
//   - ld consults Link and writes the output file on success.
//   - grub-mkrescue writes the image named by -o.
//   - every other tool succeeds without side effects.
//
// Every invocation is recorded in Calls.
type FakeToolchain struct {
	// Link decides link outcomes. Nil links everything.
	Link LinkFunc

	// Fail makes the named tool exit 1.
	Fail map[string]bool

	// ExitCodes makes the named tool exit with the given code and no
	// side effects.
	ExitCodes map[string]int

	mu    sync.Mutex
	calls []core.Command
}

// NewFakeToolchain returns a toolchain where every tool succeeds.
func NewFakeToolchain() *FakeToolchain {
	return &FakeToolchain{Fail: map[string]bool{}, ExitCodes: map[string]int{}}
}

// Calls returns a copy of the recorded invocations.
func (f *FakeToolchain) Calls() []core.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.Command, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns the recorded invocations of tool.
func (f *FakeToolchain) CallsTo(tool string) []core.Command {
	var out []core.Command
	for _, c := range f.Calls() {
		if c.Name == tool {
			out = append(out, c)
		}
	}
	return out
}

// Run implements core.ToolRunner.
func (f *FakeToolchain) Run(ctx context.Context, cmd core.Command) (*core.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	fail := f.Fail[cmd.Name]
	code, scripted := f.ExitCodes[cmd.Name]
	f.mu.Unlock()

	if scripted {
		return &core.ToolResult{ExitCode: code}, nil
	}
	if fail {
		return &core.ToolResult{ExitCode: 1, Stderr: []byte(cmd.Name + ": scripted failure")}, nil
	}

	var err error
	switch cmd.Name {
	case "nasm", "grub-mkrescue":
		err = writeOutputArg(cmd)
	case "ar":
		err = extract(cmd)
	case "ld":
		return f.link(cmd)
	}
	if err != nil {
		return &core.ToolResult{ExitCode: 1, Stderr: []byte(err.Error())}, nil
	}
	return &core.ToolResult{}, nil
}

func (f *FakeToolchain) link(cmd core.Command) (*core.ToolResult, error) {
	output := argAfter(cmd.Args, "-o")
	var objects []string
	for _, arg := range cmd.Args {
		if strings.HasSuffix(arg, core.ExtObject) {
			objects = append(objects, filepath.Base(arg))
		}
	}
	if f.Link != nil && !f.Link(output, objects) {
		return &core.ToolResult{ExitCode: 1, Stderr: []byte("ld: undefined reference")}, nil
	}
	if err := os.WriteFile(resolve(cmd.Dir, output), []byte(strings.Join(objects, "\n")), 0o644); err != nil {
		return &core.ToolResult{ExitCode: 1, Stderr: []byte(err.Error())}, nil
	}
	return &core.ToolResult{}, nil
}

func writeOutputArg(cmd core.Command) error {
	output := argAfter(cmd.Args, "-o")
	if output == "" {
		return fmt.Errorf("%s: no -o argument", cmd.Name)
	}
	return os.WriteFile(resolve(cmd.Dir, output), []byte(cmd.String()), 0o644)
}

func extract(cmd core.Command) error {
	if len(cmd.Args) != 2 || cmd.Args[0] != "x" {
		return fmt.Errorf("ar: unsupported arguments %v", cmd.Args)
	}
	data, err := os.ReadFile(resolve(cmd.Dir, cmd.Args[1]))
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		member := strings.TrimSpace(scanner.Text())
		if member == "" {
			continue
		}
		if err := os.WriteFile(filepath.Join(cmd.Dir, member), []byte(member), 0o644); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func argAfter(args []string, flag string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// Project is a fake kernel project with a compiler output tree.
type Project struct {
	Dir      string
	Crate    string
	Profile  string
	DepsDir  string
	BootDir  string
	Archives map[string]string
}

// NewProject lays out dir/{linker.ld, src/boot/boot.asm, iso/boot} and
// target/<triple>/<profile>/deps for crate.
func NewProject(dir, crate, profile string) (*Project, error) {
	p := &Project{
		Dir:      dir,
		Crate:    crate,
		Profile:  filepath.Join(dir, "target", "x86_64-os", profile),
		BootDir:  filepath.Join(dir, "src", "boot"),
		Archives: map[string]string{},
	}
	p.DepsDir = filepath.Join(p.Profile, core.DepsDirName)
	for _, d := range []string{p.DepsDir, p.BootDir, filepath.Join(dir, core.ISODirName, "boot")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(filepath.Join(dir, core.LinkerScriptName), []byte("ENTRY(start)\n"), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(p.BootDir, "boot.asm"), []byte("global start\n"), 0o644); err != nil {
		return nil, err
	}
	return p, nil
}

// AddArchive writes deps/<name> whose fake members are members, with the
// given modification time, and returns its path.
func (p *Project) AddArchive(name string, modTime time.Time, members ...string) (string, error) {
	path := filepath.Join(p.DepsDir, name)
	if err := os.WriteFile(path, []byte(strings.Join(members, "\n")+"\n"), 0o644); err != nil {
		return "", err
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		return "", err
	}
	p.Archives[name] = path
	return path, nil
}

// AddObject writes deps/<name> and returns its path.
func (p *Project) AddObject(name string) (string, error) {
	path := filepath.Join(p.DepsDir, name)
	return path, os.WriteFile(path, []byte(name), 0o644)
}

// AddLibraryManifest writes a library manifest for the crate listing the
// archives as inputs. internal adds the internal module record.
func (p *Project) AddLibraryManifest(name string, internal bool, archives ...string) error {
	var b strings.Builder
	for _, a := range archives {
		fmt.Fprintf(&b, "%s:\n", a)
	}
	b.WriteString("\n")
	b.WriteString(core.DefaultLibraryEntry + "\n")
	if internal {
		b.WriteString(core.DefaultInternalModule + "\n")
	}
	return os.WriteFile(filepath.Join(p.DepsDir, name), []byte(b.String()), 0o644)
}

// AddBinaryManifest writes a non-library manifest listing objects.
func (p *Project) AddBinaryManifest(name, entry string, objects ...string) error {
	var b strings.Builder
	for _, o := range objects {
		fmt.Fprintf(&b, "%s:\n", o)
	}
	b.WriteString("\n")
	b.WriteString(entry + "\n")
	return os.WriteFile(filepath.Join(p.DepsDir, name), []byte(b.String()), 0o644)
}
