package core

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// Command is one external tool invocation.
type Command struct {
	// Name is the program, resolved through PATH.
	Name string

	// Args are passed verbatim.
	Args []string

	// Dir is the working directory. It must be set; the process working
	// directory is never implied.
	Dir string

	// Attach connects the tool to the orchestrator's stdin, stdout and
	// stderr instead of capturing its output. Used for cargo and the
	// emulator, whose output belongs to the user.
	Attach bool
}

// String renders the command line for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// ToolResult is the outcome of a tool that ran to completion.
type ToolResult struct {
	Stdout []byte
	Stderr []byte

	// ExitCode is the process exit code. 0 indicates success.
	ExitCode int
}

// ToolRunner runs external tools. A non-zero exit code is a result, not an
// error; errors mean the tool could not be run at all or ctx was cancelled.
type ToolRunner interface {
	Run(ctx context.Context, cmd Command) (*ToolResult, error)
}

// ProcessRunner runs tools as child processes.
//
// There is no timeout: a hung tool blocks until ctx is cancelled, at which
// point a captured tool's whole process group is killed. Attached tools run
// in the foreground group and only the tool itself is killed.
type ProcessRunner struct {
	// Env is the child environment. Nil inherits the orchestrator's
	// environment, which the toolchain needs for PATH lookups.
	Env []string
}

// NewProcessRunner creates a ProcessRunner that inherits the environment.
func NewProcessRunner() *ProcessRunner {
	return &ProcessRunner{}
}

// Run executes cmd and waits for it.
func (p *ProcessRunner) Run(ctx context.Context, cmd Command) (*ToolResult, error) {
	if cmd.Name == "" {
		return nil, fmt.Errorf("command name is empty")
	}
	if cmd.Dir == "" {
		return nil, fmt.Errorf("%s: working directory is required", cmd.Name)
	}

	c := exec.Command(cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = p.Env

	var stdout, stderr bytes.Buffer
	if cmd.Attach {
		// Attached tools stay in the caller's process group, which owns
		// the terminal; a background group is stopped by SIGTTIN/SIGTTOU
		// as soon as the emulator touches stdin or the tty modes.
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
	} else {
		// Own process group so cancellation takes down the whole tool tree.
		c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		c.Stdout = &stdout
		c.Stderr = &stderr
	}

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Name, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		if c.Process != nil {
			if cmd.Attach {
				c.Process.Kill()
			} else {
				syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
			}
		}
		<-done
		return nil, fmt.Errorf("%s cancelled: %w", cmd.Name, ctx.Err())
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("failed to execute %s: %w", cmd.Name, err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &ToolResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
	}, nil
}
