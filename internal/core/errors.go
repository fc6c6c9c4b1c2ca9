package core

import (
	"errors"
	"fmt"
	"strings"
)

// Stable ConfigError codes. They are persisted in run reports; do not rename.
const (
	CodeManifestUnreadable = "ManifestUnreadable"
	CodeManifestMalformed  = "ManifestMalformed"
	CodeDirMissing         = "DirMissing"
	CodeScratchReset       = "ScratchReset"
	CodeCopyFailed         = "CopyFailed"
	CodeCleanupFailed      = "CleanupFailed"
	CodeTargetInvalid      = "TargetInvalid"
	CodeProjectConfig      = "ProjectConfig"
)

// ErrNoOutput is reported when a tool exits successfully but the file it
// was asked to produce does not exist.
var ErrNoOutput = errors.New("tool reported success but produced no output")

// ConfigError is a fatal error on the engine's own bookkeeping: manifests,
// expected directories, the scratch tree, or copies the run depends on.
type ConfigError struct {
	Code string
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("config error")
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ToolchainError is a failure of one external tool invocation. It is
// recoverable at the granularity of a single candidate attempt.
type ToolchainError struct {
	Tool     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolchainError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s failed", e.Tool)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += "\n" + stderr
	}
	return msg
}

func (e *ToolchainError) Unwrap() error { return e.Err }

// NoViableBuildError reports a search that ended without a single linked
// candidate that staged an archive.
type NoViableBuildError struct {
	Termination Termination
	Attempts    int
}

func (e *NoViableBuildError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("no viable build found after %d link attempts (search %s)", e.Attempts, e.Termination)
}

// IsFatal reports whether err must stop the whole run rather than just the
// current candidate.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return true
	}
	var te *ToolchainError
	return !errors.As(err, &te)
}
