package cli

import (
	"context"
	"errors"
	"fmt"
)

// Run is a high-level CLI entrypoint suitable for black-box tests.
// It accepts the argument slice (excluding argv[0]) and returns the semantic
// exit code plus any error.
func Run(ctx context.Context, args []string, defaultProjectDir string) (CLIResult, error) {
	return RunWith(ctx, args, defaultProjectDir, DefaultOptions())
}

// RunWith is Run with injected process dependencies.
func RunWith(ctx context.Context, args []string, defaultProjectDir string, opts Options) (CLIResult, error) {
	opts = opts.withDefaults()
	inv, err := ParseInvocation(args, defaultProjectDir)
	if errors.Is(err, ErrHelp) {
		fmt.Fprintf(opts.Stdout, "%s\nflags:\n%s", Usage, FlagUsages())
		return CLIResult{ExitCode: ExitSuccess}, nil
	}
	if err != nil {
		return CLIResult{ExitCode: ExitCode(err), Outcome: OutcomeFailed}, err
	}
	return ExecuteWith(ctx, inv, opts)
}
