package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"osc/internal/cli"
)

// main is a deterministic boundary: the working directory is read once
// here and passed down as the default project dir; nothing below consults
// process state.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "osc:", err)
		os.Exit(cli.ExitInternalError)
	}

	result, err := cli.Run(ctx, os.Args[1:], wd)
	stop()
	if err != nil {
		var invErr *cli.InvocationError
		if errors.As(err, &invErr) {
			fmt.Fprintln(os.Stderr, invErr.Message)
			fmt.Fprint(os.Stderr, cli.Usage)
		} else {
			fmt.Fprintln(os.Stderr, "osc:", err)
		}
	}
	os.Exit(result.ExitCode)
}
