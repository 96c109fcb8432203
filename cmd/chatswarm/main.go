package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Exit codes.
const (
	exitOK        = 0
	exitFatal     = 1
	exitThreshold = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	var thErr *ThresholdError
	if errors.As(err, &thErr) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitThreshold
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitFatal
}
