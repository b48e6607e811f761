// Package cmd is the brokerstorm command line.
package cmd

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const (
	ExitSuccess           = 0
	ExitExpectationFailed = 1
	ExitError             = 2
)

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func fail(err error) error {
	return &exitError{code: ExitError, err: err}
}

// RootCmd is the root Cobra command; sub-commands are registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "brokerstorm",
		Short:         "brokerstorm load-tests message brokers with pools of publishers and subscribers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		runCmd(),
		validateCmd(),
	)
	return cmd
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	return execute(context.Background(), RootCmd())
}

func execute(ctx context.Context, root *cobra.Command) int {
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	code := ExitError
	var e *exitError
	if errors.As(err, &e) {
		code = e.code
		if e.err == nil {
			return code
		}
	}
	fmt.Fprintf(root.ErrOrStderr(), "error: %v\n", err)
	return code
}
