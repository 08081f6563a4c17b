// Package apperr holds the error taxonomy shared by the ingester and the
// exit codes the command maps them to.
package apperr

import "errors"

var (
	// ErrConfig marks missing or invalid configuration.
	ErrConfig = errors.New("invalid configuration")
	// ErrBootstrap marks a failure to create required database objects.
	ErrBootstrap = errors.New("bootstrap failed")
	// ErrTransientIO marks a file or connection that is temporarily
	// unavailable. Work is retried and progress is not advanced.
	ErrTransientIO = errors.New("transient i/o error")
	// ErrFatalStorage marks storage failures that outlived the retry budget.
	ErrFatalStorage = errors.New("fatal storage error")
	// ErrLeaseLost marks loss of the single-writer lease.
	ErrLeaseLost = errors.New("writer lease lost")
)

// Exit codes.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitConfig       = 2
	ExitBootstrap    = 3
	ExitFatalStorage = 4
)

// ExitCode maps an error returned by the command to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrConfig):
		return ExitConfig
	case errors.Is(err, ErrBootstrap):
		return ExitBootstrap
	case errors.Is(err, ErrFatalStorage), errors.Is(err, ErrLeaseLost):
		return ExitFatalStorage
	default:
		return ExitFailure
	}
}
