package errors

import (
	"context"
	"fmt"
	"os"

	"github.com/fwportal/settingdb/logger"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	// ExitRestart asks the supervisor to start the process again.
	ExitRestart = 3
)

type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{
		Operation: operation,
		Err:       err,
	}
}

// ErrorHandler collects the first exit request of the process. Errors are
// logged before logger.Initialize has run too, through the slog default.
type ErrorHandler struct {
	exitChannel chan int
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{exitChannel: make(chan int, 1)}
}

func (eh *ErrorHandler) requestExit(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	logger.Error("Fatal error", "component", "PROCESS", "error", NewGracefulError(operation, err))
	eh.requestExit(ExitFailure)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		logger.Error("Configuration file not found", "component", "PROCESS", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to parse configuration file", "component", "PROCESS", "path", configPath, "error", err)
	}
	eh.requestExit(ExitFailure)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	logger.Error("Invalid configuration", "component", "PROCESS", "field", field, "error", err)
	eh.requestExit(ExitFailure)
}

// RestartRequested records a restart of the given generation. It loses to
// any exit code already requested.
func (eh *ErrorHandler) RestartRequested(generation uint64, reason string) {
	logger.Info("Process restart requested", "component", "PROCESS", "generation", generation, "reason", reason)
	eh.requestExit(ExitRestart)
}

// Exit returns the requested exit code without blocking, or ExitOK.
func (eh *ErrorHandler) Exit() int {
	select {
	case code := <-eh.exitChannel:
		return code
	default:
		return ExitOK
	}
}

func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated", "component", "PROCESS")
	default:
		logger.Warn("Unexpected shutdown", "component", "PROCESS")
	}
}
