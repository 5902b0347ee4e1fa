package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for bookingctl.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the command ran and found a problem
	ExitCommandError = 2 // the command could not run (config, connection)
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the code carried by err, or ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response is the JSON envelope written in --format json.
type Response struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// formatter writes results as JSON or text.
type formatter struct {
	format string
	out    io.Writer
}

// success writes data.  In text mode render produces the human form.
func (f formatter) success(data any, render func(w io.Writer)) error {
	if f.format == "json" {
		return json.NewEncoder(f.out).Encode(Response{Status: "ok", Data: data})
	}
	render(f.out)
	return nil
}
