package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"time"
)

// ErrMultilineCommand is returned when a command contains a newline, which would be observed by the child as more than one command.
var ErrMultilineCommand = errors.New("command contains a newline")

// SpawnError indicates the child executable could not be located or launched.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	if e.NotFound() {
		return fmt.Sprintf("%s not found, it must be built before it can be run", e.Path)
	}
	return fmt.Sprintf("launching %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// NotFound reports whether the executable does not exist.
func (e *SpawnError) NotFound() bool {
	return errors.Is(e.Err, fs.ErrNotExist) || errors.Is(e.Err, exec.ErrNotFound)
}

// TimeoutError indicates a one-shot child did not finish within its bound.
// Output holds whatever the child printed before it was killed.
type TimeoutError struct {
	Timeout time.Duration
	Output  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("child did not exit within %s", e.Timeout)
}

// StreamError indicates a read or write failure on an established child.
// The child is considered dead afterwards.
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s on child stream: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
