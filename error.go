package covtrace

import (
	"fmt"
	"runtime"
	"strings"
)

// Error kinds from the engine's error taxonomy (see §7 of the design).
// Unrecoverable/Fatal conditions and the ones that abort a run without
// producing a report are distinguished from ones the state machine
// absorbs and continues past.
var (
	// ErrBuildInput marks a binary or debug-info problem discovered before a run starts.
	ErrBuildInput = fmt.Errorf("build input error")
	// ErrLaunch marks a fork/exec failure in the Tracee Launcher.
	ErrLaunch = fmt.Errorf("launch error")
	// ErrInstrument marks a breakpoint install failure that aborts the run.
	ErrInstrument = fmt.Errorf("instrumentation error")
	// ErrFatal marks a condition that terminates the state machine as Unrecoverable.
	ErrFatal = fmt.Errorf("fatal tracing error")
)

// TracedError contains an error and the list of origin frames
type TracedError struct {
	Err    error
	Frames []runtime.Frame
	kind   error
}

// Error implements the error interface
func (err *TracedError) Error() string {
	str := fmt.Sprint(err.Err)
	for _, frame := range err.Frames {
		str += fmt.Sprintf("\n[%s:%d]", frame.Function, frame.Line)
	}
	return str
}

// Unwrap lets errors.Is/errors.As see through to the wrapped error; the kind
// set by WithKind is matched by Is
func (err *TracedError) Unwrap() error {
	return err.Err
}

// Is reports whether this error was constructed with the given kind via WithKind
func (err *TracedError) Is(target error) bool {
	return err.kind != nil && err.kind == target
}

// WithKind tags e (a *TracedError, or any error which gets wrapped) with one
// of the sentinel kinds above so callers can classify it with errors.Is
func WithKind(e interface{}, kind error) *TracedError {
	te := Error(e)
	if te == nil {
		return nil
	}
	te.kind = kind
	return te
}

// Error creates a new TracedError from 'e' or appends a new frame if 'e' is TracedError
func Error(e interface{}) *TracedError {
	if e == nil {
		return nil
	}

	frame := getLastFrame()

	switch err := e.(type) {
	case *TracedError:
		err.Frames = append(err.Frames, frame)
		return err

	case error:
		return &TracedError{
			Err:    err,
			Frames: []runtime.Frame{frame},
		}

	default:
		return &TracedError{
			Err:    fmt.Errorf("%v", e),
			Frames: []runtime.Frame{frame},
		}
	}
}

// Errorf creates a new TracedError using the provided format and args
func Errorf(format string, args ...interface{}) *TracedError {
	return &TracedError{
		Err:    fmt.Errorf(format, args...),
		Frames: []runtime.Frame{getLastFrame()},
	}
}

// MergeErrors merges multiple errors into a single TracedError
func MergeErrors(errors []error) *TracedError {
	if len(errors) == 0 {
		return nil
	}

	str := make([]string, 0, len(errors))
	for _, err := range errors {
		str = append(str, fmt.Sprint(err))
	}

	return &TracedError{
		Err:    fmt.Errorf("%s", strings.Join(str, "; ")),
		Frames: []runtime.Frame{getLastFrame()},
	}
}

func getLastFrame() runtime.Frame {
	pc := make([]uintptr, 1)
	n := runtime.Callers(3, pc)
	frames := runtime.CallersFrames(pc[:n])
	frame, _ := frames.Next()

	return frame
}
