package wall

import "errors"

var (
	ErrAlreadyStarted = errors.New("start called on already started profiler, stop it first")
	ErrAlreadyActive  = errors.New("cannot start profiler: another profiler is already active")
	ErrNotStarted     = errors.New("stop called on not started profiler")
	ErrStillRunning   = errors.New("profiler is still running, stop it first")
	ErrDisposed       = errors.New("profiler is disposed")
	ErrInvalidConfig  = errors.New("invalid profiler configuration")
	// ErrNoProfile is returned by Stop when the engine lost the session, for
	// instance because the execution context was torn down.
	ErrNoProfile = errors.New("engine returned no profile")
)

// Result is the flag and message pair reported to embedders that do not
// deal in Go errors.
type Result struct {
	Success bool
	Msg     string
}

// ResultOf converts an error returned by the profiler.
func ResultOf(err error) Result {
	if err == nil {
		return Result{Success: true}
	}
	return Result{Msg: err.Error()}
}
