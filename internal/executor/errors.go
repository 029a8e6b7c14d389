package executor

import "fmt"

type ErrorKind string

const (
	TimedOut        ErrorKind = "timed out"
	CommandFailed   ErrorKind = "command failed"
	ArtifactMissing ErrorKind = "artifact missing"
	Unknown         ErrorKind = "unknown"
)

// BuildError is returned by Runner.Run for every unsuccessful build.
// Output holds the bounded diagnostic text captured from the build.
type BuildError struct {
	Kind     ErrorKind
	ExitCode int
	Output   string
	Err      error
}

func (e *BuildError) Error() string {
	if e.Kind == CommandFailed {
		return fmt.Sprintf("build %s (rc=%d)", e.Kind, e.ExitCode)
	}
	return fmt.Sprintf("build %s: %v", e.Kind, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }
