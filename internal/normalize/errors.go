package normalize

import "fmt"

// Stage classifies a failure of Run.
type Stage int

const (
	// LoadError: the input is missing, corrupt, or uses an unsupported layer kind.
	LoadError Stage = iota + 1
	// SaveError: the output could not be written.
	SaveError
	// VerifyError: the written output does not reload as an all-float32 model.
	VerifyError
	// FrameworkError: compiling or casting the in-memory model failed.
	FrameworkError
)

func (s Stage) String() string {
	switch s {
	case LoadError:
		return "LoadError"
	case SaveError:
		return "SaveError"
	case VerifyError:
		return "VerifyError"
	case FrameworkError:
		return "FrameworkError"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// StageError is the error returned by Normalizer.Run.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
