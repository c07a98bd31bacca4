package formula

import "fmt"

// UnsupportedEngineError is returned when a definition names a back-end that is not registered
type UnsupportedEngineError struct {
	Engine string
}

func (e *UnsupportedEngineError) Error() string {
	return fmt.Sprintf("unsupported formula engine %q", e.Engine)
}

// EvaluationError covers malformed formulas, undefined variables,
// non-numeric results and evaluations cut short by the timeout.
type EvaluationError struct {
	Engine  string
	Formula string
	Err     error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("%s formula %q: %v", e.Engine, e.Formula, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}
