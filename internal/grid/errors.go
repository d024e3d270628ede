package grid

import "errors"

// Sentinel errors for the grid package. Every configuration problem wraps ErrConfig,
// so callers can use errors.Is(err, grid.ErrConfig) to classify them.
var (
	ErrConfig          = errors.New("grid: invalid parameter space")
	ErrEmptyCandidates = errors.New("grid: empty candidate list")
	ErrCycle           = errors.New("grid: cyclic parameter space")
	ErrInvalidValue    = errors.New("grid: invalid parameter value")
	ErrNotFound        = errors.New("grid: parameter not found")
)

// configError tags err with ErrConfig while keeping the specific sentinel visible to errors.Is.
type configError struct {
	kind error
	path string
	msg  string
}

func (e *configError) Error() string {
	if e.msg == "" {
		return e.kind.Error() + " at " + e.path
	}
	return e.kind.Error() + " at " + e.path + ": " + e.msg
}

func (e *configError) Is(target error) bool {
	return target == ErrConfig || target == e.kind
}

func newConfigError(kind error, path, msg string) error {
	if path == "" {
		path = "<root>"
	}
	return &configError{kind: kind, path: path, msg: msg}
}
