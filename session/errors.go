package session

import (
	"errors"
	"fmt"
)

// ErrSessionActive means another process holds the session lock for
// this project root. Nothing was mutated.
var ErrSessionActive = errors.New("another session is active for this project root")

// ValidationRegressionError reports that a candidate patch introduced
// failures that were not present before it was applied. The patch is
// rejected and the tree reverted.
type ValidationRegressionError struct {
	NewSignatures []string
}

func (e *ValidationRegressionError) Error() string {
	return fmt.Sprintf("patch introduced %d new failure(s)", len(e.NewSignatures))
}
