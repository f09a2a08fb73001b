// Package backend abstracts the "generate a patch from failure context"
// capability over interchangeable AI providers. Provider choice is a
// configuration value; everything above this package sees one contract.
package backend

import (
	"context"
	"fmt"

	"github.com/handleui/mend/failure"
)

// ErrorKind classifies backend failures for the synthesizer. Any kind
// is a strategy failure, never a session failure.
type ErrorKind string

const (
	ErrTimeout   ErrorKind = "timeout"
	ErrMalformed ErrorKind = "malformed"
	ErrQuota     ErrorKind = "quota"
	ErrTransport ErrorKind = "transport"
)

// Error is a classified backend failure.
type Error struct {
	Kind    ErrorKind
	Backend string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Request carries the failure context sent to a provider.
type Request struct {
	Signature     failure.Signature
	Record        failure.Record
	Excerpt       string
	PriorRejected []string // diff text of patches already rejected for this signature
}

// Response is a proposed fix in unified diff form. Structural
// validation of the diff is the synthesizer's job; the backend only
// guarantees non-empty text.
type Response struct {
	DiffText string
	Model    string
}

// Backend is the single capability all providers implement.
type Backend interface {
	// GeneratePatch proposes a unified diff for the failure. Errors are
	// always *Error so the caller can classify without unwrapping
	// provider SDK types.
	GeneratePatch(ctx context.Context, req *Request) (*Response, error)

	// Name identifies the provider for logging and audit records.
	Name() string
}
