package forum

import (
	"errors"
	"fmt"
)

// Kind classifies a DomainError for transport mapping and retry policy.
type Kind int

const (
	// KindUnknown covers infrastructure failures with no business meaning.
	KindUnknown Kind = iota
	// KindValidation marks malformed input. Never retried.
	KindValidation
	// KindAuthorization marks a role or ownership check failure. Never retried.
	KindAuthorization
	// KindNotFound marks a lookup that resolved to nothing or a tombstone.
	KindNotFound
	// KindConflict marks exhausted optimistic concurrency retries.
	KindConflict
	// KindEditWindowExpired marks a non-moderator edit outside the window.
	KindEditWindowExpired
	// KindSelfVote marks a vote cast on the voter's own content.
	KindSelfVote
)

// DomainError carries a classification kind and a dotted operation code
// alongside the underlying cause.
type DomainError struct {
	Kind Kind
	Code string
	Err  error
}

func (e *DomainError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError constructs a DomainError. Code follows the
// "package.operation.reason" convention.
func NewError(kind Kind, code string, cause error) *DomainError {
	return &DomainError{Kind: kind, Code: code, Err: cause}
}

func newError(kind Kind, operation, reason string, cause error) error {
	return NewError(kind, fmt.Sprintf("%s.%s", operation, reason), cause)
}

// KindOf extracts the Kind from an error chain, KindUnknown when absent.
func KindOf(err error) Kind {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return KindUnknown
}
