// Package apperrors defines the error taxonomy shared by the batch
// pipeline: every failure surfaced by the jellyfin client, the metadata
// extractors, the composer, or the repository is classified into one of
// the kinds below so the worker can decide whether a poster attempt is
// worth retrying.
package apperrors

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Kind classifies a failure for retry and reporting decisions.
type Kind string

const (
	// KindValidation marks bad submission input. Surfaced to the caller;
	// no job is created.
	KindValidation Kind = "validation"

	// KindTransientNetwork marks timeouts, 5xx responses, and connection
	// resets from Jellyfin or metadata providers. Retryable.
	KindTransientNetwork Kind = "transient_network"

	// KindPermanentRemote marks 4xx responses (other than 429) and
	// missing upload targets. Not retryable.
	KindPermanentRemote Kind = "permanent_remote"

	// KindRateLimited marks 429 responses. Retryable with extended backoff.
	KindRateLimited Kind = "rate_limited"

	// KindMetadataMissing marks an extractor that returned not-applicable.
	// Non-fatal; the badge is skipped.
	KindMetadataMissing Kind = "metadata_missing"

	// KindCompose marks a composition failure (bad asset, corrupt source
	// image). Not retryable for that poster.
	KindCompose Kind = "compose"

	// KindRepository marks a failure to persist job or poster state.
	KindRepository Kind = "repository"
)

// Error carries a kind, the operation that failed, and the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error from a message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap classifies an existing error. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err, walking the wrap chain.
// Unclassified errors report KindTransientNetwork=false style zero value
// with ok=false.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is lets callers match classified errors by kind using a prototype,
// e.g. errors.Is(err, &Error{Kind: KindRateLimited}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// pathKeywords are error-text fragments that disqualify an otherwise
// transient failure from retrying: a missing file or a permission
// problem will not heal on its own.
var pathKeywords = []string{
	"no such file",
	"file does not exist",
	"file_missing",
	"permission denied",
	"permission_denied",
}

// IsRetryable reports whether a poster attempt that failed with err is
// eligible for another attempt. Only transient network failures and
// rate limits qualify, and never when the cause is a missing file or a
// permission failure somewhere in the chain.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	if kind != KindTransientNetwork && kind != KindRateLimited {
		return false
	}

	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range pathKeywords {
		if strings.Contains(msg, kw) {
			return false
		}
	}
	return true
}

// IsValidation reports whether err is a submission validation failure.
func IsValidation(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindValidation
}

// IsMetadataMissing reports whether err means "no badge content for this
// media"; callers skip the badge instead of failing the poster.
func IsMetadataMissing(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindMetadataMissing
}
