package records

import (
	"errors"
	"fmt"
)

// Kind classifies store failures by how callers are expected to react.
type Kind string

const (
	// KindTransient covers unavailable network and rate limiting. Retry later; never reset.
	KindTransient Kind = "transient"
	// KindAuthRequired blocks all sync until credentials are refreshed.
	KindAuthRequired Kind = "auth_required"
	// KindCursorExpired means a change cursor can no longer be resumed.
	KindCursorExpired Kind = "cursor_expired"
	// KindPartitionNotFound means the addressed partition does not exist (anymore).
	KindPartitionNotFound Kind = "partition_not_found"
	// KindNotFound means the addressed record or identity does not exist.
	KindNotFound Kind = "not_found"
	// KindPermissionDenied means the caller cannot reach the partition through the given scope.
	KindPermissionDenied Kind = "permission_denied"
	// KindConflict means a save precondition failed. Resolved locally, never surfaced.
	KindConflict Kind = "conflict"
	// KindAlreadyExists means a create raced with another creator.
	KindAlreadyExists Kind = "already_exists"
	// KindSaveFailed means a write is not observed in any scope.
	KindSaveFailed Kind = "save_failed"
	// KindInvalid means the request itself is malformed.
	KindInvalid Kind = "invalid"
)

// Human hints attached to PermissionDenied and NotFound failures.
const (
	HintUngranted   = "the room owner has not granted access to this participant yet"
	HintWrongScope  = "the room lives in the other scope; resolve it again"
	HintEnvironment = "the record store environment does not match this device; check the server address"
)

// Error is the typed failure returned by Store implementations and the sync core.
type Error struct {
	Kind Kind
	Op   string
	Hint string
	Err  error
	// Current carries the server copy of a record for KindConflict.
	Current *Record
}

func (e *Error) Error() string {
	message := string(e.Kind)
	if e.Op != "" {
		message = e.Op + ": " + message
	}
	if e.Err != nil {
		message = fmt.Sprintf("%s: %v", message, e.Err)
	}
	if e.Hint != "" {
		message = fmt.Sprintf("%s (%s)", message, e.Hint)
	}
	return message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors of the same kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := target.(*Error)
	if !ok {
		return false
	}
	return sentinel.Op == "" && sentinel.Err == nil && sentinel.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrTransient         = &Error{Kind: KindTransient}
	ErrAuthRequired      = &Error{Kind: KindAuthRequired}
	ErrCursorExpired     = &Error{Kind: KindCursorExpired}
	ErrPartitionNotFound = &Error{Kind: KindPartitionNotFound}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrPermissionDenied  = &Error{Kind: KindPermissionDenied}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrAlreadyExists     = &Error{Kind: KindAlreadyExists}
	ErrSaveFailed        = &Error{Kind: KindSaveFailed}
	ErrInvalid           = &Error{Kind: KindInvalid}
)

// NewError builds a typed error for the operation.
func NewError(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// WithHint returns a copy of the error carrying a human hint.
func (e *Error) WithHint(hint string) *Error {
	copyErr := *e
	copyErr.Hint = hint
	return &copyErr
}

// KindOf returns the kind of the first typed error in the chain, or "" when untyped.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ""
}

// IsKind reports whether the chain contains a typed error of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RequiresReset reports whether the failure invalidates cursors or partitions.
func RequiresReset(err error) bool {
	kind := KindOf(err)
	return kind == KindCursorExpired || kind == KindPartitionNotFound
}

// ConflictCurrent returns the server copy carried by a conflict error.
func ConflictCurrent(err error) (Record, bool) {
	var typed *Error
	if !errors.As(err, &typed) || typed.Kind != KindConflict || typed.Current == nil {
		return Record{}, false
	}
	return typed.Current.Clone(), true
}

// AccessHint picks the most likely cause for a denied or missing partition lookup.
func AccessHint(kind Kind, scope Scope) string {
	switch {
	case kind == KindPermissionDenied && scope == ScopeShared:
		return HintUngranted
	case kind == KindPermissionDenied:
		return HintWrongScope
	case kind == KindNotFound || kind == KindPartitionNotFound:
		if scope == ScopeShared {
			return HintUngranted
		}
		return HintEnvironment
	default:
		return ""
	}
}
