package ingesterrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is a stable classification of an ingestion failure.
//
// Kinds are split into caller-fixable ones (re-processing the same input fails
// the same way) and operational ones (candidates for external redelivery).
type Kind string

const (
	KindNotFound               Kind = "not_found"
	KindAccessDenied           Kind = "access_denied"
	KindMalformedJSON          Kind = "malformed_json"
	KindSchemaViolation        Kind = "schema_violation"
	KindCredentialUnavailable  Kind = "credential_unavailable" // #nosec G101 -- error code, not credentials
	KindStorageUnavailable     Kind = "storage_unavailable"
	KindStorageWriteError      Kind = "storage_write_error"
	KindTimeout                Kind = "timeout"
	KindObjectStoreUnavailable Kind = "object_store_unavailable"
	KindInvalidRequest         Kind = "invalid_request"
	KindUnknown                Kind = "unknown"
)

type Error struct {
	Kind    Kind
	Message string
	// FeatureIndex is set for schema violations raised by a single feature.
	FeatureIndex *int
	Cause        error
}

func (e *Error) Error() string {
	if e.Cause != nil && !strings.Contains(e.Message, e.Cause.Error()) {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// FeatureViolation reports a schema violation raised by the feature at index.
func FeatureViolation(index int, format string, args ...any) error {
	i := index
	return &Error{
		Kind:         KindSchemaViolation,
		Message:      fmt.Sprintf("feature %d: ", index) + fmt.Sprintf(format, args...),
		FeatureIndex: &i,
	}
}

// KindOf returns the kind carried by err. Context deadline errors that were not
// classified upstream map to KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// FeatureIndexOf returns the offending feature index, if err carries one.
func FeatureIndexOf(err error) (int, bool) {
	var ie *Error
	if errors.As(err, &ie) && ie.FeatureIndex != nil {
		return *ie.FeatureIndex, true
	}
	return 0, false
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsCallerFixable reports whether re-submitting identical input is pointless.
func IsCallerFixable(kind Kind) bool {
	switch kind {
	case KindMalformedJSON, KindSchemaViolation, KindInvalidRequest:
		return true
	default:
		return false
	}
}

// IsOperational reports whether the failure came from infrastructure and the
// trigger may be redelivered.
func IsOperational(kind Kind) bool {
	switch kind {
	case KindStorageUnavailable, KindCredentialUnavailable, KindTimeout,
		KindObjectStoreUnavailable, KindStorageWriteError, KindUnknown:
		return true
	default:
		return false
	}
}

// Retryable is true for operational kinds. NotFound and AccessDenied are
// neither caller-fixable nor retryable: they need someone to change the bucket.
func Retryable(kind Kind) bool {
	return IsOperational(kind)
}

// FormatMessage prefixes message with its kind unless it is already present.
func FormatMessage(message string, kind Kind) string {
	msg := strings.TrimSpace(message)
	code := strings.TrimSpace(string(kind))
	if msg == "" || code == "" {
		return msg
	}
	if strings.Contains(msg, code) {
		return msg
	}
	return fmt.Sprintf("[%s] %s", code, msg)
}
