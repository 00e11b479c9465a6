package errdefs

import (
	"github.com/zeebo/errs"
)

// Error classes, one per surfaced error kind. Wrap at the boundary
// where the kind is decided; inner layers use plain wrapped errors.
var (
	InvalidInput          = errs.Class("invalid input")
	AccessDenied          = errs.Class("access denied")
	IntegrityError        = errs.Class("integrity error")
	Retryable             = errs.Class("retryable")
	PermanentPostFailure  = errs.Class("permanent post failure")
	PermanentFetchFailure = errs.Class("permanent fetch failure")
	DuplicateEntity       = errs.Class("duplicate entity")
	KeyAlreadyExists      = errs.Class("key already exists")
	RateLimited           = errs.Class("rate limited")
	Cancelled             = errs.Class("cancelled")
	PartialResult         = errs.Class("partial result")
	Fatal                 = errs.Class("fatal")
)

// Kind names an error taxonomy entry for reporting.
type Kind string

const (
	KindInvalidInput          Kind = "invalid_input"
	KindAccessDenied          Kind = "access_denied"
	KindIntegrityError        Kind = "integrity_error"
	KindRetryable             Kind = "retryable"
	KindPermanentPostFailure  Kind = "permanent_post_failure"
	KindPermanentFetchFailure Kind = "permanent_fetch_failure"
	KindDuplicateEntity       Kind = "duplicate_entity"
	KindKeyAlreadyExists      Kind = "key_already_exists"
	KindRateLimited           Kind = "rate_limited"
	KindCancelled             Kind = "cancelled"
	KindPartialResult         Kind = "partial_result"
	KindFatal                 Kind = "fatal"
	KindUnknown               Kind = "unknown"
)

// KindOf classifies an error against the taxonomy. Unknown errors are
// reported as such rather than coerced into a class.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case InvalidInput.Has(err):
		return KindInvalidInput
	case AccessDenied.Has(err):
		return KindAccessDenied
	case IntegrityError.Has(err):
		return KindIntegrityError
	case RateLimited.Has(err):
		return KindRateLimited
	case Retryable.Has(err):
		return KindRetryable
	case PermanentPostFailure.Has(err):
		return KindPermanentPostFailure
	case PermanentFetchFailure.Has(err):
		return KindPermanentFetchFailure
	case DuplicateEntity.Has(err):
		return KindDuplicateEntity
	case KeyAlreadyExists.Has(err):
		return KindKeyAlreadyExists
	case Cancelled.Has(err):
		return KindCancelled
	case PartialResult.Has(err):
		return KindPartialResult
	case Fatal.Has(err):
		return KindFatal
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether the caller may retry the failed call.
// RateLimited errors are retryable after the recommended delay.
func IsRetryable(err error) bool {
	return Retryable.Has(err) || RateLimited.Has(err)
}
