package watch

import (
	"errors"

	"github.com/onnwee/threadwatch/reddit"
)

var (
	// ErrConfigurationMissing marks a cycle that could not run because
	// credentials, thread or channel are not set, or the group is disabled.
	ErrConfigurationMissing = errors.New("configuration missing")
	// ErrSourceUnavailable wraps content source failures (network, 5xx, bad payload).
	ErrSourceUnavailable = errors.New("content source unavailable")
	// ErrSinkUnavailable wraps chat delivery failures.
	ErrSinkUnavailable = errors.New("chat sink unavailable")
	// ErrMalformedReply marks a reply without body or timestamp.
	ErrMalformedReply = errors.New("malformed reply")
	// ErrGroupNotFound is returned by mutations on a group that was never configured.
	ErrGroupNotFound = errors.New("watch group not found")
)

// Condition names an administrative alert. Each is raised at most once until
// it clears.
type Condition string

const (
	CondCredentialsMissing Condition = "credentials_missing"
	CondCredentialsInvalid Condition = "credentials_invalid"
	CondTargetMissing      Condition = "target_missing"
	CondTargetUnreachable  Condition = "target_unreachable"
	CondSourceFailing      Condition = "source_failing"
	CondSinkFailing        Condition = "sink_failing"
)

// ErrorClass tells whether a failed cycle can succeed later on its own.
type ErrorClass int

const (
	// ErrorClassTransient failures usually go away (timeouts, 5xx, chat outage).
	ErrorClassTransient ErrorClass = iota
	// ErrorClassConfiguration failures persist until an operator changes settings.
	ErrorClassConfiguration
	// ErrorClassUnknown is returned for nil.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassTransient:
		return "transient"
	case ErrorClassConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// ClassifyError sorts a cycle error into an ErrorClass.
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorClassUnknown
	case errors.Is(err, ErrConfigurationMissing),
		errors.Is(err, reddit.ErrUnauthorized),
		errors.Is(err, reddit.ErrMissingCredentials),
		errors.Is(err, reddit.ErrInvalidThread),
		errors.Is(err, reddit.ErrThreadNotFound):
		return ErrorClassConfiguration
	default:
		return ErrorClassTransient
	}
}

// sourceCondition maps a content source error to the alert it raises, if any.
// Transient failures return "" and are counted instead.
func sourceCondition(err error) Condition {
	switch {
	case errors.Is(err, reddit.ErrUnauthorized), errors.Is(err, reddit.ErrMissingCredentials):
		return CondCredentialsInvalid
	case errors.Is(err, reddit.ErrInvalidThread), errors.Is(err, reddit.ErrThreadNotFound):
		return CondTargetUnreachable
	default:
		return ""
	}
}
