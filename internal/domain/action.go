// Package domain contains the shared types of the deferred-action subsystem.
package domain

// ActionKind is an operation against the filtering service.
type ActionKind string

// Action kinds.
const (
	ActionBlock    ActionKind = "block"
	ActionUnblock  ActionKind = "unblock"
	ActionAllow    ActionKind = "allow"
	ActionDisallow ActionKind = "disallow"
)

// IsValid checks if the action kind is valid.
func (a ActionKind) IsValid() bool {
	switch a {
	case ActionBlock, ActionUnblock, ActionAllow, ActionDisallow:
		return true
	}
	return false
}

// ErrorKind classifies a failed filtering-service request.
type ErrorKind string

// Error kinds.
const (
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindConnection  ErrorKind = "connection"
	ErrorKindHTTP5xx     ErrorKind = "http_5xx"
	ErrorKindRateLimited ErrorKind = "rate_limited"
	ErrorKindValidation  ErrorKind = "validation"
	ErrorKindAuth        ErrorKind = "auth"
	ErrorKindUnknown     ErrorKind = "unknown"
)

// Retryable reports whether a failure of this kind is worth retrying.
// Validation and auth failures are permanent; everything else may resolve
// on a later attempt.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindValidation, ErrorKindAuth:
		return false
	}
	return true
}

// RequestResult carries the error classification of a failed
// filtering-service request.
type RequestResult struct {
	Kind    ErrorKind
	Message string
}

// Retryable reports whether the failed request may be retried.
func (r *RequestResult) Retryable() bool {
	if r == nil {
		return false
	}
	return r.Kind.Retryable()
}
