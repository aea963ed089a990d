package domain

import "errors"

// ErrorKind classifies client-visible failures.
type ErrorKind string

const (
	KindDeviceUnavailable ErrorKind = "device_unavailable"
	KindPermissionDenied  ErrorKind = "permission_denied"
	KindCaptureFailure    ErrorKind = "capture_failure"
	KindTransportError    ErrorKind = "transport_error"
	KindSendFailure       ErrorKind = "send_failure"
)

// Kind sentinels for errors.Is.
var (
	ErrDeviceUnavailable = &Error{Kind: KindDeviceUnavailable}
	ErrPermissionDenied  = &Error{Kind: KindPermissionDenied}
	ErrCaptureFailure    = &Error{Kind: KindCaptureFailure}
	ErrTransportError    = &Error{Kind: KindTransportError}
	ErrSendFailure       = &Error{Kind: KindSendFailure}
)

var defaultMessages = map[ErrorKind]string{
	KindDeviceUnavailable: "Selected device is not available",
	KindPermissionDenied:  "Please allow microphone access to continue",
	KindCaptureFailure:    "Error recording audio. Please try again.",
	KindTransportError:    "Failed to connect to server. Please check the endpoint.",
	KindSendFailure:       "Error sending audio to server",
}

// Error is a recoverable, human-presentable failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError wraps err under kind with the kind's default message.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Message: defaultMessages[kind], Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = defaultMessages[e.Kind]
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
