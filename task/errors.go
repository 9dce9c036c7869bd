package task

import "fmt"

// Kind classifies a failure by origin and policy. Kinds, not Go types, drive
// the behaviour tables: synchronous rejection at the ingress, FAILURE
// callbacks in the worker, record retention on undelivered callbacks.
type Kind string

const (
	KindValidationFailure   Kind = "ValidationFailure"
	KindDuplicateTaskID     Kind = "DuplicateTaskId"
	KindUnsupportedMedia    Kind = "UnsupportedMedia"
	KindStoreUnavailable    Kind = "StoreUnavailable"
	KindQueueUnavailable    Kind = "QueueUnavailable"
	KindImageUnreachable    Kind = "ImageUnreachable"
	KindImageTooLarge       Kind = "ImageTooLarge"
	KindImageFormatBad      Kind = "ImageFormatBad"
	KindWeightsUnavailable  Kind = "WeightsUnavailable"
	KindInferenceFailure    Kind = "InferenceFailure"
	KindCallbackUndelivered Kind = "CallbackUndelivered"
)

// Stable numeric codes per kind. These appear on the wire (HTTP error bodies
// and envelope error fields) and must never be renumbered.
var codes = map[Kind]int{
	KindValidationFailure:   10001,
	KindDuplicateTaskID:     10002,
	KindUnsupportedMedia:    10003,
	KindStoreUnavailable:    10500,
	KindQueueUnavailable:    10501,
	KindImageUnreachable:    20001,
	KindImageTooLarge:       20002,
	KindImageFormatBad:      20003,
	KindWeightsUnavailable:  20004,
	KindInferenceFailure:    20005,
	KindCallbackUndelivered: 20006,
}

// User-facing messages per kind. The engineer-facing Message field carries
// the specifics; DisplayMessage stays stable and presentable.
var displayMessages = map[Kind]string{
	KindValidationFailure:   "The request is invalid.",
	KindDuplicateTaskID:     "A task with this ID is already being processed.",
	KindUnsupportedMedia:    "The submitted file format is not supported.",
	KindStoreUnavailable:    "The service is temporarily unavailable.",
	KindQueueUnavailable:    "The service is temporarily unavailable.",
	KindImageUnreachable:    "The image could not be downloaded.",
	KindImageTooLarge:       "The image exceeds the maximum allowed size.",
	KindImageFormatBad:      "The image could not be read.",
	KindWeightsUnavailable:  "The analysis engine is not ready.",
	KindInferenceFailure:    "The analysis failed.",
	KindCallbackUndelivered: "The result could not be delivered.",
}

// Error is a classified failure with its wire representation.
type Error struct {
	Kind    Kind
	Message string
}

// Errorf builds an Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Code returns the stable numeric code for the error's kind.
func (e *Error) Code() int { return codes[e.Kind] }

// Envelope converts the error to its envelope form.
func (e *Error) Envelope() *EnvelopeError {
	return &EnvelopeError{
		Code:           codes[e.Kind],
		Message:        e.Message,
		DisplayMessage: displayMessages[e.Kind],
	}
}
