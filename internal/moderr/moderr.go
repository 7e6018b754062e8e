// Package moderr defines the typed error taxonomy module handlers
// return: a two-variant result, recoverable ErrorKind or Fatal, so the
// runner can decide between a WebSocket error payload and a shutdown.
package moderr

import "fmt"

// ErrorKind is a recoverable, client-facing error. It never terminates
// the connection; the runner serializes it as a WebSocket error payload.
type ErrorKind string

const (
	KindMalformedMessage        ErrorKind = "malformed_message"
	KindInvalidSdpOffer         ErrorKind = "invalid_sdp_offer"
	KindInvalidOption           ErrorKind = "invalid_option"
	KindInvalidVoteId           ErrorKind = "invalid_vote_id"
	KindIneligible              ErrorKind = "ineligible"
	KindChatDisabled            ErrorKind = "chat_disabled"
	KindPermissionDenied        ErrorKind = "permission_denied"
	KindInvalidSelection        ErrorKind = "invalid_selection"
	KindSessionAlreadyRunning   ErrorKind = "session_already_running"
	KindBannedFromRoom          ErrorKind = "banned_from_room"
	KindUnknownNamespace        ErrorKind = "unknown_namespace"
	KindNoPublisherForTarget    ErrorKind = "no_publisher_for_target"
	KindNoSubscriberForTarget   ErrorKind = "no_subscriber_for_target"
	KindInvalidRequestOffer     ErrorKind = "invalid_request_offer"
	KindHandleSdpAnswer         ErrorKind = "handle_sdp_answer"
	KindInvalidCandidate        ErrorKind = "invalid_candidate"
	KindInvalidEndOfCandidates  ErrorKind = "invalid_end_of_candidates"
	KindInvalidConfigureRequest ErrorKind = "invalid_configure_request"
	KindStorageExceeded         ErrorKind = "storage_exceeded"
	KindAllowlistContainsGuests ErrorKind = "allowlist_contains_guests"
	KindInternal                ErrorKind = "internal"
)

// Recoverable wraps an ErrorKind with an optional client-facing detail
// string. It satisfies error so handlers can return it directly.
type Recoverable struct {
	Kind   ErrorKind
	Detail string
	// Data carries structured extras for kinds that need them, e.g.
	// AllowlistContainsGuests{guests[]}.
	Data any
}

func (e *Recoverable) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// New constructs a Recoverable error of the given kind.
func New(kind ErrorKind, detail string) *Recoverable {
	return &Recoverable{Kind: kind, Detail: detail}
}

// WithData attaches structured data to a Recoverable error (builder
// style so call sites stay single-expression).
func (e *Recoverable) WithData(data any) *Recoverable {
	e.Data = data
	return e
}

// Fatal signals that the runner must close the WebSocket with an
// internal-error code after best-effort Leaving dispatch.
type Fatal struct {
	Cause error
}

func (e *Fatal) Error() string {
	if e.Cause == nil {
		return "fatal module error"
	}
	return fmt.Sprintf("fatal module error: %v", e.Cause)
}

func (e *Fatal) Unwrap() error { return e.Cause }

// NewFatal wraps cause as a Fatal error.
func NewFatal(cause error) *Fatal {
	return &Fatal{Cause: cause}
}

// Locked signals bounded-retry lock contention on the volatile store.
type Locked struct {
	Key string
}

func (e *Locked) Error() string { return fmt.Sprintf("locked: %s", e.Key) }
