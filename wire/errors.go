package wire

import "errors"

// Sentinel errors for the failure taxonomy shared by the relay server and
// the client pipeline. Components wrap these with context; callers classify
// with errors.Is.
var (
	// ErrAuthenticationFailed covers bad PINs and bad signatures. Never
	// retried automatically; surfaced to the user.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrRateLimited means the sender exceeded the relay's message budget.
	// Retry after backoff.
	ErrRateLimited = errors.New("rate limited")

	// ErrKeyVersionMismatch means a group message referenced a key version
	// different from the caller's. Triggers reconciliation, then one retry.
	ErrKeyVersionMismatch = errors.New("group key version mismatch")

	// ErrNetworkUnavailable means the relay could not be reached. Sends are
	// queued to the outbox and retried on a timer.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrStorageCorruption means local persisted state failed to decrypt or
	// parse. The unreadable file is quarantined and processing continues.
	ErrStorageCorruption = errors.New("storage corruption")

	// ErrAttachmentTooLarge means an attachment exceeded the relay's
	// configured ceiling. Not retried.
	ErrAttachmentTooLarge = errors.New("attachment too large")

	// ErrIntegrityMismatch means an attachment's content hash did not match
	// its claimed ID. Not retried.
	ErrIntegrityMismatch = errors.New("attachment integrity mismatch")

	// ErrNotMember means the caller is not a member of the group.
	ErrNotMember = errors.New("not a group member")

	// ErrNotAuthorized means the caller lacks the role the operation
	// requires.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// Error codes carried in JSON error bodies. Stable strings; clients map them
// back to the sentinels above.
const (
	CodeInvalidSignature    = "invalid_signature"
	CodeRateLimited         = "rate_limited"
	CodeKeyVersionMismatch  = "key_version_mismatch"
	CodeAttachmentTooLarge  = "attachment_too_large"
	CodeIntegrityMismatch   = "integrity_mismatch"
	CodeNotMember           = "not_member"
	CodeNotAuthorized       = "not_authorized"
	CodeNotFound            = "not_found"
	CodeBadRequest          = "bad_request"
	CodeInternal            = "internal_error"
)

// ErrorBody is the JSON error payload returned by the relay.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SentinelForCode maps a wire error code back to its sentinel error.
// Unknown codes map to a generic network-layer failure so callers still get
// a classifiable error.
func SentinelForCode(code string) error {
	switch code {
	case CodeInvalidSignature:
		return ErrAuthenticationFailed
	case CodeRateLimited:
		return ErrRateLimited
	case CodeKeyVersionMismatch:
		return ErrKeyVersionMismatch
	case CodeAttachmentTooLarge:
		return ErrAttachmentTooLarge
	case CodeIntegrityMismatch:
		return ErrIntegrityMismatch
	case CodeNotMember:
		return ErrNotMember
	case CodeNotAuthorized:
		return ErrNotAuthorized
	case CodeNotFound:
		return ErrNotFound
	default:
		return ErrNetworkUnavailable
	}
}
