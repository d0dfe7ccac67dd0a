// Package errors provides structured relay errors keyed by machine-readable codes.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Join handshake errors
	CodeMalformedJoinRequest Code = "MALFORMED_JOIN_REQUEST"
	CodeDuplicateMember      Code = "DUPLICATE_MEMBER"
	CodeUnknownRoom          Code = "UNKNOWN_ROOM"
	CodeRoomClosed           Code = "ROOM_CLOSED"

	// Delivery errors
	CodeWriteFailure  Code = "WRITE_FAILURE"
	CodeDecodeFailure Code = "DECODE_FAILURE"

	// Listener errors
	CodeAcceptError Code = "ACCEPT_ERROR"
)

// RetryableJoin reports whether a join attempt failing with this code may be
// retried by the client within its attempt budget.
func (c Code) RetryableJoin() bool {
	switch c {
	case CodeMalformedJoinRequest, CodeDuplicateMember, CodeDecodeFailure:
		return true
	default:
		return false
	}
}
