package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthFailed is returned when a credential cannot be verified.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrAuthTimeout is returned when no credential arrives in time.
	ErrAuthTimeout = errors.New("authentication timed out")
	// ErrNotAuthenticated is returned for commands sent before authenticate.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrNotAMember is returned when the actor is not in the room.
	ErrNotAMember = errors.New("not a member of this room")
	// ErrForbidden is returned when the actor's role is insufficient.
	ErrForbidden = errors.New("forbidden")
	// ErrAlreadyMember is returned by a repeated join.
	ErrAlreadyMember = errors.New("already a member")
	// ErrDuplicateSession is returned when a handle is registered twice.
	ErrDuplicateSession = errors.New("duplicate session")
	// ErrOwnerCannotLeave is returned when the owner would leave or be removed.
	ErrOwnerCannotLeave = errors.New("room owner cannot leave; transfer ownership first")
	// ErrInvalidReply is returned when reply-to is missing or in another room.
	ErrInvalidReply = errors.New("reply target must be a message in the same room")
	// ErrEmptyContent is returned for blank messages without attachments.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrContentTooLong is returned when content exceeds the configured limit.
	ErrContentTooLong = errors.New("message content too long")
	// ErrInvalidReaction is returned for blank or oversized emoji.
	ErrInvalidReaction = errors.New("invalid reaction")
	// ErrInvalidRole is returned for unknown roles or owner assignment via role change.
	ErrInvalidRole = errors.New("invalid role")
	// ErrRoomNotFound is returned when a room does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrMessageNotFound is returned when a message does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrUserNotFound is returned when a user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrRateLimited is returned when an actor exceeds a rate limit.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrInvalidCommand is returned for malformed inbound frames.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrOperationFailed is returned when persistence failed after retry.
	ErrOperationFailed = errors.New("operation failed")
)

// StoreError wraps a transient persistence failure. The store adapter retries these once.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsStoreError reports whether err carries a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

var codes = []struct {
	err  error
	code string
}{
	{ErrAuthFailed, "auth_failed"},
	{ErrAuthTimeout, "auth_timeout"},
	{ErrNotAuthenticated, "not_authenticated"},
	{ErrNotAMember, "not_a_member"},
	{ErrForbidden, "forbidden"},
	{ErrAlreadyMember, "already_member"},
	{ErrDuplicateSession, "duplicate_session"},
	{ErrOwnerCannotLeave, "owner_cannot_leave"},
	{ErrInvalidReply, "invalid_reply"},
	{ErrEmptyContent, "empty_content"},
	{ErrContentTooLong, "content_too_long"},
	{ErrInvalidReaction, "invalid_reaction"},
	{ErrInvalidRole, "invalid_role"},
	{ErrRoomNotFound, "room_not_found"},
	{ErrMessageNotFound, "message_not_found"},
	{ErrUserNotFound, "user_not_found"},
	{ErrRateLimited, "rate_limited"},
	{ErrInvalidCommand, "invalid_command"},
	{ErrOperationFailed, "operation_failed"},
}

// Code returns the wire reason code for err. Unknown errors map to operation_failed.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "operation_failed"
}

// ErrorFromCode rebuilds a sentinel error from its reason code.
func ErrorFromCode(code, message string) error {
	if code == "" {
		return nil
	}
	for _, c := range codes {
		if c.code == code {
			if message == "" || message == c.err.Error() {
				return c.err
			}
			return fmt.Errorf("%w: %s", c.err, message)
		}
	}
	return fmt.Errorf("%w: %s", ErrOperationFailed, message)
}

// IsConnectionFatal reports whether err must drop the transport.
func IsConnectionFatal(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrAuthTimeout)
}

// IsSilent reports whether err is an idempotent no-op that is never surfaced.
func IsSilent(err error) bool {
	return errors.Is(err, ErrAlreadyMember) || errors.Is(err, ErrDuplicateSession)
}

// IsDomainError reports whether err carries one of the sentinel errors above,
// other than ErrOperationFailed.
func IsDomainError(err error) bool {
	for _, c := range codes {
		if c.err != ErrOperationFailed && errors.Is(err, c.err) {
			return true
		}
	}
	return false
}
