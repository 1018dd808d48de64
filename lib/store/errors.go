package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/changelog"
	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/docstore"
)

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess                RetCode = iota // 0: Command executed successfully.
	RetCInternalError                         // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                  // 2: Operation is not supported by this store.
	RetCInvalidOperation                      // 3: Malformed request.
	RetCValidation                            // 4: Schema or precondition check failed, do not retry.
	RetCNotFound                              // 5: Document does not exist.
	RetCNotLeader                             // 6: Redirect to the leader named in the hint.
	RetCCannotCalculateChanges                // 7: Fall back to a full resync.
	RetCIo                                    // 8: Storage I/O failure.
	RetCCorruption                            // 9: Storage corruption detected.
	RetCReplicationTimeout                    // 10: Not stored on a majority in time, retry.
	RetCStaleEpoch                            // 11: Message from an old leadership epoch.
	RetCUnavailable                           // 12: Node is degraded and refuses writes.
	RetCCanceled                              // 13: Canceled before the commit started.
)

var retCodeNames = map[RetCode]string{
	RetCSuccess:                "Success",
	RetCInternalError:          "InternalError",
	RetCUnsupportedOperation:   "UnsupportedOperation",
	RetCInvalidOperation:       "InvalidOperation",
	RetCValidation:             "Validation",
	RetCNotFound:               "NotFound",
	RetCNotLeader:              "NotLeader",
	RetCCannotCalculateChanges: "CannotCalculateChanges",
	RetCIo:                     "Io",
	RetCCorruption:             "Corruption",
	RetCReplicationTimeout:     "ReplicationTimeout",
	RetCStaleEpoch:             "StaleEpoch",
	RetCUnavailable:            "Unavailable",
	RetCCanceled:               "Canceled",
}

func (c RetCode) String() string {
	if s, ok := retCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("RetCode(%d)", uint64(c))
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error wraps a return code, a message and an optional hint (the leader
// address for RetCNotLeader).
type Error struct {
	Code RetCode
	Msg  string
	Hint string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("store error (code %s): %s (hint: %s)", e.Code, e.Msg, e.Hint)
	}
	return fmt.Sprintf("store error (code %s): %s", e.Code, e.Msg)
}

// Retryable reports whether the same request may succeed when repeated.
func (e *Error) Retryable() bool {
	return e.Code == RetCReplicationTimeout || e.Code == RetCUnavailable
}

// NewError creates an error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Errorf creates an error with a formatted message.
func Errorf(code RetCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// NotLeader creates a redirect error.
func NotLeader(leaderAddr string) *Error {
	return &Error{Code: RetCNotLeader, Msg: "this node is not the leader", Hint: leaderAddr}
}

// AsError classifies err. Errors that already are *Error are returned as is.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	code := RetCInternalError
	switch {
	case errors.Is(err, docstore.ErrValidation):
		code = RetCValidation
	case errors.Is(err, docstore.ErrNotFound):
		code = RetCNotFound
	case errors.Is(err, changelog.ErrCannotCalculateChanges):
		code = RetCCannotCalculateChanges
	case db.IsCorruption(err):
		code = RetCCorruption
	case db.IsIo(err):
		code = RetCIo
	case errors.Is(err, context.Canceled):
		code = RetCCanceled
	}
	return &Error{Code: code, Msg: err.Error()}
}

// CodeOf returns the code of err, RetCSuccess for nil.
func CodeOf(err error) RetCode {
	if err == nil {
		return RetCSuccess
	}
	return AsError(err).Code
}
