package common

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode is the numeric code carried by command replies.
type ErrorCode int32

const (
	OK                             ErrorCode = 0
	BadValue                       ErrorCode = 2
	NamespaceNotFound              ErrorCode = 26
	CommandNotFound                ErrorCode = 59
	StaleShardVersion              ErrorCode = 63
	ShardNotFound                  ErrorCode = 70
	LockTimeout                    ErrorCode = 24
	InvalidOptions                 ErrorCode = 72
	TransactionTooOld              ErrorCode = 225
	ExceededTimeLimit              ErrorCode = 262
	StaleDbVersion                 ErrorCode = 249
	NoSuchTransaction              ErrorCode = 251
	ConflictingOperationInProgress ErrorCode = 117
	DuplicateKey                   ErrorCode = 11000
	InternalError                  ErrorCode = 1
	HostUnreachable                ErrorCode = 6
	IndexOptionsConflict           ErrorCode = 85
	IndexKeySpecsConflict          ErrorCode = 86
	WriteConflict                  ErrorCode = 112
	TransactionCommitted           ErrorCode = 256
)

var codeNames = map[ErrorCode]string{
	OK:                             "OK",
	BadValue:                       "BadValue",
	NamespaceNotFound:              "NamespaceNotFound",
	CommandNotFound:                "CommandNotFound",
	StaleShardVersion:              "StaleShardVersion",
	ShardNotFound:                  "ShardNotFound",
	LockTimeout:                    "LockTimeout",
	InvalidOptions:                 "InvalidOptions",
	TransactionTooOld:              "TransactionTooOld",
	ExceededTimeLimit:              "ExceededTimeLimit",
	StaleDbVersion:                 "StaleDbVersion",
	NoSuchTransaction:              "NoSuchTransaction",
	ConflictingOperationInProgress: "ConflictingOperationInProgress",
	DuplicateKey:                   "DuplicateKey",
	InternalError:                  "InternalError",
	HostUnreachable:                "HostUnreachable",
	IndexOptionsConflict:           "IndexOptionsConflict",
	IndexKeySpecsConflict:          "IndexKeySpecsConflict",
	WriteConflict:                  "WriteConflict",
	TransactionCommitted:           "TransactionCommitted",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Location%d", int32(c))
}

// IsStaleRouting reports whether the code means the router's cached
// placement is older than the shard's.
func (c ErrorCode) IsStaleRouting() bool {
	return c == StaleDbVersion || c == StaleShardVersion
}

// TransientTransactionError tells the caller to restart the whole
// transaction rather than the last statement.
const TransientTransactionError = "TransientTransactionError"

// CommandError is what the router surfaces to callers.
type CommandError struct {
	Code    ErrorCode
	Message string
	Labels  []string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, int32(e.Code), e.Message)
}

// HasLabel reports whether label is attached to the error.
func (e *CommandError) HasLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// NewCommandError builds a CommandError without labels.
func NewCommandError(code ErrorCode, format string, args ...interface{}) *CommandError {
	return &CommandError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewNoSuchTransaction builds the error returned when the router gives up
// on a transaction.
func NewNoSuchTransaction(format string, args ...interface{}) *CommandError {
	return &CommandError{
		Code:    NoSuchTransaction,
		Message: fmt.Sprintf(format, args...),
		Labels:  []string{TransientTransactionError},
	}
}

// StaleVersionError is reported by a shard whose authoritative placement
// version differs from the one the router attached.
type StaleVersionError struct {
	Kind      ErrorCode
	ShardID   string
	Namespace Namespace
	Wanted    DatabaseVersion
	Observed  DatabaseVersion
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("%s from shard %s for %s: router sent %s, shard has %s",
		e.Kind, e.ShardID, e.Namespace, e.Wanted, e.Observed)
}

// ShardError is any non-staleness error a shard returns. It is passed
// through to the caller unchanged.
type ShardError struct {
	ShardID string
	Code    ErrorCode
	Message string
}

func (e *ShardError) Error() string {
	return fmt.Sprintf("shard %s: %s (%d): %s", e.ShardID, e.Code, int32(e.Code), e.Message)
}

// ToCommandError converts any error into the caller-facing shape.
func ToCommandError(err error) *CommandError {
	if err == nil {
		return nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr
	}
	var shardErr *ShardError
	if errors.As(err, &shardErr) {
		return &CommandError{Code: shardErr.Code, Message: shardErr.Message}
	}
	var staleErr *StaleVersionError
	if errors.As(err, &staleErr) {
		return &CommandError{Code: staleErr.Kind, Message: staleErr.Error()}
	}
	return &CommandError{Code: InternalError, Message: err.Error()}
}
