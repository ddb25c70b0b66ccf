package router

import (
	"sync"
	"time"

	"github.com/shard-txn-router/common"
	"github.com/subchen/go-trylock/v2"
)

// TxnState is the lifecycle state of a transaction. Only Active accepts
// statements; every other state is terminal.
type TxnState int

const (
	Active TxnState = iota
	Committed
	Aborted
	ImplicitlyAborted
)

func (s TxnState) String() string {
	switch s {
	case Active:
		return "Active"
	case Committed:
		return "Committed"
	case Aborted:
		return "Aborted"
	case ImplicitlyAborted:
		return "ImplicitlyAborted"
	}
	return "Unknown"
}

// AbortReason tells why a transaction left Active without committing.
type AbortReason string

const (
	ReasonNone                   AbortReason = ""
	RetryExhausted               AbortReason = "RetryExhausted"
	PartialParticipationConflict AbortReason = "PartialParticipationConflict"
	DeadlineExceeded             AbortReason = "DeadlineExceeded"
	ExplicitAbort                AbortReason = "ExplicitAbort"
	Superseded                   AbortReason = "Superseded"
	CommitFailed                 AbortReason = "CommitFailed"
)

// Session is one transaction of a logical session, identified by
// (ID, TxnNumber).
type Session struct {
	ID         string
	TxnNumber  int64
	maxRetries int
	deadline   time.Time

	participants *ParticipantTracker
	// one statement at a time
	inflight trylock.TryLocker

	mu         sync.Mutex
	state      TxnState
	reason     AbortReason
	retryCount int
}

func newSession(id string, txnNumber int64, maxRetries int, deadline time.Time) *Session {
	return &Session{
		ID:           id,
		TxnNumber:    txnNumber,
		maxRetries:   maxRetries,
		deadline:     deadline,
		participants: NewParticipantTracker(),
		inflight:     trylock.New(),
	}
}

func (s *Session) State() TxnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Reason() AbortReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

func (s *Session) MaxRetries() int {
	return s.maxRetries
}

func (s *Session) Deadline() time.Time {
	return s.deadline
}

func (s *Session) Participants() *ParticipantTracker {
	return s.participants
}

// Expired reports whether the wall-clock budget is spent.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.deadline)
}

func (s *Session) hasRetryBudget() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount < s.maxRetries
}

func (s *Session) incRetry() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryCount < s.maxRetries {
		s.retryCount++
	}
	return s.retryCount
}

// finish moves an Active session to a terminal state. It returns false if
// the session already left Active.
func (s *Session) finish(state TxnState, reason AbortReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return false
	}
	s.state = state
	s.reason = reason
	return true
}

// terminalError is returned for statements sent to a finished transaction.
func (s *Session) terminalError() *common.CommandError {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Committed:
		return common.NewCommandError(common.TransactionCommitted,
			"transaction %d of session %s has been committed", s.TxnNumber, s.ID)
	case Aborted, ImplicitlyAborted:
		return common.NewCommandError(common.NoSuchTransaction,
			"transaction %d of session %s has been aborted (%s)", s.TxnNumber, s.ID, s.reason)
	}
	return nil
}
