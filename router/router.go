// Package router runs statements of logical sessions against the shards
// and keeps multi-statement transactions consistent when a shard reports
// that the router's routing metadata is stale.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/shard-txn-router/common"
	"github.com/shard-txn-router/metric"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
)

// Options bound every transaction started by the router.
type Options struct {
	MaxRetries  int
	TxnLifetime time.Duration
}

// SessionStatus is a point-in-time view of a session's transaction.
type SessionStatus struct {
	SessionID    string        `json:"lsid"`
	TxnNumber    int64         `json:"txnNumber"`
	State        string        `json:"state"`
	Reason       string        `json:"reason,omitempty"`
	RetryCount   int           `json:"retryCount"`
	MaxRetries   int           `json:"maxRetries"`
	Deadline     time.Time     `json:"deadline"`
	Participants []Participant `json:"participants"`
}

// Router holds the live transaction of every logical session.
type Router struct {
	opts        Options
	executor    *StatementExecutor
	coordinator *StalenessRetryCoordinator
	metrics     *metric.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	// the transaction each session's current one replaced
	retired map[string]*Session
	// highest txnNumber ever started per session
	lastTxn map[string]int64

	now func() time.Time
	log *log.Entry
}

func New(logger *log.Logger, cache RoutingCache, shards *ShardRegistry, opts Options, metrics *metric.Metrics) *Router {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = common.DefaultMaxRetries
	}
	if opts.TxnLifetime <= 0 {
		opts.TxnLifetime = common.DefaultTxnLifetime
	}
	return &Router{
		opts:        opts,
		executor:    NewStatementExecutor(logger, cache, shards),
		coordinator: NewStalenessRetryCoordinator(logger, cache, metrics),
		metrics:     metrics,
		sessions:    make(map[string]*Session),
		retired:     make(map[string]*Session),
		lastTxn:     make(map[string]int64),
		now:         time.Now,
		log:         logger.WithField("component", "router"),
	}
}

// StartTransaction begins transaction txnNumber of sessionID. The number
// must be higher than any number the session used before; a still Active
// older transaction is aborted.
func (r *Router) StartTransaction(ctx context.Context, sessionID string, txnNumber int64) (*Session, error) {
	if sessionID == "" {
		return nil, common.NewCommandError(common.BadValue, "a session id is required to start a transaction")
	}
	if txnNumber <= 0 {
		return nil, common.NewCommandError(common.BadValue, "txnNumber must be positive, got %d", txnNumber)
	}

	r.mu.Lock()
	if last := r.lastTxn[sessionID]; txnNumber <= last {
		r.mu.Unlock()
		return nil, common.NewCommandError(common.TransactionTooOld,
			"txnNumber %d for session %s is not higher than %d", txnNumber, sessionID, last)
	}
	prev := r.sessions[sessionID]
	superseded := prev != nil && prev.finish(ImplicitlyAborted, Superseded)
	if prev != nil {
		r.retired[sessionID] = prev
	}
	s := newSession(sessionID, txnNumber, r.opts.MaxRetries, r.now().Add(r.opts.TxnLifetime))
	r.sessions[sessionID] = s
	r.lastTxn[sessionID] = txnNumber
	r.metrics.SetSessions(len(r.sessions))
	r.mu.Unlock()

	if superseded {
		r.log.Infof("[session %s] txn %d superseded by txn %d", sessionID, prev.TxnNumber, txnNumber)
		r.metrics.IncAbort(string(Superseded))
		r.abortParticipants(prev)
	}
	r.log.Debugf("[session %s] started txn %d", sessionID, txnNumber)
	return s, nil
}

// session returns the live transaction (sessionID, txnNumber). A higher
// txnNumber than the session ever used starts a new transaction.
func (r *Router) session(ctx context.Context, sessionID string, txnNumber int64) (*Session, error) {
	r.mu.Lock()
	s := r.sessions[sessionID]
	last := r.lastTxn[sessionID]
	r.mu.Unlock()

	switch {
	case s != nil && s.TxnNumber == txnNumber:
		return s, nil
	case txnNumber > last:
		return r.StartTransaction(ctx, sessionID, txnNumber)
	}
	return nil, common.NewCommandError(common.TransactionTooOld,
		"txnNumber %d for session %s is older than %d", txnNumber, sessionID, last)
}

// lookup finds the current transaction of sessionID or the one it
// replaced, which is always finished.
func (r *Router) lookup(sessionID string, txnNumber int64) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok && s.TxnNumber == txnNumber {
		return s, nil
	}
	if s, ok := r.retired[sessionID]; ok && s.TxnNumber == txnNumber {
		return s, nil
	}
	return nil, common.NewCommandError(common.NoSuchTransaction,
		"transaction %d of session %s not found", txnNumber, sessionID)
}

// Run executes stmt. Statements with a zero TxnNumber run outside a
// transaction in a throwaway session. On a transactional abort the error is
// NoSuchTransaction labelled TransientTransactionError.
func (r *Router) Run(ctx context.Context, stmt common.Statement) (res *common.Result, err error) {
	start := r.now()
	defer func() {
		code := common.OK
		if err != nil {
			code = common.ToCommandError(err).Code
		}
		r.metrics.ObserveStatement(stmt.Command.Name(), code.String(), r.now().Sub(start))
	}()

	if stmt.SessionID == "" {
		stmt.SessionID = xid.New().String()
	}
	if !stmt.Transactional() {
		return r.runAutocommit(ctx, stmt)
	}
	switch stmt.Command.(type) {
	case common.CommitTxnCmd:
		if err := r.CommitTransaction(ctx, stmt.SessionID, stmt.TxnNumber); err != nil {
			return nil, err
		}
		return &common.Result{Document: okDocument()}, nil
	case common.AbortTxnCmd:
		if _, err := r.AbortTransaction(ctx, stmt.SessionID, stmt.TxnNumber); err != nil {
			return nil, err
		}
		return &common.Result{Document: okDocument()}, nil
	}

	s, err := r.session(ctx, stmt.SessionID, stmt.TxnNumber)
	if err != nil {
		return nil, err
	}
	if !s.inflight.TryLockTimeout(common.LockWaitTimeout) {
		return nil, common.NewCommandError(common.ConflictingOperationInProgress,
			"another statement of transaction %d of session %s is in progress", s.TxnNumber, s.ID)
	}
	defer s.inflight.Unlock()
	return r.runInTransaction(ctx, stmt, s)
}

func okDocument() bson.D {
	return bson.D{{Key: "ok", Value: 1}}
}

func (r *Router) runInTransaction(ctx context.Context, stmt common.Statement, s *Session) (*common.Result, error) {
	ctx, cancel := context.WithDeadline(ctx, s.Deadline())
	defer cancel()

	for {
		if err := r.checkActive(s); err != nil {
			return nil, err
		}
		res, err := r.executor.Send(ctx, stmt, s)
		if err == nil {
			return res, nil
		}
		if s.Expired(r.now()) {
			return nil, r.implicitAbort(s, DeadlineExceeded, err)
		}
		var stale *common.StaleVersionError
		if !errors.As(err, &stale) {
			return nil, err
		}
		out := r.coordinator.Handle(ctx, stale, s)
		if out.Decision == Retry {
			continue
		}
		return nil, r.implicitAbort(s, out.Reason, stale)
	}
}

// runAutocommit uses the same retry loop. Nothing can be partially
// executed, so an exhausted budget surfaces the stale error itself.
func (r *Router) runAutocommit(ctx context.Context, stmt common.Statement) (*common.Result, error) {
	s := newSession(stmt.SessionID, 0, r.opts.MaxRetries, r.now().Add(r.opts.TxnLifetime))
	ctx, cancel := context.WithDeadline(ctx, s.Deadline())
	defer cancel()

	for {
		if s.Expired(r.now()) {
			return nil, common.NewCommandError(common.ExceededTimeLimit, "operation exceeded time limit")
		}
		res, err := r.executor.Send(ctx, stmt, s)
		if err == nil {
			return res, nil
		}
		var stale *common.StaleVersionError
		if !errors.As(err, &stale) {
			return nil, err
		}
		if out := r.coordinator.Handle(ctx, stale, s); out.Decision == Abort {
			r.metrics.IncAbort(string(out.Reason))
			return nil, stale
		}
	}
}

// checkActive enforces the state and the deadline before every attempt.
func (r *Router) checkActive(s *Session) error {
	if s.State() != Active {
		return s.terminalError()
	}
	if s.Expired(r.now()) {
		return r.implicitAbort(s, DeadlineExceeded, nil)
	}
	return nil
}

// implicitAbort ends s on behalf of the caller and builds the error that
// tells the caller to restart the whole transaction.
func (r *Router) implicitAbort(s *Session, reason AbortReason, cause error) error {
	if !r.endImplicitly(s, reason) {
		return s.terminalError()
	}
	err := common.NewNoSuchTransaction("transaction %d of session %s was aborted: %s", s.TxnNumber, s.ID, reason)
	if cause != nil {
		err.Message += ": " + cause.Error()
	}
	return err
}

func (r *Router) endImplicitly(s *Session, reason AbortReason) bool {
	if !s.finish(ImplicitlyAborted, reason) {
		return false
	}
	r.metrics.IncAbort(string(reason))
	r.log.Infof("[session %s] txn %d implicitly aborted: %s", s.ID, s.TxnNumber, reason)
	r.abortParticipants(s)
	return true
}

// abortParticipants is best effort; shards drop unknown transactions.
func (r *Router) abortParticipants(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), common.RPCTimeout)
	defer cancel()
	participants, err := s.Participants().Snapshot()
	if err != nil {
		r.log.Warnf("[session %s] abort of txn %d skipped: %s", s.ID, s.TxnNumber, err)
		return
	}
	for _, p := range participants {
		if err := r.executor.sendControl(ctx, s, p.ShardID, common.AbortTxnCmd{}); err != nil {
			r.log.Warnf("[session %s] abort of txn %d on %s failed: %s", s.ID, s.TxnNumber, p.ShardID, err)
		}
	}
}

// AbortTransaction ends the transaction at the caller's request. Aborting
// a finished transaction returns its state and contacts no shard.
func (r *Router) AbortTransaction(ctx context.Context, sessionID string, txnNumber int64) (TxnState, error) {
	s, err := r.lookup(sessionID, txnNumber)
	if err != nil {
		return Aborted, err
	}
	if !s.finish(Aborted, ExplicitAbort) {
		return s.State(), nil
	}
	r.metrics.IncAbort(string(ExplicitAbort))
	r.log.Debugf("[session %s] txn %d aborted", sessionID, txnNumber)
	r.abortParticipants(s)
	return Aborted, nil
}

// CommitTransaction commits every participant that executed a statement,
// in contact order. A failing participant aborts the rest.
func (r *Router) CommitTransaction(ctx context.Context, sessionID string, txnNumber int64) error {
	s, err := r.lookup(sessionID, txnNumber)
	if err != nil {
		return err
	}
	if !s.inflight.TryLockTimeout(common.LockWaitTimeout) {
		return common.NewCommandError(common.ConflictingOperationInProgress,
			"another statement of transaction %d of session %s is in progress", txnNumber, sessionID)
	}
	defer s.inflight.Unlock()

	switch s.State() {
	case Committed:
		return nil
	case Active:
	default:
		return s.terminalError()
	}
	if s.Expired(r.now()) {
		return r.implicitAbort(s, DeadlineExceeded, nil)
	}

	participants, err := s.Participants().Snapshot()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, common.RPCTimeout)
	defer cancel()
	for _, p := range participants {
		if !p.HasExecutedStatement {
			continue
		}
		if err := r.executor.sendControl(ctx, s, p.ShardID, common.CommitTxnCmd{}); err != nil {
			r.log.Warnf("[session %s] commit of txn %d failed on %s: %s", sessionID, txnNumber, p.ShardID, err)
			r.endImplicitly(s, CommitFailed)
			return err
		}
	}
	s.finish(Committed, ReasonNone)
	r.log.Debugf("[session %s] txn %d committed", sessionID, txnNumber)
	return nil
}

// Status describes the current transaction of sessionID.
func (r *Router) Status(sessionID string) (SessionStatus, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return SessionStatus{}, common.NewCommandError(common.NoSuchTransaction, "session %s not found", sessionID)
	}
	participants, err := s.Participants().Snapshot()
	if err != nil {
		return SessionStatus{}, err
	}
	return SessionStatus{
		SessionID:    s.ID,
		TxnNumber:    s.TxnNumber,
		State:        s.State().String(),
		Reason:       string(s.Reason()),
		RetryCount:   s.RetryCount(),
		MaxRetries:   s.MaxRetries(),
		Deadline:     s.Deadline(),
		Participants: participants,
	}, nil
}

// ExpireSessions implicitly aborts Active transactions past their deadline
// and returns how many it aborted.
func (r *Router) ExpireSessions() int {
	r.mu.Lock()
	var expired []*Session
	now := r.now()
	for _, s := range r.sessions {
		if s.State() == Active && s.Expired(now) {
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, s := range expired {
		// a statement in flight checks the deadline itself
		if !s.inflight.TryLockTimeout(common.LockWaitTimeout) {
			continue
		}
		if r.endImplicitly(s, DeadlineExceeded) {
			n++
		}
		s.inflight.Unlock()
	}
	return n
}

// ReapLoop calls ExpireSessions every interval until ctx is done.
func (r *Router) ReapLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.ExpireSessions(); n > 0 {
				r.log.Infof("expired %d transactions", n)
			}
		}
	}
}
