package router

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/shard-txn-router/common"
	"github.com/shard-txn-router/routing"
	log "github.com/sirupsen/logrus"
)

// Shard is anything that can execute a shard request: a remote shard
// server or an in-process one.
type Shard interface {
	Send(ctx context.Context, req *common.ShardRequest) (*common.ShardResponse, error)
}

// RoutingCache is the part of routing.Cache the router depends on.
type RoutingCache interface {
	GetVersion(shard string, ns common.Namespace) (routing.Entry, bool)
	Primary(ctx context.Context, db string) (string, error)
	Refresh(ctx context.Context, shard string, ns common.Namespace) (routing.Entry, error)
}

// ShardRegistry maps shard ids to shards.
type ShardRegistry struct {
	mu     sync.RWMutex
	shards map[string]Shard
}

func NewShardRegistry() *ShardRegistry {
	return &ShardRegistry{shards: make(map[string]Shard)}
}

func (r *ShardRegistry) Register(id string, shard Shard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shards[id] = shard
}

// Get fails with ShardNotFound for unknown ids.
func (r *ShardRegistry) Get(id string) (Shard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shards[id]
	if !ok {
		return nil, common.NewCommandError(common.ShardNotFound, "shard %s not found", id)
	}
	return s, nil
}

func (r *ShardRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.shards))
	for id := range r.shards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StatementExecutor sends one statement to the primary shard of its
// database and classifies the reply. It never retries.
type StatementExecutor struct {
	cache  RoutingCache
	shards *ShardRegistry
	log    *log.Entry
}

func NewStatementExecutor(logger *log.Logger, cache RoutingCache, shards *ShardRegistry) *StatementExecutor {
	return &StatementExecutor{
		cache:  cache,
		shards: shards,
		log:    logger.WithField("component", "executor"),
	}
}

// Send returns a *common.StaleVersionError when the shard reported stale
// routing, a *common.ShardError for any other shard failure and a
// *common.CommandError for local failures such as an unknown shard.
func (e *StatementExecutor) Send(ctx context.Context, stmt common.Statement, s *Session) (*common.Result, error) {
	primary, err := e.cache.Primary(ctx, stmt.DB)
	if err != nil {
		return nil, err
	}
	shard, err := e.shards.Get(primary)
	if err != nil {
		return nil, err
	}

	req, err := common.NewShardRequest(stmt.SessionID, stmt.TxnNumber, stmt.DB, stmt.Command)
	if err != nil {
		return nil, common.NewCommandError(common.BadValue, "%s", err)
	}
	ns := stmt.Namespace()
	if req.Versioned {
		if entry, ok := e.cache.GetVersion(primary, ns); ok {
			req.DBVersion = entry.Version
		}
	}
	if stmt.Transactional() {
		p, ok := s.Participants().Get(primary)
		req.StartTransaction = !ok || !p.HasExecutedStatement
		s.Participants().Add(primary)
	}

	e.log.Debugf("sending %s on %s to %s (version %s, start=%t)",
		stmt.Command.Name(), ns, primary, req.DBVersion, req.StartTransaction)
	resp, err := shard.Send(ctx, req)
	if err != nil {
		return nil, errors.WithStack(&common.ShardError{
			ShardID: primary,
			Code:    common.HostUnreachable,
			Message: err.Error(),
		})
	}

	switch {
	case resp.Code.IsStaleRouting():
		return nil, &common.StaleVersionError{
			Kind:      resp.Code,
			ShardID:   primary,
			Namespace: ns,
			Wanted:    req.DBVersion,
			Observed:  resp.ObservedVersion,
		}
	case resp.Code != common.OK:
		return nil, &common.ShardError{ShardID: primary, Code: resp.Code, Message: resp.Message}
	}

	res, err := common.DecodeResult(primary, resp)
	if err != nil {
		return nil, errors.WithStack(&common.ShardError{ShardID: primary, Code: common.InternalError, Message: err.Error()})
	}
	if s != nil {
		s.Participants().MarkExecuted(primary)
	}
	return res, nil
}

// sendControl delivers commitTransaction or abortTransaction to shardID.
func (e *StatementExecutor) sendControl(ctx context.Context, s *Session, shardID string, cmd common.Command) error {
	shard, err := e.shards.Get(shardID)
	if err != nil {
		return err
	}
	req, err := common.NewShardRequest(s.ID, s.TxnNumber, "admin", cmd)
	if err != nil {
		return err
	}
	resp, err := shard.Send(ctx, req)
	if err != nil {
		return errors.WithStack(&common.ShardError{ShardID: shardID, Code: common.HostUnreachable, Message: err.Error()})
	}
	if resp.Code != common.OK {
		return &common.ShardError{ShardID: shardID, Code: resp.Code, Message: resp.Message}
	}
	return nil
}
