// Package store is the shard server. It executes statements against its
// local document map, checks the database version the router attached to
// versioned commands and keeps the per-transaction participant state.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/xid"
	"github.com/shard-txn-router/common"
	"github.com/shard-txn-router/routing"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
)

type txnKey struct {
	session string
	number  int64
}

func (k txnKey) String() string {
	return fmt.Sprintf("%s:%d", k.session, k.number)
}

// txnState is this shard's part of a transaction. Inserted documents stay
// pending, with their keys locked in the document map, until commit.
type txnState struct {
	mu     sync.Mutex
	id     string
	keys   []string
	writes map[string]bson.D
}

func newTxnState() *txnState {
	return &txnState{id: xid.New().String(), writes: make(map[string]bson.D)}
}

// Store is one shard.
type Store struct {
	ID string

	placement routing.Source
	kv        *common.Cmap

	mu      sync.Mutex
	indexes map[string][]common.IndexDescriptor
	txns    map[txnKey]*txnState

	log *log.Entry
}

// NewStore creates an empty shard. placement is the authoritative catalog
// versioned commands are checked against.
func NewStore(logger *log.Logger, id string, placement routing.Source) *Store {
	if id == "" {
		id = "shard-" + common.RandNodeID(common.NodeIDLen)
	}
	return &Store{
		ID:        id,
		placement: placement,
		kv:        common.NewCmap(logger, common.LockWaitTimeout),
		indexes:   make(map[string][]common.IndexDescriptor),
		txns:      make(map[txnKey]*txnState),
		log:       logger.WithField("component", "store").WithField("shard", id),
	}
}

func errorResponse(err error) *common.ShardResponse {
	cmdErr := common.ToCommandError(err)
	return &common.ShardResponse{Code: cmdErr.Code, Message: cmdErr.Message}
}

// Send lets an in-process Store stand in for a remote shard.
func (s *Store) Send(ctx context.Context, req *common.ShardRequest) (*common.ShardResponse, error) {
	return s.Execute(ctx, req), nil
}

// Execute runs one request. Failures are reported in the response code.
func (s *Store) Execute(ctx context.Context, req *common.ShardRequest) *common.ShardResponse {
	cmd, err := req.DecodeCommand()
	if err != nil {
		return errorResponse(err)
	}
	key := txnKey{session: req.SessionID, number: req.TxnNumber}

	switch cmd.(type) {
	case common.CommitTxnCmd:
		return s.commit(key)
	case common.AbortTxnCmd:
		s.abort(key)
		return okResponse(bson.D{{Key: "ok", Value: 1}})
	}

	if req.Versioned {
		if resp := s.checkVersion(ctx, req, cmd); resp != nil {
			if req.TxnNumber > 0 {
				s.abort(key)
			}
			return resp
		}
	}

	var txn *txnState
	if req.TxnNumber > 0 {
		if txn, err = s.participate(key, req.StartTransaction); err != nil {
			return errorResponse(err)
		}
	}

	ns := common.Namespace{DB: req.DB, Coll: cmd.Collection()}
	if txn != nil {
		txn.mu.Lock()
	}
	res, err := s.apply(ns, cmd, txn)
	if txn != nil {
		txn.mu.Unlock()
	}
	if err != nil {
		if txn != nil {
			// a failed statement ends the shard's part of the transaction
			s.abort(key)
		}
		s.log.Debugf("%s on %s failed: %s", cmd.Name(), ns, err)
		return errorResponse(err)
	}
	return okResponse(res)
}

func okResponse(doc bson.D) *common.ShardResponse {
	b, err := bson.Marshal(doc)
	if err != nil {
		return errorResponse(err)
	}
	return &common.ShardResponse{Code: common.OK, Result: b}
}

// checkVersion compares the attached version with the catalog. The shard
// answers StaleDbVersion when the versions differ or when it is not the
// primary of the database.
func (s *Store) checkVersion(ctx context.Context, req *common.ShardRequest, cmd common.Command) *common.ShardResponse {
	auth, err := s.placement.Lookup(ctx, req.DB)
	if err != nil {
		return errorResponse(err)
	}
	if auth.Primary == s.ID && auth.Version.Equal(req.DBVersion) {
		return nil
	}
	s.log.Infof("%s on %s.%s: router sent version %s, primary is %s at %s",
		cmd.Name(), req.DB, cmd.Collection(), req.DBVersion, auth.Primary, auth.Version)
	return &common.ShardResponse{
		Code:            common.StaleDbVersion,
		Message:         fmt.Sprintf("version mismatch for database %s", req.DB),
		ObservedVersion: auth.Version,
	}
}

// participate returns the state of transaction key, creating it when the
// router marked the statement as the first one on this shard.
func (s *Store) participate(key txnKey, start bool) (*txnState, error) {
	s.mu.Lock()
	old, ok := s.txns[key]
	if !start {
		s.mu.Unlock()
		if !ok {
			return nil, common.NewCommandError(common.NoSuchTransaction,
				"transaction %s is not active on shard %s", key, s.ID)
		}
		return old, nil
	}
	txn := newTxnState()
	s.txns[key] = txn
	s.mu.Unlock()

	if ok {
		s.log.Infof("transaction %s restarted", key)
		s.kv.AbortWithLocks(old.keys, old.id)
	}
	return txn, nil
}

func (s *Store) commit(key txnKey) *common.ShardResponse {
	s.mu.Lock()
	txn, ok := s.txns[key]
	delete(s.txns, key)
	s.mu.Unlock()
	if !ok {
		return errorResponse(common.NewCommandError(common.NoSuchTransaction,
			"transaction %s is not active on shard %s", key, s.ID))
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if len(txn.writes) > 0 {
		s.kv.WriteWithLocks(txn.writes)
	}
	s.log.Debugf("transaction %s committed %d documents", key, len(txn.writes))
	return okResponse(bson.D{{Key: "ok", Value: 1}})
}

// abort is idempotent.
func (s *Store) abort(key txnKey) {
	s.mu.Lock()
	txn, ok := s.txns[key]
	delete(s.txns, key)
	s.mu.Unlock()
	if !ok {
		return
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if len(txn.keys) > 0 {
		s.kv.AbortWithLocks(txn.keys, txn.id)
	}
	s.log.Debugf("transaction %s aborted", key)
}

// ActiveTransactions is the number of transactions with local state.
func (s *Store) ActiveTransactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txns)
}
