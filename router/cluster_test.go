package router

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shard-txn-router/catalog"
	"github.com/shard-txn-router/common"
	"github.com/shard-txn-router/routing"
	"github.com/shard-txn-router/store"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(ioutil.Discard)
	return logger
}

// countingCache counts refreshes requested by the router.
type countingCache struct {
	*routing.Cache
	refreshes int32
}

func (c *countingCache) Refresh(ctx context.Context, shard string, ns common.Namespace) (routing.Entry, error) {
	atomic.AddInt32(&c.refreshes, 1)
	return c.Cache.Refresh(ctx, shard, ns)
}

// countingShard counts statements (not commit/abort) and can run a hook
// before delivering them.
type countingShard struct {
	inner      Shard
	statements int32
	controls   int32

	mu     sync.Mutex
	before func(req *common.ShardRequest)
}

func (s *countingShard) Send(ctx context.Context, req *common.ShardRequest) (*common.ShardResponse, error) {
	cmd, err := req.DecodeCommand()
	if err != nil {
		return nil, err
	}
	switch cmd.(type) {
	case common.CommitTxnCmd, common.AbortTxnCmd:
		atomic.AddInt32(&s.controls, 1)
	default:
		atomic.AddInt32(&s.statements, 1)
		s.mu.Lock()
		hook := s.before
		s.mu.Unlock()
		if hook != nil {
			hook(req)
		}
	}
	return s.inner.Send(ctx, req)
}

func (s *countingShard) setHook(hook func(req *common.ShardRequest)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.before = hook
}

func (s *countingShard) sent() int32 {
	return atomic.LoadInt32(&s.statements)
}

type cluster struct {
	t       *testing.T
	catalog *catalog.Catalog
	control *routing.RefreshControl
	cache   *countingCache
	stores  map[string]*store.Store
	shards  map[string]*countingShard
	router  *Router
}

func newCluster(t *testing.T, maxRetries int, shardIDs ...string) *cluster {
	logger := testLogger()
	cat, err := catalog.Open(logger, filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	c := &cluster{
		t:       t,
		catalog: cat,
		control: routing.NewRefreshControl(),
		stores:  make(map[string]*store.Store),
		shards:  make(map[string]*countingShard),
	}
	c.cache = &countingCache{Cache: routing.NewCache(logger, cat, c.control, nil)}

	registry := NewShardRegistry()
	for _, id := range shardIDs {
		require.NoError(t, cat.AddShard(id, "in-process"))
		s := store.NewStore(logger, id, cat)
		c.stores[id] = s
		c.shards[id] = &countingShard{inner: s}
		registry.Register(id, c.shards[id])
	}
	c.router = New(logger, c.cache, registry, Options{MaxRetries: maxRetries, TxnLifetime: time.Minute}, nil)
	return c
}

func (c *cluster) enableSharding(db, primary string) common.DatabaseEntry {
	e, err := c.catalog.EnableSharding(db, primary)
	require.NoError(c.t, err)
	return e
}

// moveAfterRouting loads the placement of db into the router's cache with
// an autocommit statement, then moves the primary behind its back.
func (c *cluster) moveAfterRouting(db, to string) {
	_, err := c.run("", 0, db, distinct("foo"))
	require.NoError(c.t, err)
	_, err = c.catalog.MovePrimary(db, to)
	require.NoError(c.t, err)
}

func (c *cluster) refreshes() int32 {
	return atomic.LoadInt32(&c.cache.refreshes)
}

func (c *cluster) run(lsid string, txn int64, db string, doc bson.D) (*common.Result, error) {
	stmt, err := common.NewStatement(lsid, txn, db, doc)
	require.NoError(c.t, err)
	return c.router.Run(context.Background(), stmt)
}

func distinct(coll string) bson.D {
	return bson.D{{Key: "distinct", Value: coll}, {Key: "key", Value: "_id"}, {Key: "query", Value: bson.D{{Key: "_id", Value: 0}}}}
}

func find(coll string) bson.D {
	return bson.D{{Key: "find", Value: coll}, {Key: "filter", Value: bson.D{{Key: "_id", Value: 0}}}}
}

func insert(coll string, id interface{}) bson.D {
	return bson.D{{Key: "insert", Value: coll}, {Key: "documents", Value: bson.A{bson.D{{Key: "_id", Value: id}}}}}
}
