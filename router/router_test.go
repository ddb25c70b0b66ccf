package router

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shard-txn-router/common"
	"github.com/shard-txn-router/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func requireTransientAbort(t *testing.T, err error) {
	require.Error(t, err)
	cmdErr := common.ToCommandError(err)
	assert.Equal(t, common.NoSuchTransaction, cmdErr.Code)
	assert.Equal(t, []string{common.TransientTransactionError}, cmdErr.Labels)
}

func status(t *testing.T, r *Router, lsid string) SessionStatus {
	st, err := r.Status(lsid)
	require.NoError(t, err)
	return st
}

// A router that is up to date never sees stale routing, whatever
// collections the transaction touches.
func TestFreshRoutingNeedsNoRetry(t *testing.T) {
	c := newCluster(t, common.DefaultMaxRetries, "shard0")
	c.enableSharding("test", "shard0")

	_, err := c.run("s", 1, "test", find("bar"))
	require.NoError(t, err)
	_, err = c.run("s", 1, "test", distinct("bar"))
	require.NoError(t, err)
	_, err = c.run("s", 1, "test", insert("baz", 1))
	require.NoError(t, err)

	st := status(t, c.router, "s")
	assert.Equal(t, "Active", st.State)
	assert.Equal(t, 0, st.RetryCount)
	assert.Equal(t, int32(0), c.refreshes())
	assert.Equal(t, int32(3), c.shards["shard0"].sent())
	require.NoError(t, c.router.CommitTransaction(context.Background(), "s", 1))
}

// First contact with a stale shard is repaired by one refresh.
func TestFirstContactRetrySucceeds(t *testing.T) {
	c := newCluster(t, common.DefaultMaxRetries, "shard0", "shard1")
	c.enableSharding("test", "shard0")
	c.moveAfterRouting("test", "shard1")
	sent := c.shards["shard0"].sent()

	res, err := c.run("s", 1, "test", distinct("foo"))
	require.NoError(t, err)
	assert.Equal(t, "shard1", res.ShardID)

	st := status(t, c.router, "s")
	assert.Equal(t, "Active", st.State)
	assert.Equal(t, 1, st.RetryCount)
	assert.Equal(t, int32(1), c.refreshes())
	assert.Equal(t, sent+1, c.shards["shard0"].sent())
	assert.Equal(t, int32(1), c.shards["shard1"].sent())
	assert.Equal(t, []Participant{
		{ShardID: "shard0"},
		{ShardID: "shard1", HasExecutedStatement: true},
	}, st.Participants)

	require.NoError(t, c.router.CommitTransaction(context.Background(), "s", 1))
	assert.Equal(t, "Committed", status(t, c.router, "s").State)
}

// A second shard reporting stale routing on first contact is also retried,
// even though the transaction already has an active participant.
func TestNewParticipantRetrySucceeds(t *testing.T) {
	c := newCluster(t, common.DefaultMaxRetries, "shard0", "shard1", "shard2")
	c.enableSharding("test", "shard0")
	c.enableSharding("other", "shard1")
	c.moveAfterRouting("other", "shard2")

	_, err := c.run("s", 1, "test", distinct("foo"))
	require.NoError(t, err)
	res, err := c.run("s", 1, "other", distinct("bar"))
	require.NoError(t, err)
	assert.Equal(t, "shard2", res.ShardID)

	st := status(t, c.router, "s")
	assert.Equal(t, 1, st.RetryCount)
	assert.Equal(t, int32(1), c.refreshes())
	assert.Equal(t, []Participant{
		{ShardID: "shard0", HasExecutedStatement: true},
		{ShardID: "shard1"},
		{ShardID: "shard2", HasExecutedStatement: true},
	}, st.Participants)
	require.NoError(t, c.router.CommitTransaction(context.Background(), "s", 1))
}

// An unversioned statement succeeds on the stale primary, the next
// versioned one on the same shard must abort the transaction.
func TestStaleAfterExecutedStatementAborts(t *testing.T) {
	c := newCluster(t, common.DefaultMaxRetries, "shard0", "shard1")
	c.enableSharding("test", "shard0")
	c.moveAfterRouting("test", "shard1")
	before := c.refreshes()

	_, err := c.run("s", 1, "test", find("foo"))
	require.NoError(t, err)
	_, err = c.run("s", 1, "test", distinct("foo"))
	requireTransientAbort(t, err)

	assert.Equal(t, before, c.refreshes(), "no refresh for a conflicting participant")
	st := status(t, c.router, "s")
	assert.Equal(t, "ImplicitlyAborted", st.State)
	assert.Equal(t, string(PartialParticipationConflict), st.Reason)
	assert.Equal(t, 0, st.RetryCount)
	assert.Equal(t, 0, c.stores["shard0"].ActiveTransactions(), "participants were told to abort")

	// later statements fail without reaching a shard
	sent := c.shards["shard0"].sent() + c.shards["shard1"].sent()
	_, err = c.run("s", 1, "test", distinct("foo"))
	assert.Equal(t, common.NoSuchTransaction, common.ToCommandError(err).Code)
	assert.Empty(t, common.ToCommandError(err).Labels)
	assert.Equal(t, sent, c.shards["shard0"].sent()+c.shards["shard1"].sent())
}

// With refreshes disabled the statement stays stale until the budget is
// spent, then the transaction aborts.
func TestRetryExhausted(t *testing.T) {
	const maxRetries = 3
	c := newCluster(t, maxRetries, "shard0", "shard1")
	c.enableSharding("test", "shard0")
	c.moveAfterRouting("test", "shard1")
	require.NoError(t, c.control.Configure("shard0", routing.ModeAlwaysOn))
	sent := c.shards["shard0"].sent()

	_, err := c.run("s", 1, "test", distinct("foo"))
	requireTransientAbort(t, err)

	st := status(t, c.router, "s")
	assert.Equal(t, "ImplicitlyAborted", st.State)
	assert.Equal(t, string(RetryExhausted), st.Reason)
	assert.Equal(t, maxRetries, st.RetryCount)
	assert.Equal(t, int32(maxRetries), c.refreshes())
	assert.Equal(t, sent+maxRetries+1, c.shards["shard0"].sent())
	assert.Equal(t, int32(0), c.shards["shard1"].sent())

	// turning the control off lets a fresh transaction converge
	require.NoError(t, c.control.Configure("shard0", routing.ModeOff))
	res, err := c.run("s2", 1, "test", distinct("foo"))
	require.NoError(t, err)
	assert.Equal(t, "shard1", res.ShardID)
	assert.Equal(t, 1, status(t, c.router, "s2").RetryCount)
}

func TestAutocommitExhaustedSurfacesStaleError(t *testing.T) {
	c := newCluster(t, 2, "shard0", "shard1")
	c.enableSharding("test", "shard0")
	c.moveAfterRouting("test", "shard1")
	require.NoError(t, c.control.Configure("shard0", routing.ModeAlwaysOn))
	sent := c.shards["shard0"].sent()

	_, err := c.run("", 0, "test", distinct("foo"))
	assert.Equal(t, common.StaleDbVersion, common.ToCommandError(err).Code)
	assert.Equal(t, sent+3, c.shards["shard0"].sent())
}

func TestAbortIsIdempotent(t *testing.T) {
	c := newCluster(t, common.DefaultMaxRetries, "shard0")
	c.enableSharding("test", "shard0")
	ctx := context.Background()

	_, err := c.run("s", 1, "test", insert("foo", 1))
	require.NoError(t, err)
	assert.Equal(t, 1, c.stores["shard0"].ActiveTransactions())

	state, err := c.router.AbortTransaction(ctx, "s", 1)
	require.NoError(t, err)
	assert.Equal(t, Aborted, state)
	assert.Equal(t, 0, c.stores["shard0"].ActiveTransactions())
	controls := atomic.LoadInt32(&c.shards["shard0"].controls)

	state, err = c.router.AbortTransaction(ctx, "s", 1)
	require.NoError(t, err)
	assert.Equal(t, Aborted, state)
	assert.Equal(t, controls, atomic.LoadInt32(&c.shards["shard0"].controls), "no shard contacted")

	// the insert was rolled back
	res, err := c.run("", 0, "test", bson.D{{Key: "count", Value: "foo"}})
	require.NoError(t, err)
	assert.Equal(t, bson.E{Key: "n", Value: int32(0)}, res.Document[0])

	_, err = c.router.AbortTransaction(ctx, "nobody", 1)
	assert.Equal(t, common.NoSuchTransaction, common.ToCommandError(err).Code)
}

func TestAbortOfImplicitlyAbortedIsIdempotent(t *testing.T) {
	c := newCluster(t, 0, "shard0", "shard1")
	c.enableSharding("test", "shard0")
	c.moveAfterRouting("test", "shard1")

	_, err := c.run("s", 1, "test", distinct("foo"))
	requireTransientAbort(t, err)

	state, err := c.router.AbortTransaction(context.Background(), "s", 1)
	require.NoError(t, err)
	assert.Equal(t, ImplicitlyAborted, state)
	assert.Equal(t, string(RetryExhausted), status(t, c.router, "s").Reason)
}

func TestCommitPersists(t *testing.T) {
	c := newCluster(t, common.DefaultMaxRetries, "shard0", "shard1")
	c.enableSharding("test", "shard0")
	c.enableSharding("other", "shard1")

	for i, db := range []string{"test", "other"} {
		_, err := c.run("s", 1, db, insert("foo", i))
		require.NoError(t, err)
	}
	_, err := c.run("s", 1, "test", bson.D{{Key: "commitTransaction", Value: 1}})
	require.NoError(t, err)
	// committing twice is fine
	require.NoError(t, c.router.CommitTransaction(context.Background(), "s", 1))

	for _, db := range []string{"test", "other"} {
		res, err := c.run("", 0, db, bson.D{{Key: "count", Value: "foo"}})
		require.NoError(t, err)
		assert.Equal(t, bson.E{Key: "n", Value: int32(1)}, res.Document[0])
	}

	_, err = c.run("s", 1, "test", distinct("foo"))
	assert.Equal(t, common.TransactionCommitted, common.ToCommandError(err).Code)
}

func TestDeadlineForcesAbort(t *testing.T) {
	c := newCluster(t, common.DefaultMaxRetries, "shard0")
	c.enableSharding("test", "shard0")
	now := time.Now()
	c.router.now = func() time.Time { return now }

	_, err := c.run("s", 1, "test", distinct("foo"))
	require.NoError(t, err)
	sent := c.shards["shard0"].sent()

	now = now.Add(2 * time.Minute)
	_, err = c.run("s", 1, "test", distinct("foo"))
	requireTransientAbort(t, err)
	assert.Equal(t, sent, c.shards["shard0"].sent())
	st := status(t, c.router, "s")
	assert.Equal(t, "ImplicitlyAborted", st.State)
	assert.Equal(t, string(DeadlineExceeded), st.Reason)
}

func TestExpireSessions(t *testing.T) {
	c := newCluster(t, common.DefaultMaxRetries, "shard0")
	c.enableSharding("test", "shard0")
	now := time.Now()
	c.router.now = func() time.Time { return now }

	_, err := c.run("a", 1, "test", insert("foo", 1))
	require.NoError(t, err)
	_, err = c.router.StartTransaction(context.Background(), "b", 1)
	require.NoError(t, err)

	assert.Equal(t, 0, c.router.ExpireSessions())
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, c.router.ExpireSessions())
	assert.Equal(t, 0, c.stores["shard0"].ActiveTransactions())
	assert.Equal(t, string(DeadlineExceeded), status(t, c.router, "a").Reason)
}

// An explicit abort issued while a statement is being retried is seen by
// the retry loop before the next attempt.
func TestExplicitAbortObservedByRetryLoop(t *testing.T) {
	c := newCluster(t, common.DefaultMaxRetries, "shard0", "shard1")
	c.enableSharding("test", "shard0")
	c.moveAfterRouting("test", "shard1")
	sent := c.shards["shard0"].sent()

	var once sync.Once
	c.shards["shard0"].setHook(func(req *common.ShardRequest) {
		once.Do(func() {
			_, err := c.router.AbortTransaction(context.Background(), req.SessionID, req.TxnNumber)
			assert.NoError(t, err)
		})
	})

	_, err := c.run("s", 1, "test", distinct("foo"))
	cmdErr := common.ToCommandError(err)
	assert.Equal(t, common.NoSuchTransaction, cmdErr.Code)
	assert.Empty(t, cmdErr.Labels)
	assert.Equal(t, sent+1, c.shards["shard0"].sent())
	assert.Equal(t, int32(0), c.shards["shard1"].sent(), "no attempt after the abort")
	assert.Equal(t, "Aborted", status(t, c.router, "s").State)
}

func TestConcurrentStatementRejected(t *testing.T) {
	c := newCluster(t, common.DefaultMaxRetries, "shard0")
	c.enableSharding("test", "shard0")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	c.shards["shard0"].setHook(func(req *common.ShardRequest) {
		once.Do(func() {
			close(entered)
			<-release
		})
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.run("s", 1, "test", distinct("foo"))
		done <- err
	}()
	<-entered

	_, err := c.run("s", 1, "test", distinct("foo"))
	assert.Equal(t, common.ConflictingOperationInProgress, common.ToCommandError(err).Code)

	close(release)
	require.NoError(t, <-done)
}

func TestTransactionNumbers(t *testing.T) {
	c := newCluster(t, common.DefaultMaxRetries, "shard0")
	c.enableSharding("test", "shard0")
	ctx := context.Background()

	_, err := c.router.StartTransaction(ctx, "s", 2)
	require.NoError(t, err)
	_, err = c.router.StartTransaction(ctx, "s", 2)
	assert.Equal(t, common.TransactionTooOld, common.ToCommandError(err).Code)
	_, err = c.run("s", 1, "test", distinct("foo"))
	assert.Equal(t, common.TransactionTooOld, common.ToCommandError(err).Code)
	_, err = c.router.StartTransaction(ctx, "", 1)
	assert.Equal(t, common.BadValue, common.ToCommandError(err).Code)

	// a higher number supersedes the running transaction
	_, err = c.run("s", 2, "test", insert("foo", 1))
	require.NoError(t, err)
	_, err = c.run("s", 3, "test", distinct("foo"))
	require.NoError(t, err)
	assert.Equal(t, 1, c.stores["shard0"].ActiveTransactions())

	st := status(t, c.router, "s")
	assert.Equal(t, int64(3), st.TxnNumber)

	// the superseded transaction keeps its final state
	state, err := c.router.AbortTransaction(ctx, "s", 2)
	require.NoError(t, err)
	assert.Equal(t, ImplicitlyAborted, state)
	err = c.router.CommitTransaction(ctx, "s", 2)
	assert.Equal(t, common.NoSuchTransaction, common.ToCommandError(err).Code)
	assert.Equal(t, "Active", status(t, c.router, "s").State, "the current transaction is untouched")

	_, err = c.router.AbortTransaction(ctx, "s", 1)
	assert.Equal(t, common.NoSuchTransaction, common.ToCommandError(err).Code)
}

func TestShardErrorsPassThrough(t *testing.T) {
	c := newCluster(t, common.DefaultMaxRetries, "shard0")
	c.enableSharding("test", "shard0")

	_, err := c.run("", 0, "test", insert("foo", 1))
	require.NoError(t, err)

	_, err = c.run("s", 1, "test", insert("foo", 1))
	assert.Equal(t, common.DuplicateKey, common.ToCommandError(err).Code)
	assert.Equal(t, "Active", status(t, c.router, "s").State)
}

func TestUnknownShardIsFatal(t *testing.T) {
	c := newCluster(t, common.DefaultMaxRetries, "shard0")
	require.NoError(t, c.catalog.AddShard("shard9", "nowhere"))
	c.enableSharding("test", "shard9")

	_, err := c.run("s", 1, "test", distinct("foo"))
	assert.Equal(t, common.ShardNotFound, common.ToCommandError(err).Code)
	st := status(t, c.router, "s")
	assert.Equal(t, 0, st.RetryCount)
	assert.Equal(t, int32(0), c.refreshes())
}
