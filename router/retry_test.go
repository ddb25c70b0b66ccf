package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shard-txn-router/common"
	"github.com/shard-txn-router/routing"
	"github.com/stretchr/testify/assert"
)

// scriptedCache returns a fixed entry from Refresh and counts calls.
type scriptedCache struct {
	current routing.Entry
	next    routing.Entry
	err     error
	calls   int
}

func (c *scriptedCache) GetVersion(shard string, ns common.Namespace) (routing.Entry, bool) {
	return c.current, c.current.Epoch > 0
}

func (c *scriptedCache) Primary(ctx context.Context, db string) (string, error) {
	return "shard0", nil
}

func (c *scriptedCache) Refresh(ctx context.Context, shard string, ns common.Namespace) (routing.Entry, error) {
	c.calls++
	if c.err != nil {
		return routing.Entry{}, c.err
	}
	c.current = c.next
	return c.next, nil
}

func staleOn(shard string) *common.StaleVersionError {
	return &common.StaleVersionError{
		Kind:      common.StaleDbVersion,
		ShardID:   shard,
		Namespace: common.Namespace{DB: "test", Coll: "foo"},
	}
}

func TestHandle(t *testing.T) {
	ns := common.Namespace{DB: "test", Coll: "foo"}
	tests := []struct {
		name       string
		maxRetries int
		retries    int
		executed   bool
		refreshErr error
		want       Outcome
		refreshes  int
		retryCount int
	}{
		{
			name:       "first contact",
			maxRetries: 2,
			want:       Outcome{Decision: Retry, Progress: true},
			refreshes:  1,
			retryCount: 1,
		},
		{
			name:       "budget spent",
			maxRetries: 2,
			retries:    2,
			want:       Outcome{Decision: Abort, Reason: RetryExhausted},
			retryCount: 2,
		},
		{
			name:       "zero budget",
			maxRetries: 0,
			want:       Outcome{Decision: Abort, Reason: RetryExhausted},
		},
		{
			name:       "executed participant",
			maxRetries: 2,
			executed:   true,
			want:       Outcome{Decision: Abort, Reason: PartialParticipationConflict},
		},
		{
			name:       "failed refresh still consumes budget",
			maxRetries: 2,
			refreshErr: errors.New("catalog down"),
			want:       Outcome{Decision: Retry},
			refreshes:  1,
			retryCount: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := &scriptedCache{
				next: routing.Entry{ShardID: "shard0", DB: ns.DB, Version: common.NewDatabaseVersion(), Epoch: 1},
				err:  tt.refreshErr,
			}
			co := NewStalenessRetryCoordinator(testLogger(), cache, nil)
			s := newSession("s", 1, tt.maxRetries, time.Now().Add(time.Minute))
			for i := 0; i < tt.retries; i++ {
				s.incRetry()
			}
			s.Participants().Add("shard0")
			if tt.executed {
				s.Participants().MarkExecuted("shard0")
			}

			got := co.Handle(context.Background(), staleOn("shard0"), s)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.refreshes, cache.calls)
			assert.Equal(t, tt.retryCount, s.RetryCount())
			assert.Equal(t, Active, s.State(), "Handle leaves the state alone")
		})
	}
}

func TestHandleNoProgress(t *testing.T) {
	ns := common.Namespace{DB: "test", Coll: "foo"}
	e := routing.Entry{ShardID: "shard0", DB: ns.DB, Version: common.NewDatabaseVersion(), Epoch: 3}
	cache := &scriptedCache{current: e, next: e}
	co := NewStalenessRetryCoordinator(testLogger(), cache, nil)
	s := newSession("s", 1, 5, time.Now().Add(time.Minute))

	got := co.Handle(context.Background(), staleOn("shard0"), s)
	assert.Equal(t, Outcome{Decision: Retry}, got)
	assert.Equal(t, 1, s.RetryCount())
}

// The budget is per transaction, not per statement or shard.
func TestBudgetIsCumulative(t *testing.T) {
	cache := &scriptedCache{}
	co := NewStalenessRetryCoordinator(testLogger(), cache, nil)
	s := newSession("s", 1, 2, time.Now().Add(time.Minute))

	assert.Equal(t, Retry, co.Handle(context.Background(), staleOn("shard0"), s).Decision)
	assert.Equal(t, Retry, co.Handle(context.Background(), staleOn("shard1"), s).Decision)
	out := co.Handle(context.Background(), staleOn("shard2"), s)
	assert.Equal(t, Abort, out.Decision)
	assert.Equal(t, RetryExhausted, out.Reason)
	assert.Equal(t, 2, cache.calls)
}
