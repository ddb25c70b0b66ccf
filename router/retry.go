package router

import (
	"context"

	"github.com/shard-txn-router/common"
	"github.com/shard-txn-router/metric"
	log "github.com/sirupsen/logrus"
)

// Decision is what the router does after a stale routing error.
type Decision int

const (
	Retry Decision = iota
	Abort
)

func (d Decision) String() string {
	if d == Retry {
		return "Retry"
	}
	return "Abort"
}

// Outcome of StalenessRetryCoordinator.Handle. Progress is only meaningful
// for Retry and tells whether the refresh changed the cached entry.
type Outcome struct {
	Decision Decision
	Reason   AbortReason
	Progress bool
}

// StalenessRetryCoordinator decides between refresh-and-retry and abort.
//
// A shard that has not yet executed a statement of the transaction can be
// retried after a refresh, as long as the retry budget allows. A shard that
// already executed a statement cannot: its earlier work was done against
// placement the router now knows to be stale.
type StalenessRetryCoordinator struct {
	cache   RoutingCache
	metrics *metric.Metrics
	log     *log.Entry
}

func NewStalenessRetryCoordinator(logger *log.Logger, cache RoutingCache, metrics *metric.Metrics) *StalenessRetryCoordinator {
	return &StalenessRetryCoordinator{
		cache:   cache,
		metrics: metrics,
		log:     logger.WithField("component", "retry"),
	}
}

// Handle never changes the session state; the router does that on Abort.
func (c *StalenessRetryCoordinator) Handle(ctx context.Context, stale *common.StaleVersionError, s *Session) Outcome {
	shard := stale.ShardID
	if p, ok := s.Participants().Get(shard); ok && p.HasExecutedStatement {
		c.log.Infof("[session %s txn %d] %s from participant %s after it executed a statement",
			s.ID, s.TxnNumber, stale.Kind, shard)
		return Outcome{Decision: Abort, Reason: PartialParticipationConflict}
	}
	if !s.hasRetryBudget() {
		c.log.Infof("[session %s txn %d] retry budget of %d spent on %s",
			s.ID, s.TxnNumber, s.MaxRetries(), stale.Namespace)
		return Outcome{Decision: Abort, Reason: RetryExhausted}
	}

	before, _ := c.cache.GetVersion(shard, stale.Namespace)
	entry, err := c.cache.Refresh(ctx, shard, stale.Namespace)
	n := s.incRetry()
	c.metrics.IncRetry()

	progress := err == nil && entry.Epoch > before.Epoch
	switch {
	case err != nil:
		c.log.Warnf("[session %s txn %d] refresh of %s on %s failed: %s", s.ID, s.TxnNumber, stale.Namespace, shard, err)
	case !progress:
		c.log.Infof("[session %s txn %d] refresh of %s on %s made no progress (retry %d/%d)",
			s.ID, s.TxnNumber, stale.Namespace, shard, n, s.MaxRetries())
	default:
		c.log.Debugf("[session %s txn %d] refreshed %s on %s to %s (retry %d/%d)",
			s.ID, s.TxnNumber, stale.Namespace, shard, entry.Version, n, s.MaxRetries())
	}
	return Outcome{Decision: Retry, Progress: progress}
}
