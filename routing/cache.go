// Package routing caches the router's view of database placement: the
// primary shard of each database and, per (shard, database), the version
// the router attaches to versioned commands.
package routing

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/shard-txn-router/common"
	"github.com/shard-txn-router/metric"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Source is the authoritative placement, normally the catalog.
type Source interface {
	Lookup(ctx context.Context, db string) (common.DatabaseEntry, error)
}

// Entry is the cached routing version of a database on a shard. All
// collections of the database share it. Epoch increases by one every time
// the entry changed.
type Entry struct {
	ShardID string
	DB      string
	Version common.DatabaseVersion
	Epoch   uint64
}

// RefreshError wraps a failed source lookup. It never advances the epoch.
type RefreshError struct {
	ShardID   string
	Namespace common.Namespace
	Err       error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh of %s on shard %s failed: %s", e.Namespace, e.ShardID, e.Err)
}

func (e *RefreshError) Cause() error {
	return e.Err
}

type entryKey struct {
	shard string
	db    string
}

func (k entryKey) String() string {
	return k.shard + "|" + k.db
}

// Cache is shared by all sessions of a router. Refresh is the only call
// that changes routing versions; concurrent refreshes of the same key
// share one source lookup.
type Cache struct {
	source  Source
	control *RefreshControl
	metrics *metric.Metrics

	group singleflight.Group

	mu         sync.RWMutex
	entries    map[entryKey]Entry
	placements map[string]common.DatabaseEntry

	log *log.Entry
}

// NewCache creates an empty cache. control and metrics may be nil.
func NewCache(logger *log.Logger, source Source, control *RefreshControl, metrics *metric.Metrics) *Cache {
	return &Cache{
		source:     source,
		control:    control,
		metrics:    metrics,
		entries:    make(map[entryKey]Entry),
		placements: make(map[string]common.DatabaseEntry),
		log:        logger.WithField("component", "routing"),
	}
}

// GetVersion returns the cached entry of ns's database on shard, if any.
func (c *Cache) GetVersion(shard string, ns common.Namespace) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[entryKey{shard: shard, db: ns.DB}]
	return e, ok
}

// lookup queries the source on behalf of every coalesced caller, so it must
// not fail because the first caller went away.
func (c *Cache) lookup(ctx context.Context, db string) (common.DatabaseEntry, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), common.RPCTimeout)
	defer cancel()
	return c.source.Lookup(ctx, db)
}

// place records auth as the placement of its database and seeds the
// primary's entry with the authoritative version. c.mu must be held.
func (c *Cache) place(auth common.DatabaseEntry) {
	c.placements[auth.Name] = auth
	pk := entryKey{shard: auth.Primary, db: auth.Name}
	prev, ok := c.entries[pk]
	if !ok || !prev.Version.Equal(auth.Version) {
		c.entries[pk] = Entry{ShardID: auth.Primary, DB: auth.Name, Version: auth.Version, Epoch: prev.Epoch + 1}
	}
}

// Primary returns the cached primary shard of db, loading the placement
// from the source on a miss.
func (c *Cache) Primary(ctx context.Context, db string) (string, error) {
	c.mu.RLock()
	p, ok := c.placements[db]
	c.mu.RUnlock()
	if ok {
		return p.Primary, nil
	}

	v, err, _ := c.group.Do("primary|"+db, func() (interface{}, error) {
		entry, err := c.lookup(ctx, db)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if cur, ok := c.placements[db]; ok {
			return cur, nil
		}
		c.place(entry)
		return entry, nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "unable to load placement of %s", db)
	}
	return v.(common.DatabaseEntry).Primary, nil
}

// Refresh reloads the entry of ns's database on shard from the source. The
// returned entry has a higher epoch than before only if the refresh made
// progress: the version or the primary changed, or nothing was cached.
// While the shard is disabled by the refresh control the cached entry is
// returned as is.
func (c *Cache) Refresh(ctx context.Context, shard string, ns common.Namespace) (Entry, error) {
	key := entryKey{shard: shard, db: ns.DB}
	if c.control.Disabled(shard) {
		e, ok := c.GetVersion(shard, ns)
		if !ok {
			e = Entry{ShardID: shard, DB: ns.DB}
		}
		c.log.Debugf("refresh of %s suppressed by refresh control", key)
		c.metrics.ObserveRefresh(shard, false, nil)
		return e, nil
	}

	v, err, shared := c.group.Do(key.String(), func() (interface{}, error) {
		return c.refresh(ctx, key, ns)
	})
	if shared {
		c.log.Debugf("refresh of %s coalesced", key)
	}
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

func (c *Cache) refresh(ctx context.Context, key entryKey, ns common.Namespace) (Entry, error) {
	auth, err := c.lookup(ctx, key.db)
	if err != nil {
		c.metrics.ObserveRefresh(key.shard, false, err)
		return Entry{}, errors.WithStack(&RefreshError{ShardID: key.shard, Namespace: ns, Err: err})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	old, cached := c.entries[key]
	placement, placed := c.placements[key.db]
	progress := !cached || !old.Version.Equal(auth.Version) || !placed || placement.Primary != auth.Primary

	if !progress {
		c.log.Infof("refresh of %s made no progress, still %s", key, old.Version)
		c.metrics.ObserveRefresh(key.shard, false, nil)
		return old, nil
	}

	next := Entry{ShardID: key.shard, DB: key.db, Version: auth.Version, Epoch: old.Epoch + 1}
	c.entries[key] = next
	if auth.Primary != key.shard {
		// the statement will be resent to the new primary
		c.place(auth)
	} else {
		c.placements[key.db] = auth
	}
	c.log.Infof("refreshed %s: %s -> %s, primary %s, epoch %d", key, old.Version, auth.Version, auth.Primary, next.Epoch)
	c.metrics.ObserveRefresh(key.shard, true, nil)
	return next, nil
}

// Invalidate drops the cached placement of db so the next Primary call
// reloads it. Routing versions are kept.
func (c *Cache) Invalidate(db string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.placements, db)
}
