// Package catalog keeps the authoritative placement of databases: which
// shard is primary for each database and the version of that placement.
// Entries are persisted in a bolt file so a restarted config node serves
// the same versions it handed out before.
package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
	"github.com/shard-txn-router/common"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
)

var (
	databasesBucket = []byte("databases")
	shardsBucket    = []byte("shards")
)

// Catalog is the bolt-backed placement catalog.
type Catalog struct {
	db      *bolt.DB
	options bolt.Options
	// mu serializes read-modify-write of entries
	mu  sync.Mutex
	log *log.Entry
}

// Open opens (or creates) the catalog file.
func Open(logger *log.Logger, file string) (*Catalog, error) {
	c := &Catalog{
		options: bolt.Options{Timeout: 1 * time.Second},
		log:     logger.WithField("component", "catalog"),
	}
	var err error
	c.db, err = bolt.Open(file, 0600, &c.options)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open catalog %s", file)
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{databasesBucket, shardsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.db.Close()
		return nil, err
	}
	c.log.Infof("catalog opened at %s", file)
	return c, nil
}

// Close closes the bolt file.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// AddShard registers (or re-addresses) a shard.
func (c *Catalog) AddShard(id, addr string) error {
	if id == "" || addr == "" {
		return common.NewCommandError(common.BadValue, "shard id and address are required")
	}
	b, err := bson.Marshal(common.ShardEntry{ID: id, Address: addr})
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(shardsBucket).Put([]byte(id), b)
	})
}

// Shards lists registered shards ordered by id.
func (c *Catalog) Shards() ([]common.ShardEntry, error) {
	var shards []common.ShardEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(shardsBucket).ForEach(func(k, v []byte) error {
			var s common.ShardEntry
			if err := bson.Unmarshal(v, &s); err != nil {
				return errors.Wrapf(err, "corrupt shard entry %s", k)
			}
			shards = append(shards, s)
			return nil
		})
	})
	return shards, err
}

func (c *Catalog) shardExists(tx *bolt.Tx, id string) bool {
	return tx.Bucket(shardsBucket).Get([]byte(id)) != nil
}

func getDatabase(tx *bolt.Tx, name string) (common.DatabaseEntry, bool, error) {
	var entry common.DatabaseEntry
	v := tx.Bucket(databasesBucket).Get([]byte(name))
	if v == nil {
		return entry, false, nil
	}
	if err := bson.Unmarshal(v, &entry); err != nil {
		return entry, false, errors.Wrapf(err, "corrupt database entry %s", name)
	}
	return entry, true, nil
}

func putDatabase(tx *bolt.Tx, entry common.DatabaseEntry) error {
	b, err := bson.Marshal(entry)
	if err != nil {
		return err
	}
	return tx.Bucket(databasesBucket).Put([]byte(entry.Name), b)
}

// EnableSharding creates the database entry with primary as its primary
// shard. An existing entry is returned unchanged.
func (c *Catalog) EnableSharding(name, primary string) (common.DatabaseEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var entry common.DatabaseEntry
	err := c.db.Update(func(tx *bolt.Tx) error {
		existing, ok, err := getDatabase(tx, name)
		if err != nil {
			return err
		}
		if ok {
			entry = existing
			return nil
		}
		if !c.shardExists(tx, primary) {
			return common.NewCommandError(common.ShardNotFound, "shard %s is not registered", primary)
		}
		entry = common.DatabaseEntry{Name: name, Primary: primary, Version: common.NewDatabaseVersion()}
		return putDatabase(tx, entry)
	})
	if err == nil {
		c.log.Infof("database %s primary=%s version=%s", name, entry.Primary, entry.Version)
	}
	return entry, err
}

// MovePrimary changes the primary shard of a database and bumps its
// version. Moving to the current primary is a no-op.
func (c *Catalog) MovePrimary(name, to string) (common.DatabaseEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var entry common.DatabaseEntry
	err := c.db.Update(func(tx *bolt.Tx) error {
		existing, ok, err := getDatabase(tx, name)
		if err != nil {
			return err
		}
		if !ok {
			return common.NewCommandError(common.NamespaceNotFound, "database %s not found", name)
		}
		if !c.shardExists(tx, to) {
			return common.NewCommandError(common.ShardNotFound, "shard %s is not registered", to)
		}
		entry = existing
		if existing.Primary == to {
			return nil
		}
		entry.Primary = to
		entry.Version = existing.Version.Bump()
		return putDatabase(tx, entry)
	})
	if err == nil {
		c.log.Infof("moved primary of %s to %s, version=%s", name, entry.Primary, entry.Version)
	}
	return entry, err
}

// Lookup returns the placement of a database.
func (c *Catalog) Lookup(ctx context.Context, name string) (common.DatabaseEntry, error) {
	if err := ctx.Err(); err != nil {
		return common.DatabaseEntry{}, err
	}
	var entry common.DatabaseEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		e, ok, err := getDatabase(tx, name)
		if err != nil {
			return err
		}
		if !ok {
			return common.NewCommandError(common.NamespaceNotFound, "database %s not found", name)
		}
		entry = e
		return nil
	})
	return entry, err
}

// Databases lists all entries ordered by name.
func (c *Catalog) Databases() ([]common.DatabaseEntry, error) {
	var entries []common.DatabaseEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(databasesBucket).ForEach(func(k, v []byte) error {
			var e common.DatabaseEntry
			if err := bson.Unmarshal(v, &e); err != nil {
				return errors.Wrapf(err, "corrupt database entry %s", k)
			}
			entries = append(entries, e)
			return nil
		})
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, err
}
