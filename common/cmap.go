package common

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/subchen/go-trylock/v2"
	"go.mongodb.org/mongo-driver/bson"
)

// LongTimeOut bounds the lock attempt made when releasing a key on abort.
const LongTimeOut = 100 * time.Microsecond

// Value is one document slot. A temp value was created by a transaction
// that has not committed yet and is invisible to readers.
type Value struct {
	k    string // For debug purpose
	V    bson.D
	mu   trylock.TryLocker
	temp bool
	txid string
}

func NewValue(k string, v bson.D) *Value {
	return &Value{
		k:  k,
		V:  v,
		mu: trylock.New(),
	}
}

func TempNewValue(k string) *Value {
	return &Value{
		k:    k,
		mu:   trylock.New(),
		temp: true,
	}
}

// Cmap is the document map of one shard. Keys are DocKey(ns, id).
// Transactions lock the keys they write with TryLocks and release them
// with WriteWithLocks or AbortWithLocks.
type Cmap struct {
	Map     map[string]*Value
	mu      trylock.TryLocker
	timeout time.Duration
	log     *log.Entry
}

func NewCmap(logger *log.Logger, t time.Duration) *Cmap {
	l := logger.WithField("component", "cmap")
	return &Cmap{
		Map:     make(map[string]*Value),
		mu:      trylock.New(),
		timeout: t,
		log:     l,
	}
}

// DocKey builds the map key of a document.
func DocKey(ns Namespace, id interface{}) string {
	return fmt.Sprintf("%s/%v", ns, id)
}

func (c *Cmap) Get(k string) (val bson.D, ok bool, err error) {
	if global := c.mu.RTryLockTimeout(c.timeout); !global {
		return val, ok, errors.New("map is locked globally")
	}
	value, ok := c.Map[k]
	if !ok || value.temp {
		c.mu.RUnlock() // unlock globally asap
		return val, false, nil
	} else if local := value.mu.RTryLockTimeout(c.timeout); !local {
		c.mu.RUnlock() // unlock globally asap
		return val, ok, fmt.Errorf("map is locked on Key=%s", k)
	}
	c.mu.RUnlock()
	defer value.mu.RUnlock()
	return value.V, ok, nil
}

// Exists reports whether k holds a committed document or is reserved by a
// pending transaction.
func (c *Cmap) Exists(k string) (bool, error) {
	if global := c.mu.RTryLockTimeout(c.timeout); !global {
		return false, errors.New("map is locked globally")
	}
	defer c.mu.RUnlock()
	_, ok := c.Map[k]
	return ok, nil
}

// Scan returns the committed documents of ns in key order. Documents
// locked by an in-flight transaction are read at their committed value.
func (c *Cmap) Scan(ns Namespace) ([]bson.D, error) {
	if global := c.mu.RTryLockTimeout(c.timeout); !global {
		return nil, errors.New("map is locked globally")
	}
	defer c.mu.RUnlock()
	prefix := ns.String() + "/"
	keys := make([]string, 0)
	for k, v := range c.Map {
		if strings.HasPrefix(k, prefix) && !v.temp {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	res := make([]bson.D, 0, len(keys))
	for _, k := range keys {
		res = append(res, c.Map[k].V)
	}
	return res, nil
}

func (c *Cmap) Set(k string, v bson.D) error {
	if global := c.mu.TryLockTimeout(c.timeout); !global {
		return errors.New("map is locked globally")
	}
	defer c.mu.Unlock()
	value, ok := c.Map[k]
	if !ok {
		c.Map[k] = NewValue(k, v)
		return nil
	} else if local := value.mu.TryLockTimeout(c.timeout); !local {
		return fmt.Errorf("map is locked on Key=%s", k)
	}
	// Scan reads V under the global lock only
	value.V = v
	value.mu.Unlock()
	return nil
}

// TryLocks locks every key for txid or none of them. Missing keys are
// reserved with temp values that disappear on abort.
func (c *Cmap) TryLocks(keys []string, txid string) error {
	if len(keys) == 0 {
		return errors.New("no key given")
	}
	if global := c.mu.TryLockTimeout(c.timeout); !global {
		return errors.New("map is locked globally")
	}
	// locked is used to revert lock if any trylock fails
	var locked []*Value
	var revert bool
	// tmpMap is the local temp map for new value initialization
	tmpMap := make(map[string]*Value)
	for _, k := range keys {
		value, ok := c.Map[k]
		if !ok {
			value, ok = tmpMap[k]
			if ok {
				// same key twice in one batch
				continue
			}
			value = TempNewValue(k)
			tmpMap[k] = value
		}
		if local := value.mu.TryLockTimeout(c.timeout); !local {
			revert = true
			break
		}
		locked = append(locked, value)
	}
	// Link tmpMap to c.Map if no failure
	if len(tmpMap) > 0 && !revert {
		for k, v := range tmpMap {
			c.log.Debugf("try lock for new key %s", k)
			c.Map[k] = v
		}
	}
	c.mu.Unlock()
	// Revert lock if failure
	if revert {
		for _, value := range locked {
			value.mu.Unlock()
		}
		return errors.New("map is locked locally")
	}
	for _, value := range locked {
		value.txid = txid
		c.log.Debugf("LOCKED for key %s in %s", value.k, value.txid)
	}
	return nil
}

// WriteWithLocks installs the values of keys previously locked by
// TryLocks and releases them.
func (c *Cmap) WriteWithLocks(writes map[string]bson.D) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, doc := range writes {
		val, ok := c.Map[k]
		if !ok {
			c.log.Errorf("%s was not locked before commit", k)
			continue
		}
		val.V = doc
		// unset temp flag for committed keys
		val.temp = false
		val.mu.Unlock()
	}
}

// AbortWithLocks releases keys locked by txid, dropping reservations.
func (c *Cmap) AbortWithLocks(keys []string, txid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		val, ok := c.Map[k]
		if !ok {
			continue
		}
		if val.txid != txid {
			c.log.Infof("txid CHANGE to %s != %s when trying to abort %s", val.txid, txid, k)
			continue
		}
		if val.temp {
			// delete key is temp when aborting
			delete(c.Map, k)
		}
		val.txid = ""
		val.mu.TryLockTimeout(LongTimeOut)
		val.mu.Unlock()
		c.log.Debugf("txid %s UNLOCK %s on abort", txid, k)
	}
}
