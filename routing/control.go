package routing

import (
	"sort"
	"sync"

	"github.com/shard-txn-router/common"
)

// Mode is the refresh setting of one shard.
type Mode string

const (
	// ModeAlwaysOn suppresses refreshes for the shard: Refresh returns the
	// cached entry without contacting the source.
	ModeAlwaysOn Mode = "alwaysOn"
	// ModeOff restores normal refreshes.
	ModeOff Mode = "off"
)

// RefreshControl is the administrative switch that disables routing
// refreshes per shard. It is handed to the Cache at construction.
type RefreshControl struct {
	mu       sync.RWMutex
	disabled map[string]struct{}
}

func NewRefreshControl() *RefreshControl {
	return &RefreshControl{disabled: make(map[string]struct{})}
}

// Configure sets the mode of shard. Unknown modes are rejected.
func (c *RefreshControl) Configure(shard string, mode Mode) error {
	if shard == "" {
		return common.NewCommandError(common.BadValue, "refresh control needs a shard id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch mode {
	case ModeAlwaysOn:
		c.disabled[shard] = struct{}{}
	case ModeOff:
		delete(c.disabled, shard)
	default:
		return common.NewCommandError(common.BadValue, "unknown refresh control mode '%s'", mode)
	}
	return nil
}

// Disabled reports whether refreshes for shard are suppressed.
func (c *RefreshControl) Disabled(shard string) bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.disabled[shard]
	return ok
}

// Modes lists the shards currently in ModeAlwaysOn.
func (c *RefreshControl) Modes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	shards := make([]string, 0, len(c.disabled))
	for s := range c.disabled {
		shards = append(shards, s)
	}
	sort.Strings(shards)
	return shards
}
