package common

import (
	"fmt"

	"github.com/rs/xid"
)

// DatabaseVersion identifies a placement of a database. UUID changes when
// the database is (re)created, LastMod increases on every placement change
// of the same incarnation.
type DatabaseVersion struct {
	UUID    string `bson:"uuid"`
	LastMod int64  `bson:"lastMod"`
}

// NewDatabaseVersion returns the first version of a new database incarnation.
func NewDatabaseVersion() DatabaseVersion {
	return DatabaseVersion{UUID: xid.New().String(), LastMod: 1}
}

// Bump returns the next version of the same incarnation.
func (v DatabaseVersion) Bump() DatabaseVersion {
	return DatabaseVersion{UUID: v.UUID, LastMod: v.LastMod + 1}
}

// IsZero reports an unset version, which is what the router attaches when
// it has no cached entry.
func (v DatabaseVersion) IsZero() bool {
	return v.UUID == "" && v.LastMod == 0
}

// Equal reports whether two versions denote the same placement.
func (v DatabaseVersion) Equal(o DatabaseVersion) bool {
	return v.UUID == o.UUID && v.LastMod == o.LastMod
}

// Older reports whether v precedes o. Versions of different incarnations
// are never ordered; an unset version precedes everything set.
func (v DatabaseVersion) Older(o DatabaseVersion) bool {
	if v.IsZero() {
		return !o.IsZero()
	}
	return v.UUID == o.UUID && v.LastMod < o.LastMod
}

func (v DatabaseVersion) String() string {
	if v.IsZero() {
		return "<unversioned>"
	}
	return fmt.Sprintf("%s|%d", v.UUID, v.LastMod)
}

// DatabaseEntry is the authoritative placement of one database.
type DatabaseEntry struct {
	Name    string          `bson:"_id"`
	Primary string          `bson:"primary"`
	Version DatabaseVersion `bson:"version"`
}

// ShardEntry registers a shard and its RPC address.
type ShardEntry struct {
	ID      string `bson:"_id"`
	Address string `bson:"host"`
}
