package common

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// Command names accepted in a command document.
const (
	FIND          = "find"
	DISTINCT      = "distinct"
	COUNT         = "count"
	INSERT        = "insert"
	CREATEINDEXES = "createIndexes"
	LISTINDEXES   = "listIndexes"
	COMMITTXN     = "commitTransaction"
	ABORTTXN      = "abortTransaction"
)

const (
	// DefaultMaxRetries bounds stale routing retries within one transaction.
	DefaultMaxRetries = 10
	// DefaultTxnLifetime is the wall-clock budget of a transaction.
	DefaultTxnLifetime = 60 * time.Second

	RPCTimeout       = 10 * time.Second
	LockWaitTimeout  = 100 * time.Millisecond
	NodeIDLen        = 5
	IDIndexName      = "_id_"
	NamespaceSep     = "."
	MetricsPortDelta = 20000
)

// RandNodeID returns a random node id
func RandNodeID(n int) string {
	letters := []rune("abcdefghijklmnopqrstuvwxyz0123456789")
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	b := make([]rune, n)
	for i := range b {
		b[i] = letters[r.Intn(len(letters))]
	}
	return string(b)
}

// GetDerivedAddress derives a new IP:Port from a given
// address. It is used to place the metrics listener next to the
// service listener.
func GetDerivedAddress(address string) (string, error) {
	ipPort := strings.Split(address, ":")
	if len(ipPort) != 2 {
		return "", fmt.Errorf("invalid address %q", address)
	}
	port, err := strconv.ParseInt(ipPort[1], 10, 32)
	if err != nil {
		return "", fmt.Errorf("invalid port in %q: %s", address, err)
	}
	return ipPort[0] + ":" + strconv.Itoa(int(port+MetricsPortDelta)), nil
}

// Namespace is a database plus collection pair.
type Namespace struct {
	DB   string
	Coll string
}

// ParseNamespace splits "db.coll". The collection part may itself contain dots.
func ParseNamespace(ns string) (Namespace, error) {
	parts := strings.SplitN(ns, NamespaceSep, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Namespace{}, fmt.Errorf("invalid namespace %q", ns)
	}
	return Namespace{DB: parts[0], Coll: parts[1]}, nil
}

func (n Namespace) String() string {
	return n.DB + NamespaceSep + n.Coll
}
