package common

import (
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
)

// Command is one of the recognized statement kinds. The set is closed:
// documents naming anything else are rejected by ParseCommand.
type Command interface {
	// Name is the command name, the first key of its document.
	Name() string
	// Collection is the target collection; empty for transaction control.
	Collection() string
	// Versioned reports whether the router must attach the database version.
	Versioned() bool
	// Document renders the command back into its wire document.
	Document() bson.D

	command()
}

// FindCmd is not database versioned.
type FindCmd struct {
	Coll   string
	Filter bson.D
}

// DistinctCmd returns the distinct values of Key among matching documents.
type DistinctCmd struct {
	Coll  string
	Key   string
	Query bson.D
}

// CountCmd counts matching documents.
type CountCmd struct {
	Coll  string
	Query bson.D
}

// InsertCmd inserts documents inside the transaction.
type InsertCmd struct {
	Coll      string
	Documents []bson.D
}

// CreateIndexesCmd creates normalized index descriptors.
type CreateIndexesCmd struct {
	Coll    string
	Indexes []IndexDescriptor
}

// ListIndexesCmd lists the indexes of a collection.
type ListIndexesCmd struct {
	Coll string
}

// CommitTxnCmd and AbortTxnCmd are sent by the router to participants.
type CommitTxnCmd struct{}
type AbortTxnCmd struct{}

func (FindCmd) command()          {}
func (DistinctCmd) command()      {}
func (CountCmd) command()         {}
func (InsertCmd) command()        {}
func (CreateIndexesCmd) command() {}
func (ListIndexesCmd) command()   {}
func (CommitTxnCmd) command()     {}
func (AbortTxnCmd) command()      {}

func (FindCmd) Name() string          { return FIND }
func (DistinctCmd) Name() string      { return DISTINCT }
func (CountCmd) Name() string         { return COUNT }
func (InsertCmd) Name() string        { return INSERT }
func (CreateIndexesCmd) Name() string { return CREATEINDEXES }
func (ListIndexesCmd) Name() string   { return LISTINDEXES }
func (CommitTxnCmd) Name() string     { return COMMITTXN }
func (AbortTxnCmd) Name() string      { return ABORTTXN }

func (c FindCmd) Collection() string          { return c.Coll }
func (c DistinctCmd) Collection() string      { return c.Coll }
func (c CountCmd) Collection() string         { return c.Coll }
func (c InsertCmd) Collection() string        { return c.Coll }
func (c CreateIndexesCmd) Collection() string { return c.Coll }
func (c ListIndexesCmd) Collection() string   { return c.Coll }
func (CommitTxnCmd) Collection() string       { return "" }
func (AbortTxnCmd) Collection() string        { return "" }

func (FindCmd) Versioned() bool          { return false }
func (DistinctCmd) Versioned() bool      { return true }
func (CountCmd) Versioned() bool         { return true }
func (InsertCmd) Versioned() bool        { return true }
func (CreateIndexesCmd) Versioned() bool { return true }
func (ListIndexesCmd) Versioned() bool   { return true }
func (CommitTxnCmd) Versioned() bool     { return false }
func (AbortTxnCmd) Versioned() bool      { return false }

func (c FindCmd) Document() bson.D {
	return bson.D{{Key: FIND, Value: c.Coll}, {Key: "filter", Value: orEmpty(c.Filter)}}
}

func (c DistinctCmd) Document() bson.D {
	return bson.D{{Key: DISTINCT, Value: c.Coll}, {Key: "key", Value: c.Key}, {Key: "query", Value: orEmpty(c.Query)}}
}

func (c CountCmd) Document() bson.D {
	return bson.D{{Key: COUNT, Value: c.Coll}, {Key: "query", Value: orEmpty(c.Query)}}
}

func (c InsertCmd) Document() bson.D {
	docs := bson.A{}
	for _, d := range c.Documents {
		docs = append(docs, d)
	}
	return bson.D{{Key: INSERT, Value: c.Coll}, {Key: "documents", Value: docs}}
}

func (c CreateIndexesCmd) Document() bson.D {
	specs := bson.A{}
	for _, idx := range c.Indexes {
		specs = append(specs, idx.Document())
	}
	return bson.D{{Key: CREATEINDEXES, Value: c.Coll}, {Key: "indexes", Value: specs}}
}

func (c ListIndexesCmd) Document() bson.D {
	return bson.D{{Key: LISTINDEXES, Value: c.Coll}}
}

func (CommitTxnCmd) Document() bson.D { return bson.D{{Key: COMMITTXN, Value: 1}} }
func (AbortTxnCmd) Document() bson.D  { return bson.D{{Key: ABORTTXN, Value: 1}} }

func orEmpty(d bson.D) bson.D {
	if d == nil {
		return bson.D{}
	}
	return d
}

// ParseCommand turns a command document into its typed form. db is only
// used to build index namespaces.
func ParseCommand(db string, doc bson.D) (Command, error) {
	if len(doc) == 0 {
		return nil, NewCommandError(BadValue, "empty command document")
	}
	name := doc[0].Key
	switch name {
	case COMMITTXN:
		return CommitTxnCmd{}, nil
	case ABORTTXN:
		return AbortTxnCmd{}, nil
	}

	coll, ok := doc[0].Value.(string)
	if !ok || coll == "" {
		if _, known := commandNames[name]; !known {
			return nil, NewCommandError(CommandNotFound, "no such command: '%s'", name)
		}
		return nil, NewCommandError(BadValue, "collection name for %s must be a non-empty string", name)
	}
	fields := lookupFields(doc[1:])

	switch name {
	case FIND:
		filter, err := AsDocument(fields["filter"])
		if err != nil {
			return nil, NewCommandError(BadValue, "find.filter: %s", err)
		}
		return FindCmd{Coll: coll, Filter: filter}, nil
	case DISTINCT:
		key, ok := fields["key"].(string)
		if !ok || key == "" {
			return nil, NewCommandError(BadValue, "distinct.key must be a non-empty string")
		}
		query, err := AsDocument(fields["query"])
		if err != nil {
			return nil, NewCommandError(BadValue, "distinct.query: %s", err)
		}
		return DistinctCmd{Coll: coll, Key: key, Query: query}, nil
	case COUNT:
		query, err := AsDocument(fields["query"])
		if err != nil {
			return nil, NewCommandError(BadValue, "count.query: %s", err)
		}
		return CountCmd{Coll: coll, Query: query}, nil
	case INSERT:
		raw, ok := asArray(fields["documents"])
		if !ok || len(raw) == 0 {
			return nil, NewCommandError(BadValue, "insert.documents must be a non-empty array")
		}
		docs := make([]bson.D, 0, len(raw))
		for i, r := range raw {
			d, err := AsDocument(r)
			if err != nil {
				return nil, NewCommandError(BadValue, "insert.documents.%d: %s", i, err)
			}
			docs = append(docs, d)
		}
		return InsertCmd{Coll: coll, Documents: docs}, nil
	case CREATEINDEXES:
		raw, ok := asArray(fields["indexes"])
		if !ok || len(raw) == 0 {
			return nil, NewCommandError(BadValue, "createIndexes.indexes must be a non-empty array")
		}
		ns := Namespace{DB: db, Coll: coll}.String()
		indexes := make([]IndexDescriptor, 0, len(raw))
		for i, r := range raw {
			spec, err := AsDocument(r)
			if err != nil {
				return nil, NewCommandError(BadValue, "createIndexes.indexes.%d: %s", i, err)
			}
			idx, err := ParseIndexDocument(ns, spec)
			if err != nil {
				return nil, err
			}
			indexes = append(indexes, idx)
		}
		return CreateIndexesCmd{Coll: coll, Indexes: indexes}, nil
	case LISTINDEXES:
		return ListIndexesCmd{Coll: coll}, nil
	}
	return nil, NewCommandError(CommandNotFound, "no such command: '%s'", name)
}

var commandNames = map[string]struct{}{
	FIND: {}, DISTINCT: {}, COUNT: {}, INSERT: {}, CREATEINDEXES: {},
	LISTINDEXES: {}, COMMITTXN: {}, ABORTTXN: {},
}

func lookupFields(doc bson.D) map[string]interface{} {
	m := make(map[string]interface{}, len(doc))
	for _, e := range doc {
		m[e.Key] = e.Value
	}
	return m
}

// AsDocument accepts the document shapes produced by the bson decoder and by
// callers building commands by hand. A nil value is an empty document.
func AsDocument(v interface{}) (bson.D, error) {
	switch d := v.(type) {
	case nil:
		return bson.D{}, nil
	case bson.D:
		return d, nil
	case bson.M:
		return mapToDocument(d), nil
	case map[string]interface{}:
		return mapToDocument(d), nil
	case bson.Raw:
		var out bson.D
		if err := bson.Unmarshal(d, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a document, got %T", v)
}

func mapToDocument(m map[string]interface{}) bson.D {
	// map order is random; sort keys so the rendering is stable
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d := make(bson.D, 0, len(m))
	for _, k := range keys {
		d = append(d, bson.E{Key: k, Value: m[k]})
	}
	return d
}

func asArray(v interface{}) ([]interface{}, bool) {
	switch a := v.(type) {
	case bson.A:
		return a, true
	case []interface{}:
		return a, true
	case []bson.D:
		out := make([]interface{}, len(a))
		for i := range a {
			out[i] = a[i]
		}
		return out, true
	}
	return nil, false
}

// Statement is the envelope the router receives from callers. A zero
// TxnNumber means the statement runs outside a transaction.
type Statement struct {
	SessionID string
	TxnNumber int64
	DB        string
	Command   Command
}

// NewStatement parses doc at the boundary.
func NewStatement(sessionID string, txnNumber int64, db string, doc bson.D) (Statement, error) {
	if db == "" {
		return Statement{}, NewCommandError(BadValue, "database name must not be empty")
	}
	cmd, err := ParseCommand(db, doc)
	if err != nil {
		return Statement{}, err
	}
	return Statement{SessionID: sessionID, TxnNumber: txnNumber, DB: db, Command: cmd}, nil
}

// Namespace of the statement's target collection.
func (s Statement) Namespace() Namespace {
	return Namespace{DB: s.DB, Coll: s.Command.Collection()}
}

// Transactional reports whether the statement belongs to a transaction.
func (s Statement) Transactional() bool {
	return s.TxnNumber > 0
}

// ShardRequest is the net/rpc argument of Shard.Execute.
type ShardRequest struct {
	SessionID        string
	TxnNumber        int64
	StartTransaction bool
	DB               string
	Command          []byte
	Versioned        bool
	DBVersion        DatabaseVersion
}

// NewShardRequest encodes cmd for the wire.
func NewShardRequest(sessionID string, txnNumber int64, db string, cmd Command) (*ShardRequest, error) {
	b, err := bson.Marshal(cmd.Document())
	if err != nil {
		return nil, fmt.Errorf("unable to marshal %s command: %s", cmd.Name(), err)
	}
	return &ShardRequest{
		SessionID: sessionID,
		TxnNumber: txnNumber,
		DB:        db,
		Command:   b,
		Versioned: cmd.Versioned(),
	}, nil
}

// DecodeCommand is the shard-side counterpart of NewShardRequest.
func (r *ShardRequest) DecodeCommand() (Command, error) {
	var doc bson.D
	if err := bson.Unmarshal(r.Command, &doc); err != nil {
		return nil, NewCommandError(BadValue, "malformed command document: %s", err)
	}
	return ParseCommand(r.DB, doc)
}

// ShardResponse is the net/rpc reply of Shard.Execute. Code is OK on
// success, in which case Result holds the encoded reply document.
type ShardResponse struct {
	Code            ErrorCode
	Message         string
	ObservedVersion DatabaseVersion
	Result          []byte
}

// Result is a successful statement reply.
type Result struct {
	ShardID  string
	Document bson.D
}

// DecodeResult unpacks a successful response.
func DecodeResult(shardID string, resp *ShardResponse) (*Result, error) {
	res := &Result{ShardID: shardID, Document: bson.D{}}
	if len(resp.Result) == 0 {
		return res, nil
	}
	if err := bson.Unmarshal(resp.Result, &res.Document); err != nil {
		return nil, fmt.Errorf("malformed reply from shard %s: %s", shardID, err)
	}
	return res, nil
}
