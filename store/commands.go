package store

import (
	"sort"
	"strings"

	"github.com/rs/xid"
	"github.com/shard-txn-router/common"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// apply executes cmd on ns. txn is nil outside transactions.
func (s *Store) apply(ns common.Namespace, cmd common.Command, txn *txnState) (bson.D, error) {
	switch c := cmd.(type) {
	case common.FindCmd:
		docs, err := s.query(ns, c.Filter, txn)
		if err != nil {
			return nil, err
		}
		batch := make(bson.A, 0, len(docs))
		for _, d := range docs {
			batch = append(batch, d)
		}
		return cursorReply(ns, batch), nil
	case common.DistinctCmd:
		docs, err := s.query(ns, c.Query, txn)
		if err != nil {
			return nil, err
		}
		values := bson.A{}
		for _, d := range docs {
			v, ok := lookup(d, c.Key)
			if !ok {
				continue
			}
			if !containsValue(values, v) {
				values = append(values, v)
			}
		}
		return bson.D{{Key: "values", Value: values}, {Key: "ok", Value: 1}}, nil
	case common.CountCmd:
		docs, err := s.query(ns, c.Query, txn)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: "n", Value: int32(len(docs))}, {Key: "ok", Value: 1}}, nil
	case common.InsertCmd:
		return s.insert(ns, c, txn)
	case common.CreateIndexesCmd:
		return s.createIndexes(ns, c, txn)
	case common.ListIndexesCmd:
		idx := bson.A{}
		for _, d := range s.Indexes(ns) {
			idx = append(idx, d.Document())
		}
		return cursorReply(ns, idx), nil
	}
	return nil, common.NewCommandError(common.CommandNotFound, "no such command: '%s'", cmd.Name())
}

func cursorReply(ns common.Namespace, batch bson.A) bson.D {
	return bson.D{
		{Key: "cursor", Value: bson.D{
			{Key: "id", Value: int64(0)},
			{Key: "ns", Value: ns.String()},
			{Key: "firstBatch", Value: batch},
		}},
		{Key: "ok", Value: 1},
	}
}

func containsValue(values bson.A, v interface{}) bool {
	for _, x := range values {
		if valuesEqual(x, v) {
			return true
		}
	}
	return false
}

// visible returns the committed documents of ns followed by the
// transaction's own pending inserts.
func (s *Store) visible(ns common.Namespace, txn *txnState) ([]bson.D, error) {
	docs, err := s.kv.Scan(ns)
	if err != nil {
		return nil, common.NewCommandError(common.LockTimeout, "%s", err)
	}
	if txn == nil || len(txn.writes) == 0 {
		return docs, nil
	}
	prefix := ns.String() + "/"
	var pending []string
	for k := range txn.writes {
		if strings.HasPrefix(k, prefix) {
			pending = append(pending, k)
		}
	}
	sort.Strings(pending)
	for _, k := range pending {
		docs = append(docs, txn.writes[k])
	}
	return docs, nil
}

func (s *Store) query(ns common.Namespace, filter bson.D, txn *txnState) ([]bson.D, error) {
	docs, err := s.visible(ns, txn)
	if err != nil {
		return nil, err
	}
	out := make([]bson.D, 0, len(docs))
	for _, d := range docs {
		if matches(d, filter) {
			out = append(out, d)
		}
	}
	return out, nil
}

func withID(doc bson.D) bson.D {
	if _, ok := lookup(doc, "_id"); ok {
		return doc
	}
	out := make(bson.D, 0, len(doc)+1)
	out = append(out, bson.E{Key: "_id", Value: primitive.NewObjectID()})
	return append(out, doc...)
}

func duplicateKey(ns common.Namespace, index string, pattern bson.D, key bson.A) error {
	return common.NewCommandError(common.DuplicateKey,
		"E11000 duplicate key error collection: %s index: %s dup key: %s", ns, index, renderKey(pattern, key))
}

var idPattern = bson.D{{Key: "_id", Value: int32(1)}}

func (s *Store) insert(ns common.Namespace, c common.InsertCmd, txn *txnState) (bson.D, error) {
	docs := make([]bson.D, 0, len(c.Documents))
	keys := make([]string, 0, len(c.Documents))
	writes := make(map[string]bson.D, len(c.Documents))

	for _, d := range c.Documents {
		d = withID(d)
		id, _ := lookup(d, "_id")
		k := common.DocKey(ns, idString(id))
		if _, dup := writes[k]; dup {
			return nil, duplicateKey(ns, common.IDIndexName, idPattern, bson.A{id})
		}
		if txn != nil {
			if _, dup := txn.writes[k]; dup {
				return nil, duplicateKey(ns, common.IDIndexName, idPattern, bson.A{id})
			}
		}
		_, committed, err := s.kv.Get(k)
		if err != nil {
			return nil, common.NewCommandError(common.WriteConflict, "%s", err)
		}
		if committed {
			return nil, duplicateKey(ns, common.IDIndexName, idPattern, bson.A{id})
		}
		docs = append(docs, d)
		keys = append(keys, k)
		writes[k] = d
	}
	if err := s.checkUnique(ns, docs, txn); err != nil {
		return nil, err
	}

	txid := xid.New().String()
	if txn != nil {
		txid = txn.id
	}
	if err := s.kv.TryLocks(keys, txid); err != nil {
		return nil, common.NewCommandError(common.WriteConflict, "insert into %s: %s", ns, err)
	}
	if txn == nil {
		s.kv.WriteWithLocks(writes)
	} else {
		txn.keys = append(txn.keys, keys...)
		for k, d := range writes {
			txn.writes[k] = d
		}
	}
	return bson.D{{Key: "n", Value: int32(len(docs))}, {Key: "ok", Value: 1}}, nil
}

// checkUnique enforces unique secondary indexes against the documents
// visible to the statement and within the batch itself.
func (s *Store) checkUnique(ns common.Namespace, batch []bson.D, txn *txnState) error {
	var unique []common.IndexDescriptor
	for _, idx := range s.Indexes(ns) {
		if idx.Unique && idx.Name != common.IDIndexName {
			unique = append(unique, idx)
		}
	}
	if len(unique) == 0 {
		return nil
	}
	existing, err := s.visible(ns, txn)
	if err != nil {
		return err
	}
	for _, idx := range unique {
		seen := make([]bson.A, 0, len(existing)+len(batch))
		for _, d := range existing {
			seen = append(seen, indexKey(d, idx.Key))
		}
		for _, d := range batch {
			key := indexKey(d, idx.Key)
			for _, other := range seen {
				if valuesEqual(key, other) {
					return duplicateKey(ns, idx.Name, idx.Key, key)
				}
			}
			seen = append(seen, key)
		}
	}
	return nil
}

// Indexes lists the indexes of ns, starting with the implicit _id index.
func (s *Store) Indexes(ns common.Namespace) []common.IndexDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []common.IndexDescriptor{{Namespace: ns.String(), Key: idPattern, Name: common.IDIndexName}}
	return append(out, s.indexes[ns.String()]...)
}

// createIndexes takes effect immediately, also inside a transaction.
func (s *Store) createIndexes(ns common.Namespace, c common.CreateIndexesCmd, txn *txnState) (bson.D, error) {
	before := len(s.Indexes(ns))
	for _, idx := range c.Indexes {
		if idx.Name == common.IDIndexName {
			continue
		}
		existing := s.Indexes(ns)
		if done, err := conflicts(existing, idx); err != nil {
			return nil, err
		} else if done {
			continue
		}
		if idx.Unique {
			docs, err := s.visible(ns, txn)
			if err != nil {
				return nil, err
			}
			seen := make([]bson.A, 0, len(docs))
			for _, d := range docs {
				key := indexKey(d, idx.Key)
				for _, other := range seen {
					if valuesEqual(key, other) {
						return nil, duplicateKey(ns, idx.Name, idx.Key, key)
					}
				}
				seen = append(seen, key)
			}
		}
		s.mu.Lock()
		s.indexes[ns.String()] = append(s.indexes[ns.String()], idx)
		s.mu.Unlock()
		s.log.Infof("created index %s on %s", idx.Name, ns)
	}
	return bson.D{
		{Key: "numIndexesBefore", Value: int32(before)},
		{Key: "numIndexesAfter", Value: int32(len(s.Indexes(ns)))},
		{Key: "ok", Value: 1},
	}, nil
}

// conflicts reports whether idx already exists (done) or clashes with an
// existing index.
func conflicts(existing []common.IndexDescriptor, idx common.IndexDescriptor) (bool, error) {
	for _, e := range existing {
		sameKey := valuesEqual(e.Key, idx.Key)
		switch {
		case e.Name == idx.Name && sameKey && e.Unique == idx.Unique:
			return true, nil
		case e.Name == idx.Name:
			return false, common.NewCommandError(common.IndexKeySpecsConflict,
				"an existing index has the same name as the requested index: %s", idx.Name)
		case sameKey && e.Unique == idx.Unique:
			return false, common.NewCommandError(common.IndexOptionsConflict,
				"index already exists with a different name: %s", e.Name)
		}
	}
	return false, nil
}
