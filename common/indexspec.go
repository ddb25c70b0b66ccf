package common

import (
	"fmt"
	"math"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// IndexDescriptor is the canonical form of an index definition.
type IndexDescriptor struct {
	Namespace string
	Key       bson.D
	Name      string
	Unique    bool
	DropDups  bool
}

// Document renders the descriptor the way listIndexes reports it. The
// unique and dropDups fields only appear when set.
func (d IndexDescriptor) Document() bson.D {
	doc := bson.D{
		{Key: "ns", Value: d.Namespace},
		{Key: "key", Value: d.Key},
		{Key: "name", Value: d.Name},
	}
	if d.Unique {
		doc = append(doc, bson.E{Key: "unique", Value: true})
	}
	if d.DropDups {
		doc = append(doc, bson.E{Key: "dropDups", Value: true})
	}
	return doc
}

// GenIndexName derives the default index name from a key pattern,
// e.g. {x: 1, y: -1} becomes "x_1_y_-1".
func GenIndexName(key bson.D) string {
	parts := make([]string, 0, 2*len(key))
	for _, e := range key {
		parts = append(parts, e.Key, keyValueString(e.Value))
	}
	return strings.Join(parts, "_")
}

func keyValueString(v interface{}) string {
	switch n := v.(type) {
	case int:
		return fmt.Sprintf("%d", n)
	case int32:
		return fmt.Sprintf("%d", n)
	case int64:
		return fmt.Sprintf("%d", n)
	case float64:
		if n == math.Trunc(n) {
			return fmt.Sprintf("%d", int64(n))
		}
		return fmt.Sprintf("%v", n)
	}
	return fmt.Sprintf("%v", v)
}

// NormalizeIndexSpec builds a descriptor from a key pattern plus an options
// value. opts may be nil, a name string, a bool (unique), an array
// [unique, dropDups], or a document {unique, dropDups, name}.
func NormalizeIndexSpec(ns string, key bson.D, opts interface{}) (IndexDescriptor, error) {
	if len(key) == 0 {
		return IndexDescriptor{}, NewCommandError(BadValue, "index key pattern must not be empty")
	}
	desc := IndexDescriptor{Namespace: ns, Key: key}

	switch o := opts.(type) {
	case nil:
	case string:
		desc.Name = o
	case bool:
		desc.Unique = o
	case []bool:
		if err := applyFlags(&desc, boolsToValues(o)); err != nil {
			return IndexDescriptor{}, err
		}
	case bson.A:
		if err := applyFlags(&desc, o); err != nil {
			return IndexDescriptor{}, err
		}
	case []interface{}:
		if err := applyFlags(&desc, o); err != nil {
			return IndexDescriptor{}, err
		}
	default:
		doc, err := AsDocument(opts)
		if err != nil {
			return IndexDescriptor{}, NewCommandError(InvalidOptions, "unsupported index options %T", opts)
		}
		for _, e := range doc {
			switch e.Key {
			case "name":
				name, ok := e.Value.(string)
				if !ok {
					return IndexDescriptor{}, NewCommandError(InvalidOptions, "index name must be a string")
				}
				desc.Name = name
			case "unique":
				if desc.Unique, err = truthy(e.Value); err != nil {
					return IndexDescriptor{}, err
				}
			case "dropDups":
				if desc.DropDups, err = truthy(e.Value); err != nil {
					return IndexDescriptor{}, err
				}
			default:
				return IndexDescriptor{}, NewCommandError(InvalidOptions, "unknown index option '%s'", e.Key)
			}
		}
	}

	if desc.Name == "" {
		desc.Name = GenIndexName(key)
	}
	return desc, nil
}

// ParseIndexDocument reads one entry of createIndexes.indexes.
func ParseIndexDocument(ns string, spec bson.D) (IndexDescriptor, error) {
	var key bson.D
	opts := bson.D{}
	for _, e := range spec {
		switch e.Key {
		case "key":
			k, err := AsDocument(e.Value)
			if err != nil {
				return IndexDescriptor{}, NewCommandError(BadValue, "index key: %s", err)
			}
			key = k
		case "ns":
			// recomputed from the command target
		default:
			opts = append(opts, e)
		}
	}
	return NormalizeIndexSpec(ns, key, opts)
}

func applyFlags(desc *IndexDescriptor, flags []interface{}) error {
	if len(flags) > 2 {
		return NewCommandError(InvalidOptions, "index options array takes at most [unique, dropDups]")
	}
	var err error
	if len(flags) > 0 {
		if desc.Unique, err = truthy(flags[0]); err != nil {
			return err
		}
	}
	if len(flags) > 1 {
		if desc.DropDups, err = truthy(flags[1]); err != nil {
			return err
		}
	}
	return nil
}

func boolsToValues(b []bool) []interface{} {
	out := make([]interface{}, len(b))
	for i := range b {
		out[i] = b[i]
	}
	return out
}

func truthy(v interface{}) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case int:
		return b != 0, nil
	case int32:
		return b != 0, nil
	case int64:
		return b != 0, nil
	case float64:
		return b != 0, nil
	}
	return false, NewCommandError(InvalidOptions, "expected a boolean, got %T", v)
}
