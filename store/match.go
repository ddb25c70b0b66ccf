package store

import (
	"fmt"
	"reflect"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// lookup returns the value at a dotted path.
func lookup(doc bson.D, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, p := range parts {
		d, ok := cur.(bson.D)
		if !ok {
			return nil, false
		}
		found := false
		for _, e := range d {
			if e.Key == p {
				cur, found = e.Value, true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return cur, true
}

// matches implements equality predicates: every field of filter must be
// present in doc with an equal value.
func matches(doc, filter bson.D) bool {
	for _, e := range filter {
		v, ok := lookup(doc, e.Key)
		if !ok {
			if e.Value == nil {
				continue
			}
			return false
		}
		if !valuesEqual(v, e.Value) {
			return false
		}
	}
	return true
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// valuesEqual compares numbers by value regardless of their width, so a
// document inserted with int32 1 matches a filter on float64 1.
func valuesEqual(a, b interface{}) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	switch x := a.(type) {
	case bson.D:
		y, ok := b.(bson.D)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if x[i].Key != y[i].Key || !valuesEqual(x[i].Value, y[i].Value) {
				return false
			}
		}
		return true
	case bson.A:
		y, ok := b.(bson.A)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !valuesEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// idString is the map key form of an _id value.
func idString(v interface{}) string {
	if f, ok := asFloat(v); ok {
		return fmt.Sprintf("%v", f)
	}
	return fmt.Sprintf("%v", v)
}

// indexKey extracts the values of an index key pattern. Missing fields
// index as null.
func indexKey(doc, pattern bson.D) bson.A {
	key := make(bson.A, 0, len(pattern))
	for _, e := range pattern {
		v, _ := lookup(doc, e.Key)
		key = append(key, v)
	}
	return key
}

func renderKey(pattern bson.D, key bson.A) string {
	parts := make([]string, 0, len(pattern))
	for i, e := range pattern {
		parts = append(parts, fmt.Sprintf("%s: %v", e.Key, key[i]))
	}
	return "{ " + strings.Join(parts, ", ") + " }"
}
