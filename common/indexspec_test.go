package common

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestGenIndexName(t *testing.T) {
	assert.Equal(t, "x_1", GenIndexName(bson.D{{Key: "x", Value: 1}}))
	assert.Equal(t, "x_1_y_-1", GenIndexName(bson.D{{Key: "x", Value: 1}, {Key: "y", Value: int32(-1)}}))
	assert.Equal(t, "a_1", GenIndexName(bson.D{{Key: "a", Value: 1.0}}))
	assert.Equal(t, "h_hashed", GenIndexName(bson.D{{Key: "h", Value: "hashed"}}))
}

func TestNormalizeIndexSpec(t *testing.T) {
	ns := "test.indexapi"
	key := bson.D{{Key: "x", Value: 1}}
	base := IndexDescriptor{Namespace: ns, Key: key, Name: "x_1"}

	named := base
	named.Name = "bob"
	unique := base
	unique.Unique = true
	dropDups := unique
	dropDups.DropDups = true

	for _, tc := range []struct {
		label string
		opts  interface{}
		want  IndexDescriptor
	}{
		{"A", nil, base},
		{"B", "bob", named},
		{"D", true, unique},
		{"E", []bool{true}, unique},
		{"E2", bson.A{true}, unique},
		{"F", bson.D{{Key: "unique", Value: true}}, unique},
		{"F2", bson.M{"unique": int32(1)}, unique},
		{"G", []bool{true, true}, dropDups},
		{"G2", bson.D{{Key: "unique", Value: true}, {Key: "dropDups", Value: true}}, dropDups},
		{"named doc", bson.D{{Key: "name", Value: "bob"}}, named},
	} {
		got, err := NormalizeIndexSpec(ns, key, tc.opts)
		require.NoErrorf(t, err, "case %s", tc.label)
		assert.Truef(t, cmp.Equal(tc.want, got), "case %s: %s", tc.label, cmp.Diff(tc.want, got))
	}
}

func TestNormalizeIndexSpecRejects(t *testing.T) {
	key := bson.D{{Key: "x", Value: 1}}
	_, err := NormalizeIndexSpec("test.c", bson.D{}, nil)
	assert.Error(t, err)
	_, err = NormalizeIndexSpec("test.c", key, []bool{true, true, true})
	assert.Error(t, err)
	_, err = NormalizeIndexSpec("test.c", key, bson.D{{Key: "sparse", Value: true}})
	assert.Error(t, err)
	_, err = NormalizeIndexSpec("test.c", key, bson.D{{Key: "unique", Value: "yes"}})
	assert.Error(t, err)
	_, err = NormalizeIndexSpec("test.c", key, 3.5)
	assert.Error(t, err)
}

func TestDescriptorDocument(t *testing.T) {
	desc, err := NormalizeIndexSpec("test.c", bson.D{{Key: "x", Value: 1}}, true)
	require.NoError(t, err)
	want := bson.D{
		{Key: "ns", Value: "test.c"},
		{Key: "key", Value: bson.D{{Key: "x", Value: 1}}},
		{Key: "name", Value: "x_1"},
		{Key: "unique", Value: true},
	}
	assert.Equal(t, want, desc.Document())

	parsed, err := ParseIndexDocument("test.c", desc.Document())
	require.NoError(t, err)
	assert.True(t, cmp.Equal(desc, parsed), cmp.Diff(desc, parsed))
}
