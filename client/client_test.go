package client

import (
	"bytes"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shard-txn-router/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestSplitLine(t *testing.T) {
	cases := []struct {
		line string
		want []string
	}{
		{`find foo`, []string{"find", "foo"}},
		{`  use   other `, []string{"use", "other"}},
		{`insert foo {"_id": 1, "a": {"b": [1, 2]}} {"_id": 2}`, []string{"insert", "foo", `{"_id": 1, "a": {"b": [1, 2]}}`, `{"_id": 2}`}},
		{`createIndex foo {"x": 1} [true, false]`, []string{"createIndex", "foo", `{"x": 1}`, "[true, false]"}},
		{`distinct foo "my key"`, []string{"distinct", "foo", "my key"}},
		{`find foo {"s": "a b}"}`, []string{"find", "foo", `{"s": "a b}"}`}},
	}
	for _, c := range cases {
		got := splitLine(c.line)
		assert.Truef(t, cmp.Equal(c.want, got), "%q: %s", c.line, cmp.Diff(c.want, got))
	}
}

func TestBuildCommand(t *testing.T) {
	cmd, err := buildCommand("test", splitLine(`distinct foo color {"size": 3}`))
	require.NoError(t, err)
	want := bson.D{
		{Key: "distinct", Value: "foo"},
		{Key: "key", Value: "color"},
		{Key: "query", Value: bson.D{{Key: "size", Value: int32(3)}}},
	}
	assert.Truef(t, cmp.Equal(want, cmd), cmp.Diff(want, cmd))

	cmd, err = buildCommand("test", splitLine(`createIndex foo {"x": 1, "y": -1} [true, false]`))
	require.NoError(t, err)
	want = bson.D{
		{Key: "createIndexes", Value: "foo"},
		{Key: "indexes", Value: bson.A{bson.D{
			{Key: "ns", Value: "test.foo"},
			{Key: "key", Value: bson.D{{Key: "x", Value: int32(1)}, {Key: "y", Value: int32(-1)}}},
			{Key: "name", Value: "x_1_y_-1"},
			{Key: "unique", Value: true},
		}}},
	}
	assert.Truef(t, cmp.Equal(want, cmd), cmp.Diff(want, cmd))

	// the document round-trips through the router's parser
	parsed, err := common.ParseCommand("test", cmd)
	require.NoError(t, err)
	idx := parsed.(common.CreateIndexesCmd).Indexes[0]
	assert.True(t, idx.Unique)
	assert.Equal(t, "x_1_y_-1", idx.Name)

	cmd, err = buildCommand("test", splitLine(`createIndex foo {"x": 1} myIndex`))
	require.NoError(t, err)
	parsed, err = common.ParseCommand("test", cmd)
	require.NoError(t, err)
	assert.Equal(t, "myIndex", parsed.(common.CreateIndexesCmd).Indexes[0].Name)

	_, err = buildCommand("test", splitLine(`insert foo notjson`))
	assert.Error(t, err)
	_, err = buildCommand("test", splitLine(`frobnicate foo`))
	assert.Error(t, err)
	_, err = buildCommand("test", []string{"find"})
	assert.Error(t, err)
}

func TestReplyError(t *testing.T) {
	assert.Nil(t, replyError(bson.D{{Key: "ok", Value: int32(1)}}))

	err := replyError(bson.D{
		{Key: "ok", Value: int32(0)},
		{Key: "errmsg", Value: "aborted"},
		{Key: "code", Value: int32(251)},
		{Key: "codeName", Value: "NoSuchTransaction"},
		{Key: "errorLabels", Value: bson.A{"TransientTransactionError"}},
	})
	require.NotNil(t, err)
	assert.Equal(t, common.NoSuchTransaction, err.Code)
	assert.True(t, err.HasLabel(common.TransientTransactionError))
}

// fakeRouter answers like the router HTTP API and records the requests.
type fakeRouter struct {
	mu    sync.Mutex
	paths []string
	reply string
}

func (f *fakeRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, r.URL.Path)
	w.Write([]byte(f.reply))
}

func TestExec(t *testing.T) {
	f := &fakeRouter{reply: `{"ok": 1}`}
	srv := httptest.NewServer(f)
	defer srv.Close()

	c := NewShardTxnClient(srv.URL)
	var out bytes.Buffer
	c.out = &out
	c.lsid = "s1"

	require.NoError(t, c.Exec(splitLine(`use shop`)))
	require.NoError(t, c.Exec(splitLine(`count orders`)))
	require.NoError(t, c.Exec(splitLine(`start`)))
	require.NoError(t, c.Exec(splitLine(`insert orders {"_id": 1}`)))
	require.NoError(t, c.Exec(splitLine(`commit`)))
	assert.Error(t, c.Exec(splitLine(`commit`)), "not in a transaction")

	f.mu.Lock()
	assert.Equal(t, []string{
		"/run",
		"/sessions/s1/txns/1/start",
		"/sessions/s1/txns/1/run",
		"/sessions/s1/txns/1/commit",
	}, f.paths)
	f.mu.Unlock()

	// a transient abort leaves the transaction
	require.NoError(t, c.Exec(splitLine(`start`)))
	f.mu.Lock()
	f.reply = `{"ok": 0, "errmsg": "aborted", "code": 251, "codeName": "NoSuchTransaction", "errorLabels": ["TransientTransactionError"]}`
	f.mu.Unlock()
	err := c.Exec(splitLine(`distinct orders _id`))
	require.Error(t, err)
	assert.False(t, c.inTxn)
	assert.Contains(t, out.String(), "start a new one")
}

func TestAdmin(t *testing.T) {
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := ioutil.ReadAll(r.Body)
		bodies <- b
		assert.Equal(t, "/admin/refreshControl", r.URL.Path)
		w.Write([]byte(`{"ok": 1}`))
	}))
	defer srv.Close()

	c := NewShardTxnClient(srv.URL)
	c.out = ioutil.Discard
	require.NoError(t, c.Exec([]string{"refreshControl", "shard0", "alwaysOn"}))
	assert.JSONEq(t, `{"shard": "shard0", "mode": "alwaysOn"}`, string(<-bodies))

	assert.Error(t, c.Exec([]string{"movePrimary", "test"}))
}
