package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
catalog_address: localhost:13000
shards:
  - id: shard0
    address: localhost:14000
  - id: shard1
    address: localhost:14001
max_retries: 3
txn_lifetime: 5s
log:
  level: debug
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, c.MaxRetries)
	assert.Equal(t, 5*time.Second, c.TxnLifetime)
	assert.Equal(t, "debug", c.Log.Level)
	assert.True(t, c.Log.ReportCaller, "unset fields keep their defaults")

	s, ok := c.Shard("shard1")
	require.True(t, ok)
	assert.Equal(t, "localhost:14001", s.Address)
	_, ok = c.Shard("shard9")
	assert.False(t, ok)
}

func TestLoadRejectsInvalid(t *testing.T) {
	for _, body := range []string{
		"max_retries: -1\n",
		"txn_lifetime: 0s\n",
		"shards:\n  - id: a\n    address: x:1\n  - id: a\n    address: x:2\n",
		"shards:\n  - id: a\n",
	} {
		_, err := Load(writeConfig(t, body))
		assert.Errorf(t, err, "expected %q to be rejected", body)
	}
}
