package cratecache_test

import (
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/seedwing-proxy/seedwing/internal/cratecache"
)

func TestGetMiss(t *testing.T) {
	c := cratecache.New()
	_, ok := c.Get("serde", "1.0.0")
	assert.False(t, ok)
}

func TestSetThenGet(t *testing.T) {
	c := cratecache.New()
	c.Set("serde", "1.0.0", "/api/v1/crates/serde/1.0.0/download")

	dlPath, ok := c.Get("serde", "1.0.0")
	assert.True(t, ok)
	assert.Equal(t, "/api/v1/crates/serde/1.0.0/download", dlPath)
}

func TestKeysAreVersionScoped(t *testing.T) {
	c := cratecache.New()
	c.Set("serde", "1.0.0", "/path/1")
	c.Set("serde", "2.0.0", "/path/2")

	v1, ok := c.Get("serde", "1.0.0")
	assert.True(t, ok)
	assert.Equal(t, "/path/1", v1)

	v2, ok := c.Get("serde", "2.0.0")
	assert.True(t, ok)
	assert.Equal(t, "/path/2", v2)
}
