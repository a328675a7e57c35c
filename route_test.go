package tether

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteResolvesAllParams(t *testing.T) {
	r := NewRoute("GET", "/channels/{channel_id}/messages/{message_id}",
		map[string]any{"channel_id": "111", "message_id": "222"})
	assert.Equal(t, "GET", r.Method())
	assert.Equal(t, "/channels/111/messages/222", r.Path())
	assert.Equal(t, "GET /channels/{channel_id}/messages/{message_id}", r.Endpoint())
}

func TestRouteBucketKeyKeepsOnlyMajorParams(t *testing.T) {
	a := NewRoute("DELETE", "/channels/{channel_id}/messages/{message_id}",
		map[string]any{"channel_id": "111", "message_id": "222"})
	b := NewRoute("DELETE", "/channels/{channel_id}/messages/{message_id}",
		map[string]any{"channel_id": "111", "message_id": "333"})
	c := NewRoute("DELETE", "/channels/{channel_id}/messages/{message_id}",
		map[string]any{"channel_id": "999", "message_id": "222"})

	assert.Equal(t, a.BucketKey(), b.BucketKey(), "minor params share a bucket")
	assert.NotEqual(t, a.BucketKey(), c.BucketKey(), "major params split buckets")
	assert.NotEqual(t, a.Path(), b.Path())
}

func TestRouteBucketKeySplitsByMethod(t *testing.T) {
	get := NewRoute("GET", "/channels/{channel_id}", map[string]any{"channel_id": "1"})
	del := NewRoute("DELETE", "/channels/{channel_id}", map[string]any{"channel_id": "1"})
	assert.NotEqual(t, get.BucketKey(), del.BucketKey())
}

func TestRouteIntegerParams(t *testing.T) {
	r := NewRoute("GET", "/guilds/{guild_id}", map[string]any{"guild_id": int64(42)})
	assert.Equal(t, "/guilds/42", r.Path())
}

func TestRouteMissingParamLeftInPlace(t *testing.T) {
	r := NewRoute("GET", "/guilds/{guild_id}", nil)
	assert.Equal(t, "/guilds/{guild_id}", r.Path())
}
