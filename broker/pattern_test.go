package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasGlobMeta(t *testing.T) {
	assert.False(t, HasGlobMeta("orders.created"))
	assert.True(t, HasGlobMeta("orders.*"))
	assert.True(t, HasGlobMeta("orders.?"))
	assert.True(t, HasGlobMeta("orders.[ab]"))
}

func TestMatchChannel(t *testing.T) {
	t.Run("exact names match only themselves", func(t *testing.T) {
		assert.True(t, MatchChannel("orders.created", "orders.created"))
		assert.False(t, MatchChannel("orders.created", "orders.updated"))
		assert.False(t, MatchChannel("orders.created", "orders"))
	})

	t.Run("star crosses dot boundaries", func(t *testing.T) {
		assert.True(t, MatchChannel("orders.created", "orders.*"))
		assert.True(t, MatchChannel("orders.eu.created", "orders.*"))
		assert.True(t, MatchChannel("events.billing.invoice", "events.*"))
	})

	t.Run("prefix and suffix globs", func(t *testing.T) {
		assert.True(t, MatchChannel("orders.created", "*.created"))
		assert.True(t, MatchChannel("orders.created", "orders.*ed"))
		assert.False(t, MatchChannel("orders.created", "payments.*"))
	})

	t.Run("question mark matches one rune", func(t *testing.T) {
		assert.True(t, MatchChannel("ch1", "ch?"))
		assert.False(t, MatchChannel("ch12", "ch?"))
	})

	t.Run("character classes", func(t *testing.T) {
		assert.True(t, MatchChannel("shard-a", "shard-[abc]"))
		assert.False(t, MatchChannel("shard-d", "shard-[abc]"))
	})

	t.Run("malformed pattern matches nothing", func(t *testing.T) {
		assert.False(t, MatchChannel("orders.created", "orders.["))
	})

	t.Run("empty channel", func(t *testing.T) {
		assert.False(t, MatchChannel("", "orders.*"))
		assert.True(t, MatchChannel("", "*"))
	})
}
