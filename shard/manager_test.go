package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardForGuild(t *testing.T) {
	// S4 in the dispatcher/gateway testable-properties table: shard_count=4,
	// guild_id=613425648685547541 => (613425648685547541 >> 22) % 4 = 0.
	assert.Equal(t, 0, ShardForGuild(613425648685547541, 4))
	assert.Equal(t, 0, ShardForGuild(1, 1))
}

func TestShardForGuild_PropertyAcrossCounts(t *testing.T) {
	guilds := []uint64{1, 12345678901234, 613425648685547541, 999999999999999999}
	counts := []int{1, 2, 4, 8, 16}

	for _, g := range guilds {
		for _, n := range counts {
			id := ShardForGuild(g, n)
			assert.GreaterOrEqual(t, id, 0)
			assert.Less(t, id, n)
			assert.Equal(t, int((g>>22)%uint64(n)), id)
		}
	}
}

func TestRecommendedShardCount(t *testing.T) {
	assert.Equal(t, 1, RecommendedShardCount(0))
	assert.Equal(t, 1, RecommendedShardCount(2000))
	assert.Equal(t, 2, RecommendedShardCount(2001))
	assert.Equal(t, 5, RecommendedShardCount(9000))
}

func TestShardFactoryPresets(t *testing.T) {
	small := SmallBotConfig()
	assert.Equal(t, 1, small.ShardCount)
	assert.Equal(t, 1, small.MaxConcurrency)

	medium := MediumBotConfig()
	assert.Equal(t, 4, medium.ShardCount)
	assert.Equal(t, 2, medium.MaxConcurrency)

	large := LargeBotConfig()
	assert.Equal(t, 16, large.ShardCount)
	assert.Equal(t, 4, large.MaxConcurrency)
}

func TestConfigForGuildCount(t *testing.T) {
	cfg := ConfigForGuildCount(50000)
	assert.Equal(t, RecommendedShardCount(50000), cfg.ShardCount)
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.False(t, cfg.AutoSharding)
}

func TestSessionLimit_ResetsAfterWindow(t *testing.T) {
	var l sessionLimit
	l.set(1000, 0, 0) // reset_after=0: effectively immediate

	assert.False(t, l.canStart())
	l.update()
	assert.True(t, l.canStart())

	l.consume()
	assert.Equal(t, 999, l.remaining)
}
