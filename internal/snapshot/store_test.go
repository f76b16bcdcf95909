package snapshot

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"df-connectivity/internal/models"
)

func browsedTags(n int) []models.BrowsedTag {
	tags := make([]models.BrowsedTag, n)
	for i := range tags {
		scope := "controller"
		if i%2 == 1 {
			scope = "program:Main"
		}
		tags[i] = models.BrowsedTag{
			Name:     fmt.Sprintf("Tag_%03d", i),
			DataType: "DINT",
			Scope:    scope,
		}
	}
	return tags
}

func TestStore_PagingCoversAllTagsOnce(t *testing.T) {
	store := NewStore(time.Minute, zap.NewNop())
	id, total := store.Create(browsedTags(25))
	require.Equal(t, 25, total)

	// 逐页遍历：并集完整、无重复
	seen := make(map[string]bool)
	page := 0
	for {
		p, err := store.GetPage(id, page, 10, "", "")
		require.NoError(t, err)
		assert.Equal(t, 25, p.Total)
		for _, tag := range p.Tags {
			assert.False(t, seen[tag.Name], "tag %s returned twice", tag.Name)
			seen[tag.Name] = true
		}
		if !p.HasMore {
			break
		}
		page++
	}
	assert.Len(t, seen, 25)
	assert.Equal(t, 2, page) // 25 个标签、每页 10 -> 3 页
}

func TestStore_PageBeyondEnd(t *testing.T) {
	store := NewStore(time.Minute, zap.NewNop())
	id, _ := store.Create(browsedTags(5))

	p, err := store.GetPage(id, 10, 10, "", "")
	require.NoError(t, err)
	assert.Empty(t, p.Tags)
	assert.Equal(t, 5, p.Total)
	assert.False(t, p.HasMore)
}

func TestStore_ScopeAndSearchFilter(t *testing.T) {
	store := NewStore(time.Minute, zap.NewNop())
	id, _ := store.Create(browsedTags(20))

	p, err := store.GetPage(id, 0, 100, "program:Main", "")
	require.NoError(t, err)
	assert.Equal(t, 10, p.Total)
	for _, tag := range p.Tags {
		assert.Equal(t, "program:Main", tag.Scope)
	}

	// 名称子串匹配大小写无关
	p, err = store.GetPage(id, 0, 100, "", "tag_01")
	require.NoError(t, err)
	assert.Equal(t, 10, p.Total) // Tag_010 .. Tag_019
}

func TestStore_UnknownSnapshot(t *testing.T) {
	store := NewStore(time.Minute, zap.NewNop())

	_, err := store.GetPage("no-such-id", 0, 10, "", "")
	assert.Error(t, err)
	assert.Error(t, store.Heartbeat("no-such-id"))
	store.Delete("no-such-id") // 空操作
}

func TestStore_HeartbeatExtendsDeadline(t *testing.T) {
	store := NewStore(50*time.Millisecond, zap.NewNop())
	id, _ := store.Create(browsedTags(3))

	// 心跳续期后清理不应删除
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, store.Heartbeat(id))
	store.sweep(time.Now())
	_, err := store.GetPage(id, 0, 10, "", "")
	assert.NoError(t, err)

	// 停止心跳，超过 TTL 后被清理
	store.sweep(time.Now().Add(100 * time.Millisecond))
	_, err = store.GetPage(id, 0, 10, "", "")
	assert.Error(t, err)
}

func TestStore_DeleteImmediatelyInvalidates(t *testing.T) {
	store := NewStore(time.Minute, zap.NewNop())
	id, _ := store.Create(browsedTags(3))

	store.Delete(id)
	_, err := store.GetPage(id, 0, 10, "", "")
	assert.Error(t, err)
}
