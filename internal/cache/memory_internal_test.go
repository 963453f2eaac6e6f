package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/scriptrun/pkg/models"
)

func entryAt(fp string, at time.Time) *models.CacheEntry {
	return &models.CacheEntry{Fingerprint: fp, Response: models.RouteResponse{Content: fp}, CreatedAt: at}
}

func TestMemoryStoreCapsAtMaxEntries(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewBoundedMemoryStore(Limits{MaxEntries: 3})

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Put(ctx, entryAt(fmt.Sprintf("e%d", i), base.Add(time.Duration(i)*time.Minute))))
	}
	assert.Equal(t, 3, m.Len())

	for _, fp := range []string{"e0", "e1"} {
		e, err := m.Get(ctx, fp)
		require.NoError(t, err)
		assert.Nil(t, e, "%s should have been evicted", fp)
	}
	e, err := m.Get(ctx, "e4")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "e4", e.Response.Content)
}

func TestMemoryStoreExpiresEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewBoundedMemoryStore(Limits{TTL: time.Hour})
	m.now = func() time.Time { return now }

	require.NoError(t, m.Put(ctx, entryAt("old", now.Add(-2*time.Hour))))
	require.NoError(t, m.Put(ctx, entryAt("fresh", now.Add(-time.Minute))))

	e, err := m.Get(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, e)
	e, err = m.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, e)

	// An expired fingerprint can be written again.
	assert.True(t, m.put(entryAt("old", now.Add(30*time.Minute))))

	now = now.Add(65 * time.Minute)
	assert.Equal(t, 1, m.Prune())
	assert.Equal(t, 1, m.Len())
}

func TestMemoryStoreUnboundedByDefault(t *testing.T) {
	m := NewMemoryStore()
	for i := 0; i < 100; i++ {
		m.put(entryAt(fmt.Sprintf("e%d", i), time.Time{}))
	}
	assert.Equal(t, 100, m.Len())
	assert.Equal(t, 0, m.Prune())
}
