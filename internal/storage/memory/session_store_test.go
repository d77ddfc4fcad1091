package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

func TestSessionStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewSessionStore()
	ctx := context.Background()
	created := time.Unix(1700000000, 0).UTC()

	record := crawler.SessionRecord{
		ID:        "s-1",
		Request:   crawler.CrawlRequest{StartURL: "https://example.test", AllowedFileTypes: []string{"pdf"}},
		Snapshot:  crawler.StatusSnapshot{ID: "s-1", Status: crawler.StatusPending},
		CreatedAt: created,
		UpdatedAt: created,
	}
	require.NoError(t, store.Save(ctx, record))

	record.Snapshot.Status = crawler.StatusCompleted
	record.Snapshot.Stats.PagesVisited = 4
	record.CreatedAt = created.Add(time.Hour)
	record.UpdatedAt = created.Add(time.Minute)
	require.NoError(t, store.Save(ctx, record))

	got, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, crawler.StatusCompleted, got.Snapshot.Status)
	assert.Equal(t, int64(4), got.Snapshot.Stats.PagesVisited)
	assert.Equal(t, created, got.CreatedAt, "created_at is kept from the first save")

	got.Request.AllowedFileTypes[0] = "doc"
	again, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"pdf"}, again.Request.AllowedFileTypes)
}

func TestSessionStoreGetMissing(t *testing.T) {
	t.Parallel()

	_, err := NewSessionStore().Get(context.Background(), "nope")
	require.ErrorIs(t, err, crawler.ErrSessionNotFound)
}

func TestSessionStoreRejectsEmptyID(t *testing.T) {
	t.Parallel()

	require.Error(t, NewSessionStore().Save(context.Background(), crawler.SessionRecord{}))
}

func TestSessionStoreListNewestFirst(t *testing.T) {
	t.Parallel()

	store := NewSessionStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Save(ctx, crawler.SessionRecord{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Second)}))
	}

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "c", records[0].ID)
	assert.Equal(t, "b", records[1].ID)
	assert.Equal(t, "a", records[2].ID)
}
