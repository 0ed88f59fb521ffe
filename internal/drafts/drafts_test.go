package drafts

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, ttl), mr
}

func TestSaveAndGet(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	saved, err := s.Save(ctx, Draft{UserID: "U1", ProductName: "Citric acid", Quantity: 500, Unit: "kg", Step: 2})
	require.NoError(t, err)
	assert.False(t, saved.UpdatedAt.IsZero())

	got, err := s.Get(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "Citric acid", got.ProductName)
	assert.Equal(t, 500.0, got.Quantity)
	assert.Equal(t, 2, got.Step)
}

func TestDraftsAreIsolatedPerUser(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	_, err := s.Save(ctx, Draft{UserID: "U1", Notes: "first"})
	require.NoError(t, err)
	_, err = s.Save(ctx, Draft{UserID: "U2", Notes: "second"})
	require.NoError(t, err)

	first, err := s.Get(ctx, "U1")
	require.NoError(t, err)
	second, err := s.Get(ctx, "U2")
	require.NoError(t, err)
	assert.Equal(t, "first", first.Notes)
	assert.Equal(t, "second", second.Notes)
}

func TestDraftExpires(t *testing.T) {
	s, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	_, err := s.Save(ctx, Draft{UserID: "U1"})
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	_, err = s.Get(ctx, "U1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesDraft(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	_, err := s.Save(ctx, Draft{UserID: "U1"})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "U1"))
	require.NoError(t, s.Delete(ctx, "U1"))

	_, err = s.Get(ctx, "U1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRequiresUser(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	_, err := s.Save(context.Background(), Draft{UserID: "  "})
	assert.Error(t, err)
}

func TestDefaultTTL(t *testing.T) {
	s, mr := newTestStore(t, 0)
	_, err := s.Save(context.Background(), Draft{UserID: "U1"})
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, mr.TTL("draft:U1"))
}
