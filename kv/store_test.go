package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arcflow.dev/errcode"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewWithClient(client)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestGetSet(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "session:abc", `{"userId":"u1"}`, 30*time.Minute))

	value, found, err := store.Get(ctx, "session:abc")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"userId":"u1"}`, value)

	mr.FastForward(31 * time.Minute)
	_, found, err = store.Get(ctx, "session:abc")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMGetMixed(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", "1", 0))
	require.NoError(t, store.Set(ctx, "c", "3", 0))

	out, err := store.MGet(ctx, "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "c": "3"}, out)

	out, err = store.MGet(ctx)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMSetPipelined(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	items := map[string]string{
		"flow:f1": "doc1",
		"flow:f2": "doc2",
		"flow:f3": "doc3",
	}
	require.NoError(t, store.MSet(ctx, items, 10*time.Minute))

	for key, want := range items {
		got, err := mr.Get(key)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	mr.FastForward(11 * time.Minute)
	out, err := store.MGet(ctx, "flow:f1", "flow:f2", "flow:f3")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDel(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "x", "1", 0))
	require.NoError(t, store.Set(ctx, "y", "2", 0))

	removed, err := store.Del(ctx, "x", "y", "z")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

func TestIncrStartsWindowOnFirstIncrement(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	v, err := store.Incr(ctx, "rl:req:h:u1:2026012010", 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Greater(t, mr.TTL("rl:req:h:u1:2026012010"), time.Duration(0))

	v, err = store.Incr(ctx, "rl:req:h:u1:2026012010", 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	mr.FastForward(61 * time.Minute)
	v, err = store.Incr(ctx, "rl:req:h:u1:2026012010", 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v, "window should reset after expiry")
}

func TestDecr(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Incr(ctx, "rl:conn:u1", 1, 0)
	require.NoError(t, err)
	v, err := store.Decr(ctx, "rl:conn:u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestExpireAndKeys(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "cursor:f1:u1", "pos", 0))
	require.NoError(t, store.Set(ctx, "cursor:f1:u2", "pos", 0))
	require.NoError(t, store.Set(ctx, "cursor:f2:u1", "pos", 0))

	ok, err := store.Expire(ctx, "cursor:f1:u1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Expire(ctx, "cursor:nope", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := store.Keys(ctx, "cursor:f1:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cursor:f1:u1", "cursor:f1:u2"}, keys)

	mr.FastForward(2 * time.Minute)
	keys, err = store.Keys(ctx, "cursor:f1:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"cursor:f1:u2"}, keys)
}

func TestHashOps(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.HSet(ctx, "service:registry", "svc-1", `{"name":"ai"}`))
	require.NoError(t, store.HSet(ctx, "service:registry", "svc-2", `{"name":"billing"}`))

	value, found, err := store.HGet(ctx, "service:registry", "svc-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"name":"ai"}`, value)

	_, found, err = store.HGet(ctx, "service:registry", "svc-9")
	require.NoError(t, err)
	assert.False(t, found)

	all, err := store.HGetAll(ctx, "service:registry")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, store.HDel(ctx, "service:registry", "svc-1"))
	all, err = store.HGetAll(ctx, "service:registry")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	n, err := store.HIncrBy(ctx, "service:metrics:svc-2", "requests", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = store.HIncrBy(ctx, "service:metrics:svc-2", "requests", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestPubSubExactChannel(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	received := make(chan string, 1)
	sub, err := store.Subscribe(ctx, "cache:invalidation", func(channel string, payload []byte) {
		received <- string(payload)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, store.Publish(ctx, "cache:invalidation", []byte(`{"category":"flows"}`)))

	select {
	case got := <-received:
		assert.Equal(t, `{"category":"flows"}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPubSubPattern(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	type delivery struct {
		channel string
		payload string
	}
	received := make(chan delivery, 2)
	sub, err := store.Subscribe(ctx, "flow:update:*", func(channel string, payload []byte) {
		received <- delivery{channel, string(payload)}
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, store.Publish(ctx, "flow:update:f1", []byte("a")))
	require.NoError(t, store.Publish(ctx, "other:channel", []byte("b")))
	require.NoError(t, store.Publish(ctx, "flow:update:f2", []byte("c")))

	var got []delivery
	for len(got) < 2 {
		select {
		case d := <-received:
			got = append(got, d)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 2 deliveries, got %d", len(got))
		}
	}
	assert.Equal(t, delivery{"flow:update:f1", "a"}, got[0])
	assert.Equal(t, delivery{"flow:update:f2", "c"}, got[1])
}

func TestSubscribeHandlerPanicDoesNotStopDelivery(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	received := make(chan string, 1)
	first := true
	sub, err := store.Subscribe(ctx, "panic-test", func(channel string, payload []byte) {
		if first {
			first = false
			panic("handler bug")
		}
		received <- string(payload)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, store.Publish(ctx, "panic-test", []byte("boom")))
	require.NoError(t, store.Publish(ctx, "panic-test", []byte("fine")))

	select {
	case got := <-received:
		assert.Equal(t, "fine", got)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery stopped after handler panic")
	}
}

func TestUnavailableStoreSurfacesTaxonomyCode(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewWithClient(client)
	store.maxRetries = 1
	store.retryBase = time.Millisecond

	mr.Close()

	_, _, err = store.Get(context.Background(), "any")
	require.Error(t, err)
	assert.Equal(t, errcode.KVUnavailable, errcode.CodeOf(err))
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("not-a-url")
	assert.Error(t, err)
}
