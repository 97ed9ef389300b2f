package replay

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func redisAvailable(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:6379",
		DialTimeout: 100 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		cleanupKeys(t, client, "tower:saml:")
		client.Close()
	})
	return client
}

func cleanupKeys(t *testing.T, client *redis.Client, prefix string) {
	t.Helper()
	ctx := context.Background()
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return
		}
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
}

func TestRedisTakeRequestOnce(t *testing.T) {
	client := redisAvailable(t)
	store := NewRedis(client, time.Minute, time.Minute)
	ctx := context.Background()

	id := "_" + t.Name()
	if err := store.SaveRequest(ctx, id); err != nil {
		t.Fatal(err)
	}

	ok, err := store.TakeRequest(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("saved request not found")
	}

	ok, err = store.TakeRequest(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("request ID taken twice")
	}
}

func TestRedisMarkAssertion(t *testing.T) {
	client := redisAvailable(t)
	store := NewRedis(client, time.Minute, time.Minute)
	ctx := context.Background()

	id := "_" + t.Name()
	fresh, err := store.MarkAssertion(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !fresh {
		t.Fatal("first sighting reported as replay")
	}

	fresh, err = store.MarkAssertion(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if fresh {
		t.Error("replayed assertion reported fresh")
	}
}

func TestRedisRequestExpiry(t *testing.T) {
	client := redisAvailable(t)
	store := NewRedis(client, time.Second, time.Minute)
	ctx := context.Background()

	id := "_" + t.Name()
	if err := store.SaveRequest(ctx, id); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond)

	ok, err := store.TakeRequest(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expired request still taken")
	}
}

func TestRedisStats(t *testing.T) {
	client := redisAvailable(t)
	store := NewRedis(client, time.Minute, time.Minute)
	ctx := context.Background()

	store.SaveRequest(ctx, "_"+t.Name()+"-1")
	store.SaveRequest(ctx, "_"+t.Name()+"-2")
	store.MarkAssertion(ctx, "_"+t.Name())

	s := store.Stats()
	if s.PendingRequests < 2 {
		t.Errorf("PendingRequests = %d, want >= 2", s.PendingRequests)
	}
	if s.SeenAssertions < 1 {
		t.Errorf("SeenAssertions = %d, want >= 1", s.SeenAssertions)
	}
}
