package replay

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsWhenZero(t *testing.T) {
	g := New(nil, 0, 0)
	assert.Equal(t, 200*time.Millisecond, g.timeout)
	assert.Equal(t, 24*time.Hour, g.ttl)
}

func liveClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClaim_FirstSeenThenInFlight(t *testing.T) {
	client := liveClient(t)
	requestID := uuid.New().String()
	defer client.Del(context.Background(), keyFor(requestID))

	g := New(client, time.Second, time.Minute)

	outcome, _, err := g.Claim(context.Background(), requestID, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, FirstSeen, outcome)

	outcome, _, err = g.Claim(context.Background(), requestID, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, InFlight, outcome)
}

func TestClaim_MismatchOnDifferentFingerprint(t *testing.T) {
	client := liveClient(t)
	requestID := uuid.New().String()
	defer client.Del(context.Background(), keyFor(requestID))

	g := New(client, time.Second, time.Minute)

	_, _, err := g.Claim(context.Background(), requestID, "fp-1")
	require.NoError(t, err)

	outcome, _, err := g.Claim(context.Background(), requestID, "fp-2")
	require.NoError(t, err)
	assert.Equal(t, Mismatch, outcome)
}

func TestCommitThenClaim_ReturnsReplayed(t *testing.T) {
	client := liveClient(t)
	requestID := uuid.New().String()
	defer client.Del(context.Background(), keyFor(requestID))

	g := New(client, time.Second, time.Minute)

	_, _, err := g.Claim(context.Background(), requestID, "fp-1")
	require.NoError(t, err)

	err = g.Commit(context.Background(), requestID, "fp-1", `{"decision":"ALLOW"}`)
	require.NoError(t, err)

	outcome, decision, err := g.Claim(context.Background(), requestID, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, Replayed, outcome)
	assert.Equal(t, `{"decision":"ALLOW"}`, decision)
}

func TestCommit_RefusesOnFingerprintMismatch(t *testing.T) {
	client := liveClient(t)
	requestID := uuid.New().String()
	defer client.Del(context.Background(), keyFor(requestID))

	g := New(client, time.Second, time.Minute)

	_, _, err := g.Claim(context.Background(), requestID, "fp-1")
	require.NoError(t, err)

	err = g.Commit(context.Background(), requestID, "fp-other", "decision")
	assert.Error(t, err)
}

func TestClaim_UnavailableOnUnreachableStore(t *testing.T) {
	unreachable := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer unreachable.Close()

	g := New(unreachable, 20*time.Millisecond, time.Minute)
	outcome, _, err := g.Claim(context.Background(), uuid.New().String(), "fp-1")
	require.NoError(t, err)
	assert.Equal(t, Unavailable, outcome)
}
