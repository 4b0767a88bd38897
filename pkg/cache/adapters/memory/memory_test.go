package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sylvia-iot/broker-go/pkg/cache/adapters/memory"
)

func TestSetWithZeroTTLNeverExpires(t *testing.T) {
	c := memory.New()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))

	var got string
	require.NoError(t, c.Get(ctx, "k", &got))
	require.Equal(t, "v", got)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Get(ctx, "k", &got), "a ttl of 0 must mean no expiration, per the Cache contract")
}

func TestSetWithPositiveTTLExpires(t *testing.T) {
	c := memory.New()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 5*time.Millisecond))

	time.Sleep(20 * time.Millisecond)

	var got string
	require.Error(t, c.Get(ctx, "k", &got))
}

func TestIncrPreservesNoExpirationForNewKey(t *testing.T) {
	c := memory.New()
	ctx := context.Background()

	val, err := c.Incr(ctx, "counter", 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, val)

	time.Sleep(10 * time.Millisecond)
	val, err = c.Incr(ctx, "counter", 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, val)
}
