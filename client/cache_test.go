package client

import (
	"context"
	"testing"

	"github.com/CefBoud/monpost/protocol"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheDiscoversOnce(t *testing.T) {
	as := assert.New(t)
	b := startBroker(t)
	dialer := &countingDialer{}
	cache, err := NewCache(b.Self().String(), 16, dialer.dial, hclog.NewNullLogger())
	require.NoError(t, err)
	ctx := context.Background()

	owner, err := cache.Get(ctx, "news")
	require.NoError(t, err)
	as.Equal(b.Self(), owner)
	_, err = cache.Get(ctx, "news")
	require.NoError(t, err)
	as.Equal(1, dialer.count())
	as.Equal(1, cache.Len())

	cache.Invalidate("news")
	as.Equal(0, cache.Len())
	_, err = cache.Get(ctx, "news")
	require.NoError(t, err)
	as.Equal(2, dialer.count())
}

func TestCacheIsBounded(t *testing.T) {
	b := startBroker(t)
	dialer := &countingDialer{}
	cache, err := NewCache(b.Self().String(), 2, dialer.dial, hclog.NewNullLogger())
	require.NoError(t, err)
	for _, topic := range []string{"a", "b", "c"} {
		_, err := cache.Get(context.Background(), topic)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, cache.Len())
}

func TestCacheDiscoveryFailureIsRetriable(t *testing.T) {
	b := startBroker(t)
	addr := b.Self().String()
	require.NoError(t, b.Shutdown())

	dialer := &countingDialer{}
	cache, err := NewCache(addr, 16, dialer.dial, hclog.NewNullLogger())
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), "news")
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrBrokerNotAvailable)
	assert.True(t, protocol.IsRetriable(err))
	assert.Equal(t, 0, cache.Len())
}
