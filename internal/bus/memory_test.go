package bus_test

import (
	"sync"
	"testing"
	"time"

	"github.com/mdakk072/scrapperManager/internal/bus"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMemoryPubSub(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := t.Context()
	m := bus.NewMemory()

	endpoint, err := m.Allocate(ctx)
	require.NoError(t, err)
	other, err := m.Allocate(ctx)
	require.NoError(t, err)
	require.NotEqual(t, endpoint, other)

	pub, err := m.Publish(ctx, endpoint)
	require.NoError(t, err)
	_, err = m.Publish(ctx, endpoint)
	require.ErrorIs(t, err, bus.ErrAddressInUse)

	// published before anybody listens: dropped
	require.NoError(t, pub.Publish(ctx, "lost"))

	sub, err := m.Subscribe(ctx, endpoint)
	require.NoError(t, err)
	require.Equal(t, 1, m.Subscribers(endpoint))

	t.Run("timeout", func(t *testing.T) {
		_, ok, err := sub.Recv(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("drain", func(t *testing.T) {
		for _, msg := range []string{"one", "two", "three"} {
			require.NoError(t, pub.Publish(ctx, msg))
		}
		var got []string
		for {
			msg, ok, err := sub.Recv(ctx, 10*time.Millisecond)
			require.NoError(t, err)
			if !ok {
				break
			}
			got = append(got, msg)
		}
		require.Equal(t, []string{"one", "two", "three"}, got)
	})

	t.Run("close", func(t *testing.T) {
		require.NoError(t, sub.Close())
		require.ErrorIs(t, sub.Close(), bus.ErrClosed)
		require.Zero(t, m.Subscribers(endpoint))
		_, _, err := sub.Recv(ctx, time.Millisecond)
		require.ErrorIs(t, err, bus.ErrClosed)
	})

	require.NoError(t, pub.Close())
	require.ErrorIs(t, pub.Publish(ctx, "x"), bus.ErrClosed)
	// endpoint can be bound again
	pub, err = m.Publish(ctx, endpoint)
	require.NoError(t, err)
	require.NoError(t, pub.Close())
}

func TestMemoryRequestReply(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := t.Context()
	m := bus.NewMemory()

	req, err := m.Request(ctx, "mem://control")
	require.NoError(t, err)
	_, err = req.Request(ctx, "ping", 10*time.Millisecond)
	require.ErrorIs(t, err, bus.ErrNotBound)

	rep, err := m.Reply(ctx, "mem://control")
	require.NoError(t, err)
	require.Error(t, rep.Reply(ctx, "nobody asked"))

	var wg sync.WaitGroup
	var recvErr, replyErr error
	wg.Go(func() {
		var msg string
		msg, _, recvErr = rep.Recv(ctx, time.Second)
		replyErr = rep.Reply(ctx, "pong:"+msg)
	})

	reply, err := req.Request(ctx, "ping", time.Second)
	wg.Wait()
	require.NoError(t, err)
	require.NoError(t, recvErr)
	require.NoError(t, replyErr)
	require.Equal(t, "pong:ping", reply)

	t.Run("no reply", func(t *testing.T) {
		_, err := req.Request(ctx, "ping", 20*time.Millisecond)
		require.ErrorIs(t, err, bus.ErrNoReply)
	})

	require.NoError(t, rep.Close())
	require.NoError(t, req.Close())
}
