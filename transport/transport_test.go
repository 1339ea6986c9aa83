package transport_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vtgo/allreduce/pset"
	"github.com/vtgo/allreduce/transport"
)

func TestSendDeliversToRegisteredHandler(t *testing.T) {
	net := transport.NewNetwork([]pset.Rank{0, 1})
	var got []byte
	var src pset.Rank
	net.Endpoint(1).Register("greet", func(s pset.Rank, payload []byte) {
		src = s
		got = payload
	})

	require.NoError(t, net.Endpoint(0).Send(1, "greet", []byte("hi")))
	require.NoError(t, net.Endpoint(1).RunUntilIdle(context.Background()))

	require.Equal(t, pset.Rank(0), src)
	require.Equal(t, []byte("hi"), got)
}

func TestSendToUnknownRankErrors(t *testing.T) {
	net := transport.NewNetwork([]pset.Rank{0})
	err := net.Endpoint(0).Send(99, "tag", nil)
	require.Error(t, err)
}

func TestRunUntilIdleErrorsOnUnregisteredTag(t *testing.T) {
	net := transport.NewNetwork([]pset.Rank{0, 1})
	require.NoError(t, net.Endpoint(0).Send(1, "unknown", nil))
	err := net.Endpoint(1).RunUntilIdle(context.Background())
	require.Error(t, err)
}

// TestRunAllUntilIdlePropagatesMultiHop exercises the round-by-round
// interleaving RunAllUntilIdle does: rank 1's handler, on receiving from
// rank 0, forwards to rank 2, which must still be observed in the same
// RunAllUntilIdle call.
func TestRunAllUntilIdlePropagatesMultiHop(t *testing.T) {
	net := transport.NewNetwork([]pset.Rank{0, 1, 2})
	received := make(chan pset.Rank, 1)

	net.Endpoint(1).Register("hop", func(src pset.Rank, payload []byte) {
		require.NoError(t, net.Endpoint(1).Send(2, "hop", payload))
	})
	net.Endpoint(2).Register("hop", func(src pset.Rank, payload []byte) {
		received <- src
	})

	require.NoError(t, net.Endpoint(0).Send(1, "hop", []byte("x")))
	require.NoError(t, net.RunAllUntilIdle(context.Background()))

	select {
	case src := <-received:
		require.Equal(t, pset.Rank(1), src)
	default:
		t.Fatal("rank 2 never received the forwarded message")
	}
}
