package reduce_test

import (
	"context"
	"sync"
	"testing"

	"github.com/davecgh/go-spew/spew"

	"github.com/vtgo/allreduce/allreducecfg"
	"github.com/vtgo/allreduce/allreducelog"
	"github.com/vtgo/allreduce/pset"
	"github.com/vtgo/allreduce/reduce"
	"github.com/vtgo/allreduce/transport"
)

// cluster wires one reduce.Dispatcher per rank over a shared in-memory
// transport.Network, the harness every scenario test in this package builds
// on.
type cluster struct {
	t   *testing.T
	net *transport.Network
	cfg allreducecfg.Config
	ds  map[pset.Rank]*reduce.Dispatcher
}

func newCluster(t *testing.T, allRanks []pset.Rank, cfg allreducecfg.Config) *cluster {
	net := transport.NewNetwork(allRanks)
	c := &cluster{t: t, net: net, cfg: cfg, ds: make(map[pset.Rank]*reduce.Dispatcher)}
	for _, r := range allRanks {
		c.ds[r] = reduce.NewDispatcher(net, r, cfg, allreducelog.Default)
	}
	return c
}

func (c *cluster) dispatcher(r pset.Rank) *reduce.Dispatcher {
	return c.ds[r]
}

func (c *cluster) drain() {
	c.t.Helper()
	if err := c.net.RunAllUntilIdle(context.Background()); err != nil {
		c.t.Fatalf("RunAllUntilIdle: %v", err)
	}
}

func collectInt64(results *sync.Map) map[pset.Rank][]int64 {
	out := make(map[pset.Rank][]int64)
	results.Range(func(k, v any) bool {
		out[k.(pset.Rank)] = v.([]int64)
		return true
	})
	return out
}

// dumpOnFailure registers a cleanup that spews got's contents once the test
// has already failed, so a scenario mismatch shows the full per-rank result
// set rather than just whichever require.Equal happened to report first.
func dumpOnFailure(t *testing.T, got map[pset.Rank][]int64) {
	t.Helper()
	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("per-rank results:\n%s", spew.Sdump(got))
		}
	})
}

func ranksUpTo(n int) []pset.Rank {
	out := make([]pset.Rank, n)
	for i := range out {
		out[i] = pset.Rank(i)
	}
	return out
}

func defaultCfg() allreducecfg.Config {
	return allreducecfg.Default()
}
