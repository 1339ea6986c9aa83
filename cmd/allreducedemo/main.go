// Command allreducedemo drives one of the collective's end-to-end
// scenarios over the in-memory transport and prints the per-rank result.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/urfave/cli.v1"

	"github.com/vtgo/allreduce/allreducecfg"
	"github.com/vtgo/allreduce/allreducelog"
	"github.com/vtgo/allreduce/pset"
	"github.com/vtgo/allreduce/reduce"
	"github.com/vtgo/allreduce/transport"
)

var scenarioFlag = cli.StringFlag{
	Name:  "scenario",
	Usage: "scalar-sum-4 | scalar-max-3 | vector-sum-4 | excluded-subgroup",
	Value: "scalar-sum-4",
}

func main() {
	app := cli.NewApp()
	app.Name = "allreducedemo"
	app.Usage = "run an allreduce scenario over an in-memory transport"
	app.Flags = append([]cli.Flag{scenarioFlag}, allreducecfg.Flags...)
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := allreducecfg.FromCLI(ctx)
	if err != nil {
		return err
	}
	lvl, err := allreducelog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := allreducelog.New(os.Stdout, lvl)

	switch ctx.String("scenario") {
	case "scalar-sum-4":
		return runScalarSum4(cfg, log)
	case "scalar-max-3":
		return runScalarMax3(cfg, log)
	case "vector-sum-4":
		return runVectorSum4(cfg, log)
	case "excluded-subgroup":
		return runExcludedSubgroup(cfg, log)
	default:
		return fmt.Errorf("unknown scenario %q", ctx.String("scenario"))
	}
}

func ranks(n int) []pset.Rank {
	out := make([]pset.Rank, n)
	for i := range out {
		out[i] = pset.Rank(i)
	}
	return out
}

// runScalarSum4 has each rank contribute its own index; every rank must
// see 6 (0+1+2+3).
func runScalarSum4(cfg allreducecfg.Config, log allreducelog.Logger) error {
	rs := ranks(4)
	net := transport.NewNetwork(rs)
	key := pset.Key{Kind: pset.Collection, ID: 1}

	results := make(map[pset.Rank]int64)
	for _, r := range rs {
		local := pset.NewSet(key, rs, r, true)
		d := reduce.NewDispatcher(net, r, cfg, log)
		r := r
		if err := reduce.Allreduce[int64](d, local, reduce.Sum[int64](), reduce.Int64Codec{}, []int64{int64(r)}, func(v []int64) {
			results[r] = v[0]
		}); err != nil {
			return err
		}
	}

	if err := net.RunAllUntilIdle(context.Background()); err != nil {
		return err
	}
	printResults(rs, func(r pset.Rank) string { return fmt.Sprintf("%d", results[r]) })
	return nil
}

// runScalarMax3 runs a non-power-of-two (P=3) max reduction; every rank
// must see 175.
func runScalarMax3(cfg allreducecfg.Config, log allreducelog.Logger) error {
	rs := ranks(3)
	net := transport.NewNetwork(rs)
	key := pset.Key{Kind: pset.Collection, ID: 1}
	inputs := map[pset.Rank]int64{0: 100, 1: 175, 2: 50}

	results := make(map[pset.Rank]int64)
	for _, r := range rs {
		local := pset.NewSet(key, rs, r, true)
		d := reduce.NewDispatcher(net, r, cfg, log)
		r := r
		if err := reduce.Allreduce[int64](d, local, reduce.Max[int64](), reduce.Int64Codec{}, []int64{inputs[r]}, func(v []int64) {
			results[r] = v[0]
		}); err != nil {
			return err
		}
	}

	if err := net.RunAllUntilIdle(context.Background()); err != nil {
		return err
	}
	printResults(rs, func(r pset.Rank) string { return fmt.Sprintf("%d", results[r]) })
	return nil
}

// runVectorSum4 runs a 100-element vector sum; rank r contributes a
// vector filled with r, every element must equal 6.
func runVectorSum4(cfg allreducecfg.Config, log allreducelog.Logger) error {
	rs := ranks(4)
	net := transport.NewNetwork(rs)
	key := pset.Key{Kind: pset.Collection, ID: 1}

	results := make(map[pset.Rank][]int64)
	for _, r := range rs {
		local := pset.NewSet(key, rs, r, true)
		d := reduce.NewDispatcher(net, r, cfg, log)
		payload := make([]int64, 100)
		for i := range payload {
			payload[i] = int64(r)
		}
		r := r
		if err := reduce.Allreduce[int64](d, local, reduce.Sum[int64](), reduce.Int64Codec{}, payload, func(v []int64) {
			results[r] = v
		}); err != nil {
			return err
		}
	}

	if err := net.RunAllUntilIdle(context.Background()); err != nil {
		return err
	}
	printResults(rs, func(r pset.Rank) string { return fmt.Sprintf("%d (x100)", results[r][0]) })
	return nil
}

// runExcludedSubgroup runs a subgroup that excludes rank 0; rank 0 must
// never receive a callback, every member must.
func runExcludedSubgroup(cfg allreducecfg.Config, log allreducelog.Logger) error {
	all := ranks(4)
	net := transport.NewNetwork(all)
	subgroupRanks := []pset.Rank{1, 2, 3}
	key := pset.Key{Kind: pset.Subgroup, ID: 1}

	results := make(map[pset.Rank]int64)
	for _, r := range subgroupRanks {
		local := pset.NewSet(key, subgroupRanks, r, false)
		d := reduce.NewDispatcher(net, r, cfg, log)
		r := r
		if err := reduce.Allreduce[int64](d, local, reduce.Sum[int64](), reduce.Int64Codec{}, []int64{int64(r)}, func(v []int64) {
			results[r] = v[0]
		}); err != nil {
			return err
		}
	}

	if err := net.RunAllUntilIdle(context.Background()); err != nil {
		return err
	}
	printResults(all, func(r pset.Rank) string {
		v, ok := results[r]
		if !ok {
			return "(excluded)"
		}
		return fmt.Sprintf("%d", v)
	})
	return nil
}

func printResults(rs []pset.Rank, value func(pset.Rank) string) {
	sorted := append([]pset.Rank(nil), rs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"rank", "result"})
	for _, r := range sorted {
		table.Append([]string{fmt.Sprintf("%d", r), value(r)})
	}
	table.Render()
}
