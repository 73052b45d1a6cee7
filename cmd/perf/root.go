package perf

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/ValentinKolb/dGC/cmd/util"
	"github.com/ValentinKolb/dGC/lib/backup"
	"github.com/ValentinKolb/dGC/lib/cluster"
	"github.com/ValentinKolb/dGC/lib/comm"
	"github.com/ValentinKolb/dGC/lib/grid"
	"github.com/ValentinKolb/dGC/lib/logging"
	"github.com/ValentinKolb/dGC/lib/msg"
	"github.com/ValentinKolb/dGC/lib/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	PerfCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for the grid cache",
		Long:    util.WrapString("Starts an in-process cluster of cache nodes connected by the mesh transport and benchmarks the core operations against it."),
		PreRunE: processPerfConfig,
		RunE:    run,
	}

	perfNumNodes  = 3
	perfValueSize = 64
	perfKeySpread = 100
	perfSkip      = make([]string, 0)
	perfCSVPath   = ""
	perfLogLevel  = "error"
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	key := "nodes"
	PerfCmd.Flags().Int(key, 3, util.WrapString("Number of cache nodes to start"))
	key = "value-size"
	PerfCmd.Flags().Int(key, 64, util.WrapString("Size of the values written by the benchmarks (in bytes)"))
	key = "keys"
	PerfCmd.Flags().Int(key, 100, util.WrapString("How many different lines to spread the operations over"))
	key = "skip"
	PerfCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. put,get-remote)"))
	key = "csv"
	PerfCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
	key = "log-level"
	PerfCmd.Flags().String(key, "error", util.WrapString("Log level during the benchmark (debug, info, warn, error)"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfNumNodes = viper.GetInt("nodes")
	perfValueSize = viper.GetInt("value-size")
	perfKeySpread = viper.GetInt("keys")
	perfSkip = strings.Split(viper.GetString("skip"), ",")
	perfCSVPath = viper.GetString("csv")
	perfLogLevel = viper.GetString("log-level")

	if perfNumNodes < 2 {
		return fmt.Errorf("need at least 2 nodes, got %d", perfNumNodes)
	}
	if perfValueSize > grid.DefaultConfig().MaxItemSize {
		return fmt.Errorf("value size %d exceeds max item size %d", perfValueSize, grid.DefaultConfig().MaxItemSize)
	}
	return nil
}

func shouldSkip(name string) bool {
	for _, s := range perfSkip {
		if strings.TrimSpace(s) == name {
			return true
		}
	}
	return false
}

// buildCluster starts an in-process mesh of cache nodes.
func buildCluster(n int) ([]*grid.Cache, error) {
	mesh := comm.NewMesh()
	members := make([]msg.NodeID, 0, n)
	for i := 1; i <= n; i++ {
		members = append(members, msg.NodeID(i))
	}

	caches := make([]*grid.Cache, 0, n)
	for i := 1; i <= n; i++ {
		id := msg.NodeID(i)
		cl := cluster.NewStatic(id, members, false, true)
		// disjoint id ranges per node
		refs := grid.NewLocalAllocatorAt(grid.MaxReservedID + 1 + int64(i)*(1<<32))

		c, err := grid.New(
			fmt.Sprintf("node-%d", i),
			grid.DefaultConfig(),
			cl,
			mesh.Join(id),
			storage.NewHeapStorage(),
			backup.NewNoop(),
			refs,
			grid.NewMetricsMonitor(fmt.Sprintf("node-%d", i)),
		)
		if err != nil {
			return nil, err
		}
		caches = append(caches, c)
	}
	return caches, nil
}

func run(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for the grid cache")
	fmt.Println()
	fmt.Printf("Nodes:      %d\n", perfNumNodes)
	fmt.Printf("Value size: %d bytes\n", perfValueSize)
	fmt.Printf("Lines:      %d\n", perfKeySpread)
	fmt.Println()

	if err := logging.InitLoggers(perfLogLevel); err != nil {
		return err
	}

	caches, err := buildCluster(perfNumNodes)
	if err != nil {
		return err
	}
	owner, peer := caches[0], caches[1]

	value := make([]byte, perfValueSize)
	for i := range value {
		value[i] = byte(i)
	}

	// pre-populate the shared lines
	ids := make([]int64, perfKeySpread)
	for i := range ids {
		id, err := owner.Put(value, nil)
		if err != nil {
			return err
		}
		owner.Release(id)
		ids[i] = id
	}

	results := make(map[string]testing.BenchmarkResult)

	fmt.Println("starting benchmarks...")

	if !shouldSkip("put") {
		results["put"] = testing.Benchmark(func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				id, err := owner.Put(value, nil)
				if err != nil {
					b.Fatal(err)
				}
				owner.Release(id)
			}
		})
	}

	if !shouldSkip("get-local") {
		results["get-local"] = testing.Benchmark(func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if _, err := owner.Get(ids[i%len(ids)]); err != nil {
					b.Fatal(err)
				}
			}
		})
	}

	if !shouldSkip("get-remote") {
		results["get-remote"] = testing.Benchmark(func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if _, err := peer.Get(ids[i%len(ids)]); err != nil {
					b.Fatal(err)
				}
			}
		})
	}

	if !shouldSkip("set") {
		results["set"] = testing.Benchmark(func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				value[0] = byte(i) // defeat compare-before-write
				if err := owner.Set(ids[i%len(ids)], value, nil); err != nil {
					b.Fatal(err)
				}
			}
		})
	}

	if !shouldSkip("getx-pingpong") {
		results["getx-pingpong"] = testing.Benchmark(func(b *testing.B) {
			id := ids[0]
			nodes := []*grid.Cache{owner, peer}
			for i := 0; i < b.N; i++ {
				c := nodes[i%2]
				if _, err := c.GetX(id, nil); err != nil {
					b.Fatal(err)
				}
				c.Release(id)
			}
		})
	}

	// print results
	fmt.Println()
	fmt.Printf("%-16s %12s %14s\n", "benchmark", "iterations", "ns/op")
	for name, res := range results {
		fmt.Printf("%-16s %12d %14.1f\n", name, res.N, float64(res.T.Nanoseconds())/float64(res.N))
	}

	if perfCSVPath != "" {
		return writeCSV(perfCSVPath, results)
	}
	return nil
}

func writeCSV(path string, results map[string]testing.BenchmarkResult) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"benchmark", "iterations", "ns_per_op"}); err != nil {
		return err
	}
	for name, res := range results {
		record := []string{
			name,
			fmt.Sprintf("%d", res.N),
			fmt.Sprintf("%.1f", float64(res.T.Nanoseconds())/float64(res.N)),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return nil
}
