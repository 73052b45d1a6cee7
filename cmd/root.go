package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dGC/cmd/perf"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dgc",
		Short: "distributed grid cache",
		Long: fmt.Sprintf(`dGC (v%s)

A distributed shared object cache for peer-to-peer clusters.
Every node caches variable-size items identified by 64-bit ids;
the cluster keeps them coherent with a directory-based MOESI
protocol over an asynchronous message fabric.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dGC",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dGC v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(perf.PerfCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
