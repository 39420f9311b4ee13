// Package cli provides the command-line interface for the trace replayer.
// It wires configuration from flags, REPLAY_* environment variables and an
// optional config file, loads the trace files, derives the cross-process
// schedule and runs it against a fresh store the requested number of
// times.
//
// Configuration precedence (highest to lowest):
//  1. Command-line flags
//  2. Environment variables (REPLAY_ prefix)
//  3. Configuration file values
//  4. Default values
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"replay.evalgo.org/common"
	"replay.evalgo.org/config"
	"replay.evalgo.org/runtime"
	"replay.evalgo.org/schedule"
	"replay.evalgo.org/store"
	"replay.evalgo.org/trace"
)

// cfgFile holds the path to the configuration file specified via the
// --config flag. When empty, $HOME/.replay.yaml and ./.replay.yaml are
// searched.
var cfgFile string

// RootCmd is the replay command. The first argument is the store file to
// act on, every further argument one trace file; each trace gets its own
// worker.
var RootCmd = &cobra.Command{
	Use:   "replay [flags] <store-path> <trace-file>...",
	Short: "deterministically replay captured store traces in parallel",
	Long: `Replay reconstructs a single execution from per-process trace files of
operations against an embedded key/value store. The inter-process order is
inferred purely from recorded return values and sequence numbers; the
reconstructed schedule then runs against a fresh store with one worker per
trace, and the wall-clock time of the replay is reported.

With a single trace file the replay runs in-process without a worker
fleet, which keeps debugging simple.`,
	Args:          cobra.MinimumNArgs(2),
	RunE:          runReplay,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	env := config.NewEnvConfig("REPLAY")

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $HOME/.replay.yaml)")
	RootCmd.Flags().BoolP("quiet", "q", env.GetBool("quiet", false),
		"suppress progress output, print only timing and errors")
	RootCmd.Flags().IntP("runs", "n", env.GetInt("runs", 1),
		"number of replay runs")
	RootCmd.Flags().Duration("deadlock-timeout",
		env.GetDuration("deadlock_timeout", 10*time.Second),
		"how long a worker waits on a dependency before declaring deadlock")
	RootCmd.Flags().Duration("backoff-timeout",
		env.GetDuration("backoff_timeout", 2*time.Second),
		"how long a worker inside a traversal waits before backing off")

	viper.BindPFlag("quiet", RootCmd.Flags().Lookup("quiet"))
	viper.BindPFlag("runs", RootCmd.Flags().Lookup("runs"))
	viper.BindPFlag("deadlock_timeout", RootCmd.Flags().Lookup("deadlock-timeout"))
	viper.BindPFlag("backoff_timeout", RootCmd.Flags().Lookup("backoff-timeout"))
}

// initConfig loads the optional configuration file and enables REPLAY_*
// environment variable mapping.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".replay")
	}

	viper.SetEnvPrefix("REPLAY")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func runReplay(cmd *cobra.Command, args []string) error {
	quiet := viper.GetBool("quiet")
	common.SetQuiet(quiet)

	storePath := args[0]
	traceNames := args[1:]

	files := make([]*trace.File, 0, len(traceNames))
	totalOps := 0
	for _, name := range traceNames {
		f, err := trace.Load(name)
		if err != nil {
			return err
		}
		files = append(files, f)
		totalOps += len(f.Ops) - 1
	}
	common.Logger.Infof("loaded %s ops from %d tracefile(s)",
		humanize.Comma(int64(totalOps)), len(files))

	common.Logger.Info("calculating inter-dependencies...")
	master := store.NewMemory()
	graph, err := schedule.Build(files, master)
	if err != nil {
		return err
	}
	common.Logger.Infof("derived %s dependencies, %d seed record(s)",
		humanize.Comma(int64(graph.NumEdges())), master.Len())

	st, err := store.Open(storePath, store.Options{NoSync: true})
	if err != nil {
		return err
	}
	defer st.Close()

	cfg := runtime.Config{
		DeadlockTimeout: viper.GetDuration("deadlock_timeout"),
		BackoffTimeout:  viper.GetDuration("backoff_timeout"),
	}
	rep := runtime.New(files, graph, st, master, cfg)

	runs := viper.GetInt("runs")
	for i := 0; i < runs; i++ {
		elapsed, err := rep.Run()
		if err != nil {
			return err
		}
		if !quiet {
			fmt.Print("Time replaying: ")
		}
		fmt.Printf("%d usec\n", elapsed.Microseconds())
	}
	return nil
}
