package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/lmittmann/tint"
	"github.com/malbeclabs/clocksync/internal/clock"
	"github.com/malbeclabs/clocksync/internal/sim"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func main() {
	var (
		replicas  uint8
		ticks     int
		seed      int64
		verbose   bool
		liars     uint8
		latency   time.Duration
		jitter    time.Duration
		maxOffset time.Duration
	)

	rootCmd := &cobra.Command{
		Use:   "clocksync-sim",
		Short: "Deterministic in-process simulation of a clock synchronization cluster.",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(verbose)

			cluster, err := sim.New(log, sim.Config{
				Replicas:   replicas,
				Ticks:      ticks,
				Resolution: time.Second,
				Latency:    latency,
				Jitter:     jitter,
				MaxOffset:  maxOffset,
				Liars:      liars,
				Seed:       seed,
			})
			if err != nil {
				return fmt.Errorf("failed to create cluster: %w", err)
			}

			cluster.Run()
			printStatus(cluster.Status(), ticks)
			return nil
		},
	}

	rootCmd.Flags().Uint8Var(&replicas, "replicas", 3, "Number of replicas in the cluster")
	rootCmd.Flags().IntVar(&ticks, "ticks", 30, "Number of one-second ticks to simulate")
	rootCmd.Flags().Int64Var(&seed, "seed", 0, "Random seed; the same seed reproduces the same run")
	rootCmd.Flags().Uint8Var(&liars, "liars", 0, "Number of replicas with wildly wrong clocks")
	rootCmd.Flags().DurationVar(&latency, "latency", 5*time.Millisecond, "Base one-way network delay")
	rootCmd.Flags().DurationVar(&jitter, "jitter", 2*time.Millisecond, "Maximum random delay added per one-way leg")
	rootCmd.Flags().DurationVar(&maxOffset, "max-offset", 100*time.Millisecond, "Maximum random wall-clock error per replica")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "set debug logging level")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

func printStatus(statuses []sim.ReplicaStatus, ticks int) {
	fmt.Printf("Simulated %d ticks of 1s\n", ticks)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader([]string{"Replica", "Clock Error", "Liar", "Synchronized", "Cluster Time", "Error vs Reference"})

	for _, s := range statuses {
		row := []string{
			strconv.Itoa(int(s.Replica)),
			clock.SignedDuration(int64(s.Offset)),
			strconv.FormatBool(s.Liar),
			strconv.FormatBool(s.Synchronized),
			"-",
			"-",
		}
		if s.Synchronized {
			row[4] = time.Unix(0, s.Time).UTC().Format(time.RFC3339Nano)
			row[5] = clock.SignedDuration(int64(s.Error))
		}
		table.Append(row)
	}
	table.Render()
}
