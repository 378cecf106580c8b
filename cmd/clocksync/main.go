package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/malbeclabs/clocksync/internal/agent"
	"github.com/malbeclabs/clocksync/internal/clock"
	"github.com/malbeclabs/clocksync/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultListenPort           = 3004
	defaultProbeInterval        = 1 * time.Second
	defaultProbeTimeout         = 500 * time.Millisecond
	defaultTickInterval         = 100 * time.Millisecond
	defaultPeersRefreshInterval = 10 * time.Second
	defaultResponderTimeout     = 1 * time.Second
	defaultSenderTTL            = 5 * time.Minute
)

var (
	replica              = flag.Uint("replica", 0, "The index of this replica within the cluster.")
	replicaCount         = flag.Uint("replica-count", 0, "The total number of replicas in the cluster.")
	listenPort           = flag.Uint("listen-port", defaultListenPort, "The UDP port to answer clock probes on.")
	peerList             = flag.String("peers", "", "Comma-separated replica=host:port list for the whole cluster, e.g. '0=10.0.0.1:3004,1=10.0.0.2:3004'.")
	probeInterval        = flag.Duration("probe-interval", defaultProbeInterval, "The interval to probe peers.")
	probeTimeout         = flag.Duration("probe-timeout", defaultProbeTimeout, "The timeout for a single probe.")
	tickInterval         = flag.Duration("tick-interval", defaultTickInterval, "The interval to run the synchronizer tick.")
	peersRefreshInterval = flag.Duration("peers-refresh-interval", defaultPeersRefreshInterval, "The interval to re-resolve peer addresses.")
	responderTimeout     = flag.Duration("responder-timeout", defaultResponderTimeout, "The socket timeout for the probe responder.")
	senderTTL            = flag.Duration("sender-ttl", defaultSenderTTL, "The time to live for a sender instance until it's recreated.")
	offsetToleranceMax   = flag.Duration("offset-tolerance-max", clock.DefaultOffsetToleranceMax, "The initial per-source slack of the agreement search.")
	epochMax             = flag.Duration("epoch-max", clock.DefaultEpochMax, "The maximum age of a synchronized epoch before it is discarded.")
	windowMin            = flag.Duration("window-min", clock.DefaultWindowMin, "The minimum observation time before a synchronization attempt.")
	windowMax            = flag.Duration("window-max", clock.DefaultWindowMax, "The maximum age of a synchronization window before it is discarded.")
	verbose              = flag.Bool("verbose", false, "Enable verbose logging.")
	showVersion          = flag.Bool("version", false, "Print the version of clocksync and exit.")
	metricsEnable        = flag.Bool("metrics-enable", false, "Enable prometheus metrics.")
	metricsAddr          = flag.String("metrics-addr", ":8080", "Address to listen on for prometheus metrics.")

	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel,
		TimeFormat: time.RFC3339,
	}))

	// Validate required flags.
	if *replicaCount == 0 || *replicaCount > 255 {
		log.Error("replica-count must be between 1 and 255")
		os.Exit(1)
	}
	if *replica >= *replicaCount {
		log.Error("replica must be less than replica-count")
		os.Exit(1)
	}
	if *listenPort > 65535 {
		log.Error("listen-port must be a valid UDP port")
		os.Exit(1)
	}
	if *peerList == "" {
		log.Error("peers is required")
		os.Exit(1)
	}
	peers, err := agent.ParsePeers(*peerList)
	if err != nil {
		log.Error("Failed to parse peers", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *metricsEnable {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			log.Info("Starting metrics server", "addr", *metricsAddr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			server := &http.Server{Addr: *metricsAddr, Handler: mux}
			go func() {
				<-ctx.Done()
				_ = server.Close()
			}()
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Failed to run metrics server", "error", err)
			}
		}()
	}

	runner, err := agent.New(log, agent.Config{
		ReplicaCount:         uint8(*replicaCount),
		Replica:              uint8(*replica),
		ListenPort:           uint16(*listenPort),
		Peers:                peers,
		ProbeInterval:        *probeInterval,
		ProbeTimeout:         *probeTimeout,
		TickInterval:         *tickInterval,
		PeersRefreshInterval: *peersRefreshInterval,
		ResponderTimeout:     *responderTimeout,
		SenderTTL:            *senderTTL,
		OffsetToleranceMax:   *offsetToleranceMax,
		EpochMax:             *epochMax,
		WindowMin:            *windowMin,
		WindowMax:            *windowMax,
	})
	if err != nil {
		log.Error("Failed to create agent", "error", err)
		os.Exit(1)
	}

	if err := runner.Run(ctx); err != nil {
		log.Error("Agent exited with error", "error", err)
		os.Exit(1)
	}
}
