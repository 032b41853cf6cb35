// Command chatd runs a cluster of chat replicas in one process, grounded on
// original_source/main.py's initialize_server_nodes and
// setup_command_parameters, and on the teacher's cmd/server/main.go for
// flag parsing and graceful shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"chatcluster/internal/model"
	"chatcluster/internal/replica"
)

func main() {
	numServers := pflag.Int("num_servers", 2, "number of replicas to run in this process")
	startServerPort := pflag.Int("start_server_port", 50000, "first client-facing port; replica i listens on start_server_port+i")
	startInternalPort := pflag.Int("start_internal_port", 60000, "first internal peer port; replica i listens on start_internal_port+i")
	startMetricsPort := pflag.Int("start_metrics_port", 9090, "first debug /metrics port; replica i listens on start_metrics_port+i (0 disables it)")
	host := pflag.String("host", "localhost", "host/address every replica binds and advertises")
	dataDir := pflag.String("data-dir", "./data", "directory for per-replica durable shards")
	internalOtherServers := pflag.String("internal_other_servers", "localhost", "comma-separated list of candidate peer hosts (§4.F)")
	internalOtherPorts := pflag.String("internal_other_ports", "60000", "comma-separated list of candidate starting ports, one per internal_other_servers entry")
	internalMaxPorts := pflag.String("internal_max_ports", "10", "comma-separated list of candidate port-range sizes, one per internal_other_servers entry")
	debug := pflag.Bool("debug", false, "enable debug-level logging")
	pflag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).With().Timestamp().Logger()

	if *numServers <= 0 {
		logger.Fatal().Msg("num_servers must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	candidates, err := candidateEndpoints(*internalOtherServers, *internalOtherPorts, *internalMaxPorts)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse candidate peer flags")
	}

	replicas, err := bootReplicas(*numServers, *startServerPort, *startInternalPort, *startMetricsPort, *host, *dataDir, candidates, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("boot replicas")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range replicas {
		r := r
		g.Go(func() error { return r.Run(gctx) })
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("replica exited")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}

// bootReplicas builds one replica.Replica per index in [0, num), each
// advertising its own host:start_internal_port+i (§6) and treating every
// entry of the shared candidates set other than its own endpoint as a peer
// to dial (§4.F). Because candidates is the Cartesian product computed from
// internal_other_servers/internal_other_ports/internal_max_ports, a cluster
// spread across multiple chatd processes needs only that one flag triple to
// agree across processes for every replica to discover every other one.
// startMetricsPort of 0 disables every replica's debug /metrics listener
// (SPEC_FULL.md DOMAIN STACK); otherwise replica i serves it on
// startMetricsPort+i alongside its client and internal ports.
func bootReplicas(num, startClientPort, startInternalPort, startMetricsPort int, host, dataDir string, candidates []string, logger zerolog.Logger) ([]*replica.Replica, error) {
	replicas := make([]*replica.Replica, 0, num)
	for i := 0; i < num; i++ {
		id := strconv.Itoa(i)
		internalPort := startInternalPort + i
		self := model.JoinHostPort(host, internalPort)

		peers := make([]string, 0, len(candidates))
		for _, cand := range candidates {
			if cand != self {
				peers = append(peers, cand)
			}
		}

		metricsPort := 0
		if startMetricsPort > 0 {
			metricsPort = startMetricsPort + i
		}

		r, err := replica.New(replica.Config{
			ID:            id,
			Host:          host,
			ClientPort:    startClientPort + i,
			InternalPort:  internalPort,
			MetricsPort:   metricsPort,
			PeerEndpoints: peers,
			DataDir:       dataDir,
		}, logger)
		if err != nil {
			return nil, err
		}
		replicas = append(replicas, r)
	}
	return replicas, nil
}

// candidateEndpoints computes the full candidate peer set (§4.F): the
// Cartesian product of internal_other_servers' hosts and, per host, the
// port range [internal_other_ports[i], internal_other_ports[i]+internal_max_ports[i]).
// Ported from original_source/handle_servers.py's ServerCoordinator.__init__,
// which builds the identical available_endpoints list from the same three
// comma-separated CLI settings (original_source/main.py's
// setup_command_parameters).
func candidateEndpoints(hostsCSV, startPortsCSV, maxPortsCSV string) ([]string, error) {
	hosts := strings.Split(hostsCSV, ",")
	startPorts, err := splitInts(startPortsCSV)
	if err != nil {
		return nil, fmt.Errorf("internal_other_ports: %w", err)
	}
	maxPorts, err := splitInts(maxPortsCSV)
	if err != nil {
		return nil, fmt.Errorf("internal_max_ports: %w", err)
	}

	var out []string
	for i, h := range hosts {
		h = strings.TrimSpace(h)
		start := startPorts[i%len(startPorts)]
		count := maxPorts[i%len(maxPorts)]
		for p := start; p < start+count; p++ {
			out = append(out, model.JoinHostPort(h, p))
		}
	}
	return out, nil
}

func splitInts(csv string) ([]int, error) {
	parts := strings.Split(csv, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
