// Package replica wires one replica's Durable Store, State Container,
// Request Engine, and cluster Manager together and runs them, grounded on
// original_source/main.py's initialize_server_nodes: one node per configured
// server index, each with its own client port, internal port, and data
// files, all running inside the same process.
package replica

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chatcluster/internal/cluster"
	"chatcluster/internal/engine"
	"chatcluster/internal/metrics"
	"chatcluster/internal/model"
	"chatcluster/internal/state"
	"chatcluster/internal/store"
)

// Replica is one fully-wired cluster node.
type Replica struct {
	ID      string
	State   *state.Container
	Store   *store.Store
	Engine  *engine.Engine
	Cluster *cluster.Manager
	Metrics *metrics.Replica

	clientLn   net.Listener
	peerLn     net.Listener
	metricsLn  net.Listener
	metricsSrv *http.Server
	log        zerolog.Logger
}

// Config describes one replica's addressing and peers.
type Config struct {
	ID            string
	Host          string
	ClientPort    int
	InternalPort  int
	MetricsPort   int      // 0 disables the debug metrics listener (SPEC_FULL.md DOMAIN STACK)
	PeerEndpoints []string // other replicas' "host:internalPort", self excluded
	DataDir       string
}

// New loads durable state for cfg.ID, builds the State Container, engine,
// and cluster Manager, and binds both listeners. It does not start serving;
// call Run for that.
func New(cfg Config, log zerolog.Logger) (*Replica, error) {
	st, err := store.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("replica %s: %w", cfg.ID, err)
	}
	shards, err := st.Load(cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("replica %s: %w", cfg.ID, err)
	}
	sc := state.New(shards)
	sc.SetSelfEndpoints(cfg.Host, cfg.ClientPort, cfg.InternalPort)

	m := metrics.New(cfg.ID)
	self := model.JoinHostPort(cfg.Host, cfg.InternalPort)
	cm := cluster.New(cfg.ID, self, cfg.PeerEndpoints, st, sc, m, log)
	eng := engine.New(cfg.ID, st, sc, cm, m, log, cm.Synced)

	clientLn, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.ClientPort)))
	if err != nil {
		return nil, fmt.Errorf("replica %s: listen client port: %w", cfg.ID, err)
	}
	peerLn, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.InternalPort)))
	if err != nil {
		clientLn.Close()
		return nil, fmt.Errorf("replica %s: listen internal port: %w", cfg.ID, err)
	}

	var metricsLn net.Listener
	var metricsSrv *http.Server
	if cfg.MetricsPort > 0 {
		metricsLn, err = net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.MetricsPort)))
		if err != nil {
			clientLn.Close()
			peerLn.Close()
			return nil, fmt.Errorf("replica %s: listen metrics port: %w", cfg.ID, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Handler: mux}
	}

	return &Replica{
		ID:         cfg.ID,
		State:      sc,
		Store:      st,
		Engine:     eng,
		Cluster:    cm,
		Metrics:    m,
		clientLn:   clientLn,
		peerLn:     peerLn,
		metricsLn:  metricsLn,
		metricsSrv: metricsSrv,
		log:        log.With().Str("replica", cfg.ID).Logger(),
	}, nil
}

// Run serves the client listener, the peer listener, and (if configured)
// the debug metrics listener until ctx is cancelled or any of them fails,
// using golang.org/x/sync/errgroup so a single replica's loops share one
// cancellation path without hand-rolled channel plumbing.
func (r *Replica) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Engine.Serve(ctx, r.clientLn)
	})
	g.Go(func() error {
		return r.Cluster.Start(ctx, r.peerLn)
	})
	if r.metricsSrv != nil {
		g.Go(func() error {
			return r.serveMetrics(ctx)
		})
		r.log.Info().Str("metrics_addr", r.metricsLn.Addr().String()).Msg("metrics listening")
	}
	r.log.Info().
		Str("client_addr", r.clientLn.Addr().String()).
		Str("internal_addr", r.peerLn.Addr().String()).
		Msg("replica listening")
	return g.Wait()
}

// serveMetrics runs the debug promhttp listener (SPEC_FULL.md DOMAIN STACK)
// until ctx is cancelled, at which point it closes the server (without
// waiting for in-flight requests) and returns nil rather than letting
// Serve's resulting error propagate as a replica failure.
func (r *Replica) serveMetrics(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- r.metricsSrv.Serve(r.metricsLn) }()

	select {
	case <-ctx.Done():
		r.metricsSrv.Close()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
