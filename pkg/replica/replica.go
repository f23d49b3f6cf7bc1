// Package replica is the composition root: it wires Cluster Membership,
// Vote Ledger, Consensus Engine, Peer Broadcaster, and Ingress Surface
// together into one runnable node. cmd/replica and the end-to-end tests
// both build a Node through here rather than wiring the pieces by hand.
package replica

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/obsidian-labs/pbft-replica/params"
	"github.com/obsidian-labs/pbft-replica/pkg/api"
	"github.com/obsidian-labs/pbft-replica/pkg/broadcast"
	"github.com/obsidian-labs/pbft-replica/pkg/cluster"
	"github.com/obsidian-labs/pbft-replica/pkg/consensus"
	"github.com/obsidian-labs/pbft-replica/pkg/logging"
)

// Config carries everything needed to stand a single replica up.
type Config struct {
	// NodeID must be a member of Roster.
	NodeID cluster.NodeID
	Roster *cluster.Roster

	// LogDir overrides logging.DefaultDir, mostly for tests.
	LogDir string
	// Runtime holds the environment-driven timing knobs; the zero value
	// triggers params.Default().
	Runtime params.Runtime
}

// Node is a fully wired, not-yet-listening replica: the Engine and
// Broadcaster are live, the HTTP handler is built, but no socket is bound
// until Serve is called. Tests that want to drive the Ingress Surface
// in-process can use Node.Server.Handler() directly without ever binding a
// port.
type Node struct {
	Engine *consensus.Engine
	Net    *broadcast.HTTPBroadcaster
	Server *api.Server

	runtime params.Runtime
	logger  *zapLoggerCloser
	address cluster.NodeAddress
}

type zapLoggerCloser struct {
	close func() error
}

// New builds a Node: the per-node logger, the HTTP broadcaster, the
// Consensus Engine seeded with fresh replica state, and the Ingress Surface
// server, in that order — each depends only on what came before it.
func New(cfg Config) (*Node, error) {
	addr, ok := cfg.Roster.Lookup(cfg.NodeID)
	if !ok {
		return nil, fmt.Errorf("replica: node %d is not a member of the supplied roster", cfg.NodeID)
	}

	sugar, closeLog, err := logging.New(cfg.LogDir, cfg.NodeID, logging.LevelFromEnv())
	if err != nil {
		return nil, fmt.Errorf("replica: logging: %w", err)
	}

	runtime := cfg.Runtime
	if runtime == (params.Runtime{}) {
		runtime = params.Default()
	}

	net := broadcast.New(sugar)
	net.Timeout = runtime.BroadcastTimeout
	net.Client.Timeout = runtime.BroadcastTimeout

	state := consensus.NewReplicaState(cfg.NodeID, cfg.Roster)
	engine := consensus.NewEngine(state, net)
	engine.Logger = sugar

	server := api.NewServer(engine, net, sugar)

	sugar.Infow("node_initialized",
		"node_id", cfg.NodeID,
		"roster_size", cfg.Roster.Size(),
		"roster_fingerprint", cfg.Roster.Fingerprint(),
		"listen", addr.String(),
	)

	return &Node{
		Engine:  engine,
		Net:     net,
		Server:  server,
		runtime: runtime,
		logger:  &zapLoggerCloser{close: closeLog},
		address: addr,
	}, nil
}

// Serve binds the node's configured host:port and blocks until ctx is
// canceled or the listener fails. Shutdown is graceful: in-flight requests
// are given until ctx's cancellation plus a short grace period to finish.
func (n *Node) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         n.address.String(),
		Handler:      n.Server.Handler(),
		ReadTimeout:  n.runtime.HTTPReadTimeout,
		WriteTimeout: n.runtime.HTTPWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("replica: listen: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("replica: shutdown: %w", err)
		}
		return nil
	}
}

// Close flushes and closes the node's log file. Callers should defer this
// after a successful New.
func (n *Node) Close() error {
	if n.logger == nil || n.logger.close == nil {
		return nil
	}
	return n.logger.close()
}

// LevelFromEnv re-exports logging.LevelFromEnv so callers outside this
// package never need to import pkg/logging directly just to pick a level.
func LevelFromEnv() zapcore.Level {
	return logging.LevelFromEnv()
}
