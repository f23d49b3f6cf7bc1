// Command replica is the process entrypoint for a single PBFT node, or —
// when no node is named — a local in-process simulation of the whole
// cluster described by the descriptor file.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/obsidian-labs/pbft-replica/params"
	"github.com/obsidian-labs/pbft-replica/pkg/cluster"
	"github.com/obsidian-labs/pbft-replica/pkg/replica"
)

func main() {
	descriptorPath := flag.String("cluster", "cluster", "path (without extension) to the cluster descriptor file")
	nodeFlag := flag.Int("node", 0, "node id to run; 0 means run every node in the descriptor in-process")
	logDir := flag.String("log-dir", "", "directory for per-node log files (default: logs)")
	flag.Parse()

	if v := os.Getenv("NODE_ID"); v != "" && *nodeFlag == 0 {
		id, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("replica: NODE_ID=%q is not an integer", v)
		}
		*nodeFlag = id
	}

	roster, err := cluster.Load(*descriptorPath)
	if err != nil {
		log.Fatalf("replica: loading cluster descriptor: %v", err)
	}
	runtime := params.LoadFromEnv("")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *nodeFlag != 0 {
		runSingle(ctx, roster, cluster.NodeID(*nodeFlag), *logDir, runtime)
		return
	}
	runAll(ctx, roster, *logDir, runtime)
}

// runSingle starts exactly one replica and blocks until ctx is canceled.
func runSingle(ctx context.Context, roster *cluster.Roster, id cluster.NodeID, logDir string, runtime params.Runtime) {
	node, err := replica.New(replica.Config{NodeID: id, Roster: roster, LogDir: logDir, Runtime: runtime})
	if err != nil {
		log.Fatalf("replica: node %d: %v", id, err)
	}
	defer node.Close()

	if err := node.Serve(ctx); err != nil {
		log.Fatalf("replica: node %d: %v", id, err)
	}
}

// runAll spawns one goroutine per configured node, for local simulation of
// the whole cluster in a single process.
func runAll(ctx context.Context, roster *cluster.Roster, logDir string, runtime params.Runtime) {
	var wg sync.WaitGroup
	for _, addr := range roster.Peers() {
		addr := addr
		node, err := replica.New(replica.Config{NodeID: addr.ID, Roster: roster, LogDir: logDir, Runtime: runtime})
		if err != nil {
			log.Fatalf("replica: node %d: %v", addr.ID, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer node.Close()
			if err := node.Serve(ctx); err != nil {
				log.Printf("replica: node %d exited: %v", addr.ID, err)
			}
		}()
	}
	wg.Wait()
}
