// Command localdagd runs a single-process BlockDAG development node: the
// graph, mempool, EVM executor, and round miner fronted by a JSON-RPC HTTP
// server and a WebSocket push server. Grounded on the teacher's kaspad.go
// startup sequencing (parse config, construct components leaves-first,
// start servers, block on an interrupt signal, shut down in reverse order).
package main

import (
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/dagforge/localdagd/internal/config"
	"github.com/dagforge/localdagd/internal/dag"
	"github.com/dagforge/localdagd/internal/evmexec"
	"github.com/dagforge/localdagd/internal/logs"
	"github.com/dagforge/localdagd/internal/mempool"
	"github.com/dagforge/localdagd/internal/miner"
	"github.com/dagforge/localdagd/internal/node"
	"github.com/dagforge/localdagd/internal/rpc"
)

var log = logs.Logger(logs.Node)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "localdagd: failed to parse configuration:", err)
		os.Exit(1)
	}

	if err := logs.InitLogRotator(cfg.LogFile); err != nil {
		fmt.Fprintln(os.Stderr, "localdagd: failed to init log rotator:", err)
		os.Exit(1)
	}
	defer func() {
		if err := logs.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "localdagd: failed to close log rotator:", err)
		}
	}()

	d := dag.New(cfg.GhostdagK, cfg.MinerAddr())
	pool := mempool.New(cfg.MempoolMaxSize)

	exec, err := evmexec.New()
	if err != nil {
		log.Criticalf("failed to create EVM executor: %v", err)
		os.Exit(1)
	}
	exec.SetBalance(cfg.MinerAddr(), genesisFunding())

	n := node.New(d, pool, exec, nil)

	m := miner.New(miner.Config{
		Parallelism:  cfg.Parallelism,
		BlockTimeMS:  cfg.BlockTimeMS,
		MaxParents:   cfg.MaxParents,
		MinerAddress: cfg.MinerAddr(),
	}, d, pool, exec, n.Events)
	n.Miner = m

	listenAddr := func(port int) string {
		return fmt.Sprintf("%s:%d", cfg.ListenIP, port)
	}
	rpcServer := rpc.NewServer(n, listenAddr(cfg.RPCPort))
	wsServer := rpc.NewWSServer(n, listenAddr(cfg.WSPort))
	n.AddServers(rpcServer, wsServer)

	if err := n.Start(); err != nil {
		log.Criticalf("failed to start node: %v", err)
		os.Exit(1)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	log.Infof("shutting down")
	if err := n.Stop(); err != nil {
		log.Errorf("error during shutdown: %v", err)
	}
}

// genesisFunding is the balance credited to the configured miner address at
// startup, so the very first mined block's transactions have a sender able
// to pay gas (spec.md §4.6: a development node, not a faucet-gated chain).
func genesisFunding() *big.Int {
	wei := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return wei.Mul(wei, big.NewInt(1_000_000))
}
