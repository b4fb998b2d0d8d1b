// Package node implements the orchestrator (spec component C5): it owns
// the DAG, mempool, executor, and miner, sequences server startup/
// shutdown, and multiplexes events to subscribers. Grounded on spec.md §9
// "Cyclic references in the source": "own them from a single Node
// aggregate and pass borrowed references downward."
package node

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/dagforge/localdagd/internal/dag"
	"github.com/dagforge/localdagd/internal/evmexec"
	"github.com/dagforge/localdagd/internal/events"
	"github.com/dagforge/localdagd/internal/mempool"
	"github.com/dagforge/localdagd/internal/miner"
)

// Server is anything the orchestrator needs to start/stop in lockstep
// with the miner (the RPC HTTP server, the WebSocket server).
type Server interface {
	Start() error
	Stop() error
}

// Node wires C1-C4 together and fronts them with the event bus consumed by
// the WebSocket server and, internally, by notification-style RPC methods.
type Node struct {
	DAG      *dag.DAG
	Mempool  *mempool.Mempool
	Executor *evmexec.Executor
	Miner    *miner.Miner
	Events   *EventBus

	mu      sync.Mutex
	servers []Server
	started bool
}

// New creates a Node over already-constructed components. The miner may be
// nil here: cmd/localdagd builds the dag, mempool, and executor, then the
// node, and the miner last (it needs the node's event bus), assigning it
// to Node.Miner before Start.
func New(d *dag.DAG, pool *mempool.Mempool, exec *evmexec.Executor, m *miner.Miner) *Node {
	return &Node{
		DAG:      d,
		Mempool:  pool,
		Executor: exec,
		Miner:    m,
		Events:   NewEventBus(),
	}
}

// AddServers registers servers to be started/stopped alongside the node.
// Call before Start.
func (n *Node) AddServers(servers ...Server) {
	n.servers = append(n.servers, servers...)
}

// IsRunning reports whether Start has been called without a matching Stop
// (spec.md §6 /health: "node":"running"|"stopped").
func (n *Node) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started
}

// Start starts the servers, then the miner (spec.md §4.5).
func (n *Node) Start() error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		log.Infof("node already started, ignoring start()")
		return nil
	}
	n.started = true
	n.mu.Unlock()

	for _, s := range n.servers {
		if err := s.Start(); err != nil {
			return errors.Wrap(err, "node: failed to start server")
		}
	}
	n.Miner.Start()
	n.Events.Emit(events.Event{Type: events.Started})
	return nil
}

// Stop reverses Start's order: the miner first, then the servers.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		log.Infof("node already stopped, ignoring stop()")
		return nil
	}
	n.started = false
	n.mu.Unlock()

	if n.Miner.IsRunning() {
		n.Miner.Stop()
	}
	var firstErr error
	for _, s := range n.servers {
		if err := s.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	n.Events.Emit(events.Event{Type: events.Stopped})
	return firstErr
}

// AddTransaction forwards tx to the mempool and emits transaction-added
// iff it was accepted (spec.md §4.5).
func (n *Node) AddTransaction(tx *dag.Transaction) (mempool.AddResult, error) {
	result, err := n.Mempool.Add(tx)
	if err != nil {
		return result, err
	}
	if result == mempool.Accepted {
		n.Events.Emit(events.Event{Type: events.TransactionAdded, Data: tx})
	}
	return result, nil
}

// MineBlocks starts the miner if idle, waits for n new block-mined
// events, and stops it again if it wasn't already running (spec.md §4.5
// "an imperative helper").
func (n *Node) MineBlocks(count int) []*dag.Block {
	wasRunning := n.Miner.IsRunning()

	ch, unsubscribe := n.Events.Subscribe()
	defer unsubscribe()

	if !wasRunning {
		n.Miner.Start()
	}

	mined := make([]*dag.Block, 0, count)
	for len(mined) < count {
		e := <-ch
		if e.Type != events.BlockMined {
			continue
		}
		if b, ok := e.Data.(*dag.Block); ok {
			mined = append(mined, b)
		}
	}

	if !wasRunning {
		n.Miner.Stop()
	}
	return mined
}

// ResolveBlockTag translates "latest"/"pending"/"earliest" or a numeric
// depth string into a concrete hash (spec.md §4.6, §6).
func (n *Node) ResolveBlockTag(tag string) (common.Hash, bool) {
	switch tag {
	case "latest", "pending":
		return n.blockAtDepth(n.DAG.GetMaxDepth())
	case "earliest":
		return n.DAG.GetGenesisHash(), true
	default:
		depth, ok := parseDepth(tag)
		if !ok {
			return common.Hash{}, false
		}
		return n.blockAtDepth(depth)
	}
}

// blockAtDepth picks a block at depth, breaking ties the same deterministic
// way the GHOSTDAG coloring pass does (lexicographic hash order, see
// internal/dag/ghostdag.go and DESIGN.md's Open Question 2 resolution) —
// GetAllBlocks ranges over a map, whose iteration order Go randomizes per
// call, so picking "the first one seen" would make tag resolution
// nondeterministic across calls whenever more than one block shares a depth.
func (n *Node) blockAtDepth(depth uint64) (common.Hash, bool) {
	var best common.Hash
	found := false
	for _, b := range n.DAG.GetAllBlocks() {
		if b.DAGDepth != depth {
			continue
		}
		if !found || b.Hash.Hex() < best.Hex() {
			best = b.Hash
			found = true
		}
	}
	return best, found
}

func parseDepth(s string) (uint64, bool) {
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		n, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return 0, false
		}
		return n.Uint64(), true
	}
	var depth uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		depth = depth*10 + uint64(c-'0')
	}
	return depth, true
}
