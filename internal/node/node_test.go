package node

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dagforge/localdagd/internal/dag"
	"github.com/dagforge/localdagd/internal/evmexec"
	"github.com/dagforge/localdagd/internal/mempool"
	"github.com/dagforge/localdagd/internal/miner"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	d := dag.New(18, common.Address{})
	pool := mempool.New(10)
	exec, err := evmexec.New()
	if err != nil {
		t.Fatalf("evmexec.New: %v", err)
	}
	n := New(d, pool, exec, nil)
	m := miner.New(miner.Config{
		Parallelism:  1,
		BlockTimeMS:  20,
		MaxParents:   1,
		MinerAddress: common.HexToAddress("0x1000000000000000000000000000000000000001"),
	}, d, pool, exec, n.Events)
	n.Miner = m
	return n
}

func TestAddTransactionEmitsEvent(t *testing.T) {
	n := newTestNode(t)
	ch, unsubscribe := n.Events.Subscribe()
	defer unsubscribe()

	tx := &dag.Transaction{
		From:     common.HexToAddress("0xaa00000000000000000000000000000000000a"),
		GasPrice: bigOne(),
	}
	tx.Hash = tx.ComputeHash()

	result, err := n.AddTransaction(tx)
	if err != nil {
		t.Fatalf("AddTransaction: %v", err)
	}
	if result != mempool.Accepted {
		t.Fatalf("expected Accepted, got %v", result)
	}

	e := <-ch
	if string(e.Type) != "transaction-added" {
		t.Fatalf("expected transaction-added event, got %s", e.Type)
	}
}

func TestMineBlocksStopsMinerIfItWasIdle(t *testing.T) {
	n := newTestNode(t)
	if n.Miner.IsRunning() {
		t.Fatal("expected miner to start idle")
	}

	blocks := n.MineBlocks(2)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 mined blocks, got %d", len(blocks))
	}
	if n.Miner.IsRunning() {
		t.Fatal("expected MineBlocks to stop the miner it started")
	}
}

func TestResolveBlockTagEarliestIsGenesis(t *testing.T) {
	n := newTestNode(t)
	hash, ok := n.ResolveBlockTag("earliest")
	if !ok {
		t.Fatal("expected earliest to resolve")
	}
	if hash != n.DAG.GetGenesisHash() {
		t.Fatalf("expected genesis hash, got %s", hash)
	}
}

func TestResolveBlockTagNumeric(t *testing.T) {
	n := newTestNode(t)
	n.MineBlocks(1)
	hash, ok := n.ResolveBlockTag("0x1")
	if !ok {
		t.Fatal("expected depth 1 to resolve")
	}
	block := n.DAG.GetBlock(hash)
	if block == nil || block.DAGDepth != 1 {
		t.Fatalf("expected a depth-1 block, got %+v", block)
	}
}

func TestResolveBlockTagUnknownNumericFails(t *testing.T) {
	n := newTestNode(t)
	if _, ok := n.ResolveBlockTag("99"); ok {
		t.Fatal("expected depth 99 to be unresolved")
	}
}

func TestStartStopSequencesMinerAroundServers(t *testing.T) {
	n := newTestNode(t)
	started := &orderTrackingServer{miner: n.Miner}
	n.AddServers(started)

	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !started.startedBeforeStop {
		t.Fatal("expected server to start before Stop is called")
	}
	if started.minerRunningAtStart {
		t.Fatal("expected servers to start before the miner")
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !started.stopped {
		t.Fatal("expected server to be stopped")
	}
	if started.minerRunningAtStop {
		t.Fatal("expected the miner to stop before the servers")
	}
}

type orderTrackingServer struct {
	miner               *miner.Miner
	startedBeforeStop   bool
	stopped             bool
	minerRunningAtStart bool
	minerRunningAtStop  bool
}

func (s *orderTrackingServer) Start() error {
	s.startedBeforeStop = true
	s.minerRunningAtStart = s.miner.IsRunning()
	return nil
}

func (s *orderTrackingServer) Stop() error {
	s.stopped = true
	s.minerRunningAtStop = s.miner.IsRunning()
	return nil
}

func bigOne() *big.Int { return big.NewInt(1_000_000_000) }
