package miner

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dagforge/localdagd/internal/dag"
	"github.com/dagforge/localdagd/internal/evmexec"
	"github.com/dagforge/localdagd/internal/events"
	"github.com/dagforge/localdagd/internal/mempool"
)

func TestSelectParentsSingleTip(t *testing.T) {
	tips := []common.Hash{common.HexToHash("0x1")}
	got := selectParents(tips, 5, 3)
	if len(got) != 1 || got[0] != tips[0] {
		t.Fatalf("expected the single tip, got %v", got)
	}
}

func TestSelectParentsRotates(t *testing.T) {
	tips := []common.Hash{
		common.HexToHash("0x1"),
		common.HexToHash("0x2"),
		common.HexToHash("0x3"),
	}
	p0 := selectParents(tips, 0, 2)
	p1 := selectParents(tips, 1, 2)
	if len(p0) != 2 || len(p1) != 2 {
		t.Fatalf("expected 2 parents each, got %d and %d", len(p0), len(p1))
	}
	if p0[0] == p1[0] && p0[1] == p1[1] {
		t.Fatalf("expected different block indices to select distinct parent subsets: %v vs %v", p0, p1)
	}
}

func TestSelectParentsDeduplicatesWhenMaxParentsExceedsTips(t *testing.T) {
	tips := []common.Hash{common.HexToHash("0x1"), common.HexToHash("0x2")}
	got := selectParents(tips, 0, 5)
	if len(got) != 2 {
		t.Fatalf("expected parents capped at len(tips)=2, got %d", len(got))
	}
}

type recordingSink struct {
	events []events.Event
}

func (s *recordingSink) Emit(e events.Event) {
	s.events = append(s.events, e)
}

// TestRoundProducesParallelBlocks mirrors spec.md §8's "Parallel fan-out"
// scenario end to end through the miner's round logic (not just the DAG).
func TestRoundProducesParallelBlocks(t *testing.T) {
	d := dag.New(18, common.Address{})
	pool := mempool.New(1000)
	exec, err := evmexec.New()
	if err != nil {
		t.Fatalf("evmexec.New: %v", err)
	}
	sink := &recordingSink{}

	m := New(Config{
		Parallelism:  3,
		BlockTimeMS:  2000,
		MaxParents:   3,
		MinerAddress: common.HexToAddress("0x1000000000000000000000000000000000000001"),
	}, d, pool, exec, sink)

	m.runRound()

	if got := d.GetBlockCount(); got != 4 {
		t.Fatalf("expected 4 blocks (genesis + 3), got %d", got)
	}
	if got := d.GetMaxDepth(); got != 1 {
		t.Fatalf("expected max depth 1, got %d", got)
	}
	if got := len(d.GetTips()); got != 3 {
		t.Fatalf("expected 3 tips, got %d", got)
	}

	var blockMinedCount int
	for _, e := range sink.events {
		if e.Type == events.BlockMined {
			blockMinedCount++
		}
	}
	if blockMinedCount != 3 {
		t.Fatalf("expected 3 block-mined events, got %d", blockMinedCount)
	}

	// A second round should reference the 3 tips from the first round.
	m.runRound()
	if got := d.GetBlockCount(); got != 7 {
		t.Fatalf("expected 7 total blocks after second round, got %d", got)
	}
	if got := d.GetMaxDepth(); got != 2 {
		t.Fatalf("expected max depth 2, got %d", got)
	}
}

// TestRoundBlocksHaveDistinctHashes guards against round-index blocks
// colliding when they share parents, a transactions root, a state root, and
// a miner address — the only field spared from collision must be the
// per-index nonce the miner stamps on before hashing, not wall-clock
// timestamp resolution.
func TestRoundBlocksHaveDistinctHashes(t *testing.T) {
	d := dag.New(18, common.Address{})
	pool := mempool.New(1000)
	exec, err := evmexec.New()
	if err != nil {
		t.Fatalf("evmexec.New: %v", err)
	}
	sink := &recordingSink{}

	m := New(Config{
		Parallelism:  3,
		BlockTimeMS:  2000,
		MaxParents:   3,
		MinerAddress: common.Address{},
	}, d, pool, exec, sink)
	m.SetClock(frozenClock{})

	m.runRound()

	if got := d.GetBlockCount(); got != 4 {
		t.Fatalf("expected 4 blocks (genesis + 3) even with a frozen clock, got %d", got)
	}
	if got := len(d.GetTips()); got != 3 {
		t.Fatalf("expected 3 distinct tips even with a frozen clock, got %d", got)
	}
}

// TestReceiptBlockHashMatchesCommittedBlock checks that a transaction's
// receipt carries the hash of the block it actually landed in, not a
// round-index placeholder computed before the block's real hash existed.
func TestReceiptBlockHashMatchesCommittedBlock(t *testing.T) {
	d := dag.New(18, common.Address{})
	pool := mempool.New(1000)
	exec, err := evmexec.New()
	if err != nil {
		t.Fatalf("evmexec.New: %v", err)
	}
	sink := &recordingSink{}

	from := common.HexToAddress("0x1000000000000000000000000000000000000001")
	exec.SetBalance(from, hugeBalance())

	tx := &dag.Transaction{
		From:     from,
		To:       &common.Address{},
		GasLimit: 21000,
		GasPrice: big.NewInt(1),
	}
	tx.Hash = tx.ComputeHash()
	if _, err := pool.Add(tx); err != nil {
		t.Fatalf("pool.Add: %v", err)
	}

	m := New(Config{
		Parallelism:  1,
		BlockTimeMS:  2000,
		MaxParents:   1,
		MinerAddress: common.Address{},
	}, d, pool, exec, sink)

	m.runRound()

	var minedBlock *dag.Block
	for _, e := range sink.events {
		if e.Type == events.BlockMined {
			minedBlock = e.Data.(*dag.Block)
		}
	}
	if minedBlock == nil {
		t.Fatal("expected a block-mined event")
	}

	receipt := m.GetReceipt(tx.Hash)
	if receipt == nil {
		t.Fatal("expected a receipt for the included transaction")
	}
	if receipt.BlockHash != minedBlock.Hash {
		t.Fatalf("receipt.BlockHash %s does not match the block it was included in %s", receipt.BlockHash, minedBlock.Hash)
	}
}

type frozenClock struct{}

func (frozenClock) NowMillis() int64 { return 1 }

func hugeBalance() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)
}

func TestStartStopIdempotent(t *testing.T) {
	d := dag.New(18, common.Address{})
	pool := mempool.New(1000)
	exec, _ := evmexec.New()
	sink := &recordingSink{}
	m := New(Config{Parallelism: 1, BlockTimeMS: 50, MaxParents: 1, MinerAddress: common.Address{}}, d, pool, exec, sink)

	m.Start()
	m.Start() // no-op
	if !m.IsRunning() {
		t.Fatal("expected miner to be running")
	}
	m.Stop()
	m.Stop() // no-op
	if m.IsRunning() {
		t.Fatal("expected miner to be stopped")
	}
}
