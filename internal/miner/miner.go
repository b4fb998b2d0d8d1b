// Package miner implements the round-driven block producer (spec
// component C4). It is grounded on the teacher's mining/mining.go (a
// TxSource-backed block-template assembler) generalized to spec.md
// §4.4's central invariant: every block in a round is built against the
// SAME tip snapshot taken at round start, so a round fans out into
// `parallelism` blocks instead of chaining them linearly.
package miner

import (
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/dagforge/localdagd/internal/dag"
	"github.com/dagforge/localdagd/internal/evmexec"
	"github.com/dagforge/localdagd/internal/events"
	"github.com/dagforge/localdagd/internal/logs"
	"github.com/dagforge/localdagd/internal/mempool"
)

var log = logs.Logger(logs.Miner)

// Config holds the miner's tunables (spec.md §4.4).
type Config struct {
	Parallelism  int
	BlockTimeMS  int
	MaxParents   int
	MinerAddress common.Address
}

// EventSink receives the orchestrator-level events a round produces.
// internal/node implements this over its broadcast bus.
type EventSink interface {
	Emit(events.Event)
}

// Clock is injected so tests can control time instead of the miner
// monkeypatching package-level clock functions the way the teacher's tests
// occasionally do with bou.ke/monkey (deliberately dropped, see DESIGN.md).
type Clock interface {
	NowMillis() int64
}

type systemClock struct{}

func (systemClock) NowMillis() int64 { return time.Now().UnixMilli() }

// Miner drives block production at a configurable cadence.
type Miner struct {
	mu sync.Mutex

	cfg    Config
	dag    *dag.DAG
	pool   *mempool.Mempool
	exec   *evmexec.Executor
	sink   EventSink
	clock  Clock

	ticker  *time.Ticker
	stopCh  chan struct{}
	running bool

	receiptsMu sync.RWMutex
	receipts   map[common.Hash]*dag.Receipt
}

// New creates a miner over the given DAG, mempool, and executor.
func New(cfg Config, d *dag.DAG, pool *mempool.Mempool, exec *evmexec.Executor, sink EventSink) *Miner {
	return &Miner{
		cfg:      cfg,
		dag:      d,
		pool:     pool,
		exec:     exec,
		sink:     sink,
		clock:    systemClock{},
		receipts: make(map[common.Hash]*dag.Receipt),
	}
}

// SetClock overrides the miner's clock; test-only.
func (m *Miner) SetClock(c Clock) {
	m.clock = c
}

// Start fires an immediate round and then schedules one every BlockTimeMS
// until Stop is called. A no-op if already running (spec.md §4.4, §7
// Lifecycle: "double-start... idempotent no-op, log only").
func (m *Miner) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		log.Infof("miner already running, ignoring start()")
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	ticker := time.NewTicker(time.Duration(m.cfg.BlockTimeMS) * time.Millisecond)
	m.ticker = ticker
	stopCh := m.stopCh
	m.mu.Unlock()

	m.sink.Emit(events.Event{Type: events.MiningStarted})

	logs.Spawn(logs.Miner, func() {
		m.runRound()
		for {
			select {
			case <-ticker.C:
				m.runRound()
			case <-stopCh:
				return
			}
		}
	})
}

// Stop cancels the scheduled timer. Any in-flight round completes fully —
// there is no mid-round abort, since a partial round would leave orphaned
// receipts (spec.md §5). A no-op if already stopped.
func (m *Miner) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		log.Infof("miner already stopped, ignoring stop()")
		return
	}
	m.running = false
	m.ticker.Stop()
	close(m.stopCh)
	m.mu.Unlock()

	m.sink.Emit(events.Event{Type: events.MiningStopped})
}

// IsRunning reports whether the miner's ticker is active.
func (m *Miner) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// UpdateConfig applies cfg, restarting the timer if the miner is running
// (spec.md §4.4).
func (m *Miner) UpdateConfig(cfg Config) {
	m.mu.Lock()
	wasRunning := m.running
	m.mu.Unlock()

	if wasRunning {
		m.Stop()
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	if wasRunning {
		m.Start()
	}
}

// Address returns the address credited as the miner of blocks this miner
// produces.
func (m *Miner) Address() common.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.MinerAddress
}

// GetReceipt returns the receipt for hash, or nil if unknown.
func (m *Miner) GetReceipt(hash common.Hash) *dag.Receipt {
	m.receiptsMu.RLock()
	defer m.receiptsMu.RUnlock()
	return m.receipts[hash]
}

// GetAllReceipts returns every receipt produced so far.
func (m *Miner) GetAllReceipts() []*dag.Receipt {
	m.receiptsMu.RLock()
	defer m.receiptsMu.RUnlock()
	out := make([]*dag.Receipt, 0, len(m.receipts))
	for _, r := range m.receipts {
		out = append(out, r)
	}
	return out
}

// runRound executes one full mining round per spec.md §4.4's algorithm.
func (m *Miner) runRound() {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	// Step 1: snapshot tips ONCE. Without this, within-round blocks
	// would chain linearly onto each other, defeating parallelism.
	tips := m.dag.GetTips()
	sort.Slice(tips, func(i, j int) bool { return tips[i].Hex() < tips[j].Hex() })
	if len(tips) == 0 {
		log.Criticalf("no tips found; this should be impossible since genesis always exists")
		return
	}

	pending := make([]*dag.Block, 0, cfg.Parallelism)

	for i := 0; i < cfg.Parallelism; i++ {
		parents := selectParents(tips, i, cfg.MaxParents)
		txs := m.pool.Pending(10)

		m.exec.ResetCumulativeGas()
		m.exec.SetBlockContext(m.dag.GetMaxDepth()+1, cfg.MinerAddress)

		// The real block hash isn't known until after ComputeHash below
		// (it depends on StateRoot, which depends on execution), so
		// receipts are held here under a placeholder BlockHash and
		// patched to the real one once it's computed — they must never
		// be committed to m.receipts before that happens.
		included := make([]*dag.Transaction, 0, len(txs))
		roundReceipts := make([]*dag.Receipt, 0, len(txs))
		for _, tx := range txs {
			receipt, _, _, err := m.exec.Execute(tx, common.Hash{})
			if err != nil {
				log.Warnf("skipping tx %s after unexpected executor error: %v", tx.Hash, err)
				continue
			}
			included = append(included, tx)
			roundReceipts = append(roundReceipts, receipt)
		}

		block := &dag.Block{
			ParentHashes:     parents,
			Timestamp:        m.clock.NowMillis(),
			Nonce:            uint64(i),
			Miner:            cfg.MinerAddress,
			StateRoot:        m.exec.GetStateRoot(),
			TransactionsRoot: transactionsRoot(included),
			Transactions:     included,
		}
		block.Hash = block.ComputeHash()

		m.receiptsMu.Lock()
		for _, receipt := range roundReceipts {
			receipt.BlockHash = block.Hash
			m.receipts[receipt.TransactionHash] = receipt
		}
		m.receiptsMu.Unlock()

		pending = append(pending, block)
	}

	// Step 3: append every pending block in order. Each append triggers
	// a coloring pass; the final one reflects all new blocks.
	var committed int
	for _, block := range pending {
		result, err := m.dag.AddBlock(block)
		if err != nil {
			log.Errorf("failed to append mined block %s: %v", block.Hash, err)
			continue
		}
		if result != dag.Added {
			continue
		}
		committed++

		for _, tx := range block.Transactions {
			m.pool.Remove(tx.Hash)
		}

		m.sink.Emit(events.Event{Type: events.BlockMined, Data: block})
	}

	// The round changed the tip set and the DAG's shape exactly when it
	// committed at least one block; surface both as their own events so
	// WebSocket subscribers don't have to infer them from block-mined
	// (spec.md §6: tipsChanged / dagStatsUpdated).
	if committed > 0 {
		m.sink.Emit(events.Event{Type: events.TipsChanged, Data: m.dag.GetTips()})
		m.sink.Emit(events.Event{Type: events.DAGStatsUpdated, Data: m.dag.GetStats()})
	}
}

// selectParents implements spec.md §4.4.1.
func selectParents(tips []common.Hash, roundIndex, maxParents int) []common.Hash {
	if len(tips) == 1 {
		return []common.Hash{tips[0]}
	}
	n := maxParents
	if len(tips) < n {
		n = len(tips)
	}
	start := roundIndex % len(tips)

	seen := make(map[common.Hash]struct{}, n)
	out := make([]common.Hash, 0, n)
	for j := 0; j < n; j++ {
		t := tips[(start+j)%len(tips)]
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// transactionsRoot commits to a block's transaction set. spec.md leaves the
// exact derivation open (it only requires the attribute exist and that the
// block hash depend on it); this repo hashes the concatenation of
// transaction hashes rather than building a full Merkle-Patricia trie for
// it, since nothing downstream verifies an inclusion proof against it
// (spec.md Non-goals: "no global trie commitment scheme beyond what a
// standard Merkle-Patricia state root provides" — that guarantee is scoped
// to the state root, not this root).
func transactionsRoot(txs []*dag.Transaction) common.Hash {
	if len(txs) == 0 {
		return common.Hash{}
	}
	concatenated := make([]byte, 0, len(txs)*common.HashLength)
	for _, tx := range txs {
		concatenated = append(concatenated, tx.Hash.Bytes()...)
	}
	return crypto.Keccak256Hash(concatenated)
}
