// Package mempool implements the transaction mempool (spec component C2):
// a bounded, gas-price-ordered pool keyed by transaction hash. It is
// grounded on the teacher's domain/miningmanager/mempool/transactions_pool.go
// (an ID-to-transaction map maintained alongside a fee-ordered index) and
// mining/mining.go's txPriorityQueue (a container/heap ordered by fee) for
// the sorted-eviction discipline spec.md §4.2 calls for.
package mempool

import (
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/dagforge/localdagd/internal/dag"
	"github.com/dagforge/localdagd/internal/logs"
)

var log = logs.Logger(logs.Mem)

// AddResult is the outcome of Add.
type AddResult int

const (
	Accepted AddResult = iota
	Duplicate
)

// entry is the bookkeeping kept per pooled transaction (spec.md §3
// Mempool: "hash -> {transaction, addedAt, attempts}").
type entry struct {
	tx       *dag.Transaction
	addedAt  time.Time
	attempts int
	// insertionSeq breaks gasPrice ties in insertion order, the way a
	// stable sort would, without depending on a non-stable map iteration.
	insertionSeq uint64
}

// Mempool is a single-writer/many-reader bounded pool (spec.md §5).
type Mempool struct {
	mu      sync.RWMutex
	maxSize int
	entries map[common.Hash]*entry
	nextSeq uint64
}

// New creates an empty mempool capped at maxSize entries.
func New(maxSize int) *Mempool {
	return &Mempool{
		maxSize: maxSize,
		entries: make(map[common.Hash]*entry),
	}
}

// Add admits tx, evicting the lowest-gasPrice entry first if the pool is
// already at capacity (spec.md §4.2).
func (m *Mempool) Add(tx *dag.Transaction) (AddResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[tx.Hash]; exists {
		return Duplicate, nil
	}

	if len(m.entries) >= m.maxSize {
		victim := m.lowestGasPriceLocked()
		if victim != (common.Hash{}) {
			delete(m.entries, victim)
			log.Debugf("evicted %s to make room for %s", victim, tx.Hash)
		}
	}

	m.nextSeq++
	m.entries[tx.Hash] = &entry{
		tx:           tx,
		addedAt:      time.Now(),
		insertionSeq: m.nextSeq,
	}
	return Accepted, nil
}

// lowestGasPriceLocked returns the hash of the entry with the lowest
// gasPrice, breaking ties by earliest insertion. Must be called with mu
// held. Returns the zero hash if the pool is empty.
func (m *Mempool) lowestGasPriceLocked() common.Hash {
	var victim common.Hash
	var victimEntry *entry
	for h, e := range m.entries {
		if victimEntry == nil {
			victim, victimEntry = h, e
			continue
		}
		switch e.tx.GasPrice.Cmp(victimEntry.tx.GasPrice) {
		case -1:
			victim, victimEntry = h, e
		case 0:
			if e.insertionSeq < victimEntry.insertionSeq {
				victim, victimEntry = h, e
			}
		}
	}
	return victim
}

// Remove deletes hash from the pool, if present.
func (m *Mempool) Remove(hash common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, hash)
}

// Get returns the transaction for hash, or nil if not pooled.
func (m *Mempool) Get(hash common.Hash) *dag.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[hash]
	if !ok {
		return nil
	}
	return e.tx
}

// All returns every pooled transaction, order unspecified.
func (m *Mempool) All() []*dag.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*dag.Transaction, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.tx)
	}
	return out
}

// ByGasPrice returns pooled transactions sorted by gasPrice descending,
// ties broken by insertion order (a stable sort), truncated to limit if
// limit > 0 (spec.md §4.2).
func (m *Mempool) ByGasPrice(limit int) []*dag.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		cmp := entries[i].tx.GasPrice.Cmp(entries[j].tx.GasPrice)
		if cmp != 0 {
			return cmp > 0
		}
		return entries[i].insertionSeq < entries[j].insertionSeq
	})

	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	out := make([]*dag.Transaction, len(entries))
	for i, e := range entries {
		out[i] = e.tx
	}
	return out
}

// Pending is an alias of ByGasPrice (spec.md §4.2).
func (m *Mempool) Pending(limit int) []*dag.Transaction {
	return m.ByGasPrice(limit)
}

// Size returns the number of pooled transactions.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Clear empties the pool.
func (m *Mempool) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[common.Hash]*entry)
}

// BySender returns every pooled transaction sent from addr.
func (m *Mempool) BySender(addr common.Address) []*dag.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*dag.Transaction
	for _, e := range m.entries {
		if e.tx.From == addr {
			out = append(out, e.tx)
		}
	}
	return out
}

// IncrementAttempt bumps the attempt counter for hash. The miner does not
// call it: a round removes the transactions of every block it commits.
func (m *Mempool) IncrementAttempt(hash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[hash]
	if !ok {
		return errors.Errorf("mempool: unknown transaction %s", hash)
	}
	e.attempts++
	return nil
}
