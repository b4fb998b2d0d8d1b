// Package dag implements the BlockDAG graph (spec component C1): block
// storage, ancestor/descendant/anticone queries, and a GHOSTDAG-style
// blue/red coloring pass. It is grounded on the teacher's
// blockdag.BlockDAG (RWMutex-guarded index + virtual tips + a fixed
// genesis) and blockdag/ghostdag.go's vocabulary (selected parent, blue
// set, anticone size) generalized to the spec's deliberately simplified,
// full-recompute coloring rule (§4.1.3) rather than kaspad's incremental
// k-cluster algorithm.
package dag

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Color classifies a block's GHOSTDAG status.
type Color int

const (
	ColorPending Color = iota
	ColorBlue
	ColorRed
)

func (c Color) String() string {
	switch c {
	case ColorBlue:
		return "blue"
	case ColorRed:
		return "red"
	default:
		return "pending"
	}
}

// Transaction is the value object submitted by clients and ordered by the
// mempool. Hash content-addresses the rest of the fields (spec.md §3,
// §9 Open Question 4).
type Transaction struct {
	Hash     common.Hash
	From     common.Address
	To       *common.Address // nil for a contract deployment
	Value    *big.Int
	Data     []byte
	Nonce    uint64
	GasLimit uint64
	GasPrice *big.Int
}

// rlpTransaction mirrors Transaction's hashed fields in a form rlp can
// encode (it cannot encode a *common.Address directly when nil means
// "absent" the way our To field does).
type rlpTransaction struct {
	From     common.Address
	To       common.Address
	Deploy   bool
	Value    *big.Int
	Data     []byte
	Nonce    uint64
	GasLimit uint64
	GasPrice *big.Int
}

// ComputeHash derives tx's content-addressed hash. Call after every field
// is set and before the transaction is admitted to a mempool.
func (tx *Transaction) ComputeHash() common.Hash {
	to := common.Address{}
	deploy := tx.To == nil
	if !deploy {
		to = *tx.To
	}
	value := tx.Value
	if value == nil {
		value = big.NewInt(0)
	}
	gasPrice := tx.GasPrice
	if gasPrice == nil {
		gasPrice = big.NewInt(0)
	}
	enc, err := rlp.EncodeToBytes(rlpTransaction{
		From:     tx.From,
		To:       to,
		Deploy:   deploy,
		Value:    value,
		Data:     tx.Data,
		Nonce:    tx.Nonce,
		GasLimit: tx.GasLimit,
		GasPrice: gasPrice,
	})
	if err != nil {
		// rlpTransaction has no unsupported field types; this can't happen.
		panic("dag: failed to rlp-encode transaction: " + err.Error())
	}
	return crypto.Keccak256Hash(enc)
}

// Receipt is produced exactly once per transaction inclusion (spec.md §3).
type Receipt struct {
	TransactionHash   common.Hash
	BlockHash         common.Hash
	From              common.Address
	To                *common.Address
	GasUsed           uint64
	CumulativeGasUsed uint64
	Status            ReceiptStatus
	Logs              []*LogEntry
	ContractAddress   *common.Address
}

// ReceiptStatus mirrors the wire's "0x1"/"0x0" distinction.
type ReceiptStatus int

const (
	StatusFailed ReceiptStatus = iota
	StatusSuccess
)

// LogEntry is an opaque EVM log record surfaced verbatim on a receipt.
type LogEntry struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

// Block is immutable once added to a DAG except for Color and BlueScore,
// which the coloring pass derives (spec.md §3).
type Block struct {
	Hash             common.Hash
	ParentHashes     []common.Hash
	Timestamp        int64 // unix millis
	Miner            common.Address
	Difficulty       uint64
	StateRoot        common.Hash
	TransactionsRoot common.Hash
	Nonce            uint64
	Transactions     []*Transaction

	Color     Color
	DAGDepth  uint64
	BlueScore uint64
}

// rlpBlockHeader mirrors the fields that determine a block's hash
// (spec.md §3: "hash is a deterministic function of {parentHashes,
// timestamp, nonce, transactionsRoot, miner, stateRoot}").
type rlpBlockHeader struct {
	ParentHashes     []common.Hash
	Timestamp        int64
	Nonce            uint64
	TransactionsRoot common.Hash
	Miner            common.Address
	StateRoot        common.Hash
}

// ComputeHash derives b's content-addressed hash. The caller must compute
// StateRoot (which depends on executing b's transactions) before calling
// this, per spec.md §4.4 step (e): "hash includes stateRoot, so it must be
// computed after execution".
func (b *Block) ComputeHash() common.Hash {
	sortedParents := make([]common.Hash, len(b.ParentHashes))
	copy(sortedParents, b.ParentHashes)
	sort.Slice(sortedParents, func(i, j int) bool {
		return sortedParents[i].Hex() < sortedParents[j].Hex()
	})
	enc, err := rlp.EncodeToBytes(rlpBlockHeader{
		ParentHashes:     sortedParents,
		Timestamp:        b.Timestamp,
		Nonce:            b.Nonce,
		TransactionsRoot: b.TransactionsRoot,
		Miner:            b.Miner,
		StateRoot:        b.StateRoot,
	})
	if err != nil {
		panic("dag: failed to rlp-encode block header: " + err.Error())
	}
	return crypto.Keccak256Hash(enc)
}
