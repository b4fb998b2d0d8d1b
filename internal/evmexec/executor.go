// Package evmexec binds transaction execution to a real Ethereum-compatible
// virtual machine (spec component C3). The teacher (kaspad) has no EVM — it
// is a UTXO chain with a script engine, explicitly out of scope per
// spec.md's Non-goals — so this package is grounded instead on
// ethereum-go-ethereum's own core/vm + core/state + params packages, used
// as a library the way several forks in the retrieval pack do (rollup-geth
// is itself such a fork; other manifests import go-ethereum sub-packages
// directly).
package evmexec

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
	"github.com/pkg/errors"

	"github.com/dagforge/localdagd/internal/dag"
	"github.com/dagforge/localdagd/internal/logs"
)

var log = logs.Logger(logs.EVM)

// gasCap bounds the gas given to read-only calls and estimation runs, so
// neither can run away against the in-memory state (spec.md §4.3 call /
// estimate_gas).
const gasCap = 50_000_000

// ErrExecutionTrapped is wrapped by Call when the EVM reverts or traps.
var ErrExecutionTrapped = errors.New("evmexec: execution reverted or trapped")

// Executor applies transactions against a single, long-lived world state
// (spec.md §5: "single-writer, with read-only snapshots served by call,
// estimate_gas, and the accessors").
type Executor struct {
	chainConfig *params.ChainConfig
	vmConfig    vm.Config

	stateDB *state.StateDB

	cumulativeGasUsed uint64
	checkpoints       []int // stack of state.StateDB snapshot ids (LIFO)

	blockNumber uint64
	coinbase    common.Address

	fundedAddrs map[common.Address]struct{}
}

// New creates an executor with empty world state and a chain id matching
// spec.md §6 (1337), all forks enabled (mirrors params.AllEthashProtocolChanges,
// overriding only the chain id).
func New() (*Executor, error) {
	chainConfig := *params.AllEthashProtocolChanges
	chainConfig.ChainID = big.NewInt(1337)

	db := state.NewDatabase(rawdb.NewMemoryDatabase())
	stateDB, err := state.New(common.Hash{}, db, nil)
	if err != nil {
		return nil, errors.Wrap(err, "evmexec: failed to create state database")
	}

	return &Executor{
		chainConfig: &chainConfig,
		vmConfig:    vm.Config{},
		stateDB:     stateDB,
		fundedAddrs: make(map[common.Address]struct{}),
	}, nil
}

// blockContext builds the vm.BlockContext used for every call issued
// against containingBlockHash. GetHash is a closure returning the zero
// hash for any depth — this node keeps no persisted header chain for the
// EVM's BLOCKHASH opcode to walk (spec.md Non-goals: no persistent durable
// storage), so BLOCKHASH simply resolves to the zero hash, the same
// fallback go-ethereum itself uses once a requested block falls outside
// its configured lookback window.
func (e *Executor) blockContext() vm.BlockContext {
	return vm.BlockContext{
		CanTransfer: func(db vm.StateDB, addr common.Address, amount *big.Int) bool {
			return db.GetBalance(addr).Cmp(amount) >= 0
		},
		Transfer: func(db vm.StateDB, from, to common.Address, amount *big.Int) {
			db.SubBalance(from, amount)
			db.AddBalance(to, amount)
		},
		GetHash: func(uint64) common.Hash {
			return common.Hash{}
		},
		Coinbase:    e.coinbase,
		BlockNumber: new(big.Int).SetUint64(e.blockNumber),
		Time:        0,
		Difficulty:  big.NewInt(0),
		GasLimit:    gasCap,
		BaseFee:     big.NewInt(0),
	}
}

func txContext(tx *dag.Transaction) vm.TxContext {
	return vm.TxContext{
		Origin:   tx.From,
		GasPrice: tx.GasPrice,
	}
}

// SetBlockContext points subsequent Execute calls at a new containing
// block, called by the miner once per block before executing its
// transactions (the block's own hash isn't known yet at that point —
// spec.md §4.4 computes it only after execution — so this takes only the
// book-keeping the EVM context actually needs).
func (e *Executor) SetBlockContext(blockNumber uint64, coinbase common.Address) {
	e.blockNumber = blockNumber
	e.coinbase = coinbase
}

// ResetCumulativeGas starts a fresh per-block gas accumulator (spec.md
// §4.3 "Per-block accounting").
func (e *Executor) ResetCumulativeGas() {
	e.cumulativeGasUsed = 0
}

// Execute applies tx against the live world state and returns its receipt,
// the call's return data, and — for a successful deployment — the created
// contract address (spec.md §4.3).
func (e *Executor) Execute(tx *dag.Transaction, containingBlockHash common.Hash) (*dag.Receipt, []byte, *common.Address, error) {
	isDeployment := tx.To == nil

	evm := vm.NewEVM(e.blockContext(), txContext(tx), e.stateDB, e.chainConfig, e.vmConfig)

	e.stateDB.SetTxContext(tx.Hash, 0)

	cost := new(big.Int).Mul(tx.GasPrice, new(big.Int).SetUint64(tx.GasLimit))
	e.stateDB.SubBalance(tx.From, cost)
	e.stateDB.SetNonce(tx.From, e.stateDB.GetNonce(tx.From)+1)

	snapshot := e.stateDB.Snapshot()

	var (
		returnValue     []byte
		leftOverGas     uint64
		createdAddress  *common.Address
		execErr         error
	)
	value := tx.Value
	if value == nil {
		value = big.NewInt(0)
	}

	if isDeployment {
		var addr common.Address
		returnValue, addr, leftOverGas, execErr = evm.Create(vm.AccountRef(tx.From), tx.Data, tx.GasLimit, value)
		if execErr == nil {
			createdAddress = &addr
		}
	} else {
		returnValue, leftOverGas, execErr = evm.Call(vm.AccountRef(tx.From), *tx.To, tx.Data, tx.GasLimit, value)
	}

	receipt := &dag.Receipt{
		TransactionHash: tx.Hash,
		BlockHash:       containingBlockHash,
		From:            tx.From,
		To:              tx.To,
	}

	if execErr != nil {
		e.stateDB.RevertToSnapshot(snapshot)
		receipt.Status = dag.StatusFailed
		receipt.GasUsed = tx.GasLimit
		log.Debugf("tx %s trapped: %v", tx.Hash, execErr)
	} else {
		refund := new(big.Int).Mul(tx.GasPrice, new(big.Int).SetUint64(leftOverGas))
		e.stateDB.AddBalance(tx.From, refund)

		receipt.Status = dag.StatusSuccess
		receipt.GasUsed = tx.GasLimit - leftOverGas
		receipt.ContractAddress = createdAddress
		receipt.Logs = convertLogs(e.stateDB.GetLogs(tx.Hash, e.blockNumber, containingBlockHash))
	}

	e.cumulativeGasUsed += receipt.GasUsed
	receipt.CumulativeGasUsed = e.cumulativeGasUsed

	return receipt, returnValue, createdAddress, nil
}

func convertLogs(logs []*types.Log) []*dag.LogEntry {
	out := make([]*dag.LogEntry, len(logs))
	for i, l := range logs {
		out[i] = &dag.LogEntry{
			Address: l.Address,
			Topics:  l.Topics,
			Data:    l.Data,
		}
	}
	return out
}

// Call executes a read-only invocation against the current state and
// rolls it back unconditionally (spec.md §4.3): "throws if the call
// traps".
func (e *Executor) Call(to common.Address, data []byte, from *common.Address, value *big.Int) ([]byte, error) {
	caller := common.Address{}
	if from != nil {
		caller = *from
	}
	if value == nil {
		value = big.NewInt(0)
	}

	evm := vm.NewEVM(e.blockContext(), vm.TxContext{Origin: caller, GasPrice: big.NewInt(0)}, e.stateDB, e.chainConfig, e.vmConfig)

	snapshot := e.stateDB.Snapshot()
	defer e.stateDB.RevertToSnapshot(snapshot)

	ret, _, err := evm.Call(vm.AccountRef(caller), to, data, gasCap, value)
	if err != nil {
		return nil, errors.Wrapf(ErrExecutionTrapped, "call to %s: %v", to, err)
	}
	return ret, nil
}

// EstimateGas runs tx against a generous gas cap and returns a
// conservative estimate: used + 21000 (spec.md §4.3), always checkpointing
// first so the probing run can never leak into the live state (§9 Open
// Question 3).
func (e *Executor) EstimateGas(tx *dag.Transaction) (uint64, error) {
	e.Checkpoint()
	defer e.Revert()

	probe := *tx
	probe.GasLimit = gasCap

	evm := vm.NewEVM(e.blockContext(), txContext(&probe), e.stateDB, e.chainConfig, e.vmConfig)
	value := probe.Value
	if value == nil {
		value = big.NewInt(0)
	}

	var (
		leftOverGas uint64
		err         error
	)
	if probe.To == nil {
		_, _, leftOverGas, err = evm.Create(vm.AccountRef(probe.From), probe.Data, probe.GasLimit, value)
	} else {
		_, leftOverGas, err = evm.Call(vm.AccountRef(probe.From), *probe.To, probe.Data, probe.GasLimit, value)
	}
	if err != nil {
		return 0, errors.Wrap(ErrExecutionTrapped, err.Error())
	}
	return (probe.GasLimit - leftOverGas) + 21000, nil
}

// Checkpoint/Commit/Revert implement the nested LIFO discipline of spec.md
// §4.3 over state.StateDB's own snapshot/revert primitive.
func (e *Executor) Checkpoint() {
	e.checkpoints = append(e.checkpoints, e.stateDB.Snapshot())
}

func (e *Executor) Commit() {
	if len(e.checkpoints) == 0 {
		return
	}
	e.checkpoints = e.checkpoints[:len(e.checkpoints)-1]
}

func (e *Executor) Revert() {
	if len(e.checkpoints) == 0 {
		return
	}
	top := e.checkpoints[len(e.checkpoints)-1]
	e.checkpoints = e.checkpoints[:len(e.checkpoints)-1]
	e.stateDB.RevertToSnapshot(top)
}

// GetBalance returns addr's balance.
func (e *Executor) GetBalance(addr common.Address) *big.Int {
	return e.stateDB.GetBalance(addr)
}

// SetBalance sets addr's balance directly (a dev-node funding affordance;
// no real chain exposes this over the wire). Remembers addr so
// FundedAddresses can surface it to eth_accounts.
func (e *Executor) SetBalance(addr common.Address, amount *big.Int) {
	e.stateDB.SetBalance(addr, amount)
	e.fundedAddrs[addr] = struct{}{}
}

// FundedAddresses returns every address SetBalance has ever touched during
// this process's lifetime, order unspecified (spec.md's supplemented
// eth_accounts affordance: a dev-node convenience, not a key-management
// feature).
func (e *Executor) FundedAddresses() []common.Address {
	out := make([]common.Address, 0, len(e.fundedAddrs))
	for a := range e.fundedAddrs {
		out = append(out, a)
	}
	return out
}

// GetNonce returns addr's account nonce.
func (e *Executor) GetNonce(addr common.Address) uint64 {
	return e.stateDB.GetNonce(addr)
}

// GetCode returns addr's deployed bytecode, or nil if addr has none.
func (e *Executor) GetCode(addr common.Address) []byte {
	return e.stateDB.GetCode(addr)
}

// GetStorageAt returns the 32-byte value at addr's storage slot key.
func (e *Executor) GetStorageAt(addr common.Address, key common.Hash) common.Hash {
	return e.stateDB.GetState(addr, key)
}

// GetStateRoot returns the current Merkle-Patricia state root (spec.md
// §4.3 get_state_root).
func (e *Executor) GetStateRoot() common.Hash {
	return e.stateDB.IntermediateRoot(true)
}
