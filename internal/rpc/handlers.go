package rpc

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/dagforge/localdagd/internal/ethutil"
	"github.com/dagforge/localdagd/internal/mempool"
)

// handlerFunc is the shape of every dispatchable RPC method, mirroring the
// teacher's rpcHandlers map in infrastructure/network/rpc/rpcserver.go
// (method name -> func(*rpcServer, interface{}, <-chan struct{}) (interface{}, error)),
// simplified since this server has no long-poll cancellation channel.
type handlerFunc func(s *Server, params json.RawMessage) (interface{}, *Error)

// handlers is the full eth_*/dag_*/net_* dispatch table (spec.md §6).
var handlers = map[string]handlerFunc{
	"eth_chainId":                handleChainID,
	"eth_blockNumber":            handleBlockNumber,
	"eth_getBalance":             handleGetBalance,
	"eth_getTransactionCount":    handleGetTransactionCount,
	"eth_getCode":                handleGetCode,
	"eth_getStorageAt":           handleGetStorageAt,
	"eth_sendTransaction":        handleSendTransaction,
	"eth_sendRawTransaction":     handleSendTransaction,
	"eth_call":                   handleCall,
	"eth_estimateGas":            handleEstimateGas,
	"eth_getTransactionReceipt":  handleGetTransactionReceipt,
	"eth_getBlockByHash":         handleGetBlockByHash,
	"eth_getBlockByNumber":       handleGetBlockByNumber,
	"eth_gasPrice":               handleGasPrice,
	"eth_accounts":               handleEthAccounts,
	"dag_sendTransaction":        handleSendTransaction,
	"dag_getBlock":               handleDagGetBlock,
	"dag_getBlockByHash":         handleDagGetBlock,
	"dag_getTips":                handleDagGetTips,
	"dag_getStats":               handleDagGetStats,
	"dag_getDAGInfo":             handleDagGetStats,
	"dag_getAncestors":           handleDagGetAncestors,
	"dag_getDescendants":         handleDagGetDescendants,
	"dag_getAnticone":            handleDagGetAnticone,
	"dag_getBlueSet":             handleDagGetBlueSet,
	"dag_getRedSet":              handleDagGetRedSet,
	"dag_getBlockParents":        handleDagGetBlockParents,
	"dag_getBlockChildren":       handleDagGetBlockChildren,
	"dag_getBlueScore":           handleDagGetBlueScore,
	"dag_mineBlocks":             handleDagMineBlocks,
	"net_version":                handleNetVersion,
	"net_listening":              handleNetListening,
	"net_peerCount":              handleNetPeerCount,
	"net_getMempool":             handleNetGetMempool,
	"dag_fundAccount":            handleDagFundAccount,
}

func hashParam(raw json.RawMessage, field string) (common.Hash, *Error) {
	var args []string
	if err := json.Unmarshal(raw, &args); err != nil || len(args) == 0 {
		return common.Hash{}, newError(CodeInvalidParams, "expected [\""+field+"\"]")
	}
	return common.HexToHash(args[0]), nil
}

func handleChainID(s *Server, raw json.RawMessage) (interface{}, *Error) {
	return hexutil.EncodeUint64(1337), nil
}

func handleBlockNumber(s *Server, raw json.RawMessage) (interface{}, *Error) {
	return hexutil.EncodeUint64(s.node.DAG.GetMaxDepth()), nil
}

func handleGetBalance(s *Server, raw json.RawMessage) (interface{}, *Error) {
	var args []string
	if err := json.Unmarshal(raw, &args); err != nil || len(args) == 0 {
		return nil, newError(CodeInvalidParams, "expected [address, blockTag?]")
	}
	addr := common.HexToAddress(args[0])
	return hexutil.EncodeBig(s.node.Executor.GetBalance(addr)), nil
}

// BalanceView pairs the wire-canonical wei amount with a human-readable
// ether rendering (spec.md §8 invariant 8: parseEther/formatEther round-trip).
type BalanceView struct {
	Wei   string `json:"wei"`
	Ether string `json:"ether"`
}

func handleDagFundAccount(s *Server, raw json.RawMessage) (interface{}, *Error) {
	var args []string
	if err := json.Unmarshal(raw, &args); err != nil || len(args) < 2 {
		return nil, newError(CodeInvalidParams, "expected [address, etherAmount]")
	}
	addr := common.HexToAddress(args[0])
	delta, err := ethutil.ParseEther(args[1])
	if err != nil {
		return nil, newError(CodeInvalidParams, err.Error())
	}
	total := s.node.Executor.GetBalance(addr)
	total.Add(total, delta)
	s.node.Executor.SetBalance(addr, total)
	return &BalanceView{Wei: hexutil.EncodeBig(total), Ether: ethutil.FormatEther(total)}, nil
}

func handleGetTransactionCount(s *Server, raw json.RawMessage) (interface{}, *Error) {
	var args []string
	if err := json.Unmarshal(raw, &args); err != nil || len(args) == 0 {
		return nil, newError(CodeInvalidParams, "expected [address, blockTag?]")
	}
	addr := common.HexToAddress(args[0])
	return hexutil.EncodeUint64(s.node.Executor.GetNonce(addr)), nil
}

func handleGetCode(s *Server, raw json.RawMessage) (interface{}, *Error) {
	var args []string
	if err := json.Unmarshal(raw, &args); err != nil || len(args) == 0 {
		return nil, newError(CodeInvalidParams, "expected [address, blockTag?]")
	}
	addr := common.HexToAddress(args[0])
	return hexutil.Encode(s.node.Executor.GetCode(addr)), nil
}

func handleGetStorageAt(s *Server, raw json.RawMessage) (interface{}, *Error) {
	var args []string
	if err := json.Unmarshal(raw, &args); err != nil || len(args) < 2 {
		return nil, newError(CodeInvalidParams, "expected [address, slot, blockTag?]")
	}
	addr := common.HexToAddress(args[0])
	slot := common.HexToHash(args[1])
	return s.node.Executor.GetStorageAt(addr, slot).Hex(), nil
}

func handleSendTransaction(s *Server, raw json.RawMessage) (interface{}, *Error) {
	var args []TxSpec
	if err := json.Unmarshal(raw, &args); err != nil || len(args) == 0 {
		return nil, newError(CodeInvalidParams, "expected [transaction object]")
	}
	tx, err := args[0].ToTransaction()
	if err != nil {
		if rpcErr, ok := err.(*Error); ok {
			return nil, rpcErr
		}
		return nil, newError(CodeInvalidParams, err.Error())
	}

	result, addErr := s.node.AddTransaction(tx)
	if addErr != nil {
		return nil, newError(CodeInvalidParams, addErr.Error())
	}
	if result == mempool.Duplicate {
		return nil, newError(CodeInvalidParams, "transaction already pooled")
	}
	return tx.Hash.Hex(), nil
}

func handleCall(s *Server, raw json.RawMessage) (interface{}, *Error) {
	var args []TxSpec
	if err := json.Unmarshal(raw, &args); err != nil || len(args) == 0 {
		return nil, newError(CodeInvalidParams, "expected [call object]")
	}
	tx, err := args[0].ToTransaction()
	if err != nil {
		return nil, newError(CodeInvalidParams, err.Error())
	}
	if tx.To == nil {
		return nil, newError(CodeInvalidParams, "eth_call requires a \"to\" address")
	}
	ret, callErr := s.node.Executor.Call(*tx.To, tx.Data, &tx.From, tx.Value)
	if callErr != nil {
		return nil, newError(CodeInternal, callErr.Error())
	}
	return hexutil.Encode(ret), nil
}

func handleEstimateGas(s *Server, raw json.RawMessage) (interface{}, *Error) {
	var args []TxSpec
	if err := json.Unmarshal(raw, &args); err != nil || len(args) == 0 {
		return nil, newError(CodeInvalidParams, "expected [call object]")
	}
	tx, err := args[0].ToTransaction()
	if err != nil {
		return nil, newError(CodeInvalidParams, err.Error())
	}
	gas, estErr := s.node.Executor.EstimateGas(tx)
	if estErr != nil {
		return nil, newError(CodeInternal, estErr.Error())
	}
	return hexutil.EncodeUint64(gas), nil
}

func handleGetTransactionReceipt(s *Server, raw json.RawMessage) (interface{}, *Error) {
	h, hErr := hashParam(raw, "transactionHash")
	if hErr != nil {
		return nil, hErr
	}
	r := s.node.Miner.GetReceipt(h)
	if r == nil {
		return nil, nil
	}
	return NewReceiptView(r), nil
}

func blockViewFromTagOrHash(s *Server, ident string, fullTxs bool) (*BlockView, *Error) {
	var hash common.Hash
	if len(ident) == 66 {
		hash = common.HexToHash(ident)
	} else {
		resolved, ok := s.node.ResolveBlockTag(ident)
		if !ok {
			return nil, nil
		}
		hash = resolved
	}
	b := s.node.DAG.GetBlock(hash)
	if b == nil {
		return nil, nil
	}
	return NewBlockView(b, fullTxs), nil
}

func handleGetBlockByHash(s *Server, raw json.RawMessage) (interface{}, *Error) {
	var args []json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil || len(args) < 1 {
		return nil, newError(CodeInvalidParams, "expected [hash, fullTxs?]")
	}
	var hash string
	if err := json.Unmarshal(args[0], &hash); err != nil {
		return nil, newError(CodeInvalidParams, "invalid block hash")
	}
	fullTxs := decodeFullTxsFlag(args)
	view, vErr := blockViewFromTagOrHash(s, hash, fullTxs)
	if vErr != nil {
		return nil, vErr
	}
	return view, nil
}

func handleGetBlockByNumber(s *Server, raw json.RawMessage) (interface{}, *Error) {
	var args []json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil || len(args) < 1 {
		return nil, newError(CodeInvalidParams, "expected [tag, fullTxs?]")
	}
	var tag string
	if err := json.Unmarshal(args[0], &tag); err != nil {
		return nil, newError(CodeInvalidParams, "invalid block tag")
	}
	fullTxs := decodeFullTxsFlag(args)
	view, vErr := blockViewFromTagOrHash(s, tag, fullTxs)
	if vErr != nil {
		return nil, vErr
	}
	return view, nil
}

func decodeFullTxsFlag(args []json.RawMessage) bool {
	if len(args) < 2 {
		return false
	}
	var fullTxs bool
	_ = json.Unmarshal(args[1], &fullTxs)
	return fullTxs
}

func handleDagGetBlock(s *Server, raw json.RawMessage) (interface{}, *Error) {
	h, hErr := hashParam(raw, "hash")
	if hErr != nil {
		return nil, hErr
	}
	b := s.node.DAG.GetBlock(h)
	if b == nil {
		return nil, nil
	}
	return NewBlockView(b, true), nil
}

func handleDagGetTips(s *Server, raw json.RawMessage) (interface{}, *Error) {
	tips := s.node.DAG.GetTips()
	out := make([]string, len(tips))
	for i, t := range tips {
		out[i] = t.Hex()
	}
	return out, nil
}

func handleDagGetStats(s *Server, raw json.RawMessage) (interface{}, *Error) {
	return NewDAGInfo(s.node.DAG.GetStats()), nil
}

func hashesOf(hashes []common.Hash) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.Hex()
	}
	return out
}

func handleDagGetAncestors(s *Server, raw json.RawMessage) (interface{}, *Error) {
	h, hErr := hashParam(raw, "hash")
	if hErr != nil {
		return nil, hErr
	}
	return hashesOf(s.node.DAG.Ancestors(h)), nil
}

func handleDagGetDescendants(s *Server, raw json.RawMessage) (interface{}, *Error) {
	h, hErr := hashParam(raw, "hash")
	if hErr != nil {
		return nil, hErr
	}
	return hashesOf(s.node.DAG.Descendants(h)), nil
}

func handleDagGetAnticone(s *Server, raw json.RawMessage) (interface{}, *Error) {
	h, hErr := hashParam(raw, "hash")
	if hErr != nil {
		return nil, hErr
	}
	return hashesOf(s.node.DAG.Anticone(h)), nil
}

func handleDagMineBlocks(s *Server, raw json.RawMessage) (interface{}, *Error) {
	var args []int
	count := 1
	if err := json.Unmarshal(raw, &args); err == nil && len(args) > 0 {
		count = args[0]
	}
	if count < 1 {
		count = 1
	}
	blocks := s.node.MineBlocks(count)
	out := make([]*BlockView, len(blocks))
	for i, b := range blocks {
		out[i] = NewBlockView(b, false)
	}
	return out, nil
}

func handleNetVersion(s *Server, raw json.RawMessage) (interface{}, *Error) {
	return "1337", nil
}

func handleNetListening(s *Server, raw json.RawMessage) (interface{}, *Error) {
	return true, nil
}

func handleNetPeerCount(s *Server, raw json.RawMessage) (interface{}, *Error) {
	// No p2p layer (spec.md Non-goals): localdagd is a single-node devnet.
	return "0x0", nil
}

// handleGasPrice reports the fixed gas price a dev node quotes clients
// (spec.md §6: "eth_gasPrice () -> hex(1_000_000_000)").
func handleGasPrice(s *Server, raw json.RawMessage) (interface{}, *Error) {
	return hexutil.EncodeUint64(1_000_000_000), nil
}

// handleEthAccounts surfaces every address this dev node has ever funded
// via dag_fundAccount or its startup grant, the closest analogue a
// signature-free node has to Ethereum's keystore-backed eth_accounts
// (spec.md §6; spec.md Non-goals: no HD-wallet key derivation).
func handleEthAccounts(s *Server, raw json.RawMessage) (interface{}, *Error) {
	addrs := s.node.Executor.FundedAddresses()
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out, nil
}

func handleDagGetBlueSet(s *Server, raw json.RawMessage) (interface{}, *Error) {
	blocks := s.node.DAG.GetBlueBlocks()
	out := make([]*BlockView, len(blocks))
	for i, b := range blocks {
		out[i] = NewBlockView(b, false)
	}
	return out, nil
}

func handleDagGetRedSet(s *Server, raw json.RawMessage) (interface{}, *Error) {
	blocks := s.node.DAG.GetRedBlocks()
	out := make([]*BlockView, len(blocks))
	for i, b := range blocks {
		out[i] = NewBlockView(b, false)
	}
	return out, nil
}

func handleDagGetBlockParents(s *Server, raw json.RawMessage) (interface{}, *Error) {
	h, hErr := hashParam(raw, "hash")
	if hErr != nil {
		return nil, hErr
	}
	b := s.node.DAG.GetBlock(h)
	if b == nil {
		return nil, nil
	}
	return hashesOf(b.ParentHashes), nil
}

func handleDagGetBlockChildren(s *Server, raw json.RawMessage) (interface{}, *Error) {
	h, hErr := hashParam(raw, "hash")
	if hErr != nil {
		return nil, hErr
	}
	return hashesOf(s.node.DAG.GetChildren(h)), nil
}

func handleDagGetBlueScore(s *Server, raw json.RawMessage) (interface{}, *Error) {
	h, hErr := hashParam(raw, "hash")
	if hErr != nil {
		return nil, hErr
	}
	b := s.node.DAG.GetBlock(h)
	if b == nil {
		return nil, nil
	}
	return hexutil.EncodeUint64(b.BlueScore), nil
}

func handleNetGetMempool(s *Server, raw json.RawMessage) (interface{}, *Error) {
	txs := s.node.Mempool.ByGasPrice(0)
	out := make([]*TransactionView, len(txs))
	for i, tx := range txs {
		out[i] = NewTransactionView(tx)
	}
	return out, nil
}
