// Package rpc implements the external wire boundary (spec component C6):
// a JSON-RPC 2.0 HTTP endpoint (eth_*/dag_*/net_* methods), a WebSocket
// push endpoint, and a /health check. Grounded on the teacher's
// infrastructure/network/rpc/rpcserver.go (a command-handler map keyed by
// method name, CORS-allow-all) and
// infrastructure/network/rpc/model/rpc_commands.go (one struct per RPC
// method's params).
package rpc

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/dagforge/localdagd/internal/dag"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error codes follow JSON-RPC convention (spec.md §6).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

func newError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// TxSpec is the wire shape a client submits to eth_sendTransaction /
// eth_sendRawTransaction / dag_sendTransaction / eth_call /
// eth_estimateGas (spec.md §6).
type TxSpec struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Value    string `json:"value"`
	Data     string `json:"data"`
	Nonce    string `json:"nonce"`
	Gas      string `json:"gas"`
	GasPrice string `json:"gasPrice"`
}

// ToTransaction decodes spec's hex-encoded fields into a *dag.Transaction,
// computing its content-addressed hash.
func (spec *TxSpec) ToTransaction() (*dag.Transaction, error) {
	tx := &dag.Transaction{}
	if spec.From != "" {
		tx.From = common.HexToAddress(spec.From)
	}
	if spec.To != "" {
		to := common.HexToAddress(spec.To)
		tx.To = &to
	}
	value, err := hexOrZero(spec.Value)
	if err != nil {
		return nil, err
	}
	tx.Value = value

	if spec.Data != "" {
		data, err := hexutil.Decode(spec.Data)
		if err != nil {
			return nil, err
		}
		tx.Data = data
	}
	if spec.Nonce != "" {
		n, err := hexutil.DecodeUint64(spec.Nonce)
		if err != nil {
			return nil, err
		}
		tx.Nonce = n
	}
	gasLimit := uint64(90000)
	if spec.Gas != "" {
		g, err := hexutil.DecodeUint64(spec.Gas)
		if err != nil {
			return nil, err
		}
		gasLimit = g
	}
	tx.GasLimit = gasLimit

	gasPrice, err := hexOrZero(spec.GasPrice)
	if err != nil {
		return nil, err
	}
	if gasPrice.Sign() == 0 {
		gasPrice = big.NewInt(1_000_000_000)
	}
	tx.GasPrice = gasPrice

	tx.Hash = tx.ComputeHash()
	return tx, nil
}

func hexOrZero(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(trimHexPrefix(s), 16)
	if !ok {
		return nil, newError(CodeInvalidParams, "invalid hex integer: "+s)
	}
	return v, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// BlockView is the wire shape of a block (spec.md §6).
type BlockView struct {
	Hash             string        `json:"hash"`
	Number           string        `json:"number"`
	ParentHash       string        `json:"parentHash"`
	ParentHashes     []string      `json:"parentHashes"`
	Timestamp        string        `json:"timestamp"`
	Miner            string        `json:"miner"`
	Difficulty       string        `json:"difficulty"`
	Transactions     []interface{} `json:"transactions"`
	TransactionsRoot string        `json:"transactionsRoot"`
	StateRoot        string        `json:"stateRoot"`
	Nonce            string        `json:"nonce"`
	Color            string        `json:"color"`
	DAGDepth         string        `json:"dagDepth"`
	BlueScore        string        `json:"blueScore"`
}

// NewBlockView renders b, including full transaction objects when fullTxs
// is true and only hashes otherwise (spec.md §6 eth_getBlockByHash/Number).
func NewBlockView(b *dag.Block, fullTxs bool) *BlockView {
	parentHashes := make([]string, len(b.ParentHashes))
	for i, p := range b.ParentHashes {
		parentHashes[i] = p.Hex()
	}
	parentHash := "0x0"
	if len(b.ParentHashes) > 0 {
		parentHash = b.ParentHashes[0].Hex()
	}

	txs := make([]interface{}, len(b.Transactions))
	for i, tx := range b.Transactions {
		if fullTxs {
			txs[i] = NewTransactionView(tx)
		} else {
			txs[i] = tx.Hash.Hex()
		}
	}

	return &BlockView{
		Hash:             b.Hash.Hex(),
		Number:           hexutil.EncodeUint64(b.DAGDepth),
		ParentHash:       parentHash,
		ParentHashes:     parentHashes,
		Timestamp:        hexutil.EncodeUint64(uint64(b.Timestamp)),
		Miner:            b.Miner.Hex(),
		Difficulty:       hexutil.EncodeUint64(b.Difficulty),
		Transactions:     txs,
		TransactionsRoot: b.TransactionsRoot.Hex(),
		StateRoot:        b.StateRoot.Hex(),
		Nonce:            hexutil.EncodeUint64(b.Nonce),
		Color:            b.Color.String(),
		DAGDepth:         hexutil.EncodeUint64(b.DAGDepth),
		BlueScore:        hexutil.EncodeUint64(b.BlueScore),
	}
}

// TransactionView is the full-object form of a transaction on the wire.
type TransactionView struct {
	Hash     string `json:"hash"`
	From     string `json:"from"`
	To       string `json:"to,omitempty"`
	Value    string `json:"value"`
	Data     string `json:"input"`
	Nonce    string `json:"nonce"`
	Gas      string `json:"gas"`
	GasPrice string `json:"gasPrice"`
}

func NewTransactionView(tx *dag.Transaction) *TransactionView {
	to := ""
	if tx.To != nil {
		to = tx.To.Hex()
	}
	return &TransactionView{
		Hash:     tx.Hash.Hex(),
		From:     tx.From.Hex(),
		To:       to,
		Value:    hexutil.EncodeBig(tx.Value),
		Data:     hexutil.Encode(tx.Data),
		Nonce:    hexutil.EncodeUint64(tx.Nonce),
		Gas:      hexutil.EncodeUint64(tx.GasLimit),
		GasPrice: hexutil.EncodeBig(tx.GasPrice),
	}
}

// ReceiptView is the wire shape of a receipt (spec.md §6).
type ReceiptView struct {
	TransactionHash   string        `json:"transactionHash"`
	BlockHash         string        `json:"blockHash"`
	From              string        `json:"from"`
	To                *string       `json:"to"`
	GasUsed           string        `json:"gasUsed"`
	CumulativeGasUsed string        `json:"cumulativeGasUsed"`
	Status            string        `json:"status"`
	Logs              []interface{} `json:"logs"`
	ContractAddress   *string       `json:"contractAddress"`
}

func NewReceiptView(r *dag.Receipt) *ReceiptView {
	status := "0x0"
	if r.Status == dag.StatusSuccess {
		status = "0x1"
	}
	var to *string
	if r.To != nil {
		s := r.To.Hex()
		to = &s
	}
	var contractAddr *string
	if r.ContractAddress != nil {
		s := r.ContractAddress.Hex()
		contractAddr = &s
	}
	logs := make([]interface{}, len(r.Logs))
	for i, l := range r.Logs {
		logs[i] = l
	}
	return &ReceiptView{
		TransactionHash:   r.TransactionHash.Hex(),
		BlockHash:         r.BlockHash.Hex(),
		From:              r.From.Hex(),
		To:                to,
		GasUsed:           hexutil.EncodeUint64(r.GasUsed),
		CumulativeGasUsed: hexutil.EncodeUint64(r.CumulativeGasUsed),
		Status:            status,
		Logs:              logs,
		ContractAddress:   contractAddr,
	}
}

// DAGInfo is the wire shape of the DAG stats snapshot served by
// dag_getStats / dag_getDAGInfo. The dag_* block methods reuse BlockView
// verbatim, which already carries hash, depth, color, and blueScore.
type DAGInfo struct {
	BlockCount  int    `json:"blockCount"`
	BlueCount   int    `json:"blueCount"`
	RedCount    int    `json:"redCount"`
	TipCount    int    `json:"tipCount"`
	MaxDepth    string `json:"maxDepth"`
	GenesisHash string `json:"genesisHash"`
	K           string `json:"k"`
}

func NewDAGInfo(s dag.Stats) *DAGInfo {
	return &DAGInfo{
		BlockCount:  s.BlockCount,
		BlueCount:   s.BlueCount,
		RedCount:    s.RedCount,
		TipCount:    s.TipCount,
		MaxDepth:    hexutil.EncodeUint64(s.MaxDepth),
		GenesisHash: s.GenesisHash.Hex(),
		K:           hexutil.EncodeUint64(s.K),
	}
}
