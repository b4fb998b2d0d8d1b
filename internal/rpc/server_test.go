package rpc

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dagforge/localdagd/internal/dag"
	"github.com/dagforge/localdagd/internal/evmexec"
	"github.com/dagforge/localdagd/internal/mempool"
	"github.com/dagforge/localdagd/internal/miner"
	"github.com/dagforge/localdagd/internal/node"
)

func newTestServer(t *testing.T) (*Server, *node.Node) {
	t.Helper()
	d := dag.New(18, common.Address{})
	pool := mempool.New(10)
	exec, err := evmexec.New()
	if err != nil {
		t.Fatalf("evmexec.New: %v", err)
	}
	n := node.New(d, pool, exec, nil)
	m := miner.New(miner.Config{
		Parallelism:  1,
		BlockTimeMS:  20,
		MaxParents:   1,
		MinerAddress: common.HexToAddress("0x1000000000000000000000000000000000000001"),
	}, d, pool, exec, n.Events)
	n.Miner = m
	return NewServer(n, "ignored"), n
}

func rpcCall(t *testing.T, ts *httptest.Server, method string, params interface{}) Response {
	t.Helper()
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	req := Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: method, Params: paramsJSON}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(ts.URL+"/", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestChainIDAndBlockNumber(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.router())
	defer ts.Close()

	resp := rpcCall(t, ts, "eth_chainId", []interface{}{})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.Result != "0x539" {
		t.Fatalf("expected chain id 0x539 (1337), got %v", resp.Result)
	}

	resp = rpcCall(t, ts, "eth_blockNumber", []interface{}{})
	if resp.Result != "0x0" {
		t.Fatalf("expected block number 0x0 at genesis, got %v", resp.Result)
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.router())
	defer ts.Close()

	resp := rpcCall(t, ts, "eth_doesNotExist", []interface{}{})
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected method-not-found error, got %+v", resp.Error)
	}
}

func TestSendTransactionThenGetTransactionCount(t *testing.T) {
	s, n := newTestServer(t)
	ts := httptest.NewServer(s.router())
	defer ts.Close()

	from := "0x1000000000000000000000000000000000000001"
	n.Executor.SetBalance(common.HexToAddress(from), hugeBalance())

	resp := rpcCall(t, ts, "eth_sendTransaction", []TxSpec{{
		From:     from,
		To:       "0x2000000000000000000000000000000000000002",
		Value:    "0x0",
		Gas:      "0x5208",
		GasPrice: "0x1",
	}})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if n.Mempool.Size() != 1 {
		t.Fatalf("expected 1 pooled transaction, got %d", n.Mempool.Size())
	}

	countResp := rpcCall(t, ts, "eth_getTransactionCount", []string{from})
	if countResp.Error != nil {
		t.Fatalf("unexpected error: %+v", countResp.Error)
	}
	if countResp.Result != "0x0" {
		t.Fatalf("expected nonce 0x0 before any mined transaction, got %v", countResp.Result)
	}
}

func TestDuplicateSendTransactionErrors(t *testing.T) {
	s, n := newTestServer(t)
	ts := httptest.NewServer(s.router())
	defer ts.Close()

	from := "0x1000000000000000000000000000000000000001"
	n.Executor.SetBalance(common.HexToAddress(from), hugeBalance())

	spec := []TxSpec{{From: from, To: "0x2000000000000000000000000000000000000002", Gas: "0x5208", GasPrice: "0x1"}}
	first := rpcCall(t, ts, "eth_sendTransaction", spec)
	if first.Error != nil {
		t.Fatalf("unexpected error on first send: %+v", first.Error)
	}
	second := rpcCall(t, ts, "eth_sendTransaction", spec)
	if second.Error == nil {
		t.Fatal("expected the identical transaction to be rejected as a duplicate")
	}
}

func TestGetBlockByNumberEarliestIsGenesis(t *testing.T) {
	s, n := newTestServer(t)
	ts := httptest.NewServer(s.router())
	defer ts.Close()

	resp := rpcCall(t, ts, "eth_getBlockByNumber", []interface{}{"earliest", false})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected a block object, got %T", resp.Result)
	}
	if result["hash"] != n.DAG.GetGenesisHash().Hex() {
		t.Fatalf("expected genesis hash, got %v", result["hash"])
	}
}

func TestFundAccountCreditsEtherAmount(t *testing.T) {
	s, n := newTestServer(t)
	ts := httptest.NewServer(s.router())
	defer ts.Close()

	addr := "0x3000000000000000000000000000000000000003"
	resp := rpcCall(t, ts, "dag_fundAccount", []string{addr, "2.5"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected a balance object, got %T", resp.Result)
	}
	if result["ether"] != "2.5" {
		t.Fatalf("expected ether amount 2.5, got %v", result["ether"])
	}

	got := n.Executor.GetBalance(common.HexToAddress(addr))
	want := new(big.Int)
	want.SetString("2500000000000000000", 10)
	if got.Cmp(want) != 0 {
		t.Fatalf("expected balance %s wei, got %s", want, got)
	}
}

func hugeBalance() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)
}
