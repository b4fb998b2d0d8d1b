package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/websocket"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/dagforge/localdagd/internal/dag"
	"github.com/dagforge/localdagd/internal/events"
	"github.com/dagforge/localdagd/internal/logs"
	"github.com/dagforge/localdagd/internal/node"
)

var wsLog = logs.Logger(logs.WS)

// wsOutboundQueueSize bounds each client's outbound queue (spec.md §5, §9
// "Event fan-out"), mirroring the teacher's websocketSendBufferSize.
const wsOutboundQueueSize = 50

// wsHistoryReplaySize is how many buffered events a freshly connected client
// is replayed (spec.md §6: "then a {type:"history", data:{messages:[…last
// 20…]}}" — distinct from the bus's own 100-entry retention window).
const wsHistoryReplaySize = 20

// wsMessage is the envelope pushed to every connected client: either a
// welcome/history/event push (Type != "") or a reply to an inbound request
// (Type == "" and ID set, spec.md §6 WebSocket protocol).
type wsMessage struct {
	Type      string      `json:"type,omitempty"`
	ID        interface{} `json:"id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// eventWireType maps an internal events.Type to the camelCase name the
// WebSocket wire contract uses (spec.md §6).
var eventWireType = map[events.Type]string{
	events.BlockMined:       "blockMined",
	events.TransactionAdded: "transactionAdded",
	events.MiningStarted:    "miningStarted",
	events.MiningStopped:    "miningStopped",
	events.Started:          "nodeStarted",
	events.Stopped:          "nodeStopped",
	events.TipsChanged:      "tipsChanged",
	events.DAGStatsUpdated:  "dagStatsUpdated",
}

// wsRequest is an inbound client command (spec.md §6: ping/getStats/
// getTips/getBlock/getAllBlocks/mineBlocks).
type wsRequest struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// WSServer is the WebSocket push endpoint (spec component C6 half two),
// grounded on the teacher's wsClient (infrastructure/network/rpc/rpcwebsocket.go):
// one goroutine per connection reading commands, one send queue per
// connection feeding the socket, fed in turn by the shared event bus.
type WSServer struct {
	node *node.Node
	addr string

	httpServer *http.Server

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn       *websocket.Conn
	send       chan wsMessage
	unsubBus   func()
	remoteAddr string
}

// NewWSServer creates a WebSocket server bound to addr (e.g. "0.0.0.0:8546").
func NewWSServer(n *node.Node, addr string) *WSServer {
	return &WSServer{node: n, addr: addr, clients: make(map[*wsClient]struct{})}
}

// Start begins serving WebSocket upgrades. Satisfies node.Server.
func (s *WSServer) Start() error {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleUpgrade)
	s.httpServer = &http.Server{Addr: s.addr, Handler: r}

	logs.Spawn(logs.WS, func() {
		wsLog.Infof("WebSocket server listening on %s", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			wsLog.Errorf("WebSocket server stopped: %v", err)
		}
	})
	return nil
}

// Stop closes every client connection and shuts the listener down.
// Satisfies node.Server.
func (s *WSServer) Stop() error {
	s.mu.Lock()
	for c := range s.clients {
		c.unsubBus()
		c.conn.Close()
	}
	s.clients = make(map[*wsClient]struct{})
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Upgrade(w, r, nil, 0, 0)
	if err != nil {
		if _, ok := err.(websocket.HandshakeError); !ok {
			wsLog.Errorf("unexpected websocket upgrade error: %v", err)
		}
		http.Error(w, "400 Bad Request.", http.StatusBadRequest)
		return
	}

	client := &wsClient{
		conn:       conn,
		send:       make(chan wsMessage, wsOutboundQueueSize),
		remoteAddr: r.RemoteAddr,
	}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	wsLog.Infof("new websocket client %s", client.remoteAddr)

	busCh, unsubscribe := s.node.Events.Subscribe()
	client.unsubBus = unsubscribe

	client.send <- wsMessage{
		Type: "welcome",
		Data: map[string]interface{}{
			"message":  "connected to localdagd",
			"dagStats": NewDAGInfo(s.node.DAG.GetStats()),
			"tips":     hashesOf(s.node.DAG.GetTips()),
		},
		Timestamp: nowMillis(),
	}

	history := s.node.Events.History()
	if len(history) > wsHistoryReplaySize {
		history = history[len(history)-wsHistoryReplaySize:]
	}
	messages := make([]map[string]interface{}, len(history))
	for i, e := range history {
		messages[i] = renderEvent(e)
	}
	client.send <- wsMessage{Type: "history", Data: map[string]interface{}{"messages": messages}}

	logs.Spawn(logs.WS, func() { s.pumpEvents(client, busCh) })
	logs.Spawn(logs.WS, func() { s.writeLoop(client) })

	s.readLoop(client)

	s.mu.Lock()
	delete(s.clients, client)
	s.mu.Unlock()
	unsubscribe()
	conn.Close()
	wsLog.Infof("disconnected websocket client %s", client.remoteAddr)
}

// pumpEvents forwards bus events to client's send queue, dropping the
// client if its queue is already full rather than blocking the bus
// (spec.md §9 "Event fan-out" — the per-subscriber drop is enforced again
// here since busCh itself is already a bounded, drop-on-full channel; this
// second bound protects the socket write side specifically).
func (s *WSServer) pumpEvents(client *wsClient, busCh <-chan events.Event) {
	for e := range busCh {
		msg := wsMessage{Type: wireType(e.Type), Data: renderEventData(e), Timestamp: nowMillis()}
		select {
		case client.send <- msg:
		default:
			wsLog.Warnf("client %s's send queue is full; closing it", client.remoteAddr)
			client.conn.Close()
			return
		}
	}
}

// wireType maps an internal event type to its wire name, falling back to
// the raw internal tag for anything not in the table (there is none today,
// but a future internal-only event shouldn't panic the pump).
func wireType(t events.Type) string {
	if wire, ok := eventWireType[t]; ok {
		return wire
	}
	return string(t)
}

// renderEvent is the history-replay shape: the wire type tagged alongside
// the payload, since a history message isn't itself typed the way a live
// push is (spec.md §6's "history" envelope carries a list of past messages).
func renderEvent(e events.Event) map[string]interface{} {
	out := map[string]interface{}{"type": wireType(e.Type), "data": renderEventData(e)}
	return out
}

func renderEventData(e events.Event) interface{} {
	switch data := e.Data.(type) {
	case *dag.Block:
		return NewBlockView(data, false)
	case *dag.Transaction:
		return NewTransactionView(data)
	case []common.Hash:
		return hashesOf(data)
	case dag.Stats:
		return NewDAGInfo(data)
	default:
		return nil
	}
}

func (s *WSServer) writeLoop(client *wsClient) {
	for msg := range client.send {
		if err := client.conn.WriteJSON(msg); err != nil {
			wsLog.Debugf("write to %s failed: %v", client.remoteAddr, err)
			client.conn.Close()
			return
		}
	}
}

// readLoop blocks reading inbound commands until the connection closes.
func (s *WSServer) readLoop(client *wsClient) {
	for {
		var req wsRequest
		if err := client.conn.ReadJSON(&req); err != nil {
			return
		}
		reply, ok := s.dispatch(client, req)
		if !ok {
			continue
		}
		select {
		case client.send <- reply:
		default:
			wsLog.Warnf("client %s's send queue is full while replying; closing it", client.remoteAddr)
			client.conn.Close()
			return
		}
	}
}

// dispatch handles one inbound client command. The bool return reports
// whether a reply should be sent at all: an unknown method is logged and
// ignored per spec.md §7 ("Unknown WebSocket message types are logged and
// ignored"), not answered with a wire-level error.
func (s *WSServer) dispatch(client *wsClient, req wsRequest) (wsMessage, bool) {
	switch req.Method {
	case "ping":
		return wsMessage{ID: req.ID, Data: "pong"}, true
	case "getStats":
		return wsMessage{ID: req.ID, Data: NewDAGInfo(s.node.DAG.GetStats())}, true
	case "getTips":
		tips := s.node.DAG.GetTips()
		out := make([]string, len(tips))
		for i, t := range tips {
			out[i] = t.Hex()
		}
		return wsMessage{ID: req.ID, Data: out}, true
	case "getBlock":
		var params []string
		if err := json.Unmarshal(req.Params, &params); err != nil || len(params) == 0 {
			return errorReply(req.ID, errors.New("getBlock requires a block hash param")), true
		}
		b := s.node.DAG.GetBlock(common.HexToHash(params[0]))
		if b == nil {
			return wsMessage{ID: req.ID, Data: nil}, true
		}
		return wsMessage{ID: req.ID, Data: NewBlockView(b, true)}, true
	case "getAllBlocks":
		blocks := s.node.DAG.GetAllBlocks()
		out := make([]*BlockView, len(blocks))
		for i, b := range blocks {
			out[i] = NewBlockView(b, false)
		}
		return wsMessage{ID: req.ID, Data: out}, true
	case "mineBlocks":
		var params []int
		count := 1
		if err := json.Unmarshal(req.Params, &params); err == nil && len(params) > 0 {
			count = params[0]
		}
		if count < 1 {
			count = 1
		}
		blocks := s.node.MineBlocks(count)
		out := make([]*BlockView, len(blocks))
		for i, b := range blocks {
			out[i] = NewBlockView(b, false)
		}
		return wsMessage{ID: req.ID, Data: out}, true
	default:
		wsLog.Warnf("unknown websocket method %q from %s", req.Method, client.remoteAddr)
		return wsMessage{}, false
	}
}

func errorReply(id interface{}, err error) wsMessage {
	return wsMessage{ID: id, Error: err.Error()}
}
