package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// newFakeNode returns a NodeClient talking to a stub bitcoind. The handler
// answers every RPC; a nil handler yields a client pointing at a dead server.
func newFakeNode(t *testing.T, handler func(method string, params []any) (any, *RPCError)) *NodeClient {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad rpc request: %v", err)
			return
		}

		result, rpcErr := handler(req.Method, req.Params)
		raw, _ := json.Marshal(result)
		_ = json.NewEncoder(w).Encode(struct {
			Result json.RawMessage `json:"result"`
			Error  *RPCError       `json:"error"`
		}{Result: raw, Error: rpcErr})
	}))

	if handler == nil {
		ts.Close()
	} else {
		t.Cleanup(ts.Close)
	}

	return &NodeClient{
		url:    ts.URL,
		client: &http.Client{Timeout: time.Second},
	}
}

func TestSendRawTransaction(t *testing.T) {
	node := newFakeNode(t, func(method string, params []any) (any, *RPCError) {
		if method != "sendrawtransaction" {
			t.Errorf("unexpected method %s", method)
		}
		return "deadbeef", nil
	})

	txid, err := node.SendRawTransaction(context.Background(), []byte{0x01, 0x02})
	if err != nil {
		t.Fatal(err)
	}
	if txid != "deadbeef" {
		t.Errorf("txid = %s", txid)
	}
}

func TestReceivedByAddress(t *testing.T) {
	node := newFakeNode(t, func(method string, params []any) (any, *RPCError) {
		if method != "getreceivedbyaddress" {
			t.Errorf("unexpected method %s", method)
		}
		return 1.5, nil // bitcoind reports BTC
	})

	received, err := node.ReceivedByAddress(context.Background(), "addr", 0)
	if err != nil {
		t.Fatal(err)
	}
	if received != 150_000_000 {
		t.Errorf("received = %d satoshis, want 150000000", received)
	}
}

func TestNodeRPCError(t *testing.T) {
	node := newFakeNode(t, func(method string, params []any) (any, *RPCError) {
		return nil, &RPCError{Code: -4, Message: "no such address"}
	})

	_, err := node.ReceivedByAddress(context.Background(), "addr", 0)

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if rpcErr.Code != -4 {
		t.Errorf("code = %d", rpcErr.Code)
	}
	// A node refusal is not a transport failure.
	if errors.Is(err, ErrNodeUnavailable) {
		t.Error("RPCError classified as ErrNodeUnavailable")
	}
}

func TestNodeUnreachable(t *testing.T) {
	node := newFakeNode(t, nil)

	if _, err := node.SendRawTransaction(context.Background(), []byte{0x01}); !errors.Is(err, ErrNodeUnavailable) {
		t.Errorf("expected ErrNodeUnavailable, got %v", err)
	}
}
