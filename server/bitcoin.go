package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/btcsuite/btcd/btcutil"
)

// ErrNodeUnavailable marks transport-level failures talking to bitcoind:
// timeouts, refused connections, garbled responses. It is always retryable
// and never an admission.
var ErrNodeUnavailable = errors.New("bitcoin node unavailable")

// RPCError is an error returned by the node itself, as opposed to a failure
// to reach it.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("node rpc error %d: %s", e.Code, e.Message)
}

// NodeClient is a narrow bitcoind JSON-RPC client. The relay only ever needs
// two calls: broadcasting a transaction and checking what an address has
// received.
type NodeClient struct {
	url      string
	username string
	password string
	client   *http.Client
}

func NewNodeClient(addr, username, password string) *NodeClient {
	return &NodeClient{
		url:      "http://" + addr,
		username: username,
		password: password,
		client:   &http.Client{Timeout: nodeTimeout()},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (node *NodeClient) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", node.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(node.username, node.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := node.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err = json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}

	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if result != nil {
		if err = json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
		}
	}

	return nil
}

// SendRawTransaction broadcasts a transaction and returns its txid.
func (node *NodeClient) SendRawTransaction(ctx context.Context, rawTx []byte) (string, error) {
	var txid string
	err := node.call(ctx, "sendrawtransaction", []any{hex.EncodeToString(rawTx)}, &txid)
	return txid, err
}

// ReceivedByAddress returns the satoshis received by an address with at
// least minConf confirmations.
func (node *NodeClient) ReceivedByAddress(ctx context.Context, address string, minConf int) (uint64, error) {
	var received float64 // bitcoind reports BTC
	if err := node.call(ctx, "getreceivedbyaddress", []any{address, minConf}, &received); err != nil {
		return 0, err
	}

	amount, err := btcutil.NewAmount(received)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}

	return uint64(amount), nil
}
