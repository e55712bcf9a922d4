package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

var (
	ErrStampMalformed    = errors.New("malformed stamp transaction")
	ErrWrongDestination  = errors.New("no output pays the recipient")
	ErrInsufficientStamp = errors.New("stamp value below required minimum")
	ErrStampRejected     = errors.New("stamp rejected by node")
)

// RequiredStamp returns the minimum stamp value in satoshis for a payload of
// the given size. Larger payloads need proportionally larger stamps.
func RequiredStamp(payloadSize int64) uint64 {
	if payloadSize < 0 {
		payloadSize = 0
	}
	return Config.StampBase + uint64(payloadSize/1024)*Config.StampPerKB
}

// StampVerifier validates stamp transactions attached to pushes. The data
// checks are pure; broadcasting through the node is the only side effect and
// is skipped when Node is nil or broadcasting is disabled.
type StampVerifier struct {
	Node *NodeClient
}

// sumToRecipient adds up the values of all P2PKH outputs paying the
// recipient's pubkey hash.
func sumToRecipient(tx *wire.MsgTx, recipient []byte) (total uint64, found bool) {
	for _, out := range tx.TxOut {
		script := out.PkScript
		// Standard P2PKH: OP_DUP OP_HASH160 <20 bytes> OP_EQUALVERIFY OP_CHECKSIG
		if len(script) != 25 || script[0] != 0x76 || script[1] != 0xa9 || script[2] != 0x14 ||
			script[23] != 0x88 || script[24] != 0xac {
			continue
		}
		if !bytes.Equal(script[3:23], recipient) {
			continue
		}
		found = true
		if out.Value > 0 {
			total += uint64(out.Value)
		}
	}
	return total, found
}

// Verify checks that rawTx is a well-formed transaction paying the recipient
// at least the stamp required for payloadSize, then hands it to the node.
// A node timeout or transport failure surfaces as ErrNodeUnavailable and is
// never treated as success.
func (verifier *StampVerifier) Verify(ctx context.Context, rawTx []byte, recipient []byte, payloadSize int64) (string, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStampMalformed, err)
	}

	total, found := sumToRecipient(tx, recipient)
	if !found {
		return "", ErrWrongDestination
	}

	required := RequiredStamp(payloadSize)
	if total < required {
		return "", fmt.Errorf("%w: got %d, need %d", ErrInsufficientStamp, total, required)
	}

	txid := tx.TxHash().String()

	if verifier.Node != nil && Config.BroadcastStamps {
		if _, err := verifier.Node.SendRawTransaction(ctx, rawTx); err != nil {
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) {
				// The node answered and refused the transaction.
				return "", fmt.Errorf("%w: %v", ErrStampRejected, err)
			}
			return "", fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
		}
	}

	return txid, nil
}
