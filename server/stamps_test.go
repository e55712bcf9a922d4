package server

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// p2pkhScript builds a standard pay-to-pubkey-hash script for a 20-byte hash.
func p2pkhScript(hash160 []byte) []byte {
	script := append([]byte{0x76, 0xa9, 0x14}, hash160...)
	return append(script, 0x88, 0xac)
}

// txPaying serialises a transaction with one dummy input and the given
// outputs.
func txPaying(t *testing.T, outputs ...*wire.TxOut) []byte {
	t.Helper()

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, 0), []byte{0x51}, nil))
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testRecipient() []byte {
	recipient := make([]byte, 20)
	for i := range recipient {
		recipient[i] = byte(i + 1)
	}
	return recipient
}

func TestRequiredStamp(t *testing.T) {
	resetConfig()
	Config.StampBase = 100
	Config.StampPerKB = 5

	tests := []struct {
		size int64
		want uint64
	}{
		{0, 100},
		{1, 100},
		{1023, 100},
		{1024, 105},
		{2048, 110},
		{20 * 1024, 200},
		{-1, 100},
	}

	for _, test := range tests {
		if got := RequiredStamp(test.size); got != test.want {
			t.Errorf("RequiredStamp(%d) = %d, want %d", test.size, got, test.want)
		}
	}
}

func TestVerifyStamp(t *testing.T) {
	resetConfig()
	recipient := testRecipient()
	verifier := &StampVerifier{}

	required := int64(RequiredStamp(4096))
	rawTx := txPaying(t, wire.NewTxOut(required, p2pkhScript(recipient)))

	txid, err := verifier.Verify(context.Background(), rawTx, recipient, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if txid == "" {
		t.Error("no txid returned")
	}
}

func TestVerifyStampInsufficient(t *testing.T) {
	resetConfig()
	recipient := testRecipient()
	verifier := &StampVerifier{}

	required := int64(RequiredStamp(4096))
	rawTx := txPaying(t, wire.NewTxOut(required-1, p2pkhScript(recipient)))

	if _, err := verifier.Verify(context.Background(), rawTx, recipient, 4096); !errors.Is(err, ErrInsufficientStamp) {
		t.Errorf("expected ErrInsufficientStamp, got %v", err)
	}
}

func TestVerifyStampSumsOutputs(t *testing.T) {
	resetConfig()
	recipient := testRecipient()
	verifier := &StampVerifier{}

	// Two outputs to the recipient plus change elsewhere; only the first two
	// count, and together they cover the stamp.
	required := int64(RequiredStamp(0))
	other := p2pkhScript(bytes.Repeat([]byte{0xee}, 20))
	rawTx := txPaying(t,
		wire.NewTxOut(required/2, p2pkhScript(recipient)),
		wire.NewTxOut(required-required/2, p2pkhScript(recipient)),
		wire.NewTxOut(1_000_000, other),
	)

	if _, err := verifier.Verify(context.Background(), rawTx, recipient, 0); err != nil {
		t.Errorf("split stamp rejected: %v", err)
	}
}

func TestVerifyStampWrongDestination(t *testing.T) {
	resetConfig()
	recipient := testRecipient()
	verifier := &StampVerifier{}

	other := p2pkhScript(bytes.Repeat([]byte{0xee}, 20))
	rawTx := txPaying(t, wire.NewTxOut(1_000_000, other))

	if _, err := verifier.Verify(context.Background(), rawTx, recipient, 0); !errors.Is(err, ErrWrongDestination) {
		t.Errorf("expected ErrWrongDestination, got %v", err)
	}
}

func TestVerifyStampMalformed(t *testing.T) {
	resetConfig()
	verifier := &StampVerifier{}

	if _, err := verifier.Verify(context.Background(), []byte("not a transaction"), testRecipient(), 0); !errors.Is(err, ErrStampMalformed) {
		t.Errorf("expected ErrStampMalformed, got %v", err)
	}
}

func TestVerifyStampNonStandardScriptIgnored(t *testing.T) {
	resetConfig()
	recipient := testRecipient()
	verifier := &StampVerifier{}

	// An output embedding the recipient hash in a non-P2PKH script does not
	// count as payment.
	script := append([]byte{0x6a, 0x14}, recipient...) // OP_RETURN push
	rawTx := txPaying(t, wire.NewTxOut(1_000_000, script))

	if _, err := verifier.Verify(context.Background(), rawTx, recipient, 0); !errors.Is(err, ErrWrongDestination) {
		t.Errorf("expected ErrWrongDestination, got %v", err)
	}
}

func TestVerifyStampNodeRefusal(t *testing.T) {
	resetConfig()
	recipient := testRecipient()

	node := newFakeNode(t, func(method string, params []any) (any, *RPCError) {
		return nil, &RPCError{Code: -26, Message: "txn-mempool-conflict"}
	})
	verifier := &StampVerifier{Node: node}

	rawTx := txPaying(t, wire.NewTxOut(int64(RequiredStamp(0)), p2pkhScript(recipient)))

	if _, err := verifier.Verify(context.Background(), rawTx, recipient, 0); !errors.Is(err, ErrStampRejected) {
		t.Errorf("expected ErrStampRejected, got %v", err)
	}
}

func TestVerifyStampNodeUnreachable(t *testing.T) {
	resetConfig()
	recipient := testRecipient()

	node := newFakeNode(t, nil)
	verifier := &StampVerifier{Node: node}

	rawTx := txPaying(t, wire.NewTxOut(int64(RequiredStamp(0)), p2pkhScript(recipient)))

	// A dead node is never an admission.
	if _, err := verifier.Verify(context.Background(), rawTx, recipient, 0); !errors.Is(err, ErrNodeUnavailable) {
		t.Errorf("expected ErrNodeUnavailable, got %v", err)
	}
}

func TestVerifyStampBroadcastDisabled(t *testing.T) {
	resetConfig()
	Config.BroadcastStamps = false
	recipient := testRecipient()

	// The node is unreachable, but with broadcasting off it is never asked.
	node := newFakeNode(t, nil)
	verifier := &StampVerifier{Node: node}

	rawTx := txPaying(t, wire.NewTxOut(int64(RequiredStamp(0)), p2pkhScript(recipient)))

	if _, err := verifier.Verify(context.Background(), rawTx, recipient, 0); err != nil {
		t.Errorf("verify with broadcasting disabled: %v", err)
	}
}
