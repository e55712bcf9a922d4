package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/commandquery/relay"
)

// Operation is what a client is asking to do to an inbox.
type Operation string

const (
	OpPush Operation = "push"
	OpPull Operation = "pull"
)

// Proof is whatever the client attached to justify an operation. At most one
// field is set.
type Proof struct {
	Token   string // POP token from the Authorization header
	StampTx []byte // raw stamp transaction
}

// Verdict is the outcome of an admission decision. Exactly one of Admit,
// Invoice or Code is meaningful: Admit, pay this invoice first, or rejected
// for this machine-readable reason.
type Verdict struct {
	Admit     bool
	Invoice   *relay.Invoice
	Code      string
	Reason    string
	StampTxID string
}

func admit(txid string) Verdict { return Verdict{Admit: true, StampTxID: txid} }

func reject(code string, err error) Verdict {
	verdict := Verdict{Code: code}
	if err != nil {
		verdict.Reason = err.Error()
	}
	return verdict
}

// Admission decides whether operations are authorised. It owns no state of
// its own; it orchestrates the token codec, the stamp verifier and the
// session store.
type Admission struct {
	codec    *TokenCodec
	stamps   *StampVerifier
	sessions *SessionStore
	wallet   *Wallet
	node     *NodeClient
}

func NewAdmission(codec *TokenCodec, stamps *StampVerifier, sessions *SessionStore, wallet *Wallet, node *NodeClient) *Admission {
	return &Admission{
		codec:    codec,
		stamps:   stamps,
		sessions: sessions,
		wallet:   wallet,
		node:     node,
	}
}

// Decide produces a verdict for one operation. Policy order: a supplied
// token wins, then a stamp (pushes only), otherwise the client is sent an
// invoice. Collaborator failures reject as verification_unavailable, never
// a silent admit.
func (adm *Admission) Decide(ctx context.Context, op Operation, address string, recipient []byte, payloadSize int64, proof Proof) Verdict {
	verdict := adm.decide(ctx, op, address, recipient, payloadSize, proof)

	switch {
	case verdict.Admit:
		observeAdmission(op, "admit")
	case verdict.Invoice != nil:
		observeAdmission(op, "payment_required")
	default:
		observeAdmission(op, "reject")
	}

	return verdict
}

func (adm *Admission) decide(ctx context.Context, op Operation, address string, recipient []byte, payloadSize int64, proof Proof) Verdict {
	if proof.Token != "" {
		scope, err := adm.codec.Validate(proof.Token, time.Now())
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				return reject(relay.RejectTokenExpired, err)
			}
			return reject(relay.RejectInvalidToken, err)
		}
		if !scope.Covers(op, address) {
			return reject(relay.RejectInvalidToken, fmt.Errorf("token scope does not cover %s of %s", op, address))
		}
		return admit("")
	}

	if len(proof.StampTx) > 0 && op == OpPush {
		txid, err := adm.stamps.Verify(ctx, proof.StampTx, recipient, payloadSize)
		if err != nil {
			return reject(stampRejectCode(err), err)
		}
		return admit(txid)
	}

	invoice, err := adm.NewInvoice(address, "*")
	if err != nil {
		log.Println("unable to create invoice:", err)
		return reject(relay.RejectVerificationUnavailable, err)
	}
	return Verdict{Invoice: invoice}
}

func stampRejectCode(err error) string {
	switch {
	case errors.Is(err, ErrStampMalformed):
		return relay.RejectMalformedInput
	case errors.Is(err, ErrWrongDestination):
		return relay.RejectWrongDestination
	case errors.Is(err, ErrInsufficientStamp), errors.Is(err, ErrStampRejected):
		return relay.RejectInsufficientPayment
	case errors.Is(err, ErrNodeUnavailable):
		return relay.RejectVerificationUnavailable
	}
	return relay.RejectMalformedInput
}

// NewInvoice opens a payment session for address and returns its invoice
// view. ops is the operation set the resulting token will cover: "push",
// "pull" or "*".
func (adm *Admission) NewInvoice(address, ops string) (*relay.Invoice, error) {
	session := adm.sessions.Create(address, ops, "", nil, Config.TokenFee, paymentTimeout())

	destination, pkScript, err := adm.wallet.Destination(session.ID)
	if err != nil {
		return nil, err
	}
	session.lock.Lock()
	session.Destination = destination
	session.PkScript = pkScript
	session.lock.Unlock()

	log.Println("created payment session", session.ID, "for", address)

	return &relay.Invoice{
		Session:     session.ID,
		Address:     address,
		Ops:         ops,
		Destination: destination,
		Amount:      session.Amount,
		Network:     Config.Network,
		Created:     session.Created.UnixMilli(),
		Expires:     session.Expires.UnixMilli(),
		PaymentURL:  "/payments/" + session.ID,
	}, nil
}

// SubmitPayment consumes a raw payment transaction for a session: the
// in-band settlement signal. The transaction must pay the session's
// destination at least the invoiced amount; it is then broadcast and the
// session settles.
func (adm *Admission) SubmitPayment(ctx context.Context, sessionID string, rawTx []byte) (string, error) {
	session, ok := adm.sessions.Get(sessionID)
	if !ok {
		return "", ErrSessionNotFound
	}

	// Refuse up front rather than broadcast a payment that can no longer
	// settle.
	if session.State() == StateExpired {
		return "", ErrSessionExpired
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStampMalformed, err)
	}

	session.lock.Lock()
	pkScript := session.PkScript
	amount := session.Amount
	session.lock.Unlock()

	var total uint64
	for _, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) && out.Value > 0 {
			total += uint64(out.Value)
		}
	}
	if total < amount {
		adm.sessions.MarkAwaiting(sessionID)
		return "", fmt.Errorf("%w: got %d, need %d", ErrInsufficientStamp, total, amount)
	}

	txid := tx.TxHash().String()
	if adm.node != nil {
		broadcast, err := adm.node.SendRawTransaction(ctx, rawTx)
		if err != nil {
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) {
				return "", fmt.Errorf("%w: %v", ErrStampRejected, err)
			}
			return "", err
		}
		txid = broadcast
	}

	if err := adm.sessions.Settle(sessionID, txid); err != nil {
		return "", err
	}

	log.Println("session", sessionID, "settled by", txid)
	return txid, nil
}

// Redeem exchanges a settled session for a POP token. If the session is
// still awaiting payment the node is asked whether the destination has been
// paid out of band; a positive answer settles the session first. Redemption
// succeeds at most once per session.
func (adm *Admission) Redeem(ctx context.Context, sessionID string) (string, int64, error) {
	session, ok := adm.sessions.Get(sessionID)
	if !ok {
		return "", 0, ErrSessionNotFound
	}

	if state := session.State(); state == StateCreated || state == StateAwaiting {
		adm.sessions.MarkAwaiting(sessionID)
		if err := adm.checkPaid(ctx, session); err != nil {
			return "", 0, err
		}
	}

	redeemed, err := adm.sessions.Redeem(sessionID)
	if err != nil {
		return "", 0, err
	}

	expires := time.Now().Add(tokenTTL()).UnixMilli()
	token, err := adm.codec.Issue(TokenScope{
		Address: redeemed.Address,
		Ops:     redeemed.Ops,
		Expires: expires,
	})
	if err != nil {
		return "", 0, err
	}

	log.Println("session", sessionID, "redeemed")
	return token, expires, nil
}

// checkPaid settles the session if the node reports sufficient funds at its
// destination. Not-yet-paid is not an error here; the later Redeem call
// reports the session state.
func (adm *Admission) checkPaid(ctx context.Context, session *Session) error {
	if adm.node == nil {
		return nil
	}

	session.lock.Lock()
	destination := session.Destination
	amount := session.Amount
	session.lock.Unlock()

	received, err := adm.node.ReceivedByAddress(ctx, destination, Config.MinConfirmations)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			// -4 and -5 mean the wallet does not know the address: the
			// node has seen no payment. Anything else is a node problem,
			// not an unpaid invoice.
			if rpcErr.Code == -4 || rpcErr.Code == -5 {
				log.Println("session", session.ID, "payment check:", err)
				return nil
			}
		}
		return fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}

	if received >= amount {
		return adm.sessions.Settle(session.ID, "")
	}

	return nil
}
