package relay

import (
	"github.com/google/uuid"
)

// Reject codes returned alongside any refused operation. Clients switch on
// these to decide whether to retry, re-pay or give up.
const (
	RejectMalformedInput          = "malformed_input"
	RejectInsufficientPayment     = "insufficient_payment"
	RejectWrongDestination        = "wrong_destination"
	RejectSessionExpired          = "session_expired"
	RejectSessionNotSettled       = "session_not_settled"
	RejectAlreadyRedeemed         = "already_redeemed"
	RejectInvalidToken            = "invalid_token"
	RejectTokenExpired            = "token_expired"
	RejectVerificationUnavailable = "verification_unavailable"
	RejectLimitExceeded           = "limit_exceeded"
	RejectNotFound                = "not_found"
)

// Reject is the JSON body attached to any non-2xx admission response.
type Reject struct {
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// Invoice is returned with a 402 when an operation needs payment, or from an
// explicit invoice request. The client pays Amount satoshis to Destination
// before Expires, then redeems the session for a POP token.
type Invoice struct {
	Session     string `json:"session"`
	Address     string `json:"address"` // inbox address the purchase covers
	Ops         string `json:"ops"`     // "push", "pull" or "*"
	Destination string `json:"destination"`
	Amount      uint64 `json:"amount"` // satoshis
	Network     string `json:"network"`
	Created     int64  `json:"created"` // unix milliseconds
	Expires     int64  `json:"expires"`
	PaymentURL  string `json:"paymentUrl"`
}

// Message is a stored inbox entry. Payload is opaque ciphertext; the relay
// never inspects it.
type Message struct {
	ID        uuid.UUID `json:"id"`
	Sender    string    `json:"sender,omitempty"` // client-supplied reference
	Timestamp int64     `json:"timestamp"`        // unix milliseconds, server time
	Digest    string    `json:"digest"`           // hex sha256 of the payload
	Stamp     string    `json:"stamp,omitempty"`  // txid of the stamp, if any
	Payload   []byte    `json:"payload"`
}

// MessagePage is the JSON struct used to represent a range read of an inbox.
type MessagePage struct {
	Messages []Message `json:"messages"`
}

// PushResponse is returned by the server after an admitted push.
type PushResponse struct {
	ID     uuid.UUID `json:"id"`
	Digest string    `json:"digest"`
}

// TokenResponse carries a freshly minted POP token. Send it back as
// "Authorization: POP <token>".
type TokenResponse struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"` // unix milliseconds
}

// PaymentAck is returned after a payment transaction is accepted for a
// session.
type PaymentAck struct {
	Session string `json:"session"`
	TxID    string `json:"txid"`
	State   string `json:"state"`
}
